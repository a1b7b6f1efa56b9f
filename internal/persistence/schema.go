package persistence

import (
	"context"
)

// initSchema creates all required tables if they don't exist.
func (s *SQLiteStore) initSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS records (
		key TEXT PRIMARY KEY,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_records_kind ON records(kind);

	CREATE TABLE IF NOT EXISTS task_index (
		id TEXT PRIMARY KEY,
		record_key TEXT NOT NULL,
		type TEXT NOT NULL,
		status TEXT NOT NULL,
		priority INTEGER NOT NULL,
		workflow_id TEXT,
		attempts INTEGER NOT NULL,
		updated_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		FOREIGN KEY (record_key) REFERENCES records(key) ON DELETE CASCADE
	);

	CREATE INDEX IF NOT EXISTS idx_task_index_status ON task_index(status);
	CREATE INDEX IF NOT EXISTS idx_task_index_workflow ON task_index(workflow_id);
	`

	_, err := s.db.ExecContext(ctx, schema)
	return err
}
