package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/aristath/taskcore/internal/scheduler"
)

// TaskSummary is one row of the task index.
type TaskSummary struct {
	ID         string
	Type       string
	Status     scheduler.TaskStatus
	Priority   int
	WorkflowID string
	Attempts   int
	UpdatedAt  time.Time
}

func indexTask(ctx context.Context, tx *sql.Tx, key string, task *scheduler.Task) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_index (id, record_key, type, status, priority, workflow_id, attempts, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			record_key = excluded.record_key,
			type = excluded.type,
			status = excluded.status,
			priority = excluded.priority,
			workflow_id = excluded.workflow_id,
			attempts = excluded.attempts,
			updated_at = CURRENT_TIMESTAMP
	`, task.ID, key, task.Type, task.Status.String(), task.Priority, task.Metadata.WorkflowID, task.Attempts)
	if err != nil {
		return fmt.Errorf("failed to index task %s: %w", task.ID, err)
	}
	return nil
}

// ListTasks returns indexed tasks, highest priority first, optionally
// restricted to the given statuses.
func (s *SQLiteStore) ListTasks(ctx context.Context, statuses ...scheduler.TaskStatus) ([]TaskSummary, error) {
	query := `SELECT id, type, status, priority, COALESCE(workflow_id, ''), attempts, updated_at FROM task_index`
	args := make([]any, 0, len(statuses))
	if len(statuses) > 0 {
		marks := make([]string, len(statuses))
		for i, st := range statuses {
			marks[i] = "?"
			args = append(args, st.String())
		}
		query += ` WHERE status IN (` + strings.Join(marks, ", ") + `)`
	}
	query += ` ORDER BY priority DESC, id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query tasks: %w", err)
	}
	defer rows.Close()

	var out []TaskSummary
	for rows.Next() {
		var ts TaskSummary
		var status string
		if err := rows.Scan(&ts.ID, &ts.Type, &status, &ts.Priority, &ts.WorkflowID, &ts.Attempts, &ts.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan task: %w", err)
		}
		if err := ts.Status.UnmarshalText([]byte(status)); err != nil {
			return nil, fmt.Errorf("task %s: %w", ts.ID, err)
		}
		out = append(out, ts)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating tasks: %w", err)
	}
	return out, nil
}

// LoadTask decodes a full task record.
func (s *SQLiteStore) LoadTask(ctx context.Context, taskID string) (*scheduler.Task, error) {
	var task scheduler.Task
	if err := s.Load(ctx, scheduler.TaskKeyPrefix+taskID, &task); err != nil {
		return nil, err
	}
	return &task, nil
}

// CountByStatus returns the number of indexed tasks per status name.
func (s *SQLiteStore) CountByStatus(ctx context.Context) (map[string]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM task_index GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count tasks: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}
