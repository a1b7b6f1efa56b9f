package logging

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func decodeLines(t *testing.T, data []byte) []map[string]any {
	t.Helper()
	var out []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(string(data)), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid JSON log line %q: %v", line, err)
		}
		out = append(out, entry)
	}
	return out
}

func TestNewLoggerCreatesFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "logs")

	logger, err := NewLogger(dir, LevelDebug)
	if err != nil {
		t.Fatalf("NewLogger failed: %v", err)
	}
	logger.Info("hello", "n", 1)
	if err := logger.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	// Second close is a no-op
	if err := logger.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	content, err := os.ReadFile(filepath.Join(dir, LogFileName))
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	entries := decodeLines(t, content)
	if len(entries) != 1 || entries[0]["msg"] != "hello" {
		t.Fatalf("unexpected log content: %s", content)
	}
}

func TestLevelFiltering(t *testing.T) {
	tests := []struct {
		level string
		want  int
	}{
		{LevelDebug, 4},
		{LevelInfo, 3},
		{LevelWarn, 2},
		{LevelError, 1},
		{"bogus", 3},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := New(&buf, tt.level)
			logger.Debug("d")
			logger.Info("i")
			logger.Warn("w")
			logger.Error("e")

			if got := len(decodeLines(t, buf.Bytes())); got != tt.want {
				t.Errorf("level %s: got %d lines, want %d", tt.level, got, tt.want)
			}
		})
	}
}

func TestChildLoggersCarryAttributes(t *testing.T) {
	var buf bytes.Buffer
	root := New(&buf, LevelDebug)

	child := root.WithWorkflow("wf-1").WithTask("task-1").With("attempt", 2, 42, "skipped")
	child.Info("started")
	root.Info("root")

	entries := decodeLines(t, buf.Bytes())
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0]["workflow_id"] != "wf-1" || entries[0]["task_id"] != "task-1" {
		t.Errorf("child entry missing attributes: %v", entries[0])
	}
	if entries[0]["attempt"] != float64(2) {
		t.Errorf("attempt = %v, want 2", entries[0]["attempt"])
	}
	if _, ok := entries[1]["task_id"]; ok {
		t.Error("root logger should not inherit child attributes")
	}
}

func TestNopLoggerAndNilSafety(t *testing.T) {
	NopLogger().WithTask("x").Error("discarded")

	var l *Logger
	l.Info("no panic")
	if err := l.Close(); err != nil {
		t.Errorf("nil Close returned %v", err)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]string{
		"debug": LevelDebug,
		"WARN":  LevelWarn,
		"error": LevelError,
		"":      LevelInfo,
		"trace": LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %q, want %q", in, got, want)
		}
	}
	if len(ValidLevels()) != 4 {
		t.Error("expected 4 valid levels")
	}
}
