package sqlite

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/wezterm-parallel/core/internal/history"
)

func TestSQLiteSink_Integration(t *testing.T) {
	tempDir := t.TempDir()
	dbPath := tempDir + "/test.db"

	sink, err := New("file:" + dbPath)
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
		_ = os.Remove(dbPath)
	}()

	ctx := context.Background()

	startEvent := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().Add(-time.Minute).UTC(),
		ProcessID:  "proc-1",
		Workspace:  "default",
		Command:    "sleep",
		PID:        12345,
		Status:     "running",
	}
	if err := sink.Send(ctx, startEvent); err != nil {
		t.Fatalf("Failed to send start event: %v", err)
	}

	code := 0
	stopEvent := history.Event{
		Type:       history.EventStop,
		OccurredAt: time.Now().UTC(),
		ProcessID:  "proc-1",
		Workspace:  "default",
		Command:    "sleep",
		PID:        12345,
		Status:     "stopped",
		ExitCode:   &code,
	}
	if err := sink.Send(ctx, stopEvent); err != nil {
		t.Fatalf("Failed to send stop event: %v", err)
	}

	t.Log("SQLite sink integration test completed successfully")
}

func TestSQLiteSink_InMemory(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create in-memory sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx := context.Background()
	event := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		ProcessID:  "proc-2",
		Workspace:  "default",
		Command:    "echo",
		PID:        54321,
		Status:     "running",
	}
	if err := sink.Send(ctx, event); err != nil {
		t.Fatalf("Failed to send event: %v", err)
	}

	t.Log("SQLite in-memory sink test completed successfully")
}

func TestSQLiteSink_ContextCancellation(t *testing.T) {
	sink, err := New(":memory:")
	if err != nil {
		t.Fatalf("Failed to create sink: %v", err)
	}
	defer func() {
		if err := sink.Close(); err != nil {
			t.Errorf("Failed to close sink: %v", err)
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	event := history.Event{
		Type:       history.EventStart,
		OccurredAt: time.Now().UTC(),
		ProcessID:  "proc-3",
		Workspace:  "default",
		Command:    "echo",
		PID:        99999,
		Status:     "running",
	}
	if err := sink.Send(ctx, event); err != nil {
		t.Logf("Expected error with cancelled context: %v", err)
	}

	t.Log("SQLite context cancellation test completed")
}
