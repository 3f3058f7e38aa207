package history

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memSink is a minimal in-process Sink used by this package's tests.
type memSink struct {
	mu     sync.Mutex
	events []Event
}

func (m *memSink) Send(_ context.Context, e Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, e)
	return nil
}

func (m *memSink) Close() error { return nil }

func TestMemSinkRecordsEvents(t *testing.T) {
	var s memSink
	ev := Event{Type: EventStart, OccurredAt: time.Now(), ProcessID: "p1", Workspace: "w1", PID: 100, Status: "running"}
	if err := s.Send(context.Background(), ev); err != nil {
		t.Fatalf("send: %v", err)
	}
	if len(s.events) != 1 || s.events[0].ProcessID != "p1" {
		t.Fatalf("unexpected events: %+v", s.events)
	}
}
