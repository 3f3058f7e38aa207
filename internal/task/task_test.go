package task

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wezterm-parallel/core/internal/broadcast"
	"github.com/wezterm-parallel/core/internal/store"
)

type fakeBroadcaster struct {
	mu   sync.Mutex
	envs []broadcast.Envelope
}

func (f *fakeBroadcaster) Broadcast(_ broadcast.Subscription, env broadcast.Envelope) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.envs = append(f.envs, env)
}

func (f *fakeBroadcaster) types() []broadcast.EnvelopeType {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]broadcast.EnvelopeType, len(f.envs))
	for i, e := range f.envs {
		out[i] = e.Payload.Type
	}
	return out
}

func newTestQueue(t *testing.T) *Queue {
	t.Helper()
	st := store.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	t.Cleanup(st.Close)
	return New(st, 5*time.Second)
}

func TestSubmitAndNextRunnableOrdersByPriority(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	_, err = q.Submit("", PriorityUrgent, nil)
	require.NoError(t, err)
	_, err = q.Submit("", PriorityHigh, nil)
	require.NoError(t, err)

	first, _, ok := q.NextRunnable()
	require.True(t, ok)
	assert.Equal(t, PriorityUrgent, first.Priority)

	second, _, ok := q.NextRunnable()
	require.True(t, ok)
	assert.Equal(t, PriorityHigh, second.Priority)
}

func TestSubmitStableTieBreakBySubmittedAt(t *testing.T) {
	q := newTestQueue(t)
	a, err := q.Submit("", PriorityMedium, nil)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = q.Submit("", PriorityMedium, nil)
	require.NoError(t, err)

	first, _, ok := q.NextRunnable()
	require.True(t, ok)
	assert.Equal(t, a.ID, first.ID)
}

func TestKeyExclusionBlocksSecondRunningTaskSameKey(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Submit("build", PriorityMedium, nil)
	require.NoError(t, err)
	_, err = q.Submit("build", PriorityMedium, nil)
	require.NoError(t, err)

	first, _, ok := q.NextRunnable()
	require.True(t, ok)
	assert.Equal(t, "build", first.Key)

	_, _, ok = q.NextRunnable()
	assert.False(t, ok, "second task with same key must stay blocked while first is running")

	require.NoError(t, q.Complete(first.ID, ""))

	second, _, ok := q.NextRunnable()
	require.True(t, ok)
	assert.Equal(t, "build", second.Key)
}

func TestCancelPendingTask(t *testing.T) {
	q := newTestQueue(t)
	tk, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)

	require.NoError(t, q.Cancel(tk.ID))
	got, ok := q.Get(tk.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCanceled, got.Status)

	_, _, ok = q.NextRunnable()
	assert.False(t, ok)
}

func TestCancelRunningTaskSignalsContext(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)

	running, ctx, ok := q.NextRunnable()
	require.True(t, ok)

	require.NoError(t, q.Cancel(running.ID))
	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("expected context to be canceled")
	}
}

func TestUpdateProgressClampsRange(t *testing.T) {
	q := newTestQueue(t)
	tk, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	running, _, ok := q.NextRunnable()
	require.True(t, ok)
	require.Equal(t, tk.ID, running.ID)

	require.NoError(t, q.UpdateProgress(running.ID, 150))
	got, _ := q.Get(running.ID)
	assert.Equal(t, 100, got.Progress)
}

func TestCompleteMarksFailedWithReason(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	running, _, ok := q.NextRunnable()
	require.True(t, ok)

	require.NoError(t, q.Complete(running.ID, "boom"))
	got, _ := q.Get(running.ID)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "boom", got.FailReason)
}

func TestLoadReclassifiesInterruptedRunningTasks(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "tasks.json")

	st := store.NewTaskStore(path)
	q := New(st, time.Second)
	_, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	_, _, ok := q.NextRunnable()
	require.True(t, ok)
	st.Close()

	st2 := store.NewTaskStore(path)
	defer st2.Close()
	q2 := New(st2, time.Second)
	require.NoError(t, q2.Load())

	list := q2.List()
	require.Len(t, list, 1)
	assert.Equal(t, StatusFailed, list[0].Status)
	assert.Equal(t, "interrupted", list[0].FailReason)
}

func TestMoveReordersPendingTask(t *testing.T) {
	q := newTestQueue(t)
	low, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	_, err = q.Submit("", PriorityMedium, nil)
	require.NoError(t, err)

	require.NoError(t, q.Move(low.ID, PriorityUrgent))

	first, _, ok := q.NextRunnable()
	require.True(t, ok)
	assert.Equal(t, low.ID, first.ID)
}

func TestSubmitBroadcastsTaskUpdate(t *testing.T) {
	q := newTestQueue(t)
	fb := &fakeBroadcaster{}
	q.SetBroadcaster(fb)

	_, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	assert.Contains(t, fb.types(), broadcast.TypeTaskUpdate)
}

func TestMoveBroadcastsTaskMoved(t *testing.T) {
	q := newTestQueue(t)
	fb := &fakeBroadcaster{}
	q.SetBroadcaster(fb)

	tk, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	require.NoError(t, q.Move(tk.ID, PriorityUrgent))
	assert.Contains(t, fb.types(), broadcast.TypeTaskMoved)
}

func TestUpdateProgressBroadcastsTaskProgress(t *testing.T) {
	q := newTestQueue(t)
	fb := &fakeBroadcaster{}
	q.SetBroadcaster(fb)

	_, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)
	running, _, ok := q.NextRunnable()
	require.True(t, ok)

	require.NoError(t, q.UpdateProgress(running.ID, 50))
	assert.Contains(t, fb.types(), broadcast.TypeTaskProgress)
}

func TestRunExecutesUpToMaxConcurrentAndCompletes(t *testing.T) {
	q := newTestQueue(t)
	_, err := q.Submit("", PriorityUrgent, nil)
	require.NoError(t, err)
	_, err = q.Submit("", PriorityLow, nil)
	require.NoError(t, err)

	var order []Priority
	var mu sync.Mutex
	handler := func(_ context.Context, tk Task) error {
		mu.Lock()
		order = append(order, tk.Priority)
		mu.Unlock()
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = q.Run(ctx, 1, handler)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 2
	}, time.Second, 10*time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []Priority{PriorityUrgent, PriorityLow}, order)
}

func TestRunForceCancelsAfterTTLElapses(t *testing.T) {
	st := store.NewTaskStore(filepath.Join(t.TempDir(), "tasks.json"))
	t.Cleanup(st.Close)
	q := New(st, 50*time.Millisecond)

	tk, err := q.Submit("", PriorityLow, nil)
	require.NoError(t, err)

	started := make(chan struct{})
	handler := func(ctx context.Context, _ Task) error {
		close(started)
		<-ctx.Done()
		time.Sleep(time.Second) // ignores cancellation past cancelTTL
		return nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = q.Run(ctx, 1, handler) }()

	<-started
	require.NoError(t, q.Cancel(tk.ID))

	require.Eventually(t, func() bool {
		got, ok := q.Get(tk.ID)
		return ok && got.Status == StatusCanceled
	}, time.Second, 10*time.Millisecond)
}
