// Package task implements the Task Queue: a priority-ordered, per-key
// mutually-exclusive work queue with cooperative cancellation and
// periodic snapshotting via internal/store.
package task

import (
	"container/heap"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wezterm-parallel/core/internal/broadcast"
	"github.com/wezterm-parallel/core/internal/store"
)

// defaultCancelTimeout is used when New is given a non-positive timeout,
// matching the task_cancel_timeout_s default.
const defaultCancelTimeout = 5 * time.Second

// schedulerTick bounds how long a Run loop waits between polls of the
// runnable heap once every worker slot is occupied.
const schedulerTick = 50 * time.Millisecond

// Broadcaster is the subset of the Dashboard Broadcaster the queue pushes
// task board events through.
type Broadcaster interface {
	Broadcast(sub broadcast.Subscription, env broadcast.Envelope)
}

// Handler runs a task's opaque payload. The context is canceled when the
// task is requested to cancel; Run gives the handler up to the queue's
// cancelTTL to observe it before force-transitioning the task to Canceled.
type Handler func(ctx context.Context, t Task) error

// Priority orders tasks within the queue. Higher values run first.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityMedium
	PriorityHigh
	PriorityCritical
	PriorityUrgent
)

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// Terminal reports whether no further transitions occur for this status.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCanceled:
		return true
	default:
		return false
	}
}

var (
	ErrNotFound      = errors.New("task: not found")
	ErrKeyBusy       = errors.New("task: key already has a running task")
	ErrNotCancelable = errors.New("task: not in a cancelable state")
)

// Task is the in-memory representation of one unit of work.
type Task struct {
	ID          string          `json:"id"`
	Key         string          `json:"key"`
	Priority    Priority        `json:"priority"`
	Status      Status          `json:"status"`
	Progress    int             `json:"progress"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`

	cancel context.CancelFunc
}

func (t Task) clone() Task {
	c := t
	c.cancel = nil
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.FinishedAt != nil {
		v := *t.FinishedAt
		c.FinishedAt = &v
	}
	return c
}

// runnableQueue is a max-heap on (Priority, then earliest SubmittedAt).
type runnableQueue []*Task

func (q runnableQueue) Len() int { return len(q) }
func (q runnableQueue) Less(i, j int) bool {
	if q[i].Priority != q[j].Priority {
		return q[i].Priority > q[j].Priority
	}
	return q[i].SubmittedAt.Before(q[j].SubmittedAt)
}
func (q runnableQueue) Swap(i, j int) { q[i], q[j] = q[j], q[i] }
func (q *runnableQueue) Push(x any)   { *q = append(*q, x.(*Task)) }
func (q *runnableQueue) Pop() any {
	old := *q
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*q = old[:n-1]
	return x
}

// Queue is the mutex-guarded task scheduler.
type Queue struct {
	mu        sync.Mutex
	tasks     map[string]*Task
	runnable  runnableQueue
	busyKeys  map[string]string // key -> running task ID
	store     *store.TaskStore
	cancelTTL time.Duration
	hub       Broadcaster
}

// New constructs a Queue backed by st (nil disables persistence) with the
// given default cancellation grace period.
func New(st *store.TaskStore, cancelTimeout time.Duration) *Queue {
	if cancelTimeout <= 0 {
		cancelTimeout = defaultCancelTimeout
	}
	return &Queue{
		tasks:     make(map[string]*Task),
		busyKeys:  make(map[string]string),
		store:     st,
		cancelTTL: cancelTimeout,
	}
}

// SetBroadcaster wires the Dashboard Broadcaster the queue publishes
// TaskUpdate/TaskMoved/TaskProgress envelopes through. Nil disables it.
// Must be called before Run and any mutating operation starts.
func (q *Queue) SetBroadcaster(hub Broadcaster) {
	q.hub = hub
}

// broadcast may be called while q.mu is held by the caller; it only reads
// the hub reference set once at startup by SetBroadcaster.
func (q *Queue) broadcast(typ broadcast.EnvelopeType, data any) {
	if q.hub == nil {
		return
	}
	q.hub.Broadcast(broadcast.SubTasks, broadcast.Envelope{Payload: broadcast.Payload{Type: typ, Data: data}})
}

// Load restores tasks from the backing store. Any task left Running at
// the last snapshot is reclassified Failed("interrupted"), since no
// process survives a restart to finish it.
func (q *Queue) Load() error {
	if q.store == nil {
		return nil
	}
	records, err := q.store.Load()
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, rec := range records {
		t := &Task{
			ID:          rec.ID,
			Key:         rec.Key,
			Priority:    Priority(rec.Priority),
			Status:      Status(rec.Status),
			Progress:    rec.Progress,
			Payload:     rec.Payload,
			SubmittedAt: rec.SubmittedAt,
			StartedAt:   rec.StartedAt,
			FinishedAt:  rec.FinishedAt,
			FailReason:  rec.FailReason,
		}
		if t.Status == StatusRunning {
			now := time.Now().UTC()
			t.Status = StatusFailed
			t.FailReason = "interrupted"
			t.FinishedAt = &now
		}
		q.tasks[t.ID] = t
		if t.Status == StatusPending {
			heap.Push(&q.runnable, t)
		}
	}
	return q.persistLocked()
}

// Submit enqueues a new pending task and returns it.
func (q *Queue) Submit(key string, priority Priority, payload json.RawMessage) (Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	t := &Task{
		ID:          uuid.NewString(),
		Key:         key,
		Priority:    priority,
		Status:      StatusPending,
		Payload:     payload,
		SubmittedAt: time.Now().UTC(),
	}
	q.tasks[t.ID] = t
	heap.Push(&q.runnable, t)
	if err := q.persistLocked(); err != nil {
		delete(q.tasks, t.ID)
		q.removeFromRunnableLocked(t.ID)
		return Task{}, fmt.Errorf("task submit: %w", err)
	}
	clone := t.clone()
	q.broadcast(broadcast.TypeTaskUpdate, clone)
	return clone, nil
}

// NextRunnable pops the highest-priority pending task whose key is not
// already busy, marks it Running, and returns it along with the context
// the worker should observe for cooperative cancellation (see Cancel).
func (q *Queue) NextRunnable() (Task, context.Context, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var deferred []*Task
	defer func() {
		for _, t := range deferred {
			heap.Push(&q.runnable, t)
		}
	}()

	for q.runnable.Len() > 0 {
		t := heap.Pop(&q.runnable).(*Task)
		if t.Status != StatusPending {
			continue
		}
		if t.Key != "" {
			if _, busy := q.busyKeys[t.Key]; busy {
				deferred = append(deferred, t)
				continue
			}
		}
		now := time.Now().UTC()
		t.Status = StatusRunning
		t.StartedAt = &now
		ctx, cancel := context.WithCancel(context.Background())
		t.cancel = cancel
		if t.Key != "" {
			q.busyKeys[t.Key] = t.ID
		}
		_ = q.persistLocked()
		clone := t.clone()
		q.broadcast(broadcast.TypeTaskUpdate, clone)
		return clone, ctx, true
	}
	return Task{}, nil, false
}

// UpdateProgress sets a running task's progress percentage (0-100).
func (q *Queue) UpdateProgress(id string, progress int) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("task %s is not running", id)
	}
	if progress < 0 {
		progress = 0
	} else if progress > 100 {
		progress = 100
	}
	t.Progress = progress
	if err := q.persistLocked(); err != nil {
		return err
	}
	q.broadcast(broadcast.TypeTaskProgress, t.clone())
	return nil
}

// Complete transitions a Running task to Completed or Failed.
func (q *Queue) Complete(id string, failReason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusRunning {
		return fmt.Errorf("task %s is not running", id)
	}
	now := time.Now().UTC()
	t.FinishedAt = &now
	if failReason != "" {
		t.Status = StatusFailed
		t.FailReason = failReason
	} else {
		t.Status = StatusCompleted
		t.Progress = 100
	}
	if t.Key != "" {
		delete(q.busyKeys, t.Key)
	}
	if err := q.persistLocked(); err != nil {
		return err
	}
	q.broadcast(broadcast.TypeTaskUpdate, t.clone())
	return nil
}

// Cancel requests cooperative cancellation of a Pending or Running task.
// Running tasks are given q.cancelTTL to observe ctx.Done before the
// caller should consider them unresponsive to cancellation.
func (q *Queue) Cancel(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if t.Status.Terminal() {
		q.mu.Unlock()
		return ErrNotCancelable
	}
	if t.Status == StatusPending {
		t.Status = StatusCanceled
		now := time.Now().UTC()
		t.FinishedAt = &now
		q.removeFromRunnableLocked(id)
		err := q.persistLocked()
		clone := t.clone()
		q.mu.Unlock()
		if err == nil {
			q.broadcast(broadcast.TypeTaskUpdate, clone)
		}
		return err
	}
	// Running: signal and let Run's executor force-finalize it to Canceled
	// once the handler observes ctx.Done or cancelTTL elapses, whichever
	// comes first.
	cancel := t.cancel
	q.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}

// finalizeCanceled force-transitions a Running task to Canceled, used once
// cancelTTL has elapsed (or the handler returned) after Cancel requested
// cooperative cancellation. A no-op if the task already reached a terminal
// status by the time it runs.
func (q *Queue) finalizeCanceled(id string) error {
	q.mu.Lock()
	t, ok := q.tasks[id]
	if !ok {
		q.mu.Unlock()
		return ErrNotFound
	}
	if t.Status.Terminal() {
		q.mu.Unlock()
		return nil
	}
	now := time.Now().UTC()
	t.Status = StatusCanceled
	t.FinishedAt = &now
	if t.Key != "" {
		delete(q.busyKeys, t.Key)
	}
	err := q.persistLocked()
	clone := t.clone()
	q.mu.Unlock()
	if err == nil {
		q.broadcast(broadcast.TypeTaskUpdate, clone)
	}
	return err
}

// Run drives the scheduling loop: it repeatedly pulls the highest-priority
// runnable task via NextRunnable, up to maxConcurrent running at once, and
// invokes handler for each. It blocks until ctx is canceled, at which point
// it waits for in-flight handlers to return before returning ctx.Err().
func (q *Queue) Run(ctx context.Context, maxConcurrent int, handler Handler) error {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	sem := make(chan struct{}, maxConcurrent)
	var wg sync.WaitGroup
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		q.dispatchRunnable(ctx, sem, handler, &wg)
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// dispatchRunnable claims free worker slots and hands each a runnable task,
// stopping once the heap is dry or every slot is occupied.
func (q *Queue) dispatchRunnable(ctx context.Context, sem chan struct{}, handler Handler, wg *sync.WaitGroup) {
	for {
		select {
		case sem <- struct{}{}:
		default:
			return
		}
		t, taskCtx, ok := q.NextRunnable()
		if !ok {
			<-sem
			return
		}
		wg.Add(1)
		go func(t Task, taskCtx context.Context) {
			defer wg.Done()
			defer func() { <-sem }()
			q.execute(ctx, taskCtx, handler, t)
		}(t, taskCtx)
	}
}

// execute runs handler for t and finalizes its outcome. If the task's
// context is canceled before the handler returns, execute waits up to
// cancelTTL for a cooperative exit before force-finalizing to Canceled.
func (q *Queue) execute(parent context.Context, taskCtx context.Context, handler Handler, t Task) {
	done := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- fmt.Errorf("task %s: handler panic: %v", t.ID, r)
			}
		}()
		done <- handler(taskCtx, t)
	}()

	select {
	case err := <-done:
		reason := ""
		if err != nil {
			reason = err.Error()
		}
		_ = q.Complete(t.ID, reason)
	case <-taskCtx.Done():
		select {
		case <-done:
		case <-time.After(q.cancelTTL):
		case <-parent.Done():
		}
		_ = q.finalizeCanceled(t.ID)
	}
}

// Move reassigns a pending task's priority, re-seating it in the heap.
func (q *Queue) Move(id string, priority Priority) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return ErrNotFound
	}
	if t.Status != StatusPending {
		return fmt.Errorf("task %s is not pending", id)
	}
	t.Priority = priority
	heap.Init(&q.runnable)
	if err := q.persistLocked(); err != nil {
		return err
	}
	q.broadcast(broadcast.TypeTaskMoved, t.clone())
	return nil
}

// Get returns a copy of the named task.
func (q *Queue) Get(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return t.clone(), true
}

// List returns all tasks, sorted by submission time.
func (q *Queue) List() []Task {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, t.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SubmittedAt.Before(out[j].SubmittedAt) })
	return out
}

func (q *Queue) removeFromRunnableLocked(id string) {
	for i, t := range q.runnable {
		if t.ID == id {
			heap.Remove(&q.runnable, i)
			return
		}
	}
}

func (q *Queue) persistLocked() error {
	if q.store == nil {
		return nil
	}
	records := make([]store.TaskRecord, 0, len(q.tasks))
	ids := make([]string, 0, len(q.tasks))
	for id := range q.tasks {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		t := q.tasks[id]
		records = append(records, store.TaskRecord{
			ID:          t.ID,
			Key:         t.Key,
			Priority:    int(t.Priority),
			Status:      string(t.Status),
			Progress:    t.Progress,
			SubmittedAt: t.SubmittedAt,
			StartedAt:   t.StartedAt,
			FinishedAt:  t.FinishedAt,
			FailReason:  t.FailReason,
			Payload:     t.Payload,
		})
	}
	return q.store.Save(records)
}
