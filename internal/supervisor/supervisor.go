// Package supervisor implements the Process Supervisor: spawning,
// stopping, restarting, and health-checking OS processes on behalf of
// workspaces, backed by internal/process's Handle/Spec/Record types.
package supervisor

import (
	"context"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/wezterm-parallel/core/internal/alert"
	"github.com/wezterm-parallel/core/internal/broadcast"
	"github.com/wezterm-parallel/core/internal/history"
	"github.com/wezterm-parallel/core/internal/process"
	"github.com/wezterm-parallel/core/internal/registry"
)

// Broadcaster is the subset of the Dashboard Broadcaster the supervisor
// pushes lifecycle events through.
type Broadcaster interface {
	Broadcast(sub broadcast.Subscription, env broadcast.Envelope)
}

const (
	maxBackoff          = 30 * time.Second
	defaultBaseBackoff  = 1 * time.Second
	abandonWindow       = 10 * time.Minute
	defaultAbandonCount = 10
	healthProbeTimeout  = 2 * time.Second
	unresponsiveAfter   = 3
	restartOrFailAfter  = 5
)

type entry struct {
	mu       sync.Mutex
	handle   *process.Handle
	spec     process.Spec
	rec      process.Record
	failures []time.Time
}

// Supervisor spawns and monitors OS processes for workspaces.
type Supervisor struct {
	mu              sync.Mutex
	procs           map[string]*entry
	reg             *registry.Registry
	probes          *process.ProbeRegistry
	alerts          *alert.Ring
	sink            history.Sink
	hub             Broadcaster
	maxPerWorkspace int
	healthInterval  time.Duration
	stopHealth      chan struct{}
}

// New constructs a Supervisor. sink may be nil to disable history export;
// hub may be nil to disable dashboard push notifications.
func New(reg *registry.Registry, probes *process.ProbeRegistry, alerts *alert.Ring, sink history.Sink, hub Broadcaster, maxPerWorkspace int, healthInterval time.Duration) *Supervisor {
	if probes == nil {
		probes = process.NewProbeRegistry()
	}
	return &Supervisor{
		procs:           make(map[string]*entry),
		reg:             reg,
		probes:          probes,
		alerts:          alerts,
		sink:            sink,
		hub:             hub,
		maxPerWorkspace: maxPerWorkspace,
		healthInterval:  healthInterval,
	}
}

func genID(workspace string) string {
	return fmt.Sprintf("%s-%s", workspace, uuid.New().String())
}

// Spawn starts a new process for spec.Workspace, which must be Active and
// under its process quota. On launch failure a Warning alert is emitted.
func (s *Supervisor) Spawn(spec process.Spec) (process.Record, error) {
	ws, ok := s.reg.Get(spec.Workspace)
	if !ok {
		return process.Record{}, fmt.Errorf("unknown workspace %q", spec.Workspace)
	}
	if ws.Status != registry.StatusActive {
		return process.Record{}, fmt.Errorf("workspace %q is not active", spec.Workspace)
	}
	if s.maxPerWorkspace > 0 && s.reg.ProcessCount(spec.Workspace) >= s.maxPerWorkspace {
		return process.Record{}, fmt.Errorf("workspace %q at process quota (%d)", spec.Workspace, s.maxPerWorkspace)
	}

	id := genID(spec.Workspace)
	e, rec, err := s.launch(id, spec, 1)
	if err != nil {
		s.emitAlert(alert.Warning, fmt.Sprintf("failed to launch process in workspace %s: %v", spec.Workspace, err), spec.Workspace)
		return process.Record{}, err
	}

	s.mu.Lock()
	s.procs[id] = e
	s.mu.Unlock()

	if err := s.reg.AttachProcess(spec.Workspace, id); err != nil {
		e.handle.Stop(5 * time.Second)
		s.mu.Lock()
		delete(s.procs, id)
		s.mu.Unlock()
		return process.Record{}, err
	}

	go s.monitor(id, e)
	return rec, nil
}

// launch builds and starts a Handle for spec under id, without touching the
// registry or supervisor map; attempt seeds Record.Attempts.
func (s *Supervisor) launch(id string, spec process.Spec, attempt int) (*entry, process.Record, error) {
	mergedEnv := spec.EnvSlice(os.Environ())
	h, cmd := process.NewHandle(spec, mergedEnv)
	if err := h.Start(cmd); err != nil {
		return nil, process.Record{}, err
	}

	now := time.Now().UTC()
	rec := process.Record{
		ID:            id,
		Workspace:     spec.Workspace,
		Command:       spec.Command,
		Args:          append([]string(nil), spec.Args...),
		WorkingDir:    spec.WorkingDir,
		RestartPolicy: spec.RestartPolicy,
		Status:        process.StatusRunning,
		Attempts:      attempt,
		PID:           h.PID(),
		CreatedAt:     now,
		StartedAt:     now,
	}

	e := &entry{handle: h, spec: spec, rec: rec}
	s.recordHistory(history.EventStart, rec)
	return e, rec.Clone(), nil
}

// monitor waits for the process to exit, then applies the restart policy.
func (s *Supervisor) monitor(id string, e *entry) {
	if !e.handle.ClaimMonitoring() {
		return
	}
	cmd := e.handle.Cmd()
	waitErr := cmd.Wait()
	e.handle.CloseWaitDone()
	e.handle.CloseWriters()
	e.handle.RemovePIDFile()

	e.mu.Lock()
	exitInfo := classifyExit(waitErr)
	e.rec.LastExit = exitInfo
	e.rec.StoppedAt = time.Now().UTC()
	stopRequested := e.handle.StopRequested()
	policy := e.rec.RestartPolicy
	spec := e.spec
	e.mu.Unlock()

	s.recordHistory(history.EventStop, s.snapshot(e))

	if stopRequested {
		s.finalize(spec.Workspace, id, e, process.StatusStopped)
		return
	}

	failed := exitInfo.Code != 0
	shouldRestart := policy.Kind == process.RestartAlways || (policy.Kind == process.RestartOnFailure && failed)
	if !shouldRestart {
		if failed {
			s.finalize(spec.Workspace, id, e, process.StatusFailed)
		} else {
			s.finalize(spec.Workspace, id, e, process.StatusStopped)
		}
		return
	}

	e.mu.Lock()
	e.failures = append(e.failures, time.Now())
	e.failures = pruneWindow(e.failures, abandonWindow)
	count := len(e.failures)
	attempt := e.rec.Attempts + 1
	e.mu.Unlock()

	limit := policy.MaxAttempts
	if limit <= 0 {
		limit = defaultAbandonCount
	}
	if count >= limit {
		s.finalize(spec.Workspace, id, e, process.StatusFailed)
		s.emitAlert(alert.Critical, fmt.Sprintf("process %s in workspace %s abandoned after %d failures within %s", id, spec.Workspace, count, abandonWindow), spec.Workspace)
		return
	}

	backoff := computeBackoff(policy.Backoff, attempt)
	time.Sleep(backoff)

	newEntry, _, err := s.launch(id, spec, attempt)
	if err != nil {
		s.finalize(spec.Workspace, id, e, process.StatusFailed)
		s.emitAlert(alert.Warning, fmt.Sprintf("restart of %s failed: %v", id, err), spec.Workspace)
		return
	}
	newEntry.failures = e.failures

	s.mu.Lock()
	s.procs[id] = newEntry
	s.mu.Unlock()

	go s.monitor(id, newEntry)
}

func classifyExit(err error) *process.ExitInfo {
	if err == nil {
		return &process.ExitInfo{Code: 0}
	}
	info := &process.ExitInfo{Code: 1, Err: err.Error()}
	type exitCoder interface{ ExitCode() int }
	if ec, ok := err.(exitCoder); ok {
		info.Code = ec.ExitCode()
	}
	return info
}

func pruneWindow(ts []time.Time, window time.Duration) []time.Time {
	cutoff := time.Now().Add(-window)
	out := ts[:0]
	for _, t := range ts {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return append([]time.Time(nil), out...)
}

func computeBackoff(base time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = defaultBaseBackoff
	}
	d := base
	for i := 1; i < attempt && d < maxBackoff; i++ {
		d *= 2
	}
	if d > maxBackoff {
		d = maxBackoff
	}
	return d
}

// Stop gracefully stops a process, escalating to SIGKILL after wait.
func (s *Supervisor) Stop(id string, wait time.Duration) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	s.setStatus(e, process.StatusStopping)
	e.handle.Stop(wait)
	return nil
}

// Kill immediately force-kills a process.
func (s *Supervisor) Kill(id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.handle.SetStopRequested(true)
	e.handle.Kill()
	return nil
}

// Restart stops (if running) and relaunches a process under the same ID.
func (s *Supervisor) Restart(id string) error {
	e, err := s.get(id)
	if err != nil {
		return err
	}
	e.mu.Lock()
	spec := e.spec
	attempt := e.rec.Attempts + 1
	e.mu.Unlock()

	e.handle.SetStopRequested(true)
	e.handle.Stop(5 * time.Second)

	newEntry, _, err := s.launch(id, spec, attempt)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.procs[id] = newEntry
	s.mu.Unlock()
	go s.monitor(id, newEntry)
	return nil
}

// Status returns a snapshot of one process's record.
func (s *Supervisor) Status(id string) (process.Record, error) {
	e, err := s.get(id)
	if err != nil {
		return process.Record{}, err
	}
	return s.snapshot(e), nil
}

// List returns records for all processes, optionally filtered by workspace.
func (s *Supervisor) List(workspace string) []process.Record {
	s.mu.Lock()
	entries := make([]*entry, 0, len(s.procs))
	for _, e := range s.procs {
		entries = append(entries, e)
	}
	s.mu.Unlock()

	out := make([]process.Record, 0, len(entries))
	for _, e := range entries {
		rec := s.snapshot(e)
		if workspace == "" || rec.Workspace == workspace {
			out = append(out, rec)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Supervisor) get(id string) (*entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.procs[id]
	if !ok {
		return nil, fmt.Errorf("unknown process %q", id)
	}
	return e, nil
}

func (s *Supervisor) snapshot(e *entry) process.Record {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rec.PID = e.handle.PID()
	return e.rec.Clone()
}

func (s *Supervisor) setStatus(e *entry, st process.Status) {
	e.mu.Lock()
	e.rec.Status = st
	workspace := e.spec.Workspace
	id := e.rec.ID
	e.mu.Unlock()
	s.broadcastStatus(workspace, id, st)
}

// finalize transitions e to a terminal status and detaches its id from the
// owning workspace, keeping the registry's process_ids set consistent with
// the Supervisor's own live-record set (see registry.DetachProcess).
func (s *Supervisor) finalize(workspace, id string, e *entry, st process.Status) {
	s.setStatus(e, st)
	_ = s.reg.DetachProcess(workspace, id)
}

func (s *Supervisor) broadcastStatus(workspace, id string, st process.Status) {
	if s.hub == nil {
		return
	}
	s.hub.Broadcast(broadcast.SubWorkspace(workspace), broadcast.Envelope{
		Payload: broadcast.Payload{
			Type: broadcast.TypeStatusChange,
			Data: map[string]any{"process_id": id, "workspace": workspace, "status": st},
		},
	})
}

// UpdateMetrics stores a fresh CPU/RSS sample for a process, called by the
// Metrics Sampler on each tick. It is a no-op if id is unknown, since a
// process may exit between the sampler's enumeration and its OS read.
func (s *Supervisor) UpdateMetrics(id string, cpuPercent float64, rssBytes uint64) {
	e, err := s.get(id)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.rec.Metrics.CPUPercent = cpuPercent
	e.rec.Metrics.RSSBytes = rssBytes
	e.mu.Unlock()
}

func (s *Supervisor) recordHistory(typ history.EventType, rec process.Record) {
	if s.sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	ev := history.Event{
		Type:       typ,
		OccurredAt: time.Now().UTC(),
		ProcessID:  rec.ID,
		Workspace:  rec.Workspace,
		Command:    rec.Command,
		PID:        rec.PID,
		Status:     string(rec.Status),
		Attempts:   rec.Attempts,
	}
	if rec.LastExit != nil {
		code := rec.LastExit.Code
		ev.ExitCode = &code
		ev.ExitErr = rec.LastExit.Err
	}
	_ = s.sink.Send(ctx, ev)
}

func (s *Supervisor) emitAlert(sev alert.Severity, msg, origin string) {
	if s.alerts == nil {
		return
	}
	a := alert.Alert{Severity: sev, Message: msg, Origin: origin, At: time.Now().UTC()}
	if !s.alerts.Push(a) {
		return
	}
	if s.hub != nil {
		s.hub.Broadcast(broadcast.SubAlerts, broadcast.Envelope{Payload: broadcast.Payload{Type: broadcast.TypeAlert, Data: a}})
	}
}

// StartHealthLoop begins the periodic liveness-check loop described in the
// concurrency model: 3 consecutive failures mark a process Unresponsive, 5
// trigger a restart attempt (or Failed, if the restart policy forbids it).
func (s *Supervisor) StartHealthLoop() {
	s.mu.Lock()
	if s.stopHealth != nil {
		s.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	s.stopHealth = stop
	s.mu.Unlock()

	go func() {
		t := time.NewTicker(s.healthInterval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				s.healthCheckOnce()
			case <-stop:
				return
			}
		}
	}()
}

// StopHealthLoop stops the periodic health-check loop, if running.
func (s *Supervisor) StopHealthLoop() {
	s.mu.Lock()
	stop := s.stopHealth
	s.stopHealth = nil
	s.mu.Unlock()
	if stop != nil {
		close(stop)
	}
}

func (s *Supervisor) healthCheckOnce() {
	s.mu.Lock()
	entries := make(map[string]*entry, len(s.procs))
	for id, e := range s.procs {
		entries[id] = e
	}
	s.mu.Unlock()

	for id, e := range entries {
		e.mu.Lock()
		if e.rec.Status.Terminal() {
			e.mu.Unlock()
			continue
		}
		probeName := e.spec.HealthProbe
		e.mu.Unlock()

		ok := e.handle.DetectAlive()
		if ok && probeName != "" {
			if p, found := s.probes.Lookup(probeName); found {
				ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
				err := p.Check(ctx)
				cancel()
				ok = err == nil
			}
		}

		e.mu.Lock()
		if ok {
			e.rec.ConsecutiveHealthFailures = 0
			e.rec.Metrics.LastHealthOK = true
			e.rec.Metrics.LastHealthAt = time.Now().UTC()
			if e.rec.Status == process.StatusUnresponsive {
				e.rec.Status = process.StatusRunning
			}
			e.mu.Unlock()
			continue
		}
		e.rec.ConsecutiveHealthFailures++
		e.rec.Metrics.LastHealthOK = false
		e.rec.Metrics.LastHealthAt = time.Now().UTC()
		failures := e.rec.ConsecutiveHealthFailures
		workspace := e.spec.Workspace
		e.mu.Unlock()

		switch {
		case failures == unresponsiveAfter:
			s.setStatus(e, process.StatusUnresponsive)
			s.emitAlert(alert.Warning, fmt.Sprintf("process %s unresponsive (%d consecutive health check failures)", id, failures), workspace)
		case failures >= restartOrFailAfter:
			if e.spec.RestartPolicy.Kind == process.RestartNever {
				s.finalize(workspace, id, e, process.StatusFailed)
				s.emitAlert(alert.Critical, fmt.Sprintf("process %s failed health checks and has no restart policy", id), workspace)
			} else if err := s.Restart(id); err != nil {
				s.finalize(workspace, id, e, process.StatusFailed)
				s.emitAlert(alert.Critical, fmt.Sprintf("process %s failed restart after repeated health failures: %v", id, err), workspace)
			}
		}
	}
}
