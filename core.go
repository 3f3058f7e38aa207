// Package core re-exports the daemon's internal building blocks as a
// stable embedding API, for callers that want to run the supervisor
// stack inside their own process rather than through cmd/wptld.
package core

import (
	"time"

	"github.com/wezterm-parallel/core/internal/alert"
	"github.com/wezterm-parallel/core/internal/history"
	"github.com/wezterm-parallel/core/internal/process"
	"github.com/wezterm-parallel/core/internal/registry"
	"github.com/wezterm-parallel/core/internal/store"
	"github.com/wezterm-parallel/core/internal/supervisor"
	"github.com/wezterm-parallel/core/internal/task"
)

// Re-export core types for external consumers; these are aliases so
// conversions to/from the internal packages are zero-cost.
type (
	ProcessSpec   = process.Spec
	ProcessRecord = process.Record
	ProcessStatus = process.Status

	Workspace = registry.Workspace
	Task      = task.Task
	Priority  = task.Priority

	HistorySink = history.Sink
)

// Daemon is a thin facade over the Workspace Registry, Process
// Supervisor and Task Queue, wired together with in-memory-only
// persistence disabled callers can opt into by supplying stores.
type Daemon struct {
	Registry   *registry.Registry
	Supervisor *supervisor.Supervisor
	Tasks      *task.Queue
}

// DaemonOptions configures New.
type DaemonOptions struct {
	WorkspaceStorePath string
	TaskStorePath      string
	MaxPerWorkspace    int
	HealthInterval     time.Duration
	TaskCancelTimeout  time.Duration
	HistorySink        HistorySink
	AlertRingCapacity  int
}

// New constructs a Daemon. A zero-value WorkspaceStorePath/TaskStorePath
// disables persistence for that component, useful for embedding in a
// short-lived process or a test.
func New(opts DaemonOptions) (*Daemon, error) {
	if opts.MaxPerWorkspace <= 0 {
		opts.MaxPerWorkspace = 4
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = 30 * time.Second
	}
	if opts.TaskCancelTimeout <= 0 {
		opts.TaskCancelTimeout = 5 * time.Second
	}
	if opts.AlertRingCapacity <= 0 {
		opts.AlertRingCapacity = 50
	}

	var wsStore *store.WorkspaceStore
	if opts.WorkspaceStorePath != "" {
		wsStore = store.NewWorkspaceStore(opts.WorkspaceStorePath)
	}
	reg := registry.New(wsStore)
	if err := reg.Load(); err != nil {
		return nil, err
	}

	var taskStore *store.TaskStore
	if opts.TaskStorePath != "" {
		taskStore = store.NewTaskStore(opts.TaskStorePath)
	}
	tasks := task.New(taskStore, opts.TaskCancelTimeout)
	if err := tasks.Load(); err != nil {
		return nil, err
	}

	alerts := alert.NewRing(opts.AlertRingCapacity)
	probes := process.NewProbeRegistry()
	sup := supervisor.New(reg, probes, alerts, opts.HistorySink, nil, opts.MaxPerWorkspace, opts.HealthInterval)

	return &Daemon{Registry: reg, Supervisor: sup, Tasks: tasks}, nil
}

// StartHealthLoop begins periodic health probing of managed processes.
func (d *Daemon) StartHealthLoop() { d.Supervisor.StartHealthLoop() }

// StopHealthLoop ends the health-probe loop started by StartHealthLoop.
func (d *Daemon) StopHealthLoop() { d.Supervisor.StopHealthLoop() }
