package client

import "time"

// Workspace mirrors registry.Workspace for client-side decoding.
type Workspace struct {
	Name       string    `json:"name"`
	TemplateID string    `json:"template_id,omitempty"`
	Status     string    `json:"status"`
	CreatedAt  time.Time `json:"created_at"`
}

// ProcessSpec mirrors process.Spec for client-side requests.
type ProcessSpec struct {
	Workspace     string            `json:"workspace,omitempty"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WorkingDir  string            `json:"working_dir,omitempty"`
	PIDFile     string            `json:"pid_file,omitempty"`
	HealthProbe string            `json:"health_probe,omitempty"`
}

// ProcessRecord decodes a subset of process.Record on the client side.
// The daemon reports exits under "last_exit", which this type does not
// decode, so ExitCode stays zero for records read from the daemon.
type ProcessRecord struct {
	ID        string    `json:"id"`
	Workspace string    `json:"workspace"`
	Status    string    `json:"status"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitCode  int       `json:"exit_code,omitempty"`
}

// Task mirrors task.Task for client-side decoding.
type Task struct {
	ID          string    `json:"id"`
	Key         string    `json:"key"`
	Priority    int       `json:"priority"`
	Status      string    `json:"status"`
	Progress    int       `json:"progress"`
	SubmittedAt time.Time `json:"submitted_at"`
	FailReason  string    `json:"fail_reason,omitempty"`
}
