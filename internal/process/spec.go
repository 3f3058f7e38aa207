package process

import "time"

// RestartKind enumerates the restart policy variants from the data model.
type RestartKind string

const (
	RestartNever     RestartKind = "never"
	RestartOnFailure RestartKind = "on_failure"
	RestartAlways    RestartKind = "always"
)

// RestartPolicy governs whether and how quickly the supervisor respawns an
// exited process. MaxAttempts and Backoff apply to both RestartOnFailure
// and RestartAlways; Backoff is the base backoff (exponential, capped at
// 30s per spec).
type RestartPolicy struct {
	Kind        RestartKind   `json:"kind"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
	Backoff     time.Duration `json:"backoff,omitempty"`
}

// Spec is the caller-supplied description of a process to spawn.
type Spec struct {
	Workspace     string            `json:"workspace"`
	Command       string            `json:"command"`
	Args          []string          `json:"args,omitempty"`
	Env           map[string]string `json:"env,omitempty"`
	WorkingDir    string            `json:"working_dir,omitempty"`
	RestartPolicy RestartPolicy     `json:"restart_policy"`
	PIDFile       string            `json:"pid_file,omitempty"`
	Log           LogConfig         `json:"log,omitempty"`
	// HealthProbe names a registered application-level probe; empty means
	// OS-level existence + readiness checking only.
	HealthProbe string `json:"health_probe,omitempty"`
}

// LogConfig mirrors logging.Config's shape for wire/serialization purposes;
// the supervisor translates it into logging.Config when opening writers.
type LogConfig struct {
	Dir        string `json:"dir,omitempty"`
	StdoutPath string `json:"stdout_path,omitempty"`
	StderrPath string `json:"stderr_path,omitempty"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

// EnvSlice flattens the Env map into "KEY=VALUE" pairs merged on top of
// base (base entries are overridden by Env on key collision).
func (s Spec) EnvSlice(base []string) []string {
	if len(s.Env) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(s.Env))
	for _, kv := range base {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				merged[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	for k, v := range s.Env {
		merged[k] = v
	}
	out := make([]string, 0, len(merged))
	for k, v := range merged {
		out = append(out, k+"="+v)
	}
	return out
}
