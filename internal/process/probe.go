package process

import "context"

// HealthProbe is an application-level liveness check a process spec may
// register by name, per the design notes' "small capability set" guidance.
// It generalizes the teacher's detector.Detector (PID-file / command based)
// into a context-aware, named registry the Supervisor consults during its
// periodic health-check loop.
type HealthProbe interface {
	// Check returns nil if the process is healthy. ctx carries the 2s
	// health-probe deadline from the concurrency model.
	Check(ctx context.Context) error
}

// ProbeFunc adapts a plain function to HealthProbe.
type ProbeFunc func(ctx context.Context) error

func (f ProbeFunc) Check(ctx context.Context) error { return f(ctx) }

// ProbeRegistry is a name -> HealthProbe lookup populated by embedders
// before processes referencing HealthProbe by name are spawned.
type ProbeRegistry struct {
	probes map[string]HealthProbe
}

func NewProbeRegistry() *ProbeRegistry { return &ProbeRegistry{probes: make(map[string]HealthProbe)} }

func (r *ProbeRegistry) Register(name string, p HealthProbe) { r.probes[name] = p }

func (r *ProbeRegistry) Lookup(name string) (HealthProbe, bool) {
	p, ok := r.probes[name]
	return p, ok
}
