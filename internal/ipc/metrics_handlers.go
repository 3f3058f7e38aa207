package ipc

import (
	"context"
	"encoding/json"
)

// MetricsProvider is the subset of the metrics sampler the dispatcher
// depends on for on-demand snapshots (as opposed to the push path to the
// broadcaster).
type MetricsProvider interface {
	SystemSnapshot() interface{}
	WorkspaceSnapshot(name string) (interface{}, bool)
}

// RegisterMetricsHandlers wires MetricsSystem/MetricsWorkspace.
func RegisterMetricsHandlers(s *Server, provider MetricsProvider) {
	s.Handle(TypeMetricsSystem, func(context.Context, json.RawMessage) (interface{}, error) {
		return provider.SystemSnapshot(), nil
	})

	s.Handle(TypeMetricsWorkspace, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		snap, ok := provider.WorkspaceSnapshot(req.Name)
		if !ok {
			return nil, NewError(KindNotFound, "workspace not found")
		}
		return snap, nil
	})
}
