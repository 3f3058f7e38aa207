package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/wezterm-parallel/core/internal/process"
	"github.com/wezterm-parallel/core/internal/registry"
	"github.com/wezterm-parallel/core/internal/task"
	"github.com/wezterm-parallel/core/internal/template"
)

// RegistryOps is the subset of registry.Registry the dispatcher depends on.
type RegistryOps interface {
	Create(name, templateID string) (registry.Workspace, error)
	Delete(name string) error
	Get(name string) (registry.Workspace, bool)
	List() []registry.Workspace
}

// SupervisorOps is the subset of supervisor.Supervisor the dispatcher
// depends on.
type SupervisorOps interface {
	Spawn(spec process.Spec) (process.Record, error)
	Kill(id string) error
	Restart(id string) error
	Status(id string) (process.Record, error)
	List(workspace string) []process.Record
}

// TaskOps is the subset of task.Queue the dispatcher depends on.
type TaskOps interface {
	Submit(key string, priority task.Priority, payload json.RawMessage) (task.Task, error)
	Cancel(id string) error
	List() []task.Task
	UpdateProgress(id string, progress int) error
	Move(id string, priority task.Priority) error
}

// TemplateOps is the subset of template.Registry the dispatcher depends on.
type TemplateOps interface {
	List() ([]template.Template, error)
	Get(id string) (template.Template, error)
	Create(t template.Template) error
	Delete(id string) error
}

// currentWorkspace tracks the registry-local "current workspace" marker
// WorkspaceSwitch sets, guarded by its own small mutex since it is purely
// IPC session state, not part of the Registry's authoritative data.
type currentWorkspace struct {
	mu   chan struct{}
	name string
}

func newCurrentWorkspace() *currentWorkspace {
	c := &currentWorkspace{mu: make(chan struct{}, 1)}
	c.mu <- struct{}{}
	return c
}

func (c *currentWorkspace) set(name string) {
	<-c.mu
	c.name = name
	c.mu <- struct{}{}
}

func (c *currentWorkspace) get() string {
	<-c.mu
	defer func() { c.mu <- struct{}{} }()
	return c.name
}

// RegisterWorkspaceHandlers wires WorkspaceCreate/Delete/List/Switch.
func RegisterWorkspaceHandlers(s *Server, reg RegistryOps) {
	current := newCurrentWorkspace()

	s.Handle(TypeWorkspaceCreate, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name     string `json:"name"`
			Template string `json:"template"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if !registry.ValidName(req.Name) {
			return nil, NewError(KindInvalidName, fmt.Sprintf("invalid workspace name %q", req.Name))
		}
		w, err := reg.Create(req.Name, req.Template)
		if err != nil {
			return nil, classifyRegistryErr(err)
		}
		return w, nil
	})

	s.Handle(TypeWorkspaceDelete, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := reg.Delete(req.Name); err != nil {
			return nil, classifyRegistryErr(err)
		}
		return map[string]bool{"deleted": true}, nil
	})

	s.Handle(TypeWorkspaceList, func(context.Context, json.RawMessage) (interface{}, error) {
		return reg.List(), nil
	})

	s.Handle(TypeWorkspaceSwitch, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if _, ok := reg.Get(req.Name); !ok {
			return nil, NewError(KindNotFound, fmt.Sprintf("workspace %q not found", req.Name))
		}
		current.set(req.Name)
		return map[string]string{"current": req.Name}, nil
	})
}

func classifyRegistryErr(err error) error {
	var serr *registry.StorageError
	if errors.As(err, &serr) {
		return NewError(KindStorageError, err.Error())
	}
	return NewError(KindInvalidArgument, err.Error())
}

// RegisterProcessHandlers wires ProcessSpawn/Kill/Restart/List/Info.
func RegisterProcessHandlers(s *Server, sup SupervisorOps) {
	s.Handle(TypeProcessSpawn, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Workspace string      `json:"workspace"`
			Spec      process.Spec `json:"spec"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		req.Spec.Workspace = req.Workspace
		rec, err := sup.Spawn(req.Spec)
		if err != nil {
			return nil, NewError(KindSpawnError, err.Error())
		}
		return rec, nil
	})

	s.Handle(TypeProcessKill, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := sup.Kill(req.ID); err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return map[string]bool{"killed": true}, nil
	})

	s.Handle(TypeProcessRestart, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := sup.Restart(req.ID); err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return map[string]bool{"restarted": true}, nil
	})

	s.Handle(TypeProcessList, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Workspace string `json:"workspace"`
		}
		_ = json.Unmarshal(payload, &req)
		return sup.List(req.Workspace), nil
	})

	s.Handle(TypeProcessInfo, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		rec, err := sup.Status(req.ID)
		if err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return rec, nil
	})
}

// RegisterTaskHandlers wires TaskSubmit/Cancel/List/Progress/Move.
func RegisterTaskHandlers(s *Server, tasks TaskOps) {
	s.Handle(TypeTaskSubmit, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Key      string          `json:"key"`
			Priority task.Priority   `json:"priority"`
			Payload  json.RawMessage `json:"payload"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		t, err := tasks.Submit(req.Key, req.Priority, req.Payload)
		if err != nil {
			return nil, NewError(KindInternal, err.Error())
		}
		return t, nil
	})

	s.Handle(TypeTaskCancel, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID string `json:"id"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := tasks.Cancel(req.ID); err != nil {
			if errors.Is(err, task.ErrNotFound) {
				return nil, NewError(KindNotFound, err.Error())
			}
			return nil, NewError(KindAlreadyTerminal, err.Error())
		}
		return map[string]bool{"canceled": true}, nil
	})

	s.Handle(TypeTaskList, func(context.Context, json.RawMessage) (interface{}, error) {
		return tasks.List(), nil
	})

	s.Handle(TypeTaskProgress, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID  string `json:"id"`
			Pct int    `json:"pct"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := tasks.UpdateProgress(req.ID, req.Pct); err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return map[string]bool{"updated": true}, nil
	})

	s.Handle(TypeTaskMove, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			ID       string        `json:"id"`
			ToColumn task.Priority `json:"to_column"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := tasks.Move(req.ID, req.ToColumn); err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return map[string]bool{"moved": true}, nil
	})
}

// RegisterTemplateHandlers wires TemplateList/Get/Create/Delete.
func RegisterTemplateHandlers(s *Server, templates TemplateOps) {
	s.Handle(TypeTemplateList, func(context.Context, json.RawMessage) (interface{}, error) {
		return templates.List()
	})

	s.Handle(TypeTemplateGet, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		t, err := templates.Get(req.Name)
		if err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return t, nil
	})

	s.Handle(TypeTemplateCreate, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name    string `json:"name"`
			Content template.Template `json:"content"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		req.Content.ID = req.Name
		if err := templates.Create(req.Content); err != nil {
			return nil, NewError(KindInvalidArgument, err.Error())
		}
		return map[string]bool{"created": true}, nil
	})

	s.Handle(TypeTemplateDelete, func(_ context.Context, payload json.RawMessage) (interface{}, error) {
		var req struct {
			Name string `json:"name"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, NewError(KindMalformedRequest, err.Error())
		}
		if err := templates.Delete(req.Name); err != nil {
			return nil, NewError(KindNotFound, err.Error())
		}
		return map[string]bool{"deleted": true}, nil
	})
}
