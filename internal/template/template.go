// Package template loads process templates: built-in embedded defaults
// plus an optional user directory of override/additional templates.
package template

import (
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

//go:embed builtin/*.json
var builtinFS embed.FS

// Template is a reusable process launch configuration.
type Template struct {
	ID          string            `json:"id"`
	Command     string            `json:"command"`
	Args        []string          `json:"args,omitempty"`
	WorkDir     string            `json:"work_dir,omitempty"`
	Env         map[string]string `json:"env,omitempty"`
	Description string            `json:"description,omitempty"`
}

var (
	ErrNotFound     = errors.New("template: not found")
	ErrBuiltin      = errors.New("template: built-in templates are read-only")
	ErrUserDirOff   = errors.New("template: no user directory configured")
	ErrInvalidID    = errors.New("template: invalid id")
	idDisallowedSet = "/\\"
)

// Source is a capability-scoped template backend: every source supports
// List and Get; Create and Delete are optional and report ErrBuiltin or
// ErrUserDirOff when unsupported.
type Source interface {
	List() ([]Template, error)
	Get(id string) (Template, error)
	Create(t Template) error
	Delete(id string) error
}

// builtinSource serves templates embedded in the binary. It never
// supports mutation.
type builtinSource struct{}

func (builtinSource) List() ([]Template, error) {
	entries, err := builtinFS.ReadDir("builtin")
	if err != nil {
		return nil, err
	}
	out := make([]Template, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := builtinFS.ReadFile("builtin/" + e.Name())
		if err != nil {
			return nil, err
		}
		var t Template
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("builtin template %s: %w", e.Name(), err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s builtinSource) Get(id string) (Template, error) {
	all, err := s.List()
	if err != nil {
		return Template{}, err
	}
	for _, t := range all {
		if t.ID == id {
			return t, nil
		}
	}
	return Template{}, ErrNotFound
}

func (builtinSource) Create(Template) error { return ErrBuiltin }
func (builtinSource) Delete(string) error   { return ErrBuiltin }

// dirSource serves templates from a user-writable directory of
// "<id>.json" files.
type dirSource struct {
	mu  sync.Mutex
	dir string
}

func newDirSource(dir string) *dirSource { return &dirSource{dir: dir} }

func validID(id string) bool {
	if id == "" || strings.ContainsAny(id, idDisallowedSet) || id == "." || id == ".." {
		return false
	}
	return true
}

func (s *dirSource) List() ([]Template, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]Template, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		b, err := os.ReadFile(filepath.Join(s.dir, e.Name()))
		if err != nil {
			return nil, err
		}
		var t Template
		if err := json.Unmarshal(b, &t); err != nil {
			return nil, fmt.Errorf("user template %s: %w", e.Name(), err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *dirSource) Get(id string) (Template, error) {
	if !validID(id) {
		return Template{}, ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, err := os.ReadFile(filepath.Join(s.dir, id+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return Template{}, ErrNotFound
		}
		return Template{}, err
	}
	var t Template
	if err := json.Unmarshal(b, &t); err != nil {
		return Template{}, err
	}
	return t, nil
}

func (s *dirSource) Create(t Template) error {
	if !validID(t.ID) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return err
	}
	b, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(s.dir, t.ID+".json"), b, 0o644)
}

func (s *dirSource) Delete(id string) error {
	if !validID(id) {
		return ErrInvalidID
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.Remove(filepath.Join(s.dir, id+".json"))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// Registry dispatches template operations across the built-in source and,
// when configured, a user directory source. User templates shadow
// built-ins that share an ID.
type Registry struct {
	builtin Source
	user    Source
}

// New constructs a Registry. userDir may be empty to disable mutable
// user templates (List/Get then only see built-ins).
func New(userDir string) *Registry {
	r := &Registry{builtin: builtinSource{}}
	if userDir != "" {
		r.user = newDirSource(userDir)
	}
	return r
}

// List returns the union of built-in and user templates, user entries
// shadowing built-ins with the same ID, sorted by ID.
func (r *Registry) List() ([]Template, error) {
	builtins, err := r.builtin.List()
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Template, len(builtins))
	for _, t := range builtins {
		byID[t.ID] = t
	}
	if r.user != nil {
		users, err := r.user.List()
		if err != nil {
			return nil, err
		}
		for _, t := range users {
			byID[t.ID] = t
		}
	}
	out := make([]Template, 0, len(byID))
	for _, t := range byID {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// Get resolves a single template, preferring the user source.
func (r *Registry) Get(id string) (Template, error) {
	if r.user != nil {
		if t, err := r.user.Get(id); err == nil {
			return t, nil
		} else if !errors.Is(err, ErrNotFound) {
			return Template{}, err
		}
	}
	return r.builtin.Get(id)
}

// Create adds or replaces a user template. Requires a configured user
// directory.
func (r *Registry) Create(t Template) error {
	if r.user == nil {
		return ErrUserDirOff
	}
	return r.user.Create(t)
}

// Delete removes a user template. Built-in templates cannot be deleted.
func (r *Registry) Delete(id string) error {
	if r.user == nil {
		return ErrUserDirOff
	}
	return r.user.Delete(id)
}
