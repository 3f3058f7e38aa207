// Package registry implements the Workspace Registry: the authoritative
// in-memory map of workspaces, backed by internal/store's atomic
// workspaces.json snapshot.
package registry

import (
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/wezterm-parallel/core/internal/store"
)

// Status is a workspace's lifecycle state.
type Status string

const (
	StatusActive      Status = "active"
	StatusSuspended   Status = "suspended"
	StatusTerminating Status = "terminating"
)

var namePattern = regexp.MustCompile(`^[A-Za-z0-9_.-]{1,64}$`)

// Workspace is the in-memory representation of one workspace.
type Workspace struct {
	Name       string    `json:"name"`
	TemplateID string    `json:"template_id,omitempty"`
	Status     Status    `json:"status"`
	ProcessIDs []string  `json:"process_ids,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

func (w Workspace) clone() Workspace {
	c := w
	c.ProcessIDs = append([]string(nil), w.ProcessIDs...)
	return c
}

// Room is a deprecated alias kept for clients written against the earlier
// "room" terminology. Workspace is authoritative; Room has no independent
// state or behavior.
type Room = Workspace

// StorageError wraps a persistence failure that caused an in-memory
// mutation to be rolled back.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("registry storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Registry is the authoritative, mutex-guarded workspace map.
type Registry struct {
	mu         sync.Mutex
	workspaces map[string]*Workspace
	store      *store.WorkspaceStore
}

// New constructs a Registry backed by store (nil disables persistence,
// useful for tests).
func New(st *store.WorkspaceStore) *Registry {
	return &Registry{workspaces: make(map[string]*Workspace), store: st}
}

// Load restores workspaces from the backing store, if configured.
func (r *Registry) Load() error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load()
	if err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, rec := range records {
		r.workspaces[rec.Name] = &Workspace{
			Name:       rec.Name,
			TemplateID: rec.TemplateID,
			Status:     Status(rec.Status),
			ProcessIDs: append([]string(nil), rec.ProcessIDs...),
			CreatedAt:  rec.CreatedAt,
			UpdatedAt:  rec.UpdatedAt,
		}
	}
	return nil
}

// ValidName reports whether name satisfies the workspace naming rule.
func ValidName(name string) bool { return namePattern.MatchString(name) }

// Create registers a new, empty, Active workspace. The workspace is added
// to the in-memory map and then persisted; on a storage failure the
// insert is rolled back, leaving the registry untouched.
func (r *Registry) Create(name, templateID string) (Workspace, error) {
	if !ValidName(name) {
		return Workspace{}, fmt.Errorf("invalid workspace name %q", name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.workspaces[name]; exists {
		return Workspace{}, fmt.Errorf("workspace %q already exists", name)
	}

	now := time.Now().UTC()
	w := &Workspace{
		Name:       name,
		TemplateID: templateID,
		Status:     StatusActive,
		ProcessIDs: nil,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	r.workspaces[name] = w
	if err := r.persistLocked(); err != nil {
		delete(r.workspaces, name)
		return Workspace{}, &StorageError{Op: "create", Err: err}
	}
	return w.clone(), nil
}

// Delete removes a workspace. It refuses to remove one with attached
// processes; callers must stop and detach them first.
func (r *Registry) Delete(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	w, ok := r.workspaces[name]
	if !ok {
		return fmt.Errorf("unknown workspace %q", name)
	}
	if len(w.ProcessIDs) > 0 {
		return fmt.Errorf("workspace %q still has %d attached processes", name, len(w.ProcessIDs))
	}

	saved := w
	delete(r.workspaces, name)
	if err := r.persistLocked(); err != nil {
		r.workspaces[name] = saved
		return &StorageError{Op: "delete", Err: err}
	}
	return nil
}

// Get returns a copy of the named workspace.
func (r *Registry) Get(name string) (Workspace, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[name]
	if !ok {
		return Workspace{}, false
	}
	return w.clone(), true
}

// List returns all workspaces, sorted by name.
func (r *Registry) List() []Workspace {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Workspace, 0, len(r.workspaces))
	for _, w := range r.workspaces {
		out = append(out, w.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// SetStatus transitions a workspace's status.
func (r *Registry) SetStatus(name string, status Status) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[name]
	if !ok {
		return fmt.Errorf("unknown workspace %q", name)
	}
	prev := w.Status
	w.Status = status
	w.UpdatedAt = time.Now().UTC()
	if err := r.persistLocked(); err != nil {
		w.Status = prev
		return &StorageError{Op: "set-status", Err: err}
	}
	return nil
}

// AttachProcess records that processID belongs to workspace name.
func (r *Registry) AttachProcess(name, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[name]
	if !ok {
		return fmt.Errorf("unknown workspace %q", name)
	}
	for _, id := range w.ProcessIDs {
		if id == processID {
			return nil
		}
	}
	w.ProcessIDs = append(w.ProcessIDs, processID)
	w.UpdatedAt = time.Now().UTC()
	if err := r.persistLocked(); err != nil {
		w.ProcessIDs = w.ProcessIDs[:len(w.ProcessIDs)-1]
		return &StorageError{Op: "attach-process", Err: err}
	}
	return nil
}

// DetachProcess removes processID from workspace name's set, if present.
func (r *Registry) DetachProcess(name, processID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[name]
	if !ok {
		return fmt.Errorf("unknown workspace %q", name)
	}
	idx := -1
	for i, id := range w.ProcessIDs {
		if id == processID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return nil
	}
	saved := append([]string(nil), w.ProcessIDs...)
	w.ProcessIDs = append(w.ProcessIDs[:idx], w.ProcessIDs[idx+1:]...)
	w.UpdatedAt = time.Now().UTC()
	if err := r.persistLocked(); err != nil {
		w.ProcessIDs = saved
		return &StorageError{Op: "detach-process", Err: err}
	}
	return nil
}

// ProcessCount returns the number of processes currently attached to name.
func (r *Registry) ProcessCount(name string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	w, ok := r.workspaces[name]
	if !ok {
		return 0
	}
	return len(w.ProcessIDs)
}

// persistLocked writes the full workspace set. Callers must hold r.mu.
func (r *Registry) persistLocked() error {
	if r.store == nil {
		return nil
	}
	records := make([]store.WorkspaceRecord, 0, len(r.workspaces))
	names := make([]string, 0, len(r.workspaces))
	for name := range r.workspaces {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		w := r.workspaces[name]
		records = append(records, store.WorkspaceRecord{
			Name:       w.Name,
			TemplateID: w.TemplateID,
			Status:     string(w.Status),
			ProcessIDs: append([]string(nil), w.ProcessIDs...),
			CreatedAt:  w.CreatedAt,
			UpdatedAt:  w.UpdatedAt,
		})
	}
	return r.store.Save(records)
}
