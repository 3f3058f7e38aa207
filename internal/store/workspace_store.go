package store

import (
	"encoding/json"
	"os"
	"time"
)

// WorkspaceSchema is the current on-disk schema version for workspaces.json.
const WorkspaceSchema = 1

// WorkspaceRecord is the persisted shape of a workspace, independent of the
// in-memory registry.Workspace type to avoid an import cycle; registry
// converts to/from this on every load/save.
type WorkspaceRecord struct {
	Name       string    `json:"name"`
	TemplateID string    `json:"template_id"`
	Status     string    `json:"status"`
	ProcessIDs []string  `json:"process_ids"`
	CreatedAt  time.Time `json:"created_at"`
	UpdatedAt  time.Time `json:"updated_at"`
}

type workspaceFile struct {
	Schema     int               `json:"schema"`
	Workspaces []WorkspaceRecord `json:"workspaces"`
}

// WorkspaceStore persists workspaces.json.
type WorkspaceStore struct {
	path   string
	writer *batchWriter
}

func NewWorkspaceStore(path string) *WorkspaceStore {
	return &WorkspaceStore{path: path, writer: newBatchWriter(path)}
}

// Load reads workspaces.json, returning an empty slice if it doesn't exist.
func (s *WorkspaceStore) Load() ([]WorkspaceRecord, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f workspaceFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Schema > WorkspaceSchema {
		return nil, ErrUnknownSchema{Got: f.Schema, Want: WorkspaceSchema}
	}
	return f.Workspaces, nil
}

// Save durably writes the full set of workspace records.
func (s *WorkspaceStore) Save(records []WorkspaceRecord) error {
	return s.writer.Save(workspaceFile{Schema: WorkspaceSchema, Workspaces: records})
}

func (s *WorkspaceStore) Close() { s.writer.Close() }
