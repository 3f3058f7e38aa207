package store

import (
	"encoding/json"
	"os"
	"time"
)

// TaskSchema is the current on-disk schema version for tasks.json.
const TaskSchema = 1

// TaskRecord is the persisted shape of a task.
type TaskRecord struct {
	ID          string          `json:"id"`
	Key         string          `json:"key,omitempty"`
	Priority    int             `json:"priority"`
	Status      string          `json:"status"`
	Progress    int             `json:"progress"`
	SubmittedAt time.Time       `json:"submitted_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
	FailReason  string          `json:"fail_reason,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

type taskFile struct {
	Schema int          `json:"schema"`
	Tasks  []TaskRecord `json:"tasks"`
}

// TaskStore persists tasks.json.
type TaskStore struct {
	path   string
	writer *batchWriter
}

func NewTaskStore(path string) *TaskStore {
	return &TaskStore{path: path, writer: newBatchWriter(path)}
}

func (s *TaskStore) Load() ([]TaskRecord, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var f taskFile
	if err := json.Unmarshal(b, &f); err != nil {
		return nil, err
	}
	if f.Schema > TaskSchema {
		return nil, ErrUnknownSchema{Got: f.Schema, Want: TaskSchema}
	}
	return f.Tasks, nil
}

func (s *TaskStore) Save(records []TaskRecord) error {
	return s.writer.Save(taskFile{Schema: TaskSchema, Tasks: records})
}

func (s *TaskStore) Close() { s.writer.Close() }
