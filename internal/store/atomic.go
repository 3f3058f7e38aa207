// Package store implements the daemon's persisted state layout:
// schema-versioned, write-temp-then-rename JSON snapshots for workspaces
// and tasks.
package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// ErrUnknownSchema is returned by loaders when a snapshot's schema field is
// newer than this binary understands.
type ErrUnknownSchema struct {
	Got, Want int
}

func (e ErrUnknownSchema) Error() string {
	return fmt.Sprintf("unknown schema version %d (this binary supports up to %d)", e.Got, e.Want)
}

// writeFileAtomic writes data to a temp file in the same directory as path
// and renames it into place, fsyncing both the temp file and the directory
// so the rename is durable.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() { _ = os.Remove(tmpName) }() // no-op once renamed

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
