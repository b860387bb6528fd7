// Package file persists fixture documents to the local filesystem.
package file

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// ErrIsDirectory is returned when a fixture path names a directory.
var ErrIsDirectory = errors.New("fixture path is a directory")

// Persister writes snapshots to a single file with an atomic rename.
type Persister struct {
	path string
}

// NewPersister creates a Persister for path.
func NewPersister(path string) *Persister {
	return &Persister{path: path}
}

// Path returns the file the persister writes to.
func (p *Persister) Path() string {
	return p.path
}

// Persist writes snapshot to a temporary sibling file and renames it over the
// fixture, creating parent directories as needed.
func (p *Persister) Persist(snapshot []byte) error {
	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	tmpPath := p.path + ".tmp"
	if err := os.WriteFile(tmpPath, snapshot, 0644); err != nil {
		return fmt.Errorf("failed to write temporary file: %w", err)
	}

	if err := os.Rename(tmpPath, p.path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to rename temporary file: %w", err)
	}
	return nil
}

// Read returns the contents of the fixture at path. A missing file is not an
// error and yields nil.
func Read(path string) ([]byte, error) {
	info, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to stat fixture: %w", err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrIsDirectory, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read fixture: %w", err)
	}
	return data, nil
}
