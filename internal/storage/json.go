package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// JSONStore keeps the metadata set as a JSON array in a single file. Saves go
// through a temporary file and a rename, so a crash mid-write leaves the
// previous copy intact.
type JSONStore struct {
	path string
}

// NewJSONStore returns a store backed by the file at path.
func NewJSONStore(path string) *JSONStore {
	return &JSONStore{path: path}
}

// LoadFiles implements Persister.
func (s *JSONStore) LoadFiles() ([]protocol.FileRecord, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read metadata: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	var files []protocol.FileRecord
	if err := json.Unmarshal(data, &files); err != nil {
		return nil, fmt.Errorf("decode metadata %s: %w", s.path, err)
	}
	return files, nil
}

// SaveFiles implements Persister.
func (s *JSONStore) SaveFiles(files []protocol.FileRecord) error {
	if files == nil {
		files = []protocol.FileRecord{}
	}
	data, err := json.MarshalIndent(files, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp metadata: %w", err)
	}
	defer os.Remove(tmp.Name()) // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write metadata: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close metadata: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace metadata: %w", err)
	}
	return nil
}

// Close implements Persister.
func (s *JSONStore) Close() error { return nil }
