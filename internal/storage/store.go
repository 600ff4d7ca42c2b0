// Package storage persists the master's metadata set: the placement plan of
// every stored file. Every mutation rewrites the whole set.
package storage

import (
	"fmt"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Backend names accepted by Open.
const (
	BackendJSON   = "json"
	BackendSQLite = "sqlite"
)

// Persister loads and saves the complete metadata set.
type Persister interface {
	// LoadFiles returns the last saved set, or an empty set if nothing was
	// ever saved.
	LoadFiles() ([]protocol.FileRecord, error)
	// SaveFiles replaces the saved set with files.
	SaveFiles(files []protocol.FileRecord) error
	Close() error
}

// Open returns the persister for backend, storing its data at path.
func Open(backend, path string) (Persister, error) {
	switch backend {
	case "", BackendJSON:
		return NewJSONStore(path), nil
	case BackendSQLite:
		return NewSQLiteStore(path)
	default:
		return nil, fmt.Errorf("unknown metadata backend %q", backend)
	}
}
