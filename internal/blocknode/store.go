// Package blocknode implements a storage node: an on-disk block store, the
// block transfer server and the heartbeat emitter.
package blocknode

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

const tempPrefix = ".incoming-"

// BlockStore keeps one file per block key under a root directory.
type BlockStore struct {
	dir string
}

// NewBlockStore opens the store rooted at dir, creating it if needed, and
// removes temp files left by an interrupted write.
func NewBlockStore(dir string) (*BlockStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create block dir: %w", err)
	}
	s := &BlockStore{dir: dir}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read block dir: %w", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), tempPrefix) {
			os.Remove(filepath.Join(dir, e.Name()))
		}
	}
	return s, nil
}

// Dir returns the root directory.
func (s *BlockStore) Dir() string { return s.dir }

func (s *BlockStore) path(key string) (string, error) {
	if !protocol.ValidBlockKey(key) || strings.HasPrefix(key, tempPrefix) {
		return "", fmt.Errorf("%w: block key %q", protocol.ErrInvalidRequest, key)
	}
	return filepath.Join(s.dir, key), nil
}

// Put stores data under key, replacing any previous version. The bytes go to
// a temp file first, so a failed write leaves the previous version intact.
func (s *BlockStore) Put(key string, data []byte) error {
	dst, err := s.path(key)
	if err != nil {
		return err
	}
	tmp := filepath.Join(s.dir, tempPrefix+uuid.NewString())
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write block %s: %w", key, err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit block %s: %w", key, err)
	}
	return nil
}

// Open returns the block's file and size. The caller closes the file.
func (s *BlockStore) Open(key string) (*os.File, int64, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, 0, err
	}
	f, err := os.Open(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, 0, fmt.Errorf("block %s: %w", key, protocol.ErrNotFound)
	}
	if err != nil {
		return nil, 0, fmt.Errorf("open block %s: %w", key, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, 0, fmt.Errorf("stat block %s: %w", key, err)
	}
	return f, info.Size(), nil
}

// Get reads a whole block.
func (s *BlockStore) Get(key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("block %s: %w", key, protocol.ErrNotFound)
	}
	return data, err
}

// Delete removes a block.
func (s *BlockStore) Delete(key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	err = os.Remove(p)
	if errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("block %s: %w", key, protocol.ErrNotFound)
	}
	return err
}

// Keys lists the stored block keys.
func (s *BlockStore) Keys() ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var keys []string
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		keys = append(keys, e.Name())
	}
	return keys, nil
}

// Usage returns the number of stored blocks and their total size.
func (s *BlockStore) Usage() (blocks int, bytes int64) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, 0
	}
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), tempPrefix) {
			continue
		}
		if info, err := e.Info(); err == nil {
			blocks++
			bytes += info.Size()
		}
	}
	return blocks, bytes
}
