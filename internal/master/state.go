// Package master implements the coordinator: it owns the file namespace and
// block placements, tracks storage node health and answers client commands.
package master

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/zhangyunhao116/skipmap"

	"github.com/ssd-technologies/blockfs/internal/mesh"
	"github.com/ssd-technologies/blockfs/internal/protocol"
	"github.com/ssd-technologies/blockfs/internal/storage"
)

// MasterState holds the metadata set and node registry. Every mutating
// operation runs under mu so the in-memory set and the persisted copy move
// together; reads go straight to the concurrent map.
type MasterState struct {
	mu        sync.Mutex
	files     *skipmap.OrderedMap[string, *protocol.FileRecord]
	tracker   *mesh.Tracker
	placer    *mesh.Placer
	persister storage.Persister
	timeout   time.Duration
	maxBlocks int
}

// StateOption configures a MasterState.
type StateOption func(*MasterState)

// WithMaxBlocks caps the number of blocks a single file may have. Values
// outside 1..protocol.MaxBlockCount are ignored.
func WithMaxBlocks(n int) StateOption {
	return func(s *MasterState) {
		if n > 0 && n <= protocol.MaxBlockCount {
			s.maxBlocks = n
		}
	}
}

// NewMasterState loads the persisted metadata set and wraps it with tracker
// and placer. Nodes whose last heartbeat is older than heartbeatTimeout are
// marked offline by SweepHealth.
func NewMasterState(p storage.Persister, tracker *mesh.Tracker, placer *mesh.Placer, heartbeatTimeout time.Duration, opts ...StateOption) (*MasterState, error) {
	records, err := p.LoadFiles()
	if err != nil {
		return nil, fmt.Errorf("load metadata: %w", err)
	}
	s := &MasterState{
		files:     skipmap.New[string, *protocol.FileRecord](),
		tracker:   tracker,
		placer:    placer,
		persister: p,
		timeout:   heartbeatTimeout,
		maxBlocks: protocol.MaxBlockCount,
	}
	for _, opt := range opts {
		opt(s)
	}
	for i := range records {
		rec := records[i]
		s.files.Store(rec.FileID, &rec)
	}
	log.Info().Int("files", len(records)).Msg("metadata loaded")
	return s, nil
}

// Store creates the placement plan for a new file and persists it before
// returning it.
func (s *MasterState) Store(fileID string, blockCount int) (*protocol.FileRecord, error) {
	if !protocol.ValidFileID(fileID) || blockCount < 0 || blockCount > s.maxBlocks {
		return nil, fmt.Errorf("%w: store %q with %d blocks", protocol.ErrInvalidRequest, fileID, blockCount)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.files.Load(fileID); ok {
		return nil, fmt.Errorf("store %s: %w", fileID, protocol.ErrFileExists)
	}
	rec, err := s.placer.Place(fileID, blockCount, s.tracker.Healthy())
	if err != nil {
		return nil, fmt.Errorf("store %s: %w", fileID, err)
	}

	s.files.Store(fileID, rec)
	if err := s.persistLocked(); err != nil {
		s.files.Delete(fileID)
		return nil, err
	}
	log.Info().Str("file_id", fileID).Int("blocks", blockCount).Msg("file placed")
	return cloneRecord(rec), nil
}

// Retrieve returns the stored placement plan of fileID as recorded, without
// re-checking node health.
func (s *MasterState) Retrieve(fileID string) (*protocol.FileRecord, error) {
	rec, ok := s.files.Load(fileID)
	if !ok {
		return nil, fmt.Errorf("retrieve %s: %w", fileID, protocol.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// Delete removes fileID from the metadata set and returns the removed plan so
// the caller can delete its blocks.
func (s *MasterState) Delete(fileID string) (*protocol.FileRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.files.LoadAndDelete(fileID)
	if !ok {
		return nil, fmt.Errorf("delete %s: %w", fileID, protocol.ErrNotFound)
	}
	if err := s.persistLocked(); err != nil {
		s.files.Store(fileID, rec)
		return nil, err
	}
	log.Info().Str("file_id", fileID).Msg("file deleted")
	return cloneRecord(rec), nil
}

// Namespace returns every stored file ID in ascending order.
func (s *MasterState) Namespace() []string {
	ids := make([]string, 0, s.files.Len())
	s.files.Range(func(id string, _ *protocol.FileRecord) bool {
		ids = append(ids, id)
		return true
	})
	return ids
}

// Files returns a snapshot of every stored record in file ID order.
func (s *MasterState) Files() []protocol.FileRecord {
	out := make([]protocol.FileRecord, 0, s.files.Len())
	s.files.Range(func(_ string, rec *protocol.FileRecord) bool {
		out = append(out, *cloneRecord(rec))
		return true
	})
	return out
}

// Replicas returns how many replicas the placer assigns to each block.
func (s *MasterState) Replicas() int {
	return s.placer.Replicas()
}

// Status returns host:port → online for every known node.
func (s *MasterState) Status() map[string]bool {
	return s.tracker.Status()
}

// Nodes returns the health record of every known node.
func (s *MasterState) Nodes() []mesh.NodeHealth {
	return s.tracker.Nodes()
}

// Heartbeat records a heartbeat from addr.
func (s *MasterState) Heartbeat(addr protocol.Address) {
	if s.tracker.Heartbeat(addr) {
		log.Info().Str("addr", addr.String()).Msg("node online")
	}
}

// SweepHealth marks offline every node silent for longer than the heartbeat
// timeout as of now.
func (s *MasterState) SweepHealth(now time.Time) []mesh.Event {
	events := s.tracker.Sweep(now, s.timeout)
	for _, ev := range events {
		log.Warn().Str("addr", ev.Node).Msg("node offline")
	}
	return events
}

// persistLocked writes the whole metadata set. Callers hold mu.
func (s *MasterState) persistLocked() error {
	files := make([]protocol.FileRecord, 0, s.files.Len())
	s.files.Range(func(_ string, rec *protocol.FileRecord) bool {
		files = append(files, *rec)
		return true
	})
	if err := s.persister.SaveFiles(files); err != nil {
		log.Error().Err(err).Msg("persist metadata")
		return fmt.Errorf("persist metadata: %w", err)
	}
	return nil
}

func cloneRecord(rec *protocol.FileRecord) *protocol.FileRecord {
	out := &protocol.FileRecord{FileID: rec.FileID, Blocks: make([]protocol.BlockPlacement, len(rec.Blocks))}
	for i, b := range rec.Blocks {
		b.Replicas = append([]protocol.Address(nil), b.Replicas...)
		out.Blocks[i] = b
	}
	return out
}
