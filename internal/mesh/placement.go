package mesh

import (
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Placer draws block placements from a set of healthy nodes. A Placer is not
// safe for concurrent use; the master calls it under its own lock.
type Placer struct {
	rng      *rand.Rand
	replicas int
}

// NewPlacer returns a Placer choosing replicas copies besides the primary.
// A nil rng seeds one from the clock.
func NewPlacer(replicas int, rng *rand.Rand) *Placer {
	if replicas < 1 {
		replicas = 1
	}
	if rng == nil {
		seed := uint64(time.Now().UnixNano())
		rng = rand.New(rand.NewPCG(seed, seed>>32|1))
	}
	return &Placer{rng: rng, replicas: replicas}
}

// Replicas returns the number of replicas per block.
func (p *Placer) Replicas() int { return p.replicas }

// Place builds the placement plan of fileID. Every block independently gets a
// uniformly random primary and distinct uniformly random replicas from
// healthy. It fails with ErrNoHealthyNodes when healthy cannot supply 1+replicas
// distinct nodes.
func (p *Placer) Place(fileID string, blockCount int, healthy []protocol.Address) (*protocol.FileRecord, error) {
	need := 1 + p.replicas
	if len(healthy) < need {
		return nil, fmt.Errorf("%w: need %d, have %d", protocol.ErrNoHealthyNodes, need, len(healthy))
	}

	rec := &protocol.FileRecord{
		FileID: fileID,
		Blocks: make([]protocol.BlockPlacement, blockCount),
	}
	for i := range rec.Blocks {
		perm := p.rng.Perm(len(healthy))
		replicas := make([]protocol.Address, p.replicas)
		for j := range replicas {
			replicas[j] = healthy[perm[1+j]]
		}
		rec.Blocks[i] = protocol.BlockPlacement{
			BlockID:  i,
			Primary:  healthy[perm[0]],
			Replicas: replicas,
		}
	}
	return rec, nil
}
