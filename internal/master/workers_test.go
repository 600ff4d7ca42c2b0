package master

import (
	"context"
	"testing"
	"time"

	"github.com/ssd-technologies/blockfs/internal/mesh"
	"github.com/ssd-technologies/blockfs/internal/protocol"
)

func TestHealthCheck_MarksSilentNodesOffline(t *testing.T) {
	tracker := mesh.NewTracker([]protocol.Address{nodeA, nodeB})
	s, err := NewMasterState(&memPersister{}, tracker, mesh.NewPlacer(1, nil), 30*time.Millisecond)
	if err != nil {
		t.Fatalf("NewMasterState: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartWorkers(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for {
		status := s.Status()
		if !status[nodeA.String()] && !status[nodeB.String()] {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("status = %v, want every node offline", status)
		}
		time.Sleep(10 * time.Millisecond)
	}
}
