package master

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// StartWorkers launches the background goroutines. Call with a cancellable
// context for graceful shutdown.
func (s *MasterState) StartWorkers(ctx context.Context) {
	go s.runHealthCheck(ctx, s.timeout)
}

// runHealthCheck sweeps node health once per interval.
func (s *MasterState) runHealthCheck(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			log.Debug().Msg("health check stopped")
			return
		case now := <-ticker.C:
			s.SweepHealth(now)
		}
	}
}
