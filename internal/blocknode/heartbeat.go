package blocknode

import (
	"context"
	"io"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/protocol"
)

// Heartbeater periodically announces a node's listening address to the
// master. Failures are logged and never stop the loop.
type Heartbeater struct {
	master   string
	self     protocol.Address
	interval time.Duration
	timeout  time.Duration

	sent   atomic.Int64
	failed atomic.Int64
}

// NewHeartbeater creates a Heartbeater announcing self to master every interval.
func NewHeartbeater(master string, self protocol.Address, interval, timeout time.Duration) *Heartbeater {
	return &Heartbeater{master: master, self: self, interval: interval, timeout: timeout}
}

// Run sends one heartbeat immediately and then one per interval until ctx is
// cancelled.
func (h *Heartbeater) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		if err := h.Beat(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			h.failed.Add(1)
			log.Warn().Err(err).Str("master", h.master).Msg("heartbeat failed")
		} else {
			h.sent.Add(1)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Beat sends a single heartbeat on a short-lived connection.
func (h *Heartbeater) Beat(ctx context.Context) error {
	c, err := protocol.Dial(ctx, h.master, h.timeout)
	if err != nil {
		return err
	}
	defer c.Close()
	req := protocol.Request{Command: protocol.CmdHeartbeat, Node: h.self}
	if err := c.WriteLine(req.Encode()); err != nil {
		return err
	}
	// The master acknowledges and closes; draining waits for it to have
	// processed the beat.
	_, err = c.ReadLine()
	if err == io.EOF {
		return nil
	}
	return err
}

// Stats returns the number of successful and failed heartbeats.
func (h *Heartbeater) Stats() (sent, failed int64) {
	return h.sent.Load(), h.failed.Load()
}
