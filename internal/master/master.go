package master

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/config"
	"github.com/ssd-technologies/blockfs/internal/mesh"
	"github.com/ssd-technologies/blockfs/internal/ratelimit"
	"github.com/ssd-technologies/blockfs/internal/storage"
)

const shutdownTimeout = 5 * time.Second

// Master bundles everything a running coordinator needs: metadata state,
// command server, admin API and background workers.
type Master struct {
	cfg       config.Master
	State     *MasterState
	Hub       *mesh.Hub
	persister storage.Persister
	server    *Server
	admin     *http.Server
	adminLn   net.Listener
}

// New opens the metadata store and builds a master from cfg without
// starting any listener.
func New(cfg config.Master) (*Master, error) {
	seed, err := cfg.NodeAddresses()
	if err != nil {
		return nil, err
	}
	p, err := storage.Open(cfg.Metadata.Backend, cfg.Metadata.Path)
	if err != nil {
		return nil, fmt.Errorf("open metadata: %w", err)
	}

	hub := mesh.NewHub()
	tracker := mesh.NewTracker(seed, mesh.WithEvents(hub.Publish))
	placer := mesh.NewPlacer(cfg.Replicas, nil)
	state, err := NewMasterState(p, tracker, placer, cfg.HeartbeatTimeout.Duration,
		WithMaxBlocks(cfg.MaxBlocksPerFile))
	if err != nil {
		p.Close()
		return nil, err
	}
	return &Master{
		cfg:       cfg,
		State:     state,
		Hub:       hub,
		persister: p,
		server:    NewServer(state, cfg.IOTimeout.Duration),
	}, nil
}

// Start binds the command listener and, when configured, the admin API, and
// launches the health check worker.
func (m *Master) Start(ctx context.Context) error {
	if err := m.server.Listen(m.cfg.Listen); err != nil {
		return err
	}
	log.Info().Str("addr", m.server.Addr()).Msg("master listening")

	if m.cfg.Admin != "" {
		ln, err := net.Listen("tcp", m.cfg.Admin)
		if err != nil {
			m.server.Close()
			return fmt.Errorf("admin listen: %w", err)
		}
		m.adminLn = ln
		var limiter *ratelimit.Limiter
		if m.cfg.AdminRateLimit > 0 {
			limiter = ratelimit.New(m.cfg.AdminRateLimit, time.Minute)
		}
		m.admin = &http.Server{
			Handler:           NewAdmin(m.State, m.Hub, limiter),
			ReadHeaderTimeout: 10 * time.Second,
		}
		go func() {
			if err := m.admin.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("admin server")
			}
		}()
		log.Info().Str("addr", ln.Addr().String()).Msg("admin API listening")
	}

	m.State.StartWorkers(ctx)
	return nil
}

// Addr returns the command listener address.
func (m *Master) Addr() string { return m.server.Addr() }

// AdminAddr returns the admin API address, or "" when disabled.
func (m *Master) AdminAddr() string {
	if m.adminLn == nil {
		return ""
	}
	return m.adminLn.Addr().String()
}

// Close stops the listeners and closes the metadata store.
func (m *Master) Close() error {
	var errs []error
	if m.admin != nil {
		ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		errs = append(errs, m.admin.Shutdown(ctx))
	}
	errs = append(errs, m.server.Close(), m.persister.Close())
	return errors.Join(errs...)
}
