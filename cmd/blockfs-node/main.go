package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/blocknode"
	"github.com/ssd-technologies/blockfs/internal/config"
	"github.com/ssd-technologies/blockfs/internal/logging"
)

func main() {
	path := configPath(os.Args[1:], "BLOCKFS_NODE_CONFIG", "node.yaml")
	cfg, found, err := config.LoadNode(path)
	logging.Setup(cfg.Logger, "node")
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("load config")
	}
	if !found {
		log.Info().Str("path", path).Msg("config file not found, using defaults")
	}

	store, err := blocknode.NewBlockStore(cfg.DataDir)
	if err != nil {
		log.Fatal().Err(err).Msg("open block store")
	}
	blocks, bytes := store.Usage()
	log.Info().Str("dir", store.Dir()).Int("blocks", blocks).Int64("bytes", bytes).Msg("block store ready")

	srv := blocknode.NewServer(store, int64(cfg.MaxBlockSize.Bytes()), cfg.IOTimeout.Duration)
	if err := srv.Listen(cfg.Listen); err != nil {
		log.Fatal().Err(err).Msg("listen")
	}
	log.Info().Str("addr", srv.Addr()).Msg("storage node listening")

	self, _ := cfg.AdvertiseAddress() // validated by LoadNode
	hb := blocknode.NewHeartbeater(cfg.Master, self, cfg.HeartbeatInterval.Duration, cfg.IOTimeout.Duration)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go hb.Run(ctx)

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	cancel()
	if err := srv.Close(); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
	sent, failed := hb.Stats()
	log.Info().Int64("heartbeats_sent", sent).Int64("heartbeats_failed", failed).Msg("stopped")
}

func configPath(args []string, env, fallback string) string {
	for i, arg := range args {
		if arg == "--config" && i+1 < len(args) {
			return args[i+1]
		}
		if strings.HasPrefix(arg, "--config=") {
			return strings.TrimPrefix(arg, "--config=")
		}
	}
	if p := os.Getenv(env); p != "" {
		return p
	}
	return fallback
}
