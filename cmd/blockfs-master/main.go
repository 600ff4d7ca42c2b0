package main

import (
	"context"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog/log"

	"github.com/ssd-technologies/blockfs/internal/config"
	"github.com/ssd-technologies/blockfs/internal/logging"
	"github.com/ssd-technologies/blockfs/internal/master"
)

func main() {
	path := configPath(os.Args[1:], "BLOCKFS_MASTER_CONFIG", "master.yaml")
	cfg, found, err := config.LoadMaster(path)
	logging.Setup(cfg.Logger, "master")
	if err != nil {
		log.Fatal().Err(err).Str("path", path).Msg("load config")
	}
	if !found {
		log.Info().Str("path", path).Msg("config file not found, using defaults")
	}

	m, err := master.New(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("start master")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("start master")
	}

	// Graceful shutdown on SIGINT/SIGTERM.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info().Msg("shutting down")
	cancel()
	if err := m.Close(); err != nil {
		log.Error().Err(err).Msg("shutdown")
	}
}

// configPath picks the config file from --config, then env, then fallback.
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
