// Package main is the entry point for keygate, an API-key verification gate
// that sits in front of a tile or asset origin.
//
// Every request carrying an api_key query parameter is checked against a
// remote authorizer (HTTP or gRPC). Outcomes are cached locally, and
// optionally in Redis so a fleet of gates shares them. Requests that pass
// are proxied to the origin; the rest get a short text denial. The same
// decision is also available as an edge viewer-request event endpoint.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/edgequota/keygate/internal/config"
	"github.com/edgequota/keygate/internal/observability"
	iredis "github.com/edgequota/keygate/internal/redis"
	"github.com/edgequota/keygate/internal/server"
)

// version is set at build time via ldflags: -ldflags "-X main.version=v1.0.0".
var version = "dev"

func main() {
	if len(os.Args) > 1 && os.Args[1] == "version" {
		fmt.Printf("keygate %s\n", version)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "fatal: configuration error: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	iredis.InitLogger(logger)
	logger.Info("starting keygate", "version", version)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	srv, err := server.New(cfg, logger, version)
	if err != nil {
		logger.Error("failed to create server", "error", err)
		os.Exit(1)
	}

	watcher := config.NewWatcher(config.ConfigFilePath(), func(newCfg *config.Config) {
		if reloadErr := srv.Reload(newCfg); reloadErr != nil {
			logger.Error("config reload failed", "error", reloadErr)
		}
	}, logger)
	go func() {
		if watchErr := watcher.Start(ctx); watchErr != nil {
			logger.Error("config watcher error", "error", watchErr)
		}
	}()
	defer watcher.Stop()

	if err := srv.Run(ctx); err != nil {
		logger.Error("server exited with error", "error", err)
		os.Exit(1)
	}

	logger.Info("keygate shut down gracefully")
}
