// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backendsim"
	"github.com/nishisan-dev/n-myth/internal/config"
	"github.com/nishisan-dev/n-myth/internal/logging"
)

func main() {
	configPath := flag.String("config", "/etc/nmyth/backendsim.yaml", "path to simulator config file")
	flag.Parse()

	cfg, err := config.LoadSimConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	sim := backendsim.New(cfg.SimulatorConfig(), backendsim.NewDirStore(cfg.Storage.Dir), logger)
	catalog := cfg.SimRecordings()
	for _, rec := range catalog {
		sim.AddRecording(rec)
	}
	logger.Info("catalog loaded", "recordings", len(catalog), "dir", cfg.Storage.Dir)

	// Context com cancelamento via signal
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	go func() {
		for sig := range sigCh {
			if sig == syscall.SIGHUP {
				catalog = reloadCatalog(*configPath, sim, catalog, logger)
				continue
			}
			logger.Info("received signal, shutting down", "signal", sig)
			cancel()
			return
		}
	}()

	go sim.StartStatsReporter(ctx, cfg.Server.StatsInterval)

	if err := sim.ListenAndServe(ctx, cfg.Server.Listen); err != nil {
		logger.Error("backend simulator error", "error", err)
		os.Exit(1)
	}
}

// reloadCatalog relê o arquivo e publica as diferenças como notificações
// RECORDING_LIST_CHANGE, como o backend real faz ao gravar ou apagar.
func reloadCatalog(path string, sim *backendsim.Server, current []backendsim.Recording, logger *slog.Logger) []backendsim.Recording {
	cfg, err := config.LoadSimConfig(path)
	if err != nil {
		logger.Error("reload failed, keeping current catalog", "error", err)
		return current
	}

	type key struct {
		chanID string
		start  time.Time
	}
	old := make(map[key]bool, len(current))
	for _, rec := range current {
		old[key{rec.ChanID, rec.Start}] = true
	}

	next := cfg.SimRecordings()
	seen := make(map[key]bool, len(next))
	var added, removed int
	for _, rec := range next {
		k := key{rec.ChanID, rec.Start}
		seen[k] = true
		if !old[k] {
			sim.PublishAdd(rec)
			added++
		}
	}
	for _, rec := range current {
		if !seen[key{rec.ChanID, rec.Start}] {
			sim.PublishDelete(rec.ChanID, rec.Start)
			removed++
		}
	}

	logger.Info("catalog reloaded", "recordings", len(next), "added", added, "removed", removed)
	return next
}
