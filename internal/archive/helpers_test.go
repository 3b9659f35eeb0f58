// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"net"
	"os"
	"testing"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backendsim"
	"github.com/nishisan-dev/n-myth/internal/config"
)

var testStart = time.Date(2013, 1, 1, 10, 0, 0, 0, time.UTC)

// startSim sobe um backend simulado em uma porta efêmera e retorna a URL.
func startSim(t *testing.T, cfg backendsim.Config, store backendsim.Store) (*backendsim.Server, string) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sim := backendsim.New(cfg, store, quietLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return sim, "myth://" + ln.Addr().String()
}

// simRecording cria uma gravação do simulador com size bytes de conteúdo.
func simRecording(sim *backendsim.Server, store *backendsim.MemStore, title, chanID, basename string, size int) backendsim.Recording {
	store.Put(basename, backendsim.PatternData(size))
	rec := backendsim.Recording{
		Title:       title,
		Subtitle:    "Pilot",
		Description: "test recording",
		Genre:       "Drama",
		ChanID:      chanID,
		ChannelName: "CH" + chanID,
		Basename:    basename,
		Start:       testStart,
		End:         testStart.Add(30 * time.Minute),
	}
	sim.AddRecording(rec)
	return rec
}

// testConfig retorna uma configuração validada apontando para url, com
// destino local em um diretório temporário e retry rápido.
func testConfig(t *testing.T, url, compression string) *config.AgentConfig {
	t.Helper()

	cfg, err := config.DefaultAgentConfig(url)
	if err != nil {
		t.Fatalf("DefaultAgentConfig: %v", err)
	}
	cfg.Backend.IOTimeout = 5 * time.Second
	cfg.Backend.ConnectTimeout = 2 * time.Second
	cfg.Archive.Compression = compression
	cfg.Archive.Local.Dir = t.TempDir()
	cfg.Archive.Retry.MaxAttempts = 3
	cfg.Archive.Retry.InitialDelay = 5 * time.Millisecond
	cfg.Archive.Retry.MaxDelay = 20 * time.Millisecond
	return cfg
}

func newTestArchiver(t *testing.T, cfg *config.AgentConfig) (*Archiver, *LocalSink) {
	t.Helper()

	sink, err := NewLocalSink(cfg.Archive.Local.Dir)
	if err != nil {
		t.Fatalf("NewLocalSink: %v", err)
	}
	a, err := NewArchiver(cfg, sink, nil, quietLogger())
	if err != nil {
		t.Fatalf("NewArchiver: %v", err)
	}
	t.Cleanup(func() { a.Close() })
	return a, sink
}

// waitFor espera cond ficar verdadeira ou falha o teste.
func waitFor(t *testing.T, timeout time.Duration, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
