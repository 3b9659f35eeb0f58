// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backend"
	"github.com/nishisan-dev/n-myth/internal/config"
)

const (
	watcherInitialBackoff = time.Second
	watcherMaxBackoff     = time.Minute
)

// Daemon combina o scheduler cron, o watcher do catálogo, o stats reporter
// e o endpoint HTTP em torno de um Archiver.
type Daemon struct {
	cfg      *config.AgentConfig
	loc      backend.Locator
	archiver *Archiver
	logger   *slog.Logger
	settle   time.Duration
	now      func() time.Time

	sched   *Scheduler
	watcher atomic.Pointer[backend.Watcher]

	mu       sync.Mutex
	stopping bool
	pending  map[backend.RecordingKey]*time.Timer
	jobs     sync.WaitGroup
}

// NewDaemon cria o daemon. cfg deve ter passado por ValidateDaemon.
func NewDaemon(cfg *config.AgentConfig, archiver *Archiver, logger *slog.Logger) (*Daemon, error) {
	loc, err := cfg.Locator()
	if err != nil {
		return nil, err
	}
	return &Daemon{
		cfg:      cfg,
		loc:      loc,
		archiver: archiver,
		logger:   logger.With("component", "daemon"),
		settle:   cfg.Daemon.Settle,
		now:      time.Now,
		pending:  make(map[backend.RecordingKey]*time.Timer),
	}, nil
}

// Run bloqueia até ctx ser cancelado. No retorno, nenhum job está rodando.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	d.logger.Info("starting daemon",
		"backend", d.loc.Address(),
		"schedule", d.cfg.Daemon.Schedule,
		"watch", d.cfg.Daemon.Watch,
	)

	var wg sync.WaitGroup

	if d.cfg.Metrics.Listen != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handler := NewRouter(d.archiver, NewACL(d.cfg.Metrics, d.archiver.Metrics(), d.logger))
			if err := ServeHTTP(ctx, d.cfg.Metrics.Listen, handler, d.logger); err != nil {
				d.logger.Error("http endpoint failed", "error", err)
			}
		}()
	}

	if d.cfg.Daemon.Schedule != "" {
		sched, err := NewScheduler(d.cfg.Daemon.Schedule, d.logger, func(ctx context.Context) error {
			_, err := d.archiver.RunOnce(ctx)
			return err
		})
		if err != nil {
			return fmt.Errorf("creating scheduler: %w", err)
		}
		d.sched = sched
		sched.Start()
	}

	stats := NewStatsReporter(d, d.cfg.Daemon.StatsInterval, d.logger)
	stats.Start()

	if d.cfg.Daemon.Watch {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.watchLoop(ctx)
		}()
	}

	<-ctx.Done()
	d.logger.Info("daemon shutting down")

	stats.Stop()
	if d.sched != nil {
		stopCtx, stopCancel := context.WithTimeout(context.Background(), 30*time.Second)
		d.sched.Stop(stopCtx)
		stopCancel()
	}
	wg.Wait()
	d.drain()
	return nil
}

// watchLoop mantém o watcher conectado, com backoff entre reconexões.
func (d *Daemon) watchLoop(ctx context.Context) {
	delay := watcherInitialBackoff
	for {
		opts := d.cfg.ConnOptions()
		opts.Logger = d.logger
		w := backend.NewWatcher(opts, d.loc)
		d.watcher.Store(w)

		started := d.now()
		err := w.Run(ctx, func(c backend.Change) { d.onChange(ctx, c) })
		if ctx.Err() != nil {
			return
		}
		if d.now().Sub(started) > watcherMaxBackoff {
			delay = watcherInitialBackoff
		}

		d.logger.Warn("catalog watcher stopped, reconnecting", "error", err, "delay", delay)
		select {
		case <-ctx.Done():
			return
		case <-time.After(delay):
		}
		delay = min(delay*2, watcherMaxBackoff)
	}
}

// onChange agenda o arquivamento de gravações novas para depois do fim
// (mais a espera de acomodação) e cancela agendamentos de gravações removidas.
func (d *Daemon) onChange(ctx context.Context, c backend.Change) {
	d.archiver.Metrics().recordWatcher(c.Kind.String())

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.stopping {
		return
	}

	if t, ok := d.pending[c.Key]; ok {
		t.Stop()
		delete(d.pending, c.Key)
	}
	if c.Kind != backend.ChangeAdded || !d.archiver.Matches(c.Recording) {
		return
	}

	delay := c.Recording.End.Sub(d.now()) + d.settle
	if delay < 0 {
		delay = 0
	}
	rec := c.Recording
	d.logger.Debug("archive scheduled by watcher", "key", c.Key.String(), "delay", delay)
	d.pending[c.Key] = time.AfterFunc(delay, func() { d.fire(ctx, c.Key, rec) })
}

// fire dispara o job de uma gravação agendada pelo watcher.
func (d *Daemon) fire(ctx context.Context, key backend.RecordingKey, rec backend.Recording) {
	d.mu.Lock()
	if d.stopping {
		d.mu.Unlock()
		return
	}
	delete(d.pending, key)
	d.jobs.Add(1)
	d.mu.Unlock()

	go func() {
		defer d.jobs.Done()
		if _, err := d.archiver.ArchiveRecording(ctx, rec); err != nil && ctx.Err() == nil {
			d.logger.Error("watcher-triggered archive failed", "key", key.String(), "error", err)
		}
	}()
}

// drain cancela os agendamentos pendentes e espera os jobs em andamento.
func (d *Daemon) drain() {
	d.mu.Lock()
	d.stopping = true
	for k, t := range d.pending {
		t.Stop()
		delete(d.pending, k)
	}
	d.mu.Unlock()
	d.jobs.Wait()
}

// PendingCount retorna quantas gravações aguardam o disparo do watcher.
func (d *Daemon) PendingCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// KnownCount retorna o tamanho do catálogo visto pelo watcher (0 sem watch).
func (d *Daemon) KnownCount() int {
	if w := d.watcher.Load(); w != nil {
		return len(w.Known())
	}
	return 0
}

// NextSweep retorna o próximo disparo do cron (zero sem schedule).
func (d *Daemon) NextSweep() time.Time {
	if d.sched == nil {
		return time.Time{}
	}
	return d.sched.Next()
}

// RunDaemon inicia o agent em modo daemon. Bloqueia até SIGTERM ou SIGINT.
// SIGHUP recarrega a configuração (systemctl reload); uma configuração
// inválida é descartada e o daemon segue com a anterior.
func RunDaemon(configPath string, cfg *config.AgentConfig, logger *slog.Logger) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	defer signal.Stop(sigCh)

	for {
		d, err := buildDaemon(cfg, logger)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error, 1)
		go func() {
			err := d.Run(ctx)
			d.archiver.Close()
			done <- err
		}()

		reload := false
		for !reload {
			select {
			case err := <-done:
				cancel()
				return err
			case sig := <-sigCh:
				if sig != syscall.SIGHUP {
					logger.Info("received signal, shutting down", "signal", sig)
					cancel()
					return <-done
				}

				logger.Info("received SIGHUP, reloading config", "path", configPath)
				newCfg, loadErr := config.LoadAgentConfig(configPath)
				if loadErr == nil {
					loadErr = newCfg.ValidateDaemon()
				}
				if loadErr != nil {
					logger.Error("reload failed, keeping current config", "error", loadErr)
					continue
				}
				cfg = newCfg
				reload = true
			}
		}

		cancel()
		if err := <-done; err != nil {
			return err
		}
		logger.Info("config reloaded successfully", "backend", cfg.Backend.URL)
	}
}

func buildDaemon(cfg *config.AgentConfig, logger *slog.Logger) (*Daemon, error) {
	if err := cfg.ValidateDaemon(); err != nil {
		return nil, err
	}
	sink, err := NewSink(context.Background(), cfg)
	if err != nil {
		return nil, fmt.Errorf("creating sink: %w", err)
	}
	archiver, err := NewArchiver(cfg, sink, NewMetrics(), logger)
	if err != nil {
		return nil, err
	}
	d, err := NewDaemon(cfg, archiver, logger)
	if err != nil {
		archiver.Close()
		return nil, err
	}
	return d, nil
}
