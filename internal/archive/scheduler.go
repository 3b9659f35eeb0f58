// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler dispara varreduras do catálogo via cron expression.
type Scheduler struct {
	cron    *cron.Cron
	entry   cron.EntryID
	logger  *slog.Logger
	sweepFn func(ctx context.Context) error

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex // garante uma varredura por vez
	running bool
}

// NewScheduler cria um Scheduler com a expressão cron fornecida.
func NewScheduler(schedule string, logger *slog.Logger, fn func(ctx context.Context) error) (*Scheduler, error) {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		logger:  logger.With("component", "scheduler"),
		sweepFn: fn,
		ctx:     ctx,
		cancel:  cancel,
	}

	c := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(logger.Handler(), slog.LevelDebug))))
	id, err := c.AddFunc(schedule, s.execute)
	if err != nil {
		cancel()
		return nil, err
	}

	s.cron = c
	s.entry = id
	return s, nil
}

// Start inicia o scheduler.
func (s *Scheduler) Start() {
	s.cron.Start()
	s.logger.Info("scheduler started", "next", s.Next())
}

// Stop cancela a varredura em andamento e aguarda seu término.
func (s *Scheduler) Stop(ctx context.Context) {
	s.logger.Info("scheduler stopping")
	s.cancel()
	stopCtx := s.cron.Stop()

	select {
	case <-stopCtx.Done():
		s.logger.Info("scheduler stopped gracefully")
	case <-ctx.Done():
		s.logger.Warn("scheduler stop timed out")
	}
}

// Next retorna o próximo disparo (zero antes do Start).
func (s *Scheduler) Next() time.Time {
	return s.cron.Entry(s.entry).Next
}

// Running informa se há uma varredura em andamento.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Scheduler) execute() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		s.logger.Warn("archive sweep already running, skipping scheduled execution")
		return
	}
	s.running = true
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("scheduled archive sweep triggered")
	if err := s.sweepFn(s.ctx); err != nil {
		s.logger.Error("archive sweep failed", "error", err)
	}
}
