// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"
)

const defaultStatsInterval = 30 * time.Second

// sweepSnapshot captura a última varredura para o log estruturado.
type sweepSnapshot struct {
	At          string `json:"at"`
	Catalog     int    `json:"catalog"`
	Matched     int    `json:"matched"`
	Archived    int    `json:"archived"`
	Skipped     int    `json:"skipped"`
	Failed      int    `json:"failed"`
	RawBytes    int64  `json:"raw_bytes"`
	StoredBytes int64  `json:"stored_bytes"`
}

// StatsReporter emite o estado do daemon no log periodicamente.
type StatsReporter struct {
	daemon    *Daemon
	interval  time.Duration
	logger    *slog.Logger
	startTime time.Time
	cancel    context.CancelFunc
	done      chan struct{}
}

// NewStatsReporter cria o reporter. interval <= 0 usa 30s.
func NewStatsReporter(d *Daemon, interval time.Duration, logger *slog.Logger) *StatsReporter {
	if interval <= 0 {
		interval = defaultStatsInterval
	}
	return &StatsReporter{
		daemon:    d,
		interval:  interval,
		logger:    logger,
		startTime: time.Now(),
		done:      make(chan struct{}),
	}
}

// Start inicia a goroutine de reporting periódico.
func (sr *StatsReporter) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	sr.cancel = cancel

	go func() {
		defer close(sr.done)
		ticker := time.NewTicker(sr.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				sr.logger.Info("daemon stats", sr.attrs()...)
			case <-ctx.Done():
				return
			}
		}
	}()

	sr.logger.Info("stats reporter started", "interval", sr.interval)
}

// Stop para o reporter e aguarda a goroutine terminar.
func (sr *StatsReporter) Stop() {
	if sr.cancel != nil {
		sr.cancel()
	}
	<-sr.done
	sr.logger.Info("stats reporter stopped")
}

func (sr *StatsReporter) attrs() []any {
	d := sr.daemon
	st := d.archiver.Stats()

	attrs := []any{
		"uptime_seconds", int64(time.Since(sr.startTime).Seconds()),
		"active_jobs", st.ActiveJobs,
		"archived_total", st.TotalArchived,
		"failed_total", st.TotalFailed,
		"skipped_total", st.TotalSkipped,
		"watch_pending", d.PendingCount(),
		"watch_known", d.KnownCount(),
	}

	if next := d.NextSweep(); !next.IsZero() {
		attrs = append(attrs, "next_scheduled_at", next.Format(time.RFC3339))
	}

	if d.archiver.disk != nil {
		if ds, err := d.archiver.disk.Stats(); err == nil {
			attrs = append(attrs,
				"disk_free_bytes", ds.FreeBytes,
				"disk_used_percent", ds.UsedPercent,
			)
		}
	}

	if s := st.LastSweep; s != nil {
		snap := sweepSnapshot{
			At:          st.LastSweepAt.Format(time.RFC3339),
			Catalog:     s.Catalog,
			Matched:     s.Matched,
			Archived:    s.Archived,
			Skipped:     s.Skipped,
			Failed:      s.Failed,
			RawBytes:    s.RawBytes,
			StoredBytes: s.StoredBytes,
		}
		sweepJSON, _ := json.Marshal(snap)
		attrs = append(attrs, "last_sweep", json.RawMessage(sweepJSON))
	}

	return attrs
}
