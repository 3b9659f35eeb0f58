// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package archive copia gravações do mythbackend para um destino local ou S3,
// sob demanda, por agendamento cron ou reagindo ao watcher do catálogo.
package archive

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/nishisan-dev/n-myth/internal/backend"
	"github.com/nishisan-dev/n-myth/internal/config"
	"github.com/nishisan-dev/n-myth/internal/logging"
)

// Failure stages usados nas métricas e nos logs.
const (
	stageCatalog  = "catalog"
	stageDisk     = "disk"
	stageTransfer = "transfer"
	stageStore    = "store"
	stageMetadata = "metadata"
)

// stageError associa um erro à etapa do job em que ocorreu.
type stageError struct {
	stage string
	err   error
}

func (e *stageError) Error() string { return e.stage + ": " + e.err.Error() }
func (e *stageError) Unwrap() error { return e.err }

func withStage(stage string, err error) error {
	if err == nil {
		return nil
	}
	var se *stageError
	if errors.As(err, &se) {
		return err
	}
	return &stageError{stage: stage, err: err}
}

func stageOf(err error) string {
	var se *stageError
	if errors.As(err, &se) {
		return se.stage
	}
	return stageTransfer
}

// Result descreve um job de arquivamento.
type Result struct {
	JobID     string
	Key       string
	Recording backend.Recording
	Skipped   bool
	Stream    *StreamResult
	Duration  time.Duration
}

// Summary agrega uma varredura do catálogo.
type Summary struct {
	Catalog     int   `json:"catalog"`
	Matched     int   `json:"matched"`
	Archived    int   `json:"archived"`
	Skipped     int   `json:"skipped"`
	Failed      int   `json:"failed"`
	RawBytes    int64 `json:"raw_bytes"`
	StoredBytes int64 `json:"stored_bytes"`
}

// Metadata é o documento JSON gravado ao lado de cada arquivo. Sua presença
// marca o arquivamento como completo.
type Metadata struct {
	JobID       string          `json:"job_id"`
	Title       string          `json:"title"`
	Subtitle    string          `json:"subtitle,omitempty"`
	Description string          `json:"description,omitempty"`
	Genre       string          `json:"genre,omitempty"`
	ChanID      string          `json:"chanid"`
	Channel     string          `json:"channel,omitempty"`
	Basename    string          `json:"basename"`
	Start       time.Time       `json:"start"`
	End         time.Time       `json:"end"`
	Protocol    int             `json:"protocol_version"`
	Compression string          `json:"compression"`
	RawBytes    int64           `json:"raw_bytes"`
	StoredBytes int64           `json:"stored_bytes"`
	SHA256      string          `json:"sha256"`
	SeekPoints  []seekPointJSON `json:"seek_points,omitempty"`
	ArchivedAt  time.Time       `json:"archived_at"`
}

type seekPointJSON struct {
	Offset int64  `json:"offset"`
	Name   string `json:"name"`
}

// Stats é o estado do archiver para o stats reporter.
type Stats struct {
	ActiveJobs    int       `json:"active_jobs"`
	TotalArchived int64     `json:"archived_total"`
	TotalFailed   int64     `json:"failed_total"`
	TotalSkipped  int64     `json:"skipped_total"`
	LastSweep     *Summary  `json:"last_sweep,omitempty"`
	LastSweepAt   time.Time `json:"last_sweep_at,omitzero"`
}

// Archiver copia gravações do catálogo para um Sink.
type Archiver struct {
	cfg     *config.AgentConfig
	loc     backend.Locator
	sink    Sink
	disk    *DiskMonitor
	metrics *Metrics
	history *History
	logger  *slog.Logger

	progressOut io.Writer
	now         func() time.Time

	// slots limita as transferências simultâneas de todos os chamadores
	// (varredura, watcher, CLI) a archive.concurrency.
	slots *semaphore.Weighted

	mu          sync.Mutex
	inflight    map[string]struct{}
	lastSweep   *Summary
	lastSweepAt time.Time

	archived atomic.Int64
	failed   atomic.Int64
	skipped  atomic.Int64
}

// NewArchiver cria um archiver para o backend de cfg. metrics pode ser nil.
func NewArchiver(cfg *config.AgentConfig, sink Sink, metrics *Metrics, logger *slog.Logger) (*Archiver, error) {
	loc, err := cfg.Locator()
	if err != nil {
		return nil, err
	}
	if metrics == nil {
		metrics = NewMetrics()
	}
	history, err := NewHistory(cfg.Archive.HistoryFile, defaultHistoryCapacity, defaultHistoryMaxLines)
	if err != nil {
		return nil, err
	}

	a := &Archiver{
		cfg:      cfg,
		loc:      loc,
		sink:     sink,
		metrics:  metrics,
		history:  history,
		slots:    semaphore.NewWeighted(int64(cfg.Archive.Concurrency)),
		logger:   logger.With("component", "archiver", "sink", sink.Name()),
		now:      time.Now,
		inflight: make(map[string]struct{}),
	}
	if local, ok := sink.(*LocalSink); ok && cfg.Archive.MinFreeDiskRaw > 0 {
		a.disk = NewDiskMonitor(local.Dir(), cfg.Archive.MinFreeDiskRaw, logger)
	}
	return a, nil
}

// NewSink cria o destino configurado em cfg (local tem precedência sobre S3).
func NewSink(ctx context.Context, cfg *config.AgentConfig) (Sink, error) {
	switch {
	case cfg.Archive.Local.Dir != "":
		return NewLocalSink(cfg.Archive.Local.Dir)
	case cfg.Archive.S3.Bucket != "":
		return NewS3Sink(ctx, cfg.Archive.S3)
	default:
		return nil, fmt.Errorf("no archive sink configured")
	}
}

// SetProgressOutput habilita a barra de progresso por job em w.
func (a *Archiver) SetProgressOutput(w io.Writer) { a.progressOut = w }

// Metrics retorna os coletores do archiver.
func (a *Archiver) Metrics() *Metrics { return a.metrics }

// History retorna o histórico de jobs.
func (a *Archiver) History() *History { return a.history }

// Close fecha o arquivo de histórico.
func (a *Archiver) Close() error { return a.history.Close() }

// Matches informa se rec passa pelo filtro configurado (substring sem
// distinção de caixa no título ou no nome do arquivo).
func (a *Archiver) Matches(rec backend.Recording) bool {
	return matchFilter(a.cfg.Archive.Filter, rec)
}

func matchFilter(filter string, rec backend.Recording) bool {
	f := strings.ToLower(strings.TrimSpace(filter))
	if f == "" {
		return true
	}
	return strings.Contains(strings.ToLower(rec.Title), f) ||
		strings.Contains(strings.ToLower(rec.Basename()), f)
}

// RunOnce lista o catálogo e arquiva as gravações que passam no filtro e
// ainda não estão no destino. Retorna o primeiro erro de job, se houver.
func (a *Archiver) RunOnce(ctx context.Context) (*Summary, error) {
	opts := a.cfg.ConnOptions()
	opts.Logger = a.logger
	table, err := backend.ListRecordings(ctx, opts, a.loc)
	if err != nil {
		a.metrics.recordFailure(stageCatalog)
		return nil, fmt.Errorf("listing recordings: %w", err)
	}

	sum := &Summary{Catalog: len(table.Rows)}
	var sumMu sync.Mutex
	var firstErr error

	var g errgroup.Group
	g.SetLimit(a.cfg.Archive.Concurrency)

	for _, rec := range table.Rows {
		if !a.Matches(rec) {
			continue
		}
		sum.Matched++
		g.Go(func() error {
			res, err := a.ArchiveRecording(ctx, rec)

			sumMu.Lock()
			defer sumMu.Unlock()
			switch {
			case err != nil:
				sum.Failed++
				if firstErr == nil {
					firstErr = fmt.Errorf("archiving %s: %w", rec.Basename(), err)
				}
			case res.Skipped:
				sum.Skipped++
			default:
				sum.Archived++
				sum.RawBytes += res.Stream.RawBytes
				sum.StoredBytes += res.Stream.StoredBytes
			}
			return nil
		})
	}
	g.Wait()

	at := a.now()
	a.metrics.recordSweep(sum.Catalog, at)
	a.mu.Lock()
	a.lastSweep = sum
	a.lastSweepAt = at
	a.mu.Unlock()

	a.logger.Info("archive sweep complete",
		"catalog", sum.Catalog,
		"matched", sum.Matched,
		"archived", sum.Archived,
		"skipped", sum.Skipped,
		"failed", sum.Failed,
		"stored_bytes", sum.StoredBytes,
	)

	if firstErr == nil {
		firstErr = ctx.Err()
	}
	return sum, firstErr
}

// claim marca key como em andamento; false se outro job já a tem.
func (a *Archiver) claim(key string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, busy := a.inflight[key]; busy {
		return false
	}
	a.inflight[key] = struct{}{}
	return true
}

func (a *Archiver) release(key string) {
	a.mu.Lock()
	delete(a.inflight, key)
	a.mu.Unlock()
}

// ArchiveRecording arquiva uma gravação com retry e exponential backoff.
// Gravações já presentes no destino (ou em andamento em outro job) retornam
// Result.Skipped.
func (a *Archiver) ArchiveRecording(ctx context.Context, rec backend.Recording) (*Result, error) {
	key := ObjectKey(rec, a.cfg.Archive.FileExtension())
	res := &Result{Key: key, Recording: rec}

	if !a.claim(key) {
		res.Skipped = true
		return res, nil
	}
	defer a.release(key)

	exists, err := a.sink.Exists(ctx, MetadataKey(key))
	if err != nil {
		err = withStage(stageStore, err)
		a.metrics.recordFailure(stageStore)
		a.failed.Add(1)
		a.recordJob(res, JobFailed, 0, err)
		return nil, err
	}
	if exists {
		a.metrics.recordSkip()
		a.skipped.Add(1)
		res.Skipped = true
		a.recordJob(res, JobSkipped, 0, nil)
		a.logger.Debug("recording already archived", "key", key)
		return res, nil
	}

	if err := a.slots.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("waiting for archive slot: %w", err)
	}
	defer a.slots.Release(1)

	if a.disk != nil {
		if err := a.disk.Check(rec.FileSize); err != nil {
			err = withStage(stageDisk, err)
			a.metrics.recordFailure(stageDisk)
			a.failed.Add(1)
			a.recordJob(res, JobFailed, 0, err)
			return nil, err
		}
	}

	res.JobID = uuid.NewString()
	logDir := a.cfg.Archive.JobLogDir
	jobLogger, closer, logPath, err := logging.NewJobLogger(a.logger, logDir, a.loc.Address(), res.JobID)
	if err != nil {
		a.logger.Warn("job log unavailable", "error", err)
		jobLogger, closer = a.logger, io.NopCloser(nil)
	}
	jobLogger = jobLogger.With("job", res.JobID, "key", key, "title", rec.Title)
	if logPath != "" {
		jobLogger.Debug("job log created", "path", logPath)
	}

	a.metrics.jobStarted()
	defer a.metrics.jobFinished()

	start := a.now()
	retry := a.cfg.Archive.Retry
	var lastErr error
	tries := 0

attempts:
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			delay := calculateBackoff(attempt, retry.InitialDelay, retry.MaxDelay)
			jobLogger.Info("retrying archive", "attempt", attempt+1, "delay", delay)
			select {
			case <-ctx.Done():
				lastErr = ctx.Err()
				break attempts
			case <-time.After(delay):
			}
		}

		tries++
		stream, err := a.archiveOnce(ctx, rec, key, res.JobID, attempt, jobLogger)
		if err == nil {
			res.Stream = stream
			res.Duration = a.now().Sub(start)
			a.metrics.recordSuccess(stream, res.Duration)
			a.archived.Add(1)
			jobLogger.Info("recording archived",
				"raw_bytes", stream.RawBytes,
				"stored_bytes", stream.StoredBytes,
				"sha256", stream.SHA256,
				"duration", res.Duration,
			)
			a.recordJob(res, JobArchived, tries, nil)
			closer.Close()
			logging.RemoveJobLog(logDir, a.loc.Address(), res.JobID)
			return res, nil
		}

		lastErr = err
		a.metrics.recordFailure(stageOf(err))
		jobLogger.Warn("archive attempt failed", "attempt", attempt+1, "error", err)
		if !retryable(err) {
			break attempts
		}
	}

	a.failed.Add(1)
	res.Duration = a.now().Sub(start)
	a.recordJob(res, JobFailed, tries, lastErr)
	closer.Close()
	return nil, fmt.Errorf("archive of %s failed: %w", key, lastErr)
}

func (a *Archiver) recordJob(res *Result, status string, attempts int, err error) {
	rec := JobRecord{
		Timestamp: a.now().UTC().Format(time.RFC3339),
		JobID:     res.JobID,
		Key:       res.Key,
		Title:     res.Recording.DisplayName(),
		Status:    status,
		Attempts:  attempts,
		DurationS: res.Duration.Seconds(),
	}
	if err != nil {
		rec.Stage = stageOf(err)
		rec.Error = err.Error()
	}
	if res.Stream != nil {
		rec.RawBytes = res.Stream.RawBytes
		rec.StoredBytes = res.Stream.StoredBytes
	}
	a.history.Add(rec)
}

// retryable separa falhas transitórias (rede, timeout, destino) das que se
// repetiriam em toda tentativa.
func retryable(err error) bool {
	switch {
	case errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded),
		errors.Is(err, backend.ErrRecordingNotFound),
		errors.Is(err, backend.ErrVersionUnsupported),
		errors.Is(err, backend.ErrInvalidLocator),
		errors.Is(err, ErrLowDisk):
		return false
	}
	return true
}

// archiveOnce executa uma tentativa:
//
//	Transfer → throttle → Stream(compressor, sha256) → pipe → Sink.Put
//
// e, com o arquivo no destino, grava os metadados.
func (a *Archiver) archiveOnce(ctx context.Context, rec backend.Recording, key, jobID string, attempt int, logger *slog.Logger) (*StreamResult, error) {
	topts := a.cfg.TransferOptions()
	topts.Logger = logger

	t, err := backend.Open(ctx, topts, a.loc.WithPath(rec.Basename()))
	if err != nil {
		return nil, withStage(stageTransfer, err)
	}
	defer t.Close()
	// Read não recebe contexto: fechar o transfer desbloqueia a leitura
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	var progress *ProgressReporter
	if a.progressOut != nil {
		progress = NewProgressReporter(a.progressOut, rec.DisplayName(), t.Size())
		defer progress.Stop()
		for range attempt {
			progress.AddRetry()
		}
	}
	points := t.SeekPoints()
	var onBytes func(int64)
	if progress != nil {
		onBytes = func(n int64) {
			progress.AddBytes(n)
			progress.SetTotal(t.Size())
			if len(points) > 1 {
				progress.SetChapter(points[t.Chapter()].Name)
			}
		}
	}

	pr, pw := io.Pipe()
	g, gctx := errgroup.WithContext(ctx)
	var stream *StreamResult

	g.Go(func() error {
		src := NewThrottledReader(gctx, t, a.cfg.Transfer.BandwidthLimitRaw)
		res, err := Stream(gctx, src, pw, a.cfg.Archive.Compression, onBytes)
		pw.CloseWithError(err)
		if err != nil {
			return withStage(stageTransfer, err)
		}
		stream = res
		return nil
	})
	g.Go(func() error {
		err := a.sink.Put(gctx, key, pr)
		pr.CloseWithError(err)
		return withStage(stageStore, err)
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	meta := Metadata{
		JobID:       jobID,
		Title:       rec.Title,
		Subtitle:    rec.Subtitle,
		Description: rec.Description,
		Genre:       rec.Genre,
		ChanID:      rec.ChanID,
		Channel:     rec.ChannelName,
		Basename:    rec.Basename(),
		Start:       rec.Start,
		End:         rec.End,
		Protocol:    t.Version().ID,
		Compression: a.cfg.Archive.Compression,
		RawBytes:    stream.RawBytes,
		StoredBytes: stream.StoredBytes,
		SHA256:      stream.SHA256,
		ArchivedAt:  a.now().UTC(),
	}
	for _, p := range points {
		meta.SeekPoints = append(meta.SeekPoints, seekPointJSON{Offset: p.Offset, Name: p.Name})
	}

	doc, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return nil, withStage(stageMetadata, err)
	}
	if err := a.sink.Put(ctx, MetadataKey(key), bytes.NewReader(doc)); err != nil {
		return nil, withStage(stageMetadata, err)
	}

	logger.Debug("metadata stored", "seek_points", len(points), "protocol", meta.Protocol)
	return stream, nil
}

// Stats retorna um snapshot do archiver.
func (a *Archiver) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	st := Stats{
		ActiveJobs:    len(a.inflight),
		TotalArchived: a.archived.Load(),
		TotalFailed:   a.failed.Load(),
		TotalSkipped:  a.skipped.Load(),
		LastSweepAt:   a.lastSweepAt,
	}
	if a.lastSweep != nil {
		s := *a.lastSweep
		st.LastSweep = &s
	}
	return st
}

// calculateBackoff calcula o delay com exponential backoff capped.
func calculateBackoff(attempt int, initialDelay, maxDelay time.Duration) time.Duration {
	delay := time.Duration(float64(initialDelay) * math.Pow(2, float64(attempt-1)))
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}
