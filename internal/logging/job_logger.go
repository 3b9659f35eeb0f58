// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
)

// teeHandler despacha cada registro para o handler global e para o arquivo
// do job de arquivamento.
type teeHandler struct {
	primary slog.Handler
	job     slog.Handler
}

func (h *teeHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.primary.Enabled(ctx, level) || h.job.Enabled(ctx, level)
}

func (h *teeHandler) Handle(ctx context.Context, r slog.Record) error {
	// Cada lado filtra pelo próprio nível: DEBUG só chega ao arquivo do job
	// quando o global está em INFO.
	if h.primary.Enabled(ctx, r.Level) {
		if err := h.primary.Handle(ctx, r); err != nil {
			return err
		}
	}
	if h.job.Enabled(ctx, r.Level) {
		_ = h.job.Handle(ctx, r)
	}
	return nil
}

func (h *teeHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &teeHandler{primary: h.primary.WithAttrs(attrs), job: h.job.WithAttrs(attrs)}
}

func (h *teeHandler) WithGroup(name string) slog.Handler {
	return &teeHandler{primary: h.primary.WithGroup(name), job: h.job.WithGroup(name)}
}

// JobLogPath retorna o caminho do log de um job: {dir}/{backend}/{jobID}.log
func JobLogPath(dir, backend, jobID string) string {
	return filepath.Join(dir, sanitizeSegment(backend), jobID+".log")
}

// NewJobLogger cria um logger que grava no logger base e em um arquivo
// dedicado ao job (JSON, nível DEBUG). Retorna o logger, o io.Closer do
// arquivo (DEVE ser chamado ao fim do job) e o caminho criado.
//
// Com dir vazio devolve o logger base sem modificações.
func NewJobLogger(base *slog.Logger, dir, backend, jobID string) (*slog.Logger, io.Closer, string, error) {
	if dir == "" {
		return base, io.NopCloser(nil), "", nil
	}

	logPath := JobLogPath(dir, backend, jobID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0755); err != nil {
		return nil, nil, "", fmt.Errorf("creating job log directory: %w", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, nil, "", fmt.Errorf("opening job log file %s: %w", logPath, err)
	}

	fileHandler := slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelDebug})
	logger := slog.New(&teeHandler{primary: base.Handler(), job: fileHandler})
	return logger, f, logPath, nil
}

// RemoveJobLog apaga o log de um job concluído com sucesso. No-op com dir
// vazio ou arquivo inexistente.
func RemoveJobLog(dir, backend, jobID string) {
	if dir == "" {
		return
	}
	os.Remove(JobLogPath(dir, backend, jobID))
}

// sanitizeSegment troca separadores de caminho e ':' (host:porta) por '_'.
func sanitizeSegment(s string) string {
	out := []byte(s)
	for i, c := range out {
		switch c {
		case '/', '\\', ':':
			out[i] = '_'
		}
	}
	if len(out) == 0 || string(out) == "." || string(out) == ".." {
		return "_"
	}
	return string(out)
}
