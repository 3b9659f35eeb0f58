// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"time"
)

// ProgressReporter exibe o progresso de uma transferência no terminal:
// barra, bytes, velocidade, capítulo atual, elapsed e ETA.
type ProgressReporter struct {
	name string
	out  io.Writer

	bytesRead  atomic.Int64
	totalBytes atomic.Int64
	chapter    atomic.Value // string
	retries    atomic.Int32

	startTime time.Time
	done      chan struct{}
	stopped   chan struct{}
}

// NewProgressReporter cria um reporter que desenha em out a cada 500ms.
// totalBytes <= 0 mostra um spinner no lugar da barra.
func NewProgressReporter(out io.Writer, name string, totalBytes int64) *ProgressReporter {
	p := newProgress(out, name, totalBytes, time.Now())
	go p.renderLoop()
	return p
}

func newProgress(out io.Writer, name string, totalBytes int64, start time.Time) *ProgressReporter {
	p := &ProgressReporter{
		name:      name,
		out:       out,
		startTime: start,
		done:      make(chan struct{}),
		stopped:   make(chan struct{}),
	}
	p.totalBytes.Store(totalBytes)
	p.chapter.Store("")
	return p
}

// AddBytes registra bytes recebidos do backend.
func (p *ProgressReporter) AddBytes(n int64) {
	p.bytesRead.Add(n)
}

// SetTotal atualiza o tamanho conhecido (gravações em andamento crescem).
func (p *ProgressReporter) SetTotal(n int64) {
	p.totalBytes.Store(n)
}

// SetChapter registra o nome do seek point corrente.
func (p *ProgressReporter) SetChapter(name string) {
	p.chapter.Store(name)
}

// AddRetry registra uma nova tentativa.
func (p *ProgressReporter) AddRetry() {
	p.retries.Add(1)
}

// Stop para o ticker e imprime a linha final.
func (p *ProgressReporter) Stop() {
	close(p.done)
	<-p.stopped
	fmt.Fprintf(p.out, "\r%s\n", p.line(time.Now()))
}

func (p *ProgressReporter) renderLoop() {
	defer close(p.stopped)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-p.done:
			return
		case <-ticker.C:
			fmt.Fprint(p.out, "\r"+p.line(time.Now()))
		}
	}
}

// line monta a linha de status para o instante now.
func (p *ProgressReporter) line(now time.Time) string {
	bytes := p.bytesRead.Load()
	total := p.totalBytes.Load()
	elapsed := now.Sub(p.startTime)

	var speed float64
	if s := elapsed.Seconds(); s > 0.1 {
		speed = float64(bytes) / s
	}

	const barWidth = 30
	var bar string
	if total > 0 {
		pct := float64(bytes) / float64(total)
		if pct > 1.0 {
			pct = 1.0
		}
		filled := int(pct * barWidth)
		bar = strings.Repeat("█", filled) + strings.Repeat("░", barWidth-filled)
	} else {
		pos := int(elapsed.Seconds()*2) % barWidth
		bar = strings.Repeat("░", pos) + "█" + strings.Repeat("░", barWidth-pos-1)
	}

	eta := "∞"
	if d := estimateETA(total, bytes, speed); d >= 0 {
		eta = formatDuration(d)
	}

	var extra string
	if ch, _ := p.chapter.Load().(string); ch != "" {
		extra += "  │  " + ch
	}
	if r := p.retries.Load(); r > 0 {
		extra += fmt.Sprintf("  │  retries: %d", r)
	}

	line := fmt.Sprintf("[%s] %s  %s / %s  │  %s/s  │  %s  │  ETA %s%s",
		p.name, bar, formatBytes(bytes), formatBytes(total), formatBytes(int64(speed)),
		formatDuration(elapsed), eta, extra)

	// Limpa restos da linha anterior
	if n := len([]rune(line)); n < 120 {
		line += strings.Repeat(" ", 120-n)
	}
	return line
}

// estimateETA retorna o tempo restante ou -1 quando indeterminado.
func estimateETA(total, done int64, speed float64) time.Duration {
	if total <= 0 || speed <= 0 {
		return -1
	}
	remaining := float64(total - done)
	if remaining < 0 {
		remaining = 0
	}
	return time.Duration(remaining / speed * float64(time.Second))
}

// formatBytes formata bytes em unidades legíveis.
func formatBytes(b int64) string {
	switch {
	case b >= 1024*1024*1024:
		return fmt.Sprintf("%.1f GB", float64(b)/(1024*1024*1024))
	case b >= 1024*1024:
		return fmt.Sprintf("%.1f MB", float64(b)/(1024*1024))
	case b >= 1024:
		return fmt.Sprintf("%.1f KB", float64(b)/1024)
	default:
		return fmt.Sprintf("%d B", b)
	}
}

// formatDuration formata duração como M:SS ou H:MM:SS.
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}
