// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"
)

const (
	defaultHistoryCapacity = 200
	defaultHistoryMaxLines = 10000
)

// Status de um job no histórico.
const (
	JobArchived = "archived"
	JobSkipped  = "skipped"
	JobFailed   = "failed"
)

// JobRecord é uma entrada do histórico de arquivamento.
type JobRecord struct {
	Timestamp   string  `json:"timestamp"`
	JobID       string  `json:"job_id,omitempty"`
	Key         string  `json:"key"`
	Title       string  `json:"title"`
	Status      string  `json:"status"`
	Stage       string  `json:"stage,omitempty"`
	Error       string  `json:"error,omitempty"`
	Attempts    int     `json:"attempts,omitempty"`
	RawBytes    int64   `json:"raw_bytes,omitempty"`
	StoredBytes int64   `json:"stored_bytes,omitempty"`
	DurationS   float64 `json:"duration_s,omitempty"`
}

// History guarda os últimos jobs em um ring buffer. Com path, cada entrada
// também é gravada em um arquivo JSONL, relido na próxima inicialização.
//
// Rotação: quando o arquivo passa de maxLines, é reescrito com as últimas
// maxLines/2 linhas.
type History struct {
	mu   sync.Mutex
	buf  []JobRecord
	pos  int // próxima posição de escrita
	size int // slots ocupados (max = len(buf))

	path      string
	file      *os.File
	maxLines  int
	lineCount int
}

// NewHistory cria o histórico. path vazio mantém só a memória.
func NewHistory(path string, capacity, maxLines int) (*History, error) {
	if capacity <= 0 {
		capacity = defaultHistoryCapacity
	}
	if maxLines <= 0 {
		maxLines = defaultHistoryMaxLines
	}
	h := &History{buf: make([]JobRecord, capacity), path: path, maxLines: maxLines}
	if path == "" {
		return h, nil
	}

	entries, lines, err := loadHistory(path)
	if err != nil {
		return nil, fmt.Errorf("loading history file: %w", err)
	}
	for _, e := range entries {
		h.push(e)
	}
	h.lineCount = lines

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("opening history file for append: %w", err)
	}
	h.file = f
	return h, nil
}

// loadHistory lê o JSONL; linhas malformadas são ignoradas.
func loadHistory(path string) ([]JobRecord, int, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, 0, nil
		}
		return nil, 0, err
	}
	defer f.Close()

	var entries []JobRecord
	lines := 0
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines++
		var e JobRecord
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	return entries, lines, scanner.Err()
}

func (h *History) push(e JobRecord) {
	h.buf[h.pos] = e
	h.pos = (h.pos + 1) % len(h.buf)
	if h.size < len(h.buf) {
		h.size++
	}
}

// Add registra um job. Falhas de escrita no arquivo não afetam a memória.
func (h *History) Add(e JobRecord) {
	if e.Timestamp == "" {
		e.Timestamp = time.Now().UTC().Format(time.RFC3339)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.push(e)

	if h.file == nil {
		return
	}
	data, err := json.Marshal(e)
	if err != nil {
		return
	}
	if _, err := h.file.Write(append(data, '\n')); err != nil {
		return
	}
	h.lineCount++
	if h.lineCount > h.maxLines {
		h.rotate()
	}
}

// Recent retorna os últimos limit jobs, do mais antigo para o mais novo.
// limit <= 0 retorna todos.
func (h *History) Recent(limit int) []JobRecord {
	h.mu.Lock()
	defer h.mu.Unlock()

	n := h.size
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]JobRecord, n)
	start := (h.pos - n + len(h.buf)) % len(h.buf)
	for i := 0; i < n; i++ {
		out[i] = h.buf[(start+i)%len(h.buf)]
	}
	return out
}

// Len retorna quantos jobs estão em memória.
func (h *History) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.size
}

// Close fecha o arquivo.
func (h *History) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.file == nil {
		return nil
	}
	err := h.file.Close()
	h.file = nil
	return err
}

// rotate mantém as últimas maxLines/2 linhas. Chamada com h.mu travado.
func (h *History) rotate() {
	keep := h.maxLines / 2
	entries, _, err := loadHistory(h.path)
	if err != nil || len(entries) <= keep {
		return
	}
	entries = entries[len(entries)-keep:]

	h.file.Close()
	f, err := os.Create(h.path)
	if err != nil {
		h.file, _ = os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		return
	}
	w := bufio.NewWriter(f)
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			continue
		}
		w.Write(data)
		w.WriteByte('\n')
	}
	w.Flush()
	f.Close()

	h.file, err = os.OpenFile(h.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		h.file = nil
		return
	}
	h.lineCount = len(entries)
}
