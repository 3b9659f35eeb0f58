// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// ChangeKind indica o tipo de mudança no catálogo.
type ChangeKind int

const (
	ChangeAdded ChangeKind = iota
	ChangeRemoved
)

func (k ChangeKind) String() string {
	if k == ChangeRemoved {
		return "removed"
	}
	return "added"
}

// Change é uma entrada adicionada ou removida do catálogo.
type Change struct {
	Kind      ChangeKind
	Key       RecordingKey
	Recording Recording
}

// EventRecordingListChange é a notificação de mudança no catálogo.
const EventRecordingListChange = "RECORDING_LIST_CHANGE"

// Watcher mantém uma visão do catálogo do backend e emite as diferenças:
// conecta, busca o catálogo completo e então processa as notificações
// RECORDING_LIST_CHANGE recebidas na conexão de comando.
type Watcher struct {
	opts   Options
	loc    Locator
	logger *slog.Logger

	// known é escrito apenas pela goroutine de Run; mu protege as escritas
	// e as leituras de fora dela (Known).
	mu      sync.Mutex
	known   map[RecordingKey]Recording
	pending []Event
}

// NewWatcher cria um watcher para o backend do locator.
func NewWatcher(opts Options, loc Locator) *Watcher {
	opts = opts.withDefaults()
	return &Watcher{
		opts:   opts,
		loc:    loc,
		logger: opts.Logger.With("component", "catalog_watcher", "backend", loc.Address()),
		known:  make(map[RecordingKey]Recording),
	}
}

// Run bloqueia até o cancelamento do contexto ou um erro de conexão.
// Cada gravação existente é emitida como ChangeAdded na carga inicial.
// O cancelamento fecha o socket de comando para desbloquear a leitura.
func (w *Watcher) Run(ctx context.Context, emit func(Change)) error {
	opts := w.opts
	opts.OnEvent = func(ev Event) {
		// Notificações drenadas durante um comando são tratadas depois dele
		w.pending = append(w.pending, ev)
	}

	conn, err := Dial(ctx, opts, ModePlayback, w.loc)
	if err != nil {
		return err
	}
	defer conn.Close()

	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-stop:
		}
	}()

	if err := w.refresh(conn, emit); err != nil {
		return w.exitErr(ctx, err)
	}
	w.logger.Info("catalog loaded", "recordings", len(w.known))

	for {
		for len(w.pending) > 0 {
			ev := w.pending[0]
			w.pending = w.pending[1:]
			if err := w.handle(conn, ev, emit); err != nil {
				return w.exitErr(ctx, err)
			}
		}

		tok, err := conn.ReadMessage()
		if err != nil {
			return w.exitErr(ctx, err)
		}

		ev, ok := ParseEvent(tok)
		if !ok {
			w.logger.Debug("ignoring unsolicited frame", "frame", tok.Join())
			continue
		}
		w.logger.Info("backend message", "event", ev.Name, "args", strings.Join(ev.Args, " ; "))
		if err := w.handle(conn, ev, emit); err != nil {
			return w.exitErr(ctx, err)
		}
	}
}

func (w *Watcher) exitErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Known retorna uma cópia da visão atual do catálogo. Pode ser chamado
// enquanto Run processa notificações.
func (w *Watcher) Known() []Recording {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]Recording, 0, len(w.known))
	for _, rec := range w.known {
		out = append(out, rec)
	}
	return out
}

// handle trata uma notificação. Formatos:
//
//	RECORDING_LIST_CHANGE
//	RECORDING_LIST_CHANGE ADD <chanid> <start>
//	RECORDING_LIST_CHANGE DELETE <chanid> <start>
func (w *Watcher) handle(conn *Conn, ev Event, emit func(Change)) error {
	parts := strings.Fields(ev.Name)
	if len(parts) == 0 || parts[0] != EventRecordingListChange {
		return nil
	}

	if len(parts) == 1 {
		return w.refresh(conn, emit)
	}

	switch parts[1] {
	case "ADD":
		if len(parts) < 4 {
			return w.refresh(conn, emit)
		}
		rec, err := QueryByTimeslot(conn, parts[2], parts[3])
		if err != nil {
			if errors.Is(err, ErrRecordingNotFound) || errors.Is(err, ErrProtocol) {
				w.logger.Warn("added recording not found", "chanid", parts[2], "start", parts[3], "error", err)
				return nil
			}
			return err
		}
		key := rec.Key()
		w.mu.Lock()
		_, seen := w.known[key]
		w.known[key] = rec
		w.mu.Unlock()
		if seen {
			return nil
		}
		emit(Change{Kind: ChangeAdded, Key: key, Recording: rec})

	case "DELETE":
		if len(parts) < 4 {
			return w.refresh(conn, emit)
		}
		key := RecordingKey{ChanID: parts[2], Start: ParseTimestamp(parts[3]).Unix()}
		rec, seen := w.known[key]
		if !seen {
			w.logger.Debug("deleted recording was not known", "key", key.String())
			return nil
		}
		w.mu.Lock()
		delete(w.known, key)
		w.mu.Unlock()
		emit(Change{Kind: ChangeRemoved, Key: key, Recording: rec})

	default:
		// UPDATE e variações futuras
		w.logger.Debug("ignoring recording list change", "change", parts[1])
	}
	return nil
}

// refresh recarrega o catálogo completo e emite as diferenças com a visão atual.
func (w *Watcher) refresh(conn *Conn, emit func(Change)) error {
	table, err := QueryRecordings(conn)
	if err != nil && !errors.Is(err, ErrNoRecordings) {
		return fmt.Errorf("refreshing catalog: %w", err)
	}

	current := make(map[RecordingKey]Recording)
	if table != nil {
		for _, rec := range table.Rows {
			current[rec.Key()] = rec
		}
	}

	for key, rec := range w.known {
		if _, ok := current[key]; !ok {
			emit(Change{Kind: ChangeRemoved, Key: key, Recording: rec})
		}
	}
	if table != nil {
		for _, rec := range table.Rows {
			if _, ok := w.known[rec.Key()]; !ok {
				emit(Change{Kind: ChangeAdded, Key: rec.Key(), Recording: rec})
			}
		}
	}

	w.mu.Lock()
	w.known = current
	w.mu.Unlock()
	return nil
}
