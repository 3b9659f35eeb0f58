// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backendsim implementa um mythbackend simulado: handshake de versão,
// announces, catálogo, file transfer com controle de fluxo, cut list e
// notificações BACKEND_MESSAGE. Usado nos testes e pelo nmyth-backendsim.
package backendsim

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-myth/internal/protocol"
)

// Config controla o comportamento do backend simulado.
type Config struct {
	// Version é a versão do protocolo falada pelo backend. Propostas
	// diferentes recebem REJECT com esta versão.
	Version int
	// Registry fornece token e layout da versão. nil = registro padrão.
	Registry *protocol.Registry
	// RejectAnnounce responde ERROR aos announces.
	RejectAnnounce bool
	// MaxGrant limita cada REQUEST_BLOCK. 0 = sem limite.
	MaxGrant int64
	// SingleSizeField envia o tamanho em um único campo de 64 bits no
	// ANN FileTransfer (apenas versões SizeLowFirst).
	SingleSizeField bool
	// FullURLs envia o BaseURL como myth://host:port/arquivo em vez do nome.
	FullURLs bool
	// ExtraFields é o número de campos após o fim do layout em cada linha.
	ExtraFields int
}

// Recording é uma gravação servida pelo backend simulado.
type Recording struct {
	Title       string
	Subtitle    string
	Description string
	Genre       string
	ChanID      string
	ChannelName string
	// Basename é o nome do arquivo no Store.
	Basename  string
	Start     time.Time
	End       time.Time
	Marks     []Mark
	SeekIndex []SeekEntry
}

// Mark é uma marca de intervalo comercial (tipo 4 = início do comercial).
type Mark struct {
	Type  int
	Frame int64
}

// SeekEntry associa um frame indexado ao offset em bytes.
type SeekEntry struct {
	Mark   int64
	Offset int64
}

// Server é o backend simulado.
type Server struct {
	cfg     Config
	store   Store
	logger  *slog.Logger
	version *protocol.Version

	mu          sync.Mutex
	recordings  []Recording
	transfers   map[string]*transfer
	playback    map[*session]struct{}
	beforeReply [][]string
	commands    []string
	advertise   string

	nextID atomic.Int64

	// Métricas observáveis pelo stats reporter e pelos testes
	Handshakes  atomic.Int32
	ActiveConns atomic.Int32
	BytesSent   atomic.Int64
}

// New cria um backend simulado.
func New(cfg Config, store Store, logger *slog.Logger) *Server {
	if cfg.Registry == nil {
		cfg.Registry = protocol.DefaultRegistry()
	}
	if cfg.Version == 0 {
		cfg.Version = cfg.Registry.Latest().ID
	}
	if cfg.ExtraFields <= 0 {
		cfg.ExtraFields = 16
	}
	if logger == nil {
		logger = slog.Default()
	}

	v, ok := cfg.Registry.Lookup(cfg.Version)
	if !ok {
		// Versão fora do registro: o client não conseguirá negociar, mas o
		// layout ainda precisa existir para responder consultas.
		v = &protocol.Version{ID: cfg.Version, Layout: protocol.LayoutNewest, SizeOrder: protocol.SizeLowFirst, SeekForm: protocol.SeekInt64}
	}

	return &Server{
		cfg:       cfg,
		store:     store,
		logger:    logger.With("component", "backendsim", "version", cfg.Version),
		version:   v,
		transfers: make(map[string]*transfer),
		playback:  make(map[*session]struct{}),
	}
}

// ListenAndServe escuta em addr e bloqueia até o context ser cancelado.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.logger.Info("backend listening", "address", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve atende conexões de um listener já existente (para testes).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	s.advertise = ln.Addr().String()
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.logger.Info("shutting down backend")
		ln.Close()
		s.closeAll()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Error("accepting connection", "error", err)
				if ne, ok := err.(net.Error); ok && !ne.Timeout() {
					return err
				}
				continue
			}
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for sess := range s.playback {
		sess.conn.Close()
	}
	for _, t := range s.transfers {
		t.data.conn.Close()
	}
}

// AddRecording inclui uma gravação no catálogo sem notificar os clients.
func (s *Server) AddRecording(rec Recording) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recordings = append(s.recordings, rec)
}

// PublishAdd inclui a gravação e notifica os clients Playback.
func (s *Server) PublishAdd(rec Recording) {
	s.AddRecording(rec)
	s.Notify(fmt.Sprintf("RECORDING_LIST_CHANGE ADD %s %s", rec.ChanID, s.notifyTime(rec.Start)))
}

// PublishDelete remove a gravação e notifica os clients Playback.
func (s *Server) PublishDelete(chanID string, start time.Time) {
	s.mu.Lock()
	kept := s.recordings[:0]
	for _, rec := range s.recordings {
		if rec.ChanID == chanID && rec.Start.Equal(start) {
			continue
		}
		kept = append(kept, rec)
	}
	s.recordings = kept
	s.mu.Unlock()

	s.Notify(fmt.Sprintf("RECORDING_LIST_CHANGE DELETE %s %s", chanID, s.notifyTime(start)))
}

// notifyTime formata o início como nas notificações: ISO 8601 nas versões
// com layout mais novo, segundos unix nas anteriores.
func (s *Server) notifyTime(t time.Time) string {
	if s.version.Layout.Name == protocol.LayoutNewest.Name {
		return t.UTC().Format(time.RFC3339)
	}
	return strconv.FormatInt(t.Unix(), 10)
}

// Notify envia BACKEND_MESSAGE[]:[]name[]:[]args... a todos os clients Playback.
func (s *Server) Notify(name string, args ...string) {
	payload := notification(name, args)

	s.mu.Lock()
	targets := make([]*session, 0, len(s.playback))
	for sess := range s.playback {
		targets = append(targets, sess)
	}
	s.mu.Unlock()

	for _, sess := range targets {
		if err := sess.write(payload); err != nil {
			s.logger.Debug("dropping notification", "remote", sess.remote, "error", err)
		}
	}
}

// NotifyBeforeNextReply agenda uma notificação para ser enviada logo antes
// da próxima resposta a um client Playback, entre o comando e a resposta.
func (s *Server) NotifyBeforeNextReply(name string, args ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.beforeReply = append(s.beforeReply, notification(name, args))
}

func notification(name string, args []string) []string {
	if len(args) == 0 {
		args = []string{"empty"}
	}
	return append([]string{"BACKEND_MESSAGE", name}, args...)
}

// Commands retorna os comandos recebidos, em ordem.
func (s *Server) Commands() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.commands))
	copy(out, s.commands)
	return out
}

// CommandsWithPrefix retorna os comandos recebidos que começam com prefix.
func (s *Server) CommandsWithPrefix(prefix string) []string {
	var out []string
	for _, c := range s.Commands() {
		if strings.HasPrefix(c, prefix) {
			out = append(out, c)
		}
	}
	return out
}

// StartStatsReporter imprime métricas do backend a cada intervalo:
// conexões ativas, transfers abertos e throughput de saída.
func (s *Server) StartStatsReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var last int64
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sent := s.BytesSent.Load()
			delta := sent - last
			last = sent

			s.mu.Lock()
			transfers := len(s.transfers)
			s.mu.Unlock()

			s.logger.Info("backend stats",
				"conns", s.ActiveConns.Load(),
				"transfers", transfers,
				"sent_MBps", fmt.Sprintf("%.2f", float64(delta)/interval.Seconds()/(1024*1024)),
				"sent_total_MB", fmt.Sprintf("%.1f", float64(sent)/(1024*1024)),
			)
		}
	}
}
