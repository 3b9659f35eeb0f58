// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backendsim

import (
	"log/slog"
	"net"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nishisan-dev/n-myth/internal/protocol"
)

// session é uma conexão de client.
type session struct {
	conn     net.Conn
	remote   string
	logger   *slog.Logger
	wmu      sync.Mutex
	playback bool
	transfer *transfer
}

func (sess *session) write(fields []string) error {
	sess.wmu.Lock()
	defer sess.wmu.Unlock()
	return protocol.WriteFrame(sess.conn, []byte(protocol.JoinTokens(fields...)))
}

// transfer é um file transfer aberto. Os blocos concedidos são escritos na
// conexão de dados por uma goroutine própria, depois da resposta ao
// REQUEST_BLOCK, como um backend real que não espera o client ler.
type transfer struct {
	id    string
	name  string
	data  *session
	mu    sync.Mutex
	pos   int64
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

func (t *transfer) stop() {
	t.once.Do(func() { close(t.done) })
}

func (s *Server) runWriter(t *transfer) {
	for {
		select {
		case <-t.done:
			return
		case b := <-t.queue:
			if _, err := t.data.conn.Write(b); err != nil {
				t.data.logger.Debug("data connection write failed", "error", err)
				t.stop()
				return
			}
			s.BytesSent.Add(int64(len(b)))
		}
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	s.ActiveConns.Add(1)
	defer s.ActiveConns.Add(-1)
	defer conn.Close()

	sess := &session{
		conn:   conn,
		remote: conn.RemoteAddr().String(),
		logger: s.logger.With("remote", conn.RemoteAddr().String()),
	}
	defer s.release(sess)

	for {
		payload, err := protocol.ReadFrame(conn)
		if err != nil {
			sess.logger.Debug("client disconnected", "error", err)
			return
		}

		tok := protocol.ParseTokens(payload)
		s.mu.Lock()
		s.commands = append(s.commands, string(payload))
		s.mu.Unlock()

		reply, closeAfter := s.dispatch(sess, tok)
		if reply != nil {
			if err := s.reply(sess, reply); err != nil {
				sess.logger.Debug("writing reply", "error", err)
				return
			}
		}
		if closeAfter {
			return
		}
	}
}

func (s *Server) release(sess *session) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.playback, sess)
	if sess.transfer != nil {
		sess.transfer.stop()
		delete(s.transfers, sess.transfer.id)
	}
}

func (s *Server) reply(sess *session, fields []string) error {
	if sess.playback {
		s.mu.Lock()
		pending := s.beforeReply
		s.beforeReply = nil
		s.mu.Unlock()
		for _, n := range pending {
			if err := sess.write(n); err != nil {
				return err
			}
		}
	}
	return sess.write(fields)
}

// dispatch interpreta um comando e retorna a resposta. closeAfter indica que
// a conexão deve ser encerrada depois da resposta.
func (s *Server) dispatch(sess *session, tok *protocol.Tokens) (reply []string, closeAfter bool) {
	words := strings.Fields(tok.First())
	if len(words) == 0 {
		return []string{"ERROR", "empty command"}, false
	}

	switch words[0] {
	case "MYTH_PROTO_VERSION":
		return s.handshake(words)
	case "ANN":
		return s.announce(sess, words, tok), false
	case "DONE":
		return nil, true
	case "QUERY_FILE_EXISTS":
		return s.fileExists(tok.Get(1)), false
	case "QUERY_RECORDINGS":
		return s.recordingList(), false
	case "QUERY_RECORDING":
		return s.recordingQuery(words), false
	case "QUERY_COMMBREAK":
		return s.commbreak(words), false
	case "SQL_QUERY":
		return s.sqlQuery(tok.Get(1)), false
	case "QUERY_FILETRANSFER":
		return s.fileTransfer(words, tok), false
	default:
		sess.logger.Warn("unknown command", "command", words[0])
		return []string{"ERROR", "unknown command"}, false
	}
}

func (s *Server) handshake(words []string) ([]string, bool) {
	s.Handshakes.Add(1)

	id := -1
	if len(words) > 1 {
		id, _ = strconv.Atoi(words[1])
	}
	token := ""
	if len(words) > 2 {
		token = words[2]
	}

	if id != s.cfg.Version || (s.version.Token != "" && token != s.version.Token) {
		s.logger.Info("rejecting protocol version", "proposed", id)
		return []string{"REJECT", strconv.Itoa(s.cfg.Version)}, true
	}
	return []string{"ACCEPT", strconv.Itoa(s.cfg.Version)}, false
}

func (s *Server) announce(sess *session, words []string, tok *protocol.Tokens) []string {
	if s.cfg.RejectAnnounce || len(words) < 3 {
		return []string{"ERROR", "announce rejected"}
	}

	switch words[1] {
	case "Playback", "Monitor":
		sess.playback = true
		s.mu.Lock()
		s.playback[sess] = struct{}{}
		s.mu.Unlock()
		return []string{"OK"}

	case "FileTransfer":
		name := nameFromURL(tok.Get(1))
		size, err := s.store.Size(name)
		if err != nil {
			sess.logger.Warn("file transfer for unknown file", "file", name)
			return []string{"ERROR", "file not found"}
		}

		t := &transfer{
			id:    strconv.FormatInt(s.nextID.Add(1), 10),
			name:  name,
			data:  sess,
			queue: make(chan []byte, 64),
			done:  make(chan struct{}),
		}
		sess.transfer = t
		s.mu.Lock()
		s.transfers[t.id] = t
		s.mu.Unlock()
		go s.runWriter(t)

		sess.logger.Info("file transfer opened", "id", t.id, "file", name, "size", size)
		return append([]string{"OK", t.id}, s.sizeFields(size)...)
	}
	return []string{"ERROR", "unknown announce"}
}

// sizeFields codifica o tamanho conforme a ordem de palavras da versão.
func (s *Server) sizeFields(size int64) []string {
	hi := strconv.FormatInt(int64(int32(size>>32)), 10)
	lo := strconv.FormatInt(int64(int32(size)), 10)
	if s.version.SizeOrder == protocol.SizeHighFirst {
		return []string{hi, lo}
	}
	if s.cfg.SingleSizeField {
		return []string{strconv.FormatInt(size, 10)}
	}
	return []string{lo, hi}
}

func nameFromURL(raw string) string {
	if u, err := url.Parse(raw); err == nil && u.Path != "" {
		return path.Base(u.Path)
	}
	return path.Base(raw)
}

func (s *Server) fileExists(p string) []string {
	name := path.Base(p)
	if _, err := s.store.Size(name); err != nil {
		return []string{"0"}
	}
	return []string{"1", "/var/lib/mythtv/recordings/" + name}
}

func (s *Server) snapshot() []Recording {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Recording, len(s.recordings))
	copy(out, s.recordings)
	return out
}

func (s *Server) recordingList() []string {
	recs := s.snapshot()
	out := []string{strconv.Itoa(len(recs))}
	for _, rec := range recs {
		out = append(out, s.row(rec)...)
	}
	return out
}

func (s *Server) recordingQuery(words []string) []string {
	if len(words) < 3 {
		return []string{"ERROR", "missing arguments"}
	}
	for _, rec := range s.snapshot() {
		switch {
		case words[1] == "BASENAME" && rec.Basename == words[2]:
			return append([]string{"OK"}, s.row(rec)...)
		case words[1] == "TIMESLOT" && len(words) > 3 && rec.ChanID == words[2] && sameStart(rec.Start, words[3]):
			return append([]string{"OK"}, s.row(rec)...)
		}
	}
	return []string{"ERROR", "recording not found"}
}

func sameStart(t time.Time, key string) bool {
	if n, err := strconv.ParseInt(key, 10, 64); err == nil {
		return t.Unix() == n
	}
	if parsed, err := time.Parse(time.RFC3339, key); err == nil {
		return t.Equal(parsed)
	}
	return false
}

// row monta o grupo de campos de uma gravação conforme o layout da versão.
func (s *Server) row(rec Recording) []string {
	l := s.version.Layout
	fields := make([]string, l.EndTime+1+s.cfg.ExtraFields)
	for i := range fields {
		fields[i] = "0"
	}

	size, _ := s.store.Size(rec.Basename)
	baseURL := rec.Basename
	if s.cfg.FullURLs {
		s.mu.Lock()
		baseURL = "myth://" + s.advertise + "/" + rec.Basename
		s.mu.Unlock()
	}

	fields[l.Title] = rec.Title
	fields[l.Subtitle] = rec.Subtitle
	fields[l.Description] = rec.Description
	fields[l.Genre] = rec.Genre
	fields[l.ChanID] = rec.ChanID
	fields[l.ChannelName] = rec.ChannelName
	fields[l.BaseURL] = baseURL
	fields[l.FileSize] = strconv.FormatInt(size, 10)
	fields[l.StartTime] = strconv.FormatInt(rec.Start.Unix(), 10)
	fields[l.EndTime] = strconv.FormatInt(rec.End.Unix(), 10)
	return fields
}

func (s *Server) find(chanID, start string) (Recording, bool) {
	for _, rec := range s.snapshot() {
		if rec.ChanID == chanID && sameStart(rec.Start, start) {
			return rec, true
		}
	}
	return Recording{}, false
}

// commbreak responde com linhas de três campos: tipo, 0, frame.
func (s *Server) commbreak(words []string) []string {
	if len(words) < 3 {
		return []string{"-1"}
	}
	rec, ok := s.find(words[1], words[2])
	if !ok || len(rec.Marks) == 0 {
		return []string{"-1"}
	}
	out := []string{strconv.Itoa(len(rec.Marks))}
	for _, m := range rec.Marks {
		out = append(out, strconv.Itoa(m.Type), "0", strconv.FormatInt(m.Frame, 10))
	}
	return out
}

var seekQuery = regexp.MustCompile(`chanid=(\S+) AND UNIX_TIMESTAMP\(starttime\)=(\S+) AND mark <= (-?\d+)`)

// sqlQuery entende apenas a consulta ao índice de seek.
func (s *Server) sqlQuery(query string) []string {
	m := seekQuery.FindStringSubmatch(query)
	if m == nil {
		return []string{"0"}
	}
	rec, ok := s.find(m[1], m[2])
	if !ok {
		return []string{"0"}
	}
	frame, _ := strconv.ParseInt(m[3], 10, 64)

	best := int64(-1)
	var offset int64
	for _, e := range rec.SeekIndex {
		if e.Mark <= frame && e.Mark > best {
			best = e.Mark
			offset = e.Offset
		}
	}
	if best < 0 {
		return []string{"0"}
	}
	return []string{"1", strconv.FormatInt(offset, 10)}
}

func (s *Server) fileTransfer(words []string, tok *protocol.Tokens) []string {
	if len(words) < 2 {
		return []string{"-1"}
	}
	s.mu.Lock()
	t := s.transfers[words[1]]
	s.mu.Unlock()
	if t == nil {
		return []string{"-1"}
	}

	switch tok.Get(1) {
	case "REQUEST_BLOCK":
		n, _ := strconv.ParseInt(tok.Get(2), 10, 64)
		return []string{strconv.FormatInt(s.requestBlock(t, n), 10)}

	case "SEEK":
		return s.seek(t, tok)

	case "DONE":
		t.stop()
		return []string{"OK"}
	}
	return []string{"-1"}
}

func (s *Server) requestBlock(t *transfer, n int64) int64 {
	size, err := s.store.Size(t.name)
	if err != nil {
		return -1
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	grant := size - t.pos
	if n < grant {
		grant = n
	}
	if s.cfg.MaxGrant > 0 && s.cfg.MaxGrant < grant {
		grant = s.cfg.MaxGrant
	}
	if grant <= 0 {
		return 0
	}

	buf := make([]byte, grant)
	read, _ := s.store.ReadAt(t.name, buf, t.pos)
	if read <= 0 {
		return 0
	}
	t.pos += int64(read)

	select {
	case t.queue <- buf[:read]:
		return int64(read)
	case <-t.done:
		return -1
	}
}

func (s *Server) seek(t *transfer, tok *protocol.Tokens) []string {
	var pos int64
	if s.version.SeekForm == protocol.SeekSplit32 {
		hi, _ := strconv.ParseInt(tok.Get(2), 10, 64)
		lo, _ := strconv.ParseInt(tok.Get(3), 10, 64)
		pos = hi<<32 | int64(uint32(lo))
	} else {
		pos, _ = strconv.ParseInt(tok.Get(2), 10, 64)
	}

	size, _ := s.store.Size(t.name)
	if pos < 0 || pos > size {
		return []string{"-1", "-1"}
	}

	t.mu.Lock()
	t.pos = pos
	t.mu.Unlock()

	if s.version.SeekForm == protocol.SeekSplit32 {
		return []string{strconv.FormatInt(int64(int32(pos>>32)), 10), strconv.FormatInt(int64(int32(pos)), 10)}
	}
	return []string{strconv.FormatInt(pos, 10)}
}
