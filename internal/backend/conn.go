// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package backend implementa o client do protocolo do mythbackend: conexão com
// negociação de versão, catálogo de gravações, sessão de file transfer e cut list.
package backend

import (
	"context"
	"errors"
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

// Connection state constants.
const (
	StateDisconnected = "disconnected"
	StateHandshaking  = "handshaking"
	StateAnnouncing   = "announcing"
	StateReady        = "ready"
	StateClosed       = "closed"
	StateFailed       = "failed"
)

// Mode é o modo anunciado após o handshake.
type Mode int

const (
	ModePlayback Mode = iota
	ModeFileTransfer
)

func (m Mode) String() string {
	if m == ModeFileTransfer {
		return "FileTransfer"
	}
	return "Playback"
}

// MessageBackend é o primeiro campo das notificações assíncronas.
const MessageBackend = "BACKEND_MESSAGE"

// DefaultClientTag é o prefixo do identificador anunciado ao backend.
const DefaultClientTag = "NMYTH"

// Event é uma notificação BACKEND_MESSAGE recebida no canal de comando.
// Formato: BACKEND_MESSAGE[]:[]<name>[]:[]<arg>...
type Event struct {
	Name string
	Args []string
}

// Options configura o dial de uma conexão com o backend.
type Options struct {
	Registry *protocol.Registry
	// Proposed é a versão proposta no primeiro handshake. 0 = a mais recente do registro.
	Proposed int
	// ClientTag é o prefixo do identificador (<ClientTag>_<ip local>).
	ClientTag      string
	ConnectTimeout time.Duration
	// IOTimeout limita cada write/read. 0 = sem limite (o protocolo não define timeout).
	IOTimeout time.Duration
	Logger    *slog.Logger
	// DSCP marca o socket de dados (ModeFileTransfer). 0 = sem marcação,
	// DSCPAuto = LE.
	DSCP int
	// OnEvent recebe as notificações drenadas pelo SendCommand. Opcional.
	OnEvent func(Event)
}

func (o Options) withDefaults() Options {
	if o.Registry == nil {
		o.Registry = protocol.DefaultRegistry()
	}
	if o.ClientTag == "" {
		o.ClientTag = DefaultClientTag
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

// Conn é uma conexão com o backend já negociada e anunciada.
// Um Conn atende um único comando por vez (o protocolo não suporta
// comandos concorrentes na mesma conexão).
type Conn struct {
	opts   Options
	logger *slog.Logger
	conn   net.Conn

	// mu serializa round-trips de comando
	mu sync.Mutex

	state     atomic.Value // string
	closeOnce sync.Once

	version  *protocol.Version
	mode     Mode
	localIP  string
	remoteIP string

	onEvent atomic.Pointer[func(Event)]

	// Preenchidos apenas em ModeFileTransfer
	transferID string
	size       int64
}

// Dial conecta ao backend, negocia a versão (com no máximo uma renegociação)
// e anuncia o modo. Em qualquer falha o socket aberto é fechado e nenhuma
// conexão parcial é retornada.
func Dial(ctx context.Context, opts Options, mode Mode, loc Locator) (*Conn, error) {
	opts = opts.withDefaults()

	proposed := opts.Registry.Latest()
	if opts.Proposed != 0 {
		v, ok := opts.Registry.Lookup(opts.Proposed)
		if !ok {
			return nil, fmt.Errorf("%w: proposed version %d is not registered", ErrVersionUnsupported, opts.Proposed)
		}
		proposed = v
	}
	if proposed == nil {
		return nil, fmt.Errorf("%w: empty registry", ErrVersionUnsupported)
	}

	for attempt := 0; attempt < 2; attempt++ {
		c, err := dialTCP(ctx, opts, mode, loc)
		if err != nil {
			return nil, err
		}

		accepted, serverID, err := c.handshake(proposed)
		if err != nil {
			c.fail()
			return nil, err
		}

		if !accepted {
			// O backend fecha a conexão após um REJECT; a nova tentativa usa um socket novo.
			c.fail()

			next, ok := opts.Registry.Negotiable(serverID)
			if !ok {
				return nil, fmt.Errorf("%w: backend speaks %d, proposed %d", ErrVersionUnsupported, serverID, proposed.ID)
			}
			if attempt == 1 {
				return nil, fmt.Errorf("%w: backend rejected renegotiated version %d (reports %d)", ErrVersionUnsupported, proposed.ID, serverID)
			}
			c.logger.Info("backend rejected protocol version, renegotiating",
				"proposed", proposed.ID, "server", serverID)
			proposed = next
			continue
		}

		if err := c.announce(loc); err != nil {
			c.fail()
			return nil, err
		}

		c.state.Store(StateReady)
		return c, nil
	}

	// Inalcançável: o loop retorna em todas as saídas.
	return nil, fmt.Errorf("%w: negotiation exhausted", ErrVersionUnsupported)
}

func dialTCP(ctx context.Context, opts Options, mode Mode, loc Locator) (*Conn, error) {
	logger := opts.Logger.With("component", "backend_conn", "backend", loc.Address(), "mode", mode.String())
	logger.Debug("connecting to backend")

	dialer := &net.Dialer{Timeout: opts.ConnectTimeout}
	nc, err := dialer.DialContext(ctx, "tcp", loc.Address())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrConnectionFailed, loc.Address(), err)
	}

	c := &Conn{
		opts:     opts,
		logger:   logger,
		conn:     nc,
		mode:     mode,
		localIP:  addrIP(nc.LocalAddr()),
		remoteIP: addrIP(nc.RemoteAddr()),
	}
	c.state.Store(StateDisconnected)
	if code := mode.dscp(opts.DSCP); code != 0 {
		if err := applyDSCP(nc, code); err != nil {
			logger.Warn("could not mark data socket", "dscp", code, "error", err)
		}
	}
	if opts.OnEvent != nil {
		fn := opts.OnEvent
		c.onEvent.Store(&fn)
	}
	return c, nil
}

func addrIP(a net.Addr) string {
	if tcp, ok := a.(*net.TCPAddr); ok {
		return tcp.IP.String()
	}
	host, _, err := net.SplitHostPort(a.String())
	if err != nil {
		return a.String()
	}
	return host
}

// handshake envia MYTH_PROTO_VERSION e interpreta ACCEPT/REJECT.
// Retorna accepted=false e o id do servidor em caso de REJECT.
func (c *Conn) handshake(v *protocol.Version) (accepted bool, serverID int, err error) {
	c.state.Store(StateHandshaking)

	cmd := fmt.Sprintf("MYTH_PROTO_VERSION %d", v.ID)
	if v.Token != "" {
		cmd += " " + v.Token
	}

	reply, err := c.roundTrip(cmd)
	if err != nil {
		return false, 0, fmt.Errorf("introducing ourselves: %w", err)
	}

	switch reply.First() {
	case "ACCEPT":
		c.version = v
		if confirmed, err := reply.Int(1); err == nil && confirmed != v.ID {
			if cv, ok := c.opts.Registry.Lookup(confirmed); ok {
				c.version = cv
			}
		}
		c.logger.Info("backend accepted protocol version", "version", c.version.ID, "release", c.version.Release)
		return true, c.version.ID, nil

	case "REJECT":
		id, err := reply.Int(1)
		if err != nil {
			return false, 0, &ResponseError{Command: "MYTH_PROTO_VERSION", Reply: reply.Join(), Err: ErrVersionUnsupported}
		}
		c.logger.Warn("backend protocol mismatch", "server", id, "proposed", v.ID)
		return false, id, nil

	default:
		return false, 0, &ResponseError{Command: "MYTH_PROTO_VERSION", Reply: reply.Join(), Err: ErrProtocol}
	}
}

// ClientID retorna o identificador anunciado (<tag>_<ip local>).
func (c *Conn) ClientID() string {
	return c.opts.ClientTag + "_" + c.localIP
}

func (c *Conn) announce(loc Locator) error {
	c.state.Store(StateAnnouncing)

	if c.mode == ModePlayback {
		cmd := fmt.Sprintf("ANN Playback %s 1", c.ClientID())
		reply, err := c.roundTrip(cmd)
		if err != nil {
			return fmt.Errorf("sending announce: %w", err)
		}
		if reply.First() != "OK" {
			return &ResponseError{Command: "ANN Playback", Reply: reply.Join(), Err: ErrAnnounceRejected}
		}
		return nil
	}

	if loc.Path == "" {
		return fmt.Errorf("%w: file transfer requires a path", ErrInvalidLocator)
	}

	head := "ANN FileTransfer " + c.ClientID()
	if c.version.TransferArgs != "" {
		head += " " + c.version.TransferArgs
	}
	cmd := protocol.JoinTokens(head, loc.String(), "Default")

	reply, err := c.roundTrip(cmd)
	if err != nil {
		return fmt.Errorf("sending file transfer announce: %w", err)
	}
	if reply.First() != "OK" {
		return &ResponseError{Command: "ANN FileTransfer", Reply: reply.Join(), Err: ErrAnnounceRejected}
	}

	id, ok := reply.Field(1)
	if !ok || id == "" {
		return &ResponseError{Command: "ANN FileTransfer", Reply: reply.Join(), Err: ErrProtocol}
	}
	size, err := DecodeTransferSize(c.version, reply)
	if err != nil {
		return &ResponseError{Command: "ANN FileTransfer", Reply: reply.Join(), Err: fmt.Errorf("%w: %v", ErrProtocol, err)}
	}

	c.transferID = id
	c.size = size
	c.logger.Info("stream starting", "transfer_id", id, "size", size)
	return nil
}

// DecodeTransferSize extrai o tamanho do arquivo da resposta do ANN FileTransfer.
// A versão mais antiga envia high, low; as mais novas enviam low, high, ou um
// único campo de 64 bits quando a resposta tem apenas três campos.
func DecodeTransferSize(v *protocol.Version, reply *protocol.Tokens) (int64, error) {
	var hiIdx, loIdx int
	switch {
	case v.SizeOrder == protocol.SizeHighFirst:
		hiIdx, loIdx = 2, 3
	case reply.Count() >= 4:
		hiIdx, loIdx = 3, 2
	default:
		return reply.Int64(2)
	}

	hi, err := reply.Int64(hiIdx)
	if err != nil {
		return 0, fmt.Errorf("size high word: %w", err)
	}
	lo, err := reply.Int64(loIdx)
	if err != nil {
		return 0, fmt.Errorf("size low word: %w", err)
	}
	return JoinInt64(hi, lo), nil
}

// JoinInt64 combina as duas metades de 32 bits: (high << 32) | uint32(low).
func JoinInt64(hi, lo int64) int64 {
	return hi<<32 | int64(uint32(lo))
}

// SplitInt64 divide um offset nas metades de 32 bits (com sinal), como o
// backend espera no SEEK da versão mais antiga.
func SplitInt64(v int64) (hi, lo int32) {
	return int32(v >> 32), int32(v)
}

// SendCommand envia um comando e retorna a primeira resposta que não seja uma
// notificação BACKEND_MESSAGE. Notificações intercaladas são registradas e
// entregues ao handler de eventos. Sem IOTimeout, um backend travado bloqueia
// o chamador; fechar a conexão desbloqueia.
func (c *Conn) SendCommand(cmd string) (*protocol.Tokens, error) {
	reply, err := c.roundTrip(cmd)
	if err != nil {
		c.fail()
		return nil, err
	}
	return reply, nil
}

func (c *Conn) roundTrip(cmd string) (*protocol.Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.logger.Debug("backend command", "cmd", cmd)

	c.setDeadline(true)
	if err := protocol.WriteFrame(c.conn, []byte(cmd)); err != nil {
		return nil, c.ioErr(fmt.Errorf("sending %q: %w", commandVerb(cmd), err))
	}

	for {
		reply, err := c.readTokens()
		if err != nil {
			return nil, err
		}
		if reply.First() == MessageBackend {
			c.dispatch(reply)
			continue
		}
		return reply, nil
	}
}

func (c *Conn) readTokens() (*protocol.Tokens, error) {
	c.setDeadline(false)
	payload, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, c.ioErr(err)
	}
	return protocol.ParseTokens(payload), nil
}

// ReadMessage lê o próximo frame recebido sem enviar comando.
// Usado pelo watcher, que fica bloqueado esperando notificações.
// Não aplica IOTimeout: a espera por eventos é indefinida.
func (c *Conn) ReadMessage() (*protocol.Tokens, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.conn.SetReadDeadline(time.Time{})
	payload, err := protocol.ReadFrame(c.conn)
	if err != nil {
		c.fail()
		return nil, c.ioErr(err)
	}
	return protocol.ParseTokens(payload), nil
}

// ParseEvent converte um frame BACKEND_MESSAGE em Event.
func ParseEvent(tok *protocol.Tokens) (Event, bool) {
	if tok.First() != MessageBackend {
		return Event{}, false
	}
	fields := tok.Fields()
	ev := Event{}
	if len(fields) > 1 {
		ev.Name = fields[1]
	}
	if len(fields) > 2 {
		ev.Args = fields[2:]
	}
	return ev, true
}

func (c *Conn) dispatch(tok *protocol.Tokens) {
	ev, _ := ParseEvent(tok)
	c.logger.Info("backend message", "event", ev.Name, "args", strings.Join(ev.Args, " ; "))
	if fn := c.onEvent.Load(); fn != nil {
		(*fn)(ev)
	}
}

// ReadData lê bytes crus do socket (conexão de dados em ModeFileTransfer).
func (c *Conn) ReadData(p []byte) (int, error) {
	if c.opts.IOTimeout > 0 {
		c.conn.SetReadDeadline(time.Now().Add(c.opts.IOTimeout))
	}
	n, err := c.conn.Read(p)
	if err != nil {
		return n, c.ioErr(err)
	}
	return n, nil
}

func (c *Conn) setDeadline(write bool) {
	if c.opts.IOTimeout <= 0 {
		return
	}
	deadline := time.Now().Add(c.opts.IOTimeout)
	if write {
		c.conn.SetWriteDeadline(deadline)
		return
	}
	c.conn.SetReadDeadline(deadline)
}

// ioErr acrescenta ErrTimeout quando o erro vem de um deadline expirado.
func (c *Conn) ioErr(err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	}
	return err
}

func commandVerb(cmd string) string {
	if i := strings.IndexAny(cmd, " ["); i > 0 {
		return cmd[:i]
	}
	return cmd
}

// Version retorna a versão negociada.
func (c *Conn) Version() *protocol.Version {
	return c.version
}

// Mode retorna o modo anunciado.
func (c *Conn) Mode() Mode {
	return c.mode
}

// LocalIP retorna o IP local numérico usado no client tag.
func (c *Conn) LocalIP() string {
	return c.localIP
}

// RemoteIP retorna o IP numérico do backend.
func (c *Conn) RemoteIP() string {
	return c.remoteIP
}

// TransferID retorna o id emitido pelo backend no ANN FileTransfer.
func (c *Conn) TransferID() string {
	return c.transferID
}

// Size retorna o tamanho informado no ANN FileTransfer.
func (c *Conn) Size() int64 {
	return c.size
}

// State retorna o estado atual da conexão.
func (c *Conn) State() string {
	return c.state.Load().(string)
}

// fail marca a conexão como falha e fecha o socket.
func (c *Conn) fail() {
	c.closeOnce.Do(func() {
		c.state.Store(StateFailed)
		c.conn.Close()
	})
}

// Close fecha o socket. Idempotente; pode ser chamado de outra goroutine
// para desbloquear um read pendente.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.state.Store(StateClosed)
		err = c.conn.Close()
	})
	return err
}

// Itoa formata inteiros no padrão do protocolo (decimal sem padding).
func Itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}
