// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/nishisan-dev/n-myth/internal/protocol"
)

// DefaultRequestChunk é o tamanho de cada REQUEST_BLOCK.
const DefaultRequestChunk = 131072

// DefaultSizeRefresh é o intervalo mínimo entre consultas de tamanho.
const DefaultSizeRefresh = time.Second

// TransferOptions configura uma sessão de file transfer.
type TransferOptions struct {
	Options

	// RequestChunk é o tamanho pedido em cada REQUEST_BLOCK. Um novo bloco é
	// pedido quando os bytes pendentes caem para RequestChunk/2 ou menos.
	RequestChunk int
	// SizeRefresh é o intervalo mínimo entre QUERY_RECORDING BASENAME.
	// Negativo desativa a atualização.
	SizeRefresh time.Duration
	// SeekInPlace envia o SEEK na sessão atual em vez de reabrir as duas
	// conexões antes do SEEK.
	SeekInPlace bool
	// SkipCutList desativa a resolução de cut list no Open.
	SkipCutList bool

	now func() time.Time
}

func (o TransferOptions) withDefaults() TransferOptions {
	o.Options = o.Options.withDefaults()
	if o.RequestChunk <= 0 {
		o.RequestChunk = DefaultRequestChunk
	}
	if o.SizeRefresh == 0 {
		o.SizeRefresh = DefaultSizeRefresh
	}
	if o.now == nil {
		o.now = time.Now
	}
	return o
}

// Transfer é uma sessão de leitura de uma gravação: uma conexão de comando
// (Playback) e uma conexão de dados (FileTransfer). Implementa io.ReadSeekCloser.
// Read e Seek não são seguros para uso concorrente; Close pode ser chamado
// de outra goroutine para desbloquear uma leitura.
type Transfer struct {
	opts   TransferOptions
	loc    Locator
	logger *slog.Logger

	cmd  *Conn
	data *Conn

	recording *Recording
	basename  string

	pos        int64
	size       int64
	pipelined  int64
	eofPending bool
	eof        bool
	closed     atomic.Bool

	lastRefresh time.Time

	seekPoints []SeekPoint
	chapter    int
}

// Open abre a sessão para a gravação apontada pelo locator.
func Open(ctx context.Context, opts TransferOptions, loc Locator) (*Transfer, error) {
	opts = opts.withDefaults()
	if loc.Path == "" {
		return nil, fmt.Errorf("%w: missing recording path", ErrInvalidLocator)
	}

	t := &Transfer{
		opts:   opts,
		loc:    loc,
		logger: opts.Logger.With("component", "transfer", "path", loc.Path),
	}

	if err := t.connect(ctx, true); err != nil {
		return nil, err
	}

	if t.recording != nil && !opts.SkipCutList {
		points, err := ResolveCutList(t.cmd, t.recording.ChanID, t.recording.StartKey)
		if err != nil {
			t.logger.Warn("cut list unavailable", "error", err)
		} else {
			t.seekPoints = points
		}
	}

	t.logger.Info("transfer opened",
		"version", t.cmd.Version().ID,
		"transfer_id", t.data.TransferID(),
		"size", t.size,
	)
	return t, nil
}

// connect abre a conexão de comando e a de dados. Com lookup=true também
// verifica o arquivo e busca os metadados no catálogo.
func (t *Transfer) connect(ctx context.Context, lookup bool) error {
	cmd, err := Dial(ctx, t.opts.Options, ModePlayback, t.loc)
	if err != nil {
		return fmt.Errorf("opening command connection: %w", err)
	}

	if lookup {
		if err := t.lookup(cmd); err != nil {
			cmd.Close()
			return err
		}
	}

	// A conexão de dados propõe a versão já negociada
	dataOpts := t.opts.Options
	dataOpts.Proposed = cmd.Version().ID
	data, err := Dial(ctx, dataOpts, ModeFileTransfer, t.loc)
	if err != nil {
		cmd.Close()
		return fmt.Errorf("opening data connection: %w", err)
	}

	t.cmd = cmd
	t.data = data
	t.size = data.Size()
	return nil
}

func (t *Transfer) lookup(cmd *Conn) error {
	if _, err := QueryFileExists(cmd, t.loc.Path); err != nil {
		return err
	}

	table, err := QueryRecordings(cmd)
	if err != nil {
		// Metadados são opcionais: só erros de I/O abortam a sessão
		if errors.Is(err, ErrProtocol) {
			t.logger.Warn("recording metadata unavailable", "error", err)
			return nil
		}
		return err
	}

	rec, err := FindByPath(table, t.loc.Path)
	if err != nil {
		t.logger.Warn("recording not in catalog", "error", err)
		return nil
	}

	t.recording = &rec
	t.basename = rec.Basename()
	t.logger.Debug("recording matched",
		"title", rec.Title,
		"subtitle", rec.Subtitle,
		"channel", rec.ChannelName,
		"basename", t.basename,
	)
	return nil
}

// RequestBlock pede n bytes ao backend e retorna o total concedido.
// Uma concessão não positiva marca o fim pendente; os bytes já pedidos
// continuam sendo entregues pelo Read.
func (t *Transfer) RequestBlock(n int) (int64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}

	cmd := protocol.JoinTokens("QUERY_FILETRANSFER "+t.data.TransferID(), "REQUEST_BLOCK", Itoa(int64(n)))
	reply, err := t.cmd.SendCommand(cmd)
	if err != nil {
		return 0, fmt.Errorf("requesting block: %w", err)
	}

	granted := lenientInt(reply.First())
	if granted <= 0 {
		t.logger.Debug("backend has no more data", "granted", granted, "pipelined", t.pipelined)
		t.eofPending = true
		return granted, nil
	}
	t.pipelined += granted
	return granted, nil
}

// Read implementa io.Reader. O fim do stream só é reportado quando o backend
// não concede mais blocos e todos os bytes já concedidos foram lidos.
func (t *Transfer) Read(p []byte) (int, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if t.eof {
		return 0, io.EOF
	}
	if len(p) == 0 {
		return 0, nil
	}

	if !t.eofPending && t.pipelined <= int64(t.opts.RequestChunk/2) {
		if _, err := t.RequestBlock(t.opts.RequestChunk); err != nil {
			return 0, err
		}
	}

	if t.eofPending && t.pipelined <= 0 {
		t.eof = true
		return 0, io.EOF
	}

	if err := t.maybeRefreshSize(); err != nil {
		return 0, err
	}

	n, err := t.data.ReadData(p)
	if n > 0 {
		t.pos += int64(n)
		t.pipelined -= int64(n)
		if len(t.seekPoints) > 0 {
			t.chapter = SeekPointAt(t.seekPoints, t.pos)
		}
	}

	if err != nil {
		if !errors.Is(err, io.EOF) {
			return n, fmt.Errorf("reading data: %w", err)
		}
		t.eof = true
		if n > 0 {
			return n, nil
		}
		if t.pipelined > 0 {
			return 0, fmt.Errorf("data connection closed with %d bytes pending: %w", t.pipelined, io.ErrUnexpectedEOF)
		}
		return 0, io.EOF
	}

	if t.eofPending && t.pipelined <= 0 {
		t.eof = true
		return n, io.EOF
	}
	return n, nil
}

func (t *Transfer) maybeRefreshSize() error {
	if t.basename == "" || t.opts.SizeRefresh < 0 {
		return nil
	}
	now := t.opts.now()
	if now.Sub(t.lastRefresh) <= t.opts.SizeRefresh {
		return nil
	}
	t.lastRefresh = now
	_, err := t.RefreshSize()
	return err
}

// RefreshSize consulta o tamanho atual da gravação (arquivos em gravação
// crescem durante a leitura). Uma resposta ERROR mantém o tamanho conhecido.
func (t *Transfer) RefreshSize() (int64, error) {
	if t.closed.Load() {
		return 0, ErrClosed
	}
	if t.basename == "" {
		return t.size, nil
	}

	rec, err := QueryByBasename(t.cmd, t.basename)
	if err != nil {
		if errors.Is(err, ErrRecordingNotFound) || errors.Is(err, ErrProtocol) {
			return t.size, nil
		}
		return 0, err
	}

	if rec.FileSize != t.size {
		t.logger.Debug("new file size", "size", rec.FileSize, "position", t.pos)
		t.size = rec.FileSize
	}
	return t.size, nil
}

// Seek implementa io.Seeker.
func (t *Transfer) Seek(offset int64, whence int) (int64, error) {
	var abs int64
	switch whence {
	case io.SeekStart:
		abs = offset
	case io.SeekCurrent:
		abs = t.pos + offset
	case io.SeekEnd:
		abs = t.size + offset
	default:
		return 0, fmt.Errorf("%w: whence %d", ErrInvalidOffset, whence)
	}
	if err := t.SeekContext(context.Background(), abs); err != nil {
		return 0, err
	}
	return abs, nil
}

// SeekContext posiciona a leitura no offset absoluto. Por padrão as duas
// conexões são reabertas antes do SEEK; com SeekInPlace os bytes pendentes
// são descartados e o SEEK vai na sessão atual.
func (t *Transfer) SeekContext(ctx context.Context, offset int64) error {
	if t.closed.Load() {
		return ErrClosed
	}
	if offset < 0 {
		return fmt.Errorf("%w: %d", ErrInvalidOffset, offset)
	}

	if t.opts.SeekInPlace {
		if err := t.discardPending(); err != nil {
			return err
		}
	} else {
		t.cmd.Close()
		t.data.Close()
		if err := t.connect(ctx, false); err != nil {
			t.closed.Store(true)
			return fmt.Errorf("reopening for seek: %w", err)
		}
	}

	if err := t.sendSeek(offset); err != nil {
		if !t.opts.SeekInPlace {
			// conexão nova está no offset 0, fora de sincronia com t.pos
			t.Close()
		}
		return err
	}

	t.pos = offset
	t.pipelined = 0
	t.eofPending = false
	t.eof = false
	t.lastRefresh = time.Time{}
	if len(t.seekPoints) > 0 {
		t.chapter = SeekPointAt(t.seekPoints, offset)
	}
	t.logger.Debug("seek", "offset", offset)
	return nil
}

func (t *Transfer) sendSeek(offset int64) error {
	v := t.cmd.Version()
	head := "QUERY_FILETRANSFER " + t.data.TransferID()

	var cmd string
	if v.SeekForm == protocol.SeekSplit32 {
		hi, lo := SplitInt64(offset)
		cmd = protocol.JoinTokens(head, "SEEK", Itoa(int64(hi)), Itoa(int64(lo)), "0", "0", "0")
	} else {
		cmd = protocol.JoinTokens(head, "SEEK", Itoa(offset), "0", "0")
	}

	reply, err := t.cmd.SendCommand(cmd)
	if err != nil {
		return fmt.Errorf("sending seek: %w", err)
	}

	pos := lenientInt(reply.First())
	if v.SeekForm == protocol.SeekSplit32 && reply.Count() >= 2 {
		pos = JoinInt64(pos, lenientInt(reply.Get(1)))
	}
	if pos < 0 {
		return &ResponseError{Command: "SEEK", Reply: reply.Join(), Err: ErrInvalidOffset}
	}
	return nil
}

// discardPending lê e descarta os bytes já concedidos que ainda estão no
// socket de dados, para que o próximo Read comece no offset do SEEK.
func (t *Transfer) discardPending() error {
	if t.pipelined <= 0 {
		return nil
	}
	buf := make([]byte, 32*1024)
	for t.pipelined > 0 {
		want := int64(len(buf))
		if t.pipelined < want {
			want = t.pipelined
		}
		n, err := t.data.ReadData(buf[:want])
		t.pipelined -= int64(n)
		if err != nil {
			return fmt.Errorf("draining data before seek: %w", err)
		}
	}
	return nil
}

// Close fecha as duas conexões. Idempotente.
func (t *Transfer) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	errCmd := t.cmd.Close()
	errData := t.data.Close()
	t.logger.Debug("transfer closed", "position", t.pos)
	return errors.Join(errCmd, errData)
}

// Size retorna o tamanho conhecido do arquivo.
func (t *Transfer) Size() int64 { return t.size }

// Position retorna o offset lógico da próxima leitura.
func (t *Transfer) Position() int64 { return t.pos }

// Pipelined retorna os bytes concedidos e ainda não lidos. Pode ficar
// negativo quando o backend entrega mais do que concedeu.
func (t *Transfer) Pipelined() int64 { return t.pipelined }

// EOF informa se o fim do stream já foi reportado.
func (t *Transfer) EOF() bool { return t.eof }

// EOFPending informa se o backend já sinalizou que não há mais blocos.
func (t *Transfer) EOFPending() bool { return t.eofPending }

// Recording retorna os metadados da gravação, ou nil se ela não foi
// encontrada no catálogo.
func (t *Transfer) Recording() *Recording { return t.recording }

// Version retorna a versão negociada.
func (t *Transfer) Version() *protocol.Version { return t.cmd.Version() }

// TransferID retorna o id da conexão de dados atual.
func (t *Transfer) TransferID() string { return t.data.TransferID() }

// SeekPoints retorna a cut list resolvida (vazia sem cut list).
func (t *Transfer) SeekPoints() []SeekPoint { return t.seekPoints }

// Chapter retorna o índice do seek point que contém a posição atual.
func (t *Transfer) Chapter() int { return t.chapter }

// Titles retorna os títulos navegáveis. Sem cut list, não há títulos.
func (t *Transfer) Titles() []Title {
	if len(t.seekPoints) == 0 {
		return nil
	}
	return []Title{CutListTitle(t.seekPoints)}
}
