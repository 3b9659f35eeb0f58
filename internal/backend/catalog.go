// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-myth/internal/protocol"
)

// Commander é o subconjunto de Conn usado pelas consultas.
type Commander interface {
	SendCommand(cmd string) (*protocol.Tokens, error)
	Version() *protocol.Version
}

// Recording é uma gravação extraída de uma linha do catálogo.
type Recording struct {
	Title       string
	Subtitle    string
	Description string
	Genre       string
	ChanID      string
	ChannelName string
	// BaseURL é o caminho (ou URL myth:// completa) da gravação no backend.
	BaseURL  string
	FileSize int64
	Start    time.Time
	End      time.Time
	// StartKey é o campo de início exatamente como enviado pelo backend,
	// usado como chave nas consultas de cut list.
	StartKey string
	Duration time.Duration
}

// DisplayName retorna "título: subtítulo".
func (r Recording) DisplayName() string {
	return r.Title + ": " + r.Subtitle
}

// Basename retorna o nome do arquivo da gravação, usado em QUERY_RECORDING BASENAME.
func (r Recording) Basename() string {
	p := r.BaseURL
	if u, err := url.Parse(p); err == nil && u.Scheme != "" {
		p = u.Path
	}
	if p == "" {
		return ""
	}
	return path.Base(p)
}

// URL retorna a URL myth:// completa da gravação. BaseURLs relativas são
// qualificadas com o host e a porta do backend.
func (r Recording) URL(backend Locator) string {
	if strings.HasPrefix(r.BaseURL, "myth://") {
		return r.BaseURL
	}
	return backend.WithPath(r.BaseURL).String()
}

// ArtworkURL retorna a URL da miniatura gerada pelo backend (<url>.png).
func (r Recording) ArtworkURL(backend Locator) string {
	return r.URL(backend) + ".png"
}

// Key identifica a gravação como nas notificações RECORDING_LIST_CHANGE.
func (r Recording) Key() RecordingKey {
	return RecordingKey{ChanID: r.ChanID, Start: r.Start.Unix()}
}

// RecordingKey é o par canal + início (segundos unix).
type RecordingKey struct {
	ChanID string
	Start  int64
}

func (k RecordingKey) String() string {
	return k.ChanID + "_" + strconv.FormatInt(k.Start, 10)
}

// RecordingTable é o resultado de QUERY_RECORDINGS.
type RecordingTable struct {
	Version   *protocol.Version
	GroupSize int
	Rows      []Recording
}

// QueryRecordings envia QUERY_RECORDINGS Play e interpreta a tabela.
func QueryRecordings(c Commander) (*RecordingTable, error) {
	reply, err := c.SendCommand("QUERY_RECORDINGS Play")
	if err != nil {
		return nil, fmt.Errorf("querying recordings: %w", err)
	}
	return ParseTable(c.Version(), reply)
}

// ParseTable interpreta uma resposta no formato N[]:[]grupo1...grupoN.
// O tamanho do grupo é (campos-1)/N e precisa ser exato.
func ParseTable(v *protocol.Version, reply *protocol.Tokens) (*RecordingTable, error) {
	rows, group, err := tableShape(reply)
	if err != nil {
		return nil, err
	}
	if rows == 0 {
		return nil, ErrNoRecordings
	}

	table := &RecordingTable{Version: v, GroupSize: group, Rows: make([]Recording, 0, rows)}
	for i := 0; i < rows; i++ {
		table.Rows = append(table.Rows, ParseRecording(v, reply, 1+i*group))
	}
	return table, nil
}

// tableShape retorna o número de linhas e o tamanho do grupo de uma tabela.
// rows=0 é válido (tabela vazia); contagem negativa ou divisão inexata é erro.
func tableShape(reply *protocol.Tokens) (rows, group int, err error) {
	rows, err = reply.Int(0)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: row count %q: %v", ErrProtocol, reply.First(), err)
	}
	if rows < 0 {
		return 0, 0, fmt.Errorf("%w: negative row count %d", ErrProtocol, rows)
	}
	if rows == 0 {
		return 0, 0, nil
	}

	fields := reply.Count() - 1
	if fields < rows || fields%rows != 0 {
		return 0, 0, fmt.Errorf("%w: %d fields do not divide into %d rows", ErrProtocol, fields, rows)
	}
	return rows, fields / rows, nil
}

// ParseRecording extrai uma gravação a partir do offset da linha, usando o
// layout da versão negociada. Campos ausentes ficam vazios e números
// inválidos viram zero.
func ParseRecording(v *protocol.Version, tok *protocol.Tokens, offset int) Recording {
	l := v.Layout
	rec := Recording{
		Title:       tok.Get(offset + l.Title),
		Subtitle:    tok.Get(offset + l.Subtitle),
		Description: tok.Get(offset + l.Description),
		Genre:       tok.Get(offset + l.Genre),
		ChanID:      tok.Get(offset + l.ChanID),
		ChannelName: tok.Get(offset + l.ChannelName),
		BaseURL:     tok.Get(offset + l.BaseURL),
		FileSize:    lenientInt(tok.Get(offset + l.FileSize)),
		StartKey:    tok.Get(offset + l.StartTime),
	}
	rec.Start = ParseTimestamp(rec.StartKey)
	rec.End = ParseTimestamp(tok.Get(offset + l.EndTime))
	rec.Duration = rec.End.Sub(rec.Start)
	return rec
}

// ParseTimestamp aceita segundos unix ou ISO 8601 (formato das notificações
// em backends mais novos). Valores inválidos resultam em time.Unix(0, 0).
func ParseTimestamp(s string) time.Time {
	s = strings.TrimSpace(s)
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.Unix(n, 0).UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Unix(0, 0).UTC()
}

// lenientInt lê o prefixo numérico do campo; o backend ocasionalmente
// envia campos vazios onde um número é esperado.
func lenientInt(s string) int64 {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] >= '0' && s[end] <= '9' || end == 0 && s[end] == '-') {
		end++
	}
	n, err := strconv.ParseInt(s[:end], 10, 64)
	if err != nil {
		return 0
	}
	return n
}

// FindByPath retorna a primeira gravação cujo BaseURL contém target.
// A comparação é por substring: caminhos que compartilham um fragmento
// podem colidir, e a primeira linha vence.
func FindByPath(table *RecordingTable, target string) (Recording, error) {
	if table != nil {
		for _, rec := range table.Rows {
			if strings.Contains(rec.BaseURL, target) {
				return rec, nil
			}
		}
	}
	return Recording{}, fmt.Errorf("%w: %s", ErrRecordingNotFound, target)
}

// QueryFileExists verifica se o backend consegue abrir o caminho.
// Retorna o caminho completo informado pelo backend, quando presente.
func QueryFileExists(c Commander, p string) (string, error) {
	cmd := protocol.JoinTokens("QUERY_FILE_EXISTS", p, "Default")
	reply, err := c.SendCommand(cmd)
	if err != nil {
		return "", fmt.Errorf("checking file: %w", err)
	}
	if strings.HasPrefix(reply.First(), "0") {
		return "", &ResponseError{Command: "QUERY_FILE_EXISTS", Reply: reply.Join(), Err: ErrRecordingNotFound}
	}
	return reply.Get(1), nil
}

// QueryByBasename consulta uma única gravação pelo nome do arquivo.
func QueryByBasename(c Commander, basename string) (Recording, error) {
	return querySingle(c, "QUERY_RECORDING BASENAME "+basename)
}

// QueryByTimeslot consulta uma única gravação por canal e início.
func QueryByTimeslot(c Commander, chanID, start string) (Recording, error) {
	return querySingle(c, "QUERY_RECORDING TIMESLOT "+chanID+" "+start)
}

func querySingle(c Commander, cmd string) (Recording, error) {
	reply, err := c.SendCommand(cmd)
	if err != nil {
		return Recording{}, fmt.Errorf("querying recording: %w", err)
	}
	if strings.HasPrefix(reply.First(), "ERROR") {
		return Recording{}, &ResponseError{Command: cmd, Reply: reply.Join(), Err: ErrRecordingNotFound}
	}
	if reply.Count() < 2 {
		return Recording{}, &ResponseError{Command: cmd, Reply: reply.Join(), Err: ErrProtocol}
	}
	return ParseRecording(c.Version(), reply, 1), nil
}

// ListRecordings abre uma conexão Playback, busca o catálogo e fecha a conexão.
// Um backend sem gravações resulta em tabela vazia.
func ListRecordings(ctx context.Context, opts Options, loc Locator) (*RecordingTable, error) {
	conn, err := Dial(ctx, opts, ModePlayback, loc)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	table, err := QueryRecordings(conn)
	if errors.Is(err, ErrNoRecordings) {
		return &RecordingTable{Version: conn.Version()}, nil
	}
	return table, err
}
