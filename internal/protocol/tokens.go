// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Separator delimita os campos dentro do payload de um frame.
const Separator = "[]:[]"

var separator = []byte(Separator)

// Tokens é uma mensagem já dividida em campos.
// O payload é copiado para um buffer próprio e os campos são referenciados
// por uma tabela de spans calculada uma única vez; nada é alterado depois.
type Tokens struct {
	raw   []byte
	spans [][2]int
}

// ParseTokens divide o payload em campos. Um payload sem separadores
// resulta em exatamente um campo (o payload inteiro).
func ParseTokens(payload []byte) *Tokens {
	raw := make([]byte, len(payload))
	copy(raw, payload)

	spans := make([][2]int, 0, bytes.Count(raw, separator)+1)
	start := 0
	for {
		i := bytes.Index(raw[start:], separator)
		if i < 0 {
			break
		}
		spans = append(spans, [2]int{start, start + i})
		start += i + len(separator)
	}
	spans = append(spans, [2]int{start, len(raw)})

	return &Tokens{raw: raw, spans: spans}
}

// JoinTokens monta um payload a partir dos campos (inverso de ParseTokens).
func JoinTokens(fields ...string) string {
	return strings.Join(fields, Separator)
}

// Count retorna o número de campos.
func (t *Tokens) Count() int {
	return len(t.spans)
}

// Raw retorna o payload original.
func (t *Tokens) Raw() []byte {
	return t.raw
}

// Bytes retorna o campo i. ok=false se o índice estiver fora do intervalo.
func (t *Tokens) Bytes(i int) ([]byte, bool) {
	if i < 0 || i >= len(t.spans) {
		return nil, false
	}
	s := t.spans[i]
	return t.raw[s[0]:s[1]:s[1]], true
}

// Field retorna o campo i como string.
func (t *Tokens) Field(i int) (string, bool) {
	b, ok := t.Bytes(i)
	if !ok {
		return "", false
	}
	return string(b), true
}

// Get retorna o campo i ou "" quando ausente.
func (t *Tokens) Get(i int) string {
	s, _ := t.Field(i)
	return s
}

// Fields retorna todos os campos em ordem.
func (t *Tokens) Fields() []string {
	out := make([]string, len(t.spans))
	for i := range t.spans {
		out[i] = t.Get(i)
	}
	return out
}

// Int64 interpreta o campo i como inteiro decimal com sinal.
func (t *Tokens) Int64(i int) (int64, error) {
	s, ok := t.Field(i)
	if !ok {
		return 0, fmt.Errorf("field %d: out of range (%d fields)", i, t.Count())
	}
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("field %d: %w", i, err)
	}
	return n, nil
}

// Int interpreta o campo i como int.
func (t *Tokens) Int(i int) (int, error) {
	n, err := t.Int64(i)
	return int(n), err
}

// First retorna o primeiro campo (o "verbo" da resposta: OK, ACCEPT, BACKEND_MESSAGE...).
func (t *Tokens) First() string {
	return t.Get(0)
}

// Slice retorna uma visão dos campos [from, to) como um novo Tokens.
// Usado para extrair uma linha de uma tabela de resultados.
func (t *Tokens) Slice(from, to int) *Tokens {
	if from < 0 {
		from = 0
	}
	if to > len(t.spans) {
		to = len(t.spans)
	}
	if from >= to {
		return &Tokens{raw: t.raw, spans: nil}
	}
	return &Tokens{raw: t.raw, spans: t.spans[from:to:to]}
}

// Join retorna os campos separados por " ; ", formato usado nos logs.
func (t *Tokens) Join() string {
	return strings.Join(t.Fields(), " ; ")
}
