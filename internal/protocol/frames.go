// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package protocol implementa o protocolo de controle do MythTV backend:
// framing com prefixo de tamanho ASCII, tokenização por separador "[]:[]"
// e o registro de versões do protocolo.
package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strconv"
)

// HeaderSize é o tamanho fixo do campo de tamanho que precede cada frame.
// Formato: [Length ASCII decimal, alinhado à esquerda, completado com espaços 8B] [Payload]
const HeaderSize = 8

// MaxFramePayload é o maior payload representável em 8 dígitos decimais.
const MaxFramePayload = 99_999_999

// Erros do protocolo.
var (
	ErrConnectionClosed = errors.New("protocol: connection closed mid-frame")
	ErrMalformedLength  = errors.New("protocol: malformed frame length")
	ErrFrameTooLarge    = errors.New("protocol: frame payload exceeds 8-digit length field")
)

// EncodeFrame monta o frame completo (header + payload) para o comando.
func EncodeFrame(cmd []byte) ([]byte, error) {
	if len(cmd) > MaxFramePayload {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(cmd))
	}

	frame := make([]byte, HeaderSize, HeaderSize+len(cmd))
	n := copy(frame, strconv.Itoa(len(cmd)))
	for i := n; i < HeaderSize; i++ {
		frame[i] = ' '
	}
	return append(frame, cmd...), nil
}

// WriteFrame escreve o frame em uma única chamada de Write, evitando que
// header e payload sejam entregues em segmentos separados pelo kernel.
func WriteFrame(w io.Writer, cmd []byte) error {
	frame, err := EncodeFrame(cmd)
	if err != nil {
		return err
	}
	if _, err := w.Write(frame); err != nil {
		return fmt.Errorf("writing frame: %w", err)
	}
	return nil
}

// ReadFrame lê um frame completo e retorna apenas o payload.
// Leituras parciais são acumuladas (TCP não preserva fronteiras de mensagem).
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [HeaderSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, closedErr("reading frame header", err)
	}

	length, err := parseLength(header[:])
	if err != nil {
		return nil, err
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, closedErr("reading frame payload", err)
	}
	return payload, nil
}

// parseLength interpreta o header. O backend completa com espaços, mas alguns
// clients antigos enviam NUL; ambos são aceitos como padding.
func parseLength(header []byte) (int, error) {
	digits := bytes.TrimRight(header, " \x00")
	if len(digits) == 0 {
		return 0, fmt.Errorf("%w: empty header %q", ErrMalformedLength, header)
	}
	for _, c := range digits {
		if c < '0' || c > '9' {
			return 0, fmt.Errorf("%w: %q", ErrMalformedLength, header)
		}
	}
	n, err := strconv.Atoi(string(digits))
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrMalformedLength, err)
	}
	return n, nil
}

// closedErr converte EOF (total ou parcial) em ErrConnectionClosed.
// Outros erros de I/O (ex.: deadline) são preservados na cadeia.
func closedErr(op string, err error) error {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return fmt.Errorf("%s: %w", op, ErrConnectionClosed)
	}
	return fmt.Errorf("%s: %w: %w", op, ErrConnectionClosed, err)
}
