// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"errors"
	"fmt"
)

// Erros do client. Os erros de framing (ErrConnectionClosed, ErrMalformedLength)
// vêm do pacote protocol e são propagados via wrap.
var (
	ErrConnectionFailed   = errors.New("backend: connection failed")
	ErrVersionUnsupported = errors.New("backend: protocol version unsupported")
	ErrAnnounceRejected   = errors.New("backend: announce rejected")
	ErrProtocol           = errors.New("backend: unexpected response")
	ErrRecordingNotFound  = errors.New("backend: recording not found")
	ErrTimeout            = errors.New("backend: i/o timeout")
	ErrClosed             = errors.New("backend: use of closed session")
	ErrInvalidOffset      = errors.New("backend: invalid seek offset")
	ErrInvalidLocator     = errors.New("backend: invalid myth:// locator")
)

// ErrNoRecordings indica um catálogo vazio. Também satisfaz errors.Is(err, ErrProtocol),
// já que a contagem de linhas não permite dividir os campos.
var ErrNoRecordings = fmt.Errorf("%w: backend reported no recordings", ErrProtocol)

// ResponseError descreve uma resposta do backend que não é a esperada para o comando.
type ResponseError struct {
	Command string
	Reply   string
	Err     error
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("%v: %q replied %q", e.Err, e.Command, e.Reply)
}

func (e *ResponseError) Unwrap() error {
	return e.Err
}
