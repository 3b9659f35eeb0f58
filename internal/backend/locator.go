// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
)

// DefaultPort é a porta padrão do protocolo de controle do mythbackend.
const DefaultPort = 6543

// Locator identifica um backend e, opcionalmente, uma gravação nele.
// Formato: myth://host[:port]/path
type Locator struct {
	Host string
	Port int
	Path string // sem a barra inicial
}

// ParseLocator interpreta um locator myth://. O path pode ser vazio quando o
// locator aponta apenas para o backend (listagem do catálogo).
func ParseLocator(raw string) (Locator, error) {
	if !strings.HasPrefix(raw, "myth://") {
		// Aceita "host:port/path" sem esquema, como o input da linha de comando
		raw = "myth://" + strings.TrimLeft(raw, "/")
	}

	u, err := url.Parse(raw)
	if err != nil {
		return Locator{}, fmt.Errorf("%w: %v", ErrInvalidLocator, err)
	}
	if u.Scheme != "myth" {
		return Locator{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidLocator, u.Scheme)
	}

	host := u.Hostname()
	if host == "" {
		return Locator{}, fmt.Errorf("%w: missing host in %q", ErrInvalidLocator, raw)
	}

	port := DefaultPort
	if p := u.Port(); p != "" {
		port, err = strconv.Atoi(p)
		if err != nil || port <= 0 || port > 65535 {
			return Locator{}, fmt.Errorf("%w: bad port %q", ErrInvalidLocator, p)
		}
	}

	return Locator{
		Host: host,
		Port: port,
		Path: strings.TrimLeft(u.Path, "/"),
	}, nil
}

// Address retorna host:port para o dial TCP.
func (l Locator) Address() string {
	return net.JoinHostPort(l.Host, strconv.Itoa(l.Port))
}

// String retorna o locator completo (myth://host:port/path).
func (l Locator) String() string {
	return fmt.Sprintf("myth://%s/%s", l.Address(), l.Path)
}

// WithPath retorna uma cópia do locator apontando para outro arquivo no mesmo backend.
func (l Locator) WithPath(p string) Locator {
	l.Path = strings.TrimLeft(p, "/")
	return l
}
