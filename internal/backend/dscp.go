// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"fmt"
	"net"
	"strings"
	"syscall"
)

// dscpValues mapeia nomes DSCP (RFC 2474/4594/8622) para o code point de 6 bits.
var dscpValues = map[string]int{
	"EF": 46,

	"AF11": 10, "AF12": 12, "AF13": 14,
	"AF21": 18, "AF22": 20, "AF23": 22,
	"AF31": 26, "AF32": 28, "AF33": 30,
	"AF41": 34, "AF42": 36, "AF43": 38,

	"CS0": 0, "CS1": 8, "CS2": 16, "CS3": 24,
	"CS4": 32, "CS5": 40, "CS6": 48, "CS7": 56,

	// Lower Effort: tráfego de arquivamento que cede a vez ao playback
	"LE": 1,
}

// DSCPAuto escolhe a marcação pelo modo da conexão (ver Mode.dscp).
const DSCPAuto = -1

// ParseDSCP converte um nome DSCP (ex: "CS1", "AF11") para o code point.
// Vazio ou "auto" retornam DSCPAuto; "none" desabilita a marcação.
func ParseDSCP(name string) (int, error) {
	name = strings.TrimSpace(strings.ToUpper(name))
	switch name {
	case "", "AUTO":
		return DSCPAuto, nil
	case "NONE":
		return 0, nil
	}
	val, ok := dscpValues[name]
	if !ok {
		return 0, fmt.Errorf("unknown DSCP value %q (valid: auto, none, EF, AF11..AF43, CS0..CS7, LE)", name)
	}
	return val, nil
}

// dscp retorna o code point do socket no modo m. O socket de controle
// (Playback) nunca é marcado: carrega comandos curtos e eventos. O socket
// de dados em auto recebe LE para ceder banda aos frontends que assistem
// ao vivo no mesmo backend.
func (m Mode) dscp(configured int) int {
	if m != ModeFileTransfer {
		return 0
	}
	if configured == DSCPAuto {
		return dscpValues["LE"]
	}
	return configured
}

// applyDSCP marca a conexão TCP: IP_TOS em IPv4, IPV6_TCLASS em IPv6.
func applyDSCP(conn net.Conn, dscp int) error {
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return fmt.Errorf("cannot apply DSCP: conn is %T, not *net.TCPConn", conn)
	}

	rawConn, err := tcpConn.SyscallConn()
	if err != nil {
		return fmt.Errorf("getting raw conn for DSCP: %w", err)
	}

	tos := dscp << 2
	level, opt, optName := syscall.IPPROTO_IP, syscall.IP_TOS, "IP_TOS"
	if addr, ok := tcpConn.RemoteAddr().(*net.TCPAddr); ok && addr.IP.To4() == nil {
		level, opt, optName = syscall.IPPROTO_IPV6, syscall.IPV6_TCLASS, "IPV6_TCLASS"
	}
	var sysErr error
	if err := rawConn.Control(func(fd uintptr) {
		sysErr = syscall.SetsockoptInt(int(fd), level, opt, tos)
	}); err != nil {
		return fmt.Errorf("control fd for DSCP: %w", err)
	}
	if sysErr != nil {
		return fmt.Errorf("setsockopt %s=%d: %w", optName, tos, sysErr)
	}
	return nil
}
