// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"io"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backendsim"
	"github.com/nishisan-dev/n-myth/internal/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testOptions() Options {
	return Options{Logger: testLogger(), ConnectTimeout: 2 * time.Second, IOTimeout: 5 * time.Second}
}

// startSim sobe um backend simulado em uma porta efêmera.
func startSim(t *testing.T, cfg backendsim.Config, store backendsim.Store) (*backendsim.Server, Locator) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	sim := backendsim.New(cfg, store, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		sim.Serve(ctx, ln)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	return sim, locatorFor(t, ln.Addr(), "")
}

func locatorFor(t *testing.T, addr net.Addr, p string) Locator {
	t.Helper()
	host, port, err := net.SplitHostPort(addr.String())
	if err != nil {
		t.Fatalf("split %s: %v", addr, err)
	}
	n, _ := strconv.Atoi(port)
	return Locator{Host: host, Port: n, Path: p}
}

// sampleRecording cria uma gravação de teste servida pelo simulador.
func sampleRecording(basename string, start time.Time) backendsim.Recording {
	return backendsim.Recording{
		Title:       "News",
		Subtitle:    "Evening Edition",
		Description: "Daily news",
		Genre:       "News",
		ChanID:      "1001",
		ChannelName: "NEWS1",
		Basename:    basename,
		Start:       start,
		End:         start.Add(30 * time.Minute),
	}
}

// scriptedBackend aceita conexões em ordem e entrega cada uma ao script
// correspondente. Permite controlar byte a byte o que o backend responde.
func scriptedBackend(t *testing.T, scripts ...func(net.Conn)) Locator {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for _, script := range scripts {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn, script func(net.Conn)) {
				defer c.Close()
				script(c)
			}(c, script)
		}
	}()

	return locatorFor(t, ln.Addr(), "rec.ts")
}

func readCommand(c net.Conn) (string, error) {
	payload, err := protocol.ReadFrame(c)
	if err != nil {
		return "", err
	}
	return string(payload), nil
}

func writeReply(c net.Conn, fields ...string) error {
	return protocol.WriteFrame(c, []byte(protocol.JoinTokens(fields...)))
}

// serveCommands responde handshake (ACCEPT version) e announce Playback, e
// delega os demais comandos a handler até o client desconectar.
func serveCommands(c net.Conn, version int, handler func(cmd string) []string) {
	for {
		cmd, err := readCommand(c)
		if err != nil {
			return
		}
		var reply []string
		switch {
		case strings.HasPrefix(cmd, "MYTH_PROTO_VERSION"):
			reply = []string{"ACCEPT", strconv.Itoa(version)}
		case strings.HasPrefix(cmd, "ANN Playback"):
			reply = []string{"OK"}
		default:
			reply = handler(cmd)
		}
		if err := writeReply(c, reply...); err != nil {
			return
		}
	}
}

// serveDataAnnounce responde handshake e ANN FileTransfer com os campos dados.
func serveDataAnnounce(c net.Conn, version int, annReply ...string) error {
	for i := 0; i < 2; i++ {
		cmd, err := readCommand(c)
		if err != nil {
			return err
		}
		if strings.HasPrefix(cmd, "MYTH_PROTO_VERSION") {
			err = writeReply(c, "ACCEPT", strconv.Itoa(version))
		} else {
			err = writeReply(c, annReply...)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// waitClosed bloqueia até o client fechar a conexão.
func waitClosed(c net.Conn) {
	io.Copy(io.Discard, c)
}
