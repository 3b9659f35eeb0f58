// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"context"
	"net"
	"testing"

	"github.com/nishisan-dev/n-myth/internal/backendsim"
)

func TestParseDSCP(t *testing.T) {
	tests := []struct {
		in      string
		want    int
		wantErr bool
	}{
		{"EF", 46, false},
		{"cs1", 8, false},
		{"  AF31  ", 26, false},
		{"LE", 1, false},
		{"", DSCPAuto, false},
		{"auto", DSCPAuto, false},
		{"None", 0, false},
		{"AF50", 0, true},
		{"best-effort", 0, true},
		{"42", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseDSCP(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDSCP(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseDSCP(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestMode_DSCP(t *testing.T) {
	tests := []struct {
		mode       Mode
		configured int
		want       int
	}{
		{ModeFileTransfer, DSCPAuto, 1},
		{ModeFileTransfer, 0, 0},
		{ModeFileTransfer, 8, 8},
		{ModePlayback, DSCPAuto, 0},
		{ModePlayback, 46, 0},
	}
	for _, tt := range tests {
		if got := tt.mode.dscp(tt.configured); got != tt.want {
			t.Errorf("%s.dscp(%d) = %d, want %d", tt.mode, tt.configured, got, tt.want)
		}
	}
}

func TestApplyDSCP_IPv6(t *testing.T) {
	ln, err := net.Listen("tcp6", "[::1]:0")
	if err != nil {
		t.Skipf("no IPv6 loopback: %v", err)
	}
	defer ln.Close()
	go func() {
		if c, err := ln.Accept(); err == nil {
			c.Close()
		}
	}()
	conn, err := net.Dial("tcp6", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	if err := applyDSCP(conn, 1); err != nil {
		t.Errorf("applyDSCP on IPv6: %v", err)
	}
}

func TestApplyDSCP_NonTCP(t *testing.T) {
	a, b := net.Pipe()
	defer a.Close()
	defer b.Close()
	if err := applyDSCP(a, 8); err == nil {
		t.Error("expected error for non-TCP conn")
	}
}

func TestDial_FileTransferWithDSCP(t *testing.T) {
	store := backendsim.NewMemStore()
	store.Put("rec.ts", backendsim.PatternData(1024))
	_, loc := startSim(t, backendsim.Config{Version: 77}, store)

	opts := testOptions()
	opts.DSCP = DSCPAuto
	conn, err := Dial(context.Background(), opts, ModeFileTransfer, loc.WithPath("rec.ts"))
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer conn.Close()
	if conn.Size() != 1024 {
		t.Errorf("Size = %d, want 1024", conn.Size())
	}
}
