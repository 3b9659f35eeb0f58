// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backend

import (
	"errors"
	"strings"
	"testing"

	"github.com/nishisan-dev/n-myth/internal/protocol"
)

// fakeCommander responde comandos sem rede.
type fakeCommander struct {
	version *protocol.Version
	reply   func(cmd string) (string, error)
	sent    []string
}

func (f *fakeCommander) SendCommand(cmd string) (*protocol.Tokens, error) {
	f.sent = append(f.sent, cmd)
	payload, err := f.reply(cmd)
	if err != nil {
		return nil, err
	}
	return protocol.ParseTokens([]byte(payload)), nil
}

func (f *fakeCommander) Version() *protocol.Version {
	if f.version == nil {
		return protocol.DefaultRegistry().Latest()
	}
	return f.version
}

func TestResolveCutList(t *testing.T) {
	fc := &fakeCommander{reply: func(cmd string) (string, error) {
		switch {
		case strings.HasPrefix(cmd, "QUERY_COMMBREAK"):
			return "3[]:[]4[]:[]0[]:[]100[]:[]5[]:[]0[]:[]250[]:[]4[]:[]0[]:[]900", nil
		case strings.Contains(cmd, "mark <= 100 "):
			return "1[]:[]1024", nil
		case strings.Contains(cmd, "mark <= 250 "):
			return "0", nil
		case strings.Contains(cmd, "mark <= 900 "):
			return "1[]:[]65536", nil
		}
		return "ERROR", nil
	}}

	points, err := ResolveCutList(fc, "1001", "1357034400")
	if err != nil {
		t.Fatalf("ResolveCutList: %v", err)
	}

	want := []SeekPoint{
		{0, SeekPointStart},
		{1024, SeekPointCommercial},
		{0, SeekPointShow},
		{65536, SeekPointCommercial},
	}
	if len(points) != len(want) {
		t.Fatalf("got %+v", points)
	}
	for i := range want {
		if points[i] != want[i] {
			t.Errorf("point %d = %+v, want %+v", i, points[i], want[i])
		}
	}

	if fc.sent[0] != "QUERY_COMMBREAK 1001 1357034400" {
		t.Errorf("commbreak command = %q", fc.sent[0])
	}
	wantSQL := "SQL_QUERY[]:[]SELECT offset FROM recordedseek WHERE chanid=1001 AND UNIX_TIMESTAMP(starttime)=1357034400 AND mark <= 100 ORDER BY mark DESC LIMIT 1"
	if fc.sent[1] != wantSQL {
		t.Errorf("sql = %q", fc.sent[1])
	}
}

func TestResolveCutList_NoBreaks(t *testing.T) {
	for _, reply := range []string{"0", "-1"} {
		fc := &fakeCommander{reply: func(string) (string, error) { return reply, nil }}
		points, err := ResolveCutList(fc, "1001", "1")
		if err != nil {
			t.Fatalf("ResolveCutList(%q): %v", reply, err)
		}
		if len(points) != 1 || points[0] != (SeekPoint{0, SeekPointStart}) {
			t.Errorf("reply %q: got %+v", reply, points)
		}
		if len(fc.sent) != 1 {
			t.Errorf("reply %q: no SQL lookups expected, sent %q", reply, fc.sent)
		}
	}
}

func TestResolveCutList_Errors(t *testing.T) {
	boom := errors.New("boom")
	fc := &fakeCommander{reply: func(cmd string) (string, error) {
		if strings.HasPrefix(cmd, "SQL_QUERY") {
			return "", boom
		}
		return "1[]:[]4[]:[]0[]:[]10", nil
	}}
	if _, err := ResolveCutList(fc, "1", "1"); !errors.Is(err, boom) {
		t.Errorf("expected SQL error to propagate, got %v", err)
	}

	uneven := &fakeCommander{reply: func(string) (string, error) { return "2[]:[]4[]:[]0[]:[]10", nil }}
	if _, err := ResolveCutList(uneven, "1", "1"); !errors.Is(err, ErrProtocol) {
		t.Errorf("expected ErrProtocol, got %v", err)
	}
}

func TestSeekPointAt(t *testing.T) {
	points := []SeekPoint{{0, "Start"}, {1000, "Commercial"}, {5000, "Show"}}

	tests := []struct {
		pos  int64
		want int
	}{
		{0, 0},
		{999, 0},
		{1000, 1},
		{4999, 1},
		{5000, 2},
		{1 << 40, 2},
		{-5, 0},
	}
	for _, tt := range tests {
		if got := SeekPointAt(points, tt.pos); got != tt.want {
			t.Errorf("SeekPointAt(%d) = %d, want %d", tt.pos, got, tt.want)
		}
	}

	if got := SeekPointAt(nil, 10); got != 0 {
		t.Errorf("empty list = %d", got)
	}
}
