// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/iotest"

	"github.com/nishisan-dev/n-myth/internal/backend"
)

func TestObjectKey(t *testing.T) {
	tests := []struct {
		name string
		rec  backend.Recording
		ext  string
		want string
	}{
		{"relative", backend.Recording{ChanID: "1001", BaseURL: "1001_20130101100000.ts"}, ".zst", "1001/1001_20130101100000.ts.zst"},
		{"full url", backend.Recording{ChanID: "1001", BaseURL: "myth://host:6543/1001_20130101100000.ts"}, "", "1001/1001_20130101100000.ts"},
		{"missing chanid", backend.Recording{BaseURL: "rec.ts"}, ".gz", "_/rec.ts.gz"},
		{"separator in chanid", backend.Recording{ChanID: "a/b", BaseURL: "rec.ts"}, "", "a_b/rec.ts"},
		{"dotdot chanid", backend.Recording{ChanID: "..", BaseURL: "rec.ts"}, "", "_/rec.ts"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ObjectKey(tt.rec, tt.ext); got != tt.want {
				t.Errorf("ObjectKey = %q, want %q", got, tt.want)
			}
		})
	}

	if got := MetadataKey("1001/rec.ts.gz"); got != "1001/rec.ts.gz.json" {
		t.Errorf("MetadataKey = %q", got)
	}
}

func TestLocalSink_PutAndExists(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "archive")
	sink, err := NewLocalSink(dir)
	if err != nil {
		t.Fatalf("NewLocalSink: %v", err)
	}
	ctx := context.Background()

	ok, err := sink.Exists(ctx, "1001/rec.ts")
	if err != nil || ok {
		t.Fatalf("Exists before Put = %v, %v", ok, err)
	}

	if err := sink.Put(ctx, "1001/rec.ts", strings.NewReader("payload")); err != nil {
		t.Fatalf("Put: %v", err)
	}
	ok, err = sink.Exists(ctx, "1001/rec.ts")
	if err != nil || !ok {
		t.Fatalf("Exists after Put = %v, %v", ok, err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "1001", "rec.ts"))
	if err != nil || string(got) != "payload" {
		t.Errorf("stored = %q, %v", got, err)
	}
	if !strings.HasPrefix(sink.Name(), "local:") {
		t.Errorf("Name = %q", sink.Name())
	}
}

func TestLocalSink_FailedPutLeavesNothing(t *testing.T) {
	dir := t.TempDir()
	sink, _ := NewLocalSink(dir)

	boom := errors.New("stream broken")
	r := io.MultiReader(strings.NewReader("partial"), iotest.ErrReader(boom))
	if err := sink.Put(context.Background(), "1001/rec.ts", r); !errors.Is(err, boom) {
		t.Fatalf("Put err = %v, want %v", err, boom)
	}

	entries, _ := os.ReadDir(filepath.Join(dir, "1001"))
	if len(entries) != 0 {
		t.Errorf("leftover files after failed put: %v", entries)
	}
}

func TestLocalSink_CancelledPut(t *testing.T) {
	dir := t.TempDir()
	sink, _ := NewLocalSink(dir)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sink.Put(ctx, "rec.ts", strings.NewReader("data")); !errors.Is(err, context.Canceled) {
		t.Fatalf("Put err = %v, want context.Canceled", err)
	}
	if fileExists(filepath.Join(dir, "rec.ts")) {
		t.Error("file committed despite cancellation")
	}
}
