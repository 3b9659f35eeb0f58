// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/nishisan-dev/n-myth/internal/backendsim"
	"github.com/nishisan-dev/n-myth/internal/config"
)

func TestStream_RoundTrip(t *testing.T) {
	payload := backendsim.PatternData(1_000_000)

	for _, mode := range []string{config.CompressionNone, config.CompressionGzip, config.CompressionZstd} {
		t.Run(mode, func(t *testing.T) {
			var dest bytes.Buffer
			var seen int64
			res, err := Stream(context.Background(), bytes.NewReader(payload), &dest, mode, func(n int64) { seen += n })
			if err != nil {
				t.Fatalf("Stream: %v", err)
			}

			if res.RawBytes != int64(len(payload)) || seen != res.RawBytes {
				t.Errorf("raw bytes = %d, callback saw %d, want %d", res.RawBytes, seen, len(payload))
			}
			if res.StoredBytes != int64(dest.Len()) {
				t.Errorf("stored bytes = %d, dest has %d", res.StoredBytes, dest.Len())
			}
			sum := sha256.Sum256(dest.Bytes())
			if res.SHA256 != hex.EncodeToString(sum[:]) {
				t.Error("sha256 does not match stored content")
			}
			if mode != config.CompressionNone && res.StoredBytes >= res.RawBytes {
				t.Errorf("%s did not compress: %d >= %d", mode, res.StoredBytes, res.RawBytes)
			}
			if !bytes.Equal(decompress(t, dest.Bytes(), mode), payload) {
				t.Error("round trip mismatch")
			}
		})
	}
}

func TestStream_EmptySource(t *testing.T) {
	var dest bytes.Buffer
	res, err := Stream(context.Background(), strings.NewReader(""), &dest, config.CompressionNone, nil)
	if err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if res.RawBytes != 0 || res.StoredBytes != 0 {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestStream_UnknownMode(t *testing.T) {
	_, err := Stream(context.Background(), strings.NewReader("x"), io.Discard, "lz4", nil)
	if err == nil || !strings.Contains(err.Error(), "unknown compression") {
		t.Errorf("err = %v, want unknown compression", err)
	}
}

func TestStream_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := Stream(ctx, strings.NewReader("data"), io.Discard, config.CompressionZstd, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

type failingReader struct{ err error }

func (r failingReader) Read([]byte) (int, error) { return 0, r.err }

func TestStream_SourceError(t *testing.T) {
	boom := errors.New("socket closed")
	_, err := Stream(context.Background(), failingReader{boom}, io.Discard, config.CompressionGzip, nil)
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want wrapped source error", err)
	}
}
