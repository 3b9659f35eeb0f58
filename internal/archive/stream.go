// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"runtime"

	"github.com/klauspost/compress/zstd"
	"github.com/klauspost/pgzip"

	"github.com/nishisan-dev/n-myth/internal/config"
)

// copyBufferSize casa com o REQUEST_BLOCK padrão do file transfer.
const copyBufferSize = 128 * 1024

// StreamResult contém o resultado de uma cópia de gravação.
type StreamResult struct {
	// RawBytes é o total lido da gravação.
	RawBytes int64
	// StoredBytes é o total escrito no destino, após a compressão.
	StoredBytes int64
	// SHA256 é o hash hex do conteúdo armazenado.
	SHA256 string
}

// countWriter conta os bytes armazenados.
type countWriter struct {
	w io.Writer
	n int64
}

func (cw *countWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.n += int64(n)
	return n, err
}

// rawCounter conta os bytes lidos da origem.
type rawCounter struct {
	r       io.Reader
	n       int64
	onBytes func(int64)
}

func (rc *rawCounter) Read(p []byte) (int, error) {
	n, err := rc.r.Read(p)
	rc.n += int64(n)
	if n > 0 && rc.onBytes != nil {
		rc.onBytes(int64(n))
	}
	return n, err
}

// nopWriteCloser é o "compressor" do modo none.
type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// Stream copia src para dest passando pelo compressor de mode.
//
//	src → compressor(none|gzip|zstd) → sha256 + contador → bufio → dest
//
// onBytes, se não for nil, recebe os bytes lidos de src.
func Stream(ctx context.Context, src io.Reader, dest io.Writer, mode string, onBytes func(int64)) (*StreamResult, error) {
	bufDest := bufio.NewWriterSize(dest, 256*1024)
	hasher := sha256.New()
	counter := &countWriter{w: io.MultiWriter(bufDest, hasher)}

	compressor, err := newCompressor(counter, mode)
	if err != nil {
		return nil, err
	}

	raw := &rawCounter{r: src, onBytes: onBytes}
	buf := make([]byte, copyBufferSize)
	for {
		if err := ctx.Err(); err != nil {
			compressor.Close()
			return nil, err
		}
		n, rerr := raw.Read(buf)
		if n > 0 {
			if _, werr := compressor.Write(buf[:n]); werr != nil {
				compressor.Close()
				return nil, fmt.Errorf("writing archive stream: %w", werr)
			}
		}
		if rerr == io.EOF {
			break
		}
		if rerr != nil {
			compressor.Close()
			return nil, fmt.Errorf("reading recording: %w", rerr)
		}
	}

	if err := compressor.Close(); err != nil {
		return nil, fmt.Errorf("closing compressor: %w", err)
	}
	if err := bufDest.Flush(); err != nil {
		return nil, fmt.Errorf("flushing buffer: %w", err)
	}

	return &StreamResult{
		RawBytes:    raw.n,
		StoredBytes: counter.n,
		SHA256:      hex.EncodeToString(hasher.Sum(nil)),
	}, nil
}

// newCompressor cria um io.WriteCloser para compressão com base no mode.
func newCompressor(w io.Writer, mode string) (io.WriteCloser, error) {
	switch mode {
	case config.CompressionZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case config.CompressionGzip:
		gzWriter, err := pgzip.NewWriterLevel(w, pgzip.BestSpeed)
		if err != nil {
			return nil, fmt.Errorf("creating gzip writer: %w", err)
		}
		if err := gzWriter.SetConcurrency(1<<20, runtime.GOMAXPROCS(0)); err != nil {
			return nil, fmt.Errorf("configuring gzip concurrency: %w", err)
		}
		return gzWriter, nil
	case config.CompressionNone, "":
		return nopWriteCloser{w}, nil
	default:
		return nil, fmt.Errorf("unknown compression mode %q", mode)
	}
}
