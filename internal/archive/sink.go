// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/renameio/v2"

	"github.com/nishisan-dev/n-myth/internal/backend"
)

// Sink é o destino dos arquivos arquivados. As chaves usam '/' como
// separador, independentemente do sistema.
type Sink interface {
	Name() string
	Exists(ctx context.Context, key string) (bool, error)
	Put(ctx context.Context, key string, r io.Reader) error
}

// ObjectKey retorna a chave de uma gravação: {chanid}/{basename}{ext}.
func ObjectKey(rec backend.Recording, ext string) string {
	return path.Join(keySegment(rec.ChanID), keySegment(rec.Basename())+ext)
}

// MetadataKey retorna a chave do arquivo de metadados de key.
func MetadataKey(key string) string {
	return key + ".json"
}

func keySegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	return s
}

// LocalSink grava em um diretório local com escrita atômica e durável
// (arquivo temporário, fsync e rename).
type LocalSink struct {
	dir string
}

// NewLocalSink cria o diretório base se necessário.
func NewLocalSink(dir string) (*LocalSink, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating archive dir %s: %w", dir, err)
	}
	return &LocalSink{dir: dir}, nil
}

// Name implementa Sink.
func (s *LocalSink) Name() string { return "local:" + s.dir }

// Dir retorna o diretório base.
func (s *LocalSink) Dir() string { return s.dir }

func (s *LocalSink) pathFor(key string) string {
	return filepath.Join(s.dir, filepath.FromSlash(key))
}

// Exists implementa Sink.
func (s *LocalSink) Exists(_ context.Context, key string) (bool, error) {
	_, err := os.Stat(s.pathFor(key))
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

// Put implementa Sink. O arquivo só aparece no destino quando completo.
func (s *LocalSink) Put(ctx context.Context, key string, r io.Reader) error {
	dest := s.pathFor(key)
	if err := os.MkdirAll(filepath.Dir(dest), 0755); err != nil {
		return fmt.Errorf("creating archive subdir: %w", err)
	}

	pending, err := renameio.NewPendingFile(dest, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("create pending archive file: %w", err)
	}
	// No-op depois do commit
	defer pending.Cleanup()

	if _, err := io.Copy(pending, r); err != nil {
		return fmt.Errorf("write archive file: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace archive file: %w", err)
	}
	return nil
}
