// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package backendsim

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrFileNotFound indica que o arquivo não existe no store.
var ErrFileNotFound = errors.New("backendsim: file not found")

// Store é a origem dos bytes servidos pelo backend simulado.
type Store interface {
	Size(name string) (int64, error)
	ReadAt(name string, p []byte, off int64) (int, error)
}

// DirStore serve arquivos de um diretório local.
type DirStore struct {
	baseDir string
}

// NewDirStore cria um store sobre baseDir.
func NewDirStore(baseDir string) *DirStore {
	return &DirStore{baseDir: baseDir}
}

func (s *DirStore) resolve(name string) (string, error) {
	if err := validateName(name); err != nil {
		return "", err
	}
	return filepath.Join(s.baseDir, name), nil
}

// Size retorna o tamanho atual do arquivo (arquivos em gravação crescem).
func (s *DirStore) Size(name string) (int64, error) {
	p, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	info, err := os.Stat(p)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

// ReadAt lê do arquivo no offset.
func (s *DirStore) ReadAt(name string, p []byte, off int64) (int, error) {
	path, err := s.resolve(name)
	if err != nil {
		return 0, err
	}
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return f.ReadAt(p, off)
}

// validateName rejeita nomes que escapam do diretório base.
func validateName(name string) error {
	if name == "" || name == "." || name == ".." {
		return fmt.Errorf("%w: invalid name %q", ErrFileNotFound, name)
	}
	if strings.ContainsAny(name, "/\\") || strings.ContainsRune(name, 0) {
		return fmt.Errorf("%w: invalid name %q", ErrFileNotFound, name)
	}
	return nil
}

// MemStore mantém os arquivos em memória. Append simula uma gravação em andamento.
type MemStore struct {
	mu    sync.RWMutex
	files map[string][]byte
}

// NewMemStore cria um store vazio.
func NewMemStore() *MemStore {
	return &MemStore{files: make(map[string][]byte)}
}

// Put substitui o conteúdo do arquivo.
func (s *MemStore) Put(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append([]byte(nil), data...)
}

// Append acrescenta bytes ao final do arquivo.
func (s *MemStore) Append(name string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[name] = append(s.files[name], data...)
}

func (s *MemStore) Size(name string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	return int64(len(data)), nil
}

func (s *MemStore) ReadAt(name string, p []byte, off int64) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	data, ok := s.files[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrFileNotFound, name)
	}
	if off >= int64(len(data)) {
		return 0, io.EOF
	}
	n := copy(p, data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

// PatternData gera n bytes em que cada byte é função do seu offset absoluto.
// Permite verificar, do lado do client, que um trecho lido começa no offset certo.
func PatternData(n int) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = PatternByte(int64(i))
	}
	return b
}

// PatternByte retorna o byte esperado no offset off de PatternData.
func PatternByte(off int64) byte {
	return byte(off % 251)
}
