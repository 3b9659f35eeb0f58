// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package archive

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/shirou/gopsutil/v3/disk"
)

// ErrLowDisk indica que o destino local não tem espaço para a gravação.
var ErrLowDisk = errors.New("archive: not enough free disk space")

// DiskStats é o uso do sistema de arquivos do destino local.
type DiskStats struct {
	Path        string
	FreeBytes   uint64
	UsedPercent float64
}

// DiskMonitor verifica o espaço livre do destino antes de cada gravação.
type DiskMonitor struct {
	path    string
	minFree int64
	logger  *slog.Logger
	usage   func(path string) (*disk.UsageStat, error)
}

// NewDiskMonitor cria um monitor para path. minFree é a reserva mínima que
// deve sobrar depois da gravação.
func NewDiskMonitor(path string, minFree int64, logger *slog.Logger) *DiskMonitor {
	return &DiskMonitor{
		path:    path,
		minFree: minFree,
		logger:  logger.With("component", "disk_monitor"),
		usage:   disk.Usage,
	}
}

// Stats coleta o uso atual.
func (m *DiskMonitor) Stats() (DiskStats, error) {
	u, err := m.usage(m.path)
	if err != nil {
		return DiskStats{}, fmt.Errorf("collecting disk usage for %s: %w", m.path, err)
	}
	return DiskStats{Path: m.path, FreeBytes: u.Free, UsedPercent: u.UsedPercent}, nil
}

// Check falha com ErrLowDisk se need bytes não couberem mantendo a reserva.
// Falhas de coleta são logadas e não bloqueiam o arquivamento.
func (m *DiskMonitor) Check(need int64) error {
	st, err := m.Stats()
	if err != nil {
		m.logger.Warn("disk usage unavailable, skipping free space check", "error", err)
		return nil
	}
	if need < 0 {
		need = 0
	}
	required := uint64(need) + uint64(max(m.minFree, 0))
	if st.FreeBytes < required {
		return fmt.Errorf("%w: %s has %d bytes free, need %d", ErrLowDisk, m.path, st.FreeBytes, required)
	}
	return nil
}
