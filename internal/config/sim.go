// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backendsim"
	"github.com/nishisan-dev/n-myth/internal/protocol"
	"gopkg.in/yaml.v3"
)

// SimConfig representa a configuração do nmyth-backendsim.
type SimConfig struct {
	Server     SimListen      `yaml:"server"`
	Protocol   SimProtocol    `yaml:"protocol"`
	Storage    SimStorage     `yaml:"storage"`
	Recordings []SimRecording `yaml:"recordings"`
	Logging    LoggingInfo    `yaml:"logging"`
}

// SimListen contém o endereço de escuta e o intervalo de estatísticas.
type SimListen struct {
	Listen        string        `yaml:"listen"`         // default: "127.0.0.1:6543"
	StatsInterval time.Duration `yaml:"stats_interval"` // default: 30s
}

// SimProtocol controla a versão e as variações de wire do backend simulado.
type SimProtocol struct {
	Version         int    `yaml:"version"` // default: mais recente do registro
	RejectAnnounce  bool   `yaml:"reject_announce"`
	MaxGrant        string `yaml:"max_grant"` // ex: "64kb"; vazio = sem limite
	MaxGrantRaw     int64  `yaml:"-"`
	SingleSizeField bool   `yaml:"single_size_field"`
	FullURLs        bool   `yaml:"full_urls"`
}

// SimStorage é o diretório com os arquivos das gravações.
type SimStorage struct {
	Dir string `yaml:"dir"`
}

// SimRecording descreve uma gravação do catálogo simulado.
type SimRecording struct {
	Title       string         `yaml:"title"`
	Subtitle    string         `yaml:"subtitle"`
	Description string         `yaml:"description"`
	Genre       string         `yaml:"genre"`
	ChanID      string         `yaml:"chanid"`
	Channel     string         `yaml:"channel"`
	File        string         `yaml:"file"`
	Start       time.Time      `yaml:"start"`
	Duration    time.Duration  `yaml:"duration"` // default: 30m
	Marks       []SimMark      `yaml:"marks"`
	SeekIndex   []SimSeekEntry `yaml:"seek_index"`
}

// SimMark é uma marca de intervalo comercial.
type SimMark struct {
	Type  int   `yaml:"type"`
	Frame int64 `yaml:"frame"`
}

// SimSeekEntry associa um frame ao offset em bytes.
type SimSeekEntry struct {
	Mark   int64 `yaml:"mark"`
	Offset int64 `yaml:"offset"`
}

// LoadSimConfig lê e valida o arquivo YAML do backend simulado.
func LoadSimConfig(path string) (*SimConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading simulator config: %w", err)
	}

	var cfg SimConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing simulator config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating simulator config: %w", err)
	}

	return &cfg, nil
}

func (c *SimConfig) validate() error {
	if c.Server.Listen == "" {
		c.Server.Listen = fmt.Sprintf("127.0.0.1:%d", 6543)
	}
	if c.Server.StatsInterval <= 0 {
		c.Server.StatsInterval = 30 * time.Second
	}
	if c.Storage.Dir == "" {
		return fmt.Errorf("storage.dir is required")
	}

	if c.Protocol.Version == 0 {
		c.Protocol.Version = protocol.DefaultRegistry().Latest().ID
	}
	if c.Protocol.Version < 0 {
		return fmt.Errorf("protocol.version must be > 0, got %d", c.Protocol.Version)
	}
	if c.Protocol.MaxGrant != "" {
		grant, err := ParseByteSize(c.Protocol.MaxGrant)
		if err != nil {
			return fmt.Errorf("protocol.max_grant: %w", err)
		}
		if grant <= 0 {
			return fmt.Errorf("protocol.max_grant must be > 0, got %s", c.Protocol.MaxGrant)
		}
		c.Protocol.MaxGrantRaw = grant
	}

	for i := range c.Recordings {
		r := &c.Recordings[i]
		if r.File == "" {
			return fmt.Errorf("recordings[%d].file is required", i)
		}
		if filepath.Base(r.File) != r.File || strings.HasPrefix(r.File, ".") {
			return fmt.Errorf("recordings[%d].file must be a plain file name, got %q", i, r.File)
		}
		if r.ChanID == "" {
			return fmt.Errorf("recordings[%d].chanid is required", i)
		}
		if r.Start.IsZero() {
			return fmt.Errorf("recordings[%d].start is required", i)
		}
		if r.Title == "" {
			r.Title = r.File
		}
		if r.Duration <= 0 {
			r.Duration = 30 * time.Minute
		}
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// SimulatorConfig converte a configuração para o backendsim.
func (c *SimConfig) SimulatorConfig() backendsim.Config {
	return backendsim.Config{
		Version:         c.Protocol.Version,
		RejectAnnounce:  c.Protocol.RejectAnnounce,
		MaxGrant:        c.Protocol.MaxGrantRaw,
		SingleSizeField: c.Protocol.SingleSizeField,
		FullURLs:        c.Protocol.FullURLs,
	}
}

// SimRecordings converte o catálogo configurado para o backendsim.
func (c *SimConfig) SimRecordings() []backendsim.Recording {
	out := make([]backendsim.Recording, 0, len(c.Recordings))
	for _, r := range c.Recordings {
		rec := backendsim.Recording{
			Title:       r.Title,
			Subtitle:    r.Subtitle,
			Description: r.Description,
			Genre:       r.Genre,
			ChanID:      r.ChanID,
			ChannelName: r.Channel,
			Basename:    r.File,
			Start:       r.Start.UTC(),
			End:         r.Start.UTC().Add(r.Duration),
		}
		for _, m := range r.Marks {
			rec.Marks = append(rec.Marks, backendsim.Mark{Type: m.Type, Frame: m.Frame})
		}
		for _, e := range r.SeekIndex {
			rec.SeekIndex = append(rec.SeekIndex, backendsim.SeekEntry{Mark: e.Mark, Offset: e.Offset})
		}
		out = append(out, rec)
	}
	return out
}
