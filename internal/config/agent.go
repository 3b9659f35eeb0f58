// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backend"
	"gopkg.in/yaml.v3"
)

// AgentConfig representa a configuração completa do nmyth-agent.
type AgentConfig struct {
	Backend  BackendInfo  `yaml:"backend"`
	Transfer TransferInfo `yaml:"transfer"`
	Archive  ArchiveInfo  `yaml:"archive"`
	Daemon   DaemonInfo   `yaml:"daemon"`
	Metrics  MetricsInfo  `yaml:"metrics"`
	Logging  LoggingInfo  `yaml:"logging"`
}

// BackendInfo identifica o mythbackend e os parâmetros da conexão.
type BackendInfo struct {
	URL             string        `yaml:"url"`              // myth://host[:port]
	ClientTag       string        `yaml:"client_tag"`       // default: NMYTH
	ProtocolVersion int           `yaml:"protocol_version"` // 0 = mais recente do registro
	ConnectTimeout  time.Duration `yaml:"connect_timeout"`  // default: 10s
	IOTimeout       time.Duration `yaml:"io_timeout"`       // 0 = sem timeout
}

// TransferInfo controla o file transfer.
type TransferInfo struct {
	RequestChunk      string        `yaml:"request_chunk"` // ex: "128kb" (default)
	RequestChunkRaw   int64         `yaml:"-"`
	SizeRefresh       time.Duration `yaml:"size_refresh"` // default: 1s
	SeekInPlace       bool          `yaml:"seek_in_place"`
	BandwidthLimit    string        `yaml:"bandwidth_limit"` // ex: "50mb" (bytes/s); vazio = sem limite
	BandwidthLimitRaw int64         `yaml:"-"`
	DSCP              string        `yaml:"dscp"` // ex: "CS1", "none"; vazio = auto (LE no socket de dados)
	DSCPRaw           int           `yaml:"-"`
}

// ArchiveInfo configura o arquivamento de gravações.
type ArchiveInfo struct {
	Filter         string        `yaml:"filter"`      // substring no título ou no nome do arquivo
	Compression    string        `yaml:"compression"` // none|gzip|zstd (default: none)
	Concurrency    int           `yaml:"concurrency"` // default: 2
	MinFreeDisk    string        `yaml:"min_free_disk"`
	MinFreeDiskRaw int64         `yaml:"-"`
	JobLogDir      string        `yaml:"job_log_dir"`
	HistoryFile    string        `yaml:"history_file"` // JSONL dos jobs; vazio = só em memória
	Local          LocalSinkInfo `yaml:"local"`
	S3             S3SinkInfo    `yaml:"s3"`
	Retry          RetryInfo     `yaml:"retry"`
}

// LocalSinkInfo grava os arquivos em um diretório local.
type LocalSinkInfo struct {
	Dir string `yaml:"dir"`
}

// S3SinkInfo envia os arquivos para um bucket S3 (ou compatível).
type S3SinkInfo struct {
	Bucket       string `yaml:"bucket"`
	Prefix       string `yaml:"prefix"`
	Region       string `yaml:"region"`
	Endpoint     string `yaml:"endpoint"` // MinIO, Ceph etc.
	UsePathStyle bool   `yaml:"use_path_style"`
	AccessKey    string `yaml:"access_key"` // vazio = cadeia padrão de credenciais
	SecretKey    string `yaml:"secret_key"`
}

// RetryInfo contém configurações de retry com exponential backoff.
type RetryInfo struct {
	MaxAttempts  int           `yaml:"max_attempts"`
	InitialDelay time.Duration `yaml:"initial_delay"`
	MaxDelay     time.Duration `yaml:"max_delay"`
}

// DaemonInfo contém a cron expression do scheduler e o modo watch.
type DaemonInfo struct {
	Schedule      string        `yaml:"schedule"`
	Watch         bool          `yaml:"watch"`  // arquiva gravações novas assim que aparecem
	Settle        time.Duration `yaml:"settle"` // espera após o fim da gravação (default: 2m)
	StatsInterval time.Duration `yaml:"stats_interval"`
}

// MetricsInfo configura o endpoint HTTP do daemon (/metrics e API de status).
type MetricsInfo struct {
	Listen      string       `yaml:"listen"` // vazio = desabilitado
	Allow       []string     `yaml:"allow"`  // CIDRs permitidos (default: loopback)
	ParsedAllow []*net.IPNet `yaml:"-"`
}

// LoggingInfo contém configurações de logging.
type LoggingInfo struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	File   string `yaml:"file"`
}

// Compression modes.
const (
	CompressionNone = "none"
	CompressionGzip = "gzip"
	CompressionZstd = "zstd"
)

// FileExtension retorna a extensão acrescentada aos arquivos arquivados.
func (a ArchiveInfo) FileExtension() string {
	switch a.Compression {
	case CompressionGzip:
		return ".gz"
	case CompressionZstd:
		return ".zst"
	default:
		return ""
	}
}

// Locator retorna o locator do backend.
func (c *AgentConfig) Locator() (backend.Locator, error) {
	return backend.ParseLocator(c.Backend.URL)
}

// ConnOptions monta as opções de conexão a partir da configuração.
func (c *AgentConfig) ConnOptions() backend.Options {
	return backend.Options{
		Proposed:       c.Backend.ProtocolVersion,
		ClientTag:      c.Backend.ClientTag,
		ConnectTimeout: c.Backend.ConnectTimeout,
		IOTimeout:      c.Backend.IOTimeout,
	}
}

// TransferOptions monta as opções de file transfer.
func (c *AgentConfig) TransferOptions() backend.TransferOptions {
	opts := c.ConnOptions()
	opts.DSCP = c.Transfer.DSCPRaw
	return backend.TransferOptions{
		Options:      opts,
		RequestChunk: int(c.Transfer.RequestChunkRaw),
		SizeRefresh:  c.Transfer.SizeRefresh,
		SeekInPlace:  c.Transfer.SeekInPlace,
	}
}

// HasSink informa se algum destino de arquivamento está configurado.
func (a ArchiveInfo) HasSink() bool {
	return a.Local.Dir != "" || a.S3.Bucket != ""
}

// LoadAgentConfig lê e valida o arquivo YAML de configuração do agent.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading agent config: %w", err)
	}

	var cfg AgentConfig
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing agent config: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating agent config: %w", err)
	}

	return &cfg, nil
}

// DefaultAgentConfig retorna uma configuração válida apontando para url,
// usada quando o agent roda sem arquivo de configuração.
func DefaultAgentConfig(url string) (*AgentConfig, error) {
	cfg := &AgentConfig{Backend: BackendInfo{URL: url}}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AgentConfig) validate() error {
	if c.Backend.URL == "" {
		return fmt.Errorf("backend.url is required")
	}
	if _, err := backend.ParseLocator(c.Backend.URL); err != nil {
		return fmt.Errorf("backend.url: %w", err)
	}
	if c.Backend.ClientTag == "" {
		c.Backend.ClientTag = backend.DefaultClientTag
	}
	if strings.ContainsAny(c.Backend.ClientTag, " \t") {
		return fmt.Errorf("backend.client_tag must not contain spaces, got %q", c.Backend.ClientTag)
	}
	if c.Backend.ProtocolVersion < 0 {
		return fmt.Errorf("backend.protocol_version must be >= 0, got %d", c.Backend.ProtocolVersion)
	}
	if c.Backend.ConnectTimeout <= 0 {
		c.Backend.ConnectTimeout = 10 * time.Second
	}
	if c.Backend.IOTimeout < 0 {
		return fmt.Errorf("backend.io_timeout must be >= 0")
	}

	// Transfer defaults
	if c.Transfer.RequestChunk == "" {
		c.Transfer.RequestChunk = "128kb"
	}
	chunk, err := ParseByteSize(c.Transfer.RequestChunk)
	if err != nil {
		return fmt.Errorf("transfer.request_chunk: %w", err)
	}
	if chunk < 4*1024 || chunk > 16*1024*1024 {
		return fmt.Errorf("transfer.request_chunk must be between 4kb and 16mb, got %s", c.Transfer.RequestChunk)
	}
	c.Transfer.RequestChunkRaw = chunk
	if c.Transfer.SizeRefresh == 0 {
		c.Transfer.SizeRefresh = backend.DefaultSizeRefresh
	}
	if c.Transfer.BandwidthLimit != "" {
		limit, err := ParseByteSize(c.Transfer.BandwidthLimit)
		if err != nil {
			return fmt.Errorf("transfer.bandwidth_limit: %w", err)
		}
		if limit < 64*1024 {
			return fmt.Errorf("transfer.bandwidth_limit must be at least 64kb, got %s", c.Transfer.BandwidthLimit)
		}
		c.Transfer.BandwidthLimitRaw = limit
	}

	dscp, err := backend.ParseDSCP(c.Transfer.DSCP)
	if err != nil {
		return fmt.Errorf("transfer.dscp: %w", err)
	}
	c.Transfer.DSCPRaw = dscp

	// Archive defaults
	if c.Archive.Compression == "" {
		c.Archive.Compression = CompressionNone
	}
	c.Archive.Compression = strings.ToLower(strings.TrimSpace(c.Archive.Compression))
	switch c.Archive.Compression {
	case CompressionNone, CompressionGzip, CompressionZstd:
	default:
		return fmt.Errorf("archive.compression must be none, gzip or zstd, got %q", c.Archive.Compression)
	}
	if c.Archive.Concurrency <= 0 {
		c.Archive.Concurrency = 2
	}
	if c.Archive.Concurrency > 16 {
		return fmt.Errorf("archive.concurrency must be at most 16, got %d", c.Archive.Concurrency)
	}
	if c.Archive.MinFreeDisk != "" {
		free, err := ParseByteSize(c.Archive.MinFreeDisk)
		if err != nil {
			return fmt.Errorf("archive.min_free_disk: %w", err)
		}
		c.Archive.MinFreeDiskRaw = free
	}
	if c.Archive.S3.Bucket != "" && c.Archive.S3.Region == "" {
		c.Archive.S3.Region = "us-east-1"
	}
	if (c.Archive.S3.AccessKey == "") != (c.Archive.S3.SecretKey == "") {
		return fmt.Errorf("archive.s3.access_key and archive.s3.secret_key must be set together")
	}
	if c.Archive.Retry.MaxAttempts <= 0 {
		c.Archive.Retry.MaxAttempts = 3
	}
	if c.Archive.Retry.InitialDelay <= 0 {
		c.Archive.Retry.InitialDelay = 1 * time.Second
	}
	if c.Archive.Retry.MaxDelay <= 0 {
		c.Archive.Retry.MaxDelay = 1 * time.Minute
	}

	if c.Daemon.Settle <= 0 {
		c.Daemon.Settle = 2 * time.Minute
	}
	if c.Daemon.StatsInterval <= 0 {
		c.Daemon.StatsInterval = 30 * time.Second
	}

	if len(c.Metrics.Allow) == 0 {
		c.Metrics.Allow = []string{"127.0.0.1/32", "::1/128"}
	}
	c.Metrics.ParsedAllow = c.Metrics.ParsedAllow[:0]
	for _, s := range c.Metrics.Allow {
		_, cidr, err := net.ParseCIDR(strings.TrimSpace(s))
		if err != nil {
			return fmt.Errorf("metrics.allow: invalid CIDR %q: %w", s, err)
		}
		c.Metrics.ParsedAllow = append(c.Metrics.ParsedAllow, cidr)
	}

	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}

	return nil
}

// ValidateDaemon verifica os requisitos do modo daemon: um destino de
// arquivamento e ao menos um gatilho (schedule ou watch).
func (c *AgentConfig) ValidateDaemon() error {
	if !c.Archive.HasSink() {
		return fmt.Errorf("archive.local.dir or archive.s3.bucket is required")
	}
	if c.Daemon.Schedule == "" && !c.Daemon.Watch {
		return fmt.Errorf("daemon.schedule or daemon.watch is required")
	}
	return nil
}

// ParseByteSize converte strings human-readable como "256mb", "1gb" para bytes.
func ParseByteSize(s string) (int64, error) {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return 0, fmt.Errorf("empty size string")
	}

	// Ordenado do sufixo mais longo para o mais curto
	// para evitar que "mb" matche como "b"
	type suffix struct {
		s string
		m int64
	}
	suffixes := []suffix{
		{"gb", 1024 * 1024 * 1024},
		{"mb", 1024 * 1024},
		{"kb", 1024},
		{"b", 1},
	}

	for _, sfx := range suffixes {
		if strings.HasSuffix(s, sfx.s) {
			numStr := strings.TrimSuffix(s, sfx.s)
			num, err := strconv.ParseInt(numStr, 10, 64)
			if err != nil {
				return 0, fmt.Errorf("invalid number %q: %w", numStr, err)
			}
			return num * sfx.m, nil
		}
	}

	// Tenta interpretar como número puro (bytes)
	num, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("unknown size format %q", s)
	}
	return num, nil
}
