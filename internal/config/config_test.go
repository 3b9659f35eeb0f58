// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nishisan-dev/n-myth/internal/backend"
)

func TestLoadAgentConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "agent.example.yaml")
	cfg, err := LoadAgentConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load agent example config: %v", err)
	}

	if cfg.Backend.URL != "myth://mythtv.lan:6543" {
		t.Errorf("unexpected backend.url %q", cfg.Backend.URL)
	}
	if cfg.Backend.IOTimeout != 30*time.Second {
		t.Errorf("expected io_timeout 30s, got %v", cfg.Backend.IOTimeout)
	}
	if cfg.Transfer.RequestChunkRaw != 256*1024 {
		t.Errorf("expected request_chunk 256kb, got %d", cfg.Transfer.RequestChunkRaw)
	}
	if cfg.Transfer.BandwidthLimitRaw != 20*1024*1024 {
		t.Errorf("expected bandwidth_limit 20mb, got %d", cfg.Transfer.BandwidthLimitRaw)
	}
	if cfg.Archive.Compression != CompressionZstd || cfg.Archive.FileExtension() != ".zst" {
		t.Errorf("unexpected compression %q", cfg.Archive.Compression)
	}
	if cfg.Archive.MinFreeDiskRaw != 10*1024*1024*1024 {
		t.Errorf("unexpected min_free_disk %d", cfg.Archive.MinFreeDiskRaw)
	}
	if cfg.Archive.Retry.MaxAttempts != 5 {
		t.Errorf("expected max_attempts 5, got %d", cfg.Archive.Retry.MaxAttempts)
	}
	if cfg.Daemon.Schedule != "0 3 * * *" || !cfg.Daemon.Watch || cfg.Daemon.Settle != 5*time.Minute {
		t.Errorf("unexpected daemon section %+v", cfg.Daemon)
	}
	if err := cfg.ValidateDaemon(); err != nil {
		t.Errorf("example config should be daemon-ready: %v", err)
	}

	loc, err := cfg.Locator()
	if err != nil {
		t.Fatalf("Locator: %v", err)
	}
	if loc.Host != "mythtv.lan" || loc.Port != 6543 {
		t.Errorf("unexpected locator %+v", loc)
	}

	if cfg.Transfer.DSCPRaw != 8 {
		t.Errorf("expected dscp CS1 (8), got %d", cfg.Transfer.DSCPRaw)
	}
	if cfg.Archive.HistoryFile != "/var/lib/nmyth/history.jsonl" {
		t.Errorf("unexpected history_file %q", cfg.Archive.HistoryFile)
	}
	if len(cfg.Metrics.ParsedAllow) != 2 || cfg.Metrics.ParsedAllow[1].String() != "10.0.0.0/8" {
		t.Errorf("unexpected metrics.allow %v", cfg.Metrics.ParsedAllow)
	}

	topts := cfg.TransferOptions()
	if topts.RequestChunk != 256*1024 || topts.SizeRefresh != 2*time.Second || topts.ClientTag != "NMYTH" || topts.DSCP != 8 {
		t.Errorf("unexpected transfer options %+v", topts)
	}
}

func TestLoadSimConfig_ExampleFile(t *testing.T) {
	cfgPath := filepath.Join("..", "..", "configs", "backendsim.example.yaml")
	cfg, err := LoadSimConfig(cfgPath)
	if err != nil {
		t.Fatalf("failed to load simulator example config: %v", err)
	}

	if cfg.Protocol.Version != 75 || cfg.Protocol.MaxGrantRaw != 64*1024 {
		t.Errorf("unexpected protocol section %+v", cfg.Protocol)
	}
	recs := cfg.SimRecordings()
	if len(recs) != 2 {
		t.Fatalf("expected 2 recordings, got %d", len(recs))
	}
	if recs[0].Basename != "1001_20130101100000.ts" || recs[0].End.Sub(recs[0].Start) != time.Hour {
		t.Errorf("unexpected first recording %+v", recs[0])
	}
	if len(recs[0].Marks) != 2 || recs[0].SeekIndex[1].Offset != 4194304 {
		t.Errorf("unexpected cut data %+v %+v", recs[0].Marks, recs[0].SeekIndex)
	}
	if recs[1].End.Sub(recs[1].Start) != 30*time.Minute {
		t.Errorf("expected default duration 30m, got %v", recs[1].End.Sub(recs[1].Start))
	}

	sc := cfg.SimulatorConfig()
	if sc.Version != 75 || !sc.FullURLs || sc.MaxGrant != 64*1024 {
		t.Errorf("unexpected simulator config %+v", sc)
	}
}

func TestLoadAgentConfig_Defaults(t *testing.T) {
	path := writeTempConfig(t, `
backend:
  url: "myth://backend"
`)
	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Backend.ClientTag != "NMYTH" {
		t.Errorf("expected default client_tag, got %q", cfg.Backend.ClientTag)
	}
	if cfg.Backend.ConnectTimeout != 10*time.Second {
		t.Errorf("expected default connect_timeout 10s, got %v", cfg.Backend.ConnectTimeout)
	}
	if cfg.Transfer.RequestChunkRaw != 128*1024 {
		t.Errorf("expected default request_chunk 128kb, got %d", cfg.Transfer.RequestChunkRaw)
	}
	if cfg.Transfer.SizeRefresh != time.Second {
		t.Errorf("expected default size_refresh 1s, got %v", cfg.Transfer.SizeRefresh)
	}
	if cfg.Transfer.DSCPRaw != backend.DSCPAuto {
		t.Errorf("expected auto dscp by default, got %d", cfg.Transfer.DSCPRaw)
	}
	if cfg.Archive.Compression != CompressionNone || cfg.Archive.FileExtension() != "" {
		t.Errorf("expected no compression by default, got %q", cfg.Archive.Compression)
	}
	if cfg.Archive.Concurrency != 2 {
		t.Errorf("expected default concurrency 2, got %d", cfg.Archive.Concurrency)
	}
	if cfg.Archive.Retry.MaxAttempts != 3 || cfg.Archive.Retry.InitialDelay != time.Second || cfg.Archive.Retry.MaxDelay != time.Minute {
		t.Errorf("unexpected retry defaults %+v", cfg.Archive.Retry)
	}
	if cfg.Logging.Level != "info" || cfg.Logging.Format != "json" {
		t.Errorf("unexpected logging defaults %+v", cfg.Logging)
	}
	if cfg.Daemon.Settle != 2*time.Minute || cfg.Daemon.StatsInterval != 30*time.Second {
		t.Errorf("unexpected daemon defaults %+v", cfg.Daemon)
	}
	if len(cfg.Metrics.ParsedAllow) != 2 || cfg.Metrics.ParsedAllow[0].String() != "127.0.0.1/32" {
		t.Errorf("expected loopback-only metrics.allow, got %v", cfg.Metrics.ParsedAllow)
	}
	if err := cfg.ValidateDaemon(); err == nil {
		t.Error("expected ValidateDaemon to fail without sink and trigger")
	}
}

func TestLoadAgentConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing url", "logging:\n  level: debug\n", "backend.url is required"},
		{"bad port", "backend:\n  url: \"myth://backend:99999\"\n", "backend.url"},
		{"tag with space", "backend:\n  url: \"myth://b\"\n  client_tag: \"A B\"\n", "client_tag"},
		{"chunk too small", "backend:\n  url: \"myth://b\"\ntransfer:\n  request_chunk: \"1kb\"\n", "request_chunk"},
		{"chunk garbage", "backend:\n  url: \"myth://b\"\ntransfer:\n  request_chunk: \"lots\"\n", "request_chunk"},
		{"bandwidth too low", "backend:\n  url: \"myth://b\"\ntransfer:\n  bandwidth_limit: \"1kb\"\n", "bandwidth_limit"},
		{"dscp", "backend:\n  url: \"myth://b\"\ntransfer:\n  dscp: \"AF99\"\n", "transfer.dscp"},
		{"bad cidr", "backend:\n  url: \"myth://b\"\nmetrics:\n  allow: [\"10.0.0.0/33\"]\n", "metrics.allow"},
		{"compression", "backend:\n  url: \"myth://b\"\narchive:\n  compression: \"lz4\"\n", "archive.compression"},
		{"concurrency", "backend:\n  url: \"myth://b\"\narchive:\n  concurrency: 64\n", "archive.concurrency"},
		{"half credentials", "backend:\n  url: \"myth://b\"\narchive:\n  s3:\n    bucket: x\n    access_key: k\n", "secret_key"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadAgentConfig(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadAgentConfig_S3RegionDefault(t *testing.T) {
	cfg, err := LoadAgentConfig(writeTempConfig(t, `
backend:
  url: "myth://backend:6544"
archive:
  s3:
    bucket: "recordings"
daemon:
  watch: true
`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Archive.S3.Region != "us-east-1" {
		t.Errorf("expected default region, got %q", cfg.Archive.S3.Region)
	}
	if err := cfg.ValidateDaemon(); err != nil {
		t.Errorf("ValidateDaemon: %v", err)
	}
}

func TestDefaultAgentConfig(t *testing.T) {
	cfg, err := DefaultAgentConfig("myth://10.0.0.2")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Transfer.RequestChunkRaw != 128*1024 {
		t.Errorf("defaults not applied: %+v", cfg.Transfer)
	}
	if _, err := DefaultAgentConfig(""); err == nil {
		t.Error("expected error for empty url")
	}
}

func TestLoadSimConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{"missing dir", "protocol:\n  version: 72\n", "storage.dir is required"},
		{"bad grant", "storage:\n  dir: /tmp\nprotocol:\n  max_grant: \"x\"\n", "max_grant"},
		{"missing file", "storage:\n  dir: /tmp\nrecordings:\n  - chanid: \"1\"\n    start: 2013-01-01T10:00:00Z\n", "file is required"},
		{"path file", "storage:\n  dir: /tmp\nrecordings:\n  - file: \"../x.ts\"\n    chanid: \"1\"\n    start: 2013-01-01T10:00:00Z\n", "plain file name"},
		{"missing start", "storage:\n  dir: /tmp\nrecordings:\n  - file: a.ts\n    chanid: \"1\"\n", "start is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadSimConfig(writeTempConfig(t, tt.content))
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestLoadSimConfig_Defaults(t *testing.T) {
	cfg, err := LoadSimConfig(writeTempConfig(t, "storage:\n  dir: /tmp\n"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Server.Listen != "127.0.0.1:6543" {
		t.Errorf("unexpected listen %q", cfg.Server.Listen)
	}
	if cfg.Protocol.Version != 77 {
		t.Errorf("expected latest version 77, got %d", cfg.Protocol.Version)
	}
}

func TestLoadAgentConfig_FileNotFound(t *testing.T) {
	_, err := LoadAgentConfig("/nonexistent/path/config.yaml")
	if err == nil {
		t.Fatal("expected error for nonexistent file")
	}
}

func TestLoadAgentConfig_InvalidYAML(t *testing.T) {
	path := writeTempConfig(t, "{{invalid yaml")
	_, err := LoadAgentConfig(path)
	if err == nil {
		t.Fatal("expected error for invalid YAML")
	}
}

func TestParseByteSize(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"128kb", 128 * 1024, false},
		{"1GB", 1024 * 1024 * 1024, false},
		{" 8mb ", 8 * 1024 * 1024, false},
		{"512b", 512, false},
		{"4096", 4096, false},
		{"", 0, true},
		{"mb", 0, true},
		{"1tb", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseByteSize(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseByteSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseByteSize(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write temp config: %v", err)
	}
	return path
}
