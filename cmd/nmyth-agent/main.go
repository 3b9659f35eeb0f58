// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/nishisan-dev/n-myth/internal/archive"
	"github.com/nishisan-dev/n-myth/internal/backend"
	"github.com/nishisan-dev/n-myth/internal/config"
	"github.com/nishisan-dev/n-myth/internal/logging"
	"github.com/nishisan-dev/n-myth/internal/protocol"
)

const defaultConfigPath = "/etc/nmyth/agent.yaml"

const usageText = `usage: nmyth-agent <command> [flags]

commands:
  list                     print the backend catalog
  info <recording>         show the metadata of one recording
  cuts <recording>         show the commercial-break seek points
  fetch <recording>        stream a recording to a file or stdout
  watch                    print catalog changes as they happen
  archive [--once]         archive the catalog (daemon mode without --once)
  daemon                   run the archive daemon
  version                  print build and protocol versions

<recording> is a myth:// URL or a file name on the configured backend.
Run "nmyth-agent <command> -h" for the flags of each command.
`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usageText)
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]
	var err error
	switch cmd {
	case "list":
		err = runList(args)
	case "info":
		err = runInfo(args)
	case "cuts":
		err = runCuts(args)
	case "fetch":
		err = runFetch(args)
	case "watch":
		err = runWatch(args)
	case "archive":
		err = runArchive(args)
	case "daemon":
		err = runDaemon(args)
	case "version":
		fmt.Printf("nmyth-agent %s (protocol versions %v)\n", archive.Version, protocol.DefaultRegistry().IDs())
		return
	case "help", "-h", "--help":
		fmt.Fprint(os.Stdout, usageText)
		return
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usageText)
		os.Exit(2)
	}

	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// commonFlags são as flags aceitas por todos os comandos.
type commonFlags struct {
	configPath string
	url        string
	debug      bool
}

func (c *commonFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.configPath, "config", "", "path to agent config file (default "+defaultConfigPath+" when --url is not set)")
	fs.StringVar(&c.url, "url", "", "backend locator, e.g. myth://mythtv.lan:6543 (overrides backend.url)")
	fs.BoolVar(&c.debug, "debug", false, "enable debug logging")
}

// load lê a configuração. Sem --config e com --url, usa os defaults; os
// comandos de arquivamento exigem um arquivo.
func (c *commonFlags) load(needFile bool) (*config.AgentConfig, error) {
	path := c.configPath
	if path == "" && (needFile || c.url == "") {
		path = defaultConfigPath
	}

	var (
		cfg *config.AgentConfig
		err error
	)
	if path != "" {
		cfg, err = config.LoadAgentConfig(path)
	} else {
		cfg, err = config.DefaultAgentConfig(c.url)
	}
	if err != nil {
		return nil, err
	}

	if c.url != "" {
		if _, err := backend.ParseLocator(c.url); err != nil {
			return nil, err
		}
		cfg.Backend.URL = c.url
	}
	if c.debug {
		cfg.Logging.Level = "debug"
	}
	return cfg, nil
}

// logger cria o logger do comando. Saída em stderr: stdout fica livre para
// o conteúdo de fetch.
func (c *commonFlags) logger(cfg *config.AgentConfig) (*slog.Logger, io.Closer) {
	return logging.NewLogger(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
}

// recordingLocator resolve o argumento de gravação: uma URL myth:// completa
// ou um nome de arquivo no backend configurado.
func recordingLocator(cfg *config.AgentConfig, arg string) (backend.Locator, error) {
	if strings.HasPrefix(arg, "myth://") {
		return backend.ParseLocator(arg)
	}
	loc, err := cfg.Locator()
	if err != nil {
		return backend.Locator{}, err
	}
	loc = loc.WithPath(arg)
	if loc.Path == "" {
		return backend.Locator{}, fmt.Errorf("%w: missing recording path", backend.ErrInvalidLocator)
	}
	return loc, nil
}

// singleArg valida que o comando recebeu exatamente uma gravação.
func singleArg(fs *flag.FlagSet) (string, error) {
	if fs.NArg() != 1 {
		return "", fmt.Errorf("%s: expected exactly one recording, got %d arguments", fs.Name(), fs.NArg())
	}
	return fs.Arg(0), nil
}
