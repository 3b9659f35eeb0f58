// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/renameio/v2"

	"github.com/nishisan-dev/n-myth/internal/archive"
	"github.com/nishisan-dev/n-myth/internal/backend"
	"github.com/nishisan-dev/n-myth/internal/config"
)

// signalContext é cancelado em SIGINT/SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func runList(args []string) error {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load(false)
	if err != nil {
		return err
	}
	logger, closer := common.logger(cfg)
	defer closer.Close()

	loc, err := cfg.Locator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := cfg.ConnOptions()
	opts.Logger = logger
	table, err := backend.ListRecordings(ctx, opts, loc)
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "CHANID\tSTART\tDURATION\tSIZE\tTITLE\tFILE")
	for _, rec := range table.Rows {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\t%s\n",
			rec.ChanID,
			rec.Start.Local().Format("2006-01-02 15:04"),
			rec.Duration,
			rec.FileSize,
			rec.DisplayName(),
			rec.Basename(),
		)
	}
	return tw.Flush()
}

// openTransfer carrega a configuração e abre a sessão da gravação do argumento.
func openTransfer(ctx context.Context, fs *flag.FlagSet, common *commonFlags, skipCuts bool) (*backend.Transfer, *config.AgentConfig, func(), error) {
	arg, err := singleArg(fs)
	if err != nil {
		return nil, nil, nil, err
	}
	cfg, err := common.load(false)
	if err != nil {
		return nil, nil, nil, err
	}
	logger, closer := common.logger(cfg)

	loc, err := recordingLocator(cfg, arg)
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}

	opts := cfg.TransferOptions()
	opts.Logger = logger
	opts.SkipCutList = skipCuts
	t, err := backend.Open(ctx, opts, loc)
	if err != nil {
		closer.Close()
		return nil, nil, nil, err
	}
	return t, cfg, func() {
		t.Close()
		closer.Close()
	}, nil
}

func runInfo(args []string) error {
	fs := flag.NewFlagSet("info", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	t, cfg, done, err := openTransfer(ctx, fs, &common, false)
	if err != nil {
		return err
	}
	defer done()

	loc, _ := cfg.Locator()
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Protocol:\t%d (%s)\n", t.Version().ID, t.Version().Release)
	fmt.Fprintf(tw, "Transfer:\t%s\n", t.TransferID())
	fmt.Fprintf(tw, "Size:\t%d\n", t.Size())
	if rec := t.Recording(); rec != nil {
		fmt.Fprintf(tw, "Title:\t%s\n", rec.Title)
		fmt.Fprintf(tw, "Subtitle:\t%s\n", rec.Subtitle)
		fmt.Fprintf(tw, "Description:\t%s\n", rec.Description)
		fmt.Fprintf(tw, "Genre:\t%s\n", rec.Genre)
		fmt.Fprintf(tw, "Channel:\t%s (%s)\n", rec.ChannelName, rec.ChanID)
		fmt.Fprintf(tw, "Start:\t%s\n", rec.Start.Local().Format(time.RFC3339))
		fmt.Fprintf(tw, "End:\t%s\n", rec.End.Local().Format(time.RFC3339))
		fmt.Fprintf(tw, "Duration:\t%s\n", rec.Duration)
		fmt.Fprintf(tw, "URL:\t%s\n", rec.URL(loc))
		fmt.Fprintf(tw, "Artwork:\t%s\n", rec.ArtworkURL(loc))
	} else {
		fmt.Fprintf(tw, "Metadata:\tnot in catalog\n")
	}
	fmt.Fprintf(tw, "Seek points:\t%d\n", len(t.SeekPoints()))
	return tw.Flush()
}

func runCuts(args []string) error {
	fs := flag.NewFlagSet("cuts", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	t, _, done, err := openTransfer(ctx, fs, &common, false)
	if err != nil {
		return err
	}
	defer done()

	titles := t.Titles()
	if len(titles) == 0 {
		fmt.Println("no cut list")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	for _, title := range titles {
		fmt.Fprintf(tw, "%s\n", title.Name)
		for i, p := range title.SeekPoints {
			fmt.Fprintf(tw, "  %d\t%s\t%d\n", i, p.Name, p.Offset)
		}
	}
	return tw.Flush()
}

// progressReader alimenta o progress bar com os bytes lidos.
type progressReader struct {
	r        io.Reader
	t        *backend.Transfer
	progress *archive.ProgressReporter
}

func (pr *progressReader) Read(p []byte) (int, error) {
	n, err := pr.r.Read(p)
	if n > 0 {
		pr.progress.AddBytes(int64(n))
		pr.progress.SetTotal(pr.t.Size())
		if points := pr.t.SeekPoints(); len(points) > 1 {
			pr.progress.SetChapter(points[pr.t.Chapter()].Name)
		}
	}
	return n, err
}

func runFetch(args []string) error {
	fs := flag.NewFlagSet("fetch", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	output := fs.String("o", "-", "output file (- for stdout)")
	offset := fs.Int64("offset", 0, "start at this byte offset")
	showProgress := fs.Bool("progress", false, "show progress bar on stderr")
	if err := fs.Parse(args); err != nil {
		return err
	}

	ctx, cancel := signalContext()
	defer cancel()
	t, cfg, done, err := openTransfer(ctx, fs, &common, !*showProgress)
	if err != nil {
		return err
	}
	defer done()
	// Read não recebe contexto: Ctrl-C fecha a sessão
	stop := context.AfterFunc(ctx, func() { t.Close() })
	defer stop()

	if *offset > 0 {
		if _, err := t.Seek(*offset, io.SeekStart); err != nil {
			return fmt.Errorf("seeking to %d: %w", *offset, err)
		}
	}

	var src io.Reader = archive.NewThrottledReader(ctx, t, cfg.Transfer.BandwidthLimitRaw)
	if *showProgress {
		name := t.Recording()
		label := fs.Arg(0)
		if name != nil {
			label = name.DisplayName()
		}
		progress := archive.NewProgressReporter(os.Stderr, label, t.Size())
		progress.AddBytes(*offset)
		defer progress.Stop()
		src = &progressReader{r: src, t: t, progress: progress}
	}

	if *output == "-" {
		_, err := io.Copy(os.Stdout, src)
		return fetchErr(ctx, err)
	}

	pending, err := renameio.NewPendingFile(*output, renameio.WithPermissions(0644))
	if err != nil {
		return fmt.Errorf("creating %s: %w", *output, err)
	}
	defer pending.Cleanup()

	if _, err := io.Copy(pending, src); err != nil {
		return fetchErr(ctx, err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("writing %s: %w", *output, err)
	}
	return nil
}

// fetchErr prefere o cancelamento ao erro de socket fechado que ele provoca.
func fetchErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func runWatch(args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, err := common.load(false)
	if err != nil {
		return err
	}
	logger, closer := common.logger(cfg)
	defer closer.Close()

	loc, err := cfg.Locator()
	if err != nil {
		return err
	}
	ctx, cancel := signalContext()
	defer cancel()

	opts := cfg.ConnOptions()
	opts.Logger = logger
	w := backend.NewWatcher(opts, loc)
	err = w.Run(ctx, func(c backend.Change) {
		fmt.Printf("%s\t%s\t%s\t%s\n", c.Kind, c.Key, c.Recording.DisplayName(), c.Recording.Basename())
	})
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func runArchive(args []string) error {
	fs := flag.NewFlagSet("archive", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	once := fs.Bool("once", false, "run a single archive sweep and exit (no daemon)")
	showProgress := fs.Bool("progress", false, "show progress bars on stderr (only with --once)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if !*once {
		return daemon(&common)
	}

	cfg, err := common.load(true)
	if err != nil {
		return err
	}
	if !cfg.Archive.HasSink() {
		return fmt.Errorf("archive: no sink configured (archive.local.dir or archive.s3.bucket)")
	}
	logger, closer := common.logger(cfg)
	defer closer.Close()

	ctx, cancel := signalContext()
	defer cancel()

	sink, err := archive.NewSink(ctx, cfg)
	if err != nil {
		return err
	}
	a, err := archive.NewArchiver(cfg, sink, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	if *showProgress {
		a.SetProgressOutput(os.Stderr)
	}

	sum, err := a.RunOnce(ctx)
	if sum != nil {
		fmt.Printf("catalog %d, matched %d, archived %d, skipped %d, failed %d, stored %d bytes\n",
			sum.Catalog, sum.Matched, sum.Archived, sum.Skipped, sum.Failed, sum.StoredBytes)
	}
	return err
}

func runDaemon(args []string) error {
	fs := flag.NewFlagSet("daemon", flag.ContinueOnError)
	var common commonFlags
	common.register(fs)
	if err := fs.Parse(args); err != nil {
		return err
	}
	return daemon(&common)
}

func daemon(common *commonFlags) error {
	cfg, err := common.load(true)
	if err != nil {
		return err
	}
	if err := cfg.ValidateDaemon(); err != nil {
		return err
	}
	logger, closer := common.logger(cfg)
	defer closer.Close()

	path := common.configPath
	if path == "" {
		path = defaultConfigPath
	}
	return archive.RunDaemon(path, cfg, logger)
}
