package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/lvcoi/ytdl-web/internal/app"
	"github.com/lvcoi/ytdl-web/internal/catalog"
	"github.com/lvcoi/ytdl-web/internal/config"
	"github.com/lvcoi/ytdl-web/internal/jobs"
	"github.com/lvcoi/ytdl-web/internal/logging"
	"github.com/lvcoi/ytdl-web/internal/tui"
)

type options struct {
	configPath string
	addr       string
	logLevel   string
	get        string
	format     string
	kind       string
	jobs       int
	quiet      bool
	jsonOut    bool
}

func main() {
	var opts options
	flag.StringVar(&opts.configPath, "config", "", "path to a YAML config file")
	flag.StringVar(&opts.addr, "addr", "", "listen address (overrides config, e.g. :5000)")
	flag.StringVar(&opts.logLevel, "log-level", "", "log level: debug, info, warn, error")
	flag.StringVar(&opts.get, "get", "", "download this URL from the terminal instead of serving")
	flag.StringVar(&opts.format, "format", "", "format id to download in terminal mode (default best)")
	flag.StringVar(&opts.kind, "type", "video", "download type in terminal mode: video or audio")
	flag.IntVar(&opts.jobs, "jobs", 1, "concurrent downloads when several URLs are given")
	flag.BoolVar(&opts.quiet, "quiet", false, "no progress view in terminal mode")
	flag.BoolVar(&opts.jsonOut, "json", false, "print terminal mode results as JSON lines")
	flag.Parse()

	os.Exit(run(opts, flag.Args()))
}

func run(opts options, args []string) int {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return app.ExitFailed
	}
	if opts.addr != "" {
		cfg.Server.Addr = opts.addr
	}
	if opts.logLevel != "" {
		cfg.Log.Level = opts.logLevel
	}

	var urls []string
	if opts.get != "" {
		urls = append(urls, opts.get)
	}
	urls = append(urls, args...)
	serve := len(urls) == 0

	logger, closeLog, err := logging.New(cfg.Log.Level, cfg.Log.File, serve)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return app.ExitFailed
	}
	defer closeLog()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Error("startup failed", zap.Error(err))
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return app.ExitFailed
	}
	defer a.Close()

	if serve {
		logger.Info("starting ytdl-web",
			zap.String("addr", cfg.Server.Addr),
			zap.String("backend", cfg.Gateway.Backend),
			zap.String("downloads", a.Manager.OutputDir()),
		)
		if err := a.Serve(ctx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Error("server stopped", zap.Error(err))
			return app.ExitFailed
		}
		return app.ExitOK
	}

	if len(urls) == 1 && !opts.quiet && !opts.jsonOut {
		return interactive(ctx, a, opts, urls[0])
	}
	return batch(ctx, a, opts, urls)
}

// interactive probes url, prints its catalog and watches one download.
func interactive(ctx context.Context, a *app.App, opts options, url string) int {
	res, err := a.Gateway.Probe(ctx, url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return app.ExitFailed
	}
	fmt.Fprint(os.Stderr, tui.RenderCatalog(tui.Info{
		Title:    res.Title,
		Uploader: res.Uploader,
		Duration: catalog.FormatDuration(res.Duration),
	}, catalog.Reconcile(res.Formats)))

	id := a.Manager.Submit(requestFor(opts, url, res.Title, res.Uploader))
	snap, err := tui.Watch(ctx, a.Manager, id, res.Title, os.Stderr)
	if err != nil {
		if errors.Is(err, tui.ErrInterrupted) || errors.Is(err, context.Canceled) {
			return app.ExitInterrupted
		}
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return app.ExitFailed
	}
	if snap.Status != jobs.StatusCompleted {
		fmt.Fprintf(os.Stderr, "error: %s\n", snap.Message)
		return app.ExitFailed
	}
	fmt.Println(snap.Filepath)
	return app.ExitOK
}

func batch(ctx context.Context, a *app.App, opts options, urls []string) int {
	reqs := make([]jobs.Request, 0, len(urls))
	for _, u := range urls {
		reqs = append(reqs, requestFor(opts, u, "", ""))
	}
	results, code := app.Run(ctx, a.Manager, reqs, opts.jobs)

	enc := json.NewEncoder(os.Stdout)
	enc.SetEscapeHTML(false)
	for _, r := range results {
		switch {
		case opts.jsonOut:
			_ = enc.Encode(r)
		case r.Err != nil:
			fmt.Fprintf(os.Stderr, "error: %s: %v\n", r.URL, r.Err)
		default:
			fmt.Println(r.File)
		}
	}
	return code
}

func requestFor(opts options, url, title, artist string) jobs.Request {
	format := opts.format
	if format == "" {
		format = catalog.BestVideo.FormatID
		if opts.kind == "audio" {
			format = catalog.BestAudio.FormatID
		}
	}
	return jobs.Request{URL: url, FormatID: format, Type: opts.kind, Title: title, Artist: artist}
}
