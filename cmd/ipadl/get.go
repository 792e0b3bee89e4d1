package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/scripting-kit/ipadl/internal/diskspace"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/tasklist"
)

func runGet(configPath string, args []string) error {
	fs := flag.NewFlagSet("get", flag.ExitOnError)
	dir := fs.String("o", "", "output directory (default: configured download directory)")
	name := fs.String("name", "", "file name (default: from the server or URL)")
	rateLimit := fs.String("rate", "", "bandwidth limit per second, e.g. 2MiB (default: unlimited)")
	verbose := fs.Bool("v", false, "verbose logging")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() != 1 {
		return errors.New("get needs exactly one URL")
	}
	url := fs.Arg(0)

	cfg, _ := loadConfig(configPath)
	dlCfg := downloadConfig(cfg.Download)
	dlCfg.MaxTaskCount, dlCfg.MaxDownloadingCount = 0, 0
	if *dir != "" {
		dlCfg.Directory = *dir
	}
	if *rateLimit != "" {
		n, err := humanize.ParseBytes(*rateLimit)
		if err != nil {
			return fmt.Errorf("invalid -rate: %w", err)
		}
		dlCfg.RateLimit = int64(n)
	}

	level := "warn"
	if *verbose {
		level = "debug"
	}
	log := logger.NewWithWriter(os.Stderr, level, false)

	client := download.NewHTTPClient(dlCfg.Timeout)
	opts := []download.Option{download.WithHTTPClient(client), download.WithLogger(log)}
	if cfg.Download.MinFreeSpace > 0 {
		opts = append(opts, download.WithStartGuard(diskspace.Guard(cfg.Download.MinFreeSpace, nil, log)))
	}
	mgr := download.NewManager(dlCfg, opts...)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	md, err := tasklist.Probe(ctx, client, url)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", url, err)
	}
	taskOpts := download.TaskOptions{URL: url, Name: md.Name, TotalSize: md.Size}
	if *name != "" {
		taskOpts.Name = *name
	}
	task, err := mgr.CreateTask(taskOpts)
	if err != nil {
		return err
	}

	bar := &progressLine{}
	task.OnProgress(bar.update)

	if existing := task.Size(); existing > 0 {
		fmt.Fprintf(os.Stderr, "resuming %s at %s\n", task.Path(), humanize.IBytes(uint64(existing)))
	}
	if _, err := task.Start(true); err != nil {
		return err
	}

	go func() {
		<-ctx.Done()
		task.Cancel()
	}()
	if err := task.Wait(context.Background()); err != nil {
		return err
	}
	bar.finish()

	switch status := task.Status(); status {
	case download.StatusCompleted:
		fmt.Fprintf(os.Stderr, "saved %s (%s)\n", task.Path(), humanize.IBytes(uint64(task.Size())))
		return nil
	case download.StatusCancelled:
		return fmt.Errorf("cancelled, partial file kept at %s; run again to resume", task.Path())
	default:
		return fmt.Errorf("download %s: %w", status, task.Err())
	}
}

// progressLine redraws a single status line at most every 200ms
type progressLine struct {
	mu      sync.Mutex
	last    time.Time
	started time.Time
	base    int64
	drawn   bool
}

func (p *progressLine) update(pr download.Progress) {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	if p.started.IsZero() {
		p.started = now
		p.base = pr.Downloaded
	}
	if now.Sub(p.last) < 200*time.Millisecond && pr.Downloaded != pr.Total {
		return
	}
	p.last = now

	speed := ""
	if elapsed := now.Sub(p.started).Seconds(); elapsed > 0.5 {
		speed = humanize.IBytes(uint64(float64(pr.Downloaded-p.base)/elapsed)) + "/s"
	}
	if pr.Total > 0 {
		fmt.Fprintf(os.Stderr, "\r%6.1f%%  %s / %s  %s\033[K", pr.Clamped()*100,
			humanize.IBytes(uint64(pr.Downloaded)), humanize.IBytes(uint64(pr.Total)), speed)
	} else {
		fmt.Fprintf(os.Stderr, "\r%s  %s\033[K", humanize.IBytes(uint64(pr.Downloaded)), speed)
	}
	p.drawn = true
}

func (p *progressLine) finish() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.drawn {
		fmt.Fprintln(os.Stderr)
	}
}
