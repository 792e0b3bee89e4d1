package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/scripting-kit/ipadl/internal/background"
	"github.com/scripting-kit/ipadl/internal/diskspace"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/notify"
	"github.com/scripting-kit/ipadl/internal/server"
	"github.com/scripting-kit/ipadl/internal/shutdown"
	"github.com/scripting-kit/ipadl/internal/state"
	"github.com/scripting-kit/ipadl/internal/storage"
	"github.com/scripting-kit/ipadl/internal/tasklist"
	"github.com/scripting-kit/ipadl/internal/version"
)

func runServe(configPath string, args []string) error {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	host := fs.String("host", "", "listen host (overrides config)")
	port := fs.Int("port", 0, "listen port (overrides config)")
	dir := fs.String("dir", "", "download directory (overrides config)")
	debug := fs.Bool("debug", false, "debug logging and gin debug mode")
	if err := fs.Parse(args); err != nil {
		return err
	}

	cfg, cfgMgr := loadConfig(configPath)
	if *host != "" {
		cfg.Server.Host = *host
	}
	if *port != 0 {
		cfg.Server.Port = *port
	}
	if *dir != "" {
		cfg.Download.Directory = *dir
	}
	if *debug {
		cfg.Log.Level = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	if err := logger.InitLogger(&cfg.Log); err != nil {
		return fmt.Errorf("init logger: %w", err)
	}
	log := logger.GetLogger()
	log.WithField("version", version.Get().String()).WithField("config", cfgMgr.GetConfigPath()).WithField("config_created", cfgMgr.Created()).Info("ipadl starting")

	storageMgr, err := storage.NewManager(&cfg.Storage)
	if err != nil {
		return fmt.Errorf("init storage: %w", err)
	}

	var keeper background.Keeper
	if cfg.Background.Enabled {
		keeper = background.LogKeeper{Log: log.Named("background")}
	}
	bg := background.New(keeper, background.WithLogger(log))

	hub := server.NewHub(log)
	dlOpts := []download.Option{
		download.WithNotifier(notify.Multi{notify.Log{Logger: log}, hub}),
		download.WithBackground(bg),
		download.WithLogger(log),
	}
	if cfg.Download.MinFreeSpace > 0 {
		dlOpts = append(dlOpts, download.WithStartGuard(diskspace.Guard(cfg.Download.MinFreeSpace, nil, log)))
	}
	downloads := download.NewManager(downloadConfig(cfg.Download), dlOpts...)

	env := state.NewEnv(storageMgr.GetStore(), log)
	tasks := tasklist.New(env, state.Logger[tasklist.List, tasklist.Action](log.Named("tasklist")))

	srv := server.NewServer(&server.Config{
		Host:           cfg.Server.Host,
		Port:           cfg.Server.Port,
		ReadTimeout:    time.Duration(cfg.Server.ReadTimeout) * time.Second,
		WriteTimeout:   time.Duration(cfg.Server.WriteTimeout) * time.Second,
		CORSEnabled:    cfg.Security.CORSEnabled,
		AllowedOrigins: cfg.Security.AllowedOrigins,
		AutoStart:      cfg.Download.AutoStart,
		Debug:          *debug,
	}, downloads, tasks, hub, server.WithBackground(bg), server.WithLogger(log))

	if err := srv.Restore(); err != nil {
		log.WithError(err).Warn("some tasks could not be restored")
	}

	shutdownMgr := shutdown.NewManager(10 * time.Second)
	shutdownMgr.Register("http-server", srv.Shutdown, shutdown.PriorityCritical)
	shutdownMgr.Register("downloads", downloads.Close, shutdown.PriorityHigh)
	shutdownMgr.Register("storage", func(context.Context) error {
		return storageMgr.Close()
	}, shutdown.PriorityNormal)
	shutdownMgr.Register("logger", func(context.Context) error {
		return log.Close()
	}, shutdown.PriorityLow)

	if err := srv.Start(); err != nil {
		storageMgr.Close()
		return err
	}
	shutdownMgr.Start()

	fmt.Printf("✓ ipadl %s\n", version.Get())
	fmt.Printf("✓ HTTP API: http://%s/api/tasks\n", srv.Addr())
	fmt.Printf("✓ Events:   ws://%s/ws\n", srv.Addr())
	fmt.Printf("✓ Downloads: %s\n", cfg.Download.Directory)
	fmt.Println("\nPress Ctrl+C to stop...")

	<-shutdownMgr.Done()
	shutdownMgr.Wait()
	return nil
}
