// ipadl - resumable download manager
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/scripting-kit/ipadl/internal/config"
	"github.com/scripting-kit/ipadl/internal/download"
	"github.com/scripting-kit/ipadl/internal/version"
)

const usage = `Usage: ipadl [-config path] <command> [flags]

Commands:
  serve            run the HTTP API
  get [flags] URL  download a single file with progress
  version          print version information
`

func main() {
	configPath := flag.String("config", "", "config file (default config/ipadl.yaml, or $IPADL_CONFIG_DIR)")
	flag.Usage = func() {
		fmt.Fprint(os.Stderr, usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	var err error
	switch args[0] {
	case "serve":
		err = runServe(*configPath, args[1:])
	case "get":
		err = runGet(*configPath, args[1:])
	case "version":
		fmt.Println(version.Get().FullString())
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		flag.Usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the config file, falling back to defaults when it
// cannot be loaded
func loadConfig(path string) (*config.Config, *config.Manager) {
	mgr := config.NewManager()
	if path != "" {
		mgr = config.NewManagerWithPath(path)
	}
	cfg, err := mgr.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: cannot load config, using defaults: %v\n", err)
		cfg = config.DefaultConfig()
	} else if mgr.Created() {
		fmt.Fprintf(os.Stderr, "wrote default config to %s\n", mgr.GetConfigPath())
	}
	return cfg, mgr
}

func downloadConfig(cfg config.DownloadConfig) download.Config {
	ua := cfg.UserAgent
	if ua == "" {
		ua = version.UserAgent()
	}
	return download.Config{
		Directory:           cfg.Directory,
		MaxTaskCount:        cfg.MaxTaskCount,
		MaxDownloadingCount: cfg.MaxDownloadingCount,
		ChunkSize:           int64(cfg.ChunkSize),
		RateLimit:           cfg.RateLimit,
		Timeout:             time.Duration(cfg.Timeout) * time.Second,
		UserAgent:           ua,
	}
}
