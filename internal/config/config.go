// Package config provides configuration management for ipadl.
// It handles loading, saving, and validating configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/scripting-kit/ipadl/internal/storage"
)

const (
	// DefaultConfigDir is the default configuration directory
	DefaultConfigDir = "config"
	// DefaultConfigFile is the default configuration file name
	DefaultConfigFile = "ipadl.yaml"
)

// Config represents the complete application configuration
type Config struct {
	Server     ServerConfig          `mapstructure:"server" yaml:"server" json:"server"`
	Download   DownloadConfig        `mapstructure:"download" yaml:"download" json:"download"`
	Storage    storage.StorageConfig `mapstructure:"storage" yaml:"storage" json:"storage"`
	Log        LogConfig             `mapstructure:"log" yaml:"log" json:"log"`
	Background BackgroundConfig      `mapstructure:"background" yaml:"background" json:"background"`
	Security   SecurityConfig        `mapstructure:"security" yaml:"security" json:"security"`
}

// ServerConfig contains HTTP server configuration
type ServerConfig struct {
	Host         string `mapstructure:"host" yaml:"host" json:"host"`
	Port         int    `mapstructure:"port" yaml:"port" json:"port"`
	ReadTimeout  int    `mapstructure:"read_timeout" yaml:"read_timeout" json:"readTimeout"`    // seconds
	WriteTimeout int    `mapstructure:"write_timeout" yaml:"write_timeout" json:"writeTimeout"` // seconds
}

// DownloadConfig contains download manager configuration
type DownloadConfig struct {
	Directory           string `mapstructure:"directory" yaml:"directory" json:"directory"`
	MaxTaskCount        int    `mapstructure:"max_task_count" yaml:"max_task_count" json:"maxTaskCount"`                      // 0 = unbounded
	MaxDownloadingCount int    `mapstructure:"max_downloading_count" yaml:"max_downloading_count" json:"maxDownloadingCount"` // 0 = unbounded
	ChunkSize           int    `mapstructure:"chunk_size" yaml:"chunk_size" json:"chunkSize"`                                 // bytes
	RateLimit           int64  `mapstructure:"rate_limit" yaml:"rate_limit" json:"rateLimit"`                                 // bytes per second, 0 = unlimited
	Timeout             int    `mapstructure:"timeout" yaml:"timeout" json:"timeout"`                                         // response header timeout, seconds
	UserAgent           string `mapstructure:"user_agent" yaml:"user_agent" json:"userAgent"`
	MinFreeSpace        uint64 `mapstructure:"min_free_space" yaml:"min_free_space" json:"minFreeSpace"` // bytes, 0 = no check
	AutoStart           bool   `mapstructure:"auto_start" yaml:"auto_start" json:"autoStart"`
}

// LogConfig contains logging configuration
type LogConfig struct {
	Level     string `mapstructure:"level" yaml:"level" json:"level"`             // debug, info, warn, error
	Format    string `mapstructure:"format" yaml:"format" json:"format"`          // json, text
	Output    string `mapstructure:"output" yaml:"output" json:"output"`          // stdout, file, both
	Directory string `mapstructure:"directory" yaml:"directory" json:"directory"` // log directory
}

// BackgroundConfig controls the keepalive signal raised while downloads run
type BackgroundConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
}

// SecurityConfig contains HTTP API security settings
type SecurityConfig struct {
	CORSEnabled    bool     `mapstructure:"cors_enabled" yaml:"cors_enabled" json:"corsEnabled"`
	AllowedOrigins []string `mapstructure:"allowed_origins" yaml:"allowed_origins" json:"allowedOrigins"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	// Get current working directory or use default
	cwd, _ := os.Getwd()

	return &Config{
		Server: ServerConfig{
			Host:         "127.0.0.1",
			Port:         9290,
			ReadTimeout:  60,
			WriteTimeout: 60,
		},
		Download: DownloadConfig{
			Directory:           filepath.Join(cwd, "downloads"),
			MaxTaskCount:        20,
			MaxDownloadingCount: 2,
			ChunkSize:           256 * 1024,
			Timeout:             60,
			UserAgent:           "ipadl/1.0",
			AutoStart:           true,
		},
		Storage: storage.StorageConfig{
			Type: storage.StorageTypeSQLite,
			SQLite: &storage.SQLiteConfig{
				Path:      filepath.Join(cwd, "data", "ipadl.db"),
				EnableWAL: true,
			},
		},
		Log: LogConfig{
			Level:     "info",
			Format:    "text",
			Output:    "stdout",
			Directory: filepath.Join(cwd, "logs"),
		},
		Background: BackgroundConfig{
			Enabled: true,
		},
		Security: SecurityConfig{
			CORSEnabled:    true,
			AllowedOrigins: []string{"*"},
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	// Validate server settings
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	if c.Server.ReadTimeout < 0 || c.Server.WriteTimeout < 0 {
		return fmt.Errorf("server timeouts cannot be negative")
	}

	// Validate download settings
	if c.Download.Directory == "" {
		return fmt.Errorf("download directory cannot be empty")
	}
	if c.Download.MaxTaskCount < 0 {
		return fmt.Errorf("max task count cannot be negative")
	}
	if c.Download.MaxDownloadingCount < 0 {
		return fmt.Errorf("max downloading count cannot be negative")
	}
	if c.Download.MaxTaskCount > 0 && c.Download.MaxDownloadingCount > c.Download.MaxTaskCount {
		return fmt.Errorf("max downloading count %d exceeds max task count %d",
			c.Download.MaxDownloadingCount, c.Download.MaxTaskCount)
	}
	if c.Download.ChunkSize < 1024 {
		return fmt.Errorf("chunk size too small (minimum 1024 bytes)")
	}
	if c.Download.RateLimit < 0 {
		return fmt.Errorf("rate limit cannot be negative")
	}
	if c.Download.RateLimit > 0 && c.Download.RateLimit < int64(c.Download.ChunkSize) {
		return fmt.Errorf("rate limit %d must be at least one chunk (%d bytes)", c.Download.RateLimit, c.Download.ChunkSize)
	}

	// Validate storage settings
	switch c.Storage.Type {
	case storage.StorageTypeMemory, "":
	case storage.StorageTypeSQLite:
		if c.Storage.SQLite == nil || c.Storage.SQLite.Path == "" {
			return fmt.Errorf("sqlite storage requires a database path")
		}
	default:
		return fmt.Errorf("invalid storage type: %s (must be memory or sqlite)", c.Storage.Type)
	}

	// Validate log settings
	switch c.Log.Output {
	case "", "stdout":
	case "file", "both":
		if c.Log.Directory == "" {
			return fmt.Errorf("log output %q requires a log directory", c.Log.Output)
		}
	default:
		return fmt.Errorf("invalid log output: %s (must be stdout, file, or both)", c.Log.Output)
	}

	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() string {
	// Allow override via environment variable
	if dir := os.Getenv("IPADL_CONFIG_DIR"); dir != "" {
		return dir
	}
	return DefaultConfigDir
}

// Manager manages configuration loading and saving
type Manager struct {
	config     *Config
	configPath string
	created    bool
	mu         sync.RWMutex
}

// NewManager creates a new configuration manager using the default location
func NewManager() *Manager {
	return &Manager{
		configPath: filepath.Join(GetConfigDir(), DefaultConfigFile),
	}
}

// NewManagerWithPath creates a new configuration manager with a custom config path
func NewManagerWithPath(configPath string) *Manager {
	return &Manager{
		configPath: configPath,
	}
}

// GetConfigPath returns the main configuration file path
func (m *Manager) GetConfigPath() string {
	return m.configPath
}
