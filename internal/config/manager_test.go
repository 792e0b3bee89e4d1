package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/scripting-kit/ipadl/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	config := DefaultConfig()

	assert.Equal(t, 9290, config.Server.Port)
	assert.Equal(t, 20, config.Download.MaxTaskCount)
	assert.Equal(t, 2, config.Download.MaxDownloadingCount)
	assert.Equal(t, storage.StorageTypeSQLite, config.Storage.Type)
	assert.True(t, config.Background.Enabled)
	assert.NoError(t, config.Validate())
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
		errMsg  string
	}{
		{
			name:   "Valid config",
			mutate: func(c *Config) {},
		},
		{
			name:    "Invalid port",
			mutate:  func(c *Config) { c.Server.Port = 70000 },
			wantErr: true,
			errMsg:  "invalid server port",
		},
		{
			name:    "Empty download directory",
			mutate:  func(c *Config) { c.Download.Directory = "" },
			wantErr: true,
			errMsg:  "download directory cannot be empty",
		},
		{
			name:    "Negative downloading count",
			mutate:  func(c *Config) { c.Download.MaxDownloadingCount = -1 },
			wantErr: true,
			errMsg:  "max downloading count cannot be negative",
		},
		{
			name: "Downloading count above task count",
			mutate: func(c *Config) {
				c.Download.MaxTaskCount = 2
				c.Download.MaxDownloadingCount = 3
			},
			wantErr: true,
			errMsg:  "exceeds max task count",
		},
		{
			name: "Unbounded task count allows any downloading count",
			mutate: func(c *Config) {
				c.Download.MaxTaskCount = 0
				c.Download.MaxDownloadingCount = 8
			},
		},
		{
			name:    "Chunk size too small",
			mutate:  func(c *Config) { c.Download.ChunkSize = 10 },
			wantErr: true,
			errMsg:  "chunk size too small",
		},
		{
			name:    "Rate limit below chunk size",
			mutate:  func(c *Config) { c.Download.RateLimit = 1024 },
			wantErr: true,
			errMsg:  "must be at least one chunk",
		},
		{
			name:    "SQLite without path",
			mutate:  func(c *Config) { c.Storage.SQLite = nil },
			wantErr: true,
			errMsg:  "requires a database path",
		},
		{
			name:    "Unknown storage",
			mutate:  func(c *Config) { c.Storage.Type = "postgresql" },
			wantErr: true,
			errMsg:  "invalid storage type",
		},
		{
			name:    "Unknown log output",
			mutate:  func(c *Config) { c.Log.Output = "syslog" },
			wantErr: true,
			errMsg:  "invalid log output",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := DefaultConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.errMsg)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestManagerLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config", "ipadl.yaml")
	mgr := NewManagerWithPath(path)

	config, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, 9290, config.Server.Port)
	assert.True(t, mgr.Created())

	_, err = os.Stat(path)
	assert.NoError(t, err, "default config should be written to disk")

	_, err = mgr.Load()
	require.NoError(t, err)
	assert.False(t, mgr.Created(), "second load reads the written file")
}

func TestManagerSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipadl.yaml")
	mgr := NewManagerWithPath(path)

	config := DefaultConfig()
	config.Download.MaxDownloadingCount = 1
	config.Download.RateLimit = 1024 * 1024
	require.NoError(t, mgr.Save(config))

	loaded, err := NewManagerWithPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.Download.MaxDownloadingCount)
	assert.Equal(t, int64(1024*1024), loaded.Download.RateLimit)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	require.Len(t, entries, 1, "no temp file left behind")
	assert.Equal(t, "ipadl.yaml", entries[0].Name())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "# ipadl configuration"))
}

func TestManagerLoadPartialFileKeepsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipadl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("download:\n  max_downloading_count: 3\n"), 0644))

	config, err := NewManagerWithPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 3, config.Download.MaxDownloadingCount)
	assert.Equal(t, 20, config.Download.MaxTaskCount)
	assert.Equal(t, 9290, config.Server.Port)
}

func TestManagerLoadInvalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipadl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  port: -5\n"), 0644))

	_, err := NewManagerWithPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid config")
}

func TestManagerGetReturnsDefaultBeforeLoad(t *testing.T) {
	mgr := NewManagerWithPath(filepath.Join(t.TempDir(), "ipadl.yaml"))
	assert.Equal(t, 9290, mgr.Get().Server.Port)
}

func TestManagerLoadRejectsUnknownKeys(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipadl.yaml")
	require.NoError(t, os.WriteFile(path, []byte("download:\n  max_downloding_count: 3\n"), 0644))

	_, err := NewManagerWithPath(path).Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "max_downloding_count")
	assert.Contains(t, err.Error(), path)
}

func TestManagerLoadEmptyFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ipadl.yaml")
	require.NoError(t, os.WriteFile(path, nil, 0644))

	mgr := NewManagerWithPath(path)
	config, err := mgr.Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Download.MaxTaskCount, config.Download.MaxTaskCount)
	assert.False(t, mgr.Created())
}

func TestManagerGetReturnsCopy(t *testing.T) {
	mgr := NewManagerWithPath(filepath.Join(t.TempDir(), "ipadl.yaml"))
	_, err := mgr.Load()
	require.NoError(t, err)

	got := mgr.Get()
	got.Security.AllowedOrigins[0] = "http://evil.example"
	got.Storage.SQLite.Path = "/elsewhere.db"

	again := mgr.Get()
	assert.Equal(t, []string{"*"}, again.Security.AllowedOrigins)
	assert.NotEqual(t, "/elsewhere.db", again.Storage.SQLite.Path)
}
