package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"gopkg.in/yaml.v3"
)

const fileHeader = "# ipadl configuration. Unknown keys are rejected on load.\n"

// Load reads the config file on top of the defaults. A missing file is
// created with the defaults; Created reports that afterwards. Unknown keys
// are an error so a misspelled option is not silently ignored.
func (m *Manager) Load() (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data, err := os.ReadFile(m.configPath)
	if errors.Is(err, fs.ErrNotExist) {
		config := DefaultConfig()
		if err := m.write(config); err != nil {
			return nil, fmt.Errorf("create default config %s: %w", m.configPath, err)
		}
		m.created = true
		return config.clone(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", m.configPath, err)
	}

	config := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("parse config %s: %w", m.configPath, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", m.configPath, err)
	}

	m.config = config
	m.created = false
	return config.clone(), nil
}

// Save validates config and replaces the file atomically
func (m *Manager) Save(config *Config) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.write(config)
}

// write must be called with m.mu held
func (m *Manager) write(config *Config) error {
	if err := config.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	dir := filepath.Dir(m.configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	body, err := yaml.Marshal(config)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(m.configPath)+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	_, err = tmp.WriteString(fileHeader)
	if err == nil {
		_, err = tmp.Write(body)
	}
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err == nil {
		err = os.Chmod(tmp.Name(), 0644)
	}
	if err == nil {
		err = os.Rename(tmp.Name(), m.configPath)
	}
	if err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("write config: %w", err)
	}

	m.config = config.clone()
	return nil
}

// Get returns a copy of the loaded configuration, or the defaults before
// the first Load
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.config == nil {
		return DefaultConfig()
	}
	return m.config.clone()
}

// Created reports whether the last Load wrote a default file because none
// existed
func (m *Manager) Created() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.created
}

func (c *Config) clone() *Config {
	out := *c
	out.Security.AllowedOrigins = slices.Clone(c.Security.AllowedOrigins)
	if c.Storage.SQLite != nil {
		sqlite := *c.Storage.SQLite
		sqlite.Pragmas = maps.Clone(c.Storage.SQLite.Pragmas)
		out.Storage.SQLite = &sqlite
	}
	return &out
}
