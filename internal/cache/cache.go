// Package cache provides an in-memory map that can mirror selected entries
// to a storage.Store.
package cache

import (
	"context"
	"sync"
	"time"

	"github.com/scripting-kit/ipadl/internal/logger"
	"github.com/scripting-kit/ipadl/internal/storage"
)

// writeTimeout bounds a single mirrored write
const writeTimeout = 5 * time.Second

// Persistable lets a cached value opt out of being mirrored to storage,
// for example while it is still pending.
type Persistable interface {
	Persistable() bool
}

// Persistent is a concurrency-safe map with optional write-through.
type Persistent struct {
	mu       sync.RWMutex
	store    storage.Store
	log      *logger.Logger
	values   map[string]interface{}
	bindings map[string]string
}

// New creates a cache mirroring bound keys to store. A nil store disables
// write-through entirely.
func New(store storage.Store, log *logger.Logger) *Persistent {
	if log == nil {
		log = logger.GetLogger().Named("cache")
	}
	return &Persistent{
		store:    store,
		log:      log,
		values:   make(map[string]interface{}),
		bindings: make(map[string]string),
	}
}

// Bind mirrors future writes of key to storageKey.
func (c *Persistent) Bind(key, storageKey string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if storageKey == "" {
		delete(c.bindings, key)
		return
	}
	c.bindings[key] = storageKey
}

// Get returns the cached value for key.
func (c *Persistent) Get(key string) (interface{}, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.values[key]
	return v, ok
}

// Has reports whether key is cached.
func (c *Persistent) Has(key string) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.values[key]
	return ok
}

// Set stores value under key and, if key is bound, mirrors it to storage.
// Errors and values reporting themselves as not persistable stay in memory.
// Storage failures are logged.
func (c *Persistent) Set(key string, value interface{}) {
	c.mu.Lock()
	c.values[key] = value
	storageKey, bound := c.bindings[key]
	c.mu.Unlock()

	if !bound || c.store == nil || !persistable(value) {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := storage.SetJSON(ctx, c.store, storageKey, value); err != nil {
		c.log.WithError(err).WithField("key", storageKey).Warn("failed to persist cached value")
	}
}

func persistable(value interface{}) bool {
	if value == nil {
		return true
	}
	if _, ok := value.(error); ok {
		return false
	}
	if p, ok := value.(Persistable); ok {
		return p.Persistable()
	}
	return true
}

// Delete removes key from memory. The persisted copy is left in place.
func (c *Persistent) Delete(key string) {
	c.mu.Lock()
	delete(c.values, key)
	c.mu.Unlock()
}

// Load decodes the persisted JSON under storageKey into out.
// It reports false when nothing is stored.
func (c *Persistent) Load(storageKey string, out interface{}) (bool, error) {
	if c.store == nil {
		return false, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return storage.GetJSON(ctx, c.store, storageKey, out)
}
