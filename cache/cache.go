// Package cache stores compiled modules so later sessions can skip
// lowering. Entries are keyed by the blake2b hash of the binary or by an
// explicit key, and hold the backend's serialized function bodies in
// canonical CBOR.
//
// A cache is an embedder-side collaborator: a failed or corrupt lookup is
// reported as a miss and never fails compilation.
package cache

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/signature"
)

var (
	logger     *zap.Logger
	loggerOnce sync.Once
)

// Logger returns the package logger.
func Logger() *zap.Logger {
	loggerOnce.Do(func() {
		if logger == nil {
			logger = zap.NewNop()
		}
	})
	return logger
}

// SetLogger sets the package logger.
func SetLogger(l *zap.Logger) {
	loggerOnce.Do(func() {})
	logger = l
}

// Cache wraps a Store with module encoding.
type Cache struct {
	store Store
}

// New creates a cache over store.
func New(store Store) *Cache {
	return &Cache{store: store}
}

// Load restores the module stored under key for bin. ok is false on a
// miss, including unreadable or stale entries; those are deleted.
func (c *Cache) Load(ctx context.Context, key Key, reg *signature.Registry, bin []byte, codec engine.Codec) (*engine.Module, bool) {
	data, ok, err := c.store.Get(ctx, key)
	if err != nil {
		Logger().Warn("cache read failed", zap.Stringer("key", key), zap.Error(err))
		return nil, false
	}
	if !ok {
		Logger().Debug("cache miss", zap.Stringer("key", key))
		return nil, false
	}
	mod, err := Decode(data, reg, bin, codec)
	if err != nil {
		Logger().Warn("discarding cache entry", zap.Stringer("key", key), zap.Error(err))
		if err := c.store.Delete(ctx, key); err != nil {
			Logger().Warn("cache delete failed", zap.Stringer("key", key), zap.Error(err))
		}
		return nil, false
	}
	Logger().Debug("cache hit", zap.Stringer("key", key), zap.String("backend", codec.Name()))
	return mod, true
}

// Save stores mod under key.
func (c *Cache) Save(ctx context.Context, key Key, mod *engine.Module, codec engine.Codec) error {
	data, err := Encode(mod, codec)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, key, data); err != nil {
		return err
	}
	Logger().Debug("cache store", zap.Stringer("key", key), zap.Int("bytes", len(data)))
	return nil
}

// Close closes the underlying store.
func (c *Cache) Close() error {
	return c.store.Close()
}
