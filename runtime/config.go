package runtime

import (
	"github.com/BurntSushi/toml"
	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/cache"
	"github.com/wippyai/wasm-engine/engine/interp"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/vm"
)

// CacheConfig selects the compiled-module store. SQLite takes precedence
// over Dir.
type CacheConfig struct {
	Dir      string `toml:"dir"`
	SQLite   string `toml:"sqlite"`
	Disabled bool   `toml:"disabled"`
}

// Config holds the session settings.
type Config struct {
	logger *zap.Logger
	store  cache.Store

	Compiler         string      `toml:"compiler"`
	Cache            CacheConfig `toml:"cache"`
	Fuel             uint64      `toml:"fuel"`
	MaxCallDepth     int         `toml:"max_call_depth"`
	MemoryLimitPages uint32      `toml:"memory_limit_pages"`
	SharedMemory     bool        `toml:"shared_memory"`
}

// DefaultConfig returns the settings used when no option overrides them.
func DefaultConfig() Config {
	return Config{
		Compiler:         interp.OptimizingName,
		MaxCallDepth:     vm.DefaultMaxCallDepth,
		MemoryLimitPages: memory.MaxPages,
		SharedMemory:     true,
	}
}

// Option adjusts a Config.
type Option func(*Config)

// WithCompiler selects the backend by name: "baseline" or "optimizing".
func WithCompiler(name string) Option {
	return func(c *Config) { c.Compiler = name }
}

// WithLogger sets the session logger. It also becomes the logger of the
// engine, linker and cache packages.
func WithLogger(l *zap.Logger) Option {
	return func(c *Config) { c.logger = l }
}

// WithCache stores compiled modules in s.
func WithCache(s cache.Store) Option {
	return func(c *Config) { c.store = s }
}

// WithMemoryLimitPages caps every memory the session creates.
func WithMemoryLimitPages(pages uint32) Option {
	return func(c *Config) { c.MemoryLimitPages = pages }
}

// WithMaxCallDepth bounds nested guest calls per instance.
func WithMaxCallDepth(n int) Option {
	return func(c *Config) { c.MaxCallDepth = n }
}

// WithFuel gives every instance n units of fuel. Zero disables metering.
func WithFuel(n uint64) Option {
	return func(c *Config) { c.Fuel = n }
}

// WithSharedMemory allows or rejects modules that declare shared memories.
func WithSharedMemory(enabled bool) Option {
	return func(c *Config) { c.SharedMemory = enabled }
}

// WithConfig replaces every file-backed setting with cfg's.
func WithConfig(cfg Config) Option {
	return func(c *Config) {
		cfg.logger, cfg.store = c.logger, c.store
		*c = cfg
	}
}

// LoadConfig reads a TOML file on top of DefaultConfig. Unknown keys are
// rejected.
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	md, err := toml.DecodeFile(path, &cfg)
	if err != nil {
		return Config{}, errors.Wrap(errors.PhaseConfig, errors.KindInvalidInput, err, "decode "+path)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return Config{}, errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Path(path).
			Detail("unknown key %q", undecoded[0].String()).
			Build()
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Compiler {
	case interp.BaselineName, interp.OptimizingName:
	default:
		return errors.New(errors.PhaseConfig, errors.KindInvalidInput).
			Value(c.Compiler).
			Detail("unknown compiler %q", c.Compiler).
			Build()
	}
	if c.MaxCallDepth <= 0 {
		return errors.InvalidInput(errors.PhaseConfig, "max_call_depth must be positive")
	}
	if c.MemoryLimitPages == 0 || c.MemoryLimitPages > memory.MaxPages {
		return errors.InvalidInput(errors.PhaseConfig, "memory_limit_pages must be in [1, 65536]")
	}
	return nil
}

// openStore builds the store named by the cache section, or nil.
func (c *Config) openStore() (cache.Store, error) {
	switch {
	case c.Cache.Disabled:
		return nil, nil
	case c.Cache.SQLite != "":
		return cache.OpenSQLite(c.Cache.SQLite)
	case c.Cache.Dir != "":
		return cache.NewFileStore(c.Cache.Dir)
	}
	return nil, nil
}
