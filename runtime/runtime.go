package runtime

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/wippyai/wasm-engine/cache"
	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/engine/interp"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/memory"
	"github.com/wippyai/wasm-engine/signature"
)

// backend is what a session needs from a compiler strategy.
type backend interface {
	engine.Compiler
	engine.Codec
}

// Runtime is one session: a signature registry, a compiler and an optional
// module cache. Modules compiled by a Runtime link only with instances of
// the same Runtime.
type Runtime struct {
	cfg      Config
	log      *zap.Logger
	reg      *signature.Registry
	compiler backend
	cache    *cache.Cache
}

// New creates a session.
func New(opts ...Option) (*Runtime, error) {
	cfg := DefaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}

	r := &Runtime{
		cfg: cfg,
		log: zap.NewNop(),
		reg: signature.NewRegistry(),
	}
	if cfg.logger != nil {
		r.log = cfg.logger
		engine.SetLogger(cfg.logger)
		linker.SetLogger(cfg.logger)
		cache.SetLogger(cfg.logger)
	}

	switch cfg.Compiler {
	case interp.BaselineName:
		r.compiler = interp.NewBaseline(r.reg)
	default:
		r.compiler = interp.NewOptimizing(r.reg)
	}

	store := cfg.store
	if store == nil && !cfg.Cache.Disabled {
		s, err := cfg.openStore()
		if err != nil {
			return nil, errors.Wrap(errors.PhaseCache, errors.KindIO, err, "open cache")
		}
		store = s
	}
	if store != nil && !cfg.Cache.Disabled {
		r.cache = cache.New(store)
	}

	r.log.Debug("runtime created",
		zap.String("compiler", r.compiler.Name()),
		zap.Bool("cache", r.cache != nil),
		zap.Uint32("memory_limit_pages", cfg.MemoryLimitPages),
		zap.Int("max_call_depth", cfg.MaxCallDepth),
		zap.Uint64("fuel", cfg.Fuel))
	return r, nil
}

// Close releases the cache store.
func (r *Runtime) Close() error {
	if r.cache != nil {
		return r.cache.Close()
	}
	return nil
}

// Config returns the session settings.
func (r *Runtime) Config() Config {
	return r.cfg
}

// Registry returns the session's signature registry.
func (r *Runtime) Registry() *signature.Registry {
	return r.reg
}

// Compile compiles bin, consulting the cache under the binary's content
// hash.
func (r *Runtime) Compile(ctx context.Context, bin []byte) (*engine.Module, error) {
	return r.CompileWithKey(ctx, cache.Hash(bin), bin)
}

// CompileWithKey compiles bin, consulting the cache under key.
func (r *Runtime) CompileWithKey(ctx context.Context, key cache.Key, bin []byte) (*engine.Module, error) {
	start := time.Now()
	if r.cache != nil {
		if mod, ok := r.cache.Load(ctx, key, r.reg, bin, r.compiler); ok {
			if err := r.checkFeatures(mod); err != nil {
				return nil, err
			}
			return mod, nil
		}
	}

	mod, err := r.compiler.Compile(ctx, bin)
	if err != nil {
		r.log.Debug("compile failed", zap.Error(err))
		return nil, err
	}
	if err := r.checkFeatures(mod); err != nil {
		return nil, err
	}
	r.log.Debug("compiled",
		zap.String("module", mod.Name()),
		zap.String("compiler", mod.Backend()),
		zap.Int("funcs", mod.NumFuncs()),
		zap.Duration("elapsed", time.Since(start)))

	if r.cache != nil {
		if err := r.cache.Save(ctx, key, mod, r.compiler); err != nil {
			r.log.Warn("cache store failed", zap.Stringer("key", key), zap.Error(err))
		}
	}
	return mod, nil
}

func (r *Runtime) checkFeatures(mod *engine.Module) error {
	if r.cfg.SharedMemory {
		return nil
	}
	for _, m := range mod.Memories() {
		if m.Limits.Shared {
			return errors.Unsupported("shared memory")
		}
	}
	for _, imp := range mod.Imports() {
		if imp.Memory != nil && imp.Memory.Limits.Shared {
			return errors.Unsupported("shared memory")
		}
	}
	return nil
}

// Instantiate links mod against imports with the session's limits.
func (r *Runtime) Instantiate(ctx context.Context, mod *engine.Module, imports *linker.Imports) (*linker.Instance, error) {
	if mod.Registry() != r.reg {
		return nil, errors.InvalidInput(errors.PhaseLink, "module was compiled by another runtime")
	}
	inst, err := linker.Instantiate(ctx, mod, imports, r.linkOptions()...)
	if err != nil {
		return nil, err
	}
	return inst, nil
}

func (r *Runtime) linkOptions() []linker.Option {
	opts := []linker.Option{
		linker.WithMaxCallDepth(r.cfg.MaxCallDepth),
		linker.WithMemoryOptions(memory.WithLimitPages(r.cfg.MemoryLimitPages)),
	}
	if r.cfg.Fuel > 0 {
		opts = append(opts, linker.WithFuel(r.cfg.Fuel))
	}
	return opts
}

// CompileAndInstantiate compiles bin and links it in one step.
func (r *Runtime) CompileAndInstantiate(ctx context.Context, bin []byte, imports *linker.Imports) (*linker.Instance, error) {
	mod, err := r.Compile(ctx, bin)
	if err != nil {
		return nil, err
	}
	return r.Instantiate(ctx, mod, imports)
}

// InstantiateN creates n independent instances of mod concurrently. On any
// failure the first error is returned and no instances.
func (r *Runtime) InstantiateN(ctx context.Context, mod *engine.Module, imports *linker.Imports, n int) ([]*linker.Instance, error) {
	if n < 0 {
		return nil, errors.InvalidInput(errors.PhaseLink, fmt.Sprintf("instance count %d", n))
	}
	out := make([]*linker.Instance, n)
	g, gctx := errgroup.WithContext(ctx)
	for i := range out {
		g.Go(func() error {
			inst, err := r.Instantiate(gctx, mod, imports)
			if err != nil {
				return err
			}
			out[i] = inst
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return out, nil
}
