package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/wippyai/wasm-engine/cache"
	"github.com/wippyai/wasm-engine/engine"
	"github.com/wippyai/wasm-engine/errors"
	"github.com/wippyai/wasm-engine/linker"
	"github.com/wippyai/wasm-engine/runtime"
)

type options struct {
	wasmFile     string
	invoke       string
	compiler     string
	configPath   string
	cacheDir     string
	cacheKey     string
	args         []string
	fuel         uint64
	disableCache bool
	list         bool
	verbose      bool
}

func main() {
	opts, err := parseFlags(os.Args[1:], os.Stderr)
	if err != nil {
		os.Exit(2)
	}
	if err := run(context.Background(), opts, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(argv []string, stderr io.Writer) (options, error) {
	var opts options
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	fs.SetOutput(stderr)
	fs.StringVar(&opts.invoke, "invoke", "", "Exported function to call (default _start)")
	fs.StringVar(&opts.invoke, "i", "", "Shorthand for -invoke")
	fs.StringVar(&opts.compiler, "compiler", "", "Compiler backend: baseline or optimizing")
	fs.StringVar(&opts.configPath, "config", "", "TOML configuration file")
	fs.StringVar(&opts.cacheDir, "cache-dir", "", "Compiled module cache directory")
	fs.StringVar(&opts.cacheKey, "cache-key", "", "Hex cache key to use instead of the content hash")
	fs.BoolVar(&opts.disableCache, "disable-cache", false, "Disable the compiled module cache")
	fs.Uint64Var(&opts.fuel, "fuel", 0, "Fuel units per instance (0 = unmetered)")
	fs.BoolVar(&opts.list, "list", false, "List exports and exit")
	fs.BoolVar(&opts.verbose, "v", false, "Verbose logging")
	fs.Usage = func() {
		fmt.Fprintln(stderr, "Usage: run [flags] <file.wasm> [args...]")
		fs.PrintDefaults()
	}
	if err := fs.Parse(argv); err != nil {
		return opts, err
	}
	if fs.NArg() == 0 {
		fs.Usage()
		return opts, fmt.Errorf("missing wasm file")
	}
	opts.wasmFile = fs.Arg(0)
	opts.args = fs.Args()[1:]
	return opts, nil
}

func run(ctx context.Context, opts options, stdout io.Writer) error {
	data, err := os.ReadFile(opts.wasmFile)
	if err != nil {
		return errors.Load("read "+opts.wasmFile, err)
	}

	rtOpts, err := runtimeOptions(opts)
	if err != nil {
		return err
	}
	rt, err := runtime.New(rtOpts...)
	if err != nil {
		return fmt.Errorf("create runtime: %w", err)
	}
	defer rt.Close()

	mod, err := compile(ctx, rt, opts, data)
	if err != nil {
		return fmt.Errorf("compile: %w", err)
	}

	if opts.list {
		for _, exp := range mod.Exports() {
			if exp.Func != nil {
				fmt.Fprintf(stdout, "%s: func %s\n", exp.Name, exp.Func)
				continue
			}
			fmt.Fprintf(stdout, "%s: %s\n", exp.Name, linker.Extern{Kind: exp.Kind}.KindName())
		}
		return nil
	}

	inst, err := rt.Instantiate(ctx, mod, linker.NewImports())
	if err != nil {
		return fmt.Errorf("instantiate: %w", err)
	}

	name := opts.invoke
	if name == "" {
		if _, ok := mod.ExportType("_start"); !ok {
			return nil
		}
		name = "_start"
	}
	exp, ok := mod.ExportType(name)
	if !ok || exp.Func == nil {
		return errors.NoSuchExport(name)
	}
	args, err := linker.ParseArgs(*exp.Func, opts.args)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}
	results, err := inst.Call(ctx, name, args...)
	if err != nil {
		return fmt.Errorf("invoke %s: %w", name, err)
	}
	if len(results) > 0 {
		parts := make([]string, len(results))
		for i, r := range results {
			parts[i] = fmt.Sprint(r)
		}
		fmt.Fprintln(stdout, strings.Join(parts, " "))
	}
	return nil
}

func runtimeOptions(opts options) ([]runtime.Option, error) {
	cfg := runtime.DefaultConfig()
	if opts.configPath != "" {
		loaded, err := runtime.LoadConfig(opts.configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	}
	if opts.compiler != "" {
		cfg.Compiler = opts.compiler
	}
	if opts.fuel > 0 {
		cfg.Fuel = opts.fuel
	}
	switch {
	case opts.disableCache:
		cfg.Cache.Disabled = true
	case opts.cacheDir != "":
		cfg.Cache = runtime.CacheConfig{Dir: opts.cacheDir}
	case cfg.Cache == (runtime.CacheConfig{}):
		if dir, err := os.UserCacheDir(); err == nil {
			cfg.Cache.Dir = filepath.Join(dir, "wasm-engine", cfg.Compiler)
		}
	}

	rtOpts := []runtime.Option{runtime.WithConfig(cfg)}
	if opts.verbose {
		l, err := zap.NewDevelopment()
		if err != nil {
			return nil, err
		}
		rtOpts = append(rtOpts, runtime.WithLogger(l))
	}
	return rtOpts, nil
}

// compile uses the -cache-key when it parses and the content hash
// otherwise.
func compile(ctx context.Context, rt *runtime.Runtime, opts options, data []byte) (*engine.Module, error) {
	if opts.cacheKey != "" {
		if key, err := cache.ParseKey(opts.cacheKey); err == nil {
			return rt.CompileWithKey(ctx, key, data)
		}
	}
	return rt.Compile(ctx, data)
}
