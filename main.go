package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/richardartoul/loadercache/backends"
	"github.com/richardartoul/loadercache/config"
	"github.com/richardartoul/loadercache/dedupe"
	"github.com/richardartoul/loadercache/logging"
	"github.com/richardartoul/loadercache/plugin"
	"github.com/richardartoul/loadercache/store"
)

func main() {
	// Check if we have a subcommand
	if len(os.Args) > 1 && !strings.HasPrefix(os.Args[1], "-") {
		subcommand := os.Args[1]

		switch subcommand {
		case "serve":
			runServerCommand(os.Args[2:])
		case "clear":
			runClearCommand(os.Args[2:])
		case "ls":
			runListCommand(os.Args[2:])
		case "help", "-h", "--help":
			printHelp()
		default:
			fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", subcommand)
			printHelp()
			os.Exit(1)
		}
		return
	}

	// No subcommand or starts with -, run the server
	runServerCommand(os.Args[1:])
}

// configPath finds -config in args, falling back to CONFIG_FILE. It runs
// before flag parsing because the file provides the flag defaults.
func configPath(args []string) string {
	for i, arg := range args {
		name, value, hasValue := strings.Cut(strings.TrimLeft(arg, "-"), "=")
		if !strings.HasPrefix(arg, "-") || name != "config" {
			continue
		}
		if hasValue {
			return value
		}
		if i+1 < len(args) {
			return args[i+1]
		}
	}
	return config.FromEnv("config_file")
}

// parseConfig loads the config file and environment, then applies the flags
// in args on top. storageOnly limits the flag set to what locating the cache
// needs.
func parseConfig(name string, args []string, storageOnly bool, usage func(fs *flag.FlagSet)) *config.Config {
	cfg, err := config.Load(configPath(args))
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	fs := flag.NewFlagSet(name, flag.ExitOnError)
	backend := string(cfg.Backend)
	dedupeType := string(cfg.Dedupe)

	fs.String("config", "", "Config file (yaml, toml or json) (env: CONFIG_FILE)")
	fs.BoolVar(&cfg.Debug, "debug", cfg.Debug, "Log every backend operation (env: DEBUG)")
	fs.BoolVar(&cfg.Verbose, "verbose", cfg.Verbose, "Enable debug-level logging (env: VERBOSE)")
	fs.StringVar(&cfg.LogFile, "log-file", cfg.LogFile, "Write logs to a rotated file instead of stderr (env: LOG_FILE)")
	fs.StringVar(&backend, "backend", backend, "Backend type: disk, s3, gcs (env: BACKEND_TYPE)")
	fs.StringVar(&cfg.CacheDir, "cache-dir", cfg.CacheDir, "Cache directory (env: CACHE_DIR)")
	fs.StringVar(&cfg.S3Bucket, "s3-bucket", cfg.S3Bucket, "S3 bucket name (required for s3 backend) (env: S3_BUCKET)")
	fs.StringVar(&cfg.S3Prefix, "s3-prefix", cfg.S3Prefix, "S3 key prefix (optional) (env: S3_PREFIX)")
	fs.StringVar(&cfg.GCSBucket, "gcs-bucket", cfg.GCSBucket, "GCS bucket name (required for gcs backend) (env: GCS_BUCKET)")
	fs.StringVar(&cfg.GCSPrefix, "gcs-prefix", cfg.GCSPrefix, "GCS object prefix (optional) (env: GCS_PREFIX)")
	fs.BoolVar(&cfg.Compress, "compress", cfg.Compress, "Store artifacts lz4-compressed (env: COMPRESS)")
	fs.IntVar(&cfg.DeleteConcurrency, "delete-concurrency", cfg.DeleteConcurrency, "Maximum parallel deletions (env: DELETE_CONCURRENCY)")

	if !storageOnly {
		fs.BoolVar(&cfg.PrintStats, "stats", cfg.PrintStats, "Print cache statistics on exit (env: PRINT_STATS)")
		fs.StringVar(&dedupeType, "dedupe", dedupeType, "Write deduplication: memory, fslock, noop (env: DEDUPE_TYPE)")
		fs.StringVar(&cfg.DedupeLockDir, "dedupe-lock-dir", cfg.DedupeLockDir, "Lock directory for fslock dedupe (env: DEDUPE_LOCK_DIR)")
		fs.BoolVar(&cfg.AtomicWrites, "atomic-writes", cfg.AtomicWrites, "Write disk artifacts through a temp file and rename (env: ATOMIC_WRITES)")
		fs.BoolVar(&cfg.DedupeOwnership, "dedupe-ownership", cfg.DedupeOwnership, "Record each artifact once per resource (env: DEDUPE_OWNERSHIP)")
		fs.Float64Var(&cfg.ErrorRate, "error-rate", cfg.ErrorRate, "Error injection rate (0.0-1.0) for testing error handling (env: ERROR_RATE)")
		fs.BoolVar(&cfg.Enabled, "enabled", cfg.Enabled, "Enable the cache plugin (env: ENABLED)")
		fs.BoolVar(&cfg.DeleteUnusedFiles, "delete-unused-files", cfg.DeleteUnusedFiles, "Delete stale cache files after each build pass (env: DELETE_UNUSED_FILES)")
		fs.BoolVar(&cfg.Aggressive, "aggressive", cfg.Aggressive, "Collect after every pass instead of only the first (env: AGGRESSIVE)")
	}

	fs.Usage = func() { usage(fs) }
	fs.Parse(args)

	cfg.Backend = config.BackendType(strings.ToLower(strings.TrimSpace(backend)))
	cfg.Dedupe = config.DedupeType(strings.ToLower(strings.TrimSpace(dedupeType)))
	if cfg.Dedupe == "fs" {
		cfg.Dedupe = config.DedupeFSLock
	}

	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "Invalid configuration: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func runServerCommand(args []string) {
	cfg := parseConfig("server", args, false, func(fs *flag.FlagSet) {
		fmt.Fprintf(os.Stderr, "Usage: %s [serve] [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the artifact cache, speaking line-delimited JSON on stdin/stdout.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables or a config file):\n")
		fs.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nNote: Command-line flags take precedence over environment variables,\n")
		fmt.Fprintf(os.Stderr, "which take precedence over the config file.\n")
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  # Run with disk backend using flags:\n")
		fmt.Fprintf(os.Stderr, "  %s -cache-dir=.loader-cache\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Run with S3 backend using flags:\n")
		fmt.Fprintf(os.Stderr, "  %s -backend=s3 -s3-bucket=my-cache-bucket\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  # Keep stale files around in watch mode:\n")
		fmt.Fprintf(os.Stderr, "  AGGRESSIVE=false %s\n", os.Args[0])
	})

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error running cache program: %v\n", err)
		os.Exit(1)
	}
}

func runClearCommand(args []string) {
	cfg := parseConfig("clear", args, true, func(fs *flag.FlagSet) {
		fmt.Fprintf(os.Stderr, "Usage: %s clear [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Delete every file in the cache directory.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables or a config file):\n")
		fs.PrintDefaults()
	})

	if err := runClear(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error clearing cache: %v\n", err)
		os.Exit(1)
	}
}

func runListCommand(args []string) {
	cfg := parseConfig("ls", args, true, func(fs *flag.FlagSet) {
		fmt.Fprintf(os.Stderr, "Usage: %s ls [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "List the files in the cache directory with their sizes.\n\n")
		fmt.Fprintf(os.Stderr, "Flags (can also be set via environment variables or a config file):\n")
		fs.PrintDefaults()
	})

	if err := runList(cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "Error listing cache: %v\n", err)
		os.Exit(1)
	}
}

func printHelp() {
	fmt.Fprintf(os.Stderr, "Usage: %s [command] [flags]\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "A reference-tracked artifact cache for build tools.\n\n")
	fmt.Fprintf(os.Stderr, "Commands:\n")
	fmt.Fprintf(os.Stderr, "  serve         Run the cache (default)\n")
	fmt.Fprintf(os.Stderr, "  clear         Delete every file in the cache directory\n")
	fmt.Fprintf(os.Stderr, "  ls            List cache files with their sizes\n")
	fmt.Fprintf(os.Stderr, "  help          Show this help message\n\n")
	fmt.Fprintf(os.Stderr, "Configuration:\n")
	fmt.Fprintf(os.Stderr, "  Flags can be set via command-line arguments, environment variables or a\n")
	fmt.Fprintf(os.Stderr, "  config file (-config or CONFIG_FILE).\n\n")
	fmt.Fprintf(os.Stderr, "Run '%s [command] -h' for more information about a command.\n", os.Args[0])
}

func newLogger(cfg *config.Config) (*slog.Logger, io.Closer, error) {
	return logging.New(logging.Options{
		Verbose:    cfg.Verbose || cfg.Debug,
		File:       cfg.LogFile,
		MaxSize:    cfg.LogMaxSize,
		MaxBackups: cfg.LogMaxBackups,
		Compress:   cfg.LogCompress,
	})
}

func runServer(cfg *config.Config) error {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	backend, stats, err := createBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create cache backend: %w", err)
	}

	writes, err := createDedupeGroup(cfg)
	if err != nil {
		backend.Close()
		return err
	}

	s := store.New(backend, store.Options{
		Logger:            logger,
		Writes:            writes,
		DedupeOwnership:   cfg.DedupeOwnership,
		DeleteConcurrency: cfg.DeleteConcurrency,
	})
	defer s.Close()

	p := plugin.New(s, plugin.Options{
		Enabled:           cfg.Enabled,
		DeleteUnusedFiles: cfg.DeleteUnusedFiles,
		Aggressive:        cfg.Aggressive,
		CacheDir:          cfg.CacheDir,
	}, logger)

	var statsOut io.Writer
	if cfg.PrintStats {
		statsOut = os.Stderr
	}

	prog := NewCacheProg(CacheProgConfig{
		Store:    s,
		Plugin:   p,
		Logger:   logger,
		In:       os.Stdin,
		Out:      os.Stdout,
		Stats:    stats,
		StatsOut: statsOut,
	})
	return prog.Run(ctx)
}

// runClear deletes every file in the cache directory. A freshly primed store
// treats all of them as unattributed, so one collection with no live
// resources removes them.
func runClear(cfg *config.Config) error {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	backend, _, err := createBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create cache backend: %w", err)
	}

	s := store.New(backend, store.Options{Logger: logger, DeleteConcurrency: cfg.DeleteConcurrency})
	defer s.Close()

	if err := s.Prime(ctx, cfg.CacheDir); err != nil {
		return err
	}
	result, err := s.Collect(ctx, nil)
	if err != nil {
		return err
	}

	fmt.Fprintf(os.Stdout, "Cache cleared successfully (%d files removed)\n", len(result.Deleted))
	return nil
}

// runList prints every file in the cache directory with its stored size.
func runList(cfg *config.Config, w io.Writer) error {
	logger, closer, err := newLogger(cfg)
	if err != nil {
		return err
	}
	defer closer.Close()

	ctx := context.Background()
	backend, _, err := createBackend(ctx, cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create cache backend: %w", err)
	}
	defer backend.Close()

	return listCache(ctx, backend, cfg.CacheDir, w)
}

func listCache(ctx context.Context, backend backends.Backend, cacheDir string, w io.Writer) error {
	dir, err := backend.Abs(cacheDir)
	if err != nil {
		return err
	}
	names, err := backend.List(ctx, dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", dir, err)
	}

	var total int64
	for _, name := range names {
		size, err := backend.Size(ctx, filepath.Join(dir, name))
		if err != nil {
			return err
		}
		total += size
		fmt.Fprintf(w, "%10s  %s\n", formatBytes(size), name)
	}
	fmt.Fprintf(w, "%d files, %s\n", len(names), formatBytes(total))
	return nil
}

// createBackend builds the configured backend and its decorators. The Stats
// decorator is always installed and returned so exit statistics can report
// backend latencies.
func createBackend(ctx context.Context, cfg *config.Config, logger *slog.Logger) (backends.Backend, *backends.Stats, error) {
	var backend backends.Backend

	switch cfg.Backend {
	case config.BackendDisk:
		backend = backends.NewDisk(cfg.AtomicWrites)

	case config.BackendS3:
		s3Backend, err := backends.NewS3(ctx, cfg.S3Bucket, cfg.S3Prefix)
		if err != nil {
			return nil, nil, err
		}
		backend = s3Backend

	case config.BackendGCS:
		gcsBackend, err := backends.NewGCS(ctx, cfg.GCSBucket, cfg.GCSPrefix)
		if err != nil {
			return nil, nil, err
		}
		backend = gcsBackend

	default:
		return nil, nil, fmt.Errorf("unknown backend type: %s (supported: disk, s3, gcs)", cfg.Backend)
	}

	if cfg.Compress {
		backend = backends.NewCompress(backend)
	}

	stats := backends.NewStats(backend)
	backend = stats

	// Wrap with error backend if error rate is configured
	if cfg.ErrorRate > 0 {
		backend = backends.NewError(backend, cfg.ErrorRate)
		logger.Info("error injection enabled", "rate", fmt.Sprintf("%.2f%%", cfg.ErrorRate*100))
	}

	// Wrap with debug backend if debug mode is enabled
	if cfg.Debug {
		backend = backends.NewDebug(backend, logger)
	}

	return backend, stats, nil
}

func createDedupeGroup(cfg *config.Config) (dedupe.Group, error) {
	switch cfg.Dedupe {
	case config.DedupeMemory:
		return dedupe.NewSingleflightGroup(), nil

	case config.DedupeFSLock:
		group, err := dedupe.NewFlockGroup(cfg.DedupeLockDir)
		if err != nil {
			return nil, fmt.Errorf("failed to create fslock group: %w", err)
		}
		return group, nil

	case config.DedupeNoop:
		return dedupe.NewNoOpGroup(), nil

	default:
		return nil, fmt.Errorf("unknown dedupe type: %s (supported: memory, fslock, noop)", cfg.Dedupe)
	}
}
