// Package config loads process configuration from an optional config file and
// environment variables. Command-line flags are layered on top by package main.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/mitchellh/mapstructure"
	"github.com/spf13/viper"
)

// BackendType selects where the cache directory lives.
type BackendType string

const (
	BackendDisk BackendType = "disk"
	BackendS3   BackendType = "s3"
	BackendGCS  BackendType = "gcs"
)

// DedupeType selects how concurrent writes of one artifact are deduplicated.
type DedupeType string

const (
	DedupeMemory DedupeType = "memory"
	DedupeFSLock DedupeType = "fslock"
	DedupeNoop   DedupeType = "noop"
)

// Config is the full process configuration. Keys double as environment
// variable names (upper-cased), e.g. cache_dir → CACHE_DIR.
type Config struct {
	CacheDir          string      `mapstructure:"cache_dir"`
	Backend           BackendType `mapstructure:"backend_type"`
	Dedupe            DedupeType  `mapstructure:"dedupe_type"`
	DedupeLockDir     string      `mapstructure:"dedupe_lock_dir"`
	S3Bucket          string      `mapstructure:"s3_bucket"`
	S3Prefix          string      `mapstructure:"s3_prefix"`
	GCSBucket         string      `mapstructure:"gcs_bucket"`
	GCSPrefix         string      `mapstructure:"gcs_prefix"`
	Compress          bool        `mapstructure:"compress"`
	AtomicWrites      bool        `mapstructure:"atomic_writes"`
	DedupeOwnership   bool        `mapstructure:"dedupe_ownership"`
	DeleteConcurrency int         `mapstructure:"delete_concurrency"`
	ErrorRate         float64     `mapstructure:"error_rate"`

	Enabled           bool `mapstructure:"enabled"`
	DeleteUnusedFiles bool `mapstructure:"delete_unused_files"`
	Aggressive        bool `mapstructure:"aggressive"`

	Debug         bool   `mapstructure:"debug"`
	Verbose       bool   `mapstructure:"verbose"`
	PrintStats    bool   `mapstructure:"print_stats"`
	LogFile       string `mapstructure:"log_file"`
	LogMaxSize    int    `mapstructure:"log_max_size"`
	LogMaxBackups int    `mapstructure:"log_max_backups"`
	LogCompress   bool   `mapstructure:"log_compress"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("cache_dir", ".loader-cache")
	v.SetDefault("backend_type", string(BackendDisk))
	v.SetDefault("dedupe_type", string(DedupeMemory))
	v.SetDefault("dedupe_lock_dir", "")
	v.SetDefault("s3_bucket", "")
	v.SetDefault("s3_prefix", "")
	v.SetDefault("gcs_bucket", "")
	v.SetDefault("gcs_prefix", "")
	v.SetDefault("compress", false)
	v.SetDefault("atomic_writes", true)
	v.SetDefault("dedupe_ownership", false)
	v.SetDefault("delete_concurrency", 8)
	v.SetDefault("error_rate", 0.0)
	v.SetDefault("enabled", true)
	v.SetDefault("delete_unused_files", true)
	v.SetDefault("aggressive", true)
	v.SetDefault("debug", false)
	v.SetDefault("verbose", false)
	v.SetDefault("print_stats", true)
	v.SetDefault("log_file", "")
	v.SetDefault("log_max_size", 100)
	v.SetDefault("log_max_backups", 3)
	v.SetDefault("log_compress", true)
}

// Load reads the config file at path (skipped when path is empty) and applies
// environment overrides and defaults. The result is not validated: callers
// layer flags on top first, then call Validate.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		enumDecodeHook(),
		mapstructure.StringToTimeDurationHookFunc(),
	))); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}

// enumDecodeHook normalizes the case and whitespace of enum-typed strings.
func enumDecodeHook() mapstructure.DecodeHookFunc {
	backendType := reflect.TypeOf(BackendType(""))
	dedupeType := reflect.TypeOf(DedupeType(""))

	return func(from reflect.Type, to reflect.Type, data interface{}) (interface{}, error) {
		if from.Kind() != reflect.String {
			return data, nil
		}
		normalized := strings.ToLower(strings.TrimSpace(data.(string)))
		switch to {
		case backendType:
			return BackendType(normalized), nil
		case dedupeType:
			if normalized == "" {
				return DedupeMemory, nil
			}
			if normalized == "fs" {
				return DedupeFSLock, nil
			}
			return DedupeType(normalized), nil
		}
		return data, nil
	}
}

// Validate checks field combinations that cannot work.
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.CacheDir) == "" {
		errs = append(errs, errors.New("cache_dir is required"))
	}

	switch c.Backend {
	case BackendDisk:
	case BackendS3:
		if c.S3Bucket == "" {
			errs = append(errs, errors.New("S3 bucket is required for S3 backend (set via -s3-bucket flag or S3_BUCKET env var)"))
		}
	case BackendGCS:
		if c.GCSBucket == "" {
			errs = append(errs, errors.New("GCS bucket is required for GCS backend (set via -gcs-bucket flag or GCS_BUCKET env var)"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown backend type: %s (supported: disk, s3, gcs)", c.Backend))
	}

	switch c.Dedupe {
	case DedupeMemory, DedupeFSLock, DedupeNoop:
	default:
		errs = append(errs, fmt.Errorf("unknown dedupe type: %s (supported: memory, fslock, noop)", c.Dedupe))
	}

	if c.Dedupe == DedupeFSLock && c.Backend == BackendDisk && c.DedupeLockDir != "" {
		if same, err := sameDir(c.DedupeLockDir, c.CacheDir); err == nil && same {
			errs = append(errs, errors.New("dedupe_lock_dir must not be the cache directory"))
		}
	}

	if c.ErrorRate < 0 || c.ErrorRate > 1 {
		errs = append(errs, fmt.Errorf("error_rate must be between 0 and 1, got %v", c.ErrorRate))
	}
	if c.DeleteConcurrency < 1 {
		errs = append(errs, fmt.Errorf("delete_concurrency must be positive, got %d", c.DeleteConcurrency))
	}

	return errors.Join(errs...)
}

func sameDir(a, b string) (bool, error) {
	absA, err := filepath.Abs(a)
	if err != nil {
		return false, err
	}
	absB, err := filepath.Abs(b)
	if err != nil {
		return false, err
	}
	return absA == absB, nil
}

// FromEnv returns the value of the environment variable for key, e.g.
// "config_file" → CONFIG_FILE.
func FromEnv(key string) string {
	return os.Getenv(strings.ToUpper(key))
}
