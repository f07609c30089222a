package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, ".loader-cache", cfg.CacheDir)
	require.Equal(t, BackendDisk, cfg.Backend)
	require.Equal(t, DedupeMemory, cfg.Dedupe)
	require.True(t, cfg.Enabled)
	require.True(t, cfg.DeleteUnusedFiles)
	require.True(t, cfg.Aggressive)
	require.True(t, cfg.AtomicWrites)
	require.Equal(t, 8, cfg.DeleteConcurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadFromFile(t *testing.T) {
	path := writeTempConfig(t, "config.yaml", `
cache_dir: /tmp/artifacts
backend_type: " S3 "
s3_bucket: builds
dedupe_type: FS
aggressive: false
delete_concurrency: 2
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/tmp/artifacts", cfg.CacheDir)
	require.Equal(t, BackendS3, cfg.Backend)
	require.Equal(t, "builds", cfg.S3Bucket)
	require.Equal(t, DedupeFSLock, cfg.Dedupe)
	require.False(t, cfg.Aggressive)
	require.Equal(t, 2, cfg.DeleteConcurrency)
	require.NoError(t, cfg.Validate())
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeTempConfig(t, "config.toml", `
cache_dir = "/from/file"
verbose = false
`)
	t.Setenv("CACHE_DIR", "/from/env")
	t.Setenv("VERBOSE", "true")
	t.Setenv("ERROR_RATE", "0.25")

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/from/env", cfg.CacheDir)
	require.True(t, cfg.Verbose)
	require.Equal(t, 0.25, cfg.ErrorRate)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		return Config{
			CacheDir:          "cache",
			Backend:           BackendDisk,
			Dedupe:            DedupeMemory,
			DeleteConcurrency: 1,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"empty cache dir", func(c *Config) { c.CacheDir = " " }, "cache_dir is required"},
		{"unknown backend", func(c *Config) { c.Backend = "ftp" }, "unknown backend type: ftp"},
		{"s3 without bucket", func(c *Config) { c.Backend = BackendS3 }, "S3 bucket is required"},
		{"gcs without bucket", func(c *Config) { c.Backend = BackendGCS }, "GCS bucket is required"},
		{"unknown dedupe", func(c *Config) { c.Dedupe = "redis" }, "unknown dedupe type: redis"},
		{"error rate too high", func(c *Config) { c.ErrorRate = 1.5 }, "error_rate must be between 0 and 1"},
		{"zero concurrency", func(c *Config) { c.DeleteConcurrency = 0 }, "delete_concurrency must be positive"},
		{"lock dir is cache dir", func(c *Config) {
			c.Dedupe = DedupeFSLock
			c.DedupeLockDir = "./cache"
		}, "dedupe_lock_dir must not be the cache directory"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.ErrorContains(t, err, tt.wantErr)
		})
	}
}
