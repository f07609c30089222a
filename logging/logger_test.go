package logging

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNewWritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "cache.log")

	logger, closer, err := New(Options{File: path, MaxSize: 1, MaxBackups: 1})
	require.NoError(t, err)
	logger.Info("started", "dir", "/tmp/cache")
	logger.Debug("hidden")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "msg=started")
	require.Contains(t, string(data), "dir=/tmp/cache")
	require.NotContains(t, string(data), "hidden")
}

func TestNewVerbose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cache.log")

	logger, closer, err := New(Options{File: path, Verbose: true})
	require.NoError(t, err)
	logger.Debug("visible")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Contains(t, string(data), "level=DEBUG msg=visible")
}

func TestNewStderr(t *testing.T) {
	logger, closer, err := New(Options{})
	require.NoError(t, err)
	require.NotNil(t, logger)
	require.NoError(t, closer.Close())
}
