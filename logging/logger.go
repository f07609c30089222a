// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Options configures New.
type Options struct {
	// Verbose lowers the level to debug.
	Verbose bool

	// File, when set, sends logs to a rotated file instead of stderr.
	File       string
	MaxSize    int
	MaxBackups int
	Compress   bool
}

// New returns a text logger writing to stderr or to the configured log file.
// The returned closer releases the file, if any.
//
// stdout is never used: it carries the protocol.
func New(opts Options) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if opts.Verbose {
		level = slog.LevelDebug
	}

	output, closer, err := buildOutput(opts)
	if err != nil {
		return nil, nil, err
	}

	logger := slog.New(slog.NewTextHandler(output, &slog.HandlerOptions{Level: level}))
	return logger, closer, nil
}

func buildOutput(opts Options) (io.Writer, io.Closer, error) {
	if opts.File == "" {
		return os.Stderr, nopCloser{}, nil
	}

	if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	rotator := &lumberjack.Logger{
		Filename:   opts.File,
		MaxSize:    opts.MaxSize,
		MaxBackups: opts.MaxBackups,
		Compress:   opts.Compress,
		LocalTime:  true,
	}
	return rotator, rotator, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
