// Package logger configures the process-wide zerolog logger.
package logger

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Options selects the log level and outputs.
type Options struct {
	Level string // debug, info, warn, error
	JSON  bool   // JSON lines instead of the console writer

	// File, when set, also writes JSON lines to a rotated file.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// OptionsFromEnv reads CN_LOG_LEVEL, CN_LOG_JSON and CN_LOG_FILE.
func OptionsFromEnv(getenv func(string) string) Options {
	return Options{
		Level:      getenv("CN_LOG_LEVEL"),
		JSON:       strings.EqualFold(getenv("CN_LOG_JSON"), "true"),
		File:       getenv("CN_LOG_FILE"),
		MaxSizeMB:  100,
		MaxBackups: 5,
		MaxAgeDays: 30,
	}
}

// Setup installs the global logger and returns it.
func Setup(opts Options, stderr io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(opts.Level))
	if err != nil || opts.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var console io.Writer = stderr
	if !opts.JSON {
		console = zerolog.ConsoleWriter{Out: stderr, TimeFormat: time.RFC3339}
	}

	out := console
	if opts.File != "" {
		if err := os.MkdirAll(filepath.Dir(opts.File), 0o755); err == nil {
			out = zerolog.MultiLevelWriter(console, &lumberjack.Logger{
				Filename:   opts.File,
				MaxSize:    opts.MaxSizeMB,
				MaxBackups: opts.MaxBackups,
				MaxAge:     opts.MaxAgeDays,
				Compress:   true,
			})
		}
	}

	log.Logger = zerolog.New(out).With().Timestamp().Int("pid", os.Getpid()).Logger()
	if err != nil && opts.Level != "" {
		log.Warn().Str("level", opts.Level).Msg("Unknown log level, using info")
	}
	return log.Logger
}
