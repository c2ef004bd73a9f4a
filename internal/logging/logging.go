// Package logging builds the process logger.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Config selects level, encoding and destination.
type Config struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level" envconfig:"LEVEL"`
	// Format is json or console.
	Format string `yaml:"format" envconfig:"FORMAT"`
	// Output is stdout, stderr or file.
	Output string `yaml:"output" envconfig:"OUTPUT"`
	// FilePath is used when Output is file.
	FilePath string `yaml:"file_path" envconfig:"FILE_PATH"`
}

// DefaultConfig logs info and above as JSON to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  "info",
		Format: "json",
		Output: "stderr",
	}
}

// New builds a logger from cfg and installs it as the zerolog global.
func New(cfg Config) (zerolog.Logger, error) {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
		if err != nil {
			return zerolog.Nop(), fmt.Errorf("invalid log level '%s': %w", cfg.Level, err)
		}
		level = parsed
	}

	output, err := openOutput(cfg)
	if err != nil {
		return zerolog.Nop(), err
	}

	switch strings.ToLower(cfg.Format) {
	case "", "json":
	case "console":
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: time.RFC3339}
	default:
		return zerolog.Nop(), fmt.Errorf("invalid log format '%s' (want json or console)", cfg.Format)
	}

	zerolog.TimeFieldFormat = time.RFC3339
	logger := zerolog.New(output).Level(level).With().Timestamp().Logger()
	log.Logger = logger
	return logger, nil
}

func openOutput(cfg Config) (io.Writer, error) {
	switch strings.ToLower(cfg.Output) {
	case "", "stderr":
		return os.Stderr, nil
	case "stdout":
		return os.Stdout, nil
	case "file":
		if cfg.FilePath == "" {
			return nil, fmt.Errorf("log output 'file' requires file_path")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.FilePath), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		file, err := os.OpenFile(cfg.FilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file '%s': %w", cfg.FilePath, err)
		}
		return file, nil
	default:
		return nil, fmt.Errorf("invalid log output '%s' (want stdout, stderr or file)", cfg.Output)
	}
}
