// Package log configures the global zerolog logger.
package log

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Output formats
const (
	FormatAuto   = "auto" // pretty on a terminal, JSON otherwise
	FormatJSON   = "json"
	FormatPretty = "pretty"
)

// Config holds logger configuration
type Config struct {
	Level      string `yaml:"level" json:"level"`   // debug, info, warn, error
	Format     string `yaml:"format" json:"format"` // auto, json, pretty
	File       string `yaml:"file" json:"file"`     // rotated copy of the log, disabled when empty
	MaxSizeMB  int    `yaml:"max_size_mb" json:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups" json:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days" json:"max_age_days"`
}

// DefaultConfig returns console logging at info level
func DefaultConfig() Config {
	return Config{
		Level:      "info",
		Format:     FormatAuto,
		MaxSizeMB:  50,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// Validate checks the level and format names
func (c Config) Validate() error {
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Level)); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.Level, err)
	}
	switch c.Format {
	case "", FormatAuto, FormatJSON, FormatPretty:
		return nil
	default:
		return fmt.Errorf("invalid log format %q", c.Format)
	}
}

// Setup builds the logger writing to stderr and installs it globally
func Setup(cfg Config, service string) (zerolog.Logger, error) {
	return setup(cfg, service, os.Stderr, term.IsTerminal(int(os.Stderr.Fd())))
}

func setup(cfg Config, service string, out io.Writer, tty bool) (zerolog.Logger, error) {
	if err := cfg.Validate(); err != nil {
		return zerolog.Nop(), err
	}
	level, _ := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	pretty := cfg.Format == FormatPretty || ((cfg.Format == "" || cfg.Format == FormatAuto) && tty)
	writers := []io.Writer{out}
	if pretty {
		writers[0] = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05", NoColor: !tty}
	}

	if cfg.File != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
			return zerolog.Nop(), fmt.Errorf("failed to create log directory: %w", err)
		}
		writers = append(writers, &lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   true,
		})
	}

	logger := zerolog.New(zerolog.MultiLevelWriter(writers...)).With().
		Timestamp().
		Str("service", service).
		Logger()
	log.Logger = logger

	log.Debug().
		Str("level", level.String()).
		Bool("pretty", pretty).
		Str("file", cfg.File).
		Msg("Logger initialized")
	return logger, nil
}
