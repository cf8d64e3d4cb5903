// Package logging builds the *slog.Logger used by the memgate binary.
package logging

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// Output formats.
const (
	FormatJSON   = "json"
	FormatText   = "text"
	FormatPretty = "pretty"
)

type config struct {
	level  slog.Level
	format string
	writer io.Writer
	source bool
}

// Option configures a logger created with New.
type Option func(*config)

// WithLevel sets the minimum level.
func WithLevel(level slog.Level) Option {
	return func(c *config) {
		c.level = level
	}
}

// WithFormat selects json, text or pretty output.
func WithFormat(format string) Option {
	return func(c *config) {
		c.format = format
	}
}

// WithWriter overrides the output writer. Defaults to os.Stderr.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		c.writer = w
	}
}

// WithSource includes source file:line in log output.
func WithSource(source bool) Option {
	return func(c *config) {
		c.source = source
	}
}

// New returns a logger. JSON is the default format; pretty output goes through
// charmbracelet/log for interactive CLI use.
func New(opts ...Option) *slog.Logger {
	cfg := config{
		level:  slog.LevelInfo,
		format: FormatJSON,
		writer: os.Stderr,
	}
	for _, opt := range opts {
		opt(&cfg)
	}

	switch cfg.format {
	case FormatPretty:
		return slog.New(charmlog.NewWithOptions(cfg.writer, charmlog.Options{
			Level:           charmLevel(cfg.level),
			ReportTimestamp: true,
			ReportCaller:    cfg.source,
		}))
	case FormatText:
		return slog.New(slog.NewTextHandler(cfg.writer, &slog.HandlerOptions{Level: cfg.level, AddSource: cfg.source}))
	default:
		return slog.New(slog.NewJSONHandler(cfg.writer, &slog.HandlerOptions{Level: cfg.level, AddSource: cfg.source}))
	}
}

// FromConfig parses level and format strings as they appear in configuration.
func FromConfig(level, format string, w io.Writer) (*slog.Logger, error) {
	lvl, err := ParseLevel(level)
	if err != nil {
		return nil, err
	}
	switch format {
	case "", FormatJSON, FormatText, FormatPretty:
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}

	opts := []Option{WithLevel(lvl), WithFormat(format)}
	if w != nil {
		opts = append(opts, WithWriter(w))
	}

	return New(opts...), nil
}

// ParseLevel maps debug, info, warn and error (case-insensitive) to slog levels.
// An empty string means info.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

func charmLevel(level slog.Level) charmlog.Level {
	switch {
	case level <= slog.LevelDebug:
		return charmlog.DebugLevel
	case level <= slog.LevelInfo:
		return charmlog.InfoLevel
	case level <= slog.LevelWarn:
		return charmlog.WarnLevel
	default:
		return charmlog.ErrorLevel
	}
}
