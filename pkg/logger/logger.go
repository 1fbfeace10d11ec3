// Package logger provides the context-carried structured logger used by
// every component of the pipeline. It wraps charmbracelet/log so stage
// transitions, retries, and external-service calls all log through one
// consistent, field-annotated sink.
package logger

import (
	"context"
	"flag"
	"io"
	"os"
	"strings"

	charmlog "github.com/charmbracelet/log"
)

// LogLevel is the pipeline's own level enum, decoupled from charmlog's so
// the Config Resolver can accept a plain string from YAML/env.
type LogLevel string

const (
	DebugLevel    LogLevel = "debug"
	InfoLevel     LogLevel = "info"
	WarnLevel     LogLevel = "warn"
	ErrorLevel    LogLevel = "error"
	DisabledLevel LogLevel = "disabled"
)

// ToCharmlogLevel converts to the underlying charmlog level, defaulting to
// InfoLevel for an unrecognized value.
func (l LogLevel) ToCharmlogLevel() charmlog.Level {
	switch l {
	case DebugLevel:
		return charmlog.DebugLevel
	case InfoLevel:
		return charmlog.InfoLevel
	case WarnLevel:
		return charmlog.WarnLevel
	case ErrorLevel:
		return charmlog.ErrorLevel
	case DisabledLevel:
		return charmlog.Level(1000)
	default:
		return charmlog.InfoLevel
	}
}

// Logger is the interface every component depends on; satisfied by
// *charmlog.Logger.
type Logger = *charmlog.Logger

// Config controls how NewLogger renders output.
type Config struct {
	Level      LogLevel
	JSON       bool
	Output     io.Writer
	AddSource  bool
	TimeFormat string
}

// DefaultConfig is used when the Config Resolver has no explicit logging
// section (development default: human text on stdout).
func DefaultConfig() *Config {
	return &Config{
		Level:      InfoLevel,
		Output:     os.Stdout,
		JSON:       false,
		AddSource:  false,
		TimeFormat: "15:04:05",
	}
}

// TestConfig returns a quiet, deterministic config for tests.
func TestConfig() *Config {
	return &Config{
		Level:      DisabledLevel,
		Output:     io.Discard,
		JSON:       false,
		AddSource:  false,
		TimeFormat: "15:04:05",
	}
}

// IsTestEnvironment reports whether the process is running under `go test`.
func IsTestEnvironment() bool {
	if flag.Lookup("test.v") != nil {
		return true
	}
	return strings.HasSuffix(os.Args[0], ".test") || strings.Contains(os.Args[0], "/_test/")
}

// NewLogger builds a charmbracelet/log logger from cfg. A nil cfg resolves
// to DefaultConfig, or TestConfig when running under `go test`.
func NewLogger(cfg *Config) *charmlog.Logger {
	if cfg == nil {
		if IsTestEnvironment() {
			cfg = TestConfig()
		} else {
			cfg = DefaultConfig()
		}
	}
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := charmlog.Options{
		ReportTimestamp: true,
		TimeFormat:      cfg.TimeFormat,
		ReportCaller:    cfg.AddSource,
		Formatter:       charmlog.TextFormatter,
	}
	if cfg.JSON {
		opts.Formatter = charmlog.JSONFormatter
	}
	l := charmlog.NewWithOptions(out, opts)
	l.SetLevel(cfg.Level.ToCharmlogLevel())
	return l
}

type loggerCtxKey struct{}

// LoggerCtxKey is exported so callers can pre-seed a context.Value map in
// tests without importing an unexported type.
var LoggerCtxKey = loggerCtxKey{}

// ContextWithLogger returns a child context carrying l.
func ContextWithLogger(ctx context.Context, l *charmlog.Logger) context.Context {
	return context.WithValue(ctx, LoggerCtxKey, l)
}

var defaultLogger = NewLogger(DefaultConfig())

// FromContext returns the logger attached to ctx, or a process-wide default
// logger if ctx carries none (or a value of the wrong/nil type).
func FromContext(ctx context.Context) *charmlog.Logger {
	if ctx != nil {
		if l, ok := ctx.Value(LoggerCtxKey).(*charmlog.Logger); ok && l != nil {
			return l
		}
	}
	return defaultLogger
}
