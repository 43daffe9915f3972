// Package observability builds the zap loggers shared by the CLI and the
// long-running server.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process-wide logger. It is a no-op until InitCLILogger runs
// so packages can log unconditionally in tests.
var CLILogger = zap.NewNop()

// Log output formats.
const (
	FormatConsole = "console"
	FormatJSON    = "json"
)

// NewLogger builds a logger writing to stderr at the given level.
func NewLogger(level, format string) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(strings.TrimSpace(strings.ToLower(level)))
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}

	var cfg zap.Config
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", FormatConsole:
		cfg = zap.NewDevelopmentConfig()
		cfg.Development = false
		cfg.DisableStacktrace = true
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.EncoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	case FormatJSON:
		cfg = zap.NewProductionConfig()
		cfg.Sampling = nil
		cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	default:
		return nil, fmt.Errorf("invalid log format %q (want %s or %s)", format, FormatConsole, FormatJSON)
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.OutputPaths = []string{"stderr"}
	cfg.ErrorOutputPaths = []string{"stderr"}

	return cfg.Build()
}

// InitCLILogger replaces CLILogger and the zap globals.
func InitCLILogger(level, format string) error {
	logger, err := NewLogger(level, format)
	if err != nil {
		return err
	}
	CLILogger = logger
	zap.ReplaceGlobals(logger)
	return nil
}

// Sync flushes CLILogger, ignoring the EINVAL stderr returns on some platforms.
func Sync() {
	_ = CLILogger.Sync()
}
