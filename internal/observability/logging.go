// Package observability owns process-wide logging. Commands log through
// CLILogger; long-running components receive a child logger scoped with a
// component field.
package observability

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// CLILogger is the process logger. It is a no-op until InitCLILogger runs
// so package init order never matters.
var CLILogger = zap.NewNop()

// InitCLILogger configures the process logger. level is one of debug,
// info, warn, error (or "test" for silent test runs); structured selects
// JSON output over the console encoder.
func InitCLILogger(level string, structured bool) error {
	if strings.EqualFold(level, "test") {
		CLILogger = zap.NewNop()
		return nil
	}

	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(level))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}

	cfg := zap.NewProductionConfig()
	if !structured {
		cfg = zap.NewDevelopmentConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)
	cfg.DisableStacktrace = true

	logger, err := cfg.Build()
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	CLILogger = logger
	return nil
}

// Component returns a child logger tagged for one subsystem.
func Component(name string) *zap.Logger {
	return CLILogger.With(zap.String("component", name))
}

// Sync flushes buffered log entries. Called on process exit.
func Sync() {
	_ = CLILogger.Sync()
}
