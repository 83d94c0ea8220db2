package logging

import (
	"fmt"
	"os"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment variables read by InitLogger.
const (
	EnvLogLevel  = "LOG_LEVEL"
	EnvLogFormat = "LOG_FORMAT"
)

// defaultLogger is read from every batch worker.
var defaultLogger atomic.Pointer[zap.Logger]

// NewConfig builds the logger configuration for level ("debug", "info",
// "warn", "error"; empty means info) and format ("json" or "console").
// Output goes to stderr; stdout is reserved for run reports.
func NewConfig(level, format string) (zap.Config, error) {
	config := zap.NewProductionConfig()

	lvl := zapcore.InfoLevel
	if level != "" {
		var err error
		if lvl, err = zapcore.ParseLevel(level); err != nil {
			return zap.Config{}, fmt.Errorf("invalid %s %q: %w", EnvLogLevel, level, err)
		}
	}
	config.Level = zap.NewAtomicLevelAt(lvl)

	switch format {
	case "", "json":
	case "console":
		config.Encoding = "console"
		config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	default:
		return zap.Config{}, fmt.Errorf("invalid %s %q: want json or console", EnvLogFormat, format)
	}

	config.OutputPaths = []string{"stderr"}
	config.ErrorOutputPaths = []string{"stderr"}

	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.LevelKey = "level"
	config.EncoderConfig.MessageKey = "message"
	config.EncoderConfig.CallerKey = "caller"
	config.EncoderConfig.StacktraceKey = "stacktrace"
	return config, nil
}

// InitLogger initializes the default logger from LOG_LEVEL and LOG_FORMAT.
func InitLogger() error {
	config, err := NewConfig(os.Getenv(EnvLogLevel), os.Getenv(EnvLogFormat))
	if err != nil {
		return err
	}
	logger, err := config.Build()
	if err != nil {
		return err
	}

	SetLogger(logger)
	zap.ReplaceGlobals(logger)
	return nil
}

// Logger returns the default logger, falling back to a production logger
// when InitLogger has not run.
func Logger() *zap.Logger {
	if l := defaultLogger.Load(); l != nil {
		return l
	}
	logger, err := zap.NewProduction()
	if err != nil {
		logger = zap.NewNop()
	}
	if defaultLogger.CompareAndSwap(nil, logger) {
		return logger
	}
	return defaultLogger.Load()
}

// SetLogger replaces the default logger. Tests use it to silence or observe output.
func SetLogger(l *zap.Logger) {
	defaultLogger.Store(l)
}

// Sync flushes any buffered log entries.
func Sync() error {
	if l := defaultLogger.Load(); l != nil {
		return l.Sync()
	}
	return nil
}
