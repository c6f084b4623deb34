package config

import (
	"os"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	loggerMu sync.Mutex
	// Logger is the process-wide logger instance
	Logger *zap.Logger
)

// NewLogger builds a production logger. An empty level falls back to LOG_LEVEL,
// then to info.
func NewLogger(level string) (*zap.Logger, error) {
	config := zap.NewProductionConfig()

	// Customize the logging format
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	config.EncoderConfig.StacktraceKey = "" // Disable stacktrace by default

	if level == "" {
		level = os.Getenv("LOG_LEVEL")
	}
	if level != "" {
		var lvl zapcore.Level
		if err := lvl.UnmarshalText([]byte(level)); err == nil {
			config.Level.SetLevel(lvl)
		}
	}

	return config.Build(zap.AddCaller())
}

// InitLogger initializes the process-wide logger and replaces zap's globals
func InitLogger(level string) (*zap.Logger, error) {
	logger, err := NewLogger(level)
	if err != nil {
		return nil, err
	}

	loggerMu.Lock()
	Logger = logger
	loggerMu.Unlock()
	zap.ReplaceGlobals(logger)
	return logger, nil
}

// Sync flushes any buffered log entries
func Sync() error {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if Logger != nil {
		return Logger.Sync()
	}
	return nil
}
