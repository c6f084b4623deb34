package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLogger(t *testing.T) {
	tests := []struct {
		level   string
		enabled zapcore.Level
		blocked zapcore.Level
	}{
		{level: "debug", enabled: zapcore.DebugLevel, blocked: zapcore.InvalidLevel},
		{level: "info", enabled: zapcore.InfoLevel, blocked: zapcore.DebugLevel},
		{level: "error", enabled: zapcore.ErrorLevel, blocked: zapcore.WarnLevel},
		// Unknown levels fall back to info
		{level: "loud", enabled: zapcore.InfoLevel, blocked: zapcore.DebugLevel},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			t.Setenv("LOG_LEVEL", "")
			Logger = nil

			logger, err := InitLogger(tt.level)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Same(t, logger, Logger)
			assert.Same(t, logger, zap.L())

			assert.True(t, logger.Core().Enabled(tt.enabled))
			if tt.blocked != zapcore.InvalidLevel {
				assert.False(t, logger.Core().Enabled(tt.blocked))
			}
		})
	}
}

func TestNewLogger_LevelFromEnv(t *testing.T) {
	t.Setenv("LOG_LEVEL", "warn")

	logger, err := NewLogger("")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zap.InfoLevel))
	assert.True(t, logger.Core().Enabled(zap.WarnLevel))

	// An explicit level wins over the environment
	logger, err = NewLogger("debug")
	require.NoError(t, err)
	assert.True(t, logger.Core().Enabled(zap.DebugLevel))
}

func TestSync(t *testing.T) {
	Logger = nil
	assert.NoError(t, Sync())

	_, err := InitLogger("")
	require.NoError(t, err)
	// zap's Sync on stderr can fail on some platforms, so only make sure it does not panic
	_ = Sync()
}
