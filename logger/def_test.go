package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func TestInitLevel(t *testing.T) {
	require.NoError(t, Init("warn", false))
	assert.False(t, Log().Core().Enabled(zapcore.InfoLevel))
	assert.True(t, Log().Core().Enabled(zapcore.WarnLevel))
	// zap globals follow
	assert.Same(t, Log(), zap.L())

	require.NoError(t, InitDevelopment())
	assert.True(t, Log().Core().Enabled(zapcore.DebugLevel))
	Sync()
}

func TestInitInvalidLevel(t *testing.T) {
	assert.Error(t, Init("loud", false))
}

func TestNamed(t *testing.T) {
	require.NoError(t, InitProduction())
	assert.NotNil(t, Named("pipeline"))
	assert.Same(t, Log(), zap.L())
}
