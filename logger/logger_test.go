package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	debug, err := New("debug")
	require.NoError(t, err)
	assert.True(t, debug.Core().Enabled(zapcore.DebugLevel))

	release, err := New("release")
	require.NoError(t, err)
	assert.False(t, release.Core().Enabled(zapcore.DebugLevel))
	assert.True(t, release.Core().Enabled(zapcore.InfoLevel))
}
