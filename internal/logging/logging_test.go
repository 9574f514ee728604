package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSetupInstallsGlobal(t *testing.T) {
	before := zap.L()
	defer zap.ReplaceGlobals(before)

	flush, err := Setup("debug")
	require.NoError(t, err)
	defer flush()

	assert.NotEqual(t, before, zap.L())
	assert.True(t, zap.L().Core().Enabled(zap.DebugLevel))
}

func TestSetupLevels(t *testing.T) {
	before := zap.L()
	defer zap.ReplaceGlobals(before)

	flush, err := Setup("warn")
	require.NoError(t, err)
	defer flush()

	assert.False(t, zap.L().Core().Enabled(zap.InfoLevel))
	assert.True(t, zap.L().Core().Enabled(zap.WarnLevel))
}

func TestSetupRejectsUnknownLevel(t *testing.T) {
	_, err := Setup("chatty")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "chatty")
}
