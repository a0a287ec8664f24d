package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	lvl, err := ParseLevel("warn")
	require.NoError(t, err)
	assert.Equal(t, "WARN", lvl)

	lvl, err = ParseLevel("verbose")
	assert.Error(t, err)
	assert.Equal(t, "INFO", lvl)
}

func TestWithFieldReturnsNewLogger(t *testing.T) {
	base, err := NewZapLogger("INFO")
	require.NoError(t, err)

	scoped := base.WithField("component", "test")
	assert.NotSame(t, base, scoped)

	// Both must remain usable.
	base.Info("base message", "k", 1)
	scoped.Info("scoped message", "k", 2)
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := Nop()
	logger.Debug("dropped")
	logger.Error("dropped", "err", "x")
	assert.NotNil(t, logger.WithFields(map[string]interface{}{"a": 1}))
}
