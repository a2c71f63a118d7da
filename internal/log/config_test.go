package log

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zapcore"
)

func withEnv(t *testing.T, vars map[string]string) {
	t.Helper()
	orig := envFunc
	envFunc = func(key string) (string, bool) {
		v, ok := vars[key]
		return v, ok
	}
	t.Cleanup(func() { envFunc = orig })
}

func TestParseLevel(t *testing.T) {
	t.Run("known levels", func(t *testing.T) {
		for s, want := range map[string]zapcore.Level{
			"debug": zapcore.DebugLevel,
			"info":  zapcore.InfoLevel,
			"WARN":  zapcore.WarnLevel,
			"Error": zapcore.ErrorLevel,
		} {
			lv, ok := parseLevel(s)
			assert.True(t, ok, s)
			assert.Equal(t, want, lv)
		}
	})

	t.Run("garbage falls back", func(t *testing.T) {
		lv, ok := parseLevel("loud")
		assert.False(t, ok)
		assert.Equal(t, zapcore.InfoLevel, lv)
	})
}

func TestModuleLevel(t *testing.T) {
	t.Run("default info", func(t *testing.T) {
		withEnv(t, nil)
		assert.Equal(t, zapcore.InfoLevel, moduleLevel([]string{"Link"}))
	})

	t.Run("global level", func(t *testing.T) {
		withEnv(t, map[string]string{"LOG_LEVEL": "warn"})
		assert.Equal(t, zapcore.WarnLevel, moduleLevel([]string{"Link"}))
	})

	t.Run("module overrides global", func(t *testing.T) {
		withEnv(t, map[string]string{
			"LOG_LEVEL":       "warn",
			"LOG_LEVEL__LINK": "debug",
		})
		assert.Equal(t, zapcore.DebugLevel, moduleLevel([]string{"Link"}))
	})

	t.Run("nested module most specific wins", func(t *testing.T) {
		withEnv(t, map[string]string{
			"LOG_LEVEL__LINK":            "warn",
			"LOG_LEVEL__LINK__HEARTBEAT": "debug",
		})
		assert.Equal(t, zapcore.DebugLevel, moduleLevel([]string{"Link", "Heartbeat"}))
		assert.Equal(t, zapcore.WarnLevel, moduleLevel([]string{"Link", "Reconnect"}))
	})

	t.Run("camel case module names", func(t *testing.T) {
		withEnv(t, map[string]string{"LOG_LEVEL__PEER_SESSION": "error"})
		assert.Equal(t, zapcore.ErrorLevel, moduleLevel([]string{"PeerSession"}))
	})
}

func TestModuleLoggerConstruction(t *testing.T) {
	logger := NewNop()
	child := logger.Module("Link").Module("Heartbeat")
	assert.NotNil(t, child)

	test := NewTest(t)
	test.Module("Capture").Info("hello from test logger")
}
