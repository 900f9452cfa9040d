package logger

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestInitRejectsBadLevel(t *testing.T) {
	err := Init(&LogConfig{Level: "loud"}, "production")
	assert.Error(t, err)
}

func TestInitWritesFile(t *testing.T) {
	prev := Lg
	t.Cleanup(func() { Lg = prev })

	cfg := &LogConfig{
		Level:    "debug",
		Filename: filepath.Join(t.TempDir(), "huddle.log"),
		MaxSize:  1,
	}
	require.NoError(t, Init(cfg, "production"))
	assert.True(t, Lg.Core().Enabled(zapcore.DebugLevel))
	Sync()
}

func TestOrNamed(t *testing.T) {
	own := zap.NewNop()
	assert.Same(t, own, OrNamed(own, "x"))
	assert.NotNil(t, OrNamed(nil, "x"))
}

func TestPionFactoryRoutesLevels(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	f := NewPionFactory(zap.New(core))

	l := f.NewLogger("ice")
	l.Tracef("trace %d", 1)
	l.Infof("connected %s", "peer")
	l.Warn("slow")
	l.Errorf("failed: %v", "timeout")

	entries := logs.AllUntimed()
	require.Len(t, entries, 4)
	assert.Equal(t, zapcore.DebugLevel, entries[0].Level)
	assert.Equal(t, "connected peer", entries[1].Message)
	assert.Equal(t, zapcore.WarnLevel, entries[2].Level)
	assert.Equal(t, "failed: timeout", entries[3].Message)
	assert.Equal(t, "ice", entries[1].ContextMap()["scope"])
}
