package utils

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGetters(t *testing.T) {
	t.Setenv("HUDDLE_T_STR", " value ")
	t.Setenv("HUDDLE_T_INT", "42")
	t.Setenv("HUDDLE_T_BADINT", "forty")
	t.Setenv("HUDDLE_T_BOOL", "true")
	t.Setenv("HUDDLE_T_DUR", "750ms")
	t.Setenv("HUDDLE_T_LIST", "stun:a, ,stun:b")

	assert.Equal(t, "value", GetEnv("HUDDLE_T_STR"))
	assert.Equal(t, "fallback", GetStringOrDefault("HUDDLE_T_MISSING", "fallback"))
	assert.Equal(t, 42, GetIntOrDefault("HUDDLE_T_INT", 1))
	assert.Equal(t, 7, GetIntOrDefault("HUDDLE_T_BADINT", 7))
	assert.Equal(t, int64(42), GetIntEnv("HUDDLE_T_INT"))
	assert.Equal(t, int64(0), GetIntEnv("HUDDLE_T_BADINT"))
	assert.True(t, GetBoolOrDefault("HUDDLE_T_BOOL", false))
	assert.True(t, GetBoolOrDefault("HUDDLE_T_MISSING", true))
	assert.Equal(t, 750*time.Millisecond, GetDurationOrDefault("HUDDLE_T_DUR", time.Second))
	assert.Equal(t, time.Second, GetDurationOrDefault("HUDDLE_T_MISSING", time.Second))
	assert.Equal(t, []string{"stun:a", "stun:b"}, GetListOrDefault("HUDDLE_T_LIST", nil))
	assert.Equal(t, []string{"d"}, GetListOrDefault("HUDDLE_T_MISSING", []string{"d"}))
}

func TestLoadEnv(t *testing.T) {
	dir := t.TempDir()
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	assert.Error(t, LoadEnv("test"))

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte("HUDDLE_T_SHARED=base\nHUDDLE_T_OVERRIDE=base\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env.test"), []byte("HUDDLE_T_OVERRIDE=mode\n"), 0o644))
	t.Cleanup(func() {
		os.Unsetenv("HUDDLE_T_SHARED")
		os.Unsetenv("HUDDLE_T_OVERRIDE")
	})

	require.NoError(t, LoadEnv("test"))
	assert.Equal(t, "base", GetEnv("HUDDLE_T_SHARED"))
	assert.Equal(t, "mode", GetEnv("HUDDLE_T_OVERRIDE"))
}
