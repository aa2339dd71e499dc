package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"cdr.dev/slog/v3"

	"edgeattend/internal/config"
)

// These tests set process environment and cannot run in parallel.

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("DEVICE_ID", "gate-1")

	app, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, app.Validate())

	assert.Equal(t, "gate-1", app.DeviceID)
	assert.Equal(t, 30*time.Second, app.DuplicateWindow)
	assert.Equal(t, 3, app.MaxRetryAttempts)
	assert.Equal(t, 5*time.Minute, app.SyncInterval)
	assert.True(t, app.AutoTimeOut)
	assert.Equal(t, 5*time.Second, app.TimeOutConfirmation)
	assert.Equal(t, config.BackendMemory, app.CacheBackend)
	assert.Equal(t, config.BackendMemory, app.QueueBackend)
}

func TestLoad_FileBelowEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "edge.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
device_id: gate-7
SYNC_INTERVAL_SECONDS: 60
AUTO_TIMEOUT_ENABLED: false
FACE_MATCH_THRESHOLD: 0.65
CACHE_BACKEND: redis
`), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("SYNC_INTERVAL_SECONDS", "120")

	app, err := config.Load()
	require.NoError(t, err)
	require.NoError(t, app.Validate())

	assert.Equal(t, "gate-7", app.DeviceID)
	assert.Equal(t, 2*time.Minute, app.SyncInterval)
	assert.False(t, app.AutoTimeOut)
	assert.Equal(t, 0.65, app.FaceMatchThreshold)
	assert.Equal(t, config.BackendRedis, app.CacheBackend)
}

func TestLoad_Malformed(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	t.Setenv("MAX_RETRY_ATTEMPTS", "three")
	t.Setenv("AUTO_TIMEOUT_ENABLED", "maybe")

	_, err := config.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "MAX_RETRY_ATTEMPTS")
	assert.Contains(t, err.Error(), "AUTO_TIMEOUT_ENABLED")

	t.Setenv("CONFIG_FILE", filepath.Join(t.TempDir(), "missing.yaml"))
	_, err = config.Load()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Setenv("CONFIG_FILE", "")
	app, err := config.Load()
	require.NoError(t, err)

	app.DuplicateWindow = 0
	app.MaxRetryAttempts = -1
	app.QueueBackend = "kafka"
	app.Timezone = "Mars/Olympus_Mons"
	app.LogLevel = "loud"
	err = app.Validate()
	require.Error(t, err)
	for _, want := range []string{"DUPLICATE_TIMEOUT_SECONDS", "MAX_RETRY_ATTEMPTS", "QUEUE_BACKEND", "TIMEZONE", "LOG_LEVEL"} {
		assert.Contains(t, err.Error(), want)
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()

	lvl, err := config.ParseLevel("DEBUG")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, lvl)

	lvl, err = config.ParseLevel("")
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, lvl)

	_, err = config.ParseLevel("trace")
	require.Error(t, err)
}
