package config

import (
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWatcherWithoutEnvFile(t *testing.T) {
	watcher, err := NewWatcher(&Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, watcher, "no env file means nothing to watch")
}

func TestWatcherAppliesRuntimeChanges(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CREDITS_LOG_LEVEL=info\n"), 0o600))

	cfg := Defaults()
	cfg.EnvPath = envPath

	var reloads atomic.Int64
	watcher, err := NewWatcher(cfg, func(c *Config) {
		reloads.Add(1)
	})
	require.NoError(t, err)
	require.NotNil(t, watcher)
	require.NoError(t, watcher.Start())
	t.Cleanup(watcher.Stop)

	require.NoError(t, os.WriteFile(envPath, []byte("CREDITS_LOG_LEVEL=debug\nCREDITS_LEDGER_URL=http://10.0.0.1:8787\n"), 0o600))

	require.Eventually(t, func() bool { return reloads.Load() >= 1 }, 3*time.Second, 10*time.Millisecond)

	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "http://10.0.0.1:8787", cfg.LedgerURL)
}

func TestWatcherIgnoresUnrelatedFiles(t *testing.T) {
	dir := t.TempDir()
	envPath := filepath.Join(dir, ".env")
	require.NoError(t, os.WriteFile(envPath, []byte("CREDITS_LOG_LEVEL=info\n"), 0o600))

	cfg := Defaults()
	cfg.EnvPath = envPath

	var reloads atomic.Int64
	watcher, err := NewWatcher(cfg, func(*Config) { reloads.Add(1) })
	require.NoError(t, err)
	require.NoError(t, watcher.Start())
	t.Cleanup(watcher.Stop)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "unrelated.txt"), []byte("noise"), 0o600))

	time.Sleep(500 * time.Millisecond)
	assert.Zero(t, reloads.Load())
}
