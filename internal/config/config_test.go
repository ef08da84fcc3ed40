package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, ":5872", cfg.Server.Address)
	assert.Equal(t, 1000, cfg.Server.MaxConnections)
	assert.Equal(t, 30*time.Second, cfg.Server.ReadTimeout)

	assert.Equal(t, 64, cfg.Retriever.MaxConcurrentGet)
	assert.Equal(t, 30*time.Second, cfg.Retriever.RequestTimeout)

	assert.Equal(t, "/var/lib/adiskd/cache", cfg.Cache.Dir)

	assert.Equal(t, int64(16), cfg.Search.PendMax)
	assert.True(t, cfg.Search.WorkAhead)
	assert.Equal(t, "none", cfg.Search.BypassPolicy)

	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
}

func TestValidateConfigAcceptsDefaults(t *testing.T) {
	errs := ValidateConfig(DefaultConfig())
	assert.Empty(t, errs)
}

func TestValidateConfigRejectsBadServerAddress(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Server.Address = "not-an-address"

	errs := ValidateConfig(cfg)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "server.address")
}

func TestValidateConfigRejectsBadBypassPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Search.BypassPolicy = "whatever"

	errs := ValidateConfig(cfg)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "search.bypassPolicy")
}

func TestValidateConfigRejectsOutOfRangeBypassRatio(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Search.BypassRatio = 1.5

	errs := ValidateConfig(cfg)
	require.NotEmpty(t, errs)
	assert.Contains(t, errs[0].Error(), "search.bypassRatio")
}

func TestLoadConfigMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "server:\n  address: \":6000\"\nsearch:\n  pendMax: 4\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)

	assert.Equal(t, ":6000", cfg.Server.Address)
	assert.Equal(t, int64(4), cfg.Search.PendMax)
	// Untouched sections keep their defaults.
	assert.Equal(t, "/var/lib/adiskd/cache", cfg.Cache.Dir)
}

func TestLoadConfigReturnsErrorForMissingFile(t *testing.T) {
	_, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestConfigManagerUpdateSectionValidatesBeforeApplying(t *testing.T) {
	mgr := NewConfigManager(DefaultConfig(), "")

	err := mgr.UpdateSection("search", map[string]interface{}{"bypassPolicy": "nope"})
	assert.Error(t, err)
	assert.Equal(t, "none", mgr.GetConfig().Search.BypassPolicy)

	err = mgr.UpdateSection("search", map[string]interface{}{"bypassPolicy": "greedy"})
	assert.NoError(t, err)
	assert.Equal(t, "greedy", mgr.GetConfig().Search.BypassPolicy)
}

func TestConfigManagerSetOnUpdateFiresOnReload(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	mgr := NewConfigManager(DefaultConfig(), path)

	fired := make(chan *Config, 1)
	mgr.SetOnUpdate(func(old, new *Config) { fired <- new })

	require.NoError(t, mgr.Reload())

	select {
	case cfg := <-fired:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(time.Second):
		t.Fatal("onUpdate callback was not called")
	}
}

func TestConfigManagerWatchingDetectsFileChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

	mgr := NewConfigManager(DefaultConfig(), path)
	changed := make(chan *Config, 1)
	mgr.SetOnUpdate(func(_, newCfg *Config) { changed <- newCfg })

	require.NoError(t, mgr.StartWatching(10*time.Millisecond, 10*time.Millisecond))
	defer mgr.StopWatching()
	assert.True(t, mgr.IsWatching())

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0644))

	select {
	case cfg := <-changed:
		assert.Equal(t, "debug", cfg.Logging.Level)
	case <-time.After(2 * time.Second):
		t.Fatal("watch loop did not detect file change")
	}
}

func TestConfigManagerStartWatchingRequiresConfigFile(t *testing.T) {
	mgr := NewConfigManager(DefaultConfig(), "")
	assert.Error(t, mgr.StartWatching(0, 0))
}

func TestConfigManagerStopWatchingIsIdempotent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0644))

	mgr := NewConfigManager(DefaultConfig(), path)
	require.NoError(t, mgr.StartWatching(10*time.Millisecond, 10*time.Millisecond))
	mgr.StopWatching()
	mgr.StopWatching()
	assert.False(t, mgr.IsWatching())
}
