package config

import (
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigManager manages runtime configuration with hot reload support. It
// also owns the file-watching loop that drives Reload: a stat-poll with
// debounce, folded in from what used to be a separate watcher so the
// component that swaps config state is the same one that notices the file
// changed.
type ConfigManager struct {
	config     *Config
	configFile string
	mu         sync.RWMutex
	onUpdate   func(old, new *Config)

	pollInterval time.Duration
	debounce     time.Duration
	lastModTime  time.Time
	lastSize     int64
	watching     bool
	stopCh       chan struct{}
	stoppedCh    chan struct{}
}

// NewConfigManager creates a new config manager.
func NewConfigManager(cfg *Config, configFile string) *ConfigManager {
	return &ConfigManager{
		config:     cfg,
		configFile: configFile,
	}
}

// StartWatching begins polling configFile for changes every pollInterval,
// debouncing bursts of writes for debounce before calling Reload. Zero
// values fall back to 100ms/200ms. A no-op if watching is already running;
// an error if no configFile was set at construction.
func (m *ConfigManager) StartWatching(pollInterval, debounce time.Duration) error {
	m.mu.Lock()
	if m.configFile == "" {
		m.mu.Unlock()
		return fmt.Errorf("config: no config file to watch")
	}
	if m.watching {
		m.mu.Unlock()
		return nil
	}
	if pollInterval <= 0 {
		pollInterval = 100 * time.Millisecond
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	info, err := os.Stat(m.configFile)
	if err != nil {
		m.mu.Unlock()
		return fmt.Errorf("config: stat %s: %w", m.configFile, err)
	}
	m.pollInterval = pollInterval
	m.debounce = debounce
	m.lastModTime = info.ModTime()
	m.lastSize = info.Size()
	m.watching = true
	m.stopCh = make(chan struct{})
	m.stoppedCh = make(chan struct{})
	m.mu.Unlock()

	go m.watchLoop()
	return nil
}

// StopWatching halts the watch loop started by StartWatching and waits for
// it to exit. A no-op if no watch loop is running.
func (m *ConfigManager) StopWatching() {
	m.mu.Lock()
	if !m.watching {
		m.mu.Unlock()
		return
	}
	m.watching = false
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	m.mu.Unlock()

	close(stopCh)
	<-stoppedCh
}

// IsWatching reports whether the watch loop is running.
func (m *ConfigManager) IsWatching() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.watching
}

func (m *ConfigManager) watchLoop() {
	m.mu.RLock()
	stopCh, stoppedCh := m.stopCh, m.stoppedCh
	pollInterval, debounce := m.pollInterval, m.debounce
	m.mu.RUnlock()

	defer close(stoppedCh)

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var pendingReload bool
	var debounceTimer *time.Timer
	var debounceCh <-chan time.Time

	for {
		select {
		case <-stopCh:
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			return

		case <-ticker.C:
			if m.checkFileChanged() {
				pendingReload = true
				if debounceTimer != nil {
					debounceTimer.Stop()
				}
				debounceTimer = time.NewTimer(debounce)
				debounceCh = debounceTimer.C
			}

		case <-debounceCh:
			if pendingReload {
				_ = m.Reload() // transient load/validate errors are retried on the next change
				pendingReload = false
			}
			debounceTimer = nil
			debounceCh = nil
		}
	}
}

// checkFileChanged reports whether configFile's mtime or size moved since
// the last check, updating the stored baseline as a side effect.
func (m *ConfigManager) checkFileChanged() bool {
	info, err := os.Stat(m.configFile)
	if err != nil {
		return false
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	modTime, size := info.ModTime(), info.Size()
	if modTime != m.lastModTime || size != m.lastSize {
		m.lastModTime = modTime
		m.lastSize = size
		return true
	}
	return false
}

// SetOnUpdate sets the callback for config updates.
func (m *ConfigManager) SetOnUpdate(fn func(old, new *Config)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onUpdate = fn
}

// GetConfig returns the current config.
func (m *ConfigManager) GetConfig() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.config
}

// GetConfigFile returns the config file path.
func (m *ConfigManager) GetConfigFile() string {
	return m.configFile
}

// GetSection returns a specific config section by name.
func (m *ConfigManager) GetSection(section string) (interface{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	switch strings.ToLower(section) {
	case "server":
		return m.config.Server, nil
	case "retriever":
		return m.config.Retriever, nil
	case "cache":
		return m.config.Cache, nil
	case "search":
		return m.config.Search, nil
	case "logging":
		return m.config.Logging, nil
	case "metrics":
		return m.config.Metrics, nil
	default:
		return nil, fmt.Errorf("unknown section: %s", section)
	}
}

// UpdateSection updates a config section with hot-reload support. Only the
// fields a running search worker can safely pick up between searches are
// exposed here; storage and listener addresses require a restart.
func (m *ConfigManager) UpdateSection(section string, data map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	oldConfig := m.config
	newConfig := copyConfig(oldConfig)

	switch strings.ToLower(section) {
	case "logging":
		if v, ok := data["level"].(string); ok {
			newConfig.Logging.Level = v
		}
		if v, ok := data["format"].(string); ok {
			newConfig.Logging.Format = v
		}
	case "search":
		if v, ok := data["pendMax"].(float64); ok {
			newConfig.Search.PendMax = int64(v)
		}
		if v, ok := data["workAhead"].(bool); ok {
			newConfig.Search.WorkAhead = v
		}
		if v, ok := data["bypassPolicy"].(string); ok {
			newConfig.Search.BypassPolicy = v
		}
		if v, ok := data["bypassRatio"].(float64); ok {
			newConfig.Search.BypassRatio = v
		}
	case "retriever":
		if v, ok := data["objectFetchRps"].(float64); ok {
			newConfig.Retriever.ObjectFetchRPS = v
		}
		if v, ok := data["maxConcurrentGet"].(float64); ok {
			newConfig.Retriever.MaxConcurrentGet = int(v)
		}
		if v, ok := data["requestTimeout"].(string); ok {
			if d, err := time.ParseDuration(v); err == nil {
				newConfig.Retriever.RequestTimeout = d
			}
		}
	default:
		return fmt.Errorf("unknown or read-only section: %s", section)
	}

	if errs := ValidateConfig(newConfig); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs[0])
	}

	m.config = newConfig

	if m.onUpdate != nil {
		go m.onUpdate(oldConfig, newConfig)
	}

	return nil
}

// Reload reloads config from file.
func (m *ConfigManager) Reload() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file configured")
	}

	newConfig, err := LoadConfig(m.configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if errs := ValidateConfig(newConfig); len(errs) > 0 {
		return fmt.Errorf("validation failed: %v", errs[0])
	}

	m.mu.Lock()
	oldConfig := m.config
	m.config = newConfig
	onUpdate := m.onUpdate
	m.mu.Unlock()

	if onUpdate != nil {
		go onUpdate(oldConfig, newConfig)
	}

	return nil
}

// SaveToFile saves the current config to file as YAML.
func (m *ConfigManager) SaveToFile() error {
	if m.configFile == "" {
		return fmt.Errorf("no config file configured")
	}

	m.mu.RLock()
	data, err := yaml.Marshal(m.config)
	m.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(m.configFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}

// copyConfig creates a shallow copy of config. Config holds no slices or
// maps that would need a deep copy.
func copyConfig(c *Config) *Config {
	newConfig := *c
	return &newConfig
}
