// Package config provides configuration parsing and management for the
// diamond search-engine core (adiskd).
package config

import "time"

// Config holds the complete server configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Retriever RetrieverConfig `yaml:"retriever"`
	Cache     CacheConfig     `yaml:"cache"`
	Search    SearchConfig    `yaml:"search"`
	Logging   LogConfig       `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ServerConfig holds the control-plane listener configuration (the RPC
// surface outside this core's scope carries its own address; this is the
// health/admin listener adiskd itself exposes).
type ServerConfig struct {
	Address        string        `yaml:"address"`
	MaxConnections int           `yaml:"maxConnections"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
}

// RetrieverConfig configures C5's data-retriever HTTP client.
type RetrieverConfig struct {
	BaseURI          string        `yaml:"baseUri"`
	ObjectFetchRPS   float64       `yaml:"objectFetchRps"`
	MaxConcurrentGet int           `yaml:"maxConcurrentGet"`
	RequestTimeout   time.Duration `yaml:"requestTimeout"`
}

// CacheConfig configures C4's SQLite cache DB.
type CacheConfig struct {
	Dir            string        `yaml:"dir"`
	BusyTimeoutCap time.Duration `yaml:"busyTimeoutCap"`
}

// SearchConfig configures C10's worker defaults.
type SearchConfig struct {
	PendMax      int64   `yaml:"pendMax"`
	WorkAhead    bool    `yaml:"workAhead"`
	BypassPolicy string  `yaml:"bypassPolicy"` // none|simple|greedy|hybrid
	BypassRatio  float64 `yaml:"bypassRatio"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// MetricsConfig configures C12's Prometheus export.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Address string `yaml:"address"`
}
