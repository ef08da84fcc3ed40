package config

import "time"

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:        ":5872",
			MaxConnections: 1000,
			ReadTimeout:    30 * time.Second,
			WriteTimeout:   30 * time.Second,
		},
		Retriever: RetrieverConfig{
			BaseURI:          "",
			ObjectFetchRPS:   0, // 0 disables the limiter
			MaxConcurrentGet: 64,
			RequestTimeout:   30 * time.Second,
		},
		Cache: CacheConfig{
			Dir:            "/var/lib/adiskd/cache",
			BusyTimeoutCap: 1024 * time.Millisecond,
		},
		Search: SearchConfig{
			PendMax:      16,
			WorkAhead:    true,
			BypassPolicy: "none",
			BypassRatio:  1.0,
		},
		Logging: LogConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Address: ":9090",
		},
	}
}
