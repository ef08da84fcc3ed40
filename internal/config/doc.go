// Package config provides configuration parsing and management for adiskd,
// the per-server diamond search-engine core.
//
// # Overview
//
// The config package handles loading, parsing, and validating server
// configuration from YAML files. It supports:
//
//   - YAML configuration files
//   - Default values for all settings
//   - Configuration validation
//   - Hot reload via ConfigManager.StartWatching / Reload
//
// # Configuration Structure
//
// The main Config struct contains all server settings:
//
//	type Config struct {
//	    Server    ServerConfig    // Control listener settings
//	    Retriever RetrieverConfig // Data retriever HTTP client settings (C5)
//	    Cache     CacheConfig     // Cache DB settings (C4)
//	    Search    SearchConfig    // Search worker defaults (C10)
//	    Logging   LogConfig       // Logging settings
//	    Metrics   MetricsConfig   // Prometheus export settings (C12)
//	}
//
// # Loading Configuration
//
// Load configuration from a YAML file:
//
//	cfg, err := config.LoadConfig("/etc/adiskd/config.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//
// Or use defaults:
//
//	cfg := config.DefaultConfig()
//
// # Example Configuration
//
// A typical configuration file:
//
//	server:
//	  address: ":5872"
//	  maxConnections: 1000
//	  readTimeout: 30s
//	  writeTimeout: 30s
//
//	retriever:
//	  baseUri: "http://retriever.example.com"
//	  maxConcurrentGet: 64
//	  requestTimeout: 30s
//
//	cache:
//	  dir: "/var/lib/adiskd/cache"
//	  busyTimeoutCap: 1s
//
//	search:
//	  pendMax: 16
//	  workAhead: true
//	  bypassPolicy: "none"
//	  bypassRatio: 1.0
//
//	logging:
//	  level: "info"
//	  format: "json"
//	  output: "stdout"
//
//	metrics:
//	  enabled: true
//	  address: ":9090"
package config
