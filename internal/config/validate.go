package config

import (
	"fmt"
	"net"
	"path/filepath"
	"strings"
)

// ValidationError represents a configuration validation error.
type ValidationError struct {
	Field   string
	Message string
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// ValidateConfig validates the configuration and returns a list of validation
// errors. An empty slice indicates the configuration is valid.
func ValidateConfig(config *Config) []error {
	var errs []error

	errs = append(errs, validateServerConfig(&config.Server)...)
	errs = append(errs, validateRetrieverConfig(&config.Retriever)...)
	errs = append(errs, validateCacheConfig(&config.Cache)...)
	errs = append(errs, validateSearchConfig(&config.Search)...)
	errs = append(errs, validateLogConfig(&config.Logging)...)
	errs = append(errs, validateMetricsConfig(&config.Metrics)...)

	return errs
}

func validateServerConfig(config *ServerConfig) []error {
	var errs []error

	if config.Address != "" {
		if err := validateAddress(config.Address); err != nil {
			errs = append(errs, ValidationError{Field: "server.address", Message: err.Error()})
		}
	}

	if config.MaxConnections < 0 {
		errs = append(errs, ValidationError{Field: "server.maxConnections", Message: "must be non-negative"})
	}
	if config.ReadTimeout < 0 {
		errs = append(errs, ValidationError{Field: "server.readTimeout", Message: "must be non-negative"})
	}
	if config.WriteTimeout < 0 {
		errs = append(errs, ValidationError{Field: "server.writeTimeout", Message: "must be non-negative"})
	}

	return errs
}

func validateRetrieverConfig(config *RetrieverConfig) []error {
	var errs []error

	if config.BaseURI != "" && !strings.Contains(config.BaseURI, "://") {
		errs = append(errs, ValidationError{
			Field:   "retriever.baseUri",
			Message: "must be an absolute URI (missing scheme)",
		})
	}
	if config.ObjectFetchRPS < 0 {
		errs = append(errs, ValidationError{Field: "retriever.objectFetchRps", Message: "must be non-negative"})
	}
	if config.MaxConcurrentGet < 1 {
		errs = append(errs, ValidationError{Field: "retriever.maxConcurrentGet", Message: "must be at least 1"})
	}
	if config.RequestTimeout <= 0 {
		errs = append(errs, ValidationError{Field: "retriever.requestTimeout", Message: "must be positive"})
	}

	return errs
}

func validateCacheConfig(config *CacheConfig) []error {
	var errs []error

	if config.Dir == "" {
		errs = append(errs, ValidationError{Field: "cache.dir", Message: "cache directory is required"})
	}
	if config.BusyTimeoutCap < 0 {
		errs = append(errs, ValidationError{Field: "cache.busyTimeoutCap", Message: "must be non-negative"})
	}

	return errs
}

func validateSearchConfig(config *SearchConfig) []error {
	var errs []error

	if config.PendMax < 1 {
		errs = append(errs, ValidationError{Field: "search.pendMax", Message: "must be at least 1"})
	}

	validPolicies := map[string]bool{"none": true, "simple": true, "greedy": true, "hybrid": true}
	if config.BypassPolicy != "" && !validPolicies[strings.ToLower(config.BypassPolicy)] {
		errs = append(errs, ValidationError{
			Field:   "search.bypassPolicy",
			Message: "must be none, simple, greedy, or hybrid",
		})
	}

	if config.BypassRatio < 0 || config.BypassRatio > 1 {
		errs = append(errs, ValidationError{Field: "search.bypassRatio", Message: "must be between 0 and 1"})
	}

	return errs
}

func validateLogConfig(config *LogConfig) []error {
	var errs []error

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if config.Level != "" && !validLevels[strings.ToLower(config.Level)] {
		errs = append(errs, ValidationError{Field: "logging.level", Message: "must be debug, info, warn, or error"})
	}

	validFormats := map[string]bool{"console": true, "json": true}
	if config.Format != "" && !validFormats[strings.ToLower(config.Format)] {
		errs = append(errs, ValidationError{Field: "logging.format", Message: "must be console or json"})
	}

	if config.Output != "" && config.Output != "stdout" && config.Output != "stderr" && !filepath.IsAbs(config.Output) {
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: "must be stdout, stderr, or an absolute file path",
		})
	}

	return errs
}

func validateMetricsConfig(config *MetricsConfig) []error {
	var errs []error

	if config.Enabled && config.Address != "" {
		if err := validateAddress(config.Address); err != nil {
			errs = append(errs, ValidationError{Field: "metrics.address", Message: err.Error()})
		}
	}

	return errs
}

// validateAddress validates a network address in host:port format.
func validateAddress(addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address format: %v", err)
	}
	if port == "" {
		return fmt.Errorf("port is required")
	}
	return nil
}
