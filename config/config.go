// Package config holds runtime settings for the profilekeeper library,
// layered defaults → JSON file → command-line flags, later sources taking
// precedence.
package config

import "time"

// Config holds runtime settings.
//
// Fields:
//   - ServerBaseURL: base URL of the remote store's operation endpoint.
//   - DatabasePath: path of the local sqlite database (queue + cache).
//   - HashAlgorithm: signature algorithm identifier; fixed per deployment.
//   - RequestTimeout: ceiling for a single remote attempt.
//   - RetryBaseDelay: exponential backoff base between attempts.
//   - MaxAttempts: total attempt ceiling per operation.
//   - OnlineCheckInterval: how often the monitor probes store reachability.
type Config struct {
	ServerBaseURL       string
	DatabasePath        string
	HashAlgorithm       string
	RequestTimeout      time.Duration
	RetryBaseDelay      time.Duration
	MaxAttempts         uint64
	OnlineCheckInterval time.Duration
}

// LoadDefaults populates c with sensible defaults.
func (c *Config) LoadDefaults() {
	c.ServerBaseURL = "http://127.0.0.1:8080/api"
	c.DatabasePath = "profilekeeper.db"
	c.HashAlgorithm = "sha256"
	c.RequestTimeout = 30 * time.Second
	c.RetryBaseDelay = 500 * time.Millisecond
	c.MaxAttempts = 3
	c.OnlineCheckInterval = 3 * time.Second
}

// LoadConfig constructs a Config, applies defaults, then overlays values
// from JSON (if present) and command-line flags (if present).
func LoadConfig() *Config {
	cfg := &Config{}
	cfg.LoadDefaults()
	parseJson(cfg)
	parseFlags(cfg)
	return cfg
}
