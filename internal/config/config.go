// Package config defines the conductor configuration.
//
// A configuration is read from an optional YAML file, then overridden by
// BMC_* environment variables, then validated. It is read-only once
// loaded; components receive the values they need, never the Config.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Store drivers.
const (
	StoreMemory   = "memory"
	StoreBadger   = "badger"
	StorePostgres = "postgres"
)

// DefaultEndpointBase is the API base the api_version is appended to when
// no explicit endpoint is configured.
const DefaultEndpointBase = "https://api.hetzner.cloud"

// Config holds the application configuration.
type Config struct {
	Conductor ConductorConfig `yaml:"conductor"`
	Backend   BackendConfig   `yaml:"backend"`
	Store     StoreConfig     `yaml:"store"`
	Metrics   MetricsConfig   `yaml:"metrics"`
}

// ConductorConfig configures the conductor itself.
type ConductorConfig struct {
	// Host is the reservation token of this conductor. Defaults to the
	// machine's hostname.
	Host    string `yaml:"host"`
	Workers int    `yaml:"workers"`

	SyncPowerStateInterval    time.Duration `yaml:"sync_power_state_interval"`
	ForcePowerStateDuringSync bool          `yaml:"force_power_state_during_sync"`
}

// BackendConfig configures the remote management backend and how it is
// called.
type BackendConfig struct {
	MaxRetries    int           `yaml:"max_retries"`
	RetryInterval time.Duration `yaml:"retry_interval"`

	// AuthToken is a static long-lived credential. When set, username and
	// password are ignored and no exchange takes place.
	AuthToken string `yaml:"auth_token"`

	Username string `yaml:"username"`
	Password string `yaml:"password"`
	AuthURL  string `yaml:"auth_url"`
	Tenant   string `yaml:"tenant"`

	Endpoint   string `yaml:"endpoint"`
	APIVersion string `yaml:"api_version"`
}

// StoreConfig selects the node store.
type StoreConfig struct {
	Driver      string `yaml:"driver"`
	Path        string `yaml:"path"`
	DatabaseURL string `yaml:"database_url"`
}

// MetricsConfig configures the Prometheus endpoint. An empty address
// disables it.
type MetricsConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	host, err := os.Hostname()
	if err != nil {
		host = ""
	}
	return &Config{
		Conductor: ConductorConfig{
			Host:                   host,
			Workers:                64,
			SyncPowerStateInterval: 60 * time.Second,
		},
		Backend: BackendConfig{
			MaxRetries:    60,
			RetryInterval: 2 * time.Second,
			APIVersion:    "v1",
		},
		Store: StoreConfig{
			Driver: StoreMemory,
		},
		Metrics: MetricsConfig{
			Addr: ":9090",
		},
	}
}

// Load reads the YAML file at path (skipped when path is empty), applies
// environment overrides and validates the result.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		// #nosec G304
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to unmarshal yaml: %w", err)
		}
	}

	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

// StaticToken reports whether the backend uses a static credential.
func (b BackendConfig) StaticToken() bool {
	return b.AuthToken != ""
}

// EndpointURL returns the backend endpoint. An explicit endpoint wins;
// otherwise the API version is appended to DefaultEndpointBase.
func (b BackendConfig) EndpointURL() string {
	if b.Endpoint != "" {
		return b.Endpoint
	}
	if b.APIVersion != "" {
		return DefaultEndpointBase + "/" + b.APIVersion
	}
	return ""
}
