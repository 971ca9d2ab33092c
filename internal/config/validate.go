package config

import (
	"errors"
	"fmt"
)

// Validate checks the configuration for common errors and returns a detailed error if validation fails.
func (c *Config) Validate() error {
	if c.Conductor.Host == "" {
		return errors.New("conductor.host is required")
	}
	if c.Conductor.Workers <= 0 {
		return fmt.Errorf("conductor.workers must be positive, got %d", c.Conductor.Workers)
	}
	if c.Conductor.SyncPowerStateInterval <= 0 {
		return fmt.Errorf("conductor.sync_power_state_interval must be positive, got %s", c.Conductor.SyncPowerStateInterval)
	}

	if err := c.Backend.validate(); err != nil {
		return fmt.Errorf("backend validation failed: %w", err)
	}
	if err := c.Store.validate(); err != nil {
		return fmt.Errorf("store validation failed: %w", err)
	}
	return nil
}

func (b *BackendConfig) validate() error {
	if b.MaxRetries <= 0 {
		return fmt.Errorf("max_retries must be positive, got %d", b.MaxRetries)
	}
	if b.RetryInterval < 0 {
		return fmt.Errorf("retry_interval must not be negative, got %s", b.RetryInterval)
	}
	if b.StaticToken() {
		return nil
	}
	if b.Username == "" || b.Password == "" {
		return errors.New("either auth_token or username and password are required")
	}
	if b.AuthURL == "" {
		return errors.New("auth_url is required for username and password authentication")
	}
	return nil
}

func (s *StoreConfig) validate() error {
	switch s.Driver {
	case StoreMemory:
	case StoreBadger:
		// An empty path keeps badger in memory.
	case StorePostgres:
		if s.DatabaseURL == "" {
			return errors.New("database_url is required for the postgres store")
		}
	default:
		return fmt.Errorf("invalid store driver %q: must be one of %v", s.Driver,
			[]string{StoreMemory, StoreBadger, StorePostgres})
	}
	return nil
}
