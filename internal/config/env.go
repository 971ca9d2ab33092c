package config

import (
	"os"
	"strconv"
	"time"
)

// ApplyEnv overrides cfg from environment variables. Unset or unparsable
// variables leave the current value in place.
//
// Environment Variables:
//   - BMC_CONDUCTOR_HOST
//   - BMC_CONDUCTOR_WORKERS (default: 64)
//   - BMC_SYNC_POWER_STATE_INTERVAL (default: 60s)
//   - BMC_FORCE_POWER_STATE_DURING_SYNC (default: false)
//   - BMC_BACKEND_MAX_RETRIES (default: 60)
//   - BMC_BACKEND_RETRY_INTERVAL (default: 2s)
//   - BMC_BACKEND_AUTH_TOKEN
//   - BMC_BACKEND_USERNAME, BMC_BACKEND_PASSWORD, BMC_BACKEND_AUTH_URL, BMC_BACKEND_TENANT
//   - BMC_BACKEND_ENDPOINT, BMC_BACKEND_API_VERSION (default: v1)
//   - BMC_STORE_DRIVER (default: memory), BMC_STORE_PATH, BMC_DATABASE_URL
//   - BMC_METRICS_ADDR (default: :9090)
func ApplyEnv(cfg *Config) {
	c := &cfg.Conductor
	c.Host = parseString("BMC_CONDUCTOR_HOST", c.Host)
	c.Workers = parseInt("BMC_CONDUCTOR_WORKERS", c.Workers)
	c.SyncPowerStateInterval = parseDuration("BMC_SYNC_POWER_STATE_INTERVAL", c.SyncPowerStateInterval)
	c.ForcePowerStateDuringSync = parseBool("BMC_FORCE_POWER_STATE_DURING_SYNC", c.ForcePowerStateDuringSync)

	b := &cfg.Backend
	b.MaxRetries = parseInt("BMC_BACKEND_MAX_RETRIES", b.MaxRetries)
	b.RetryInterval = parseDuration("BMC_BACKEND_RETRY_INTERVAL", b.RetryInterval)
	b.AuthToken = parseString("BMC_BACKEND_AUTH_TOKEN", b.AuthToken)
	b.Username = parseString("BMC_BACKEND_USERNAME", b.Username)
	b.Password = parseString("BMC_BACKEND_PASSWORD", b.Password)
	b.AuthURL = parseString("BMC_BACKEND_AUTH_URL", b.AuthURL)
	b.Tenant = parseString("BMC_BACKEND_TENANT", b.Tenant)
	b.Endpoint = parseString("BMC_BACKEND_ENDPOINT", b.Endpoint)
	b.APIVersion = parseString("BMC_BACKEND_API_VERSION", b.APIVersion)

	s := &cfg.Store
	s.Driver = parseString("BMC_STORE_DRIVER", s.Driver)
	s.Path = parseString("BMC_STORE_PATH", s.Path)
	s.DatabaseURL = parseString("BMC_DATABASE_URL", s.DatabaseURL)

	cfg.Metrics.Addr = parseString("BMC_METRICS_ADDR", cfg.Metrics.Addr)
}

func parseString(envVar, defaultVal string) string {
	if val := os.Getenv(envVar); val != "" {
		return val
	}
	return defaultVal
}

// parseDuration parses a duration from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseDuration(envVar string, defaultVal time.Duration) time.Duration {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	d, err := time.ParseDuration(val)
	if err != nil {
		return defaultVal
	}

	return d
}

// parseInt parses an integer from an environment variable.
// If the variable is not set or parsing fails, the default value is returned.
func parseInt(envVar string, defaultVal int) int {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	i, err := strconv.Atoi(val)
	if err != nil {
		return defaultVal
	}

	return i
}

func parseBool(envVar string, defaultVal bool) bool {
	val := os.Getenv(envVar)
	if val == "" {
		return defaultVal
	}

	b, err := strconv.ParseBool(val)
	if err != nil {
		return defaultVal
	}

	return b
}
