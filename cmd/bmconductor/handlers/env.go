// Package handlers implements the bmconductor commands.
//
// Commands parse flags; handlers load the configuration, open the node
// store, assemble the conductor and act on it.
package handlers

import (
	"context"
	"fmt"

	"github.com/imamik/bmconductor/internal/conductor"
	"github.com/imamik/bmconductor/internal/config"
	"github.com/imamik/bmconductor/internal/driver"
	"github.com/imamik/bmconductor/internal/driver/fake"
	hclouddriver "github.com/imamik/bmconductor/internal/driver/hcloud"
	hcloudplatform "github.com/imamik/bmconductor/internal/platform/hcloud"
	"github.com/imamik/bmconductor/internal/remote"
	"github.com/imamik/bmconductor/internal/store"
	"github.com/imamik/bmconductor/internal/store/badger"
	"github.com/imamik/bmconductor/internal/store/memory"
	"github.com/imamik/bmconductor/internal/store/postgres"
)

// Version is reported to the backend in the user agent.
var Version = "dev"

// Factory function variables - can be replaced in tests.
var (
	loadConfig = config.Load
	openStore  = OpenStore
)

// Env is everything a command acts through.
type Env struct {
	Config    *config.Config
	Store     store.NodeStore
	Conductor *conductor.Conductor
	// Hardware backs the fake driver.
	Hardware *fake.Hardware
}

// Setup loads the configuration at configPath and assembles an Env.
func Setup(ctx context.Context, configPath string, metrics bool) (*Env, error) {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}

	s, err := openStore(ctx, cfg.Store)
	if err != nil {
		return nil, err
	}

	hw := fake.NewHardware()
	drivers := driver.NewRegistry(
		hclouddriver.New(NewRemoteClient(cfg.Backend, metrics)),
		hw.Driver(),
	)

	c, err := conductor.New(cfg.Conductor.Host, s, drivers,
		conductor.WithWorkers(cfg.Conductor.Workers),
		conductor.WithSyncInterval(cfg.Conductor.SyncPowerStateInterval),
		conductor.WithForcePowerStateDuringSync(cfg.Conductor.ForcePowerStateDuringSync),
		conductor.WithMetrics(metrics),
	)
	if err != nil {
		_ = s.Close()
		return nil, err
	}

	return &Env{Config: cfg, Store: s, Conductor: c, Hardware: hw}, nil
}

// Close waits for running transitions and closes the store.
func (e *Env) Close() error {
	e.Conductor.Wait()
	return e.Store.Close()
}

// OpenStore opens the node store selected by cfg.
func OpenStore(ctx context.Context, cfg config.StoreConfig) (store.NodeStore, error) {
	switch cfg.Driver {
	case config.StoreMemory:
		return memory.New()
	case config.StoreBadger:
		return badger.Open(cfg.Path)
	case config.StorePostgres:
		s, err := postgres.Connect(ctx, cfg.DatabaseURL)
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}
		return s, nil
	}
	return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
}

// NewRemoteClient builds the resilient client for the hcloud backend. A
// static token bypasses the credential cache.
func NewRemoteClient(cfg config.BackendConfig, metrics bool) *remote.Client {
	var tokens remote.TokenSource = remote.StaticToken(cfg.AuthToken)
	if !cfg.StaticToken() {
		tokens = remote.NewCredentialCache(&remote.PasswordAuthenticator{
			URL:      cfg.AuthURL,
			Username: cfg.Username,
			Password: cfg.Password,
			Tenant:   cfg.Tenant,
		}, remote.WithCacheMetrics(metrics))
	}

	connOpts := []hcloudplatform.ClientOption{
		hcloudplatform.WithApplication("bmconductor", Version),
	}
	if endpoint := cfg.EndpointURL(); endpoint != "" {
		connOpts = append(connOpts, hcloudplatform.WithEndpoint(endpoint))
	}
	connector := hcloudplatform.NewConnector(connOpts...)

	return remote.NewClient(tokens, connector.Connect,
		remote.WithMaxRetries(cfg.MaxRetries),
		remote.WithRetryInterval(cfg.RetryInterval),
		remote.WithClassifier(hcloudplatform.Classify),
		remote.WithMetrics(metrics),
	)
}
