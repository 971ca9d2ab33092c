package handlers

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"sigs.k8s.io/controller-runtime/pkg/healthz"
	"sigs.k8s.io/controller-runtime/pkg/log"
	"sigs.k8s.io/controller-runtime/pkg/metrics"
)

const shutdownTimeout = 10 * time.Second

// Serve runs the conductor until ctx is cancelled: the periodic power
// sync, and the metrics and health endpoints when an address is set.
// Running transitions are awaited before it returns.
func Serve(ctx context.Context, configPath string) error {
	logger := log.FromContext(ctx).WithName("serve")

	env, err := Setup(ctx, configPath, true)
	if err != nil {
		return err
	}
	defer func() {
		logger.Info("waiting for running transitions")
		if err := env.Close(); err != nil {
			logger.Error(err, "failed to close store")
		}
	}()

	logger.Info("starting bmconductor",
		"version", Version,
		"host", env.Conductor.Host(),
		"store", env.Config.Store.Driver,
		"workers", env.Config.Conductor.Workers)

	var srv *http.Server
	if addr := env.Config.Metrics.Addr; addr != "" {
		srv = &http.Server{
			Addr:              addr,
			Handler:           newMux(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			logger.Info("serving metrics", "addr", addr)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error(err, "metrics server failed")
			}
		}()
	}

	runErr := env.Conductor.Run(ctx)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error(err, "failed to shut down metrics server")
		}
	}
	return runErr
}

func newMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))
	health := &healthz.Handler{Checks: map[string]healthz.Checker{"ping": healthz.Ping}}
	mux.Handle("/healthz", http.StripPrefix("/healthz", health))
	mux.Handle("/healthz/", http.StripPrefix("/healthz", health))
	return mux
}
