package observability

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/birdhub/birdhub/internal/conf"
	"github.com/birdhub/birdhub/internal/logger"
)

const shutdownTimeout = 5 * time.Second

// Endpoint serves /metrics on its own listen address.
type Endpoint struct {
	server        *http.Server
	listenAddress string
	metrics       *Metrics
	log           logger.Logger
}

// NewEndpoint creates a metrics endpoint. It returns nil when metrics are
// disabled or served by the API server instead.
func NewEndpoint(settings *conf.Settings, metrics *Metrics) *Endpoint {
	if !settings.Metrics.Enabled || settings.Metrics.Listen == "" {
		return nil
	}
	return &Endpoint{
		listenAddress: settings.Metrics.Listen,
		metrics:       metrics,
		log:           logger.Global().Module("telemetry"),
	}
}

// Run serves until ctx is cancelled and then shuts the server down.
func (e *Endpoint) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	e.metrics.RegisterHandlers(mux)

	e.server = &http.Server{
		Addr:              e.listenAddress,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		e.log.Info("metrics endpoint starting", logger.String("address", e.listenAddress))
		if err := e.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	e.log.Info("stopping metrics endpoint")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.log.Error("metrics endpoint shutdown error", logger.Error(err))
		return err
	}
	return nil
}
