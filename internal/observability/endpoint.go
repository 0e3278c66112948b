package observability

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/sentinel-av/sentinel/internal/logger"
	"github.com/sentinel-av/sentinel/internal/observability/metrics"
)

// Endpoint serves /metrics on its own listener when the control API is off.
type Endpoint struct {
	server  *http.Server
	metrics *Metrics
	log     logger.Logger
}

// NewEndpoint creates an endpoint bound to listenAddress.
func NewEndpoint(listenAddress string, m *Metrics) *Endpoint {
	mux := http.NewServeMux()
	m.RegisterHandlers(mux)
	return &Endpoint{
		server: &http.Server{
			Addr:              listenAddress,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		metrics: m,
		log:     logger.Global().Module("metrics"),
	}
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (e *Endpoint) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.server.Addr)
	if err != nil {
		return err
	}
	e.log.Info("metrics endpoint starting", logger.String("address", ln.Addr().String()))

	errCh := make(chan error, 1)
	go func() { errCh <- e.server.Serve(ln) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), metrics.ShutdownTimeout)
	defer cancel()
	if err := e.server.Shutdown(shutdownCtx); err != nil {
		e.log.Error("metrics server shutdown error", logger.Error(err))
		return err
	}
	<-errCh
	return nil
}

// GetMetrics returns the Metrics instance associated with this Endpoint.
func (e *Endpoint) GetMetrics() *Metrics {
	return e.metrics
}
