package telemetry

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/rjboer/gouhd/internal/logging"
	"github.com/rjboer/gouhd/internal/metrics"
)

// WebServer exposes the hub API together with the Prometheus and readiness
// endpoints.
type WebServer struct {
	srv *http.Server
	log logging.Logger
}

// NewWebServer builds a server on addr.
func NewWebServer(addr string, hub *Hub, logger logging.Logger) *WebServer {
	if logger == nil {
		logger = logging.Default()
	}
	mux := http.NewServeMux()
	mux.Handle("/api/", hub.Handler())
	mux.Handle("/metrics", metrics.Handler())
	mux.Handle("/ready", metrics.Handler())
	return &WebServer{
		srv: &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		log: logger.With(logging.Field{Key: "subsystem", Value: "web"}),
	}
}

// Handler returns the server's routes.
func (w *WebServer) Handler() http.Handler { return w.srv.Handler }

// Start serves until ctx is cancelled.
func (w *WebServer) Start(ctx context.Context) {
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := w.srv.Shutdown(shutdownCtx); err != nil {
			w.log.Warn("web telemetry shutdown", logging.Field{Key: "error", Value: err})
		}
	}()

	w.log.Info("web telemetry listening", logging.Field{Key: "addr", Value: w.srv.Addr})
	if err := w.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		w.log.Error("web telemetry server error", logging.Field{Key: "error", Value: err})
	}
}
