package observability

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsServer exposes the Prometheus scrape endpoint on its own port so it
// never passes through the request gate.
type MetricsServer struct {
	server *http.Server
}

// NewMetricsServer serves gatherer at path. A nil gatherer uses the default
// Prometheus registry, which is where the OpenTelemetry exporter and the
// Redis pool collectors register. Without a provider nothing is mounted.
func NewMetricsServer(port int, path string, provider *Provider, gatherer prometheus.Gatherer) *MetricsServer {
	mux := http.NewServeMux()

	if provider != nil && provider.promExporter != nil {
		if gatherer == nil {
			gatherer = prometheus.DefaultGatherer
		}
		mux.Handle(path, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{
			ErrorLog:      slog.NewLogLogger(slog.Default().Handler(), slog.LevelError),
			ErrorHandling: promhttp.ContinueOnError,
		}))
	}

	return &MetricsServer{
		server: &http.Server{
			Addr:              fmt.Sprintf(":%d", port),
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Handler returns the server's handler.
func (ms *MetricsServer) Handler() http.Handler {
	return ms.server.Handler
}

// Start blocks serving metrics. It returns http.ErrServerClosed after Shutdown.
func (ms *MetricsServer) Start() error {
	slog.Info("Starting metrics server", "addr", ms.server.Addr)
	return ms.server.ListenAndServe()
}

func (ms *MetricsServer) Shutdown(ctx context.Context) error {
	return ms.server.Shutdown(ctx)
}
