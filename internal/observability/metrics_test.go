package observability

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"apigate/internal/models"
	"apigate/internal/version"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func metricsProvider(t *testing.T) *Provider {
	t.Helper()
	provider, err := Setup(
		models.MetricsConfig{Enabled: true, Path: "/metrics", Port: 9090},
		models.ObservabilityConfig{ServiceName: "test"},
		version.Info{},
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })
	return provider
}

func TestMetricsServer_ServesGatherer(t *testing.T) {
	provider := metricsProvider(t)

	reg := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "apigate_test_total", Help: "test"})
	reg.MustRegister(counter)
	counter.Inc()

	ms := NewMetricsServer(0, "/metrics", provider, reg)
	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "apigate_test_total 1")
}

func TestMetricsServer_NilProviderMountsNothing(t *testing.T) {
	ms := NewMetricsServer(9090, "/metrics", nil, nil)
	require.NotNil(t, ms)

	rec := httptest.NewRecorder()
	ms.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsServer_StartAndShutdown(t *testing.T) {
	provider := metricsProvider(t)
	ms := NewMetricsServer(0, "/metrics", provider, nil)

	errCh := make(chan error, 1)
	go func() {
		errCh <- ms.Start()
	}()
	time.Sleep(100 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	assert.NoError(t, ms.Shutdown(ctx))
	assert.Equal(t, http.ErrServerClosed, <-errCh)
}
