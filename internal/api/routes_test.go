package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"apigate/internal/auth"
	"apigate/internal/models"
	"apigate/internal/ratelimit"
	"apigate/internal/storage"
	"apigate/internal/totp"
	"apigate/internal/twofactor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoutes_AnonymousBucketExhaustion(t *testing.T) {
	env := newTestEnv(t)
	reset := strconv.FormatInt(testNow.Add(600*time.Millisecond).Unix()+1, 10)

	for i := 1; i <= 100; i++ {
		req := httptest.NewRequest(http.MethodGet, "/api/movies", nil)
		req.RemoteAddr = "1.2.3.4:40000"
		rec := httptest.NewRecorder()
		env.handler.ServeHTTP(rec, req)

		// Anonymous callers pass the gate and are then rejected by the route.
		require.NotEqual(t, http.StatusTooManyRequests, rec.Code, "request %d", i)
		assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(100-i), rec.Header().Get("X-RateLimit-Remaining"), "request %d", i)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/movies", nil)
	req.RemoteAddr = "1.2.3.4:40000"
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
	assert.Equal(t, reset, rec.Header().Get("Retry-After"))
	resp := decode[models.RateLimitExceededResponse](t, rec)
	assert.Equal(t, models.RateLimitErrorTitle, resp.Error)
	assert.Equal(t, models.RateLimitErrorMessage, resp.Message)
	assert.Equal(t, reset, strconv.FormatInt(resp.RetryAfter, 10))

	// A different IP has its own bucket.
	req = httptest.NewRequest(http.MethodGet, "/api/movies", nil)
	req.RemoteAddr = "5.6.7.8:40000"
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRoutes_AuthenticatedBucketIsPerAccount(t *testing.T) {
	env := newTestEnv(t, func(c *models.Config) { c.RateLimit.Tiers.Anonymous = 1 })
	_, key := env.createAccount(t, "carol@example.com")

	// Exhaust the anonymous bucket of the shared IP.
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/api/unknown", "", nil).Code)
	assert.Equal(t, http.StatusTooManyRequests, env.do(t, http.MethodGet, "/api/unknown", "", nil).Code)

	rec := env.do(t, http.MethodGet, "/api/me", key, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRoutes_HeadersOnHandlerErrors(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createAccount(t, "dave@example.com")

	rec := env.do(t, http.MethodPost, "/api/2fa/enable", key, map[string]string{"code": "123456"})

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "100", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "99", rec.Header().Get("X-RateLimit-Remaining"))
	assert.NotEmpty(t, rec.Header().Get("X-RateLimit-Reset"))
}

func TestRoutes_ExemptPaths(t *testing.T) {
	env := newTestEnv(t)

	for _, path := range []string{"/health", "/api/docs", "/api/docs/openapi.yaml"} {
		t.Run(path, func(t *testing.T) {
			rec := env.do(t, http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusOK, rec.Code)
			assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		})
	}
}

func TestRoutes_Authentication(t *testing.T) {
	env := newTestEnv(t)
	account, key := env.createAccount(t, "erin@example.com")
	require.NoError(t, env.store.SetAPIKeyEnabled(context.Background(), account.ID, false))
	_, otherKey := env.createAccount(t, "frank@example.com")

	tests := []struct {
		name        string
		header      map[string]string
		wantStatus  int
		wantMessage string
	}{
		{name: "no header", wantStatus: http.StatusUnauthorized, wantMessage: "No API key provided"},
		{name: "empty header", header: map[string]string{"X-API-KEY": ""}, wantStatus: http.StatusUnauthorized, wantMessage: "No API key provided"},
		{name: "unknown key", header: map[string]string{"X-API-KEY": "deadbeef"}, wantStatus: http.StatusUnauthorized, wantMessage: "Invalid API key"},
		{name: "disabled key", header: map[string]string{"X-API-KEY": key}, wantStatus: http.StatusUnauthorized, wantMessage: "API key is disabled"},
		{name: "valid key", header: map[string]string{"X-API-KEY": otherKey}, wantStatus: http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
			for k, v := range tt.header {
				req.Header[http.CanonicalHeaderKey(k)] = []string{v}
			}
			rec := httptest.NewRecorder()
			env.handler.ServeHTTP(rec, req)

			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.wantMessage != "" {
				assert.Equal(t, tt.wantMessage, decode[auth.ErrorResponse](t, rec).Message)
			}
		})
	}
}

func TestRoutes_RejectedKeyTakesNoToken(t *testing.T) {
	env := newTestEnv(t, func(c *models.Config) { c.RateLimit.Tiers.Anonymous = 1 })
	account, disabledKey := env.createAccount(t, "hank@example.com")
	require.NoError(t, env.store.SetAPIKeyEnabled(context.Background(), account.ID, false))

	for _, key := range []string{"deadbeef", disabledKey, "deadbeef"} {
		rec := env.do(t, http.MethodGet, "/api/me", key, nil)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
		assert.Empty(t, rec.Header().Get("X-RateLimit-Limit"))
		assert.Empty(t, rec.Header().Get("X-RateLimit-Remaining"))
	}

	// The caller's anonymous bucket is still full.
	rec := env.do(t, http.MethodGet, "/api/unknown", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))
}

func TestRoutes_MethodNotAllowed(t *testing.T) {
	env := newTestEnv(t)
	_, key := env.createAccount(t, "gina@example.com")

	rec := env.do(t, http.MethodGet, "/api/2fa/setup", key, nil)

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, models.ErrorCodeInvalidRequest, decode[models.ErrorResponse](t, rec).Code)
}

func TestRoutes_FailClosed(t *testing.T) {
	cfg := models.NewDefaultConfig()
	cfg.RateLimit.FailureMode = models.FailureModeClosed
	cfg.RateLimit.StoreTimeout = 10 * time.Millisecond

	store, err := storage.NewMemoryStorage(storage.Config{Type: "memory"})
	require.NoError(t, err)
	policies := ratelimit.NewPolicyTable(cfg.RateLimit)
	limiter, err := ratelimit.NewLimiter(blockingBuckets{}, cfg.RateLimit)
	require.NoError(t, err)

	handlers := NewHandlers(store, twofactor.NewService(store, totp.NewEngine(cfg.TwoFactor)), policies)
	handler := SetupRoutes(handlers, cfg, WithGate(ratelimit.NewGate(limiter, policies, auth.Identity, cfg.RateLimit)))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/me", nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[models.RateLimitUnavailableResponse](t, rec)
	assert.Equal(t, models.UnavailableErrorTitle, resp.Error)
}

func TestRoutes_CORSPreflight(t *testing.T) {
	env := newTestEnv(t, func(c *models.Config) {
		c.Server.CORS.Enabled = true
		c.Server.CORS.AllowedOrigins = []string{"https://app.example"}
		c.Server.CORS.AllowedMethods = []string{"GET", "POST"}
	})

	req := httptest.NewRequest(http.MethodOptions, "/health", nil)
	req.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)

	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "GET, POST", rec.Header().Get("Access-Control-Allow-Methods"))
}

// blockingBuckets never answers before the caller's deadline.
type blockingBuckets struct{}

func (blockingBuckets) Take(ctx context.Context, _ string, _ ratelimit.Policy) (ratelimit.Decision, error) {
	<-ctx.Done()
	return ratelimit.Decision{}, ctx.Err()
}

func (blockingBuckets) Close() error { return nil }
