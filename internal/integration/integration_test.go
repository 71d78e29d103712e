package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"apigate/internal/api"
	"apigate/internal/auth"
	"apigate/internal/config"
	"apigate/internal/models"
	"apigate/internal/observability"
	"apigate/internal/ratelimit"
	"apigate/internal/storage"
	"apigate/internal/totp"
	"apigate/internal/twofactor"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Integration tests that run the whole gate over a real HTTP server, backed by
// a SQLite account store loaded through the config file.

type system struct {
	cfg    *models.Config
	store  storage.Storage
	engine *totp.Engine
	server *httptest.Server
}

func startSystem(t *testing.T, extraYAML string) *system {
	t.Helper()
	dir := t.TempDir()

	configPath := filepath.Join(dir, "apigate.yaml")
	content := fmt.Sprintf(`
storage:
  type: sqlite
  auto_migrate: true
  database:
    dsn: %q
two_factor:
  issuer: "IntegrationTest"
rate_limit:
  backend: memory
%s`, filepath.Join(dir, "accounts.db"), extraYAML)
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0644))

	cfg, err := config.Load(configPath)
	require.NoError(t, err)

	base, err := storage.NewFactory().Create(cfg.Storage)
	require.NoError(t, err)
	store, err := observability.NewInstrumentedStorage(base)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	recorder, err := auth.NewLastUsedRecorder(store, cfg.Auth.LastUsedQueueSize, cfg.Auth.LastUsedTimeout)
	require.NoError(t, err)
	t.Cleanup(recorder.Close)

	buckets := ratelimit.NewMemoryStore()
	limiter, err := ratelimit.NewLimiter(buckets, cfg.RateLimit)
	require.NoError(t, err)
	t.Cleanup(func() { _ = limiter.Close() })

	policies := ratelimit.NewPolicyTable(cfg.RateLimit)
	engine := totp.NewEngine(cfg.TwoFactor)
	handlers := api.NewHandlers(store, twofactor.NewService(store, engine), policies)

	handler := api.SetupRoutes(handlers, cfg,
		api.WithAuthenticator(auth.NewAuthenticator(store, recorder), cfg.Auth.APIKeyHeader),
		api.WithGate(ratelimit.NewGate(limiter, policies, auth.Identity, cfg.RateLimit)),
	)
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &system{cfg: cfg, store: store, engine: engine, server: server}
}

func (s *system) newAccount(t *testing.T, email string, rateLimit int, roles ...string) (*models.Account, string) {
	t.Helper()
	ctx := context.Background()

	account := models.NewAccount(email, roles...)
	account.RateLimit = rateLimit
	require.NoError(t, s.store.CreateAccount(ctx, account))

	issued, err := models.IssueAPIKey()
	require.NoError(t, err)
	require.NoError(t, s.store.IssueAPIKey(ctx, account.ID, issued.Hash, issued.Prefix, issued.CreatedAt))
	return account, issued.Raw
}

func (s *system) call(t *testing.T, method, path, key string, body any) (*http.Response, []byte) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, s.server.URL+path, &buf)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("X-API-KEY", key)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out bytes.Buffer
	_, err = out.ReadFrom(resp.Body)
	require.NoError(t, err)
	return resp, out.Bytes()
}

func TestIntegration_TwoFactorLifecycle(t *testing.T) {
	sys := startSystem(t, "")
	account, key := sys.newAccount(t, "alice@example.com", 100)

	resp, body := sys.call(t, http.MethodPost, "/api/2fa/setup", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var setup models.TwoFactorSetupResponse
	require.NoError(t, json.Unmarshal(body, &setup))
	assert.Contains(t, setup.ProvisioningURI, "issuer=IntegrationTest")

	code, err := sys.engine.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	resp, body = sys.call(t, http.MethodPost, "/api/2fa/enable", key, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))
	var enabled models.TwoFactorEnableResponse
	require.NoError(t, json.Unmarshal(body, &enabled))
	require.Len(t, enabled.BackupCodes, 8)

	stored, err := sys.store.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.True(t, stored.TwoFactorEnabled)
	assert.Len(t, stored.BackupCodeHashes, 8)
	for _, c := range enabled.BackupCodes {
		assert.NotContains(t, stored.BackupCodeHashes, c, "plaintext backup codes are never stored")
	}

	// The same backup code cannot be replayed.
	resp, _ = sys.call(t, http.MethodPost, "/api/2fa/backup-codes/verify", key, map[string]string{"code": enabled.BackupCodes[3]})
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp, _ = sys.call(t, http.MethodPost, "/api/2fa/backup-codes/verify", key, map[string]string{"code": enabled.BackupCodes[3]})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body = sys.call(t, http.MethodGet, "/api/me", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var me models.MeResponse
	require.NoError(t, json.Unmarshal(body, &me))
	assert.True(t, me.Account.TwoFactorEnabled)
	assert.Equal(t, 7, me.Account.BackupCodesLeft)

	code, err = sys.engine.GenerateCode(setup.Secret, time.Now())
	require.NoError(t, err)
	resp, body = sys.call(t, http.MethodPost, "/api/2fa/disable", key, map[string]string{"code": code})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	stored, err = sys.store.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.False(t, stored.TwoFactorEnabled)
	assert.Empty(t, stored.TwoFactorSecret)
}

func TestIntegration_KeyRotationAndLastUsed(t *testing.T) {
	sys := startSystem(t, "")
	account, key := sys.newAccount(t, "bob@example.com", 100)

	resp, _ := sys.call(t, http.MethodGet, "/api/me", key, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	require.Eventually(t, func() bool {
		a, err := sys.store.GetAccount(context.Background(), account.ID)
		return err == nil && a.APIKeyLastUsedAt != nil
	}, 2*time.Second, 10*time.Millisecond, "last-used timestamp is written asynchronously")

	resp, body := sys.call(t, http.MethodPost, "/api/account/api-key", key, nil)
	require.Equal(t, http.StatusCreated, resp.StatusCode, string(body))
	var issued models.APIKeyIssuedResponse
	require.NoError(t, json.Unmarshal(body, &issued))

	resp, _ = sys.call(t, http.MethodGet, "/api/me", key, nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	resp, _ = sys.call(t, http.MethodGet, "/api/me", issued.Key, nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := sys.store.GetAccount(context.Background(), account.ID)
	require.NoError(t, err)
	assert.Equal(t, issued.Prefix, stored.APIKeyPrefix)
	assert.Equal(t, models.HashAPIKey(issued.Key), stored.APIKeyHash)
}

func TestIntegration_CustomLimitEnforced(t *testing.T) {
	sys := startSystem(t, "")
	_, key := sys.newAccount(t, "carol@example.com", 3)

	for i := 0; i < 3; i++ {
		resp, _ := sys.call(t, http.MethodGet, "/api/me", key, nil)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "3", resp.Header.Get("X-RateLimit-Limit"))
		assert.Equal(t, strconv.Itoa(2-i), resp.Header.Get("X-RateLimit-Remaining"))
	}

	resp, body := sys.call(t, http.MethodGet, "/api/me", key, nil)
	require.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
	var rejected models.RateLimitExceededResponse
	require.NoError(t, json.Unmarshal(body, &rejected))
	assert.Equal(t, resp.Header.Get("Retry-After"), strconv.FormatInt(rejected.RetryAfter, 10))
	assert.GreaterOrEqual(t, rejected.RetryAfter, time.Now().Unix())

	// An admin with the same small custom limit gets the elevated tier.
	_, adminKey := sys.newAccount(t, "ops@example.com", 3, models.RoleAdmin)
	resp, _ = sys.call(t, http.MethodGet, "/api/me", adminKey, nil)
	assert.Equal(t, "10000", resp.Header.Get("X-RateLimit-Limit"))
}

func TestIntegration_ForwardedForTrusted(t *testing.T) {
	sys := startSystem(t, "  trust_forwarded_for: true\n  tiers:\n    anonymous: 1\n")

	get := func(ip string) int {
		req, err := http.NewRequest(http.MethodGet, sys.server.URL+"/api/anything", nil)
		require.NoError(t, err)
		req.Header.Set("X-Forwarded-For", ip)
		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusNotFound, get("203.0.113.7"))
	assert.Equal(t, http.StatusTooManyRequests, get("203.0.113.7"))
	assert.Equal(t, http.StatusNotFound, get("203.0.113.8"), "each forwarded client has its own bucket")
}

func TestIntegration_Health(t *testing.T) {
	sys := startSystem(t, "")

	resp, body := sys.call(t, http.MethodGet, "/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health models.HealthCheckResponse
	require.NoError(t, json.Unmarshal(body, &health))
	assert.Equal(t, models.StatusHealthy, health.Status)
}
