package api

import (
	"context"
	"net/http"

	"apigate/internal/apperr"
	"apigate/internal/auth"
	"apigate/internal/models"
	"apigate/internal/ratelimit"
	"apigate/internal/storage"
	"apigate/internal/twofactor"
	"apigate/internal/version"
)

// Pinger is a dependency the health check probes.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handlers holds the HTTP handlers of the gate's own endpoints.
type Handlers struct {
	storage   storage.Storage
	twoFactor *twofactor.Service
	policies  *ratelimit.PolicyTable
	buckets   Pinger // nil for the in-process bucket store
	version   version.Info
}

// HandlerOption configures Handlers.
type HandlerOption func(*Handlers)

// WithBucketStorePing adds the shared bucket store to the health check.
func WithBucketStorePing(p Pinger) HandlerOption {
	return func(h *Handlers) { h.buckets = p }
}

// WithVersion sets the version reported by /health.
func WithVersion(v version.Info) HandlerOption {
	return func(h *Handlers) { h.version = v }
}

func NewHandlers(store storage.Storage, twoFactor *twofactor.Service, policies *ratelimit.PolicyTable, opts ...HandlerOption) *Handlers {
	h := &Handlers{
		storage:   store,
		twoFactor: twoFactor,
		policies:  policies,
		version:   version.GetInfo(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// HealthCheck handles GET /health. It is never rate limited.
func (h *Handlers) HealthCheck(w http.ResponseWriter, r *http.Request) {
	response := models.NewHealthCheckResponse(models.StatusHealthy)
	response.Version = h.version.Version

	if err := h.storage.Ping(r.Context()); err != nil {
		response.AddComponent("storage", models.StatusUnhealthy, "Account store unreachable")
	} else {
		response.AddComponent("storage", models.StatusHealthy, "Account store is operational")
	}

	if h.buckets != nil {
		if err := h.buckets.Ping(r.Context()); err != nil {
			// The gate keeps serving (or refusing) per its failure mode.
			response.AddComponent("rate_limit", models.StatusDegraded, "Bucket store unreachable")
		} else {
			response.AddComponent("rate_limit", models.StatusHealthy, "Bucket store is operational")
		}
	}

	status := http.StatusOK
	if response.Status == models.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, response)
}

// Me handles GET /api/me: the caller's account view and rate limit tier.
func (h *Handlers) Me(w http.ResponseWriter, r *http.Request) {
	account := auth.AccountFromContext(r.Context())
	policy := h.policies.Resolve(auth.Identity(r))

	writeJSON(w, http.StatusOK, models.MeResponse{
		Account: account.View(),
		Tier:    string(policy.Tier),
		Limit:   policy.Limit,
	})
}

// writeErrorResponse writes the generic error shape.
func (h *Handlers) writeErrorResponse(w http.ResponseWriter, statusCode int, errorCode, message string) {
	writeJSON(w, statusCode, models.NewErrorResponse(message, errorCode))
}

// writeAppError maps a classified error onto the generic error shape.
func (h *Handlers) writeAppError(w http.ResponseWriter, err error) {
	h.writeErrorResponse(w, apperr.StatusCode(err), string(apperr.KindOf(err)), apperr.Message(err))
}
