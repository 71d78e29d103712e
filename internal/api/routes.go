package api

import (
	"net/http"
	"strings"

	"apigate/internal/auth"
	"apigate/internal/models"
	"apigate/internal/ratelimit"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gorilla/mux/otelmux"
)

const (
	apiPrefix  = "/api/"
	docsPrefix = "/api/docs"
)

type routeConfig struct {
	otelService   string
	authenticator *auth.Authenticator
	apiKeyHeader  string
	gate          *ratelimit.Gate
}

// RouteOption configures optional route behavior.
type RouteOption func(*routeConfig)

// WithOTelMiddleware adds OpenTelemetry HTTP instrumentation middleware.
func WithOTelMiddleware(serviceName string) RouteOption {
	return func(c *routeConfig) { c.otelService = serviceName }
}

// WithAuthenticator enables API key authentication on the /api/ surface.
func WithAuthenticator(authn *auth.Authenticator, header string) RouteOption {
	return func(c *routeConfig) {
		c.authenticator = authn
		c.apiKeyHeader = header
	}
}

// WithGate puts the rate limit gate in front of the router.
func WithGate(g *ratelimit.Gate) RouteOption {
	return func(c *routeConfig) { c.gate = g }
}

// SetupRoutes builds the HTTP handler. The gate wraps the router rather than
// being registered with router.Use so unmatched /api/ paths are limited too.
//
// Request flow: logging, recovery, CORS, authentication, rate limit gate, router.
func SetupRoutes(handlers *Handlers, config *models.Config, opts ...RouteOption) http.Handler {
	rc := &routeConfig{}
	for _, opt := range opts {
		opt(rc)
	}

	router := mux.NewRouter()

	if rc.otelService != "" {
		router.Use(otelmux.Middleware(rc.otelService,
			otelmux.WithFilter(func(r *http.Request) bool {
				return r.URL.Path != "/health" && !strings.HasPrefix(r.URL.Path, docsPrefix)
			}),
		))
	}

	router.HandleFunc("/health", handlers.HealthCheck).Methods(http.MethodGet)

	docs := router.PathPrefix(docsPrefix).Subrouter()
	docs.HandleFunc("", handlers.ServeSwaggerUI).Methods(http.MethodGet)
	docs.HandleFunc("/openapi.yaml", handlers.ServeOpenAPISpec).Methods(http.MethodGet)

	api := router.PathPrefix("/api").Subrouter()
	api.Use(auth.RequireAccount)
	api.HandleFunc("/me", handlers.Me).Methods(http.MethodGet)
	api.HandleFunc("/account/api-key", handlers.IssueAPIKey).Methods(http.MethodPost)
	api.HandleFunc("/2fa/setup", handlers.SetupTwoFactor).Methods(http.MethodPost)
	api.HandleFunc("/2fa/enable", handlers.EnableTwoFactor).Methods(http.MethodPost)
	api.HandleFunc("/2fa/disable", handlers.DisableTwoFactor).Methods(http.MethodPost)
	api.HandleFunc("/2fa/backup-codes/verify", handlers.VerifyBackupCode).Methods(http.MethodPost)

	router.MethodNotAllowedHandler = http.HandlerFunc(methodNotAllowedHandler)
	router.NotFoundHandler = http.HandlerFunc(notFoundHandler)

	var handler http.Handler = router
	if rc.gate != nil {
		handler = rc.gate.Middleware(handler)
	}
	if rc.authenticator != nil {
		handler = onAPISurface(auth.Middleware(rc.authenticator, rc.apiKeyHeader), handler)
	}
	if config.Server.CORS.Enabled {
		handler = corsMiddleware(config.Server.CORS)(handler)
	}
	handler = recoveryMiddleware(handler)
	handler = loggingMiddleware(handler)

	return handler
}

// onAPISurface applies mw to /api/ requests outside the documentation routes.
func onAPISurface(mw mux.MiddlewareFunc, next http.Handler) http.Handler {
	wrapped := mw(next)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, apiPrefix) && !strings.HasPrefix(r.URL.Path, docsPrefix) {
			wrapped.ServeHTTP(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// methodNotAllowedHandler handles requests with invalid HTTP methods
func methodNotAllowedHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusMethodNotAllowed,
		models.NewErrorResponse("Method not allowed", models.ErrorCodeInvalidRequest))
}

func notFoundHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusNotFound,
		models.NewErrorResponse("Not found", models.ErrorCodeNotFound))
}
