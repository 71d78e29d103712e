package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"apigate/internal/apperr"
	"apigate/internal/models"
	"apigate/internal/ratelimit"

	"github.com/gorilla/mux"
)

// DefaultHeader carries the API key.
const DefaultHeader = "X-API-KEY"

type contextKey struct{}

// WithAccount returns a copy of ctx carrying the authenticated account.
func WithAccount(ctx context.Context, account *models.Account) context.Context {
	return context.WithValue(ctx, contextKey{}, account)
}

// AccountFromContext returns the authenticated account, or nil for anonymous requests.
func AccountFromContext(ctx context.Context) *models.Account {
	a, _ := ctx.Value(contextKey{}).(*models.Account)
	return a
}

// ErrorResponse is the body of an authentication failure.
type ErrorResponse struct {
	Message string `json:"message"`
}

// Middleware authenticates requests that carry the key header. Requests
// without the header pass through anonymous; a header that is present but
// fails verification ends the request.
func Middleware(authn *Authenticator, header string) mux.MiddlewareFunc {
	if header == "" {
		header = DefaultHeader
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			values, present := r.Header[http.CanonicalHeaderKey(header)]
			if !present {
				next.ServeHTTP(w, r)
				return
			}

			presented := ""
			if len(values) > 0 {
				presented = values[0]
			}
			account, err := authn.Authenticate(r.Context(), presented)
			if err != nil {
				WriteError(w, err)
				return
			}

			next.ServeHTTP(w, r.WithContext(WithAccount(r.Context(), account)))
		})
	}
}

// RequireAccount rejects anonymous requests.
func RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if AccountFromContext(r.Context()) == nil {
			WriteError(w, apperr.NewMissingCredentialError())
			return
		}
		next.ServeHTTP(w, r)
	})
}

// WriteError renders an authentication error as {"message": ...}.
func WriteError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apperr.StatusCode(err))
	if encErr := json.NewEncoder(w).Encode(ErrorResponse{Message: apperr.Message(err)}); encErr != nil {
		slog.Error("Failed to encode auth error", "error", encErr)
	}
}

// Identity is a ratelimit.IdentityResolver backed by the request context.
func Identity(r *http.Request) ratelimit.Identity {
	a := AccountFromContext(r.Context())
	if a == nil {
		return ratelimit.Identity{}
	}
	return ratelimit.Identity{
		Authenticated: true,
		AccountID:     a.ID,
		Roles:         a.RoleSet(),
		CustomLimit:   a.RateLimit,
	}
}
