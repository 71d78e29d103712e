package ratelimit

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"apigate/internal/models"
)

// IdentityResolver extracts what the gate needs to know about the caller.
// ClientIP may be left empty; the gate fills it in.
type IdentityResolver func(*http.Request) Identity

// Gate is the HTTP middleware that applies rate limit decisions to API paths.
type Gate struct {
	limiter           *Limiter
	policies          *PolicyTable
	resolve           IdentityResolver
	pathPrefix        string
	exemptPaths       []string
	trustForwardedFor bool
}

// NewGate wires a limiter, a policy table and an identity resolver.
func NewGate(limiter *Limiter, policies *PolicyTable, resolve IdentityResolver, cfg models.RateLimitConfig) *Gate {
	prefix := cfg.PathPrefix
	if prefix == "" {
		prefix = "/api/"
	}
	if resolve == nil {
		resolve = func(*http.Request) Identity { return Identity{} }
	}
	return &Gate{
		limiter:           limiter,
		policies:          policies,
		resolve:           resolve,
		pathPrefix:        prefix,
		exemptPaths:       cfg.ExemptPaths,
		trustForwardedFor: cfg.TrustForwardedFor,
	}
}

// Applies reports whether path is rate limited.
func (g *Gate) Applies(path string) bool {
	if !strings.HasPrefix(path, g.pathPrefix) {
		return false
	}
	for _, exempt := range g.exemptPaths {
		if strings.HasPrefix(path, exempt) {
			return false
		}
	}
	return true
}

// Middleware enforces the limit. Rate limit headers are written before the
// downstream handler runs so they are present on every gated response.
func (g *Gate) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !g.Applies(r.URL.Path) {
			next.ServeHTTP(w, r)
			return
		}

		id := g.resolve(r)
		if id.ClientIP == "" {
			id.ClientIP = ClientIP(r, g.trustForwardedFor)
		}
		key := id.Key()
		policy := g.policies.Resolve(id)

		d, err := g.limiter.Decide(r.Context(), key, policy)
		if err != nil {
			writeJSON(w, http.StatusServiceUnavailable, models.NewRateLimitUnavailableResponse())
			return
		}

		reset := ceilUnix(d.ResetAt)
		w.Header().Set("X-RateLimit-Limit", strconv.Itoa(d.Limit))
		w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))

		if !d.Allowed {
			w.Header().Set("X-RateLimit-Remaining", "0")
			w.Header().Set("Retry-After", strconv.FormatInt(reset, 10))
			writeJSON(w, http.StatusTooManyRequests, models.NewRateLimitExceededResponse(time.Unix(reset, 0)))

			slog.Warn("Rate limit exceeded",
				"key", redactKey(key, id),
				"tier", policy.Tier,
				"limit", d.Limit,
				"retry_after", d.RetryAfter.Round(time.Millisecond),
			)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// ceilUnix rounds up to whole epoch seconds so clients never retry early.
func ceilUnix(t time.Time) int64 {
	s := t.Unix()
	if t.Nanosecond() > 0 {
		s++
	}
	return s
}

// redactKey keeps account ids in logs but not client addresses of anonymous callers.
func redactKey(key string, id Identity) string {
	if id.Authenticated {
		return key
	}
	return "anonymous"
}

// ClientIP returns the caller address: the first X-Forwarded-For hop when
// trustForwardedFor is set, otherwise the host part of RemoteAddr.
func ClientIP(r *http.Request, trustForwardedFor bool) string {
	if trustForwardedFor {
		if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
			first, _, _ := strings.Cut(xff, ",")
			if ip := strings.TrimSpace(first); ip != "" {
				return ip
			}
		}
	}

	if r.RemoteAddr == "" {
		return ""
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Error("Failed to encode rate limit response", "error", err)
	}
}
