// Package ratelimit provides per-identity request rate limiting using the
// token bucket algorithm. Identities resolve to a tier through an ordered
// policy table; buckets live in a Store (in-process or Redis). The Gate
// middleware applies decisions to HTTP requests and sets the standard rate
// limit response headers.
package ratelimit

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"apigate/internal/apperr"
	"apigate/internal/models"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Store holds token buckets. Take must refill and take atomically per key.
// Implementations must be safe for concurrent use.
type Store interface {
	// Take refills the bucket for key under policy and consumes one token if
	// at least one is available.
	Take(ctx context.Context, key string, policy Policy) (Decision, error)

	// Close stops background goroutines and releases resources.
	Close() error
}

// Decision is the outcome of one Take, with the metadata for response headers.
type Decision struct {
	Allowed    bool
	Limit      int           // Bucket capacity
	Remaining  int           // Whole tokens left after the decision
	ResetAt    time.Time     // Now when a token remains, else when the next one arrives
	RetryAfter time.Duration // ResetAt - now, meaningful only when denied
}

// decide turns a post-take token count into a Decision.
func decide(allowed bool, tokens float64, policy Policy, now time.Time) Decision {
	remaining := int(tokens)
	if remaining < 0 {
		remaining = 0
	}
	if remaining > policy.Limit {
		remaining = policy.Limit
	}

	d := Decision{Allowed: allowed, Limit: policy.Limit, Remaining: remaining, ResetAt: now}
	if tokens < 1 {
		if r := policy.TokensPerSecond(); r > 0 {
			wait := time.Duration((1 - tokens) / r * float64(time.Second))
			d.ResetAt = now.Add(wait)
		}
	}
	if !allowed {
		d.RetryAfter = d.ResetAt.Sub(now)
	}
	return d
}

// Limiter applies the failure policy and a per-decision deadline around a Store.
type Limiter struct {
	store       Store
	failureMode string
	timeout     time.Duration
	now         func() time.Time

	decisions   metric.Int64Counter
	storeErrors metric.Int64Counter
}

// LimiterOption configures a Limiter.
type LimiterOption func(*Limiter)

// WithLimiterClock overrides the clock used for fail-open decisions.
func WithLimiterClock(now func() time.Time) LimiterOption {
	return func(l *Limiter) { l.now = now }
}

// NewLimiter wraps store with the configured failure mode and store timeout.
func NewLimiter(store Store, cfg models.RateLimitConfig, opts ...LimiterOption) (*Limiter, error) {
	meter := otel.Meter("apigate/ratelimit")

	decisions, err := meter.Int64Counter(
		"ratelimit.decisions",
		metric.WithDescription("Rate limit decisions by tier and outcome"),
		metric.WithUnit("{decision}"),
	)
	if err != nil {
		return nil, err
	}
	storeErrors, err := meter.Int64Counter(
		"ratelimit.store.errors",
		metric.WithDescription("Bucket store failures"),
		metric.WithUnit("{error}"),
	)
	if err != nil {
		return nil, err
	}

	timeout := cfg.StoreTimeout
	if timeout <= 0 {
		timeout = 250 * time.Millisecond
	}
	failureMode := cfg.FailureMode
	if failureMode == "" {
		failureMode = models.FailureModeOpen
	}

	l := &Limiter{
		store:       store,
		failureMode: failureMode,
		timeout:     timeout,
		now:         time.Now,
		decisions:   decisions,
		storeErrors: storeErrors,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l, nil
}

// Decide takes one token for key. A store failure or timeout either admits
// the request (fail open) or returns a StoreUnavailable error (fail closed).
// Tokens are never refunded, even when the caller's context is cancelled
// after the take.
func (l *Limiter) Decide(ctx context.Context, key string, policy Policy) (Decision, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	d, err := l.store.Take(ctx, key, policy)
	if err != nil {
		l.storeErrors.Add(ctx, 1, metric.WithAttributes(attribute.String("tier", string(policy.Tier))))
		timedOut := errors.Is(err, context.DeadlineExceeded)

		if l.failureMode == models.FailureModeClosed {
			slog.Error("Rate limit store unavailable, rejecting request",
				"tier", policy.Tier,
				"timed_out", timedOut,
				"error", err,
			)
			l.count(ctx, policy.Tier, "unavailable")
			return Decision{}, apperr.NewStoreUnavailableError(err)
		}

		slog.Warn("Rate limit store unavailable, admitting request",
			"tier", policy.Tier,
			"timed_out", timedOut,
			"error", err,
		)
		l.count(ctx, policy.Tier, "fail_open")
		return Decision{Allowed: true, Limit: policy.Limit, Remaining: policy.Limit, ResetAt: l.now()}, nil
	}

	outcome := "allowed"
	if !d.Allowed {
		outcome = "rejected"
	}
	l.count(ctx, policy.Tier, outcome)
	return d, nil
}

func (l *Limiter) count(ctx context.Context, tier Tier, outcome string) {
	l.decisions.Add(context.WithoutCancel(ctx), 1, metric.WithAttributes(
		attribute.String("tier", string(tier)),
		attribute.String("outcome", outcome),
	))
}

// Close closes the underlying store.
func (l *Limiter) Close() error {
	return l.store.Close()
}
