package ratelimit

import (
	"slices"
	"time"

	"apigate/internal/models"
)

// Tier names a rate-limit class.
type Tier string

const (
	TierAnonymous Tier = "anonymous"
	TierStandard  Tier = "standard"
	TierElevated  Tier = "elevated"
)

// UnknownKey is the shared bucket used when a request has no usable identity.
const UnknownKey = "unknown"

// Identity is what the gate knows about the caller when it asks for a decision.
type Identity struct {
	Authenticated bool
	AccountID     string
	Roles         []string
	CustomLimit   int // per-minute override carried by the account, 0 = none
	ClientIP      string
}

// HasRole reports whether role is among the identity's roles.
func (id Identity) HasRole(role string) bool {
	return slices.Contains(id.Roles, role)
}

// Key returns the bucket key: "user_<id>" for accounts, the client IP
// otherwise, and UnknownKey when neither is known.
func (id Identity) Key() string {
	if id.Authenticated && id.AccountID != "" {
		return "user_" + id.AccountID
	}
	if id.ClientIP != "" {
		return id.ClientIP
	}
	return UnknownKey
}

// Policy is a resolved bucket shape: capacity == refill amount == Limit per Interval.
type Policy struct {
	Tier     Tier
	Limit    int
	Interval time.Duration
}

// TokensPerSecond returns the continuous refill rate.
func (p Policy) TokensPerSecond() float64 {
	if p.Interval <= 0 {
		return 0
	}
	return float64(p.Limit) / p.Interval.Seconds()
}

// Rule maps a predicate over the identity to a tier.
type Rule struct {
	Name  string
	Match func(Identity) bool
	Tier  Tier
}

// PolicyTable resolves identities to policies. Rules are evaluated in order
// and the first match wins.
type PolicyTable struct {
	rules    []Rule
	limits   map[Tier]int
	interval time.Duration
}

// DefaultRules is elevated (admin role), then standard (any account), then anonymous.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:  "admin",
			Match: func(id Identity) bool { return id.Authenticated && id.HasRole(models.RoleAdmin) },
			Tier:  TierElevated,
		},
		{
			Name:  "authenticated",
			Match: func(id Identity) bool { return id.Authenticated },
			Tier:  TierStandard,
		},
		{
			Name:  "anonymous",
			Match: func(Identity) bool { return true },
			Tier:  TierAnonymous,
		},
	}
}

// NewPolicyTable builds the default table from configuration.
func NewPolicyTable(cfg models.RateLimitConfig) *PolicyTable {
	return NewPolicyTableWithRules(cfg, DefaultRules())
}

// NewPolicyTableWithRules builds a table with a custom rule order.
func NewPolicyTableWithRules(cfg models.RateLimitConfig, rules []Rule) *PolicyTable {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	return &PolicyTable{
		rules: slices.Clone(rules),
		limits: map[Tier]int{
			TierAnonymous: cfg.Tiers.Anonymous,
			TierStandard:  cfg.Tiers.Standard,
			TierElevated:  cfg.Tiers.Elevated,
		},
		interval: interval,
	}
}

// Resolve returns the policy for id. An account's custom limit only replaces
// the standard tier limit; the elevated tier always keeps its own.
func (t *PolicyTable) Resolve(id Identity) Policy {
	tier := TierAnonymous
	for _, r := range t.rules {
		if r.Match(id) {
			tier = r.Tier
			break
		}
	}

	limit := t.limits[tier]
	if tier == TierStandard && id.CustomLimit > 0 {
		limit = id.CustomLimit
	}
	return Policy{Tier: tier, Limit: limit, Interval: t.interval}
}
