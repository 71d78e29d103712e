package ratelimit

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const shardCount = 64

// bucket holds a token bucket and its last access time for cleanup.
type bucket struct {
	limiter  *rate.Limiter
	policy   Policy
	lastSeen time.Time
}

type shard struct {
	mu      sync.Mutex
	buckets map[string]*bucket
}

// MemoryStore is an in-process bucket store backed by golang.org/x/time/rate.
// Keys are spread over a fixed array of shards, each with its own mutex, so
// refill and take are atomic per key while unrelated keys rarely contend.
// A background goroutine evicts buckets idle for longer than the idle TTL.
type MemoryStore struct {
	shards          [shardCount]shard
	now             func() time.Time
	cleanupInterval time.Duration
	idleTTL         time.Duration

	done      chan struct{}
	closeOnce sync.Once
}

// MemoryOption configures a MemoryStore.
type MemoryOption func(*MemoryStore)

// WithClock injects the time source used for refills and eviction.
func WithClock(now func() time.Time) MemoryOption {
	return func(m *MemoryStore) { m.now = now }
}

// WithCleanupInterval sets how often idle buckets are swept. Zero disables the sweeper.
func WithCleanupInterval(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.cleanupInterval = d }
}

// WithIdleTTL sets how long an untouched bucket survives.
func WithIdleTTL(d time.Duration) MemoryOption {
	return func(m *MemoryStore) { m.idleTTL = d }
}

// NewMemoryStore creates the store and starts its sweeper.
func NewMemoryStore(opts ...MemoryOption) *MemoryStore {
	m := &MemoryStore{
		now:             time.Now,
		cleanupInterval: 5 * time.Minute,
		done:            make(chan struct{}),
	}
	for i := range m.shards {
		m.shards[i].buckets = make(map[string]*bucket)
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.idleTTL <= 0 {
		m.idleTTL = 2 * m.cleanupInterval
	}
	if m.cleanupInterval > 0 {
		go m.cleanup()
	}
	return m
}

func (m *MemoryStore) shardFor(key string) *shard {
	return &m.shards[hashKey(key)%shardCount]
}

// hashKey is FNV-1a, used only for shard selection.
func hashKey(s string) uint32 {
	h := fnv.New32a()
	h.Write([]byte(s))
	return h.Sum32()
}

// Take refills and takes under the key's shard lock.
func (m *MemoryStore) Take(ctx context.Context, key string, policy Policy) (Decision, error) {
	if err := ctx.Err(); err != nil {
		return Decision{}, err
	}

	now := m.now()
	sh := m.shardFor(key)

	sh.mu.Lock()
	defer sh.mu.Unlock()

	b, ok := sh.buckets[key]
	switch {
	case !ok:
		b = &bucket{
			limiter: rate.NewLimiter(rate.Limit(policy.TokensPerSecond()), policy.Limit),
			policy:  policy,
		}
		sh.buckets[key] = b
	case b.policy != policy:
		// Tier change (e.g. role granted): keep accumulated tokens, reshape the bucket.
		b.limiter.SetLimitAt(now, rate.Limit(policy.TokensPerSecond()))
		b.limiter.SetBurstAt(now, policy.Limit)
		b.policy = policy
	}
	b.lastSeen = now

	allowed := b.limiter.AllowN(now, 1)
	return decide(allowed, b.limiter.TokensAt(now), policy, now), nil
}

// Len returns the number of live buckets.
func (m *MemoryStore) Len() int {
	n := 0
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		n += len(sh.buckets)
		sh.mu.Unlock()
	}
	return n
}

// Close stops the background cleanup goroutine.
func (m *MemoryStore) Close() error {
	m.closeOnce.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryStore) cleanup() {
	ticker := time.NewTicker(m.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			m.evictStale()
		}
	}
}

// evictStale drops buckets not touched within the idle TTL. The TTL is at
// least one refill interval, so an evicted bucket was already full.
func (m *MemoryStore) evictStale() {
	now := m.now()
	for i := range m.shards {
		sh := &m.shards[i]
		sh.mu.Lock()
		for key, b := range sh.buckets {
			ttl := max(m.idleTTL, b.policy.Interval)
			if now.Sub(b.lastSeen) > ttl {
				delete(sh.buckets, key)
			}
		}
		sh.mu.Unlock()
	}
}
