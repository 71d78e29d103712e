package observability

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
)

// PoolStatter is satisfied by *redis.Client.
type PoolStatter interface {
	PoolStats() *redis.PoolStats
}

// RedisPoolMetrics mirrors go-redis connection pool statistics into
// Prometheus. Gauges carry current values; counters advance by the delta
// since the previous sample.
type RedisPoolMetrics struct {
	client PoolStatter

	hits       prometheus.Counter
	misses     prometheus.Counter
	timeouts   prometheus.Counter
	staleConns prometheus.Counter
	totalConns prometheus.Gauge
	idleConns  prometheus.Gauge

	mu   sync.Mutex
	last *redis.PoolStats
}

// NewRedisPoolMetrics registers the pool collectors with reg. A nil reg
// uses the default registerer.
func NewRedisPoolMetrics(client PoolStatter, reg prometheus.Registerer) *RedisPoolMetrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &RedisPoolMetrics{
		client: client,
		hits: factory.NewCounter(prometheus.CounterOpts{
			Name: "apigate_redis_pool_hits_total",
			Help: "Number of times a connection was found in the pool",
		}),
		misses: factory.NewCounter(prometheus.CounterOpts{
			Name: "apigate_redis_pool_misses_total",
			Help: "Number of times a connection was not found in the pool",
		}),
		timeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "apigate_redis_pool_timeouts_total",
			Help: "Number of times a connection was not obtained due to timeout",
		}),
		staleConns: factory.NewCounter(prometheus.CounterOpts{
			Name: "apigate_redis_pool_stale_conns_total",
			Help: "Number of stale connections removed from the pool",
		}),
		totalConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apigate_redis_pool_total_conns",
			Help: "Number of total connections in the pool",
		}),
		idleConns: factory.NewGauge(prometheus.GaugeOpts{
			Name: "apigate_redis_pool_idle_conns",
			Help: "Number of idle connections in the pool",
		}),
	}
}

// Record samples the pool once.
func (m *RedisPoolMetrics) Record() {
	stats := m.client.PoolStats()
	if stats == nil {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.totalConns.Set(float64(stats.TotalConns))
	m.idleConns.Set(float64(stats.IdleConns))

	prev := m.last
	if prev == nil {
		prev = &redis.PoolStats{}
	}
	addDelta(m.hits, stats.Hits, prev.Hits)
	addDelta(m.misses, stats.Misses, prev.Misses)
	addDelta(m.timeouts, stats.Timeouts, prev.Timeouts)
	addDelta(m.staleConns, stats.StaleConns, prev.StaleConns)

	snapshot := *stats
	m.last = &snapshot
}

// Run samples every interval until ctx is cancelled.
func (m *RedisPoolMetrics) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	m.Record()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Record()
		}
	}
}

func addDelta(c prometheus.Counter, current, previous uint32) {
	if current > previous {
		c.Add(float64(current - previous))
	}
}
