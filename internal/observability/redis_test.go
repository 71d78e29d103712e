package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePool struct {
	stats redis.PoolStats
}

func (f *fakePool) PoolStats() *redis.PoolStats {
	s := f.stats
	return &s
}

func gatherValues(t *testing.T, reg *prometheus.Registry) map[string]float64 {
	t.Helper()
	families, err := reg.Gather()
	require.NoError(t, err)

	out := make(map[string]float64)
	for _, mf := range families {
		for _, m := range mf.GetMetric() {
			switch mf.GetType() {
			case dto.MetricType_COUNTER:
				out[mf.GetName()] = m.GetCounter().GetValue()
			case dto.MetricType_GAUGE:
				out[mf.GetName()] = m.GetGauge().GetValue()
			}
		}
	}
	return out
}

func TestRedisPoolMetrics_Record(t *testing.T) {
	pool := &fakePool{stats: redis.PoolStats{Hits: 10, Misses: 2, TotalConns: 5, IdleConns: 3}}
	reg := prometheus.NewRegistry()
	m := NewRedisPoolMetrics(pool, reg)

	m.Record()
	values := gatherValues(t, reg)
	assert.Equal(t, 10.0, values["apigate_redis_pool_hits_total"])
	assert.Equal(t, 2.0, values["apigate_redis_pool_misses_total"])
	assert.Equal(t, 5.0, values["apigate_redis_pool_total_conns"])
	assert.Equal(t, 3.0, values["apigate_redis_pool_idle_conns"])

	pool.stats.Hits = 15
	pool.stats.Timeouts = 1
	pool.stats.IdleConns = 1
	m.Record()

	values = gatherValues(t, reg)
	assert.Equal(t, 15.0, values["apigate_redis_pool_hits_total"], "counters advance by the delta")
	assert.Equal(t, 2.0, values["apigate_redis_pool_misses_total"])
	assert.Equal(t, 1.0, values["apigate_redis_pool_timeouts_total"])
	assert.Equal(t, 1.0, values["apigate_redis_pool_idle_conns"])
}
