package metrics

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCollectorTotalsAndErrorRate(t *testing.T) {
	c := NewCollector()
	c.RegisterPool("p1")

	for i := 0; i < 97; i++ {
		c.RecordSuccess("p1", 10*time.Millisecond)
	}
	for i := 0; i < 3; i++ {
		c.RecordError("p1", 10*time.Millisecond)
	}

	snap, err := c.Snapshot("p1", 2, 5)
	require.NoError(t, err)

	assert.Equal(t, uint64(100), snap.TotalQueries)
	assert.Equal(t, uint64(3), snap.TotalErrors)
	assert.InDelta(t, 0.03, snap.ErrorRate, 1e-9)
	assert.Equal(t, 10*time.Millisecond, snap.AvgLatency)
	assert.GreaterOrEqual(t, snap.P99Latency, 10*time.Millisecond, "p99 covers the max observed latency")
	assert.InDelta(t, 0.4, snap.ConnectionUtilization, 1e-9)
	assert.Equal(t, 0.0, snap.CacheHitRate)
}

func TestCollectorZeroDenominators(t *testing.T) {
	c := NewCollector()
	c.RegisterPool("p1")

	snap, err := c.Snapshot("p1", 0, 0)
	require.NoError(t, err)

	assert.Equal(t, 0.0, snap.ErrorRate)
	assert.Equal(t, time.Duration(0), snap.AvgLatency)
	assert.Equal(t, time.Duration(0), snap.P99Latency)
	assert.Equal(t, 0.0, snap.ConnectionUtilization)
}

func TestCollectorUnknownPool(t *testing.T) {
	c := NewCollector()
	_, err := c.Snapshot("missing", 0, 0)
	assert.Error(t, err)
}

func TestRingStaysBounded(t *testing.T) {
	c := NewCollector()
	c.RegisterPool("p1")

	for i := 0; i < 5000; i++ {
		c.RecordSuccess("p1", time.Duration(i)*time.Microsecond)
	}

	pm := c.get("p1")
	pm.mu.Lock()
	defer pm.mu.Unlock()
	assert.LessOrEqual(t, len(pm.ring), ringCapacity)
}

func TestPercentileNearestRank(t *testing.T) {
	window := make([]time.Duration, 100)
	for i := range window {
		window[i] = time.Duration(i+1) * time.Millisecond
	}

	// index = ceil(0.99*100) - 1 = 98 on the sorted copy.
	assert.Equal(t, 99*time.Millisecond, percentile(window, 0.99))
	assert.Equal(t, 50*time.Millisecond, percentile(window, 0.50))
	assert.Equal(t, time.Duration(0), percentile(nil, 0.99))
	assert.Equal(t, 7*time.Millisecond, percentile([]time.Duration{7 * time.Millisecond}, 0.99))
}

func TestCollectorRemovePool(t *testing.T) {
	c := NewCollector()
	c.RegisterPool("p1")
	c.RemovePool("p1")

	_, err := c.Snapshot("p1", 0, 0)
	assert.Error(t, err)
}
