// Package metrics keeps per-pool query telemetry: totals, cumulative
// execution time, and a bounded ring of recent latencies, with derived
// rates computed at snapshot time.
package metrics

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/crosspool/crosspool/internal/dberr"
)

// ringCapacity bounds the recent-latency window per pool.
const ringCapacity = 1024

// Snapshot is the derived per-pool metrics view.
type Snapshot struct {
	PoolID                string        `json:"pool_id"`
	QueriesPerSecond      float64       `json:"queries_per_second"`
	ConnectionUtilization float64       `json:"connection_utilization"`
	AvgLatency            time.Duration `json:"avg_latency"`
	P99Latency            time.Duration `json:"p99_latency"`
	ErrorRate             float64       `json:"error_rate"`
	TotalQueries          uint64        `json:"total_queries"`
	TotalErrors           uint64        `json:"total_errors"`
	CacheHitRate          float64       `json:"cache_hit_rate"`
	UptimeSeconds         uint64        `json:"uptime_seconds"`
}

// poolMetrics is the mutable state for one pool. The mutex guards a short
// critical section; nothing here suspends.
type poolMetrics struct {
	mu            sync.Mutex
	createdAt     time.Time
	totalQueries  uint64
	totalErrors   uint64
	totalExecTime time.Duration
	lastQuery     time.Time

	ring []time.Duration
	next int
}

func (pm *poolMetrics) record(elapsed time.Duration, failed bool) {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	pm.totalQueries++
	if failed {
		pm.totalErrors++
	}
	pm.totalExecTime += elapsed
	pm.lastQuery = time.Now()

	if len(pm.ring) < ringCapacity {
		pm.ring = append(pm.ring, elapsed)
	} else {
		pm.ring[pm.next] = elapsed
		pm.next = (pm.next + 1) % ringCapacity
	}
}

// Collector owns the metric state for every registered pool. Writes for one
// pool serialize on that pool's lock only; readers of one pool see a
// consistent snapshot of it, with no guarantee across pools.
type Collector struct {
	mu    sync.RWMutex
	pools map[string]*poolMetrics
}

// NewCollector returns an empty collector.
func NewCollector() *Collector {
	return &Collector{pools: make(map[string]*poolMetrics)}
}

// RegisterPool records the metric baseline for a new pool.
func (c *Collector) RegisterPool(poolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pools[poolID]; !ok {
		c.pools[poolID] = &poolMetrics{createdAt: time.Now()}
	}
}

// RemovePool drops the metric state for a pool.
func (c *Collector) RemovePool(poolID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.pools, poolID)
}

func (c *Collector) get(poolID string) *poolMetrics {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.pools[poolID]
}

// RecordSuccess notes a completed query.
func (c *Collector) RecordSuccess(poolID string, elapsed time.Duration) {
	if pm := c.get(poolID); pm != nil {
		pm.record(elapsed, false)
	}
}

// RecordError notes a failed query.
func (c *Collector) RecordError(poolID string, elapsed time.Duration) {
	if pm := c.get(poolID); pm != nil {
		pm.record(elapsed, true)
	}
}

// Snapshot derives the metrics view for one pool. Utilization comes from
// the live pool status supplied by the caller; it is never persisted here.
func (c *Collector) Snapshot(poolID string, activeConnections, totalConnections int) (Snapshot, error) {
	pm := c.get(poolID)
	if pm == nil {
		return Snapshot{}, dberr.NotFound(poolID)
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()

	uptime := time.Since(pm.createdAt)

	snap := Snapshot{
		PoolID:        poolID,
		TotalQueries:  pm.totalQueries,
		TotalErrors:   pm.totalErrors,
		UptimeSeconds: uint64(uptime.Seconds()),
	}

	if secs := uptime.Seconds(); secs > 0 {
		snap.QueriesPerSecond = float64(pm.totalQueries) / secs
	}
	if pm.totalQueries > 0 {
		snap.ErrorRate = float64(pm.totalErrors) / float64(pm.totalQueries)
		snap.AvgLatency = pm.totalExecTime / time.Duration(pm.totalQueries)
	}
	if totalConnections > 0 {
		snap.ConnectionUtilization = float64(activeConnections) / float64(totalConnections)
	}
	snap.P99Latency = percentile(pm.ring, 0.99)

	return snap, nil
}

// percentile computes a nearest-rank percentile over a sorted copy of the
// window: index = ceil(q*N) - 1.
func percentile(window []time.Duration, q float64) time.Duration {
	n := len(window)
	if n == 0 {
		return 0
	}
	sorted := make([]time.Duration, n)
	copy(sorted, window)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	rank := int(math.Ceil(float64(n) * q))
	if rank < 1 {
		rank = 1
	}
	if rank > n {
		rank = n
	}
	return sorted[rank-1]
}
