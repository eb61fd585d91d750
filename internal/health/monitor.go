// Package health tracks per-pool health: a boolean state with a
// consecutive-failure counter, refreshed by a background probe per pool and
// overridable from the dispatch and recovery paths.
package health

import (
	"context"
	"sync"
	"time"

	"github.com/crosspool/crosspool/internal/logger"
)

// Probe runs one liveness check against a pool.
type Probe func(ctx context.Context) (bool, error)

// State is the health view of one pool.
type State struct {
	Healthy             bool      `json:"healthy"`
	LastCheck           time.Time `json:"last_check"`
	ConsecutiveFailures int       `json:"consecutive_failures"`
}

type entry struct {
	state  State
	cancel context.CancelFunc
	done   chan struct{}
}

// Monitor owns the health state and the background probe task for every
// monitored pool.
type Monitor struct {
	mu    sync.RWMutex
	pools map[string]*entry
}

// NewMonitor returns an empty monitor.
func NewMonitor() *Monitor {
	return &Monitor{pools: make(map[string]*entry)}
}

// StartMonitoring registers the pool as healthy and starts a background
// task that runs the probe every interval. Starting an already-monitored
// pool replaces its task.
func (m *Monitor) StartMonitoring(poolID string, interval time.Duration, probe Probe) {
	state := State{Healthy: true, LastCheck: time.Now()}
	if prev, ok := m.StateOf(poolID); ok {
		// Re-registration (pool rebuild) keeps the recorded state until a
		// probe or explicit mark says otherwise.
		state = prev
	}
	m.stop(poolID)

	ctx, cancel := context.WithCancel(context.Background())
	e := &entry{
		state:  state,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	m.mu.Lock()
	m.pools[poolID] = e
	m.mu.Unlock()

	go m.run(ctx, poolID, interval, probe, e.done)
}

func (m *Monitor) run(ctx context.Context, poolID string, interval time.Duration, probe Probe, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := probe(ctx)
			if ctx.Err() != nil {
				return
			}
			if err != nil {
				logger.Debug("health probe failed", "pool", poolID, "err", err)
			}
			m.recordProbe(poolID, ok)
		}
	}
}

// recordProbe applies the state transitions: one failed probe flips a
// healthy pool to unhealthy, any successful probe flips it back and resets
// the failure counter.
func (m *Monitor) recordProbe(poolID string, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, found := m.pools[poolID]
	if !found {
		return
	}
	wasHealthy := e.state.Healthy
	e.state.LastCheck = time.Now()
	if ok {
		e.state.Healthy = true
		e.state.ConsecutiveFailures = 0
	} else {
		e.state.Healthy = false
		e.state.ConsecutiveFailures++
	}
	if wasHealthy != e.state.Healthy {
		logger.Warn("pool health changed", "pool", poolID, "healthy", e.state.Healthy,
			"consecutive_failures", e.state.ConsecutiveFailures)
	}
}

// StopMonitoring cancels the probe task and forgets the pool. When it
// returns, no further probes are observable.
func (m *Monitor) StopMonitoring(poolID string) {
	m.stop(poolID)
}

func (m *Monitor) stop(poolID string) {
	m.mu.Lock()
	e, ok := m.pools[poolID]
	if ok {
		delete(m.pools, poolID)
	}
	m.mu.Unlock()

	if ok {
		e.cancel()
		<-e.done
	}
}

// StopAll stops every probe task.
func (m *Monitor) StopAll() {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	m.mu.RUnlock()

	for _, id := range ids {
		m.stop(id)
	}
}

// IsHealthy reports the health flag; an unmonitored pool is unhealthy.
func (m *Monitor) IsHealthy(poolID string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pools[poolID]
	return ok && e.state.Healthy
}

// StateOf returns the health view of one pool.
func (m *Monitor) StateOf(poolID string) (State, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	e, ok := m.pools[poolID]
	if !ok {
		return State{}, false
	}
	return e.state, true
}

// MarkHealthy overrides the probe and flags the pool healthy.
func (m *Monitor) MarkHealthy(poolID string) {
	m.setHealthy(poolID, true)
}

// MarkUnhealthy overrides the probe and flags the pool unhealthy.
func (m *Monitor) MarkUnhealthy(poolID string) {
	m.setHealthy(poolID, false)
}

func (m *Monitor) setHealthy(poolID string, healthy bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.pools[poolID]
	if !ok {
		return
	}
	e.state.Healthy = healthy
	e.state.LastCheck = time.Now()
	if healthy {
		e.state.ConsecutiveFailures = 0
	}
}
