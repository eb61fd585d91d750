// Package manager owns the registry of named pools and mediates all query
// traffic through them: health-aware dispatch with failover, connection-
// failure recovery with asynchronous pool rebuild, and the telemetry fan-out
// to the metrics collector, health monitor, and alert engine.
package manager

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/crosspool/crosspool/internal/adapter"
	"github.com/crosspool/crosspool/internal/alert"
	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/internal/health"
	"github.com/crosspool/crosspool/internal/logger"
	"github.com/crosspool/crosspool/internal/metrics"
	"github.com/crosspool/crosspool/internal/pool"
	"github.com/crosspool/crosspool/internal/sqlinfo"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// AdapterFactory builds the adapter for a validated config.
type AdapterFactory func(config.DatabaseConfig) (adapter.Adapter, error)

// Option customizes a Manager.
type Option func(*Manager)

// WithAdapterFactory overrides how backend adapters are constructed.
func WithAdapterFactory(f AdapterFactory) Option {
	return func(m *Manager) { m.newAdapter = f }
}

// Manager is the pool registry and dispatcher.
//
// The pool and config maps are registered and deregistered together under
// one lock, so the two are always consistent. The failover policy is
// read-mostly and guarded separately.
type Manager struct {
	mu      sync.RWMutex
	pools   map[string]*pool.Pool
	configs map[string]config.DatabaseConfig

	policyMu sync.RWMutex
	policy   FailoverPolicy
	lb       *lbState

	rebuildMu sync.Mutex
	rebuilds  map[string]bool

	collector *metrics.Collector
	monitor   *health.Monitor
	alerts    *alert.Engine

	newAdapter AdapterFactory
}

// New constructs an empty manager with a local-only failover policy.
func New(opts ...Option) *Manager {
	m := &Manager{
		pools:      make(map[string]*pool.Pool),
		configs:    make(map[string]config.DatabaseConfig),
		policy:     LocalOnly(),
		lb:         newLBState(),
		rebuilds:   make(map[string]bool),
		collector:  metrics.NewCollector(),
		monitor:    health.NewMonitor(),
		alerts:     alert.NewEngine(),
		newAdapter: adapter.New,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Alerts exposes the alert engine.
func (m *Manager) Alerts() *alert.Engine { return m.alerts }

// CreatePool validates the config, constructs the pool, registers it,
// starts health monitoring, and records the metric baseline. Status and
// metrics snapshots are available as soon as it returns.
func (m *Manager) CreatePool(ctx context.Context, id string, cfg config.DatabaseConfig) error {
	if err := cfg.Validate(); err != nil {
		return dberr.Validation("pool %s: %v", id, err)
	}

	m.mu.Lock()
	if _, exists := m.pools[id]; exists {
		m.mu.Unlock()
		return dberr.InvalidValue("pool %s already exists", id)
	}
	m.mu.Unlock()

	ad, err := m.newAdapter(cfg)
	if err != nil {
		return err
	}
	p := pool.New(id, cfg, ad)

	m.mu.Lock()
	if _, exists := m.pools[id]; exists {
		m.mu.Unlock()
		_ = p.Close(ctx)
		return dberr.InvalidValue("pool %s already exists", id)
	}
	m.pools[id] = p
	m.configs[id] = cfg
	m.mu.Unlock()

	m.collector.RegisterPool(id)
	m.startMonitoring(id, cfg)
	metrics.SetPoolHealthy(id, true)

	logger.Info("pool created", "pool", id, "kind", cfg.Kind, "host", cfg.Host, "port", cfg.Port)
	return nil
}

// startMonitoring registers the health probe. The probe resolves the pool
// at call time, so it follows the replacement after a rebuild.
func (m *Manager) startMonitoring(id string, cfg config.DatabaseConfig) {
	m.monitor.StartMonitoring(id, cfg.Pool.HealthCheckInterval, func(ctx context.Context) (bool, error) {
		p, ok := m.getPool(id)
		if !ok {
			return false, dberr.NotFound(id)
		}
		ok, err := p.HealthCheck(ctx)
		metrics.SetPoolHealthy(id, ok)
		return ok, err
	})
}

// RemovePool stops monitoring, deregisters the pool, and closes it. A
// second removal of the same id reports not-found.
func (m *Manager) RemovePool(ctx context.Context, id string) error {
	m.mu.Lock()
	p, ok := m.pools[id]
	if !ok {
		m.mu.Unlock()
		return dberr.NotFound(id)
	}
	delete(m.pools, id)
	delete(m.configs, id)
	m.mu.Unlock()

	m.monitor.StopMonitoring(id)
	m.collector.RemovePool(id)
	metrics.ForgetPool(id)

	if err := p.Close(ctx); err != nil {
		logger.Warn("closing removed pool", "pool", id, "err", err)
	}
	logger.Info("pool removed", "pool", id)
	return nil
}

func (m *Manager) getPool(id string) (*pool.Pool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.pools[id]
	return p, ok
}

// Query dispatches a row-returning statement to the pool named id, or to a
// failover target when that pool is unavailable.
func (m *Manager) Query(ctx context.Context, id, sql string, params dbvalue.Params) (dbvalue.Table, error) {
	p, actualID, err := m.selectTarget(id)
	if err != nil {
		return dbvalue.Table{}, err
	}

	start := time.Now()
	table, err := p.ExecuteQuery(ctx, sql, params)
	m.recordDispatch(actualID, sql, time.Since(start), err)
	if err != nil {
		m.handleFailure(actualID, err)
		return dbvalue.Table{}, err
	}
	return table, nil
}

// Execute dispatches a non-query statement and returns the affected count.
func (m *Manager) Execute(ctx context.Context, id, sql string, params dbvalue.Params) (int64, error) {
	p, actualID, err := m.selectTarget(id)
	if err != nil {
		return 0, err
	}

	start := time.Now()
	affected, err := p.ExecuteNonQuery(ctx, sql, params)
	m.recordDispatch(actualID, sql, time.Since(start), err)
	if err != nil {
		m.handleFailure(actualID, err)
		return 0, err
	}
	return affected, nil
}

// Batch dispatches a best-effort batch: per-op results in submission order,
// execution continuing past failed operations.
func (m *Manager) Batch(ctx context.Context, id string, ops []pool.BatchOperation) ([]pool.BatchResult, error) {
	p, actualID, err := m.selectTarget(id)
	if err != nil {
		return nil, err
	}
	results, err := p.ExecuteBatch(ctx, ops)
	if err != nil {
		m.handleFailure(actualID, err)
	}
	return results, err
}

// Transaction dispatches a transactional batch: it stops at the first
// error, rolls back, and returns the possibly-truncated results.
func (m *Manager) Transaction(ctx context.Context, id string, ops []pool.BatchOperation) ([]pool.BatchResult, error) {
	p, actualID, err := m.selectTarget(id)
	if err != nil {
		return nil, err
	}
	results, err := p.ExecuteTransaction(ctx, ops)
	if err != nil {
		m.handleFailure(actualID, err)
	}
	return results, err
}

// recordDispatch fans a dispatch outcome into the snapshot collector and
// the exported prometheus series.
func (m *Manager) recordDispatch(poolID, sql string, elapsed time.Duration, err error) {
	op := sqlinfo.Classify(sql).String()
	metrics.RecordQueryDuration(poolID, op, elapsed.Seconds())
	metrics.RecordQuery(poolID, err == nil)

	if err == nil {
		m.collector.RecordSuccess(poolID, elapsed)
		return
	}
	m.collector.RecordError(poolID, elapsed)
	if cls, ok := dberr.ClassOf(err); ok {
		metrics.RecordErrorClass(poolID, cls.String())
	}
}

// selectTarget resolves the dispatch target: the named pool when it exists
// and is healthy, otherwise whatever the failover policy permits.
func (m *Manager) selectTarget(id string) (*pool.Pool, string, error) {
	if p, ok := m.getPool(id); ok && m.monitor.IsHealthy(id) {
		return p, id, nil
	}

	m.policyMu.RLock()
	policy := m.policy
	lb := m.lb
	m.policyMu.RUnlock()

	switch policy.Mode {
	case FailoverActiveStandby:
		if id == policy.Primary {
			if p, ok := m.getPool(policy.Backup); ok {
				logger.Warn("failing over to standby", "primary", id, "backup", policy.Backup)
				return p, policy.Backup, nil
			}
		}
		return m.failSelection(id)

	case FailoverLoadBalanced:
		var healthy []string
		for _, member := range policy.Pools {
			if _, ok := m.getPool(member); ok && m.monitor.IsHealthy(member) {
				healthy = append(healthy, member)
			}
		}
		picked := lb.pick(policy, healthy, func(member string) int {
			if p, ok := m.getPool(member); ok {
				return p.Status().ActiveConnections
			}
			return int(^uint(0) >> 1)
		})
		if picked != "" {
			if p, ok := m.getPool(picked); ok {
				logger.Info("load-balanced reroute", "requested", id, "target", picked)
				return p, picked, nil
			}
		}
		return nil, "", dberr.AllPoolsUnavailable()

	default: // local-only
		return m.failSelection(id)
	}
}

func (m *Manager) failSelection(id string) (*pool.Pool, string, error) {
	if _, ok := m.getPool(id); !ok {
		return nil, "", dberr.NotFound(id)
	}
	return nil, "", dberr.PoolUnavailable(id)
}

// handleFailure applies the recovery policy: connection-class errors mark
// the pool unhealthy and schedule a rebuild; statement-level errors leave
// health untouched. The caller still sees the original error.
func (m *Manager) handleFailure(id string, err error) {
	cls, ok := dberr.ClassOf(err)
	if !ok {
		logger.Warn("dispatch failed with unclassified error", "pool", id, "err", err)
		return
	}

	switch cls {
	case dberr.ClassConnection:
		m.monitor.MarkUnhealthy(id)
		metrics.SetPoolHealthy(id, false)
		go m.recreatePool(id)
	case dberr.ClassQuery:
		// Statement-level failure: the session and the pool stay usable.
	default:
		logger.Warn("dispatch failed", "pool", id, "class", cls.String(), "err", err)
	}
}

// recreatePool closes the failed pool and constructs a replacement from the
// stored config, off the dispatch path. Only one rebuild per pool runs at a
// time.
func (m *Manager) recreatePool(id string) {
	m.rebuildMu.Lock()
	if m.rebuilds[id] {
		m.rebuildMu.Unlock()
		return
	}
	m.rebuilds[id] = true
	m.rebuildMu.Unlock()

	defer func() {
		m.rebuildMu.Lock()
		delete(m.rebuilds, id)
		m.rebuildMu.Unlock()
	}()

	m.mu.RLock()
	cfg, ok := m.configs[id]
	m.mu.RUnlock()
	if !ok {
		return
	}

	logger.Info("rebuilding pool", "pool", id)

	ad, err := m.newAdapter(cfg)
	if err != nil {
		logger.Error("pool rebuild failed", "pool", id, "err", err)
		return
	}
	replacement := pool.New(id, cfg, ad)

	m.mu.Lock()
	old, ok := m.pools[id]
	if !ok {
		// Removed while rebuilding.
		m.mu.Unlock()
		_ = replacement.Close(context.Background())
		return
	}
	m.pools[id] = replacement
	m.mu.Unlock()

	_ = old.Close(context.Background())

	// Re-register monitoring against the replacement and probe it now.
	m.startMonitoring(id, cfg)
	if ok, _ := replacement.HealthCheck(context.Background()); ok {
		m.monitor.MarkHealthy(id)
		metrics.SetPoolHealthy(id, true)
	} else {
		m.monitor.MarkUnhealthy(id)
		metrics.SetPoolHealthy(id, false)
	}

	logger.Info("pool rebuilt", "pool", id)
}

// Status derives the live snapshot for one pool; the healthy flag comes
// from the health monitor.
func (m *Manager) Status(id string) (pool.Status, error) {
	p, ok := m.getPool(id)
	if !ok {
		return pool.Status{}, dberr.NotFound(id)
	}
	st := p.Status()
	st.Healthy = st.Healthy && m.monitor.IsHealthy(id)
	metrics.SetPoolConnections(id, st.ActiveConnections, st.IdleConnections)
	return st, nil
}

// Metrics derives the metrics snapshot for one pool; utilization comes
// from the live status at the moment of the call.
func (m *Manager) Metrics(id string) (metrics.Snapshot, error) {
	p, ok := m.getPool(id)
	if !ok {
		return metrics.Snapshot{}, dberr.NotFound(id)
	}
	st := p.Status()
	return m.collector.Snapshot(id, st.ActiveConnections, st.TotalConnections)
}

// HealthCheck runs the liveness probe on a borrowed session and feeds the
// outcome back into the monitor.
func (m *Manager) HealthCheck(ctx context.Context, id string) (bool, error) {
	p, ok := m.getPool(id)
	if !ok {
		return false, dberr.NotFound(id)
	}
	ok, err := p.HealthCheck(ctx)
	if ok {
		m.monitor.MarkHealthy(id)
	} else {
		m.monitor.MarkUnhealthy(id)
	}
	metrics.SetPoolHealthy(id, ok)
	return ok, err
}

// HealthState returns the monitor's view of one pool.
func (m *Manager) HealthState(id string) (health.State, error) {
	st, ok := m.monitor.StateOf(id)
	if !ok {
		return health.State{}, dberr.NotFound(id)
	}
	return st, nil
}

// ListPools returns the registered pool ids, sorted.
func (m *Manager) ListPools() []string {
	m.mu.RLock()
	ids := make([]string, 0, len(m.pools))
	for id := range m.pools {
		ids = append(ids, id)
	}
	m.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// SetFailoverPolicy installs a new policy and resets balancer state.
func (m *Manager) SetFailoverPolicy(policy FailoverPolicy) {
	if policy.Mode == "" {
		policy.Mode = FailoverLocalOnly
	}
	if policy.Mode == FailoverLoadBalanced && policy.Algorithm == "" {
		policy.Algorithm = BalanceRoundRobin
	}
	m.policyMu.Lock()
	m.policy = policy
	m.lb = newLBState()
	m.policyMu.Unlock()
	logger.Info("failover policy set", "mode", string(policy.Mode))
}

// FailoverPolicy returns the current policy.
func (m *Manager) FailoverPolicy() FailoverPolicy {
	m.policyMu.RLock()
	defer m.policyMu.RUnlock()
	return m.policy
}

// EvaluateAlerts feeds every pool's current summary, plus a system-level
// summary, through the alert engine.
func (m *Manager) EvaluateAlerts() {
	ids := m.ListPools()
	anyHealthy := len(ids) == 0

	for _, id := range ids {
		healthy := m.monitor.IsHealthy(id)
		anyHealthy = anyHealthy || healthy

		snap, err := m.Metrics(id)
		if err != nil {
			continue
		}
		m.alerts.Evaluate(alert.Summary{
			PoolID:        id,
			ErrorRate:     snap.ErrorRate,
			P99LatencyMs:  float64(snap.P99Latency.Milliseconds()),
			Utilization:   snap.ConnectionUtilization,
			PoolHealthy:   healthy,
			SystemHealthy: true,
		})
	}

	m.alerts.Evaluate(alert.Summary{SystemHealthy: anyHealthy, PoolHealthy: true})
}

// Close stops monitoring and closes every pool.
func (m *Manager) Close(ctx context.Context) error {
	m.monitor.StopAll()

	m.mu.Lock()
	pools := m.pools
	m.pools = make(map[string]*pool.Pool)
	m.configs = make(map[string]config.DatabaseConfig)
	m.mu.Unlock()

	for id, p := range pools {
		if err := p.Close(ctx); err != nil {
			logger.Warn("closing pool during shutdown", "pool", id, "err", err)
		}
	}
	return nil
}
