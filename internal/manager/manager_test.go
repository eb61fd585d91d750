package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/crosspool/crosspool/internal/adapter"
	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/internal/pool"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// stubBackend is a switchable in-memory backend shared by the adapters a
// test factory hands out, keyed by config database name.
type stubBackend struct {
	mu       sync.Mutex
	failing  bool
	failWith map[string]error
}

func (b *stubBackend) setFailing(v bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failing = v
}

func (b *stubBackend) isFailing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failing
}

func (b *stubBackend) errFor(sql string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failWith[sql]
}

type stubAdapter struct {
	backend *stubBackend
	kind    config.BackendKind
}

func (a *stubAdapter) Kind() config.BackendKind { return a.kind }

func (a *stubAdapter) Open(ctx context.Context) (adapter.Session, error) {
	if a.backend.isFailing() {
		return nil, dberr.ConnectionFailed(errors.New("connection refused"))
	}
	return &stubSession{backend: a.backend}, nil
}

func (a *stubAdapter) Close() error { return nil }

type stubSession struct {
	backend *stubBackend
	inTx    bool
	closed  bool
}

func (s *stubSession) Query(ctx context.Context, sql string, params dbvalue.Params) (dbvalue.Table, error) {
	if s.backend.isFailing() {
		return dbvalue.Table{}, dberr.ConnectionFailed(errors.New("connection reset"))
	}
	if err := s.backend.errFor(sql); err != nil {
		return dbvalue.Table{}, err
	}
	row := dbvalue.NewRow([]string{"value"}, []dbvalue.Value{dbvalue.Int64(1)})
	return dbvalue.NewTable([]string{"value"}, []dbvalue.Row{row}), nil
}

func (s *stubSession) Execute(ctx context.Context, sql string, params dbvalue.Params) (int64, error) {
	if s.backend.isFailing() {
		return 0, dberr.ConnectionFailed(errors.New("connection reset"))
	}
	if err := s.backend.errFor(sql); err != nil {
		return 0, err
	}
	return 1, nil
}

func (s *stubSession) Begin(ctx context.Context) error    { s.inTx = true; return nil }
func (s *stubSession) Commit(ctx context.Context) error   { s.inTx = false; return nil }
func (s *stubSession) Rollback(ctx context.Context) error { s.inTx = false; return nil }
func (s *stubSession) InTransaction() bool                { return s.inTx }

func (s *stubSession) Alive(ctx context.Context) bool { return !s.closed && !s.backend.isFailing() }

func (s *stubSession) Close(ctx context.Context) error { s.closed = true; return nil }

// testEnv wires a manager whose adapters resolve to stub backends by
// database name.
type testEnv struct {
	mgr      *Manager
	backends map[string]*stubBackend
}

func newTestEnv() *testEnv {
	env := &testEnv{backends: make(map[string]*stubBackend)}
	env.mgr = New(WithAdapterFactory(func(cfg config.DatabaseConfig) (adapter.Adapter, error) {
		b, ok := env.backends[cfg.Database]
		if !ok {
			b = &stubBackend{failWith: make(map[string]error)}
			env.backends[cfg.Database] = b
		}
		return &stubAdapter{backend: b, kind: cfg.Kind}, nil
	}))
	return env
}

func poolConfig(database string) config.DatabaseConfig {
	return config.DatabaseConfig{
		Kind:     config.KindMSSQL,
		Host:     "db.example",
		Port:     1433,
		Database: database,
		Username: "u",
		Password: "x",
		Pool: config.PoolConfig{
			MinConnections:      2,
			MaxConnections:      5,
			AcquireTimeout:      5 * time.Second,
			IdleTimeout:         600 * time.Second,
			MaxLifetime:         3600 * time.Second,
			HealthCheckInterval: time.Hour,
		},
		Timeout: config.DefaultTimeoutConfig(),
	}
}

func TestCreatePoolSnapshotsAvailableImmediately(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))

	st, err := env.mgr.Status("p1")
	require.NoError(t, err)
	assert.Equal(t, "p1", st.PoolID)
	assert.True(t, st.Healthy)

	snap, err := env.mgr.Metrics("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), snap.TotalQueries)

	require.Eventually(t, func() bool {
		st, _ := env.mgr.Status("p1")
		return st.TotalConnections == 2 && st.IdleConnections == 2 && st.ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestCreatePoolValidatesConfig(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	cfg := poolConfig("db1")
	cfg.Pool.MaxConnections = 0
	err := env.mgr.CreatePool(context.Background(), "p1", cfg)
	require.Error(t, err)
	assert.True(t, dberr.HasClass(err, dberr.ClassConfig))

	_, err = env.mgr.Status("p1")
	assert.True(t, dberr.IsNotFound(err), "failed create leaves no partial registration")
}

func TestCreatePoolRejectsDuplicateID(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	err := env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1"))
	assert.Error(t, err)
}

func TestRemovePoolIsIdempotent(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	require.NoError(t, env.mgr.RemovePool(context.Background(), "p1"))

	err := env.mgr.RemovePool(context.Background(), "p1")
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))

	assert.Empty(t, env.mgr.ListPools())
	_, err = env.mgr.Metrics("p1")
	assert.True(t, dberr.IsNotFound(err), "metrics deregistered with the pool")
}

func TestQueryRecordsMetrics(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	env.backends["db1"].failWith["SELECT broken"] = dberr.Execution(errors.New("bad statement"))

	for i := 0; i < 7; i++ {
		_, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
		require.NoError(t, err)
	}
	for i := 0; i < 3; i++ {
		_, err := env.mgr.Query(context.Background(), "p1", "SELECT broken", nil)
		require.Error(t, err)
	}

	snap, err := env.mgr.Metrics("p1")
	require.NoError(t, err)
	assert.Equal(t, uint64(10), snap.TotalQueries)
	assert.Equal(t, uint64(3), snap.TotalErrors)
	assert.InDelta(t, 0.3, snap.ErrorRate, 1e-9)
}

func TestExecutionErrorsLeaveHealthUntouched(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	env.backends["db1"].failWith["INSERT broken"] = dberr.Syntax(errors.New("near broken"))

	_, err := env.mgr.Execute(context.Background(), "p1", "INSERT broken", nil)
	require.Error(t, err)

	st, err := env.mgr.HealthState("p1")
	require.NoError(t, err)
	assert.True(t, st.Healthy, "statement-level failure must not mark the pool unhealthy")
}

func TestConnectionErrorMarksUnhealthyAndRebuilds(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	env.backends["db1"].setFailing(true)

	_, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	require.Error(t, err)
	assert.True(t, dberr.IsConnection(err), "caller sees the original connection error")

	st, err := env.mgr.HealthState("p1")
	require.NoError(t, err)
	assert.False(t, st.Healthy)

	// Once the backend recovers, the asynchronous rebuild (or an explicit
	// probe) brings the pool back.
	env.backends["db1"].setFailing(false)
	require.Eventually(t, func() bool {
		ok, _ := env.mgr.HealthCheck(context.Background(), "p1")
		return ok
	}, 2*time.Second, 20*time.Millisecond)

	_, err = env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	assert.NoError(t, err)
}

func TestQueryUnknownPool(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	_, err := env.mgr.Query(context.Background(), "ghost", "SELECT 1", nil)
	require.Error(t, err)
	assert.True(t, dberr.IsNotFound(err))
}

func TestLocalOnlyNeverReroutes(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	require.NoError(t, env.mgr.CreatePool(context.Background(), "p2", poolConfig("db2")))

	env.mgr.monitor.MarkUnhealthy("p1")

	_, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	require.Error(t, err)
	assert.Equal(t, dberr.CodePoolUnavailable, dberr.CodeOf(err))
}

func TestActiveStandbyFailover(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	require.NoError(t, env.mgr.CreatePool(context.Background(), "p2", poolConfig("db2")))

	env.mgr.SetFailoverPolicy(FailoverPolicy{
		Mode:            FailoverActiveStandby,
		Primary:         "p1",
		Backup:          "p2",
		SwitchThreshold: time.Second,
	})

	// Kill p1's backend: the first dispatch may fail with a connection
	// error and marks the pool unhealthy.
	env.backends["db1"].setFailing(true)
	_, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	require.Error(t, err)

	// Subsequent dispatches route to the standby and succeed.
	table, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, table.NumRows())

	// The standby never covers a non-primary id.
	env.mgr.monitor.MarkUnhealthy("p2")
	_, err = env.mgr.Query(context.Background(), "p2", "SELECT 1", nil)
	require.Error(t, err)
}

func TestLoadBalancedFailoverMonotonicity(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	require.NoError(t, env.mgr.CreatePool(context.Background(), "p2", poolConfig("db2")))
	require.NoError(t, env.mgr.CreatePool(context.Background(), "p3", poolConfig("db3")))

	env.mgr.SetFailoverPolicy(FailoverPolicy{
		Mode:      FailoverLoadBalanced,
		Pools:     []string{"p1", "p2", "p3"},
		Algorithm: BalanceRoundRobin,
	})

	env.mgr.monitor.MarkUnhealthy("p1")
	env.mgr.monitor.MarkUnhealthy("p2")
	env.mgr.monitor.MarkUnhealthy("p3")

	// No healthy member: every dispatch fails the same way.
	for i := 0; i < 3; i++ {
		_, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
		require.Error(t, err)
		assert.Equal(t, dberr.CodeAllPoolsUnavailable, dberr.CodeOf(err))
	}

	// As soon as one member recovers, dispatch routes to it.
	env.mgr.monitor.MarkHealthy("p3")
	_, err := env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	assert.NoError(t, err)
}

func TestSetFailoverPolicy(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	assert.Equal(t, FailoverLocalOnly, env.mgr.FailoverPolicy().Mode)

	env.mgr.SetFailoverPolicy(FailoverPolicy{Mode: FailoverLoadBalanced, Pools: []string{"a"}})
	got := env.mgr.FailoverPolicy()
	assert.Equal(t, FailoverLoadBalanced, got.Mode)
	assert.Equal(t, BalanceRoundRobin, got.Algorithm, "algorithm defaults to round-robin")
}

func TestListPoolsSorted(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "zeta", poolConfig("db1")))
	require.NoError(t, env.mgr.CreatePool(context.Background(), "alpha", poolConfig("db2")))

	assert.Equal(t, []string{"alpha", "zeta"}, env.mgr.ListPools())
}

func TestEvaluateAlertsOverLiveSummaries(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))
	env.backends["db1"].failWith["SELECT broken"] = dberr.Execution(errors.New("bad"))

	// 1 success, 9 failures: error rate well above the default threshold.
	_, _ = env.mgr.Query(context.Background(), "p1", "SELECT 1", nil)
	for i := 0; i < 9; i++ {
		_, _ = env.mgr.Query(context.Background(), "p1", "SELECT broken", nil)
	}

	env.mgr.EvaluateAlerts()
	active := env.mgr.Alerts().ActiveAlerts()
	require.NotEmpty(t, active)
	assert.Equal(t, "high_error_rate_p1", active[0].ID)

	env.mgr.EvaluateAlerts()
	assert.Len(t, env.mgr.Alerts().ActiveAlerts(), len(active), "re-evaluation does not duplicate")
}

func TestBatchAndTransactionDispatch(t *testing.T) {
	env := newTestEnv()
	defer env.mgr.Close(context.Background())

	require.NoError(t, env.mgr.CreatePool(context.Background(), "p1", poolConfig("db1")))

	results, err := env.mgr.Batch(context.Background(), "p1", []pool.BatchOperation{
		{SQL: "INSERT a"},
		{SQL: "INSERT b"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 2)

	results, err = env.mgr.Transaction(context.Background(), "p1", []pool.BatchOperation{
		{SQL: "INSERT a"},
	})
	require.NoError(t, err)
	assert.Len(t, results, 1)
}
