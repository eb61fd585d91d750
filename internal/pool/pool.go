// Package pool implements the bounded session pool in front of one backend
// adapter: permit-bounded borrowing with acquisition timeout, liveness
// checks on hand-out and return, min-connection top-up, and the query,
// batch, and transaction surfaces the manager dispatches to.
package pool

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/crosspool/crosspool/internal/adapter"
	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/internal/logger"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// BatchOperation is one statement in a batch or transaction.
type BatchOperation struct {
	SQL    string         `json:"sql"`
	Params dbvalue.Params `json:"params,omitempty"`
}

// BatchResult is the outcome of one batch operation, in submission order.
type BatchResult struct {
	AffectedRows int64         `json:"affected_rows"`
	Elapsed      time.Duration `json:"elapsed"`
	Error        string        `json:"error,omitempty"`
}

// Status is a point-in-time snapshot of one pool, derived at read time.
type Status struct {
	PoolID            string             `json:"pool_id"`
	Kind              config.BackendKind `json:"kind"`
	TotalConnections  int                `json:"total_connections"`
	ActiveConnections int                `json:"active_connections"`
	IdleConnections   int                `json:"idle_connections"`
	Waiting           int                `json:"waiting"`
	Healthy           bool               `json:"healthy"`
	LastError         string             `json:"last_error,omitempty"`
	Uptime            time.Duration      `json:"uptime"`
}

// pooledSession couples a session with the timestamps the recycling rules
// are enforced against.
type pooledSession struct {
	sess      adapter.Session
	createdAt time.Time
	idleSince time.Time
}

func (ps *pooledSession) expired(maxLifetime time.Duration) bool {
	return maxLifetime > 0 && time.Since(ps.createdAt) > maxLifetime
}

func (ps *pooledSession) idleTooLong(idleTimeout time.Duration) bool {
	return idleTimeout > 0 && !ps.idleSince.IsZero() && time.Since(ps.idleSince) > idleTimeout
}

// Pool is a bounded set of sessions for one adapter.
//
// Counters and the idle queue share a single mutex, so a status snapshot
// can never observe total and idle mid-skew. No lock is held across an
// adapter call.
type Pool struct {
	id  string
	cfg config.DatabaseConfig
	ad  adapter.Adapter

	// sem caps concurrent borrowers at max connections; semaphore.Weighted
	// wakes waiters in FIFO order.
	sem     *semaphore.Weighted
	breaker *breaker

	mu      sync.Mutex
	idle    []*pooledSession
	total   int
	waiting int
	closed  bool
	lastErr string

	createdAt time.Time
}

// New constructs the pool and starts the asynchronous top-up toward the
// minimum connection count. The config must already be validated.
func New(id string, cfg config.DatabaseConfig, ad adapter.Adapter) *Pool {
	p := &Pool{
		id:        id,
		cfg:       cfg,
		ad:        ad,
		sem:       semaphore.NewWeighted(int64(cfg.Pool.MaxConnections)),
		breaker:   newBreaker(DefaultBreakerConfig()),
		createdAt: time.Now(),
	}

	go p.topUp()

	return p
}

// ID returns the pool identifier.
func (p *Pool) ID() string { return p.id }

// Config returns the immutable configuration the pool was built from.
func (p *Pool) Config() config.DatabaseConfig { return p.cfg }

// topUp opens sessions until the pool holds at least min connections. It is
// best-effort: a failed open is logged and the top-up stops.
func (p *Pool) topUp() {
	for {
		p.mu.Lock()
		if p.closed || p.total >= p.cfg.Pool.MinConnections {
			p.mu.Unlock()
			return
		}
		p.total++
		p.mu.Unlock()

		ps, err := p.open(context.Background())
		if err != nil {
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			logger.Warn("pool top-up failed", "pool", p.id, "err", err)
			return
		}

		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			_ = ps.sess.Close(context.Background())
			p.mu.Lock()
			p.total--
			p.mu.Unlock()
			return
		}
		ps.idleSince = time.Now()
		p.idle = append(p.idle, ps)
		p.mu.Unlock()
	}
}

// open establishes one physical session through the breaker. The caller has
// already reserved its slot in total.
func (p *Pool) open(ctx context.Context) (*pooledSession, error) {
	if err := p.breaker.allow(); err != nil {
		cerr := dberr.ConnectionFailed(err)
		p.noteError(cerr)
		return nil, cerr
	}

	sess, err := p.ad.Open(ctx)
	if err != nil {
		p.breaker.recordFailure()
		p.noteError(err)
		return nil, err
	}
	p.breaker.recordSuccess()
	return &pooledSession{sess: sess, createdAt: time.Now()}, nil
}

func (p *Pool) noteError(err error) {
	p.mu.Lock()
	p.lastErr = err.Error()
	p.mu.Unlock()
}

// acquire runs the borrow protocol: permit, idle pop with liveness check,
// open-below-max, all bounded in aggregate by the acquire timeout.
func (p *Pool) acquire(ctx context.Context) (*pooledSession, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, dberr.PoolClosed(p.id)
	}
	p.waiting++
	p.mu.Unlock()

	acqCtx, cancel := context.WithTimeout(ctx, p.cfg.Pool.AcquireTimeout)
	defer cancel()
	err := p.sem.Acquire(acqCtx, 1)

	p.mu.Lock()
	p.waiting--
	p.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		p.mu.Lock()
		exhausted := p.total >= p.cfg.Pool.MaxConnections && len(p.idle) == 0
		p.mu.Unlock()
		if exhausted {
			return nil, dberr.PoolExhausted(p.id)
		}
		return nil, dberr.AcquireTimeout(p.id)
	}

	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			p.sem.Release(1)
			return nil, dberr.PoolClosed(p.id)
		}

		if len(p.idle) > 0 {
			ps := p.idle[0]
			p.idle = p.idle[1:]
			p.mu.Unlock()

			if ps.expired(p.cfg.Pool.MaxLifetime) || ps.idleTooLong(p.cfg.Pool.IdleTimeout) || !ps.sess.Alive(acqCtx) {
				p.discard(ctx, ps)
				continue
			}
			ps.idleSince = time.Time{}
			return ps, nil
		}

		if p.total < p.cfg.Pool.MaxConnections {
			p.total++
			p.mu.Unlock()

			ps, err := p.open(acqCtx)
			if err != nil {
				p.mu.Lock()
				p.total--
				p.mu.Unlock()
				p.sem.Release(1)
				return nil, err
			}
			return ps, nil
		}

		// A permit is held, so another borrower is mid-discard; their slot
		// frees total or repopulates idle momentarily.
		p.mu.Unlock()
		if acqCtx.Err() != nil {
			p.sem.Release(1)
			return nil, dberr.AcquireTimeout(p.id)
		}
		runtime.Gosched()
	}
}

// discard closes a session and gives its slot back, then tops the pool back
// up toward min.
func (p *Pool) discard(ctx context.Context, ps *pooledSession) {
	_ = ps.sess.Close(ctx)
	p.mu.Lock()
	p.total--
	p.mu.Unlock()
	go p.topUp()
}

// release is the return protocol. A session is re-queued only when it is
// alive, within its lifetime, and not forcibly discarded; an open
// transaction is rolled back first.
func (p *Pool) release(ctx context.Context, ps *pooledSession, discard bool) {
	defer p.sem.Release(1)

	if ps.sess.InTransaction() {
		if err := ps.sess.Rollback(ctx); err != nil {
			logger.Warn("rollback on return failed", "pool", p.id, "err", err)
			discard = true
		}
	}

	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()

	if discard || closed || ps.expired(p.cfg.Pool.MaxLifetime) || !ps.sess.Alive(ctx) {
		p.discard(ctx, ps)
		return
	}

	ps.idleSince = time.Now()
	p.mu.Lock()
	p.idle = append(p.idle, ps)
	p.mu.Unlock()
}

// shouldDiscard reports whether an error (or cancellation) leaves the
// session in an indeterminate state.
func shouldDiscard(ctx context.Context, err error) bool {
	if ctx.Err() != nil {
		return true
	}
	if err == nil {
		return false
	}
	return dberr.IsConnection(err) || dberr.HasCode(err, dberr.CodeQueryTimeout)
}

// ExecuteQuery borrows a session, runs one query, and returns its rows.
func (p *Pool) ExecuteQuery(ctx context.Context, sql string, params dbvalue.Params) (dbvalue.Table, error) {
	ps, err := p.acquire(ctx)
	if err != nil {
		return dbvalue.Table{}, err
	}

	qCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout.QueryTimeout)
	table, err := ps.sess.Query(qCtx, sql, params)
	cancel()

	p.release(ctx, ps, shouldDiscard(ctx, err))
	if err != nil {
		p.noteError(err)
	}
	return table, err
}

// ExecuteNonQuery borrows a session, runs one statement, and returns the
// affected-row count.
func (p *Pool) ExecuteNonQuery(ctx context.Context, sql string, params dbvalue.Params) (int64, error) {
	ps, err := p.acquire(ctx)
	if err != nil {
		return 0, err
	}

	qCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout.QueryTimeout)
	affected, err := ps.sess.Execute(qCtx, sql, params)
	cancel()

	p.release(ctx, ps, shouldDiscard(ctx, err))
	if err != nil {
		p.noteError(err)
	}
	return affected, err
}

// ExecuteBatch runs the operations on one borrowed session, best-effort:
// a failed operation is recorded and the batch continues. Results are in
// submission order.
func (p *Pool) ExecuteBatch(ctx context.Context, ops []BatchOperation) ([]BatchResult, error) {
	ps, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]BatchResult, 0, len(ops))
	var lastErr error
	for _, op := range ops {
		start := time.Now()
		qCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout.QueryTimeout)
		affected, err := ps.sess.Execute(qCtx, op.SQL, op.Params)
		cancel()

		res := BatchResult{AffectedRows: affected, Elapsed: time.Since(start)}
		if err != nil {
			res.AffectedRows = 0
			res.Error = err.Error()
			lastErr = err
		}
		results = append(results, res)
	}

	p.release(ctx, ps, shouldDiscard(ctx, lastErr))
	return results, nil
}

// ExecuteTransaction runs the operations inside one transaction on one
// borrowed session. The batch stops at the first error and rolls back; the
// truncated results carry no entries for un-executed operations. On success
// the transaction commits.
func (p *Pool) ExecuteTransaction(ctx context.Context, ops []BatchOperation) ([]BatchResult, error) {
	ps, err := p.acquire(ctx)
	if err != nil {
		return nil, err
	}

	txCtx, cancel := context.WithTimeout(ctx, p.cfg.Timeout.QueryTimeout)
	defer cancel()

	if err := ps.sess.Begin(txCtx); err != nil {
		p.release(ctx, ps, shouldDiscard(ctx, err))
		return nil, err
	}

	results := make([]BatchResult, 0, len(ops))
	var failed error
	for _, op := range ops {
		start := time.Now()
		affected, err := ps.sess.Execute(txCtx, op.SQL, op.Params)
		res := BatchResult{AffectedRows: affected, Elapsed: time.Since(start)}
		if err != nil {
			res.AffectedRows = 0
			res.Error = err.Error()
			results = append(results, res)
			failed = err
			break
		}
		results = append(results, res)
	}

	if failed != nil {
		if err := ps.sess.Rollback(txCtx); err != nil {
			logger.Warn("transaction rollback failed", "pool", p.id, "err", err)
		}
		p.release(ctx, ps, shouldDiscard(ctx, failed))
		return results, nil
	}

	if err := ps.sess.Commit(txCtx); err != nil {
		p.release(ctx, ps, shouldDiscard(ctx, err))
		return results, err
	}

	p.release(ctx, ps, false)
	return results, nil
}

// HealthCheck borrows a session and runs the adapter's liveness probe.
func (p *Pool) HealthCheck(ctx context.Context) (bool, error) {
	ps, err := p.acquire(ctx)
	if err != nil {
		return false, err
	}
	alive := ps.sess.Alive(ctx)
	p.release(ctx, ps, !alive)
	if !alive {
		return false, dberr.New(dberr.ClassConnection, dberr.CodeHealthCheckFailed, "liveness probe failed on pool %s", p.id)
	}
	return true, nil
}

// Status derives a snapshot. Active is computed as total minus idle under
// the same lock, so the two can never disagree.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	return Status{
		PoolID:            p.id,
		Kind:              p.cfg.Kind,
		TotalConnections:  p.total,
		ActiveConnections: p.total - len(p.idle),
		IdleConnections:   len(p.idle),
		Waiting:           p.waiting,
		Healthy:           !p.closed && !p.breaker.isOpen(),
		LastError:         p.lastErr,
		Uptime:            time.Since(p.createdAt),
	}
}

// Close drains the pool: idle sessions are closed, the pool is marked shut,
// and subsequent borrows fail with a terminal error. Borrowed sessions are
// closed as they come back.
func (p *Pool) Close(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	idle := p.idle
	p.idle = nil
	p.total -= len(idle)
	p.mu.Unlock()

	var errs []error
	for _, ps := range idle {
		if err := ps.sess.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if err := p.ad.Close(); err != nil {
		errs = append(errs, err)
	}

	logger.Info("pool closed", "pool", p.id, "idle_closed", len(idle))
	return errors.Join(errs...)
}
