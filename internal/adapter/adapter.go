// Package adapter defines the per-backend capability set the pool layer
// builds on: open a session, run text commands with named parameters,
// control transactions, probe liveness, close. Every adapter maps driver
// errors into the dberr taxonomy so the layers above can branch on class
// without knowing the backend.
package adapter

import (
	"context"

	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// Adapter opens physical sessions against one configured backend.
type Adapter interface {
	// Kind reports the backend this adapter speaks to.
	Kind() config.BackendKind

	// Open establishes one physical session. The context bounds the
	// connection handshake; a failure is connection-class.
	Open(ctx context.Context) (Session, error)

	// Close releases adapter-level resources. Sessions already handed out
	// stay usable until closed individually.
	Close() error
}

// Session is one open connection, exclusively owned by its borrower.
//
// The transaction state machine is enforced here: Begin requires an idle
// session, Commit and Rollback require an open transaction, and Close from
// inside a transaction rolls back first. A nested Begin fails with an
// execution-class error.
type Session interface {
	// Query runs a statement expected to return rows.
	Query(ctx context.Context, sql string, params dbvalue.Params) (dbvalue.Table, error)

	// Execute runs a statement and returns the affected-row count.
	Execute(ctx context.Context, sql string, params dbvalue.Params) (int64, error)

	// Begin opens a transaction.
	Begin(ctx context.Context) error

	// Commit commits the open transaction.
	Commit(ctx context.Context) error

	// Rollback aborts the open transaction.
	Rollback(ctx context.Context) error

	// InTransaction reports whether a transaction is open.
	InTransaction() bool

	// Alive cheaply probes whether the session can still serve traffic.
	// It is idempotent and safe to call between borrows.
	Alive(ctx context.Context) bool

	// Close tears the session down. Idempotent.
	Close(ctx context.Context) error
}
