package adapter

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
	mssql "github.com/microsoft/go-mssqldb"

	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// sqlAdapter serves the backends that speak through database/sql: MSSQL,
// PostgreSQL, and SQLite. Each Open hands out a dedicated *sql.Conn; the
// database/sql pool underneath is configured to keep nothing idle so our
// pool layer is the only one doing session reuse.
type sqlAdapter struct {
	cfg        config.DatabaseConfig
	driverName string
	db         *sql.DB
}

func newSQLAdapter(cfg config.DatabaseConfig) (*sqlAdapter, error) {
	driverName, dsn, err := buildDSN(cfg)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, dberr.ConnectionFailed(err)
	}
	db.SetMaxIdleConns(0)
	db.SetMaxOpenConns(0)
	db.SetConnMaxLifetime(0)

	return &sqlAdapter{cfg: cfg, driverName: driverName, db: db}, nil
}

func buildDSN(cfg config.DatabaseConfig) (driverName, dsn string, err error) {
	switch cfg.Kind {
	case config.KindMSSQL:
		q := url.Values{}
		q.Set("database", cfg.Database)
		if cfg.ApplicationName != "" {
			q.Set("app name", cfg.ApplicationName)
		}
		if cfg.SSL != nil {
			switch cfg.SSL.Mode {
			case config.SSLDisable:
				q.Set("encrypt", "disable")
			case config.SSLRequire:
				q.Set("encrypt", "true")
			case config.SSLPrefer:
				q.Set("encrypt", "false")
			}
			if cfg.SSL.TrustServerCertificate {
				q.Set("trustservercertificate", "true")
			}
			if cfg.SSL.CertificatePath != "" {
				q.Set("certificate", cfg.SSL.CertificatePath)
			}
		}
		u := url.URL{
			Scheme:   "sqlserver",
			User:     url.UserPassword(cfg.Username, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			RawQuery: q.Encode(),
		}
		return "sqlserver", u.String(), nil

	case config.KindPostgreSQL:
		q := url.Values{}
		if cfg.SSL != nil {
			q.Set("sslmode", string(cfg.SSL.Mode))
			if cfg.SSL.CertificatePath != "" {
				q.Set("sslcert", cfg.SSL.CertificatePath)
			}
			if cfg.SSL.KeyPath != "" {
				q.Set("sslkey", cfg.SSL.KeyPath)
			}
		}
		if cfg.ApplicationName != "" {
			q.Set("application_name", cfg.ApplicationName)
		}
		u := url.URL{
			Scheme:   "postgres",
			User:     url.UserPassword(cfg.Username, cfg.Password),
			Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
			Path:     "/" + cfg.Database,
			RawQuery: q.Encode(),
		}
		return "pgx", u.String(), nil

	case config.KindSQLite:
		return "sqlite3", cfg.Database, nil

	default:
		return "", "", dberr.Unsupported("backend %s is not served by the SQL adapter", cfg.Kind)
	}
}

func (a *sqlAdapter) Kind() config.BackendKind { return a.cfg.Kind }

func (a *sqlAdapter) Open(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout.ConnectionTimeout)
	defer cancel()

	conn, err := a.db.Conn(ctx)
	if err != nil {
		return nil, dberr.ConnectionFailed(err)
	}
	if err := conn.PingContext(ctx); err != nil {
		_ = conn.Close()
		return nil, dberr.ConnectionFailed(err)
	}
	return &sqlSession{conn: conn, kind: a.cfg.Kind}, nil
}

func (a *sqlAdapter) Close() error { return a.db.Close() }

type sqlSession struct {
	conn   *sql.Conn
	tx     *sql.Tx
	kind   config.BackendKind
	closed bool
}

// bind resolves named placeholders for this backend's driver: PostgreSQL
// gets a positional rewrite, MSSQL and SQLite take sql.Named directly.
func (s *sqlSession) bind(text string, params dbvalue.Params) (string, []any, error) {
	var rewrite func(int) string
	if s.kind == config.KindPostgreSQL {
		rewrite = func(i int) string { return "$" + strconv.Itoa(i) }
	}

	bound, names, values, err := bindNamed(text, params, rewrite)
	if err != nil {
		return "", nil, err
	}

	args := make([]any, len(values))
	for i, v := range values {
		if rewrite != nil {
			args[i] = v.Interface()
		} else {
			args[i] = sql.Named(names[i], v.Interface())
		}
	}
	return bound, args, nil
}

func (s *sqlSession) Query(ctx context.Context, text string, params dbvalue.Params) (dbvalue.Table, error) {
	if s.closed {
		return dbvalue.Table{}, dberr.ConnectionClosed()
	}
	bound, args, err := s.bind(text, params)
	if err != nil {
		return dbvalue.Table{}, err
	}

	var rows *sql.Rows
	if s.tx != nil {
		rows, err = s.tx.QueryContext(ctx, bound, args...)
	} else {
		rows, err = s.conn.QueryContext(ctx, bound, args...)
	}
	if err != nil {
		return dbvalue.Table{}, classifySQLError(err)
	}
	defer rows.Close()

	return decodeRows(rows)
}

func (s *sqlSession) Execute(ctx context.Context, text string, params dbvalue.Params) (int64, error) {
	if s.closed {
		return 0, dberr.ConnectionClosed()
	}
	bound, args, err := s.bind(text, params)
	if err != nil {
		return 0, err
	}

	var res sql.Result
	if s.tx != nil {
		res, err = s.tx.ExecContext(ctx, bound, args...)
	} else {
		res, err = s.conn.ExecContext(ctx, bound, args...)
	}
	if err != nil {
		return 0, classifySQLError(err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, dberr.ResultProcessing(err)
	}
	return affected, nil
}

func (s *sqlSession) Begin(ctx context.Context) error {
	if s.closed {
		return dberr.ConnectionClosed()
	}
	if s.tx != nil {
		return dberr.Execution(errors.New("transaction already open"))
	}
	tx, err := s.conn.BeginTx(ctx, nil)
	if err != nil {
		return classifySQLError(err)
	}
	s.tx = tx
	return nil
}

func (s *sqlSession) Commit(ctx context.Context) error {
	if s.tx == nil {
		return dberr.Execution(errors.New("no open transaction to commit"))
	}
	err := s.tx.Commit()
	s.tx = nil
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

func (s *sqlSession) Rollback(ctx context.Context) error {
	if s.tx == nil {
		return dberr.Execution(errors.New("no open transaction to roll back"))
	}
	err := s.tx.Rollback()
	s.tx = nil
	if err != nil {
		return classifySQLError(err)
	}
	return nil
}

func (s *sqlSession) InTransaction() bool { return s.tx != nil }

func (s *sqlSession) Alive(ctx context.Context) bool {
	if s.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.conn.PingContext(ctx) == nil
}

func (s *sqlSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if s.tx != nil {
		_ = s.tx.Rollback()
		s.tx = nil
	}
	s.closed = true
	if err := s.conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
		return dberr.Wrap(dberr.ClassConnection, dberr.CodeConnectionClosed, err, "closing session")
	}
	return nil
}

func decodeRows(rows *sql.Rows) (dbvalue.Table, error) {
	columns, err := rows.Columns()
	if err != nil {
		return dbvalue.Table{}, dberr.ResultProcessing(err)
	}

	var out []dbvalue.Row
	for rows.Next() {
		raw := make([]any, len(columns))
		ptrs := make([]any, len(columns))
		for i := range raw {
			ptrs[i] = &raw[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return dbvalue.Table{}, dberr.ResultProcessing(err)
		}
		values := make([]dbvalue.Value, len(columns))
		for i, v := range raw {
			values[i] = dbvalue.FromAny(v)
		}
		out = append(out, dbvalue.NewRow(columns, values))
	}
	if err := rows.Err(); err != nil {
		return dbvalue.Table{}, dberr.ResultProcessing(err)
	}

	return dbvalue.NewTable(columns, out), nil
}

// classifySQLError maps a driver error into the taxonomy. Each driver error
// lands in exactly one class; anything unrecognized on a live session is
// execution-class.
func classifySQLError(err error) error {
	if err == nil {
		return nil
	}

	var clsErr *dberr.Error
	if errors.As(err, &clsErr) {
		return err
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return dberr.QueryTimeout()
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) || errors.Is(err, io.EOF) {
		return dberr.ConnectionFailed(err)
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "42":
			return dberr.Syntax(err)
		case len(pgErr.Code) >= 2 && pgErr.Code[:2] == "08":
			return dberr.ConnectionFailed(err)
		default:
			return dberr.Execution(err)
		}
	}

	var msErr mssql.Error
	if errors.As(err, &msErr) {
		switch msErr.SQLErrorNumber() {
		case 102, 105, 156, 170:
			return dberr.Syntax(err)
		default:
			return dberr.Execution(err)
		}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return dberr.ConnectionFailed(err)
	}

	return dberr.Execution(fmt.Errorf("driver error: %w", err))
}
