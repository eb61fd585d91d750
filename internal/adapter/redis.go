package adapter

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/crosspool/crosspool/internal/config"
	"github.com/crosspool/crosspool/internal/dberr"
	"github.com/crosspool/crosspool/pkg/dbvalue"
)

// redisAdapter serves the Redis backend through go-redis. Commands are
// plain text with @name placeholders; each Open hands out a dedicated
// connection so transaction state (MULTI/EXEC) stays session-local.
type redisAdapter struct {
	cfg    config.DatabaseConfig
	client *redis.Client
}

func newRedisAdapter(cfg config.DatabaseConfig) (*redisAdapter, error) {
	db := 0
	if cfg.Database != "" {
		n, err := strconv.Atoi(cfg.Database)
		if err != nil {
			return nil, dberr.InvalidValue("database: redis database must be a numeric index, got %q", cfg.Database)
		}
		db = n
	}

	opts := &redis.Options{
		Addr:        net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Username:    cfg.Username,
		Password:    cfg.Password,
		DB:          db,
		DialTimeout: cfg.Timeout.ConnectionTimeout,
	}
	if cfg.SSL != nil && cfg.SSL.Mode != config.SSLDisable {
		opts.TLSConfig = &tls.Config{
			MinVersion:         tls.VersionTLS12,
			InsecureSkipVerify: cfg.SSL.TrustServerCertificate,
		}
	}

	return &redisAdapter{cfg: cfg, client: redis.NewClient(opts)}, nil
}

func (a *redisAdapter) Kind() config.BackendKind { return a.cfg.Kind }

func (a *redisAdapter) Open(ctx context.Context) (Session, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout.ConnectionTimeout)
	defer cancel()

	conn := a.client.Conn()
	if err := conn.Ping(ctx).Err(); err != nil {
		_ = conn.Close()
		return nil, dberr.ConnectionFailed(err)
	}
	return &redisSession{conn: conn}, nil
}

func (a *redisAdapter) Close() error { return a.client.Close() }

type redisSession struct {
	conn   *redis.Conn
	inTx   bool
	closed bool
}

// buildCommand tokenizes the command text and substitutes @name
// placeholders with parameter values.
func buildCommand(text string, params dbvalue.Params) ([]any, error) {
	fields := strings.Fields(text)
	if len(fields) == 0 {
		return nil, dberr.Syntax(errors.New("empty command"))
	}

	used := make(map[string]bool, len(params))
	args := make([]any, 0, len(fields))
	for _, f := range fields {
		if strings.HasPrefix(f, "@") && len(f) > 1 && isIdentStart(f[1]) {
			name := f[1:]
			v, ok := params[name]
			if !ok {
				return nil, dberr.ParameterBinding("command references parameter @%s which is not in the bundle", name)
			}
			used[name] = true
			args = append(args, v.Interface())
			continue
		}
		args = append(args, f)
	}
	for name := range params {
		if !used[name] {
			return nil, dberr.ParameterBinding("parameter %q is not referenced by the command", name)
		}
	}
	return args, nil
}

func (s *redisSession) do(ctx context.Context, text string, params dbvalue.Params) (any, error) {
	if s.closed {
		return nil, dberr.ConnectionClosed()
	}
	args, err := buildCommand(text, params)
	if err != nil {
		return nil, err
	}
	reply, err := s.conn.Do(ctx, args...).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, classifyRedisError(err)
	}
	return reply, nil
}

func (s *redisSession) Query(ctx context.Context, text string, params dbvalue.Params) (dbvalue.Table, error) {
	reply, err := s.do(ctx, text, params)
	if err != nil {
		return dbvalue.Table{}, err
	}
	return replyToTable(reply), nil
}

func (s *redisSession) Execute(ctx context.Context, text string, params dbvalue.Params) (int64, error) {
	reply, err := s.do(ctx, text, params)
	if err != nil {
		return 0, err
	}
	switch r := reply.(type) {
	case nil:
		return 0, nil
	case int64:
		return r, nil
	default:
		return 1, nil
	}
}

func (s *redisSession) Begin(ctx context.Context) error {
	if s.closed {
		return dberr.ConnectionClosed()
	}
	if s.inTx {
		return dberr.Execution(errors.New("transaction already open"))
	}
	if err := s.conn.Do(ctx, "MULTI").Err(); err != nil {
		return classifyRedisError(err)
	}
	s.inTx = true
	return nil
}

func (s *redisSession) Commit(ctx context.Context) error {
	if !s.inTx {
		return dberr.Execution(errors.New("no open transaction to commit"))
	}
	s.inTx = false
	if err := s.conn.Do(ctx, "EXEC").Err(); err != nil && !errors.Is(err, redis.Nil) {
		return classifyRedisError(err)
	}
	return nil
}

func (s *redisSession) Rollback(ctx context.Context) error {
	if !s.inTx {
		return dberr.Execution(errors.New("no open transaction to roll back"))
	}
	s.inTx = false
	if err := s.conn.Do(ctx, "DISCARD").Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func (s *redisSession) InTransaction() bool { return s.inTx }

func (s *redisSession) Alive(ctx context.Context) bool {
	if s.closed {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	return s.conn.Ping(ctx).Err() == nil
}

func (s *redisSession) Close(ctx context.Context) error {
	if s.closed {
		return nil
	}
	if s.inTx {
		_ = s.conn.Do(ctx, "DISCARD").Err()
		s.inTx = false
	}
	s.closed = true
	_ = s.conn.Close()
	return nil
}

// replyToTable renders a Redis reply as a row sequence: scalars become a
// single "value" row, arrays one row per element, maps field/value rows in
// sorted field order.
func replyToTable(reply any) dbvalue.Table {
	switch r := reply.(type) {
	case nil:
		return dbvalue.NewTable([]string{"value"}, nil)
	case []any:
		rows := make([]dbvalue.Row, 0, len(r))
		for _, el := range r {
			rows = append(rows, dbvalue.NewRow([]string{"value"}, []dbvalue.Value{dbvalue.FromAny(el)}))
		}
		return dbvalue.NewTable([]string{"value"}, rows)
	case map[string]any:
		keys := make([]string, 0, len(r))
		for k := range r {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		cols := []string{"field", "value"}
		rows := make([]dbvalue.Row, 0, len(keys))
		for _, k := range keys {
			rows = append(rows, dbvalue.NewRow(cols, []dbvalue.Value{dbvalue.String(k), dbvalue.FromAny(r[k])}))
		}
		return dbvalue.NewTable(cols, rows)
	default:
		row := dbvalue.NewRow([]string{"value"}, []dbvalue.Value{dbvalue.FromAny(r)})
		return dbvalue.NewTable([]string{"value"}, []dbvalue.Row{row})
	}
}

func classifyRedisError(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return dberr.QueryTimeout()
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, redis.ErrClosed) {
		return dberr.ConnectionFailed(err)
	}
	msg := err.Error()
	if strings.HasPrefix(msg, "ERR unknown command") || strings.HasPrefix(msg, "ERR syntax") || strings.HasPrefix(msg, "ERR wrong number of arguments") {
		return dberr.Syntax(err)
	}
	return dberr.Execution(fmt.Errorf("redis: %w", err))
}
