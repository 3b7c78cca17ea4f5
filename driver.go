package pgguard

import (
	"context"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// FailureObserver receives every error surfaced by a pool, including
// server errors that arrive outside of a caller's query. backendPID is 0
// when unknown.
type FailureObserver func(err error, backendPID uint32)

// Driver constructs pool instances. A new Pool is built for the first
// connection and for every reconnection attempt.
type Driver interface {
	Open(ctx context.Context, cfg Config, observe FailureObserver) (Pool, error)
}

// Pool is the downstream contract consumed by the supervisor. Statements run
// on acquired connections so that a checkout timeout is told apart from a
// slow statement.
type Pool interface {
	Acquire(ctx context.Context) (DriverConn, error)
	// Probe runs a lightweight validation query and returns the backend PID.
	Probe(ctx context.Context) (uint32, error)
	Stat() PoolStats
	Close()
}

// DriverConn is a single connection checked out of a Pool.
type DriverConn interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error)
	Release()
}

var _ DriverConn = (*pgxpool.Conn)(nil)

// PgxDriver builds pools on top of pgxpool.
type PgxDriver struct {
	Tracer pgx.QueryTracer // Optional query tracer attached to every connection
	Logger *slog.Logger
}

// Open builds and configures a new pgxpool. It does not validate connectivity;
// callers probe the returned pool.
func (d *PgxDriver) Open(ctx context.Context, cfg Config, observe FailureObserver) (Pool, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, &Error{
			Code:    CodeInvalidConfig,
			Message: "failed to parse database URL",
			Op:      "Open",
			Cause:   err,
		}
	}

	pcfg.MaxConns = int32(cfg.MaxConns)
	pcfg.MinConns = int32(cfg.MinConns)
	pcfg.MaxConnIdleTime = cfg.IdleTimeout
	pcfg.HealthCheckPeriod = cfg.HealthCheckPeriod

	cc := pcfg.ConnConfig
	cc.ConnectTimeout = cfg.ConnectTimeout

	dialer := &net.Dialer{Timeout: cfg.ConnectTimeout, KeepAlive: -1}
	if cfg.KeepAlive {
		dialer.KeepAlive = cfg.KeepAliveDelay
	}
	cc.DialFunc = dialer.DialContext

	if cfg.StatementTimeout > 0 {
		if cc.RuntimeParams == nil {
			cc.RuntimeParams = make(map[string]string)
		}
		cc.RuntimeParams["statement_timeout"] = strconv.FormatInt(cfg.StatementTimeout.Milliseconds(), 10)
	}

	if d.Tracer != nil {
		cc.Tracer = d.Tracer
	}

	cc.OnPgError = func(pc *pgconn.PgConn, pgErr *pgconn.PgError) bool {
		if observe != nil {
			observe(pgErr, pc.PID())
		}
		// keep pgconn's default: fatal errors close the connection
		return !strings.EqualFold(pgErr.Severity, "FATAL") && !strings.EqualFold(pgErr.Severity, "PANIC")
	}

	uses := &useCounter{max: int64(cfg.MaxUses)}
	pcfg.AfterRelease = uses.afterRelease
	pcfg.BeforeClose = uses.forget

	if d.Logger != nil {
		logger := d.Logger
		pcfg.AfterConnect = func(ctx context.Context, c *pgx.Conn) error {
			logger.LogAttrs(ctx, slog.LevelDebug, "database connection established",
				slog.Uint64("backend_pid", uint64(c.PgConn().PID())))
			return nil
		}
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, &Error{
			Code:    CodeConnectionFailed,
			Message: "failed to create connection pool",
			Op:      "Open",
			Cause:   err,
		}
	}
	return &pgxPool{pool: pool}, nil
}

// useCounter refreshes connections after a fixed number of checkouts.
type useCounter struct {
	max  int64
	uses sync.Map // *pgx.Conn -> *atomic.Int64
}

func (u *useCounter) afterRelease(c *pgx.Conn) bool {
	if u.max <= 0 {
		return true
	}
	v, _ := u.uses.LoadOrStore(c, new(atomic.Int64))
	return v.(*atomic.Int64).Add(1) < u.max
}

func (u *useCounter) forget(c *pgx.Conn) {
	u.uses.Delete(c)
}

// pgxPool adapts *pgxpool.Pool to Pool.
type pgxPool struct {
	pool *pgxpool.Pool
}

func (p *pgxPool) Acquire(ctx context.Context) (DriverConn, error) {
	c, err := p.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (p *pgxPool) Probe(ctx context.Context) (uint32, error) {
	var pid int32
	if err := p.pool.QueryRow(ctx, "SELECT pg_backend_pid()").Scan(&pid); err != nil {
		return 0, err
	}
	return uint32(pid), nil
}

func (p *pgxPool) Stat() PoolStats {
	return PoolStatsFromPgx(p.pool.Stat())
}

func (p *pgxPool) Close() {
	p.pool.Close()
}
