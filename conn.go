package pgguard

import (
	"context"
	"sync/atomic"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Conn is a dedicated connection checked out through Supervisor.Connect.
// Errors it returns are classified like any other call, so a pool-fatal
// failure on a checked-out connection still triggers recovery.
type Conn struct {
	conn     DriverConn
	s        *Supervisor
	h        *PoolHandle
	released atomic.Bool
}

// Generation returns the pool generation this connection belongs to.
func (c *Conn) Generation() uint64 {
	return c.h.Generation()
}

// Query runs sql on this connection
func (c *Conn) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if err := c.check("Conn.Query"); err != nil {
		return nil, err
	}
	rows, err := c.conn.Query(ctx, sql, args...)
	if err != nil {
		c.s.observe(c.h, err, 0)
		return nil, err
	}
	return newObservedRows(rows, c.s, c.h, func() {}), nil
}

// QueryRow runs sql on this connection expecting at most one row
func (c *Conn) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	if err := c.check("Conn.QueryRow"); err != nil {
		return errRow{err: err}
	}
	return &observedRow{row: c.conn.QueryRow(ctx, sql, args...), s: c.s, h: c.h, done: func() {}}
}

// Exec runs sql on this connection
func (c *Conn) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if err := c.check("Conn.Exec"); err != nil {
		return pgconn.CommandTag{}, err
	}
	tag, err := c.conn.Exec(ctx, sql, args...)
	if err != nil {
		c.s.observe(c.h, err, 0)
	}
	return tag, err
}

// Begin starts a transaction with default options
func (c *Conn) Begin(ctx context.Context) (pgx.Tx, error) {
	return c.BeginTx(ctx, pgx.TxOptions{})
}

// BeginTx starts a transaction with custom options
func (c *Conn) BeginTx(ctx context.Context, opts pgx.TxOptions) (pgx.Tx, error) {
	if err := c.check("Conn.Begin"); err != nil {
		return nil, err
	}
	tx, err := c.conn.BeginTx(ctx, opts)
	if err != nil {
		c.s.observe(c.h, err, 0)
		return nil, err
	}
	return tx, nil
}

// Release returns the connection to its pool. Safe to call more than once.
func (c *Conn) Release() {
	if c.released.CompareAndSwap(false, true) {
		c.conn.Release()
	}
}

// check refuses work on a released connection, while degraded, and on a
// connection whose pool was replaced or drained.
func (c *Conn) check(op string) error {
	if c.released.Load() {
		return &Error{Code: CodeConnectionFailed, Message: "connection already released", Op: op}
	}
	if c.s.degraded.Load() {
		c.s.metrics.reject(op)
		return c.s.degradedError(op)
	}
	if !c.h.Alive() || c.s.handle.Load() != c.h {
		return &Error{Code: CodeConnectionFailed, Message: "connection belongs to a retired pool", Op: op}
	}
	return nil
}
