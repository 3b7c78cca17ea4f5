package pgguard

import (
	"errors"
	"sync"

	"github.com/jackc/pgx/v5"
)

// observedRows reports the iteration error, if any, to the supervisor.
// done runs once the result set is exhausted or closed, whichever comes
// first.
type observedRows struct {
	pgx.Rows
	s        *Supervisor
	h        *PoolHandle
	done     func()
	once     sync.Once
	doneOnce sync.Once
}

func newObservedRows(rows pgx.Rows, s *Supervisor, h *PoolHandle, done func()) *observedRows {
	return &observedRows{Rows: rows, s: s, h: h, done: done}
}

func (r *observedRows) Next() bool {
	if r.Rows.Next() {
		return true
	}
	r.report()
	r.finish()
	return false
}

func (r *observedRows) Err() error {
	err := r.Rows.Err()
	if err != nil {
		r.report()
	}
	return err
}

func (r *observedRows) Close() {
	r.Rows.Close()
	r.report()
	r.finish()
}

// finish closes the result set before done returns its connection.
func (r *observedRows) finish() {
	r.doneOnce.Do(func() {
		r.Rows.Close()
		r.done()
	})
}

func (r *observedRows) report() {
	err := r.Rows.Err()
	if err == nil {
		return
	}
	r.once.Do(func() { r.s.observe(r.h, err, 0) })
}

// observedRow defers classification to Scan.
type observedRow struct {
	row  pgx.Row
	s    *Supervisor
	h    *PoolHandle
	done func()
}

func (r *observedRow) Scan(dest ...any) error {
	defer r.done()
	err := r.row.Scan(dest...)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		r.s.observe(r.h, err, 0)
	}
	return err
}

// errRow is returned by QueryRow when the call was refused.
type errRow struct {
	err error
}

func (r errRow) Scan(...any) error {
	return r.err
}
