package pgguard

import (
	"sync/atomic"
	"time"
)

// PoolHandle owns one live pool instance. Handles are never reused: a
// reconnection builds a new handle and the supervisor swaps the reference.
type PoolHandle struct {
	generation uint64
	pool       Pool
	alive      atomic.Bool
	createdAt  time.Time
	fault      atomic.Pointer[error] // first pool-fatal error seen on this handle

	// onDrain is invoked around the close call (begin=true, then false).
	onDrain func(h *PoolHandle, begin bool)
}

func newPoolHandle(generation uint64, pool Pool) *PoolHandle {
	h := &PoolHandle{
		generation: generation,
		pool:       pool,
		createdAt:  time.Now(),
	}
	h.alive.Store(true)
	return h
}

// Generation returns the construction sequence number of this handle.
func (h *PoolHandle) Generation() uint64 {
	return h.generation
}

// Alive reports whether Drain has not been called yet.
func (h *PoolHandle) Alive() bool {
	return h.alive.Load()
}

// CreatedAt returns when the underlying pool was built.
func (h *PoolHandle) CreatedAt() time.Time {
	return h.createdAt
}

// markFailed records err unless a failure is already recorded.
func (h *PoolHandle) markFailed(err error) {
	h.fault.CompareAndSwap(nil, &err)
}

// Failure returns the first pool-fatal error observed on the handle, or nil.
func (h *PoolHandle) Failure() error {
	if p := h.fault.Load(); p != nil {
		return *p
	}
	return nil
}

// Drain closes the underlying pool exactly once. The alive flag is cleared
// before Close so racing callers observe false and return. Reports whether
// this call performed the close.
func (h *PoolHandle) Drain() bool {
	if !h.alive.CompareAndSwap(true, false) {
		return false
	}

	if h.onDrain != nil {
		h.onDrain(h, true)
	}
	h.pool.Close()
	if h.onDrain != nil {
		h.onDrain(h, false)
	}
	return true
}
