package pgguard

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestPoolHandle_DrainOnce(t *testing.T) {
	p := &fakePool{}
	h := newPoolHandle(7, p)

	var begins, ends atomic.Int64
	h.onDrain = func(_ *PoolHandle, begin bool) {
		if begin {
			begins.Add(1)
		} else {
			ends.Add(1)
		}
	}

	var winners atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.Drain() {
				winners.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := p.closes.Load(); got != 1 {
		t.Errorf("expected exactly one close, got %d", got)
	}
	if winners.Load() != 1 {
		t.Errorf("expected one Drain to report true, got %d", winners.Load())
	}
	if begins.Load() != 1 || ends.Load() != 1 {
		t.Errorf("expected one drain_begin and one drain_end, got %d/%d", begins.Load(), ends.Load())
	}
	if h.Alive() {
		t.Error("drained handle must not be alive")
	}
}

func TestPoolHandle_Fields(t *testing.T) {
	h := newPoolHandle(3, &fakePool{})

	if h.Generation() != 3 {
		t.Errorf("expected generation 3, got %d", h.Generation())
	}
	if !h.Alive() {
		t.Error("new handle should be alive")
	}
	if h.CreatedAt().IsZero() {
		t.Error("expected creation time")
	}
}

func TestPoolHandle_FailureKeepsFirst(t *testing.T) {
	h := newPoolHandle(1, &fakePool{})
	if h.Failure() != nil {
		t.Fatal("new handle should carry no failure")
	}

	h.markFailed(errAdminTerminated)
	h.markFailed(errors.New("conn closed"))

	if h.Failure() != errAdminTerminated {
		t.Errorf("expected the first failure, got %v", h.Failure())
	}
}
