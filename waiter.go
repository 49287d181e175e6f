package bus1

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// waiter is the per-peer wakeup object. The queue signals it edge-triggered
// on every not-readable to readable transition; receivers park on it between
// readability checks. Its mutex doubles as the peer's lifecycle lock, so
// connect/disconnect coordination does not need a lock of its own.
type waiter struct {
	mu   sync.Mutex
	cond *sync.Cond
	ch   chan struct{}
}

func newWaiter() *waiter {
	w := &waiter{ch: make(chan struct{}, 1)}
	w.cond = sync.NewCond(&w.mu)
	return w
}

// wake signals both the channel (parked receivers) and the condition
// (lifecycle drainers). Spurious wakeups are fine; everyone re-checks.
func (w *waiter) wake() {
	select {
	case w.ch <- struct{}{}:
	default:
	}
	w.mu.Lock()
	w.cond.Broadcast()
	w.mu.Unlock()
}

// park blocks until the next wake or until the context is cancelled.
func (w *waiter) park(ctx context.Context) error {
	select {
	case <-w.ch:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// waitStrategy is an adaptive spin-wait: readers that tend to find work
// quickly earn a longer spin budget, readers that end up parking lose it.
type waitStrategy struct {
	currentLimit int32
	minSpin      int32
	maxSpin      int32
	incStep      int32
	decStep      int32
}

func newWaitStrategy() *waitStrategy {
	return &waitStrategy{
		currentLimit: 2000,
		minSpin:      100,
		maxSpin:      20000,
		incStep:      200,
		decStep:      100,
	}
}

// wait spins on condition up to the current budget, then parks via sleep.
// Returns true if the condition was met, false if it parked without the
// condition turning true (the caller re-checks anyway).
func (w *waitStrategy) wait(condition func() bool, sleep func() error) (bool, error) {
	ready := false
	limit := int(atomic.LoadInt32(&w.currentLimit))

	for i := 0; i < limit; i++ {
		if condition() {
			ready = true
			break
		}
		// Yield every 64 iterations to reduce scheduler pressure.
		if i&0x3F == 0 {
			runtime.Gosched()
		}
	}

	if ready {
		if limit < int(w.maxSpin) {
			newLimit := limit + int(w.incStep)
			if newLimit > int(w.maxSpin) {
				newLimit = int(w.maxSpin)
			}
			atomic.StoreInt32(&w.currentLimit, int32(newLimit))
		}
		return true, nil
	}

	if limit > int(w.minSpin) {
		newLimit := limit - int(w.decStep)
		if newLimit < int(w.minSpin) {
			newLimit = int(w.minSpin)
		}
		atomic.StoreInt32(&w.currentLimit, int32(newLimit))
	}

	if err := sleep(); err != nil {
		return false, err
	}
	return condition(), nil
}
