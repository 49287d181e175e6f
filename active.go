package bus1

import (
	"math"
	"sync/atomic"
)

// active is an activation counter gating access to a peer's runtime state.
//
// The counter moves through four stages: new (never activated), active
// (counting in-flight acquisitions), draining (deactivated, waiting for
// acquisitions to finish) and released (drained, cleanup may run exactly
// once). Acquire fails as soon as deactivation started, so a disconnector
// only has to wait for the operations that got in before it.
const (
	activeBias     = int64(math.MinInt64 / 2)
	activeNew      = activeBias - 1
	activeReleased = activeBias - 2
	activeCleaning = activeBias - 3
	activeDone     = activeBias - 4
)

type active struct {
	count atomic.Int64
}

func (a *active) init() {
	a.count.Store(activeNew)
}

func (a *active) isNew() bool {
	return a.count.Load() == activeNew
}

func (a *active) isDeactivated() bool {
	c := a.count.Load()
	return c < 0 && c != activeNew
}

// activate flips a new counter into the active state. Only the first caller
// succeeds; a deactivated counter can never be activated again.
func (a *active) activate() bool {
	return a.count.CompareAndSwap(activeNew, 0)
}

// acquire takes an active reference. Fails once deactivation started.
func (a *active) acquire() bool {
	for {
		c := a.count.Load()
		if c < 0 {
			return false
		}
		if a.count.CompareAndSwap(c, c+1) {
			return true
		}
	}
}

// release drops an active reference and wakes drainers when the last one is
// gone.
func (a *active) release(w *waiter) {
	for {
		c := a.count.Load()
		var next int64
		switch {
		case c > 0:
			next = c - 1
		case c > activeBias && c < 0:
			// Draining: references released after deactivation walk
			// the counter back down towards the bias.
			next = c - 1
		default:
			logWarn("active release without reference", "count", c)
			return
		}
		if a.count.CompareAndSwap(c, next) {
			if next == 0 || next == activeBias {
				w.wake()
			}
			return
		}
	}
}

// deactivate marks the counter as shutting down. In-flight acquisitions keep
// their references; no new ones are handed out. Idempotent.
func (a *active) deactivate() {
	for {
		c := a.count.Load()
		switch {
		case c == activeNew:
			// Never activated; there is nothing to drain.
			if a.count.CompareAndSwap(c, activeReleased) {
				return
			}
		case c >= 0:
			if a.count.CompareAndSwap(c, c+activeBias) {
				return
			}
		default:
			return
		}
	}
}

// drain blocks until every reference acquired before deactivation has been
// released. Requires deactivate to have been called.
func (a *active) drain(w *waiter) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for {
		c := a.count.Load()
		if c == activeBias {
			a.count.CompareAndSwap(activeBias, activeReleased)
			continue
		}
		if c == activeReleased || c == activeCleaning || c == activeDone {
			return
		}
		if c >= 0 || c == activeNew {
			logWarn("active drain before deactivation", "count", c)
			return
		}
		w.cond.Wait()
	}
}

// cleanup runs fn exactly once after the counter drained. Returns true for
// the caller that ran it; every later caller blocks until the teardown
// finished, then gets false.
func (a *active) cleanup(w *waiter, fn func()) bool {
	if a.count.CompareAndSwap(activeReleased, activeCleaning) {
		fn()
		a.count.Store(activeDone)
		w.mu.Lock()
		w.cond.Broadcast()
		w.mu.Unlock()
		return true
	}

	w.mu.Lock()
	for a.count.Load() == activeCleaning {
		w.cond.Wait()
	}
	w.mu.Unlock()
	return false
}
