// Package flowctrl implements the credit accounting of a credit-based
// flow-controlled channel. A CreditWindow counts how many SDUs the local
// endpoint may still send before the peer replenishes the window.
package flowctrl

import (
	"sync/atomic"
)

// CreditWindow is an atomically updated credit count. The sender consumes one
// credit per SDU; inbound replenishment grants from the peer add credits back,
// concurrently with consumption. The count never goes below zero.
type CreditWindow struct {
	credits int32
	grants  chan struct{}
}

// NewCreditWindow creates a window holding initial credits. A sender-side
// window usually starts at zero and receives its first grant with the
// channel-open parameters.
func NewCreditWindow(initial int) *CreditWindow {
	return &CreditWindow{
		credits: int32(initial),
		grants:  make(chan struct{}, 1),
	}
}

// Available returns the current credit count.
func (w *CreditWindow) Available() int {
	return int(atomic.LoadInt32(&w.credits))
}

// TryConsume takes one credit. It returns false without side effect when the
// window is empty.
func (w *CreditWindow) TryConsume() bool {
	for {
		c := atomic.LoadInt32(&w.credits)
		if c <= 0 {
			return false
		}
		if atomic.CompareAndSwapInt32(&w.credits, c, c-1) {
			return true
		}
	}
}

// Replenish adds n credits and wakes a blocked consumer. Safe to call from
// the link's delivery context while the sender consumes.
func (w *CreditWindow) Replenish(n int) {
	if n <= 0 {
		return
	}
	atomic.AddInt32(&w.credits, int32(n))
	w.signal()
}

// Reset zeroes the window and wakes a blocked consumer so it can observe the
// teardown instead of hanging on the old count.
func (w *CreditWindow) Reset() {
	atomic.StoreInt32(&w.credits, 0)
	w.signal()
}

// WaitConsume blocks until a credit was consumed or stop is closed. It
// returns false only on stop. The wait is unbounded: the streaming task has
// nothing else to do while the window is empty.
func (w *CreditWindow) WaitConsume(stop <-chan struct{}) bool {
	for {
		if w.TryConsume() {
			return true
		}
		select {
		case <-w.grants:
		case <-stop:
			return false
		}
	}
}

// signal is non-blocking: the grants channel holds one pending wake, which is
// enough because the woken consumer re-checks the count in a loop.
func (w *CreditWindow) signal() {
	select {
	case w.grants <- struct{}{}:
	default:
	}
}
