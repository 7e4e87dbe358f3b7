package flowctrl

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestTryConsume(t *testing.T) {
	w := NewCreditWindow(2)
	if !w.TryConsume() || !w.TryConsume() {
		t.Fatal("consume of available credits failed")
	}
	if w.TryConsume() {
		t.Error("consume succeeded on empty window")
	}
	if w.Available() != 0 {
		t.Errorf("available = %d, want 0", w.Available())
	}
}

func TestReplenish(t *testing.T) {
	w := NewCreditWindow(0)
	w.Replenish(10)
	if w.Available() != 10 {
		t.Errorf("available = %d, want 10", w.Available())
	}
	w.Replenish(0)
	w.Replenish(-3)
	if w.Available() != 10 {
		t.Errorf("available = %d after no-op grants, want 10", w.Available())
	}
}

// The count must never go negative, no matter how consumers and granters
// interleave.
func TestNonNegativity(t *testing.T) {
	w := NewCreditWindow(5)
	var consumed, granted int64
	var wg sync.WaitGroup

	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 2000; j++ {
				if w.TryConsume() {
					atomic.AddInt64(&consumed, 1)
				}
				if a := w.Available(); a < 0 {
					t.Errorf("available = %d, negative", a)
					return
				}
			}
		}()
	}
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 1000; j++ {
				w.Replenish(3)
				atomic.AddInt64(&granted, 3)
			}
		}()
	}
	wg.Wait()

	want := 5 + granted - consumed
	if int64(w.Available()) != want {
		t.Errorf("available = %d, want %d (granted %d, consumed %d)",
			w.Available(), want, granted, consumed)
	}
}

func TestWaitConsumeWake(t *testing.T) {
	w := NewCreditWindow(0)
	stop := make(chan struct{})
	got := make(chan bool, 1)
	go func() {
		got <- w.WaitConsume(stop)
	}()

	time.Sleep(20 * time.Millisecond)
	w.Replenish(1)
	select {
	case ok := <-got:
		if !ok {
			t.Fatal("WaitConsume returned false after a grant")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitConsume did not wake on replenish")
	}
	if w.Available() != 0 {
		t.Errorf("available = %d after consumed grant, want 0", w.Available())
	}
}

func TestWaitConsumeStop(t *testing.T) {
	w := NewCreditWindow(0)
	stop := make(chan struct{})
	got := make(chan bool, 1)
	go func() {
		got <- w.WaitConsume(stop)
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)
	select {
	case ok := <-got:
		if ok {
			t.Fatal("WaitConsume returned true on stop")
		}
	case <-time.After(time.Second):
		t.Fatal("WaitConsume did not wake on stop")
	}
}

// Reset wakes a blocked waiter, which then observes the closed stop channel
// rather than hanging on the zeroed window.
func TestResetWakesWaiter(t *testing.T) {
	w := NewCreditWindow(0)
	stop := make(chan struct{})
	got := make(chan bool, 1)
	go func() {
		got <- w.WaitConsume(stop)
	}()

	time.Sleep(10 * time.Millisecond)
	close(stop)
	w.Reset()
	select {
	case ok := <-got:
		if ok {
			t.Fatal("WaitConsume consumed from a reset window")
		}
	case <-time.After(time.Second):
		t.Fatal("waiter still blocked after reset")
	}
	if w.Available() != 0 {
		t.Errorf("available = %d after reset, want 0", w.Available())
	}
}
