package netbuf

import (
	"sync"
	"testing"
	"time"
)

func TestAcquireRelease(t *testing.T) {
	p := NewPool(3, 100, 8)
	if p.Free() != 3 {
		t.Fatalf("fresh pool has %d free, want 3", p.Free())
	}
	b, err := p.Acquire(10 * time.Millisecond)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if b.Cap() != 100 {
		t.Errorf("cap = %d, want 100", b.Cap())
	}
	if p.Free() != 2 {
		t.Errorf("free = %d after acquire, want 2", p.Free())
	}
	copy(b.Payload(), []byte("hello"))
	b.SetLen(5)
	if string(b.Bytes()) != "hello" {
		t.Errorf("bytes = %q, want hello", b.Bytes())
	}
	p.Release(b)
	if p.Free() != 3 {
		t.Errorf("free = %d after release, want 3", p.Free())
	}
}

func TestExhaustionTimeout(t *testing.T) {
	p := NewPool(2, 64, 0)
	a, _ := p.Acquire(0)
	b, _ := p.Acquire(0)
	if a == nil || b == nil {
		t.Fatal("initial acquires failed")
	}
	start := time.Now()
	_, err := p.Acquire(30 * time.Millisecond)
	if err != ErrAcquireTimeout {
		t.Fatalf("err = %v, want ErrAcquireTimeout", err)
	}
	if time.Since(start) < 25*time.Millisecond {
		t.Error("acquire returned before the timeout elapsed")
	}

	// A release from another goroutine unblocks a waiting acquire.
	go func() {
		time.Sleep(20 * time.Millisecond)
		p.Release(a)
	}()
	c, err := p.Acquire(500 * time.Millisecond)
	if err != nil {
		t.Fatalf("acquire after async release: %v", err)
	}
	p.Release(b)
	p.Release(c)
}

func TestNonBlockingAcquire(t *testing.T) {
	p := NewPool(1, 16, 0)
	b, err := p.Acquire(0)
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if _, err := p.Acquire(0); err != ErrAcquireTimeout {
		t.Errorf("err = %v, want ErrAcquireTimeout", err)
	}
	p.Release(b)
}

func TestConservation(t *testing.T) {
	const n = 4
	p := NewPool(n, 32, 0)
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				b, err := p.Acquire(time.Second)
				if err != nil {
					continue
				}
				b.SetLen(1)
				p.Release(b)
			}
		}()
	}
	wg.Wait()
	if p.Free() != n {
		t.Errorf("free = %d after churn, want %d", p.Free(), n)
	}
}

func TestDoubleReleasePanics(t *testing.T) {
	p := NewPool(2, 16, 0)
	b, _ := p.Acquire(0)
	p.Release(b)
	defer func() {
		if recover() == nil {
			t.Error("double release did not panic")
		}
	}()
	p.Release(b)
}

func TestForeignReleasePanics(t *testing.T) {
	p := NewPool(1, 16, 0)
	q := NewPool(1, 16, 0)
	b, _ := p.Acquire(0)
	defer func() {
		if recover() == nil {
			t.Error("foreign release did not panic")
		}
		p.Release(b)
	}()
	q.Release(b)
}

func TestHeadroomPush(t *testing.T) {
	p := NewPool(1, 32, 4)
	b, _ := p.Acquire(0)
	copy(b.Payload(), []byte("payload"))
	b.SetLen(7)
	framed := b.Push([]byte{0x01, 0x00, 0x07})
	if len(framed) != 10 {
		t.Fatalf("framed len = %d, want 10", len(framed))
	}
	if framed[0] != 0x01 || string(framed[3:]) != "payload" {
		t.Errorf("framed = %v", framed)
	}
	p.Release(b)
	// Release resets the length.
	c, _ := p.Acquire(0)
	if c.Len() != 0 {
		t.Errorf("len after release = %d, want 0", c.Len())
	}
	p.Release(c)
}
