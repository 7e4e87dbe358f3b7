// Package netbuf provides a fixed-count pool of fixed-capacity buffers for
// building outbound SDUs. Buffers carry reserved headroom so a link
// implementation can prepend its framing without copying the payload.
package netbuf

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
)

// ErrAcquireTimeout is returned by Pool.Acquire when no buffer was released
// within the given timeout. Callers must treat this as backpressure, not as a
// fatal condition.
var ErrAcquireTimeout = errors.New("netbuf: acquire timed out")

// Buf is an owned, mutable byte region. Exactly one stage owns a Buf at any
// time: pool, sender, or link. The payload region sits behind the reserved
// headroom.
type Buf struct {
	data     []byte
	headroom int
	length   int
	pool     *Pool
	pooled   int32
}

// Cap returns the payload capacity, excluding headroom.
func (b *Buf) Cap() int {
	return len(b.data) - b.headroom
}

// Len returns the current payload length.
func (b *Buf) Len() int {
	return b.length
}

// SetLen declares how much of the payload region is in use.
func (b *Buf) SetLen(n int) {
	if n < 0 || n > b.Cap() {
		panic("netbuf: SetLen out of range")
	}
	b.length = n
}

// Payload returns the full writable payload region. Call SetLen afterwards to
// declare how much of it was filled.
func (b *Buf) Payload() []byte {
	return b.data[b.headroom:]
}

// Bytes returns the filled part of the payload region.
func (b *Buf) Bytes() []byte {
	return b.data[b.headroom : b.headroom+b.length]
}

// Push prepends hdr into the headroom and returns the combined header+payload
// slice. The payload is not copied. Panics if hdr exceeds the reserved
// headroom.
func (b *Buf) Push(hdr []byte) []byte {
	if len(hdr) > b.headroom {
		panic("netbuf: header exceeds headroom")
	}
	off := b.headroom - len(hdr)
	copy(b.data[off:], hdr)
	return b.data[off : b.headroom+b.length]
}

func (b *Buf) reset() {
	b.length = 0
}

// Pool hands out a fixed number of buffers. Acquire blocks with a bounded
// timeout when the pool is exhausted; Release returns a buffer from any
// goroutine, typically the link's completion context.
type Pool struct {
	bufs     chan *Buf
	count    int
	size     int
	headroom int
}

// NewPool creates a pool of count buffers, each with the given payload size
// and reserved headroom.
func NewPool(count, size, headroom int) *Pool {
	if count <= 0 || size <= 0 || headroom < 0 {
		panic("netbuf: invalid pool dimensions")
	}
	p := &Pool{
		bufs:     make(chan *Buf, count),
		count:    count,
		size:     size,
		headroom: headroom,
	}
	for i := 0; i < count; i++ {
		p.bufs <- &Buf{
			data:     make([]byte, headroom+size),
			headroom: headroom,
			pool:     p,
			pooled:   1,
		}
	}
	return p
}

// Acquire takes a buffer out of the pool, waiting up to timeout for one to be
// released when the pool is empty. A timeout <= 0 makes the call non-blocking.
func (p *Pool) Acquire(timeout time.Duration) (*Buf, error) {
	if timeout <= 0 {
		select {
		case b := <-p.bufs:
			atomic.StoreInt32(&b.pooled, 0)
			return b, nil
		default:
			return nil, ErrAcquireTimeout
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case b := <-p.bufs:
		atomic.StoreInt32(&b.pooled, 0)
		return b, nil
	case <-t.C:
		return nil, ErrAcquireTimeout
	}
}

// Release returns a buffer to the pool. Must be called exactly once per
// acquired buffer; releasing a buffer twice or releasing a foreign buffer is
// an invariant violation and panics.
func (p *Pool) Release(b *Buf) {
	if b == nil || b.pool != p {
		panic("netbuf: release of foreign buffer")
	}
	if !atomic.CompareAndSwapInt32(&b.pooled, 0, 1) {
		panic("netbuf: double release")
	}
	b.reset()
	p.bufs <- b
}

// Free reports how many buffers currently sit in the pool.
func (p *Pool) Free() int {
	return len(p.bufs)
}

// Count returns the fixed pool size.
func (p *Pool) Count() int {
	return p.count
}

// Size returns the payload capacity of each buffer.
func (p *Pool) Size() int {
	return p.size
}
