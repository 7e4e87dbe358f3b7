package stream

import (
	log "github.com/sirupsen/logrus"
)

// GrantFunc sends a credit replenishment to the peer, usually a link's
// GiveCredits.
type GrantFunc func(n int) error

// SegmentSink consumes inbound segments. Implementations are driven from the
// link's single delivery context and need no internal locking. Flush runs at
// teardown and settles whatever replenishment is still pending.
//
// Two strategies exist: the Reassembler, which rebuilds complete SDUs and
// pays one credit round trip per SDU, and the SegmentCounter, which accounts
// segments directly and replenishes in batches. Direct accounting removes the
// reassembly bottleneck and is the default for throughput runs; reassembly
// stays available for comparison and for consumers that need whole SDUs.
type SegmentSink interface {
	OnSegment(seg []byte, final bool)
	Flush()
}

// Reassembler accumulates segments into one SDU, delivers it on the final
// segment and grants one credit per completed SDU.
type Reassembler struct {
	maxSDU  int
	sdu     []byte
	discard bool

	metrics *StreamMetrics
	grant   GrantFunc
	deliver DeliverFunc
}

var _ SegmentSink = (*Reassembler)(nil)

func NewReassembler(maxSDU int, m *StreamMetrics, grant GrantFunc, deliver DeliverFunc) *Reassembler {
	return &Reassembler{
		maxSDU:  maxSDU,
		sdu:     make([]byte, 0, maxSDU),
		metrics: m,
		grant:   grant,
		deliver: deliver,
	}
}

// OnSegment appends one segment. Zero-length segments are ignored entirely; a
// final segment shorter than the maximum segment size is normal. An SDU
// growing beyond maxSDU is dropped, with its remaining segments swallowed
// until the final marker resynchronizes the accumulator.
func (r *Reassembler) OnSegment(seg []byte, final bool) {
	if len(seg) == 0 {
		return
	}
	r.metrics.AddSegment()
	r.metrics.AddRecv(int64(len(seg)))

	if r.discard {
		if final {
			r.discard = false
		}
		return
	}
	if len(r.sdu)+len(seg) > r.maxSDU {
		log.Warnf("[Reassembler] SDU exceeds %d bytes, dropping", r.maxSDU)
		r.sdu = r.sdu[:0]
		r.discard = !final
		return
	}
	r.sdu = append(r.sdu, seg...)
	if !final {
		return
	}
	r.metrics.AddSDU()
	if r.deliver != nil {
		r.deliver(r.sdu)
	}
	r.sdu = r.sdu[:0]
	if r.grant != nil {
		if err := r.grant(1); err != nil {
			log.Debugf("[Reassembler] credit grant failed: %v", err)
		}
	}
}

// Flush drops a partially accumulated SDU at teardown.
func (r *Reassembler) Flush() {
	r.sdu = r.sdu[:0]
	r.discard = false
}

// SegmentCounter accounts each segment as it arrives and replenishes the
// peer every batch segments, without waiting for SDU completion.
type SegmentCounter struct {
	batch   int
	pending int

	metrics *StreamMetrics
	grant   GrantFunc
}

var _ SegmentSink = (*SegmentCounter)(nil)

func NewSegmentCounter(batch int, m *StreamMetrics, grant GrantFunc) *SegmentCounter {
	if batch <= 0 {
		batch = DEFAULT_CREDIT_BATCH
	}
	return &SegmentCounter{
		batch:   batch,
		metrics: m,
		grant:   grant,
	}
}

func (s *SegmentCounter) OnSegment(seg []byte, final bool) {
	if len(seg) == 0 {
		return
	}
	s.metrics.AddSegment()
	s.metrics.AddRecv(int64(len(seg)))
	s.pending++
	if s.pending < s.batch {
		return
	}
	s.pending = 0
	if s.grant != nil {
		if err := s.grant(s.batch); err != nil {
			log.Debugf("[SegmentCounter] credit grant failed: %v", err)
		}
	}
}

// Flush grants the final partial batch so the peer gets every earned credit
// back at teardown.
func (s *SegmentCounter) Flush() {
	if s.pending == 0 || s.grant == nil {
		return
	}
	n := s.pending
	s.pending = 0
	if err := s.grant(n); err != nil {
		log.Debugf("[SegmentCounter] flush grant failed: %v", err)
	}
}
