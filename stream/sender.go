package stream

import (
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ble-throughput/link"
)

// SenderState is the observable state of the streaming task.
type SenderState int32

const (
	// SenderIdle: no active connection, coarse polling.
	SenderIdle SenderState = iota
	// SenderWaitingForGate: connected, but negotiation flags missing.
	SenderWaitingForGate
	// SenderStreaming: credits and buffers flowing.
	SenderStreaming
	// SenderBlocked: parked on credit or buffer backpressure.
	SenderBlocked
)

func (s SenderState) String() string {
	switch s {
	case SenderIdle:
		return "idle"
	case SenderWaitingForGate:
		return "waiting-for-gate"
	case SenderStreaming:
		return "streaming"
	case SenderBlocked:
		return "blocked"
	}
	return "unknown"
}

// senderLoop is the streaming task: the dedicated goroutine that produces
// SDUs whenever the gate is open and credits and buffers are available. With
// no payload source the session is receive-only and the task just parks.
func (s *Session) senderLoop() {
	defer close(s.senderDone)
	defer s.setState(SenderIdle)

	if s.cfg.Payload == nil {
		<-s.stop
		return
	}
	for {
		select {
		case <-s.stop:
			return
		default:
		}
		switch {
		case atomic.LoadInt32(&s.connected) == 0:
			s.setState(SenderIdle)
			if !s.sleep(s.cfg.IdlePollInterval) {
				return
			}
		case atomic.LoadInt32(&s.ready) == 0:
			s.setState(SenderWaitingForGate)
			if !s.sleep(s.cfg.IdlePollInterval) {
				return
			}
		default:
			s.setState(SenderStreaming)
			if !s.streamCycle() {
				return
			}
		}
	}
}

// streamCycle moves one SDU: consume a credit, acquire a buffer, fill it,
// submit it. Every failure path restores the credit and releases the buffer;
// nothing leaks. Returns false only when the session is stopping.
func (s *Session) streamCycle() bool {
	if !s.Window.TryConsume() {
		s.setState(SenderBlocked)
		log.Tracef("[Sender] out of credits, waiting for grant")
		if !s.Window.WaitConsume(s.stop) {
			return false
		}
		s.setState(SenderStreaming)
	}

	buf, err := s.Pool.Acquire(s.cfg.BufAcquireTimeout)
	if err != nil {
		// Pool exhausted: expected backpressure. Hand the credit back
		// and retry the cycle.
		s.Window.Replenish(1)
		s.setState(SenderBlocked)
		log.Tracef("[Sender] no buffer within %v", s.cfg.BufAcquireTimeout)
		return true
	}

	max := int(atomic.LoadInt32(&s.sduLen))
	p := buf.Payload()
	if max > 0 && max < len(p) {
		p = p[:max]
	}
	n := s.cfg.Payload(s.seq, p)
	if n <= 0 {
		s.Pool.Release(buf)
		s.Window.Replenish(1)
		return s.sleep(s.cfg.IdlePollInterval)
	}
	buf.SetLen(n)

	if err := s.Link.Submit(buf); err != nil {
		s.Pool.Release(buf)
		s.Window.Replenish(1)
		return s.submitFailed(err)
	}
	s.submitFails = 0
	s.Metrics.AddSent(int64(n))
	s.seq++
	return true
}

// submitFailed handles a refused submit: short backoff and retry, falling
// back to the gate wait after too many consecutive refusals.
func (s *Session) submitFailed(err error) bool {
	if err != link.ErrLinkBusy {
		log.Debugf("[Sender] submit failed: %v", err)
		return s.sleep(s.cfg.SubmitBackoff)
	}
	s.submitFails++
	if s.submitFails >= s.cfg.SubmitFailLimit {
		log.Debugf("[Sender] %d refused submits, falling back to gate wait", s.submitFails)
		s.submitFails = 0
		s.setState(SenderWaitingForGate)
		return s.sleep(s.cfg.IdlePollInterval)
	}
	log.Tracef("[Sender] link busy, backing off %v", s.cfg.SubmitBackoff)
	return s.sleep(s.cfg.SubmitBackoff)
}

func (s *Session) setState(st SenderState) {
	old := SenderState(atomic.SwapInt32(&s.state, int32(st)))
	if old == st {
		return
	}
	log.Tracef("[Sender] %s -> %s", old, st)
	select {
	case s.OnStateChange <- st:
	default:
	}
}

// sleep waits d or until the session stops; false means stop.
func (s *Session) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-s.stop:
		return false
	}
}
