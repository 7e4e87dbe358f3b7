// Package stream implements a credit-flow-controlled streaming layer over a
// BLE-style logical channel.
//
// High-level dataflow:
//
// Endpoint program (examples/peripheral, examples/central)
// |-> Builds a link (loopback, QUIC emulation, GATT) and a Session around it
//     |-> The Session owns the buffer pool, the credit window, the gate
//         state, the byte counters and the receive strategy for exactly one
//         connect-to-disconnect cycle
// |-> Session.Start launches three tasks
//     |-> The event task consumes the link's notifications: channel
//         parameters seed the credit window, negotiation events move the
//         gate, peer grants replenish credits, disconnect tears down
//     |-> The sender task streams: one credit + one pooled buffer per SDU,
//         submitted to the link; refusals restore the credit and back off
//         |-> The link's delivery context segments SDUs to the peer and
//             completes buffers back into the pool
//     |-> The stats task samples the byte counters once per interval and
//         logs instantaneous and average throughput
// |-> On disconnect every blocked wait is woken, all counters and flags
//     reset, and the session signals Done
package stream

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ble-throughput/flowctrl"
	"github.com/netsys-lab/ble-throughput/link"
	"github.com/netsys-lab/ble-throughput/netbuf"
)

// Session binds one link to the streaming core for a single connection
// cycle. Create it with NewSession, run it with Start, and wait on Done or
// call Disconnect. A new cycle needs a new Session and a new link.
type Session struct {
	Link    link.Link
	Pool    *netbuf.Pool
	Window  *flowctrl.CreditWindow
	Metrics *StreamMetrics
	Sink    SegmentSink

	// OnStateChange emits sender state transitions; lagging consumers miss
	// intermediate states rather than blocking the sender.
	OnStateChange chan SenderState

	cfg         Config
	gate        GateState
	state       int32
	ready       int32
	connected   int32
	sduLen      int32
	seq         uint64
	submitFails int

	stop       chan struct{}
	done       chan struct{}
	eventDone  chan struct{}
	senderDone chan struct{}
	statsDone  chan struct{}

	stopOnce sync.Once
	closeErr error
}

// NewSession wires a session around a connected link. The receive strategy,
// pool and counters are ready afterwards; Start launches the tasks.
func NewSession(cfg Config, lnk link.Link) *Session {
	cfg = cfg.withDefaults()
	s := &Session{
		Link:          lnk,
		Pool:          netbuf.NewPool(cfg.PoolSize, cfg.MaxSDU, cfg.Headroom),
		Window:        flowctrl.NewCreditWindow(0),
		Metrics:       NewStreamMetrics(cfg.StatsInterval),
		OnStateChange: make(chan SenderState, 8),
		cfg:           cfg,
		sduLen:        int32(cfg.MaxSDU),
		stop:          make(chan struct{}),
		done:          make(chan struct{}),
		eventDone:     make(chan struct{}),
		senderDone:    make(chan struct{}),
		statsDone:     make(chan struct{}),
	}
	if cfg.Reassemble {
		s.Sink = NewReassembler(cfg.MaxSDU, s.Metrics, lnk.GiveCredits, cfg.Deliver)
	} else {
		s.Sink = NewSegmentCounter(cfg.CreditBatch, s.Metrics, lnk.GiveCredits)
	}
	lnk.SetSegmentHandler(s.Sink.OnSegment)
	lnk.SetCompletionHandler(func(b *netbuf.Buf) {
		s.Pool.Release(b)
	})
	return s
}

// Start launches the event, sender and stats tasks. Call once.
func (s *Session) Start() {
	log.Debugf("[Session] starting, mode %s, strategy %s", s.cfg.Mode, s.strategy())
	go s.eventLoop()
	go s.senderLoop()
	go s.statsLoop()
	go s.finalize()
}

func (s *Session) strategy() string {
	if s.cfg.Reassemble {
		return "reassemble"
	}
	return "direct"
}

// Disconnect tears the session down: wakes every blocked wait, closes the
// link and blocks until all tasks have stopped and the state is reset.
func (s *Session) Disconnect() error {
	s.shutdown()
	<-s.done
	return s.closeErr
}

// Done closes once the session has fully stopped and reset.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// State returns the sender task's current state.
func (s *Session) State() SenderState {
	return SenderState(atomic.LoadInt32(&s.state))
}

// Params exposes the link's negotiated channel parameters, including the PSM
// discovery value.
func (s *Session) Params() link.ChannelParams {
	return s.Link.Params()
}

func (s *Session) shutdown() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.closeErr = s.Link.Close()
	})
}

// eventLoop consumes the link's notifications until disconnect or stop.
func (s *Session) eventLoop() {
	defer close(s.eventDone)
	for {
		select {
		case <-s.stop:
			return
		case ev, ok := <-s.Link.Events():
			if !ok {
				s.shutdown()
				return
			}
			if !s.handleEvent(ev) {
				return
			}
		}
	}
}

// handleEvent applies one transport notification; false stops the loop.
func (s *Session) handleEvent(ev link.Event) bool {
	log.Debugf("[Session] event: %s", ev.Type)
	switch ev.Type {
	case link.EventConnected:
		p := ev.Params
		if p.MaxSDU > 0 && p.MaxSDU < s.cfg.MaxSDU {
			atomic.StoreInt32(&s.sduLen, int32(p.MaxSDU))
		}
		atomic.StoreInt32(&s.connected, 1)
		s.Metrics.MarkStart()
		if p.InitialCredits > 0 {
			s.Window.Replenish(p.InitialCredits)
		}
		log.Infof("[Session] connected: PSM 0x%04X, SDU %d, MPS %d, credits %d",
			p.PSM, p.MaxSDU, p.MaxSegment, p.InitialCredits)
	case link.EventCreditsGranted:
		s.Window.Replenish(ev.Credits)
		log.Tracef("[Session] peer granted %d credits, %d available",
			ev.Credits, s.Window.Available())
	case link.EventDisconnected:
		log.Infof("[Session] disconnected")
		// Wake the sender immediately; finalize does the full reset.
		atomic.StoreInt32(&s.connected, 0)
		atomic.StoreInt32(&s.ready, 0)
		s.Window.Reset()
		s.shutdown()
		return false
	}
	s.gate = s.gate.Apply(ev, s.cfg.MinDataLen)
	ready := s.gate.Ready(s.cfg.Mode)
	if ready && atomic.LoadInt32(&s.ready) == 0 {
		log.Infof("[Session] gate open (%s)", s.gate)
	}
	storeBool(&s.ready, ready)
	return true
}

// statsLoop samples the counters once per interval while connected, the
// lowest-priority task of the three.
func (s *Session) statsLoop() {
	defer close(s.statsDone)
	ticker := time.NewTicker(s.cfg.StatsInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if atomic.LoadInt32(&s.connected) == 0 {
				continue
			}
			s.Metrics.Tick()
			log.Infof("[Stats] TX %d kbit/s, RX %d kbit/s (avg TX %d, RX %d)",
				Kbps(s.Metrics.LastSendBandwidth()),
				Kbps(s.Metrics.LastRecvBandwidth()),
				Kbps(s.Metrics.OverallSendBandwidth()),
				Kbps(s.Metrics.OverallRecvBandwidth()))
		}
	}
}

// finalize waits for all tasks, settles pending credit grants and resets the
// session to its initial-connection values.
func (s *Session) finalize() {
	<-s.eventDone
	<-s.senderDone
	<-s.statsDone
	s.Sink.Flush()
	s.Window.Reset()
	s.gate = GateState{}
	atomic.StoreInt32(&s.connected, 0)
	atomic.StoreInt32(&s.ready, 0)
	s.Metrics.Reset()
	log.Debugf("[Session] stopped, state reset")
	close(s.done)
}

func storeBool(p *int32, v bool) {
	if v {
		atomic.StoreInt32(p, 1)
	} else {
		atomic.StoreInt32(p, 0)
	}
}
