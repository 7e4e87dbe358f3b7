package link

import (
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ble-throughput/netbuf"
)

// LoopbackConfig tunes an in-process link pair. The zero value gives a
// zero-latency CoC channel with default parameters that negotiates itself as
// soon as the pair is created.
type LoopbackConfig struct {
	Mode   Mode
	Params ChannelParams
	// QueueDepth bounds the per-end outbound queue; a full queue refuses
	// submits with ErrLinkBusy. Default 4.
	QueueDepth int
	// DataLen is the value carried by the data-length-updated event.
	// Default 251.
	DataLen int
	// Latency delays each SDU delivery; zero means deliver immediately.
	Latency time.Duration
	// ManualGate suppresses automatic negotiation; tests then drive
	// Negotiate per end.
	ManualGate bool
	// SubmitFailures makes the first n submits fail with ErrLinkBusy to
	// exercise the sender's restore-and-backoff path.
	SubmitFailures int32
}

// Loopback is one end of an in-process link pair. SDUs submitted on one end
// are segmented at the negotiated maximum segment size and delivered to the
// other end's segment handler from a dedicated delivery goroutine, emulating
// the transport's I/O context.
type Loopback struct {
	name   string
	cfg    LoopbackConfig
	params ChannelParams
	peer   *Loopback

	events       chan Event
	queue        chan *netbuf.Buf
	done         chan struct{}
	deliveryDone chan struct{}

	mu     sync.RWMutex
	closed bool
	segH   SegmentHandler
	compH  CompletionHandler

	failLeft  int32
	closeOnce sync.Once
}

var _ Link = (*Loopback)(nil)

// NewLoopbackPair creates both ends of an in-process channel and starts their
// delivery goroutines. Unless cfg.ManualGate is set, both ends emit the full
// negotiation sequence immediately.
func NewLoopbackPair(cfg LoopbackConfig) (*Loopback, *Loopback) {
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = 4
	}
	if cfg.DataLen <= 0 {
		cfg.DataLen = DEFAULT_DATA_LEN
	}
	if cfg.Mode == ModeNotify && cfg.Params.InitialCredits <= 0 {
		cfg.Params.InitialCredits = NOTIFY_CREDITS
	}
	cfg.Params = DefaultParams(cfg.Params)

	a := newLoopbackEnd("a", cfg)
	b := newLoopbackEnd("b", cfg)
	a.peer, b.peer = b, a
	go a.deliver()
	go b.deliver()
	if !cfg.ManualGate {
		a.Negotiate()
		b.Negotiate()
	}
	return a, b
}

func newLoopbackEnd(name string, cfg LoopbackConfig) *Loopback {
	return &Loopback{
		name:         name,
		cfg:          cfg,
		params:       cfg.Params,
		events:       make(chan Event, 64),
		queue:        make(chan *netbuf.Buf, cfg.QueueDepth),
		done:         make(chan struct{}),
		deliveryDone: make(chan struct{}),
		failLeft:     cfg.SubmitFailures,
	}
}

// Inject emits an arbitrary event on this end. Useful for driving partial
// negotiation sequences and fault experiments.
func (l *Loopback) Inject(ev Event) {
	l.emit(ev)
}

// Negotiate emits this end's channel setup sequence in the order a live stack
// raises it: connected, PHY updated, data length updated, then channel open or
// subscription depending on the mode.
func (l *Loopback) Negotiate() {
	l.emit(Event{Type: EventConnected, Params: l.params})
	l.emit(Event{Type: EventPhyUpdated})
	l.emit(Event{Type: EventDataLengthUpdated, DataLen: l.cfg.DataLen})
	if l.cfg.Mode == ModeNotify {
		l.emit(Event{Type: EventSubscribed})
	} else {
		l.emit(Event{Type: EventChannelOpened})
	}
}

func (l *Loopback) Events() <-chan Event {
	return l.events
}

func (l *Loopback) SetSegmentHandler(h SegmentHandler) {
	l.mu.Lock()
	l.segH = h
	l.mu.Unlock()
}

func (l *Loopback) SetCompletionHandler(h CompletionHandler) {
	l.mu.Lock()
	l.compH = h
	l.mu.Unlock()
}

func (l *Loopback) Params() ChannelParams {
	return l.params
}

// Submit queues one SDU for delivery to the peer. A full queue or an injected
// fault refuses with ErrLinkBusy; the buffer then stays with the caller.
func (l *Loopback) Submit(b *netbuf.Buf) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	if atomic.LoadInt32(&l.failLeft) > 0 && atomic.AddInt32(&l.failLeft, -1) >= 0 {
		return ErrLinkBusy
	}
	select {
	case l.queue <- b:
		return nil
	default:
		return ErrLinkBusy
	}
}

// GiveCredits grants n credits to the peer end.
func (l *Loopback) GiveCredits(n int) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if n > 0 {
		l.peer.emit(Event{Type: EventCreditsGranted, Credits: n})
	}
	return nil
}

// Close shuts down this end, flushes pending completions and delivers a
// disconnect to both ends. It returns only after the delivery goroutine has
// quiesced, so no handler runs once Close is done.
func (l *Loopback) Close() error {
	l.closeOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.mu.Unlock()
		// The terminal event for a listener that did not initiate the
		// close; the initiator has usually stopped consuming already.
		select {
		case l.events <- Event{Type: EventDisconnected}:
		default:
		}
		l.peer.emit(Event{Type: EventDisconnected})
		close(l.done)
		log.Debugf("[Loopback %s] closed", l.name)
	})
	<-l.deliveryDone
	return nil
}

// deliver runs the transport I/O context of this end: it segments queued SDUs
// at the maximum segment size, hands them to the peer's segment handler and
// completes the buffer. It never waits on the sender.
func (l *Loopback) deliver() {
	defer close(l.deliveryDone)
	for {
		select {
		case b := <-l.queue:
			l.deliverOne(b)
		case <-l.done:
			l.flush()
			return
		}
	}
}

// flush completes whatever was still queued at close time so no buffer leaks
// across a disconnect.
func (l *Loopback) flush() {
	for {
		select {
		case b := <-l.queue:
			l.complete(b)
		default:
			return
		}
	}
}

func (l *Loopback) deliverOne(b *netbuf.Buf) {
	if l.cfg.Latency > 0 {
		time.Sleep(l.cfg.Latency)
	}
	sdu := b.Bytes()
	if len(sdu) > 0 {
		if l.cfg.Mode == ModeNotify {
			l.peer.segment(sdu, true)
		} else {
			mps := l.params.MaxSegment
			for off := 0; off < len(sdu); off += mps {
				end := off + mps
				if end > len(sdu) {
					end = len(sdu)
				}
				l.peer.segment(sdu[off:end], end == len(sdu))
			}
		}
	}
	l.complete(b)
}

func (l *Loopback) segment(seg []byte, final bool) {
	l.mu.RLock()
	h := l.segH
	closed := l.closed
	l.mu.RUnlock()
	// A closed end drops late inbound segments; completions keep flowing so
	// no buffer leaks.
	if h != nil && !closed {
		h(seg, final)
	}
}

func (l *Loopback) complete(b *netbuf.Buf) {
	l.mu.RLock()
	h := l.compH
	l.mu.RUnlock()
	if h != nil {
		h(b)
	}
}

func (l *Loopback) emit(ev Event) {
	select {
	case l.events <- ev:
	case <-l.done:
	}
}
