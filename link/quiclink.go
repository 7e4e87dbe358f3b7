package link

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"net"
	"sync"
	"time"

	quic "github.com/quic-go/quic-go"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"github.com/netsys-lab/ble-throughput/netbuf"
)

// quicALPN identifies the channel emulation on the wire.
const quicALPN = "ble-throughput"

// DEFAULT_HANDSHAKE_TIMEOUT bounds the parameter exchange after the QUIC
// session is up.
const DEFAULT_HANDSHAKE_TIMEOUT = 5 * time.Second

// QUICConfig tunes one end of a QUIC-emulated channel. Zero-value fields fall
// back to the package defaults, a generated TLS config and a keep-alive QUIC
// config.
type QUICConfig struct {
	Mode   Mode
	Params ChannelParams
	TLS    *tls.Config
	QUIC   *quic.Config
}

func (c QUICConfig) withDefaults(listener bool) (QUICConfig, error) {
	if c.Mode == ModeNotify && c.Params.InitialCredits <= 0 {
		c.Params.InitialCredits = NOTIFY_CREDITS
	}
	c.Params = DefaultParams(c.Params)
	if c.TLS == nil {
		if listener {
			tlsConf, err := generateTLSConfig()
			if err != nil {
				return c, err
			}
			c.TLS = tlsConf
		} else {
			c.TLS = &tls.Config{InsecureSkipVerify: true, NextProtos: []string{quicALPN}}
		}
	}
	if c.QUIC == nil {
		c.QUIC = &quic.Config{KeepAlivePeriod: 15 * time.Second}
	}
	return c, nil
}

// QUICListener accepts channel peers on a UDP address. It plays the role the
// advertising side plays over the radio: it owns the PSM and waits for the
// peer to dial in.
type QUICListener struct {
	ln  *quic.Listener
	cfg QUICConfig
}

func ListenQUIC(addr string, cfg QUICConfig) (*QUICListener, error) {
	cfg, err := cfg.withDefaults(true)
	if err != nil {
		return nil, err
	}
	ln, err := quic.ListenAddr(addr, cfg.TLS, cfg.QUIC)
	if err != nil {
		return nil, errors.Wrapf(err, "listen on %s", addr)
	}
	return &QUICListener{ln: ln, cfg: cfg}, nil
}

func (l *QUICListener) Addr() net.Addr {
	return l.ln.Addr()
}

// Accept waits for a peer to dial in and completes the parameter exchange.
// The dialer speaks first; the listener's PSM identifies the channel and SDU
// and segment sizes settle on the smaller of the two offers.
func (l *QUICListener) Accept(ctx context.Context) (*QUICLink, error) {
	sess, err := l.ln.Accept(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "accept session")
	}
	stream, err := sess.AcceptStream(ctx)
	if err != nil {
		sess.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "accept stream")
	}
	stream.SetDeadline(time.Now().Add(DEFAULT_HANDSHAKE_TIMEOUT))
	remote, err := readHello(stream)
	if err == nil {
		err = sendHello(stream, l.cfg.Params)
	}
	if err != nil {
		sess.CloseWithError(0, "handshake failed")
		return nil, err
	}
	stream.SetDeadline(time.Time{})

	merged := mergeParams(l.cfg.Params, remote)
	merged.PSM = l.cfg.Params.PSM
	return newQUICLink(sess, stream, l.cfg, merged), nil
}

func (l *QUICListener) Close() error {
	return l.ln.Close()
}

// DialQUIC connects to a listening peer and completes the parameter exchange.
func DialQUIC(ctx context.Context, addr string, cfg QUICConfig) (*QUICLink, error) {
	cfg, err := cfg.withDefaults(false)
	if err != nil {
		return nil, err
	}
	sess, err := quic.DialAddr(ctx, addr, cfg.TLS, cfg.QUIC)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	stream, err := sess.OpenStreamSync(ctx)
	if err != nil {
		sess.CloseWithError(0, "no stream")
		return nil, errors.Wrap(err, "open stream")
	}
	stream.SetDeadline(time.Now().Add(DEFAULT_HANDSHAKE_TIMEOUT))
	err = sendHello(stream, cfg.Params)
	var remote ChannelParams
	if err == nil {
		remote, err = readHello(stream)
	}
	if err != nil {
		sess.CloseWithError(0, "handshake failed")
		return nil, err
	}
	stream.SetDeadline(time.Time{})

	return newQUICLink(sess, stream, cfg, mergeParams(cfg.Params, remote)), nil
}

func sendHello(stream quic.Stream, params ChannelParams) error {
	payload, err := encodeHello(params)
	if err != nil {
		return err
	}
	return writeFrame(stream, frameHello, payload)
}

func readHello(stream quic.Stream) (ChannelParams, error) {
	buf := make([]byte, maxFramePayload)
	ftype, payload, err := readFrame(stream, buf)
	if err != nil {
		return ChannelParams{}, errors.Wrap(err, "read hello")
	}
	if ftype != frameHello {
		return ChannelParams{}, errors.Errorf("expected hello, got frame %#x", ftype)
	}
	return decodeHello(payload)
}

// QUICLink carries the channel over a single QUIC stream so the streaming
// core can run between commodity hosts. SDUs are segmented at the negotiated
// maximum segment size just like on the radio; credit grants travel as their
// own frame type and jump the outbound queue.
type QUICLink struct {
	mode   Mode
	sess   quic.Connection
	stream quic.Stream
	params ChannelParams

	events  chan Event
	sendQ   chan *netbuf.Buf
	creditQ chan int

	ready      chan struct{}
	done       chan struct{}
	readerDone chan struct{}
	writerDone chan struct{}

	mu     sync.RWMutex
	closed bool
	segH   SegmentHandler
	compH  CompletionHandler

	readyOnce sync.Once
	closeOnce sync.Once
}

var _ Link = (*QUICLink)(nil)

func newQUICLink(sess quic.Connection, stream quic.Stream, cfg QUICConfig, params ChannelParams) *QUICLink {
	if cfg.Mode == ModeNotify && params.InitialCredits < NOTIFY_CREDITS {
		params.InitialCredits = NOTIFY_CREDITS
	}
	q := &QUICLink{
		mode:       cfg.Mode,
		sess:       sess,
		stream:     stream,
		params:     params,
		events:     make(chan Event, 64),
		sendQ:      make(chan *netbuf.Buf, 4),
		creditQ:    make(chan int, 32),
		ready:      make(chan struct{}),
		done:       make(chan struct{}),
		readerDone: make(chan struct{}),
		writerDone: make(chan struct{}),
	}
	go q.reader()
	go q.writer()
	q.emit(Event{Type: EventConnected, Params: params})
	q.emit(Event{Type: EventPhyUpdated})
	// The radio's link-layer payload is one segment plus the 4-byte SDU
	// framing.
	q.emit(Event{Type: EventDataLengthUpdated, DataLen: params.MaxSegment + 4})
	if cfg.Mode == ModeNotify {
		q.emit(Event{Type: EventSubscribed})
	} else {
		q.emit(Event{Type: EventChannelOpened})
	}
	log.Debugf("[QUICLink] channel up: %s <-> %s", sess.LocalAddr(), sess.RemoteAddr())
	return q
}

func (q *QUICLink) Events() <-chan Event {
	return q.events
}

func (q *QUICLink) SetSegmentHandler(h SegmentHandler) {
	q.mu.Lock()
	q.segH = h
	q.mu.Unlock()
	q.readyOnce.Do(func() { close(q.ready) })
}

func (q *QUICLink) SetCompletionHandler(h CompletionHandler) {
	q.mu.Lock()
	q.compH = h
	q.mu.Unlock()
}

func (q *QUICLink) Params() ChannelParams {
	return q.params
}

// Submit queues one SDU for transmission. A full outbound queue refuses with
// ErrLinkBusy and the buffer stays with the caller.
func (q *QUICLink) Submit(b *netbuf.Buf) error {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return ErrClosed
	}
	select {
	case q.sendQ <- b:
		return nil
	default:
		return ErrLinkBusy
	}
}

// GiveCredits queues a credit grant for the peer.
func (q *QUICLink) GiveCredits(n int) error {
	if n <= 0 {
		return nil
	}
	q.mu.RLock()
	closed := q.closed
	q.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	select {
	case q.creditQ <- n:
		return nil
	case <-q.done:
		return ErrClosed
	}
}

// Close tears the channel down and returns after the read and write contexts
// have quiesced: no handler runs once Close returns and every accepted submit
// has been completed.
func (q *QUICLink) Close() error {
	q.teardown(nil)
	<-q.readerDone
	<-q.writerDone
	return nil
}

// teardown moves the link to its terminal state exactly once: refuse new
// work, surface the disconnect event, cancel the QUIC session so both loops
// unblock.
func (q *QUICLink) teardown(cause error) {
	q.closeOnce.Do(func() {
		q.mu.Lock()
		q.closed = true
		q.mu.Unlock()
		if cause != nil {
			log.Debugf("[QUICLink] channel down: %v", cause)
		}
		select {
		case q.events <- Event{Type: EventDisconnected}:
		default:
		}
		q.sess.CloseWithError(0, "channel closed")
		close(q.done)
	})
}

// reader is the inbound delivery context. It starts dispatching only once a
// segment handler is attached; QUIC's flow control buffers whatever arrives
// earlier.
func (q *QUICLink) reader() {
	defer close(q.readerDone)
	select {
	case <-q.ready:
	case <-q.done:
		return
	}
	buf := make([]byte, maxFramePayload)
	for {
		ftype, payload, err := readFrame(q.stream, buf)
		if err != nil {
			q.teardown(err)
			return
		}
		switch ftype {
		case frameData:
			q.dispatch(payload, false)
		case frameDataEnd:
			q.dispatch(payload, true)
		case frameCredits:
			n, err := decodeCredits(payload)
			if err != nil {
				q.teardown(err)
				return
			}
			q.emit(Event{Type: EventCreditsGranted, Credits: n})
		default:
			log.Warnf("[QUICLink] dropping unknown frame type %#x", ftype)
		}
	}
}

func (q *QUICLink) dispatch(seg []byte, final bool) {
	q.mu.RLock()
	h := q.segH
	closed := q.closed
	q.mu.RUnlock()
	if h != nil && !closed {
		h(seg, final)
	}
}

// writer owns the stream's write side. Credit grants jump the queue so a busy
// outbound path cannot starve the peer's replenishment.
func (q *QUICLink) writer() {
	defer close(q.writerDone)
	var scratch [2]byte
	for {
		select {
		case n := <-q.creditQ:
			if err := writeFrame(q.stream, frameCredits, encodeCredits(n, scratch[:])); err != nil {
				q.teardown(err)
				q.flush()
				return
			}
			continue
		default:
		}
		select {
		case n := <-q.creditQ:
			if err := writeFrame(q.stream, frameCredits, encodeCredits(n, scratch[:])); err != nil {
				q.teardown(err)
				q.flush()
				return
			}
		case b := <-q.sendQ:
			if err := q.writeSDU(b); err != nil {
				q.teardown(err)
				q.flush()
				return
			}
		case <-q.done:
			q.flush()
			return
		}
	}
}

var hdrPad [frameHeaderLen]byte

// writeSDU frames one SDU onto the stream. Every segment goes out as a single
// contiguous write: the frame header lands in the buffer's headroom for the
// first segment and over the already-transmitted tail of the previous segment
// for the rest.
func (q *QUICLink) writeSDU(b *netbuf.Buf) error {
	defer q.complete(b)
	n := b.Len()
	if n == 0 {
		return nil
	}
	full := b.Push(hdrPad[:])
	if q.mode == ModeNotify && n <= maxFramePayload {
		// A notification carries the whole SDU in one piece.
		return writeSegmentFrame(q.stream, frameDataEnd, full[frameHeaderLen:frameHeaderLen+n], full)
	}
	mps := q.params.MaxSegment
	for off := 0; off < n; off += mps {
		segLen := mps
		ftype := byte(frameData)
		if off+segLen >= n {
			segLen = n - off
			ftype = frameDataEnd
		}
		at := full[off:]
		if err := writeSegmentFrame(q.stream, ftype, at[frameHeaderLen:frameHeaderLen+segLen], at); err != nil {
			return err
		}
	}
	return nil
}

// flush completes whatever was still queued at close time so no buffer leaks
// across a disconnect.
func (q *QUICLink) flush() {
	for {
		select {
		case b := <-q.sendQ:
			q.complete(b)
		default:
			return
		}
	}
}

func (q *QUICLink) complete(b *netbuf.Buf) {
	q.mu.RLock()
	h := q.compH
	q.mu.RUnlock()
	if h != nil {
		h(b)
	}
}

func (q *QUICLink) emit(ev Event) {
	select {
	case q.events <- ev:
	case <-q.done:
	}
}

// generateTLSConfig builds the self-signed certificate a listener announces.
// The emulation runs between experiment hosts, so dialers skip verification.
func generateTLSConfig() (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, errors.Wrap(err, "generate key")
	}
	template := x509.Certificate{SerialNumber: big.NewInt(1)}
	certDER, err := x509.CreateCertificate(rand.Reader, &template, &template, &key.PublicKey, key)
	if err != nil {
		return nil, errors.Wrap(err, "create certificate")
	}
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})
	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: certDER})
	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, errors.Wrap(err, "load key pair")
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		NextProtos:   []string{quicALPN},
	}, nil
}
