package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"tinygo.org/x/bluetooth"

	"github.com/netsys-lab/ble-throughput/netbuf"
)

// DEFAULT_DEVICE_NAME is the local name advertised by a GATT peripheral and
// matched by a dialing central.
const DEFAULT_DEVICE_NAME = "blethr"

// DEFAULT_SCAN_TIMEOUT bounds how long a central scans for the peripheral.
const DEFAULT_SCAN_TIMEOUT = 30 * time.Second

// GATTConfig tunes a GATT notification channel. The channel streams over the
// Nordic UART Service: the peripheral notifies on TX, the central writes
// without response on RX.
type GATTConfig struct {
	DeviceName  string
	Params      ChannelParams
	ScanTimeout time.Duration
}

func (c GATTConfig) withDefaults() GATTConfig {
	if c.DeviceName == "" {
		c.DeviceName = DEFAULT_DEVICE_NAME
	}
	if c.ScanTimeout <= 0 {
		c.ScanTimeout = DEFAULT_SCAN_TIMEOUT
	}
	if c.Params.MaxSDU <= 0 {
		c.Params.MaxSDU = DEFAULT_NOTIFY_SDU
	}
	c.Params.InitialCredits = NOTIFY_CREDITS
	c.Params = DefaultParams(c.Params)
	return c
}

// GATTLink streams over a real radio via GATT. There is no credit protocol on
// this transport; flow control is purely buffer-based, so the link presents
// the notification credit grant and treats every inbound value as a complete
// SDU. One submitted SDU becomes one notification or one write without
// response, which caps the SDU size at what the negotiated ATT MTU carries.
type GATTLink struct {
	cfg    GATTConfig
	params ChannelParams

	device *bluetooth.Device
	txChar bluetooth.Characteristic
	rxChar bluetooth.Characteristic

	// write sends one SDU over the radio; set up for the local role.
	write func(p []byte) error

	events chan Event
	sendQ  chan *netbuf.Buf

	done       chan struct{}
	writerDone chan struct{}

	mu     sync.RWMutex
	closed bool
	segH   SegmentHandler
	compH  CompletionHandler

	subscribed int32
	closeOnce  sync.Once
}

var _ Link = (*GATTLink)(nil)

func newGATTLink(cfg GATTConfig) *GATTLink {
	return &GATTLink{
		cfg:        cfg,
		params:     cfg.Params,
		events:     make(chan Event, 64),
		sendQ:      make(chan *netbuf.Buf, 4),
		done:       make(chan struct{}),
		writerDone: make(chan struct{}),
	}
}

// ListenGATT brings up the peripheral role: register the UART service,
// advertise and wait for a central. The central's first write on RX doubles
// as the subscription signal, since the host stack exposes no CCCD callback.
func ListenGATT(cfg GATTConfig) (*GATTLink, error) {
	cfg = cfg.withDefaults()
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enable BLE stack")
	}
	g := newGATTLink(cfg)

	adapter.SetConnectHandler(func(device bluetooth.Address, connected bool) {
		if connected {
			log.Infof("[GATTLink] central %s connected", device.String())
			g.emit(Event{Type: EventConnected, Params: g.params})
			g.emit(Event{Type: EventPhyUpdated})
			// The host stack negotiates data length on its own; surface
			// the nominal value.
			g.emit(Event{Type: EventDataLengthUpdated, DataLen: DEFAULT_DATA_LEN})
		} else {
			log.Infof("[GATTLink] central %s disconnected", device.String())
			g.teardown(nil)
		}
	})

	err := adapter.AddService(&bluetooth.Service{
		UUID: bluetooth.ServiceUUIDNordicUART,
		Characteristics: []bluetooth.CharacteristicConfig{
			{
				Handle: &g.rxChar,
				UUID:   bluetooth.CharacteristicUUIDUARTRX,
				Flags:  bluetooth.CharacteristicWritePermission | bluetooth.CharacteristicWriteWithoutResponsePermission,
				WriteEvent: func(client bluetooth.Connection, offset int, value []byte) {
					g.onCentralWrite(value)
				},
			},
			{
				Handle: &g.txChar,
				UUID:   bluetooth.CharacteristicUUIDUARTTX,
				Flags:  bluetooth.CharacteristicNotifyPermission | bluetooth.CharacteristicReadPermission,
			},
		},
	})
	if err != nil {
		return nil, errors.Wrap(err, "register UART service")
	}

	adv := adapter.DefaultAdvertisement()
	err = adv.Configure(bluetooth.AdvertisementOptions{
		LocalName:    cfg.DeviceName,
		ServiceUUIDs: []bluetooth.UUID{bluetooth.ServiceUUIDNordicUART},
	})
	if err != nil {
		return nil, errors.Wrap(err, "configure advertisement")
	}
	if err := adv.Start(); err != nil {
		return nil, errors.Wrap(err, "start advertising")
	}

	g.write = func(p []byte) error {
		_, err := g.txChar.Write(p)
		return err
	}
	go g.writer()
	log.Infof("[GATTLink] advertising as %q", cfg.DeviceName)
	return g, nil
}

// onCentralWrite handles inbound RX writes on the peripheral. The first write
// is the central's stream-start signal; everything after is payload.
func (g *GATTLink) onCentralWrite(value []byte) {
	if atomic.CompareAndSwapInt32(&g.subscribed, 0, 1) {
		g.emit(Event{Type: EventSubscribed})
		return
	}
	g.dispatch(value, true)
}

// DialGATT brings up the central role: scan for the peripheral by name or
// UART service, connect, subscribe to TX notifications and send the
// stream-start signal.
func DialGATT(ctx context.Context, cfg GATTConfig) (*GATTLink, error) {
	cfg = cfg.withDefaults()
	adapter := bluetooth.DefaultAdapter
	if err := adapter.Enable(); err != nil {
		return nil, errors.Wrap(err, "enable BLE stack")
	}
	g := newGATTLink(cfg)

	adapter.SetConnectHandler(func(device bluetooth.Address, connected bool) {
		if !connected {
			log.Infof("[GATTLink] peripheral %s disconnected", device.String())
			g.teardown(nil)
		}
	})

	found := make(chan bluetooth.ScanResult, 1)
	stopTimer := time.AfterFunc(cfg.ScanTimeout, func() { adapter.StopScan() })
	defer stopTimer.Stop()
	log.Infof("[GATTLink] scanning for %q", cfg.DeviceName)
	err := adapter.Scan(func(a *bluetooth.Adapter, result bluetooth.ScanResult) {
		if result.LocalName() != cfg.DeviceName &&
			!result.AdvertisementPayload.HasServiceUUID(bluetooth.ServiceUUIDNordicUART) {
			return
		}
		select {
		case found <- result:
		default:
		}
		a.StopScan()
	})
	if err != nil {
		return nil, errors.Wrap(err, "scan")
	}
	var result bluetooth.ScanResult
	select {
	case result = <-found:
	default:
		return nil, errors.Errorf("peripheral %q not found", cfg.DeviceName)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	log.Infof("[GATTLink] connecting to %s", result.Address.String())
	device, err := adapter.Connect(result.Address, bluetooth.ConnectionParams{})
	if err != nil {
		return nil, errors.Wrap(err, "connect")
	}
	g.device = device

	services, err := device.DiscoverServices([]bluetooth.UUID{bluetooth.ServiceUUIDNordicUART})
	if err != nil {
		device.Disconnect()
		return nil, errors.Wrap(err, "discover UART service")
	}
	chars, err := services[0].DiscoverCharacteristics([]bluetooth.UUID{
		bluetooth.CharacteristicUUIDUARTRX,
		bluetooth.CharacteristicUUIDUARTTX,
	})
	if err != nil {
		device.Disconnect()
		return nil, errors.Wrap(err, "discover UART characteristics")
	}
	rx, tx := chars[0], chars[1]

	err = tx.EnableNotifications(func(value []byte) {
		g.dispatch(value, true)
	})
	if err != nil {
		device.Disconnect()
		return nil, errors.Wrap(err, "enable notifications")
	}
	// Stream-start signal; the peripheral reads this as our subscription.
	if _, err := rx.WriteWithoutResponse([]byte{0x01}); err != nil {
		device.Disconnect()
		return nil, errors.Wrap(err, "send stream start")
	}

	g.write = func(p []byte) error {
		_, err := rx.WriteWithoutResponse(p)
		return err
	}
	go g.writer()

	g.emit(Event{Type: EventConnected, Params: g.params})
	g.emit(Event{Type: EventPhyUpdated})
	g.emit(Event{Type: EventDataLengthUpdated, DataLen: DEFAULT_DATA_LEN})
	g.emit(Event{Type: EventSubscribed})
	return g, nil
}

func (g *GATTLink) Events() <-chan Event {
	return g.events
}

func (g *GATTLink) SetSegmentHandler(h SegmentHandler) {
	g.mu.Lock()
	g.segH = h
	g.mu.Unlock()
}

func (g *GATTLink) SetCompletionHandler(h CompletionHandler) {
	g.mu.Lock()
	g.compH = h
	g.mu.Unlock()
}

func (g *GATTLink) Params() ChannelParams {
	return g.params
}

// Submit queues one SDU; it leaves the radio as a single notification or
// write without response.
func (g *GATTLink) Submit(b *netbuf.Buf) error {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if g.closed {
		return ErrClosed
	}
	select {
	case g.sendQ <- b:
		return nil
	default:
		return ErrLinkBusy
	}
}

// GiveCredits is a no-op: notifications carry no credit protocol.
func (g *GATTLink) GiveCredits(n int) error {
	g.mu.RLock()
	closed := g.closed
	g.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	return nil
}

// Close tears the channel down and disconnects the radio where the local
// role owns the connection.
func (g *GATTLink) Close() error {
	g.teardown(nil)
	<-g.writerDone
	if g.device != nil {
		return g.device.Disconnect()
	}
	return nil
}

func (g *GATTLink) teardown(cause error) {
	g.closeOnce.Do(func() {
		g.mu.Lock()
		g.closed = true
		g.mu.Unlock()
		if cause != nil {
			log.Debugf("[GATTLink] channel down: %v", cause)
		}
		select {
		case g.events <- Event{Type: EventDisconnected}:
		default:
		}
		close(g.done)
	})
}

// writer serializes radio writes so the BLE stack sees one SDU at a time.
func (g *GATTLink) writer() {
	defer close(g.writerDone)
	for {
		select {
		case b := <-g.sendQ:
			err := g.write(b.Bytes())
			g.complete(b)
			if err != nil {
				g.teardown(err)
				g.flush()
				return
			}
		case <-g.done:
			g.flush()
			return
		}
	}
}

func (g *GATTLink) flush() {
	for {
		select {
		case b := <-g.sendQ:
			g.complete(b)
		default:
			return
		}
	}
}

func (g *GATTLink) dispatch(seg []byte, final bool) {
	g.mu.RLock()
	h := g.segH
	closed := g.closed
	g.mu.RUnlock()
	if h != nil && !closed {
		h(seg, final)
	}
}

func (g *GATTLink) complete(b *netbuf.Buf) {
	g.mu.RLock()
	h := g.compH
	g.mu.RUnlock()
	if h != nil {
		h(b)
	}
}

func (g *GATTLink) emit(ev Event) {
	select {
	case g.events <- ev:
	case <-g.done:
	}
}
