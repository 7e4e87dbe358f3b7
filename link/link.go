// Package link abstracts the transport collaborator of the streaming core: a
// credit-flow-controlled logical channel between two endpoints. The core never
// talks to a radio or a socket directly; it consumes the event stream and the
// submit/grant primitives defined here. Implementations: an in-process
// loopback, a QUIC-based channel emulation and a BLE GATT notification
// channel.
package link

import (
	"github.com/pkg/errors"

	"github.com/netsys-lab/ble-throughput/netbuf"
)

// Default channel parameters for a BLE 5 credit-based channel on a 2M PHY.
const (
	DEFAULT_PSM          = 0x0080
	DEFAULT_MAX_SDU      = 2000
	DEFAULT_NOTIFY_SDU   = 495
	DEFAULT_MAX_SEGMENT  = 247
	DEFAULT_INIT_CREDITS = 80
	DEFAULT_DATA_LEN     = 251

	// Credit grant presented by notification-mode links: GATT notifications
	// carry no peer credits, flow control there is purely buffer-based.
	NOTIFY_CREDITS = 1 << 20
)

// ErrLinkBusy signals a transient submit refusal: the link's outbound queue is
// momentarily full. The sender restores its credit, backs off briefly and
// retries.
var ErrLinkBusy = errors.New("link: busy, submit refused")

// ErrClosed is returned by operations on a closed link.
var ErrClosed = errors.New("link: closed")

// Mode selects the transport flavor of a channel.
type Mode int

const (
	// ModeCoC is a connection-oriented channel with credit-based flow
	// control; the gate requires the channel-open notification.
	ModeCoC Mode = iota
	// ModeNotify streams via GATT notifications; the gate requires the
	// peer's subscription instead of a channel open.
	ModeNotify
)

func (m Mode) String() string {
	switch m {
	case ModeCoC:
		return "coc"
	case ModeNotify:
		return "notify"
	}
	return "unknown"
}

// EventType enumerates the asynchronous notifications a link delivers to the
// core. A BLE stack raises these as registered callbacks; surfacing them as an
// explicit event stream keeps the gate logic a pure state transition.
type EventType int

const (
	EventConnected EventType = iota
	EventPhyUpdated
	EventDataLengthUpdated
	EventChannelOpened
	EventSubscribed
	EventCreditsGranted
	EventDisconnected
)

func (t EventType) String() string {
	switch t {
	case EventConnected:
		return "connected"
	case EventPhyUpdated:
		return "phy-updated"
	case EventDataLengthUpdated:
		return "data-length-updated"
	case EventChannelOpened:
		return "channel-opened"
	case EventSubscribed:
		return "subscribed"
	case EventCreditsGranted:
		return "credits-granted"
	case EventDisconnected:
		return "disconnected"
	}
	return "unknown"
}

// ChannelParams carries the values negotiated at channel setup. PSM is the
// discovery value an out-of-band collaborator publishes to the peer.
type ChannelParams struct {
	PSM            uint16
	MaxSDU         int
	MaxSegment     int
	InitialCredits int
}

// DefaultParams fills missing fields with the package defaults.
func DefaultParams(p ChannelParams) ChannelParams {
	if p.PSM == 0 {
		p.PSM = DEFAULT_PSM
	}
	if p.MaxSDU <= 0 {
		p.MaxSDU = DEFAULT_MAX_SDU
	}
	if p.MaxSegment <= 0 {
		p.MaxSegment = DEFAULT_MAX_SEGMENT
	}
	if p.InitialCredits <= 0 {
		p.InitialCredits = DEFAULT_INIT_CREDITS
	}
	return p
}

// Event is one notification from the link. Params is set for EventConnected,
// DataLen for EventDataLengthUpdated, Credits for EventCreditsGranted.
type Event struct {
	Type    EventType
	Params  ChannelParams
	DataLen int
	Credits int
}

// SegmentHandler receives one inbound segment. The slice is only valid for
// the duration of the call; final marks the last segment of an SDU.
type SegmentHandler func(seg []byte, final bool)

// CompletionHandler is invoked once per accepted Submit, from the link's
// delivery context, when the buffer is no longer referenced by the link.
type CompletionHandler func(b *netbuf.Buf)

// Link is a credit-flow-controlled logical channel. Submit hands over an SDU
// buffer; ownership returns to the caller through the completion handler.
// GiveCredits sends a replenishment grant to the peer. Events must be
// consumed promptly; EventDisconnected is the terminal notification.
type Link interface {
	Events() <-chan Event
	SetSegmentHandler(h SegmentHandler)
	SetCompletionHandler(h CompletionHandler)
	Submit(b *netbuf.Buf) error
	GiveCredits(n int) error
	Params() ChannelParams
	Close() error
}

// Constructor creates a connected Link, letting callers pick the transport
// without knowing its setup details.
type Constructor func() (Link, error)
