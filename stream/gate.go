package stream

import (
	"fmt"

	"github.com/netsys-lab/ble-throughput/link"
)

// GateState holds the channel readiness flags. Each flag flips at most once
// per connection when the corresponding negotiation notification arrives; a
// disconnect clears all of them. Streaming before the gate is satisfied would
// spend airtime on minimum-size packets, so the sender stays parked until
// Ready reports true.
type GateState struct {
	PhyReady     bool
	DataLenReady bool
	ChannelOpen  bool
	Subscribed   bool
}

// Apply returns the state after one transport event. It is a pure function:
// the session feeds it the link's event stream, nothing else mutates the
// gate. A data-length update below minDataLen does not satisfy the gate.
func (g GateState) Apply(ev link.Event, minDataLen int) GateState {
	switch ev.Type {
	case link.EventPhyUpdated:
		g.PhyReady = true
	case link.EventDataLengthUpdated:
		if ev.DataLen >= minDataLen {
			g.DataLenReady = true
		}
	case link.EventChannelOpened:
		g.ChannelOpen = true
	case link.EventSubscribed:
		g.Subscribed = true
	case link.EventDisconnected:
		g = GateState{}
	}
	return g
}

// Ready reports whether all flags required by the mode are set: PHY and data
// length always, plus the open channel in CoC mode or the peer's subscription
// in notification mode.
func (g GateState) Ready(mode link.Mode) bool {
	if !g.PhyReady || !g.DataLenReady {
		return false
	}
	if mode == link.ModeNotify {
		return g.Subscribed
	}
	return g.ChannelOpen
}

func (g GateState) String() string {
	return fmt.Sprintf("phy=%t dle=%t chan=%t sub=%t",
		g.PhyReady, g.DataLenReady, g.ChannelOpen, g.Subscribed)
}
