package stream

import (
	"testing"

	"github.com/netsys-lab/ble-throughput/link"
)

func TestGateSequenceCoC(t *testing.T) {
	g := GateState{}
	steps := []struct {
		ev    link.Event
		ready bool
	}{
		{link.Event{Type: link.EventConnected}, false},
		{link.Event{Type: link.EventPhyUpdated}, false},
		{link.Event{Type: link.EventDataLengthUpdated, DataLen: 251}, false},
		{link.Event{Type: link.EventChannelOpened}, true},
	}
	for i, step := range steps {
		g = g.Apply(step.ev, 251)
		if got := g.Ready(link.ModeCoC); got != step.ready {
			t.Errorf("step %d (%s): ready = %t, want %t", i, step.ev.Type, got, step.ready)
		}
	}
}

func TestGateSequenceNotify(t *testing.T) {
	g := GateState{}
	g = g.Apply(link.Event{Type: link.EventPhyUpdated}, 251)
	g = g.Apply(link.Event{Type: link.EventDataLengthUpdated, DataLen: 251}, 251)
	if g.Ready(link.ModeNotify) {
		t.Error("ready without subscription in notify mode")
	}
	// A channel open does not satisfy notify mode.
	g = g.Apply(link.Event{Type: link.EventChannelOpened}, 251)
	if g.Ready(link.ModeNotify) {
		t.Error("channel open satisfied notify mode")
	}
	g = g.Apply(link.Event{Type: link.EventSubscribed}, 251)
	if !g.Ready(link.ModeNotify) {
		t.Error("not ready after subscription")
	}
	// And a subscription alone does not satisfy CoC mode.
	if g.Ready(link.ModeCoC) {
		t.Error("subscription satisfied CoC mode without channel open")
	}
}

func TestGateDataLenThreshold(t *testing.T) {
	g := GateState{}
	g = g.Apply(link.Event{Type: link.EventDataLengthUpdated, DataLen: 100}, 251)
	if g.DataLenReady {
		t.Error("data length 100 satisfied a 251 minimum")
	}
	g = g.Apply(link.Event{Type: link.EventDataLengthUpdated, DataLen: 251}, 251)
	if !g.DataLenReady {
		t.Error("data length 251 did not satisfy a 251 minimum")
	}
}

func TestGateDisconnectClears(t *testing.T) {
	g := GateState{PhyReady: true, DataLenReady: true, ChannelOpen: true, Subscribed: true}
	g = g.Apply(link.Event{Type: link.EventDisconnected}, 251)
	if g != (GateState{}) {
		t.Errorf("gate after disconnect = %s, want all false", g)
	}
	if g.Ready(link.ModeCoC) || g.Ready(link.ModeNotify) {
		t.Error("gate ready after disconnect")
	}
}

func TestGateIgnoresDataEvents(t *testing.T) {
	g := GateState{}
	g = g.Apply(link.Event{Type: link.EventCreditsGranted, Credits: 10}, 251)
	g = g.Apply(link.Event{Type: link.EventConnected}, 251)
	if g != (GateState{}) {
		t.Errorf("gate moved on non-gate events: %s", g)
	}
}
