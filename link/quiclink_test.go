package link

import (
	"context"
	"testing"
	"time"

	"github.com/netsys-lab/ble-throughput/netbuf"
)

// quicPair listens on an ephemeral localhost port, dials it and returns both
// ends of the channel.
func quicPair(t *testing.T, lcfg, dcfg QUICConfig) (accepted, dialed *QUICLink) {
	t.Helper()
	ln, err := ListenQUIC("127.0.0.1:0", lcfg)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	dialErr := make(chan error, 1)
	go func() {
		var err error
		dialed, err = DialQUIC(ctx, ln.Addr().String(), dcfg)
		dialErr <- err
	}()
	accepted, err = ln.Accept(ctx)
	if err != nil {
		t.Fatalf("accept: %v", err)
	}
	if err := <-dialErr; err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() {
		accepted.Close()
		dialed.Close()
	})
	return accepted, dialed
}

func TestQUICHandshakeMergesParams(t *testing.T) {
	accepted, dialed := quicPair(t,
		QUICConfig{Params: ChannelParams{PSM: 0x0099, InitialCredits: 12}},
		QUICConfig{Params: ChannelParams{MaxSDU: 495, InitialCredits: 30}},
	)

	// The listener owns the PSM, the smaller SDU wins, and each side gets
	// to spend what the other offered.
	ap := accepted.Params()
	if ap.PSM != 0x0099 || ap.MaxSDU != 495 || ap.InitialCredits != 30 {
		t.Errorf("accepted params = %+v", ap)
	}
	dp := dialed.Params()
	if dp.PSM != 0x0099 || dp.MaxSDU != 495 || dp.InitialCredits != 12 {
		t.Errorf("dialed params = %+v", dp)
	}

	for _, end := range []*QUICLink{accepted, dialed} {
		evs := drainEvents(end, 4)
		if len(evs) != 4 {
			t.Fatalf("got %d setup events, want 4", len(evs))
		}
		want := []EventType{EventConnected, EventPhyUpdated, EventDataLengthUpdated, EventChannelOpened}
		for i, ev := range evs {
			if ev.Type != want[i] {
				t.Errorf("event %d = %s, want %s", i, ev.Type, want[i])
			}
		}
		if evs[2].DataLen != 247+4 {
			t.Errorf("data length = %d, want 251", evs[2].DataLen)
		}
	}
}

func TestQUICSegmentedDelivery(t *testing.T) {
	accepted, dialed := quicPair(t, QUICConfig{}, QUICConfig{})

	pool := netbuf.NewPool(2, 2000, 8)
	rec := &sinkRecorder{}
	accepted.SetSegmentHandler(rec.onSegment)
	accepted.SetCompletionHandler(func(b *netbuf.Buf) {})
	dialed.SetSegmentHandler(func(seg []byte, final bool) {})
	dialed.SetCompletionHandler(func(b *netbuf.Buf) {
		rec.mu.Lock()
		rec.complete++
		rec.mu.Unlock()
		pool.Release(b)
	})

	payload := make([]byte, 600)
	for i := range payload {
		payload[i] = byte(i)
	}
	submitBytes(t, dialed, pool, payload)

	waitFor(t, 2*time.Second, "3 segments", func() bool { return len(rec.snapshot()) == 3 })
	segs := rec.snapshot()
	wantLens := []int{247, 247, 106}
	got := make([]byte, 0, 600)
	for i, seg := range segs {
		if len(seg.data) != wantLens[i] {
			t.Errorf("segment %d len = %d, want %d", i, len(seg.data), wantLens[i])
		}
		if seg.final != (i == 2) {
			t.Errorf("segment %d final = %t", i, seg.final)
		}
		got = append(got, seg.data...)
	}
	for i := range got {
		if got[i] != byte(i) {
			t.Fatalf("payload corrupted at byte %d", i)
		}
	}
	waitFor(t, 2*time.Second, "completion", func() bool { return rec.completions() == 1 })
	waitFor(t, 2*time.Second, "buffer back in pool", func() bool { return pool.Free() == 2 })
}

func TestQUICCreditsAndDisconnect(t *testing.T) {
	accepted, dialed := quicPair(t, QUICConfig{}, QUICConfig{})

	accepted.SetSegmentHandler(func(seg []byte, final bool) {})
	dialed.SetSegmentHandler(func(seg []byte, final bool) {})

	drainEvents(dialed, 4)
	if err := accepted.GiveCredits(7); err != nil {
		t.Fatalf("give credits: %v", err)
	}
	select {
	case ev := <-dialed.Events():
		if ev.Type != EventCreditsGranted || ev.Credits != 7 {
			t.Errorf("event = %s/%d, want credits-granted/7", ev.Type, ev.Credits)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("credit grant never arrived")
	}

	// Closing one end surfaces a disconnect on the other.
	dialed.Close()
	sawDisconnect := false
	for !sawDisconnect {
		select {
		case ev := <-accepted.Events():
			if ev.Type == EventDisconnected {
				sawDisconnect = true
			}
		case <-time.After(2 * time.Second):
			t.Fatal("peer never saw the disconnect")
		}
	}
	if err := dialed.GiveCredits(1); err != ErrClosed {
		t.Errorf("give credits on closed link err = %v, want ErrClosed", err)
	}
}
