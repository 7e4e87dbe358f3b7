package stream

import (
	"sync/atomic"
	"time"
)

// StreamMetrics collects the byte counters of one session and derives
// bandwidth samples from them. The counters are single-writer: the sender
// task increments bytesSent, the link's delivery context increments the
// receive side. Readers use atomic loads only, so sampling never blocks the
// data path. The bandwidth histories and Tick belong to the stats goroutine
// exclusively.
type StreamMetrics struct {
	bytesSent int64
	bytesRecv int64
	segments  int64
	sdus      int64
	startNano int64

	lastSent int64
	lastRecv int64

	SendBandwidth []int64
	RecvBandwidth []int64

	UpdateInterval time.Duration
}

func NewStreamMetrics(interval time.Duration) *StreamMetrics {
	if interval <= 0 {
		interval = DEFAULT_STATS_INTERVAL
	}
	return &StreamMetrics{
		UpdateInterval: interval,
	}
}

// AddSent accounts n transmitted payload bytes. Sender task only.
func (m *StreamMetrics) AddSent(n int64) {
	atomic.AddInt64(&m.bytesSent, n)
}

// AddRecv accounts n received payload bytes. Delivery context only.
func (m *StreamMetrics) AddRecv(n int64) {
	atomic.AddInt64(&m.bytesRecv, n)
}

// AddSegment counts one received segment.
func (m *StreamMetrics) AddSegment() {
	atomic.AddInt64(&m.segments, 1)
}

// AddSDU counts one fully reassembled SDU.
func (m *StreamMetrics) AddSDU() {
	atomic.AddInt64(&m.sdus, 1)
}

func (m *StreamMetrics) BytesSent() int64 {
	return atomic.LoadInt64(&m.bytesSent)
}

func (m *StreamMetrics) BytesRecv() int64 {
	return atomic.LoadInt64(&m.bytesRecv)
}

func (m *StreamMetrics) Segments() int64 {
	return atomic.LoadInt64(&m.segments)
}

func (m *StreamMetrics) SDUs() int64 {
	return atomic.LoadInt64(&m.sdus)
}

// MarkStart records the stream start for the overall averages.
func (m *StreamMetrics) MarkStart() {
	atomic.StoreInt64(&m.startNano, time.Now().UnixNano())
}

// Tick computes the per-interval deltas and appends one bandwidth sample per
// direction, scaled to bytes per second. Stats goroutine only.
func (m *StreamMetrics) Tick() {
	fac := int64(time.Second / m.UpdateInterval)
	if fac <= 0 {
		fac = 1
	}
	sent := m.BytesSent()
	recv := m.BytesRecv()
	m.SendBandwidth = append(m.SendBandwidth, (sent-m.lastSent)*fac)
	m.RecvBandwidth = append(m.RecvBandwidth, (recv-m.lastRecv)*fac)
	m.lastSent = sent
	m.lastRecv = recv
}

// LastSendBandwidth returns the most recent send sample in bytes/s.
func (m *StreamMetrics) LastSendBandwidth() int64 {
	if len(m.SendBandwidth) == 0 {
		return 0
	}
	return m.SendBandwidth[len(m.SendBandwidth)-1]
}

// LastRecvBandwidth returns the most recent receive sample in bytes/s.
func (m *StreamMetrics) LastRecvBandwidth() int64 {
	if len(m.RecvBandwidth) == 0 {
		return 0
	}
	return m.RecvBandwidth[len(m.RecvBandwidth)-1]
}

// AverageSendBandwidth averages the send samples. The first sample covers the
// connection setup and is skipped.
func (m *StreamMetrics) AverageSendBandwidth() int64 {
	return average(m.SendBandwidth)
}

// AverageRecvBandwidth averages the receive samples, skipping the first one.
func (m *StreamMetrics) AverageRecvBandwidth() int64 {
	return average(m.RecvBandwidth)
}

func average(samples []int64) int64 {
	if len(samples) < 2 {
		return 0
	}
	var sum int64
	for _, s := range samples[1:] {
		sum += s
	}
	return sum / int64(len(samples)-1)
}

// OverallRecvBandwidth is the receive rate since MarkStart in bytes/s, the
// running average a long-lived receiver reports.
func (m *StreamMetrics) OverallRecvBandwidth() int64 {
	return m.overall(m.BytesRecv())
}

// OverallSendBandwidth is the send rate since MarkStart in bytes/s.
func (m *StreamMetrics) OverallSendBandwidth() int64 {
	return m.overall(m.BytesSent())
}

func (m *StreamMetrics) overall(total int64) int64 {
	start := atomic.LoadInt64(&m.startNano)
	if start == 0 {
		return 0
	}
	elapsed := time.Now().UnixNano() - start
	if elapsed <= 0 {
		return 0
	}
	return total * int64(time.Second) / elapsed
}

// Reset zeroes everything for the next connection cycle. Call only after the
// stats goroutine has stopped.
func (m *StreamMetrics) Reset() {
	atomic.StoreInt64(&m.bytesSent, 0)
	atomic.StoreInt64(&m.bytesRecv, 0)
	atomic.StoreInt64(&m.segments, 0)
	atomic.StoreInt64(&m.sdus, 0)
	atomic.StoreInt64(&m.startNano, 0)
	m.lastSent = 0
	m.lastRecv = 0
	m.SendBandwidth = nil
	m.RecvBandwidth = nil
}

// Kbps converts a bytes/s figure to kbit/s, the unit the stats lines use.
func Kbps(bytesPerSec int64) int64 {
	return bytesPerSec * 8 / 1000
}
