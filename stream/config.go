package stream

import (
	"time"

	"github.com/netsys-lab/ble-throughput/link"
)

// Timing defaults: coarse 100ms polls outside of streaming, 100ms bounded
// buffer waits, 10ms backoff after a refused submit, 1s stats sampling.
const (
	DEFAULT_POOL_SIZE      = 6
	DEFAULT_POOL_HEADROOM  = 8
	DEFAULT_CREDIT_BATCH   = 10
	DEFAULT_MIN_DATA_LEN   = 251
	DEFAULT_IDLE_POLL      = 100 * time.Millisecond
	DEFAULT_ACQUIRE_WAIT   = 100 * time.Millisecond
	DEFAULT_SUBMIT_BACKOFF = 10 * time.Millisecond
	DEFAULT_SUBMIT_FAILS   = 8
	DEFAULT_STATS_INTERVAL = 1000 * time.Millisecond
)

// PayloadFunc produces the next outbound payload chunk. seq counts SDUs since
// stream start; the function fills p and returns the number of bytes to send,
// at most len(p). Returning 0 skips this cycle.
type PayloadFunc func(seq uint64, p []byte) int

// DeliverFunc receives one reassembled SDU. The slice is only valid during
// the call.
type DeliverFunc func(sdu []byte)

// Config describes one streaming session. Zero fields fall back to the
// defaults above.
type Config struct {
	// Mode selects the channel flavor and with it the gate's required
	// readiness flags.
	Mode link.Mode
	// MaxSDU caps the outbound SDU size; the negotiated channel value
	// lowers it further at runtime.
	MaxSDU int
	// PoolSize fixes the outbound buffer count. Small values (2-10) are
	// intentional; larger pools did not improve throughput.
	PoolSize int
	// Headroom is reserved per buffer for link framing.
	Headroom int
	// MinDataLen is the negotiated data length below which the gate keeps
	// waiting, in octets.
	MinDataLen int
	// Reassemble selects the reassembling receive strategy instead of
	// direct segment accounting.
	Reassemble bool
	// CreditBatch is the direct-accounting replenishment batch size K: one
	// grant of K credits per K received segments.
	CreditBatch int

	IdlePollInterval  time.Duration
	BufAcquireTimeout time.Duration
	SubmitBackoff     time.Duration
	// SubmitFailLimit bounds consecutive refused submits before the sender
	// falls back to waiting for the gate.
	SubmitFailLimit int
	StatsInterval   time.Duration

	// Payload produces outbound data; nil makes the session receive-only.
	Payload PayloadFunc
	// Deliver consumes reassembled SDUs when Reassemble is set.
	Deliver DeliverFunc
}

// DefaultConfig returns a sending CoC session configuration tuned for a fast
// central peer.
func DefaultConfig() Config {
	return Config{
		Mode:              link.ModeCoC,
		MaxSDU:            link.DEFAULT_MAX_SDU,
		PoolSize:          DEFAULT_POOL_SIZE,
		Headroom:          DEFAULT_POOL_HEADROOM,
		MinDataLen:        DEFAULT_MIN_DATA_LEN,
		CreditBatch:       DEFAULT_CREDIT_BATCH,
		IdlePollInterval:  DEFAULT_IDLE_POLL,
		BufAcquireTimeout: DEFAULT_ACQUIRE_WAIT,
		SubmitBackoff:     DEFAULT_SUBMIT_BACKOFF,
		SubmitFailLimit:   DEFAULT_SUBMIT_FAILS,
		StatsInterval:     DEFAULT_STATS_INTERVAL,
		Payload:           DefaultPayload,
	}
}

func (c Config) withDefaults() Config {
	d := DefaultConfig()
	if c.MaxSDU <= 0 {
		c.MaxSDU = d.MaxSDU
	}
	if c.PoolSize <= 0 {
		c.PoolSize = d.PoolSize
	}
	if c.Headroom <= 0 {
		c.Headroom = d.Headroom
	}
	if c.MinDataLen <= 0 {
		c.MinDataLen = d.MinDataLen
	}
	if c.CreditBatch <= 0 {
		c.CreditBatch = d.CreditBatch
	}
	if c.IdlePollInterval <= 0 {
		c.IdlePollInterval = d.IdlePollInterval
	}
	if c.BufAcquireTimeout <= 0 {
		c.BufAcquireTimeout = d.BufAcquireTimeout
	}
	if c.SubmitBackoff <= 0 {
		c.SubmitBackoff = d.SubmitBackoff
	}
	if c.SubmitFailLimit <= 0 {
		c.SubmitFailLimit = d.SubmitFailLimit
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = d.StatsInterval
	}
	return c
}

// DefaultPayload fills p with a rolling byte pattern derived from the SDU
// sequence number, cheap to generate and easy to eyeball on the far end.
func DefaultPayload(seq uint64, p []byte) int {
	for i := range p {
		p[i] = byte(seq + uint64(i))
	}
	return len(p)
}
