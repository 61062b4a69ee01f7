// Package congestion implements the per-transfer sliding window and its
// slow-start / congestion-avoidance policy.
//
// The loss policy is intentionally asymmetric: a loss during slow start moves
// straight to congestion avoidance with the window unchanged, while a loss
// during congestion avoidance collapses the window to one and restarts slow
// start.
package congestion

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/debswarm/chunkswarm/internal/chunk"
)

// Mode is the controller state.
type Mode int

// Controller modes
const (
	SlowStart Mode = iota
	CongestionAvoidance
)

func (m Mode) String() string {
	if m == CongestionAvoidance {
		return "congestion_avoidance"
	}
	return "slow_start"
}

// Defaults
const (
	DefaultWindow    = 1
	DefaultThreshold = 64
	MinThreshold     = 2

	// MaxDupAcks duplicate ACKs at the same window start signal a loss.
	MaxDupAcks = 3
)

// Config holds per-transfer tuning.
type Config struct {
	// Threshold is the initial slow-start threshold.
	Threshold int

	// RTT is an assumed round-trip time. Zero means measure it on the first
	// fresh ACK during slow start.
	RTT time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Threshold: DefaultThreshold,
		RTT:       200 * time.Millisecond,
	}
}

// Controller is the sliding-window state of one transfer.
// Begin is the oldest unacknowledged block and Next the next block to send;
// Begin <= Next <= chunk.MaxSeqNum always holds.
type Controller struct {
	Mode        Mode
	Window      int
	Threshold   int
	StartWindow int
	Begin       uint32
	Next        uint32
	DupAcks     int
	Timeouts    int
	RTT         time.Duration

	avoidanceStart time.Time
	clock          clock.Clock
	observe        func(window int)
}

// New creates a controller in slow start. observe, if non-nil, is told about
// every window change.
func New(cfg Config, clk clock.Clock, observe func(window int)) *Controller {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if clk == nil {
		clk = clock.New()
	}
	return &Controller{
		Mode:      SlowStart,
		Window:    DefaultWindow,
		Threshold: cfg.Threshold,
		RTT:       cfg.RTT,
		clock:     clk,
		observe:   observe,
	}
}

// Limit returns the first block index the window does not cover.
func (c *Controller) Limit() uint32 {
	limit := uint64(c.Begin) + uint64(c.Window)
	if limit > chunk.MaxSeqNum {
		return chunk.MaxSeqNum
	}
	return uint32(limit)
}

// OnAck slides the window to ack and grows it. lastActivity is the transfer's
// previous activity timestamp, used to measure the round trip when none is
// known yet. It returns false and changes nothing for a duplicate or stale ACK.
func (c *Controller) OnAck(ack uint32, lastActivity time.Time) bool {
	if ack <= c.Begin {
		return false
	}
	if ack > chunk.MaxSeqNum {
		ack = chunk.MaxSeqNum
	}
	c.Begin = ack
	if c.Next < c.Begin {
		c.Next = c.Begin
	}
	c.DupAcks = 0

	switch c.Mode {
	case SlowStart:
		if c.RTT == 0 {
			c.RTT = c.clock.Since(lastActivity)
		}
		if c.Window < c.Threshold {
			c.setWindow(c.Window * 2)
		} else {
			c.enterAvoidance()
		}
	case CongestionAvoidance:
		if c.RTT > 0 {
			elapsed := c.clock.Since(c.avoidanceStart)
			c.setWindow(c.StartWindow + int(elapsed/c.RTT))
		}
	}
	return true
}

// OnDuplicateAck counts an ACK equal to Begin. On the MaxDupAcks-th duplicate
// it rewinds Next to Begin, applies OnLoss and returns true so the caller
// resends from Begin.
func (c *Controller) OnDuplicateAck() bool {
	c.DupAcks++
	if c.DupAcks < MaxDupAcks {
		return false
	}
	c.DupAcks = 0
	c.Next = c.Begin
	c.OnLoss()
	return true
}

// OnLoss reacts to a timeout or triple duplicate ACK.
func (c *Controller) OnLoss() {
	c.Threshold = max(c.Window/2, MinThreshold)

	if c.Mode == SlowStart {
		c.enterAvoidance()
		return
	}
	c.Mode = SlowStart
	c.setWindow(DefaultWindow)
}

func (c *Controller) enterAvoidance() {
	c.Mode = CongestionAvoidance
	c.StartWindow = c.Window
	c.avoidanceStart = c.clock.Now()
}

func (c *Controller) setWindow(w int) {
	if w < 1 {
		w = 1
	}
	if w == c.Window {
		return
	}
	c.Window = w
	if c.observe != nil {
		c.observe(w)
	}
}
