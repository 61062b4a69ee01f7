// Package transfer binds one peer to one chunk for the lifetime of a reliable
// block stream, and keeps the per-direction tables of live transfers.
package transfer

import (
	"time"

	"github.com/benbjohnson/clock"

	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/congestion"
	"github.com/debswarm/chunkswarm/internal/metrics"
)

// Defaults for liveness checks
const (
	DefaultTimeout     = 3 * time.Second
	DefaultMaxTimeouts = 5
)

// Transfer is one in-flight chunk stream with one peer, in one direction.
type Transfer struct {
	PeerID int
	Chunk  *chunk.Chunk
	CC     *congestion.Controller

	// Timer runs from creation. Timestamp is the last activity.
	Timer     *metrics.Timer
	Timestamp time.Time
}

// New creates a transfer and stamps it with the current time. Its timer
// observes into no histogram; owners that record durations replace it.
func New(peerID int, c *chunk.Chunk, cfg congestion.Config, clk clock.Clock, observe func(window int)) *Transfer {
	if clk == nil {
		clk = clock.New()
	}
	now := clk.Now()
	return &Transfer{
		PeerID:    peerID,
		Chunk:     c,
		CC:        congestion.New(cfg, clk, observe),
		Timer:     metrics.NewTimer(nil, clk),
		Timestamp: now,
	}
}

// Touch records activity at now.
func (t *Transfer) Touch(now time.Time) {
	t.Timestamp = now
}

// TimedOut reports whether more than threshold has passed since the last activity.
func (t *Transfer) TimedOut(now time.Time, threshold time.Duration) bool {
	return now.Sub(t.Timestamp) > threshold
}

// Table holds the live transfers of one direction, keyed by peer id.
// A peer appears at most once, so membership doubles as the peer's busy state.
type Table struct {
	byPeer map[int]*Transfer
	order  []int
}

// NewTable creates an empty table.
func NewTable() *Table {
	return &Table{byPeer: make(map[int]*Transfer)}
}

// Add inserts t. It returns false if the peer already has a transfer.
func (tb *Table) Add(t *Transfer) bool {
	if _, ok := tb.byPeer[t.PeerID]; ok {
		return false
	}
	tb.byPeer[t.PeerID] = t
	tb.order = append(tb.order, t.PeerID)
	return true
}

// Get returns the transfer bound to peerID.
func (tb *Table) Get(peerID int) (*Transfer, bool) {
	t, ok := tb.byPeer[peerID]
	return t, ok
}

// Has reports whether peerID is bound to a transfer.
func (tb *Table) Has(peerID int) bool {
	_, ok := tb.byPeer[peerID]
	return ok
}

// FindByHash returns the transfer moving the chunk with hash h, if any.
func (tb *Table) FindByHash(h chunk.Hash) (*Transfer, bool) {
	for _, id := range tb.order {
		if t := tb.byPeer[id]; t.Chunk.Hash == h {
			return t, true
		}
	}
	return nil, false
}

// Remove deletes the transfer bound to peerID, freeing the peer.
func (tb *Table) Remove(peerID int) (*Transfer, bool) {
	t, ok := tb.byPeer[peerID]
	if !ok {
		return nil, false
	}
	delete(tb.byPeer, peerID)
	for i, id := range tb.order {
		if id == peerID {
			tb.order = append(tb.order[:i], tb.order[i+1:]...)
			break
		}
	}
	return t, true
}

// Len returns the number of live transfers.
func (tb *Table) Len() int {
	return len(tb.order)
}

// All returns the transfers in creation order. The slice is a copy.
func (tb *Table) All() []*Transfer {
	out := make([]*Transfer, 0, len(tb.order))
	for _, id := range tb.order {
		out = append(out, tb.byPeer[id])
	}
	return out
}
