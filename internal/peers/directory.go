// Package peers provides the static peer roster and its liveness bookkeeping.
package peers

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"time"

	"github.com/benbjohnson/clock"
)

var (
	ErrUnknownPeer   = errors.New("unknown peer")
	ErrDuplicatePeer = errors.New("duplicate peer")
)

// Peer is one roster entry. Peers are never removed during a run, only
// marked dead.
type Peer struct {
	ID   int
	Addr *net.UDPAddr

	// LastSeen is refreshed by every datagram received from the peer;
	// LastSent by every broadcast addressed to it.
	LastSeen time.Time
	LastSent time.Time

	// Timeouts counts consecutive transfer timeouts against this peer.
	Timeouts int
	Dead     bool

	ChunksFetched int64
	ChunksServed  int64
}

func (p *Peer) String() string {
	return fmt.Sprintf("peer %d (%s)", p.ID, p.Addr)
}

// Directory resolves peers by id and address.
type Directory struct {
	self   int
	peers  []*Peer
	byID   map[int]*Peer
	byAddr map[netip.AddrPort]*Peer
	clock  clock.Clock
}

// NewDirectory indexes roster. self is the local peer's id.
func NewDirectory(self int, roster []*Peer, clk clock.Clock) (*Directory, error) {
	if clk == nil {
		clk = clock.New()
	}
	d := &Directory{
		self:   self,
		byID:   make(map[int]*Peer),
		byAddr: make(map[netip.AddrPort]*Peer),
		clock:  clk,
	}
	for _, p := range roster {
		if _, ok := d.byID[p.ID]; ok {
			return nil, fmt.Errorf("%w: id %d", ErrDuplicatePeer, p.ID)
		}
		key := addrKey(p.Addr)
		if _, ok := d.byAddr[key]; ok {
			return nil, fmt.Errorf("%w: address %s", ErrDuplicatePeer, p.Addr)
		}
		d.byID[p.ID] = p
		d.byAddr[key] = p
		d.peers = append(d.peers, p)
	}
	if _, ok := d.byID[self]; !ok {
		return nil, fmt.Errorf("%w: local identity %d is not in the roster", ErrUnknownPeer, self)
	}
	return d, nil
}

func addrKey(addr *net.UDPAddr) netip.AddrPort {
	if addr == nil {
		return netip.AddrPort{}
	}
	ap := addr.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

// Self returns the local peer.
func (d *Directory) Self() *Peer {
	return d.byID[d.self]
}

// Get returns the peer with the given id.
func (d *Directory) Get(id int) (*Peer, bool) {
	p, ok := d.byID[id]
	return p, ok
}

// Resolve finds the peer whose roster address exactly matches addr.
func (d *Directory) Resolve(addr net.Addr) (*Peer, bool) {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		ap, err := netip.ParseAddrPort(addr.String())
		if err != nil {
			return nil, false
		}
		udp = net.UDPAddrFromAddrPort(ap)
	}
	p, ok := d.byAddr[addrKey(udp)]
	return p, ok
}

// All returns every roster entry including the local peer.
func (d *Directory) All() []*Peer {
	out := make([]*Peer, len(d.peers))
	copy(out, d.peers)
	return out
}

// Others returns every remote peer.
func (d *Directory) Others() []*Peer {
	out := make([]*Peer, 0, len(d.peers))
	for _, p := range d.peers {
		if p.ID != d.self {
			out = append(out, p)
		}
	}
	return out
}

// Seen records inbound traffic from p, which proves it alive.
func (d *Directory) Seen(p *Peer) {
	p.LastSeen = d.clock.Now()
	p.Timeouts = 0
	p.Dead = false
}

// MarkDead flags p after it exceeded the timeout budget.
func (d *Directory) MarkDead(p *Peer) {
	p.Dead = true
}

// Broadcast calls send for every remote peer, stamping each peer's send
// timer first. It returns the first send error but still visits every peer.
func (d *Directory) Broadcast(send func(*Peer) error) error {
	var firstErr error
	for _, p := range d.Others() {
		p.LastSent = d.clock.Now()
		if err := send(p); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
