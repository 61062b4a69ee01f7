package transport

import (
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"
)

// DropFunc decides whether a datagram in flight is lost.
type DropFunc func(from, to net.Addr, payload []byte) bool

// Network is an in-process datagram fabric for tests. Like UDP it silently
// drops datagrams for unbound addresses or full receive queues.
type Network struct {
	mu    sync.Mutex
	conns map[netip.AddrPort]*memConn
	drop  DropFunc
}

const memQueueLen = 4096

// NewNetwork returns an empty lossless network.
func NewNetwork() *Network {
	return &Network{conns: make(map[netip.AddrPort]*memConn)}
}

// SetDropFunc installs a loss model; nil delivers everything.
func (n *Network) SetDropFunc(f DropFunc) {
	n.mu.Lock()
	n.drop = f
	n.mu.Unlock()
}

// Listen binds addr on the network.
func (n *Network) Listen(addr *net.UDPAddr) (net.PacketConn, error) {
	key := memKey(addr)
	n.mu.Lock()
	defer n.mu.Unlock()
	if _, ok := n.conns[key]; ok {
		return nil, fmt.Errorf("address %s already in use", addr)
	}
	c := &memConn{
		network: n,
		addr:    net.UDPAddrFromAddrPort(key),
		key:     key,
		inbox:   make(chan memDatagram, memQueueLen),
		closed:  make(chan struct{}),
	}
	n.conns[key] = c
	return c, nil
}

func memKey(addr net.Addr) netip.AddrPort {
	udp, ok := addr.(*net.UDPAddr)
	if !ok {
		ap, _ := netip.ParseAddrPort(addr.String())
		return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port())
}

func (n *Network) deliver(from *memConn, to net.Addr, payload []byte) {
	n.mu.Lock()
	dst, ok := n.conns[memKey(to)]
	drop := n.drop
	n.mu.Unlock()

	if !ok || (drop != nil && drop(from.addr, to, payload)) {
		return
	}
	d := memDatagram{from: from.addr, payload: append([]byte(nil), payload...)}
	select {
	case dst.inbox <- d:
	case <-dst.closed:
	default:
	}
}

func (n *Network) unbind(c *memConn) {
	n.mu.Lock()
	if n.conns[c.key] == c {
		delete(n.conns, c.key)
	}
	n.mu.Unlock()
}

type memDatagram struct {
	from    net.Addr
	payload []byte
}

type memConn struct {
	network *Network
	addr    *net.UDPAddr
	key     netip.AddrPort
	inbox   chan memDatagram
	closed  chan struct{}
	once    sync.Once
}

func (c *memConn) ReadFrom(p []byte) (int, net.Addr, error) {
	select {
	case d := <-c.inbox:
		return copy(p, d.payload), d.from, nil
	case <-c.closed:
		return 0, nil, net.ErrClosed
	}
}

func (c *memConn) WriteTo(p []byte, addr net.Addr) (int, error) {
	select {
	case <-c.closed:
		return 0, net.ErrClosed
	default:
	}
	c.network.deliver(c, addr, p)
	return len(p), nil
}

func (c *memConn) Close() error {
	c.once.Do(func() {
		close(c.closed)
		c.network.unbind(c)
	})
	return nil
}

func (c *memConn) LocalAddr() net.Addr { return c.addr }

func (c *memConn) SetDeadline(time.Time) error      { return nil }
func (c *memConn) SetReadDeadline(time.Time) error  { return nil }
func (c *memConn) SetWriteDeadline(time.Time) error { return nil }
