// Package transport moves encoded packets over datagram sockets.
//
// Network and its connections (memnet.go) are test scaffolding: an
// in-memory lossy fabric that the transport and engine tests run peers
// on. Production peers only use UDP sockets.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/metrics"
	"github.com/debswarm/chunkswarm/internal/packet"
)

// Datagram is one decoded inbound packet and its source address.
type Datagram struct {
	From   net.Addr
	Packet *packet.Packet
}

// Transport frames packets onto a net.PacketConn. Sends may be issued
// from the control loop only; Serve runs in its own goroutine.
type Transport struct {
	conn    net.PacketConn
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// Listen binds a UDP socket at addr.
func Listen(addr *net.UDPAddr, logger *zap.Logger, m *metrics.Metrics) (*Transport, error) {
	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to bind %s: %w", addr, err)
	}
	return New(conn, logger, m), nil
}

// New wraps an existing packet connection.
func New(conn net.PacketConn, logger *zap.Logger, m *metrics.Metrics) *Transport {
	if m == nil {
		m = metrics.New()
	}
	return &Transport{conn: conn, logger: logger, metrics: m}
}

// LocalAddr returns the bound address.
func (t *Transport) LocalAddr() net.Addr {
	return t.conn.LocalAddr()
}

// Send encodes p and writes it to addr.
func (t *Transport) Send(p *packet.Packet, addr net.Addr) error {
	buf, err := packet.Encode(p)
	if err != nil {
		return err
	}
	if _, err := t.conn.WriteTo(buf, addr); err != nil {
		return fmt.Errorf("send %s to %s: %w", p.Type, addr, err)
	}
	t.metrics.PacketsSent.WithLabel(p.Type.String()).Inc()
	return nil
}

// Serve reads datagrams until ctx is cancelled or the connection is
// closed, delivering each decodable packet to out. Malformed datagrams
// are logged and dropped.
func (t *Transport) Serve(ctx context.Context, out chan<- Datagram) error {
	go func() {
		<-ctx.Done()
		t.conn.Close()
	}()

	buf := make([]byte, packet.MaxPacketSize)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("read: %w", err)
		}

		p, err := packet.Decode(buf[:n])
		if err != nil {
			t.metrics.PacketsDropped.WithLabel("decode").Inc()
			t.logger.Debug("Dropping malformed datagram",
				zap.Stringer("from", from),
				zap.Int("len", n),
				zap.Error(err))
			continue
		}
		t.metrics.PacketsReceived.WithLabel(p.Type.String()).Inc()

		select {
		case out <- Datagram{From: from, Packet: p}:
		case <-ctx.Done():
			return nil
		}
	}
}

// Close closes the underlying connection.
func (t *Transport) Close() error {
	return t.conn.Close()
}
