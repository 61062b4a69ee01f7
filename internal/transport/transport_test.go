package transport

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/metrics"
	"github.com/debswarm/chunkswarm/internal/packet"
)

func udpAddr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: port}
}

func receive(t *testing.T, ch <-chan Datagram) Datagram {
	t.Helper()
	select {
	case d := <-ch:
		return d
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for datagram")
		return Datagram{}
	}
}

func startPair(t *testing.T, n *Network) (*Transport, *Transport, *metrics.Metrics, <-chan Datagram) {
	t.Helper()
	connA, err := n.Listen(udpAddr(1001))
	if err != nil {
		t.Fatal(err)
	}
	connB, err := n.Listen(udpAddr(1002))
	if err != nil {
		t.Fatal(err)
	}
	m := metrics.New()
	a := New(connA, zaptest.NewLogger(t), m)
	b := New(connB, zaptest.NewLogger(t), m)

	ctx, cancel := context.WithCancel(context.Background())
	inbox := make(chan Datagram, 16)
	done := make(chan error, 1)
	go func() { done <- b.Serve(ctx, inbox) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve returned %v", err)
		}
		a.Close()
	})
	return a, b, m, inbox
}

func TestSendReceive(t *testing.T) {
	a, b, m, inbox := startPair(t, NewNetwork())
	h := chunk.HashOf([]byte("payload"))

	if err := a.Send(packet.NewGet(h, 1), b.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	d := receive(t, inbox)
	if d.Packet.Type != packet.TypeGet || d.Packet.Hashes()[0] != h {
		t.Errorf("received %+v", d.Packet)
	}
	if d.From.String() != a.LocalAddr().String() {
		t.Errorf("From = %s, want %s", d.From, a.LocalAddr())
	}
	if m.PacketsSent.WithLabel("GET").Value() != 1 || m.PacketsReceived.WithLabel("GET").Value() != 1 {
		t.Error("packet counters not updated")
	}
}

func TestServeDropsMalformed(t *testing.T) {
	n := NewNetwork()
	a, b, m, inbox := startPair(t, n)

	raw, err := a.conn.WriteTo([]byte{0xde, 0xad}, b.LocalAddr())
	if err != nil || raw != 2 {
		t.Fatalf("raw write: %d %v", raw, err)
	}
	if err := a.Send(packet.NewAck(7), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	d := receive(t, inbox)
	if d.Packet.Type != packet.TypeAck || d.Packet.Ack != 7 {
		t.Errorf("expected the ACK to follow the dropped datagram, got %+v", d.Packet)
	}
	if m.PacketsDropped.WithLabel("decode").Value() != 1 {
		t.Error("malformed datagram not counted")
	}
}

func TestSendRejectsInvalidPacket(t *testing.T) {
	n := NewNetwork()
	conn, _ := n.Listen(udpAddr(2001))
	tr := New(conn, zaptest.NewLogger(t), nil)
	defer tr.Close()

	big := make([]byte, packet.MaxDataLen+1)
	err := tr.Send(&packet.Packet{Type: packet.TypeData, Payload: packet.Data(big)}, udpAddr(2002))
	if !errors.Is(err, packet.ErrPayloadTooLong) {
		t.Errorf("err = %v, want ErrPayloadTooLong", err)
	}
}

func TestNetworkDropFunc(t *testing.T) {
	n := NewNetwork()
	a, b, _, inbox := startPair(t, n)

	n.SetDropFunc(func(_, _ net.Addr, payload []byte) bool {
		p, err := packet.Decode(payload)
		return err == nil && p.Type == packet.TypeData
	})

	if err := a.Send(packet.NewData(1, []byte("lost")), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	if err := a.Send(packet.NewAck(1), b.LocalAddr()); err != nil {
		t.Fatal(err)
	}
	if d := receive(t, inbox); d.Packet.Type != packet.TypeAck {
		t.Errorf("DATA should have been dropped, got %s", d.Packet.Type)
	}
}

func TestNetworkListenConflicts(t *testing.T) {
	n := NewNetwork()
	c, err := n.Listen(udpAddr(3001))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := n.Listen(udpAddr(3001)); err == nil {
		t.Error("expected error for duplicate bind")
	}
	c.Close()
	if _, err := n.Listen(udpAddr(3001)); err != nil {
		t.Errorf("rebind after close failed: %v", err)
	}
}

func TestServeStopsOnCancel(t *testing.T) {
	n := NewNetwork()
	conn, _ := n.Listen(udpAddr(4001))
	tr := New(conn, zaptest.NewLogger(t), nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tr.Serve(ctx, make(chan Datagram)) }()
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve returned %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not stop")
	}
}

func TestListenUDP(t *testing.T) {
	tr, err := Listen(&net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)}, zaptest.NewLogger(t), nil)
	if err != nil {
		t.Skipf("UDP unavailable: %v", err)
	}
	defer tr.Close()

	peer, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Skipf("UDP unavailable: %v", err)
	}
	defer peer.Close()

	if err := tr.Send(packet.NewAck(42), peer.LocalAddr()); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	buf := make([]byte, packet.MaxPacketSize)
	peer.SetReadDeadline(time.Now().Add(2 * time.Second))
	n, _, err := peer.ReadFrom(buf)
	if err != nil {
		t.Fatalf("ReadFrom failed: %v", err)
	}
	p, err := packet.Decode(buf[:n])
	if err != nil || p.Ack != 42 {
		t.Errorf("decoded %+v err=%v", p, err)
	}
}
