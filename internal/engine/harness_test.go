package engine

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap/zaptest"

	"github.com/debswarm/chunkswarm/internal/audit"
	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/metrics"
	"github.com/debswarm/chunkswarm/internal/packet"
	"github.com/debswarm/chunkswarm/internal/peers"
	"github.com/debswarm/chunkswarm/internal/storage"
)

func addrOf(id int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 7000 + id}
}

func roster(ids []int) []*peers.Peer {
	out := make([]*peers.Peer, len(ids))
	for i, id := range ids {
		out[i] = &peers.Peer{ID: id, Addr: addrOf(id)}
	}
	return out
}

// testData builds a full chunk body that differs per seed.
func testData(seed int) ([]byte, chunk.Hash) {
	data := make([]byte, chunk.Size)
	for i := range data {
		data[i] = byte(i*7 + seed*13 + i>>10)
	}
	return data, chunk.HashOf(data)
}

func writeManifest(t *testing.T, entries ...storage.Entry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "request.chunks")
	f, err := os.Create(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	if err := storage.WriteManifest(f, entries); err != nil {
		t.Fatal(err)
	}
	return path
}

type recorder struct {
	mu     sync.Mutex
	events []audit.Event
}

func (r *recorder) Log(e audit.Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
}

func (r *recorder) Close() error { return nil }

func (r *recorder) count(typ audit.EventType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.EventType == typ {
			n++
		}
	}
	return n
}

type frame struct {
	from net.Addr
	to   net.Addr
	pkt  *packet.Packet
}

// testNet delivers packets between sessions in FIFO order on the test
// goroutine. Every packet goes through the wire codec.
type testNet struct {
	t     *testing.T
	clock *clock.Mock
	ids   []int
	nodes map[string]*node
	queue []frame
	sent  []frame
	drop  func(frame) bool
}

type node struct {
	*Session
	id      int
	addr    *net.UDPAddr
	dir     *peers.Directory
	out     *bytes.Buffer
	metrics *metrics.Metrics
	audit   *recorder
}

func newTestNet(t *testing.T, ids ...int) *testNet {
	return &testNet{
		t:     t,
		clock: clock.NewMock(),
		ids:   ids,
		nodes: make(map[string]*node),
	}
}

type endpoint struct {
	net  *testNet
	addr net.Addr
}

func (e *endpoint) Send(p *packet.Packet, to net.Addr) error {
	buf, err := packet.Encode(p)
	if err != nil {
		return err
	}
	decoded, err := packet.Decode(buf)
	if err != nil {
		return err
	}
	f := frame{from: e.addr, to: to, pkt: decoded}
	e.net.sent = append(e.net.sent, f)
	e.net.queue = append(e.net.queue, f)
	return nil
}

func (n *testNet) add(id int, cfg *Config) *node {
	n.t.Helper()
	if cfg == nil {
		cfg = DefaultConfig()
	}
	nd := &node{
		id:      id,
		addr:    addrOf(id),
		out:     &bytes.Buffer{},
		metrics: metrics.New(),
		audit:   &recorder{},
	}
	cfg.Clock = n.clock
	cfg.Metrics = nd.metrics
	cfg.Audit = nd.audit
	cfg.Output = nd.out

	dir, err := peers.NewDirectory(id, roster(n.ids), n.clock)
	if err != nil {
		n.t.Fatal(err)
	}
	nd.dir = dir
	nd.Session = New(cfg, dir, &endpoint{net: n, addr: nd.addr}, zaptest.NewLogger(n.t))
	n.nodes[nd.addr.String()] = nd
	return nd
}

// pump delivers queued packets until the network is quiet.
func (n *testNet) pump() {
	n.t.Helper()
	for steps := 0; len(n.queue) > 0; steps++ {
		if steps > 2_000_000 {
			n.t.Fatal("network did not settle")
		}
		f := n.queue[0]
		n.queue = n.queue[1:]
		if n.drop != nil && n.drop(f) {
			continue
		}
		if nd, ok := n.nodes[f.to.String()]; ok {
			nd.HandlePacket(f.from, f.pkt)
		}
	}
}

// deliver hands pkt from peer id straight to nd without queueing.
func (n *testNet) deliver(nd *node, fromID int, pkt *packet.Packet) {
	nd.HandlePacket(addrOf(fromID), pkt)
}

// tick advances the clock past the transfer timeout and sweeps every node.
func (n *testNet) tick() {
	n.clock.Add(DefaultConfig().Timeout + 500*time.Millisecond)
	for _, nd := range n.nodes {
		nd.Sweep()
	}
}

// sentBy returns the packets of type typ sent from peer id, in order.
func (n *testNet) sentBy(id int, typ packet.Type) []*packet.Packet {
	from := addrOf(id).String()
	var out []*packet.Packet
	for _, f := range n.sent {
		if f.from.String() == from && f.pkt.Type == typ {
			out = append(out, f.pkt)
		}
	}
	return out
}

// take drains the queue without delivering and returns what it held.
func (n *testNet) take() []frame {
	q := n.queue
	n.queue = nil
	return q
}
