package engine

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/debswarm/chunkswarm/internal/audit"
	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/packet"
	"github.com/debswarm/chunkswarm/internal/requestid"
	"github.com/debswarm/chunkswarm/internal/storage"
)

func TestFetchSingleChunk(t *testing.T) {
	n := newTestNet(t, 1, 2)
	server := n.add(2, nil)
	client := n.add(1, nil)

	data, h := testData(1)
	server.Hold(0, h, data)
	manifest := writeManifest(t, storage.Entry{ID: 0, Hash: h})
	output := filepath.Join(t.TempDir(), "out.bin")

	if err := client.Request(manifest, output); err != nil {
		t.Fatalf("Request() error = %v", err)
	}
	n.pump()

	if !client.Have(h) || len(client.Missing()) != 0 {
		t.Fatalf("chunk not moved to have: missing=%v", client.Missing())
	}
	if len(client.Downloads()) != 0 || len(server.Uploads()) != 0 {
		t.Errorf("transfers left: %d incoming, %d outgoing", len(client.Downloads()), len(server.Uploads()))
	}
	if client.Pending() != nil {
		t.Error("request should be cleared after assembly")
	}

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, data) {
		t.Error("assembled output differs from source chunk")
	}
	if want := "GOT " + manifest + "\n"; client.out.String() != want {
		t.Errorf("output = %q, want %q", client.out.String(), want)
	}

	seen := make(map[uint32]int)
	for _, p := range n.sentBy(2, packet.TypeData) {
		seen[p.Seq] = len(p.Data())
	}
	if len(seen) != chunk.MaxSeqNum {
		t.Errorf("distinct DATA sequences = %d, want %d", len(seen), chunk.MaxSeqNum)
	}
	if seen[1] != 1000 || seen[chunk.MaxSeqNum] != 288 {
		t.Errorf("block sizes: first=%d last=%d, want 1000 and 288", seen[1], seen[chunk.MaxSeqNum])
	}

	acks := n.sentBy(1, packet.TypeAck)
	if last := acks[len(acks)-1].Ack; last != chunk.MaxSeqNum {
		t.Errorf("final ACK = %d, want %d", last, chunk.MaxSeqNum)
	}

	if v := server.metrics.ChunksServed.Value(); v != 1 {
		t.Errorf("ChunksServed = %d, want 1", v)
	}
	if v := client.metrics.ChunksFetched.Value(); v != 1 {
		t.Errorf("ChunksFetched = %d, want 1", v)
	}
	if client.audit.count(audit.EventChunkReceived) != 1 || client.audit.count(audit.EventOutputWritten) != 1 {
		t.Error("missing chunk_received or output_written audit event")
	}
	if server.audit.count(audit.EventWindowSize) == 0 {
		t.Error("server should report window changes")
	}
}

func TestFetchFromTwoPeersWithLoss(t *testing.T) {
	n := newTestNet(t, 1, 2, 3)
	a := n.add(2, nil)
	b := n.add(3, nil)
	client := n.add(1, nil)

	data0, h0 := testData(10)
	data1, h1 := testData(11)
	a.Hold(0, h0, data0)
	b.Hold(1, h1, data1)

	// lose the first transmission of a few blocks from each server
	dropped := make(map[string]bool)
	n.drop = func(f frame) bool {
		if f.pkt.Type != packet.TypeData {
			return false
		}
		switch f.pkt.Seq {
		case 100, 300, 525:
			key := fmt.Sprintf("%s/%d", f.from, f.pkt.Seq)
			if !dropped[key] {
				dropped[key] = true
				return true
			}
		}
		return false
	}

	manifest := writeManifest(t, storage.Entry{ID: 0, Hash: h0}, storage.Entry{ID: 1, Hash: h1})
	output := filepath.Join(t.TempDir(), "out.bin")
	if err := client.Request(manifest, output); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 50 && client.Pending() != nil; i++ {
		n.pump()
		if client.Pending() != nil {
			n.tick()
		}
	}
	if client.Pending() != nil {
		t.Fatalf("request did not finish; missing=%v", client.Missing())
	}

	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, append(append([]byte{}, data0...), data1...)) {
		t.Error("assembled output differs from source chunks")
	}
	if len(dropped) != 6 {
		t.Errorf("dropped %d blocks, want 6", len(dropped))
	}
	retrans := a.metrics.Retransmissions.Values()["dup_ack"] + b.metrics.Retransmissions.Values()["dup_ack"]
	if retrans == 0 {
		t.Error("losses should be repaired by duplicate-ACK resends")
	}
}

func TestDataIsIdempotent(t *testing.T) {
	n := newTestNet(t, 1, 2)
	client := n.add(1, nil)
	data, h := testData(2)

	if err := client.Request(writeManifest(t, storage.Entry{ID: 0, Hash: h}), filepath.Join(t.TempDir(), "out")); err != nil {
		t.Fatal(err)
	}
	n.take()

	n.deliver(client, 2, packet.NewIHave([]chunk.Hash{h}))
	gets := n.take()
	if len(gets) != 1 || gets[0].pkt.Type != packet.TypeGet || gets[0].pkt.Seq != 1 {
		t.Fatalf("expected one GET requesting one chunk, got %v", gets)
	}
	if gets[0].pkt.Hashes()[0] != h {
		t.Error("GET addressed the wrong hash")
	}

	n.deliver(client, 2, packet.NewData(1, data[:1000]))
	n.deliver(client, 2, packet.NewData(1, data[:1000]))

	dl := client.Downloads()
	if len(dl) != 1 {
		t.Fatalf("downloads = %d, want 1", len(dl))
	}
	if got := dl[0].Chunk.Received(); got != 1 {
		t.Errorf("Received() = %d after duplicate delivery, want 1", got)
	}
	if v := client.metrics.BytesDownloaded.Value(); v != 1000 {
		t.Errorf("BytesDownloaded = %d, want 1000", v)
	}

	// out of order: block 3 arrives before block 2
	n.deliver(client, 2, packet.NewData(3, data[2000:3000]))

	acks := n.take()
	want := []uint32{1, 1, 1}
	if len(acks) != len(want) {
		t.Fatalf("ACKs sent = %d, want %d", len(acks), len(want))
	}
	for i, f := range acks {
		if f.pkt.Type != packet.TypeAck || f.pkt.Ack != want[i] {
			t.Errorf("reply %d = %s ack %d, want ACK %d", i, f.pkt.Type, f.pkt.Ack, want[i])
		}
	}
}

func TestValidationFailureResetsChunk(t *testing.T) {
	n := newTestNet(t, 1, 2)
	server := n.add(2, nil)
	client := n.add(1, nil)

	data, h := testData(3)
	bad := append([]byte{}, data...)
	bad[12345] ^= 0xff
	server.Hold(0, h, bad)

	// only the first GET reaches the server so the retry does not loop
	gets := 0
	n.drop = func(f frame) bool {
		if f.pkt.Type == packet.TypeGet {
			gets++
			return gets > 1
		}
		return false
	}

	output := filepath.Join(t.TempDir(), "out")
	if err := client.Request(writeManifest(t, storage.Entry{ID: 0, Hash: h}), output); err != nil {
		t.Fatal(err)
	}
	n.pump()

	if v := client.metrics.ValidationFailures.Value(); v != 1 {
		t.Fatalf("ValidationFailures = %d, want 1", v)
	}
	if client.Have(h) {
		t.Error("corrupt chunk must not enter have")
	}
	if missing := client.Missing(); len(missing) != 1 || missing[0] != h {
		t.Errorf("missing = %v, want [%s]", missing, h.Short())
	}

	// admission immediately retried with the same owner on a clean chunk
	dl := client.Downloads()
	if len(dl) != 1 {
		t.Fatalf("downloads = %d, want the retry transfer", len(dl))
	}
	if dl[0].Chunk.Received() != 0 || dl[0].Chunk.AckNumber() != 0 {
		t.Errorf("chunk not reset: received=%d", dl[0].Chunk.Received())
	}
	if client.audit.count(audit.EventValidationFailed) != 1 {
		t.Error("missing validation_failed audit event")
	}
	if _, err := os.Stat(output); !os.IsNotExist(err) {
		t.Error("no output should be written")
	}
	if client.out.Len() != 0 {
		t.Errorf("unexpected output %q", client.out.String())
	}
}

func TestPeerDeclaredDeadAfterTimeouts(t *testing.T) {
	n := newTestNet(t, 1, 2, 3)
	client := n.add(1, nil)

	_, h1 := testData(4)
	data2, h2 := testData(5)
	manifest := writeManifest(t, storage.Entry{ID: 0, Hash: h1}, storage.Entry{ID: 1, Hash: h2})
	if err := client.Request(manifest, filepath.Join(t.TempDir(), "out")); err != nil {
		t.Fatal(err)
	}
	n.deliver(client, 2, packet.NewIHave([]chunk.Hash{h1, h2}))
	n.deliver(client, 3, packet.NewIHave([]chunk.Hash{h2}))

	if !client.Busy(2) || !client.Busy(3) {
		t.Fatal("expected transfers with peers 2 and 3")
	}

	// peer 3 keeps streaming while peer 2 stays silent
	for i := 0; i < DefaultConfig().MaxTimeouts; i++ {
		n.clock.Add(DefaultConfig().Timeout + 500*time.Millisecond)
		n.deliver(client, 3, packet.NewData(uint32(i+1), data2[i*1000:(i+1)*1000]))
		client.Sweep()
	}

	if client.Busy(2) {
		t.Error("dead peer should be free")
	}
	p2, _ := client.dir.Get(2)
	if !p2.Dead {
		t.Error("peer 2 should be marked dead")
	}
	c1, _ := client.missing.Get(h1)
	c2, _ := client.missing.Get(h2)
	if len(c1.Owners()) != 0 {
		t.Errorf("h1 owners = %v, want none", c1.Owners())
	}
	if owners := c2.Owners(); len(owners) != 1 || owners[0] != 3 {
		t.Errorf("h2 owners = %v, want [3]", owners)
	}
	if !client.Busy(3) {
		t.Error("live transfer with peer 3 should survive")
	}

	var getsTo2 int
	for _, f := range n.sent {
		if f.pkt.Type == packet.TypeGet && f.to.String() == addrOf(2).String() {
			getsTo2++
		}
	}
	if want := DefaultConfig().MaxTimeouts; getsTo2 != want {
		t.Errorf("GETs to peer 2 = %d, want %d (one request and %d retries)", getsTo2, want, want-1)
	}
	if v := client.metrics.PeersDead.Value(); v != 1 {
		t.Errorf("PeersDead = %d, want 1", v)
	}
	if client.audit.count(audit.EventPeerDead) != 1 {
		t.Error("missing peer_dead audit event")
	}
}

func TestSweepResendsAckAfterPartialData(t *testing.T) {
	n := newTestNet(t, 1, 2)
	client := n.add(1, nil)
	data, h := testData(6)

	if err := client.Request(writeManifest(t, storage.Entry{ID: 0, Hash: h}), filepath.Join(t.TempDir(), "out")); err != nil {
		t.Fatal(err)
	}
	n.deliver(client, 2, packet.NewIHave([]chunk.Hash{h}))
	n.deliver(client, 2, packet.NewData(1, data[:1000]))
	n.deliver(client, 2, packet.NewData(2, data[1000:2000]))
	n.take()

	n.tick()

	var resent []*packet.Packet
	for _, f := range n.take() {
		if f.to.String() == addrOf(2).String() && f.pkt.Type != packet.TypeWhoHas {
			resent = append(resent, f.pkt)
		}
	}
	if len(resent) != 1 || resent[0].Type != packet.TypeAck || resent[0].Ack != 2 {
		t.Fatalf("sweep resent %v, want a single ACK 2", resent)
	}
	if v := client.metrics.Retransmissions.Values()["timeout"]; v != 1 {
		t.Errorf("timeout retransmissions = %d, want 1", v)
	}
}

func TestDeniedFreesPeer(t *testing.T) {
	n := newTestNet(t, 1, 2)
	client := n.add(1, nil)
	_, h := testData(7)

	if err := client.Request(writeManifest(t, storage.Entry{ID: 0, Hash: h}), filepath.Join(t.TempDir(), "out")); err != nil {
		t.Fatal(err)
	}
	n.deliver(client, 2, packet.NewIHave([]chunk.Hash{h}))
	n.take()

	n.deliver(client, 2, packet.NewDenied(h))
	if client.Busy(2) || len(client.Downloads()) != 0 {
		t.Fatal("DENIED should destroy the transfer")
	}
	if missing := client.Missing(); len(missing) != 1 {
		t.Errorf("chunk should stay missing, got %v", missing)
	}

	// the next sweep retries the same owner
	n.tick()
	var regets int
	for _, f := range n.take() {
		if f.pkt.Type == packet.TypeGet {
			regets++
		}
	}
	if regets != 1 {
		t.Errorf("GETs after sweep = %d, want 1", regets)
	}
}

func TestIHaveDedupesOwners(t *testing.T) {
	n := newTestNet(t, 1, 2, 3)
	client := n.add(1, nil)
	_, h1 := testData(8)
	_, h2 := testData(9)
	_, other := testData(99)

	manifest := writeManifest(t, storage.Entry{ID: 0, Hash: h1}, storage.Entry{ID: 1, Hash: h2})
	if err := client.Request(manifest, filepath.Join(t.TempDir(), "out")); err != nil {
		t.Fatal(err)
	}
	n.deliver(client, 2, packet.NewIHave([]chunk.Hash{h1, other}))
	n.deliver(client, 2, packet.NewIHave([]chunk.Hash{h1, h2}))
	n.deliver(client, 3, packet.NewIHave([]chunk.Hash{h1}))

	c1, _ := client.missing.Get(h1)
	if owners := c1.Owners(); len(owners) != 2 || owners[0] != 2 || owners[1] != 3 {
		t.Errorf("h1 owners = %v, want [2 3]", owners)
	}
	if client.missing.Has(other) {
		t.Error("unrequested hash must not become missing")
	}

	// one transfer per chunk: h1 bound to peer 2, h2 waits for a free owner
	dl := client.Downloads()
	if len(dl) != 1 || dl[0].PeerID != 2 || dl[0].Chunk.Hash != h1 {
		t.Errorf("downloads = %v, want h1 from peer 2", dl)
	}
}

func TestWhoHasFloodIsBatched(t *testing.T) {
	n := newTestNet(t, 1, 2, 3)
	client := n.add(1, nil)

	var entries []storage.Entry
	for i := 0; i < 100; i++ {
		entries = append(entries, storage.Entry{ID: i, Hash: chunk.HashOf([]byte{byte(i), byte(i >> 8)})})
	}
	if err := client.Request(writeManifest(t, entries...), filepath.Join(t.TempDir(), "out")); err != nil {
		t.Fatal(err)
	}

	whohas := n.sentBy(1, packet.TypeWhoHas)
	if len(whohas) != 4 {
		t.Fatalf("WHOHAS packets = %d, want 2 batches to 2 peers", len(whohas))
	}
	sizes := map[int]int{}
	for _, p := range whohas {
		sizes[len(p.Hashes())]++
	}
	if sizes[packet.MaxHashes] != 2 || sizes[100-packet.MaxHashes] != 2 {
		t.Errorf("batch sizes = %v", sizes)
	}
	for _, f := range n.sent {
		if f.to.String() == addrOf(1).String() {
			t.Error("peer must not flood itself")
		}
	}
}

func TestRequestAlreadyHeldAssemblesImmediately(t *testing.T) {
	n := newTestNet(t, 1, 2)
	client := n.add(1, nil)
	data0, h0 := testData(20)
	data1, h1 := testData(21)
	client.Hold(0, h0, data0)
	client.Hold(1, h1, data1)

	// manifest order differs from file order
	manifest := writeManifest(t, storage.Entry{ID: 1, Hash: h1}, storage.Entry{ID: 0, Hash: h0})
	output := filepath.Join(t.TempDir(), "out")
	if err := client.Request(manifest, output); err != nil {
		t.Fatal(err)
	}

	if len(n.sent) != 0 {
		t.Errorf("no packets expected, sent %d", len(n.sent))
	}
	got, err := os.ReadFile(output)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got[:chunk.Size], data0) || !bytes.Equal(got[chunk.Size:], data1) {
		t.Error("chunks not placed at their file offsets")
	}
	if client.out.String() != "GOT "+manifest+"\n" {
		t.Errorf("output = %q", client.out.String())
	}
}

func TestRequestRejectedWhileInProgress(t *testing.T) {
	n := newTestNet(t, 1, 2)
	client := n.add(1, nil)
	_, h := testData(30)
	manifest := writeManifest(t, storage.Entry{ID: 0, Hash: h})

	if err := client.Request(manifest, filepath.Join(t.TempDir(), "a")); err != nil {
		t.Fatal(err)
	}
	first := client.Pending()
	if len(first.ID) != requestid.Len {
		t.Errorf("request id %q is malformed", first.ID)
	}
	err := client.Request(manifest, filepath.Join(t.TempDir(), "b"))
	if !errors.Is(err, ErrRequestInProgress) {
		t.Errorf("second Request() = %v, want ErrRequestInProgress", err)
	}
	if client.Pending() != first {
		t.Error("rejected request must not replace the pending one")
	}
}

func TestRequestMissingManifest(t *testing.T) {
	n := newTestNet(t, 1, 2)
	client := n.add(1, nil)

	if err := client.Request(filepath.Join(t.TempDir(), "nope"), "out"); err == nil {
		t.Fatal("expected error for missing manifest")
	}
	if client.Pending() != nil {
		t.Error("failed request must not stay pending")
	}
}
