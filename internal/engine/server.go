package engine

import (
	"strconv"

	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/audit"
	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/packet"
	"github.com/debswarm/chunkswarm/internal/peers"
	"github.com/debswarm/chunkswarm/internal/transfer"
)

// Reasons a GET is denied. All share the DENIED wire signal.
const (
	DenyNotOwned = "not_owned"
	DenyBusy     = "busy"
	DenyInUse    = "in_use"
)

func peerLabel(id int) string {
	return strconv.Itoa(id)
}

func (s *Session) onWhoHas(p *peers.Peer, pkt *packet.Packet) {
	var matches []chunk.Hash
	for _, h := range pkt.Hashes() {
		if s.have.Has(h) {
			matches = append(matches, h)
		}
	}
	s.send(p, packet.NewIHave(matches))
}

func (s *Session) onGet(p *peers.Peer, pkt *packet.Packet) {
	hashes := pkt.Hashes()
	if len(hashes) == 0 {
		s.metrics.PacketsDropped.WithLabel("empty_get").Inc()
		return
	}
	h := hashes[0]

	c, ok := s.have.Get(h)
	if !ok {
		s.deny(p, h, DenyNotOwned)
		return
	}

	if t, ok := s.outgoing.Get(p.ID); ok {
		if t.Chunk.Hash == h {
			// the first burst was lost; start over from the window base
			t.CC.Next = t.CC.Begin
			t.Touch(s.clock.Now())
			s.stream(t, p)
			return
		}
		s.outgoing.Remove(p.ID)
		s.logger.Debug("Peer switched chunks, dropping previous upload",
			zap.Stringer("peer", p),
			zap.String("previous", t.Chunk.Hash.Short()),
			zap.String("hash", h.Short()))
	}

	if _, ok := s.outgoing.FindByHash(h); ok {
		// Another peer holds this hash's upload; capacity is checked below.
		s.deny(p, h, DenyInUse)
		return
	}
	if s.outgoing.Len() >= s.maxConn {
		s.deny(p, h, DenyBusy)
		return
	}

	t := s.newTransfer(p.ID, c, nil)
	s.outgoing.Add(t)
	s.logger.Debug("Serving chunk",
		zap.Stringer("peer", p),
		zap.String("hash", h.Short()))
	s.stream(t, p)
}

func (s *Session) deny(p *peers.Peer, h chunk.Hash, reason string) {
	s.metrics.Denied.WithLabel(reason).Inc()
	s.audit.Log(audit.NewTransferDeniedEvent(s.clock.Now(), p.ID, h.String(), reason))
	s.logger.Debug("Denying request",
		zap.Stringer("peer", p),
		zap.String("hash", h.Short()),
		zap.String("reason", reason))
	s.send(p, packet.NewDenied(h))
}

// stream sends every block from the window's next cursor up to its limit.
// It stops early when the upload budget is spent; the next ACK or a
// duplicate-ACK resend picks up from there.
func (s *Session) stream(t *transfer.Transfer, p *peers.Peer) {
	cc := t.CC
	cc.DupAcks = 0
	uploaded := s.metrics.BytesUploaded.WithLabel(peerLabel(p.ID))

	for limit := cc.Limit(); cc.Next < limit; cc.Next++ {
		block := t.Chunk.Block(int(cc.Next))
		if !s.limiter.Allow(len(block)) {
			s.metrics.RateLimited.Inc()
			return
		}
		if err := s.send(p, packet.NewData(cc.Next+1, block)); err != nil {
			return
		}
		uploaded.Add(int64(len(block)))
	}
}

func (s *Session) onAck(p *peers.Peer, pkt *packet.Packet) {
	t, ok := s.outgoing.Get(p.ID)
	if !ok {
		s.metrics.PacketsDropped.WithLabel("unknown_transfer").Inc()
		return
	}

	now := s.clock.Now()
	last := t.Timestamp
	t.Touch(now)
	t.CC.Timeouts = 0

	switch ack := pkt.Ack; {
	case ack >= chunk.MaxSeqNum:
		s.finishUpload(t, p)
	case ack > t.CC.Begin:
		t.CC.OnAck(ack, last)
		s.stream(t, p)
	case ack == t.CC.Begin:
		if t.CC.OnDuplicateAck() {
			s.metrics.Retransmissions.WithLabel("dup_ack").Inc()
			s.logger.Debug("Triple duplicate ACK, resending window",
				zap.Stringer("peer", p),
				zap.Uint32("begin", t.CC.Begin),
				zap.Int("window", t.CC.Window))
			s.stream(t, p)
		}
	}
}

func (s *Session) finishUpload(t *transfer.Transfer, p *peers.Peer) {
	s.outgoing.Remove(t.PeerID)
	s.metrics.CongestionWindow.Delete(peerLabel(t.PeerID))

	elapsed := t.Timer.ObserveDuration()
	p.ChunksServed++
	s.metrics.ChunksServed.Inc()
	s.audit.Log(audit.NewChunkServedEvent(s.clock.Now(), p.ID, t.Chunk.Hash.String(), chunk.Size, elapsed))
	s.logger.Info("Chunk served",
		zap.Stringer("peer", p),
		zap.String("hash", t.Chunk.Hash.Short()),
		zap.Duration("duration", elapsed))

	if s.cache != nil {
		if err := s.cache.RecordServe(t.Chunk.Hash); err != nil {
			s.logger.Debug("Failed to record serve", zap.Error(err))
		}
	}
}

// sweepUploads treats a stalled upload as a loss and abandons it after
// maxTimeouts consecutive stalls. Nothing is resent from here.
func (s *Session) sweepUploads() {
	now := s.clock.Now()
	for _, t := range s.outgoing.All() {
		if !t.TimedOut(now, s.timeout) {
			continue
		}
		t.CC.Timeouts++
		s.metrics.Timeouts.WithLabel("server").Inc()

		if t.CC.Timeouts >= s.maxTimeouts {
			s.outgoing.Remove(t.PeerID)
			s.metrics.CongestionWindow.Delete(peerLabel(t.PeerID))
			s.audit.Log(audit.NewTransferTimeoutEvent(now, t.PeerID, t.Chunk.Hash.String(), "server"))
			s.logger.Info("Abandoning stalled upload",
				zap.Int("peer", t.PeerID),
				zap.String("hash", t.Chunk.Hash.Short()))
			continue
		}
		t.CC.OnLoss()
	}
}
