package engine

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/audit"
	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/packet"
	"github.com/debswarm/chunkswarm/internal/peers"
	"github.com/debswarm/chunkswarm/internal/requestid"
	"github.com/debswarm/chunkswarm/internal/sanitize"
	"github.com/debswarm/chunkswarm/internal/storage"
	"github.com/debswarm/chunkswarm/internal/transfer"
)

// Request starts fetching every chunk listed in chunkFile. Chunks already
// held are not fetched again. Once nothing is missing the chunks are
// assembled into outputFile.
func (s *Session) Request(chunkFile, outputFile string) error {
	if s.request != nil {
		return ErrRequestInProgress
	}
	entries, err := storage.LoadManifest(chunkFile)
	if err != nil {
		return err
	}

	now := s.clock.Now()
	s.request = &Request{
		ID:         requestid.New(now),
		ChunkFile:  chunkFile,
		OutputFile: outputFile,
		Wanted:     entries,
		Started:    now,
	}

	for _, e := range entries {
		if s.have.Has(e.Hash) || s.missing.Has(e.Hash) {
			continue
		}
		if s.fromCache(e) {
			continue
		}
		s.missing.Add(chunk.New(e.ID, e.Hash))
	}

	requestid.Logger(s.logger, s.request.ID).Info("Fetching chunks",
		sanitize.Field("chunk_file", chunkFile),
		sanitize.Field("output", outputFile),
		zap.Int("wanted", len(entries)),
		zap.Int("missing", s.missing.Len()))

	defer s.updateGauges()
	if s.missing.Len() == 0 {
		return s.assemble()
	}
	s.discover()
	return nil
}

func (s *Session) fromCache(e storage.Entry) bool {
	if s.cache == nil {
		return false
	}
	if !s.cache.Has(e.Hash) {
		s.metrics.CacheMisses.Inc()
		return false
	}
	data, err := s.cache.Get(e.Hash)
	if err != nil {
		s.metrics.CacheMisses.Inc()
		s.logger.Warn("Cached chunk unusable",
			zap.String("hash", e.Hash.Short()),
			zap.Error(err))
		return false
	}
	s.metrics.CacheHits.Inc()
	return s.Hold(e.ID, e.Hash, data)
}

// discover floods WHOHAS for every missing chunk to every other peer.
func (s *Session) discover() {
	for _, batch := range packet.SplitHashes(s.missing.Hashes()) {
		pkt := packet.NewWhoHas(batch)
		err := s.dir.Broadcast(func(p *peers.Peer) error {
			return s.sender.Send(pkt, p.Addr)
		})
		if err != nil {
			s.logger.Debug("WHOHAS flood incomplete", zap.Error(err))
		}
	}
}

// admit opens a transfer for every missing chunk that has no transfer yet
// and an owner that is free in both directions.
func (s *Session) admit() {
	self := s.dir.Self().ID
	for _, c := range s.missing.All() {
		if _, ok := s.incoming.FindByHash(c.Hash); ok {
			continue
		}
		for _, id := range c.Owners() {
			if id == self || s.Busy(id) {
				continue
			}
			p, ok := s.dir.Get(id)
			if !ok {
				continue
			}
			t := s.newTransfer(id, c, s.metrics.ChunkDownloadTime)
			s.incoming.Add(t)
			s.logger.Debug("Requesting chunk",
				zap.Stringer("peer", p),
				zap.String("hash", c.Hash.Short()))
			s.sendGet(t, p)
			break
		}
	}
}

func (s *Session) sendGet(t *transfer.Transfer, p *peers.Peer) {
	s.send(p, packet.NewGet(t.Chunk.Hash, 1))
	t.Touch(s.clock.Now())
}

func (s *Session) sendAck(t *transfer.Transfer, p *peers.Peer) {
	s.send(p, packet.NewAck(t.Chunk.AckNumber()))
	t.Touch(s.clock.Now())
}

func (s *Session) onIHave(p *peers.Peer, pkt *packet.Packet) {
	for _, h := range pkt.Hashes() {
		if c, ok := s.missing.Get(h); ok {
			c.AddOwner(p.ID)
		}
	}
	s.admit()
}

func (s *Session) onDenied(p *peers.Peer, pkt *packet.Packet) {
	t, ok := s.incoming.Remove(p.ID)
	if !ok {
		return
	}
	s.metrics.CongestionWindow.Delete(peerLabel(p.ID))
	s.audit.Log(audit.NewTransferDeniedEvent(s.clock.Now(), p.ID, t.Chunk.Hash.String(), "denied"))
	s.logger.Debug("Request denied",
		zap.Stringer("peer", p),
		zap.String("hash", t.Chunk.Hash.Short()))
}

func (s *Session) onData(p *peers.Peer, pkt *packet.Packet) {
	t, ok := s.incoming.Get(p.ID)
	if !ok {
		s.metrics.PacketsDropped.WithLabel("unknown_transfer").Inc()
		return
	}

	payload := pkt.Data()
	if pkt.Seq > 0 && t.Chunk.Store(int(pkt.Seq)-1, payload) {
		s.metrics.BytesDownloaded.Add(int64(len(payload)))
	}
	t.CC.Timeouts = 0
	s.sendAck(t, p)

	if !t.Chunk.Complete() {
		return
	}
	s.finishDownload(t, p)
	s.admit()
}

// finishDownload releases a fully received transfer and validates its chunk.
func (s *Session) finishDownload(t *transfer.Transfer, p *peers.Peer) {
	s.incoming.Remove(t.PeerID)
	s.metrics.CongestionWindow.Delete(peerLabel(t.PeerID))

	c := t.Chunk
	if !c.Verify() {
		now := s.clock.Now()
		c.Reset()
		s.metrics.ValidationFailures.Inc()
		s.audit.Log(audit.NewValidationFailedEvent(now, p.ID, c.Hash.String()))
		s.logger.Warn("Chunk failed validation, refetching",
			zap.Stringer("peer", p),
			zap.Int("chunk", c.ID),
			zap.String("hash", c.Hash.Short()))
		return
	}

	elapsed := t.Timer.ObserveDuration()
	s.missing.Remove(c.Hash)
	s.have.Add(c)
	p.ChunksFetched++
	s.metrics.ChunksFetched.Inc()
	s.audit.Log(audit.NewChunkReceivedEvent(s.clock.Now(), p.ID, c.Hash.String(), chunk.Size, elapsed))
	s.logger.Info("Chunk received",
		zap.Stringer("peer", p),
		zap.Int("chunk", c.ID),
		zap.String("hash", c.Hash.Short()),
		zap.Duration("duration", elapsed))

	if s.cache != nil {
		if err := s.cache.Put(c.Hash, c.Data()); err != nil {
			s.logger.Warn("Failed to cache chunk",
				zap.String("hash", c.Hash.Short()),
				zap.Error(err))
		}
	}

	if s.missing.Len() == 0 && s.request != nil {
		if err := s.assemble(); err != nil {
			s.logger.Error("Failed to assemble output", zap.Error(err))
		}
	}
}

// assemble writes every wanted chunk at its file offset, reports the
// finished request and clears it.
func (s *Session) assemble() error {
	req := s.request
	s.request = nil

	size, err := storage.WriteOutput(req.OutputFile, req.Wanted, func(h chunk.Hash) ([]byte, bool) {
		c, ok := s.have.Get(h)
		if !ok {
			return nil, false
		}
		return c.Data(), true
	})
	if err != nil {
		return fmt.Errorf("assemble %s: %w", req.OutputFile, err)
	}

	now := s.clock.Now()
	s.audit.Log(audit.NewOutputWrittenEvent(now, req.OutputFile, size))
	requestid.Logger(s.logger, req.ID).Info("Output assembled",
		sanitize.Field("output", req.OutputFile),
		zap.Int("chunks", len(req.Wanted)),
		zap.Int64("size", size),
		zap.Duration("duration", now.Sub(req.Started)))
	fmt.Fprintf(s.out, "GOT %s\n", req.ChunkFile)
	return nil
}

// sweepDownloads retries stalled downloads and gives up on peers that
// stayed silent for maxTimeouts consecutive sweeps.
func (s *Session) sweepDownloads() {
	if s.missing.Len() == 0 {
		return
	}

	now := s.clock.Now()
	for _, t := range s.incoming.All() {
		if !t.TimedOut(now, s.timeout) {
			continue
		}
		t.CC.Timeouts++
		s.metrics.Timeouts.WithLabel("client").Inc()

		p, ok := s.dir.Get(t.PeerID)
		if !ok {
			s.incoming.Remove(t.PeerID)
			continue
		}
		if t.CC.Timeouts >= s.maxTimeouts {
			s.peerDead(p, t)
			continue
		}

		s.metrics.Retransmissions.WithLabel("timeout").Inc()
		if t.Chunk.Received() == 0 {
			s.sendGet(t, p)
		} else {
			s.sendAck(t, p)
		}
	}

	s.admit()
	if s.incoming.Len() < s.missing.Len() {
		s.discover()
	}
}

// peerDead abandons t and forgets p as an owner of any missing chunk.
func (s *Session) peerDead(p *peers.Peer, t *transfer.Transfer) {
	for _, c := range s.missing.All() {
		c.RemoveOwner(p.ID)
	}
	s.incoming.Remove(p.ID)
	s.metrics.CongestionWindow.Delete(peerLabel(p.ID))
	s.dir.MarkDead(p)
	p.Timeouts = t.CC.Timeouts

	now := s.clock.Now()
	s.metrics.PeersDead.Inc()
	s.audit.Log(audit.NewTransferTimeoutEvent(now, p.ID, t.Chunk.Hash.String(), "client"))
	s.audit.Log(audit.NewPeerDeadEvent(now, p.ID))
	s.logger.Warn("Peer unresponsive, abandoning transfer",
		zap.Stringer("peer", p),
		zap.String("hash", t.Chunk.Hash.Short()),
		zap.Int("timeouts", t.CC.Timeouts))
}
