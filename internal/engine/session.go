// Package engine drives the chunk exchange protocol. A Session owns every
// piece of mutable peer state (chunk lists, transfer tables, the peer
// directory) and is only ever touched from the control loop in Run, so it
// carries no locks.
package engine

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/audit"
	"github.com/debswarm/chunkswarm/internal/cache"
	"github.com/debswarm/chunkswarm/internal/chunk"
	"github.com/debswarm/chunkswarm/internal/congestion"
	"github.com/debswarm/chunkswarm/internal/metrics"
	"github.com/debswarm/chunkswarm/internal/packet"
	"github.com/debswarm/chunkswarm/internal/peers"
	"github.com/debswarm/chunkswarm/internal/ratelimit"
	"github.com/debswarm/chunkswarm/internal/storage"
	"github.com/debswarm/chunkswarm/internal/transfer"
)

// ErrRequestInProgress is returned when a fetch request arrives while a
// previous one has not been assembled yet.
var ErrRequestInProgress = errors.New("a request is already in progress")

// Defaults
const (
	DefaultMaxConn      = 4
	DefaultPollInterval = time.Second
)

// Sender delivers one packet to one address.
type Sender interface {
	Send(p *packet.Packet, addr net.Addr) error
}

// Config holds engine tuning and optional collaborators.
type Config struct {
	// MaxConn caps concurrent outgoing transfers.
	MaxConn      int
	Timeout      time.Duration
	MaxTimeouts  int
	PollInterval time.Duration
	Congestion   congestion.Config

	Metrics *metrics.Metrics
	Audit   audit.Logger
	Cache   *cache.Cache
	Limiter *ratelimit.Limiter
	Clock   clock.Clock

	// Output receives the GOT line printed when a request is assembled.
	Output io.Writer
}

// DefaultConfig returns default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConn:      DefaultMaxConn,
		Timeout:      transfer.DefaultTimeout,
		MaxTimeouts:  transfer.DefaultMaxTimeouts,
		PollInterval: DefaultPollInterval,
		Congestion:   congestion.DefaultConfig(),
	}
}

// Request is one fetch issued on the control input.
type Request struct {
	// ID tags the request's log lines.
	ID         string
	ChunkFile  string
	OutputFile string

	// Wanted lists every chunk of the output in manifest order.
	Wanted  []storage.Entry
	Started time.Time
}

// Session is the single owner of a peer's protocol state.
type Session struct {
	maxConn      int
	timeout      time.Duration
	maxTimeouts  int
	pollInterval time.Duration
	congestion   congestion.Config

	dir     *peers.Directory
	sender  Sender
	logger  *zap.Logger
	metrics *metrics.Metrics
	audit   audit.Logger
	cache   *cache.Cache
	limiter *ratelimit.Limiter
	clock   clock.Clock
	out     io.Writer

	// started anchors the elapsed times of the window trace.
	started time.Time

	have    *chunk.List
	missing *chunk.List
	request *Request

	incoming *transfer.Table
	outgoing *transfer.Table
}

// New creates a session for the local peer described by dir.
func New(cfg *Config, dir *peers.Directory, sender Sender, logger *zap.Logger) *Session {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &Session{
		maxConn:      cfg.MaxConn,
		timeout:      cfg.Timeout,
		maxTimeouts:  cfg.MaxTimeouts,
		pollInterval: cfg.PollInterval,
		congestion:   cfg.Congestion,
		dir:          dir,
		sender:       sender,
		logger:       logger,
		metrics:      cfg.Metrics,
		audit:        cfg.Audit,
		cache:        cfg.Cache,
		limiter:      cfg.Limiter,
		clock:        cfg.Clock,
		out:          cfg.Output,
		have:         chunk.NewList(),
		missing:      chunk.NewList(),
		incoming:     transfer.NewTable(),
		outgoing:     transfer.NewTable(),
	}

	if s.maxConn <= 0 {
		s.maxConn = DefaultMaxConn
	}
	if s.timeout <= 0 {
		s.timeout = transfer.DefaultTimeout
	}
	if s.maxTimeouts <= 0 {
		s.maxTimeouts = transfer.DefaultMaxTimeouts
	}
	if s.pollInterval <= 0 {
		s.pollInterval = DefaultPollInterval
	}
	if s.metrics == nil {
		s.metrics = metrics.New()
	}
	if s.audit == nil {
		s.audit = &audit.NoopLogger{}
	}
	if s.clock == nil {
		s.clock = clock.New()
	}
	s.started = s.clock.Now()
	if s.out == nil {
		s.out = os.Stdout
	}
	return s
}

// Hold adds locally available chunk content to the have list. It returns
// false if the hash is already held.
func (s *Session) Hold(id int, h chunk.Hash, data []byte) bool {
	if s.have.Has(h) {
		return false
	}
	c := chunk.New(id, h)
	c.Load(data)
	s.have.Add(c)
	return true
}

// Seed loads the chunks listed in the has-chunk manifest from the master
// data file into the have list.
func (s *Session) Seed(entries []storage.Entry, dataFile string) error {
	if len(entries) == 0 {
		return nil
	}
	ids := make([]int, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	bodies, err := storage.ReadChunks(dataFile, ids)
	if err != nil {
		return err
	}
	for _, e := range entries {
		data, ok := bodies[e.ID]
		if !ok {
			return fmt.Errorf("chunk %d is beyond the end of %s", e.ID, dataFile)
		}
		s.Hold(e.ID, e.Hash, data)
	}
	s.logger.Info("Seeded chunks",
		zap.Int("count", len(entries)),
		zap.String("data_file", dataFile))
	return nil
}

// LoadCache adds every chunk held in the cache to the have list.
func (s *Session) LoadCache() (int, error) {
	if s.cache == nil {
		return 0, nil
	}
	entries, err := s.cache.List()
	if err != nil {
		return 0, err
	}
	loaded := 0
	for _, e := range entries {
		if s.have.Has(e.Hash) {
			continue
		}
		data, err := s.cache.Get(e.Hash)
		if err != nil {
			s.logger.Warn("Skipping unreadable cached chunk",
				zap.String("hash", e.Hash.Short()),
				zap.Error(err))
			continue
		}
		if s.Hold(-1, e.Hash, data) {
			loaded++
		}
	}
	return loaded, nil
}

// Have reports whether the chunk with hash h is held locally.
func (s *Session) Have(h chunk.Hash) bool {
	return s.have.Has(h)
}

// Held returns how many chunks are held locally.
func (s *Session) Held() int {
	return s.have.Len()
}

// Missing returns the hashes still being fetched, in request order.
func (s *Session) Missing() []chunk.Hash {
	return s.missing.Hashes()
}

// Pending returns the in-progress request, or nil.
func (s *Session) Pending() *Request {
	return s.request
}

// Downloads returns the live incoming transfers.
func (s *Session) Downloads() []*transfer.Transfer {
	return s.incoming.All()
}

// Uploads returns the live outgoing transfers.
func (s *Session) Uploads() []*transfer.Transfer {
	return s.outgoing.All()
}

// Busy reports whether peerID is bound to a transfer in either direction.
func (s *Session) Busy(peerID int) bool {
	return s.incoming.Has(peerID) || s.outgoing.Has(peerID)
}

// newTransfer binds peerID to c and reports every window change of the
// new transfer to the metrics and audit sinks. The transfer's duration is
// observed into elapsed when it completes; elapsed may be nil.
func (s *Session) newTransfer(peerID int, c *chunk.Chunk, elapsed *metrics.Histogram) *transfer.Transfer {
	var t *transfer.Transfer
	t = transfer.New(peerID, c, s.congestion, s.clock, func(window int) {
		s.windowChanged(t, window)
	})
	t.Timer = metrics.NewTimer(elapsed, s.clock)
	return t
}

func (s *Session) windowChanged(t *transfer.Transfer, window int) {
	now := s.clock.Now()
	s.metrics.CongestionWindow.WithLabel(peerLabel(t.PeerID)).Set(float64(window))
	s.metrics.WindowSize.Observe(float64(window))
	s.audit.Log(audit.NewWindowSizeEvent(now, t.PeerID, now.Sub(s.started), window))
}

func (s *Session) send(p *peers.Peer, pkt *packet.Packet) error {
	p.LastSent = s.clock.Now()
	if err := s.sender.Send(pkt, p.Addr); err != nil {
		s.logger.Debug("Send failed",
			zap.Stringer("peer", p),
			zap.Stringer("type", pkt.Type),
			zap.Error(err))
		return err
	}
	return nil
}

func (s *Session) updateGauges() {
	s.metrics.ActiveDownloads.Set(float64(s.incoming.Len()))
	s.metrics.ActiveUploads.Set(float64(s.outgoing.Len()))
	s.metrics.MissingChunks.Set(float64(s.missing.Len()))
	s.metrics.UploadBudget.Set(s.limiter.Tokens())
}

// HandlePacket processes one inbound packet. Packets from addresses outside
// the roster are dropped.
func (s *Session) HandlePacket(from net.Addr, pkt *packet.Packet) {
	p, ok := s.dir.Resolve(from)
	if !ok {
		s.metrics.PacketsDropped.WithLabel("unknown_peer").Inc()
		s.logger.Debug("Dropping packet from unknown address",
			zap.Stringer("from", from),
			zap.Stringer("type", pkt.Type))
		return
	}
	s.dir.Seen(p)

	switch pkt.Type {
	case packet.TypeWhoHas:
		s.onWhoHas(p, pkt)
	case packet.TypeIHave:
		s.onIHave(p, pkt)
	case packet.TypeGet:
		s.onGet(p, pkt)
	case packet.TypeData:
		s.onData(p, pkt)
	case packet.TypeAck:
		s.onAck(p, pkt)
	case packet.TypeDenied:
		s.onDenied(p, pkt)
	}
	s.updateGauges()
}

// Sweep runs the timeout checks of both directions.
func (s *Session) Sweep() {
	s.sweepUploads()
	s.sweepDownloads()
	s.updateGauges()
}
