package engine

import (
	"context"
	"errors"
	"strings"

	"go.uber.org/zap"

	"github.com/debswarm/chunkswarm/internal/sanitize"
	"github.com/debswarm/chunkswarm/internal/transport"
)

// ErrBadCommand is returned for control input that is not a fetch request.
var ErrBadCommand = errors.New("expected: GET <chunkfile> <outputfile>")

// Command is one parsed control input line.
type Command struct {
	ChunkFile  string
	OutputFile string
}

// ParseCommand parses a control line of the form "GET <chunkfile> <outputfile>".
func ParseCommand(line string) (Command, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 || fields[0] != "GET" {
		return Command{}, ErrBadCommand
	}
	return Command{ChunkFile: fields[1], OutputFile: fields[2]}, nil
}

// HandleControl parses and executes one control line. Malformed lines and
// failed requests are logged and otherwise ignored.
func (s *Session) HandleControl(line string) {
	line = strings.TrimSpace(line)
	if line == "" {
		return
	}
	cmd, err := ParseCommand(line)
	if err != nil {
		s.logger.Warn("Ignoring control input", sanitize.Field("line", line), zap.Error(err))
		return
	}
	if err := s.Request(cmd.ChunkFile, cmd.OutputFile); err != nil {
		s.logger.Warn("Request failed",
			sanitize.Field("chunk_file", cmd.ChunkFile),
			zap.Error(err))
	}
}

// Run is the control loop. Each cycle handles exactly one of an inbound
// packet, a control line, or a timeout sweep, so the session is never
// touched concurrently. Run returns when ctx is cancelled or inbound is
// closed. A closed control channel only stops control input.
func (s *Session) Run(ctx context.Context, inbound <-chan transport.Datagram, control <-chan string) error {
	ticker := s.clock.Ticker(s.pollInterval)
	defer ticker.Stop()

	s.logger.Info("Peer running",
		zap.Stringer("self", s.dir.Self()),
		zap.Int("have", s.have.Len()),
		zap.Int("max_conn", s.maxConn))

	for {
		select {
		case <-ctx.Done():
			return nil
		case d, ok := <-inbound:
			if !ok {
				return nil
			}
			s.HandlePacket(d.From, d.Packet)
		case line, ok := <-control:
			if !ok {
				control = nil
				continue
			}
			s.HandleControl(line)
		case <-ticker.C:
			s.Sweep()
		}
	}
}
