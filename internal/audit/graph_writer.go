package audit

import (
	"fmt"
	"io"
	"sync"
)

// GraphWriter emits window_size events as tab-separated plot rows:
//
//	T<peer>\t<elapsed_ms>\t<window>
//
// All other event types are ignored.
type GraphWriter struct {
	mu     sync.Mutex
	w      io.Writer
	closer io.Closer
}

// NewGraphWriter writes plot rows to w. If w is also an io.Closer it is
// closed by Close.
func NewGraphWriter(w io.Writer) *GraphWriter {
	g := &GraphWriter{w: w}
	if c, ok := w.(io.Closer); ok {
		g.closer = c
	}
	return g
}

func (g *GraphWriter) Log(event Event) {
	if event.EventType != EventWindowSize {
		return
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	_, _ = fmt.Fprintf(g.w, "T%d\t%d\t%d\n", event.PeerID, event.ElapsedMs, event.Window)
}

func (g *GraphWriter) Close() error {
	if g.closer == nil {
		return nil
	}
	return g.closer.Close()
}

// Multi fans events out to several loggers.
type Multi []Logger

func (m Multi) Log(event Event) {
	for _, l := range m {
		l.Log(event)
	}
}

// Close closes every logger and returns the first error.
func (m Multi) Close() error {
	var first error
	for _, l := range m {
		if err := l.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

var (
	_ Logger = (*GraphWriter)(nil)
	_ Logger = Multi(nil)
)
