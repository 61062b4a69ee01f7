// Package lifecycle supervises the goroutines of a running peer.
package lifecycle

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// Manager coordinates the lifecycle of background goroutines.
// It provides a context that is cancelled on Stop or when a tracked
// goroutine fails, and waits for every goroutine on shutdown.
type Manager struct {
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	clock  clock.Clock

	mu  sync.Mutex
	err error
}

// New creates a new lifecycle Manager with a cancellable context
// derived from the provided parent context.
func New(parent context.Context, clk clock.Clock) *Manager {
	if parent == nil {
		parent = context.Background()
	}
	if clk == nil {
		clk = clock.New()
	}
	ctx, cancel := context.WithCancel(parent)
	return &Manager{
		ctx:    ctx,
		cancel: cancel,
		clock:  clk,
	}
}

// Context returns the manager's context.
func (m *Manager) Context() context.Context {
	return m.ctx
}

// Go starts a goroutine that is tracked by the manager. A non-nil error
// from fn is recorded and cancels every other goroutine.
func (m *Manager) Go(name string, fn func(ctx context.Context) error) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := fn(m.ctx); err != nil {
			m.fail(&TaskError{Name: name, Err: err})
		}
	}()
}

func (m *Manager) fail(err error) {
	m.mu.Lock()
	if m.err == nil {
		m.err = err
	}
	m.mu.Unlock()
	m.cancel()
}

// Err returns the first task failure, or nil.
func (m *Manager) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// Wait blocks until every tracked goroutine has returned and reports the
// first failure.
func (m *Manager) Wait() error {
	m.wg.Wait()
	return m.Err()
}

// Stop cancels the context and waits for all tracked goroutines to finish.
func (m *Manager) Stop() error {
	m.cancel()
	return m.Wait()
}

// StopWithTimeout cancels the context and waits for goroutines to finish
// up to the specified timeout. Returns context.DeadlineExceeded if timeout is reached.
func (m *Manager) StopWithTimeout(timeout time.Duration) error {
	m.cancel()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return m.Err()
	case <-m.clock.After(timeout):
		return context.DeadlineExceeded
	}
}

// Done returns a channel that is closed when the manager's context is cancelled.
func (m *Manager) Done() <-chan struct{} {
	return m.ctx.Done()
}

// TaskError names the goroutine that failed.
type TaskError struct {
	Name string
	Err  error
}

func (e *TaskError) Error() string {
	return e.Name + ": " + e.Err.Error()
}

func (e *TaskError) Unwrap() error {
	return e.Err
}
