// Package worker tracks the background goroutine driving each in-flight
// execution. It holds only a cancellation capability and a pause gate per
// execution, never the execution's persisted state.
package worker

import (
	"context"
	"errors"
	"log/slog"
	"runtime/debug"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/seantiz/agentexec/internal/metrics"
)

var (
	// ErrAlreadyRunning is returned by Spawn when a worker is already tracked
	// for the execution id.
	ErrAlreadyRunning = errors.New("worker already running")

	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("worker manager closed")
)

// Work is the body of a worker. ctx is cancelled when the worker is
// cancelled; h exposes the pause gate.
type Work func(ctx context.Context, h *Handle)

// Handle is the manager's reference to one running worker.
type Handle struct {
	id     string
	cancel context.CancelFunc
	done   chan struct{}

	mu   sync.Mutex
	gate chan struct{} // non-nil while paused; closed on resume
}

// ID returns the execution id the worker is bound to.
func (h *Handle) ID() string { return h.id }

// Done is closed once the worker has returned and been untracked.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks while the worker is paused. It returns ctx.Err() if ctx is
// cancelled, and nil once the worker may proceed.
func (h *Handle) Wait(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		h.mu.Lock()
		g := h.gate
		h.mu.Unlock()
		if g == nil {
			return nil
		}
		select {
		case <-g:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (h *Handle) pause() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gate == nil {
		h.gate = make(chan struct{})
	}
}

func (h *Handle) resume() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.gate != nil {
		close(h.gate)
		h.gate = nil
	}
}

// Manager owns the set of running workers, keyed by execution id.
type Manager struct {
	logger *slog.Logger
	sem    *semaphore.Weighted

	mu      sync.Mutex
	handles map[string]*Handle
	closed  bool
	wg      sync.WaitGroup
}

// NewManager creates a manager. maxWorkers > 0 caps how many workers run
// their Work concurrently; extra workers wait for a slot while still
// observing cancellation.
func NewManager(maxWorkers int, logger *slog.Logger) *Manager {
	m := &Manager{
		logger:  logger,
		handles: make(map[string]*Handle),
	}
	if maxWorkers > 0 {
		m.sem = semaphore.NewWeighted(int64(maxWorkers))
	}
	return m
}

// Spawn starts work in a new goroutine bound to id.
func (m *Manager) Spawn(id string, work Work) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return nil, ErrClosed
	}
	if _, ok := m.handles[id]; ok {
		return nil, ErrAlreadyRunning
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{id: id, cancel: cancel, done: make(chan struct{})}
	m.handles[id] = h
	metrics.ActiveWorkers.Inc()

	m.wg.Go(func() {
		defer m.finish(h)
		m.run(ctx, h, work)
	})

	return h, nil
}

func (m *Manager) run(ctx context.Context, h *Handle, work Work) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("worker panicked",
				"execution_id", h.id,
				"panic", r,
				"stack", string(debug.Stack()),
			)
		}
	}()

	if m.sem != nil {
		if err := m.sem.Acquire(ctx, 1); err != nil {
			m.logger.Debug("worker cancelled while queued", "execution_id", h.id)
			return
		}
		defer m.sem.Release(1)
	}

	work(ctx, h)
}

func (m *Manager) finish(h *Handle) {
	h.cancel()

	m.mu.Lock()
	if m.handles[h.id] == h {
		delete(m.handles, h.id)
	}
	m.mu.Unlock()

	metrics.ActiveWorkers.Dec()
	close(h.done)
}

// Cancel signals the worker for id to stop. Unknown or finished ids are a no-op.
func (m *Manager) Cancel(id string) {
	if h := m.lookup(id); h != nil {
		h.cancel()
	}
}

// Pause closes the gate of the worker for id. It reports whether a worker
// was tracked.
func (m *Manager) Pause(id string) bool {
	h := m.lookup(id)
	if h == nil {
		return false
	}
	h.pause()
	return true
}

// Resume reopens the gate of the worker for id. It reports whether a worker
// was tracked.
func (m *Manager) Resume(id string) bool {
	h := m.lookup(id)
	if h == nil {
		return false
	}
	h.resume()
	return true
}

// Running reports whether a worker is tracked for id.
func (m *Manager) Running(id string) bool {
	return m.lookup(id) != nil
}

// Active returns the number of tracked workers.
func (m *Manager) Active() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.handles)
}

// AwaitCompletion blocks until the worker for id has finished or ctx is done.
// It returns nil immediately when no worker is tracked.
func (m *Manager) AwaitCompletion(ctx context.Context, id string) error {
	h := m.lookup(id)
	if h == nil {
		return nil
	}
	select {
	case <-h.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IDs returns the ids of all tracked workers.
func (m *Manager) IDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	ids := make([]string, 0, len(m.handles))
	for id := range m.handles {
		ids = append(ids, id)
	}
	return ids
}

// Close stops the manager from accepting new workers. Running workers are
// not affected.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
}

// CancelAll cancels every tracked worker.
func (m *Manager) CancelAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, h := range m.handles {
		h.cancel()
	}
}

// Wait blocks until all workers have returned.
func (m *Manager) Wait() {
	m.wg.Wait()
}

func (m *Manager) lookup(id string) *Handle {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.handles[id]
}
