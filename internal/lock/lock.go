// Package lock provides per-key mutual exclusion with bounded FIFO waiter
// queues. It guards session create/delete/load so concurrent lifecycle
// commands for the same session id serialize instead of racing.
package lock

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrTimeout is returned when an acquisition waits past its deadline.
	ErrTimeout = errors.New("lock acquisition timed out")
	// ErrQueueFull is returned when a key's waiter queue is at capacity.
	// Waiters are rejected rather than evicted; dropping a queued waiter
	// would break fairness.
	ErrQueueFull = errors.New("lock waiter queue full")
	// ErrCleared is delivered to waiters when the manager is cleared.
	ErrCleared = errors.New("lock manager cleared")
)

// Handle represents a held lock. Release through Manager.Release; releases
// by a stale handle are ignored.
type Handle struct {
	key    string
	holder string
	seq    uint64
}

// Holder returns the tag supplied at acquisition, for diagnostics.
func (h *Handle) Holder() string { return h.holder }

type waiter struct {
	holder string
	ch     chan acquireResult
}

type acquireResult struct {
	handle *Handle
	err    error
}

type keyState struct {
	held       bool
	holder     string
	seq        uint64 // current ownership sequence, bumps on every handoff
	acquiredAt time.Time
	waiters    []*waiter
}

// Manager is the per-key lock table.
type Manager struct {
	maxWaiters  int
	waitTimeout time.Duration
	holdWarn    time.Duration
	log         zerolog.Logger

	mu   sync.Mutex
	seq  uint64
	keys map[string]*keyState
}

// Option configures a Manager.
type Option func(*Manager)

// WithMaxWaiters caps the per-key waiter queue (default 100).
func WithMaxWaiters(n int) Option {
	return func(m *Manager) { m.maxWaiters = n }
}

// WithWaitTimeout bounds each acquisition wait (default 5s).
func WithWaitTimeout(d time.Duration) Option {
	return func(m *Manager) { m.waitTimeout = d }
}

// WithHoldWarning sets the hold duration after which a diagnostic is
// emitted on release (default 30s). The lock is never force-released.
func WithHoldWarning(d time.Duration) Option {
	return func(m *Manager) { m.holdWarn = d }
}

// NewManager creates a lock manager.
func NewManager(log zerolog.Logger, opts ...Option) *Manager {
	m := &Manager{
		maxWaiters:  100,
		waitTimeout: 5 * time.Second,
		holdWarn:    30 * time.Second,
		log:         log,
		keys:        make(map[string]*keyState),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Acquire obtains the lock for key, waiting in FIFO order behind the
// current holder. holderTag is recorded for diagnostics only.
func (m *Manager) Acquire(key, holderTag string) (*Handle, error) {
	m.mu.Lock()
	ks, ok := m.keys[key]
	if !ok {
		ks = &keyState{}
		m.keys[key] = ks
	}
	if !ks.held {
		m.seq++
		ks.held = true
		ks.holder = holderTag
		ks.seq = m.seq
		ks.acquiredAt = time.Now()
		h := &Handle{key: key, holder: holderTag, seq: ks.seq}
		m.mu.Unlock()
		return h, nil
	}
	if len(ks.waiters) >= m.maxWaiters {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w for key %q", ErrQueueFull, key)
	}
	w := &waiter{holder: holderTag, ch: make(chan acquireResult, 1)}
	ks.waiters = append(ks.waiters, w)
	m.mu.Unlock()

	timer := time.NewTimer(m.waitTimeout)
	defer timer.Stop()
	select {
	case res := <-w.ch:
		return res.handle, res.err
	case <-timer.C:
		// Remove ourselves from the queue. The handoff may have raced the
		// timer; if we are no longer queued, accept the result instead.
		m.mu.Lock()
		for i, qw := range ks.waiters {
			if qw == w {
				ks.waiters = append(ks.waiters[:i], ks.waiters[i+1:]...)
				m.mu.Unlock()
				return nil, fmt.Errorf("%w for key %q", ErrTimeout, key)
			}
		}
		m.mu.Unlock()
		res := <-w.ch
		return res.handle, res.err
	}
}

// Release gives up the lock. The next waiter, if any, receives ownership
// directly. Releases by a non-current holder are ignored, protecting
// against accidental double-release across retries.
func (m *Manager) Release(h *Handle) {
	if h == nil {
		return
	}
	m.mu.Lock()
	ks, ok := m.keys[h.key]
	if !ok || !ks.held || ks.seq != h.seq {
		m.mu.Unlock()
		return
	}

	if held := time.Since(ks.acquiredAt); held > m.holdWarn {
		m.log.Warn().
			Str("key", h.key).
			Str("holder", ks.holder).
			Dur("held", held).
			Msg("lock held past warning threshold")
	}

	if len(ks.waiters) == 0 {
		delete(m.keys, h.key)
		m.mu.Unlock()
		return
	}

	next := ks.waiters[0]
	ks.waiters = ks.waiters[1:]
	m.seq++
	ks.holder = next.holder
	ks.seq = m.seq
	ks.acquiredAt = time.Now()
	handle := &Handle{key: h.key, holder: next.holder, seq: ks.seq}
	m.mu.Unlock()

	next.ch <- acquireResult{handle: handle}
}

// Clear rejects all waiters with ErrCleared and drops held state. Used only
// on shutdown and in tests.
func (m *Manager) Clear() {
	m.mu.Lock()
	keys := m.keys
	m.keys = make(map[string]*keyState)
	m.mu.Unlock()

	for key, ks := range keys {
		for _, w := range ks.waiters {
			w.ch <- acquireResult{err: fmt.Errorf("%w (key %q)", ErrCleared, key)}
		}
	}
}

// Held reports whether the key is currently locked. Diagnostics only.
func (m *Manager) Held(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	ks, ok := m.keys[key]
	return ok && ks.held
}

// Stats reports the number of held keys and total queued waiters.
func (m *Manager) Stats() (held, waiting int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ks := range m.keys {
		if ks.held {
			held++
		}
		waiting += len(ks.waiters)
	}
	return held, waiting
}
