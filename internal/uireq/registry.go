// Package uireq correlates server-initiated extension UI prompts (select,
// confirm, input, editor, notify, status, widget, title) with the client
// responses that answer them.
package uireq

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownRequest means the request id is not pending (already
	// settled, timed out, or never issued).
	ErrUnknownRequest = errors.New("unknown ui request")
	// ErrSessionMismatch means the response named a different session than
	// the request was issued for.
	ErrSessionMismatch = errors.New("ui response session mismatch")
	// ErrTimedOut resolves a pending request whose timer fired.
	ErrTimedOut = errors.New("ui request timed out")
	// ErrCancelled resolves pending requests for a deleted session.
	ErrCancelled = errors.New("ui request cancelled")
)

// Result is the settled value of a UI request.
type Result struct {
	Value any
	Err   error
}

// Pending is the caller's handle on an outstanding request.
type Pending struct {
	RequestID string
	Done      <-chan Result
}

type pendingRecord struct {
	sessionID string
	method    string
	settled   bool
	timer     *time.Timer
	ch        chan Result
}

// Config bounds the registry.
type Config struct {
	DefaultTimeout time.Duration // default 60s
	MaxPending     int           // default 1000
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{DefaultTimeout: time.Minute, MaxPending: 1000}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.MaxPending <= 0 {
		c.MaxPending = d.MaxPending
	}
}

// Registry tracks pending UI requests.
type Registry struct {
	cfg Config
	log zerolog.Logger

	mu      sync.Mutex
	pending map[string]*pendingRecord
}

// NewRegistry creates a Registry.
func NewRegistry(cfg Config, log zerolog.Logger) *Registry {
	cfg.applyDefaults()
	return &Registry{
		cfg:     cfg,
		log:     log,
		pending: make(map[string]*pendingRecord),
	}
}

// CreatePendingRequest registers a UI prompt for a session and returns its
// handle, or nil when the pending cap is reached. timeout <= 0 takes the
// default. The request id is opaque but round-trips through the transport.
func (r *Registry) CreatePendingRequest(sessionID, method string, timeout time.Duration) *Pending {
	if timeout <= 0 {
		timeout = r.cfg.DefaultTimeout
	}

	r.mu.Lock()
	if len(r.pending) >= r.cfg.MaxPending {
		r.mu.Unlock()
		r.log.Warn().Str("session", sessionID).Str("method", method).
			Msg("ui request rejected: pending cap reached")
		return nil
	}

	requestID := fmt.Sprintf("%s:%d:%s", sessionID, time.Now().UnixMilli(), uuid.NewString()[:8])
	rec := &pendingRecord{
		sessionID: sessionID,
		method:    method,
		ch:        make(chan Result, 1),
	}
	rec.timer = time.AfterFunc(timeout, func() {
		r.settle(requestID, Result{Err: ErrTimedOut})
	})
	r.pending[requestID] = rec
	r.mu.Unlock()

	return &Pending{RequestID: requestID, Done: rec.ch}
}

// settle resolves a pending record exactly once, guarding the race between
// a timeout, a cancellation, and a client response.
func (r *Registry) settle(requestID string, res Result) bool {
	r.mu.Lock()
	rec, ok := r.pending[requestID]
	if !ok || rec.settled {
		r.mu.Unlock()
		return false
	}
	rec.settled = true
	rec.timer.Stop()
	delete(r.pending, requestID)
	r.mu.Unlock()

	rec.ch <- res
	return true
}

// HandleResponse resolves a pending request with the client's value. The
// response's session must match the session the request was issued for.
func (r *Registry) HandleResponse(requestID, sessionID string, value any) error {
	r.mu.Lock()
	rec, ok := r.pending[requestID]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %q", ErrUnknownRequest, requestID)
	}
	if rec.sessionID != sessionID {
		r.mu.Unlock()
		return fmt.Errorf("%w: request belongs to session %q", ErrSessionMismatch, rec.sessionID)
	}
	r.mu.Unlock()

	if !r.settle(requestID, Result{Value: value}) {
		return fmt.Errorf("%w: %q", ErrUnknownRequest, requestID)
	}
	return nil
}

// CancelSessionRequests rejects every pending request for a session.
// Called when the session is deleted.
func (r *Registry) CancelSessionRequests(sessionID string) int {
	r.mu.Lock()
	var ids []string
	for id, rec := range r.pending {
		if rec.sessionID == sessionID {
			ids = append(ids, id)
		}
	}
	r.mu.Unlock()

	n := 0
	for _, id := range ids {
		if r.settle(id, Result{Err: ErrCancelled}) {
			n++
		}
	}
	return n
}

// PendingCount returns the number of outstanding requests.
func (r *Registry) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Clear cancels everything. Shutdown only.
func (r *Registry) Clear() {
	r.mu.Lock()
	ids := make([]string, 0, len(r.pending))
	for id := range r.pending {
		ids = append(ids, id)
	}
	r.mu.Unlock()
	for _, id := range ids {
		r.settle(id, Result{Err: ErrCancelled})
	}
}
