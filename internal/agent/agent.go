// Package agent defines the agent-session capability the session manager
// orchestrates, plus a Claude-backed implementation. The manager treats a
// session as a black box: it dispatches commands, subscribes to the event
// stream, and invokes the abort hooks on timeout.
package agent

import (
	"context"
	"errors"
	"time"

	"github.com/joestump/agentmux/internal/protocol"
)

// Typed downstream errors so the circuit breaker can classify failures
// without substring matching.
var (
	// ErrModelTimeout marks a model call that exceeded its budget.
	ErrModelTimeout = errors.New("model call timed out")
	// ErrAborted marks work cancelled by an abort command or hook.
	ErrAborted = errors.New("aborted")
	// ErrBusy marks a dispatch that collided with exclusive work in the
	// same session (should not happen behind a lane, but sessions defend
	// themselves anyway).
	ErrBusy = errors.New("session busy")
)

// Event is one entry in a session's event stream, forwarded verbatim to
// subscribed clients.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// Message is one transcript entry.
type Message struct {
	Role    string    `json:"role"` // user | assistant | system
	Content string    `json:"content"`
	At      time.Time `json:"at"`
}

// Session is the capability interface the session manager consumes.
type Session interface {
	// ID returns the session identifier.
	ID() string
	// Provider names the downstream model provider, used to key the
	// circuit breaker for model-facing commands.
	Provider() string
	// Dispatch executes a session-scoped command and returns its data
	// payload. Errors are returned, never raised; the manager converts
	// them to failure responses.
	Dispatch(ctx context.Context, cmd *protocol.Command) (any, error)
	// Subscribe registers an event callback and returns an unsubscribe
	// function. Callbacks must not block.
	Subscribe(fn func(Event)) (unsubscribe func())
	// Abort hooks, invoked best-effort when a command times out.
	AbortGeneration()
	AbortShell()
	AbortCompaction()
	// Close releases the session's resources.
	Close() error
}

// Factory constructs sessions; injected into the session manager so tests
// substitute fakes.
type Factory func(id, workingDir, model string) (Session, error)
