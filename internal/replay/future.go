package replay

import (
	"context"
	"sync"

	"github.com/joestump/agentmux/internal/protocol"
)

// Future resolves exactly once to a command's terminal response. In-flight
// records hold a Future so duplicate submissions and dependency waits can
// share the original execution's result.
type Future struct {
	once sync.Once
	done chan struct{}
	resp *protocol.Response
}

// NewFuture creates an unresolved future.
func NewFuture() *Future {
	return &Future{done: make(chan struct{})}
}

// Resolve sets the response. Later calls are ignored; the first resolution
// is the outcome forever.
func (f *Future) Resolve(resp *protocol.Response) {
	f.once.Do(func() {
		f.resp = resp
		close(f.done)
	})
}

// Done returns a channel closed on resolution.
func (f *Future) Done() <-chan struct{} { return f.done }

// Result returns the response, or nil if unresolved.
func (f *Future) Result() *protocol.Response {
	select {
	case <-f.done:
		return f.resp
	default:
		return nil
	}
}

// Wait blocks until resolution or context cancellation.
func (f *Future) Wait(ctx context.Context) (*protocol.Response, error) {
	select {
	case <-f.done:
		return f.resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
