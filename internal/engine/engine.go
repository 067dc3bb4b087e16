// Package engine serializes command execution onto per-session lanes,
// resolves cross-lane dependency waits, and enforces per-type timeouts
// with best-effort abort hooks.
package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/protocol"
	"github.com/joestump/agentmux/internal/replay"
)

// ServerLane is the single lane for commands without a session id.
const ServerLane = "server"

// Config holds the engine's timing knobs. The class table maps command
// types to timeout classes, overriding the built-in taxonomy; it is
// sourced from configuration rather than hard-coded.
type Config struct {
	ShortTimeout   time.Duration // default 30s
	DefaultTimeout time.Duration // default 5m
	DepWaitTimeout time.Duration // default 30s
	ClassOverrides map[string]protocol.TimeoutClass
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		ShortTimeout:   30 * time.Second,
		DefaultTimeout: 5 * time.Minute,
		DepWaitTimeout: 30 * time.Second,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.ShortTimeout <= 0 {
		c.ShortTimeout = d.ShortTimeout
	}
	if c.DefaultTimeout <= 0 {
		c.DefaultTimeout = d.DefaultTimeout
	}
	if c.DepWaitTimeout <= 0 {
		c.DepWaitTimeout = d.DepWaitTimeout
	}
}

// AbortFunc is a type-specific cancellation hook, keyed by the session the
// timed-out command targeted.
type AbortFunc func(sessionID string)

// Engine owns the lane table and the abort handler table.
type Engine struct {
	cfg    Config
	log    zerolog.Logger
	replay *replay.Store

	mu     sync.Mutex
	lanes  map[string]chan struct{}
	aborts map[protocol.AbortKind]AbortFunc
}

// New creates an Engine backed by the given replay store (used for
// dependency lookups).
func New(cfg Config, log zerolog.Logger, store *replay.Store) *Engine {
	cfg.applyDefaults()
	return &Engine{
		cfg:    cfg,
		log:    log,
		replay: store,
		lanes:  make(map[string]chan struct{}),
		aborts: make(map[protocol.AbortKind]AbortFunc),
	}
}

// RegisterAbortHandler installs the cancellation hook for an abort kind.
func (e *Engine) RegisterAbortHandler(kind protocol.AbortKind, fn AbortFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.aborts[kind] = fn
}

// LaneKey derives the serialization domain for a command: session:{id} for
// session-scoped commands, the server lane for everything else.
func LaneKey(cmd *protocol.Command) string {
	if cmd.SessionID != "" {
		return "session:" + cmd.SessionID
	}
	return ServerLane
}

// RunOnLane queues task behind the lane's current tail. Tasks on the same
// lane execute strictly in submission order; distinct lanes run in
// parallel. When a lane drains its entry is removed from the table.
func (e *Engine) RunOnLane(key string, task func()) {
	e.mu.Lock()
	prev := e.lanes[key]
	done := make(chan struct{})
	e.lanes[key] = done
	e.mu.Unlock()

	go func() {
		defer func() {
			// A panicking task must not kill the lane; the next queued
			// task still runs.
			if r := recover(); r != nil {
				e.log.Error().Str("lane", key).Any("panic", r).Msg("lane task panicked")
			}
			close(done)
			e.mu.Lock()
			if e.lanes[key] == done {
				delete(e.lanes, key)
			}
			e.mu.Unlock()
		}()
		if prev != nil {
			<-prev
		}
		task()
	}()
}

// ActiveLanes returns the number of lanes with queued or running work.
func (e *Engine) ActiveLanes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lanes)
}

// AwaitDependencies blocks until every declared dependency has completed.
// It returns nil when all dependencies succeeded, or a failure response
// describing the first problem. Self- and same-lane dependencies fail fast:
// waiting on a task queued behind us in our own lane would deadlock.
// Cross-lane cycles are not detected; the per-dependency timeout is the
// safety net.
func (e *Engine) AwaitDependencies(cmd *protocol.Command, laneKey string) *protocol.Response {
	for _, dep := range cmd.DependsOn {
		if dep == "" {
			return protocol.Fail(cmd, "dependency id must not be empty")
		}
		if dep == cmd.ID {
			return protocol.Fail(cmd, fmt.Sprintf("command %q cannot depend on itself", cmd.ID))
		}

		if inf, ok := e.replay.LookupInFlight(dep); ok {
			if inf.LaneKey == laneKey {
				return protocol.Fail(cmd, fmt.Sprintf(
					"dependency %q is on the same lane %q and would deadlock", dep, laneKey))
			}
			timer := time.NewTimer(e.cfg.DepWaitTimeout)
			select {
			case <-inf.Future.Done():
				timer.Stop()
				resp := inf.Future.Result()
				if resp != nil && !resp.Success {
					return protocol.Fail(cmd, fmt.Sprintf("dependency %q failed: %s", dep, resp.Error))
				}
			case <-timer.C:
				return protocol.Fail(cmd, fmt.Sprintf(
					"dependency %q did not complete within %s", dep, e.cfg.DepWaitTimeout))
			}
			continue
		}

		if out, ok := e.replay.LookupOutcome(dep); ok {
			if !out.Success {
				return protocol.Fail(cmd, fmt.Sprintf("dependency %q failed: %s", dep, out.Error))
			}
			continue
		}

		return protocol.Fail(cmd, fmt.Sprintf("unknown dependency %q", dep))
	}
	return nil
}

// timeoutFor resolves the command type's deadline, honoring configured
// class overrides. A zero duration means no deadline.
func (e *Engine) timeoutFor(cmdType string) time.Duration {
	class := protocol.TimeoutShort
	if spec, ok := protocol.Spec(cmdType); ok {
		class = spec.Timeout
	}
	if override, ok := e.cfg.ClassOverrides[cmdType]; ok {
		class = override
	}
	switch class {
	case protocol.TimeoutNone:
		return 0
	case protocol.TimeoutDefault:
		return e.cfg.DefaultTimeout
	default:
		return e.cfg.ShortTimeout
	}
}

// Await runs the timeout race for a command's future. When the deadline
// fires it resolves the future with a terminal timeout response — first
// resolution wins, so a late completion from the original execution is
// discarded — and invokes the type's abort hook best-effort.
func (e *Engine) Await(cmd *protocol.Command, fut *replay.Future) *protocol.Response {
	timeout := e.timeoutFor(cmd.Type)
	if timeout <= 0 {
		<-fut.Done()
		return fut.Result()
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-fut.Done():
		return fut.Result()
	case <-timer.C:
		timeoutResp := protocol.Fail(cmd, fmt.Sprintf("command %q timed out after %s", cmd.Type, timeout))
		timeoutResp.TimedOut = true
		fut.Resolve(timeoutResp)
		e.fireAbort(cmd)
		// The task may have resolved in the same instant; whatever won the
		// race is the outcome.
		return fut.Result()
	}
}

// fireAbort invokes the abort hook for the command's type. Failures are
// swallowed and logged; the timeout response is returned regardless.
func (e *Engine) fireAbort(cmd *protocol.Command) {
	spec, ok := protocol.Spec(cmd.Type)
	if !ok || spec.Abort == protocol.AbortNone {
		return
	}
	e.mu.Lock()
	fn := e.aborts[spec.Abort]
	e.mu.Unlock()
	if fn == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			e.log.Warn().Str("command", cmd.Type).Any("panic", r).Msg("abort hook panicked")
		}
	}()
	fn(cmd.SessionID)
}
