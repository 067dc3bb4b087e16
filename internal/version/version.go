// Package version tracks per-session optimistic concurrency counters.
// Mutating commands advance a session's version on success; clients fence
// writes against stale state by supplying ifSessionVersion.
package version

import (
	"fmt"
	"sync"

	"github.com/joestump/agentmux/internal/protocol"
)

// Store holds per-session monotonically non-decreasing counters.
type Store struct {
	mu       sync.Mutex
	versions map[string]int64
}

// NewStore creates an empty version store.
func NewStore() *Store {
	return &Store{versions: make(map[string]int64)}
}

// Init sets a session's counter to 0. Called on session creation or load.
func (s *Store) Init(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions[sessionID] = 0
}

// Forget drops a session's counter. Called on session deletion.
func (s *Store) Forget(sessionID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.versions, sessionID)
}

// Current returns the session's version and whether the session is known.
func (s *Store) Current(sessionID string) (int64, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[sessionID]
	return v, ok
}

// Check validates a client's expected version against the counter. It
// returns an error response when the session is unknown or the counter
// differs, and nil when the fence holds.
func (s *Store) Check(sessionID string, expected int64, cmdType string) *protocol.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.versions[sessionID]
	if !ok {
		return protocol.FailType(cmdType, "",
			fmt.Sprintf("session %q has no version state", sessionID))
	}
	if current != expected {
		return protocol.FailType(cmdType, "",
			fmt.Sprintf("session version mismatch: expected %d, current %d", expected, current))
	}
	return nil
}

// Apply advances the counter for mutating commands that succeeded and
// stamps the resulting version onto the response. Non-mutating or failed
// commands are stamped with the current version unchanged.
func (s *Store) Apply(cmd *protocol.Command, resp *protocol.Response) {
	if cmd.SessionID == "" || resp == nil {
		return
	}
	spec, ok := protocol.Spec(cmd.Type)
	if !ok {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, known := s.versions[cmd.SessionID]
	if !known {
		return
	}
	if spec.Mutating && resp.Success {
		current++
		s.versions[cmd.SessionID] = current
	}
	v := current
	resp.SessionVersion = &v
}

// Count returns the number of tracked sessions.
func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.versions)
}

// Clear drops all counters. Shutdown only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.versions = make(map[string]int64)
}
