// Package replay implements the replay and idempotency store: command
// fingerprints, the bounded outcome cache, the in-flight registry, and the
// TTL idempotency side cache. Together they uphold the rule the server
// sells: the same explicit command id returns the same response forever.
package replay

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/protocol"
)

// Outcome is the terminal record stored for each explicit command id.
type Outcome struct {
	CommandID      string
	Type           string
	LaneKey        string
	Fingerprint    Fingerprint
	Success        bool
	Error          string
	Response       *protocol.Response
	SessionVersion *int64
	FinishedAt     time.Time
}

// InFlight tracks a currently executing command.
type InFlight struct {
	Type        string
	LaneKey     string
	Fingerprint Fingerprint
	Future      *Future
}

// idemEntry is a TTL-bounded idempotency cache record.
type idemEntry struct {
	key         string
	commandType string
	fingerprint Fingerprint
	response    *protocol.Response
	insertedAt  time.Time
}

// CheckKind classifies the result of a replay check.
type CheckKind int

const (
	// Proceed means the command has not been seen: execute it.
	Proceed CheckKind = iota
	// ReplayCached means a stored response exists: return it verbatim.
	ReplayCached
	// ReplayInflight means the id is executing now: await its future.
	ReplayInflight
	// Conflict means the id or key was reused for different content.
	Conflict
)

// CheckResult carries the outcome of CheckReplay. Response is set for
// ReplayCached and Conflict; Future for ReplayInflight.
type CheckResult struct {
	Kind     CheckKind
	Response *protocol.Response
	Future   *Future
}

// Config bounds the store's three independent caches.
type Config struct {
	MaxOutcomes    int           // FIFO-evicted (default 10000)
	MaxInFlight    int           // rejected at cap, never evicted (default 1000)
	IdempotencyTTL time.Duration // default 10m
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxOutcomes:    10000,
		MaxInFlight:    1000,
		IdempotencyTTL: 10 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxOutcomes <= 0 {
		c.MaxOutcomes = d.MaxOutcomes
	}
	// An explicit 0 is honored so backpressure can be exercised; only
	// negative values take the default.
	if c.MaxInFlight < 0 {
		c.MaxInFlight = d.MaxInFlight
	}
	if c.IdempotencyTTL <= 0 {
		c.IdempotencyTTL = d.IdempotencyTTL
	}
}

var anonSeq atomic.Uint64

// processStart anchors synthetic ids so they cannot collide across
// restarts.
var processStart = time.Now().UnixMilli()

// Store is the replay and idempotency store.
type Store struct {
	cfg Config
	log zerolog.Logger

	mu          sync.Mutex
	outcomes    map[string]*Outcome
	outcomeFIFO []string
	inFlight    map[string]*InFlight
	idem        map[string]*idemEntry

	now func() time.Time
}

// NewStore creates a Store. A MaxInFlight of exactly 0 is honored (used to
// exercise backpressure); negative values take the default.
func NewStore(cfg Config, log zerolog.Logger) *Store {
	cfg.applyDefaults()
	return &Store{
		cfg:      cfg,
		log:      log,
		outcomes: make(map[string]*Outcome),
		inFlight: make(map[string]*InFlight),
		idem:     make(map[string]*idemEntry),
		now:      time.Now,
	}
}

// GetOrCreateCommandID returns the client's id or mints a synthetic one.
// Synthetic ids never produce outcome records.
func (s *Store) GetOrCreateCommandID(cmd *protocol.Command) (id string, synthetic bool) {
	if cmd.ID != "" {
		return cmd.ID, false
	}
	return fmt.Sprintf("%s%d:%d", protocol.AnonPrefix, processStart, anonSeq.Add(1)), true
}

// IsSynthetic reports whether an id was minted by the server.
func IsSynthetic(id string) bool {
	return len(id) >= len(protocol.AnonPrefix) && id[:len(protocol.AnonPrefix)] == protocol.AnonPrefix
}

// CheckReplay consults the outcome cache, the in-flight registry, and the
// idempotency cache, in that order. Cache hits are returned with the
// replayed flag set and the response id adjusted to the current request's
// id (set when present, stripped when absent).
func (s *Store) CheckReplay(cmd *protocol.Command, fp Fingerprint) CheckResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cmd.ID != "" {
		if out, ok := s.outcomes[cmd.ID]; ok {
			if !out.Fingerprint.Equal(fp) {
				return CheckResult{Kind: Conflict, Response: conflictResponse(cmd, "command id")}
			}
			return CheckResult{Kind: ReplayCached, Response: out.Response.WithID(cmd.ID)}
		}
		if inf, ok := s.inFlight[cmd.ID]; ok {
			if !inf.Fingerprint.Equal(fp) {
				return CheckResult{Kind: Conflict, Response: conflictResponse(cmd, "command id")}
			}
			return CheckResult{Kind: ReplayInflight, Future: inf.Future}
		}
	}

	if cmd.IdempotencyKey != "" {
		if e, ok := s.idem[cmd.IdempotencyKey]; ok && s.now().Sub(e.insertedAt) < s.cfg.IdempotencyTTL {
			if !e.fingerprint.Equal(fp) {
				return CheckResult{Kind: Conflict, Response: conflictResponse(cmd, "idempotency key")}
			}
			return CheckResult{Kind: ReplayCached, Response: e.response.WithID(cmd.ID)}
		}
	}

	return CheckResult{Kind: Proceed}
}

func conflictResponse(cmd *protocol.Command, what string) *protocol.Response {
	return protocol.Fail(cmd, fmt.Sprintf(
		"%s %q was already used for a different command", what, reuseKey(cmd, what)))
}

func reuseKey(cmd *protocol.Command, what string) string {
	if what == "idempotency key" {
		return cmd.IdempotencyKey
	}
	return cmd.ID
}

// RegisterInFlight adds an in-flight record. It returns false when the
// global in-flight limit would be exceeded; the caller surfaces that as
// "server busy" with no side effects. The cap rejects instead of evicting:
// evicting a record that other commands depend on would break dependency
// resolution. Re-registering an existing id with the same future is
// permitted and idempotent.
func (s *Store) RegisterInFlight(id string, rec *InFlight) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.inFlight[id]; ok {
		return existing.Future == rec.Future
	}
	if len(s.inFlight) >= s.cfg.MaxInFlight {
		return false
	}
	s.inFlight[id] = rec
	return true
}

// UnregisterInFlight removes an in-flight record without storing an
// outcome. Used for synthetic ids on completion.
func (s *Store) UnregisterInFlight(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inFlight, id)
}

// LookupInFlight returns the in-flight record for an id, if any.
func (s *Store) LookupInFlight(id string) (*InFlight, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.inFlight[id]
	return rec, ok
}

// LookupOutcome returns the stored outcome for an id, if any.
func (s *Store) LookupOutcome(id string) (*Outcome, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out, ok := s.outcomes[id]
	return out, ok
}

// StoreOutcome records a command's terminal response and removes its
// in-flight entry. Must run synchronously before the response is returned
// to the client — that ordering, not performance, is the idempotency
// invariant. Synthetic ids are unregistered without storing. The first
// write for an id wins; late completions from a timed-out original are
// discarded.
func (s *Store) StoreOutcome(out *Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.inFlight, out.CommandID)
	if IsSynthetic(out.CommandID) {
		return
	}
	if _, exists := s.outcomes[out.CommandID]; exists {
		return
	}

	s.outcomes[out.CommandID] = out
	s.outcomeFIFO = append(s.outcomeFIFO, out.CommandID)
	for len(s.outcomeFIFO) > s.cfg.MaxOutcomes {
		oldest := s.outcomeFIFO[0]
		s.outcomeFIFO = s.outcomeFIFO[1:]
		delete(s.outcomes, oldest)
	}
}

// CacheIdempotencyResult records the response for an idempotency key.
func (s *Store) CacheIdempotencyResult(key, commandType string, fp Fingerprint, resp *protocol.Response) {
	if key == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.idem[key] = &idemEntry{
		key:         key,
		commandType: commandType,
		fingerprint: fp,
		response:    resp,
		insertedAt:  s.now(),
	}
}

// CleanupIdempotencyCache evicts expired idempotency entries.
func (s *Store) CleanupIdempotencyCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().Add(-s.cfg.IdempotencyTTL)
	for key, e := range s.idem {
		if e.insertedAt.Before(cutoff) {
			delete(s.idem, key)
		}
	}
}

// InFlightFutures snapshots the futures of all executing commands, used by
// graceful shutdown to bound the drain.
func (s *Store) InFlightFutures() []*Future {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Future, 0, len(s.inFlight))
	for _, rec := range s.inFlight {
		out = append(out, rec.Future)
	}
	return out
}

// Clear drops all in-memory state. Shutdown only.
func (s *Store) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outcomes = make(map[string]*Outcome)
	s.outcomeFIFO = nil
	s.inFlight = make(map[string]*InFlight)
	s.idem = make(map[string]*idemEntry)
}

// Snapshot is the replay section of the metrics command.
type Snapshot struct {
	Outcomes         int `json:"outcomes"`
	InFlight         int `json:"inFlight"`
	MaxInFlight      int `json:"maxInFlight"`
	IdempotencyCache int `json:"idempotencyCache"`
}

// Stats returns a point-in-time snapshot of cache sizes.
func (s *Store) Stats() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Outcomes:         len(s.outcomes),
		InFlight:         len(s.inFlight),
		MaxInFlight:      s.cfg.MaxInFlight,
		IdempotencyCache: len(s.idem),
	}
}

// SetNowFunc replaces the clock. Test hook.
func (s *Store) SetNowFunc(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}
