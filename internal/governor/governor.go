// Package governor enforces admission limits: session and connection caps,
// per-session and global sliding-window rate limits, message-size ceilings,
// and heartbeat-based zombie detection. All decisions are local, idempotent,
// and returned as values; nothing here raises.
package governor

import (
	"math"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
)

// Config holds the governor's limits. Zero values fall back to the
// defaults below.
type Config struct {
	MaxSessions             int
	MaxConnections          int
	MaxMessageBytes         int
	MaxCommandsPerMinute    int // per session key
	MaxGlobalCommandsPerMin int
	MaxUIResponsesPerMinute int
	RateWindow              time.Duration
	ZombieTimeout           time.Duration
	MaxSessionLifetime      time.Duration
	CleanupInterval         time.Duration
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		MaxSessions:             50,
		MaxConnections:          200,
		MaxMessageBytes:         1 << 20,
		MaxCommandsPerMinute:    120,
		MaxGlobalCommandsPerMin: 1000,
		MaxUIResponsesPerMinute: 60,
		RateWindow:              time.Minute,
		ZombieTimeout:           5 * time.Minute,
		MaxSessionLifetime:      24 * time.Hour,
		CleanupInterval:         5 * time.Minute,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.MaxSessions <= 0 {
		c.MaxSessions = d.MaxSessions
	}
	if c.MaxConnections <= 0 {
		c.MaxConnections = d.MaxConnections
	}
	if c.MaxMessageBytes <= 0 {
		c.MaxMessageBytes = d.MaxMessageBytes
	}
	if c.MaxCommandsPerMinute <= 0 {
		c.MaxCommandsPerMinute = d.MaxCommandsPerMinute
	}
	if c.MaxGlobalCommandsPerMin <= 0 {
		c.MaxGlobalCommandsPerMin = d.MaxGlobalCommandsPerMin
	}
	if c.MaxUIResponsesPerMinute <= 0 {
		c.MaxUIResponsesPerMinute = d.MaxUIResponsesPerMinute
	}
	if c.RateWindow <= 0 {
		c.RateWindow = d.RateWindow
	}
	if c.ZombieTimeout <= 0 {
		c.ZombieTimeout = d.ZombieTimeout
	}
	if c.MaxSessionLifetime <= 0 {
		c.MaxSessionLifetime = d.MaxSessionLifetime
	}
	if c.CleanupInterval <= 0 {
		c.CleanupInterval = d.CleanupInterval
	}
}

// rateEntry is one admission in a sliding window. The generation makes the
// entry individually addressable so a refund removes exactly the slot it
// paid for, even when several admissions share a timestamp.
type rateEntry struct {
	at  time.Time
	gen uint64
}

// Decision is the result of an admission check.
type Decision struct {
	Allowed    bool
	Generation uint64
	Reason     string
}

// Governor tracks all admission state behind a single mutex.
type Governor struct {
	cfg Config
	log zerolog.Logger

	mu              sync.Mutex
	sessionCount    int
	connectionCount int
	gen             uint64
	perSession      map[string][]rateEntry
	global          []rateEntry
	uiResponses     []rateEntry
	heartbeats      map[string]time.Time
	createdAt       map[string]time.Time

	doubleUnregisterErrors int64

	// now is replaceable in tests.
	now func() time.Time

	metrics *metrics
}

// New creates a Governor. The registerer may be nil to skip metrics
// registration (tests pass prometheus.NewRegistry()).
func New(cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Governor {
	cfg.applyDefaults()
	g := &Governor{
		cfg:        cfg,
		log:        log,
		perSession: make(map[string][]rateEntry),
		heartbeats: make(map[string]time.Time),
		createdAt:  make(map[string]time.Time),
		now:        time.Now,
	}
	if reg != nil {
		g.metrics = newMetrics(reg)
	}
	return g
}

// TryReserveSessionSlot atomically reserves a session slot if below the
// cap. It reports whether the reservation succeeded.
func (g *Governor) TryReserveSessionSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionCount >= g.cfg.MaxSessions {
		if g.metrics != nil {
			g.metrics.sessionRejections.Inc()
		}
		return false
	}
	g.sessionCount++
	g.setGauges()
	return true
}

// ReleaseSessionSlot undoes a reservation. A release below zero is a
// logged invariant violation that clamps to zero.
func (g *Governor) ReleaseSessionSlot() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.sessionCount <= 0 {
		g.sessionCount = 0
		g.doubleUnregisterErrors++
		if g.metrics != nil {
			g.metrics.doubleUnregister.Inc()
		}
		g.log.Error().Msg("session slot released below zero")
		return
	}
	g.sessionCount--
	g.setGauges()
}

// TryReserveConnectionSlot reserves a transport connection slot.
func (g *Governor) TryReserveConnectionSlot() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectionCount >= g.cfg.MaxConnections {
		if g.metrics != nil {
			g.metrics.connectionRejections.Inc()
		}
		return false
	}
	g.connectionCount++
	g.setGauges()
	return true
}

// ReleaseConnectionSlot undoes a connection reservation with the same
// clamp-at-zero semantics as session slots.
func (g *Governor) ReleaseConnectionSlot() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.connectionCount <= 0 {
		g.connectionCount = 0
		g.doubleUnregisterErrors++
		if g.metrics != nil {
			g.metrics.doubleUnregister.Inc()
		}
		g.log.Error().Msg("connection slot released below zero")
		return
	}
	g.connectionCount--
	g.setGauges()
}

func (g *Governor) setGauges() {
	if g.metrics == nil {
		return
	}
	g.metrics.activeSessions.Set(float64(g.sessionCount))
	g.metrics.activeConnections.Set(float64(g.connectionCount))
}

// CanAcceptMessage rejects non-finite, negative, or oversized payloads.
// Size is measured in bytes of the encoded frame.
func (g *Governor) CanAcceptMessage(bytes float64) Decision {
	if math.IsNaN(bytes) || math.IsInf(bytes, 0) || bytes < 0 {
		return Decision{Reason: "invalid message size"}
	}
	if int(bytes) > g.cfg.MaxMessageBytes {
		if g.metrics != nil {
			g.metrics.oversizedMessages.Inc()
		}
		return Decision{Reason: "message exceeds size limit"}
	}
	return Decision{Allowed: true}
}

// CanExecuteCommand charges both the per-session and the global sliding
// window. On success it returns the generation marker needed to refund the
// exact entry later. Both windows are pruned opportunistically first.
func (g *Governor) CanExecuteCommand(sessionKey string) Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	cutoff := now.Add(-g.cfg.RateWindow)
	g.perSession[sessionKey] = prune(g.perSession[sessionKey], cutoff)
	g.global = prune(g.global, cutoff)

	if len(g.perSession[sessionKey]) >= g.cfg.MaxCommandsPerMinute {
		if g.metrics != nil {
			g.metrics.rateLimited.Inc()
		}
		return Decision{Reason: "Rate limit exceeded for session"}
	}
	if len(g.global) >= g.cfg.MaxGlobalCommandsPerMin {
		if g.metrics != nil {
			g.metrics.rateLimited.Inc()
		}
		return Decision{Reason: "Rate limit exceeded (global)"}
	}

	g.gen++
	e := rateEntry{at: now, gen: g.gen}
	g.perSession[sessionKey] = append(g.perSession[sessionKey], e)
	g.global = append(g.global, e)
	return Decision{Allowed: true, Generation: e.gen}
}

// RefundCommand removes the exact admission identified by the generation
// marker from both windows. Refunding an entry that already aged out of the
// window is a no-op.
func (g *Governor) RefundCommand(sessionKey string, gen uint64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.perSession[sessionKey] = removeGen(g.perSession[sessionKey], gen)
	if len(g.perSession[sessionKey]) == 0 {
		delete(g.perSession, sessionKey)
	}
	g.global = removeGen(g.global, gen)
}

// CanExecuteUIResponse charges the secondary, more restrictive window that
// applies to extension UI response commands on top of the normal limits.
func (g *Governor) CanExecuteUIResponse() Decision {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	g.uiResponses = prune(g.uiResponses, now.Add(-g.cfg.RateWindow))
	if len(g.uiResponses) >= g.cfg.MaxUIResponsesPerMinute {
		if g.metrics != nil {
			g.metrics.rateLimited.Inc()
		}
		return Decision{Reason: "Rate limit exceeded for UI responses"}
	}
	g.gen++
	g.uiResponses = append(g.uiResponses, rateEntry{at: now, gen: g.gen})
	return Decision{Allowed: true, Generation: g.gen}
}

func prune(entries []rateEntry, cutoff time.Time) []rateEntry {
	i := 0
	for i < len(entries) && !entries[i].at.After(cutoff) {
		i++
	}
	if i == 0 {
		return entries
	}
	return append(entries[:0], entries[i:]...)
}

func removeGen(entries []rateEntry, gen uint64) []rateEntry {
	for i, e := range entries {
		if e.gen == gen {
			return append(entries[:i], entries[i+1:]...)
		}
	}
	return entries
}

// RecordHeartbeat stamps the last-seen time for a session.
func (g *Governor) RecordHeartbeat(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.heartbeats[sessionID] = g.now()
}

// RecordSessionCreated stamps the creation time used by the lifetime sweep.
func (g *Governor) RecordSessionCreated(sessionID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	now := g.now()
	g.createdAt[sessionID] = now
	g.heartbeats[sessionID] = now
}

// ZombieSessions returns session ids whose last heartbeat is older than the
// zombie timeout.
func (g *Governor) ZombieSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.cfg.ZombieTimeout)
	var out []string
	for id, at := range g.heartbeats {
		if at.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// CleanupZombieSessions drops heartbeat entries for the given ids.
func (g *Governor) CleanupZombieSessions(ids []string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for _, id := range ids {
		delete(g.heartbeats, id)
	}
}

// ExpiredSessions returns session ids that have exceeded the maximum
// session lifetime so the session manager can delete them.
func (g *Governor) ExpiredSessions() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.cfg.MaxSessionLifetime)
	var out []string
	for id, at := range g.createdAt {
		if at.Before(cutoff) {
			out = append(out, id)
		}
	}
	return out
}

// CleanupStaleData purges per-session state for sessions no longer in the
// active set. Called by the session manager whenever a session is deleted.
func (g *Governor) CleanupStaleData(activeSessionIDs map[string]bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	for id := range g.perSession {
		if !activeSessionIDs[id] {
			delete(g.perSession, id)
		}
	}
	for id := range g.heartbeats {
		if !activeSessionIDs[id] {
			delete(g.heartbeats, id)
		}
	}
	for id := range g.createdAt {
		if !activeSessionIDs[id] {
			delete(g.createdAt, id)
		}
	}
}

// Sweep evicts rate-window entries older than the window. Run on the
// periodic cleanup tick to cap memory during quiet periods.
func (g *Governor) Sweep() {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.cfg.RateWindow)
	for key, entries := range g.perSession {
		pruned := prune(entries, cutoff)
		if len(pruned) == 0 {
			delete(g.perSession, key)
		} else {
			g.perSession[key] = pruned
		}
	}
	g.global = prune(g.global, cutoff)
	g.uiResponses = prune(g.uiResponses, cutoff)
}

// Run drives the periodic sweep until the stop channel closes.
func (g *Governor) Run(stop <-chan struct{}) {
	ticker := time.NewTicker(g.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			g.Sweep()
		case <-stop:
			return
		}
	}
}

// Snapshot is the governor section of the metrics command.
type Snapshot struct {
	SessionCount           int   `json:"sessionCount"`
	MaxSessions            int   `json:"maxSessions"`
	ConnectionCount        int   `json:"connectionCount"`
	MaxConnections         int   `json:"maxConnections"`
	GlobalWindowSize       int   `json:"globalWindowSize"`
	TrackedSessions        int   `json:"trackedSessions"`
	DoubleUnregisterErrors int64 `json:"doubleUnregisterErrors"`
}

// Stats returns a point-in-time snapshot of the governor's counters.
func (g *Governor) Stats() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()
	return Snapshot{
		SessionCount:           g.sessionCount,
		MaxSessions:            g.cfg.MaxSessions,
		ConnectionCount:        g.connectionCount,
		MaxConnections:         g.cfg.MaxConnections,
		GlobalWindowSize:       len(g.global),
		TrackedSessions:        len(g.perSession),
		DoubleUnregisterErrors: g.doubleUnregisterErrors,
	}
}

// Healthy reports whether the governor is within its caps.
func (g *Governor) Healthy() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.sessionCount <= g.cfg.MaxSessions && g.connectionCount <= g.cfg.MaxConnections
}

// SetNowFunc replaces the clock. Test hook.
func (g *Governor) SetNowFunc(now func() time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.now = now
}
