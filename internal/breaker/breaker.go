// Package breaker guards downstream model providers with per-provider
// closed/open/half-open circuit breakers. Breakers are created lazily and
// reaped after an idle period.
package breaker

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// State is a breaker's position in the closed/open/half-open machine.
type State string

const (
	Closed   State = "closed"
	Open     State = "open"
	HalfOpen State = "half_open"
)

// Outcome classifies a completed downstream call. Slow calls are detected
// by the breaker itself from the elapsed time; callers report success,
// error, or timeout.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeError
	OutcomeTimeout
)

// ClassifyError maps a downstream error to an outcome. Callers with a
// typed error taxonomy should classify explicitly before reaching for
// this; the substring match is a compatibility shim.
func ClassifyError(err error, elapsed, budget time.Duration) Outcome {
	if err == nil {
		return OutcomeSuccess
	}
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "timed out") || strings.Contains(msg, "timeout") ||
		strings.Contains(msg, "deadline exceeded") {
		return OutcomeTimeout
	}
	if budget > 0 && elapsed >= budget {
		return OutcomeTimeout
	}
	return OutcomeError
}

// Config holds the breaker thresholds.
type Config struct {
	FailureThreshold int           // failures in the window before opening (default 5)
	FailureWindow    time.Duration // default 60s
	RecoveryTimeout  time.Duration // open -> half-open delay (default 30s)
	SlowCallThresh   time.Duration // latency counted as a slow failure (default 30s, 0 disables)
	HalfOpenMaxCalls int           // concurrent probes (default 5)
	SuccessThreshold int           // probes to close (default 2)
	IdleReapAfter    time.Duration // manager sweep (default 1h)
}

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		FailureThreshold: 5,
		FailureWindow:    time.Minute,
		RecoveryTimeout:  30 * time.Second,
		SlowCallThresh:   30 * time.Second,
		HalfOpenMaxCalls: 5,
		SuccessThreshold: 2,
		IdleReapAfter:    time.Hour,
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = d.FailureThreshold
	}
	if c.FailureWindow <= 0 {
		c.FailureWindow = d.FailureWindow
	}
	if c.RecoveryTimeout <= 0 {
		c.RecoveryTimeout = d.RecoveryTimeout
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = d.HalfOpenMaxCalls
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = d.SuccessThreshold
	}
	if c.IdleReapAfter <= 0 {
		c.IdleReapAfter = d.IdleReapAfter
	}
}

// counters accumulate per-breaker totals across state changes.
type counters struct {
	Allowed   int64 `json:"allowed"`
	Rejected  int64 `json:"rejected"`
	Failures  int64 `json:"failures"`
	SlowCalls int64 `json:"slowCalls"`
	Timeouts  int64 `json:"timeouts"`
}

// circuit is one provider's breaker. Guarded by the manager's mutex.
type circuit struct {
	state             State
	failureLog        []time.Time
	lastStateChange   time.Time
	halfOpenSuccesses int
	halfOpenCalls     int
	lastAccess        time.Time
	counters          counters
}

// Manager owns the per-provider breakers.
type Manager struct {
	cfg Config
	log zerolog.Logger

	mu       sync.Mutex
	circuits map[string]*circuit
	now      func() time.Time

	transitions *prometheus.CounterVec
	rejections  *prometheus.CounterVec
}

// NewManager creates a Manager. The registerer may be nil to skip metrics.
func NewManager(cfg Config, log zerolog.Logger, reg prometheus.Registerer) *Manager {
	cfg.applyDefaults()
	m := &Manager{
		cfg:      cfg,
		log:      log,
		circuits: make(map[string]*circuit),
		now:      time.Now,
	}
	if reg != nil {
		f := promauto.With(reg)
		m.transitions = f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmux_breaker_transitions_total",
			Help: "Circuit breaker state transitions.",
		}, []string{"provider", "to"})
		m.rejections = f.NewCounterVec(prometheus.CounterOpts{
			Name: "agentmux_breaker_rejections_total",
			Help: "Calls rejected by an open or saturated half-open breaker.",
		}, []string{"provider"})
	}
	return m
}

func (m *Manager) circuitFor(provider string) *circuit {
	c, ok := m.circuits[provider]
	if !ok {
		c = &circuit{state: Closed, lastStateChange: m.now()}
		m.circuits[provider] = c
	}
	c.lastAccess = m.now()
	return c
}

func (m *Manager) transition(provider string, c *circuit, to State) {
	if c.state == to {
		return
	}
	m.log.Info().Str("provider", provider).Str("from", string(c.state)).Str("to", string(to)).
		Msg("circuit state change")
	c.state = to
	c.lastStateChange = m.now()
	if to == HalfOpen || to == Closed {
		c.halfOpenSuccesses = 0
		c.halfOpenCalls = 0
	}
	if to == Closed {
		c.failureLog = nil
	}
	if m.transitions != nil {
		m.transitions.WithLabelValues(provider, string(to)).Inc()
	}
}

// Allow decides whether a call to the provider may proceed. When rejected,
// the reason carries the remaining recovery time so clients can retry
// intelligently. Every allowed call must be paired with a Record.
func (m *Manager) Allow(provider string) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(provider)
	switch c.state {
	case Open:
		elapsed := m.now().Sub(c.lastStateChange)
		if elapsed < m.cfg.RecoveryTimeout {
			c.counters.Rejected++
			if m.rejections != nil {
				m.rejections.WithLabelValues(provider).Inc()
			}
			remaining := (m.cfg.RecoveryTimeout - elapsed).Round(time.Millisecond)
			return false, fmt.Sprintf("Circuit open for %s (retry in %s)", provider, remaining)
		}
		m.transition(provider, c, HalfOpen)
		fallthrough
	case HalfOpen:
		if c.halfOpenCalls >= m.cfg.HalfOpenMaxCalls {
			c.counters.Rejected++
			if m.rejections != nil {
				m.rejections.WithLabelValues(provider).Inc()
			}
			return false, fmt.Sprintf("Circuit half-open for %s, probe slots exhausted", provider)
		}
		c.halfOpenCalls++
		c.counters.Allowed++
		return true, ""
	default: // Closed
		c.counters.Allowed++
		return true, ""
	}
}

// Record reports the outcome and latency of a call previously admitted by
// Allow. A call that exceeded the slow threshold counts as a single slow
// failure even when it succeeded; it is not additionally counted as an
// error.
func (m *Manager) Record(provider string, outcome Outcome, elapsed time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	c := m.circuitFor(provider)
	slow := m.cfg.SlowCallThresh > 0 && elapsed >= m.cfg.SlowCallThresh

	failed := outcome != OutcomeSuccess || slow
	switch outcome {
	case OutcomeTimeout:
		c.counters.Timeouts++
	case OutcomeError:
		c.counters.Failures++
	default:
		if slow {
			c.counters.SlowCalls++
			m.log.Warn().Str("provider", provider).Dur("elapsed", elapsed).
				Msg("slow downstream call")
		}
	}

	switch c.state {
	case HalfOpen:
		if c.halfOpenCalls > 0 {
			c.halfOpenCalls--
		}
		if failed {
			m.transition(provider, c, Open)
			return
		}
		c.halfOpenSuccesses++
		if c.halfOpenSuccesses >= m.cfg.SuccessThreshold {
			m.transition(provider, c, Closed)
		}
	case Closed:
		if !failed {
			return
		}
		now := m.now()
		cutoff := now.Add(-m.cfg.FailureWindow)
		log := c.failureLog[:0]
		for _, at := range c.failureLog {
			if at.After(cutoff) {
				log = append(log, at)
			}
		}
		c.failureLog = append(log, now)
		if len(c.failureLog) >= m.cfg.FailureThreshold {
			m.transition(provider, c, Open)
		}
	case Open:
		// A straggler from before the open; nothing to do.
	}
}

// HasOpenCircuit reports whether any provider's breaker is open. Supports
// liveness endpoints.
func (m *Manager) HasOpenCircuit() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range m.circuits {
		if c.state == Open {
			return true
		}
	}
	return false
}

// ResetAll forces every breaker closed and clears failure history.
// Administrative escape hatch.
func (m *Manager) ResetAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for provider, c := range m.circuits {
		m.transition(provider, c, Closed)
	}
}

// Sweep removes breakers idle past the reap window.
func (m *Manager) Sweep() {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := m.now().Add(-m.cfg.IdleReapAfter)
	for provider, c := range m.circuits {
		if c.lastAccess.Before(cutoff) {
			delete(m.circuits, provider)
		}
	}
}

// ProviderStats is the per-provider section of the metrics snapshot.
type ProviderStats struct {
	State           State    `json:"state"`
	RecentFailures  int      `json:"recentFailures"`
	LastStateChange string   `json:"lastStateChange"`
	Counters        counters `json:"counters"`
}

// Stats returns a snapshot keyed by provider.
func (m *Manager) Stats() map[string]ProviderStats {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]ProviderStats, len(m.circuits))
	for provider, c := range m.circuits {
		out[provider] = ProviderStats{
			State:           c.state,
			RecentFailures:  len(c.failureLog),
			LastStateChange: c.lastStateChange.UTC().Format(time.RFC3339),
			Counters:        c.counters,
		}
	}
	return out
}

// Clear drops all breakers. Shutdown only.
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.circuits = make(map[string]*circuit)
}

// SetNowFunc replaces the clock. Test hook.
func (m *Manager) SetNowFunc(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}
