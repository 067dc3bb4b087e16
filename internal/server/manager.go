// Package server orchestrates command execution across the admission
// governor, the session lock manager, the replay store, the version store,
// the lane engine, the circuit breakers, and the agent sessions themselves.
// Transports hand every decoded command to Manager.Execute and write back
// whatever response it returns.
package server

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/agent"
	"github.com/joestump/agentmux/internal/breaker"
	"github.com/joestump/agentmux/internal/config"
	"github.com/joestump/agentmux/internal/engine"
	"github.com/joestump/agentmux/internal/governor"
	"github.com/joestump/agentmux/internal/hub"
	"github.com/joestump/agentmux/internal/lock"
	"github.com/joestump/agentmux/internal/protocol"
	"github.com/joestump/agentmux/internal/replay"
	"github.com/joestump/agentmux/internal/store"
	"github.com/joestump/agentmux/internal/uireq"
	"github.com/joestump/agentmux/internal/version"
)

const sweepInterval = time.Minute

// Manager is the command orchestrator.
type Manager struct {
	cfg config.Config
	log zerolog.Logger

	governor *governor.Governor
	locks    *lock.Manager
	replay   *replay.Store
	versions *version.Store
	engine   *engine.Engine
	breaker  *breaker.Manager
	hub      *hub.Hub
	uireqs   *uireq.Registry
	meta     *store.Store
	factory  agent.Factory

	mu           sync.Mutex
	sessions     map[string]agent.Session
	unsubs       map[string]func()
	shuttingDown bool

	startedAt time.Time
	stop      chan struct{}
	stopOnce  sync.Once
}

// New wires a Manager from configuration. The registerer may be nil to
// skip metrics registration.
func New(cfg config.Config, log zerolog.Logger, factory agent.Factory, meta *store.Store, reg prometheus.Registerer) *Manager {
	gov := governor.New(governor.Config{
		MaxSessions:             cfg.MaxSessions,
		MaxConnections:          cfg.MaxConnections,
		MaxMessageBytes:         int(cfg.MaxMessageBytes),
		MaxCommandsPerMinute:    cfg.SessionRatePerMin,
		MaxGlobalCommandsPerMin: cfg.GlobalRatePerMin,
		MaxUIResponsesPerMinute: cfg.UIResponsePerMin,
		ZombieTimeout:           cfg.HeartbeatZombie,
		MaxSessionLifetime:      cfg.SessionExpiry,
	}, log.With().Str("component", "governor").Logger(), reg)

	overrides := make(map[string]protocol.TimeoutClass, len(cfg.TimeoutClasses))
	for cmdType, class := range cfg.TimeoutClasses {
		overrides[cmdType] = protocol.TimeoutClass(class)
	}

	rep := replay.NewStore(replay.Config{
		MaxOutcomes:    cfg.MaxOutcomes,
		MaxInFlight:    cfg.MaxInFlight,
		IdempotencyTTL: cfg.IdempotencyTTL,
	}, log.With().Str("component", "replay").Logger())

	m := &Manager{
		cfg:      cfg,
		log:      log,
		governor: gov,
		locks: lock.NewManager(log.With().Str("component", "lock").Logger(),
			lock.WithMaxWaiters(cfg.LockMaxWaiters),
			lock.WithWaitTimeout(cfg.LockWaitTimeout)),
		replay:   rep,
		versions: version.NewStore(),
		engine: engine.New(engine.Config{
			ShortTimeout:   cfg.ShortTimeout,
			DefaultTimeout: cfg.DefaultTimeout,
			DepWaitTimeout: cfg.DepWaitTimeout,
			ClassOverrides: overrides,
		}, log.With().Str("component", "engine").Logger(), rep),
		breaker: breaker.NewManager(breaker.Config{
			FailureThreshold: cfg.BreakerFailureThreshold,
			FailureWindow:    cfg.BreakerFailureWindow,
			RecoveryTimeout:  cfg.BreakerRecoveryTimeout,
			SlowCallThresh:   cfg.BreakerSlowCall,
			HalfOpenMaxCalls: cfg.BreakerHalfOpenMax,
			SuccessThreshold: cfg.BreakerSuccessThreshold,
		}, log.With().Str("component", "breaker").Logger(), reg),
		hub: hub.New(log.With().Str("component", "hub").Logger()),
		uireqs: uireq.NewRegistry(uireq.Config{
			DefaultTimeout: cfg.UIRequestTimeout,
			MaxPending:     cfg.UIMaxPending,
		}, log.With().Str("component", "uireq").Logger()),
		meta:      meta,
		factory:   factory,
		sessions:  make(map[string]agent.Session),
		unsubs:    make(map[string]func()),
		startedAt: time.Now(),
		stop:      make(chan struct{}),
	}

	m.engine.RegisterAbortHandler(protocol.AbortGeneration, m.abortGeneration)
	m.engine.RegisterAbortHandler(protocol.AbortShell, m.abortShell)
	m.engine.RegisterAbortHandler(protocol.AbortCompaction, m.abortCompaction)

	return m
}

// Hub exposes the broadcast hub for transports.
func (m *Manager) Hub() *hub.Hub { return m.hub }

// Governor exposes the admission governor for transports (connection slots
// and message-size checks).
func (m *Manager) Governor() *governor.Governor { return m.governor }

// Run drives the periodic sweeps until Shutdown.
func (m *Manager) Run() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.stop:
			return
		}
	}
}

func (m *Manager) sweep() {
	m.governor.Sweep()
	m.replay.CleanupIdempotencyCache()
	m.breaker.Sweep()

	var gone []string
	for _, id := range m.governor.ZombieSessions() {
		if !m.hasSession(id) {
			gone = append(gone, id)
			continue
		}
		// Command silence alone is not death: a connection still following
		// the session's event stream counts as liveness.
		if m.hub.SessionFollowed(id) {
			m.governor.RecordHeartbeat(id)
			continue
		}
		m.log.Warn().Str("session", id).Msg("disposing zombie session")
		if m.sweepDispose(id, "zombie") {
			gone = append(gone, id)
		}
	}
	m.governor.CleanupZombieSessions(gone)

	for _, id := range m.governor.ExpiredSessions() {
		if !m.hasSession(id) {
			continue
		}
		m.log.Info().Str("session", id).Msg("disposing expired session")
		m.sweepDispose(id, "expired")
	}
}

// sweepDispose serializes a sweep disposal against concurrent
// create/delete/load commands for the same id. A busy lock defers the
// disposal to the next sweep rather than racing the lifecycle command.
func (m *Manager) sweepDispose(id, reason string) bool {
	handle, err := m.locks.Acquire("session:"+id, reason+"_sweep")
	if err != nil {
		m.log.Warn().Err(err).Str("session", id).Msg("sweep disposal deferred")
		return false
	}
	defer m.locks.Release(handle)
	if !m.hasSession(id) {
		return true
	}
	m.disposeSession(id, reason)
	return true
}

// Execute runs one command through the full pipeline and returns its
// response. sub is the subscriber of the issuing connection; it may be nil
// for commands with no originating connection.
func (m *Manager) Execute(ctx context.Context, cmd *protocol.Command, sub *hub.Subscriber) *protocol.Response {
	m.mu.Lock()
	down := m.shuttingDown
	m.mu.Unlock()
	if down {
		return protocol.Fail(cmd, "server is shutting down")
	}

	// Structural validation consumes no quota.
	if msg := protocol.ValidateCommand(cmd); msg != "" {
		return protocol.Fail(cmd, msg)
	}

	id, _ := m.replay.GetOrCreateCommandID(cmd)
	fp, err := replay.CommandFingerprint(cmd)
	if err != nil {
		return protocol.Fail(cmd, fmt.Sprintf("cannot fingerprint command: %v", err))
	}

	m.broadcastLifecycle("command_accepted", id, cmd, nil)

	// Replay checks are free: a duplicate of admitted work must not pay
	// twice.
	switch check := m.replay.CheckReplay(cmd, fp); check.Kind {
	case replay.Conflict:
		return check.Response
	case replay.ReplayCached:
		m.broadcastLifecycle("command_finished", id, cmd, check.Response)
		return check.Response
	case replay.ReplayInflight:
		resp := m.engine.Await(cmd, check.Future)
		if resp == nil {
			resp = protocol.Fail(cmd, "command produced no response")
		}
		resp = resp.WithID(cmd.ID)
		m.broadcastLifecycle("command_finished", id, cmd, resp)
		return resp
	}

	rateKey := cmd.SessionID
	if rateKey == "" {
		rateKey = "server"
	}
	decision := m.governor.CanExecuteCommand(rateKey)
	if !decision.Allowed {
		return protocol.Fail(cmd, decision.Reason)
	}
	if cmd.Type == protocol.CmdExtensionUIResp {
		if ui := m.governor.CanExecuteUIResponse(); !ui.Allowed {
			m.governor.RefundCommand(rateKey, decision.Generation)
			return protocol.Fail(cmd, ui.Reason)
		}
	}

	laneKey := engine.LaneKey(cmd)
	fut := replay.NewFuture()
	if !m.replay.RegisterInFlight(id, &replay.InFlight{
		Type:        cmd.Type,
		LaneKey:     laneKey,
		Fingerprint: fp,
		Future:      fut,
	}) {
		// The admission charge is refunded: rejected work must not count
		// against the window.
		m.governor.RefundCommand(rateKey, decision.Generation)
		return protocol.Fail(cmd, "Server busy: too many commands in flight")
	}

	m.engine.RunOnLane(laneKey, func() {
		m.broadcastLifecycle("command_started", id, cmd, nil)

		if depFail := m.engine.AwaitDependencies(cmd, laneKey); depFail != nil {
			fut.Resolve(depFail)
			return
		}

		if cmd.IfSessionVersion != nil {
			if fail := m.versions.Check(cmd.SessionID, *cmd.IfSessionVersion, cmd.Type); fail != nil {
				fail.ID = cmd.ID
				fut.Resolve(fail)
				return
			}
		}

		resp := m.dispatch(ctx, cmd, sub)
		m.versions.Apply(cmd, resp)
		fut.Resolve(resp)
	})

	resp := m.engine.Await(cmd, fut)
	if resp == nil {
		resp = protocol.Fail(cmd, "command produced no response")
	}

	// The outcome must be durable before the client can observe the
	// response; a retry arriving after this line replays, never re-runs.
	m.replay.StoreOutcome(&replay.Outcome{
		CommandID:      id,
		Type:           cmd.Type,
		LaneKey:        laneKey,
		Fingerprint:    fp,
		Success:        resp.Success,
		Error:          resp.Error,
		Response:       resp,
		SessionVersion: resp.SessionVersion,
		FinishedAt:     time.Now(),
	})
	m.replay.CacheIdempotencyResult(cmd.IdempotencyKey, cmd.Type, fp, resp)

	m.broadcastLifecycle("command_finished", id, cmd, resp)
	return resp
}

// dispatch routes an admitted command to its handler. Session-scoped
// commands go to the session; model-facing ones pass through the
// provider's circuit breaker on the way.
func (m *Manager) dispatch(ctx context.Context, cmd *protocol.Command, sub *hub.Subscriber) *protocol.Response {
	spec, _ := protocol.Spec(cmd.Type)
	if !spec.SessionScoped {
		return m.dispatchServer(ctx, cmd, sub)
	}

	sess := m.session(cmd.SessionID)
	if sess == nil {
		return protocol.Fail(cmd, fmt.Sprintf("no session with id %q", cmd.SessionID))
	}
	m.governor.RecordHeartbeat(cmd.SessionID)

	if !spec.ModelFacing {
		data, err := sess.Dispatch(ctx, cmd)
		if err != nil {
			return protocol.Fail(cmd, err.Error())
		}
		return protocol.OK(cmd, data)
	}

	provider := sess.Provider()
	if ok, reason := m.breaker.Allow(provider); !ok {
		return protocol.Fail(cmd, reason)
	}
	start := time.Now()
	data, err := sess.Dispatch(ctx, cmd)
	elapsed := time.Since(start)
	m.breaker.Record(provider, classifyDispatch(err, elapsed, m.cfg.DefaultTimeout), elapsed)

	if err != nil {
		return protocol.Fail(cmd, err.Error())
	}
	return protocol.OK(cmd, data)
}

// classifyDispatch prefers the typed error taxonomy and falls back to the
// breaker's substring shim.
func classifyDispatch(err error, elapsed, budget time.Duration) breaker.Outcome {
	if err == nil {
		return breaker.OutcomeSuccess
	}
	if errors.Is(err, agent.ErrModelTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return breaker.OutcomeTimeout
	}
	return breaker.ClassifyError(err, elapsed, budget)
}

func (m *Manager) session(id string) agent.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[id]
}

func (m *Manager) hasSession(id string) bool {
	return m.session(id) != nil
}

func (m *Manager) activeSessionIDs() map[string]bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]bool, len(m.sessions))
	for id := range m.sessions {
		out[id] = true
	}
	return out
}

func (m *Manager) abortGeneration(sessionID string) {
	if sess := m.session(sessionID); sess != nil {
		sess.AbortGeneration()
	}
}

func (m *Manager) abortShell(sessionID string) {
	if sess := m.session(sessionID); sess != nil {
		sess.AbortShell()
	}
}

func (m *Manager) abortCompaction(sessionID string) {
	if sess := m.session(sessionID); sess != nil {
		sess.AbortCompaction()
	}
}

// broadcastLifecycle emits a command lifecycle frame to every subscriber.
// resp is nil for accepted/started.
func (m *Manager) broadcastLifecycle(phase, id string, cmd *protocol.Command, resp *protocol.Response) {
	data := protocol.LifecycleData{
		CommandID:        id,
		CommandType:      cmd.Type,
		SessionID:        cmd.SessionID,
		DependsOn:        cmd.DependsOn,
		IfSessionVersion: cmd.IfSessionVersion,
		IdempotencyKey:   cmd.IdempotencyKey,
	}
	if resp != nil {
		ok := resp.Success
		data.Success = &ok
		data.Error = resp.Error
		data.SessionVersion = resp.SessionVersion
		data.Replayed = resp.Replayed
		data.TimedOut = resp.TimedOut
	}
	m.hub.Broadcast(protocol.Lifecycle{Type: phase, Data: data})
}

// RequestUI issues a server-initiated extension UI prompt to the session's
// subscribers and returns the pending handle, or an error when the pending
// cap is reached.
func (m *Manager) RequestUI(sessionID, method string, data any, timeout time.Duration) (*uireq.Pending, error) {
	if !m.hasSession(sessionID) {
		return nil, fmt.Errorf("no session with id %q", sessionID)
	}
	pending := m.uireqs.CreatePendingRequest(sessionID, method, timeout)
	if pending == nil {
		return nil, fmt.Errorf("too many pending ui requests")
	}
	m.hub.BroadcastSession(sessionID, protocol.UIRequest{
		Type:      "extension_ui_request",
		SessionID: sessionID,
		RequestID: pending.RequestID,
		Method:    method,
		Data:      data,
	})
	return pending, nil
}

// InitiateShutdown flips the reject flag, announces the shutdown, and
// drains in-flight commands up to the deadline. Sessions and component
// state are disposed afterwards.
func (m *Manager) InitiateShutdown(drain time.Duration) {
	m.mu.Lock()
	if m.shuttingDown {
		m.mu.Unlock()
		return
	}
	m.shuttingDown = true
	m.mu.Unlock()

	m.log.Info().Dur("drain", drain).Msg("shutdown initiated")
	m.hub.Broadcast(protocol.Notification{Type: "server_shutdown"})

	deadline := time.After(drain)
	for _, fut := range m.replay.InFlightFutures() {
		select {
		case <-fut.Done():
		case <-deadline:
			m.log.Warn().Msg("shutdown drain deadline reached")
			goto dispose
		}
	}

dispose:
	m.DisposeAllSessions()
	m.uireqs.Clear()
	m.locks.Clear()
	m.breaker.Clear()
	m.versions.Clear()
	m.replay.Clear()
	m.hub.Clear()
	m.stopOnce.Do(func() { close(m.stop) })
}

// DisposeAllSessions closes every live session without persisting changes
// beyond what their own handlers already wrote.
func (m *Manager) DisposeAllSessions() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.sessions))
	for id := range m.sessions {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.disposeSession(id, "shutdown")
	}
}
