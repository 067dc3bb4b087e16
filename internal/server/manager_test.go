package server

import (
	"context"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/agent"
	"github.com/joestump/agentmux/internal/config"
	"github.com/joestump/agentmux/internal/protocol"
	"github.com/joestump/agentmux/internal/store"
)

// fakeSession is an agent.Session whose dispatch behavior tests control.
type fakeSession struct {
	id       string
	dispatch func(ctx context.Context, cmd *protocol.Command) (any, error)

	genAborts atomic.Int64
	closed    atomic.Bool
}

func (f *fakeSession) ID() string       { return f.id }
func (f *fakeSession) Provider() string { return "fake" }
func (f *fakeSession) Dispatch(ctx context.Context, cmd *protocol.Command) (any, error) {
	if f.dispatch != nil {
		return f.dispatch(ctx, cmd)
	}
	return map[string]any{"ok": true}, nil
}
func (f *fakeSession) Subscribe(fn func(agent.Event)) func() { return func() {} }
func (f *fakeSession) AbortGeneration()                      { f.genAborts.Add(1) }
func (f *fakeSession) AbortShell()                           {}
func (f *fakeSession) AbortCompaction()                      {}
func (f *fakeSession) Close() error                          { f.closed.Store(true); return nil }

func testConfig() config.Config {
	return config.Config{
		Port:              8787,
		DataDir:           "unused",
		MaxSessions:       10,
		MaxConnections:    10,
		MaxMessageBytes:   1 << 20,
		SessionRatePerMin: 100,
		GlobalRatePerMin:  1000,
		UIResponsePerMin:  60,
		MaxOutcomes:       100,
		MaxInFlight:       100,
		IdempotencyTTL:    time.Minute,
		ShortTimeout:      2 * time.Second,
		DefaultTimeout:    2 * time.Second,
		DepWaitTimeout:    time.Second,
		LockMaxWaiters:    10,
		LockWaitTimeout:   time.Second,
		UIRequestTimeout:  time.Second,
		UIMaxPending:      10,
		ShutdownDrain:     time.Second,
	}
}

func newTestManager(t *testing.T, cfg config.Config, sessions map[string]*fakeSession) *Manager {
	t.Helper()
	meta, err := store.Open(t.TempDir(), zerolog.Nop())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	factory := func(id, workingDir, model string) (agent.Session, error) {
		f := &fakeSession{id: id}
		if sessions != nil {
			if custom, ok := sessions[id]; ok {
				custom.id = id
				f = custom
			} else {
				sessions[id] = f
			}
		}
		return f, nil
	}
	return New(cfg, zerolog.Nop(), factory, meta, nil)
}

func exec(t *testing.T, m *Manager, raw string) *protocol.Response {
	t.Helper()
	cmd, err := protocol.ParseCommand([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	return m.Execute(context.Background(), cmd, nil)
}

func mustOK(t *testing.T, m *Manager, raw string) *protocol.Response {
	t.Helper()
	resp := exec(t, m, raw)
	if !resp.Success {
		t.Fatalf("command failed: %s", resp.Error)
	}
	return resp
}

func TestSessionLifecycle(t *testing.T) {
	sessions := map[string]*fakeSession{}
	m := newTestManager(t, testConfig(), sessions)

	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	if resp := exec(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`); resp.Success {
		t.Fatal("duplicate create accepted")
	}

	resp := mustOK(t, m, `{"type":"list_sessions"}`)
	listed := resp.Data.(map[string]any)["sessions"].([]map[string]any)
	if len(listed) != 1 || listed[0]["id"] != "s1" {
		t.Fatalf("list = %v", listed)
	}

	mustOK(t, m, `{"type":"get_state","sessionId":"s1"}`)

	mustOK(t, m, `{"type":"delete_session","sessionId":"s1"}`)
	if !sessions["s1"].closed.Load() {
		t.Fatal("delete did not close the session")
	}
	if resp := exec(t, m, `{"type":"get_state","sessionId":"s1"}`); resp.Success {
		t.Fatal("command on deleted session succeeded")
	}
}

func TestMaxSessionsEnforced(t *testing.T) {
	cfg := testConfig()
	cfg.MaxSessions = 1
	m := newTestManager(t, cfg, nil)

	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	resp := exec(t, m, `{"type":"create_session","sessionId":"s2","workingDir":"/tmp/w"}`)
	if resp.Success || !strings.Contains(resp.Error, "Maximum session count reached") {
		t.Fatalf("cap not enforced: %+v", resp)
	}
}

func TestLoadSessionFromMetadata(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	mustOK(t, m, `{"type":"delete_session","sessionId":"s1"}`)

	// delete_session removes the stored record too; loading now fails.
	if resp := exec(t, m, `{"type":"load_session","sessionId":"s1"}`); resp.Success {
		t.Fatal("load of deleted session succeeded")
	}

	mustOK(t, m, `{"type":"create_session","sessionId":"s2","workingDir":"/tmp/w2"}`)
	resp := mustOK(t, m, `{"type":"list_stored_sessions"}`)
	stored := resp.Data.(map[string]any)["sessions"].([]map[string]any)
	if len(stored) != 1 || stored[0]["id"] != "s2" || stored[0]["active"] != true {
		t.Fatalf("stored = %v", stored)
	}
}

func TestReplaySameIDDoesNotReExecute(t *testing.T) {
	var calls atomic.Int64
	sessions := map[string]*fakeSession{
		"s1": {dispatch: func(ctx context.Context, cmd *protocol.Command) (any, error) {
			calls.Add(1)
			return map[string]any{"n": calls.Load()}, nil
		}},
	}
	m := newTestManager(t, testConfig(), sessions)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	first := mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"c1"}`)
	if first.Replayed {
		t.Fatal("first execution marked replayed")
	}
	second := mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"c1"}`)
	if !second.Replayed {
		t.Fatal("duplicate not marked replayed")
	}
	if calls.Load() != 1 {
		t.Fatalf("dispatch ran %d times, want 1", calls.Load())
	}
}

func TestReplayConflictOnDifferentContent(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"c1"}`)

	resp := exec(t, m, `{"type":"get_messages","sessionId":"s1","id":"c1"}`)
	if resp.Success || !strings.Contains(resp.Error, "already used for a different command") {
		t.Fatalf("conflict not detected: %+v", resp)
	}
}

func TestRateLimitAndReplayIsFree(t *testing.T) {
	cfg := testConfig()
	cfg.SessionRatePerMin = 3
	m := newTestManager(t, cfg, nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	// create_session charged s1's window once; two more fit.
	mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"c1"}`)
	mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"c2"}`)

	resp := exec(t, m, `{"type":"get_state","sessionId":"s1","id":"c3"}`)
	if resp.Success || !strings.Contains(resp.Error, "Rate limit exceeded") {
		t.Fatalf("rate limit not enforced: %+v", resp)
	}

	// Replays of completed work bypass the limiter entirely.
	replayed := mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"c1"}`)
	if !replayed.Replayed {
		t.Fatal("expected replayed response")
	}
}

func TestValidationFailureConsumesNoQuota(t *testing.T) {
	cfg := testConfig()
	cfg.SessionRatePerMin = 2
	m := newTestManager(t, cfg, nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	for i := 0; i < 5; i++ {
		if resp := exec(t, m, `{"type":"bash","sessionId":"s1"}`); resp.Success {
			t.Fatal("bash without a command accepted")
		}
	}
	// Rejections above must not have consumed s1's one remaining slot.
	mustOK(t, m, `{"type":"get_state","sessionId":"s1"}`)
}

func TestVersionFence(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	// Mutating command at version 0 advances to 1.
	resp := mustOK(t, m, `{"type":"set_session_name","sessionId":"s1","name":"a","ifSessionVersion":0}`)
	if resp.SessionVersion == nil || *resp.SessionVersion != 1 {
		t.Fatalf("version after first mutation = %v", resp.SessionVersion)
	}

	// Stale fence is rejected and does not advance the version.
	stale := exec(t, m, `{"type":"set_session_name","sessionId":"s1","name":"b","ifSessionVersion":0}`)
	if stale.Success || !strings.Contains(stale.Error, "session version mismatch: expected 0, current 1") {
		t.Fatalf("stale fence: %+v", stale)
	}

	resp = mustOK(t, m, `{"type":"set_session_name","sessionId":"s1","name":"c","ifSessionVersion":1}`)
	if *resp.SessionVersion != 2 {
		t.Fatalf("version = %d, want 2", *resp.SessionVersion)
	}
}

func TestServerBusyAtInFlightCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxInFlight = 0
	m := newTestManager(t, cfg, nil)

	resp := exec(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	if resp.Success || !strings.Contains(resp.Error, "Server busy") {
		t.Fatalf("backpressure response: %+v", resp)
	}
	// The rejection had no side effects: no session, no rate charge.
	if m.hasSession("s1") {
		t.Fatal("rejected create still made a session")
	}
}

func TestTimeoutIsTerminal(t *testing.T) {
	cfg := testConfig()
	cfg.ShortTimeout = 50 * time.Millisecond
	release := make(chan struct{})
	sessions := map[string]*fakeSession{
		"s1": {dispatch: func(ctx context.Context, cmd *protocol.Command) (any, error) {
			if cmd.Type == protocol.CmdSteer {
				<-release
			}
			return map[string]any{"ok": true}, nil
		}},
	}
	// steer is default-class; pull it down to the short class so the test
	// exercises the override table too.
	cfg.TimeoutClasses = map[string]string{protocol.CmdSteer: "short"}
	m := newTestManager(t, cfg, sessions)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	resp := exec(t, m, `{"type":"steer","sessionId":"s1","text":"go","id":"c1"}`)
	if resp.Success || !resp.TimedOut || !strings.Contains(resp.Error, "timed out after") {
		t.Fatalf("timeout response: %+v", resp)
	}

	// The generation abort hook fired.
	if sessions["s1"].genAborts.Load() != 1 {
		t.Fatalf("abort hook calls = %d, want 1", sessions["s1"].genAborts.Load())
	}

	// Let the stuck dispatch finish; its late completion must not replace
	// the stored timeout.
	close(release)
	time.Sleep(50 * time.Millisecond)
	replayed := exec(t, m, `{"type":"steer","sessionId":"s1","text":"go","id":"c1"}`)
	if !replayed.Replayed || !replayed.TimedOut {
		t.Fatalf("retry must replay the timeout: %+v", replayed)
	}
}

func TestDependencyAcrossLanes(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	mustOK(t, m, `{"type":"get_state","sessionId":"s1","id":"first"}`)

	// Completed dependency on another lane: proceeds.
	mustOK(t, m, `{"type":"list_sessions","id":"second","dependsOn":["first"]}`)

	// Unknown dependency fails.
	resp := exec(t, m, `{"type":"list_sessions","id":"third","dependsOn":["ghost"]}`)
	if resp.Success || !strings.Contains(resp.Error, "unknown dependency") {
		t.Fatalf("unknown dependency: %+v", resp)
	}
}

func TestHealthCheckAndMetrics(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	health := mustOK(t, m, `{"type":"health_check"}`)
	data := health.Data.(map[string]any)
	if data["status"] != "ok" {
		t.Fatalf("health = %v", data)
	}

	metrics := mustOK(t, m, `{"type":"get_metrics"}`)
	md := metrics.Data.(map[string]any)
	if _, ok := md["governor"]; !ok {
		t.Fatalf("metrics missing governor section: %v", md)
	}
}

func TestExtensionUIRoundTrip(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	pending, err := m.RequestUI("s1", "confirm", map[string]any{"title": "sure?"}, time.Minute)
	if err != nil {
		t.Fatalf("request ui: %v", err)
	}

	raw := `{"type":"extension_ui_response","sessionId":"s1","requestId":"` + pending.RequestID + `","value":true}`
	mustOK(t, m, raw)

	select {
	case res := <-pending.Done:
		if res.Err != nil || res.Value != true {
			t.Fatalf("ui result = %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("ui response never settled")
	}

	// Unknown request ids fail.
	resp := exec(t, m, `{"type":"extension_ui_response","sessionId":"s1","requestId":"nope","value":1}`)
	if resp.Success {
		t.Fatal("unknown request id accepted")
	}
}

func TestShutdownRejectsNewCommands(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	m.InitiateShutdown(100 * time.Millisecond)

	resp := exec(t, m, `{"type":"get_state","sessionId":"s1"}`)
	if resp.Success || !strings.Contains(resp.Error, "shutting down") {
		t.Fatalf("post-shutdown response: %+v", resp)
	}
	if m.hasSession("s1") {
		t.Fatal("sessions not disposed on shutdown")
	}
}

func TestZombieSweepDisposesAbandonedSession(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	// No follower, no commands: after the heartbeat window the session is
	// a zombie and the sweep reaps it.
	m.governor.SetNowFunc(func() time.Time { return time.Now().Add(10 * time.Minute) })
	m.sweep()

	if m.hasSession("s1") {
		t.Fatal("abandoned session survived the zombie sweep")
	}
}

func TestZombieSweepSparesFollowedSession(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	sub := m.hub.Attach("conn1")
	defer m.hub.Detach(sub)
	m.hub.SubscribeSession(sub, "s1")

	// The client issues no commands but its connection still follows the
	// session; silence must not get it reaped.
	m.governor.SetNowFunc(func() time.Time { return time.Now().Add(10 * time.Minute) })
	m.sweep()

	if !m.hasSession("s1") {
		t.Fatal("followed session was disposed as a zombie")
	}
	mustOK(t, m, `{"type":"get_state","sessionId":"s1"}`)
}

func TestZombieSweepDefersWhileSessionLockHeld(t *testing.T) {
	cfg := testConfig()
	cfg.LockWaitTimeout = 50 * time.Millisecond
	m := newTestManager(t, cfg, nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)

	handle, err := m.locks.Acquire("session:s1", "lifecycle")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	m.governor.SetNowFunc(func() time.Time { return time.Now().Add(10 * time.Minute) })
	m.sweep()

	if !m.hasSession("s1") {
		t.Fatal("sweep disposed a session whose lifecycle lock was held")
	}
	m.locks.Release(handle)

	// With the lock free the deferred disposal lands on the next sweep.
	m.sweep()
	if m.hasSession("s1") {
		t.Fatal("deferred zombie disposal never happened")
	}
}

func TestSyntheticIDsNeverLeak(t *testing.T) {
	m := newTestManager(t, testConfig(), nil)
	mustOK(t, m, `{"type":"create_session","sessionId":"s1","workingDir":"/tmp/w"}`)
	resp := mustOK(t, m, `{"type":"get_state","sessionId":"s1"}`)
	if strings.HasPrefix(resp.ID, protocol.AnonPrefix) {
		t.Fatalf("synthetic id leaked into the response: %q", resp.ID)
	}
	if resp.ID != "" {
		t.Fatalf("id-less command must get an id-less response: %q", resp.ID)
	}
}
