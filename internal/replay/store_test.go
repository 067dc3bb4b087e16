package replay

import (
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/joestump/agentmux/internal/protocol"
)

func testCmd(t *testing.T, raw string) (*protocol.Command, Fingerprint) {
	t.Helper()
	cmd, err := protocol.ParseCommand([]byte(raw))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	fp, err := CommandFingerprint(cmd)
	if err != nil {
		t.Fatalf("fingerprint: %v", err)
	}
	return cmd, fp
}

func TestSyntheticIDs(t *testing.T) {
	s := NewStore(Config{}, zerolog.Nop())
	cmd := &protocol.Command{Type: "get_state", SessionID: "s1"}
	id1, syn1 := s.GetOrCreateCommandID(cmd)
	id2, _ := s.GetOrCreateCommandID(cmd)
	if !syn1 || !IsSynthetic(id1) {
		t.Fatalf("expected synthetic id, got %q", id1)
	}
	if id1 == id2 {
		t.Fatal("synthetic ids must be unique")
	}

	cmd.ID = "client-1"
	id3, syn3 := s.GetOrCreateCommandID(cmd)
	if syn3 || id3 != "client-1" {
		t.Fatalf("client id must pass through: %q synthetic=%v", id3, syn3)
	}
}

func TestReplayCachedOutcome(t *testing.T) {
	s := NewStore(Config{}, zerolog.Nop())
	cmd, fp := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"hi","id":"c1"}`)

	resp := protocol.OK(cmd, map[string]any{"reply": "ok"})
	s.StoreOutcome(&Outcome{CommandID: "c1", Type: cmd.Type, Fingerprint: fp, Success: true, Response: resp})

	check := s.CheckReplay(cmd, fp)
	if check.Kind != ReplayCached {
		t.Fatalf("kind = %v, want ReplayCached", check.Kind)
	}
	if !check.Response.Replayed || check.Response.ID != "c1" {
		t.Fatalf("replayed response: %+v", check.Response)
	}
	// The stored response is untouched.
	if resp.Replayed {
		t.Fatal("stored response mutated by replay")
	}
}

func TestReplayConflictOnReusedID(t *testing.T) {
	s := NewStore(Config{}, zerolog.Nop())
	cmd1, fp1 := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"hi","id":"c1"}`)
	s.StoreOutcome(&Outcome{CommandID: "c1", Type: cmd1.Type, Fingerprint: fp1, Success: true, Response: protocol.OK(cmd1, nil)})

	cmd2, fp2 := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"DIFFERENT","id":"c1"}`)
	check := s.CheckReplay(cmd2, fp2)
	if check.Kind != Conflict {
		t.Fatalf("kind = %v, want Conflict", check.Kind)
	}
	if !strings.Contains(check.Response.Error, "already used for a different command") {
		t.Fatalf("conflict error: %q", check.Response.Error)
	}
}

func TestReplayInflight(t *testing.T) {
	s := NewStore(Config{}, zerolog.Nop())
	cmd, fp := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"hi","id":"c1"}`)

	fut := NewFuture()
	if !s.RegisterInFlight("c1", &InFlight{Type: cmd.Type, LaneKey: "session:s1", Fingerprint: fp, Future: fut}) {
		t.Fatal("register failed")
	}

	check := s.CheckReplay(cmd, fp)
	if check.Kind != ReplayInflight || check.Future != fut {
		t.Fatalf("kind = %v, want ReplayInflight with shared future", check.Kind)
	}

	// Same id, different content, while in flight: conflict.
	cmd2, fp2 := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"other","id":"c1"}`)
	if check := s.CheckReplay(cmd2, fp2); check.Kind != Conflict {
		t.Fatalf("kind = %v, want Conflict", check.Kind)
	}
}

func TestInFlightCap(t *testing.T) {
	s := NewStore(Config{MaxInFlight: 1}, zerolog.Nop())
	fut := NewFuture()
	if !s.RegisterInFlight("a", &InFlight{Future: fut}) {
		t.Fatal("first register failed")
	}
	if s.RegisterInFlight("b", &InFlight{Future: NewFuture()}) {
		t.Fatal("register over the cap must fail")
	}
	// Re-registering the same id with the same future is idempotent.
	if !s.RegisterInFlight("a", &InFlight{Future: fut}) {
		t.Fatal("re-register with same future must succeed")
	}
}

func TestInFlightCapZero(t *testing.T) {
	s := NewStore(Config{MaxInFlight: 0}, zerolog.Nop())
	if s.RegisterInFlight("a", &InFlight{Future: NewFuture()}) {
		t.Fatal("cap of zero must reject everything")
	}
}

func TestStoreOutcomeFirstWriteWins(t *testing.T) {
	s := NewStore(Config{}, zerolog.Nop())
	cmd, fp := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"hi","id":"c1"}`)

	timeoutResp := protocol.Fail(cmd, "timed out")
	timeoutResp.TimedOut = true
	s.StoreOutcome(&Outcome{CommandID: "c1", Fingerprint: fp, Success: false, Response: timeoutResp})
	// The late completion must not overwrite the timeout.
	s.StoreOutcome(&Outcome{CommandID: "c1", Fingerprint: fp, Success: true, Response: protocol.OK(cmd, nil)})

	out, ok := s.LookupOutcome("c1")
	if !ok || out.Success || !out.Response.TimedOut {
		t.Fatalf("late completion overwrote the timeout: %+v", out)
	}
}

func TestOutcomeFIFOEviction(t *testing.T) {
	s := NewStore(Config{MaxOutcomes: 2}, zerolog.Nop())
	cmd, fp := testCmd(t, `{"type":"get_state","sessionId":"s1","id":"x"}`)
	for _, id := range []string{"a", "b", "c"} {
		s.StoreOutcome(&Outcome{CommandID: id, Fingerprint: fp, Success: true, Response: protocol.OK(cmd, nil)})
	}
	if _, ok := s.LookupOutcome("a"); ok {
		t.Fatal("oldest outcome must be evicted")
	}
	if _, ok := s.LookupOutcome("c"); !ok {
		t.Fatal("newest outcome must survive")
	}
}

func TestSyntheticOutcomesNotStored(t *testing.T) {
	s := NewStore(Config{}, zerolog.Nop())
	cmd, fp := testCmd(t, `{"type":"get_state","sessionId":"s1"}`)
	id, _ := s.GetOrCreateCommandID(cmd)
	s.RegisterInFlight(id, &InFlight{Future: NewFuture()})
	s.StoreOutcome(&Outcome{CommandID: id, Fingerprint: fp, Success: true, Response: protocol.OK(cmd, nil)})
	if _, ok := s.LookupOutcome(id); ok {
		t.Fatal("synthetic id produced an outcome record")
	}
	if _, ok := s.LookupInFlight(id); ok {
		t.Fatal("in-flight record not removed")
	}
}

func TestIdempotencyKeyReplayAndTTL(t *testing.T) {
	s := NewStore(Config{IdempotencyTTL: time.Minute}, zerolog.Nop())
	now := time.Now()
	s.SetNowFunc(func() time.Time { return now })

	cmd, fp := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"hi","idempotencyKey":"k1"}`)
	s.CacheIdempotencyResult("k1", cmd.Type, fp, protocol.OK(cmd, nil))

	if check := s.CheckReplay(cmd, fp); check.Kind != ReplayCached {
		t.Fatalf("kind = %v, want ReplayCached via key", check.Kind)
	}

	// Same key, different content: conflict.
	cmd2, fp2 := testCmd(t, `{"type":"prompt","sessionId":"s1","text":"other","idempotencyKey":"k1"}`)
	if check := s.CheckReplay(cmd2, fp2); check.Kind != Conflict {
		t.Fatalf("kind = %v, want Conflict on key reuse", check.Kind)
	}

	// Expired entries are ignored.
	now = now.Add(2 * time.Minute)
	if check := s.CheckReplay(cmd, fp); check.Kind != Proceed {
		t.Fatalf("kind = %v, want Proceed after TTL", check.Kind)
	}
	s.CleanupIdempotencyCache()
	if s.Stats().IdempotencyCache != 0 {
		t.Fatal("cleanup left expired entries")
	}
}

func TestFutureResolvesOnce(t *testing.T) {
	fut := NewFuture()
	first := &protocol.Response{Type: "response", Command: "prompt", Success: false, TimedOut: true}
	fut.Resolve(first)
	fut.Resolve(&protocol.Response{Type: "response", Command: "prompt", Success: true})
	if got := fut.Result(); got != first {
		t.Fatalf("second resolve won: %+v", got)
	}
}
