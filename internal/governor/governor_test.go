package governor

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestGovernor(cfg Config) *Governor {
	return New(cfg, zerolog.Nop(), nil)
}

func TestSessionSlotCap(t *testing.T) {
	g := newTestGovernor(Config{MaxSessions: 2})
	if !g.TryReserveSessionSlot() || !g.TryReserveSessionSlot() {
		t.Fatal("reservations under the cap must succeed")
	}
	if g.TryReserveSessionSlot() {
		t.Fatal("reservation over the cap must fail")
	}
	g.ReleaseSessionSlot()
	if !g.TryReserveSessionSlot() {
		t.Fatal("slot must be reusable after release")
	}
}

func TestReleaseBelowZeroClamps(t *testing.T) {
	g := newTestGovernor(Config{})
	g.ReleaseSessionSlot()
	g.ReleaseConnectionSlot()
	stats := g.Stats()
	if stats.SessionCount != 0 || stats.ConnectionCount != 0 {
		t.Fatalf("counts must clamp at zero: %+v", stats)
	}
	if stats.DoubleUnregisterErrors != 2 {
		t.Fatalf("double unregister errors = %d, want 2", stats.DoubleUnregisterErrors)
	}
}

func TestMessageSizeChecks(t *testing.T) {
	g := newTestGovernor(Config{MaxMessageBytes: 100})
	if d := g.CanAcceptMessage(50); !d.Allowed {
		t.Fatalf("in-limit message rejected: %s", d.Reason)
	}
	for _, bad := range []float64{101, -1} {
		if d := g.CanAcceptMessage(bad); d.Allowed {
			t.Fatalf("size %v must be rejected", bad)
		}
	}
}

func TestRateWindowAndRefund(t *testing.T) {
	g := newTestGovernor(Config{MaxCommandsPerMinute: 2, MaxGlobalCommandsPerMin: 100})
	now := time.Now()
	g.SetNowFunc(func() time.Time { return now })

	d1 := g.CanExecuteCommand("s1")
	d2 := g.CanExecuteCommand("s1")
	if !d1.Allowed || !d2.Allowed {
		t.Fatal("admissions under the limit must succeed")
	}
	if d := g.CanExecuteCommand("s1"); d.Allowed {
		t.Fatal("third admission must be rate limited")
	}
	// Other sessions have independent windows.
	if d := g.CanExecuteCommand("s2"); !d.Allowed {
		t.Fatal("independent session must not be limited")
	}

	// Refunding one admission frees exactly one slot.
	g.RefundCommand("s1", d2.Generation)
	if d := g.CanExecuteCommand("s1"); !d.Allowed {
		t.Fatal("refunded slot must be reusable")
	}

	// Entries age out of the window.
	now = now.Add(2 * time.Minute)
	if d := g.CanExecuteCommand("s1"); !d.Allowed {
		t.Fatal("window must reset after the rate window elapses")
	}
}

func TestGlobalWindow(t *testing.T) {
	g := newTestGovernor(Config{MaxCommandsPerMinute: 100, MaxGlobalCommandsPerMin: 3})
	for i := 0; i < 3; i++ {
		if d := g.CanExecuteCommand("s1"); !d.Allowed {
			t.Fatalf("admission %d rejected", i)
		}
	}
	if d := g.CanExecuteCommand("s2"); d.Allowed {
		t.Fatal("global limit must apply across sessions")
	}
}

func TestRefundRemovesBothWindows(t *testing.T) {
	g := newTestGovernor(Config{MaxCommandsPerMinute: 10, MaxGlobalCommandsPerMin: 1})
	d := g.CanExecuteCommand("s1")
	if !d.Allowed {
		t.Fatal("first admission rejected")
	}
	g.RefundCommand("s1", d.Generation)
	if d := g.CanExecuteCommand("s2"); !d.Allowed {
		t.Fatal("refund must free the global slot too")
	}
}

func TestUIResponseWindow(t *testing.T) {
	g := newTestGovernor(Config{MaxUIResponsesPerMinute: 1})
	if d := g.CanExecuteUIResponse(); !d.Allowed {
		t.Fatal("first ui response rejected")
	}
	if d := g.CanExecuteUIResponse(); d.Allowed {
		t.Fatal("second ui response must be limited")
	}
}

func TestZombieAndExpiredSessions(t *testing.T) {
	g := newTestGovernor(Config{ZombieTimeout: time.Minute, MaxSessionLifetime: time.Hour})
	now := time.Now()
	g.SetNowFunc(func() time.Time { return now })

	g.RecordSessionCreated("s1")
	g.RecordSessionCreated("s2")

	now = now.Add(30 * time.Second)
	g.RecordHeartbeat("s2")

	now = now.Add(45 * time.Second)
	zombies := g.ZombieSessions()
	if len(zombies) != 1 || zombies[0] != "s1" {
		t.Fatalf("zombies = %v, want [s1]", zombies)
	}

	now = now.Add(2 * time.Hour)
	expired := g.ExpiredSessions()
	if len(expired) != 2 {
		t.Fatalf("expired = %v, want both sessions", expired)
	}

	g.CleanupStaleData(map[string]bool{})
	if got := g.ZombieSessions(); len(got) != 0 {
		t.Fatalf("stale data survived cleanup: %v", got)
	}
}

func TestSweepPrunesWindows(t *testing.T) {
	g := newTestGovernor(Config{})
	now := time.Now()
	g.SetNowFunc(func() time.Time { return now })
	g.CanExecuteCommand("s1")
	now = now.Add(2 * time.Minute)
	g.Sweep()
	if stats := g.Stats(); stats.GlobalWindowSize != 0 || stats.TrackedSessions != 0 {
		t.Fatalf("sweep left entries behind: %+v", stats)
	}
}
