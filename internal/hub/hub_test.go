package hub

import (
	"encoding/json"
	"testing"

	"github.com/rs/zerolog"
)

func drain(t *testing.T, sub *Subscriber) map[string]any {
	t.Helper()
	select {
	case frame := <-sub.Frames():
		var out map[string]any
		if err := json.Unmarshal(frame, &out); err != nil {
			t.Fatalf("decode frame: %v", err)
		}
		return out
	default:
		t.Fatal("no frame queued")
		return nil
	}
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	h := New(zerolog.Nop())
	a := h.Attach("a")
	b := h.Attach("b")

	h.Broadcast(map[string]string{"type": "server_ready"})

	for _, sub := range []*Subscriber{a, b} {
		if got := drain(t, sub); got["type"] != "server_ready" {
			t.Fatalf("frame = %v", got)
		}
	}
}

func TestBroadcastSessionFilters(t *testing.T) {
	h := New(zerolog.Nop())
	follower := h.Attach("follower")
	other := h.Attach("other")
	h.SubscribeSession(follower, "s1")

	h.BroadcastSession("s1", map[string]string{"type": "event"})

	if got := drain(t, follower); got["type"] != "event" {
		t.Fatalf("frame = %v", got)
	}
	select {
	case <-other.Frames():
		t.Fatal("non-subscriber received a session frame")
	default:
	}
}

func TestUnsubscribeAndDropSession(t *testing.T) {
	h := New(zerolog.Nop())
	a := h.Attach("a")
	b := h.Attach("b")
	h.SubscribeSession(a, "s1")
	h.SubscribeSession(b, "s1")

	h.UnsubscribeSession(a, "s1")
	if a.Subscribed("s1") {
		t.Fatal("unsubscribe ignored")
	}

	h.DropSession("s1")
	if b.Subscribed("s1") {
		t.Fatal("drop did not clear subscription")
	}
}

func TestSessionFollowed(t *testing.T) {
	h := New(zerolog.Nop())
	if h.SessionFollowed("s1") {
		t.Fatal("empty hub reports a follower")
	}
	sub := h.Attach("a")
	h.SubscribeSession(sub, "s1")
	if !h.SessionFollowed("s1") {
		t.Fatal("subscribed session not reported as followed")
	}
	h.Detach(sub)
	if h.SessionFollowed("s1") {
		t.Fatal("detached subscriber still counts as a follower")
	}
}

func TestDetachClosesChannel(t *testing.T) {
	h := New(zerolog.Nop())
	sub := h.Attach("a")
	h.Detach(sub)
	if _, open := <-sub.Frames(); open {
		t.Fatal("channel must be closed after detach")
	}
	// Double detach is a no-op.
	h.Detach(sub)
	if h.Count() != 0 {
		t.Fatalf("count = %d after detach", h.Count())
	}
	// Broadcasting to a detached subscriber must not panic.
	h.Broadcast(map[string]string{"type": "noop"})
}

func TestSlowSubscriberDropsFrames(t *testing.T) {
	h := New(zerolog.Nop())
	sub := h.Attach("slow")
	for i := 0; i < sendBufferCap+10; i++ {
		h.Broadcast(map[string]int{"seq": i})
	}
	// The buffer is full but nothing blocked; count the delivered frames.
	delivered := 0
	for {
		select {
		case <-sub.Frames():
			delivered++
			continue
		default:
		}
		break
	}
	if delivered != sendBufferCap {
		t.Fatalf("delivered = %d, want %d", delivered, sendBufferCap)
	}
}
