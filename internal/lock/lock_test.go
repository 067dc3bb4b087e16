package lock

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestAcquireRelease(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h, err := m.Acquire("k", "a")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if !m.Held("k") {
		t.Fatal("key must be held")
	}
	m.Release(h)
	if m.Held("k") {
		t.Fatal("key must be free after release")
	}
}

func TestWaiterHandoffFIFO(t *testing.T) {
	m := NewManager(zerolog.Nop(), WithWaitTimeout(time.Second))
	h, err := m.Acquire("k", "holder")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup
	started := make(chan struct{}, 2)
	for _, tag := range []string{"w1", "w2"} {
		wg.Add(1)
		go func(tag string) {
			defer wg.Done()
			started <- struct{}{}
			wh, err := m.Acquire("k", tag)
			if err != nil {
				t.Errorf("%s acquire: %v", tag, err)
				return
			}
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			m.Release(wh)
		}(tag)
		<-started
		// Give the goroutine time to enqueue before starting the next so
		// the FIFO order is deterministic.
		time.Sleep(20 * time.Millisecond)
	}

	m.Release(h)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 2 || order[0] != "w1" || order[1] != "w2" {
		t.Fatalf("handoff order = %v, want [w1 w2]", order)
	}
}

func TestWaiterQueueCap(t *testing.T) {
	m := NewManager(zerolog.Nop(), WithMaxWaiters(1), WithWaitTimeout(200*time.Millisecond))
	h, _ := m.Acquire("k", "holder")
	defer m.Release(h)

	queued := make(chan struct{})
	go func() {
		close(queued)
		_, _ = m.Acquire("k", "w1")
	}()
	<-queued
	time.Sleep(20 * time.Millisecond)

	if _, err := m.Acquire("k", "w2"); !errors.Is(err, ErrQueueFull) {
		t.Fatalf("expected ErrQueueFull, got %v", err)
	}
}

func TestAcquireTimeout(t *testing.T) {
	m := NewManager(zerolog.Nop(), WithWaitTimeout(50*time.Millisecond))
	h, _ := m.Acquire("k", "holder")
	defer m.Release(h)

	if _, err := m.Acquire("k", "w"); !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestStaleHandleReleaseIgnored(t *testing.T) {
	m := NewManager(zerolog.Nop())
	h1, _ := m.Acquire("k", "a")
	m.Release(h1)
	h2, _ := m.Acquire("k", "b")

	// A double-release of the old handle must not free b's ownership.
	m.Release(h1)
	if !m.Held("k") {
		t.Fatal("stale release freed a live lock")
	}
	m.Release(h2)
	if m.Held("k") {
		t.Fatal("current release ignored")
	}
}

func TestClearRejectsWaiters(t *testing.T) {
	m := NewManager(zerolog.Nop(), WithWaitTimeout(time.Second))
	h, _ := m.Acquire("k", "holder")
	_ = h

	errCh := make(chan error, 1)
	go func() {
		_, err := m.Acquire("k", "w")
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	m.Clear()
	if err := <-errCh; !errors.Is(err, ErrCleared) {
		t.Fatalf("expected ErrCleared, got %v", err)
	}
}
