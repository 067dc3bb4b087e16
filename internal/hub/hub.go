// Package hub fans out server frames to transport subscribers. A
// subscriber is one attached client connection; it carries the set of
// session ids whose event streams it follows. Broadcasts iterate over a
// snapshot so a subscriber removed mid-broadcast cannot corrupt iteration,
// and sends are non-blocking so one slow client cannot stall the rest.
package hub

import (
	"encoding/json"
	"sync"

	"github.com/rs/zerolog"
)

const sendBufferCap = 256

// Subscriber is one attached client. Frames are delivered on a buffered
// channel drained by the owning transport's write loop.
type Subscriber struct {
	id string
	ch chan []byte

	mu       sync.Mutex
	sessions map[string]struct{}
	closed   bool
}

// ID returns the connection identifier assigned at attach.
func (s *Subscriber) ID() string { return s.id }

// Frames returns the delivery channel. Closed when the subscriber detaches.
func (s *Subscriber) Frames() <-chan []byte { return s.ch }

// Subscribed reports whether the subscriber follows the session.
func (s *Subscriber) Subscribed(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[sessionID]
	return ok
}

// send queues a frame without blocking. A full buffer drops the frame;
// event delivery to a wedged subscriber is best-effort.
func (s *Subscriber) send(frame []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- frame:
		return true
	default:
		return false
	}
}

// Hub is the subscriber registry.
type Hub struct {
	log zerolog.Logger

	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// New creates an empty hub.
func New(log zerolog.Logger) *Hub {
	return &Hub{log: log, subs: make(map[*Subscriber]struct{})}
}

// Attach registers a new subscriber for a connection.
func (h *Hub) Attach(id string) *Subscriber {
	sub := &Subscriber{
		id:       id,
		ch:       make(chan []byte, sendBufferCap),
		sessions: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

// Detach removes a subscriber and closes its frame channel.
func (h *Hub) Detach(sub *Subscriber) {
	h.mu.Lock()
	_, present := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if !present {
		return
	}
	sub.mu.Lock()
	if !sub.closed {
		sub.closed = true
		close(sub.ch)
	}
	sub.mu.Unlock()
}

// SubscribeSession adds a session to the subscriber's set.
func (h *Hub) SubscribeSession(sub *Subscriber, sessionID string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	if !sub.closed {
		sub.sessions[sessionID] = struct{}{}
	}
}

// UnsubscribeSession removes a session from the subscriber's set.
func (h *Hub) UnsubscribeSession(sub *Subscriber, sessionID string) {
	sub.mu.Lock()
	defer sub.mu.Unlock()
	delete(sub.sessions, sessionID)
}

// DropSession removes the session from every subscriber's set. Called when
// a session is deleted.
func (h *Hub) DropSession(sessionID string) {
	for _, sub := range h.snapshot() {
		h.UnsubscribeSession(sub, sessionID)
	}
}

func (h *Hub) snapshot() []*Subscriber {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*Subscriber, 0, len(h.subs))
	for sub := range h.subs {
		out = append(out, sub)
	}
	return out
}

func (h *Hub) encode(frame any) []byte {
	data, err := json.Marshal(frame)
	if err != nil {
		h.log.Error().Err(err).Msg("encode broadcast frame")
		return nil
	}
	return data
}

// Broadcast sends a frame to every subscriber.
func (h *Hub) Broadcast(frame any) {
	data := h.encode(frame)
	if data == nil {
		return
	}
	for _, sub := range h.snapshot() {
		if !sub.send(data) {
			h.log.Debug().Str("subscriber", sub.id).Msg("dropped broadcast frame")
		}
	}
}

// BroadcastSession sends a frame to subscribers following the session.
func (h *Hub) BroadcastSession(sessionID string, frame any) {
	data := h.encode(frame)
	if data == nil {
		return
	}
	for _, sub := range h.snapshot() {
		if !sub.Subscribed(sessionID) {
			continue
		}
		if !sub.send(data) {
			h.log.Debug().Str("subscriber", sub.id).Str("session", sessionID).
				Msg("dropped session frame")
		}
	}
}

// SendTo delivers a frame to a single subscriber.
func (h *Hub) SendTo(sub *Subscriber, frame any) bool {
	data := h.encode(frame)
	if data == nil {
		return false
	}
	return sub.send(data)
}

// SessionFollowed reports whether any attached subscriber follows the
// session. The zombie sweep treats a live follower as session liveness.
func (h *Hub) SessionFollowed(sessionID string) bool {
	for _, sub := range h.snapshot() {
		if sub.Subscribed(sessionID) {
			return true
		}
	}
	return false
}

// Count returns the number of attached subscribers.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// Clear detaches every subscriber. Shutdown only.
func (h *Hub) Clear() {
	for _, sub := range h.snapshot() {
		h.Detach(sub)
	}
}
