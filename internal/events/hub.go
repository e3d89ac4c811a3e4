// Package events is the bounded fan-out bus for pipeline milestones.
// Stages publish as they finish; WebSocket clients subscribe per session
// or firehose. Publishing never blocks: a subscriber whose buffer is full
// is dropped, because a stalled client must not stall the pipeline.
package events

import (
	"log/slog"
	"sync"
	"time"
)

// Type names a pipeline milestone.
type Type string

const (
	TypeSessionStarted   Type = "session.started"
	TypeSessionClosed    Type = "session.closed"
	TypeTranscriptFinal  Type = "transcript.final"
	TypeClaimExtracted   Type = "claim.extracted"
	TypeValidationResult Type = "validation.result"
	TypeReportReady      Type = "report.ready"
	TypeWarning          Type = "warning"
)

// Event is one bus message. Payload marshals to JSON on the wire.
type Event struct {
	Type      Type      `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	At        time.Time `json:"at"`
	Payload   any       `json:"payload,omitempty"`
}

const defaultBuffer = 64

// Hub fans events out to subscribers.
type Hub struct {
	mu     sync.Mutex
	subs   map[*Subscriber]struct{}
	buffer int
	closed bool
}

// NewHub builds a hub with the given per-subscriber buffer; n <= 0 takes
// the default of 64.
func NewHub(n int) *Hub {
	if n <= 0 {
		n = defaultBuffer
	}
	return &Hub{subs: make(map[*Subscriber]struct{}), buffer: n}
}

// Subscriber is one registered listener. Events arrive on C until Close
// is called or the hub drops the subscriber for falling behind; either
// way C is closed.
type Subscriber struct {
	C <-chan Event

	hub       *Hub
	ch        chan Event
	sessionID string
	once      sync.Once
}

// Subscribe registers a listener. A non-empty sessionID filters to that
// session's events; empty receives everything.
func (h *Hub) Subscribe(sessionID string) *Subscriber {
	ch := make(chan Event, h.buffer)
	s := &Subscriber{C: ch, hub: h, ch: ch, sessionID: sessionID}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		close(ch)
		return s
	}
	h.subs[s] = struct{}{}
	return s
}

// Close unregisters the subscriber and closes its channel.
func (s *Subscriber) Close() {
	s.once.Do(func() {
		s.hub.mu.Lock()
		delete(s.hub.subs, s)
		s.hub.mu.Unlock()
		close(s.ch)
	})
}

// Publish delivers the event to every matching subscriber. A full
// subscriber buffer drops that subscriber.
func (h *Hub) Publish(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}

	var dropped []*Subscriber
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	for s := range h.subs {
		if s.sessionID != "" && s.sessionID != ev.SessionID {
			continue
		}
		select {
		case s.ch <- ev:
		default:
			dropped = append(dropped, s)
		}
	}
	h.mu.Unlock()

	for _, s := range dropped {
		slog.Warn("dropping slow event subscriber", "session_id", s.sessionID)
		s.Close()
	}
}

// Close drops all subscribers and rejects further publishes.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for s := range h.subs {
		subs = append(subs, s)
	}
	h.mu.Unlock()

	for _, s := range subs {
		s.Close()
	}
}
