// Package events fans session notifications out to event-stream clients.
package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/chat-sync/internal/domain/delivery"
	"jan-server/services/chat-sync/internal/domain/session"
	"jan-server/services/chat-sync/internal/domain/status"
)

// Event names.
const (
	TypeView       = "view"
	TypeTransition = "transition"
	TypeScroll     = "scroll_to_latest"
)

const defaultBuffer = 16

// Event is one message on a chat's stream.
type Event struct {
	Type string
	Data any
}

// Transition is the payload of a transition event.
type Transition struct {
	AttemptID string       `json:"attempt_id"`
	From      status.State `json:"from"`
	To        status.State `json:"to"`
	Summary   string       `json:"summary"`
	Error     string       `json:"error,omitempty"`
	At        time.Time    `json:"at"`
}

// Hub implements session.Diagnostics. Slow subscribers lose their oldest
// undelivered events; publishing never blocks a session.
type Hub struct {
	buffer int
	log    zerolog.Logger

	mu   sync.RWMutex
	subs map[string]map[*subscriber]struct{}
}

var _ session.Diagnostics = (*Hub)(nil)

type subscriber struct {
	mu     sync.Mutex
	ch     chan Event
	closed bool
}

// NewHub creates a hub whose subscribers buffer up to buffer events.
func NewHub(buffer int, log zerolog.Logger) *Hub {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	return &Hub{
		buffer: buffer,
		log:    log.With().Str("component", "event-hub").Logger(),
		subs:   make(map[string]map[*subscriber]struct{}),
	}
}

// Subscribe returns the event stream of chatID and a function that ends it.
func (h *Hub) Subscribe(chatID string) (<-chan Event, func()) {
	s := &subscriber{ch: make(chan Event, h.buffer)}

	h.mu.Lock()
	if h.subs[chatID] == nil {
		h.subs[chatID] = make(map[*subscriber]struct{})
	}
	h.subs[chatID][s] = struct{}{}
	h.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs[chatID], s)
			if len(h.subs[chatID]) == 0 {
				delete(h.subs, chatID)
			}
			h.mu.Unlock()

			s.mu.Lock()
			s.closed = true
			close(s.ch)
			s.mu.Unlock()
		})
	}
}

// Subscribers returns the number of streams open for chatID.
func (h *Hub) Subscribers(chatID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[chatID])
}

// OnTransition implements session.Diagnostics.
func (h *Hub) OnTransition(chatID string, e delivery.Event) {
	h.log.Debug().
		Str("chat_id", chatID).
		Str("attempt_id", e.Attempt.ID).
		Str("from", e.From.String()).
		Str("to", e.To.String()).
		Msg(e.Summary)

	h.publish(chatID, Event{Type: TypeTransition, Data: Transition{
		AttemptID: e.Attempt.ID,
		From:      e.From,
		To:        e.To,
		Summary:   e.Summary,
		Error:     e.Attempt.ErrorMessage(),
		At:        time.Now().UTC(),
	}})
}

// OnViewChanged implements session.Diagnostics.
func (h *Hub) OnViewChanged(chatID string, view session.View) {
	h.publish(chatID, Event{Type: TypeView, Data: view})
}

// OnScrollToLatest implements session.Diagnostics.
func (h *Hub) OnScrollToLatest(chatID string) {
	h.publish(chatID, Event{Type: TypeScroll, Data: map[string]string{"chat_id": chatID}})
}

func (h *Hub) publish(chatID string, ev Event) {
	h.mu.RLock()
	subs := make([]*subscriber, 0, len(h.subs[chatID]))
	for s := range h.subs[chatID] {
		subs = append(subs, s)
	}
	h.mu.RUnlock()

	for _, s := range subs {
		if s.send(ev) {
			h.log.Debug().Str("chat_id", chatID).Str("event", ev.Type).Msg("dropped event for slow subscriber")
		}
	}
}

// send delivers ev, dropping the oldest queued event when the buffer is
// full. It reports whether an event was dropped.
func (s *subscriber) send(ev Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	dropped := false
	for {
		select {
		case s.ch <- ev:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}
