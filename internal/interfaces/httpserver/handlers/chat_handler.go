package handlers

import (
	"context"

	"jan-server/services/chat-sync/internal/domain/actionlog"
	"jan-server/services/chat-sync/internal/domain/delivery"
	"jan-server/services/chat-sync/internal/domain/session"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/events"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/responses"
)

// ChatHandler exposes conversation sessions over HTTP.
type ChatHandler struct {
	sessions *session.Manager
	hub      *events.Hub
}

// NewChatHandler creates a chat handler.
func NewChatHandler(sessions *session.Manager, hub *events.Hub) *ChatHandler {
	return &ChatHandler{sessions: sessions, hub: hub}
}

// OpenSession opens chatID, closing previous when it names another chat.
func (h *ChatHandler) OpenSession(ctx context.Context, chatID, previous string) (session.View, error) {
	s, err := h.sessions.Switch(ctx, previous, chatID)
	if err != nil {
		return session.View{}, err
	}
	return s.View(), nil
}

// CloseSession closes the session of chatID.
func (h *ChatHandler) CloseSession(chatID string) bool {
	return h.sessions.Close(chatID)
}

// View returns the current view of chatID.
func (h *ChatHandler) View(chatID string) (session.View, error) {
	s, err := h.get(chatID)
	if err != nil {
		return session.View{}, err
	}
	return s.View(), nil
}

// Submit starts delivering text and returns the attempt id.
func (h *ChatHandler) Submit(ctx context.Context, chatID, text string) (string, error) {
	s, err := h.get(chatID)
	if err != nil {
		return "", err
	}
	return s.Submit(ctx, text)
}

// SubmitAndWait delivers text and waits for the attempt to finish.
func (h *ChatHandler) SubmitAndWait(ctx context.Context, chatID, text string) (delivery.Attempt, error) {
	s, err := h.get(chatID)
	if err != nil {
		return delivery.Attempt{}, err
	}
	return s.SubmitAndWait(ctx, text)
}

// Refetch reloads the snapshot of chatID.
func (h *ChatHandler) Refetch(ctx context.Context, chatID string) (session.View, error) {
	s, err := h.get(chatID)
	if err != nil {
		return session.View{}, err
	}
	if err := s.Refetch(ctx); err != nil {
		return session.View{}, err
	}
	return s.View(), nil
}

// Actions returns the action log of chatID.
func (h *ChatHandler) Actions(chatID string) ([]actionlog.Entry, error) {
	s, err := h.get(chatID)
	if err != nil {
		return nil, err
	}
	return s.ActionLog(), nil
}

// ClearActions empties the action log of chatID.
func (h *ChatHandler) ClearActions(chatID string) error {
	s, err := h.get(chatID)
	if err != nil {
		return err
	}
	s.ClearActionLog()
	return nil
}

// Subscribe opens the event stream of chatID. The returned view is the
// state at subscription time.
func (h *ChatHandler) Subscribe(chatID string) (<-chan events.Event, func(), session.View, error) {
	s, err := h.get(chatID)
	if err != nil {
		return nil, nil, session.View{}, err
	}
	ch, cancel := h.hub.Subscribe(chatID)
	return ch, cancel, s.View(), nil
}

func (h *ChatHandler) get(chatID string) (*session.Session, error) {
	s, ok := h.sessions.Get(chatID)
	if !ok {
		return nil, responses.ErrSessionNotOpen
	}
	return s, nil
}
