package handlers

import (
	"github.com/google/wire"

	"jan-server/services/chat-sync/internal/domain/session"
	"jan-server/services/chat-sync/internal/interfaces/httpserver/events"
)

// Provider holds all HTTP handlers.
type Provider struct {
	Chat *ChatHandler
}

// NewProvider creates a new handler provider.
func NewProvider(sessions *session.Manager, hub *events.Hub) *Provider {
	return &Provider{
		Chat: NewChatHandler(sessions, hub),
	}
}

// HandlerProvider provides all handlers for wire.
var HandlerProvider = wire.NewSet(
	NewProvider,
)
