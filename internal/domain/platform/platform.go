// Package platform declares the remote collaborators the synchronization
// engine depends on: the managed data platform and the reply generator.
package platform

import (
	"context"
	"errors"

	"jan-server/services/chat-sync/internal/domain/message"
)

// ErrConversationNotFound is returned when a chat id has no conversation.
var ErrConversationNotFound = errors.New("conversation not found")

// SnapshotSource answers point-in-time queries for a conversation's messages.
type SnapshotSource interface {
	FetchMessages(ctx context.Context, chatID string) ([]message.Message, error)
}

// Subscription is an open live channel. Every value on Updates is the full
// current message set of the conversation.
type Subscription interface {
	Updates() <-chan []message.Message
	Errors() <-chan error
	Close() error
}

// LiveChannel opens push subscriptions.
type LiveChannel interface {
	Subscribe(ctx context.Context, chatID string) (Subscription, error)
}

// MessageWriter persists messages.
type MessageWriter interface {
	// CreateMessage stores a user message and returns the stored record.
	CreateMessage(ctx context.Context, msg message.NewMessage) (*message.Message, error)
	// InsertReply is the primary path for saving a generated reply. A nil
	// message with a nil error means the write was accepted without
	// returning a confirmed id.
	InsertReply(ctx context.Context, msg message.NewMessage) (*message.Message, error)
	// InsertReplyFallback is the independent individual-insert path.
	InsertReplyFallback(ctx context.Context, msg message.NewMessage) (*message.Message, error)
}

// ConversationStore reads and renames conversations.
type ConversationStore interface {
	GetConversation(ctx context.Context, chatID string) (*message.Conversation, error)
	UpdateTitle(ctx context.Context, chatID, title string) (*message.Conversation, error)
}

// GenerateResult is the structured answer of the generation call.
type GenerateResult struct {
	Success  bool   `json:"success"`
	Response string `json:"response,omitempty"`
	Message  string `json:"message,omitempty"`
}

// DefaultReplyText is used when a successful generation carries no text.
const DefaultReplyText = "Bot responded successfully"

// ReplyText picks the text to persist from a successful result.
func (r *GenerateResult) ReplyText() string {
	if r == nil {
		return DefaultReplyText
	}
	if r.Response != "" {
		return r.Response
	}
	if r.Message != "" {
		return r.Message
	}
	return DefaultReplyText
}

// Generator asks the automation backend for a reply to the user's text.
type Generator interface {
	GenerateReply(ctx context.Context, chatID, text string) (*GenerateResult, error)
}

// Platform bundles the data-platform collaborators.
type Platform interface {
	SnapshotSource
	LiveChannel
	MessageWriter
	ConversationStore
}
