// Package message holds the conversation data model shared by every component.
package message

import (
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
)

// Role identifies who authored a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleUser || r == RoleAssistant
}

// DefaultTitle is the sentinel title of a conversation that was never named.
const DefaultTitle = "New Chat"

// MaxTitleLength is the number of characters kept when deriving a title.
const MaxTitleLength = 50

// Message is an immutable entry of a conversation.
type Message struct {
	ID              string    `json:"id"`
	ChatID          string    `json:"chat_id"`
	Role            Role      `json:"role"`
	Content         string    `json:"content"`
	CreatedAt       time.Time `json:"created_at"`
	ClientRequestID string    `json:"client_request_id,omitempty"`
}

// Before reports whether m sorts before other by (CreatedAt, ID).
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// NewMessage is the payload for creating a message.
type NewMessage struct {
	ChatID          string
	Role            Role
	Content         string
	ClientRequestID string
	Metadata        map[string]any
}

// Conversation is the metadata of a chat.
type Conversation struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	UpdatedAt time.Time `json:"updated_at"`
}

// HasDefaultTitle reports whether the conversation still carries the sentinel title.
func (c *Conversation) HasDefaultTitle() bool {
	return c == nil || c.Title == "" || c.Title == DefaultTitle
}

// SortByKey sorts messages in place by (CreatedAt, ID) ascending and returns them.
func SortByKey(messages []Message) []Message {
	sort.SliceStable(messages, func(i, j int) bool {
		return messages[i].Before(messages[j])
	})
	return messages
}

// IsSorted reports whether messages are non-decreasing by (CreatedAt, ID).
func IsSorted(messages []Message) bool {
	for i := 1; i < len(messages); i++ {
		if messages[i].Before(messages[i-1]) {
			return false
		}
	}
	return true
}

// Clone returns a copy of messages that can be handed out safely.
func Clone(messages []Message) []Message {
	if messages == nil {
		return nil
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// DeriveTitle builds a conversation title from the first message.
func DeriveTitle(text string) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= MaxTitleLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:MaxTitleLength]) + "..."
}

// ValidateID reports whether id is a canonical RFC 4122 identifier of
// version 1 through 5. Surrounding whitespace is ignored.
func ValidateID(id string) bool {
	id = strings.TrimSpace(id)
	if len(id) != 36 {
		return false
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return false
	}
	if v := parsed.Version(); v < 1 || v > 5 {
		return false
	}
	return parsed.Variant() == uuid.RFC4122
}

// NewRequestID returns a fresh idempotency key for a delivery attempt.
func NewRequestID() string {
	return uuid.NewString()
}
