package database

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"jan-server/services/chat-sync/internal/domain/message"
)

// Chat is a row of the chats table.
type Chat struct {
	ID        string `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Title     string `gorm:"type:text;not null;default:'New Chat'"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Chat) TableName() string { return "chats" }

// Message is a row of the messages table.
type Message struct {
	ID              string         `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	ChatID          string         `gorm:"type:uuid;not null;index:idx_messages_chat_created_at"`
	Role            string         `gorm:"size:16;not null"`
	Content         string         `gorm:"type:text;not null"`
	Metadata        datatypes.JSON `gorm:"type:jsonb"`
	ClientRequestID *string        `gorm:"size:128;uniqueIndex:messages_client_request_id_key"`
	CreatedAt       time.Time      `gorm:"index:idx_messages_chat_created_at"`
}

func (Message) TableName() string { return "messages" }

func newMessageEntity(msg message.NewMessage) (*Message, error) {
	entity := &Message{
		ChatID:  msg.ChatID,
		Role:    string(msg.Role),
		Content: msg.Content,
	}
	if msg.ClientRequestID != "" {
		id := msg.ClientRequestID
		entity.ClientRequestID = &id
	}
	if len(msg.Metadata) > 0 {
		raw, err := json.Marshal(msg.Metadata)
		if err != nil {
			return nil, err
		}
		entity.Metadata = datatypes.JSON(raw)
	}
	return entity, nil
}

func (m *Message) toDomain() message.Message {
	out := message.Message{
		ID:        m.ID,
		ChatID:    m.ChatID,
		Role:      message.Role(m.Role),
		Content:   m.Content,
		CreatedAt: m.CreatedAt.UTC(),
	}
	if m.ClientRequestID != nil {
		out.ClientRequestID = *m.ClientRequestID
	}
	return out
}

func (c *Chat) toDomain() *message.Conversation {
	return &message.Conversation{
		ID:        c.ID,
		Title:     c.Title,
		UpdatedAt: c.UpdatedAt.UTC(),
	}
}
