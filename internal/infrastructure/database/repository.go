package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
)

// ErrLiveChannelDisabled is returned by Subscribe without a Notifier.
var ErrLiveChannelDisabled = errors.New("live channel not configured")

// Repository implements platform.Platform on Postgres.
type Repository struct {
	db   *gorm.DB
	live *Notifier
	log  zerolog.Logger
}

var _ platform.Platform = (*Repository)(nil)

// NewRepository constructs the repository. live may be nil, in which case
// sessions rely on snapshots only.
func NewRepository(db *gorm.DB, live *Notifier, log zerolog.Logger) *Repository {
	return &Repository{
		db:   db,
		live: live,
		log:  log.With().Str("component", "postgres-platform").Logger(),
	}
}

// FetchMessages returns the messages of a chat in creation order.
func (r *Repository) FetchMessages(ctx context.Context, chatID string) ([]message.Message, error) {
	var rows []Message
	if err := r.db.WithContext(ctx).
		Where("chat_id = ?", chatID).
		Order("created_at ASC").
		Order("id ASC").
		Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("fetch messages: %w", err)
	}

	out := make([]message.Message, 0, len(rows))
	for i := range rows {
		out = append(out, rows[i].toDomain())
	}
	return out, nil
}

// Subscribe opens a LISTEN/NOTIFY backed live channel.
func (r *Repository) Subscribe(ctx context.Context, chatID string) (platform.Subscription, error) {
	if r.live == nil {
		return nil, ErrLiveChannelDisabled
	}
	return r.live.Subscribe(ctx, chatID)
}

// CreateMessage inserts a user message. A replayed client request id
// returns the stored row.
func (r *Repository) CreateMessage(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	entity, err := newMessageEntity(msg)
	if err != nil {
		return nil, fmt.Errorf("map message: %w", err)
	}
	if err := r.create(r.db.WithContext(ctx), entity); err != nil {
		return nil, fmt.Errorf("create message: %w", err)
	}
	m := entity.toDomain()
	return &m, nil
}

// InsertReply stores a reply and bumps the chat's updated_at in one
// transaction.
func (r *Repository) InsertReply(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	entity, err := newMessageEntity(msg)
	if err != nil {
		return nil, fmt.Errorf("map reply: %w", err)
	}

	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := r.create(tx, entity); err != nil {
			return err
		}
		return tx.Model(&Chat{}).
			Where("id = ?", msg.ChatID).
			Update("updated_at", time.Now().UTC()).Error
	})
	if err != nil {
		return nil, fmt.Errorf("save reply: %w", err)
	}
	m := entity.toDomain()
	return &m, nil
}

const insertReplySQL = `
INSERT INTO messages (chat_id, role, content, metadata, client_request_id)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (client_request_id) DO UPDATE SET client_request_id = EXCLUDED.client_request_id
RETURNING id, chat_id, role, content, metadata, client_request_id, created_at`

// InsertReplyFallback stores a reply with a single plain INSERT.
func (r *Repository) InsertReplyFallback(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	entity, err := newMessageEntity(msg)
	if err != nil {
		return nil, fmt.Errorf("map reply: %w", err)
	}

	var row Message
	res := r.db.WithContext(ctx).
		Raw(insertReplySQL, entity.ChatID, entity.Role, entity.Content, entity.Metadata, entity.ClientRequestID).
		Scan(&row)
	if res.Error != nil {
		return nil, fmt.Errorf("insert reply: %w", res.Error)
	}
	if row.ID == "" {
		return nil, nil
	}
	m := row.toDomain()
	return &m, nil
}

// GetConversation loads a chat.
func (r *Repository) GetConversation(ctx context.Context, chatID string) (*message.Conversation, error) {
	var chat Chat
	if err := r.db.WithContext(ctx).Where("id = ?", chatID).First(&chat).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("chat %s: %w", chatID, platform.ErrConversationNotFound)
		}
		return nil, fmt.Errorf("get chat: %w", err)
	}
	return chat.toDomain(), nil
}

// UpdateTitle renames a chat.
func (r *Repository) UpdateTitle(ctx context.Context, chatID, title string) (*message.Conversation, error) {
	res := r.db.WithContext(ctx).Model(&Chat{}).
		Where("id = ?", chatID).
		Updates(map[string]any{"title": title, "updated_at": time.Now().UTC()})
	if res.Error != nil {
		return nil, fmt.Errorf("update chat title: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return nil, fmt.Errorf("chat %s: %w", chatID, platform.ErrConversationNotFound)
	}
	return r.GetConversation(ctx, chatID)
}

// CreateConversation inserts a chat with the given title.
func (r *Repository) CreateConversation(ctx context.Context, title string) (*message.Conversation, error) {
	if title == "" {
		title = message.DefaultTitle
	}
	chat := &Chat{Title: title}
	if err := r.db.WithContext(ctx).Create(chat).Error; err != nil {
		return nil, fmt.Errorf("create chat: %w", err)
	}
	return chat.toDomain(), nil
}

// create inserts entity. When the client request id already exists, entity
// is loaded from the stored row instead.
func (r *Repository) create(db *gorm.DB, entity *Message) error {
	if entity.ClientRequestID == nil {
		return db.Create(entity).Error
	}

	res := db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "client_request_id"}},
		DoNothing: true,
	}).Create(entity)
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected > 0 {
		return nil
	}

	r.log.Debug().Str("client_request_id", *entity.ClientRequestID).Msg("replayed write, returning stored message")
	return db.Where("client_request_id = ?", *entity.ClientRequestID).First(entity).Error
}

// HealthCheck pings the database.
func (r *Repository) HealthCheck(ctx context.Context) error {
	sqlDB, err := r.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
