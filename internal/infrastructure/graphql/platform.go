package graphql

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
)

// Platform implements platform.Platform against the GraphQL data platform.
type Platform struct {
	client *Client
	cfg    Config
	log    zerolog.Logger
}

var _ platform.Platform = (*Platform)(nil)

// NewPlatform creates the GraphQL platform adapter.
func NewPlatform(client *Client, log zerolog.Logger) *Platform {
	return &Platform{
		client: client,
		cfg:    client.cfg,
		log:    log.With().Str("component", "graphql-platform").Logger(),
	}
}

// FetchMessages returns the messages of a chat in creation order.
func (p *Platform) FetchMessages(ctx context.Context, chatID string) ([]message.Message, error) {
	query := getMessagesQuery
	if p.cfg.IdempotencyKeys {
		query = getMessagesWithRequestIDQuery
	}
	data, err := p.client.Do(ctx, "GetMessages", query, map[string]any{"chatId": chatID})
	if err != nil {
		return nil, err
	}
	return parseMessages(data.Get("messages"), chatID), nil
}

// CreateMessage inserts a user message.
func (p *Platform) CreateMessage(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	query, vars := sendMessageMutation, map[string]any{"chatId": msg.ChatID, "content": msg.Content}
	if p.cfg.IdempotencyKeys && msg.ClientRequestID != "" {
		query = sendMessageIdempotentMutation
		vars["requestId"] = msg.ClientRequestID
	}

	data, err := p.client.Do(ctx, "SendMessage", query, vars)
	if err != nil {
		return nil, err
	}
	row := data.Get("insert_messages_one")
	if !row.IsObject() {
		return nil, errors.New("graphql SendMessage: no message returned")
	}
	m := parseMessage(row, msg.ChatID)
	return &m, nil
}

// InsertReply saves an assistant reply with the single-object mutation.
func (p *Platform) InsertReply(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	query, vars := saveBotResponseMutation, map[string]any{"chatId": msg.ChatID, "content": msg.Content}
	if p.cfg.IdempotencyKeys && msg.ClientRequestID != "" {
		query = saveBotResponseIdempotentMutation
		vars["requestId"] = msg.ClientRequestID
	}

	data, err := p.client.Do(ctx, "SaveBotResponse", query, vars)
	if err != nil {
		return nil, err
	}
	row := data.Get("insert_messages_one")
	if !row.IsObject() {
		// Accepted, but the row is not visible to this role.
		return nil, nil
	}
	m := parseMessage(row, msg.ChatID)
	return &m, nil
}

// InsertReplyFallback saves an assistant reply through the batch insert.
func (p *Platform) InsertReplyFallback(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	object := map[string]any{
		"chat_id": msg.ChatID,
		"content": msg.Content,
		"role":    string(msg.Role),
	}
	query := insertMessagesMutation
	if p.cfg.IdempotencyKeys && msg.ClientRequestID != "" {
		query = insertMessagesIdempotentMutation
		object["client_request_id"] = msg.ClientRequestID
	}

	data, err := p.client.Do(ctx, "InsertMessages", query, map[string]any{"objects": []any{object}})
	if err != nil {
		return nil, err
	}
	result := data.Get("insert_messages")
	if result.Get("affected_rows").Int() == 0 {
		return nil, errors.New("graphql InsertMessages: no rows inserted")
	}
	rows := result.Get("returning").Array()
	if len(rows) == 0 {
		return nil, nil
	}
	m := parseMessage(rows[0], msg.ChatID)
	return &m, nil
}

// GetConversation loads a chat's metadata.
func (p *Platform) GetConversation(ctx context.Context, chatID string) (*message.Conversation, error) {
	data, err := p.client.Do(ctx, "GetChat", getChatQuery, map[string]any{"chatId": chatID})
	if err != nil {
		return nil, err
	}
	return parseConversation(data.Get("chats_by_pk"), chatID)
}

// UpdateTitle renames a chat.
func (p *Platform) UpdateTitle(ctx context.Context, chatID, title string) (*message.Conversation, error) {
	data, err := p.client.Do(ctx, "UpdateChatTitle", updateChatTitleMutation, map[string]any{
		"chatId": chatID,
		"title":  title,
	})
	if err != nil {
		return nil, err
	}
	return parseConversation(data.Get("update_chats_by_pk"), chatID)
}

// ActionGenerator asks the platform's sendMessage action for a reply.
type ActionGenerator struct {
	client *Client
}

var _ platform.Generator = (*ActionGenerator)(nil)

// NewActionGenerator creates a generator backed by the sendMessage action.
func NewActionGenerator(client *Client) *ActionGenerator {
	return &ActionGenerator{client: client}
}

// GenerateReply calls the sendMessage action.
func (g *ActionGenerator) GenerateReply(ctx context.Context, chatID, text string) (*platform.GenerateResult, error) {
	data, err := g.client.Do(ctx, "SendMessageAction", sendMessageAction, map[string]any{
		"chatId":  chatID,
		"message": text,
	})
	if err != nil {
		return nil, err
	}
	result := data.Get("sendMessage")
	if !result.IsObject() {
		return nil, errors.New("graphql SendMessageAction: empty result")
	}
	return &platform.GenerateResult{
		Success:  result.Get("success").Bool(),
		Response: result.Get("response").String(),
		Message:  result.Get("message").String(),
	}, nil
}

func parseMessages(rows gjson.Result, chatID string) []message.Message {
	out := make([]message.Message, 0, len(rows.Array()))
	rows.ForEach(func(_, row gjson.Result) bool {
		out = append(out, parseMessage(row, chatID))
		return true
	})
	return out
}

func parseMessage(row gjson.Result, chatID string) message.Message {
	m := message.Message{
		ID:              row.Get("id").String(),
		ChatID:          row.Get("chat_id").String(),
		Role:            message.Role(row.Get("role").String()),
		Content:         row.Get("content").String(),
		CreatedAt:       row.Get("created_at").Time(),
		ClientRequestID: row.Get("client_request_id").String(),
	}
	if m.ChatID == "" {
		m.ChatID = chatID
	}
	return m
}

func parseConversation(row gjson.Result, chatID string) (*message.Conversation, error) {
	if !row.IsObject() {
		return nil, fmt.Errorf("chat %s: %w", chatID, platform.ErrConversationNotFound)
	}
	return &message.Conversation{
		ID:        row.Get("id").String(),
		Title:     row.Get("title").String(),
		UpdatedAt: row.Get("updated_at").Time(),
	}, nil
}
