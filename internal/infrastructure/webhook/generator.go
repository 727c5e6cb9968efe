// Package webhook calls an automation webhook directly for reply generation.
package webhook

import (
	"context"
	"fmt"

	"github.com/go-resty/resty/v2"
	"github.com/rs/zerolog"
	"github.com/tidwall/gjson"

	"jan-server/services/chat-sync/internal/domain/platform"
)

// replyPaths are tried in order to find the reply text in a webhook answer.
var replyPaths = []string{
	"choices.0.message.content",
	"response",
	"output",
	"0.output",
}

// Generator posts {message, chatId} to the webhook and reads the reply.
type Generator struct {
	http *resty.Client
	url  string
	log  zerolog.Logger
}

var _ platform.Generator = (*Generator)(nil)

// NewGenerator creates a webhook generator.
func NewGenerator(url string, log zerolog.Logger) *Generator {
	return &Generator{
		http: resty.New().SetHeader("Content-Type", "application/json"),
		url:  url,
		log:  log.With().Str("component", "webhook-generator").Logger(),
	}
}

// GenerateReply implements platform.Generator.
func (g *Generator) GenerateReply(ctx context.Context, chatID, text string) (*platform.GenerateResult, error) {
	resp, err := g.http.R().
		SetContext(ctx).
		SetBody(map[string]string{"message": text, "chatId": chatID}).
		Post(g.url)
	if err != nil {
		return nil, fmt.Errorf("webhook request: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode())
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		// Plain-text webhooks answer with the reply itself.
		return &platform.GenerateResult{Success: true, Response: resp.String()}, nil
	}

	for _, path := range replyPaths {
		if v := gjson.GetBytes(body, path); v.Type == gjson.String && v.String() != "" {
			return &platform.GenerateResult{Success: true, Response: v.String()}, nil
		}
	}

	errMsg := gjson.GetBytes(body, "error").String()
	if errMsg == "" {
		errMsg = gjson.GetBytes(body, "message").String()
	}
	if gjson.GetBytes(body, "success").Exists() && !gjson.GetBytes(body, "success").Bool() {
		return &platform.GenerateResult{Success: false, Message: errMsg}, nil
	}

	g.log.Warn().Str("chat_id", chatID).Msg("webhook answer carried no reply text")
	return &platform.GenerateResult{Success: true, Message: errMsg}, nil
}
