package graphql

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"

	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
)

const chatID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

type recordedRequest struct {
	Operation string
	Query     string
	Variables gjson.Result
	Secret    string
}

type fakeServer struct {
	mu        sync.Mutex
	requests  []recordedRequest
	responses map[string]string
}

func newFakeServer(t *testing.T, responses map[string]string) (*fakeServer, *httptest.Server) {
	t.Helper()
	fs := &fakeServer{responses: responses}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		req := recordedRequest{
			Operation: gjson.GetBytes(body, "operationName").String(),
			Query:     gjson.GetBytes(body, "query").String(),
			Variables: gjson.GetBytes(body, "variables"),
			Secret:    r.Header.Get(adminSecretHeader),
		}
		fs.mu.Lock()
		fs.requests = append(fs.requests, req)
		resp, ok := fs.responses[req.Operation]
		fs.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_, _ = io.WriteString(w, `{"errors":[{"message":"unknown operation","extensions":{"code":"validation-failed"}}]}`)
			return
		}
		_, _ = io.WriteString(w, resp)
	}))
	t.Cleanup(srv.Close)
	return fs, srv
}

func (fs *fakeServer) last() recordedRequest {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.requests[len(fs.requests)-1]
}

func newTestPlatform(url string, idempotent bool) *Platform {
	client := NewClient(Config{URL: url, AdminSecret: "s3cret", IdempotencyKeys: idempotent}, zerolog.Nop())
	return NewPlatform(client, zerolog.Nop())
}

func TestFetchMessages(t *testing.T) {
	fs, srv := newFakeServer(t, map[string]string{
		"GetMessages": `{"data":{"messages":[
			{"id":"m1","chat_id":"` + chatID + `","content":"hi","role":"user","created_at":"2024-05-01T12:00:00.123456+00:00"},
			{"id":"m2","content":"hello","role":"assistant","created_at":"2024-05-01T12:00:01+00:00"}
		]}}`,
	})
	p := newTestPlatform(srv.URL, false)

	msgs, err := p.FetchMessages(context.Background(), chatID)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, message.RoleUser, msgs[0].Role)
	assert.Equal(t, chatID, msgs[1].ChatID)
	assert.True(t, msgs[0].CreatedAt.Before(msgs[1].CreatedAt))
	assert.Equal(t, 2024, msgs[0].CreatedAt.Year())

	req := fs.last()
	assert.Equal(t, chatID, req.Variables.Get("chatId").String())
	assert.Equal(t, "s3cret", req.Secret)
	assert.NotContains(t, req.Query, "client_request_id")
}

func TestCreateMessage_Idempotent(t *testing.T) {
	fs, srv := newFakeServer(t, map[string]string{
		"SendMessage": `{"data":{"insert_messages_one":{"id":"m1","content":"hi","role":"user","created_at":"2024-05-01T12:00:00Z","client_request_id":"req-1"}}}`,
	})
	p := newTestPlatform(srv.URL, true)

	m, err := p.CreateMessage(context.Background(), message.NewMessage{
		ChatID: chatID, Role: message.RoleUser, Content: "hi", ClientRequestID: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "m1", m.ID)
	assert.Equal(t, "req-1", m.ClientRequestID)

	req := fs.last()
	assert.Equal(t, "req-1", req.Variables.Get("requestId").String())
	assert.Contains(t, req.Query, "on_conflict")
}

func TestInsertReply_WithoutReturnedRow(t *testing.T) {
	_, srv := newFakeServer(t, map[string]string{
		"SaveBotResponse": `{"data":{"insert_messages_one":null}}`,
	})
	p := newTestPlatform(srv.URL, false)

	m, err := p.InsertReply(context.Background(), message.NewMessage{ChatID: chatID, Role: message.RoleAssistant, Content: "ok"})
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestInsertReplyFallback(t *testing.T) {
	fs, srv := newFakeServer(t, map[string]string{
		"InsertMessages": `{"data":{"insert_messages":{"affected_rows":1,"returning":[{"id":"m9","content":"ok","role":"assistant","created_at":"2024-05-01T12:00:00Z"}]}}}`,
	})
	p := newTestPlatform(srv.URL, false)

	m, err := p.InsertReplyFallback(context.Background(), message.NewMessage{ChatID: chatID, Role: message.RoleAssistant, Content: "ok"})
	require.NoError(t, err)
	require.NotNil(t, m)
	assert.Equal(t, "m9", m.ID)

	objects := fs.last().Variables.Get("objects").Array()
	require.Len(t, objects, 1)
	assert.Equal(t, "assistant", objects[0].Get("role").String())
	assert.Equal(t, chatID, objects[0].Get("chat_id").String())
}

func TestInsertReplyFallback_NoRows(t *testing.T) {
	_, srv := newFakeServer(t, map[string]string{
		"InsertMessages": `{"data":{"insert_messages":{"affected_rows":0,"returning":[]}}}`,
	})
	p := newTestPlatform(srv.URL, false)

	_, err := p.InsertReplyFallback(context.Background(), message.NewMessage{ChatID: chatID, Role: message.RoleAssistant, Content: "ok"})
	assert.Error(t, err)
}

func TestGraphQLErrors(t *testing.T) {
	_, srv := newFakeServer(t, map[string]string{
		"SaveBotResponse": `{"errors":[{"message":"permission denied","extensions":{"code":"permission-error"}}]}`,
	})
	p := newTestPlatform(srv.URL, false)

	_, err := p.InsertReply(context.Background(), message.NewMessage{ChatID: chatID, Role: message.RoleAssistant, Content: "ok"})
	require.Error(t, err)

	var gqlErr *Error
	require.ErrorAs(t, err, &gqlErr)
	assert.Equal(t, "SaveBotResponse", gqlErr.Operation)
	assert.True(t, gqlErr.HasCode("permission-error"))
	assert.Contains(t, err.Error(), "permission denied")
}

func TestConversation(t *testing.T) {
	fs, srv := newFakeServer(t, map[string]string{
		"GetChat":         `{"data":{"chats_by_pk":{"id":"` + chatID + `","title":"New Chat","updated_at":"2024-05-01T12:00:00Z"}}}`,
		"UpdateChatTitle": `{"data":{"update_chats_by_pk":{"id":"` + chatID + `","title":"Trip","updated_at":"2024-05-01T12:01:00Z"}}}`,
	})
	p := newTestPlatform(srv.URL, false)

	conv, err := p.GetConversation(context.Background(), chatID)
	require.NoError(t, err)
	assert.True(t, conv.HasDefaultTitle())

	conv, err = p.UpdateTitle(context.Background(), chatID, "Trip")
	require.NoError(t, err)
	assert.Equal(t, "Trip", conv.Title)
	assert.Equal(t, "Trip", fs.last().Variables.Get("title").String())
}

func TestConversation_NotFound(t *testing.T) {
	_, srv := newFakeServer(t, map[string]string{
		"GetChat": `{"data":{"chats_by_pk":null}}`,
	})
	p := newTestPlatform(srv.URL, false)

	_, err := p.GetConversation(context.Background(), chatID)
	assert.ErrorIs(t, err, platform.ErrConversationNotFound)
}

func TestActionGenerator(t *testing.T) {
	fs, srv := newFakeServer(t, map[string]string{
		"SendMessageAction": `{"data":{"sendMessage":{"success":true,"message":"","response":"Hi there"}}}`,
	})
	gen := NewActionGenerator(NewClient(Config{URL: srv.URL}, zerolog.Nop()))

	result, err := gen.GenerateReply(context.Background(), chatID, "hello")
	require.NoError(t, err)
	assert.True(t, result.Success)
	assert.Equal(t, "Hi there", result.ReplyText())

	req := fs.last()
	assert.Equal(t, "hello", req.Variables.Get("message").String())
	assert.Empty(t, req.Secret)
}

func TestDo_ContextDeadline(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(time.Second):
		}
	}))
	defer srv.Close()
	p := newTestPlatform(srv.URL, false)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.FetchMessages(ctx, chatID)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_HealthCheck(t *testing.T) {
	_, srv := newFakeServer(t, map[string]string{
		"HealthCheck": `{"data":{"__typename":"query_root"}}`,
	})
	assert.NoError(t, NewClient(Config{URL: srv.URL}, zerolog.Nop()).HealthCheck(context.Background()))

	_, down := newFakeServer(t, map[string]string{})
	err := NewClient(Config{URL: down.URL}, zerolog.Nop()).HealthCheck(context.Background())
	var gqlErr *Error
	require.ErrorAs(t, err, &gqlErr)
	assert.True(t, gqlErr.HasCode("validation-failed"))
}
