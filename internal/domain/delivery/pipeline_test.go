package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/chat-sync/internal/domain/delivery"
	derrors "jan-server/services/chat-sync/internal/domain/errors"
	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/domain/platform/platformtest"
	"jan-server/services/chat-sync/internal/domain/status"
)

const chatID = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"

type recordingListener struct {
	mu     sync.Mutex
	events []delivery.Event
	notes  []string
}

func (l *recordingListener) OnTransition(e delivery.Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, e)
}

func (l *recordingListener) OnNote(_ string, note string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.notes = append(l.notes, note)
}

func (l *recordingListener) states() []status.State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]status.State, 0, len(l.events))
	for _, e := range l.events {
		out = append(out, e.To)
	}
	return out
}

type recordingRefetcher struct {
	mu        sync.Mutex
	immediate int
	delays    []time.Duration
	err       error
}

func (r *recordingRefetcher) Refetch(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.immediate++
	return r.err
}

func (r *recordingRefetcher) RefetchAfter(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.delays = append(r.delays, d)
}

type recordingMetrics struct {
	mu    sync.Mutex
	paths []string
	steps []string
}

func (m *recordingMetrics) RecordTransition(status.State, status.State) {}

func (m *recordingMetrics) RecordStep(step string, _ error, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.steps = append(m.steps, step)
}

func (m *recordingMetrics) RecordPersistPath(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.paths = append(m.paths, path)
}

func newPipeline(p *platformtest.Platform, g platform.Generator, cfg delivery.Config, opts ...delivery.Option) *delivery.Pipeline {
	return delivery.New(delivery.Dependencies{
		Writer:        p,
		Generator:     g,
		Conversations: p,
	}, cfg, zerolog.Nop(), opts...)
}

func defaultConfig() delivery.Config {
	return delivery.Config{RefetchDelay: time.Second}
}

func run(t *testing.T, pipe *delivery.Pipeline, req delivery.Request) (*delivery.Attempt, *recordingListener, *recordingRefetcher, error) {
	t.Helper()
	attempt, err := pipe.NewAttempt(req)
	require.NoError(t, err)

	listener := &recordingListener{}
	refetcher := &recordingRefetcher{}
	runErr := pipe.Run(context.Background(), attempt, refetcher, listener)
	return attempt, listener, refetcher, runErr
}

func TestPipeline_HappyPath(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	metrics := &recordingMetrics{}
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig(), delivery.WithMetrics(metrics))

	attempt, listener, refetcher, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.NoError(t, err)
	assert.Equal(t, status.StateSettled, attempt.State)
	assert.Equal(t, []status.State{
		status.StateValidating,
		status.StateSendingUserMessage,
		status.StateAwaitingReply,
		status.StatePersistingReply,
		status.StateSettled,
	}, listener.states())

	stored := fake.Messages(chatID)
	require.Len(t, stored, 2)
	assert.Equal(t, message.RoleUser, stored[0].Role)
	assert.Equal(t, "Hello", stored[0].Content)
	assert.Equal(t, message.RoleAssistant, stored[1].Role)
	assert.Equal(t, "Hi", stored[1].Content)

	assert.Equal(t, 1, refetcher.immediate, "primary save with id refetches immediately")
	assert.Empty(t, refetcher.delays)
	assert.Equal(t, delivery.PathPrimary, attempt.PersistPath)
	assert.Equal(t, []string{delivery.PathPrimary}, metrics.paths)
	assert.NotNil(t, attempt.SettledAt)
	assert.Equal(t, 0, fake.Calls(platformtest.CallUpdateTitle), "titled conversations are not renamed")
}

func TestPipeline_FallbackPathNormalizesAndSchedulesRefetch(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	fake.OnInsertReply = func(context.Context, message.NewMessage) error {
		return errors.New("insert_messages_one: permission denied")
	}
	pipe := newPipeline(fake, platformtest.EchoGenerator("A || B"), defaultConfig())

	attempt, listener, refetcher, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.NoError(t, err)
	assert.Equal(t, status.StateSettled, attempt.State)
	assert.Equal(t, delivery.PathFallback, attempt.PersistPath)
	assert.Equal(t, "A\n\nB", attempt.ReplyText)

	stored := fake.Messages(chatID)
	require.Len(t, stored, 2)
	assert.Equal(t, "A\n\nB", stored[1].Content)

	assert.Equal(t, 0, refetcher.immediate)
	assert.Equal(t, []time.Duration{time.Second}, refetcher.delays)
	assert.Contains(t, listener.notes[0], "Primary save failed")
}

func TestPipeline_PrimaryWithoutIDSettlesWithoutRefetch(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	fake.InsertReplyWithoutID = true
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())

	attempt, _, refetcher, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.NoError(t, err)
	assert.Equal(t, status.StateSettled, attempt.State)
	assert.Zero(t, refetcher.immediate)
	assert.Empty(t, refetcher.delays)
}

func TestPipeline_BothPersistPathsFail(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	fake.OnInsertReply = func(context.Context, message.NewMessage) error { return errors.New("primary down") }
	fake.OnInsertReplyFallback = func(context.Context, message.NewMessage) error { return errors.New("fallback down") }
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())

	attempt, listener, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.Error(t, err)
	assert.True(t, derrors.IsGeneratedNotSaved(err))
	assert.Equal(t, derrors.KindPersistence, derrors.KindOf(err))
	assert.Equal(t, status.StatePersistFailed, attempt.State)
	assert.Equal(t, "Bot response received but failed to save to database", attempt.ErrorMessage())

	stored := fake.Messages(chatID)
	require.Len(t, stored, 1, "only the user message is stored")
	assert.Equal(t, message.RoleUser, stored[0].Role)

	last := listener.events[len(listener.events)-1]
	assert.Equal(t, status.StatePersistFailed, last.To)
	assert.Equal(t, "Bot response received but failed to save to database", last.Summary)
}

func TestPipeline_GenerateTransportFailure(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	gen := &platformtest.Generator{Reply: func(context.Context, string, string) (*platform.GenerateResult, error) {
		return nil, errors.New("connection reset")
	}}
	pipe := newPipeline(fake, gen, defaultConfig())

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.Error(t, err)
	assert.Equal(t, derrors.KindTransport, derrors.KindOf(err))
	assert.Equal(t, status.StateReplyFailed, attempt.State)
	assert.Equal(t, "Failed to get bot response. Please try again.", attempt.ErrorMessage())
	assert.Len(t, fake.Messages(chatID), 1, "user message remains persisted")
	assert.Zero(t, fake.Calls(platformtest.CallInsertReply))
}

func TestPipeline_GenerateApplicationFailure(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	gen := &platformtest.Generator{Reply: func(context.Context, string, string) (*platform.GenerateResult, error) {
		return &platform.GenerateResult{Success: false, Message: "workflow disabled"}, nil
	}}
	pipe := newPipeline(fake, gen, defaultConfig())

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.Error(t, err)
	assert.Equal(t, derrors.KindApplication, derrors.KindOf(err))
	assert.Equal(t, status.StateReplyFailed, attempt.State)
	assert.Equal(t, "Bot response failed: workflow disabled", attempt.ErrorMessage())
}

func TestPipeline_SendFailure(t *testing.T) {
	fake := platformtest.New()
	fake.OnCreateMessage = func(context.Context, message.NewMessage) error { return errors.New("503 from platform") }
	gen := platformtest.EchoGenerator("Hi")
	pipe := newPipeline(fake, gen, defaultConfig())

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.Error(t, err)
	assert.Equal(t, status.StateSendFailed, attempt.State)
	assert.Equal(t, "Failed to send message: 503 from platform", attempt.ErrorMessage())
	assert.Zero(t, gen.Calls())
}

func TestPipeline_MalformedChatIDMakesNoRemoteCalls(t *testing.T) {
	fake := platformtest.New()
	gen := platformtest.EchoGenerator("Hi")
	pipe := newPipeline(fake, gen, defaultConfig())

	attempt, listener, _, err := run(t, pipe, delivery.Request{ChatID: "not-a-uuid", Text: "Hello"})

	require.Error(t, err)
	assert.Equal(t, derrors.KindValidation, derrors.KindOf(err))
	assert.Equal(t, status.StateValidationFailed, attempt.State)
	assert.Equal(t, []status.State{status.StateValidating, status.StateValidationFailed}, listener.states())
	assert.Zero(t, fake.TotalCalls())
	assert.Zero(t, gen.Calls())
}

func TestPipeline_EmptyTextRejectedWithoutAttempt(t *testing.T) {
	pipe := newPipeline(platformtest.New(), platformtest.EchoGenerator("Hi"), defaultConfig())

	for _, text := range []string{"", "   ", "\n\t"} {
		attempt, err := pipe.NewAttempt(delivery.Request{ChatID: chatID, Text: text})
		assert.Nil(t, attempt)
		assert.ErrorIs(t, err, derrors.ErrEmptyMessage)
	}
}

func TestPipeline_GenerateTimeout(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	gen := &platformtest.Generator{Reply: func(ctx context.Context, _, _ string) (*platform.GenerateResult, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}
	cfg := defaultConfig()
	cfg.GenerateTimeout = 20 * time.Millisecond
	pipe := newPipeline(fake, gen, cfg)

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.Error(t, err)
	assert.True(t, derrors.IsTimeout(err))
	assert.Equal(t, status.StateTimedOut, attempt.State)
}

func TestPipeline_PersistTimeoutFallsBack(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	fake.OnInsertReply = func(ctx context.Context, _ message.NewMessage) error {
		<-ctx.Done()
		return ctx.Err()
	}
	cfg := defaultConfig()
	cfg.PersistTimeout = 20 * time.Millisecond
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), cfg)

	attempt, _, refetcher, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.NoError(t, err)
	assert.Equal(t, delivery.PathFallback, attempt.PersistPath)
	assert.Len(t, refetcher.delays, 1)
}

func TestPipeline_FirstMessageRenamesDefaultTitle(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, message.DefaultTitle)
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())
	long := "This is a very long first message that should be truncated for the title"

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: long, FirstMessage: true, Title: message.DefaultTitle})

	require.NoError(t, err)
	assert.Equal(t, message.DeriveTitle(long), fake.Conversation(chatID).Title)
	assert.Equal(t, message.DeriveTitle(long), attempt.Title)
}

func TestPipeline_TitleFailureIsNonFatal(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, message.DefaultTitle)
	fake.OnUpdateTitle = func(context.Context, string, string) error { return errors.New("forbidden") }
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())

	attempt, listener, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello", FirstMessage: true, Title: message.DefaultTitle})

	require.NoError(t, err)
	assert.Equal(t, status.StateSettled, attempt.State)
	assert.Equal(t, message.DefaultTitle, fake.Conversation(chatID).Title)
	assert.Contains(t, listener.notes, "Title update failed: forbidden")
}

func TestPipeline_NotFirstMessageKeepsTitle(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, message.DefaultTitle)
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())

	_, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello", FirstMessage: false, Title: message.DefaultTitle})

	require.NoError(t, err)
	assert.Zero(t, fake.Calls(platformtest.CallUpdateTitle))
}

func TestPipeline_DefaultReplyText(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	pipe := newPipeline(fake, &platformtest.Generator{}, defaultConfig())

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.NoError(t, err)
	assert.Equal(t, platform.DefaultReplyText, attempt.ReplyText)
}

func TestPipeline_RunTwiceRejected(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})
	require.NoError(t, err)

	err = pipe.Run(context.Background(), attempt, nil, nil)
	assert.ErrorIs(t, err, status.ErrInvalidTransition)
}

func TestPipeline_IdempotencyKeyCarried(t *testing.T) {
	fake := platformtest.New()
	fake.AddConversation(chatID, "Greetings")
	pipe := newPipeline(fake, platformtest.EchoGenerator("Hi"), defaultConfig())

	attempt, _, _, err := run(t, pipe, delivery.Request{ChatID: chatID, Text: "Hello"})

	require.NoError(t, err)
	stored := fake.Messages(chatID)
	assert.Equal(t, attempt.RequestID, stored[0].ClientRequestID)
	assert.True(t, message.ValidateID(attempt.RequestID))
}
