// Package platformtest provides in-memory collaborators for tests.
package platformtest

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
)

// Call names recorded by Platform.
const (
	CallFetchMessages       = "FetchMessages"
	CallSubscribe           = "Subscribe"
	CallCreateMessage       = "CreateMessage"
	CallInsertReply         = "InsertReply"
	CallInsertReplyFallback = "InsertReplyFallback"
	CallGetConversation     = "GetConversation"
	CallUpdateTitle         = "UpdateTitle"
)

// Hook intercepts a call before the in-memory behavior runs. Returning an
// error fails the call.
type Hook func(ctx context.Context, msg message.NewMessage) error

// Platform is an in-memory platform. When AutoPush is set, every stored
// message is pushed to open subscriptions like a live channel would.
type Platform struct {
	mu            sync.Mutex
	clock         time.Time
	conversations map[string]*message.Conversation
	messages      map[string][]message.Message
	subs          map[string][]*Subscription
	calls         map[string]int

	AutoPush bool

	OnCreateMessage       Hook
	OnInsertReply         Hook
	OnInsertReplyFallback Hook
	OnFetch               func(ctx context.Context, chatID string) error
	OnGetConversation     func(ctx context.Context, chatID string) error
	OnUpdateTitle         func(ctx context.Context, chatID, title string) error

	// InsertReplyWithoutID makes the primary path accept writes without
	// confirming an id.
	InsertReplyWithoutID bool
}

var _ platform.Platform = (*Platform)(nil)

// New creates an empty Platform.
func New() *Platform {
	return &Platform{
		clock:         time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		conversations: make(map[string]*message.Conversation),
		messages:      make(map[string][]message.Message),
		subs:          make(map[string][]*Subscription),
		calls:         make(map[string]int),
	}
}

// AddConversation registers a conversation with the given title.
func (p *Platform) AddConversation(chatID, title string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.conversations[chatID] = &message.Conversation{ID: chatID, Title: title, UpdatedAt: p.tickLocked()}
}

// Seed stores a message directly, bypassing hooks and call counters.
func (p *Platform) Seed(chatID string, role message.Role, content string) message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.storeLocked(message.NewMessage{ChatID: chatID, Role: role, Content: content})
}

// Messages returns the stored messages of a chat.
func (p *Platform) Messages(chatID string) []message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()
	return message.Clone(p.messages[chatID])
}

// Conversation returns the stored conversation.
func (p *Platform) Conversation(chatID string) *message.Conversation {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conversations[chatID]
	if !ok {
		return nil
	}
	cp := *c
	return &cp
}

// Calls returns how often a method was invoked.
func (p *Platform) Calls(name string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[name]
}

// TotalCalls returns the number of remote calls made.
func (p *Platform) TotalCalls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	total := 0
	for _, n := range p.calls {
		total += n
	}
	return total
}

// Push sends the current message set of a chat to its subscribers.
func (p *Platform) Push(chatID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pushLocked(chatID)
}

// PushSet sends an arbitrary set to the chat's subscribers.
func (p *Platform) PushSet(chatID string, messages []message.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.subs[chatID] {
		s.send(message.Clone(messages))
	}
}

// Subscribers returns the number of open subscriptions of a chat.
func (p *Platform) Subscribers(chatID string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	open := 0
	for _, s := range p.subs[chatID] {
		if !s.isClosed() {
			open++
		}
	}
	return open
}

// LastSubscription returns the most recent subscription of a chat.
func (p *Platform) LastSubscription(chatID string) *Subscription {
	p.mu.Lock()
	defer p.mu.Unlock()
	subs := p.subs[chatID]
	if len(subs) == 0 {
		return nil
	}
	return subs[len(subs)-1]
}

func (p *Platform) FetchMessages(ctx context.Context, chatID string) ([]message.Message, error) {
	p.record(CallFetchMessages)
	if p.OnFetch != nil {
		if err := p.OnFetch(ctx, chatID); err != nil {
			return nil, err
		}
	}
	return p.Messages(chatID), nil
}

func (p *Platform) Subscribe(ctx context.Context, chatID string) (platform.Subscription, error) {
	p.record(CallSubscribe)
	s := newSubscription()
	p.mu.Lock()
	p.subs[chatID] = append(p.subs[chatID], s)
	p.mu.Unlock()
	return s, nil
}

func (p *Platform) CreateMessage(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	p.record(CallCreateMessage)
	if p.OnCreateMessage != nil {
		if err := p.OnCreateMessage(ctx, msg); err != nil {
			return nil, err
		}
	}
	return p.write(msg, true), nil
}

func (p *Platform) InsertReply(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	p.record(CallInsertReply)
	if p.OnInsertReply != nil {
		if err := p.OnInsertReply(ctx, msg); err != nil {
			return nil, err
		}
	}
	stored := p.write(msg, false)
	if p.InsertReplyWithoutID {
		return nil, nil
	}
	return stored, nil
}

func (p *Platform) InsertReplyFallback(ctx context.Context, msg message.NewMessage) (*message.Message, error) {
	p.record(CallInsertReplyFallback)
	if p.OnInsertReplyFallback != nil {
		if err := p.OnInsertReplyFallback(ctx, msg); err != nil {
			return nil, err
		}
	}
	return p.write(msg, false), nil
}

func (p *Platform) GetConversation(ctx context.Context, chatID string) (*message.Conversation, error) {
	p.record(CallGetConversation)
	if p.OnGetConversation != nil {
		if err := p.OnGetConversation(ctx, chatID); err != nil {
			return nil, err
		}
	}
	c := p.Conversation(chatID)
	if c == nil {
		return nil, platform.ErrConversationNotFound
	}
	return c, nil
}

func (p *Platform) UpdateTitle(ctx context.Context, chatID, title string) (*message.Conversation, error) {
	p.record(CallUpdateTitle)
	if p.OnUpdateTitle != nil {
		if err := p.OnUpdateTitle(ctx, chatID, title); err != nil {
			return nil, err
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.conversations[chatID]
	if !ok {
		return nil, platform.ErrConversationNotFound
	}
	c.Title = title
	c.UpdatedAt = p.tickLocked()
	cp := *c
	return &cp, nil
}

func (p *Platform) record(name string) {
	p.mu.Lock()
	p.calls[name]++
	p.mu.Unlock()
}

func (p *Platform) write(msg message.NewMessage, dedupe bool) *message.Message {
	p.mu.Lock()
	defer p.mu.Unlock()

	if dedupe && msg.ClientRequestID != "" {
		for _, existing := range p.messages[msg.ChatID] {
			if existing.ClientRequestID == msg.ClientRequestID {
				m := existing
				return &m
			}
		}
	}
	stored := p.storeLocked(msg)
	if p.AutoPush {
		p.pushLocked(msg.ChatID)
	}
	return &stored
}

func (p *Platform) storeLocked(msg message.NewMessage) message.Message {
	stored := message.Message{
		ID:              uuid.NewString(),
		ChatID:          msg.ChatID,
		Role:            msg.Role,
		Content:         msg.Content,
		CreatedAt:       p.tickLocked(),
		ClientRequestID: msg.ClientRequestID,
	}
	p.messages[msg.ChatID] = append(p.messages[msg.ChatID], stored)
	return stored
}

func (p *Platform) pushLocked(chatID string) {
	for _, s := range p.subs[chatID] {
		s.send(message.Clone(p.messages[chatID]))
	}
}

func (p *Platform) tickLocked() time.Time {
	p.clock = p.clock.Add(time.Millisecond)
	return p.clock
}

// Subscription is an in-memory live subscription.
type Subscription struct {
	mu      sync.Mutex
	updates chan []message.Message
	errs    chan error
	closed  bool
}

func newSubscription() *Subscription {
	return &Subscription{
		updates: make(chan []message.Message, 8),
		errs:    make(chan error, 1),
	}
}

func (s *Subscription) Updates() <-chan []message.Message { return s.updates }

func (s *Subscription) Errors() <-chan error { return s.errs }

// Fail delivers a channel error to the subscriber.
func (s *Subscription) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	select {
	case s.errs <- err:
	default:
	}
}

func (s *Subscription) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	close(s.updates)
	return nil
}

func (s *Subscription) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// send replaces a pending undelivered set; only the latest set matters.
func (s *Subscription) send(set []message.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for {
		select {
		case s.updates <- set:
			return
		default:
		}
		select {
		case <-s.updates:
		default:
		}
	}
}

// Generator is a scripted reply generator.
type Generator struct {
	mu    sync.Mutex
	calls int

	Reply func(ctx context.Context, chatID, text string) (*platform.GenerateResult, error)
}

var _ platform.Generator = (*Generator)(nil)

// EchoGenerator answers every message with the given response.
func EchoGenerator(response string) *Generator {
	return &Generator{
		Reply: func(ctx context.Context, chatID, text string) (*platform.GenerateResult, error) {
			return &platform.GenerateResult{Success: true, Response: response}, nil
		},
	}
}

func (g *Generator) GenerateReply(ctx context.Context, chatID, text string) (*platform.GenerateResult, error) {
	g.mu.Lock()
	g.calls++
	g.mu.Unlock()
	if g.Reply == nil {
		return &platform.GenerateResult{Success: true}, nil
	}
	return g.Reply(ctx, chatID, text)
}

// Calls returns how often GenerateReply was invoked.
func (g *Generator) Calls() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}
