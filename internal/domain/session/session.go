// Package session binds one conversation to its reconciled view, its
// delivery attempts and its action log.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"jan-server/services/chat-sync/internal/domain/actionlog"
	"jan-server/services/chat-sync/internal/domain/delivery"
	derrors "jan-server/services/chat-sync/internal/domain/errors"
	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/domain/reconcile"
	"jan-server/services/chat-sync/internal/domain/retry"
	"jan-server/services/chat-sync/internal/domain/status"
	"jan-server/services/chat-sync/internal/infrastructure/observability"
)

var (
	// ErrSessionClosed is returned by operations on a torn-down session.
	ErrSessionClosed = errors.New("session closed")
	// ErrLocked is returned by a Locker when another replica holds the lock.
	ErrLocked = errors.New("conversation locked by another attempt")
)

// Source is the part of the platform a session reads from.
type Source interface {
	platform.SnapshotSource
	platform.LiveChannel
	platform.ConversationStore
}

// Locker provides mutual exclusion of attempts across service replicas.
type Locker interface {
	// TryLock acquires the attempt lock of a chat without waiting.
	TryLock(ctx context.Context, chatID string) (unlock func(), err error)
}

type localLocker struct{}

func (localLocker) TryLock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// Diagnostics observes a session. Implementations must not block.
type Diagnostics interface {
	OnTransition(chatID string, e delivery.Event)
	OnViewChanged(chatID string, view View)
	OnScrollToLatest(chatID string)
}

// NopDiagnostics ignores every notification.
type NopDiagnostics struct{}

func (NopDiagnostics) OnTransition(string, delivery.Event) {}
func (NopDiagnostics) OnViewChanged(string, View)          {}
func (NopDiagnostics) OnScrollToLatest(string)             {}

// Metrics receives session measurements.
type Metrics interface {
	SessionOpened()
	SessionClosed()
	ViewUpdated(source string)
}

type nopMetrics struct{}

func (nopMetrics) SessionOpened()     {}
func (nopMetrics) SessionClosed()     {}
func (nopMetrics) ViewUpdated(string) {}

// Pending is the optimistic entry shown while a user message is being sent.
type Pending struct {
	AttemptID string    `json:"attempt_id"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
	// MessageID is set once the platform confirmed the message.
	MessageID string `json:"message_id,omitempty"`
}

// View is a consistent snapshot of what the conversation shows.
type View struct {
	ChatID        string            `json:"chat_id"`
	Title         string            `json:"title"`
	Messages      []message.Message `json:"messages"`
	Pending       *Pending          `json:"pending,omitempty"`
	State         status.State      `json:"state"`
	InFlight      bool              `json:"in_flight"`
	AttemptID     string            `json:"attempt_id,omitempty"`
	LastError     string            `json:"last_error,omitempty"`
	ErrorKind     derrors.Kind      `json:"error_kind,omitempty"`
	RestoredDraft string            `json:"restored_draft,omitempty"`
	Source        reconcile.Source  `json:"source"`
}

// Options configures a Session.
type Options struct {
	Policy       reconcile.Policy
	FetchTimeout time.Duration
	LogCapacity  int
	DefaultTitle string
	Locker       Locker
	Diagnostics  Diagnostics
	Metrics      Metrics
}

// Session is the conversation session of one chat id.
type Session struct {
	chatID       string
	source       Source
	pipeline     *delivery.Pipeline
	reconciler   *reconcile.Reconciler
	actions      *actionlog.Log
	locker       Locker
	diag         Diagnostics
	metrics      Metrics
	fetchTimeout time.Duration
	defaultTitle string
	log          zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu           sync.Mutex
	opened       bool
	closed       bool
	generation   uint64
	timers       []*time.Timer
	sub          platform.Subscription
	conversation *message.Conversation
	state        status.State
	current      *delivery.Attempt
	inFlight     bool
	done         chan struct{}
	lastErr      error
	pending      *Pending
	draft        string
	lastActivity time.Time
}

// New creates a session for chatID. Nothing is fetched until Open.
func New(chatID string, source Source, pipeline *delivery.Pipeline, opts Options, log zerolog.Logger) *Session {
	if opts.Locker == nil {
		opts.Locker = localLocker{}
	}
	if opts.Diagnostics == nil {
		opts.Diagnostics = NopDiagnostics{}
	}
	if opts.Metrics == nil {
		opts.Metrics = nopMetrics{}
	}
	if opts.Policy == "" {
		opts.Policy = reconcile.PolicyLiveWins
	}
	if opts.DefaultTitle == "" {
		opts.DefaultTitle = message.DefaultTitle
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		chatID:       chatID,
		source:       source,
		pipeline:     pipeline,
		actions:      actionlog.New(opts.LogCapacity),
		locker:       opts.Locker,
		diag:         opts.Diagnostics,
		metrics:      opts.Metrics,
		fetchTimeout: opts.FetchTimeout,
		defaultTitle: opts.DefaultTitle,
		log:          log.With().Str("component", "session").Str("chat_id", chatID).Logger(),
		ctx:          ctx,
		cancel:       cancel,
		state:        status.StateIdle,
		lastActivity: time.Now(),
	}
	s.reconciler = reconcile.New(opts.Policy, s.onViewChange)
	return s
}

// ChatID returns the bound chat id.
func (s *Session) ChatID() string {
	return s.chatID
}

// Open loads the conversation, subscribes to live updates and fetches the
// initial snapshot. A malformed chat id is bound without contacting the
// platform; submissions on it fail validation.
func (s *Session) Open(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	if s.opened {
		s.mu.Unlock()
		return nil
	}
	s.opened = true
	s.mu.Unlock()

	s.metrics.SessionOpened()

	if !message.ValidateID(s.chatID) {
		s.actions.Append("Conversation opened with an invalid id")
		s.log.Warn().Msg("session bound to malformed chat id")
		return nil
	}

	conv, err := s.source.GetConversation(ctx, s.chatID)
	switch {
	case errors.Is(err, platform.ErrConversationNotFound):
		return fmt.Errorf("open session %s: %w", s.chatID, err)
	case err != nil:
		s.log.Warn().Err(err).Msg("failed to load conversation metadata")
		s.actions.Append("Failed to load conversation: " + err.Error())
	default:
		s.mu.Lock()
		s.conversation = conv
		s.mu.Unlock()
	}

	s.subscribe(ctx)

	if err := s.Refetch(ctx); err != nil {
		s.log.Warn().Err(err).Msg("initial fetch failed")
	}

	s.actions.Append("Conversation opened")
	return nil
}

func (s *Session) subscribe(ctx context.Context) {
	sub, err := s.source.Subscribe(ctx, s.chatID)
	if err != nil {
		s.log.Warn().Err(err).Msg("live subscription failed, relying on snapshots")
		s.actions.Append("Live updates unavailable: " + err.Error())
		return
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = sub.Close()
		return
	}
	s.sub = sub
	s.wg.Add(1)
	s.mu.Unlock()

	go s.consume(sub)
}

func (s *Session) consume(sub platform.Subscription) {
	defer s.wg.Done()
	for {
		select {
		case <-s.ctx.Done():
			return
		case set, ok := <-sub.Updates():
			if !ok {
				return
			}
			if s.ctx.Err() != nil {
				return
			}
			s.reconciler.ApplyLive(set)
		case err, ok := <-sub.Errors():
			if !ok {
				return
			}
			s.log.Warn().Err(err).Msg("live channel error")
			s.actions.Append("Live updates interrupted: " + err.Error())
		}
	}
}

// Refetch fetches the snapshot now and applies it to the view.
func (s *Session) Refetch(ctx context.Context) error {
	if s.isClosed() {
		return ErrSessionClosed
	}

	ctx, span := observability.StartFetchSpan(ctx, s.chatID, "refetch")
	defer span.End()

	messages, err := retry.ExecuteWithResult(ctx, retry.NoRetryPolicy(s.fetchTimeout),
		func(ctx context.Context, _ int) ([]message.Message, error) {
			return s.source.FetchMessages(ctx, s.chatID)
		})
	if err != nil {
		observability.RecordError(span, err, string(derrors.KindOf(err)))
		if !s.isClosed() {
			s.actions.Append("Refresh failed: " + err.Error())
		}
		return fmt.Errorf("fetch messages: %w", err)
	}

	if s.isClosed() {
		return ErrSessionClosed
	}
	s.reconciler.ApplySnapshot(messages)
	return nil
}

// RefetchAfter schedules a snapshot fetch. The fetch is dropped if the
// session is closed before it fires.
func (s *Session) RefetchAfter(delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	gen := s.generation
	var timer *time.Timer
	timer = time.AfterFunc(delay, func() {
		s.mu.Lock()
		s.dropTimerLocked(timer)
		stale := s.closed || s.generation != gen
		s.mu.Unlock()
		if stale {
			return
		}
		if err := s.Refetch(s.ctx); err != nil && !errors.Is(err, ErrSessionClosed) && s.ctx.Err() == nil {
			s.log.Warn().Err(err).Msg("scheduled refetch failed")
		}
	})
	s.timers = append(s.timers, timer)
}

// PendingRefetches returns the number of scheduled fetches that have not
// fired yet.
func (s *Session) PendingRefetches() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

func (s *Session) dropTimerLocked(t *time.Timer) {
	for i, pending := range s.timers {
		if pending == t {
			s.timers = append(s.timers[:i], s.timers[i+1:]...)
			return
		}
	}
}

// Submit starts delivering text. It returns once the attempt is accepted;
// the attempt itself runs in the background.
func (s *Session) Submit(ctx context.Context, text string) (string, error) {
	attempt, err := s.start(ctx, text)
	if err != nil {
		return "", err
	}
	return attempt.ID, nil
}

// SubmitAndWait delivers text and waits until the attempt reaches a
// terminal state or ctx is done.
func (s *Session) SubmitAndWait(ctx context.Context, text string) (delivery.Attempt, error) {
	attempt, err := s.start(ctx, text)
	if err != nil {
		return delivery.Attempt{}, err
	}

	s.mu.Lock()
	done := s.done
	s.mu.Unlock()

	select {
	case <-done:
	case <-ctx.Done():
		return delivery.Attempt{}, ctx.Err()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil || s.current.ID != attempt.ID {
		return delivery.Attempt{}, fmt.Errorf("attempt %s superseded", attempt.ID)
	}
	return *s.current, s.current.Err
}

// Wait blocks until no attempt is in flight or ctx is done.
func (s *Session) Wait(ctx context.Context) error {
	s.mu.Lock()
	done := s.done
	s.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) start(ctx context.Context, text string) (*delivery.Attempt, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	if s.inFlight {
		s.mu.Unlock()
		return nil, derrors.ErrAttemptInFlight
	}
	title := s.defaultTitle
	if s.conversation != nil && s.conversation.Title != "" {
		title = s.conversation.Title
	}
	// Without conversation metadata the title is unknown and must not be
	// renamed.
	attempt, err := s.pipeline.NewAttempt(delivery.Request{
		ChatID:       s.chatID,
		Text:         text,
		FirstMessage: s.conversation != nil && s.reconciler.Len() == 0,
		Title:        title,
	})
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	s.inFlight = true
	s.lastActivity = time.Now()
	s.mu.Unlock()

	unlock, err := s.locker.TryLock(ctx, s.chatID)
	if err != nil {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
		if errors.Is(err, ErrLocked) {
			return nil, derrors.ErrAttemptInFlight
		}
		return nil, fmt.Errorf("acquire attempt lock: %w", err)
	}

	s.mu.Lock()
	if s.closed {
		s.inFlight = false
		s.mu.Unlock()
		unlock()
		return nil, ErrSessionClosed
	}
	cp := *attempt
	s.current = &cp
	s.state = attempt.State
	s.lastErr = nil
	s.draft = ""
	s.done = make(chan struct{})
	done := s.done
	s.wg.Add(1)
	s.mu.Unlock()

	go s.runAttempt(attempt, unlock, done)
	return attempt, nil
}

func (s *Session) runAttempt(attempt *delivery.Attempt, unlock func(), done chan struct{}) {
	defer s.wg.Done()
	defer unlock()

	err := s.pipeline.Run(s.ctx, attempt, s, s)

	s.mu.Lock()
	s.inFlight = false
	s.lastActivity = time.Now()
	s.mu.Unlock()
	close(done)

	if err != nil {
		s.log.Debug().Err(err).Str("attempt_id", attempt.ID).Msg("attempt ended without settling")
	}
}

// OnTransition implements delivery.Listener.
func (s *Session) OnTransition(e delivery.Event) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	cp := e.Attempt
	s.current = &cp
	s.state = e.To
	if s.conversation != nil && e.Attempt.Title != "" {
		s.conversation.Title = e.Attempt.Title
	}

	var refetch bool
	switch e.To {
	case status.StateSendingUserMessage:
		s.pending = &Pending{AttemptID: e.Attempt.ID, Content: e.Attempt.UserText, CreatedAt: time.Now().UTC()}
	case status.StateAwaitingReply:
		if s.pending != nil && e.Attempt.UserMessage != nil {
			s.pending.MessageID = e.Attempt.UserMessage.ID
			if s.reconciler.Contains(s.pending.MessageID) {
				s.pending = nil
			}
		}
	}

	if e.To.IsFailure() {
		s.lastErr = e.Attempt.Err
		if e.Attempt.UserMessage == nil {
			// Never confirmed: roll back and hand the text back to the caller.
			s.pending = nil
			if e.To != status.StateValidationFailed {
				s.draft = e.Attempt.UserText
			}
		} else if s.pending != nil {
			refetch = true
		}
	}
	s.mu.Unlock()

	s.actions.Append(e.Summary)
	s.diag.OnTransition(s.chatID, e)
	if e.To == status.StateSendingUserMessage || e.To.IsFailure() {
		s.notifyView()
	}
	if refetch {
		s.RefetchAfter(0)
	}
}

// OnNote implements delivery.Listener.
func (s *Session) OnNote(_ string, note string) {
	s.actions.Append(note)
}

func (s *Session) onViewChange(change reconcile.ViewChange) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if s.pending != nil && s.pending.MessageID != "" {
		for _, m := range change.Messages {
			if m.ID == s.pending.MessageID {
				s.pending = nil
				break
			}
		}
	}
	s.mu.Unlock()

	s.metrics.ViewUpdated(string(change.Source))
	s.actions.Append(fmt.Sprintf("Messages updated: %d messages", change.Count))
	s.notifyView()
	s.diag.OnScrollToLatest(s.chatID)
}

func (s *Session) notifyView() {
	s.diag.OnViewChanged(s.chatID, s.View())
}

// View returns the current view of the conversation.
func (s *Session) View() View {
	messages := s.reconciler.View()
	source := s.reconciler.Source()

	s.mu.Lock()
	defer s.mu.Unlock()

	v := View{
		ChatID:        s.chatID,
		Title:         s.defaultTitle,
		Messages:      messages,
		State:         s.state,
		InFlight:      s.inFlight,
		RestoredDraft: s.draft,
		Source:        source,
	}
	if s.conversation != nil && s.conversation.Title != "" {
		v.Title = s.conversation.Title
	}
	if s.current != nil {
		v.AttemptID = s.current.ID
		if s.current.Title != "" && s.current.Title != s.defaultTitle {
			v.Title = s.current.Title
		}
	}
	if s.pending != nil {
		p := *s.pending
		v.Pending = &p
	}
	if s.lastErr != nil {
		v.ErrorKind = derrors.KindOf(s.lastErr)
		var de *derrors.DeliveryError
		if errors.As(s.lastErr, &de) {
			v.LastError = de.UserMessage()
		} else {
			v.LastError = s.lastErr.Error()
		}
	}
	return v
}

// State returns the state of the current or last attempt.
func (s *Session) State() status.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// LastError returns the error of the last failed attempt.
func (s *Session) LastError() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastErr
}

// InFlight reports whether an attempt is running.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// ActionLog returns the action log, oldest first.
func (s *Session) ActionLog() []actionlog.Entry {
	return s.actions.Entries()
}

// ClearActionLog empties the action log.
func (s *Session) ClearActionLog() {
	s.actions.Clear()
}

// LastActivity returns when the session last accepted or finished work.
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// Close tears the session down: the live subscription, an in-flight attempt
// and scheduled refetches are cancelled. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.generation++
	for _, t := range s.timers {
		t.Stop()
	}
	s.timers = nil
	sub := s.sub
	s.sub = nil
	opened := s.opened
	s.mu.Unlock()

	s.cancel()
	var err error
	if sub != nil {
		err = sub.Close()
	}
	s.wg.Wait()

	if opened {
		s.metrics.SessionClosed()
	}
	s.log.Debug().Msg("session closed")
	return err
}
