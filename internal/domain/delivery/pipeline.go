// Package delivery drives a user message through send, reply generation and
// reply persistence, guaranteeing that a generated reply is stored through a
// fallback path when the primary path fails.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/trace"

	derrors "jan-server/services/chat-sync/internal/domain/errors"
	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/normalize"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/domain/retry"
	"jan-server/services/chat-sync/internal/domain/status"
	"jan-server/services/chat-sync/internal/infrastructure/observability"
)

// Step names used for spans and metrics.
const (
	StepSend     = "send"
	StepTitle    = "title"
	StepGenerate = "generate"
	StepPersist  = "persist"
	StepRefetch  = "refetch"
)

// Persistence paths.
const (
	PathPrimary  = "primary"
	PathFallback = "fallback"
)

// Config bounds each suspension point of the pipeline. Zero disables a bound.
type Config struct {
	SendTimeout     time.Duration
	GenerateTimeout time.Duration
	PersistTimeout  time.Duration
	RefetchDelay    time.Duration
	DefaultTitle    string
}

// Metrics receives pipeline measurements.
type Metrics interface {
	RecordTransition(from, to status.State)
	RecordStep(step string, err error, d time.Duration)
	RecordPersistPath(path string)
}

type nopMetrics struct{}

func (nopMetrics) RecordTransition(status.State, status.State) {}
func (nopMetrics) RecordStep(string, error, time.Duration)     {}
func (nopMetrics) RecordPersistPath(string)                    {}

// Refetcher lets the pipeline ask its session for a fresh snapshot.
type Refetcher interface {
	// Refetch fetches the snapshot now and applies it.
	Refetch(ctx context.Context) error
	// RefetchAfter schedules a fetch. Scheduled fetches are dropped when the
	// session is torn down first.
	RefetchAfter(delay time.Duration)
}

// Event describes one state transition of an attempt.
type Event struct {
	Attempt Attempt
	From    status.State
	To      status.State
	Summary string
}

// Listener is told about every transition and every side note of an attempt.
type Listener interface {
	OnTransition(Event)
	OnNote(attemptID, note string)
}

// Request is the input of one attempt.
type Request struct {
	ChatID string
	Text   string
	// FirstMessage is true when the conversation had no messages before.
	FirstMessage bool
	// Title is the conversation title at submit time.
	Title string
}

// Attempt is one run of a user message through the pipeline.
type Attempt struct {
	ID           string           `json:"id"`
	ChatID       string           `json:"chat_id"`
	UserText     string           `json:"user_text"`
	RequestID    string           `json:"request_id"`
	FirstMessage bool             `json:"first_message"`
	Title        string           `json:"-"`
	State        status.State     `json:"state"`
	UserMessage  *message.Message `json:"user_message,omitempty"`
	ReplyText    string           `json:"reply_text,omitempty"`
	Reply        *message.Message `json:"reply,omitempty"`
	PersistPath  string           `json:"persist_path,omitempty"`
	Err          error            `json:"-"`
	StartedAt    time.Time        `json:"started_at"`
	SettledAt    *time.Time       `json:"settled_at,omitempty"`
}

// ErrorMessage returns the user-facing error text, if any.
func (a Attempt) ErrorMessage() string {
	if a.Err == nil {
		return ""
	}
	var de *derrors.DeliveryError
	if errors.As(a.Err, &de) {
		return de.UserMessage()
	}
	return a.Err.Error()
}

// Dependencies groups the remote collaborators of the pipeline.
type Dependencies struct {
	Writer        platform.MessageWriter
	Generator     platform.Generator
	Conversations platform.ConversationStore
}

// Option configures a Pipeline.
type Option func(*Pipeline)

// WithMetrics sets the metrics sink.
func WithMetrics(m Metrics) Option {
	return func(p *Pipeline) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) {
		p.now = now
	}
}

// Pipeline runs delivery attempts. It is safe for concurrent use; mutual
// exclusion per conversation is the caller's job.
type Pipeline struct {
	deps       Dependencies
	cfg        Config
	log        zerolog.Logger
	metrics    Metrics
	classifier *derrors.Classifier
	now        func() time.Time
}

// New creates a Pipeline.
func New(deps Dependencies, cfg Config, log zerolog.Logger, opts ...Option) *Pipeline {
	if cfg.DefaultTitle == "" {
		cfg.DefaultTitle = message.DefaultTitle
	}
	p := &Pipeline{
		deps:       deps,
		cfg:        cfg,
		log:        log.With().Str("component", "delivery").Logger(),
		metrics:    nopMetrics{},
		classifier: derrors.NewClassifier(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the pipeline configuration.
func (p *Pipeline) Config() Config {
	return p.cfg
}

// NewAttempt validates the text and creates an idle attempt. Blank text is
// rejected before any attempt exists.
func (p *Pipeline) NewAttempt(req Request) (*Attempt, error) {
	text := strings.TrimSpace(req.Text)
	if text == "" {
		return nil, derrors.ErrEmptyMessage
	}
	return &Attempt{
		ID:           uuid.NewString(),
		ChatID:       req.ChatID,
		UserText:     text,
		RequestID:    message.NewRequestID(),
		FirstMessage: req.FirstMessage,
		Title:        req.Title,
		State:        status.StateIdle,
		StartedAt:    p.now().UTC(),
	}, nil
}

// Run drives an idle attempt to a terminal state. The returned error is nil
// only when the attempt settled.
func (p *Pipeline) Run(ctx context.Context, a *Attempt, refetch Refetcher, listener Listener) error {
	if a.State != status.StateIdle {
		return fmt.Errorf("attempt %s already ran: %w", a.ID, status.ErrInvalidTransition)
	}

	ctx, span := observability.StartAttemptSpan(ctx, a.ID, a.ChatID)
	defer span.End()

	log := p.log.With().Str("attempt_id", a.ID).Str("chat_id", a.ChatID).Logger()
	r := &run{p: p, a: a, refetch: refetch, listener: listener, log: log, span: span}

	r.transition(status.StateValidating, "")
	if !message.ValidateID(a.ChatID) {
		return r.fail(derrors.NewValidationError(derrors.ErrCodeInvalidChatID,
			fmt.Sprintf("Invalid conversation id: %q", a.ChatID)))
	}

	r.transition(status.StateSendingUserMessage, "")
	if err := r.send(ctx); err != nil {
		return r.fail(err)
	}

	r.transition(status.StateAwaitingReply, "")
	r.maybeUpdateTitle(ctx)

	result, err := r.generate(ctx)
	if err != nil {
		return r.fail(err)
	}

	a.ReplyText = normalize.Normalize(result.ReplyText())
	r.transition(status.StatePersistingReply, "")

	if err := r.persist(ctx); err != nil {
		return r.fail(err)
	}

	settledAt := p.now().UTC()
	a.SettledAt = &settledAt
	r.transition(status.StateSettled, "")
	log.Info().Str("persist_path", a.PersistPath).Msg("attempt settled")
	return nil
}

type run struct {
	p        *Pipeline
	a        *Attempt
	refetch  Refetcher
	listener Listener
	log      zerolog.Logger
	span     trace.Span
}

func (r *run) transition(to status.State, summary string) {
	from := r.a.State
	next, err := from.TransitionTo(to)
	if err != nil {
		r.log.Error().Str("from", from.String()).Str("to", to.String()).Msg("invalid delivery transition")
		return
	}
	r.a.State = next
	if summary == "" {
		summary = to.Describe()
	}

	r.p.metrics.RecordTransition(from, to)
	observability.AddStateTransition(r.span, from.String(), to.String())
	r.log.Debug().Str("from", from.String()).Str("to", to.String()).Msg(summary)

	if r.listener != nil {
		r.listener.OnTransition(Event{Attempt: *r.a, From: from, To: to, Summary: summary})
	}
}

func (r *run) note(text string) {
	if r.listener != nil {
		r.listener.OnNote(r.a.ID, text)
	}
}

// fail moves the attempt to the terminal state recorded on err.
func (r *run) fail(err *derrors.DeliveryError) error {
	r.a.Err = err
	settledAt := r.p.now().UTC()
	r.a.SettledAt = &settledAt
	observability.RecordError(r.span, err, err.Kind.String())

	event := r.log.Warn()
	if err.Kind == derrors.KindPersistence {
		event = r.log.Error()
	}
	event.Err(err).Str("state", err.State.String()).Msg("attempt failed")

	r.transition(err.State, err.UserMessage())
	return err
}

func (r *run) stepContext(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// timedOut reports whether err came from the step's own deadline rather
// than from the caller cancelling.
func timedOut(parent context.Context, err error) bool {
	return parent.Err() == nil && derrors.IsDeadline(err)
}

func (r *run) send(ctx context.Context) *derrors.DeliveryError {
	stepCtx, cancel := r.stepContext(ctx, r.p.cfg.SendTimeout)
	defer cancel()
	stepCtx, span := observability.StartStepSpan(stepCtx, StepSend, 0)
	defer span.End()

	start := time.Now()
	stored, err := r.p.deps.Writer.CreateMessage(stepCtx, message.NewMessage{
		ChatID:          r.a.ChatID,
		Role:            message.RoleUser,
		Content:         r.a.UserText,
		ClientRequestID: r.a.RequestID,
	})
	r.p.metrics.RecordStep(StepSend, err, time.Since(start))
	if err != nil {
		observability.RecordError(span, err, string(r.p.classifier.Classify(err)))
		if timedOut(ctx, err) {
			return derrors.NewTimeoutError("Sending message", err)
		}
		return derrors.NewTransportError(derrors.ErrCodeSendFailed,
			"Failed to send message: "+err.Error(), err).WithState(status.StateSendFailed)
	}
	r.a.UserMessage = stored
	return nil
}

// maybeUpdateTitle renames a still-untitled conversation after its first
// message. Failures never affect the attempt.
func (r *run) maybeUpdateTitle(ctx context.Context) {
	if !r.a.FirstMessage || (r.a.Title != "" && r.a.Title != r.p.cfg.DefaultTitle) {
		return
	}
	if r.p.deps.Conversations == nil {
		return
	}

	title := message.DeriveTitle(r.a.UserText)
	stepCtx, cancel := r.stepContext(ctx, r.p.cfg.SendTimeout)
	defer cancel()

	start := time.Now()
	_, err := r.p.deps.Conversations.UpdateTitle(stepCtx, r.a.ChatID, title)
	r.p.metrics.RecordStep(StepTitle, err, time.Since(start))
	if err != nil {
		r.log.Warn().Err(err).Msg("failed to update conversation title")
		r.note("Title update failed: " + err.Error())
		return
	}
	r.a.Title = title
	r.note(fmt.Sprintf("Conversation titled %q", title))
}

func (r *run) generate(ctx context.Context) (*platform.GenerateResult, *derrors.DeliveryError) {
	stepCtx, cancel := r.stepContext(ctx, r.p.cfg.GenerateTimeout)
	defer cancel()
	stepCtx, span := observability.StartStepSpan(stepCtx, StepGenerate, 0)
	defer span.End()

	start := time.Now()
	result, err := r.p.deps.Generator.GenerateReply(stepCtx, r.a.ChatID, r.a.UserText)
	r.p.metrics.RecordStep(StepGenerate, err, time.Since(start))
	if err != nil {
		observability.RecordError(span, err, string(derrors.KindTransport))
		if timedOut(ctx, err) {
			return nil, derrors.NewTimeoutError("Waiting for bot response", err)
		}
		return nil, derrors.NewTransportError(derrors.ErrCodeGenerateFailed,
			"Failed to get bot response. Please try again.", err).WithState(status.StateReplyFailed)
	}
	if result == nil || !result.Success {
		reason := ""
		if result != nil {
			reason = result.Message
		}
		appErr := derrors.NewApplicationError(derrors.ErrCodeGenerateRejected,
			"Bot response failed: "+reason).WithState(status.StateReplyFailed)
		observability.RecordError(span, appErr, string(derrors.KindApplication))
		return nil, appErr
	}
	return result, nil
}

type persistOutcome struct {
	stored *message.Message
	path   string
}

func (r *run) persist(ctx context.Context) *derrors.DeliveryError {
	meta := map[string]any{"attempt_id": r.a.ID}
	if r.a.UserMessage != nil {
		meta["user_message_id"] = r.a.UserMessage.ID
	}
	reply := message.NewMessage{
		ChatID:          r.a.ChatID,
		Role:            message.RoleAssistant,
		Content:         r.a.ReplyText,
		ClientRequestID: r.a.RequestID + ":reply",
		Metadata:        meta,
	}

	policy := retry.FallbackPolicy(r.p.cfg.PersistTimeout)
	outcome, err := retry.ExecuteWithResult(ctx, policy, func(ctx context.Context, attempt int) (*persistOutcome, error) {
		path := PathPrimary
		write := r.p.deps.Writer.InsertReply
		if attempt > 0 {
			path = PathFallback
			write = r.p.deps.Writer.InsertReplyFallback
		}

		stepCtx, span := observability.StartStepSpan(ctx, StepPersist+"."+path, attempt)
		defer span.End()

		start := time.Now()
		stored, err := write(stepCtx, reply)
		r.p.metrics.RecordStep(StepPersist+"."+path, err, time.Since(start))
		if err != nil {
			observability.RecordError(span, err, string(derrors.KindPersistence))
			return nil, err
		}
		return &persistOutcome{stored: stored, path: path}, nil
	}, func(attempt int, err error) {
		if attempt == 0 {
			r.log.Warn().Err(err).Msg("primary reply save failed, trying fallback")
			r.note("Primary save failed, trying fallback: " + err.Error())
			observability.AddFallbackEvent(r.span, attempt+1, err.Error())
		}
	})
	if err != nil {
		return derrors.NewPersistenceError("Bot response received but failed to save to database", err)
	}

	r.a.Reply = outcome.stored
	r.a.PersistPath = outcome.path
	r.p.metrics.RecordPersistPath(outcome.path)

	switch {
	case outcome.path == PathPrimary && outcome.stored != nil && outcome.stored.ID != "":
		if r.refetch != nil {
			if err := r.refetch.Refetch(ctx); err != nil {
				r.log.Warn().Err(err).Msg("refetch after save failed")
				r.note("Refetch after save failed: " + err.Error())
			}
		}
	case outcome.path == PathFallback:
		if r.refetch != nil {
			r.refetch.RefetchAfter(r.p.cfg.RefetchDelay)
		}
		r.note(fmt.Sprintf("Bot response saved via fallback, refreshing in %s", r.p.cfg.RefetchDelay))
	}
	return nil
}
