package database

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/lib/pq"
	"github.com/rs/zerolog"

	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/infrastructure/metrics"
)

// NotifyChannel is the channel the messages trigger notifies with a chat id.
const NotifyChannel = "chat_messages"

const (
	listenerMinReconnect = 10 * time.Second
	listenerMaxReconnect = time.Minute
	listenerPing         = 90 * time.Second
	refreshTimeout       = 10 * time.Second
)

// Notifier turns Postgres notifications into live message sets. Every
// notification re-queries the chat and pushes the full set to its
// subscribers.
type Notifier struct {
	listener *pq.Listener
	source   platform.SnapshotSource
	log      zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[*subscription]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewNotifier starts listening on NotifyChannel.
func NewNotifier(dsn string, source platform.SnapshotSource, log zerolog.Logger) (*Notifier, error) {
	n := newNotifier(source, log)
	n.listener = pq.NewListener(dsn, listenerMinReconnect, listenerMaxReconnect, n.onEvent)
	if err := n.listener.Listen(NotifyChannel); err != nil {
		_ = n.listener.Close()
		return nil, fmt.Errorf("listen %s: %w", NotifyChannel, err)
	}

	n.wg.Add(1)
	go n.run()
	n.log.Info().Str("channel", NotifyChannel).Msg("listening for message changes")
	return n, nil
}

func newNotifier(source platform.SnapshotSource, log zerolog.Logger) *Notifier {
	return &Notifier{
		source: source,
		log:    log.With().Str("component", "pg-notifier").Logger(),
		subs:   make(map[string]map[*subscription]struct{}),
		done:   make(chan struct{}),
	}
}

// SetSource sets the snapshot source used to answer notifications.
func (n *Notifier) SetSource(source platform.SnapshotSource) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.source = source
}

func (n *Notifier) onEvent(ev pq.ListenerEventType, err error) {
	switch ev {
	case pq.ListenerEventConnectionAttemptFailed, pq.ListenerEventDisconnected:
		n.log.Warn().Err(err).Msg("notification listener lost its connection")
	case pq.ListenerEventReconnected:
		metrics.RecordSubscriptionReconnect()
		n.log.Info().Msg("notification listener reconnected")
	}
}

func (n *Notifier) run() {
	defer n.wg.Done()

	ticker := time.NewTicker(listenerPing)
	defer ticker.Stop()

	for {
		select {
		case <-n.done:
			return
		case note, ok := <-n.listener.Notify:
			if !ok {
				return
			}
			if note == nil {
				// Notifications may have been lost while reconnecting.
				n.refreshAll()
				continue
			}
			n.refresh(note.Extra)
		case <-ticker.C:
			go func() {
				if err := n.listener.Ping(); err != nil {
					n.log.Debug().Err(err).Msg("listener ping failed")
				}
			}()
		}
	}
}

// Subscribe registers a live subscription for chatID and pushes the
// current set once.
func (n *Notifier) Subscribe(_ context.Context, chatID string) (platform.Subscription, error) {
	s := &subscription{
		n:       n,
		chatID:  chatID,
		updates: make(chan []message.Message, 1),
		errs:    make(chan error, 1),
	}

	n.mu.Lock()
	select {
	case <-n.done:
		n.mu.Unlock()
		return nil, fmt.Errorf("notifier stopped")
	default:
	}
	if n.subs[chatID] == nil {
		n.subs[chatID] = make(map[*subscription]struct{})
	}
	n.subs[chatID][s] = struct{}{}
	n.mu.Unlock()

	go n.refresh(chatID)
	return s, nil
}

func (n *Notifier) subscribers(chatID string) []*subscription {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]*subscription, 0, len(n.subs[chatID]))
	for s := range n.subs[chatID] {
		out = append(out, s)
	}
	return out
}

func (n *Notifier) refresh(chatID string) {
	subs := n.subscribers(chatID)
	if len(subs) == 0 {
		return
	}

	n.mu.Lock()
	source := n.source
	n.mu.Unlock()
	if source == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), refreshTimeout)
	defer cancel()

	set, err := source.FetchMessages(ctx, chatID)
	for _, s := range subs {
		if err != nil {
			s.fail(err)
			continue
		}
		s.publish(message.Clone(set))
	}
	if err != nil {
		n.log.Warn().Err(err).Str("chat_id", chatID).Msg("failed to refresh live subscribers")
	}
}

func (n *Notifier) refreshAll() {
	n.mu.Lock()
	chats := make([]string, 0, len(n.subs))
	for chatID := range n.subs {
		chats = append(chats, chatID)
	}
	n.mu.Unlock()

	for _, chatID := range chats {
		n.refresh(chatID)
	}
}

func (n *Notifier) remove(s *subscription) {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.subs[s.chatID], s)
	if len(n.subs[s.chatID]) == 0 {
		delete(n.subs, s.chatID)
	}
}

// Close stops listening and closes every subscription.
func (n *Notifier) Close() error {
	var err error
	n.stopOnce.Do(func() {
		n.mu.Lock()
		close(n.done)
		var all []*subscription
		for _, set := range n.subs {
			for s := range set {
				all = append(all, s)
			}
		}
		n.mu.Unlock()

		for _, s := range all {
			_ = s.Close()
		}
		if n.listener != nil {
			err = n.listener.Close()
		}
		n.wg.Wait()
	})
	return err
}

type subscription struct {
	n       *Notifier
	chatID  string
	updates chan []message.Message
	errs    chan error

	mu     sync.Mutex
	closed bool
}

func (s *subscription) Updates() <-chan []message.Message { return s.updates }

func (s *subscription) Errors() <-chan error { return s.errs }

func (s *subscription) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.updates)
	s.mu.Unlock()

	s.n.remove(s)
	return nil
}

// publish replaces an undelivered set with the newer one.
func (s *subscription) publish(set []message.Message) {
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

func (s *subscription) fail(err error) {
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
