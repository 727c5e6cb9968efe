package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/tidwall/gjson"

	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform"
	"jan-server/services/chat-sync/internal/infrastructure/metrics"
)

const (
	subprotocol      = "graphql-transport-ws"
	subscriptionID   = "1"
	handshakeTimeout = 10 * time.Second
)

// graphql-transport-ws message types.
const (
	msgConnectionInit = "connection_init"
	msgConnectionAck  = "connection_ack"
	msgSubscribe      = "subscribe"
	msgNext           = "next"
	msgError          = "error"
	msgComplete       = "complete"
	msgPing           = "ping"
	msgPong           = "pong"
)

var errSubscriptionComplete = errors.New("subscription completed by server")

type envelope struct {
	ID      string          `json:"id,omitempty"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// Subscribe opens a live query over the chat's messages. The first
// connection is made synchronously; later drops are retried with
// exponential backoff until Close.
func (p *Platform) Subscribe(ctx context.Context, chatID string) (platform.Subscription, error) {
	conn, err := p.dial(ctx, chatID)
	if err != nil {
		return nil, err
	}

	subCtx, cancel := context.WithCancel(context.Background())
	s := &subscription{
		p:       p,
		chatID:  chatID,
		updates: make(chan []message.Message, 1),
		errs:    make(chan error, 1),
		cancel:  cancel,
		done:    make(chan struct{}),
		conn:    conn,
	}
	go s.run(subCtx, conn)
	return s, nil
}

func (p *Platform) dial(ctx context.Context, chatID string) (*websocket.Conn, error) {
	dialer := websocket.Dialer{
		Subprotocols:     []string{subprotocol},
		HandshakeTimeout: handshakeTimeout,
	}
	header := http.Header{}
	if p.cfg.AdminSecret != "" {
		header.Set(adminSecretHeader, p.cfg.AdminSecret)
	}

	conn, _, err := dialer.DialContext(ctx, p.cfg.WSURL, header)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", p.cfg.WSURL, err)
	}

	if err := p.handshake(conn, chatID); err != nil {
		_ = conn.Close()
		return nil, err
	}
	return conn, nil
}

func (p *Platform) handshake(conn *websocket.Conn, chatID string) error {
	initPayload := map[string]any{}
	if p.cfg.AdminSecret != "" {
		initPayload["headers"] = map[string]string{adminSecretHeader: p.cfg.AdminSecret}
	}
	if err := writeEnvelope(conn, "", msgConnectionInit, initPayload); err != nil {
		return fmt.Errorf("connection_init: %w", err)
	}

	_ = conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return fmt.Errorf("await connection_ack: %w", err)
		}
		if env.Type == msgConnectionAck {
			break
		}
		if env.Type == msgPing {
			if err := writeEnvelope(conn, "", msgPong, nil); err != nil {
				return err
			}
		}
	}
	_ = conn.SetReadDeadline(time.Time{})

	return writeEnvelope(conn, subscriptionID, msgSubscribe, map[string]any{
		"operationName": "MessagesSubscription",
		"query":         messagesSubscription,
		"variables":     map[string]any{"chatId": chatID},
	})
}

func writeEnvelope(conn *websocket.Conn, id, typ string, payload any) error {
	env := envelope{ID: id, Type: typ}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		env.Payload = raw
	}
	return conn.WriteJSON(env)
}

type subscription struct {
	p       *Platform
	chatID  string
	updates chan []message.Message
	errs    chan error
	cancel  context.CancelFunc
	done    chan struct{}

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool
	once   sync.Once
}

func (s *subscription) Updates() <-chan []message.Message { return s.updates }

func (s *subscription) Errors() <-chan error { return s.errs }

// Close stops the subscription and waits for its reader to exit.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.mu.Lock()
		s.closed = true
		conn := s.conn
		s.mu.Unlock()

		s.cancel()
		if conn != nil {
			_ = conn.Close()
		}
		<-s.done
	})
	return nil
}

func (s *subscription) run(ctx context.Context, conn *websocket.Conn) {
	defer close(s.done)
	defer close(s.updates)

	for {
		err := s.read(conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return
		}
		s.fail(err)
		s.p.log.Warn().Err(err).Str("chat_id", s.chatID).Msg("live subscription dropped, reconnecting")

		conn, err = s.reconnect(ctx)
		if err != nil {
			return
		}
	}
}

func (s *subscription) reconnect(ctx context.Context) (*websocket.Conn, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = 0
	if s.p.cfg.MaxBackoff > 0 {
		b.MaxInterval = s.p.cfg.MaxBackoff
	}

	conn, err := backoff.RetryNotifyWithData(func() (*websocket.Conn, error) {
		return s.p.dial(ctx, s.chatID)
	}, backoff.WithContext(b, ctx), func(err error, next time.Duration) {
		s.p.log.Debug().Err(err).Dur("next_retry", next).Str("chat_id", s.chatID).Msg("subscription reconnect failed")
	})
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return nil, context.Canceled
	}
	s.conn = conn
	s.mu.Unlock()

	metrics.RecordSubscriptionReconnect()
	s.p.log.Info().Str("chat_id", s.chatID).Msg("live subscription restored")
	return conn, nil
}

func (s *subscription) read(conn *websocket.Conn) error {
	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			return err
		}

		switch env.Type {
		case msgNext:
			payload := gjson.ParseBytes(env.Payload)
			if errs := payload.Get("errors"); errs.Exists() && len(errs.Array()) > 0 {
				s.fail(fmt.Errorf("subscription: %s", errs.Get("0.message").String()))
				continue
			}
			s.publish(parseMessages(payload.Get("data.messages"), s.chatID))
		case msgError:
			return fmt.Errorf("subscription error: %s", gjson.GetBytes(env.Payload, "0.message").String())
		case msgComplete:
			return errSubscriptionComplete
		case msgPing:
			if err := writeEnvelope(conn, "", msgPong, nil); err != nil {
				return err
			}
		}
	}
}

// publish keeps only the newest set when the consumer lags.
func (s *subscription) publish(set []message.Message) {
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
	select {
	case s.errs <- err:
	default:
	}
}
