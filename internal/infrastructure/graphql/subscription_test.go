package graphql

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/chat-sync/internal/domain/message"
)

// liveServer speaks graphql-transport-ws. Each connection gets the result of
// script, called with the 1-based connection number.
func liveServer(t *testing.T, script func(n int, conn *websocket.Conn)) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var conns atomic.Int32
	upgrader := websocket.Upgrader{Subprotocols: []string{subprotocol}}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var env envelope
		if err := conn.ReadJSON(&env); err != nil || env.Type != msgConnectionInit {
			return
		}
		if err := conn.WriteJSON(envelope{Type: msgConnectionAck}); err != nil {
			return
		}
		if err := conn.ReadJSON(&env); err != nil || env.Type != msgSubscribe {
			return
		}
		script(int(conns.Add(1)), conn)
	}))
	t.Cleanup(srv.Close)
	return srv, &conns
}

func next(conn *websocket.Conn, ids ...string) error {
	rows := make([]string, 0, len(ids))
	for i, id := range ids {
		rows = append(rows, `{"id":"`+id+`","content":"c","role":"user","created_at":"2024-05-01T12:00:0`+string(rune('0'+i))+`Z"}`)
	}
	return conn.WriteMessage(websocket.TextMessage,
		[]byte(`{"id":"1","type":"next","payload":{"data":{"messages":[`+strings.Join(rows, ",")+`]}}}`))
}

func wsURL(httpURL string) string {
	return "ws" + strings.TrimPrefix(httpURL, "http")
}

func waitForSet(t *testing.T, updates <-chan []message.Message) []message.Message {
	t.Helper()
	select {
	case set, ok := <-updates:
		require.True(t, ok, "updates closed")
		return set
	case <-time.After(2 * time.Second):
		t.Fatal("no update received")
		return nil
	}
}

func TestSubscribe_DeliversSets(t *testing.T) {
	pong := make(chan struct{}, 1)
	srv, _ := liveServer(t, func(_ int, conn *websocket.Conn) {
		if err := next(conn, "m1", "m2"); err != nil {
			return
		}
		if err := conn.WriteJSON(envelope{Type: msgPing}); err != nil {
			return
		}
		for {
			var env envelope
			if err := conn.ReadJSON(&env); err != nil {
				return
			}
			if env.Type == msgPong {
				pong <- struct{}{}
			}
		}
	})

	p := NewPlatform(NewClient(Config{URL: srv.URL, WSURL: wsURL(srv.URL)}, zerolog.Nop()), zerolog.Nop())
	sub, err := p.Subscribe(context.Background(), chatID)
	require.NoError(t, err)

	set := waitForSet(t, sub.Updates())
	require.Len(t, set, 2)
	assert.Equal(t, "m1", set[0].ID)
	assert.Equal(t, chatID, set[0].ChatID)

	select {
	case <-pong:
	case <-time.After(2 * time.Second):
		t.Fatal("ping was not answered")
	}

	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())
	_, ok := <-sub.Updates()
	assert.False(t, ok)
}

func TestSubscribe_ReconnectsAfterDrop(t *testing.T) {
	srv, conns := liveServer(t, func(n int, conn *websocket.Conn) {
		if n == 1 {
			_ = next(conn, "m1")
			return
		}
		_ = next(conn, "m1", "m2", "m3")
		var env envelope
		for conn.ReadJSON(&env) == nil {
		}
	})

	p := NewPlatform(NewClient(Config{URL: srv.URL, WSURL: wsURL(srv.URL), MaxBackoff: 200 * time.Millisecond}, zerolog.Nop()), zerolog.Nop())
	sub, err := p.Subscribe(context.Background(), chatID)
	require.NoError(t, err)
	defer sub.Close()

	require.Eventually(t, func() bool {
		select {
		case set := <-sub.Updates():
			return len(set) == 3
		default:
			return false
		}
	}, 3*time.Second, 10*time.Millisecond)

	select {
	case err := <-sub.Errors():
		assert.Error(t, err)
	default:
		t.Fatal("drop was not reported")
	}
	assert.GreaterOrEqual(t, conns.Load(), int32(2))
}

func TestSubscribe_DialFailure(t *testing.T) {
	p := NewPlatform(NewClient(Config{WSURL: "ws://127.0.0.1:1/v1/graphql"}, zerolog.Nop()), zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err := p.Subscribe(ctx, chatID)
	assert.Error(t, err)
}
