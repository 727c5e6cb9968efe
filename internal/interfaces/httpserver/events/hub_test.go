package events

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/chat-sync/internal/domain/delivery"
	"jan-server/services/chat-sync/internal/domain/session"
	"jan-server/services/chat-sync/internal/domain/status"
)

func TestHub_DeliversToSubscribersOfChat(t *testing.T) {
	h := NewHub(4, zerolog.Nop())
	a, cancelA := h.Subscribe("chat-a")
	defer cancelA()
	b, cancelB := h.Subscribe("chat-b")
	defer cancelB()

	h.OnTransition("chat-a", delivery.Event{
		Attempt: delivery.Attempt{ID: "att-1"},
		From:    status.StateIdle,
		To:      status.StateValidating,
		Summary: "Validating message",
	})

	ev := <-a
	assert.Equal(t, TypeTransition, ev.Type)
	tr, ok := ev.Data.(Transition)
	require.True(t, ok)
	assert.Equal(t, "att-1", tr.AttemptID)
	assert.Equal(t, status.StateValidating, tr.To)

	select {
	case ev := <-b:
		t.Fatalf("unexpected event on other chat: %+v", ev)
	default:
	}
}

func TestHub_SlowSubscriberKeepsNewest(t *testing.T) {
	h := NewHub(2, zerolog.Nop())
	ch, cancel := h.Subscribe("chat")
	defer cancel()

	for i := 0; i < 5; i++ {
		h.OnViewChanged("chat", session.View{ChatID: "chat", Title: string(rune('a' + i))})
	}

	first := (<-ch).Data.(session.View)
	second := (<-ch).Data.(session.View)
	assert.Equal(t, "d", first.Title)
	assert.Equal(t, "e", second.Title)
}

func TestHub_CancelClosesStream(t *testing.T) {
	h := NewHub(1, zerolog.Nop())
	ch, cancel := h.Subscribe("chat")
	assert.Equal(t, 1, h.Subscribers("chat"))

	cancel()
	cancel()
	_, ok := <-ch
	assert.False(t, ok)
	assert.Equal(t, 0, h.Subscribers("chat"))

	h.OnScrollToLatest("chat")
}
