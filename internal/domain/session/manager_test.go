package session

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jan-server/services/chat-sync/internal/domain/delivery"
	"jan-server/services/chat-sync/internal/domain/message"
	"jan-server/services/chat-sync/internal/domain/platform/platformtest"
)

const (
	chatA = "3f2504e0-4f89-41d3-9a0c-0305e82c3301"
	chatB = "9b2c1f4e-6a1d-4d0c-8c5e-2f7a3b1c9d10"
	chatC = "c56a4180-65aa-42ec-a945-5fd21dec0538"
)

type countingMetrics struct {
	opened, closed int
}

func (m *countingMetrics) SessionOpened()     { m.opened++ }
func (m *countingMetrics) SessionClosed()     { m.closed++ }
func (m *countingMetrics) ViewUpdated(string) {}

func newTestManager(t *testing.T, cfg ManagerConfig, metrics Metrics) (*Manager, *platformtest.Platform) {
	t.Helper()
	p := platformtest.New()
	for _, id := range []string{chatA, chatB, chatC} {
		p.AddConversation(id, message.DefaultTitle)
	}
	pipe := delivery.New(delivery.Dependencies{
		Writer:        p,
		Generator:     platformtest.EchoGenerator("ok"),
		Conversations: p,
	}, delivery.Config{DefaultTitle: message.DefaultTitle}, zerolog.Nop())

	m, err := NewManager(p, pipe, Options{FetchTimeout: time.Second, Metrics: metrics}, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(m.Stop)
	return m, p
}

func TestManager_OpenReusesSession(t *testing.T) {
	m, p := newTestManager(t, ManagerConfig{MaxSessions: 4}, nil)
	ctx := context.Background()

	first, err := m.Open(ctx, chatA)
	require.NoError(t, err)
	second, err := m.Open(ctx, chatA)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, p.Calls(platformtest.CallSubscribe))

	got, ok := m.Get(chatA)
	require.True(t, ok)
	assert.Same(t, first, got)
}

func TestManager_EvictsLeastRecentlyUsed(t *testing.T) {
	metrics := &countingMetrics{}
	m, p := newTestManager(t, ManagerConfig{MaxSessions: 2}, metrics)
	ctx := context.Background()

	a, err := m.Open(ctx, chatA)
	require.NoError(t, err)
	_, err = m.Open(ctx, chatB)
	require.NoError(t, err)
	_, ok := m.Get(chatA)
	require.True(t, ok)

	_, err = m.Open(ctx, chatC)
	require.NoError(t, err)

	assert.Equal(t, 2, m.Len())
	_, ok = m.Get(chatB)
	assert.False(t, ok)
	assert.Zero(t, p.Subscribers(chatB))
	assert.False(t, a.isClosed())
	assert.Equal(t, 3, metrics.opened)
	assert.Equal(t, 1, metrics.closed)
}

func TestManager_SwitchClosesPrevious(t *testing.T) {
	m, p := newTestManager(t, ManagerConfig{}, nil)
	ctx := context.Background()

	a, err := m.Open(ctx, chatA)
	require.NoError(t, err)

	b, err := m.Switch(ctx, chatA, chatB)
	require.NoError(t, err)
	assert.Equal(t, chatB, b.ChatID())
	assert.True(t, a.isClosed())
	assert.Zero(t, p.Subscribers(chatA))
	assert.Equal(t, 1, m.Len())
}

func TestManager_CloseUnknownIsNoop(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{}, nil)
	assert.False(t, m.Close(chatA))
}

func TestManager_SweepClosesIdleSessions(t *testing.T) {
	m, _ := newTestManager(t, ManagerConfig{IdleTTL: time.Minute}, nil)
	ctx := context.Background()

	idle, err := m.Open(ctx, chatA)
	require.NoError(t, err)
	_, err = m.Open(ctx, chatB)
	require.NoError(t, err)

	assert.Zero(t, m.sweep(time.Now()))
	assert.Equal(t, 2, m.sweep(time.Now().Add(time.Hour)))
	assert.True(t, idle.isClosed())
	assert.Zero(t, m.Len())
}

func TestManager_StopClosesAll(t *testing.T) {
	m, p := newTestManager(t, ManagerConfig{IdleTTL: time.Minute, JanitorInterval: 10 * time.Millisecond}, nil)
	ctx := context.Background()
	m.Start(ctx)
	m.Start(ctx)

	_, err := m.Open(ctx, chatA)
	require.NoError(t, err)
	_, err = m.Open(ctx, chatB)
	require.NoError(t, err)

	m.Stop()
	m.Stop()
	assert.Zero(t, m.Len())
	assert.Zero(t, p.Subscribers(chatA))
	assert.Zero(t, p.Subscribers(chatB))
}

func TestManager_SlowOpenDoesNotBlockOtherChats(t *testing.T) {
	m, p := newTestManager(t, ManagerConfig{}, nil)
	ctx := context.Background()

	_, err := m.Open(ctx, chatB)
	require.NoError(t, err)

	release := make(chan struct{})
	fetching := make(chan struct{}, 1)
	p.OnFetch = func(ctx context.Context, chatID string) error {
		if chatID != chatA {
			return nil
		}
		select {
		case fetching <- struct{}{}:
		default:
		}
		select {
		case <-release:
		case <-ctx.Done():
		}
		return nil
	}

	opened := make(chan error, 2)
	go func() {
		_, err := m.Open(ctx, chatA)
		opened <- err
	}()
	select {
	case <-fetching:
	case <-time.After(time.Second):
		t.Fatal("open of chat A never reached the platform")
	}

	got := make(chan bool, 1)
	go func() {
		_, ok := m.Get(chatB)
		got <- ok
	}()
	select {
	case ok := <-got:
		assert.True(t, ok)
	case <-time.After(200 * time.Millisecond):
		t.Fatal("Get of chat B waited for the open of chat A")
	}

	go func() {
		_, err := m.Open(ctx, chatA)
		opened <- err
	}()
	close(release)
	require.NoError(t, <-opened)
	require.NoError(t, <-opened)

	assert.Equal(t, 2, m.Len())
	assert.Equal(t, 2, p.Calls(platformtest.CallSubscribe))
}

func TestManager_OpenAfterStopFails(t *testing.T) {
	m, p := newTestManager(t, ManagerConfig{}, nil)
	m.Stop()

	_, err := m.Open(context.Background(), chatA)
	assert.ErrorIs(t, err, ErrSessionClosed)
	assert.Zero(t, m.Len())
	assert.Zero(t, p.Subscribers(chatA))
}
