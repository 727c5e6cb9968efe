package session

import (
	"context"
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"jan-server/services/chat-sync/internal/domain/delivery"
)

// ManagerConfig bounds the set of open sessions.
type ManagerConfig struct {
	MaxSessions     int
	IdleTTL         time.Duration
	JanitorInterval time.Duration
}

// Manager keeps at most one open session per chat id. The least recently
// used session is closed when the registry is full.
type Manager struct {
	source   Source
	pipeline *delivery.Pipeline
	opts     Options
	cfg      ManagerConfig
	base     zerolog.Logger
	log      zerolog.Logger

	mu      sync.Mutex
	cache   *lru.Cache
	stopped bool

	// opening coalesces concurrent opens of one chat id. Sessions are
	// opened outside mu so a slow platform only blocks callers of that chat.
	opening singleflight.Group

	done      chan struct{}
	wg        sync.WaitGroup
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewManager creates a session registry.
func NewManager(source Source, pipeline *delivery.Pipeline, opts Options, cfg ManagerConfig, log zerolog.Logger) (*Manager, error) {
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = 1000
	}
	if cfg.JanitorInterval <= 0 {
		cfg.JanitorInterval = time.Minute
	}

	m := &Manager{
		source:   source,
		pipeline: pipeline,
		opts:     opts,
		cfg:      cfg,
		base:     log,
		log:      log.With().Str("component", "session-manager").Logger(),
		done:     make(chan struct{}),
	}

	cache, err := lru.NewWithEvict(cfg.MaxSessions, func(key, value interface{}) {
		s := value.(*Session)
		if err := s.Close(); err != nil {
			m.log.Warn().Err(err).Str("chat_id", s.ChatID()).Msg("failed to close evicted session")
		}
	})
	if err != nil {
		return nil, fmt.Errorf("create session cache: %w", err)
	}
	m.cache = cache
	return m, nil
}

// Open returns the session of chatID, opening it when needed.
func (m *Manager) Open(ctx context.Context, chatID string) (*Session, error) {
	if s, ok := m.Get(chatID); ok {
		return s, nil
	}

	v, err, _ := m.opening.Do(chatID, func() (interface{}, error) {
		if s, ok := m.Get(chatID); ok {
			return s, nil
		}

		s := New(chatID, m.source, m.pipeline, m.opts, m.base)
		if err := s.Open(ctx); err != nil {
			_ = s.Close()
			return nil, err
		}

		m.mu.Lock()
		if m.stopped {
			m.mu.Unlock()
			_ = s.Close()
			return nil, ErrSessionClosed
		}
		m.cache.Add(chatID, s)
		n := m.cache.Len()
		m.mu.Unlock()

		m.log.Debug().Str("chat_id", chatID).Int("open_sessions", n).Msg("session opened")
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Session), nil
}

// Get returns an open session without opening one.
func (m *Manager) Get(chatID string) (*Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	v, ok := m.cache.Get(chatID)
	if !ok {
		return nil, false
	}
	s := v.(*Session)
	if s.isClosed() {
		m.cache.Remove(chatID)
		return nil, false
	}
	return s, true
}

// Close closes the session of chatID. Unknown ids are ignored.
func (m *Manager) Close(chatID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cache.Remove(chatID)
}

// Switch closes the session of from and opens the one of to.
func (m *Manager) Switch(ctx context.Context, from, to string) (*Session, error) {
	if from != "" && from != to {
		m.Close(from)
	}
	return m.Open(ctx, to)
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	return m.cache.Len()
}

// Start begins the idle janitor. Safe to call multiple times.
func (m *Manager) Start(ctx context.Context) {
	if m.cfg.IdleTTL <= 0 {
		return
	}
	m.startOnce.Do(func() {
		m.wg.Add(1)
		go m.run(ctx)
		m.log.Info().Dur("idle_ttl", m.cfg.IdleTTL).Msg("session janitor started")
	})
}

// Stop stops the janitor and closes every session. Safe to call multiple
// times.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()

		m.mu.Lock()
		m.stopped = true
		n := m.cache.Len()
		m.cache.Purge()
		m.mu.Unlock()

		m.log.Info().Int("closed_sessions", n).Msg("session manager stopped")
	})
}

func (m *Manager) run(ctx context.Context) {
	defer m.wg.Done()

	ticker := time.NewTicker(m.cfg.JanitorInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-m.done:
			return
		case <-ticker.C:
			m.sweep(time.Now())
		}
	}
}

// sweep closes sessions that have been idle for longer than IdleTTL.
func (m *Manager) sweep(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	closed := 0
	for _, key := range m.cache.Keys() {
		v, ok := m.cache.Peek(key)
		if !ok {
			continue
		}
		s := v.(*Session)
		if s.InFlight() || now.Sub(s.LastActivity()) <= m.cfg.IdleTTL {
			continue
		}
		m.cache.Remove(key)
		closed++
	}

	if closed > 0 {
		m.log.Info().Int("closed", closed).Int("open_sessions", m.cache.Len()).Msg("idle sessions closed")
	}
	return closed
}
