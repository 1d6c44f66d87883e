package session

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prospector-labs/prospector/internal/channel"
	"github.com/prospector-labs/prospector/internal/convlog"
	"github.com/prospector-labs/prospector/internal/store"
)

// ChannelFactory builds a fresh agent channel wired to the given handler.
// Every mount gets its own channel; channels are never reused.
type ChannelFactory func(handler channel.Handler) AgentChannel

// Manager owns at most one live session per account.
type Manager struct {
	repo       store.Repository
	dispatcher EmailDispatcher
	factory    ChannelFactory
	events     convlog.Logger
	notify     NotifyFunc

	mu       sync.Mutex
	sessions map[string]*Session
}

// NewManager creates a session manager.
func NewManager(repo store.Repository, dispatcher EmailDispatcher, factory ChannelFactory, events convlog.Logger, notify NotifyFunc) *Manager {
	if events == nil {
		events = convlog.Noop()
	}
	return &Manager{
		repo:       repo,
		dispatcher: dispatcher,
		factory:    factory,
		events:     events,
		notify:     notify,
		sessions:   make(map[string]*Session),
	}
}

// Open mounts a session for the account, or returns the live one. Opening
// loads the durable log and dials the agent before the session is visible,
// so no send can observe a half-initialized log.
func (m *Manager) Open(ctx context.Context, accountID string) (*Session, error) {
	m.mu.Lock()
	if existing, ok := m.sessions[accountID]; ok {
		m.mu.Unlock()
		return existing, nil
	}
	m.mu.Unlock()

	s := &Session{
		log:        NewLog(),
		repo:       m.repo,
		dispatcher: m.dispatcher,
		events:     m.events,
		notify:     m.notify,
	}
	s.ch = m.factory(s)

	if err := s.Open(ctx, accountID); err != nil {
		s.Close()
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[accountID]; ok {
		// Lost a mount race; keep the first session and discard ours.
		s.Close()
		return existing, nil
	}
	m.sessions[accountID] = s
	slog.Info("session mounted", "account_id", accountID)
	return s, nil
}

// Get returns the live session for an account, or nil when none is mounted.
func (m *Manager) Get(accountID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sessions[accountID]
}

// Close unmounts the account's session if one is live.
func (m *Manager) Close(accountID string) {
	m.mu.Lock()
	s, ok := m.sessions[accountID]
	delete(m.sessions, accountID)
	m.mu.Unlock()

	if ok {
		s.Close()
		slog.Info("session unmounted", "account_id", accountID)
	}
}

// CloseAll unmounts every live session, used at server shutdown.
func (m *Manager) CloseAll() {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		sessions = append(sessions, s)
	}
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	for _, s := range sessions {
		s.Close()
	}
}
