// Package session binds the chat services to whoever is signed in and tears
// down every live subscription when that changes.
package session

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/conversations"
	"github.com/pliu/duochat/internal/messages"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/roomid"
	"github.com/pliu/duochat/internal/rooms"
	"github.com/pliu/duochat/internal/store"
)

type Services struct {
	Rooms         *rooms.Manager
	Messages      *messages.Service
	Conversations *conversations.Service
}

// Session is one signed-in user's view of the chat services. It owns every
// subscription it hands out.
type Session struct {
	userID string
	svc    Services

	mu        sync.Mutex
	closed    bool
	next      int
	disposers map[int]store.Disposer
}

func newSession(userID string, svc Services) *Session {
	return &Session{userID: userID, svc: svc, disposers: make(map[int]store.Disposer)}
}

func (s *Session) UserID() string { return s.userID }

func (s *Session) OpenRoom(ctx context.Context, otherUserID string) (rooms.Handle, error) {
	if s.isClosed() {
		return rooms.Handle{}, chat.ErrUnauthenticated
	}
	return s.svc.Rooms.EnsureRoom(ctx, s.userID, otherUserID)
}

func (s *Session) Send(ctx context.Context, roomID, text string) (models.Message, error) {
	if s.isClosed() {
		return models.Message{}, chat.ErrUnauthenticated
	}
	return s.svc.Messages.Send(ctx, roomID, s.userID, text)
}

// WatchRoom subscribes to a room the user participates in.
func (s *Session) WatchRoom(ctx context.Context, roomID string, fn func([]models.Message)) (store.Disposer, error) {
	if _, err := roomid.Other(roomID, s.userID); err != nil {
		return nil, err
	}
	return s.track(func() (store.Disposer, error) {
		return s.svc.Messages.Subscribe(ctx, roomID, fn)
	})
}

func (s *Session) WatchConversations(ctx context.Context, fn func([]models.ConversationEntry)) (store.Disposer, error) {
	return s.track(func() (store.Disposer, error) {
		return s.svc.Conversations.Subscribe(ctx, s.userID, fn)
	})
}

// Close disposes every live subscription. Later calls fail with
// chat.ErrUnauthenticated.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	disposers := s.disposers
	s.disposers = nil
	s.mu.Unlock()

	for _, d := range disposers {
		d()
	}
}

// Live returns the number of subscriptions not yet disposed.
func (s *Session) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.disposers)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

func (s *Session) track(subscribe func() (store.Disposer, error)) (store.Disposer, error) {
	if s.isClosed() {
		return nil, chat.ErrUnauthenticated
	}
	dispose, err := subscribe()
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		dispose()
		return nil, chat.ErrUnauthenticated
	}
	id := s.next
	s.next++
	s.disposers[id] = dispose
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		delete(s.disposers, id)
		s.mu.Unlock()
		dispose()
	}, nil
}

// AuthSource reports auth transitions, starting with the current state.
type AuthSource interface {
	OnAuthChange(ctx context.Context, fn func(userID string)) func()
}

// Manager keeps one Session for the signed-in user and replaces it on every
// auth transition.
type Manager struct {
	svc      Services
	log      zerolog.Logger
	onChange func(*Session)

	mu          sync.Mutex
	current     *Session
	unsubscribe func()
}

// NewManager starts following src. onChange, if set, is called with the new
// session, or nil after sign-out, once the previous session is closed.
func NewManager(ctx context.Context, src AuthSource, svc Services, log zerolog.Logger, onChange func(*Session)) *Manager {
	m := &Manager{
		svc:      svc,
		log:      log.With().Str("component", "session").Logger(),
		onChange: onChange,
	}
	unsubscribe := src.OnAuthChange(ctx, m.switchTo)
	m.mu.Lock()
	m.unsubscribe = unsubscribe
	m.mu.Unlock()
	return m
}

func (m *Manager) switchTo(userID string) {
	var next *Session
	if userID != "" {
		next = newSession(userID, m.svc)
	}

	m.mu.Lock()
	prev := m.current
	m.current = next
	m.mu.Unlock()

	if prev != nil {
		prev.Close()
	}
	m.log.Debug().Str("user", userID).Msg("session switched")
	if m.onChange != nil {
		m.onChange(next)
	}
}

// Current returns the active session or chat.ErrUnauthenticated.
func (m *Manager) Current() (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return nil, chat.ErrUnauthenticated
	}
	return m.current, nil
}

// Close stops following auth changes and closes the active session.
func (m *Manager) Close() {
	m.mu.Lock()
	unsubscribe := m.unsubscribe
	cur := m.current
	m.current = nil
	m.unsubscribe = nil
	m.mu.Unlock()

	if unsubscribe != nil {
		unsubscribe()
	}
	if cur != nil {
		cur.Close()
	}
}
