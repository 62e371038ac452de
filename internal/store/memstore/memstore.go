// Package memstore keeps users, rooms and messages in process memory.
package memstore

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/notify"
)

const (
	roomsTopic  = "rooms"
	searchLimit = 10
)

type Store struct {
	mu       sync.RWMutex
	users    map[string]models.User
	markers  map[string]struct{}
	rooms    map[string]models.Room
	messages map[string][]models.Message

	clock  *store.Clock
	broker *notify.Broker
}

var (
	_ store.ChatStore = (*Store)(nil)
	_ store.UserStore = (*Store)(nil)
)

func New(log zerolog.Logger) *Store {
	return &Store{
		users:    make(map[string]models.User),
		markers:  make(map[string]struct{}),
		rooms:    make(map[string]models.Room),
		messages: make(map[string][]models.Message),
		clock:    store.NewClock(),
		broker:   notify.NewBroker(log),
	}
}

func (s *Store) CreateUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.users[user.ID]; ok {
		return store.ErrAlreadyExists
	}
	for _, u := range s.users {
		if strings.EqualFold(u.Email, user.Email) {
			return store.ErrAlreadyExists
		}
	}
	s.users[user.ID] = *user
	return nil
}

func (s *Store) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, u := range s.users {
		if strings.EqualFold(u.Email, email) {
			return &u, nil
		}
	}
	return nil, store.ErrNotFound
}

func (s *Store) GetUserByID(_ context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return &u, nil
}

func (s *Store) SearchUsers(_ context.Context, query, excludeID string) ([]models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	q := strings.ToLower(query)
	var users []models.User
	for _, u := range s.users {
		if u.ID == excludeID || !strings.Contains(strings.ToLower(u.Email), q) {
			continue
		}
		u.Password = ""
		users = append(users, u)
	}
	sort.Slice(users, func(i, j int) bool { return users[i].Email < users[j].Email })
	if len(users) > searchLimit {
		users = users[:searchLimit]
	}
	return users, nil
}

func (s *Store) UpdateUserName(_ context.Context, id, name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Name = name
	s.users[id] = u
	return nil
}

func (s *Store) UpdateUserPassword(_ context.Context, id, hash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	u, ok := s.users[id]
	if !ok {
		return store.ErrNotFound
	}
	u.Password = hash
	s.users[id] = u
	return nil
}

func (s *Store) CreateRoomMarker(_ context.Context, roomID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.markers[roomID]; ok {
		return store.ErrAlreadyExists
	}
	s.markers[roomID] = struct{}{}
	return nil
}

func (s *Store) CreateRoomSummary(_ context.Context, roomID string) (models.Room, error) {
	s.mu.Lock()
	if _, ok := s.rooms[roomID]; ok {
		s.mu.Unlock()
		return models.Room{}, store.ErrAlreadyExists
	}
	room := models.Room{ID: roomID, LastUpdatedAt: s.clock.Now()}
	s.rooms[roomID] = room
	s.mu.Unlock()

	s.broker.Publish(roomsTopic)
	return room, nil
}

func (s *Store) GetRoom(_ context.Context, roomID string) (models.Room, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	room, ok := s.rooms[roomID]
	if !ok {
		return models.Room{}, store.ErrNotFound
	}
	return room, nil
}

func (s *Store) TouchRoom(_ context.Context, roomID string, at time.Time) error {
	s.mu.Lock()
	room, ok := s.rooms[roomID]
	if !ok || !at.After(room.LastUpdatedAt) {
		s.mu.Unlock()
		return nil
	}
	room.LastUpdatedAt = at
	s.rooms[roomID] = room
	s.mu.Unlock()

	s.broker.Publish(roomsTopic)
	return nil
}

func (s *Store) AddMessage(_ context.Context, msg models.Message) (models.Message, error) {
	s.mu.Lock()
	msg.CreatedAt = s.clock.Now()
	s.messages[msg.RoomID] = append(s.messages[msg.RoomID], msg)
	s.mu.Unlock()

	s.broker.Publish(messagesTopic(msg.RoomID))
	return msg, nil
}

func (s *Store) SubscribeMessages(ctx context.Context, roomID string, fn func([]models.Message)) (store.Disposer, error) {
	stop, err := notify.Watch(ctx, s.broker, messagesTopic(roomID), func(context.Context) ([]models.Message, error) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return append([]models.Message{}, s.messages[roomID]...), nil
	}, fn)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

func (s *Store) SubscribeRooms(ctx context.Context, fn func([]models.Room)) (store.Disposer, error) {
	stop, err := notify.Watch(ctx, s.broker, roomsTopic, func(context.Context) ([]models.Room, error) {
		s.mu.RLock()
		rooms := make([]models.Room, 0, len(s.rooms))
		for _, r := range s.rooms {
			rooms = append(rooms, r)
		}
		s.mu.RUnlock()
		sort.Slice(rooms, func(i, j int) bool {
			return rooms[i].LastUpdatedAt.After(rooms[j].LastUpdatedAt)
		})
		return rooms, nil
	}, fn)
	if err != nil {
		return nil, err
	}
	return stop, nil
}

// Watchers reports how many live subscriptions exist on a room's messages.
func (s *Store) Watchers(roomID string) int {
	return s.broker.Watchers(messagesTopic(roomID))
}

func (s *Store) Close() error { return nil }

func messagesTopic(roomID string) string { return "messages." + roomID }
