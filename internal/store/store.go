package store

import (
	"context"
	"errors"
	"time"

	"github.com/pliu/duochat/internal/models"
)

var (
	ErrAlreadyExists = errors.New("store: already exists")
	ErrNotFound      = errors.New("store: not found")
)

// Disposer releases a live subscription. Calling it more than once is safe.
type Disposer func()

type UserStore interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)
	GetUserByID(ctx context.Context, id string) (*models.User, error)
	SearchUsers(ctx context.Context, query, excludeID string) ([]models.User, error)
	UpdateUserName(ctx context.Context, id, name string) error
	UpdateUserPassword(ctx context.Context, id, hash string) error
}

// ChatStore is the document store behind rooms and messages. Timestamps are
// assigned by the store, never by the caller.
type ChatStore interface {
	// CreateRoomMarker writes the room's existence marker and fails with
	// ErrAlreadyExists instead of overwriting.
	CreateRoomMarker(ctx context.Context, roomID string) error
	// CreateRoomSummary adds the room to the global summary collection with
	// LastUpdatedAt set to the store clock. Fails with ErrAlreadyExists.
	CreateRoomSummary(ctx context.Context, roomID string) (models.Room, error)
	GetRoom(ctx context.Context, roomID string) (models.Room, error)
	// TouchRoom advances LastUpdatedAt to at. It never moves it backwards and
	// is a no-op for unknown rooms.
	TouchRoom(ctx context.Context, roomID string, at time.Time) error

	// AddMessage appends msg to its room and returns it with CreatedAt set.
	AddMessage(ctx context.Context, msg models.Message) (models.Message, error)

	// SubscribeMessages delivers the full message list of a room, ascending by
	// CreatedAt, once initially and again after every change. Calls to fn are
	// sequential.
	SubscribeMessages(ctx context.Context, roomID string, fn func([]models.Message)) (Disposer, error)
	// SubscribeRooms delivers every room summary, descending by LastUpdatedAt.
	SubscribeRooms(ctx context.Context, fn func([]models.Room)) (Disposer, error)

	Close() error
}
