// Package rooms lazily creates the single room shared by two users.
package rooms

import (
	"context"
	"errors"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/roomid"
	"github.com/pliu/duochat/internal/store"
)

var tracer = otel.Tracer("github.com/pliu/duochat/internal/rooms")

// Handle identifies an ensured room. Created is true only for the caller
// whose marker write won.
type Handle struct {
	RoomID  string `json:"room_id"`
	Created bool   `json:"created"`
}

type Manager struct {
	store   store.ChatStore
	log     zerolog.Logger
	created metric.Int64Counter
}

func NewManager(s store.ChatStore, log zerolog.Logger) *Manager {
	created, _ := otel.Meter("duochat").Int64Counter("rooms_created_total",
		metric.WithDescription("Rooms created by first contact"))
	return &Manager{
		store:   s,
		log:     log.With().Str("component", "rooms").Logger(),
		created: created,
	}
}

// EnsureRoom returns the room of userA and userB, creating it if this is the
// first contact between them. Concurrent callers for the same pair all get the
// same id and exactly one of them creates the summary.
func (m *Manager) EnsureRoom(ctx context.Context, userA, userB string) (Handle, error) {
	id, err := roomid.Resolve(userA, userB)
	if err != nil {
		return Handle{}, err
	}

	ctx, span := tracer.Start(ctx, "rooms.EnsureRoom", trace.WithAttributes(attribute.String("room.id", id)))
	defer span.End()

	err = m.store.CreateRoomMarker(ctx, id)
	switch {
	case err == nil:
		if _, err := m.store.CreateRoomSummary(ctx, id); err != nil && !errors.Is(err, store.ErrAlreadyExists) {
			span.SetStatus(codes.Error, err.Error())
			return Handle{}, chat.Unavailable("create room summary", err)
		}
		m.created.Add(ctx, 1)
		m.log.Info().Str("room", id).Msg("room created")
		span.SetAttributes(attribute.Bool("room.created", true))
		return Handle{RoomID: id, Created: true}, nil

	case errors.Is(err, store.ErrAlreadyExists):
		m.repair(ctx, id)
		return Handle{RoomID: id}, nil

	default:
		span.SetStatus(codes.Error, err.Error())
		return Handle{}, chat.Unavailable("create room marker", err)
	}
}

// repair writes the summary of a room whose creator wrote the marker but
// never got to the summary. Failures are logged; the room itself exists.
func (m *Manager) repair(ctx context.Context, id string) {
	_, err := m.store.GetRoom(ctx, id)
	if err == nil {
		return
	}
	if !errors.Is(err, store.ErrNotFound) {
		m.log.Warn().Err(err).Str("room", id).Msg("check room summary")
		return
	}
	_, err = m.store.CreateRoomSummary(ctx, id)
	switch {
	case err == nil:
		m.log.Warn().Str("room", id).Msg("repaired missing room summary")
	case errors.Is(err, store.ErrAlreadyExists):
	default:
		m.log.Warn().Err(err).Str("room", id).Msg("repair room summary")
	}
}
