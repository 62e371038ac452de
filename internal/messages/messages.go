// Package messages sends messages into a room and keeps its history live.
package messages

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/roomid"
	"github.com/pliu/duochat/internal/store"
)

const DefaultRetryDelay = 200 * time.Millisecond

var tracer = otel.Tracer("github.com/pliu/duochat/internal/messages")

type Service struct {
	store      store.ChatStore
	log        zerolog.Logger
	retryDelay time.Duration
	sent       metric.Int64Counter
	partial    metric.Int64Counter
}

type Option func(*Service)

// WithRetryDelay sets the pause before the single retry of a failed recency update.
func WithRetryDelay(d time.Duration) Option {
	return func(s *Service) { s.retryDelay = d }
}

func NewService(st store.ChatStore, log zerolog.Logger, opts ...Option) *Service {
	meter := otel.Meter("duochat")
	sent, _ := meter.Int64Counter("messages_sent_total",
		metric.WithDescription("Messages persisted"))
	partial, _ := meter.Int64Counter("messages_partial_send_total",
		metric.WithDescription("Messages persisted without a room recency update"))

	s := &Service{
		store:      st,
		log:        log.With().Str("component", "messages").Logger(),
		retryDelay: DefaultRetryDelay,
		sent:       sent,
		partial:    partial,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe delivers the room's messages in store order, once now and again
// after every change, until the returned Disposer is called.
func (s *Service) Subscribe(ctx context.Context, roomID string, fn func([]models.Message)) (store.Disposer, error) {
	if _, _, err := roomid.Split(roomID); err != nil {
		return nil, err
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return nil, err
	}
	dispose, err := s.store.SubscribeMessages(ctx, roomID, fn)
	if err != nil {
		return nil, chat.Unavailable("subscribe messages", err)
	}
	return dispose, nil
}

// Send appends text to the room as senderID and moves the room's recency
// forward. When only the recency update fails the stored message is returned
// together with chat.ErrPartialSendFailure.
func (s *Service) Send(ctx context.Context, roomID, senderID, text string) (models.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.Message{}, chat.ErrEmptyMessage
	}
	if _, err := roomid.Other(roomID, senderID); err != nil {
		return models.Message{}, err
	}
	if err := s.requireRoom(ctx, roomID); err != nil {
		return models.Message{}, err
	}

	ctx, span := tracer.Start(ctx, "messages.Send", trace.WithAttributes(attribute.String("room.id", roomID)))
	defer span.End()

	msg, err := s.store.AddMessage(ctx, models.Message{
		ID:       uuid.NewString(),
		RoomID:   roomID,
		SenderID: senderID,
		Text:     text,
	})
	if err != nil {
		span.SetStatus(codes.Error, err.Error())
		return models.Message{}, chat.Unavailable("add message", err)
	}
	s.sent.Add(ctx, 1)

	touch := func() error {
		return s.store.TouchRoom(ctx, roomID, msg.CreatedAt)
	}
	policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewConstantBackOff(s.retryDelay), 1), ctx)
	if err := backoff.Retry(touch, policy); err != nil {
		s.partial.Add(ctx, 1)
		span.SetStatus(codes.Error, err.Error())
		s.log.Warn().Err(err).Str("room", roomID).Str("message", msg.ID).Msg("room recency not updated")
		return msg, fmt.Errorf("%w: %v", chat.ErrPartialSendFailure, err)
	}
	return msg, nil
}

// requireRoom fails with chat.ErrRoomNotFound unless the room's summary has
// been written by EnsureRoom.
func (s *Service) requireRoom(ctx context.Context, roomID string) error {
	_, err := s.store.GetRoom(ctx, roomID)
	if errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("%w: %s", chat.ErrRoomNotFound, roomID)
	}
	if err != nil {
		return chat.Unavailable("get room", err)
	}
	return nil
}
