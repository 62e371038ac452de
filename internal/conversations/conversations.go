// Package conversations keeps a user's list of rooms live, most recent first.
//
// Room summaries are not indexed by participant, so every subscriber watches
// the whole summary collection and keeps only the rooms it belongs to.
package conversations

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/roomid"
	"github.com/pliu/duochat/internal/store"
)

type Service struct {
	store store.ChatStore
	log   zerolog.Logger
}

func NewService(s store.ChatStore, log zerolog.Logger) *Service {
	return &Service{
		store: s,
		log:   log.With().Str("component", "conversations").Logger(),
	}
}

// Subscribe delivers userID's conversations ordered by LastUpdatedAt
// descending, once now and again whenever any room summary changes.
func (s *Service) Subscribe(ctx context.Context, userID string, fn func([]models.ConversationEntry)) (store.Disposer, error) {
	if userID == "" {
		return nil, chat.ErrUnauthenticated
	}
	dispose, err := s.store.SubscribeRooms(ctx, func(rooms []models.Room) {
		fn(Filter(rooms, userID))
	})
	if err != nil {
		return nil, chat.Unavailable("subscribe rooms", err)
	}
	return dispose, nil
}

// Filter keeps the rooms userID participates in, preserving order. Rooms with
// malformed ids are skipped. The result is never nil.
func Filter(rooms []models.Room, userID string) []models.ConversationEntry {
	entries := []models.ConversationEntry{}
	for _, r := range rooms {
		other, err := roomid.Other(r.ID, userID)
		if err != nil {
			continue
		}
		entries = append(entries, models.ConversationEntry{
			RoomID:        r.ID,
			OtherUserID:   other,
			LastUpdatedAt: r.LastUpdatedAt,
		})
	}
	return entries
}
