package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/conversations"
	"github.com/pliu/duochat/internal/identity"
	"github.com/pliu/duochat/internal/messages"
	"github.com/pliu/duochat/internal/middleware"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/roomid"
	"github.com/pliu/duochat/internal/rooms"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/ws"
)

type ChatHandler struct {
	Accounts      *identity.Accounts
	Rooms         *rooms.Manager
	Messages      *messages.Service
	Conversations *conversations.Service
	Hub           *ws.Hub
	Log           zerolog.Logger
}

type OpenRoomRequest struct {
	UserID string `json:"user_id"`
}

type SendMessageRequest struct {
	Text string `json:"text"`
}

type SendMessageResponse struct {
	Message models.Message `json:"message"`
	Warning string         `json:"warning,omitempty"`
}

func (h *ChatHandler) OpenRoom(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())

	var req OpenRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if _, err := h.Accounts.Contact(r.Context(), req.UserID); err != nil {
		writeError(w, h.Log, err)
		return
	}
	handle, err := h.Rooms.EnsureRoom(r.Context(), userID, req.UserID)
	if err != nil {
		writeError(w, h.Log, err)
		return
	}

	status := http.StatusOK
	if handle.Created {
		status = http.StatusCreated
		// Notify the other participant
		h.Hub.SendNotification(req.UserID, ws.Event{Type: "new_chat", RoomID: handle.RoomID, UserID: userID})
	}
	writeJSON(w, status, handle)
}

func (h *ChatHandler) GetRoomMessages(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	roomID := mux.Vars(r)["id"]
	if !roomid.HasParticipant(roomID, userID) {
		http.Error(w, "Forbidden", http.StatusForbidden)
		return
	}

	msgs, err := snapshot(r.Context(), func(ctx context.Context, fn func([]models.Message)) (store.Disposer, error) {
		return h.Messages.Subscribe(ctx, roomID, fn)
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func (h *ChatHandler) SendMessage(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	roomID := mux.Vars(r)["id"]

	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	msg, err := h.Messages.Send(r.Context(), roomID, userID, req.Text)
	if errors.Is(err, chat.ErrPartialSendFailure) {
		writeJSON(w, http.StatusAccepted, SendMessageResponse{Message: msg, Warning: chat.Code(err)})
		return
	}
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusCreated, SendMessageResponse{Message: msg})
}

func (h *ChatHandler) GetChats(w http.ResponseWriter, r *http.Request) {
	userID := middleware.UserIDFromContext(r.Context())
	entries, err := snapshot(r.Context(), func(ctx context.Context, fn func([]models.ConversationEntry)) (store.Disposer, error) {
		return h.Conversations.Subscribe(ctx, userID, fn)
	})
	if err != nil {
		writeError(w, h.Log, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

// snapshot subscribes, keeps the first delivery and disposes.
func snapshot[T any](ctx context.Context, subscribe func(context.Context, func([]T)) (store.Disposer, error)) ([]T, error) {
	first := make(chan []T, 1)
	dispose, err := subscribe(ctx, func(v []T) {
		select {
		case first <- v:
		default:
		}
	})
	if err != nil {
		return nil, err
	}
	defer dispose()

	select {
	case v := <-first:
		return v, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, chat.ErrInvalidParticipants),
		errors.Is(err, chat.ErrEmptyMessage),
		errors.Is(err, identity.ErrInvalidProfile):
		return http.StatusBadRequest
	case errors.Is(err, chat.ErrUnauthenticated):
		return http.StatusUnauthorized
	case errors.Is(err, chat.ErrRoomNotFound):
		return http.StatusNotFound
	case errors.Is(err, chat.ErrStoreUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeError(w http.ResponseWriter, log zerolog.Logger, err error) {
	status := statusFor(err)
	message := err.Error()
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Int("status", status).Msg("request failed")
		message = http.StatusText(status)
	}
	writeJSON(w, status, map[string]string{"error": message, "code": chat.Code(err)})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
