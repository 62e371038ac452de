package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/conversations"
	"github.com/pliu/duochat/internal/messages"
	"github.com/pliu/duochat/internal/middleware"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/roomid"
	"github.com/pliu/duochat/internal/rooms"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/memstore"
	"github.com/pliu/duochat/internal/ws"
)

// failingTouch stores messages but never updates room recency.
type failingTouch struct {
	*memstore.Store
}

func (failingTouch) TouchRoom(context.Context, string, time.Time) error {
	return errors.New("connection reset")
}

type chatEnv struct {
	auth   *AuthHandler
	chat   *ChatHandler
	router *mux.Router
}

func newChatEnv(t *testing.T, st store.ChatStore) *chatEnv {
	t.Helper()
	log := zerolog.Nop()
	hub := ws.NewHub(log)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	authHandler := newAuthHandler(t)
	chatHandler := &ChatHandler{
		Accounts:      authHandler.Accounts,
		Rooms:         rooms.NewManager(st, log),
		Messages:      messages.NewService(st, log, messages.WithRetryDelay(time.Millisecond)),
		Conversations: conversations.NewService(st, log),
		Hub:           hub,
		Log:           log,
	}

	r := mux.NewRouter()
	api := r.NewRoute().Subrouter()
	api.Use(middleware.AuthMiddleware(authHandler.Issuer))
	api.HandleFunc("/rooms", chatHandler.OpenRoom).Methods("POST")
	api.HandleFunc("/rooms/{id}/messages", chatHandler.GetRoomMessages).Methods("GET")
	api.HandleFunc("/rooms/{id}/messages", chatHandler.SendMessage).Methods("POST")
	api.HandleFunc("/chats", chatHandler.GetChats).Methods("GET")

	return &chatEnv{auth: authHandler, chat: chatHandler, router: r}
}

func (e *chatEnv) do(t *testing.T, method, path string, cookie *http.Cookie, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req, err := http.NewRequest(method, path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	if cookie != nil {
		req.AddCookie(cookie)
	}
	rr := httptest.NewRecorder()
	e.router.ServeHTTP(rr, req)
	return rr
}

func TestOpenRoom(t *testing.T) {
	env := newChatEnv(t, memstore.New(zerolog.Nop()))
	alice, aliceCookie := register(t, env.auth, "alice")
	bob, bobCookie := register(t, env.auth, "bob")

	rr := env.do(t, "POST", "/rooms", aliceCookie, OpenRoomRequest{UserID: bob.ID})
	if rr.Code != http.StatusCreated {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusCreated)
	}
	var first rooms.Handle
	json.NewDecoder(rr.Body).Decode(&first)
	if !first.Created || first.RoomID == "" {
		t.Errorf("Expected a new room, got %+v", first)
	}

	// The other participant resolves the same room.
	rr = env.do(t, "POST", "/rooms", bobCookie, OpenRoomRequest{UserID: alice.ID})
	if rr.Code != http.StatusOK {
		t.Fatalf("handler returned wrong status code: got %v want %v", rr.Code, http.StatusOK)
	}
	var second rooms.Handle
	json.NewDecoder(rr.Body).Decode(&second)
	if second.Created || second.RoomID != first.RoomID {
		t.Errorf("Expected existing room %s, got %+v", first.RoomID, second)
	}

	rr = env.do(t, "POST", "/rooms", aliceCookie, OpenRoomRequest{UserID: alice.ID})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a room with yourself, got %d", rr.Code)
	}
}

func TestSendAndGetMessages(t *testing.T) {
	env := newChatEnv(t, memstore.New(zerolog.Nop()))
	_, aliceCookie := register(t, env.auth, "alice")
	bob, bobCookie := register(t, env.auth, "bob")
	_, eveCookie := register(t, env.auth, "eve")

	rr := env.do(t, "POST", "/rooms", aliceCookie, OpenRoomRequest{UserID: bob.ID})
	var room rooms.Handle
	json.NewDecoder(rr.Body).Decode(&room)
	path := "/rooms/" + room.RoomID + "/messages"

	rr = env.do(t, "POST", path, aliceCookie, SendMessageRequest{Text: "  hi bob  "})
	if rr.Code != http.StatusCreated {
		t.Fatalf("Expected status 201, got %d", rr.Code)
	}
	var sent SendMessageResponse
	json.NewDecoder(rr.Body).Decode(&sent)
	if sent.Message.Text != "hi bob" || sent.Warning != "" {
		t.Errorf("Unexpected send response %+v", sent)
	}

	rr = env.do(t, "POST", path, bobCookie, SendMessageRequest{Text: "   "})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for an empty message, got %d", rr.Code)
	}

	rr = env.do(t, "GET", path, bobCookie, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var msgs []models.Message
	json.NewDecoder(rr.Body).Decode(&msgs)
	if len(msgs) != 1 || msgs[0].ID != sent.Message.ID {
		t.Errorf("Expected the sent message, got %+v", msgs)
	}

	rr = env.do(t, "GET", path, eveCookie, nil)
	if rr.Code != http.StatusForbidden {
		t.Errorf("Expected status 403 for a non-participant, got %d", rr.Code)
	}
	rr = env.do(t, "POST", path, eveCookie, SendMessageRequest{Text: "let me in"})
	if rr.Code != http.StatusBadRequest {
		t.Errorf("Expected status 400 for a non-participant send, got %d", rr.Code)
	}
}

func TestOpenRoomWithUnknownUser(t *testing.T) {
	env := newChatEnv(t, memstore.New(zerolog.Nop()))
	_, aliceCookie := register(t, env.auth, "alice")

	rr := env.do(t, "POST", "/rooms", aliceCookie, OpenRoomRequest{UserID: "ghost"})
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("Expected status 400 for an unknown user, got %d", rr.Code)
	}

	rr = env.do(t, "GET", "/chats", aliceCookie, nil)
	var chats []models.ConversationEntry
	json.NewDecoder(rr.Body).Decode(&chats)
	if len(chats) != 0 {
		t.Errorf("Expected no chats, got %+v", chats)
	}
}

func TestSendToUnopenedRoom(t *testing.T) {
	env := newChatEnv(t, memstore.New(zerolog.Nop()))
	alice, aliceCookie := register(t, env.auth, "alice")
	bob, _ := register(t, env.auth, "bob")

	id, err := roomid.Resolve(alice.ID, bob.ID)
	if err != nil {
		t.Fatal(err)
	}
	path := "/rooms/" + id + "/messages"
	rr := env.do(t, "POST", path, aliceCookie, SendMessageRequest{Text: "hello?"})
	if rr.Code != http.StatusNotFound {
		t.Fatalf("Expected status 404, got %d", rr.Code)
	}
	var body map[string]string
	json.NewDecoder(rr.Body).Decode(&body)
	if body["code"] != "ROOM_NOT_FOUND" {
		t.Errorf("Expected ROOM_NOT_FOUND, got %+v", body)
	}

	rr = env.do(t, "GET", path, aliceCookie, nil)
	if rr.Code != http.StatusNotFound {
		t.Errorf("Expected status 404 for an unopened room, got %d", rr.Code)
	}
}

func TestSendPartialFailure(t *testing.T) {
	env := newChatEnv(t, failingTouch{memstore.New(zerolog.Nop())})
	_, aliceCookie := register(t, env.auth, "alice")
	bob, _ := register(t, env.auth, "bob")

	rr := env.do(t, "POST", "/rooms", aliceCookie, OpenRoomRequest{UserID: bob.ID})
	var room rooms.Handle
	json.NewDecoder(rr.Body).Decode(&room)

	rr = env.do(t, "POST", "/rooms/"+room.RoomID+"/messages", aliceCookie, SendMessageRequest{Text: "hello"})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("Expected status 202, got %d", rr.Code)
	}
	var sent SendMessageResponse
	json.NewDecoder(rr.Body).Decode(&sent)
	if sent.Warning != "PARTIAL_SEND_FAILURE" || sent.Message.ID == "" {
		t.Errorf("Expected the stored message with a warning, got %+v", sent)
	}
}

func TestGetChats(t *testing.T) {
	env := newChatEnv(t, memstore.New(zerolog.Nop()))
	alice, aliceCookie := register(t, env.auth, "alice")
	bob, _ := register(t, env.auth, "bob")
	carol, carolCookie := register(t, env.auth, "carol")

	env.do(t, "POST", "/rooms", aliceCookie, OpenRoomRequest{UserID: bob.ID})
	rr := env.do(t, "POST", "/rooms", carolCookie, OpenRoomRequest{UserID: alice.ID})
	var latest rooms.Handle
	json.NewDecoder(rr.Body).Decode(&latest)
	env.do(t, "POST", "/rooms/"+latest.RoomID+"/messages", carolCookie, SendMessageRequest{Text: "hey"})

	rr = env.do(t, "GET", "/chats", aliceCookie, nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("Expected status 200, got %d", rr.Code)
	}
	var chats []models.ConversationEntry
	json.NewDecoder(rr.Body).Decode(&chats)
	if len(chats) != 2 {
		t.Fatalf("Expected 2 chats, got %d", len(chats))
	}
	if chats[0].OtherUserID != carol.ID || chats[1].OtherUserID != bob.ID {
		t.Errorf("Expected most recent first, got %+v", chats)
	}

	rr = env.do(t, "GET", "/chats", carolCookie, nil)
	json.NewDecoder(rr.Body).Decode(&chats)
	if len(chats) != 1 {
		t.Errorf("Expected 1 chat for carol, got %d", len(chats))
	}
}

func TestChatRoutesRequireSession(t *testing.T) {
	env := newChatEnv(t, memstore.New(zerolog.Nop()))

	for _, path := range []string{"/chats", "/rooms/a_b/messages"} {
		rr := env.do(t, "GET", path, nil, nil)
		if rr.Code != http.StatusUnauthorized {
			t.Errorf("%s: expected status 401, got %d", path, rr.Code)
		}
	}
}
