package ws

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/pliu/duochat/internal/auth"
	"github.com/pliu/duochat/internal/conversations"
	"github.com/pliu/duochat/internal/identity"
	"github.com/pliu/duochat/internal/messages"
	"github.com/pliu/duochat/internal/rooms"
	"github.com/pliu/duochat/internal/session"
	"github.com/pliu/duochat/internal/store/memstore"
)

type testEnv struct {
	srv      *httptest.Server
	hub      *Hub
	accounts *identity.Accounts
	issuer   *auth.Issuer
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	st := memstore.New(log)
	accounts := identity.NewAccounts(st)
	accounts.Cost = bcrypt.MinCost
	issuer := auth.NewIssuer("secret", time.Hour)
	deps := Deps{
		Accounts: accounts,
		Issuer:   issuer,
		Services: session.Services{
			Rooms:         rooms.NewManager(st, log),
			Messages:      messages.NewService(st, log),
			Conversations: conversations.NewService(st, log),
		},
		Log: log,
	}

	hub := NewHub(log)
	go hub.Run()
	t.Cleanup(hub.Shutdown)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, deps, w, r)
	}))
	t.Cleanup(srv.Close)

	return &testEnv{srv: srv, hub: hub, accounts: accounts, issuer: issuer}
}

func (e *testEnv) register(t *testing.T, name string) (string, string) {
	t.Helper()
	user, err := e.accounts.Register(context.Background(), name, name+"@example.com", "password123")
	if err != nil {
		t.Fatal(err)
	}
	token, err := e.issuer.Issue(user.ID)
	if err != nil {
		t.Fatal(err)
	}
	return user.ID, token
}

func (e *testEnv) dial(t *testing.T, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http")
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial failed: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// readUntil reads events until one satisfies match.
func readUntil(t *testing.T, conn *websocket.Conn, match func(Event) bool) Event {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		var ev Event
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("Read failed while waiting for event: %v", err)
		}
		if match(ev) {
			return ev
		}
	}
}

func ofType(typ string) func(Event) bool {
	return func(ev Event) bool { return ev.Type == typ }
}

func TestFirstContactFlow(t *testing.T) {
	env := newTestEnv(t)
	aliceID, aliceToken := env.register(t, "alice")
	bobID, bobToken := env.register(t, "bob")

	alice := env.dial(t, aliceToken)
	if ev := readUntil(t, alice, ofType("auth")); ev.UserID != aliceID {
		t.Fatalf("Expected alice to be signed in, got %+v", ev)
	}
	bob := env.dial(t, bobToken)
	readUntil(t, bob, ofType("auth"))

	alice.WriteJSON(Command{Type: "open_room", UserID: bobID})
	room := readUntil(t, alice, ofType("room"))
	if room.Room == nil || !room.Room.Created {
		t.Fatalf("Expected a newly created room, got %+v", room)
	}

	if ev := readUntil(t, bob, ofType("new_chat")); ev.RoomID != room.RoomID || ev.UserID != aliceID {
		t.Errorf("Unexpected new_chat event %+v", ev)
	}

	alice.WriteJSON(Command{Type: "send", RoomID: room.RoomID, Text: "hello bob"})
	ev := readUntil(t, alice, func(ev Event) bool { return ev.Type == "messages" && len(ev.Messages) == 1 })
	if ev.Messages[0].Text != "hello bob" || ev.Messages[0].SenderID != aliceID {
		t.Errorf("Unexpected messages %+v", ev.Messages)
	}

	bob.WriteJSON(Command{Type: "watch_chats"})
	chats := readUntil(t, bob, func(ev Event) bool { return ev.Type == "chats" && len(ev.Chats) == 1 })
	if chats.Chats[0].OtherUserID != aliceID || chats.Chats[0].RoomID != room.RoomID {
		t.Errorf("Unexpected conversation %+v", chats.Chats[0])
	}
}

func TestSignedOutConnection(t *testing.T) {
	env := newTestEnv(t)
	aliceID, _ := env.register(t, "alice")

	conn := env.dial(t, "")
	if ev := readUntil(t, conn, ofType("auth")); ev.UserID != "" {
		t.Fatalf("Expected signed out connection, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "watch_chats"})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "UNAUTHENTICATED" {
		t.Errorf("Expected UNAUTHENTICATED, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "sign_in", Email: "alice@example.com", Password: "wrong"})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "INVALID_CREDENTIALS" {
		t.Errorf("Expected INVALID_CREDENTIALS, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "sign_in", Email: "alice@example.com", Password: "password123"})
	if ev := readUntil(t, conn, ofType("auth")); ev.UserID != aliceID {
		t.Errorf("Expected alice after sign in, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "sign_out"})
	if ev := readUntil(t, conn, ofType("auth")); ev.UserID != "" {
		t.Errorf("Expected signed out, got %+v", ev)
	}
}

func TestExpiredSessionSignsOut(t *testing.T) {
	env := newTestEnv(t)
	base := time.Unix(1_700_000_000, 0)
	var now atomic.Int64
	now.Store(base.UnixNano())
	env.issuer.SetClock(func() time.Time { return time.Unix(0, now.Load()) })

	aliceID, token := env.register(t, "alice")
	bobID, _ := env.register(t, "bob")
	now.Store(base.Add(time.Hour - 500*time.Millisecond).UnixNano())

	conn := env.dial(t, token)
	if ev := readUntil(t, conn, ofType("auth")); ev.UserID != aliceID {
		t.Fatalf("Expected alice to be signed in, got %+v", ev)
	}
	conn.WriteJSON(Command{Type: "open_room", UserID: bobID})
	room := readUntil(t, conn, ofType("room"))

	if ev := readUntil(t, conn, ofType("auth")); ev.UserID != "" {
		t.Fatalf("Expected sign out when the token expires, got %+v", ev)
	}
	conn.WriteJSON(Command{Type: "send", RoomID: room.RoomID, Text: "still there?"})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "UNAUTHENTICATED" {
		t.Errorf("Expected UNAUTHENTICATED, got %+v", ev)
	}
}

func TestSendValidationErrors(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")
	bobID, _ := env.register(t, "bob")

	conn := env.dial(t, token)
	readUntil(t, conn, ofType("auth"))

	conn.WriteJSON(Command{Type: "open_room", UserID: bobID})
	room := readUntil(t, conn, ofType("room"))

	conn.WriteJSON(Command{Type: "send", RoomID: room.RoomID, Text: "   "})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "EMPTY_MESSAGE" {
		t.Errorf("Expected EMPTY_MESSAGE, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "watch_room", RoomID: "x_y"})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "INVALID_PARTICIPANTS" {
		t.Errorf("Expected INVALID_PARTICIPANTS, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "open_room", UserID: "ghost"})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "INVALID_PARTICIPANTS" {
		t.Errorf("Expected INVALID_PARTICIPANTS for an unknown user, got %+v", ev)
	}

	conn.WriteJSON(Command{Type: "bogus"})
	if ev := readUntil(t, conn, ofType("error")); ev.Code != "UNKNOWN_COMMAND" {
		t.Errorf("Expected UNKNOWN_COMMAND, got %+v", ev)
	}
}

func TestShutdownClosesConnections(t *testing.T) {
	env := newTestEnv(t)
	_, token := env.register(t, "alice")

	conn := env.dial(t, token)
	readUntil(t, conn, ofType("auth"))

	env.hub.Shutdown()
	env.hub.SendNotification("anyone", Event{Type: "new_chat"})

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				t.Errorf("Expected the server to close the connection, got %v", err)
			}
			return
		}
	}
}
