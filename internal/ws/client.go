package ws

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/auth"
	"github.com/pliu/duochat/internal/chat"
	"github.com/pliu/duochat/internal/identity"
	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/rooms"
	"github.com/pliu/duochat/internal/session"
	"github.com/pliu/duochat/internal/store"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 8192
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Command is a request from the browser.
type Command struct {
	Type     string `json:"type"`
	RoomID   string `json:"room_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Text     string `json:"text,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

// Event is pushed to the browser.
type Event struct {
	Type     string                     `json:"type"`
	UserID   string                     `json:"user_id,omitempty"`
	RoomID   string                     `json:"room_id,omitempty"`
	Room     *rooms.Handle              `json:"room,omitempty"`
	Messages []models.Message           `json:"messages,omitempty"`
	Chats    []models.ConversationEntry `json:"chats,omitempty"`
	Message  *models.Message            `json:"message,omitempty"`
	Code     string                     `json:"code,omitempty"`
	Error    string                     `json:"error,omitempty"`
	Warning  string                     `json:"warning,omitempty"`
}

// Deps are the collaborators every connection needs.
type Deps struct {
	Accounts *identity.Accounts
	Issuer   *auth.Issuer
	Services session.Services
	Log      zerolog.Logger
}

// Client is one websocket connection with its own auth state.
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	accounts *identity.Accounts
	provider *identity.PasswordProvider
	sessions *session.Manager
	log      zerolog.Logger

	sendMu sync.Mutex
	send   chan []byte
	closed bool

	mu      sync.Mutex
	userID  string
	watched map[string]store.Disposer
	chats   store.Disposer
}

// ServeWs upgrades the request and serves the connection until it closes. A
// session token on the request signs the connection in right away.
func ServeWs(hub *Hub, deps Deps, w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		deps.Log.Warn().Err(err).Msg("websocket upgrade")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	c := &Client{
		hub:      hub,
		conn:     conn,
		accounts: deps.Accounts,
		provider: identity.NewPasswordProvider(deps.Accounts, deps.Issuer),
		log:      deps.Log.With().Str("component", "ws").Logger(),
		send:     make(chan []byte, sendBuffer),
		watched:  make(map[string]store.Disposer),
	}
	if token := auth.TokenFromRequest(r); token != "" {
		if _, err := c.provider.Resume(ctx, token); err != nil {
			c.log.Debug().Err(err).Msg("ignoring invalid session token")
		}
	}
	adapter := identity.NewAdapter(c.provider, c.log)
	c.sessions = session.NewManager(ctx, adapter, deps.Services, c.log, c.onSession)

	if !hub.add(c) {
		c.provider.Close()
		c.sessions.Close()
		conn.Close()
		return
	}
	go c.writePump()
	c.readPump(ctx)

	c.provider.Close()
	c.sessions.Close()
	hub.remove(c)
}

func (c *Client) UserID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.userID
}

// onSession runs after the previous session, and with it every subscription
// of this connection, has been closed.
func (c *Client) onSession(s *session.Session) {
	userID := ""
	if s != nil {
		userID = s.UserID()
	}
	c.mu.Lock()
	c.userID = userID
	c.watched = make(map[string]store.Disposer)
	c.chats = nil
	c.mu.Unlock()

	c.emit(Event{Type: "auth", UserID: userID})
}

func (c *Client) readPump(ctx context.Context) {
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		var cmd Command
		if err := c.conn.ReadJSON(&cmd); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Debug().Err(err).Msg("websocket read")
			}
			return
		}
		c.handle(ctx, cmd)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Client) handle(ctx context.Context, cmd Command) {
	var err error
	switch cmd.Type {
	case "sign_in":
		_, err = c.provider.SignIn(ctx, identity.Credentials{Email: cmd.Email, Password: cmd.Password})
	case "sign_out":
		err = c.provider.SignOut(ctx)
	case "open_room":
		err = c.openRoom(ctx, cmd.UserID)
	case "watch_room":
		err = c.watchRoom(ctx, cmd.RoomID)
	case "unwatch_room":
		c.unwatchRoom(cmd.RoomID)
	case "send":
		err = c.sendMessage(ctx, cmd.RoomID, cmd.Text)
	case "watch_chats":
		err = c.watchChats(ctx)
	default:
		c.emit(Event{Type: "error", Code: "UNKNOWN_COMMAND", Error: "unknown command " + cmd.Type})
		return
	}
	if err != nil {
		c.emitError(err)
	}
}

func (c *Client) openRoom(ctx context.Context, otherUserID string) error {
	s, err := c.sessions.Current()
	if err != nil {
		return err
	}
	if _, err := c.accounts.Contact(ctx, otherUserID); err != nil {
		return err
	}
	h, err := s.OpenRoom(ctx, otherUserID)
	if err != nil {
		return err
	}
	c.emit(Event{Type: "room", RoomID: h.RoomID, Room: &h})
	if h.Created {
		c.hub.SendNotification(otherUserID, Event{Type: "new_chat", RoomID: h.RoomID, UserID: s.UserID()})
	}
	return c.watchRoom(ctx, h.RoomID)
}

func (c *Client) watchRoom(ctx context.Context, roomID string) error {
	s, err := c.sessions.Current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	_, already := c.watched[roomID]
	c.mu.Unlock()
	if already {
		return nil
	}

	dispose, err := s.WatchRoom(ctx, roomID, func(ms []models.Message) {
		c.emit(Event{Type: "messages", RoomID: roomID, Messages: ms})
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.watched[roomID] = dispose
	c.mu.Unlock()
	return nil
}

func (c *Client) unwatchRoom(roomID string) {
	c.mu.Lock()
	dispose := c.watched[roomID]
	delete(c.watched, roomID)
	c.mu.Unlock()
	if dispose != nil {
		dispose()
	}
}

func (c *Client) watchChats(ctx context.Context) error {
	s, err := c.sessions.Current()
	if err != nil {
		return err
	}
	c.mu.Lock()
	already := c.chats != nil
	c.mu.Unlock()
	if already {
		return nil
	}

	dispose, err := s.WatchConversations(ctx, func(es []models.ConversationEntry) {
		c.emit(Event{Type: "chats", Chats: es})
	})
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.chats = dispose
	c.mu.Unlock()
	return nil
}

func (c *Client) sendMessage(ctx context.Context, roomID, text string) error {
	s, err := c.sessions.Current()
	if err != nil {
		return err
	}
	msg, err := s.Send(ctx, roomID, text)
	if errors.Is(err, chat.ErrPartialSendFailure) {
		c.emit(Event{Type: "sent", RoomID: roomID, Message: &msg, Warning: chat.Code(err)})
		return nil
	}
	if err != nil {
		return err
	}
	c.emit(Event{Type: "sent", RoomID: roomID, Message: &msg})
	return nil
}

func (c *Client) emitError(err error) {
	code := chat.Code(err)
	if errors.Is(err, identity.ErrInvalidCredentials) {
		code = "INVALID_CREDENTIALS"
	}
	c.emit(Event{Type: "error", Code: code, Error: err.Error()})
}

func (c *Client) emit(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		c.log.Error().Err(err).Str("event", ev.Type).Msg("marshal event")
		return
	}
	c.enqueue(b)
}

// enqueue queues b for the write pump. A client that cannot keep up is
// disconnected.
func (c *Client) enqueue(b []byte) bool {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- b:
		return true
	default:
		c.log.Warn().Msg("send buffer full, closing connection")
		c.closed = true
		close(c.send)
		return false
	}
}

func (c *Client) closeSend() {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}
