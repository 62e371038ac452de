package ws

import (
	"encoding/json"

	"github.com/rs/zerolog"
)

type notification struct {
	userID  string
	payload []byte
}

// Hub tracks live connections so that events can be pushed to a user who
// has no subscription covering them, such as a room someone else just opened.
type Hub struct {
	// Registered clients.
	clients map[*Client]bool

	// Register requests from the clients.
	register chan *Client

	// Unregister requests from clients.
	unregister chan *Client

	// Events addressed to every connection of one user.
	notify chan notification

	done chan struct{}
	log  zerolog.Logger
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		register:   make(chan *Client),
		unregister: make(chan *Client),
		notify:     make(chan notification, 64),
		clients:    make(map[*Client]bool),
		done:       make(chan struct{}),
		log:        log.With().Str("component", "hub").Logger(),
	}
}

func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			for client := range h.clients {
				client.closeSend()
				delete(h.clients, client)
			}
			return
		case client := <-h.register:
			h.clients[client] = true
		case client := <-h.unregister:
			if _, ok := h.clients[client]; ok {
				delete(h.clients, client)
				client.closeSend()
			}
		case n := <-h.notify:
			for client := range h.clients {
				if client.UserID() != n.userID {
					continue
				}
				if !client.enqueue(n.payload) {
					delete(h.clients, client)
				}
			}
		}
	}
}

// SendNotification delivers message to every connection signed in as userID.
func (h *Hub) SendNotification(userID string, message interface{}) {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		h.log.Error().Err(err).Msg("marshal notification")
		return
	}
	select {
	case h.notify <- notification{userID: userID, payload: msgBytes}:
	case <-h.done:
	}
}

// Shutdown stops Run and closes every registered connection.
func (h *Hub) Shutdown() {
	select {
	case <-h.done:
	default:
		close(h.done)
	}
}

func (h *Hub) add(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) remove(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
