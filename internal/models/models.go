package models

import "time"

type User struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Email    string `json:"email"`
	Password string `json:"-"`
	Avatar   string `json:"avatar,omitempty"`
}

// Room is the summary record of a two-party conversation. It is keyed by the
// canonical room id and only carries recency; participants are encoded in the id.
type Room struct {
	ID            string    `json:"id"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}

// Message is immutable once written. CreatedAt is assigned by the store and is
// zero until the write has been acknowledged.
type Message struct {
	ID        string    `json:"id"`
	RoomID    string    `json:"room_id"`
	SenderID  string    `json:"sender_id"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationEntry is a read-only projection of a Room for one participant.
type ConversationEntry struct {
	RoomID        string    `json:"room_id"`
	OtherUserID   string    `json:"other_user_id"`
	LastUpdatedAt time.Time `json:"last_updated_at"`
}
