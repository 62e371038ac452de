// Package chat holds the error taxonomy shared by the room, message and
// conversation services. Callers match with errors.Is; backend errors are
// flattened into the message text and never wrapped directly.
package chat

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidParticipants = errors.New("chat: invalid participants")
	ErrStoreUnavailable    = errors.New("chat: store unavailable")
	ErrEmptyMessage        = errors.New("chat: empty message")
	ErrPartialSendFailure  = errors.New("chat: message sent but room recency not updated")
	ErrUnauthenticated     = errors.New("chat: not signed in")
	ErrRoomNotFound        = errors.New("chat: room not found")
)

// Unavailable converts a raw backend error into ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrStoreUnavailable, op, err)
}

// Code maps an error to a stable identifier for the wire.
func Code(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidParticipants):
		return "INVALID_PARTICIPANTS"
	case errors.Is(err, ErrEmptyMessage):
		return "EMPTY_MESSAGE"
	case errors.Is(err, ErrPartialSendFailure):
		return "PARTIAL_SEND_FAILURE"
	case errors.Is(err, ErrStoreUnavailable):
		return "STORE_UNAVAILABLE"
	case errors.Is(err, ErrUnauthenticated):
		return "UNAUTHENTICATED"
	case errors.Is(err, ErrRoomNotFound):
		return "ROOM_NOT_FOUND"
	default:
		return "INTERNAL"
	}
}
