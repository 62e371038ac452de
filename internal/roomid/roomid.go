// Package roomid derives the canonical identifier of a two-party room.
package roomid

import (
	"fmt"
	"strings"

	"github.com/pliu/duochat/internal/chat"
)

// Separator joins the two participant ids. User ids must not contain it.
const Separator = "_"

// Resolve returns the canonical room id for a pair of users. The result does
// not depend on argument order.
func Resolve(a, b string) (string, error) {
	if err := validate(a); err != nil {
		return "", err
	}
	if err := validate(b); err != nil {
		return "", err
	}
	if a == b {
		return "", fmt.Errorf("%w: a user cannot open a room with themself", chat.ErrInvalidParticipants)
	}
	if b < a {
		a, b = b, a
	}
	return a + Separator + b, nil
}

// Split returns the two participants encoded in a room id, smaller first.
func Split(roomID string) (string, string, error) {
	a, b, ok := strings.Cut(roomID, Separator)
	if !ok || a == "" || b == "" || strings.Contains(b, Separator) || a >= b {
		return "", "", fmt.Errorf("%w: malformed room id %q", chat.ErrInvalidParticipants, roomID)
	}
	return a, b, nil
}

// Other returns the participant of roomID that is not userID.
func Other(roomID, userID string) (string, error) {
	a, b, err := Split(roomID)
	if err != nil {
		return "", err
	}
	switch userID {
	case a:
		return b, nil
	case b:
		return a, nil
	}
	return "", fmt.Errorf("%w: %q is not a participant of %q", chat.ErrInvalidParticipants, userID, roomID)
}

// HasParticipant reports whether userID is one of the two halves of roomID.
// Matching is exact; a user id that merely occurs inside another id does not count.
func HasParticipant(roomID, userID string) bool {
	_, err := Other(roomID, userID)
	return err == nil
}

func validate(id string) error {
	if id == "" {
		return fmt.Errorf("%w: empty user id", chat.ErrInvalidParticipants)
	}
	if strings.Contains(id, Separator) {
		return fmt.Errorf("%w: user id %q contains %q", chat.ErrInvalidParticipants, id, Separator)
	}
	return nil
}
