package sqlstore

import (
	"context"
	"testing"

	"github.com/pliu/duochat/internal/models"
)

func TestGetRoomMessages(t *testing.T) {
	s := SetupTestDB(t)
	ctx := context.Background()

	s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "Hello"})
	s.AddMessage(ctx, models.Message{ID: "m2", RoomID: "a_b", SenderID: "b", Text: "Hi"})

	messages, err := s.GetRoomMessages(ctx, "a_b")
	if err != nil {
		t.Fatalf("Failed to get messages: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("Expected 2 messages, got %d", len(messages))
	}
	if messages[0].Text != "Hello" || messages[1].Text != "Hi" {
		t.Errorf("Expected [Hello Hi], got [%s %s]", messages[0].Text, messages[1].Text)
	}

	empty, err := s.GetRoomMessages(ctx, "c_d")
	if err != nil {
		t.Fatal(err)
	}
	if empty == nil || len(empty) != 0 {
		t.Errorf("Expected empty non-nil slice, got %#v", empty)
	}
}

func TestDuplicateMessageIDFails(t *testing.T) {
	s := SetupTestDB(t)
	ctx := context.Background()

	if _, err := s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "Hello"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "Again"}); err == nil {
		t.Error("Expected error when reusing a message id, got nil")
	}
}
