package memstore

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/storetest"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ChatStore {
		return New(zerolog.Nop())
	})
}

func TestUsers(t *testing.T) {
	ctx := context.Background()
	s := New(zerolog.Nop())

	if err := s.CreateUser(ctx, &models.User{ID: "u1", Name: "Alice", Email: "alice@example.com", Password: "hash"}); err != nil {
		t.Fatal(err)
	}
	if err := s.CreateUser(ctx, &models.User{ID: "u2", Name: "Dup", Email: "ALICE@example.com"}); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("Expected duplicate email to fail, got %v", err)
	}
	s.CreateUser(ctx, &models.User{ID: "u3", Name: "Alex", Email: "alex@example.com"})

	users, err := s.SearchUsers(ctx, "ALE", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if len(users) != 1 || users[0].ID != "u3" {
		t.Errorf("Expected only alex, got %+v", users)
	}

	if err := s.UpdateUserName(ctx, "u1", "Alice B"); err != nil {
		t.Fatal(err)
	}
	u, _ := s.GetUserByID(ctx, "u1")
	if u.Name != "Alice B" {
		t.Errorf("Expected name 'Alice B', got '%s'", u.Name)
	}
	if err := s.UpdateUserName(ctx, "missing", "x"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound, got %v", err)
	}
}
