package redisstore

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
	"github.com/pliu/duochat/internal/store/storetest"
)

func newTestStore(t *testing.T, m *miniredis.Miniredis) *Store {
	t.Helper()
	s, err := New(context.Background(), "redis://"+m.Addr(), zerolog.Nop())
	if err != nil {
		t.Fatalf("Failed to connect to miniredis: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.ChatStore {
		return newTestStore(t, miniredis.RunT(t))
	})
}

func TestWritesReachSubscribersOfAnotherStore(t *testing.T) {
	m := miniredis.RunT(t)
	writer := newTestStore(t, m)
	reader := newTestStore(t, m)
	ctx := context.Background()

	got := make(chan []models.Message, 10)
	dispose, err := reader.SubscribeMessages(ctx, "a_b", func(ms []models.Message) { got <- ms })
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()
	<-got

	if _, err := writer.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "hi"}); err != nil {
		t.Fatal(err)
	}

	deadline := time.After(5 * time.Second)
	for {
		select {
		case ms := <-got:
			if len(ms) == 1 && ms[0].Text == "hi" {
				return
			}
		case <-deadline:
			t.Fatal("Timed out waiting for the other store's write")
		}
	}
}

func TestServerClockIsStrictlyIncreasing(t *testing.T) {
	m := miniredis.RunT(t)
	s := newTestStore(t, m)
	ctx := context.Background()

	// A frozen server clock must still yield distinct timestamps.
	m.SetTime(time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC))

	var last time.Time
	for i := 0; i < 5; i++ {
		msg, err := s.AddMessage(ctx, models.Message{ID: "m", RoomID: "a_b", SenderID: "a", Text: "x"})
		if err != nil {
			t.Fatal(err)
		}
		if !msg.CreatedAt.After(last) {
			t.Errorf("Expected %v to be after %v", msg.CreatedAt, last)
		}
		last = msg.CreatedAt
	}
}

func TestUnreachableServer(t *testing.T) {
	m := miniredis.RunT(t)
	addr := m.Addr()
	m.Close()

	_, err := New(context.Background(), "redis://"+addr, zerolog.Nop())
	if err == nil {
		t.Fatal("Expected error connecting to a closed server")
	}
}
