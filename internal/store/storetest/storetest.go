// Package storetest is a conformance suite run against every ChatStore backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/pliu/duochat/internal/models"
	"github.com/pliu/duochat/internal/store"
)

// Wait bounds how long the suite waits for a live update.
var Wait = 5 * time.Second

type Factory func(t *testing.T) store.ChatStore

func Run(t *testing.T, newStore Factory) {
	t.Run("MarkerIsCreateIfAbsent", func(t *testing.T) { testMarker(t, newStore(t)) })
	t.Run("ConcurrentMarkersHaveOneWinner", func(t *testing.T) { testConcurrentMarkers(t, newStore(t)) })
	t.Run("SummaryIsCreateIfAbsent", func(t *testing.T) { testSummary(t, newStore(t)) })
	t.Run("TouchRoomIsMonotonic", func(t *testing.T) { testTouch(t, newStore(t)) })
	t.Run("MessagesOrderedByStoreTime", func(t *testing.T) { testMessageOrder(t, newStore(t)) })
	t.Run("SubscribeMessagesIsLive", func(t *testing.T) { testSubscribeMessages(t, newStore(t)) })
	t.Run("SubscribeRoomsIsDescending", func(t *testing.T) { testSubscribeRooms(t, newStore(t)) })
	t.Run("DisposeStopsDelivery", func(t *testing.T) { testDispose(t, newStore(t)) })
}

func testMarker(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	if err := s.CreateRoomMarker(ctx, "a_b"); err != nil {
		t.Fatalf("First CreateRoomMarker failed: %v", err)
	}
	if err := s.CreateRoomMarker(ctx, "a_b"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists on second marker, got %v", err)
	}
	if err := s.CreateRoomMarker(ctx, "a_c"); err != nil {
		t.Errorf("Expected marker for a different room to succeed, got %v", err)
	}
}

func testConcurrentMarkers(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	const callers = 8

	var wg sync.WaitGroup
	errs := make(chan error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.CreateRoomMarker(ctx, "x_y")
		}()
	}
	wg.Wait()
	close(errs)

	created := 0
	for err := range errs {
		switch {
		case err == nil:
			created++
		case errors.Is(err, store.ErrAlreadyExists):
		default:
			t.Errorf("Unexpected error: %v", err)
		}
	}
	if created != 1 {
		t.Errorf("Expected exactly 1 winner, got %d", created)
	}
}

func testSummary(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	if _, err := s.GetRoom(ctx, "a_b"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected ErrNotFound before creation, got %v", err)
	}

	room, err := s.CreateRoomSummary(ctx, "a_b")
	if err != nil {
		t.Fatalf("CreateRoomSummary failed: %v", err)
	}
	if room.ID != "a_b" || room.LastUpdatedAt.IsZero() {
		t.Errorf("Unexpected summary %+v", room)
	}
	if _, err := s.CreateRoomSummary(ctx, "a_b"); !errors.Is(err, store.ErrAlreadyExists) {
		t.Errorf("Expected ErrAlreadyExists on second summary, got %v", err)
	}

	got, err := s.GetRoom(ctx, "a_b")
	if err != nil {
		t.Fatalf("GetRoom failed: %v", err)
	}
	if !got.LastUpdatedAt.Equal(room.LastUpdatedAt) {
		t.Errorf("Expected LastUpdatedAt %v, got %v", room.LastUpdatedAt, got.LastUpdatedAt)
	}
}

func testTouch(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	if err := s.TouchRoom(ctx, "nobody_here", time.Now()); err != nil {
		t.Errorf("Expected touching an unknown room to be a no-op, got %v", err)
	}
	if _, err := s.GetRoom(ctx, "nobody_here"); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("Expected unknown room to stay absent, got %v", err)
	}

	if _, err := s.CreateRoomSummary(ctx, "a_b"); err != nil {
		t.Fatal(err)
	}
	msg, err := s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "hi"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TouchRoom(ctx, "a_b", msg.CreatedAt); err != nil {
		t.Fatalf("TouchRoom failed: %v", err)
	}
	if err := s.TouchRoom(ctx, "a_b", msg.CreatedAt.Add(-time.Hour)); err != nil {
		t.Fatalf("TouchRoom with older time failed: %v", err)
	}

	room, err := s.GetRoom(ctx, "a_b")
	if err != nil {
		t.Fatal(err)
	}
	if !room.LastUpdatedAt.Equal(msg.CreatedAt) {
		t.Errorf("Expected LastUpdatedAt %v, got %v", msg.CreatedAt, room.LastUpdatedAt)
	}
}

func testMessageOrder(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	var sent []models.Message
	for i, text := range []string{"one", "two", "three"} {
		m, err := s.AddMessage(ctx, models.Message{ID: fmt.Sprintf("m%d", i), RoomID: "a_b", SenderID: "a", Text: text})
		if err != nil {
			t.Fatalf("AddMessage failed: %v", err)
		}
		if m.CreatedAt.IsZero() {
			t.Fatal("Expected CreatedAt to be assigned by the store")
		}
		if len(sent) > 0 && m.CreatedAt.Before(sent[len(sent)-1].CreatedAt) {
			t.Errorf("Expected non-decreasing CreatedAt, got %v after %v", m.CreatedAt, sent[len(sent)-1].CreatedAt)
		}
		sent = append(sent, m)
	}

	rec := newRecorder[models.Message]()
	dispose, err := s.SubscribeMessages(ctx, "a_b", rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	got := rec.waitFor(t, func(ms []models.Message) bool { return len(ms) == 3 })
	for i, m := range got {
		if m.Text != sent[i].Text || m.ID != sent[i].ID {
			t.Errorf("Position %d: expected %q, got %q", i, sent[i].Text, m.Text)
		}
		if m.RoomID != "a_b" || m.SenderID != "a" {
			t.Errorf("Position %d: unexpected message %+v", i, m)
		}
	}
}

func testSubscribeMessages(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	rec := newRecorder[models.Message]()
	dispose, err := s.SubscribeMessages(ctx, "a_b", rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	rec.waitFor(t, func(ms []models.Message) bool { return len(ms) == 0 })

	if _, err := s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "hi"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(ctx, models.Message{ID: "other", RoomID: "a_c", SenderID: "a", Text: "elsewhere"}); err != nil {
		t.Fatal(err)
	}
	if _, err := s.AddMessage(ctx, models.Message{ID: "m2", RoomID: "a_b", SenderID: "b", Text: "hello"}); err != nil {
		t.Fatal(err)
	}

	got := rec.waitFor(t, func(ms []models.Message) bool { return len(ms) == 2 })
	if got[0].Text != "hi" || got[1].Text != "hello" {
		t.Errorf("Expected [hi hello], got [%s %s]", got[0].Text, got[1].Text)
	}
	for _, snap := range rec.all() {
		for _, m := range snap {
			if m.RoomID != "a_b" {
				t.Errorf("Received message from another room: %+v", m)
			}
		}
	}
}

func testSubscribeRooms(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	rec := newRecorder[models.Room]()
	dispose, err := s.SubscribeRooms(ctx, rec.record)
	if err != nil {
		t.Fatal(err)
	}
	defer dispose()

	rec.waitFor(t, func(rs []models.Room) bool { return len(rs) == 0 })

	for _, id := range []string{"a_b", "a_c", "b_c"} {
		if _, err := s.CreateRoomSummary(ctx, id); err != nil {
			t.Fatal(err)
		}
	}
	rec.waitFor(t, func(rs []models.Room) bool { return len(rs) == 3 })

	msg, err := s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "bump"})
	if err != nil {
		t.Fatal(err)
	}
	if err := s.TouchRoom(ctx, "a_b", msg.CreatedAt); err != nil {
		t.Fatal(err)
	}

	got := rec.waitFor(t, func(rs []models.Room) bool { return len(rs) == 3 && rs[0].ID == "a_b" })
	for i := 1; i < len(got); i++ {
		if got[i].LastUpdatedAt.After(got[i-1].LastUpdatedAt) {
			t.Errorf("Expected descending LastUpdatedAt, got %v before %v", got[i-1].LastUpdatedAt, got[i].LastUpdatedAt)
		}
	}
}

func testDispose(t *testing.T, s store.ChatStore) {
	ctx := context.Background()
	rec := newRecorder[models.Message]()
	dispose, err := s.SubscribeMessages(ctx, "a_b", rec.record)
	if err != nil {
		t.Fatal(err)
	}
	rec.waitFor(t, func(ms []models.Message) bool { return len(ms) == 0 })

	dispose()
	dispose()
	before := len(rec.all())

	if _, err := s.AddMessage(ctx, models.Message{ID: "m1", RoomID: "a_b", SenderID: "a", Text: "late"}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	if after := len(rec.all()); after != before {
		t.Errorf("Expected no snapshots after dispose, got %d more", after-before)
	}
}

type recorder[T any] struct {
	mu    sync.Mutex
	snaps [][]T
	ch    chan struct{}
}

func newRecorder[T any]() *recorder[T] {
	return &recorder[T]{ch: make(chan struct{}, 1)}
}

func (r *recorder[T]) record(snap []T) {
	r.mu.Lock()
	r.snaps = append(r.snaps, snap)
	r.mu.Unlock()
	select {
	case r.ch <- struct{}{}:
	default:
	}
}

func (r *recorder[T]) all() [][]T {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([][]T{}, r.snaps...)
}

// waitFor blocks until the latest snapshot satisfies ok.
func (r *recorder[T]) waitFor(t *testing.T, ok func([]T) bool) []T {
	t.Helper()
	deadline := time.After(Wait)
	for {
		r.mu.Lock()
		var last []T
		have := len(r.snaps) > 0
		if have {
			last = r.snaps[len(r.snaps)-1]
		}
		r.mu.Unlock()
		if have && ok(last) {
			return last
		}
		select {
		case <-r.ch:
		case <-deadline:
			t.Fatalf("Timed out waiting for snapshot; last was %+v", last)
			return nil
		}
	}
}
