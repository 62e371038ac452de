package roomid

import (
	"errors"
	"testing"

	"github.com/pliu/duochat/internal/chat"
)

func TestResolveIsOrderIndependent(t *testing.T) {
	pairs := [][2]string{
		{"u1", "u2"},
		{"b", "a"},
		{"9f1c-aa", "0d2e-bb"},
		{"alice", "alicea"},
	}
	for _, p := range pairs {
		ab, err := Resolve(p[0], p[1])
		if err != nil {
			t.Fatalf("Resolve(%q, %q) failed: %v", p[0], p[1], err)
		}
		ba, err := Resolve(p[1], p[0])
		if err != nil {
			t.Fatalf("Resolve(%q, %q) failed: %v", p[1], p[0], err)
		}
		if ab != ba {
			t.Errorf("Expected %q == %q", ab, ba)
		}
	}
}

func TestResolveScenario(t *testing.T) {
	id, err := Resolve("u2", "u1")
	if err != nil {
		t.Fatal(err)
	}
	if id != "u1_u2" {
		t.Errorf("Expected room id 'u1_u2', got '%s'", id)
	}
}

func TestResolveDistinctPairs(t *testing.T) {
	ab, _ := Resolve("a", "b")
	ac, _ := Resolve("a", "c")
	if ab == ac {
		t.Errorf("Expected distinct room ids, both were %q", ab)
	}
}

func TestResolveInvalid(t *testing.T) {
	tests := []struct {
		name string
		a, b string
	}{
		{"Same user", "u1", "u1"},
		{"Empty first", "", "u1"},
		{"Empty second", "u1", ""},
		{"Separator in id", "u_1", "u2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Resolve(tt.a, tt.b)
			if !errors.Is(err, chat.ErrInvalidParticipants) {
				t.Errorf("Expected ErrInvalidParticipants, got %v", err)
			}
		})
	}
}

func TestSplitRoundTrip(t *testing.T) {
	id, _ := Resolve("zed", "amy")
	a, b, err := Split(id)
	if err != nil {
		t.Fatal(err)
	}
	if a != "amy" || b != "zed" {
		t.Errorf("Expected (amy, zed), got (%s, %s)", a, b)
	}

	for _, bad := range []string{"", "u1", "_u1", "u1_", "u2_u1", "a_b_c", "u1_u1"} {
		if _, _, err := Split(bad); !errors.Is(err, chat.ErrInvalidParticipants) {
			t.Errorf("Split(%q): expected ErrInvalidParticipants, got %v", bad, err)
		}
	}
}

func TestHasParticipantIsExact(t *testing.T) {
	id, _ := Resolve("u11", "u2")
	if HasParticipant(id, "u1") {
		t.Error("Expected u1 not to match room of u11 and u2")
	}
	if !HasParticipant(id, "u11") || !HasParticipant(id, "u2") {
		t.Error("Expected both participants to match")
	}

	other, err := Other(id, "u2")
	if err != nil || other != "u11" {
		t.Errorf("Expected other participant u11, got %q (%v)", other, err)
	}
}
