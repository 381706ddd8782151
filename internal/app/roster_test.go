package app

import (
	"testing"

	"github.com/dkeye/circlechat/internal/domain"
)

func ids(ps []domain.Participant) []domain.UserID {
	out := make([]domain.UserID, len(ps))
	for i, p := range ps {
		out[i] = p.ID
	}
	return out
}

func TestRosterKeepsArrivalOrderWithSelfFirst(t *testing.T) {
	r := NewRoster("me")
	r.Upsert("b")
	r.Upsert("me")
	r.Upsert("a")

	if got := ids(r.Others()); len(got) != 2 || got[0] != "b" || got[1] != "a" {
		t.Fatalf("Others() = %v, want [b a]", got)
	}
	if got := ids(r.All()); len(got) != 3 || got[0] != "me" || got[1] != "b" {
		t.Fatalf("All() = %v, want [me b a]", got)
	}
}

func TestRosterUpsertIsIdempotent(t *testing.T) {
	r := NewRoster("me")
	if !r.Upsert("a") {
		t.Fatal("first Upsert returned false")
	}
	r.SetName("a", "Alice")
	if r.Upsert("a") {
		t.Fatal("second Upsert returned true")
	}
	p, _ := r.Get("a")
	if p.DisplayName != "Alice" {
		t.Errorf("DisplayName = %q, want preserved", p.DisplayName)
	}
}

func TestRosterSetMutedCreatesRecord(t *testing.T) {
	r := NewRoster("me")
	r.SetMuted("x", true)
	p, ok := r.Get("x")
	if !ok || !p.Muted {
		t.Fatalf("Get(x) = %+v, %v", p, ok)
	}
	r.SetMuted("x", false)
	if p, _ := r.Get("x"); p.Muted {
		t.Error("Muted not cleared")
	}
}

func TestRosterRemoveAndClear(t *testing.T) {
	r := NewRoster("me")
	r.Upsert("a")
	r.Upsert("b")
	if !r.Remove("a") || r.Remove("a") {
		t.Fatal("Remove should succeed once")
	}
	if got := ids(r.Others()); len(got) != 1 || got[0] != "b" {
		t.Fatalf("Others() = %v", got)
	}
	r.Clear()
	if len(r.All()) != 0 {
		t.Fatal("roster not empty after Clear")
	}
	r.SetName("ghost", "G")
	if _, ok := r.Get("ghost"); ok {
		t.Error("SetName created a record")
	}
}
