package session

import (
	"testing"
	"time"
)

func TestNewStore_EmptyHistory(t *testing.T) {
	s := NewStore(time.Minute, 10)
	defer s.Close()
	if history := s.History("new-session"); history != nil {
		t.Errorf("expected nil for unknown session, got %v", history)
	}
}

func TestAppendTurn_Basic(t *testing.T) {
	s := NewStore(time.Minute, 10)
	defer s.Close()
	id := "test-basic"

	// AppendTurn auto-creates the session on first write
	s.AppendTurn(id, Turn{User: "hello", Assistant: "hi"})

	history := s.History(id)
	if len(history) != 1 {
		t.Fatalf("expected 1 turn, got %d", len(history))
	}
	if history[0].User != "hello" || history[0].Assistant != "hi" {
		t.Errorf("unexpected turn: %+v", history[0])
	}
}

func TestAppendTurn_MaxTurns(t *testing.T) {
	const max = 3
	s := NewStore(time.Minute, max)
	defer s.Close()
	id := "test-max"

	// Append max+2 turns; only the last max should remain
	for i := 0; i < max+2; i++ {
		s.AppendTurn(id, Turn{
			User:      string(rune('A' + i)),
			Assistant: string(rune('a' + i)),
		})
	}

	history := s.History(id)
	if len(history) != max {
		t.Fatalf("expected %d turns after trim, got %d", max, len(history))
	}
	// The oldest 2 turns (A,B) should have been evicted; remaining: C,D,E
	if history[0].User != "C" {
		t.Errorf("expected first retained turn to be 'C', got %q", history[0].User)
	}
}

func TestDelete_Session(t *testing.T) {
	s := NewStore(time.Minute, 10)
	defer s.Close()
	id := "to-delete"
	s.AppendTurn(id, Turn{User: "q", Assistant: "a"})

	s.Delete(id)

	if got := s.History(id); got != nil {
		t.Errorf("expected nil after delete, got %v", got)
	}
}

func TestCleanup_TTLEviction(t *testing.T) {
	// Use a very short TTL so eviction triggers quickly
	ttl := 50 * time.Millisecond
	s := NewStore(ttl, 10)
	defer s.Close()
	id := "evict-me"
	s.AppendTurn(id, Turn{User: "old", Assistant: "old"})

	// Wait for TTL + cleanup interval to pass
	time.Sleep(ttl * 3)

	if got := s.History(id); got != nil {
		t.Errorf("expected nil after TTL eviction, got %v", got)
	}
}

func TestCount(t *testing.T) {
	s := NewStore(time.Minute, 10)
	defer s.Close()
	s.AppendTurn("a", Turn{User: "x", Assistant: "y"})
	s.AppendTurn("b", Turn{User: "x", Assistant: "y"})
	if got := s.Count(); got != 2 {
		t.Errorf("Count = %d, want 2", got)
	}
}

func TestClose_Idempotent(t *testing.T) {
	s := NewStore(time.Minute, 10)
	// Multiple Close() calls must not panic
	s.Close()
	s.Close()
	s.Close()
}
