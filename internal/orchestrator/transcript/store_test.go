package transcript

import (
	"testing"
	"time"
)

func TestStoreAdd(t *testing.T) {
	s := NewStore(30)
	fixed := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	s.now = func() time.Time { return fixed }

	q := s.Add(Question, "신호위반 벌금이 얼마예요")
	a := s.Add(Answer, "6만원입니다.")

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0] != q || entries[1] != a {
		t.Errorf("entries = %+v, want [%+v %+v]", entries, q, a)
	}
	if q.ID == "" || q.ID == a.ID {
		t.Errorf("ids must be unique and non-empty: %q %q", q.ID, a.ID)
	}
	if !q.Timestamp.Equal(fixed) {
		t.Errorf("timestamp = %v, want %v", q.Timestamp, fixed)
	}
}

func TestStoreMaxSize(t *testing.T) {
	s := NewStore(5)
	for i := 0; i < 10; i++ {
		s.Add(Question, "msg")
	}
	if s.Len() != 5 {
		t.Errorf("expected 5 entries, got %d", s.Len())
	}
}

func TestStoreClear(t *testing.T) {
	s := NewStore(5)
	s.Add(Question, "a")
	s.Add(Answer, "b")
	s.Clear()

	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d", s.Len())
	}
	s.Add(Question, "c")
	if got := s.Entries(); len(got) != 1 || got[0].Content != "c" {
		t.Errorf("entries after clear = %+v", got)
	}
}

func TestEntriesIsCopy(t *testing.T) {
	s := NewStore(5)
	s.Add(Question, "original")

	entries := s.Entries()
	entries[0].Content = "mutated"

	if s.Entries()[0].Content != "original" {
		t.Error("Entries must return a copy")
	}
}
