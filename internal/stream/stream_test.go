package stream

import "testing"

func TestAppendMonotonic(t *testing.T) {
	s := New()
	id1, err := s.Append("1-1", 1000, []Field{{Name: "temp", Value: "36"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != (ID{Ms: 1, Seq: 1}) {
		t.Fatalf("got %v", id1)
	}

	id2, err := s.Append("1-2", 1000, []Field{{Name: "temp", Value: "37"}})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !id1.Less(id2) {
		t.Fatalf("expected %v < %v", id1, id2)
	}
}

func TestAppendRejectsZeroID(t *testing.T) {
	s := New()
	_, err := s.Append("0-0", 1000, nil)
	if err != ErrInvalidID {
		t.Fatalf("expected ErrInvalidID, got %v", err)
	}
}

func TestAppendRejectsNonIncreasingID(t *testing.T) {
	s := New()
	if _, err := s.Append("5-5", 1000, []Field{{Name: "a", Value: "1"}}); err != nil {
		t.Fatalf("setup append failed: %v", err)
	}
	_, err := s.Append("5-5", 1000, []Field{{Name: "a", Value: "2"}})
	if err != ErrIDNotIncreasing {
		t.Fatalf("expected ErrIDNotIncreasing, got %v", err)
	}
	_, err = s.Append("3-0", 1000, nil)
	if err != ErrIDNotIncreasing {
		t.Fatalf("expected ErrIDNotIncreasing for a smaller id, got %v", err)
	}
}

func TestResolveIDStarUsesLastSeqPlusOne(t *testing.T) {
	s := New()
	if _, err := s.Append("5-1", 5, nil); err != nil {
		t.Fatalf("setup failed: %v", err)
	}
	id, err := s.Append("5-*", 5, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (ID{Ms: 5, Seq: 2}) {
		t.Fatalf("got %v", id)
	}
}

func TestResolveIDAutoSeqOnEmptyStream(t *testing.T) {
	// With no prior entry an auto-sequence starts at 1, so "0-*" can
	// never resolve to the invalid 0-0.
	s := New()
	id, err := s.Append("0-*", 1000, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (ID{Ms: 0, Seq: 1}) {
		t.Fatalf("got %v", id)
	}

	s2 := New()
	id, err = s2.Append("5-*", 1000, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id != (ID{Ms: 5, Seq: 1}) {
		t.Fatalf("got %v", id)
	}
}

func TestResolveIDStarAloneUsesWallClock(t *testing.T) {
	s := New()
	id, err := s.Append("*", 9999, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id.Ms != 9999 || id.Seq != 0 {
		t.Fatalf("got %v", id)
	}

	// Same millisecond again: sequence increments.
	id2, err := s.Append("*", 9999, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id2 != (ID{Ms: 9999, Seq: 1}) {
		t.Fatalf("got %v", id2)
	}
}

func TestRangeInclusive(t *testing.T) {
	s := New()
	mustAppend(t, s, "1-1")
	mustAppend(t, s, "1-2")
	mustAppend(t, s, "1-3")

	entries := s.Range(ID{Ms: 1, Seq: 1}, ID{Ms: 1, Seq: 2})
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0].ID != (ID{Ms: 1, Seq: 1}) || entries[1].ID != (ID{Ms: 1, Seq: 2}) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func TestAfterIsStrictlyGreater(t *testing.T) {
	s := New()
	mustAppend(t, s, "1-1")
	mustAppend(t, s, "1-2")

	entries := s.After(ID{Ms: 1, Seq: 1})
	if len(entries) != 1 || entries[0].ID != (ID{Ms: 1, Seq: 2}) {
		t.Fatalf("unexpected entries: %+v", entries)
	}
}

func mustAppend(t *testing.T, s *Stream, id string) {
	t.Helper()
	if _, err := s.Append(id, 1, nil); err != nil {
		t.Fatalf("append %s failed: %v", id, err)
	}
}
