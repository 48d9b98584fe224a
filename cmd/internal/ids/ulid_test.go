package ids

import (
	"testing"
	"time"
)

func TestNew_SortsByCreation(t *testing.T) {
	t.Parallel()

	now := time.Now().UTC()
	prev := ""
	for i := 0; i < 100; i++ {
		id, err := New(now)
		if err != nil {
			t.Fatalf("New: %v", err)
		}
		if len(id) != 26 {
			t.Fatalf("expected 26 chars, got %d (%q)", len(id), id)
		}
		if prev != "" && id <= prev {
			t.Fatalf("ids not increasing: %q <= %q", id, prev)
		}
		prev = id
	}
}

func TestTime_RoundTripsMillis(t *testing.T) {
	t.Parallel()

	now := time.Date(2026, 3, 1, 12, 30, 0, 123_000_000, time.UTC)
	id := MustNew(now)

	got, ok := Time(id)
	if !ok {
		t.Fatalf("Time(%q) not ok", id)
	}
	if !got.Equal(now) {
		t.Fatalf("Time()=%v want %v", got, now)
	}

	if _, ok := Time("not-a-ulid"); ok {
		t.Fatalf("expected invalid id to fail")
	}
}
