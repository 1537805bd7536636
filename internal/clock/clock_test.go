package clock

import (
	"testing"
	"time"
)

func TestRealClockIsUTC(t *testing.T) {
	now := New().Now()
	if now.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", now.Location())
	}
}

func TestFakeAdvanceAndSet(t *testing.T) {
	start := time.Date(2024, 6, 1, 18, 0, 0, 0, time.UTC)
	f := NewFake(start)

	if !f.Now().Equal(start) {
		t.Fatalf("expected %v, got %v", start, f.Now())
	}

	got := f.Advance(61 * time.Second)
	if want := start.Add(61 * time.Second); !got.Equal(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	if !f.Now().Equal(got) {
		t.Fatal("Now must reflect the advanced value")
	}

	loc := time.FixedZone("X", 3600)
	f.Set(time.Date(2024, 6, 2, 12, 0, 0, 0, loc))
	if f.Now().Location() != time.UTC {
		t.Fatal("Set must normalize to UTC")
	}
}
