package system

import (
	"testing"
	"time"
)

func TestNowIsUTC(t *testing.T) {
	t.Parallel()

	got := New().Now()
	if got.Location() != time.UTC {
		t.Fatalf("expected UTC, got %v", got.Location())
	}
}

func TestNowTracksWallClock(t *testing.T) {
	t.Parallel()

	clk := New()
	lo := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	hi := time.Now().UTC().Add(time.Second)
	if got.Before(lo) || got.After(hi) {
		t.Fatalf("timestamp %v outside [%v, %v]", got, lo, hi)
	}
	if second := clk.Now(); second.Before(got) {
		t.Fatalf("timestamps went backwards: %v then %v", got, second)
	}
}
