package clock

import (
	"testing"
	"time"
)

func TestSameUTCDay(t *testing.T) {
	base := time.Date(2025, 1, 15, 23, 59, 0, 0, time.UTC)

	if !SameUTCDay(base, base.Add(30*time.Second)) {
		t.Error("expected same day")
	}
	if SameUTCDay(base, base.Add(2*time.Minute)) {
		t.Error("expected different day after midnight")
	}

	// 01:00 in UTC+2 is 23:00 the previous day in UTC.
	loc := time.FixedZone("UTC+2", 2*60*60)
	local := time.Date(2025, 1, 16, 1, 0, 0, 0, loc)
	if !SameUTCDay(base, local) {
		t.Error("expected comparison in UTC")
	}
}

func TestManual(t *testing.T) {
	start := time.Date(2025, 1, 15, 10, 0, 0, 0, time.UTC)
	c := NewManual(start)

	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("expected %s, got %s", start.Add(time.Hour), c.Now())
	}

	c.Set(start)
	if !c.Now().Equal(start) {
		t.Errorf("expected %s, got %s", start, c.Now())
	}
}
