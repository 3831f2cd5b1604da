package clock

import (
	"testing"
	"time"
)

func mustSession(t *testing.T) Session {
	t.Helper()
	s, err := NewSession("09:30", "16:00", "America/New_York", false)
	if err != nil {
		t.Fatalf("NewSession: %v", err)
	}
	return s
}

func TestSessionContains(t *testing.T) {
	s := mustSession(t)
	ny := s.Loc

	cases := []struct {
		name string
		at   time.Time
		want bool
	}{
		{"before open", time.Date(2025, 6, 2, 9, 29, 0, 0, ny), false},
		{"at open", time.Date(2025, 6, 2, 9, 30, 0, 0, ny), true},
		{"midday", time.Date(2025, 6, 2, 12, 0, 0, 0, ny), true},
		{"last minute", time.Date(2025, 6, 2, 15, 59, 0, 0, ny), true},
		{"at close", time.Date(2025, 6, 2, 16, 0, 0, 0, ny), false},
		{"saturday midday", time.Date(2025, 6, 7, 12, 0, 0, 0, ny), false},
	}
	for _, tc := range cases {
		if got := s.Contains(tc.at); got != tc.want {
			t.Errorf("%s: Contains = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestSessionContainsConvertsTimezone(t *testing.T) {
	s := mustSession(t)
	// 14:00 UTC in June is 10:00 in New York.
	if !s.Contains(time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)) {
		t.Fatal("expected 14:00 UTC to be inside the session")
	}
}

func TestSessionRejectsInvertedBounds(t *testing.T) {
	if _, err := NewSession("16:00", "09:30", "America/New_York", false); err == nil {
		t.Fatal("expected error for end before start")
	}
}

func TestMinutesToClose(t *testing.T) {
	s := mustSession(t)
	at := time.Date(2025, 6, 2, 15, 30, 0, 0, s.Loc)
	if got := s.MinutesToClose(at); got != 30 {
		t.Fatalf("MinutesToClose = %d, want 30", got)
	}
}

func TestSimClockAdvance(t *testing.T) {
	c := &SimClock{T: time.Date(2025, 6, 2, 9, 30, 0, 0, time.UTC)}
	c.Advance(30 * time.Minute)
	if got := c.Now().Minute(); got != 0 {
		t.Fatalf("minute = %d, want 0", got)
	}
	if got := c.Now().Hour(); got != 10 {
		t.Fatalf("hour = %d, want 10", got)
	}
}
