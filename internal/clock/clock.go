// Package clock drives the engine's cadence: a cycle tick inside the
// trading session, an idle tick outside it, and session boundary events.
package clock

import (
	"fmt"
	"time"
)

// Clock abstracts wall time so the backtest entry point can substitute a
// simulated clock behind the same interface.
type Clock interface {
	Now() time.Time
}

// RealClock reads the system clock.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

// SimClock is a manually advanced clock for backtests and tests.
type SimClock struct {
	T time.Time
}

func (c *SimClock) Now() time.Time { return c.T }

// Advance moves the simulated clock forward.
func (c *SimClock) Advance(d time.Duration) { c.T = c.T.Add(d) }

// Session holds the wall-clock trading window in its exchange timezone.
type Session struct {
	Start         int // minutes after midnight
	End           int
	Loc           *time.Location
	ExtendedHours bool
}

// NewSession parses "15:04"-style bounds in the named timezone.
func NewSession(start, end, timezone string, extended bool) (Session, error) {
	loc, err := time.LoadLocation(timezone)
	if err != nil {
		return Session{}, fmt.Errorf("load timezone %s: %w", timezone, err)
	}
	s, err := parseHHMM(start)
	if err != nil {
		return Session{}, fmt.Errorf("session start: %w", err)
	}
	e, err := parseHHMM(end)
	if err != nil {
		return Session{}, fmt.Errorf("session end: %w", err)
	}
	if e <= s {
		return Session{}, fmt.Errorf("session end %s not after start %s", end, start)
	}
	return Session{Start: s, End: e, Loc: loc, ExtendedHours: extended}, nil
}

func parseHHMM(v string) (int, error) {
	t, err := time.Parse("15:04", v)
	if err != nil {
		return 0, err
	}
	return t.Hour()*60 + t.Minute(), nil
}

// Contains reports whether now falls inside the trading session. The
// boundary rule is half-open: the open minute is in, the close minute is
// out, so no new cycle fires at or after the close.
func (s Session) Contains(now time.Time) bool {
	local := now.In(s.Loc)
	switch local.Weekday() {
	case time.Saturday, time.Sunday:
		return false
	}
	mins := local.Hour()*60 + local.Minute()
	if s.ExtendedHours {
		// Pre-market from 04:00 and after-hours until 20:00.
		return mins >= 4*60 && mins < 20*60
	}
	return mins >= s.Start && mins < s.End
}

// CloseTime returns the session close instant on now's trading day.
func (s Session) CloseTime(now time.Time) time.Time {
	local := now.In(s.Loc)
	return time.Date(local.Year(), local.Month(), local.Day(), s.End/60, s.End%60, 0, 0, s.Loc)
}

// MinutesToClose returns whole minutes until session close, negative
// after the close.
func (s Session) MinutesToClose(now time.Time) int {
	return int(s.CloseTime(now).Sub(now.In(s.Loc)) / time.Minute)
}

// MinutesSinceOpen returns whole minutes since the session open,
// negative before it.
func (s Session) MinutesSinceOpen(now time.Time) int {
	local := now.In(s.Loc)
	open := time.Date(local.Year(), local.Month(), local.Day(), s.Start/60, s.Start%60, 0, 0, s.Loc)
	return int(local.Sub(open) / time.Minute)
}
