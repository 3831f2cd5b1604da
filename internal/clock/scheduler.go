package clock

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// EventKind enumerates scheduler emissions.
type EventKind string

const (
	EventCycle        EventKind = "cycle"
	EventIdle         EventKind = "idle"
	EventSessionOpen  EventKind = "sessionOpen"
	EventSessionClose EventKind = "sessionClose"
)

// Event is one scheduler firing. Seq increments per cycle and seeds the
// cycle ID used for intent deduplication.
type Event struct {
	Kind EventKind
	At   time.Time
	Seq  uint64
}

// Handler consumes one event synchronously. The scheduler never runs two
// handlers concurrently.
type Handler func(ctx context.Context, ev Event)

// Scheduler fires cycle events every interval inside the session, idle
// events outside it, and session boundary events via cron in the
// session's timezone. A cycle still in flight when the next tick arrives
// causes that tick to be skipped entirely.
type Scheduler struct {
	clock    Clock
	session  Session
	interval time.Duration
	log      *zap.Logger

	seq     atomic.Uint64
	busy    atomic.Bool
	skipped atomic.Uint64
}

// NewScheduler builds a scheduler over the given clock and session.
func NewScheduler(c Clock, session Session, interval time.Duration, log *zap.Logger) *Scheduler {
	return &Scheduler{
		clock:    c,
		session:  session,
		interval: interval,
		log:      log.Named("scheduler"),
	}
}

// Skipped returns the count of ticks dropped due to overrun.
func (s *Scheduler) Skipped() uint64 { return s.skipped.Load() }

// Run blocks until ctx is cancelled, dispatching events to handler.
// Session boundary jobs run on cron specs derived from the session
// bounds; weekday gating matches Session.Contains.
func (s *Scheduler) Run(ctx context.Context, handler Handler) error {
	cr := cron.New(cron.WithLocation(s.session.Loc))
	openSpec := fmt.Sprintf("%d %d * * MON-FRI", s.session.Start%60, s.session.Start/60)
	closeSpec := fmt.Sprintf("%d %d * * MON-FRI", s.session.End%60, s.session.End/60)
	if _, err := cr.AddFunc(openSpec, func() {
		handler(ctx, Event{Kind: EventSessionOpen, At: s.clock.Now()})
	}); err != nil {
		return fmt.Errorf("schedule session open: %w", err)
	}
	if _, err := cr.AddFunc(closeSpec, func() {
		handler(ctx, Event{Kind: EventSessionClose, At: s.clock.Now()})
	}); err != nil {
		return fmt.Errorf("schedule session close: %w", err)
	}
	cr.Start()
	defer cr.Stop()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.log.Info("scheduler started",
		zap.Duration("interval", s.interval),
		zap.String("timezone", s.session.Loc.String()))

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			s.dispatch(ctx, handler)
		}
	}
}

func (s *Scheduler) dispatch(ctx context.Context, handler Handler) {
	now := s.clock.Now()
	if !s.session.Contains(now) {
		handler(ctx, Event{Kind: EventIdle, At: now})
		return
	}
	if !s.busy.CompareAndSwap(false, true) {
		s.skipped.Add(1)
		s.log.Warn("cycle overrun, tick skipped", zap.Uint64("totalSkipped", s.skipped.Load()))
		return
	}
	defer s.busy.Store(false)
	handler(ctx, Event{Kind: EventCycle, At: now, Seq: s.seq.Add(1)})
	if elapsed := s.clock.Now().Sub(now); elapsed > s.interval {
		// The ticker drops the ticks that elapsed during the overrun.
		s.skipped.Add(uint64(elapsed / s.interval))
		s.log.Warn("cycle ran past its interval",
			zap.Duration("elapsed", elapsed),
			zap.Duration("interval", s.interval))
	}
}
