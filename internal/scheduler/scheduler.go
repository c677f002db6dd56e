// Package scheduler runs the daily checks at a fixed wall-clock time.
package scheduler

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/roach88/nudgecrm/internal/clock"
	"github.com/roach88/nudgecrm/internal/engine"
)

// Runner is the engine call the scheduler drives.
type Runner interface {
	RunDailyChecks(ctx context.Context) (engine.Summary, error)
}

// Schedule is a daily time of day in a time zone.
type Schedule struct {
	Hour     int
	Minute   int
	Location *time.Location
}

// ParseSchedule parses an "HH:MM" time and an IANA zone name. An empty zone
// means UTC.
func ParseSchedule(at, zone string) (Schedule, error) {
	t, err := time.Parse("15:04", at)
	if err != nil {
		return Schedule{}, fmt.Errorf("invalid schedule time %q: want HH:MM", at)
	}
	loc := time.UTC
	if zone != "" {
		if loc, err = time.LoadLocation(zone); err != nil {
			return Schedule{}, fmt.Errorf("invalid schedule zone %q: %w", zone, err)
		}
	}
	return Schedule{Hour: t.Hour(), Minute: t.Minute(), Location: loc}, nil
}

// NextRun returns the first scheduled instant strictly after now.
//
// Days are counted on the zone's calendar, so the run stays at the same
// local time across DST changes. A time that falls in a spring-forward gap
// is normalized by time.Date.
func (s Schedule) NextRun(now time.Time) time.Time {
	loc := s.Location
	if loc == nil {
		loc = time.UTC
	}
	local := now.In(loc)
	next := time.Date(local.Year(), local.Month(), local.Day(), s.Hour, s.Minute, 0, 0, loc)
	for i := 1; !next.After(now); i++ {
		next = time.Date(local.Year(), local.Month(), local.Day()+i, s.Hour, s.Minute, 0, 0, loc)
	}
	return next
}

func (s Schedule) String() string {
	name := "UTC"
	if s.Location != nil {
		name = s.Location.String()
	}
	return fmt.Sprintf("%02d:%02d %s", s.Hour, s.Minute, name)
}

// Scheduler calls a Runner once a day.
type Scheduler struct {
	runner     Runner
	schedule   Schedule
	clock      clock.Clock
	logger     *slog.Logger
	runOnStart bool

	// after is time.After outside tests.
	after func(time.Duration) <-chan time.Time
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock used to compute the next run.
func WithClock(c clock.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithRunOnStart runs the checks once when Run starts.
func WithRunOnStart(enabled bool) Option {
	return func(s *Scheduler) { s.runOnStart = enabled }
}

// New creates a Scheduler.
func New(r Runner, sched Schedule, opts ...Option) *Scheduler {
	s := &Scheduler{
		runner:   r,
		schedule: sched,
		clock:    clock.System{},
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		after:    time.After,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Run blocks until ctx is cancelled, running the checks at every scheduled
// time. A failed run is logged and the loop continues. Returns nil on
// cancellation.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.InfoContext(ctx, "scheduler started", "schedule", s.schedule.String(), "run_on_start", s.runOnStart)
	if s.runOnStart {
		s.tick(ctx, "start")
	}

	for {
		now := s.clock.Now()
		next := s.schedule.NextRun(now)
		s.logger.DebugContext(ctx, "next daily checks", "at", next)

		select {
		case <-ctx.Done():
			s.logger.InfoContext(ctx, "scheduler stopped")
			return nil
		case <-s.after(next.Sub(now)):
			s.tick(ctx, "schedule")
		}
	}
}

// Trigger runs the checks now. It skips the schedule but not the engine's
// guards or run lock.
func (s *Scheduler) Trigger(ctx context.Context) (engine.Summary, error) {
	return s.run(ctx, "manual")
}

func (s *Scheduler) tick(ctx context.Context, source string) {
	if ctx.Err() != nil {
		return
	}
	_, _ = s.run(ctx, source)
}

func (s *Scheduler) run(ctx context.Context, source string) (engine.Summary, error) {
	summary, err := s.runner.RunDailyChecks(ctx)
	if err != nil {
		s.logger.ErrorContext(ctx, "daily checks failed", "source", source, "error", err)
		return summary, err
	}

	s.logger.InfoContext(ctx, "daily checks finished",
		"source", source,
		"run_id", summary.RunID,
		"low_sessions", summary.LowSessions,
		"renewals", summary.Renewals,
		"dormant", summary.Dormant,
		"errors", len(summary.Errors),
	)
	for _, ce := range summary.Errors {
		s.logger.WarnContext(ctx, "check error",
			"run_id", summary.RunID,
			"rule", ce.Rule,
			"patient_id", ce.PatientID,
			"error", ce.Message,
		)
	}
	return summary, nil
}
