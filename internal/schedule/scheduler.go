package schedule

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"

	appLog "gmoodle/internal/log"
)

// Scheduler fires a Sweep on a cron schedule.
type Scheduler struct {
	cron     *cron.Cron
	sweeper  *Sweeper
	schedule string
}

// NewScheduler parses schedule (standard five field cron) in loc. A run
// still in progress when the next one is due makes that one skip.
func NewScheduler(schedule string, loc *time.Location, sweeper *Sweeper) (*Scheduler, error) {
	if loc == nil {
		loc = time.UTC
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("invalid sweep schedule %q: %w", schedule, err)
	}

	logger := cronLogger{}
	c := cron.New(
		cron.WithLocation(loc),
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	return &Scheduler{cron: c, sweeper: sweeper, schedule: schedule}, nil
}

// Start registers the sweep and starts the cron loop. ctx is handed to
// every sweep; cancel it to abort one in flight.
func (s *Scheduler) Start(ctx context.Context) error {
	_, err := s.cron.AddFunc(s.schedule, func() {
		s.sweeper.Sweep(ctx)
	})
	if err != nil {
		return fmt.Errorf("error scheduling sweep: %w", err)
	}
	s.cron.Start()

	entries := s.cron.Entries()
	if len(entries) > 0 {
		appLog.Info("sweep scheduler started", "schedule", s.schedule, "next", entries[0].Next.Format(time.RFC3339))
	}
	return nil
}

// Stop stops scheduling and waits for a running sweep until ctx is done.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		appLog.Info("sweep scheduler stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("waiting for running sweep: %w", ctx.Err())
	}
}

// cronLogger routes cron's own logging through the app logger.
type cronLogger struct{}

func (cronLogger) Info(msg string, kv ...any) {
	appLog.Debug("cron: "+msg, kv...)
}

func (cronLogger) Error(err error, msg string, kv ...any) {
	appLog.Error("cron: "+msg, err, kv...)
}
