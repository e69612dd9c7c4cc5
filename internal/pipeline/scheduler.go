package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// Scheduler triggers harvest cycles on a cron schedule.
type Scheduler struct {
	harvester *Harvester
	schedule  cron.Schedule
	loc       *time.Location
	logger    *slog.Logger
}

// NewScheduler parses a standard five-field cron expression evaluated in loc.
func NewScheduler(h *Harvester, expr string, loc *time.Location, logger *slog.Logger) (*Scheduler, error) {
	schedule, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("parse harvest schedule %q: %w", expr, err)
	}
	return &Scheduler{harvester: h, schedule: schedule, loc: loc, logger: logger}, nil
}

// Next returns the first activation after t.
func (s *Scheduler) Next(t time.Time) time.Time {
	return s.schedule.Next(t.In(s.loc))
}

// Run starts the schedule and blocks until ctx is cancelled, then waits for a
// running cycle to finish. With runOnStart a cycle starts immediately.
func (s *Scheduler) Run(ctx context.Context, runOnStart bool) error {
	c := cron.New(cron.WithLocation(s.loc))
	c.Schedule(s.schedule, cron.FuncJob(func() { s.tick(ctx) }))

	s.logger.Info("scheduler started", "next", s.Next(time.Now()))
	c.Start()
	var wg sync.WaitGroup
	if runOnStart {
		wg.Go(func() { s.tick(ctx) })
	}

	<-ctx.Done()
	s.logger.Info("scheduler stopping", "reason", ctx.Err())
	<-c.Stop().Done()
	wg.Wait()
	return nil
}

func (s *Scheduler) tick(ctx context.Context) {
	err := s.harvester.RunCycle(ctx)
	switch {
	case errors.Is(err, ErrCycleRunning):
		s.logger.Warn("harvest tick skipped, previous cycle still running")
	case err != nil && ctx.Err() != nil:
		s.logger.Info("harvest cycle interrupted by shutdown")
	}
}
