package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	gocron "github.com/go-co-op/gocron/v2"
)

// NewScheduler returns a scheduler calling task on a schedule, which is
// either a duration like 1h30m or a cron expression. The scheduler is not
// started.
func NewScheduler(ctx context.Context, schedule string, task func()) (gocron.Scheduler, error) {
	if schedule == "" {
		return nil, errors.New("empty schedule")
	}
	var job gocron.JobDefinition
	if d, err := ParseCueDuration(schedule); err == nil {
		if d <= 0 {
			return nil, fmt.Errorf("schedule duration %q must be positive", schedule)
		}
		slog.DebugContext(ctx, "successfully parsed", "duration", d.String())
		job = gocron.DurationJob(d)
	} else {
		if err := ParseCron(schedule); err != nil {
			return nil, fmt.Errorf("parsing schedule: %w", err)
		}
		slog.DebugContext(ctx, "successfully parsed", "cron", schedule)
		job = gocron.CronJob(schedule, false)
	}

	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("initializing gocron scheduler: %w", err)
	}
	_, err = s.NewJob(
		job,
		gocron.NewTask(task),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		_ = s.Shutdown()
		return nil, fmt.Errorf("initializing gocron job: %w", err)
	}
	return s, nil
}

// RunScheduled calls task on schedule until ctx is cancelled. Runs never
// overlap, a run still in progress skips the next one.
func RunScheduled(ctx context.Context, schedule string, task func(context.Context)) error {
	s, err := NewScheduler(ctx, schedule, func() { task(ctx) })
	if err != nil {
		return err
	}
	s.Start()
	<-ctx.Done()
	if err := s.Shutdown(); err != nil {
		slog.ErrorContext(ctx, "shutting down gocron has failed", "error", err)
	}
	return nil
}
