package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/cncaiprojem/jobcore/internal/config"
	"github.com/cncaiprojem/jobcore/internal/usecase"
)

// Scheduler submits configured jobs on cron schedules; each tick is a fresh
// submission with its own lifecycle and retry budget.
type Scheduler struct {
	dispatch usecase.Dispatcher
	cron     *cron.Cron
}

// NewScheduler builds a scheduler from the configured "class|cron" entries.
// An empty schedule list yields a nil scheduler, which Run tolerates.
func NewScheduler(dispatch usecase.Dispatcher, schedules []config.Schedule) (*Scheduler, error) {
	if len(schedules) == 0 {
		return nil, nil
	}
	s := &Scheduler{dispatch: dispatch, cron: cron.New()}
	for _, sched := range schedules {
		sched := sched
		_, err := s.cron.AddFunc(sched.Spec, func() { s.tick(sched.Class) })
		if err != nil {
			return nil, fmt.Errorf("op=scheduler.add: %q: %w", sched.Spec, err)
		}
	}
	return s, nil
}

// Run starts the cron loop and stops it when ctx is done, waiting for
// in-flight ticks.
func (s *Scheduler) Run(ctx context.Context) {
	if s == nil {
		return
	}
	s.cron.Start()
	<-ctx.Done()
	stopCtx := s.cron.Stop()
	<-stopCtx.Done()
	slog.Info("scheduler stopped")
}

func (s *Scheduler) tick(class string) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	input, _ := json.Marshal(map[string]string{
		"scheduled_at": time.Now().UTC().Format(time.RFC3339),
	})
	job, err := s.dispatch.Submit(ctx, usecase.SubmitRequest{Class: class, Input: input})
	if err != nil {
		slog.Error("scheduled submission failed",
			slog.String("class", class), slog.Any("error", err))
		return
	}
	slog.Info("scheduled job submitted",
		slog.String("class", class), slog.String("job_id", job.ID))
}
