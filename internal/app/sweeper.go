package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/cncaiprojem/jobcore/internal/domain"
	"github.com/cncaiprojem/jobcore/internal/usecase"
)

// sweepStore lists running jobs older than a cutoff.
type sweepStore interface {
	SweepRunning(ctx domain.Context, cutoff time.Time, limit int) ([]domain.Job, error)
}

// StuckJobSweeper times out running jobs whose worker disappeared: anything
// still running past its class hard limit plus a grace window is moved to
// timeout. The broker redelivers the unacked message independently; the
// sweeper only repairs the record.
type StuckJobSweeper struct {
	store    sweepStore
	progress usecase.ProgressService
	policies map[string]domain.Policy
	grace    time.Duration
	interval time.Duration
}

// NewStuckJobSweeper constructs a sweeper; nil store disables it.
func NewStuckJobSweeper(store sweepStore, progress usecase.ProgressService, policies map[string]domain.Policy, grace, interval time.Duration) *StuckJobSweeper {
	if store == nil {
		return nil
	}
	if grace <= 0 {
		grace = 2 * time.Minute
	}
	if interval <= 0 {
		interval = time.Minute
	}
	return &StuckJobSweeper{store: store, progress: progress, policies: policies, grace: grace, interval: interval}
}

// Run loops until ctx is done, sweeping once per interval.
func (s *StuckJobSweeper) Run(ctx context.Context) {
	if s == nil {
		return
	}
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	s.sweepOnce(ctx)

	for {
		select {
		case <-ctx.Done():
			slog.Info("stuck job sweeper stopping")
			return
		case <-ticker.C:
			s.sweepOnce(ctx)
		}
	}
}

func (s *StuckJobSweeper) sweepOnce(ctx context.Context) {
	tracer := otel.Tracer("jobs.sweeper")
	ctx, span := tracer.Start(ctx, "StuckJobSweeper.sweepOnce")
	defer span.End()

	const pageSize = 100
	// Coarse filter on the shortest hard limit; the per-class check below
	// decides per job.
	cutoff := time.Now().Add(-(s.minHardLimit() + s.grace))

	jobs, err := s.store.SweepRunning(ctx, cutoff, pageSize)
	if err != nil {
		span.RecordError(err)
		slog.Error("stuck job sweep failed to list jobs", slog.Any("error", err))
		return
	}

	timedOut := 0
	for _, j := range jobs {
		policy := s.policyFor(j.Class)
		deadline := policy.HardLimit + s.grace
		if j.StartedAt == nil || time.Since(*j.StartedAt) < deadline {
			continue
		}
		msg := fmt.Sprintf("running beyond hard limit %v; timed out by sweeper", policy.HardLimit)
		if _, err := s.progress.SetStatus(ctx, j.ID, domain.StateTimeout, domain.Patch{
			ErrorCode:    "timeout",
			ErrorMessage: msg,
		}); err != nil {
			slog.Error("stuck job sweep failed to time out job",
				slog.String("job_id", j.ID), slog.Any("error", err))
			continue
		}
		timedOut++
	}

	span.SetAttributes(
		attribute.Int("jobs.total_checked", len(jobs)),
		attribute.Int("jobs.total_timed_out", timedOut),
	)
	if timedOut > 0 {
		slog.Warn("stuck jobs timed out", slog.Int("count", timedOut))
	}
}

func (s *StuckJobSweeper) policyFor(class string) domain.Policy {
	if p, ok := s.policies[class]; ok {
		return p
	}
	return domain.DefaultPolicies()[domain.ClassDefault]
}

func (s *StuckJobSweeper) minHardLimit() time.Duration {
	min := time.Duration(0)
	for _, p := range s.policies {
		if min == 0 || p.HardLimit < min {
			min = p.HardLimit
		}
	}
	if min == 0 {
		min = domain.DefaultPolicies()[domain.ClassDefault].HardLimit
	}
	return min
}
