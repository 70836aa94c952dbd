package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/domain"
)

// CancelService implements cooperative cancellation: a durable flag on the
// job record plus a TTL'd cache entry workers poll between steps. The cache
// is the fast path only; the record stays authoritative.
type CancelService struct {
	Store  domain.JobStore
	Flags  domain.FlagCache
	Events EventService

	FlagTTL time.Duration
}

// Request marks the job for cancellation. Terminal jobs are left untouched
// and returned as-is; requesting twice is a no-op.
func (s CancelService) Request(ctx domain.Context, jobID, reason string) (domain.Job, error) {
	job, err := s.Store.MarkCancelRequested(ctx, jobID, reason)
	if err != nil {
		return domain.Job{}, err
	}
	if job.State.Terminal() {
		return job, nil
	}
	if s.Flags != nil {
		if err := s.Flags.SetCancel(ctx, jobID, reason, s.FlagTTL); err != nil {
			// Workers fall back to the record; cancellation still lands,
			// just slower.
			observability.LoggerFromContext(ctx).Warn("cancel flag cache write failed",
				slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	return job, nil
}

// Check is the worker-side poll. It returns domain.ErrJobCancelled once a
// cancel has been requested, consulting the cache first and the record on a
// miss. A hit found only in the record re-seeds the cache.
func (s CancelService) Check(ctx domain.Context, jobID string) error {
	if s.Flags != nil {
		cancelled, err := s.Flags.GetCancel(ctx, jobID)
		if err != nil {
			observability.LoggerFromContext(ctx).Warn("cancel flag cache read failed",
				slog.String("job_id", jobID), slog.Any("error", err))
		} else if cancelled {
			return fmt.Errorf("op=cancel.check: %w", domain.ErrJobCancelled)
		}
	}
	job, err := s.Store.Get(ctx, jobID)
	if err != nil {
		// Control-plane outage, not a cancel verdict: classify retryable so
		// a body surfacing this error retries instead of dead-lettering.
		return fmt.Errorf("op=cancel.check: %w", domain.Retryable(err))
	}
	if job.CancelRequested || job.State == domain.StateCancelled {
		if s.Flags != nil {
			_ = s.Flags.SetCancel(ctx, jobID, "record", s.FlagTTL)
		}
		return fmt.Errorf("op=cancel.check: %w", domain.ErrJobCancelled)
	}
	return nil
}

// Finalize commits the cancelled state after the worker observed the flag and
// cleaned up. The final progress snapshot and interruption point are kept on
// the record; the cache flag is cleared once the state is durable.
func (s CancelService) Finalize(ctx domain.Context, jobID string, finalProgress *int, point string) (domain.Job, error) {
	prev, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if prev.State == domain.StateCancelled {
		return prev, nil
	}
	cur, err := s.Store.Transition(ctx, jobID, domain.StateCancelled, domain.Patch{
		Progress: finalProgress,
		Step:     point,
		Message:  "cancelled by request",
	})
	if err != nil {
		return domain.Job{}, err
	}
	if s.Flags != nil {
		if err := s.Flags.ClearCancel(ctx, jobID); err != nil {
			observability.LoggerFromContext(ctx).Warn("cancel flag cache clear failed",
				slog.String("job_id", jobID), slog.Any("error", err))
		}
	}
	s.Events.PublishTransition(ctx, prev, cur)
	observability.CancelJob(cur.Class)
	return cur, nil
}
