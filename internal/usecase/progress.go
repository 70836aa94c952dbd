package usecase

import (
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/domain"
)

// ProgressService applies worker progress reports and status changes. Reports
// are throttled per job through the flag cache; throttled updates are stashed
// and folded into the next write so the final value is never lost.
type ProgressService struct {
	Store  domain.JobStore
	Flags  domain.FlagCache
	Events EventService

	ThrottleWindow time.Duration
	CoalesceTTL    time.Duration
}

// Report carries one worker progress update.
type Report struct {
	Percent int
	Step    string
	Message string
	Metrics map[string]string
	// Force bypasses the throttle window; used for terminal writes.
	Force bool
}

// coalesced is the JSON stash for throttled reports.
type coalesced struct {
	Percent int               `json:"percent"`
	Step    string            `json:"step,omitempty"`
	Message string            `json:"message,omitempty"`
	Metrics map[string]string `json:"metrics,omitempty"`
}

// Apply persists a progress report. Percent is clamped to [0,100]; decreases
// are rejected with domain.ErrProgressDecrease. Throttled reports return the
// current record unchanged with throttled=true.
func (s ProgressService) Apply(ctx domain.Context, jobID string, rep Report) (domain.Job, bool, error) {
	lg := observability.LoggerFromContext(ctx)
	rep.Percent = clampPercent(rep.Percent)

	if !rep.Force && s.Flags != nil {
		ok, err := s.Flags.AcquireThrottle(ctx, jobID, s.ThrottleWindow)
		if err != nil {
			// Cache down: skip throttling rather than dropping the report.
			lg.Warn("progress throttle unavailable",
				slog.String("job_id", jobID), slog.Any("error", err))
			ok = true
		}
		if !ok {
			s.stash(ctx, jobID, rep)
			observability.ProgressThrottledTotal.Inc()
			job, err := s.Store.Get(ctx, jobID)
			return job, true, err
		}
	}

	rep = s.foldStash(ctx, jobID, rep)

	prev, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, false, err
	}

	// A reporting worker implies the job is actually executing: lift stale
	// pending/queued records before writing progress.
	prev, err = s.bumpRunning(ctx, prev, rep.Percent)
	if err != nil {
		return domain.Job{}, false, err
	}

	cur, err := s.Store.UpdateProgress(ctx, jobID, rep.Percent, rep.Step, rep.Message, rep.Metrics)
	if err != nil {
		return domain.Job{}, false, err
	}

	s.Events.PublishProgress(ctx, prev, cur)
	return cur, false, nil
}

// SetStatus drives an explicit state change with optional patch fields and
// publishes the resulting event. Requests against terminal records return the
// record unchanged.
func (s ProgressService) SetStatus(ctx domain.Context, jobID string, to domain.State, patch domain.Patch) (domain.Job, error) {
	prev, err := s.Store.Get(ctx, jobID)
	if err != nil {
		return domain.Job{}, err
	}
	if prev.State.Terminal() {
		return prev, nil
	}
	cur, err := s.Store.Transition(ctx, jobID, to, patch)
	if err != nil {
		return domain.Job{}, err
	}
	s.Events.PublishTransition(ctx, prev, cur)
	s.count(cur)
	return cur, nil
}

func (s ProgressService) count(j domain.Job) {
	switch j.State {
	case domain.StateRunning:
		observability.StartJob(j.Class)
	case domain.StateCompleted:
		observability.CompleteJob(j.Class)
	case domain.StateFailed, domain.StateTimeout:
		observability.FailJob(j.Class)
	case domain.StateCancelled:
		observability.CancelJob(j.Class)
	case domain.StateRetrying:
		observability.RetryJob(j.Class)
	}
}

// bumpRunning applies the implicit transitions a progress report carries:
// zero percent lifts pending to queued, positive percent lifts pending or
// queued all the way to running.
func (s ProgressService) bumpRunning(ctx domain.Context, job domain.Job, percent int) (domain.Job, error) {
	if percent > 0 && (job.State == domain.StatePending || job.State == domain.StateQueued) {
		if job.State == domain.StatePending {
			mid, err := s.SetStatus(ctx, job.ID, domain.StateQueued, domain.Patch{})
			if err != nil {
				return domain.Job{}, err
			}
			job = mid
		}
		return s.SetStatus(ctx, job.ID, domain.StateRunning, domain.Patch{})
	}
	if percent == 0 && job.State == domain.StatePending {
		return s.SetStatus(ctx, job.ID, domain.StateQueued, domain.Patch{})
	}
	return job, nil
}

func (s ProgressService) stash(ctx domain.Context, jobID string, rep Report) {
	raw, err := json.Marshal(coalesced{
		Percent: rep.Percent,
		Step:    rep.Step,
		Message: rep.Message,
		Metrics: rep.Metrics,
	})
	if err != nil {
		return
	}
	if err := s.Flags.StashCoalesce(ctx, jobID, raw, s.CoalesceTTL); err != nil {
		observability.LoggerFromContext(ctx).Warn("progress stash failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// foldStash merges a pending coalesced report into the current one: highest
// percent wins, latest non-empty step/message win, metric maps union with the
// newer value on conflict.
func (s ProgressService) foldStash(ctx domain.Context, jobID string, rep Report) Report {
	if s.Flags == nil {
		return rep
	}
	raw, err := s.Flags.TakeCoalesce(ctx, jobID)
	if err != nil || raw == nil {
		return rep
	}
	var old coalesced
	if err := json.Unmarshal(raw, &old); err != nil {
		return rep
	}
	if old.Percent > rep.Percent {
		rep.Percent = old.Percent
	}
	if rep.Step == "" {
		rep.Step = old.Step
	}
	if rep.Message == "" {
		rep.Message = old.Message
	}
	if len(old.Metrics) > 0 {
		merged := make(map[string]string, len(old.Metrics)+len(rep.Metrics))
		for k, v := range old.Metrics {
			merged[k] = v
		}
		for k, v := range rep.Metrics {
			merged[k] = v
		}
		rep.Metrics = merged
	}
	return rep
}

func clampPercent(p int) int {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}

// IsProgressDecrease reports whether an Apply error was a rejected decrease,
// which workers log and continue over.
func IsProgressDecrease(err error) bool {
	return errors.Is(err, domain.ErrProgressDecrease)
}
