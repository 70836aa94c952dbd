// Package usecase contains the dispatch-core services: submission,
// cancellation, progress/event reporting, the DLQ handler and the worker
// harness.
package usecase

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/domain"
)

// EventService publishes lifecycle events after state changes commit.
// Publishing is best effort and never blocks or rolls back a state change;
// the dedup cache gives at-most-once per transition while it is reachable,
// degrading to at-least-once without it.
type EventService struct {
	Publisher domain.EventPublisher
	Flags     domain.FlagCache
	DedupTTL  time.Duration
}

// NewEventService constructs an EventService.
func NewEventService(pub domain.EventPublisher, flags domain.FlagCache, dedupTTL time.Duration) EventService {
	if dedupTTL <= 0 {
		dedupTTL = 5 * time.Minute
	}
	return EventService{Publisher: pub, Flags: flags, DedupTTL: dedupTTL}
}

// PublishCreated emits the initial event for a freshly created job; there is
// no previous status.
func (s EventService) PublishCreated(ctx domain.Context, j domain.Job) {
	s.publish(ctx, buildEvent(j, nil), dedupKey(j.ID, j.State, j.Attempts, -1))
}

// PublishTransition emits one event for a committed state change.
func (s EventService) PublishTransition(ctx domain.Context, prev, cur domain.Job) {
	if prev.State == cur.State {
		return
	}
	s.publish(ctx, buildEvent(cur, &prev), dedupKey(cur.ID, cur.State, cur.Attempts, -1))
}

// PublishProgress emits an event for a progress change when it reaches a
// milestone (25/50/75/100) or moves at least ten points; smaller changes
// stay quiet so bursts do not flood consumers. Progress is monotone from
// zero, so zero itself is never a milestone; the creation and queued events
// already cover the start of life.
func (s EventService) PublishProgress(ctx domain.Context, prev, cur domain.Job) {
	if prev.State != cur.State {
		s.PublishTransition(ctx, prev, cur)
		return
	}
	if !progressWorthEvent(prev.Progress, cur.Progress) {
		return
	}
	s.publish(ctx, buildEvent(cur, &prev), dedupKey(cur.ID, cur.State, cur.Attempts, cur.Progress))
}

func progressWorthEvent(prev, cur int) bool {
	if cur == prev {
		return false
	}
	for _, m := range [...]int{25, 50, 75, 100} {
		if cur == m {
			return true
		}
	}
	return cur-prev >= 10
}

func (s EventService) publish(ctx domain.Context, ev domain.LifecycleEvent, key string) {
	lg := observability.LoggerFromContext(ctx)
	if s.Flags != nil {
		fresh, err := s.Flags.MarkEventOnce(ctx, key, s.DedupTTL)
		if err != nil {
			// Dedup store unreachable: fall back to at-least-once.
			lg.Warn("event dedup unavailable, publishing anyway",
				slog.String("job_id", ev.JobID), slog.Any("error", err))
		} else if !fresh {
			observability.EventsDedupedTotal.Inc()
			return
		}
	}
	if err := s.Publisher.PublishEvent(ctx, ev); err != nil {
		lg.Error("lifecycle event publish failed",
			slog.String("job_id", ev.JobID),
			slog.String("status", string(ev.Status)),
			slog.Any("error", err))
		return
	}
	observability.EventsPublishedTotal.WithLabelValues(string(ev.Status)).Inc()
}

func buildEvent(cur domain.Job, prev *domain.Job) domain.LifecycleEvent {
	ev := domain.LifecycleEvent{
		EventID:      uuid.New().String(),
		EventType:    domain.EventTypeStatusChanged,
		Timestamp:    time.Now().UTC(),
		JobID:        cur.ID,
		Status:       cur.State,
		Progress:     cur.Progress,
		Attempt:      cur.Attempts,
		Step:         cur.Metrics["step"],
		Message:      cur.Metrics["message"],
		ErrorCode:    cur.ErrorCode,
		ErrorMessage: cur.ErrorMessage,
	}
	if prev != nil {
		ev.PreviousStatus = prev.State
		pp := prev.Progress
		ev.PreviousProgress = &pp
	}
	return ev
}

// dedupKey builds the event dedup cache key. Status-change events key on
// (job, status, attempt); progress events additionally carry the percent so
// distinct milestones within one run are not collapsed.
func dedupKey(jobID string, status domain.State, attempt, progress int) string {
	if progress < 0 {
		return fmt.Sprintf("event:dedup:%s:%s:%d", jobID, status, attempt)
	}
	return fmt.Sprintf("event:dedup:%s:%s:%d:p%d", jobID, status, attempt, progress)
}
