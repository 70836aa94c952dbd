package usecase

import (
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/domain"
)

// Dispatcher accepts job submissions and hands them to the broker. A job only
// becomes queued after the broker confirms the publish; a failed publish
// leaves a failed record rather than a phantom pending one.
type Dispatcher struct {
	Store    domain.JobStore
	Broker   domain.JobPublisher
	Events   EventService
	Policies map[string]domain.Policy
	MaxBytes int64
}

// SubmitRequest is one submission.
type SubmitRequest struct {
	Class    string
	Input    json.RawMessage
	Priority domain.Priority
	// Recovered marks DLQ re-dispatches so downstream consumers can tell
	// them from first-time submissions.
	Recovered bool
	// LastException carries the prior failure on recovery re-dispatches.
	LastException string
}

// Submit validates, persists and enqueues a job, returning the stored record
// in its post-publish state.
func (d Dispatcher) Submit(ctx domain.Context, req SubmitRequest) (domain.Job, error) {
	lg := observability.LoggerFromContext(ctx)

	if _, ok := d.Policies[req.Class]; !ok {
		return domain.Job{}, fmt.Errorf("op=dispatch.submit: %w: unknown class %q",
			domain.ErrInvalidArgument, req.Class)
	}
	if req.Priority == "" {
		req.Priority = domain.PriorityNormal
	}
	if !req.Priority.Valid() {
		return domain.Job{}, fmt.Errorf("op=dispatch.submit: %w: invalid priority %q",
			domain.ErrInvalidArgument, req.Priority)
	}
	if d.MaxBytes > 0 && int64(len(req.Input)) > d.MaxBytes {
		return domain.Job{}, fmt.Errorf("op=dispatch.submit: %w: input is %d bytes, limit %d",
			domain.ErrPayloadTooLarge, len(req.Input), d.MaxBytes)
	}

	id, err := d.Store.Create(ctx, domain.Job{
		Class:    req.Class,
		Priority: req.Priority,
		Input:    req.Input,
	})
	if err != nil {
		return domain.Job{}, err
	}
	job, err := d.Store.Get(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	d.Events.PublishCreated(ctx, job)

	env := domain.Envelope{
		JobID:         job.ID,
		Class:         job.Class,
		Attempt:       job.Attempts,
		Payload:       req.Input,
		LastException: req.LastException,
		Recovered:     req.Recovered,
	}
	if err := d.Broker.PublishJob(ctx, env, job.Priority); err != nil {
		lg.Error("job publish failed, marking record failed",
			slog.String("job_id", job.ID),
			slog.String("class", job.Class),
			slog.Any("error", err))
		failed, terr := d.Store.Transition(ctx, job.ID, domain.StateFailed, domain.Patch{
			ErrorCode:    "transport_error",
			ErrorMessage: truncate(err.Error(), maxErrorMessageLen),
		})
		if terr != nil {
			lg.Error("failed transition after publish failure",
				slog.String("job_id", job.ID), slog.Any("error", terr))
			return domain.Job{}, fmt.Errorf("op=dispatch.submit: %w", err)
		}
		d.Events.PublishTransition(ctx, job, failed)
		observability.FailJob(job.Class)
		return failed, fmt.Errorf("op=dispatch.submit: %w", err)
	}

	queued, err := d.Store.Transition(ctx, job.ID, domain.StateQueued, domain.Patch{TaskID: job.ID})
	if err != nil {
		return domain.Job{}, err
	}
	d.Events.PublishTransition(ctx, job, queued)
	observability.EnqueueJob(job.Class)
	lg.Info("job enqueued",
		slog.String("job_id", job.ID),
		slog.String("class", job.Class),
		slog.String("priority", string(job.Priority)))
	return queued, nil
}

const maxErrorMessageLen = 2000

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
