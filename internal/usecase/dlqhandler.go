package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/domain"
)

// Settlement is the broker-side acknowledgement surface for one delivery.
// The rabbit consumer's Delivery satisfies it.
type Settlement interface {
	Ack() error
	Reject(requeue bool) error
}

// DLQHandler decides what happens to a failed attempt: schedule a retry,
// write a dead-letter record, or finalize a cancellation. It owns the delayed
// republish goroutines; Drain waits for them on shutdown.
type DLQHandler struct {
	Store      domain.JobStore
	Broker     domain.JobPublisher
	Events     EventService
	Cancel     CancelService
	Dispatcher Dispatcher
	Policies   map[string]domain.Policy

	wg sync.WaitGroup
	// sleep is swapped in tests to skip real backoff waits.
	Sleep func(ctx context.Context, d time.Duration) error
}

// HandleFailure routes one failed attempt by its error classification and
// settles the delivery. The broker message is always acked here: the durable
// outcome (retry schedule, DLQ record, or cancelled state) is committed
// first, so redelivering the original would only duplicate it.
func (h *DLQHandler) HandleFailure(ctx domain.Context, env domain.Envelope, failure error, settle Settlement) {
	lg := observability.LoggerFromContext(ctx)
	kind := domain.Classify(failure)
	policy := h.policy(env.Class)

	switch {
	case kind == domain.KindCancellation:
		if _, err := h.Cancel.Finalize(ctx, env.JobID, nil, "interrupted"); err != nil {
			lg.Error("cancel finalize failed",
				slog.String("job_id", env.JobID), slog.Any("error", err))
		}
		h.ack(ctx, env.JobID, settle)
		return

	case kind == domain.KindRetryable && !policy.Exhausted(env.Attempt-1):
		h.scheduleRetry(ctx, env, policy, failure)
		h.ack(ctx, env.JobID, settle)
		return
	}

	h.deadLetter(ctx, env, kind, failure)
	h.ack(ctx, env.JobID, settle)
}

// scheduleRetry moves the job to retrying, then republishes the envelope with
// a bumped attempt after the class backoff. The delay runs off the delivery
// goroutine so the consumer's prefetch window is not held hostage.
func (h *DLQHandler) scheduleRetry(ctx domain.Context, env domain.Envelope, policy domain.Policy, failure error) {
	lg := observability.LoggerFromContext(ctx)
	prev, err := h.Store.Get(ctx, env.JobID)
	if err != nil {
		lg.Error("retry schedule: load failed", slog.String("job_id", env.JobID), slog.Any("error", err))
		return
	}
	retrying, err := h.Store.Transition(ctx, env.JobID, domain.StateRetrying, domain.Patch{
		ErrorCode:    string(domain.KindRetryable),
		ErrorMessage: truncate(failure.Error(), maxErrorMessageLen),
	})
	if err != nil {
		lg.Error("retry schedule: transition failed", slog.String("job_id", env.JobID), slog.Any("error", err))
		return
	}
	h.Events.PublishTransition(ctx, prev, retrying)
	observability.RetryJob(env.Class)

	delay := policy.Delay(env.Attempt - 1)
	lg.Info("retry scheduled",
		slog.String("job_id", env.JobID),
		slog.String("class", env.Class),
		slog.Int("attempt", env.Attempt),
		slog.Duration("delay", delay))

	next := env
	next.Attempt = env.Attempt + 1
	next.LastException = truncate(failure.Error(), maxErrorMessageLen)

	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		// Detach from the delivery context; it dies with the channel.
		bg := observability.ContextWithLogger(context.Background(), lg)
		if err := h.sleep(bg, delay); err != nil {
			return
		}
		h.republish(bg, next, retrying)
	}()
}

func (h *DLQHandler) republish(ctx context.Context, env domain.Envelope, prev domain.Job) {
	lg := observability.LoggerFromContext(ctx)
	if err := h.Broker.PublishJob(ctx, env, prev.Priority); err != nil {
		lg.Error("retry republish failed, marking job failed",
			slog.String("job_id", env.JobID), slog.Any("error", err))
		failed, terr := h.Store.Transition(ctx, env.JobID, domain.StateFailed, domain.Patch{
			ErrorCode:    "transport_error",
			ErrorMessage: truncate(err.Error(), maxErrorMessageLen),
		})
		if terr != nil {
			lg.Error("failed transition after republish failure",
				slog.String("job_id", env.JobID), slog.Any("error", terr))
			return
		}
		h.Events.PublishTransition(ctx, prev, failed)
		observability.FailJob(env.Class)
		return
	}
	queued, err := h.Store.Transition(ctx, env.JobID, domain.StateQueued, domain.Patch{IncAttempts: true})
	if err != nil {
		lg.Error("queued transition after republish failed",
			slog.String("job_id", env.JobID), slog.Any("error", err))
		return
	}
	h.Events.PublishTransition(ctx, prev, queued)
}

// deadLetter writes the structured DLQ record and marks the job failed. The
// record publish is best effort; the failed state is durable regardless.
func (h *DLQHandler) deadLetter(ctx domain.Context, env domain.Envelope, kind domain.Kind, failure error) {
	lg := observability.LoggerFromContext(ctx)
	reason := failureReason(kind)
	rec := buildDLQRecord(env, kind, reason, failure)

	if err := h.Broker.PublishDLQ(ctx, env.Class, rec); err != nil {
		lg.Error("dlq record publish failed",
			slog.String("job_id", env.JobID),
			slog.String("class", env.Class),
			slog.Any("error", err))
	} else {
		observability.DeadLetterJob(env.Class, reason)
	}

	prev, err := h.Store.Get(ctx, env.JobID)
	if err != nil {
		lg.Error("dead letter: load failed", slog.String("job_id", env.JobID), slog.Any("error", err))
		return
	}
	if prev.State.Terminal() {
		return
	}
	failed, err := h.Store.Transition(ctx, env.JobID, domain.StateFailed, domain.Patch{
		ErrorCode:    errorCode(kind, failure),
		ErrorMessage: truncate(failure.Error(), maxErrorMessageLen),
	})
	if err != nil {
		lg.Error("failed transition after dead letter",
			slog.String("job_id", env.JobID), slog.Any("error", err))
		return
	}
	h.Events.PublishTransition(ctx, prev, failed)
	observability.FailJob(env.Class)
	lg.Warn("job dead-lettered",
		slog.String("job_id", env.JobID),
		slog.String("class", env.Class),
		slog.String("reason", reason),
		slog.Int("attempt", env.Attempt))
}

// Recover re-dispatches one DLQ record as a fresh job, optionally onto a
// different class. The new record starts its own retry budget.
func (h *DLQHandler) Recover(ctx domain.Context, rec domain.DLQRecord, classOverride string) (domain.Job, error) {
	if rec.DLQVersion != "" && rec.DLQVersion != domain.DLQVersion {
		return domain.Job{}, fmt.Errorf("op=dlq.recover: %w: unsupported dlq_version %q",
			domain.ErrInvalidArgument, rec.DLQVersion)
	}
	class := classOverride
	if class == "" {
		class = rec.OriginalQueue
	}
	var payload json.RawMessage
	if len(rec.Args) > 0 {
		payload = rec.Args[0]
	}
	return h.Dispatcher.Submit(ctx, SubmitRequest{
		Class:         class,
		Input:         payload,
		Recovered:     true,
		LastException: rec.ErrorMetadata.ErrorMessage,
	})
}

// Drain waits for in-flight delayed republishes.
func (h *DLQHandler) Drain() { h.wg.Wait() }

func (h *DLQHandler) ack(ctx domain.Context, jobID string, settle Settlement) {
	if err := settle.Ack(); err != nil {
		observability.LoggerFromContext(ctx).Error("delivery ack failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (h *DLQHandler) policy(class string) domain.Policy {
	if p, ok := h.Policies[class]; ok {
		return p
	}
	return domain.DefaultPolicies()[domain.ClassDefault]
}

func (h *DLQHandler) sleep(ctx context.Context, d time.Duration) error {
	if h.Sleep != nil {
		return h.Sleep(ctx, d)
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func buildDLQRecord(env domain.Envelope, kind domain.Kind, reason string, failure error) domain.DLQRecord {
	msg := truncate(failure.Error(), maxErrorMessageLen)
	return domain.DLQRecord{
		TaskID:        env.JobID,
		TaskName:      "jobs." + env.Class,
		OriginalQueue: env.Class,
		Args:          []json.RawMessage{env.Payload},
		Kwargs:        map[string]any{"recovered": env.Recovered},
		Headers: map[string]string{
			"x-task-id": env.JobID,
			"x-attempt": strconv.Itoa(env.Attempt),
		},
		AttemptCount: env.Attempt,
		FailedAt:     time.Now().UTC(),
		ErrorMetadata: domain.ErrorMetadata{
			ErrorType:           fmt.Sprintf("%T", failure),
			ErrorMessage:        msg,
			ErrorClassification: kind,
			IsRetryable:         kind == domain.KindRetryable,
		},
		FailureReason:       reason,
		ErrorClassification: kind,
		Recoverable:         kind != domain.KindFatal,
		DLQVersion:          domain.DLQVersion,
	}
}

func failureReason(kind domain.Kind) string {
	switch kind {
	case domain.KindRetryable:
		return domain.FailureMaxRetries
	case domain.KindFatal:
		return domain.FailureFatal
	default:
		return domain.FailureNonRetryable
	}
}

func errorCode(kind domain.Kind, failure error) string {
	if errors.Is(failure, domain.ErrTimeout) || errors.Is(failure, context.DeadlineExceeded) {
		return "timeout"
	}
	return string(kind)
}
