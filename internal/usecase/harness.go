package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/cncaiprojem/jobcore/internal/adapter/observability"
	"github.com/cncaiprojem/jobcore/internal/domain"
)

// Tools is the side-channel a worker body uses while executing: cooperative
// cancel checks between steps and progress reports.
type Tools struct {
	// Check returns domain.ErrJobCancelled once cancellation was requested
	// or the soft time limit expired; bodies return it to stop cleanly.
	Check func(ctx domain.Context) error
	// Report records progress percent plus an optional step/message pair.
	Report func(ctx domain.Context, percent int, step, message string) error
}

// Body executes one job attempt and returns its output document.
type Body func(ctx domain.Context, job domain.Job, tools Tools) (json.RawMessage, error)

// Harness runs worker bodies under the class time limits and drives the
// lifecycle around them: running transition on pickup, completed on success,
// and the DLQ handler on failure. One Harness serves one class queue.
type Harness struct {
	Store    domain.JobStore
	Cancel   CancelService
	Progress ProgressService
	DLQ      *DLQHandler
	Policies map[string]domain.Policy
	Bodies   map[string]Body
}

// errSoftLimit marks the cooperative interrupt raised when the soft time
// limit expires. It classifies as cancellation so bodies unwind cleanly, but
// the harness converts it to a retryable timeout before routing.
var errSoftLimit = domain.WithKind(domain.KindCancellation, errors.New("soft time limit exceeded"))

// Process handles one delivery end to end and settles it.
func (h *Harness) Process(ctx domain.Context, env domain.Envelope, settle Settlement) {
	lg := observability.LoggerFromContext(ctx).With(
		slog.String("job_id", env.JobID),
		slog.String("class", env.Class),
		slog.Int("attempt", env.Attempt))
	ctx = observability.ContextWithLogger(ctx, lg)
	ctx = observability.ContextWithJobID(ctx, env.JobID)

	job, err := h.Store.Get(ctx, env.JobID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			// No record to drive: nothing useful a redelivery would add.
			lg.Error("dropping delivery without a job record", slog.Any("error", err))
			h.settle(ctx, env.JobID, settle)
			return
		}
		// Store outage, not a missing record: leave the delivery unsettled
		// so the broker redelivers once the store recovers.
		lg.Warn("job store unavailable at pickup, leaving delivery for redelivery", slog.Any("error", err))
		return
	}
	if job.State.Terminal() {
		lg.Warn("dropping stale redelivery", slog.String("state", string(job.State)))
		h.settle(ctx, env.JobID, settle)
		return
	}

	// Cheap pre-pickup check so cancelled work never starts. Only a
	// confirmed cancel verdict finalizes; a check that failed for any other
	// reason leaves the delivery unsettled for redelivery.
	if err := h.Cancel.Check(ctx, env.JobID); err != nil {
		if !errors.Is(err, domain.ErrJobCancelled) {
			lg.Warn("cancel check unavailable at pickup, leaving delivery for redelivery", slog.Any("error", err))
			return
		}
		if _, ferr := h.Cancel.Finalize(ctx, env.JobID, nil, "before_start"); ferr != nil {
			lg.Error("cancel finalize failed", slog.Any("error", ferr))
		}
		h.settle(ctx, env.JobID, settle)
		return
	}

	body, ok := h.Bodies[env.Class]
	if !ok {
		h.DLQ.HandleFailure(ctx, env,
			domain.WithKind(domain.KindNonRetryable,
				fmt.Errorf("no worker body registered for class %q", env.Class)), settle)
		return
	}

	job, err = h.Progress.SetStatus(ctx, env.JobID, domain.StateRunning, domain.Patch{})
	if err != nil {
		if errors.Is(err, domain.ErrIllegalTransition) || errors.Is(err, domain.ErrNotFound) {
			// The record moved under us (raced to terminal); the redelivery
			// carries nothing new.
			lg.Warn("dropping delivery, running transition rejected", slog.Any("error", err))
			h.settle(ctx, env.JobID, settle)
			return
		}
		lg.Warn("running transition unavailable, leaving delivery for redelivery", slog.Any("error", err))
		return
	}

	output, err := h.run(ctx, job, env, body)
	if err != nil {
		if ctx.Err() != nil {
			// Worker shutdown, not a job failure: leave the delivery
			// unsettled so the broker hands it to another worker.
			lg.Warn("abandoning delivery on shutdown", slog.Any("error", err))
			return
		}
		if errors.Is(err, errSoftLimit) || errors.Is(err, domain.ErrTimeout) {
			err = fmt.Errorf("op=harness.run: %w: class %s", domain.ErrTimeout, env.Class)
		} else if domain.Classify(err) == domain.KindCancellation {
			lg.Info("job cancelled mid-run")
		}
		h.DLQ.HandleFailure(ctx, env, err, settle)
		return
	}

	if _, err := h.Progress.SetStatus(ctx, env.JobID, domain.StateCompleted, domain.Patch{Output: output}); err != nil {
		lg.Error("completed transition failed", slog.Any("error", err))
	}
	h.settle(ctx, env.JobID, settle)
	lg.Info("job completed")
}

// run executes the body under the class limits. The soft limit surfaces
// through tools.Check as a cooperative interrupt; the hard limit abandons the
// body and returns a retryable timeout regardless of what it was doing.
func (h *Harness) run(ctx domain.Context, job domain.Job, env domain.Envelope, body Body) (json.RawMessage, error) {
	policy := h.policy(env.Class)
	softDeadline := time.Now().Add(policy.SoftLimit)

	bodyCtx, cancelBody := context.WithTimeout(ctx, policy.HardLimit)
	defer cancelBody()

	tools := Tools{
		Check: func(ctx domain.Context) error {
			if time.Now().After(softDeadline) {
				return fmt.Errorf("op=harness.check: %w", errSoftLimit)
			}
			return h.Cancel.Check(ctx, env.JobID)
		},
		Report: func(ctx domain.Context, percent int, step, message string) error {
			_, _, err := h.Progress.Apply(ctx, env.JobID, Report{
				Percent: percent, Step: step, Message: message,
			})
			if IsProgressDecrease(err) {
				observability.LoggerFromContext(ctx).Warn("progress decrease ignored",
					slog.Int("percent", percent))
				return nil
			}
			return err
		},
	}

	type result struct {
		output json.RawMessage
		err    error
	}
	done := make(chan result, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: domain.Fatal(fmt.Errorf("worker panic: %v\n%s", r, debug.Stack()))}
			}
		}()
		out, err := body(bodyCtx, job, tools)
		done <- result{output: out, err: err}
	}()

	select {
	case res := <-done:
		return res.output, res.err
	case <-bodyCtx.Done():
		if ctx.Err() != nil {
			// Shutdown, not a time limit: leave the message unsettled so the
			// broker redelivers it.
			return nil, fmt.Errorf("op=harness.run: %w", ctx.Err())
		}
		// Hard limit: the body goroutine is abandoned; its context is
		// cancelled so it unwinds on its next blocking call.
		return nil, fmt.Errorf("op=harness.run: %w: hard limit %s exceeded",
			domain.ErrTimeout, policy.HardLimit)
	}
}

func (h *Harness) policy(class string) domain.Policy {
	if p, ok := h.Policies[class]; ok {
		return p
	}
	return domain.DefaultPolicies()[domain.ClassDefault]
}

func (h *Harness) settle(ctx domain.Context, jobID string, settle Settlement) {
	if err := settle.Ack(); err != nil {
		observability.LoggerFromContext(ctx).Error("delivery ack failed",
			slog.String("job_id", jobID), slog.Any("error", err))
	}
}
