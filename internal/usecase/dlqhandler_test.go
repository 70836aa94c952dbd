package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cncaiprojem/jobcore/internal/domain"
)

func newDLQHandler(store *fakeStore, broker *fakeBroker, flags domain.FlagCache) *DLQHandler {
	events := testEvents(broker, flags)
	return &DLQHandler{
		Store:  store,
		Broker: broker,
		Events: events,
		Cancel: CancelService{Store: store, Flags: flags, Events: events, FlagTTL: time.Hour},
		Dispatcher: Dispatcher{
			Store: store, Broker: broker, Events: events,
			Policies: domain.DefaultPolicies(), MaxBytes: 1 << 20,
		},
		Policies: domain.DefaultPolicies(),
		Sleep:    func(context.Context, time.Duration) error { return nil },
	}
}

func TestRetryableFailureSchedulesRetry(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")
	settle := &fakeSettle{}

	env := domain.Envelope{JobID: "j1", Class: domain.ClassModel, Attempt: 1, Payload: json.RawMessage(`{}`)}
	h.HandleFailure(context.Background(), env, domain.Retryable(errors.New("api flaked")), settle)
	h.Drain()

	assert.Equal(t, 1, settle.acked)
	assert.Empty(t, broker.dlqRecords(), "scheduled retries never touch the DLQ")

	pubs := broker.published()
	require.Len(t, pubs, 1)
	assert.Equal(t, 2, pubs[0].Attempt)
	assert.Contains(t, pubs[0].LastException, "api flaked")

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateQueued, job.State)
	assert.Equal(t, 2, job.Attempts)
	assert.Equal(t, 1, job.RetryCount)
}

func TestRetryBudgetExhaustedDeadLetters(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")
	settle := &fakeSettle{}

	// default class allows 3 retries; attempt 4 means all are spent.
	env := domain.Envelope{JobID: "j1", Class: domain.ClassDefault, Attempt: 4, Payload: json.RawMessage(`{"n":1}`)}
	h.HandleFailure(context.Background(), env, domain.Retryable(errors.New("still flaking")), settle)
	h.Drain()

	assert.Equal(t, 1, settle.acked)
	assert.Empty(t, broker.published(), "no further retries")

	recs := broker.dlqRecords()
	require.Len(t, recs, 1)
	rec := recs[0]
	assert.Equal(t, domain.FailureMaxRetries, rec.FailureReason)
	assert.Equal(t, domain.KindRetryable, rec.ErrorClassification)
	assert.Equal(t, 4, rec.AttemptCount)
	assert.True(t, rec.Recoverable)
	assert.Equal(t, domain.DLQVersion, rec.DLQVersion)
	require.Len(t, rec.Args, 1)
	assert.JSONEq(t, `{"n":1}`, string(rec.Args[0]))

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State)
}

func TestNonRetryableFailureDeadLettersImmediately(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")
	settle := &fakeSettle{}

	env := domain.Envelope{JobID: "j1", Class: domain.ClassCAM, Attempt: 1}
	h.HandleFailure(context.Background(), env, domain.WithKind(domain.KindNonRetryable, errors.New("bad geometry")), settle)
	h.Drain()

	recs := broker.dlqRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.FailureNonRetryable, recs[0].FailureReason)
	assert.True(t, recs[0].Recoverable)
	assert.Empty(t, broker.published())
	assert.Equal(t, domain.StateFailed, store.state("j1"))

	job, _ := store.Get(context.Background(), "j1")
	assert.Equal(t, string(domain.KindNonRetryable), job.ErrorCode)
}

func TestFatalFailureNotRecoverable(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")

	env := domain.Envelope{JobID: "j1", Class: domain.ClassSim, Attempt: 2}
	h.HandleFailure(context.Background(), env, domain.Fatal(errors.New("corrupted state")), &fakeSettle{})
	h.Drain()

	recs := broker.dlqRecords()
	require.Len(t, recs, 1)
	assert.Equal(t, domain.FailureFatal, recs[0].FailureReason)
	assert.False(t, recs[0].Recoverable)
}

func TestTimeoutExhaustionRecordsTimeoutCode(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")

	env := domain.Envelope{JobID: "j1", Class: domain.ClassDefault, Attempt: 4}
	h.HandleFailure(context.Background(), env, domain.ErrTimeout, &fakeSettle{})
	h.Drain()

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State)
	assert.Equal(t, "timeout", job.ErrorCode)
}

func TestCancellationFinalizesWithoutDLQ(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	flags := newMemFlags()
	h := newDLQHandler(store, broker, flags)
	seedRunning(store, "j1")
	settle := &fakeSettle{}

	env := domain.Envelope{JobID: "j1", Class: domain.ClassModel, Attempt: 1}
	h.HandleFailure(context.Background(), env, domain.ErrJobCancelled, settle)
	h.Drain()

	assert.Equal(t, 1, settle.acked)
	assert.Empty(t, broker.dlqRecords(), "cancellations never produce DLQ entries")
	assert.Empty(t, broker.published())
	assert.Equal(t, domain.StateCancelled, store.state("j1"))
}

func TestRepublishFailureMarksJobFailed(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{failPublish: domain.ErrTransport}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")

	env := domain.Envelope{JobID: "j1", Class: domain.ClassModel, Attempt: 1}
	h.HandleFailure(context.Background(), env, domain.Retryable(errors.New("blip")), &fakeSettle{})
	h.Drain()

	job, err := store.Get(context.Background(), "j1")
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, job.State)
	assert.Equal(t, "transport_error", job.ErrorCode)
}

func TestRecoverRoundTrip(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())
	seedRunning(store, "j1")

	// Dead-letter first.
	env := domain.Envelope{JobID: "j1", Class: domain.ClassReport, Attempt: 1, Payload: json.RawMessage(`{"doc":7}`)}
	h.HandleFailure(context.Background(), env, errors.New("template missing"), &fakeSettle{})
	h.Drain()
	recs := broker.dlqRecords()
	require.Len(t, recs, 1)

	// Then recover the record as a fresh submission.
	job, err := h.Recover(context.Background(), recs[0], "")
	require.NoError(t, err)
	assert.NotEqual(t, "j1", job.ID, "recovery mints a new job id")
	assert.Equal(t, domain.ClassReport, job.Class)
	assert.Equal(t, domain.StateQueued, job.State)
	assert.Equal(t, 1, job.Attempts, "retry budget starts over")

	pubs := broker.published()
	require.Len(t, pubs, 1)
	assert.True(t, pubs[0].Recovered)
	assert.JSONEq(t, `{"doc":7}`, string(pubs[0].Payload))
	assert.NotEmpty(t, pubs[0].LastException)
}

func TestRecoverQueueOverride(t *testing.T) {
	t.Parallel()
	store := newFakeStore()
	broker := &fakeBroker{}
	h := newDLQHandler(store, broker, newMemFlags())

	rec := domain.DLQRecord{
		TaskID:        "old",
		OriginalQueue: domain.ClassModel,
		Args:          []json.RawMessage{json.RawMessage(`{}`)},
		DLQVersion:    domain.DLQVersion,
	}
	job, err := h.Recover(context.Background(), rec, domain.ClassDefault)
	require.NoError(t, err)
	assert.Equal(t, domain.ClassDefault, job.Class)

	_, err = h.Recover(context.Background(), domain.DLQRecord{
		TaskID: "x", OriginalQueue: domain.ClassModel,
		Args: []json.RawMessage{json.RawMessage(`{}`)}, DLQVersion: "9.9",
	}, "")
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
