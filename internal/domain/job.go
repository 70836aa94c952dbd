// Package domain defines the job lifecycle entities, the error taxonomy and
// the ports the dispatch core is wired through.
package domain

import (
	"context"
	"encoding/json"
	"time"
)

// Context is an alias so adapters and usecases share one signature.
type Context = context.Context

// State is a job lifecycle state.
type State string

const (
	StatePending   State = "pending"
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateRetrying  State = "retrying"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCancelled State = "cancelled"
	StateTimeout   State = "timeout"
)

// transitions is the legal state machine. Terminal states have no entry.
var transitions = map[State][]State{
	StatePending:  {StateQueued, StateCancelled, StateFailed},
	StateQueued:   {StateRunning, StateCancelled, StateFailed},
	StateRunning:  {StateCompleted, StateFailed, StateCancelled, StateTimeout, StateRetrying},
	StateRetrying: {StateQueued, StateFailed, StateCancelled},
}

// Terminal reports whether s is a sticky terminal state.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCancelled, StateTimeout:
		return true
	}
	return false
}

// CanTransition reports whether from -> to is a legal transition.
func CanTransition(from, to State) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Priority buckets map to broker priorities 0..10.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// BrokerPriority maps a priority bucket to the broker's 0..10 scale.
func (p Priority) BrokerPriority() uint8 {
	switch p {
	case PriorityLow:
		return 0
	case PriorityHigh:
		return 10
	default:
		return 5
	}
}

// Valid reports whether p is a known bucket; empty means normal.
func (p Priority) Valid() bool {
	switch p {
	case "", PriorityLow, PriorityNormal, PriorityHigh:
		return true
	}
	return false
}

// Job is the persisted job record. The store (C5) owns it; everything else
// reads it or asks the store for a transition.
type Job struct {
	ID              string
	Class           string
	State           State
	Priority        Priority
	Progress        int
	Attempts        int
	RetryCount      int
	CancelRequested bool
	Input           json.RawMessage
	Output          json.RawMessage
	Metrics         map[string]string
	ErrorCode       string
	ErrorMessage    string
	TaskID          string
	CreatedAt       time.Time
	StartedAt       *time.Time
	FinishedAt      *time.Time
	UpdatedAt       time.Time
}

// Patch carries the optional fields a transition may set. Nil fields are
// left untouched.
type Patch struct {
	Progress     *int
	Step         string
	Message      string
	ErrorCode    string
	ErrorMessage string
	Output       json.RawMessage
	TaskID       string
	Metrics      map[string]string
	// IncAttempts bumps the attempt counter, used when a retry republish lands.
	IncAttempts bool
}

// Envelope is the broker message for one job attempt.
type Envelope struct {
	JobID         string          `json:"job_id"`
	Class         string          `json:"class"`
	Attempt       int             `json:"attempt"`
	Payload       json.RawMessage `json:"payload"`
	LastException string          `json:"last_exception,omitempty"`
	Recovered     bool            `json:"recovered,omitempty"`
}

// LifecycleEvent is the fan-out record for one committed state change.
type LifecycleEvent struct {
	EventID          string    `json:"event_id"`
	EventType        string    `json:"event_type"`
	Timestamp        time.Time `json:"timestamp"`
	JobID            string    `json:"job_id"`
	Status           State     `json:"status"`
	Progress         int       `json:"progress"`
	Attempt          int       `json:"attempt"`
	PreviousStatus   State     `json:"previous_status,omitempty"`
	PreviousProgress *int      `json:"previous_progress,omitempty"`
	Step             string    `json:"step,omitempty"`
	Message          string    `json:"message,omitempty"`
	ErrorCode        string    `json:"error_code,omitempty"`
	ErrorMessage     string    `json:"error_message,omitempty"`
}

// EventTypeStatusChanged is the only event type the core emits.
const EventTypeStatusChanged = "job.status.changed"

// ErrorMetadata describes the failure recorded in a DLQ record.
type ErrorMetadata struct {
	ErrorType           string `json:"error_type"`
	ErrorModule         string `json:"error_module,omitempty"`
	ErrorMessage        string `json:"error_message"`
	ErrorClassification Kind   `json:"error_classification"`
	IsRetryable         bool   `json:"is_retryable"`
	Traceback           string `json:"traceback,omitempty"`
}

// Failure reason tags for DLQ records.
const (
	FailureMaxRetries   = "max_retries_exceeded"
	FailureNonRetryable = "non_retryable_error"
	FailureFatal        = "fatal_error"
)

// DLQRecord is the self-describing payload written for a terminally failed
// attempt. It must be enough to re-submit without consulting other systems.
type DLQRecord struct {
	TaskID              string            `json:"task_id"`
	TaskName            string            `json:"task_name"`
	OriginalQueue       string            `json:"original_queue"`
	Args                []json.RawMessage `json:"args"`
	Kwargs              map[string]any    `json:"kwargs"`
	Headers             map[string]string `json:"headers"`
	AttemptCount        int               `json:"attempt_count"`
	FailedAt            time.Time         `json:"failed_at"`
	ErrorMetadata       ErrorMetadata     `json:"error_metadata"`
	FailureReason       string            `json:"failure_reason"`
	ErrorClassification Kind              `json:"error_classification"`
	Recoverable         bool              `json:"recoverable"`
	DLQVersion          string            `json:"dlq_version"`
}

// DLQVersion is the current DLQ record schema version.
const DLQVersion = "1.0"

// Ports.

// JobStore is the single source of truth for job records (C5). All state
// writes go through it; implementations serialize updates per job.
type JobStore interface {
	Create(ctx Context, j Job) (string, error)
	Get(ctx Context, id string) (Job, error)
	// Transition enforces the state machine and applies patch atomically
	// together with the audit entry it generates.
	Transition(ctx Context, id string, to State, patch Patch) (Job, error)
	// UpdateProgress enforces monotonicity; equal percent without a step
	// change is a no-op returning the unchanged record.
	UpdateProgress(ctx Context, id string, percent int, step, message string, metrics map[string]string) (Job, error)
	MarkCancelRequested(ctx Context, id, reason string) (Job, error)
}

// JobPublisher publishes job envelopes to the primary exchange with
// publisher confirms (C3/C4).
type JobPublisher interface {
	PublishJob(ctx Context, env Envelope, priority Priority) error
	// PublishDLQ writes a gzip'd DLQ record to the class dead-letter exchange.
	PublishDLQ(ctx Context, class string, rec DLQRecord) error
}

// EventPublisher fans out lifecycle events (C7).
type EventPublisher interface {
	PublishEvent(ctx Context, ev LifecycleEvent) error
}

// FlagCache is the short-TTL string store used for the cancel flag,
// progress throttling/coalescing and event dedup. It is non-authoritative:
// implementations must degrade, never fail a state-changing call.
type FlagCache interface {
	SetCancel(ctx Context, jobID, reason string, ttl time.Duration) error
	GetCancel(ctx Context, jobID string) (bool, error)
	ClearCancel(ctx Context, jobID string) error
	// AcquireThrottle returns false while the per-job window is held.
	AcquireThrottle(ctx Context, jobID string, window time.Duration) (bool, error)
	StashCoalesce(ctx Context, jobID string, data []byte, ttl time.Duration) error
	// TakeCoalesce reads and deletes the stash; nil when empty.
	TakeCoalesce(ctx Context, jobID string) ([]byte, error)
	// MarkEventOnce returns true exactly once per key within ttl.
	MarkEventOnce(ctx Context, key string, ttl time.Duration) (bool, error)
}
