package domain

import (
	"context"
	"errors"
	"fmt"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrRateLimited       = errors.New("rate limited")
	ErrPayloadTooLarge   = errors.New("payload too large")
	ErrTransport         = errors.New("transport error")
	ErrIllegalTransition = errors.New("illegal transition")
	ErrProgressDecrease  = errors.New("progress decrease")
	ErrJobCancelled      = errors.New("job cancelled")
	ErrTimeout           = errors.New("timeout")
	ErrInternal          = errors.New("internal error")
)

// Kind is the failure classification every worker-surfaced error is reduced
// to. Policy decisions (retry, DLQ, terminal state) key on Kind, never on
// the concrete error type.
type Kind string

const (
	KindRetryable    Kind = "retryable"
	KindNonRetryable Kind = "non_retryable"
	KindCancellation Kind = "cancellation"
	KindFatal        Kind = "fatal"
)

// KindError carries an explicit classification through an error chain.
// Worker bodies wrap failures with WithKind when they know better than the
// default classification.
type KindError struct {
	Kind Kind
	Err  error
}

func (e *KindError) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *KindError) Unwrap() error { return e.Err }

// WithKind wraps err with an explicit classification.
func WithKind(kind Kind, err error) error {
	if err == nil {
		return nil
	}
	return &KindError{Kind: kind, Err: err}
}

// Retryable marks err as retryable.
func Retryable(err error) error { return WithKind(KindRetryable, err) }

// Fatal marks err as fatal.
func Fatal(err error) error { return WithKind(KindFatal, err) }

// Classify reduces an arbitrary error to a Kind. An explicit KindError in
// the chain wins; otherwise sentinels decide; unknown errors default to
// non_retryable so that bugs surface in the DLQ instead of looping.
func Classify(err error) Kind {
	if err == nil {
		return KindNonRetryable
	}
	var ke *KindError
	if errors.As(err, &ke) {
		return ke.Kind
	}
	switch {
	case errors.Is(err, ErrJobCancelled) || errors.Is(err, context.Canceled):
		return KindCancellation
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrTimeout):
		return KindRetryable
	case errors.Is(err, ErrRateLimited) || errors.Is(err, ErrTransport):
		return KindRetryable
	case errors.Is(err, ErrInternal):
		return KindFatal
	case errors.Is(err, ErrInvalidArgument) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrConflict) || errors.Is(err, ErrPayloadTooLarge):
		return KindNonRetryable
	}
	return KindNonRetryable
}

// IsRetryable reports whether err classifies as retryable.
func IsRetryable(err error) bool { return Classify(err) == KindRetryable }
