package domain

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClassifySentinels(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		want Kind
	}{
		{ErrJobCancelled, KindCancellation},
		{context.Canceled, KindCancellation},
		{context.DeadlineExceeded, KindRetryable},
		{ErrTimeout, KindRetryable},
		{ErrRateLimited, KindRetryable},
		{ErrTransport, KindRetryable},
		{ErrInternal, KindFatal},
		{ErrInvalidArgument, KindNonRetryable},
		{ErrNotFound, KindNonRetryable},
		{ErrConflict, KindNonRetryable},
		{ErrPayloadTooLarge, KindNonRetryable},
		{errors.New("some unknown failure"), KindNonRetryable},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Classify(tc.err), "%v", tc.err)
	}
}

func TestClassifyWrapped(t *testing.T) {
	t.Parallel()
	err := fmt.Errorf("op=worker.call: %w", ErrTransport)
	assert.Equal(t, KindRetryable, Classify(err))
	assert.True(t, IsRetryable(err))
}

func TestExplicitKindWins(t *testing.T) {
	t.Parallel()
	// A transport error explicitly marked fatal must not retry.
	err := WithKind(KindFatal, fmt.Errorf("op=worker.call: %w", ErrTransport))
	assert.Equal(t, KindFatal, Classify(err))
	assert.False(t, IsRetryable(err))
}

func TestKindErrorUnwraps(t *testing.T) {
	t.Parallel()
	base := errors.New("disk full")
	err := Retryable(fmt.Errorf("op=save: %w", base))
	require.Error(t, err)
	assert.True(t, errors.Is(err, base))
	assert.Equal(t, KindRetryable, Classify(err))

	assert.NoError(t, WithKind(KindFatal, nil))
}
