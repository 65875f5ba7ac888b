package fault

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyTypedErrors(t *testing.T) {
	require.Equal(t, CategorySchema, Classify(&SchemaError{Subject: "validated", Reason: "missing field"}))
	require.Equal(t, CategoryIntegrity, Classify(&IntegrityError{Reason: "hash chain break at record 3"}))
	require.Equal(t, CategoryAuditWrite, Classify(&AuditWriteError{Err: errors.New("disk full")}))

	// Wrapping must not hide the type.
	wrapped := fmt.Errorf("applying override: %w", &IntegrityError{Reason: "tally mismatch"})
	require.Equal(t, CategoryIntegrity, Classify(wrapped))
}

func TestClassifySentinels(t *testing.T) {
	require.Equal(t, CategoryDuplicate, Classify(ErrDuplicate))
	require.Equal(t, CategoryRateLimit, Classify(ErrRateLimited))
	require.Equal(t, CategoryBrokerUnavailable, Classify(ErrBrokerUnavailable))
	require.Equal(t, CategoryInvalidMessage, Classify(ErrInvalidMessage))
	require.Equal(t, CategoryVerifierRejected, Classify(ErrVerifierRejected))
	require.Equal(t, CategoryTimeout, Classify(context.DeadlineExceeded))
	require.Equal(t, CategoryTimeout, Classify(fmt.Errorf("fetch: %w", context.DeadlineExceeded)))
}

func TestClassifyMessagePatterns(t *testing.T) {
	tests := []struct {
		msg      string
		category Category
	}{
		{"read tcp 10.0.0.1:9092: connection reset by peer", CategoryNetwork},
		{"dial tcp: connection refused", CategoryNetwork},
		{"server returned 429", CategoryRateLimit},
		{"upstream returned 503", CategoryBrokerUnavailable},
		{"malformed payload", CategoryInvalidMessage},
		{"encoding mismatch for subject", CategorySchema},
		{"something entirely new", CategoryUnknown},
	}
	for _, tt := range tests {
		require.Equal(t, tt.category, Classify(errors.New(tt.msg)), "message: %s", tt.msg)
	}
	require.Equal(t, CategoryUnknown, Classify(nil))
}

func TestDecide(t *testing.T) {
	const maxAttempts = 3

	// Transient: retried until attempts run out, then dead-lettered.
	require.Equal(t, ActionRetry, Decide(CategoryTimeout, 1, maxAttempts))
	require.Equal(t, ActionRetry, Decide(CategoryNetwork, 2, maxAttempts))
	require.Equal(t, ActionDeadLetter, Decide(CategoryTimeout, 3, maxAttempts))
	require.Equal(t, ActionRetry, Decide(CategoryUnknown, 1, maxAttempts))

	// Permanent: dead-lettered immediately, even on the first attempt.
	require.Equal(t, ActionDeadLetter, Decide(CategoryInvalidMessage, 1, maxAttempts))
	require.Equal(t, ActionDeadLetter, Decide(CategorySchema, 1, maxAttempts))
	require.Equal(t, ActionDeadLetter, Decide(CategoryVerifierRejected, 1, maxAttempts))

	// Constitutional: always propagate, never absorbed by retries.
	require.Equal(t, ActionPropagate, Decide(CategoryIntegrity, 1, maxAttempts))
	require.Equal(t, ActionPropagate, Decide(CategoryAuditWrite, 99, maxAttempts))

	require.Equal(t, ActionSkip, Decide(CategoryDuplicate, 1, maxAttempts))
}
