// Package fault implements the error-handling decision table shared by the
// verifier workers and the consensus aggregator. Errors are classified
// into categories, and each category maps to exactly one action: retry
// with backoff, dead-letter, propagate, or skip.
package fault

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
)

// Category is an error category.
type Category string

const (
	// Transient categories, retried with bounded exponential backoff.
	CategoryTimeout           Category = "timeout"
	CategoryRateLimit         Category = "rate_limit"
	CategoryNetwork           Category = "network"
	CategoryBrokerUnavailable Category = "broker_unavailable"

	// Permanent categories, dead-lettered immediately.
	CategoryInvalidMessage   Category = "invalid_message"
	CategorySchema           Category = "schema"
	CategoryVerifierRejected Category = "verifier_rejected"

	// Constitutional categories. These must halt the owning process; they
	// are never caught.
	CategoryIntegrity  Category = "integrity"
	CategoryAuditWrite Category = "audit_write"

	// CategoryDuplicate marks already-processed work. Skipped silently.
	CategoryDuplicate Category = "duplicate"

	// CategoryUnknown is the fallback; treated as transient so that an
	// unclassified blip cannot silently discard a vote.
	CategoryUnknown Category = "unknown"
)

// Action is what the owning component must do with a failed operation.
type Action string

const (
	ActionRetry      Action = "retry"
	ActionDeadLetter Action = "dead_letter"
	ActionPropagate  Action = "propagate"
	ActionSkip       Action = "skip"
)

// Sentinel errors for conditions raised by the pipeline itself. External
// errors are recognized structurally or, failing that, by message pattern.
var (
	ErrRateLimited       = errors.New("rate limited")
	ErrBrokerUnavailable = errors.New("broker unavailable")
	ErrInvalidMessage    = errors.New("invalid message")
	ErrVerifierRejected  = errors.New("verifier rejected vote")
	ErrDuplicate         = errors.New("duplicate")
)

// SchemaError marks a schema-validation failure. Permanent.
type SchemaError struct {
	Subject string
	Reason  string
}

func (e *SchemaError) Error() string {
	return fmt.Sprintf("schema validation failed for %s: %s", e.Subject, e.Reason)
}

// IntegrityError marks a constitutional failure such as a broken audit
// hash chain or a violated tally invariant. It must propagate uncaught.
type IntegrityError struct {
	Reason string
	Err    error
}

func (e *IntegrityError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("integrity violation: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("integrity violation: %s", e.Reason)
}

func (e *IntegrityError) Unwrap() error { return e.Err }

// AuditWriteError marks a failure to append to the accountability trail.
// It must propagate uncaught.
type AuditWriteError struct {
	Err error
}

func (e *AuditWriteError) Error() string {
	return fmt.Sprintf("accountability trail write failed: %v", e.Err)
}

func (e *AuditWriteError) Unwrap() error { return e.Err }

// messagePatterns maps substrings of third-party error messages to
// categories, for errors that expose no structured type.
var messagePatterns = []struct {
	substr   string
	category Category
}{
	{"deadline exceeded", CategoryTimeout},
	{"timeout", CategoryTimeout},
	{"429", CategoryRateLimit},
	{"too many requests", CategoryRateLimit},
	{"503", CategoryBrokerUnavailable},
	{"connection reset", CategoryNetwork},
	{"connection refused", CategoryNetwork},
	{"broken pipe", CategoryNetwork},
	{"malformed", CategoryInvalidMessage},
	{"encoding mismatch", CategorySchema},
	{"hash chain", CategoryIntegrity},
}

// Classify maps an error to its category. It is a pure function: typed
// errors first, sentinels next, message patterns last.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var schemaErr *SchemaError
	var integrityErr *IntegrityError
	var auditErr *AuditWriteError
	var netErr net.Error
	switch {
	case errors.As(err, &integrityErr):
		return CategoryIntegrity
	case errors.As(err, &auditErr):
		return CategoryAuditWrite
	case errors.As(err, &schemaErr):
		return CategorySchema
	case errors.Is(err, ErrDuplicate):
		return CategoryDuplicate
	case errors.Is(err, ErrRateLimited):
		return CategoryRateLimit
	case errors.Is(err, ErrBrokerUnavailable):
		return CategoryBrokerUnavailable
	case errors.Is(err, ErrInvalidMessage):
		return CategoryInvalidMessage
	case errors.Is(err, ErrVerifierRejected):
		return CategoryVerifierRejected
	case errors.Is(err, context.DeadlineExceeded):
		return CategoryTimeout
	case errors.As(err, &netErr):
		if netErr.Timeout() {
			return CategoryTimeout
		}
		return CategoryNetwork
	}

	msg := strings.ToLower(err.Error())
	for _, p := range messagePatterns {
		if strings.Contains(msg, p.substr) {
			return p.category
		}
	}
	return CategoryUnknown
}

// Transient reports whether the category is retriable.
func (c Category) Transient() bool {
	switch c {
	case CategoryTimeout, CategoryRateLimit, CategoryNetwork, CategoryBrokerUnavailable, CategoryUnknown:
		return true
	default:
		return false
	}
}

// Decide returns the action for a failure in the given category on the
// given attempt. Attempts are 1-based.
func Decide(c Category, attempt, maxAttempts int) Action {
	switch c {
	case CategoryIntegrity, CategoryAuditWrite:
		return ActionPropagate
	case CategoryDuplicate:
		return ActionSkip
	case CategoryInvalidMessage, CategorySchema, CategoryVerifierRejected:
		return ActionDeadLetter
	default:
		if c.Transient() && attempt < maxAttempts {
			return ActionRetry
		}
		return ActionDeadLetter
	}
}
