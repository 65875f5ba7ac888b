// Package broker defines the message-log interfaces the validation
// pipeline is built on. Implementations must provide a partitioned,
// replayable log with all-replica publish acknowledgement and manual
// offset commits; see `broker/memlog` and `broker/kafka`.
package broker

import (
	"context"
	"errors"
)

// Topic is a logical message channel.
type Topic string

const (
	// TopicPendingValidation carries PendingVote messages, keyed by vote id.
	TopicPendingValidation Topic = "pending-validation"
	// TopicValidationRequests carries per-verifier ValidationRequest
	// messages, keyed by "voteID:verifierID".
	TopicValidationRequests Topic = "validation-requests"
	// TopicValidationResults carries determiner VerifierResult messages,
	// keyed by vote id.
	TopicValidationResults Topic = "validation-results"
	// TopicWitnessRequests carries observer review requests, keyed by vote id.
	TopicWitnessRequests Topic = "witness-requests"
	// TopicWitnessEvents carries observer verdicts, keyed by vote id.
	TopicWitnessEvents Topic = "witness-events"
	// TopicValidated carries final vote aggregation outcomes, keyed by vote id.
	TopicValidated Topic = "validated"
	// TopicDeadLetter carries terminally failed votes together with their
	// last known verifier responses, keyed by vote id.
	TopicDeadLetter Topic = "dead-letter"
)

// Message headers used by the pipeline.
const (
	// HeaderSessionID is mandatory on every message. Consumers filter on it
	// so that replaying the log for one session never touches another.
	HeaderSessionID = "session_id"
	// HeaderVerifierID is set on per-verifier validation requests.
	HeaderVerifierID = "verifier_id"
	// HeaderAttempt carries the dispatch attempt for retried votes.
	HeaderAttempt = "attempt"
)

// ErrClosed is returned by operations on a closed publisher or consumer.
var ErrClosed = errors.New("broker: closed")

// Message is a single log record.
type Message struct {
	Topic     Topic
	Key       string
	Value     []byte
	Headers   map[string]string
	Partition int
	Offset    int64
}

// Header returns the named header, or "" if absent.
func (m *Message) Header(name string) string {
	if m.Headers == nil {
		return ""
	}
	return m.Headers[name]
}

// Publisher appends messages to the log. Publish must not report success
// until the message is acknowledged by all replicas; a best-effort append
// is not acceptable for votes.
type Publisher interface {
	// Publish appends the message, blocking until it is durably
	// acknowledged or ctx expires.
	Publish(ctx context.Context, msg Message) error

	// Flush blocks until all buffered publishes are acknowledged, or ctx
	// expires. Used during shutdown with a bounded timeout.
	Flush(ctx context.Context) error

	// Close releases the publisher. Publish after Close returns ErrClosed.
	Close() error
}

// Consumer reads messages from a set of topics as part of a consumer
// group. Offsets are committed manually, only after a message is fully
// processed, which gives at-least-once delivery; deduplication is the
// consumer's job.
type Consumer interface {
	// Fetch returns the next message, blocking until one is available or
	// ctx expires.
	Fetch(ctx context.Context) (Message, error)

	// Commit marks the message as fully processed.
	Commit(ctx context.Context, msg Message) error

	// Lag returns the total number of appended-but-uncommitted messages
	// across the consumer's assigned partitions: the sum over partitions
	// of high watermark minus committed offset.
	Lag(ctx context.Context) (int64, error)

	// Close releases the consumer.
	Close() error
}

// LagProvider exposes just the lag computation. The reconciliation gate
// depends on this rather than on a full consumer.
type LagProvider interface {
	Lag(ctx context.Context) (int64, error)
}

// HealthChecker reports whether the broker is reachable. Satisfied by both
// broker implementations and consulted by the health gate.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}
