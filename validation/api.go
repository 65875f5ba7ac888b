// Package validation defines the interfaces shared by the vote-validation
// services: the long-running service contract, the external verifier
// capability, and the terminal outcome records exchanged over the broker.
package validation

import (
	"context"
	"errors"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/common"
)

// ErrStopped is returned by a service loop that exited because Stop was
// requested.
var ErrStopped = errors.New("validation: service stopped")

// Service is a long-running pipeline worker.
type Service interface {
	// Start runs the service's consumption loop until ctx is canceled or
	// the service is stopped. A returned error other than ErrStopped is
	// fatal for the owning process.
	Start(ctx context.Context) error

	// Name returns the name of the service.
	Name() string
}

// Verifier is the external model-invocation capability, narrowed to the
// two operations the pipeline needs. Implementations wrap the content
// generation layer; tests use mocks.
type Verifier interface {
	// Determine independently determines the meaning of the vote.
	Determine(ctx context.Context, req common.ValidationRequest) (common.VerifierResult, error)

	// Observe reviews a determiner consensus and returns a verdict.
	Observe(ctx context.Context, req common.WitnessRequest) (common.WitnessEvent, error)
}

// Status is a vote aggregation lifecycle status.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusConsensus       Status = "CONSENSUS"
	StatusObserverPending Status = "OBSERVER_PENDING"
	StatusDisagreement    Status = "DISAGREEMENT"
	StatusRetryPending    Status = "RETRY_PENDING"
	StatusValidated       Status = "VALIDATED"
	StatusDeadLetter      Status = "DEAD_LETTER"
)

// Terminal reports whether the status is terminal.
func (s Status) Terminal() bool {
	return s == StatusValidated || s == StatusDeadLetter
}

// Outcome is the final validation outcome for one vote, published on the
// `validated` topic.
type Outcome struct {
	VoteID          uuid.UUID             `json:"vote_id"`
	SessionID       uuid.UUID             `json:"session_id"`
	MotionID        uuid.UUID             `json:"motion_id"`
	Status          Status                `json:"status"`
	ConsensusChoice common.VoteChoice     `json:"consensus_choice"`
	Confidence      float64               `json:"confidence"`
	ObserverVerdict common.WitnessVerdict `json:"observer_verdict,omitempty"`
	DissentingNote  string                `json:"dissenting_note,omitempty"`
}

// DeadLetterRecord is published on the `dead-letter` topic for a vote that
// failed terminally, carrying the last known verifier responses for
// operator inspection.
type DeadLetterRecord struct {
	VoteID        uuid.UUID               `json:"vote_id"`
	SessionID     uuid.UUID               `json:"session_id"`
	MotionID      uuid.UUID               `json:"motion_id"`
	Reason        string                  `json:"reason"`
	Attempts      int                     `json:"attempts"`
	LastResponses []common.VerifierResult `json:"last_responses,omitempty"`
}
