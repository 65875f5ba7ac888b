package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VerifierRole is the role a verifier plays in the three-party validation
// protocol. The set is closed and matched exhaustively by the aggregator.
type VerifierRole string

const (
	// RoleDeterminerA is the first independent determiner.
	RoleDeterminerA VerifierRole = "DETERMINER_A"
	// RoleDeterminerB is the second independent determiner.
	RoleDeterminerB VerifierRole = "DETERMINER_B"
	// RoleObserver reviews the determiners' agreement. It can record
	// dissent but never changes the outcome.
	RoleObserver VerifierRole = "OBSERVER"
)

// Valid reports whether the role is a member of the closed set.
func (r VerifierRole) Valid() bool {
	switch r {
	case RoleDeterminerA, RoleDeterminerB, RoleObserver:
		return true
	default:
		return false
	}
}

// IsDeterminer reports whether the role participates in consensus.
func (r VerifierRole) IsDeterminer() bool {
	return r == RoleDeterminerA || r == RoleDeterminerB
}

// ParseVerifierRole parses a wire-format verifier role.
func ParseVerifierRole(s string) (VerifierRole, error) {
	r := VerifierRole(s)
	if !r.Valid() {
		return "", fmt.Errorf("common: invalid verifier role: '%s'", s)
	}
	return r, nil
}

// VerifierResult is one verifier's independent determination (or
// observation) of a vote's meaning.
type VerifierResult struct {
	VoteID        uuid.UUID    `json:"vote_id"`
	SessionID     uuid.UUID    `json:"session_id"`
	Role          VerifierRole `json:"role"`
	Choice        VoteChoice   `json:"choice"`
	Confidence    float64      `json:"confidence"`
	Justification string       `json:"justification"`
	Attempt       int          `json:"attempt"`
	ReportedAt    time.Time    `json:"reported_at"`
}

// Key returns the result's idempotency key.
func (r *VerifierResult) Key() ResultKey {
	return ResultKey{VoteID: r.VoteID, Role: r.Role, Attempt: r.Attempt}
}

// ResultKey uniquely identifies a verifier result. It is used directly as a
// map key for deduplication; at-least-once delivery means the same result
// may arrive any number of times.
type ResultKey struct {
	VoteID  uuid.UUID
	Role    VerifierRole
	Attempt int
}

// WitnessVerdict is the observer's verdict on a determiner consensus.
type WitnessVerdict string

const (
	VerdictAgrees   WitnessVerdict = "AGREES"
	VerdictDissents WitnessVerdict = "DISSENTS"
)

// Valid reports whether the verdict is a member of the closed set.
func (v WitnessVerdict) Valid() bool {
	return v == VerdictAgrees || v == VerdictDissents
}

// WitnessRequest asks the observer to review a determiner consensus.
type WitnessRequest struct {
	VoteID          uuid.UUID  `json:"vote_id"`
	SessionID       uuid.UUID  `json:"session_id"`
	MotionID        uuid.UUID  `json:"motion_id"`
	ConsensusChoice VoteChoice `json:"consensus_choice"`
	Confidence      float64    `json:"confidence"`
	Attempt         int        `json:"attempt"`
}

// WitnessEvent is the observer's recorded verdict. A dissent is preserved
// as a dissenting statement; it does not alter the consensus choice.
type WitnessEvent struct {
	VoteID     uuid.UUID      `json:"vote_id"`
	SessionID  uuid.UUID      `json:"session_id"`
	Verdict    WitnessVerdict `json:"verdict"`
	Statement  string         `json:"statement,omitempty"`
	Attempt    int            `json:"attempt"`
	ReportedAt time.Time      `json:"reported_at"`
}
