// Package common holds the domain types shared across the vote-validation
// pipeline: vote choices, verifier roles, the messages exchanged over the
// broker, and the tally snapshot.
package common

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// VoteChoice is a parliamentary vote choice. The set is closed; anything
// else on the wire is an invalid message.
type VoteChoice string

const (
	ChoiceAye     VoteChoice = "AYE"
	ChoiceNay     VoteChoice = "NAY"
	ChoiceAbstain VoteChoice = "ABSTAIN"
)

// Valid reports whether the choice is a member of the closed set.
func (c VoteChoice) Valid() bool {
	switch c {
	case ChoiceAye, ChoiceNay, ChoiceAbstain:
		return true
	default:
		return false
	}
}

// ParseVoteChoice parses a wire-format vote choice.
func ParseVoteChoice(s string) (VoteChoice, error) {
	c := VoteChoice(s)
	if !c.Valid() {
		return "", fmt.Errorf("common: invalid vote choice: '%s'", s)
	}
	return c, nil
}

// PendingVote is an optimistically counted vote awaiting independent
// validation. It is created once when the vote is cast and never mutated.
type PendingVote struct {
	VoteID           uuid.UUID  `json:"vote_id"`
	SessionID        uuid.UUID  `json:"session_id"`
	MotionID         uuid.UUID  `json:"motion_id"`
	VoterID          uuid.UUID  `json:"voter_id"`
	OptimisticChoice VoteChoice `json:"optimistic_choice"`
	Justification    string     `json:"justification"`
	CastAt           time.Time  `json:"cast_at"`
}

// ValidationRequest asks a single verifier to independently determine the
// meaning of one vote. One request exists per (vote, verifier, attempt).
type ValidationRequest struct {
	Vote       PendingVote `json:"vote"`
	VerifierID string      `json:"verifier_id"`
	Attempt    int         `json:"attempt"`
}

// RoutingKey returns the broker key for the request. Same-vote requests for
// one verifier share a partition so they are totally ordered, and distinct
// verifiers never share a key, so a worker only ever sees its own requests.
func (r *ValidationRequest) RoutingKey() string {
	return r.Vote.VoteID.String() + ":" + r.VerifierID
}

// TallySnapshot is a point-in-time copy of a motion's tally.
type TallySnapshot struct {
	Ayes       int `json:"ayes"`
	Nays       int `json:"nays"`
	Abstains   int `json:"abstains"`
	TotalVotes int `json:"total_votes"`
}

// Consistent reports whether the snapshot satisfies the tally invariant.
func (t TallySnapshot) Consistent() bool {
	return t.Ayes+t.Nays+t.Abstains == t.TotalVotes
}

// Count returns the snapshot's count for the given choice.
func (t TallySnapshot) Count(c VoteChoice) int {
	switch c {
	case ChoiceAye:
		return t.Ayes
	case ChoiceNay:
		return t.Nays
	case ChoiceAbstain:
		return t.Abstains
	default:
		return 0
	}
}

// Passing reports whether the tally currently carries the motion, using a
// simple-majority threshold over ayes and nays. Abstentions do not count
// toward either side.
func (t TallySnapshot) Passing() bool {
	return t.Ayes > t.Nays
}
