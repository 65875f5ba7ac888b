package aggregator

import (
	"time"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/validation"
)

// VoteAggregation is the mutable per-vote state driven by the aggregator.
// It is owned exclusively by the aggregator assigned to the vote's
// session; no lock is needed because only that one loop mutates it.
type VoteAggregation struct {
	VoteID   uuid.UUID
	Vote     *common.PendingVote // nil until the pending-validation record arrives
	Status   validation.Status
	Attempt  int // current dispatch attempt
	Retries  int
	ConsensusChoice common.VoteChoice
	Confidence      float64
	ObserverVerdict common.WitnessVerdict
	DissentingNote  string

	// seen deduplicates verifier results on their idempotency key.
	seen map[common.ResultKey]struct{}
	// determiners holds the determiner results per attempt.
	determiners map[int]map[common.VerifierRole]common.VerifierResult
	// observerSince is when the aggregation entered OBSERVER_PENDING.
	observerSince time.Time
}

func newAggregation(voteID uuid.UUID) *VoteAggregation {
	return &VoteAggregation{
		VoteID:      voteID,
		Status:      validation.StatusPending,
		Attempt:     1,
		seen:        make(map[common.ResultKey]struct{}),
		determiners: make(map[int]map[common.VerifierRole]common.VerifierResult),
	}
}

// apply records a verifier result. It returns false if the result was a
// duplicate or arrived after a terminal state.
func (a *VoteAggregation) apply(result common.VerifierResult) bool {
	if a.Status.Terminal() {
		return false
	}
	key := result.Key()
	if _, dup := a.seen[key]; dup {
		return false
	}
	a.seen[key] = struct{}{}

	if !result.Role.IsDeterminer() {
		// Observer results arrive on the witness-events topic; a
		// determiner-topic message with an observer role is misaddressed.
		return false
	}
	byRole, ok := a.determiners[result.Attempt]
	if !ok {
		byRole = make(map[common.VerifierRole]common.VerifierResult)
		a.determiners[result.Attempt] = byRole
	}
	// A verifier never changes its own result for a fixed attempt; the
	// dedup key above already guarantees first-write-wins.
	byRole[result.Role] = result
	if result.Attempt > a.Attempt {
		a.Attempt = result.Attempt
	}
	return true
}

// determinerPair returns both determiner results for the attempt, or ok=false.
func (a *VoteAggregation) determinerPair(attempt int) (first, second common.VerifierResult, ok bool) {
	byRole := a.determiners[attempt]
	if byRole == nil {
		return
	}
	first, okA := byRole[common.RoleDeterminerA]
	second, okB := byRole[common.RoleDeterminerB]
	return first, second, okA && okB
}

// checkDeterminerConsensus evaluates the current attempt's determiner
// pair. It reports whether both results are in, and whether they agree; on
// agreement the consensus choice and min-confidence are recorded.
func (a *VoteAggregation) checkDeterminerConsensus() (complete, agreed bool) {
	first, second, ok := a.determinerPair(a.Attempt)
	if !ok {
		return false, false
	}
	if first.Choice != second.Choice {
		a.Status = validation.StatusDisagreement
		return true, false
	}
	a.ConsensusChoice = first.Choice
	a.Confidence = first.Confidence
	if second.Confidence < a.Confidence {
		a.Confidence = second.Confidence
	}
	a.Status = validation.StatusConsensus
	return true, true
}

// lastResponses returns the most recent attempt's determiner results, for
// dead-letter records.
func (a *VoteAggregation) lastResponses() []common.VerifierResult {
	byRole := a.determiners[a.Attempt]
	if byRole == nil {
		return nil
	}
	out := make([]common.VerifierResult, 0, len(byRole))
	for _, r := range byRole {
		out = append(out, r)
	}
	return out
}
