// Package verifier provides the built-in simulated verifier. The real
// deliberation models live outside this repo behind the
// validation.Verifier interface; the simulated verifier re-derives a
// vote's meaning deterministically from its justification text, so whole
// sessions can run end to end without the model-invocation layer.
package verifier

import (
	"context"
	"hash/fnv"
	"strings"
	"time"

	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/validation"
)

const moduleName = "verifier_sim"

// cue words scanned in the justification, strongest first.
var (
	abstainCues = []string{"abstain", "recuse", "no position", "withhold"}
	nayCues     = []string{"oppose", "against", "reject", "nay", "cannot support"}
	ayeCues     = []string{"support", "favour", "favor", "aye", "approve"}
)

// Simulated is a deterministic verifier. Identical inputs always produce
// identical determinations, so determiner consensus and replay both
// behave the way production runs do.
type Simulated struct {
	identity string
	latency  time.Duration

	logger *log.Logger
}

// NewSimulated creates a simulated verifier for the identity. A non-zero
// latency is slept before every determination, to exercise the worker's
// concurrency limits in local runs.
func NewSimulated(identity string, latency time.Duration, logger *log.Logger) *Simulated {
	return &Simulated{
		identity: identity,
		latency:  latency,
		logger:   logger.WithModule(moduleName).With("verifier_id", identity),
	}
}

func (s *Simulated) sleep(ctx context.Context) error {
	if s.latency <= 0 {
		return nil
	}
	select {
	case <-time.After(s.latency):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// deriveChoice scans the justification for voting cues. Absent any cue the
// optimistic choice stands.
func deriveChoice(justification string, optimistic common.VoteChoice) common.VoteChoice {
	text := strings.ToLower(justification)
	for _, cue := range abstainCues {
		if strings.Contains(text, cue) {
			return common.ChoiceAbstain
		}
	}
	for _, cue := range nayCues {
		if strings.Contains(text, cue) {
			return common.ChoiceNay
		}
	}
	for _, cue := range ayeCues {
		if strings.Contains(text, cue) {
			return common.ChoiceAye
		}
	}
	return optimistic
}

// stableConfidence maps (vote, identity) to a confidence in [0.70, 0.99].
func stableConfidence(voteID, identity string) float64 {
	h := fnv.New32a()
	h.Write([]byte(voteID))
	h.Write([]byte(identity))
	return 0.70 + float64(h.Sum32()%30)/100
}

// Determine implements validation.Verifier.
func (s *Simulated) Determine(ctx context.Context, req common.ValidationRequest) (common.VerifierResult, error) {
	if err := s.sleep(ctx); err != nil {
		return common.VerifierResult{}, err
	}
	choice := deriveChoice(req.Vote.Justification, req.Vote.OptimisticChoice)
	s.logger.Debug("determined vote meaning",
		"vote_id", req.Vote.VoteID,
		"choice", choice,
		"attempt", req.Attempt,
	)
	return common.VerifierResult{
		Choice:        choice,
		Confidence:    stableConfidence(req.Vote.VoteID.String(), s.identity),
		Justification: "derived from justification text",
	}, nil
}

// Observe implements validation.Verifier. The simulated observer agrees
// unless the consensus was reached with low confidence, in which case it
// records a dissenting statement. Dissent never changes the outcome.
func (s *Simulated) Observe(ctx context.Context, req common.WitnessRequest) (common.WitnessEvent, error) {
	if err := s.sleep(ctx); err != nil {
		return common.WitnessEvent{}, err
	}
	event := common.WitnessEvent{Verdict: common.VerdictAgrees}
	if req.Confidence < 0.75 {
		event.Verdict = common.VerdictDissents
		event.Statement = "consensus reached below the observer's confidence bar"
	}
	s.logger.Debug("observed consensus",
		"vote_id", req.VoteID,
		"verdict", event.Verdict,
	)
	return event, nil
}

var _ validation.Verifier = (*Simulated)(nil)
