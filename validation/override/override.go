// Package override corrects optimistic tallies after validation. Each
// correction moves one vote from its optimistic choice to its validated
// choice, holding the tally invariant (ayes+nays+abstains == total) before
// and after every mutation.
package override

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/audit"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
	"github.com/agora-sim/agora/validation/reconcile"
)

const moduleName = "override"

// VoteMutator is the tally mutation contract the override service drives.
// The postgres store implements it; tests use an in-memory fake.
type VoteMutator interface {
	// Snapshot returns the motion's current tally.
	Snapshot(ctx context.Context, motionID uuid.UUID) (common.TallySnapshot, error)

	// ApplyOverride atomically moves one vote from one choice bucket to
	// another and returns the resulting tally.
	ApplyOverride(ctx context.Context, motionID uuid.UUID, from, to common.VoteChoice) (common.TallySnapshot, error)
}

// Override is a single requested tally correction.
type Override struct {
	VoteID   uuid.UUID
	MotionID uuid.UUID
	From     common.VoteChoice
	To       common.VoteChoice
}

// Applied reports an executed correction.
type Applied struct {
	VoteID   uuid.UUID            `json:"vote_id"`
	MotionID uuid.UUID            `json:"motion_id"`
	From     common.VoteChoice    `json:"from"`
	To       common.VoteChoice    `json:"to"`
	Before   common.TallySnapshot `json:"before"`
	After    common.TallySnapshot `json:"after"`

	// OutcomeChanged is true when the correction flipped the motion
	// between passing and failing.
	OutcomeChanged bool `json:"outcome_changed"`
}

// TallyInvariantError reports a tally whose buckets no longer sum to its
// total. It is fatal: the session's counts can no longer be trusted, so no
// further overrides are applied.
type TallyInvariantError struct {
	MotionID uuid.UUID
	Snapshot common.TallySnapshot
	Phase    string // "before" or "after"
}

func (e *TallyInvariantError) Error() string {
	return fmt.Sprintf(
		"override: tally invariant violated %s override on motion %s: %d+%d+%d != %d",
		e.Phase, e.MotionID,
		e.Snapshot.Ayes, e.Snapshot.Nays, e.Snapshot.Abstains, e.Snapshot.TotalVotes,
	)
}

// Service applies validated-choice corrections to motion tallies.
type Service struct {
	store VoteMutator
	trail *audit.Trail

	logger  *log.Logger
	metrics metrics.PipelineMetrics
}

// New creates an override service over the tally store.
func New(store VoteMutator, trail *audit.Trail, logger *log.Logger) *Service {
	return &Service{
		store:   store,
		trail:   trail,
		logger:  logger.WithModule(moduleName),
		metrics: metrics.NewDefaultPipelineMetrics(moduleName),
	}
}

// Apply executes the overrides in order. The first invariant violation or
// trail-write failure aborts the remaining overrides; corrections applied
// up to that point are returned alongside the error.
func (s *Service) Apply(ctx context.Context, session uuid.UUID, overrides []Override) ([]Applied, error) {
	applied := make([]Applied, 0, len(overrides))
	for _, ov := range overrides {
		a, err := s.applyOne(ctx, session, ov)
		if err != nil {
			return applied, err
		}
		applied = append(applied, a)
	}
	return applied, nil
}

func (s *Service) applyOne(ctx context.Context, session uuid.UUID, ov Override) (Applied, error) {
	if ov.From == ov.To {
		return Applied{}, fmt.Errorf("override: vote %s: identical from/to choice %s", ov.VoteID, ov.From)
	}
	if !ov.From.Valid() || !ov.To.Valid() {
		return Applied{}, fmt.Errorf("override: vote %s: invalid choice (from=%q, to=%q)", ov.VoteID, ov.From, ov.To)
	}

	before, err := s.store.Snapshot(ctx, ov.MotionID)
	if err != nil {
		return Applied{}, fmt.Errorf("override: snapshotting tally for motion %s: %w", ov.MotionID, err)
	}
	if !before.Consistent() {
		return Applied{}, &TallyInvariantError{MotionID: ov.MotionID, Snapshot: before, Phase: "before"}
	}
	if before.Count(ov.From) == 0 {
		return Applied{}, fmt.Errorf("override: vote %s: no %s votes to move on motion %s", ov.VoteID, ov.From, ov.MotionID)
	}

	after, err := s.store.ApplyOverride(ctx, ov.MotionID, ov.From, ov.To)
	if err != nil {
		return Applied{}, fmt.Errorf("override: applying override for vote %s: %w", ov.VoteID, err)
	}
	if !after.Consistent() || after.TotalVotes != before.TotalVotes {
		return Applied{}, &TallyInvariantError{MotionID: ov.MotionID, Snapshot: after, Phase: "after"}
	}

	a := Applied{
		VoteID:         ov.VoteID,
		MotionID:       ov.MotionID,
		From:           ov.From,
		To:             ov.To,
		Before:         before,
		After:          after,
		OutcomeChanged: before.Passing() != after.Passing(),
	}

	detail, _ := json.Marshal(a)
	if err := s.trail.Append(audit.Event{
		Kind:      audit.KindOverride,
		SessionID: session.String(),
		VoteID:    ov.VoteID.String(),
		Detail:    detail,
	}); err != nil {
		// An unrecorded override is worse than an unapplied one; stop here.
		return Applied{}, err
	}

	s.metrics.VoteOutcomes("override_applied").Inc()
	s.logger.Info("tally override applied",
		"vote_id", ov.VoteID,
		"motion_id", ov.MotionID,
		"from", ov.From,
		"to", ov.To,
		"outcome_changed", a.OutcomeChanged,
	)
	if a.OutcomeChanged {
		s.logger.Warn("override flipped motion outcome",
			"motion_id", ov.MotionID,
			"now_passing", after.Passing(),
		)
	}
	return a, nil
}

// FromReconciliation builds the override list from a completed
// reconciliation result: one correction per validated vote whose validated
// choice differs from its optimistic one.
func FromReconciliation(res reconcile.Result) []Override {
	var out []Override
	for i := range res.Votes {
		v := &res.Votes[i]
		if !v.RequiresOverride() {
			continue
		}
		out = append(out, Override{
			VoteID:   v.VoteID,
			MotionID: v.MotionID,
			From:     v.OptimisticChoice,
			To:       v.ValidatedChoice,
		})
	}
	return out
}
