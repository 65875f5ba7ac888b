// Package tally persists motion tallies and tracked-vote state in
// postgres. The Store is the durable side of reconciliation: optimistic
// counts are written as votes are cast, and the override service corrects
// them through ApplyOverride after validation.
package tally

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/storage"
	"github.com/agora-sim/agora/validation/reconcile"
)

const moduleName = "tally"

// Store reads and writes motion tallies.
type Store struct {
	target storage.TargetStorage
	logger *log.Logger
}

// NewStore creates a tally store over the target storage.
func NewStore(target storage.TargetStorage, logger *log.Logger) *Store {
	return &Store{
		target: target,
		logger: logger.WithModule(moduleName),
	}
}

// choiceColumn maps a vote choice to its tally column. The switch keeps
// choice values out of SQL string interpolation.
func choiceColumn(c common.VoteChoice) (string, error) {
	switch c {
	case common.ChoiceAye:
		return "ayes", nil
	case common.ChoiceNay:
		return "nays", nil
	case common.ChoiceAbstain:
		return "abstains", nil
	default:
		return "", fmt.Errorf("tally: no column for choice '%s'", c)
	}
}

// RecordVote applies an optimistic vote: the motion tally bucket and total
// are incremented and the vote is inserted as tracked, atomically.
func (s *Store) RecordVote(ctx context.Context, vote common.PendingVote) error {
	col, err := choiceColumn(vote.OptimisticChoice)
	if err != nil {
		return err
	}
	batch := &storage.QueryBatch{}
	batch.Queue(fmt.Sprintf(`
		INSERT INTO tally.motion_tallies (motion_id, session_id, %[1]s, total_votes)
		VALUES ($1, $2, 1, 1)
		ON CONFLICT (motion_id) DO UPDATE
		SET %[1]s = tally.motion_tallies.%[1]s + 1,
		    total_votes = tally.motion_tallies.total_votes + 1,
		    updated_at = now()`, col),
		vote.MotionID, vote.SessionID,
	)
	batch.Queue(`
		INSERT INTO tally.tracked_votes
			(vote_id, session_id, motion_id, voter_id, optimistic_choice, status)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (vote_id) DO NOTHING`,
		vote.VoteID, vote.SessionID, vote.MotionID, vote.VoterID,
		string(vote.OptimisticChoice), "PENDING",
	)
	if err := s.target.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("tally: recording vote %s: %w", vote.VoteID, err)
	}
	return nil
}

// Snapshot returns the motion's current tally.
func (s *Store) Snapshot(ctx context.Context, motionID uuid.UUID) (common.TallySnapshot, error) {
	var snap common.TallySnapshot
	err := s.target.QueryRow(ctx, `
		SELECT ayes, nays, abstains, total_votes
		FROM tally.motion_tallies
		WHERE motion_id = $1`,
		motionID,
	).Scan(&snap.Ayes, &snap.Nays, &snap.Abstains, &snap.TotalVotes)
	if err != nil {
		return common.TallySnapshot{}, fmt.Errorf("tally: snapshotting motion %s: %w", motionID, err)
	}
	return snap, nil
}

// ApplyOverride atomically moves one vote between tally buckets and returns
// the resulting snapshot. The total is untouched; the database invariant
// constraint rejects any update that would break the bucket sum.
func (s *Store) ApplyOverride(ctx context.Context, motionID uuid.UUID, from, to common.VoteChoice) (common.TallySnapshot, error) {
	fromCol, err := choiceColumn(from)
	if err != nil {
		return common.TallySnapshot{}, err
	}
	toCol, err := choiceColumn(to)
	if err != nil {
		return common.TallySnapshot{}, err
	}

	var snap common.TallySnapshot
	err = s.target.QueryRow(ctx, fmt.Sprintf(`
		UPDATE tally.motion_tallies
		SET %[1]s = %[1]s - 1,
		    %[2]s = %[2]s + 1,
		    updated_at = now()
		WHERE motion_id = $1
		RETURNING ayes, nays, abstains, total_votes`, fromCol, toCol),
		motionID,
	).Scan(&snap.Ayes, &snap.Nays, &snap.Abstains, &snap.TotalVotes)
	if err != nil {
		return common.TallySnapshot{}, fmt.Errorf("tally: applying override on motion %s: %w", motionID, err)
	}
	return snap, nil
}

// Passing reports whether the motion currently passes (strict aye
// majority over nays).
func (s *Store) Passing(ctx context.Context, motionID uuid.UUID) (bool, error) {
	var passing bool
	err := s.target.QueryRow(ctx, `
		SELECT ayes > nays
		FROM tally.motion_tallies
		WHERE motion_id = $1`,
		motionID,
	).Scan(&passing)
	if err != nil {
		return false, fmt.Errorf("tally: reading pass state of motion %s: %w", motionID, err)
	}
	return passing, nil
}

// SaveTracked persists the reconciliation state of the session's votes.
// Called after reconciliation completes so restarts can report history
// without replaying the log.
func (s *Store) SaveTracked(ctx context.Context, sessionID uuid.UUID, votes []reconcile.TrackedVote) error {
	if len(votes) == 0 {
		return nil
	}
	batch := &storage.QueryBatch{}
	for _, v := range votes {
		batch.Queue(`
			UPDATE tally.tracked_votes
			SET validated_choice = NULLIF($2, ''),
			    status = $3,
			    dead_letter_reason = NULLIF($4, ''),
			    fallback_applied = $5,
			    updated_at = now()
			WHERE vote_id = $1`,
			v.VoteID, string(v.ValidatedChoice), string(v.Status),
			v.DeadLetterReason, v.FallbackApplied,
		)
	}
	if err := s.target.SendBatch(ctx, batch); err != nil {
		return fmt.Errorf("tally: saving tracked votes for session %s: %w", sessionID, err)
	}
	s.logger.Info("tracked votes persisted", "session", sessionID, "votes", len(votes))
	return nil
}
