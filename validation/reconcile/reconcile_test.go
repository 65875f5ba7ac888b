package reconcile

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/audit"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/validation"
)

// staticLag is a LagProvider returning a fixed value.
type staticLag struct {
	lag int64
	err error
}

func (s *staticLag) Lag(context.Context) (int64, error) { return s.lag, s.err }

func testService(t *testing.T, lag *staticLag, timeout time.Duration) (*Service, *audit.Trail, uuid.UUID) {
	t.Helper()
	logger := log.NewDefaultLogger("reconcile-test")
	trail, err := audit.Open(t.TempDir(), logger)
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })

	session := uuid.New()
	svc := New(config.ReconcilerConfig{
		PollInterval: 10 * time.Millisecond,
		Timeout:      timeout,
	}, session, lag, trail, logger)
	return svc, trail, session
}

func registerVote(svc *Service, motion uuid.UUID, choice common.VoteChoice) common.PendingVote {
	vote := common.PendingVote{
		VoteID:           uuid.New(),
		SessionID:        svc.session,
		MotionID:         motion,
		VoterID:          uuid.New(),
		OptimisticChoice: choice,
		CastAt:           time.Now().UTC(),
	}
	svc.RegisterVote(vote)
	return vote
}

func TestAwaitAllComplete(t *testing.T) {
	svc, _, _ := testService(t, &staticLag{}, time.Second)
	motion := uuid.New()

	v1 := registerVote(svc, motion, common.ChoiceAye)
	v2 := registerVote(svc, motion, common.ChoiceNay)
	svc.MarkValidated(v1.VoteID, common.ChoiceAye)
	svc.MarkValidated(v2.VoteID, common.ChoiceAye)

	res, err := svc.AwaitAll(context.Background(), motion, 2)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, 2, res.Validated)
	require.Zero(t, res.Pending)
	require.Zero(t, res.DeadLetter)

	// v2 was validated AYE against an optimistic NAY: it needs an override.
	overrides := 0
	for i := range res.Votes {
		if res.Votes[i].RequiresOverride() {
			overrides++
			require.Equal(t, v2.VoteID, res.Votes[i].VoteID)
		}
	}
	require.Equal(t, 1, overrides)
}

func TestAwaitAllTimeoutWithPendingVotes(t *testing.T) {
	svc, _, _ := testService(t, &staticLag{}, 100*time.Millisecond)
	motion := uuid.New()

	votes := make([]common.PendingVote, 0, 5)
	for i := 0; i < 5; i++ {
		votes = append(votes, registerVote(svc, motion, common.ChoiceAye))
	}
	for _, v := range votes[:3] {
		svc.MarkValidated(v.VoteID, common.ChoiceAye)
	}

	_, err := svc.AwaitAll(context.Background(), motion, 5)
	require.Error(t, err)

	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, 2, incomplete.Pending)
	require.Zero(t, incomplete.Lag)
}

func TestAwaitAllTimeoutWithUnregisteredVotes(t *testing.T) {
	svc, _, _ := testService(t, &staticLag{}, 100*time.Millisecond)
	motion := uuid.New()

	// Three of five expected votes were ever dispatched, all validated.
	for i := 0; i < 3; i++ {
		v := registerVote(svc, motion, common.ChoiceAye)
		svc.MarkValidated(v.VoteID, common.ChoiceAye)
	}

	_, err := svc.AwaitAll(context.Background(), motion, 5)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, 2, incomplete.Pending)
}

func TestLagHoldsGate(t *testing.T) {
	lag := &staticLag{lag: 7}
	svc, _, _ := testService(t, lag, 100*time.Millisecond)
	motion := uuid.New()

	v := registerVote(svc, motion, common.ChoiceAye)
	svc.MarkValidated(v.VoteID, common.ChoiceAye)

	// All votes are terminal but the consumers haven't drained: the gate
	// must not declare completion.
	_, err := svc.AwaitAll(context.Background(), motion, 1)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
	require.Equal(t, int64(7), incomplete.Lag)

	// Once the lag drains, completion follows.
	lag.lag = 0
	res, err := svc.AwaitAll(context.Background(), motion, 1)
	require.NoError(t, err)
	require.True(t, res.Complete)
}

func TestUnobservableLagHoldsGate(t *testing.T) {
	svc, _, _ := testService(t, &staticLag{err: errors.New("brokers unreachable")}, 100*time.Millisecond)
	motion := uuid.New()

	v := registerVote(svc, motion, common.ChoiceAye)
	svc.MarkValidated(v.VoteID, common.ChoiceAye)

	// An unobservable lag reads as non-zero; the gate stays shut.
	_, err := svc.AwaitAll(context.Background(), motion, 1)
	var incomplete *IncompleteError
	require.ErrorAs(t, err, &incomplete)
}

func TestDeadLetterFallbacksAudited(t *testing.T) {
	svc, trail, _ := testService(t, &staticLag{}, time.Second)
	motion := uuid.New()

	v1 := registerVote(svc, motion, common.ChoiceAye)
	v2 := registerVote(svc, motion, common.ChoiceNay)
	svc.MarkValidated(v1.VoteID, common.ChoiceAye)
	svc.MarkDeadLetter(v2.VoteID, "disagreement exhausted")

	res, err := svc.AwaitAll(context.Background(), motion, 2)
	require.NoError(t, err)
	require.True(t, res.Complete)
	require.Equal(t, 1, res.Validated)
	require.Equal(t, 1, res.DeadLetter)
	require.Equal(t, 1, res.Fallbacks)

	// The fallback vote stands at its optimistic choice and needs no
	// override (the optimistic tally already reflects it).
	for i := range res.Votes {
		if res.Votes[i].VoteID == v2.VoteID {
			require.True(t, res.Votes[i].FallbackApplied)
			require.False(t, res.Votes[i].RequiresOverride())
		}
	}

	// Each fallback is individually recorded on the accountability trail.
	require.Equal(t, uint64(1), trail.Length())
	require.NoError(t, trail.Verify())
}

func TestMarkIsIdempotentAfterTerminal(t *testing.T) {
	svc, _, _ := testService(t, &staticLag{}, time.Second)
	motion := uuid.New()

	v := registerVote(svc, motion, common.ChoiceAye)
	svc.MarkValidated(v.VoteID, common.ChoiceNay)
	// A vote has at most one terminal outcome; later marks are dropped.
	svc.MarkDeadLetter(v.VoteID, "late duplicate")
	svc.MarkValidated(v.VoteID, common.ChoiceAbstain)

	res := svc.Status(context.Background(), motion)
	require.Equal(t, 1, res.Validated)
	require.Zero(t, res.DeadLetter)
	require.Equal(t, common.ChoiceNay, res.Votes[0].ValidatedChoice)
}

func TestStatusNonBlocking(t *testing.T) {
	svc, _, session := testService(t, &staticLag{lag: 3}, time.Second)
	motion := uuid.New()

	registerVote(svc, motion, common.ChoiceAye)
	res := svc.Status(context.Background(), motion)
	require.Equal(t, session, res.SessionID)
	require.Equal(t, 1, res.Pending)
	require.Equal(t, int64(3), res.ConsumerLag)
	require.False(t, res.Complete)

	// Registering under one motion is invisible to another.
	other := svc.Status(context.Background(), uuid.New())
	require.Zero(t, other.Pending)

	// uuid.Nil spans all motions.
	all := svc.Status(context.Background(), uuid.Nil)
	require.Equal(t, 1, all.Pending)

	st := validation.StatusPending
	require.Equal(t, st, res.Votes[0].Status)
}
