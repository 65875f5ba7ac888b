package audit

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/fault"
	"github.com/agora-sim/agora/log"
)

func openTestTrail(t *testing.T) *Trail {
	t.Helper()
	trail, err := Open(t.TempDir(), log.NewDefaultLogger("audit-test"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = trail.Close() })
	return trail
}

func TestAppendAndVerify(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v1"}))
	require.NoError(t, trail.Append(Event{Kind: KindDeadLetterFallback, SessionID: "s1", VoteID: "v2"}))
	require.NoError(t, trail.Append(Event{Kind: KindDeadLetter, SessionID: "s1", VoteID: "v3"}))

	require.Equal(t, uint64(3), trail.Length())
	require.NoError(t, trail.Verify())
}

func TestChainSurvivesReopen(t *testing.T) {
	path := t.TempDir()
	logger := log.NewDefaultLogger("audit-test")

	trail, err := Open(path, logger)
	require.NoError(t, err)
	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v1"}))
	require.NoError(t, trail.Close())

	reopened, err := Open(path, logger)
	require.NoError(t, err)
	defer reopened.Close()

	require.Equal(t, uint64(1), reopened.Length())
	require.NoError(t, reopened.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v2"}))
	require.NoError(t, reopened.Verify())
}

func TestVerifyDetectsTampering(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v1"}))
	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v2"}))

	// Rewrite the first record's event in place, keeping its stored hash.
	raw, err := trail.db.Get(seqKey(0))
	require.NoError(t, err)
	var rec record
	require.NoError(t, json.Unmarshal(raw, &rec))
	rec.Event.VoteID = "forged"
	forged, err := json.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, trail.db.Put(seqKey(0), forged))

	err = trail.Verify()
	require.Error(t, err)
	var integrityErr *fault.IntegrityError
	require.ErrorAs(t, err, &integrityErr)
	require.Equal(t, fault.ActionPropagate, fault.Decide(fault.Classify(err), 1, 3))
}

func TestVerifyDetectsMissingRecord(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v1"}))
	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v2"}))

	require.NoError(t, trail.db.Delete(seqKey(1)))

	var integrityErr *fault.IntegrityError
	require.ErrorAs(t, trail.Verify(), &integrityErr)
}

func TestAppendTimestamps(t *testing.T) {
	trail := openTestTrail(t)

	require.NoError(t, trail.Append(Event{Kind: KindOverride, SessionID: "s1", VoteID: "v1"}))

	raw, err := trail.db.Get(seqKey(0))
	require.NoError(t, err)
	var rec record
	require.NoError(t, json.Unmarshal(raw, &rec))
	require.False(t, rec.Event.At.IsZero())
}
