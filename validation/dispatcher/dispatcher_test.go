package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/breaker"
	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/schema"
	"github.com/agora-sim/agora/validation"
)

// capturePublisher records publishes and fails selected verifier ids.
type capturePublisher struct {
	published []broker.Message
	failFor   map[string]error
}

func (p *capturePublisher) Publish(_ context.Context, msg broker.Message) error {
	if err := p.failFor[msg.Header(broker.HeaderVerifierID)]; err != nil {
		return err
	}
	p.published = append(p.published, msg)
	return nil
}

func (p *capturePublisher) Flush(ctx context.Context) error { return ctx.Err() }
func (p *capturePublisher) Close() error                    { return nil }

func testDispatcher(t *testing.T, pub broker.Publisher, verifiers []string) (*Dispatcher, *breaker.Breaker) {
	t.Helper()
	logger := log.NewDefaultLogger("dispatcher-test")
	codec := schema.NewCodec(schema.NewStaticRegistry(schema.PipelineSchemas()...))
	circuit := breaker.New("dispatch-test", breaker.Config{FailureThreshold: 100}, logger)
	return New(config.DispatcherConfig{}, pub, codec, circuit, verifiers, logger), circuit
}

func testVote() common.PendingVote {
	return common.PendingVote{
		VoteID:           uuid.New(),
		SessionID:        uuid.New(),
		MotionID:         uuid.New(),
		VoterID:          uuid.New(),
		OptimisticChoice: common.ChoiceAye,
		Justification:    "in favour",
		CastAt:           time.Now().UTC(),
	}
}

func TestDispatchFansOutPerVerifier(t *testing.T) {
	pub := &capturePublisher{}
	d, _ := testDispatcher(t, pub, []string{"det-a", "det-b"})
	vote := testVote()

	result := d.Dispatch(context.Background(), vote, 1)
	require.False(t, result.ShouldFallbackToSync)
	require.ElementsMatch(t, []string{"det-a", "det-b"}, result.Succeeded)
	require.Empty(t, result.Failed)

	require.Len(t, pub.published, 2)
	for i, verifierID := range []string{"det-a", "det-b"} {
		msg := pub.published[i]
		require.Equal(t, broker.TopicValidationRequests, msg.Topic)
		// Routing key partitions per (vote, verifier).
		require.Equal(t, vote.VoteID.String()+":"+verifierID, msg.Key)
		require.Equal(t, vote.SessionID.String(), msg.Header(broker.HeaderSessionID))
		require.Equal(t, verifierID, msg.Header(broker.HeaderVerifierID))
		require.Equal(t, "1", msg.Header(broker.HeaderAttempt))
	}
}

func TestDispatchAllOrFallback(t *testing.T) {
	pub := &capturePublisher{failFor: map[string]error{
		"det-b": errors.New("connection refused"),
	}}
	d, _ := testDispatcher(t, pub, []string{"det-a", "det-b"})

	result := d.Dispatch(context.Background(), testVote(), 1)

	// One unreachable verifier poisons the whole dispatch: partial
	// verification would leave the vote unverifiable.
	require.True(t, result.ShouldFallbackToSync)
	require.Equal(t, []string{"det-a"}, result.Succeeded)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "det-b", result.Failed[0].VerifierID)
}

func TestDispatchOpenCircuitShortCircuits(t *testing.T) {
	pub := &capturePublisher{}
	d, circuit := testDispatcher(t, pub, []string{"det-a", "det-b"})
	circuit.ForceOpen()

	result := d.Dispatch(context.Background(), testVote(), 1)

	// A pre-open circuit fails fast without touching the network.
	require.True(t, result.ShouldFallbackToSync)
	require.Empty(t, result.Succeeded)
	require.Len(t, result.Failed, 2)
	require.Empty(t, pub.published)
}

// downRegistry fails every schema lookup.
type downRegistry struct{}

func (downRegistry) Schema(context.Context, string) (*schema.Schema, error) {
	return nil, errors.New("registry unreachable")
}

func (downRegistry) Healthy(context.Context) error {
	return errors.New("registry unreachable")
}

func TestEncodeFailureDoesNotTripCircuit(t *testing.T) {
	logger := log.NewDefaultLogger("dispatcher-test")
	pub := &capturePublisher{}
	// Threshold 1: a single recorded failure would open the circuit.
	circuit := breaker.New("dispatch-encode-test", breaker.Config{FailureThreshold: 1}, logger)
	d := New(config.DispatcherConfig{}, pub, schema.NewCodec(downRegistry{}), circuit, []string{"det-a", "det-b"}, logger)

	result := d.Dispatch(context.Background(), testVote(), 1)
	require.True(t, result.ShouldFallbackToSync)
	require.Len(t, result.Failed, 2)
	require.Empty(t, pub.published)

	// A failing schema registry is a local problem, not a broker fault:
	// the publish circuit stays closed for traffic that can be encoded.
	require.Equal(t, breaker.StateClosed, circuit.State())
}

// trackerMock implements Tracker.
type trackerMock struct {
	registered []common.PendingVote
	validated  map[uuid.UUID]common.VoteChoice
	deadLetter map[uuid.UUID]string
}

func newTrackerMock() *trackerMock {
	return &trackerMock{
		validated:  make(map[uuid.UUID]common.VoteChoice),
		deadLetter: make(map[uuid.UUID]string),
	}
}

func (m *trackerMock) RegisterVote(vote common.PendingVote) {
	m.registered = append(m.registered, vote)
}

func (m *trackerMock) MarkValidated(voteID uuid.UUID, choice common.VoteChoice) {
	m.validated[voteID] = choice
}

func (m *trackerMock) MarkDeadLetter(voteID uuid.UUID, reason string) {
	m.deadLetter[voteID] = reason
}

// scriptedVerifier returns a fixed choice or error.
type scriptedVerifier struct {
	choice common.VoteChoice
	err    error
}

func (v *scriptedVerifier) Determine(context.Context, common.ValidationRequest) (common.VerifierResult, error) {
	if v.err != nil {
		return common.VerifierResult{}, v.err
	}
	return common.VerifierResult{Choice: v.choice, Confidence: 0.9}, nil
}

func (v *scriptedVerifier) Observe(context.Context, common.WitnessRequest) (common.WitnessEvent, error) {
	return common.WitnessEvent{Verdict: common.VerdictAgrees}, nil
}

func testSyncService(t *testing.T, pub broker.Publisher, a, b validation.Verifier) (*Service, *trackerMock, uuid.UUID) {
	t.Helper()
	d, circuit := testDispatcher(t, pub, []string{"det-a", "det-b"})
	circuit.ForceOpen() // force the async path down so dispatch falls back
	tracker := newTrackerMock()
	session := uuid.New()
	svc := NewService(d, nil, session, tracker, []SyncVerifier{
		{ID: "det-a", Role: common.RoleDeterminerA, Verifier: a},
		{ID: "det-b", Role: common.RoleDeterminerB, Verifier: b},
	})
	return svc, tracker, session
}

func TestSyncFallbackValidates(t *testing.T) {
	svc, tracker, _ := testSyncService(t, &capturePublisher{},
		&scriptedVerifier{choice: common.ChoiceNay},
		&scriptedVerifier{choice: common.ChoiceNay},
	)
	vote := testVote()

	svc.validateSync(context.Background(), vote, 1)
	require.Equal(t, common.ChoiceNay, tracker.validated[vote.VoteID])
	require.Empty(t, tracker.deadLetter)
}

func TestSyncFallbackDisagreementDeadLetters(t *testing.T) {
	svc, tracker, _ := testSyncService(t, &capturePublisher{},
		&scriptedVerifier{choice: common.ChoiceAye},
		&scriptedVerifier{choice: common.ChoiceNay},
	)
	vote := testVote()

	svc.validateSync(context.Background(), vote, 1)
	require.Empty(t, tracker.validated)
	require.Contains(t, tracker.deadLetter[vote.VoteID], "disagreement")
}

func TestSyncFallbackVerifierFailureDeadLetters(t *testing.T) {
	svc, tracker, _ := testSyncService(t, &capturePublisher{},
		&scriptedVerifier{err: errors.New("model unavailable")},
		&scriptedVerifier{choice: common.ChoiceAye},
	)
	vote := testVote()

	svc.validateSync(context.Background(), vote, 1)
	require.Empty(t, tracker.validated)
	require.Contains(t, tracker.deadLetter[vote.VoteID], "determination failed")
}

func TestServiceHandleRegistersAndFallsBack(t *testing.T) {
	pub := &capturePublisher{}
	svc, tracker, session := testSyncService(t, pub,
		&scriptedVerifier{choice: common.ChoiceAye},
		&scriptedVerifier{choice: common.ChoiceAye},
	)

	vote := testVote()
	vote.SessionID = session
	codec := schema.NewCodec(schema.NewStaticRegistry(schema.PipelineSchemas()...))
	raw, err := codec.Encode(context.Background(), string(broker.TopicPendingValidation), &vote)
	require.NoError(t, err)

	svc.handle(context.Background(), broker.Message{
		Topic: broker.TopicPendingValidation,
		Key:   vote.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: session.String(),
			broker.HeaderAttempt:   strconv.Itoa(1),
		},
	})

	// First-attempt votes are registered with the reconciliation gate, and
	// with the circuit open the vote settles through the sync path.
	require.Len(t, tracker.registered, 1)
	require.Equal(t, common.ChoiceAye, tracker.validated[vote.VoteID])
}

func TestServiceHandleFiltersOtherSessions(t *testing.T) {
	svc, tracker, _ := testSyncService(t, &capturePublisher{},
		&scriptedVerifier{choice: common.ChoiceAye},
		&scriptedVerifier{choice: common.ChoiceAye},
	)

	vote := testVote()
	codec := schema.NewCodec(schema.NewStaticRegistry(schema.PipelineSchemas()...))
	raw, err := codec.Encode(context.Background(), string(broker.TopicPendingValidation), &vote)
	require.NoError(t, err)

	svc.handle(context.Background(), broker.Message{
		Topic:   broker.TopicPendingValidation,
		Key:     vote.VoteID.String(),
		Value:   raw,
		Headers: map[string]string{broker.HeaderSessionID: vote.SessionID.String()},
	})
	require.Empty(t, tracker.registered)
}
