// Package aggregator drives the three-party consensus protocol for one
// session. It consumes the pending-validation, validation-results,
// witness-events, and dead-letter topics, advances each vote's aggregation
// state machine, and publishes the terminal outcome. All state is
// in-process and rebuilt by replaying the session's messages from the
// earliest retained offset; there is no external cache.
package aggregator

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/breaker"
	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/fault"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
	"github.com/agora-sim/agora/schema"
	"github.com/agora-sim/agora/validation"
)

const moduleName = "aggregator"

const (
	defaultMaxRetries     = 3
	fetchTimeout          = 2 * time.Second
	publishAttempts       = 3
	defaultWitnessTimeout = 2 * time.Minute
	reasonDisagreement    = "disagreement exhausted"
)

// Recorder receives terminal outcomes. Satisfied by the reconciliation
// tracker.
type Recorder interface {
	MarkValidated(voteID uuid.UUID, choice common.VoteChoice)
	MarkDeadLetter(voteID uuid.UUID, reason string)
}

// Aggregator is the consensus aggregator for a single session.
type Aggregator struct {
	session    uuid.UUID
	maxRetries int

	consumer  broker.Consumer
	publisher broker.Publisher
	codec     *schema.Codec
	circuit   *breaker.Breaker
	recorder  Recorder

	backoff        *fault.Backoff
	witnessTimeout time.Duration

	votes map[uuid.UUID]*VoteAggregation

	logger  *log.Logger
	metrics metrics.PipelineMetrics
}

// Topics returns the topics an aggregator's consumer must subscribe to.
func Topics() []broker.Topic {
	return []broker.Topic{
		broker.TopicPendingValidation,
		broker.TopicValidationResults,
		broker.TopicWitnessEvents,
		broker.TopicDeadLetter,
	}
}

// New creates an aggregator bound to the given session.
func New(
	cfg config.AggregatorConfig,
	session uuid.UUID,
	consumer broker.Consumer,
	publisher broker.Publisher,
	codec *schema.Codec,
	circuit *breaker.Breaker,
	recorder Recorder,
	logger *log.Logger,
) *Aggregator {
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.WitnessTimeout == 0 {
		cfg.WitnessTimeout = defaultWitnessTimeout
	}
	return &Aggregator{
		session:        session,
		maxRetries:     cfg.MaxRetries,
		consumer:       consumer,
		publisher:      publisher,
		codec:          codec,
		circuit:        circuit,
		recorder:       recorder,
		backoff:        fault.NewBackoff(200*time.Millisecond, 5*time.Second),
		witnessTimeout: cfg.WitnessTimeout,
		votes:          make(map[uuid.UUID]*VoteAggregation),
		logger:         logger.WithModule(moduleName).With("session", session),
		metrics:        metrics.NewDefaultPipelineMetrics(moduleName),
	}
}

// Name implements validation.Service.
func (a *Aggregator) Name() string {
	return fmt.Sprintf("%s/%s", moduleName, a.session)
}

// Aggregation returns the state for a vote, or nil. Read-only; intended
// for tests and the status API.
func (a *Aggregator) Aggregation(voteID uuid.UUID) *VoteAggregation {
	return a.votes[voteID]
}

// Start implements validation.Service.
func (a *Aggregator) Start(ctx context.Context) error {
	a.logger.Info("starting consensus aggregator")
	for {
		if err := ctx.Err(); err != nil {
			a.logger.Warn("shutting down aggregator", "reason", err)
			return validation.ErrStopped
		}

		// The sweep runs every iteration, not only on idle fetches, so
		// sustained traffic cannot starve an overdue observer.
		a.sweepObserverTimeouts(ctx)

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msg, err := a.consumer.Fetch(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, broker.ErrClosed) {
				return validation.ErrStopped
			}
			a.logger.Warn("fetch failed", "err", err)
			continue
		}

		if err := a.handle(ctx, msg); err != nil {
			a.logger.Error("fatal fault in aggregator", "err", err, "topic", msg.Topic, "offset", msg.Offset)
			return err
		}
		if err := a.consumer.Commit(ctx, msg); err != nil {
			a.logger.Warn("offset commit failed; message may be redelivered", "err", err)
		}
	}
}

// handle fully processes one message. Only constitutional faults return
// an error.
func (a *Aggregator) handle(ctx context.Context, msg broker.Message) error {
	// Session-scoped filtering: replaying the shared log must never
	// cross-contaminate concurrent sessions.
	if session := msg.Header(broker.HeaderSessionID); session != a.session.String() {
		a.metrics.MessagesConsumed(string(msg.Topic), "other_session").Inc()
		return nil
	}

	switch msg.Topic {
	case broker.TopicPendingValidation:
		return a.handlePendingVote(ctx, msg)
	case broker.TopicValidationResults:
		return a.handleResult(ctx, msg)
	case broker.TopicWitnessEvents:
		return a.handleWitnessEvent(ctx, msg)
	case broker.TopicDeadLetter:
		return a.handleDeadLetter(ctx, msg)
	default:
		a.logger.Warn("unexpected topic", "topic", msg.Topic)
		return nil
	}
}

func (a *Aggregator) aggregationFor(voteID uuid.UUID) *VoteAggregation {
	agg, ok := a.votes[voteID]
	if !ok {
		agg = newAggregation(voteID)
		a.votes[voteID] = agg
	}
	return agg
}

// handlePendingVote caches the vote body for later retries and outcome
// publication.
func (a *Aggregator) handlePendingVote(ctx context.Context, msg broker.Message) error {
	var vote common.PendingVote
	if err := a.codec.Decode(ctx, string(broker.TopicPendingValidation), msg.Value, &vote); err != nil {
		a.logger.Warn("invalid pending vote; dropping", "err", err)
		a.metrics.MessagesConsumed(string(msg.Topic), "invalid").Inc()
		return nil
	}
	a.metrics.MessagesConsumed(string(msg.Topic), "success").Inc()
	agg := a.aggregationFor(vote.VoteID)
	if agg.Vote == nil {
		agg.Vote = &vote
	}
	if attempt, err := strconv.Atoi(msg.Header(broker.HeaderAttempt)); err == nil && attempt > agg.Attempt {
		agg.Attempt = attempt
	}
	return nil
}

func (a *Aggregator) handleResult(ctx context.Context, msg broker.Message) error {
	var result common.VerifierResult
	if err := a.codec.Decode(ctx, string(broker.TopicValidationResults), msg.Value, &result); err != nil {
		a.logger.Warn("invalid verifier result; dropping", "err", err)
		a.metrics.MessagesConsumed(string(msg.Topic), "invalid").Inc()
		return nil
	}

	agg := a.aggregationFor(result.VoteID)
	if !agg.apply(result) {
		// Duplicate or post-terminal: skipped silently, counted.
		a.metrics.DuplicatesSkipped(string(msg.Topic)).Inc()
		return nil
	}
	a.metrics.MessagesConsumed(string(msg.Topic), "success").Inc()

	complete, agreed := agg.checkDeterminerConsensus()
	if !complete {
		return nil
	}
	if agreed {
		return a.advanceToWitness(ctx, agg)
	}
	return a.handleDisagreement(ctx, agg)
}

// advanceToWitness publishes the observation request and moves the vote to
// OBSERVER_PENDING.
func (a *Aggregator) advanceToWitness(ctx context.Context, agg *VoteAggregation) error {
	req := common.WitnessRequest{
		VoteID:          agg.VoteID,
		SessionID:       a.session,
		ConsensusChoice: agg.ConsensusChoice,
		Confidence:      agg.Confidence,
		Attempt:         agg.Attempt,
	}
	if agg.Vote != nil {
		req.MotionID = agg.Vote.MotionID
	}
	raw, err := a.codec.Encode(ctx, string(broker.TopicWitnessRequests), &req)
	if err != nil {
		return a.deadLetter(ctx, agg, fmt.Sprintf("encoding witness request: %v", err))
	}
	err = a.publish(ctx, broker.Message{
		Topic: broker.TopicWitnessRequests,
		Key:   agg.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: a.session.String(),
		},
	})
	if err != nil {
		return a.deadLetter(ctx, agg, fmt.Sprintf("witness dispatch failed: %v", err))
	}
	agg.Status = validation.StatusObserverPending
	agg.observerSince = time.Now()
	a.logger.Debug("consensus reached; awaiting observer",
		"vote_id", agg.VoteID,
		"choice", agg.ConsensusChoice,
		"confidence", agg.Confidence,
	)
	return nil
}

// handleDisagreement retries the vote or dead-letters it once retries are
// exhausted.
func (a *Aggregator) handleDisagreement(ctx context.Context, agg *VoteAggregation) error {
	if agg.Retries >= a.maxRetries {
		return a.deadLetter(ctx, agg, reasonDisagreement)
	}
	agg.Retries++

	if agg.Vote == nil {
		// Without the vote body the retry cannot be redispatched. This
		// only happens if the pending-validation record was lost, which
		// the all-ack publish contract rules out in normal operation.
		return a.deadLetter(ctx, agg, "vote body unavailable for retry")
	}
	raw, err := a.codec.Encode(ctx, string(broker.TopicPendingValidation), agg.Vote)
	if err != nil {
		return a.deadLetter(ctx, agg, fmt.Sprintf("encoding retry: %v", err))
	}
	nextAttempt := agg.Attempt + 1
	err = a.publish(ctx, broker.Message{
		Topic: broker.TopicPendingValidation,
		Key:   agg.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: a.session.String(),
			broker.HeaderAttempt:   strconv.Itoa(nextAttempt),
		},
	})
	if err != nil {
		return a.deadLetter(ctx, agg, fmt.Sprintf("retry dispatch failed: %v", err))
	}
	agg.Attempt = nextAttempt
	agg.Status = validation.StatusRetryPending
	a.logger.Info("determiner disagreement; retrying",
		"vote_id", agg.VoteID,
		"retry", agg.Retries,
		"next_attempt", nextAttempt,
	)
	return nil
}

func (a *Aggregator) handleWitnessEvent(ctx context.Context, msg broker.Message) error {
	var event common.WitnessEvent
	if err := a.codec.Decode(ctx, string(broker.TopicWitnessEvents), msg.Value, &event); err != nil {
		a.logger.Warn("invalid witness event; dropping", "err", err)
		a.metrics.MessagesConsumed(string(msg.Topic), "invalid").Inc()
		return nil
	}
	agg, ok := a.votes[event.VoteID]
	if !ok || agg.Status != validation.StatusObserverPending {
		// Late or duplicate verdict after finalization; ignore.
		a.metrics.DuplicatesSkipped(string(msg.Topic)).Inc()
		return nil
	}
	a.metrics.MessagesConsumed(string(msg.Topic), "success").Inc()

	// The observer cannot overrule, only annotate. A dissent is recorded
	// as a dissenting statement while the consensus choice stands.
	agg.ObserverVerdict = event.Verdict
	if event.Verdict == common.VerdictDissents {
		agg.DissentingNote = event.Statement
		a.logger.Info("observer dissent recorded", "vote_id", agg.VoteID, "statement", event.Statement)
	}
	return a.finalize(ctx, agg)
}

// sweepObserverTimeouts finalizes votes whose observer never reported.
// The observation is non-binding, so a silent observer delays but cannot
// block validation.
func (a *Aggregator) sweepObserverTimeouts(ctx context.Context) {
	if a.witnessTimeout <= 0 {
		return
	}
	for _, agg := range a.votes {
		if agg.Status == validation.StatusObserverPending && time.Since(agg.observerSince) > a.witnessTimeout {
			a.logger.Warn("observer verdict overdue; finalizing without it", "vote_id", agg.VoteID)
			if err := a.finalize(ctx, agg); err != nil {
				a.logger.Error("finalizing after observer timeout failed", "vote_id", agg.VoteID, "err", err)
			}
		}
	}
}

// finalize publishes the VALIDATED outcome and notifies the recorder.
func (a *Aggregator) finalize(ctx context.Context, agg *VoteAggregation) error {
	outcome := validation.Outcome{
		VoteID:          agg.VoteID,
		SessionID:       a.session,
		Status:          validation.StatusValidated,
		ConsensusChoice: agg.ConsensusChoice,
		Confidence:      agg.Confidence,
		ObserverVerdict: agg.ObserverVerdict,
		DissentingNote:  agg.DissentingNote,
	}
	if agg.Vote != nil {
		outcome.MotionID = agg.Vote.MotionID
	}
	raw, err := a.codec.Encode(ctx, string(broker.TopicValidated), &outcome)
	if err != nil {
		return a.deadLetter(ctx, agg, fmt.Sprintf("encoding outcome: %v", err))
	}
	err = a.publish(ctx, broker.Message{
		Topic: broker.TopicValidated,
		Key:   agg.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: a.session.String(),
		},
	})
	if err != nil {
		return a.deadLetter(ctx, agg, fmt.Sprintf("outcome publish failed: %v", err))
	}

	agg.Status = validation.StatusValidated
	a.metrics.VoteOutcomes("validated").Inc()
	if a.recorder != nil {
		a.recorder.MarkValidated(agg.VoteID, agg.ConsensusChoice)
	}
	a.logger.Info("vote validated",
		"vote_id", agg.VoteID,
		"choice", agg.ConsensusChoice,
		"observer_verdict", agg.ObserverVerdict,
	)
	return nil
}

// handleDeadLetter absorbs worker-produced dead letters into the session
// state so reconciliation sees them.
func (a *Aggregator) handleDeadLetter(ctx context.Context, msg broker.Message) error {
	var rec validation.DeadLetterRecord
	if err := a.codec.Decode(ctx, string(broker.TopicDeadLetter), msg.Value, &rec); err != nil {
		a.logger.Warn("invalid dead-letter record; dropping", "err", err)
		return nil
	}
	agg := a.aggregationFor(rec.VoteID)
	if agg.Status.Terminal() {
		a.metrics.DuplicatesSkipped(string(msg.Topic)).Inc()
		return nil
	}
	agg.Status = validation.StatusDeadLetter
	if a.recorder != nil {
		a.recorder.MarkDeadLetter(rec.VoteID, rec.Reason)
	}
	a.logger.Warn("vote dead-lettered by worker", "vote_id", rec.VoteID, "reason", rec.Reason)
	return nil
}

// deadLetter marks the vote terminally failed and publishes its record.
func (a *Aggregator) deadLetter(ctx context.Context, agg *VoteAggregation, reason string) error {
	if agg.Status.Terminal() {
		return nil
	}
	rec := validation.DeadLetterRecord{
		VoteID:        agg.VoteID,
		SessionID:     a.session,
		Reason:        reason,
		Attempts:      agg.Attempt,
		LastResponses: agg.lastResponses(),
	}
	if agg.Vote != nil {
		rec.MotionID = agg.Vote.MotionID
	}
	raw, err := a.codec.Encode(ctx, string(broker.TopicDeadLetter), &rec)
	if err == nil {
		err = a.publish(ctx, broker.Message{
			Topic: broker.TopicDeadLetter,
			Key:   agg.VoteID.String(),
			Value: raw,
			Headers: map[string]string{
				broker.HeaderSessionID: a.session.String(),
			},
		})
	}
	if err != nil {
		// The in-memory state still reaches DEAD_LETTER; reconciliation
		// tracks it through the recorder even if the record publish failed.
		a.logger.Error("publishing dead-letter record failed", "vote_id", agg.VoteID, "err", err)
	}

	agg.Status = validation.StatusDeadLetter
	a.metrics.VoteOutcomes("dead_letter").Inc()
	if a.recorder != nil {
		a.recorder.MarkDeadLetter(agg.VoteID, reason)
	}
	a.logger.Warn("vote dead-lettered", "vote_id", agg.VoteID, "reason", reason)
	return nil
}

// publish sends a message through the breaker-guarded publisher, retrying
// transient failures a bounded number of times.
func (a *Aggregator) publish(ctx context.Context, msg broker.Message) error {
	var lastErr error
	for attempt := 1; attempt <= publishAttempts; attempt++ {
		if !a.circuit.Allow() {
			lastErr = fmt.Errorf("aggregator: circuit open for broker publishes")
		} else if lastErr = a.publisher.Publish(ctx, msg); lastErr == nil {
			a.circuit.RecordSuccess()
			a.metrics.MessagesPublished(string(msg.Topic), "success").Inc()
			return nil
		} else {
			a.circuit.RecordFailure()
		}

		category := fault.Classify(lastErr)
		if fault.Decide(category, attempt, publishAttempts) != fault.ActionRetry {
			break
		}
		select {
		case <-time.After(a.backoff.Delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.metrics.MessagesPublished(string(msg.Topic), "failure").Inc()
	return lastErr
}

var _ validation.Service = (*Aggregator)(nil)
