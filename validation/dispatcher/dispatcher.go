// Package dispatcher fans a single pending vote out into one validation
// request per verifier. Dispatch is all-or-fallback: if any verifier's
// publish fails, the whole vote is reported as requiring the synchronous
// fallback path, because a partially dispatched vote can never reach
// consensus.
package dispatcher

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/agora-sim/agora/breaker"
	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
	"github.com/agora-sim/agora/schema"
)

const moduleName = "dispatcher"

const defaultPublishTimeout = 10 * time.Second

// VerifierDispatch is the per-verifier outcome of a dispatch.
type VerifierDispatch struct {
	VerifierID string
	Err        error
}

// DispatchResult reports which verifiers were reached for a vote.
type DispatchResult struct {
	VoteID    string
	Succeeded []string
	Failed    []VerifierDispatch

	// ShouldFallbackToSync is true when any single publish failed; the
	// caller must validate the vote synchronously instead.
	ShouldFallbackToSync bool
}

// Dispatcher publishes per-verifier validation requests.
type Dispatcher struct {
	publisher      broker.Publisher
	codec          *schema.Codec
	circuit        *breaker.Breaker
	verifiers      []string
	publishTimeout time.Duration

	logger  *log.Logger
	metrics metrics.PipelineMetrics
}

// New creates a dispatcher over the given verifier identities.
func New(
	cfg config.DispatcherConfig,
	publisher broker.Publisher,
	codec *schema.Codec,
	circuit *breaker.Breaker,
	verifiers []string,
	logger *log.Logger,
) *Dispatcher {
	if cfg.PublishTimeout == 0 {
		cfg.PublishTimeout = defaultPublishTimeout
	}
	return &Dispatcher{
		publisher:      publisher,
		codec:          codec,
		circuit:        circuit,
		verifiers:      verifiers,
		publishTimeout: cfg.PublishTimeout,
		logger:         logger.WithModule(moduleName),
		metrics:        metrics.NewDefaultPipelineMetrics(moduleName),
	}
}

// Dispatch publishes one validation request per verifier for the vote.
func (d *Dispatcher) Dispatch(ctx context.Context, vote common.PendingVote, attempt int) DispatchResult {
	result := DispatchResult{VoteID: vote.VoteID.String()}

	for _, verifierID := range d.verifiers {
		if err := d.dispatchOne(ctx, vote, verifierID, attempt); err != nil {
			d.logger.Warn("verifier dispatch failed",
				"vote_id", vote.VoteID,
				"verifier_id", verifierID,
				"attempt", attempt,
				"err", err,
			)
			result.Failed = append(result.Failed, VerifierDispatch{VerifierID: verifierID, Err: err})
			continue
		}
		result.Succeeded = append(result.Succeeded, verifierID)
	}

	// One unreachable verifier leaves the vote unverifiable, so the whole
	// dispatch falls back.
	result.ShouldFallbackToSync = len(result.Failed) > 0
	return result
}

func (d *Dispatcher) dispatchOne(ctx context.Context, vote common.PendingVote, verifierID string, attempt int) error {
	// Breaker check happens before serialization so a pre-open circuit
	// never touches the network.
	if !d.circuit.Allow() {
		d.metrics.MessagesPublished(string(broker.TopicValidationRequests), "circuit_open").Inc()
		return fmt.Errorf("dispatcher: circuit open for broker publishes")
	}

	req := common.ValidationRequest{
		Vote:       vote,
		VerifierID: verifierID,
		Attempt:    attempt,
	}
	raw, err := d.codec.Encode(ctx, string(broker.TopicValidationRequests), &req)
	if err != nil {
		// An encode failure is a local schema problem, not a broker fault;
		// it must not count against the publish circuit.
		return fmt.Errorf("encoding validation request: %w", err)
	}

	publishCtx, cancel := context.WithTimeout(ctx, d.publishTimeout)
	defer cancel()
	err = d.publisher.Publish(publishCtx, broker.Message{
		Topic: broker.TopicValidationRequests,
		Key:   req.RoutingKey(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID:  vote.SessionID.String(),
			broker.HeaderVerifierID: verifierID,
			broker.HeaderAttempt:    strconv.Itoa(attempt),
		},
	})
	if err != nil {
		d.circuit.RecordFailure()
		d.metrics.MessagesPublished(string(broker.TopicValidationRequests), "failure").Inc()
		return fmt.Errorf("publishing validation request: %w", err)
	}
	d.circuit.RecordSuccess()
	d.metrics.MessagesPublished(string(broker.TopicValidationRequests), "success").Inc()
	return nil
}
