// Package worker implements the verifier worker: a consumption loop bound
// to exactly one verifier identity that invokes the external
// determination/observation capability and republishes the results.
// Offsets are committed only after a request is fully handled, so delivery
// is at-least-once and the aggregator's idempotency absorbs duplicates.
package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/fault"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
	"github.com/agora-sim/agora/schema"
	"github.com/agora-sim/agora/validation"
)

const moduleName = "verifier_worker"

const (
	defaultMaxConcurrency       = 4
	defaultMaxAttempts          = 5
	defaultBackoffBase          = 500 * time.Millisecond
	defaultBackoffMax           = 30 * time.Second
	defaultShutdownFlushTimeout = 10 * time.Second
	fetchTimeout                = 5 * time.Second
)

// Worker consumes requests addressed to one verifier identity.
type Worker struct {
	identity string
	role     common.VerifierRole
	verifier validation.Verifier

	consumer  broker.Consumer
	publisher broker.Publisher
	codec     *schema.Codec

	limiter     *semaphore.Weighted
	backoff     *fault.Backoff
	maxAttempts int
	flushWait   time.Duration

	stopped atomic.Bool

	logger  *log.Logger
	metrics metrics.PipelineMetrics
}

// New creates a worker bound to the given identity and role. The limiter
// is shared across all workers in the process to cap outbound load on the
// model-invocation layer.
func New(
	cfg config.WorkerConfig,
	identity string,
	role common.VerifierRole,
	verifier validation.Verifier,
	consumer broker.Consumer,
	publisher broker.Publisher,
	codec *schema.Codec,
	limiter *semaphore.Weighted,
	logger *log.Logger,
) *Worker {
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BackoffBase == 0 {
		cfg.BackoffBase = defaultBackoffBase
	}
	if cfg.BackoffMax == 0 {
		cfg.BackoffMax = defaultBackoffMax
	}
	if cfg.ShutdownFlushTimeout == 0 {
		cfg.ShutdownFlushTimeout = defaultShutdownFlushTimeout
	}
	if limiter == nil {
		limiter = semaphore.NewWeighted(defaultMaxConcurrency)
	}
	return &Worker{
		identity:    identity,
		role:        role,
		verifier:    verifier,
		consumer:    consumer,
		publisher:   publisher,
		codec:       codec,
		limiter:     limiter,
		backoff:     fault.NewBackoff(cfg.BackoffBase, cfg.BackoffMax),
		maxAttempts: cfg.MaxAttempts,
		flushWait:   cfg.ShutdownFlushTimeout,
		logger:      logger.WithModule(moduleName).With("verifier_id", identity, "role", role),
		metrics:     metrics.NewDefaultPipelineMetrics(moduleName),
	}
}

// Name implements validation.Service.
func (w *Worker) Name() string {
	return fmt.Sprintf("%s/%s", moduleName, w.identity)
}

// Stop requests a cooperative shutdown. The flag is checked at the top of
// the loop; in-flight work finishes first.
func (w *Worker) Stop() {
	w.stopped.Store(true)
}

// Start implements validation.Service. It returns ErrStopped on
// cooperative shutdown and a fatal error on PROPAGATE faults.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("starting verifier worker")
	defer w.drain()

	for {
		if w.stopped.Load() {
			w.logger.Info("worker stop requested; exiting loop")
			return validation.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			w.logger.Warn("shutting down verifier worker", "reason", err)
			return validation.ErrStopped
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msg, err := w.consumer.Fetch(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue // idle; re-check stop flag
			}
			if errors.Is(err, broker.ErrClosed) {
				return validation.ErrStopped
			}
			w.logger.Warn("fetch failed", "err", err)
			w.metrics.MessagesConsumed("all", "fetch_error").Inc()
			continue
		}

		if err := w.handle(ctx, msg); err != nil {
			if errors.Is(err, validation.ErrStopped) {
				// Shutdown mid-message. The offset stays uncommitted so
				// the message is redelivered on restart.
				return validation.ErrStopped
			}
			// Only PROPAGATE faults surface here. The offset is left
			// uncommitted on purpose: after the operator restarts the
			// process, the message is redelivered.
			w.logger.Error("fatal fault while handling request", "err", err, "topic", msg.Topic, "offset", msg.Offset)
			return err
		}
		if err := w.consumer.Commit(ctx, msg); err != nil {
			w.logger.Warn("offset commit failed; message may be redelivered", "err", err)
		}
	}
}

// drain flushes buffered publishes with a bounded timeout.
func (w *Worker) drain() {
	ctx, cancel := context.WithTimeout(context.Background(), w.flushWait)
	defer cancel()
	if err := w.publisher.Flush(ctx); err != nil {
		w.logger.Warn("publish flush during shutdown failed", "err", err)
	}
}

// handle fully processes one inbound message. A non-nil return is fatal
// for the worker.
func (w *Worker) handle(ctx context.Context, msg broker.Message) error {
	// Defense against misrouting: only requests addressed to this
	// identity are processed. Anything else is committed and dropped.
	if addressee := msg.Header(broker.HeaderVerifierID); addressee != "" && addressee != w.identity {
		w.logger.Debug("discarding misrouted request", "addressee", addressee)
		w.metrics.MessagesConsumed(string(msg.Topic), "misrouted").Inc()
		return nil
	}

	switch msg.Topic {
	case broker.TopicValidationRequests:
		return w.handleValidation(ctx, msg)
	case broker.TopicWitnessRequests:
		return w.handleWitness(ctx, msg)
	default:
		w.logger.Warn("unexpected topic", "topic", msg.Topic)
		w.metrics.MessagesConsumed(string(msg.Topic), "unexpected_topic").Inc()
		return nil
	}
}

func (w *Worker) handleValidation(ctx context.Context, msg broker.Message) error {
	var req common.ValidationRequest
	if err := w.codec.Decode(ctx, string(broker.TopicValidationRequests), msg.Value, &req); err != nil {
		// The payload is unusable, so reconstruct what we can from the
		// routing key and headers for the dead-letter record.
		req.Vote.VoteID, _ = uuid.Parse(strings.SplitN(msg.Key, ":", 2)[0])
		req.Vote.SessionID, _ = uuid.Parse(msg.Header(broker.HeaderSessionID))
		return w.dispose(ctx, req.Vote, req.Attempt, err)
	}
	if req.VerifierID != w.identity {
		w.metrics.MessagesConsumed(string(msg.Topic), "misrouted").Inc()
		return nil
	}
	w.metrics.MessagesConsumed(string(msg.Topic), "success").Inc()

	dispatch := req.Attempt
	if dispatch < 1 {
		dispatch = 1
	}
	// Invocation retries are internal to this worker. Every published
	// result carries the request's dispatch attempt, so both determiners'
	// results for one round stay paired no matter how often either worker
	// had to retry.
	try := 1
	for {
		result, err := w.invoke(ctx, req, dispatch)
		if err == nil {
			return w.publishResult(ctx, msg, result)
		}

		category := fault.Classify(err)
		switch action := fault.Decide(category, try, w.maxAttempts); action {
		case fault.ActionRetry:
			delay := w.backoff.Delay(try)
			w.logger.Warn("verifier invocation failed; retrying",
				"vote_id", req.Vote.VoteID,
				"attempt", dispatch,
				"try", try,
				"category", category,
				"delay", delay,
				"err", err,
			)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return validation.ErrStopped
			}
			try++
		case fault.ActionDeadLetter:
			w.logger.Warn("dead-lettering vote",
				"vote_id", req.Vote.VoteID,
				"tries", try,
				"category", category,
				"err", err,
			)
			return w.dispose(ctx, req.Vote, try, err)
		case fault.ActionSkip:
			w.metrics.DuplicatesSkipped(string(msg.Topic)).Inc()
			return nil
		case fault.ActionPropagate:
			return fmt.Errorf("worker %s: %w", w.identity, err)
		default:
			return fmt.Errorf("worker %s: unknown action %q", w.identity, action)
		}
	}
}

// invoke calls the external verifier under the concurrency limiter.
func (w *Worker) invoke(ctx context.Context, req common.ValidationRequest, attempt int) (common.VerifierResult, error) {
	if err := w.limiter.Acquire(ctx, 1); err != nil {
		return common.VerifierResult{}, err
	}
	defer w.limiter.Release(1)

	timer := w.metrics.VerifierLatencies(string(w.role))
	defer timer.ObserveDuration()

	req.Attempt = attempt
	result, err := w.verifier.Determine(ctx, req)
	if err != nil {
		return common.VerifierResult{}, err
	}
	result.VoteID = req.Vote.VoteID
	result.SessionID = req.Vote.SessionID
	result.Role = w.role
	result.Attempt = attempt
	if result.ReportedAt.IsZero() {
		result.ReportedAt = time.Now().UTC()
	}
	if !result.Choice.Valid() {
		return common.VerifierResult{}, fmt.Errorf("%w: verifier returned choice '%s'", fault.ErrInvalidMessage, result.Choice)
	}
	return result, nil
}

func (w *Worker) publishResult(ctx context.Context, msg broker.Message, result common.VerifierResult) error {
	raw, err := w.codec.Encode(ctx, string(broker.TopicValidationResults), &result)
	if err != nil {
		return fmt.Errorf("encoding verifier result: %w", err)
	}
	err = w.publisher.Publish(ctx, broker.Message{
		Topic: broker.TopicValidationResults,
		Key:   result.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: result.SessionID.String(),
		},
	})
	if err != nil {
		w.metrics.MessagesPublished(string(broker.TopicValidationResults), "failure").Inc()
		return fmt.Errorf("publishing verifier result: %w", err)
	}
	w.metrics.MessagesPublished(string(broker.TopicValidationResults), "success").Inc()
	return nil
}

func (w *Worker) handleWitness(ctx context.Context, msg broker.Message) error {
	var req common.WitnessRequest
	if err := w.codec.Decode(ctx, string(broker.TopicWitnessRequests), msg.Value, &req); err != nil {
		w.logger.Warn("invalid witness request; dropping", "err", err)
		w.metrics.MessagesConsumed(string(msg.Topic), "invalid").Inc()
		return nil
	}
	w.metrics.MessagesConsumed(string(msg.Topic), "success").Inc()

	if err := w.limiter.Acquire(ctx, 1); err != nil {
		return nil
	}
	event, err := w.verifier.Observe(ctx, req)
	w.limiter.Release(1)
	if err != nil {
		category := fault.Classify(err)
		if fault.Decide(category, 1, 1) == fault.ActionPropagate {
			return fmt.Errorf("worker %s: %w", w.identity, err)
		}
		// The observer is non-binding: if it cannot be reached the
		// aggregator's witness timeout path finalizes without a verdict,
		// so the request is dropped rather than retried forever.
		w.logger.Warn("observer invocation failed; dropping witness request",
			"vote_id", req.VoteID,
			"category", category,
			"err", err,
		)
		return nil
	}
	event.VoteID = req.VoteID
	event.SessionID = req.SessionID
	event.Attempt = req.Attempt
	if event.ReportedAt.IsZero() {
		event.ReportedAt = time.Now().UTC()
	}
	if !event.Verdict.Valid() {
		w.logger.Warn("observer returned invalid verdict; dropping", "verdict", event.Verdict)
		return nil
	}

	raw, err := w.codec.Encode(ctx, string(broker.TopicWitnessEvents), &event)
	if err != nil {
		w.logger.Warn("encoding witness event failed", "err", err)
		return nil
	}
	err = w.publisher.Publish(ctx, broker.Message{
		Topic: broker.TopicWitnessEvents,
		Key:   event.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: event.SessionID.String(),
		},
	})
	if err != nil {
		w.metrics.MessagesPublished(string(broker.TopicWitnessEvents), "failure").Inc()
		w.logger.Warn("publishing witness event failed", "err", err)
		return nil
	}
	w.metrics.MessagesPublished(string(broker.TopicWitnessEvents), "success").Inc()
	return nil
}

// dispose publishes a dead-letter record for the request and stops
// emitting anything further for the vote.
func (w *Worker) dispose(ctx context.Context, vote common.PendingVote, attempts int, cause error) error {
	rec := validation.DeadLetterRecord{
		VoteID:    vote.VoteID,
		SessionID: vote.SessionID,
		MotionID:  vote.MotionID,
		Reason:    cause.Error(),
		Attempts:  attempts,
	}
	raw, err := w.codec.Encode(ctx, string(broker.TopicDeadLetter), &rec)
	if err != nil {
		w.logger.Error("encoding dead-letter record failed", "vote_id", vote.VoteID, "err", err)
		return nil
	}
	err = w.publisher.Publish(ctx, broker.Message{
		Topic: broker.TopicDeadLetter,
		Key:   vote.VoteID.String(),
		Value: raw,
		Headers: map[string]string{
			broker.HeaderSessionID: vote.SessionID.String(),
		},
	})
	if err != nil {
		w.metrics.MessagesPublished(string(broker.TopicDeadLetter), "failure").Inc()
		w.logger.Error("publishing dead-letter record failed", "vote_id", vote.VoteID, "err", err)
		return nil
	}
	w.metrics.MessagesPublished(string(broker.TopicDeadLetter), "success").Inc()
	w.metrics.VoteOutcomes("dead_letter").Inc()
	return nil
}

var _ validation.Service = (*Worker)(nil)
