package dispatcher

import (
	"context"
	"errors"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/validation"
)

const fetchTimeout = 5 * time.Second

// Tracker registers dispatched votes with the reconciliation gate and
// records terminal outcomes reached outside the async path.
type Tracker interface {
	RegisterVote(vote common.PendingVote)
	MarkValidated(voteID uuid.UUID, choice common.VoteChoice)
	MarkDeadLetter(voteID uuid.UUID, reason string)
}

// SyncVerifier pairs a verifier identity with its capability, for the
// synchronous fallback path.
type SyncVerifier struct {
	ID       string
	Role     common.VerifierRole
	Verifier validation.Verifier
}

// Service is the dispatch consumption loop: it reads pending votes off the
// log, registers them for reconciliation and fans them out to the
// verifiers. When the async fan-out cannot reach every verifier, the vote
// is validated synchronously instead, so broker trouble degrades
// throughput rather than correctness.
type Service struct {
	dispatcher *Dispatcher
	consumer   broker.Consumer
	session    uuid.UUID
	tracker    Tracker
	sync       []SyncVerifier

	stopped atomic.Bool
}

// NewService wraps a Dispatcher in a consumption loop for the session.
func NewService(
	d *Dispatcher,
	consumer broker.Consumer,
	session uuid.UUID,
	tracker Tracker,
	sync []SyncVerifier,
) *Service {
	return &Service{
		dispatcher: d,
		consumer:   consumer,
		session:    session,
		tracker:    tracker,
		sync:       sync,
	}
}

// Name implements validation.Service.
func (s *Service) Name() string {
	return moduleName
}

// Stop requests a cooperative shutdown.
func (s *Service) Stop() {
	s.stopped.Store(true)
}

// Start implements validation.Service.
func (s *Service) Start(ctx context.Context) error {
	d := s.dispatcher
	d.logger.Info("starting dispatch loop", "session", s.session)

	for {
		if s.stopped.Load() {
			return validation.ErrStopped
		}
		if err := ctx.Err(); err != nil {
			d.logger.Warn("shutting down dispatch loop", "reason", err)
			return validation.ErrStopped
		}

		fetchCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
		msg, err := s.consumer.Fetch(fetchCtx)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				continue
			}
			if errors.Is(err, broker.ErrClosed) {
				return validation.ErrStopped
			}
			d.logger.Warn("fetch failed", "err", err)
			d.metrics.MessagesConsumed("all", "fetch_error").Inc()
			continue
		}

		s.handle(ctx, msg)
		if err := s.consumer.Commit(ctx, msg); err != nil {
			d.logger.Warn("offset commit failed; message may be redelivered", "err", err)
		}
	}
}

func (s *Service) handle(ctx context.Context, msg broker.Message) {
	d := s.dispatcher

	// Session filter: replaying the log for another session must not
	// redispatch its votes here.
	if sid := msg.Header(broker.HeaderSessionID); sid != s.session.String() {
		d.metrics.MessagesConsumed(string(msg.Topic), "other_session").Inc()
		return
	}

	var vote common.PendingVote
	if err := d.codec.Decode(ctx, string(broker.TopicPendingValidation), msg.Value, &vote); err != nil {
		d.logger.Warn("invalid pending vote; dropping", "key", msg.Key, "err", err)
		d.metrics.MessagesConsumed(string(msg.Topic), "invalid").Inc()
		return
	}
	d.metrics.MessagesConsumed(string(msg.Topic), "success").Inc()

	attempt, _ := strconv.Atoi(msg.Header(broker.HeaderAttempt))
	if attempt < 1 {
		attempt = 1
	}
	if attempt == 1 && s.tracker != nil {
		s.tracker.RegisterVote(vote)
	}

	result := d.Dispatch(ctx, vote, attempt)
	if result.ShouldFallbackToSync {
		d.logger.Warn("async dispatch incomplete; validating synchronously",
			"vote_id", vote.VoteID,
			"reached", len(result.Succeeded),
			"failed", len(result.Failed),
		)
		s.validateSync(ctx, vote, attempt)
	}
}

// validateSync invokes the determiners inline and settles the vote
// directly with the reconciliation tracker, bypassing the log entirely.
func (s *Service) validateSync(ctx context.Context, vote common.PendingVote, attempt int) {
	d := s.dispatcher
	if len(s.sync) == 0 || s.tracker == nil {
		d.logger.Error("no synchronous fallback configured; dead-lettering", "vote_id", vote.VoteID)
		if s.tracker != nil {
			s.tracker.MarkDeadLetter(vote.VoteID, "async dispatch failed with no sync fallback")
		}
		return
	}

	var choices []common.VoteChoice
	for _, sv := range s.sync {
		req := common.ValidationRequest{Vote: vote, VerifierID: sv.ID, Attempt: attempt}
		result, err := sv.Verifier.Determine(ctx, req)
		if err != nil {
			d.logger.Warn("sync determination failed",
				"vote_id", vote.VoteID,
				"verifier_id", sv.ID,
				"err", err,
			)
			s.tracker.MarkDeadLetter(vote.VoteID, "sync fallback: determination failed: "+err.Error())
			return
		}
		if !result.Choice.Valid() {
			s.tracker.MarkDeadLetter(vote.VoteID, "sync fallback: invalid choice "+string(result.Choice))
			return
		}
		choices = append(choices, result.Choice)
	}

	for _, c := range choices[1:] {
		if c != choices[0] {
			d.logger.Warn("sync determiners disagree; dead-lettering",
				"vote_id", vote.VoteID,
			)
			d.metrics.VoteOutcomes("sync_disagreement").Inc()
			s.tracker.MarkDeadLetter(vote.VoteID, "sync fallback: determiner disagreement")
			return
		}
	}

	d.metrics.VoteOutcomes("sync_validated").Inc()
	d.logger.Info("vote validated synchronously", "vote_id", vote.VoteID, "choice", choices[0])
	s.tracker.MarkValidated(vote.VoteID, choices[0])
}

var _ validation.Service = (*Service)(nil)
