// Package reconcile tracks the lifecycle of every vote dispatched for a
// session/motion and enforces the hard completion gate: a session cannot
// close until each vote has a terminal, accounted-for outcome and the
// validation consumers have drained their lag.
package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agora-sim/agora/audit"
	"github.com/agora-sim/agora/broker"
	"github.com/agora-sim/agora/common"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
	"github.com/agora-sim/agora/validation"
)

const moduleName = "reconcile"

const (
	defaultPollInterval = 250 * time.Millisecond
	defaultTimeout      = 5 * time.Minute
)

// TrackedVote is the reconciliation view of one dispatched vote.
type TrackedVote struct {
	VoteID           uuid.UUID         `json:"vote_id"`
	MotionID         uuid.UUID         `json:"motion_id"`
	OptimisticChoice common.VoteChoice `json:"optimistic_choice"`
	ValidatedChoice  common.VoteChoice `json:"validated_choice,omitempty"`
	Status           validation.Status `json:"status"`
	DeadLetterReason string            `json:"dead_letter_reason,omitempty"`

	// FallbackApplied marks a dead-lettered vote promoted to its
	// optimistic choice during reconciliation.
	FallbackApplied bool `json:"fallback_applied,omitempty"`
}

// RequiresOverride reports whether the validated choice differs from the
// optimistic one, so the tally must be corrected. Dead-letter fallbacks
// never require an override: the optimistic tally already reflects them.
func (v *TrackedVote) RequiresOverride() bool {
	return v.Status == validation.StatusValidated &&
		v.ValidatedChoice != "" &&
		v.ValidatedChoice != v.OptimisticChoice
}

// Result is the reconciliation status snapshot for a session/motion.
type Result struct {
	SessionID   uuid.UUID     `json:"session_id"`
	MotionID    uuid.UUID     `json:"motion_id"`
	Validated   int           `json:"validated"`
	DeadLetter  int           `json:"dead_letter"`
	Fallbacks   int           `json:"fallbacks"`
	Pending     int           `json:"pending"`
	ConsumerLag int64         `json:"consumer_lag"`
	Complete    bool          `json:"complete"`
	Votes       []TrackedVote `json:"votes"`
}

// IncompleteError is raised when the gate's timeout elapses with votes
// still unaccounted for. It is fatal and must never be caught: the session
// halts rather than closing with unverifiable votes.
type IncompleteError struct {
	SessionID  uuid.UUID
	MotionID   uuid.UUID
	Pending    int
	Lag        int64
	DeadLetter int
}

func (e *IncompleteError) Error() string {
	return fmt.Sprintf(
		"reconcile: session %s motion %s incomplete after timeout: %d pending, lag %d, %d dead-lettered",
		e.SessionID, e.MotionID, e.Pending, e.Lag, e.DeadLetter,
	)
}

// Service tracks per-vote lifecycle for one session. Mark* methods are
// called from the aggregator loop; AwaitAll from the session driver.
type Service struct {
	mu sync.Mutex

	session      uuid.UUID
	votes        map[uuid.UUID]*TrackedVote
	lag          broker.LagProvider
	trail        *audit.Trail
	pollInterval time.Duration
	timeout      time.Duration

	logger  *log.Logger
	metrics metrics.PipelineMetrics
}

// New creates a reconciliation service for the session. The lag provider
// must observe the validation consumer groups whose lag gates completion.
func New(cfg config.ReconcilerConfig, session uuid.UUID, lag broker.LagProvider, trail *audit.Trail, logger *log.Logger) *Service {
	if cfg.PollInterval == 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = defaultTimeout
	}
	return &Service{
		session:      session,
		votes:        make(map[uuid.UUID]*TrackedVote),
		lag:          lag,
		trail:        trail,
		pollInterval: cfg.PollInterval,
		timeout:      cfg.Timeout,
		logger:       logger.WithModule(moduleName).With("session", session),
		metrics:      metrics.NewDefaultPipelineMetrics(moduleName),
	}
}

// RegisterVote records a dispatched vote as PENDING.
func (s *Service) RegisterVote(vote common.PendingVote) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.votes[vote.VoteID]; ok {
		return
	}
	s.votes[vote.VoteID] = &TrackedVote{
		VoteID:           vote.VoteID,
		MotionID:         vote.MotionID,
		OptimisticChoice: vote.OptimisticChoice,
		Status:           validation.StatusPending,
	}
	s.metrics.PendingVotes(s.session.String()).Inc()
}

// MarkValidated finalizes a vote with its validated choice.
func (s *Service) MarkValidated(voteID uuid.UUID, choice common.VoteChoice) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteID]
	if !ok || v.Status.Terminal() {
		return
	}
	v.Status = validation.StatusValidated
	v.ValidatedChoice = choice
	s.metrics.PendingVotes(s.session.String()).Dec()
}

// MarkDeadLetter finalizes a vote as terminally failed.
func (s *Service) MarkDeadLetter(voteID uuid.UUID, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.votes[voteID]
	if !ok || v.Status.Terminal() {
		return
	}
	v.Status = validation.StatusDeadLetter
	v.DeadLetterReason = reason
	s.metrics.PendingVotes(s.session.String()).Dec()
}

// snapshotLocked builds a Result for the motion. Caller holds s.mu.
func (s *Service) snapshotLocked(motion uuid.UUID, lag int64) Result {
	res := Result{SessionID: s.session, MotionID: motion, ConsumerLag: lag}
	for _, v := range s.votes {
		if motion != uuid.Nil && v.MotionID != motion {
			continue
		}
		res.Votes = append(res.Votes, *v)
		switch v.Status {
		case validation.StatusValidated:
			res.Validated++
		case validation.StatusDeadLetter:
			res.DeadLetter++
			if v.FallbackApplied {
				res.Fallbacks++
			}
		default:
			res.Pending++
		}
	}
	res.Complete = res.Pending == 0 && lag == 0
	return res
}

// Status returns a non-blocking snapshot for progress monitoring.
func (s *Service) Status(ctx context.Context, motion uuid.UUID) Result {
	lag := s.observeLag(ctx)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked(motion, lag)
}

func (s *Service) observeLag(ctx context.Context) int64 {
	if s.lag == nil {
		return 0
	}
	lag, err := s.lag.Lag(ctx)
	if err != nil {
		s.logger.Warn("lag observation failed; assuming non-zero", "err", err)
		// An unobservable lag must hold the gate, not open it.
		return 1
	}
	s.metrics.ConsumerLag(s.session.String()).Set(float64(lag))
	return lag
}

// AwaitAll polls until every expected vote is terminal and consumer lag is
// zero, applying dead-letter fallbacks before declaring completion. If the
// configured timeout elapses first it returns an IncompleteError, which
// callers must not catch.
func (s *Service) AwaitAll(ctx context.Context, motion uuid.UUID, expectedCount int) (Result, error) {
	deadline := time.Now().Add(s.timeout)
	s.logger.Info("awaiting vote validations", "motion", motion, "expected", expectedCount)

	for {
		lag := s.observeLag(ctx)

		s.mu.Lock()
		res := s.snapshotLocked(motion, lag)
		registered := len(res.Votes)
		s.mu.Unlock()

		missing := expectedCount - registered
		if missing < 0 {
			missing = 0
		}
		if res.Pending == 0 && missing == 0 && lag == 0 {
			if err := s.applyFallbacks(motion); err != nil {
				return Result{}, err
			}
			s.mu.Lock()
			res = s.snapshotLocked(motion, 0)
			s.mu.Unlock()
			res.Complete = true
			s.logger.Info("reconciliation complete",
				"motion", motion,
				"validated", res.Validated,
				"dead_letter", res.DeadLetter,
				"fallbacks", res.Fallbacks,
			)
			return res, nil
		}

		if time.Now().After(deadline) {
			err := &IncompleteError{
				SessionID:  s.session,
				MotionID:   motion,
				Pending:    res.Pending + missing,
				Lag:        lag,
				DeadLetter: res.DeadLetter,
			}
			s.logger.Error("reconciliation timed out; halting session",
				"motion", motion,
				"pending", err.Pending,
				"lag", err.Lag,
				"dead_letter", err.DeadLetter,
			)
			return Result{}, err
		}

		select {
		case <-time.After(s.pollInterval):
		case <-ctx.Done():
			return Result{}, fmt.Errorf("reconcile: await interrupted: %w", ctx.Err())
		}
	}
}

// applyFallbacks promotes dead-lettered votes to their optimistic choice.
// Every fallback is individually recorded on the accountability trail; a
// trail write failure propagates and halts reconciliation.
func (s *Service) applyFallbacks(motion uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, v := range s.votes {
		if motion != uuid.Nil && v.MotionID != motion {
			continue
		}
		if v.Status != validation.StatusDeadLetter || v.FallbackApplied {
			continue
		}
		detail, _ := json.Marshal(map[string]string{
			"optimistic_choice": string(v.OptimisticChoice),
			"reason":            v.DeadLetterReason,
		})
		if s.trail != nil {
			if err := s.trail.Append(audit.Event{
				Kind:      audit.KindDeadLetterFallback,
				SessionID: s.session.String(),
				VoteID:    v.VoteID.String(),
				Detail:    detail,
			}); err != nil {
				return err
			}
		}
		v.FallbackApplied = true
		s.logger.Warn("dead-letter fallback applied; vote stands at optimistic choice",
			"vote_id", v.VoteID,
			"choice", v.OptimisticChoice,
			"reason", v.DeadLetterReason,
		)
	}
	return nil
}
