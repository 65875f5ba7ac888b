// Package breaker implements a per-connection circuit breaker. Every
// publisher in the pipeline checks its breaker before touching the
// network; an open breaker fails fast so votes fall back to the
// synchronous validation path instead of piling up on a dead broker.
package breaker

import (
	"sync"
	"time"

	"github.com/agora-sim/agora/log"
	"github.com/agora-sim/agora/metrics"
)

// State is the circuit state.
type State string

const (
	// StateClosed admits all requests.
	StateClosed State = "CLOSED"
	// StateOpen rejects all requests until the reset timeout elapses.
	StateOpen State = "OPEN"
	// StateHalfOpen admits exactly one probe request.
	StateHalfOpen State = "HALF_OPEN"
)

const (
	defaultFailureThreshold = 5
	defaultSuccessThreshold = 2
	defaultResetTimeout     = 30 * time.Second
)

// Config configures a circuit breaker.
type Config struct {
	// FailureThreshold is the number of consecutive failures that opens
	// the circuit.
	FailureThreshold int
	// SuccessThreshold is the number of consecutive successes in
	// HALF_OPEN that closes the circuit.
	SuccessThreshold int
	// ResetTimeout is how long the circuit stays OPEN before admitting a
	// probe.
	ResetTimeout time.Duration
}

func (cfg *Config) applyDefaults() {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = defaultFailureThreshold
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = defaultSuccessThreshold
	}
	if cfg.ResetTimeout <= 0 {
		cfg.ResetTimeout = defaultResetTimeout
	}
}

// Breaker is a circuit breaker for one outbound connection. All methods
// are safe for concurrent use and none of them block.
type Breaker struct {
	mu sync.Mutex

	name  string
	cfg   Config
	now   func() time.Time // injectable for tests
	state State

	consecutiveFailures  int
	consecutiveSuccesses int
	lastTransition       time.Time
	probeInFlight        bool

	logger  *log.Logger
	metrics metrics.PipelineMetrics
}

// New creates a breaker in the CLOSED state.
func New(name string, cfg Config, logger *log.Logger) *Breaker {
	cfg.applyDefaults()
	b := &Breaker{
		name:    name,
		cfg:     cfg,
		now:     time.Now,
		state:   StateClosed,
		logger:  logger.WithModule("breaker").With("breaker", name),
		metrics: metrics.NewDefaultPipelineMetrics("breaker"),
	}
	b.lastTransition = b.now()
	b.metrics.CircuitState(name).Set(stateValue(StateClosed))
	return b
}

func stateValue(s State) float64 {
	switch s {
	case StateClosed:
		return 0
	case StateHalfOpen:
		return 1
	default:
		return 2
	}
}

// transitionLocked moves to the new state and resets counters.
func (b *Breaker) transitionLocked(to State) {
	if b.state == to {
		return
	}
	b.logger.Info("circuit transition", "from", b.state, "to", to)
	b.state = to
	b.consecutiveFailures = 0
	b.consecutiveSuccesses = 0
	b.probeInFlight = false
	b.lastTransition = b.now()
	b.metrics.CircuitState(b.name).Set(stateValue(to))
}

// Allow is the single admission check. In OPEN it becomes true once per
// reset timeout, moving the circuit to HALF_OPEN and admitting exactly one
// probe.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return true
	case StateOpen:
		if b.now().Sub(b.lastTransition) >= b.cfg.ResetTimeout {
			b.transitionLocked(StateHalfOpen)
			b.probeInFlight = true
			return true
		}
		return false
	case StateHalfOpen:
		if b.probeInFlight {
			return false
		}
		b.probeInFlight = true
		return true
	default:
		return false
	}
}

// RecordSuccess reports a successful request.
func (b *Breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures = 0
	case StateHalfOpen:
		b.probeInFlight = false
		b.consecutiveSuccesses++
		if b.consecutiveSuccesses >= b.cfg.SuccessThreshold {
			b.transitionLocked(StateClosed)
		}
	case StateOpen:
		// Stale result from before the trip; ignore.
	}
}

// RecordFailure reports a failed request.
func (b *Breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		b.consecutiveFailures++
		if b.consecutiveFailures >= b.cfg.FailureThreshold {
			b.transitionLocked(StateOpen)
		}
	case StateHalfOpen:
		// Failed probe; trip again.
		b.transitionLocked(StateOpen)
	case StateOpen:
	}
}

// ForceOpen trips the circuit regardless of counters. Used by the health
// gate when the broker or its dependencies are known-unsafe.
func (b *Breaker) ForceOpen() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateOpen)
}

// ForceClose closes the circuit regardless of counters. Used by the health
// gate once all dependencies check out.
func (b *Breaker) ForceClose() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transitionLocked(StateClosed)
}

// State returns the current circuit state.
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// setClock overrides the breaker's clock. Tests only.
func (b *Breaker) setClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}
