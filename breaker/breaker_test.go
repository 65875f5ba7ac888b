package breaker

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/log"
)

// testBreaker returns a breaker with a controllable clock.
func testBreaker(cfg Config) (*Breaker, *time.Time) {
	b := New("test", cfg, log.NewDefaultLogger("breaker-test"))
	now := time.Now()
	b.setClock(func() time.Time { return now })
	// Re-anchor the creation timestamp to the fake clock.
	b.lastTransition = now
	return b, &now
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 3, ResetTimeout: time.Minute})

	require.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())

	// A success resets the consecutive count.
	b.RecordSuccess()
	b.RecordFailure()
	b.RecordFailure()
	require.Equal(t, StateClosed, b.State())

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())
}

func TestBreakerHalfOpenSingleProbe(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: 30 * time.Second})

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	// Before the reset timeout elapses nothing is admitted.
	*now = now.Add(29 * time.Second)
	require.False(t, b.Allow())

	// After the timeout exactly one probe passes.
	*now = now.Add(2 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())
	require.False(t, b.Allow())

	// The probe succeeding closes the circuit.
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())
}

func TestBreakerFailedProbeReopens(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 1, ResetTimeout: time.Second})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)
	require.True(t, b.Allow())
	require.Equal(t, StateHalfOpen, b.State())

	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	// A fresh reset window admits a new probe.
	*now = now.Add(2 * time.Second)
	require.True(t, b.Allow())
}

func TestBreakerSuccessThreshold(t *testing.T) {
	b, now := testBreaker(Config{FailureThreshold: 1, SuccessThreshold: 2, ResetTimeout: time.Second})

	b.RecordFailure()
	*now = now.Add(2 * time.Second)

	// Two successful probes are needed to close.
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateHalfOpen, b.State())
	require.True(t, b.Allow())
	b.RecordSuccess()
	require.Equal(t, StateClosed, b.State())
}

func TestBreakerForcedStates(t *testing.T) {
	b, _ := testBreaker(Config{FailureThreshold: 5, ResetTimeout: time.Hour})

	b.ForceOpen()
	require.Equal(t, StateOpen, b.State())
	require.False(t, b.Allow())

	b.ForceClose()
	require.Equal(t, StateClosed, b.State())
	require.True(t, b.Allow())

	// Forcing open resets counters: the next close starts from a clean
	// failure count.
	b.RecordFailure()
	b.RecordFailure()
	b.ForceOpen()
	b.ForceClose()
	for i := 0; i < 4; i++ {
		b.RecordFailure()
	}
	require.Equal(t, StateClosed, b.State())
	b.RecordFailure()
	require.Equal(t, StateOpen, b.State())
}
