package health

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/agora-sim/agora/breaker"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
)

// countingCheck fails its first failures probes, then passes.
type countingCheck struct {
	calls    atomic.Int64
	failures int64
}

func (c *countingCheck) probe(context.Context) error {
	if c.calls.Add(1) <= c.failures {
		return errors.New("dependency unreachable")
	}
	return nil
}

func testGate(t *testing.T, circuit *breaker.Breaker, checks ...Check) *Gate {
	t.Helper()
	logger := log.NewDefaultLogger("health-test")
	return New(config.HealthGateConfig{
		Retries:    2,
		RetryDelay: time.Millisecond,
	}, circuit, checks, logger)
}

func testBreaker(t *testing.T) *breaker.Breaker {
	t.Helper()
	logger := log.NewDefaultLogger("health-test")
	return breaker.New("health-test", breaker.Config{FailureThreshold: 5}, logger)
}

func TestCriticalFailureOpensCircuit(t *testing.T) {
	circuit := testBreaker(t)
	broken := &countingCheck{failures: 1 << 30}
	gate := testGate(t, circuit,
		Check{Name: "broker", Critical: true, Probe: broken.probe},
	)

	report := gate.Evaluate(context.Background())
	require.False(t, report.Healthy)
	require.Contains(t, report.Failures, "broker")
	require.Equal(t, breaker.StateOpen, circuit.State())

	// Once the dependency recovers the gate force-closes the circuit.
	broken.failures = 0
	report = gate.Evaluate(context.Background())
	require.True(t, report.Healthy)
	require.Equal(t, breaker.StateClosed, circuit.State())
}

func TestNonCriticalFailureLeavesCircuitClosed(t *testing.T) {
	circuit := testBreaker(t)
	circuit.ForceOpen()
	metrics := &countingCheck{failures: 1 << 30}
	gate := testGate(t, circuit,
		Check{Name: "metrics", Critical: false, Probe: metrics.probe},
	)

	// A non-critical failure is reported but never holds the circuit open.
	report := gate.Evaluate(context.Background())
	require.False(t, report.Healthy)
	require.Equal(t, breaker.StateClosed, circuit.State())
}

func TestProbeRetriesBounded(t *testing.T) {
	check := &countingCheck{failures: 1 << 30}
	gate := testGate(t, nil, Check{Name: "registry", Probe: check.probe})

	report := gate.Evaluate(context.Background())
	require.False(t, report.Healthy)
	// Retries: 2 means exactly two probes per evaluation.
	require.Equal(t, int64(2), check.calls.Load())
}

func TestProbeRecoversWithinRetries(t *testing.T) {
	check := &countingCheck{failures: 1}
	gate := testGate(t, nil, Check{Name: "registry", Probe: check.probe})

	report := gate.Evaluate(context.Background())
	require.True(t, report.Healthy)
	require.Equal(t, int64(2), check.calls.Load())
}

func TestWaitHealthy(t *testing.T) {
	// Fails the whole first evaluation (both retries), then recovers.
	check := &countingCheck{failures: 2}
	gate := testGate(t, nil, Check{Name: "broker", Critical: true, Probe: check.probe})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, gate.WaitHealthy(ctx))
	require.True(t, gate.Last().Healthy)
}

func TestWaitHealthyGivesUpOnContext(t *testing.T) {
	check := &countingCheck{failures: 1 << 30}
	gate := testGate(t, nil, Check{Name: "broker", Critical: true, Probe: check.probe})

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := gate.WaitHealthy(ctx)
	require.Error(t, err)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLastReport(t *testing.T) {
	gate := testGate(t, nil, Check{Name: "broker", Probe: (&countingCheck{}).probe})

	// Never evaluated: the zero report.
	require.True(t, gate.Last().At.IsZero())

	gate.Evaluate(context.Background())
	last := gate.Last()
	require.False(t, last.At.IsZero())
	require.True(t, last.Healthy)
}
