// Package health implements the startup and periodic health gate. The gate
// probes the pipeline's dependencies (broker, schema registry, verifier
// liveness) and drives the broker circuit breaker from the result, so a
// process never starts consuming votes against dependencies it cannot
// reach.
package health

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agora-sim/agora/breaker"
	"github.com/agora-sim/agora/config"
	"github.com/agora-sim/agora/log"
)

const moduleName = "health"

const (
	defaultRetries    = 3
	defaultRetryDelay = 2 * time.Second
)

// Check probes one dependency. Probe must respect ctx.
type Check struct {
	// Name identifies the dependency in reports and logs.
	Name string

	// Critical marks checks whose failure must open the broker circuit,
	// pushing votes onto the synchronous fallback path. Non-critical
	// failures are reported but leave the circuit alone.
	Critical bool

	Probe func(ctx context.Context) error
}

// Report is the outcome of one gate evaluation.
type Report struct {
	At       time.Time
	Healthy  bool
	Failures map[string]error
}

func (r *Report) failureNames() []string {
	names := make([]string, 0, len(r.Failures))
	for name := range r.Failures {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Gate evaluates dependency checks and forces the circuit breaker open or
// closed accordingly.
type Gate struct {
	checks     []Check
	circuit    *breaker.Breaker
	retries    int
	retryDelay time.Duration
	interval   time.Duration

	logger *log.Logger

	mu   sync.Mutex
	last Report
}

// New creates a health gate over the given checks.
func New(cfg config.HealthGateConfig, circuit *breaker.Breaker, checks []Check, logger *log.Logger) *Gate {
	if cfg.Retries <= 0 {
		cfg.Retries = defaultRetries
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Gate{
		checks:     checks,
		circuit:    circuit,
		retries:    cfg.Retries,
		retryDelay: cfg.RetryDelay,
		interval:   cfg.Interval,
		logger:     logger.WithModule(moduleName),
	}
}

// probe runs one check with the gate's bounded fixed-delay retries.
func (g *Gate) probe(ctx context.Context, c Check) error {
	var err error
	for attempt := 1; attempt <= g.retries; attempt++ {
		if err = c.Probe(ctx); err == nil {
			return nil
		}
		g.logger.Warn("health check failed",
			"check", c.Name,
			"attempt", attempt,
			"retries", g.retries,
			"err", err,
		)
		if attempt == g.retries {
			break
		}
		select {
		case <-time.After(g.retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("health: check %s interrupted: %w", c.Name, ctx.Err())
		}
	}
	return err
}

// Evaluate runs every check once (with retries) and drives the breaker:
// any critical failure forces the circuit open; an all-clear forces it
// closed. The circuit's own failure counters take over between
// evaluations.
func (g *Gate) Evaluate(ctx context.Context) Report {
	report := Report{At: time.Now().UTC(), Failures: make(map[string]error)}
	criticalFailure := false

	for _, c := range g.checks {
		if err := g.probe(ctx, c); err != nil {
			report.Failures[c.Name] = err
			if c.Critical {
				criticalFailure = true
			}
		}
	}
	report.Healthy = len(report.Failures) == 0

	if g.circuit != nil {
		if criticalFailure {
			g.circuit.ForceOpen()
		} else {
			g.circuit.ForceClose()
		}
	}

	if report.Healthy {
		g.logger.Info("all health checks passed", "checks", len(g.checks))
	} else {
		g.logger.Warn("health checks failed",
			"failed", report.failureNames(),
			"critical", criticalFailure,
		)
	}

	g.mu.Lock()
	g.last = report
	g.mu.Unlock()
	return report
}

// WaitHealthy blocks until an evaluation passes or ctx expires. Used at
// startup so the pipeline never begins consuming against a dead broker.
func (g *Gate) WaitHealthy(ctx context.Context) error {
	for {
		report := g.Evaluate(ctx)
		if report.Healthy {
			return nil
		}
		select {
		case <-time.After(g.retryDelay):
		case <-ctx.Done():
			return fmt.Errorf("health: gate never passed: last failures %v: %w",
				report.failureNames(), ctx.Err())
		}
	}
}

// Start runs periodic evaluations when an interval is configured. With no
// interval it evaluates once and returns.
func (g *Gate) Start(ctx context.Context) error {
	g.Evaluate(ctx)
	if g.interval <= 0 {
		return nil
	}
	for {
		select {
		case <-time.After(g.interval):
			g.Evaluate(ctx)
		case <-ctx.Done():
			return nil
		}
	}
}

// Name returns the name of the service.
func (g *Gate) Name() string {
	return moduleName
}

// Last returns the most recent report. The zero report (never evaluated)
// has a zero At.
func (g *Gate) Last() Report {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.last
}
