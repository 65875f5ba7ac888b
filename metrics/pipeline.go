// Package metrics contains the prometheus infrastructure.
package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

// PipelineMetrics instruments the vote-validation pipeline.
type PipelineMetrics struct {
	// Counts of messages consumed, partitioned by topic and status.
	messagesConsumed *prometheus.CounterVec

	// Counts of messages published, partitioned by topic and status.
	messagesPublished *prometheus.CounterVec

	// Counts of deduplicated (skipped) verifier results.
	duplicatesSkipped *prometheus.CounterVec

	// Current circuit-breaker state (0=closed, 1=half-open, 2=open).
	circuitState *prometheus.GaugeVec

	// Votes currently pending reconciliation, per session.
	pendingVotes *prometheus.GaugeVec

	// Consumer lag observed by the reconciliation gate, per session.
	consumerLag *prometheus.GaugeVec

	// Counts of terminal vote outcomes, partitioned by outcome.
	voteOutcomes *prometheus.CounterVec

	// Latencies of external verifier invocations, partitioned by role.
	verifierLatencies *prometheus.HistogramVec
}

// NewDefaultPipelineMetrics creates Prometheus metric instrumentation for
// a pipeline component. Metrics are registered once per name; subsequent
// calls share the underlying collectors.
func NewDefaultPipelineMetrics(pkg string) PipelineMetrics {
	m := PipelineMetrics{
		messagesConsumed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_messages_consumed", pkg),
				Help: "How many broker messages have been consumed, partitioned by topic and status.",
			},
			[]string{"topic", "status"},
		),
		messagesPublished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_messages_published", pkg),
				Help: "How many broker messages have been published, partitioned by topic and status.",
			},
			[]string{"topic", "status"},
		),
		duplicatesSkipped: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_duplicates_skipped", pkg),
				Help: "How many duplicate messages were skipped by idempotency checks.",
			},
			[]string{"topic"},
		),
		circuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_circuit_state", pkg),
				Help: "Circuit breaker state (0=closed, 1=half-open, 2=open), partitioned by connection.",
			},
			[]string{"connection"},
		),
		pendingVotes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_pending_votes", pkg),
				Help: "Votes awaiting a terminal validation outcome, partitioned by session.",
			},
			[]string{"session"},
		),
		consumerLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: fmt.Sprintf("%s_consumer_lag", pkg),
				Help: "Broker consumer lag observed by the reconciliation gate, partitioned by session.",
			},
			[]string{"session"},
		),
		voteOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: fmt.Sprintf("%s_vote_outcomes", pkg),
				Help: "Terminal vote outcomes, partitioned by outcome.",
			},
			[]string{"outcome"},
		),
		verifierLatencies: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name: fmt.Sprintf("%s_verifier_latencies", pkg),
				Help: "How long external verifier invocations take, partitioned by role.",
			},
			[]string{"role"},
		),
	}
	m.messagesConsumed = registerOnce(m.messagesConsumed).(*prometheus.CounterVec)
	m.messagesPublished = registerOnce(m.messagesPublished).(*prometheus.CounterVec)
	m.duplicatesSkipped = registerOnce(m.duplicatesSkipped).(*prometheus.CounterVec)
	m.circuitState = registerOnce(m.circuitState).(*prometheus.GaugeVec)
	m.pendingVotes = registerOnce(m.pendingVotes).(*prometheus.GaugeVec)
	m.consumerLag = registerOnce(m.consumerLag).(*prometheus.GaugeVec)
	m.voteOutcomes = registerOnce(m.voteOutcomes).(*prometheus.CounterVec)
	m.verifierLatencies = registerOnce(m.verifierLatencies).(*prometheus.HistogramVec)
	return m
}

// MessagesConsumed returns the counter for consumed messages.
func (m *PipelineMetrics) MessagesConsumed(topic, status string) prometheus.Counter {
	return m.messagesConsumed.WithLabelValues(topic, status)
}

// MessagesPublished returns the counter for published messages.
func (m *PipelineMetrics) MessagesPublished(topic, status string) prometheus.Counter {
	return m.messagesPublished.WithLabelValues(topic, status)
}

// DuplicatesSkipped returns the counter for skipped duplicates.
func (m *PipelineMetrics) DuplicatesSkipped(topic string) prometheus.Counter {
	return m.duplicatesSkipped.WithLabelValues(topic)
}

// CircuitState returns the gauge for the named connection's circuit state.
func (m *PipelineMetrics) CircuitState(connection string) prometheus.Gauge {
	return m.circuitState.WithLabelValues(connection)
}

// PendingVotes returns the gauge for the session's pending vote count.
func (m *PipelineMetrics) PendingVotes(session string) prometheus.Gauge {
	return m.pendingVotes.WithLabelValues(session)
}

// ConsumerLag returns the gauge for the session's observed consumer lag.
func (m *PipelineMetrics) ConsumerLag(session string) prometheus.Gauge {
	return m.consumerLag.WithLabelValues(session)
}

// VoteOutcomes returns the counter for the given terminal outcome.
func (m *PipelineMetrics) VoteOutcomes(outcome string) prometheus.Counter {
	return m.voteOutcomes.WithLabelValues(outcome)
}

// VerifierLatencies returns a new latency timer for the given role's
// verifier invocation.
func (m *PipelineMetrics) VerifierLatencies(role string) *prometheus.Timer {
	return prometheus.NewTimer(m.verifierLatencies.WithLabelValues(role))
}
