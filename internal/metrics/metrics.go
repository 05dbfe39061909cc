// Package metrics exposes node counters on a private Prometheus registry and
// keeps the running performance snapshot reported by /status.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "biomod"

// PerformanceMetrics is the running summary of validation work.
type PerformanceMetrics struct {
	TotalValidations        uint64 `json:"total_validations"`
	SuccessfulValidations   uint64 `json:"successful_validations"`
	FailedValidations       uint64 `json:"failed_validations"`
	AverageProcessingTimeMs uint64 `json:"average_processing_time_ms"`
	ConsensusRounds         uint64 `json:"consensus_rounds"`
}

// Metrics holds the node's collectors. A nil *Metrics discards observations.
type Metrics struct {
	registry *prometheus.Registry // registry is private to the node

	outcomes     *prometheus.CounterVec // outcomes counts terminal states by name
	attestations *prometheus.CounterVec // attestations counts tally decisions by result
	slashes      prometheus.Counter     // slashes counts proven-invalid attestations
	rounds       prometheus.Counter     // rounds counts consensus rounds started
	roundTime    prometheus.Histogram   // roundTime is submission to terminal state
	proofTime    prometheus.Histogram   // proofTime is local proof construction
	validators   prometheus.Gauge       // validators is the eligible validator count

	mu      sync.Mutex         // mu protects perf and totalMs
	perf    PerformanceMetrics // perf is the running summary
	totalMs uint64             // totalMs is the summed processing time
}

// New creates the collectors and registers them with Go and process collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sequence_outcomes_total",
			Help:      "Sequences reaching a terminal state, by state.",
		}, []string{"state"}),
		attestations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "attestations_total",
			Help:      "Attestations seen by the tally, by result.",
		}, []string{"result"}),
		slashes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "validator_slashes_total",
			Help:      "Validators slashed for proven-invalid attestations.",
		}),
		rounds: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consensus_rounds_total",
			Help:      "Consensus rounds started.",
		}),
		roundTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "processing_seconds",
			Help:      "Time from submission to terminal state.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
		}),
		proofTime: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "proof_build_seconds",
			Help:      "Local proof construction time.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 14),
		}),
		validators: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "eligible_validators",
			Help:      "Validators authorized at the last decision.",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.outcomes,
		m.attestations,
		m.slashes,
		m.rounds,
		m.roundTime,
		m.proofTime,
		m.validators,
	)

	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveOutcome records a terminal state. Confirmed counts as successful.
func (m *Metrics) ObserveOutcome(state string, confirmed bool, elapsed time.Duration) {
	if m == nil {
		return
	}

	m.outcomes.WithLabelValues(state).Inc()
	m.roundTime.Observe(elapsed.Seconds())

	m.mu.Lock()
	defer m.mu.Unlock()

	m.perf.TotalValidations++
	if confirmed {
		m.perf.SuccessfulValidations++
	} else {
		m.perf.FailedValidations++
	}

	m.totalMs += uint64(elapsed.Milliseconds())
	m.perf.AverageProcessingTimeMs = m.totalMs / m.perf.TotalValidations
}

// ObserveAttestation records one tally decision.
func (m *Metrics) ObserveAttestation(result string) {
	if m == nil {
		return
	}

	m.attestations.WithLabelValues(result).Inc()
}

// ObserveSlash records a slashing.
func (m *Metrics) ObserveSlash() {
	if m == nil {
		return
	}

	m.slashes.Inc()
}

// ObserveRound records the start of a consensus round.
func (m *Metrics) ObserveRound() {
	if m == nil {
		return
	}

	m.rounds.Inc()

	m.mu.Lock()
	m.perf.ConsensusRounds++
	m.mu.Unlock()
}

// ObserveProof records a proof construction time.
func (m *Metrics) ObserveProof(d time.Duration) {
	if m == nil {
		return
	}

	m.proofTime.Observe(d.Seconds())
}

// SetEligible records the eligible validator count.
func (m *Metrics) SetEligible(n int) {
	if m == nil {
		return
	}

	m.validators.Set(float64(n))
}

// Snapshot returns the running performance summary.
func (m *Metrics) Snapshot() PerformanceMetrics {
	if m == nil {
		return PerformanceMetrics{}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	return m.perf
}
