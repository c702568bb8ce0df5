package store

import "github.com/prometheus/client_golang/prometheus"

// Metrics is the optional prometheus wiring for an Engine, built on the
// teacher's indirect dependency github.com/prometheus/client_golang —
// promoted to direct here because the rest of the pack's services
// (jordigilh-kubernaut in particular) take it as a direct dependency for
// exactly this kind of counters-plus-gauges instrumentation.
type Metrics struct {
	fetchOutcomes  *prometheus.CounterVec
	cacheLookups   *prometheus.CounterVec
	mutationResult *prometheus.CounterVec
	inFlightFetch  prometheus.Gauge
}

// NewMetrics registers a Metrics set on reg. Pass prometheus.DefaultRegisterer
// for the global registry.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		fetchOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstore",
			Name:      "fetch_outcomes_total",
			Help:      "Fetch outcomes by kind (success, not_modified, error).",
		}, []string{"outcome"}),
		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstore",
			Name:      "memory_cache_lookups_total",
			Help:      "Memory cache lookups by result (hit, miss).",
		}, []string{"result"}),
		mutationResult: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fluxstore",
			Name:      "mutation_results_total",
			Help:      "Mutation results by operation and outcome.",
		}, []string{"operation", "outcome"}),
		inFlightFetch: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "fluxstore",
			Name:      "fetches_in_flight",
			Help:      "Fetches currently running on the background scope.",
		}),
	}
	reg.MustRegister(m.fetchOutcomes, m.cacheLookups, m.mutationResult, m.inFlightFetch)
	return m
}

func (m *Metrics) observeFetchOutcome(outcome string) {
	if m == nil {
		return
	}
	m.fetchOutcomes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) observeCacheLookup(hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) observeMutation(operation, outcome string) {
	if m == nil {
		return
	}
	m.mutationResult.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) fetchStarted() {
	if m == nil {
		return
	}
	m.inFlightFetch.Inc()
}

func (m *Metrics) fetchFinished() {
	if m == nil {
		return
	}
	m.inFlightFetch.Dec()
}
