package pinroute

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus collectors of an Engine. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	clientHellos    *prometheus.CounterVec
	decisions       *prometheus.CounterVec
	outcomes        *prometheus.CounterVec
	lateOutcomes    prometheus.Counter
	pinTransitions  *prometheus.CounterVec
	profiles        prometheus.Gauge
	pendingConns    prometheus.Gauge
	expiredPending  prometheus.Counter
	persistFailures prometheus.Counter
	droppedRecords  prometheus.Counter

	registry *prometheus.Registry
}

// NewMetrics creates a Metrics instance with its own registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		clientHellos: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "client_hellos_total",
			Help:      "ClientHellos handled, by parse result.",
		}, []string{"result"}),

		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "decisions_total",
			Help:      "Routing decisions, by verdict and source.",
		}, []string{"verdict", "source"}),

		outcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "outcomes_total",
			Help:      "Connection outcomes attributed to a fingerprint.",
		}, []string{"outcome"}),

		lateOutcomes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "late_outcomes_total",
			Help:      "Outcome reports with no pending connection.",
		}),

		pinTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "pin_transitions_total",
			Help:      "Fingerprints promoted to or demoted from pinned.",
		}, []string{"direction"}),

		profiles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pinroute",
			Name:      "profiles",
			Help:      "Profiles held in memory.",
		}),

		pendingConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "pinroute",
			Name:      "pending_connections",
			Help:      "Connections awaiting an outcome.",
		}),

		expiredPending: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "pending_expired_total",
			Help:      "Pending connections that expired without an outcome.",
		}),

		persistFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "persist_failures_total",
			Help:      "Failed backend writes.",
		}),

		droppedRecords: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "pinroute",
			Name:      "observations_dropped_total",
			Help:      "Observation records dropped from a full persist queue.",
		}),

		registry: reg,
	}

	reg.MustRegister(
		m.clientHellos,
		m.decisions,
		m.outcomes,
		m.lateOutcomes,
		m.pinTransitions,
		m.profiles,
		m.pendingConns,
		m.expiredPending,
		m.persistFailures,
		m.droppedRecords,
	)

	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, e.g. for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) clientHello(parsed bool) {
	if m == nil {
		return
	}
	result := "parsed"
	if !parsed {
		result = "unparsed"
	}
	m.clientHellos.WithLabelValues(result).Inc()
}

func (m *Metrics) decision(d Decision) {
	if m == nil {
		return
	}
	m.decisions.WithLabelValues(d.Verdict.String(), d.Source).Inc()
}

func (m *Metrics) outcome(o Outcome) {
	if m == nil {
		return
	}
	label := "success"
	if !o.Success {
		label = "failure"
	}
	m.outcomes.WithLabelValues(label).Inc()
}

func (m *Metrics) lateOutcome() {
	if m == nil {
		return
	}
	m.lateOutcomes.Inc()
}

func (m *Metrics) pinTransition(d pinDecision) {
	if m == nil {
		return
	}
	switch d {
	case pinPromoted:
		m.pinTransitions.WithLabelValues("promoted").Inc()
	case pinDemoted:
		m.pinTransitions.WithLabelValues("demoted").Inc()
	}
}

func (m *Metrics) setProfiles(n int) {
	if m == nil {
		return
	}
	m.profiles.Set(float64(n))
}

func (m *Metrics) setPending(n int) {
	if m == nil {
		return
	}
	m.pendingConns.Set(float64(n))
}

func (m *Metrics) pendingExpired(n int) {
	if m == nil || n == 0 {
		return
	}
	m.expiredPending.Add(float64(n))
}

func (m *Metrics) persistFailure() {
	if m == nil {
		return
	}
	m.persistFailures.Inc()
}

func (m *Metrics) observationDropped() {
	if m == nil {
		return
	}
	m.droppedRecords.Inc()
}
