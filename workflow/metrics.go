package workflow

import (
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics 引擎的prometheus指标, nil 表示不统计
type Metrics struct {
	fetchAttempts      *prometheus.CounterVec
	fetchOutcomes      *prometheus.CounterVec
	transitions        *prometheus.CounterVec
	transitionsRunning prometheus.Gauge
}

func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		fetchAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseflow_fetch_attempts_total",
				Help: "Total number of repository call attempts, retries included",
			},
			[]string{"operation"},
		),
		fetchOutcomes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseflow_fetch_outcomes_total",
				Help: "Total number of repository calls by final outcome",
			},
			[]string{"operation", "outcome"},
		),
		transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "caseflow_transitions_total",
				Help: "Total number of case transition requests by outcome",
			},
			[]string{"to_state", "outcome"},
		),
		transitionsRunning: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "caseflow_transitions_in_flight",
				Help: "Number of case transitions past the in-flight guard",
			},
		),
	}
	if reg == nil {
		return m, nil
	}
	for _, c := range []prometheus.Collector{m.fetchAttempts, m.fetchOutcomes, m.transitions, m.transitionsRunning} {
		if err := reg.Register(c); err != nil {
			return nil, errors.WithMessage(err, "register caseflow metrics failed")
		}
	}
	return m, nil
}

func (m *Metrics) observeFetch(audit *FetchAudit) {
	if m == nil || audit == nil {
		return
	}
	m.fetchAttempts.WithLabelValues(audit.Operation).Add(float64(audit.Attempts))
	m.fetchOutcomes.WithLabelValues(audit.Operation, audit.Outcome).Inc()
}

func (m *Metrics) observeTransition(toState CaseState, outcome string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(toState, outcome).Inc()
}

func (m *Metrics) transitionStarted() {
	if m == nil {
		return
	}
	m.transitionsRunning.Inc()
}

func (m *Metrics) transitionFinished() {
	if m == nil {
		return
	}
	m.transitionsRunning.Dec()
}
