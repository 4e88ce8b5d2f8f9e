package service

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the Prometheus instrumentation the dispatch service
// reports into. A nil *Metrics on DispatchService disables instrumentation
// entirely rather than nil-panicking, so tests can construct a service
// without a registry.
type Metrics struct {
	RequestsTotal          *prometheus.CounterVec
	PolicyEvaluationsTotal *prometheus.CounterVec
	KillSwitchState        prometheus.Gauge
	CanaryTriggersTotal    prometheus.Counter
	PendingApprovals       prometheus.Gauge
}

// NewMetrics creates and registers every metric with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	return &Metrics{
		RequestsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "moltgate",
				Name:      "requests_total",
				Help:      "Total number of dispatch requests processed, by message type and outcome status",
			},
			[]string{"type", "status"},
		),
		PolicyEvaluationsTotal: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "moltgate",
				Name:      "policy_evaluations_total",
				Help:      "Total policy engine evaluations, by allow/deny outcome",
			},
			[]string{"result"},
		),
		KillSwitchState: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "moltgate",
				Name:      "kill_switch_state",
				Help:      "1 if the kill switch has fired, 0 otherwise",
			},
		),
		CanaryTriggersTotal: promauto.With(reg).NewCounter(
			prometheus.CounterOpts{
				Namespace: "moltgate",
				Name:      "canary_triggers_total",
				Help:      "Total canary token triggers observed",
			},
		),
		PendingApprovals: promauto.With(reg).NewGauge(
			prometheus.GaugeOpts{
				Namespace: "moltgate",
				Name:      "pending_approvals",
				Help:      "Number of approvals currently awaiting a decision",
			},
		),
	}
}

func (m *Metrics) observeRequest(msgType, status string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(msgType, status).Inc()
}

func (m *Metrics) observePolicy(allowed bool) {
	if m == nil {
		return
	}
	result := "deny"
	if allowed {
		result = "allow"
	}
	m.PolicyEvaluationsTotal.WithLabelValues(result).Inc()
}

func (m *Metrics) setKillSwitchState(killed bool) {
	if m == nil {
		return
	}
	if killed {
		m.KillSwitchState.Set(1)
	} else {
		m.KillSwitchState.Set(0)
	}
}

func (m *Metrics) incCanaryTriggers(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.CanaryTriggersTotal.Add(float64(n))
}

func (m *Metrics) setPendingApprovals(n int) {
	if m == nil {
		return
	}
	m.PendingApprovals.Set(float64(n))
}
