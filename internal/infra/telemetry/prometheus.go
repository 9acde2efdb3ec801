package telemetry

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"toolbridge/internal/domain"
)

// PrometheusMetrics implements domain.Metrics on a Prometheus registry.
type PrometheusMetrics struct {
	invocationDuration *prometheus.HistogramVec
	processStarts      *prometheus.CounterVec
	processRestarts    *prometheus.CounterVec
	leaseWait          *prometheus.HistogramVec
	processState       *prometheus.GaugeVec
}

func NewPrometheusMetrics(registerer prometheus.Registerer) *PrometheusMetrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	factory := promauto.With(registerer)

	return &PrometheusMetrics{
		invocationDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbridge_invocation_duration_seconds",
				Help:    "Duration of tool invocations in seconds",
				Buckets: []float64{.005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
			},
			[]string{"tool", "outcome"},
		),
		processStarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_process_starts_total",
				Help: "Total number of tool process start attempts",
			},
			[]string{"tool", "status"},
		),
		processRestarts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "toolbridge_process_restarts_total",
				Help: "Total number of crash-and-restart transitions",
			},
			[]string{"tool", "cause"},
		),
		leaseWait: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "toolbridge_lease_wait_seconds",
				Help:    "Time spent waiting to acquire a tool process lease",
				Buckets: []float64{.001, .005, .01, .05, .1, .5, 1, 5, 10},
			},
			[]string{"tool"},
		),
		processState: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "toolbridge_process_state",
				Help: "Current lifecycle state of each tool process (one-hot)",
			},
			[]string{"tool", "state"},
		),
	}
}

func (p *PrometheusMetrics) ObserveInvocation(tool string, duration time.Duration, failure *domain.Failure) {
	outcome := "success"
	if failure != nil {
		outcome = string(failure.Kind)
	}
	p.invocationDuration.WithLabelValues(tool, outcome).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) ObserveProcessStart(tool string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	p.processStarts.WithLabelValues(tool, status).Inc()
}

func (p *PrometheusMetrics) ObserveProcessRestart(tool string, outcome domain.Outcome) {
	p.processRestarts.WithLabelValues(tool, string(outcome)).Inc()
}

func (p *PrometheusMetrics) ObserveLeaseWait(tool string, duration time.Duration) {
	p.leaseWait.WithLabelValues(tool).Observe(duration.Seconds())
}

func (p *PrometheusMetrics) SetProcessState(tool string, state domain.ProcessState) {
	states := []domain.ProcessState{
		domain.ProcessStateNotStarted,
		domain.ProcessStateStarting,
		domain.ProcessStateReady,
		domain.ProcessStateBusy,
		domain.ProcessStateCrashed,
		domain.ProcessStateStopped,
	}
	for _, s := range states {
		value := 0.0
		if s == state {
			value = 1.0
		}
		p.processState.WithLabelValues(tool, string(s)).Set(value)
	}
}

var _ domain.Metrics = (*PrometheusMetrics)(nil)
