package sandbox

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// metrics holds the engine's Prometheus collectors. Without a registerer
// they are created but never exported.
type metrics struct {
	PoolIdle         prometheus.Gauge
	IsolatesCreated  prometheus.Counter
	IsolatesDisposed prometheus.Counter

	Executions        *prometheus.CounterVec
	ExecutionDuration prometheus.Histogram
	CapabilityCalls   *prometheus.CounterVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	f := promauto.With(reg)
	return &metrics{
		PoolIdle: f.NewGauge(prometheus.GaugeOpts{
			Name: "sandbox_pool_idle_isolates",
			Help: "Number of idle isolates in the pool",
		}),
		IsolatesCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_pool_isolates_created_total",
			Help: "Total number of isolates created",
		}),
		IsolatesDisposed: f.NewCounter(prometheus.CounterOpts{
			Name: "sandbox_pool_isolates_disposed_total",
			Help: "Total number of isolates disposed",
		}),
		Executions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_executions_total",
				Help: "Total number of guest executions by outcome",
			},
			[]string{"outcome"},
		),
		ExecutionDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "sandbox_execution_duration_seconds",
			Help:    "Guest execution duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		}),
		CapabilityCalls: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "sandbox_capability_calls_total",
				Help: "Total number of capability calls by capability and status",
			},
			[]string{"capability", "status"},
		),
	}
}

// Created, Disposed and Idle implement pool.Observer.
func (m *metrics) Created()   { m.IsolatesCreated.Inc() }
func (m *metrics) Disposed()  { m.IsolatesDisposed.Inc() }
func (m *metrics) Idle(n int) { m.PoolIdle.Set(float64(n)) }

// ObserveExecution records a finished run.
func (m *metrics) ObserveExecution(outcome string, d time.Duration) {
	m.Executions.WithLabelValues(outcome).Inc()
	m.ExecutionDuration.Observe(d.Seconds())
}

// ObserveCapability records a finished capability call.
func (m *metrics) ObserveCapability(capability, status string, _ time.Duration) {
	m.CapabilityCalls.WithLabelValues(capability, status).Inc()
}
