package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/mattjoyce/cmdq/internal/command"
)

// Metrics holds the Prometheus collectors for one dispatcher. A nil *Metrics
// is valid and records nothing.
type Metrics struct {
	reg       prometheus.Registerer
	submitted prometheus.Counter
	executed  *prometheus.CounterVec
	undone    prometheus.Counter
}

// NewMetrics creates and registers the dispatcher counters on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reg: reg,
		submitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdq_commands_submitted_total",
			Help: "Commands accepted into the work queue.",
		}),
		executed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cmdq_commands_executed_total",
			Help: "Commands executed by the consumer, by outcome.",
		}, []string{"status"}),
		undone: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cmdq_commands_undone_total",
			Help: "Commands successfully reversed.",
		}),
	}
	reg.MustRegister(m.submitted, m.executed, m.undone)
	return m
}

// observe registers gauges that read live depths from d.
func (m *Metrics) observe(d *Dispatcher) {
	m.reg.MustRegister(
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cmdq_queue_depth",
			Help: "Commands waiting to be executed.",
		}, func() float64 { return float64(d.queue.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Name: "cmdq_history_depth",
			Help: "Executed commands available for undo.",
		}, func() float64 { return float64(d.history.Len()) }),
	)
}

func (m *Metrics) submittedInc() {
	if m != nil {
		m.submitted.Inc()
	}
}

func (m *Metrics) executedInc(status command.Status) {
	if m != nil {
		m.executed.WithLabelValues(string(status)).Inc()
	}
}

func (m *Metrics) undoneInc() {
	if m != nil {
		m.undone.Inc()
	}
}
