package scripting

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics counts what a Scripting does. One Metrics may be shared by many
// instances; a nil *Metrics records nothing.
type Metrics struct {
	Commands        *prometheus.CounterVec
	CommandDuration *prometheus.HistogramVec
	Evals           *prometheus.CounterVec
	Workers         prometheus.Counter
	ConsoleEntries  *prometheus.CounterVec
	LogSaves        *prometheus.CounterVec
}

// NewMetrics creates the collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Commands: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcscript_commands_total",
				Help: "Commands served for scripts, by command and outcome",
			},
			[]string{"cmd", "outcome"},
		),
		CommandDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "gcscript_command_duration_seconds",
				Help:    "Time spent in the message handler per command",
				Buckets: []float64{.0001, .001, .01, .1, .5, 1, 5, 10},
			},
			[]string{"cmd"},
		),
		Evals: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcscript_evals_total",
				Help: "Settled evaluations, by outcome",
			},
			[]string{"outcome"},
		),
		Workers: f.NewCounter(
			prometheus.CounterOpts{
				Name: "gcscript_workers_started_total",
				Help: "Workers started by Load",
			},
		),
		ConsoleEntries: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcscript_console_entries_total",
				Help: "Console output from scripts, by type",
			},
			[]string{"type"},
		),
		LogSaves: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "gcscript_log_saves_total",
				Help: "Script log saves, by outcome",
			},
			[]string{"outcome"},
		),
	}
}

func (m *Metrics) command(cmd, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.Commands.WithLabelValues(cmd, outcome).Inc()
	m.CommandDuration.WithLabelValues(cmd).Observe(d.Seconds())
}

func (m *Metrics) eval(outcome string) {
	if m == nil {
		return
	}
	m.Evals.WithLabelValues(outcome).Inc()
}

func (m *Metrics) workerStarted() {
	if m == nil {
		return
	}
	m.Workers.Inc()
}

func (m *Metrics) console(typ string) {
	if m == nil {
		return
	}
	m.ConsoleEntries.WithLabelValues(typ).Inc()
}

func (m *Metrics) logSave(err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "error"
	}
	m.LogSaves.WithLabelValues(outcome).Inc()
}
