// Package metrics exposes the storage core's prometheus instruments. A nil
// *Metrics is valid and records nothing, so instrumentation call sites never
// need a guard.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "vscsi"

type Metrics struct {
	PathStateTransitions *prometheus.CounterVec
	FailoversStarted     prometheus.Counter
	FailoversFailed      prometheus.Counter
	EvalSweeps           prometheus.Counter

	ResetsRequested prometheus.Counter
	ResetsRetried   prometheus.Counter
	ResetsForced    prometheus.Counter

	CompletionsDelivered prometheus.Counter
	CompletionsDelayed   prometheus.Counter
	CommandsIssued       *prometheus.CounterVec

	LiveHandles prometheus.Gauge
}

// New builds the instrument set and registers it on reg. A nil reg yields
// unregistered (but still usable) instruments, which tests rely on.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		PathStateTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mpath",
			Name:      "path_state_transitions_total",
			Help:      "Path state transitions, labelled by resulting state.",
		}, []string{"state"}),
		FailoversStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mpath",
			Name:      "failovers_started_total",
			Help:      "Manual switchovers and active-path moves started.",
		}),
		FailoversFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mpath",
			Name:      "failovers_failed_total",
			Help:      "Switchover attempts that left the path STANDBY or DEAD.",
		}),
		EvalSweeps: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "mpath",
			Name:      "eval_sweeps_total",
			Help:      "Adapter health evaluation sweeps completed.",
		}),
		ResetsRequested: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "resets_requested_total",
			Help:      "Virtual target resets accepted into the reset state machine.",
		}),
		ResetsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "resets_retried_total",
			Help:      "Reset reissues after a drain deadline expired.",
		}),
		ResetsForced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "resets_forced_total",
			Help:      "Resets force-completed after exhausting retries.",
		}),
		CompletionsDelivered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "completions_delivered_total",
			Help:      "Command completions queued for guest polling.",
		}),
		CompletionsDelayed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "completions_delayed_total",
			Help:      "Completions routed through the delayed-completion queue.",
		}),
		CommandsIssued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "commands_issued_total",
			Help:      "Guest commands dispatched, labelled by backend device type.",
		}, []string{"devtype"}),
		LiveHandles: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "live_handles",
			Help:      "Open virtual device handles.",
		}),
	}

	if reg != nil {
		reg.MustRegister(
			m.PathStateTransitions,
			m.FailoversStarted,
			m.FailoversFailed,
			m.EvalSweeps,
			m.ResetsRequested,
			m.ResetsRetried,
			m.ResetsForced,
			m.CompletionsDelivered,
			m.CompletionsDelayed,
			m.CommandsIssued,
			m.LiveHandles,
		)
	}

	return m
}

// The nil-safe accessors below are what the core calls.

func (m *Metrics) PathTransition(state string) {
	if m != nil {
		m.PathStateTransitions.WithLabelValues(state).Inc()
	}
}

func (m *Metrics) FailoverStarted() {
	if m != nil {
		m.FailoversStarted.Inc()
	}
}

func (m *Metrics) FailoverFailed() {
	if m != nil {
		m.FailoversFailed.Inc()
	}
}

func (m *Metrics) EvalSweep() {
	if m != nil {
		m.EvalSweeps.Inc()
	}
}

func (m *Metrics) ResetRequested() {
	if m != nil {
		m.ResetsRequested.Inc()
	}
}

func (m *Metrics) ResetRetried() {
	if m != nil {
		m.ResetsRetried.Inc()
	}
}

func (m *Metrics) ResetForced() {
	if m != nil {
		m.ResetsForced.Inc()
	}
}

func (m *Metrics) CompletionDelivered() {
	if m != nil {
		m.CompletionsDelivered.Inc()
	}
}

func (m *Metrics) CompletionDelayed() {
	if m != nil {
		m.CompletionsDelayed.Inc()
	}
}

func (m *Metrics) CommandIssued(devType string) {
	if m != nil {
		m.CommandsIssued.WithLabelValues(devType).Inc()
	}
}

func (m *Metrics) HandleOpened() {
	if m != nil {
		m.LiveHandles.Inc()
	}
}

func (m *Metrics) HandleClosed() {
	if m != nil {
		m.LiveHandles.Dec()
	}
}
