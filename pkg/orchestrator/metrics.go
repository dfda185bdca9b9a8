package orchestrator

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var pollBuckets = []float64{5, 15, 30, 60, 120, 300, 600, 1200, 1800}

// Metrics are the pipeline's prometheus collectors. A nil *Metrics records
// nothing.
type Metrics struct {
	jobsStarted     prometheus.Counter
	jobsFinalized   *prometheus.CounterVec
	deviceOutcomes  *prometheus.CounterVec
	commands        *prometheus.CounterVec
	fanoutFailures  prometheus.Counter
	sweepsForced    prometheus.Counter
	commandDuration prometheus.Histogram
}

// NewMetrics builds the collectors and registers them with reg. A nil reg
// leaves them unregistered, which tests rely on.
func NewMetrics(reg prometheus.Registerer) (*Metrics, error) {
	m := &Metrics{
		jobsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "jobs_started_total",
			Help:      "Patch jobs moved from scheduled to running",
		}),
		jobsFinalized: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "jobs_finalized_total",
			Help:      "Patch jobs that reached a terminal status",
		}, []string{"status", "via"}),
		deviceOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "device_outcomes_total",
			Help:      "Per-device unit outcomes",
		}, []string{"outcome", "reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "commands_dispatched_total",
			Help:      "Commands sent through the dispatch gateway",
		}, []string{"type", "result"}),
		fanoutFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "fanout_failures_total",
			Help:      "Device units that could not be enqueued",
		}),
		sweepsForced: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "sweeps_forced_total",
			Help:      "Jobs force-failed by the completion sweep",
		}),
		commandDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "fleetpatch",
			Subsystem: "orchestrator",
			Name:      "install_duration_seconds",
			Help:      "Time from install dispatch to terminal command status",
			Buckets:   pollBuckets,
		}),
	}
	if reg == nil {
		return m, nil
	}

	for _, c := range m.collectors() {
		if err := reg.Register(c); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return nil, err
		}
	}
	return m, nil
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.jobsStarted, m.jobsFinalized, m.deviceOutcomes, m.commands,
		m.fanoutFailures, m.sweepsForced, m.commandDuration,
	}
}

func (m *Metrics) jobStarted() {
	if m != nil {
		m.jobsStarted.Inc()
	}
}

func (m *Metrics) jobFinalized(status, via string) {
	if m != nil {
		m.jobsFinalized.WithLabelValues(status, via).Inc()
	}
}

func (m *Metrics) deviceOutcome(outcome, reason string) {
	if m != nil {
		m.deviceOutcomes.WithLabelValues(outcome, reason).Inc()
	}
}

func (m *Metrics) commandDispatched(typ, result string) {
	if m != nil {
		m.commands.WithLabelValues(typ, result).Inc()
	}
}

func (m *Metrics) fanoutFailed() {
	if m != nil {
		m.fanoutFailures.Inc()
	}
}

func (m *Metrics) sweepForced() {
	if m != nil {
		m.sweepsForced.Inc()
	}
}

func (m *Metrics) observeInstall(d time.Duration) {
	if m != nil && d >= 0 {
		m.commandDuration.Observe(d.Seconds())
	}
}
