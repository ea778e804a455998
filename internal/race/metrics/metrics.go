// Package metrics defines the Prometheus collectors of a race detection
// runtime.
//
// All collectors are created on a caller-supplied registerer so that
// several runtimes (one per test, typically) never collide on the default
// registry. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "racecore"

// Metrics groups every collector of one runtime.
type Metrics struct {
	Accesses        *prometheus.CounterVec
	Skipped         *prometheus.CounterVec
	Races           *prometheus.CounterVec
	SyncEvents      *prometheus.CounterVec
	RendezvousMerge prometheus.Counter
	DroppedReports  prometheus.Counter
	DuplicateRaces  prometheus.Counter
	PersistErrors   prometheus.Counter
	Compacted       prometheus.Counter
	LiveThreads     prometheus.Gauge
	Generation      prometheus.Gauge
	PersistDuration prometheus.Histogram
}

// New creates and registers the collectors on reg. A nil reg registers
// nothing, which is convenient for throwaway runtimes.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		Accesses: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accesses_total",
			Help:      "Monitored accesses checked, by access kind.",
		}, []string{"kind"}),
		Skipped: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "accesses_skipped_total",
			Help:      "Monitored accesses not checked, by reason.",
		}, []string{"reason"}),
		Races: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "races_total",
			Help:      "Races detected, by target kind.",
		}, []string{"target"}),
		SyncEvents: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sync_events_total",
			Help:      "Happens-before vertex activations, by role.",
		}, []string{"role"}),
		RendezvousMerge: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rendezvous_merges_total",
			Help:      "Clock merges into rendezvous points.",
		}),
		DroppedReports: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reports_dropped_total",
			Help:      "Race records dropped because the report queue was full.",
		}),
		DuplicateRaces: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "races_duplicate_total",
			Help:      "Races suppressed because an identical race was already reported.",
		}),
		PersistErrors: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "persist_errors_total",
			Help:      "Race records the sink failed to persist.",
		}),
		Compacted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "compacted_entries_total",
			Help:      "Dead-thread entries removed from data clocks.",
		}),
		LiveThreads: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "live_threads",
			Help:      "Monitored threads currently running.",
		}),
		Generation: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "generation",
			Help:      "Current thread death generation.",
		}),
		PersistDuration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "persist_duration_seconds",
			Help:      "Time spent appending one record to the sink.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 8),
		}),
	}
}

// Access counts a checked access.
func (m *Metrics) Access(kind string) {
	if m != nil {
		m.Accesses.WithLabelValues(kind).Inc()
	}
}

// Skip counts an access that was not checked.
func (m *Metrics) Skip(reason string) {
	if m != nil {
		m.Skipped.WithLabelValues(reason).Inc()
	}
}

// Race counts a detected race.
func (m *Metrics) Race(target string) {
	if m != nil {
		m.Races.WithLabelValues(target).Inc()
	}
}

// Sync counts a vertex activation.
func (m *Metrics) Sync(role string) {
	if m != nil {
		m.SyncEvents.WithLabelValues(role).Inc()
	}
}

// Merge counts a rendezvous merge.
func (m *Metrics) Merge() {
	if m != nil {
		m.RendezvousMerge.Inc()
	}
}

// Dropped counts a report lost to a full queue.
func (m *Metrics) Dropped() {
	if m != nil {
		m.DroppedReports.Inc()
	}
}

// Duplicate counts a suppressed duplicate race.
func (m *Metrics) Duplicate() {
	if m != nil {
		m.DuplicateRaces.Inc()
	}
}

// PersistError counts a failed sink append.
func (m *Metrics) PersistError() {
	if m != nil {
		m.PersistErrors.Inc()
	}
}

// Persisted observes the duration of a sink append in seconds.
func (m *Metrics) Persisted(seconds float64) {
	if m != nil {
		m.PersistDuration.Observe(seconds)
	}
}

// Compact counts removed data clock entries.
func (m *Metrics) Compact(n int) {
	if m != nil && n > 0 {
		m.Compacted.Add(float64(n))
	}
}

// ThreadStarted increments the live thread gauge.
func (m *Metrics) ThreadStarted() {
	if m != nil {
		m.LiveThreads.Inc()
	}
}

// ThreadEnded decrements the live thread gauge and records the generation
// the thread died at.
func (m *Metrics) ThreadEnded(gen int64) {
	if m != nil {
		m.LiveThreads.Dec()
		m.Generation.Set(float64(gen))
	}
}
