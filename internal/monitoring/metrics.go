package monitoring

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "stormtrack"

// Metrics holds the Prometheus counters, histograms, and gauges for the
// identification and tracking pipeline.
type Metrics struct {
	ScansIdentified prometheus.Counter
	ScansSkipped    prometheus.Counter
	ScansTracked    prometheus.Counter
	StormsPerScan   prometheus.Histogram

	// Splitting.
	ClumpsSplit *prometheus.CounterVec // labels: strategy={dual_threshold,morphology}

	// Tracking.
	TrackEvents       *prometheus.CounterVec // labels: event={start,continue,stop,split,merge}
	LineageAssertions prometheus.Counter

	// Archive.
	AppendDuration *prometheus.HistogramVec // labels: archive={storm,track}
	ArchiveScans   *prometheus.GaugeVec     // labels: archive={storm,track}
	Recoveries     *prometheus.CounterVec   // labels: action={resume,truncate,fresh}
}

func newMetrics() *Metrics {
	return &Metrics{
		ScansIdentified: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_identified_total",
			Help:      "Total volumes turned into stored scans.",
		}),
		ScansSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_skipped_total",
			Help:      "Total volumes skipped because the input was missing or corrupt.",
		}),
		ScansTracked: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "scans_tracked_total",
			Help:      "Total scans whose track update was written.",
		}),
		StormsPerScan: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "storms_per_scan",
			Help:      "Number of storms identified per scan.",
			Buckets:   []float64{0, 1, 2, 5, 10, 20, 50, 100, 200},
		}),
		ClumpsSplit: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "clumps_split_total",
			Help:      "Clumps partitioned into sub-clumps, by strategy.",
		}, []string{"strategy"}),
		TrackEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "track_events_total",
			Help:      "Track entries written, by event kind.",
		}, []string{"event"}),
		LineageAssertions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lineage_assertions_total",
			Help:      "Track updates abandoned after an inconsistent lineage was detected.",
		}),
		AppendDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "archive_append_duration_seconds",
			Help:      "Duration of a locked archive append.",
			Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"archive"}),
		ArchiveScans: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "archive_scans",
			Help:      "Number of scans currently held in each archive.",
		}, []string{"archive"}),
		Recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "archive_recoveries_total",
			Help:      "Startup recovery outcomes, by action.",
		}, []string{"action"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.ScansIdentified,
		m.ScansSkipped,
		m.ScansTracked,
		m.StormsPerScan,
		m.ClumpsSplit,
		m.TrackEvents,
		m.LineageAssertions,
		m.AppendDuration,
		m.ArchiveScans,
		m.Recoveries,
	}
}

// NewMetrics creates and registers all pipeline metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered on a fresh registry to
// avoid "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
