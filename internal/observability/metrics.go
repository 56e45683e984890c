package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "meteo_reconciler"

// Metrics holds the Prometheus counters, histograms, and gauges for refresh and
// reconciliation runs.
type Metrics struct {
	PipelineRunning prometheus.Gauge

	// Tier refresh metrics.
	TierRefreshes   *prometheus.CounterVec   // labels: tier, outcome={success,partial,error}
	TierRows        *prometheus.GaugeVec     // labels: tier
	FetchFailures   *prometheus.CounterVec   // labels: tier
	RefreshDuration *prometheus.HistogramVec // labels: tier

	// Reconciliation metrics.
	RecomputeTotal          *prometheus.CounterVec // labels: outcome={success,error}
	ReconciledRows          prometheus.Gauge
	DuplicatesWithinTier    *prometheus.GaugeVec // labels: tier
	RecomputeDuration       prometheus.Histogram
	LastSuccessfulRecompute prometheus.Gauge
	StaleInput              prometheus.Gauge

	// Source metrics.
	SourceRequests *prometheus.CounterVec // labels: outcome={success,retry,error}
	SourceCache    *prometheus.CounterVec // labels: result={hit,miss}
}

func newMetrics() *Metrics {
	return &Metrics{
		PipelineRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "pipeline_running",
			Help:      "1 while a refresh or recompute run holds the run lock.",
		}),
		TierRefreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tier_refreshes_total",
			Help:      "Tier refresh runs by tier and outcome.",
		}, []string{"tier", "outcome"}),
		TierRows: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tier_rows",
			Help:      "Rows in each tier table after the last successful refresh.",
		}, []string{"tier"}),
		FetchFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fetch_failures_total",
			Help:      "Source items that failed to fetch or parse during a tier refresh.",
		}, []string{"tier"}),
		RefreshDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tier_refresh_duration_seconds",
			Help:      "Duration of a complete tier refresh.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 600},
		}, []string{"tier"}),
		RecomputeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "recompute_total",
			Help:      "Reconciliation runs by outcome.",
		}, []string{"outcome"}),
		ReconciledRows: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "reconciled_rows",
			Help:      "Rows in the reconciled table.",
		}),
		DuplicatesWithinTier: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "duplicates_within_tier",
			Help:      "Surplus rows sharing a key inside one tier at the last recompute.",
		}, []string{"tier"}),
		RecomputeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "recompute_duration_seconds",
			Help:      "Duration of a complete read-reconcile-replace cycle.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60},
		}),
		LastSuccessfulRecompute: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_successful_recompute_timestamp_seconds",
			Help:      "Unix time of the last successful recompute.",
		}),
		StaleInput: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "stale_input",
			Help:      "1 when the newest tier load is older than the staleness bound.",
		}),
		SourceRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_requests_total",
			Help:      "STAC API and asset requests by outcome.",
		}, []string{"outcome"}),
		SourceCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "source_cache_total",
			Help:      "Historical asset cache lookups by result.",
		}, []string{"result"}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.PipelineRunning,
		m.TierRefreshes,
		m.TierRows,
		m.FetchFailures,
		m.RefreshDuration,
		m.RecomputeTotal,
		m.ReconciledRows,
		m.DuplicatesWithinTier,
		m.RecomputeDuration,
		m.LastSuccessfulRecompute,
		m.StaleInput,
		m.SourceRequests,
		m.SourceCache,
	}
}

// NewMetrics creates and registers all metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates Metrics registered with a fresh registry to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	m := newMetrics()
	prometheus.NewRegistry().MustRegister(m.collectors()...)
	return m
}
