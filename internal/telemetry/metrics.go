// Package telemetry registers the Prometheus collectors the scanner exposes
// at /metrics.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles every collector so tests can build isolated registries.
type Metrics struct {
	CycleDuration   prometheus.Histogram
	CycleErrors     prometheus.Counter
	SymbolsScanned  prometheus.Gauge
	SymbolsRanked   prometheus.Gauge
	FetchLatency    *prometheus.HistogramVec
	BreakerState    prometheus.Gauge
	RulesMatched    prometheus.Counter
	FramesPublished prometheus.Counter
}

// New registers the scanner collectors on the given registerer.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		CycleDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "scanner_cycle_duration_seconds",
			Help:    "Wall time of one full scan cycle.",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
		}),
		CycleErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanner_cycle_errors_total",
			Help: "Cycles that failed before producing a frame.",
		}),
		SymbolsScanned: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_symbols_scanned",
			Help: "Snapshots collected in the last cycle.",
		}),
		SymbolsRanked: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_symbols_ranked",
			Help: "Ranked items in the last published frame (gate survivors, capped at top N).",
		}),
		FetchLatency: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "scanner_fetch_latency_seconds",
			Help:    "Per-symbol snapshot fan-out latency.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 10),
		}, []string{"exchange"}),
		BreakerState: factory.NewGauge(prometheus.GaugeOpts{
			Name: "scanner_adapter_breaker_state",
			Help: "Adapter breaker state: 0 closed, 1 half-open, 2 open.",
		}),
		RulesMatched: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanner_rules_matched_total",
			Help: "Signals enqueued by the rules engine.",
		}),
		FramesPublished: factory.NewCounter(prometheus.CounterOpts{
			Name: "scanner_frames_published_total",
			Help: "Ranking frames handed to the broadcast bus.",
		}),
	}
}

// BreakerGaugeValue maps a breaker state string onto the gauge scale.
func BreakerGaugeValue(state string) float64 {
	switch state {
	case "half_open":
		return 1
	case "open":
		return 2
	default:
		return 0
	}
}
