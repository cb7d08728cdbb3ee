// Package domain holds the value objects that flow through the scan
// pipeline. Nothing here has behavior beyond construction helpers; every
// consumer treats these as immutable once produced.
package domain

import (
	"time"

	"github.com/marketscan/scanner/internal/market"
)

// RejectScore marks a snapshot filtered out by the liquidity/spread gates.
// Rejected snapshots never appear in a ranking frame.
const RejectScore = -1e6

// Snapshot is the per-symbol, per-cycle record of everything the pipeline
// computed for one symbol. Nullable derivatives context uses pointers.
type Snapshot struct {
	Symbol   string    `json:"symbol"`
	Exchange string    `json:"exchange"`
	TS       time.Time `json:"ts"`

	LastPrice float64 `json:"last_price"`

	QuoteVolumeUSDT float64 `json:"quote_volume_usdt"`
	Top5DepthUSDT   float64 `json:"top5_depth_usdt"`
	SpreadBps       float64 `json:"spread_bps"`
	SlipBps         float64 `json:"slip_bps"`

	ATRPct        float64 `json:"atr_pct"`
	Ret1          float64 `json:"ret_1"`
	Ret15         float64 `json:"ret_15"`
	PriceVelocity float64 `json:"price_velocity"`

	Funding8hPct *float64 `json:"funding_8h_pct,omitempty"`
	OpenInterest *float64 `json:"open_interest,omitempty"`
	BasisBps     *float64 `json:"basis_bps,omitempty"`

	VolumeZScore       float64 `json:"volume_zscore"`
	OrderFlowImbalance float64 `json:"order_flow_imbalance"`
	VolatilityRegime   float64 `json:"volatility_regime"`
	AnomalyScore       float64 `json:"anomaly_score"`
	DepthToVolumeRatio float64 `json:"depth_to_volume_ratio"`

	LiquidityEdge      float64 `json:"liquidity_edge"`
	MomentumEdge       float64 `json:"momentum_edge"`
	VolatilityEdge     float64 `json:"volatility_edge"`
	MicrostructureEdge float64 `json:"microstructure_edge"`
	AnomalyResidual    float64 `json:"anomaly_residual"`

	Z15s         float64 `json:"z_15s"`
	Z1m          float64 `json:"z_1m"`
	Z5m          float64 `json:"z_5m"`
	VWAPDistance float64 `json:"vwap_distance"`
	RSI14        float64 `json:"rsi14"`

	ManipScore *float64 `json:"manip_score,omitempty"`
	ManipFlags []string `json:"manip_flags"`

	Score float64 `json:"score"`

	// LatencyMS is how long the per-symbol fetch fan-out took.
	LatencyMS int64 `json:"latency_ms"`
}

// Rejected reports whether the snapshot carries the gate sentinel.
func (s Snapshot) Rejected() bool { return s.Score == RejectScore }

// RankedItem is a snapshot plus its cycle-relative ranking context.
type RankedItem struct {
	Snapshot
	Rank            int                `json:"rank"`
	RankDelta       int                `json:"rank_delta"`
	ScoreComponents map[string]float64 `json:"score_components"`
	ExecutionMetrics map[string]float64 `json:"execution_metrics"`
	Stale           bool               `json:"stale"`
	ManipulationThresholdExceeded bool `json:"manipulation_threshold_exceeded"`
}

// VolatilityBucket labels the cycle-wide volatility level.
type VolatilityBucket string

const (
	VolatilityLow    VolatilityBucket = "low"
	VolatilityMedium VolatilityBucket = "medium"
	VolatilityHigh   VolatilityBucket = "high"
)

// BucketForGauge maps mean ATR% into a coarse volatility bucket.
func BucketForGauge(meanATRPct float64) VolatilityBucket {
	switch {
	case meanATRPct < 0.5:
		return VolatilityLow
	case meanATRPct < 1.5:
		return VolatilityMedium
	default:
		return VolatilityHigh
	}
}

// RankingFrame is the immutable per-cycle output broadcast to subscribers.
type RankingFrame struct {
	TS               time.Time        `json:"ts"`
	Profile          string           `json:"profile"`
	MarketGauge      float64          `json:"market_gauge"`
	VolatilityBucket VolatilityBucket `json:"volatility_bucket"`
	Items            []RankedItem     `json:"items"`
}

// ScanCycleReport summarizes one orchestrator cycle.
type ScanCycleReport struct {
	DurationMS   int64               `json:"duration_ms"`
	Scanned      int                 `json:"scanned"`
	Ranked       int                 `json:"ranked"`
	Errors       int                 `json:"errors"`
	StartedAt    time.Time           `json:"started_at"`
	FinishedAt   time.Time           `json:"finished_at"`
	AdapterState market.AdapterState `json:"adapter_state"`
}
