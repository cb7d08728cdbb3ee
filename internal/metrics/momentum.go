package metrics

import (
	"github.com/marketscan/scanner/internal/market"
)

// MomentumSnapshot carries the short-horizon close z-scores plus the VWAP
// distance and RSI that ride along with them on every snapshot.
type MomentumSnapshot struct {
	Z15s         float64 `json:"z_15s"`
	Z1m          float64 `json:"z_1m"`
	Z5m          float64 `json:"z_5m"`
	VWAPDistance float64 `json:"vwap_distance"`
	RSI14        float64 `json:"rsi14"`
}

// Bar windows for the three close z-score horizons.
const (
	z15sWindow = 4
	z1mWindow  = 20
	z5mWindow  = 60
)

// BuildMomentumSnapshot scores the last close against trailing bar windows
// of 4, 20 and 60 closes. When the shortest window cannot be computed, the
// fast z falls back to a third of the price velocity so the field still
// carries direction on sparse series.
func BuildMomentumSnapshot(bars []market.Bar, closes []float64, priceVelocity float64) MomentumSnapshot {
	snap := MomentumSnapshot{
		Z15s:         closeWindowZ(closes, z15sWindow),
		Z1m:          closeWindowZ(closes, z1mWindow),
		Z5m:          closeWindowZ(closes, z5mWindow),
		VWAPDistance: VWAPDistance(bars, lastClose(closes)),
		RSI14:        RSI(closes, 14),
	}
	if snap.Z15s == 0 {
		snap.Z15s = priceVelocity / 3
	}
	return snap
}

// closeWindowZ is the z-score of the last close against the trailing window
// of closes, 0 when the series is shorter than the window or flat.
func closeWindowZ(closes []float64, window int) float64 {
	if window < 2 || len(closes) < window {
		return 0
	}
	segment := closes[len(closes)-window:]
	mu := mean(segment)
	sd := populationStdev(segment, mu)
	if sd <= 1e-9 {
		return 0
	}
	return (segment[len(segment)-1] - mu) / sd
}

func lastClose(closes []float64) float64 {
	if len(closes) == 0 {
		return 0
	}
	return closes[len(closes)-1]
}
