// Package factors computes the cross-sectional peer edges: for each snapshot
// in a cycle, how it ranks against the rest of the universe on liquidity,
// momentum, volatility, microstructure health and anomaly residual.
package factors

import (
	"math"

	"github.com/marketscan/scanner/internal/domain"
)

// minUniverse is the smallest peer set for which z-scores are meaningful.
const minUniverse = 3

// EnrichCrossSectional rewrites the edge fields of every snapshot in place.
// Universes smaller than three symbols keep zero edges. All z-scores use
// population statistics and degrade to 0 when the universe is degenerate.
func EnrichCrossSectional(snaps []domain.Snapshot) {
	if len(snaps) < minUniverse {
		return
	}

	liquidity := make([]float64, len(snaps))
	momentum := make([]float64, len(snaps))
	volatility := make([]float64, len(snaps))
	micro := make([]float64, len(snaps))
	anomaly := make([]float64, len(snaps))

	for i, s := range snaps {
		liquidity[i] = math.Log1p(s.Top5DepthUSDT) + math.Log1p(s.QuoteVolumeUSDT) +
			math.Log1p(s.DepthToVolumeRatio+1) - math.Log1p(s.SpreadBps) - math.Log1p(s.SlipBps)
		momentum[i] = 0.7*s.Ret15 + 0.3*s.Ret1
		volatility[i] = s.ATRPct * math.Max(0, 1+s.VolatilityRegime)
		manip := 0.0
		if s.ManipScore != nil {
			manip = *s.ManipScore
		}
		micro[i] = 40*math.Abs(s.OrderFlowImbalance) + math.Max(0, s.AnomalyScore) +
			2*math.Abs(s.PriceVelocity) + 5*math.Max(0, s.VolumeZScore) + manip
		anomaly[i] = math.Max(0, s.AnomalyScore) + manip
	}

	liqZ := zscores(liquidity)
	momZ := zscores(momentum)
	volZ := zscores(volatility)
	microZ := zscores(micro)
	anomZ := zscores(anomaly)

	for i := range snaps {
		snaps[i].LiquidityEdge = round4(clip3(liqZ[i]))
		snaps[i].MomentumEdge = round4(clip3(momZ[i]))
		snaps[i].VolatilityEdge = round4(clip3(volZ[i]))
		// microstructure penalty is inverted so higher = healthier
		snaps[i].MicrostructureEdge = round4(clip3(-microZ[i]))
		snaps[i].AnomalyResidual = round4(clip3(anomZ[i]))
	}
}

func zscores(xs []float64) []float64 {
	mu := 0.0
	for _, x := range xs {
		mu += x
	}
	mu /= float64(len(xs))
	ss := 0.0
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	sd := math.Sqrt(ss / float64(len(xs)))
	out := make([]float64, len(xs))
	if sd < 1e-9 {
		return out
	}
	for i, x := range xs {
		out[i] = (x - mu) / sd
	}
	return out
}

func clip3(v float64) float64 {
	if v < -3 {
		return -3
	}
	if v > 3 {
		return 3
	}
	return v
}

func round4(v float64) float64 { return math.Round(v*1e4) / 1e4 }
