// Package scoring turns enriched snapshots into profile-weighted scores and
// ranked lists. Gate rejections use the RejectScore sentinel, never an error.
package scoring

import (
	"math"
	"sort"

	"github.com/marketscan/scanner/internal/domain"
)

// Gates are the hard liquidity filters applied before any weighting.
type Gates struct {
	MinQvolUSDT  float64
	MaxSpreadBps float64
}

// Scorer scores and ranks snapshots for one set of gates.
type Scorer struct {
	registry *Registry
	gates    Gates
}

// NewScorer builds a scorer over a profile registry.
func NewScorer(registry *Registry, gates Gates) *Scorer {
	return &Scorer{registry: registry, gates: gates}
}

// Score computes the profile-weighted score and its additive breakdown for
// one snapshot. Snapshots failing the gates return (RejectScore, empty map).
func (s *Scorer) Score(snap domain.Snapshot, profile string, includeCarry bool) (float64, map[string]float64, error) {
	w, err := s.registry.Get(profile)
	if err != nil {
		return 0, nil, err
	}
	if snap.QuoteVolumeUSDT < s.gates.MinQvolUSDT || snap.SpreadBps > s.gates.MaxSpreadBps {
		return domain.RejectScore, map[string]float64{}, nil
	}

	liq := w.Liquidity.Qvol*math.Log1p(snap.QuoteVolumeUSDT/1e6) +
		w.Liquidity.Depth*math.Log1p(snap.Top5DepthUSDT/1e5)
	vol := w.Vol.ATR * snap.ATRPct
	mom := w.Momentum.Ret15*snap.Ret15 + w.Momentum.Ret1*snap.Ret1
	cost := w.Cost.Spread*snap.SpreadBps + w.Cost.Slip*snap.SlipBps

	carry := 0.0
	if includeCarry {
		if snap.Funding8hPct != nil {
			carry += w.Carry.Funding * -*snap.Funding8hPct
		}
		if snap.BasisBps != nil {
			carry += w.Carry.Basis * (-*snap.BasisBps / 100)
		}
	}

	structureBonus := w.Structure.VolumeZ*clamp(snap.VolumeZScore, -2.5, 6) +
		w.Structure.Velocity*clamp(snap.PriceVelocity, -5, 5)
	structurePenalty := w.Structure.OFI*math.Abs(snap.OrderFlowImbalance) +
		w.Structure.Volatility*math.Abs(snap.VolatilityRegime) +
		w.Structure.Anomaly*(snap.AnomalyScore/10) +
		w.Structure.Residual*math.Max(0, snap.AnomalyResidual)

	edges := w.Edges.Liquidity*clamp(snap.LiquidityEdge, -3, 3) +
		w.Edges.Momentum*clamp(snap.MomentumEdge, -3, 3) +
		w.Edges.Volatility*clamp(snap.VolatilityEdge, -3, 3) +
		w.Edges.Micro*clamp(snap.MicrostructureEdge, -3, 3)

	raw := liq + vol + mom + carry + structureBonus + edges - cost - structurePenalty

	manipPenalty := 0.0
	if snap.ManipScore != nil {
		manipPenalty = 0.4 * *snap.ManipScore
		raw -= manipPenalty
	}

	score := math.Round(raw*1e4) / 1e4
	breakdown := map[string]float64{
		"liquidity":         liq,
		"volatility":        vol,
		"momentum":          mom,
		"cost":              cost,
		"carry":             carry,
		"structure_bonus":   structureBonus,
		"structure_penalty": structurePenalty,
		"edges":             edges,
		"manip_penalty":     manipPenalty,
	}
	return score, breakdown, nil
}

// Scored pairs a snapshot with its score breakdown after ranking.
type Scored struct {
	Snapshot  domain.Snapshot
	Breakdown map[string]float64
}

// Rank scores every snapshot, drops gate rejections, and returns the top N
// by score descending. The returned snapshots carry their score.
func (s *Scorer) Rank(snaps []domain.Snapshot, top int, profile string, includeCarry bool) ([]Scored, error) {
	scored := make([]Scored, 0, len(snaps))
	for _, snap := range snaps {
		score, breakdown, err := s.Score(snap, profile, includeCarry)
		if err != nil {
			return nil, err
		}
		snap.Score = score
		if snap.Rejected() {
			continue
		}
		scored = append(scored, Scored{Snapshot: snap, Breakdown: breakdown})
	}
	sort.SliceStable(scored, func(i, j int) bool {
		return scored[i].Snapshot.Score > scored[j].Snapshot.Score
	})
	if top > 0 && len(scored) > top {
		scored = scored[:top]
	}
	return scored, nil
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
