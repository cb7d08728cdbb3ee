package factors

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/marketscan/scanner/internal/domain"
)

func snap(symbol string, qvol, depth, spread, ret15 float64) domain.Snapshot {
	manip := 0.0
	return domain.Snapshot{
		Symbol:          symbol,
		QuoteVolumeUSDT: qvol,
		Top5DepthUSDT:   depth,
		SpreadBps:       spread,
		SlipBps:         5,
		Ret15:           ret15,
		ATRPct:          1,
		ManipScore:      &manip,
	}
}

func TestEnrichCrossSectional_DegenerateUniverse(t *testing.T) {
	snaps := []domain.Snapshot{
		snap("A", 1e8, 1e6, 2, 1),
		snap("B", 1e8, 1e6, 2, 1),
		snap("C", 1e8, 1e6, 2, 1),
	}
	EnrichCrossSectional(snaps)
	for _, s := range snaps {
		assert.Zero(t, s.LiquidityEdge, s.Symbol)
		assert.Zero(t, s.MomentumEdge, s.Symbol)
		assert.Zero(t, s.VolatilityEdge, s.Symbol)
		assert.Zero(t, s.MicrostructureEdge, s.Symbol)
		assert.Zero(t, s.AnomalyResidual, s.Symbol)
	}
}

func TestEnrichCrossSectional_IdenticalInputsEqualEdges(t *testing.T) {
	snaps := []domain.Snapshot{
		snap("A", 1e8, 1e6, 2, 1),
		snap("B", 1e8, 1e6, 2, 1),
		snap("C", 1e7, 1e5, 8, -1),
	}
	EnrichCrossSectional(snaps)
	assert.Equal(t, snaps[0].LiquidityEdge, snaps[1].LiquidityEdge)
	assert.Equal(t, snaps[0].MomentumEdge, snaps[1].MomentumEdge)
	assert.Equal(t, snaps[0].MicrostructureEdge, snaps[1].MicrostructureEdge)
}

func TestEnrichCrossSectional_OrderingAndClipping(t *testing.T) {
	snaps := []domain.Snapshot{
		snap("BIG", 5e8, 1e7, 1, 3),
		snap("MID", 5e7, 1e6, 5, 1),
		snap("SMALL", 5e6, 1e5, 20, -2),
	}
	EnrichCrossSectional(snaps)
	assert.Greater(t, snaps[0].LiquidityEdge, snaps[2].LiquidityEdge)
	assert.Greater(t, snaps[0].MomentumEdge, snaps[2].MomentumEdge)
	for _, s := range snaps {
		assert.GreaterOrEqual(t, s.LiquidityEdge, -3.0)
		assert.LessOrEqual(t, s.LiquidityEdge, 3.0)
	}
}

func TestEnrichCrossSectional_SmallUniverseUntouched(t *testing.T) {
	snaps := []domain.Snapshot{
		snap("A", 1e8, 1e6, 2, 1),
		snap("B", 1e7, 1e5, 8, -1),
	}
	EnrichCrossSectional(snaps)
	assert.Zero(t, snaps[0].LiquidityEdge)
	assert.Zero(t, snaps[1].LiquidityEdge)
}

func TestEnrichCrossSectional_MicrostructureInverted(t *testing.T) {
	// the noisier symbol must have the lower (less healthy) micro edge
	noisy := snap("NOISY", 1e8, 1e6, 2, 1)
	noisy.OrderFlowImbalance = 0.9
	noisy.AnomalyScore = 80
	big := 90.0
	noisy.ManipScore = &big

	snaps := []domain.Snapshot{
		snap("CLEAN", 1e8, 1e6, 2, 1),
		snap("OK", 1e8, 1e6, 2, 1),
		noisy,
	}
	EnrichCrossSectional(snaps)
	assert.Less(t, snaps[2].MicrostructureEdge, snaps[0].MicrostructureEdge)
	assert.Greater(t, snaps[2].AnomalyResidual, snaps[0].AnomalyResidual)
}
