// Package manip implements the per-symbol manipulation detector: a set of
// deterministic rule flags fused with a logistic score over the same feature
// vector. State is the previous observation per symbol, nothing more.
package manip

import (
	"math"
	"sort"
	"sync"
	"time"

	"github.com/marketscan/scanner/internal/market"
	"github.com/marketscan/scanner/internal/metrics"
)

// Flag names, alphabetical. Severities are fixed integer points.
const (
	FlagExhaustedSpike          = "exhausted_spike"
	FlagFundingPriceDivergence  = "funding_price_divergence"
	FlagLiquidityVacuum         = "liquidity_vacuum"
	FlagLiquidityWall           = "liquidity_wall"
	FlagOIPriceDivergence       = "oi_price_divergence"
	FlagPostSurgeReversal       = "post_surge_reversal"
	FlagScamWick                = "scam_wick"
	FlagSpoofingDepthImbalance  = "spoofing_depth_imbalance"
	FlagSpoofingReversal        = "spoofing_reversal"
	FlagWashTradeVolume         = "wash_trade_volume"
)

var flagSeverity = map[string]float64{
	FlagSpoofingDepthImbalance: 25,
	FlagLiquidityWall:          20,
	FlagLiquidityVacuum:        15,
	FlagScamWick:               20,
	FlagOIPriceDivergence:      15,
	FlagFundingPriceDivergence: 10,
	FlagPostSurgeReversal:      35,
	FlagWashTradeVolume:        18,
	FlagSpoofingReversal:       22,
	FlagExhaustedSpike:         16,
}

// Input carries everything one detection call needs. Funding is the rate in
// percent per 8h, OpenInterest the raw contract value; both nil when the
// venue does not provide them.
type Input struct {
	Symbol       string
	Book         market.OrderBook
	Bars         []market.Bar
	Close        float64
	ATRPct       float64
	Ret1         float64
	Ret15        float64
	Funding      *float64
	OpenInterest *float64
	TS           time.Time
}

// Result is the outcome of one detection call.
type Result struct {
	Score    float64            `json:"score"`
	Flags    []string           `json:"flags"`
	Features map[string]float64 `json:"features"`
}

// symbolState is the remembered previous observation for one symbol.
type symbolState struct {
	mu           sync.Mutex
	price        float64
	openInterest *float64
	ts           time.Time
	imbalance    float64
	volumeZ      float64
	velocity     float64
	seen         bool
}

// Detector evaluates manipulation risk per symbol. Safe for concurrent use;
// calls for the same symbol serialize on a per-symbol lock.
type Detector struct {
	notionalTest float64

	mu     sync.Mutex
	states map[string]*symbolState
}

// NewDetector builds a detector sized against the configured test notional.
func NewDetector(notionalTest float64) *Detector {
	return &Detector{
		notionalTest: notionalTest,
		states:       map[string]*symbolState{},
	}
}

func (d *Detector) state(symbol string) *symbolState {
	d.mu.Lock()
	defer d.mu.Unlock()
	st, ok := d.states[symbol]
	if !ok {
		st = &symbolState{}
		d.states[symbol] = st
	}
	return st
}

// Detect runs the rule flags and logistic score for one symbol and updates
// the per-symbol state afterwards. Deterministic for identical inputs and
// identical prior state.
func (d *Detector) Detect(in Input) Result {
	st := d.state(in.Symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	bidTotal, askTotal := 0.0, 0.0
	topBid, topAsk := 0.0, 0.0
	for i, lvl := range in.Book.Bids {
		if i >= 5 {
			break
		}
		n := lvl.Price * lvl.Amount
		bidTotal += n
		if i == 0 {
			topBid = n
		}
	}
	for i, lvl := range in.Book.Asks {
		if i >= 5 {
			break
		}
		n := lvl.Price * lvl.Amount
		askTotal += n
		if i == 0 {
			topAsk = n
		}
	}
	total := bidTotal + askTotal

	imbalance := 0.0
	if total > 0 {
		imbalance = (bidTotal - askTotal) / total
	}
	wallNotional := math.Max(topBid, topAsk)
	wallRatio := 0.0
	if total > 0 {
		wallRatio = wallNotional / total
	}
	vacuumRatio := 0.0
	if d.notionalTest > 0 {
		vacuumRatio = total / (2 * d.notionalTest)
	}

	wickRatio := 0.0
	if n := len(in.Bars); n > 0 && in.Close > 0 {
		last := in.Bars[n-1]
		wickRatio = (last.High - last.Low) / in.Close * 100 / math.Max(in.ATRPct, 0.1)
	}

	closes := make([]float64, len(in.Bars))
	for i, b := range in.Bars {
		closes[i] = b.Close
	}
	volumeZ := metrics.VolumeZScore(in.Bars, 60)
	volRegime := metrics.VolatilityRegime(closes, 20, 60)
	velocity := metrics.PriceVelocity(closes, 5)
	pumpDump := metrics.PumpDumpScore(in.Ret15, in.Ret1, volumeZ, volRegime)

	imbDelta := 0.0
	if st.seen {
		imbDelta = imbalance - st.imbalance
	}
	oiDelta := 0.0
	if st.seen && st.openInterest != nil && in.OpenInterest != nil && *st.openInterest != 0 {
		oiDelta = (*in.OpenInterest - *st.openInterest) / *st.openInterest
	}
	funding := 0.0
	if in.Funding != nil {
		funding = *in.Funding
	}

	flags := map[string]bool{}
	if math.Abs(imbalance) > 0.65 && wallNotional > 1.5*d.notionalTest {
		flags[FlagSpoofingDepthImbalance] = true
	}
	if wallRatio > 0.55 && wallNotional > d.notionalTest {
		flags[FlagLiquidityWall] = true
	}
	if total < 1.5*d.notionalTest {
		flags[FlagLiquidityVacuum] = true
	}
	if wickRatio > 3 && in.ATRPct > 0.2 {
		flags[FlagScamWick] = true
	}
	if oiDelta > 0.05 && in.Ret15 < -0.8 {
		flags[FlagOIPriceDivergence] = true
	}
	if funding*in.Ret1 < 0 && math.Abs(in.Ret1) > 0.25 {
		flags[FlagFundingPriceDivergence] = true
	}
	if pumpDump > 35 {
		flags[FlagPostSurgeReversal] = true
	}
	if math.Abs(volumeZ) > 4 && total < 1.2*d.notionalTest {
		flags[FlagWashTradeVolume] = true
	}
	if st.seen && st.imbalance*imbalance < -0.3 && math.Abs(st.imbalance) > 0.5 {
		flags[FlagSpoofingReversal] = true
	}
	if st.seen && st.volumeZ > 2.5 && volumeZ < 0.5 && math.Abs(in.Ret1) > 0.4 {
		flags[FlagExhaustedSpike] = true
	}

	features := map[string]float64{
		"imbalance":     imbalance,
		"wall_ratio":    wallRatio,
		"wick_ratio":    wickRatio,
		"oi_delta":      oiDelta,
		"funding":       funding,
		"vacuum_ratio":  vacuumRatio,
		"volume_zscore": volumeZ,
		"velocity":      velocity,
		"pump_dump":     pumpDump,
		"imb_delta":     imbDelta,
	}

	linear := -2.5 +
		3.2*feat(math.Abs(imbalance)-0.2) +
		2.1*feat(wallRatio-0.3) +
		1.4*feat(wickRatio-2) +
		1.8*feat(oiDelta-0.03) +
		0.9*feat(math.Abs(funding)-0.05) +
		1.2*feat(1-vacuumRatio) +
		1.4*feat(math.Abs(volumeZ)-1) +
		1.1*feat(math.Abs(velocity)/3) +
		1.8*feat(pumpDump/50) +
		1.3*feat(math.Abs(imbDelta)-0.4) +
		0.8*feat(st.volumeZ-volumeZ-1.5)
	scoreML := sigmoid(linear) * 100

	severitySum := 0.0
	for name := range flags {
		severitySum += flagSeverity[name]
	}
	score := math.Max(severitySum, scoreML)
	if score > 100 {
		score = 100
	}
	if score < 0 {
		score = 0
	}
	score = math.Round(score*100) / 100
	if len(flags) == 0 && score <= 5 {
		score = 0
	}

	st.price = in.Close
	st.openInterest = in.OpenInterest
	st.ts = in.TS
	st.imbalance = imbalance
	st.volumeZ = volumeZ
	st.velocity = velocity
	st.seen = true

	sorted := make([]string, 0, len(flags))
	for name := range flags {
		sorted = append(sorted, name)
	}
	sort.Strings(sorted)

	return Result{Score: score, Flags: sorted, Features: features}
}

// feat clips a shifted feature into the [0, 3] band the logistic weights
// were fitted on.
func feat(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 3 {
		return 3
	}
	return v
}

func sigmoid(x float64) float64 { return 1 / (1 + math.Exp(-x)) }
