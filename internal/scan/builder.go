package scan

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/manip"
	"github.com/marketscan/scanner/internal/market"
	"github.com/marketscan/scanner/internal/metrics"
)

// ohlcvTimeframe and fetch limits for the snapshot fan-out.
const (
	ohlcvTimeframe = "1m"
	ohlcvLimit     = 120
	bookLimit      = 25
	tradesLimit    = 200
)

// Builder assembles one Snapshot per symbol from the adapter and the pure
// feature pipeline. Safe for concurrent use across symbols.
type Builder struct {
	source       market.MarketDataSource
	detector     *manip.Detector
	exchange     string
	notionalTest float64
}

// NewBuilder wires the snapshot assembly path.
func NewBuilder(source market.MarketDataSource, detector *manip.Detector, exchange string, notionalTest float64) *Builder {
	return &Builder{source: source, detector: detector, exchange: exchange, notionalTest: notionalTest}
}

// Built is one assembled snapshot plus the book-derived execution metrics
// that ride along to the ranked item.
type Built struct {
	Snapshot  domain.Snapshot
	Execution map[string]float64
}

// BuildSnapshot fans out the three mandatory fetches in parallel, then the
// three optional ones with independent error tolerance. A mandatory fetch
// failure fails the snapshot; optional failures downgrade to nil fields.
func (b *Builder) BuildSnapshot(ctx context.Context, symbol string) (Built, error) {
	started := time.Now()

	var (
		wg        sync.WaitGroup
		ticker    market.Ticker
		book      market.OrderBook
		bars      []market.Bar
		tickerErr error
		bookErr   error
		ohlcvErr  error
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		ticker, tickerErr = b.source.FetchTicker(ctx, symbol)
	}()
	go func() {
		defer wg.Done()
		book, bookErr = b.source.FetchOrderBook(ctx, symbol, bookLimit)
	}()
	go func() {
		defer wg.Done()
		bars, ohlcvErr = b.source.FetchOHLCV(ctx, symbol, ohlcvTimeframe, ohlcvLimit)
	}()
	wg.Wait()
	if tickerErr != nil {
		return Built{}, tickerErr
	}
	if bookErr != nil {
		return Built{}, bookErr
	}
	if ohlcvErr != nil {
		return Built{}, ohlcvErr
	}

	var (
		trades  []market.Trade
		funding *market.FundingRate
		oi      *market.OpenInterest
	)
	wg.Add(3)
	go func() {
		defer wg.Done()
		var err error
		trades, err = b.source.FetchTrades(ctx, symbol, tradesLimit)
		if err != nil {
			log.Debug().Str("symbol", symbol).Str("operation", "fetch_trades").Err(err).
				Msg("optional fetch failed")
			trades = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		funding, err = b.source.FetchFundingRate(ctx, symbol)
		if err != nil {
			log.Debug().Str("symbol", symbol).Str("operation", "fetch_funding_rate").Err(err).
				Msg("optional fetch failed")
			funding = nil
		}
	}()
	go func() {
		defer wg.Done()
		var err error
		oi, err = b.source.FetchOpenInterest(ctx, symbol)
		if err != nil {
			log.Debug().Str("symbol", symbol).Str("operation", "fetch_open_interest").Err(err).
				Msg("optional fetch failed")
			oi = nil
		}
	}()
	wg.Wait()
	log.Debug().Str("symbol", symbol).Int("bars", len(bars)).Int("trades", len(trades)).
		Msg("snapshot data fetched")

	now := time.Now().UTC()
	closes := make([]float64, len(bars))
	for i, bar := range bars {
		closes[i] = bar.Close
	}
	lastClose := ticker.Last
	if len(closes) > 0 && closes[len(closes)-1] > 0 {
		lastClose = closes[len(closes)-1]
	}

	qvol := metrics.QuoteVolumeUSDT(ticker)
	depth := metrics.Top5DepthUSDT(book)
	spread := metrics.SpreadBps(ticker.Bid, ticker.Ask)
	slip := metrics.EstimateSlippageBps(book, b.notionalTest, "both")
	atr := metrics.ATRPct(bars, 50)
	rets := metrics.ComputeReturns(closes, 15)
	velocity := metrics.PriceVelocity(closes, 5)
	volumeZ := metrics.VolumeZScore(bars, 60)
	ofi := metrics.OrderFlowImbalance(book, 10)
	volRegime := metrics.VolatilityRegime(closes, 20, 60)
	anomaly := metrics.PumpDumpScore(rets.Ret15, rets.Ret1, volumeZ, volRegime)
	momentum := metrics.BuildMomentumSnapshot(bars, closes, velocity)
	basis := metrics.BasisBps(lastClose, metrics.SpotReference(ticker))

	var fundingPct *float64
	if funding != nil {
		fundingPct = metrics.Funding8hPct(&funding.Rate)
	}
	var oiValue *float64
	if oi != nil {
		v := oi.Value
		oiValue = &v
	}

	detection := b.detector.Detect(manip.Input{
		Symbol:       symbol,
		Book:         book,
		Bars:         bars,
		Close:        lastClose,
		ATRPct:       atr,
		Ret1:         rets.Ret1,
		Ret15:        rets.Ret15,
		Funding:      fundingPct,
		OpenInterest: oiValue,
		TS:           now,
	})
	manipScore := detection.Score

	depthToVolume := 0.0
	if qvol > 0 {
		depthToVolume = depth / qvol
	}

	snap := domain.Snapshot{
		Symbol:    symbol,
		Exchange:  b.exchange,
		TS:        now,
		LastPrice: lastClose,

		QuoteVolumeUSDT: qvol,
		Top5DepthUSDT:   depth,
		SpreadBps:       spread,
		SlipBps:         slip,

		ATRPct:        atr,
		Ret1:          rets.Ret1,
		Ret15:         rets.Ret15,
		PriceVelocity: velocity,

		Funding8hPct: fundingPct,
		OpenInterest: oiValue,
		BasisBps:     basis,

		VolumeZScore:       volumeZ,
		OrderFlowImbalance: ofi,
		VolatilityRegime:   volRegime,
		AnomalyScore:       anomaly,
		DepthToVolumeRatio: depthToVolume,

		Z15s:         momentum.Z15s,
		Z1m:          momentum.Z1m,
		Z5m:          momentum.Z5m,
		VWAPDistance: momentum.VWAPDistance,
		RSI14:        momentum.RSI14,

		ManipScore: &manipScore,
		ManipFlags: detection.Flags,

		LatencyMS: time.Since(started).Milliseconds(),
	}
	return Built{Snapshot: snap, Execution: ExecutionMetrics(book, b.notionalTest)}, nil
}

// ExecutionMetrics returns the deterministic fill-quality estimates attached
// to every ranked item: where a test order would sit in the best-level queue
// and what doubling the notional would cost.
func ExecutionMetrics(book market.OrderBook, notional float64) map[string]float64 {
	queuePosition := 1.0
	if len(book.Bids) > 0 && notional > 0 {
		topNotional := book.Bids[0].Price * book.Bids[0].Amount
		queuePosition = math.Min(1, topNotional/notional)
	}
	impact := metrics.EstimateSlippageBps(book, 2*notional, "both")
	return map[string]float64{
		"queue_position_estimate": math.Round(queuePosition*1e4) / 1e4,
		"simulated_impact_bps":    math.Round(impact*1e4) / 1e4,
	}
}
