package scan

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscan/scanner/internal/bus"
	"github.com/marketscan/scanner/internal/control"
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/manip"
	"github.com/marketscan/scanner/internal/market"
	"github.com/marketscan/scanner/internal/rules"
	"github.com/marketscan/scanner/internal/scoring"
)

// stubSource serves deterministic market data per symbol; symbols in
// failing always error on the mandatory fetches.
type stubSource struct {
	mu      sync.Mutex
	qvol    map[string]float64
	ret     map[string]float64
	failing map[string]bool
	markets map[string]market.MarketInfo
}

func newStubSource() *stubSource {
	return &stubSource{
		qvol:    map[string]float64{},
		ret:     map[string]float64{},
		failing: map[string]bool{},
		markets: map[string]market.MarketInfo{},
	}
}

func (s *stubSource) setSymbol(symbol string, qvol, ret float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.qvol[symbol] = qvol
	s.ret[symbol] = ret
}

func (s *stubSource) LoadMarkets(ctx context.Context) (map[string]market.MarketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]market.MarketInfo, len(s.markets))
	for k, v := range s.markets {
		out[k] = v
	}
	return out, nil
}

func (s *stubSource) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[symbol] {
		return market.Ticker{}, errors.New("symbol outage")
	}
	return market.Ticker{
		Symbol:      symbol,
		Bid:         100,
		Ask:         100.1,
		Last:        100.05,
		QuoteVolume: s.qvol[symbol],
		Timestamp:   time.Now().UTC(),
	}, nil
}

func (s *stubSource) FetchOrderBook(ctx context.Context, symbol string, limit int) (market.OrderBook, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failing[symbol] {
		return market.OrderBook{}, errors.New("symbol outage")
	}
	return market.OrderBook{
		Symbol: symbol,
		Bids: []market.PriceLevel{
			{Price: 100, Amount: 50}, {Price: 99.9, Amount: 45},
			{Price: 99.8, Amount: 40}, {Price: 99.7, Amount: 35}, {Price: 99.6, Amount: 30},
		},
		Asks: []market.PriceLevel{
			{Price: 100.1, Amount: 52}, {Price: 100.2, Amount: 48},
			{Price: 100.3, Amount: 44}, {Price: 100.4, Amount: 40}, {Price: 100.5, Amount: 36},
		},
		Timestamp: time.Now().UTC(),
	}, nil
}

func (s *stubSource) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Bar, error) {
	s.mu.Lock()
	ret := s.ret[symbol]
	failing := s.failing[symbol]
	s.mu.Unlock()
	if failing {
		return nil, errors.New("symbol outage")
	}
	bars := make([]market.Bar, 80)
	price := 100.0
	for i := range bars {
		bars[i] = market.Bar{
			Timestamp: time.Now().UTC().Add(-time.Duration(80-i) * time.Minute),
			Open:      price, High: price * 1.002, Low: price * 0.998, Close: price,
			Volume: 1000,
		}
	}
	// encode the configured momentum into the last bars
	last := price * (1 + ret/100)
	bars[len(bars)-1].Close = last
	bars[len(bars)-1].High = last * 1.002
	bars[len(bars)-1].Low = last * 0.998
	return bars, nil
}

func (s *stubSource) FetchTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	return nil, errors.New("trades unsupported")
}

func (s *stubSource) FetchFundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	return &market.FundingRate{Symbol: symbol, Rate: 0.0001, Timestamp: time.Now().UTC()}, nil
}

func (s *stubSource) FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	return &market.OpenInterest{Symbol: symbol, Value: 1e6, Timestamp: time.Now().UTC()}, nil
}

type stubState struct{ state market.AdapterState }

func (s stubState) SnapshotState() market.AdapterState { return s.state }

func testOrchestrator(source *stubSource, symbols []string) (*Orchestrator, *control.Plane, *bus.Broadcast) {
	detector := manip.NewDetector(10000)
	builder := NewBuilder(source, detector, "stub", 10000)
	scorer := scoring.NewScorer(scoring.NewRegistry(), scoring.Gates{MinQvolUSDT: 25e6, MaxSpreadBps: 25})
	plane := control.NewPlane(60, 120)
	frames := bus.NewBroadcast()
	orch := New(Options{
		Exchange:    "stub",
		Symbols:     symbols,
		Interval:    30 * time.Second,
		Concurrency: 4,
		TopByQvol:   50,
		TopN:        10,
		Profile:     "scalp",
	}, source, stubState{state: market.AdapterState{Exchange: "stub", State: market.BreakerClosed}},
		builder, scorer, plane, frames, nil, nil, nil, nil)
	return orch, plane, frames
}

func TestRunCycle_EndToEnd(t *testing.T) {
	source := newStubSource()
	source.setSymbol("AUSDT", 2e8, 1.2)
	source.setSymbol("BUSDT", 1e8, 0.5)
	source.setSymbol("CUSDT", 3e7, 0.1)
	source.setSymbol("LOWUSDT", 1e6, 2.0) // below min qvol, rejected
	source.failing["DEADUSDT"] = true

	symbols := []string{"AUSDT", "BUSDT", "CUSDT", "LOWUSDT", "DEADUSDT"}
	orch, plane, frames := testOrchestrator(source, symbols)
	sub := frames.Subscribe()
	defer sub.Close()

	snaps, frame, report, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)

	assert.Equal(t, 4, report.Scanned)
	assert.Equal(t, 1, report.Errors)
	assert.Len(t, snaps, 4)

	// rejected and failed symbols are absent from the ranked items
	require.Len(t, frame.Items, 3)
	seen := map[string]bool{}
	for i, item := range frame.Items {
		seen[item.Symbol] = true
		assert.Equal(t, i+1, item.Rank)
		assert.NotEqual(t, domain.RejectScore, item.Score)
		assert.NotEmpty(t, item.ScoreComponents)
		assert.NotEmpty(t, item.ExecutionMetrics)
	}
	assert.False(t, seen["LOWUSDT"])
	assert.False(t, seen["DEADUSDT"])

	// the frame was broadcast
	got := <-sub.C
	assert.Equal(t, "scalp", got.Profile)
	assert.Len(t, got.Items, 3)

	// health recorded the cycle
	health := plane.Health()
	assert.Equal(t, int64(1), health.CycleCount)
	assert.Equal(t, 0, health.FailureStreak)
	assert.Contains(t, health.Symbols, "AUSDT")
	assert.NotEmpty(t, health.SpreadHistory["AUSDT"])
}

func TestRunCycle_RankedDescending(t *testing.T) {
	source := newStubSource()
	source.setSymbol("AUSDT", 2e8, 1.2)
	source.setSymbol("BUSDT", 1e8, 0.5)
	source.setSymbol("CUSDT", 3e7, 0.1)

	orch, _, _ := testOrchestrator(source, []string{"AUSDT", "BUSDT", "CUSDT"})
	_, frame, _, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)

	require.Len(t, frame.Items, 3)
	for i := 1; i < len(frame.Items); i++ {
		assert.GreaterOrEqual(t, frame.Items[i-1].Score, frame.Items[i].Score)
	}
}

func TestRunCycle_RankDelta(t *testing.T) {
	source := newStubSource()
	source.setSymbol("AUSDT", 2e8, 2.0)
	source.setSymbol("BUSDT", 1.9e8, 0.1)
	source.setSymbol("CUSDT", 1.8e8, 0.1)

	orch, _, _ := testOrchestrator(source, []string{"AUSDT", "BUSDT", "CUSDT"})
	_, first, _, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)
	for _, item := range first.Items {
		assert.Zero(t, item.RankDelta)
	}
	require.Equal(t, "AUSDT", first.Items[0].Symbol)

	// flip momentum so the previous leader falls back
	source.setSymbol("AUSDT", 2e8, -3.0)
	source.setSymbol("BUSDT", 1.9e8, 2.5)

	_, second, _, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)
	bymSymbol := map[string]domain.RankedItem{}
	for _, item := range second.Items {
		bymSymbol[item.Symbol] = item
	}
	assert.Negative(t, bymSymbol["AUSDT"].RankDelta)
	assert.Positive(t, bymSymbol["BUSDT"].RankDelta)
}

func TestRunCycle_EmptyUniverse(t *testing.T) {
	source := newStubSource()
	orch, plane, frames := testOrchestrator(source, nil)
	sub := frames.Subscribe()
	defer sub.Close()

	snaps, frame, report, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.Empty(t, frame.Items)
	assert.Zero(t, report.Scanned)

	// the empty frame still goes out and health still ticks
	got := <-sub.C
	assert.Empty(t, got.Items)
	assert.Equal(t, int64(1), plane.Health().CycleCount)
}

func TestRunCycle_ManualBreakerSkips(t *testing.T) {
	source := newStubSource()
	source.setSymbol("AUSDT", 2e8, 1.0)
	orch, plane, frames := testOrchestrator(source, []string{"AUSDT"})
	sub := frames.Subscribe()
	defer sub.Close()

	plane.SetManualBreaker(control.BreakerOpen, "ops", "incident")
	snaps, frame, _, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)
	assert.Empty(t, snaps)
	assert.Empty(t, frame.Items)

	select {
	case <-sub.C:
		t.Fatal("frame published while breaker open")
	case <-time.After(20 * time.Millisecond):
	}
}

func TestRunCycle_UnknownProfileFails(t *testing.T) {
	source := newStubSource()
	source.setSymbol("AUSDT", 2e8, 1.0)
	orch, _, _ := testOrchestrator(source, []string{"AUSDT"})

	_, _, _, err := orch.RunCycle(context.Background(), "mystery")
	assert.Error(t, err)
}

func TestLoadSymbols_FiltersUniverse(t *testing.T) {
	source := newStubSource()
	source.markets = map[string]market.MarketInfo{
		"AUSDT":  {Symbol: "AUSDT", Settle: "USDT", Active: true, Swap: true},
		"BUSD":   {Symbol: "BUSD", Settle: "USD", Active: true, Swap: true},
		"COLD":   {Symbol: "COLD", Settle: "USDT", Active: false, Swap: true},
		"SPOT":   {Symbol: "SPOT", Settle: "USDT", Active: true, Swap: false},
		"ZUSDT":  {Symbol: "ZUSDT", Settle: "USDT", Active: true, Swap: true},
	}
	orch, _, _ := testOrchestrator(source, nil)

	symbols, err := orch.LoadSymbols(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"AUSDT", "ZUSDT"}, symbols)
}

func TestRulesFireFromCycle(t *testing.T) {
	source := newStubSource()
	source.setSymbol("AUSDT", 2e8, 1.0)

	detector := manip.NewDetector(10000)
	builder := NewBuilder(source, detector, "stub", 10000)
	scorer := scoring.NewScorer(scoring.NewRegistry(), scoring.Gates{MinQvolUSDT: 25e6, MaxSpreadBps: 25})
	plane := control.NewPlane(60, 120)
	frames := bus.NewBroadcast()
	engine := rules.NewEngine(rules.EngineConfig{}, nil)
	engine.Register(rules.Rule{Name: "any", Expression: "rank >= 1", Scope: "*"})

	orch := New(Options{
		Exchange: "stub", Symbols: []string{"AUSDT"}, Interval: 30 * time.Second,
		Concurrency: 2, TopByQvol: 10, TopN: 10, Profile: "scalp",
	}, source, nil, builder, scorer, plane, frames, engine, nil, nil, nil)

	_, frame, _, err := orch.RunCycle(context.Background(), "scalp")
	require.NoError(t, err)
	require.Len(t, frame.Items, 1)
	assert.Equal(t, 1, engine.PendingSignals())
}
