package market

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSource counts calls and fails on demand.
type fakeSource struct {
	calls    atomic.Int64
	failNext atomic.Int64
	delay    time.Duration
}

func (f *fakeSource) fail(ctx context.Context) error {
	f.calls.Add(1)
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if f.failNext.Load() > 0 {
		f.failNext.Add(-1)
		return errors.New("simulated outage")
	}
	return nil
}

func (f *fakeSource) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return map[string]MarketInfo{"BTCUSDT": {Symbol: "BTCUSDT", Settle: "USDT", Active: true, Swap: true}}, nil
}

func (f *fakeSource) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	if err := f.fail(ctx); err != nil {
		return Ticker{}, err
	}
	return Ticker{Symbol: symbol, Bid: 100, Ask: 100.1, Last: 100.05}, nil
}

func (f *fakeSource) FetchOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	if err := f.fail(ctx); err != nil {
		return OrderBook{}, err
	}
	return OrderBook{Symbol: symbol}, nil
}

func (f *fakeSource) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return []Bar{{Close: 100}}, nil
}

func (f *fakeSource) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeSource) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeSource) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	if err := f.fail(ctx); err != nil {
		return nil, err
	}
	return nil, nil
}

func testConfig() AdapterConfig {
	cfg := DefaultAdapterConfig("fake")
	cfg.MaxRetries = 1
	cfg.RetryBaseDelay = time.Millisecond
	cfg.RetryMaxDelay = 2 * time.Millisecond
	cfg.MaxFailures = 3
	cfg.Cooldown = 100 * time.Millisecond
	cfg.RatePerSec = 0
	return cfg
}

func TestAdapter_Passthrough(t *testing.T) {
	raw := &fakeSource{}
	adapter := NewAdapter(raw, testConfig())

	ticker, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, "BTCUSDT", ticker.Symbol)
	assert.Equal(t, BreakerClosed, adapter.SnapshotState().State)
}

func TestAdapter_Retries(t *testing.T) {
	raw := &fakeSource{}
	raw.failNext.Store(2)
	cfg := testConfig()
	cfg.MaxRetries = 3
	adapter := NewAdapter(raw, cfg)

	_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(3), raw.calls.Load())
}

func TestAdapter_RetriesExhausted(t *testing.T) {
	raw := &fakeSource{}
	raw.failNext.Store(10)
	cfg := testConfig()
	cfg.MaxRetries = 3
	adapter := NewAdapter(raw, cfg)

	_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	var ae *AdapterError
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, "fetch_ticker", ae.Method)
	assert.Equal(t, "BTCUSDT", ae.Symbol)
	assert.Equal(t, int64(3), raw.calls.Load())
}

func TestAdapter_CircuitTrip(t *testing.T) {
	raw := &fakeSource{}
	raw.failNext.Store(100)
	adapter := NewAdapter(raw, testConfig())

	for i := 0; i < 3; i++ {
		_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
		require.Error(t, err)
	}
	require.Equal(t, int64(3), raw.calls.Load())
	assert.Equal(t, BreakerOpen, adapter.SnapshotState().State)

	// fourth call is refused without touching the raw source
	_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, int64(3), raw.calls.Load())

	// after the cooldown the breaker lets a probe through; success closes it
	raw.failNext.Store(0)
	time.Sleep(150 * time.Millisecond)
	_, err = adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, int64(4), raw.calls.Load())
	assert.Equal(t, BreakerClosed, adapter.SnapshotState().State)
}

func TestAdapter_HalfOpenFailureReopens(t *testing.T) {
	raw := &fakeSource{}
	raw.failNext.Store(100)
	adapter := NewAdapter(raw, testConfig())

	for i := 0; i < 3; i++ {
		adapter.FetchTicker(context.Background(), "BTCUSDT")
	}
	time.Sleep(150 * time.Millisecond)

	// half-open probe fails, breaker reopens immediately
	_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Equal(t, BreakerOpen, adapter.SnapshotState().State)

	_, err = adapter.FetchTicker(context.Background(), "BTCUSDT")
	assert.True(t, IsCircuitOpen(err))
}

func TestAdapter_ForceOpen(t *testing.T) {
	raw := &fakeSource{}
	adapter := NewAdapter(raw, testConfig())

	adapter.ForceOpen(true)
	_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.True(t, IsCircuitOpen(err))
	assert.Equal(t, int64(0), raw.calls.Load())
	assert.Equal(t, BreakerOpen, adapter.SnapshotState().State)

	adapter.ForceOpen(false)
	_, err = adapter.FetchTicker(context.Background(), "BTCUSDT")
	assert.NoError(t, err)
}

func TestAdapter_MarketsCache(t *testing.T) {
	raw := &fakeSource{}
	cfg := testConfig()
	cfg.MarketsCacheTTL = time.Hour
	adapter := NewAdapter(raw, cfg)

	first, err := adapter.LoadMarkets(context.Background())
	require.NoError(t, err)
	second, err := adapter.LoadMarkets(context.Background())
	require.NoError(t, err)
	assert.Equal(t, first, second)
	assert.Equal(t, int64(1), raw.calls.Load())
}

func TestAdapter_Timeout(t *testing.T) {
	raw := &fakeSource{delay: 200 * time.Millisecond}
	cfg := testConfig()
	cfg.Timeout = 20 * time.Millisecond
	adapter := NewAdapter(raw, cfg)

	start := time.Now()
	_, err := adapter.FetchTicker(context.Background(), "BTCUSDT")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}
