package market

import (
	"context"
	"time"
)

// Ticker is the unified 24h ticker shape across exchanges. Info carries
// the provider-native payload for fields the unified shape does not cover.
type Ticker struct {
	Symbol      string                 `json:"symbol"`
	Bid         float64                `json:"bid"`
	Ask         float64                `json:"ask"`
	Last        float64                `json:"last"`
	High        float64                `json:"high"`
	Low         float64                `json:"low"`
	QuoteVolume float64                `json:"quote_volume"`
	BaseVolume  float64                `json:"base_volume"`
	Timestamp   time.Time              `json:"timestamp"`
	Info        map[string]interface{} `json:"info,omitempty"`
}

// PriceLevel is one order book level, price then amount in base units.
type PriceLevel struct {
	Price  float64 `json:"price"`
	Amount float64 `json:"amount"`
}

// OrderBook holds both sides best-first.
type OrderBook struct {
	Symbol    string       `json:"symbol"`
	Bids      []PriceLevel `json:"bids"`
	Asks      []PriceLevel `json:"asks"`
	Timestamp time.Time    `json:"timestamp"`
}

// Bar is a single OHLCV candle.
type Bar struct {
	Timestamp time.Time `json:"ts"`
	Open      float64   `json:"open"`
	High      float64   `json:"high"`
	Low       float64   `json:"low"`
	Close     float64   `json:"close"`
	Volume    float64   `json:"volume"`
}

// Trade is a single public trade print.
type Trade struct {
	Symbol    string    `json:"symbol"`
	Price     float64   `json:"price"`
	Amount    float64   `json:"amount"`
	Side      string    `json:"side"`
	Timestamp time.Time `json:"timestamp"`
}

// FundingRate is the current perpetual funding rate, per funding interval.
type FundingRate struct {
	Symbol    string    `json:"symbol"`
	Rate      float64   `json:"rate"`
	Timestamp time.Time `json:"timestamp"`
}

// OpenInterest is the outstanding contract value for a perpetual.
type OpenInterest struct {
	Symbol    string    `json:"symbol"`
	Value     float64   `json:"value"`
	Timestamp time.Time `json:"timestamp"`
}

// MarketInfo describes one tradeable market from LoadMarkets.
type MarketInfo struct {
	Symbol string `json:"symbol"`
	Base   string `json:"base"`
	Quote  string `json:"quote"`
	Settle string `json:"settle"`
	Active bool   `json:"active"`
	Swap   bool   `json:"swap"`
}

// MarketDataSource abstracts exchange I/O behind one interface. The
// orchestrator never talks to an exchange SDK directly; every call goes
// through an implementation of this contract, typically the retrying,
// breaker-guarded Adapter in this package.
type MarketDataSource interface {
	LoadMarkets(ctx context.Context) (map[string]MarketInfo, error)
	FetchTicker(ctx context.Context, symbol string) (Ticker, error)
	FetchOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error)
	FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error)
	FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error)
	FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error)
	FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error)
}

// BreakerState is the adapter circuit state exposed through health.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerHalfOpen BreakerState = "half_open"
	BreakerOpen     BreakerState = "open"
	BreakerIdle     BreakerState = "idle"
)

// AdapterState is a point-in-time snapshot of the adapter for /health.
type AdapterState struct {
	Exchange          string       `json:"exchange"`
	State             BreakerState `json:"state"`
	FailCount         int          `json:"fail_count"`
	CooldownRemaining float64      `json:"cooldown_remaining_s"`
	Threshold         int          `json:"threshold"`
}
