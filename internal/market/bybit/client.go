// Package bybit is the raw Bybit v5 REST client behind the adapter. Only
// keyless public endpoints are used; retries, timeouts and the breaker live
// in the adapter, not here.
package bybit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/marketscan/scanner/internal/market"
)

const defaultBaseURL = "https://api.bybit.com"

// Client talks to the Bybit v5 public API for the linear (USDT perpetual)
// category.
type Client struct {
	baseURL string
	client  *http.Client
}

// NewClient builds a client against the production API.
func NewClient() *Client {
	return &Client{
		baseURL: defaultBaseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// NewClientWithBase targets a custom base URL, for tests.
func NewClientWithBase(baseURL string) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
	}
}

type envelope struct {
	RetCode int             `json:"retCode"`
	RetMsg  string          `json:"retMsg"`
	Result  json.RawMessage `json:"result"`
}

func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out interface{}) error {
	u := c.baseURL + endpoint
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("bybit %s: HTTP %d", endpoint, resp.StatusCode)
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("bybit %s: decode envelope: %w", endpoint, err)
	}
	if env.RetCode != 0 {
		return market.Permanent("bybit", endpoint, params.Get("symbol"),
			fmt.Errorf("retCode %d: %s", env.RetCode, env.RetMsg))
	}
	if err := json.Unmarshal(env.Result, out); err != nil {
		return fmt.Errorf("bybit %s: decode result: %w", endpoint, err)
	}
	return nil
}

// LoadMarkets lists linear instruments.
func (c *Client) LoadMarkets(ctx context.Context) (map[string]market.MarketInfo, error) {
	params := url.Values{"category": {"linear"}, "limit": {"1000"}}
	var result struct {
		List []struct {
			Symbol       string `json:"symbol"`
			BaseCoin     string `json:"baseCoin"`
			QuoteCoin    string `json:"quoteCoin"`
			SettleCoin   string `json:"settleCoin"`
			Status       string `json:"status"`
			ContractType string `json:"contractType"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/instruments-info", params, &result); err != nil {
		return nil, err
	}
	markets := make(map[string]market.MarketInfo, len(result.List))
	for _, row := range result.List {
		markets[row.Symbol] = market.MarketInfo{
			Symbol: row.Symbol,
			Base:   row.BaseCoin,
			Quote:  row.QuoteCoin,
			Settle: row.SettleCoin,
			Active: row.Status == "Trading",
			Swap:   row.ContractType == "LinearPerpetual",
		}
	}
	return markets, nil
}

// FetchTicker reads the 24h linear ticker for one symbol.
func (c *Client) FetchTicker(ctx context.Context, symbol string) (market.Ticker, error) {
	params := url.Values{"category": {"linear"}, "symbol": {symbol}}
	var result struct {
		List []map[string]interface{} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/tickers", params, &result); err != nil {
		return market.Ticker{}, err
	}
	if len(result.List) == 0 {
		return market.Ticker{}, market.Permanent("bybit", "fetch_ticker", symbol,
			fmt.Errorf("no ticker returned"))
	}
	row := result.List[0]
	t := market.Ticker{
		Symbol:      symbol,
		Bid:         f(row["bid1Price"]),
		Ask:         f(row["ask1Price"]),
		Last:        f(row["lastPrice"]),
		High:        f(row["highPrice24h"]),
		Low:         f(row["lowPrice24h"]),
		QuoteVolume: f(row["turnover24h"]),
		BaseVolume:  f(row["volume24h"]),
		Timestamp:   time.Now().UTC(),
		Info:        row,
	}
	return t, nil
}

// FetchOrderBook reads the L2 book.
func (c *Client) FetchOrderBook(ctx context.Context, symbol string, limit int) (market.OrderBook, error) {
	if limit <= 0 {
		limit = 25
	}
	params := url.Values{"category": {"linear"}, "symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var result struct {
		Bids [][]string `json:"b"`
		Asks [][]string `json:"a"`
		TS   int64      `json:"ts"`
	}
	if err := c.get(ctx, "/v5/market/orderbook", params, &result); err != nil {
		return market.OrderBook{}, err
	}
	book := market.OrderBook{
		Symbol:    symbol,
		Bids:      levels(result.Bids),
		Asks:      levels(result.Asks),
		Timestamp: time.UnixMilli(result.TS).UTC(),
	}
	return book, nil
}

// FetchOHLCV reads candles; Bybit returns newest first, we reverse.
func (c *Client) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]market.Bar, error) {
	if limit <= 0 {
		limit = 120
	}
	params := url.Values{
		"category": {"linear"},
		"symbol":   {symbol},
		"interval": {interval(timeframe)},
		"limit":    {strconv.Itoa(limit)},
	}
	var result struct {
		List [][]string `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/kline", params, &result); err != nil {
		return nil, err
	}
	bars := make([]market.Bar, 0, len(result.List))
	for i := len(result.List) - 1; i >= 0; i-- {
		row := result.List[i]
		if len(row) < 6 {
			continue
		}
		ms, _ := strconv.ParseInt(row[0], 10, 64)
		bars = append(bars, market.Bar{
			Timestamp: time.UnixMilli(ms).UTC(),
			Open:      fs(row[1]),
			High:      fs(row[2]),
			Low:       fs(row[3]),
			Close:     fs(row[4]),
			Volume:    fs(row[5]),
		})
	}
	return bars, nil
}

// FetchTrades reads recent public trades.
func (c *Client) FetchTrades(ctx context.Context, symbol string, limit int) ([]market.Trade, error) {
	if limit <= 0 {
		limit = 200
	}
	params := url.Values{"category": {"linear"}, "symbol": {symbol}, "limit": {strconv.Itoa(limit)}}
	var result struct {
		List []struct {
			Price string `json:"price"`
			Size  string `json:"size"`
			Side  string `json:"side"`
			Time  string `json:"time"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/recent-trade", params, &result); err != nil {
		return nil, err
	}
	trades := make([]market.Trade, 0, len(result.List))
	for _, row := range result.List {
		ms, _ := strconv.ParseInt(row.Time, 10, 64)
		trades = append(trades, market.Trade{
			Symbol:    symbol,
			Price:     fs(row.Price),
			Amount:    fs(row.Size),
			Side:      row.Side,
			Timestamp: time.UnixMilli(ms).UTC(),
		})
	}
	return trades, nil
}

// FetchFundingRate reads the latest funding print.
func (c *Client) FetchFundingRate(ctx context.Context, symbol string) (*market.FundingRate, error) {
	params := url.Values{"category": {"linear"}, "symbol": {symbol}, "limit": {"1"}}
	var result struct {
		List []struct {
			Rate string `json:"fundingRate"`
			Time string `json:"fundingRateTimestamp"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/funding/history", params, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	ms, _ := strconv.ParseInt(result.List[0].Time, 10, 64)
	return &market.FundingRate{
		Symbol:    symbol,
		Rate:      fs(result.List[0].Rate),
		Timestamp: time.UnixMilli(ms).UTC(),
	}, nil
}

// FetchOpenInterest reads the latest open interest sample.
func (c *Client) FetchOpenInterest(ctx context.Context, symbol string) (*market.OpenInterest, error) {
	params := url.Values{"category": {"linear"}, "symbol": {symbol}, "intervalTime": {"5min"}, "limit": {"1"}}
	var result struct {
		List []struct {
			OpenInterest string `json:"openInterest"`
			Timestamp    string `json:"timestamp"`
		} `json:"list"`
	}
	if err := c.get(ctx, "/v5/market/open-interest", params, &result); err != nil {
		return nil, err
	}
	if len(result.List) == 0 {
		return nil, nil
	}
	ms, _ := strconv.ParseInt(result.List[0].Timestamp, 10, 64)
	return &market.OpenInterest{
		Symbol:    symbol,
		Value:     fs(result.List[0].OpenInterest),
		Timestamp: time.UnixMilli(ms).UTC(),
	}, nil
}

var _ market.MarketDataSource = (*Client)(nil)

func levels(rows [][]string) []market.PriceLevel {
	out := make([]market.PriceLevel, 0, len(rows))
	for _, row := range rows {
		if len(row) < 2 {
			continue
		}
		out = append(out, market.PriceLevel{Price: fs(row[0]), Amount: fs(row[1])})
	}
	return out
}

// interval maps unified timeframes onto Bybit's kline interval codes.
func interval(timeframe string) string {
	switch timeframe {
	case "1m", "":
		return "1"
	case "5m":
		return "5"
	case "15m":
		return "15"
	case "1h":
		return "60"
	case "4h":
		return "240"
	case "1d":
		return "D"
	}
	return "1"
}

func f(v interface{}) float64 {
	switch t := v.(type) {
	case string:
		return fs(t)
	case float64:
		return t
	}
	return 0
}

func fs(s string) float64 {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0
	}
	return v
}
