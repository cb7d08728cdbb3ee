package bybit

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscan/scanner/internal/market"
)

func newTestClient(t *testing.T, routes map[string]string) *Client {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, ok := routes[r.URL.Path]
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return NewClientWithBase(server.URL)
}

func TestFetchTicker(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"/v5/market/tickers": `{"retCode":0,"retMsg":"OK","result":{"list":[{
			"symbol":"BTCUSDT","bid1Price":"50000.5","ask1Price":"50001.0",
			"lastPrice":"50000.8","highPrice24h":"51000","lowPrice24h":"49000",
			"turnover24h":"1500000000","volume24h":"30000"}]}}`,
	})
	ticker, err := client.FetchTicker(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	assert.Equal(t, 50000.5, ticker.Bid)
	assert.Equal(t, 50001.0, ticker.Ask)
	assert.Equal(t, 1.5e9, ticker.QuoteVolume)
	assert.NotNil(t, ticker.Info)
}

func TestFetchOrderBook(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"/v5/market/orderbook": `{"retCode":0,"result":{
			"b":[["50000","1.5"],["49999","2.0"]],
			"a":[["50001","1.2"]],
			"ts":1700000000000}}`,
	})
	book, err := client.FetchOrderBook(context.Background(), "BTCUSDT", 25)
	require.NoError(t, err)
	require.Len(t, book.Bids, 2)
	require.Len(t, book.Asks, 1)
	assert.Equal(t, 50000.0, book.Bids[0].Price)
	assert.Equal(t, 1.5, book.Bids[0].Amount)
}

func TestFetchOHLCV_ReversesToOldestFirst(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"/v5/market/kline": `{"retCode":0,"result":{"list":[
			["1700000120000","101","102","100","101.5","20"],
			["1700000060000","100","101","99","101","10"]]}}`,
	})
	bars, err := client.FetchOHLCV(context.Background(), "BTCUSDT", "1m", 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.True(t, bars[0].Timestamp.Before(bars[1].Timestamp))
	assert.Equal(t, 101.0, bars[0].Close)
	assert.Equal(t, 101.5, bars[1].Close)
}

func TestProviderErrorIsPermanent(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"/v5/market/tickers": `{"retCode":10001,"retMsg":"params error: symbol invalid"}`,
	})
	_, err := client.FetchTicker(context.Background(), "NOPEUSDT")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "symbol invalid")
	var ae *market.AdapterError
	require.ErrorAs(t, err, &ae)
	assert.False(t, ae.Transient)
}

func TestLoadMarkets(t *testing.T) {
	client := newTestClient(t, map[string]string{
		"/v5/market/instruments-info": `{"retCode":0,"result":{"list":[
			{"symbol":"BTCUSDT","baseCoin":"BTC","quoteCoin":"USDT","settleCoin":"USDT",
			 "status":"Trading","contractType":"LinearPerpetual"},
			{"symbol":"OLDUSDT","baseCoin":"OLD","quoteCoin":"USDT","settleCoin":"USDT",
			 "status":"Closed","contractType":"LinearPerpetual"}]}}`,
	})
	markets, err := client.LoadMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.True(t, markets["BTCUSDT"].Active)
	assert.True(t, markets["BTCUSDT"].Swap)
	assert.False(t, markets["OLDUSDT"].Active)
}
