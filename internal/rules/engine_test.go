package rules

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/marketscan/scanner/internal/domain"
)

func rankedItem(symbol string, score float64) domain.RankedItem {
	return domain.RankedItem{
		Snapshot: domain.Snapshot{Symbol: symbol, Score: score, TS: time.Now().UTC()},
		Rank:     1,
	}
}

func TestEngine_MatchEnqueuesSignal(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil)
	e.Register(Rule{Name: "hot", Expression: "score > 10", Scope: "*"})

	matched := e.PublishIfMatched(rankedItem("BTCUSDT", 12.5))
	assert.Equal(t, 1, matched)
	assert.Equal(t, 1, e.PendingSignals())

	matched = e.PublishIfMatched(rankedItem("BTCUSDT", 5))
	assert.Equal(t, 0, matched)
	assert.Equal(t, 1, e.PendingSignals())
}

func TestEngine_ScopeFilter(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil)
	e.Register(Rule{Name: "btc-only", Expression: "score > 0", Scope: "BTCUSDT"})

	assert.Equal(t, 1, e.PublishIfMatched(rankedItem("BTCUSDT", 1)))
	assert.Equal(t, 0, e.PublishIfMatched(rankedItem("ETHUSDT", 1)))
}

func TestEngine_BadRuleDisabledNotRejected(t *testing.T) {
	e := NewEngine(EngineConfig{}, nil)
	e.Register(Rule{Name: "evil", Expression: "__import__('os')", Scope: "*"})
	e.Register(Rule{Name: "fine", Expression: "score > 0", Scope: "*"})

	rules := e.Rules()
	require.Len(t, rules, 2)

	// the bad rule never fires, the good one still does
	assert.Equal(t, 1, e.PublishIfMatched(rankedItem("BTCUSDT", 1)))
}

func TestEngine_WebhookDelivery(t *testing.T) {
	var (
		mu       sync.Mutex
		received []map[string]interface{}
	)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]interface{}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		received = append(received, body)
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewEngine(EngineConfig{WebhookURL: server.URL}, nil)
	e.Register(Rule{Name: "hot", Expression: "score > 10", Scope: "*"})
	e.Start(context.Background())
	defer e.Close()

	e.PublishIfMatched(rankedItem("BTCUSDT", 12.5))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(received) == 1
	}, 2*time.Second, 10*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "hot", received[0]["rule"])
	assert.Equal(t, "BTCUSDT", received[0]["symbol"])
}

func TestEngine_FailedDeliveryDoesNotStopWorker(t *testing.T) {
	var hits int32
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits++
		current := hits
		mu.Unlock()
		if current == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	e := NewEngine(EngineConfig{WebhookURL: server.URL}, nil)
	e.Register(Rule{Name: "hot", Expression: "score > 10", Scope: "*"})
	e.Start(context.Background())
	defer e.Close()

	e.PublishIfMatched(rankedItem("AUSDT", 11))
	e.PublishIfMatched(rankedItem("BUSDT", 12))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hits == 2
	}, 2*time.Second, 10*time.Millisecond)
}
