package market

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"
)

// AdapterConfig tunes the retry, timeout, breaker and concurrency policy in
// front of the raw exchange client.
type AdapterConfig struct {
	Exchange       string
	Timeout        time.Duration
	MaxRetries     int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	MaxFailures    int
	Cooldown       time.Duration
	Concurrency    int
	RatePerSec     float64
	MarketsCacheTTL time.Duration
}

// DefaultAdapterConfig returns the policy the scanner ships with.
func DefaultAdapterConfig(exchange string) AdapterConfig {
	return AdapterConfig{
		Exchange:        exchange,
		Timeout:         5 * time.Second,
		MaxRetries:      3,
		RetryBaseDelay:  500 * time.Millisecond,
		RetryMaxDelay:   4 * time.Second,
		MaxFailures:     5,
		Cooldown:        30 * time.Second,
		Concurrency:     8,
		RatePerSec:      20,
		MarketsCacheTTL: 10 * time.Minute,
	}
}

// Adapter wraps a raw exchange client with retries, per-call timeouts, a
// process-wide semaphore, an outbound rate limit and a circuit breaker. It
// is the only MarketDataSource the orchestrator ever sees.
type Adapter struct {
	raw MarketDataSource
	cfg AdapterConfig

	breaker *gobreaker.CircuitBreaker
	sem     chan struct{}
	limiter *rate.Limiter

	mu           sync.Mutex
	openedAt     time.Time
	forceOpen    bool
	marketsCache map[string]MarketInfo
	marketsAt    time.Time
}

// NewAdapter builds the guarded adapter around a raw client.
func NewAdapter(raw MarketDataSource, cfg AdapterConfig) *Adapter {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	a := &Adapter{
		raw: raw,
		cfg: cfg,
		sem: make(chan struct{}, cfg.Concurrency),
	}
	if cfg.RatePerSec > 0 {
		a.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.Concurrency)
	}
	settings := gobreaker.Settings{
		Name:    cfg.Exchange,
		Timeout: cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return int(counts.ConsecutiveFailures) >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("exchange", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("adapter breaker state change")
			if to == gobreaker.StateOpen {
				a.mu.Lock()
				a.openedAt = time.Now()
				a.mu.Unlock()
			}
		},
	}
	a.breaker = gobreaker.NewCircuitBreaker(settings)
	return a
}

// ForceOpen lets the control plane hold the breaker open regardless of the
// measured failure rate.
func (a *Adapter) ForceOpen(open bool) {
	a.mu.Lock()
	a.forceOpen = open
	a.mu.Unlock()
}

// SnapshotState reports the breaker view for /health.
func (a *Adapter) SnapshotState() AdapterState {
	a.mu.Lock()
	forced := a.forceOpen
	openedAt := a.openedAt
	a.mu.Unlock()

	st := AdapterState{
		Exchange:  a.cfg.Exchange,
		Threshold: a.cfg.MaxFailures,
		FailCount: int(a.breaker.Counts().ConsecutiveFailures),
	}
	switch a.breaker.State() {
	case gobreaker.StateOpen:
		st.State = BreakerOpen
		remaining := a.cfg.Cooldown - time.Since(openedAt)
		if remaining > 0 {
			st.CooldownRemaining = remaining.Seconds()
		}
	case gobreaker.StateHalfOpen:
		st.State = BreakerHalfOpen
	default:
		st.State = BreakerClosed
	}
	if forced {
		st.State = BreakerOpen
	}
	return st
}

// execute runs one guarded call: breaker gate, semaphore slot, rate token,
// per-attempt timeout, exponential retry on transient failures.
func execute[T any](ctx context.Context, a *Adapter, method, symbol string, fn func(ctx context.Context) (T, error)) (T, error) {
	var zero T

	a.mu.Lock()
	forced := a.forceOpen
	a.mu.Unlock()
	if forced {
		return zero, &AdapterError{Exchange: a.cfg.Exchange, Method: method, Symbol: symbol, Err: ErrCircuitOpen}
	}

	select {
	case a.sem <- struct{}{}:
	case <-ctx.Done():
		return zero, &AdapterError{Exchange: a.cfg.Exchange, Method: method, Symbol: symbol, Transient: true, Err: ctx.Err()}
	}
	defer func() { <-a.sem }()

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return zero, &AdapterError{Exchange: a.cfg.Exchange, Method: method, Symbol: symbol, Transient: true, Err: err}
		}
	}

	result, err := a.breaker.Execute(func() (interface{}, error) {
		return a.withRetries(ctx, method, symbol, func(ctx context.Context) (interface{}, error) {
			return fn(ctx)
		})
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return zero, &AdapterError{Exchange: a.cfg.Exchange, Method: method, Symbol: symbol, Err: ErrCircuitOpen}
		}
		var ae *AdapterError
		if errors.As(err, &ae) {
			return zero, err
		}
		return zero, &AdapterError{Exchange: a.cfg.Exchange, Method: method, Symbol: symbol, Err: err}
	}
	return result.(T), nil
}

// withRetries retries transient failures with exponential backoff, bounded
// by MaxRetries attempts total.
func (a *Adapter) withRetries(ctx context.Context, method, symbol string, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	attempts := a.cfg.MaxRetries
	if attempts <= 0 {
		attempts = 1
	}
	delay := a.cfg.RetryBaseDelay
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
		result, err := fn(callCtx)
		cancel()
		if err == nil {
			return result, nil
		}
		lastErr = err

		transient := errors.Is(err, context.DeadlineExceeded)
		var ae *AdapterError
		if errors.As(err, &ae) {
			transient = ae.Transient
		} else if !errors.Is(err, context.Canceled) {
			// unknown provider errors are treated as retryable network noise
			transient = !errors.Is(err, context.Canceled)
		}
		if !transient || attempt == attempts {
			break
		}

		log.Debug().Str("exchange", a.cfg.Exchange).Str("operation", method).
			Str("symbol", symbol).Int("attempt", attempt).Err(err).
			Msg("retrying adapter call")
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		delay *= 2
		if delay > a.cfg.RetryMaxDelay {
			delay = a.cfg.RetryMaxDelay
		}
	}
	return nil, &AdapterError{Exchange: a.cfg.Exchange, Method: method, Symbol: symbol, Err: lastErr}
}

// LoadMarkets serves from the TTL cache when fresh.
func (a *Adapter) LoadMarkets(ctx context.Context) (map[string]MarketInfo, error) {
	a.mu.Lock()
	if a.marketsCache != nil && time.Since(a.marketsAt) < a.cfg.MarketsCacheTTL {
		cached := a.marketsCache
		a.mu.Unlock()
		return cached, nil
	}
	a.mu.Unlock()

	markets, err := execute(ctx, a, "load_markets", "", func(ctx context.Context) (map[string]MarketInfo, error) {
		return a.raw.LoadMarkets(ctx)
	})
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	a.marketsCache = markets
	a.marketsAt = time.Now()
	a.mu.Unlock()
	return markets, nil
}

func (a *Adapter) FetchTicker(ctx context.Context, symbol string) (Ticker, error) {
	return execute(ctx, a, "fetch_ticker", symbol, func(ctx context.Context) (Ticker, error) {
		return a.raw.FetchTicker(ctx, symbol)
	})
}

func (a *Adapter) FetchOrderBook(ctx context.Context, symbol string, limit int) (OrderBook, error) {
	return execute(ctx, a, "fetch_order_book", symbol, func(ctx context.Context) (OrderBook, error) {
		return a.raw.FetchOrderBook(ctx, symbol, limit)
	})
}

func (a *Adapter) FetchOHLCV(ctx context.Context, symbol, timeframe string, limit int) ([]Bar, error) {
	return execute(ctx, a, "fetch_ohlcv", symbol, func(ctx context.Context) ([]Bar, error) {
		return a.raw.FetchOHLCV(ctx, symbol, timeframe, limit)
	})
}

func (a *Adapter) FetchTrades(ctx context.Context, symbol string, limit int) ([]Trade, error) {
	return execute(ctx, a, "fetch_trades", symbol, func(ctx context.Context) ([]Trade, error) {
		return a.raw.FetchTrades(ctx, symbol, limit)
	})
}

func (a *Adapter) FetchFundingRate(ctx context.Context, symbol string) (*FundingRate, error) {
	return execute(ctx, a, "fetch_funding_rate", symbol, func(ctx context.Context) (*FundingRate, error) {
		return a.raw.FetchFundingRate(ctx, symbol)
	})
}

func (a *Adapter) FetchOpenInterest(ctx context.Context, symbol string) (*OpenInterest, error) {
	return execute(ctx, a, "fetch_open_interest", symbol, func(ctx context.Context) (*OpenInterest, error) {
		return a.raw.FetchOpenInterest(ctx, symbol)
	})
}

// Close releases the underlying client when it is closeable.
func (a *Adapter) Close() error {
	if closer, ok := a.raw.(interface{ Close() error }); ok {
		return closer.Close()
	}
	return nil
}

var _ MarketDataSource = (*Adapter)(nil)

// Permanent marks a provider error as non-retryable when wrapping it for
// the adapter, e.g. an unknown symbol.
func Permanent(exchange, method, symbol string, err error) error {
	return &AdapterError{Exchange: exchange, Method: method, Symbol: symbol, Transient: false, Err: fmt.Errorf("permanent: %w", err)}
}
