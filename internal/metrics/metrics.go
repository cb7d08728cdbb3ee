// Package metrics holds the pure numeric transforms that turn raw exchange
// payloads into per-symbol features. Every function returns a usable default
// instead of an error: 0 for additive features, 50 for RSI, and the 10000 bps
// sentinel for spread/slippage when the book cannot answer the question.
package metrics

import (
	"math"
	"strconv"

	"github.com/marketscan/scanner/internal/market"
)

// SpreadSentinelBps is returned when a spread or slippage estimate is
// undefined (crossed book, empty side, unfillable notional).
const SpreadSentinelBps = 10000.0

// QuoteVolumeUSDT extracts 24h quote turnover from a unified ticker,
// falling back to base volume times last price and finally to the
// provider-native info map.
func QuoteVolumeUSDT(t market.Ticker) float64 {
	if t.QuoteVolume > 0 {
		return t.QuoteVolume
	}
	if t.BaseVolume > 0 && t.Last > 0 {
		return t.BaseVolume * t.Last
	}
	for _, key := range []string{"quoteVolume", "quoteVolume24h", "turnover", "turnover24h", "quote_volume"} {
		if v, ok := infoFloat(t.Info, key); ok && v > 0 {
			return v
		}
	}
	return 0
}

func infoFloat(info map[string]interface{}, key string) (float64, bool) {
	if info == nil {
		return 0, false
	}
	v, ok := info[key]
	if !ok {
		// one level of nesting is common (bybit wraps everything in "result")
		for _, nested := range info {
			if m, ok := nested.(map[string]interface{}); ok {
				if f, ok := infoFloat(m, key); ok {
					return f, true
				}
			}
		}
		return 0, false
	}
	switch f := v.(type) {
	case float64:
		return f, true
	case int:
		return float64(f), true
	case int64:
		return float64(f), true
	case string:
		parsed, err := strconv.ParseFloat(f, 64)
		if err != nil {
			return 0, false
		}
		return parsed, true
	}
	return 0, false
}

// SpotReference pulls an index/mark/spot price out of the ticker's
// provider-native info map, the leg BasisBps needs against the perp last.
// Returns 0 when the venue exposes none.
func SpotReference(t market.Ticker) float64 {
	for _, key := range []string{"indexPrice", "index_price", "markPrice", "mark_price", "spotPrice"} {
		if v, ok := infoFloat(t.Info, key); ok && v > 0 {
			return v
		}
	}
	return 0
}

// SpreadBps is the quoted spread relative to the mid price, in basis points.
func SpreadBps(bid, ask float64) float64 {
	if bid <= 0 || ask <= 0 || ask <= bid {
		return SpreadSentinelBps
	}
	mid := (ask + bid) / 2
	return (ask - bid) / mid * 1e4
}

// Top5DepthUSDT sums price*amount over the top five levels of both sides.
func Top5DepthUSDT(book market.OrderBook) float64 {
	total := 0.0
	for i, lvl := range book.Bids {
		if i >= 5 {
			break
		}
		total += lvl.Price * lvl.Amount
	}
	for i, lvl := range book.Asks {
		if i >= 5 {
			break
		}
		total += lvl.Price * lvl.Amount
	}
	return total
}

// ATRPct is the mean true range over the last period bars, relative to the
// last close, in percent. Returns 0 when the series is too short.
func ATRPct(bars []market.Bar, period int) float64 {
	if period <= 0 {
		period = 50
	}
	if len(bars) < 2 {
		return 0
	}
	start := len(bars) - period
	if start < 1 {
		start = 1
	}
	sum, n := 0.0, 0
	for i := start; i < len(bars); i++ {
		prevClose := bars[i-1].Close
		tr := bars[i].High - bars[i].Low
		if hc := math.Abs(bars[i].High - prevClose); hc > tr {
			tr = hc
		}
		if lc := math.Abs(bars[i].Low - prevClose); lc > tr {
			tr = lc
		}
		sum += tr
		n++
	}
	last := bars[len(bars)-1].Close
	if n == 0 || last <= 0 {
		return 0
	}
	return sum / float64(n) / last * 100
}

// Returns holds the one-bar and lookback-bar percentage returns.
type Returns struct {
	Ret1  float64 `json:"ret_1"`
	Ret15 float64 `json:"ret_15"`
}

// ComputeReturns derives Ret1 and Ret15 from a close series. When the series
// is shorter than the lookback, Ret15 falls back to Ret1.
func ComputeReturns(closes []float64, lookback int) Returns {
	if lookback <= 0 {
		lookback = 15
	}
	if len(closes) < 2 {
		return Returns{}
	}
	last := closes[len(closes)-1]
	prev := closes[len(closes)-2]
	var r Returns
	if prev > 0 {
		r.Ret1 = (last/prev - 1) * 100
	}
	if len(closes) > lookback {
		base := closes[len(closes)-lookback-1]
		if base > 0 {
			r.Ret15 = (last/base - 1) * 100
			return r
		}
	}
	r.Ret15 = r.Ret1
	return r
}

// EstimateSlippageBps walks the book consuming notional quote units and
// reports the average fill distance from mid in basis points. side is
// "buy", "sell" or "both" (max of the two).
func EstimateSlippageBps(book market.OrderBook, notional float64, side string) float64 {
	if notional <= 0 {
		return 0
	}
	switch side {
	case "buy":
		return walkSide(book.Asks, book, notional)
	case "sell":
		return walkSide(book.Bids, book, notional)
	default:
		buy := walkSide(book.Asks, book, notional)
		sell := walkSide(book.Bids, book, notional)
		return math.Max(buy, sell)
	}
}

func walkSide(levels []market.PriceLevel, book market.OrderBook, notional float64) float64 {
	if len(book.Bids) == 0 || len(book.Asks) == 0 {
		return SpreadSentinelBps
	}
	mid := (book.Bids[0].Price + book.Asks[0].Price) / 2
	if mid <= 0 {
		return SpreadSentinelBps
	}
	remaining := notional
	cost, filled := 0.0, 0.0
	for _, lvl := range levels {
		if remaining <= 0 {
			break
		}
		levelNotional := lvl.Price * lvl.Amount
		take := math.Min(levelNotional, remaining)
		if lvl.Price <= 0 {
			continue
		}
		qty := take / lvl.Price
		cost += qty * lvl.Price
		filled += qty
		remaining -= take
	}
	if notional-remaining < notional*0.999 {
		return SpreadSentinelBps
	}
	if filled <= 0 {
		return SpreadSentinelBps
	}
	avg := cost / filled
	return math.Abs(avg-mid) / mid * 1e4
}

// OrderFlowImbalance is (bidNotional-askNotional)/total over the top depth
// levels of each side, bounded to [-1, 1].
func OrderFlowImbalance(book market.OrderBook, depth int) float64 {
	if depth <= 0 {
		depth = 10
	}
	bid, ask := 0.0, 0.0
	for i, lvl := range book.Bids {
		if i >= depth {
			break
		}
		bid += lvl.Price * lvl.Amount
	}
	for i, lvl := range book.Asks {
		if i >= depth {
			break
		}
		ask += lvl.Price * lvl.Amount
	}
	total := bid + ask
	if total <= 0 {
		return 0
	}
	return clamp((bid-ask)/total, -1, 1)
}

// VolumeZScore is a robust z-score of the latest bar volume against the
// lookback window, centered on the median with population stdev. Needs at
// least 10 positive-volume bars to say anything.
func VolumeZScore(bars []market.Bar, lookback int) float64 {
	if lookback <= 0 {
		lookback = 60
	}
	start := len(bars) - lookback
	if start < 0 {
		start = 0
	}
	vols := make([]float64, 0, lookback)
	for _, b := range bars[start:] {
		if b.Volume > 0 {
			vols = append(vols, b.Volume)
		}
	}
	if len(vols) < 10 {
		return 0
	}
	med := median(vols)
	sd := populationStdev(vols, mean(vols))
	if sd < 1e-6 {
		return 0
	}
	last := bars[len(bars)-1].Volume
	return clamp((last-med)/sd, -10, 10)
}

// VolatilityRegime compares short-window and long-window log-return sigma.
// Positive values mean volatility is expanding. Clipped to [-1, 5].
func VolatilityRegime(closes []float64, short, long int) float64 {
	if short <= 0 {
		short = 20
	}
	if long <= 0 {
		long = 60
	}
	if len(closes) < long+1 {
		return 0
	}
	rets := make([]float64, 0, len(closes)-1)
	for i := 1; i < len(closes); i++ {
		if closes[i-1] > 0 && closes[i] > 0 {
			rets = append(rets, math.Log(closes[i]/closes[i-1]))
		}
	}
	if len(rets) < long {
		return 0
	}
	shortSigma := populationStdev(rets[len(rets)-short:], mean(rets[len(rets)-short:]))
	longSigma := populationStdev(rets[len(rets)-long:], mean(rets[len(rets)-long:]))
	if longSigma < 1e-9 {
		return 0
	}
	return clamp(shortSigma/longSigma-1, -1, 5)
}

// PriceVelocity is the per-bar rate of change over the trailing window, in
// percent per bar, clipped to [-10, 10].
func PriceVelocity(closes []float64, window int) float64 {
	if window <= 0 {
		window = 5
	}
	if len(closes) < window+1 {
		return 0
	}
	base := closes[len(closes)-window-1]
	if base <= 0 {
		return 0
	}
	last := closes[len(closes)-1]
	return clamp((last/base-1)*100/float64(window), -10, 10)
}

// PumpDumpScore fuses momentum, reversal and volume anomaly into a 0-100
// surge indicator. High values mean a spike that is already reversing.
func PumpDumpScore(ret15, ret1, volumeZ, volRegime float64) float64 {
	score := 1.2*math.Max(0, ret15) +
		1.6*math.Max(0, -ret1) +
		6*math.Max(0, math.Abs(volumeZ)-1.5) +
		8*math.Max(0, volRegime)
	return clamp(score, 0, 100)
}

// VWAPDistance is how far the last close sits from the volume-weighted
// average price of the series, in percent.
func VWAPDistance(bars []market.Bar, fallbackClose float64) float64 {
	pv, vol := 0.0, 0.0
	for _, b := range bars {
		typical := (b.High + b.Low + b.Close) / 3
		pv += typical * b.Volume
		vol += b.Volume
	}
	if vol <= 0 {
		return 0
	}
	vwap := pv / vol
	last := fallbackClose
	if len(bars) > 0 && bars[len(bars)-1].Close > 0 {
		last = bars[len(bars)-1].Close
	}
	if vwap <= 0 || last <= 0 {
		return 0
	}
	return (last/vwap - 1) * 100
}

// RSI is the classic Wilder relative strength index over period closes.
// Returns the 50 midpoint when the series is too short, 100 when there are
// no losses in the window.
func RSI(closes []float64, period int) float64 {
	if period <= 0 {
		period = 14
	}
	if len(closes) < period+1 {
		return 50
	}
	gains, losses := 0.0, 0.0
	for i := len(closes) - period; i < len(closes); i++ {
		delta := closes[i] - closes[i-1]
		if delta > 0 {
			gains += delta
		} else {
			losses -= delta
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}

// Funding8hPct converts a raw per-interval funding rate into percent.
func Funding8hPct(raw *float64) *float64 {
	if raw == nil {
		return nil
	}
	pct := *raw * 100
	return &pct
}

// BasisBps is the perp-to-spot premium in basis points, nil when either leg
// is missing or non-positive.
func BasisBps(perp, spot float64) *float64 {
	if perp <= 0 || spot <= 0 {
		return nil
	}
	bps := (perp/spot - 1) * 1e4
	return &bps
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

func populationStdev(xs []float64, mu float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - mu
		ss += d * d
	}
	return math.Sqrt(ss / float64(len(xs)))
}

func median(xs []float64) float64 {
	n := len(xs)
	if n == 0 {
		return 0
	}
	sorted := make([]float64, n)
	copy(sorted, xs)
	insertionSort(sorted)
	if n%2 == 1 {
		return sorted[n/2]
	}
	return (sorted[n/2-1] + sorted[n/2]) / 2
}

func insertionSort(xs []float64) {
	for i := 1; i < len(xs); i++ {
		for j := i; j > 0 && xs[j] < xs[j-1]; j-- {
			xs[j], xs[j-1] = xs[j-1], xs[j]
		}
	}
}
