// Package scan drives the cycle: load the symbol universe, collect
// snapshots in bounded parallelism, enrich, rank, and hand the frame to the
// broadcast, rules, persistence and cache collaborators.
package scan

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketscan/scanner/internal/bus"
	"github.com/marketscan/scanner/internal/cache"
	"github.com/marketscan/scanner/internal/control"
	"github.com/marketscan/scanner/internal/domain"
	"github.com/marketscan/scanner/internal/factors"
	"github.com/marketscan/scanner/internal/market"
	"github.com/marketscan/scanner/internal/persistence"
	"github.com/marketscan/scanner/internal/rules"
	"github.com/marketscan/scanner/internal/scoring"
	"github.com/marketscan/scanner/internal/telemetry"
)

// maxBackoff caps the failure backoff between cycles.
const maxBackoff = 300 * time.Second

// manipAlertThreshold marks ranked items whose manipulation score warrants
// operator attention.
const manipAlertThreshold = 60.0

// StateSource exposes the adapter breaker view without the orchestrator
// owning the adapter internals.
type StateSource interface {
	SnapshotState() market.AdapterState
}

// Options tunes one orchestrator instance.
type Options struct {
	Exchange     string
	Symbols      []string
	Interval     time.Duration
	Concurrency  int
	TopByQvol    int
	TopN         int
	Profile      string
	IncludeCarry bool
}

// Orchestrator owns the scan loop. Exactly one goroutine runs Run; RunCycle
// may additionally be called out of band, as the scan subcommand does. A
// force-scan from the control plane does not call RunCycle; it wakes Run from
// its post-cycle sleep.
type Orchestrator struct {
	opts    Options
	adapter market.MarketDataSource
	state   StateSource
	builder *Builder
	scorer  *scoring.Scorer
	plane   *control.Plane
	frames  *bus.Broadcast
	engine  *rules.Engine
	store   persistence.Store
	cache   cache.Cache
	tel     *telemetry.Metrics

	mu            sync.Mutex
	previousRanks map[string]int
	execBySymbol  map[string]map[string]float64
}

// New wires an orchestrator. Telemetry may be nil in tests.
func New(opts Options, adapter market.MarketDataSource, state StateSource, builder *Builder,
	scorer *scoring.Scorer, plane *control.Plane, frames *bus.Broadcast, engine *rules.Engine,
	store persistence.Store, cch cache.Cache, tel *telemetry.Metrics) *Orchestrator {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 8
	}
	if store == nil {
		store = persistence.NoopStore{}
	}
	if cch == nil {
		cch = cache.Noop{}
	}
	return &Orchestrator{
		opts:          opts,
		adapter:       adapter,
		state:         state,
		builder:       builder,
		scorer:        scorer,
		plane:         plane,
		frames:        frames,
		engine:        engine,
		store:         store,
		cache:         cch,
		tel:           tel,
		previousRanks: map[string]int{},
		execBySymbol:  map[string]map[string]float64{},
	}
}

// LoadSymbols returns the configured allow-list, or every active
// USDT-settled perpetual from the (cached) market table.
func (o *Orchestrator) LoadSymbols(ctx context.Context) ([]string, error) {
	if len(o.opts.Symbols) > 0 {
		return o.opts.Symbols, nil
	}
	markets, err := o.adapter.LoadMarkets(ctx)
	if err != nil {
		return nil, err
	}
	symbols := make([]string, 0, len(markets))
	for symbol, info := range markets {
		if !info.Active || !info.Swap {
			continue
		}
		if !strings.EqualFold(info.Settle, "USDT") {
			continue
		}
		symbols = append(symbols, symbol)
	}
	sort.Strings(symbols)
	return symbols, nil
}

// RunCycle executes one full scan pass and returns the collected snapshots,
// the published frame and the cycle report.
func (o *Orchestrator) RunCycle(ctx context.Context, profile string) ([]domain.Snapshot, domain.RankingFrame, domain.ScanCycleReport, error) {
	started := time.Now().UTC()
	report := domain.ScanCycleReport{StartedAt: started}
	if o.state != nil {
		report.AdapterState = o.state.SnapshotState()
	}

	if o.plane != nil && o.plane.ManualBreakerOpen() {
		log.Warn().Str("profile", profile).Msg("cycle skipped, manual breaker open")
		report.FinishedAt = time.Now().UTC()
		return nil, domain.RankingFrame{}, report, nil
	}

	symbols, err := o.LoadSymbols(ctx)
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		return nil, domain.RankingFrame{}, report, fmt.Errorf("load symbols: %w", err)
	}

	snaps, errs := o.collect(ctx, symbols)
	report.Scanned = len(snaps)
	report.Errors = errs

	sort.Slice(snaps, func(i, j int) bool {
		return snaps[i].QuoteVolumeUSDT > snaps[j].QuoteVolumeUSDT
	})
	if o.opts.TopByQvol > 0 && len(snaps) > o.opts.TopByQvol {
		snaps = snaps[:o.opts.TopByQvol]
	}

	factors.EnrichCrossSectional(snaps)

	ranked, err := o.scorer.Rank(snaps, o.opts.TopN, profile, o.opts.IncludeCarry)
	if err != nil {
		report.FinishedAt = time.Now().UTC()
		return snaps, domain.RankingFrame{}, report, err
	}

	frame := o.buildFrame(started, profile, snaps, ranked)
	report.Ranked = len(frame.Items)

	o.frames.Publish(frame)
	if o.tel != nil {
		o.tel.FramesPublished.Inc()
		o.tel.SymbolsScanned.Set(float64(len(snaps)))
		o.tel.SymbolsRanked.Set(float64(len(frame.Items)))
	}

	if o.engine != nil {
		for _, item := range frame.Items {
			matched := o.engine.PublishIfMatched(item)
			if o.tel != nil && matched > 0 {
				o.tel.RulesMatched.Add(float64(matched))
			}
		}
	}

	o.persist(ctx, profile, snaps, frame)
	o.recordHealth(started, snaps, frame)

	finished := time.Now().UTC()
	report.FinishedAt = finished
	report.DurationMS = finished.Sub(started).Milliseconds()
	if o.state != nil {
		report.AdapterState = o.state.SnapshotState()
	}
	return snaps, frame, report, nil
}

// collect fans BuildSnapshot out over chunks of Concurrency symbols.
// Per-symbol failures drop the symbol and count as errors.
func (o *Orchestrator) collect(ctx context.Context, symbols []string) ([]domain.Snapshot, int) {
	var (
		mu    sync.Mutex
		snaps []domain.Snapshot
		errs  int
	)
	for start := 0; start < len(symbols); start += o.opts.Concurrency {
		end := start + o.opts.Concurrency
		if end > len(symbols) {
			end = len(symbols)
		}
		var wg sync.WaitGroup
		for _, symbol := range symbols[start:end] {
			wg.Add(1)
			go func(symbol string) {
				defer wg.Done()
				defer func() {
					if r := recover(); r != nil {
						log.Error().Str("symbol", symbol).Interface("panic", r).
							Msg("snapshot worker panicked")
						mu.Lock()
						errs++
						mu.Unlock()
					}
				}()
				built, err := o.builder.BuildSnapshot(ctx, symbol)
				if err != nil {
					log.Warn().Str("exchange", o.opts.Exchange).Str("symbol", symbol).
						Str("operation", "build_snapshot").Err(err).
						Msg("dropping symbol for this cycle")
					mu.Lock()
					errs++
					mu.Unlock()
					return
				}
				mu.Lock()
				snaps = append(snaps, built.Snapshot)
				mu.Unlock()
				o.mu.Lock()
				o.execBySymbol[symbol] = built.Execution
				o.mu.Unlock()
				if o.tel != nil {
					o.tel.FetchLatency.WithLabelValues(o.opts.Exchange).
						Observe(float64(built.Snapshot.LatencyMS) / 1000)
				}
			}(symbol)
		}
		wg.Wait()
	}
	return snaps, errs
}

// buildFrame assembles the immutable per-cycle output, computing rank
// deltas against the previous cycle and refreshing the remembered ranks.
func (o *Orchestrator) buildFrame(started time.Time, profile string, snaps []domain.Snapshot, ranked []scoring.Scored) domain.RankingFrame {
	gauge := 0.0
	for _, s := range snaps {
		gauge += s.ATRPct
	}
	if len(snaps) > 0 {
		gauge /= float64(len(snaps))
	}

	staleAfter := 2 * o.opts.Interval
	items := make([]domain.RankedItem, 0, len(ranked))
	newRanks := make(map[string]int, len(ranked))

	o.mu.Lock()
	defer o.mu.Unlock()
	for i, sc := range ranked {
		rank := i + 1
		delta := 0
		if prev, ok := o.previousRanks[sc.Snapshot.Symbol]; ok {
			delta = prev - rank
		}
		newRanks[sc.Snapshot.Symbol] = rank

		manipExceeded := sc.Snapshot.ManipScore != nil && *sc.Snapshot.ManipScore >= manipAlertThreshold
		items = append(items, domain.RankedItem{
			Snapshot:                      sc.Snapshot,
			Rank:                          rank,
			RankDelta:                     delta,
			ScoreComponents:               sc.Breakdown,
			ExecutionMetrics:              o.execBySymbol[sc.Snapshot.Symbol],
			Stale:                         staleAfter > 0 && started.Sub(sc.Snapshot.TS) > staleAfter,
			ManipulationThresholdExceeded: manipExceeded,
		})
	}
	o.previousRanks = newRanks

	return domain.RankingFrame{
		TS:               started,
		Profile:          profile,
		MarketGauge:      gauge,
		VolatilityBucket: domain.BucketForGauge(gauge),
		Items:            items,
	}
}

// persist hands storage and cache work to the collaborators. Failures are
// logged and counted, never propagated.
func (o *Orchestrator) persist(ctx context.Context, profile string, snaps []domain.Snapshot, frame domain.RankingFrame) {
	rankings := make([]persistence.RankingRecord, 0, len(frame.Items))
	for _, item := range frame.Items {
		inputs, err := json.Marshal(item.Snapshot)
		if err != nil {
			log.Error().Str("symbol", item.Symbol).Err(err).Msg("failed to encode ranking inputs")
			continue
		}
		rankings = append(rankings, persistence.RankingRecord{
			Symbol:     item.Symbol,
			TS:         item.TS,
			Profile:    profile,
			Score:      item.Score,
			ManipScore: item.ManipScore,
			ManipFlags: item.ManipFlags,
			InputsJSON: inputs,
		})
	}

	go func() {
		pctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := o.store.PersistRankings(pctx, rankings); err != nil {
			log.Error().Str("exchange", o.opts.Exchange).Str("operation", "persist_rankings").
				Err(err).Msg("persistence failed")
		}
		for _, snap := range snaps {
			bar := persistence.BarRecord{
				Symbol:       snap.Symbol,
				TS:           snap.TS,
				Close:        snap.LastPrice,
				ATRPct:       snap.ATRPct,
				SpreadBps:    snap.SpreadBps,
				DepthUSDT:    snap.Top5DepthUSDT,
				Mom1m:        snap.Ret1,
				Mom15m:       snap.Ret15,
				FundingPct:   snap.Funding8hPct,
				OpenInterest: snap.OpenInterest,
				ManipScore:   snap.ManipScore,
				ManipFlags:   snap.ManipFlags,
				BasisBps:     snap.BasisBps,
			}
			if err := o.store.PersistBar(pctx, bar); err != nil {
				log.Error().Str("symbol", snap.Symbol).Str("operation", "persist_bar").
					Err(err).Msg("persistence failed")
			}
		}
		if err := o.cache.CacheRankings(pctx, frame); err != nil {
			log.Error().Str("operation", "cache_rankings").Err(err).Msg("cache write failed")
		}
		if err := o.cache.CacheSnapshots(pctx, snaps); err != nil {
			log.Error().Str("operation", "cache_snapshots").Err(err).Msg("cache write failed")
		}
	}()
}

// recordHealth pushes the successful cycle into the rolling health window.
func (o *Orchestrator) recordHealth(started time.Time, snaps []domain.Snapshot, frame domain.RankingFrame) {
	if o.plane == nil {
		return
	}
	duration := time.Since(started)
	staleAfter := 2 * o.opts.Interval
	o.plane.UpdateHealth(func(h *control.HealthState) {
		h.PushCycleDuration(float64(duration.Milliseconds()))
		h.LastSuccess = time.Now().UTC()
		h.LastError = ""
		h.FailureStreak = 0
		h.BackoffSec = 0
		h.CycleCount++
		for _, snap := range snaps {
			h.Symbols[snap.Symbol] = control.SymbolLiveness{
				LatencyMS:        snap.LatencyMS,
				Stale:            staleAfter > 0 && time.Since(snap.TS) > staleAfter,
				LastSeen:         snap.TS,
				VolatilityBucket: string(domain.BucketForGauge(snap.ATRPct)),
			}
			h.PushSpread(snap.Symbol, snap.SpreadBps)
		}
	})
	if o.tel != nil {
		o.tel.CycleDuration.Observe(duration.Seconds())
		if o.state != nil {
			o.tel.BreakerState.Set(telemetry.BreakerGaugeValue(string(o.state.SnapshotState().State)))
		}
	}
}

// Run loops cycles until ctx is cancelled. Each iteration waits on the
// pause gate, runs one supervised cycle, then sleeps the remaining interval
// unless a force-scan event shortens it.
func (o *Orchestrator) Run(ctx context.Context) {
	log.Info().Str("exchange", o.opts.Exchange).Dur("interval", o.opts.Interval).
		Str("profile", o.opts.Profile).Msg("orchestrator started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("orchestrator stopped")
			return
		case <-o.plane.Gate():
		}

		err := o.runSupervised(ctx)
		if err != nil {
			o.backoff(ctx, err)
			continue
		}

		select {
		case <-ctx.Done():
			log.Info().Msg("orchestrator stopped")
			return
		case <-o.plane.ForceEvent():
			log.Info().Msg("force scan event, skipping sleep")
		case <-time.After(o.opts.Interval):
		}
	}
}

// runSupervised shields the loop from worker panics; a panic counts as a
// failed cycle.
func (o *Orchestrator) runSupervised(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("cycle panicked: %v", r)
		}
	}()
	_, _, report, err := o.RunCycle(ctx, o.opts.Profile)
	if err != nil {
		return err
	}
	log.Info().Int("scanned", report.Scanned).Int("ranked", report.Ranked).
		Int("errors", report.Errors).Int64("duration_ms", report.DurationMS).
		Msg("scan cycle complete")
	return nil
}

// backoff records a failed cycle and sleeps min(interval*2^streak, 5m).
func (o *Orchestrator) backoff(ctx context.Context, cause error) {
	streak := 0
	o.plane.UpdateHealth(func(h *control.HealthState) {
		h.FailureStreak++
		h.LastError = cause.Error()
		streak = h.FailureStreak
	})
	if o.tel != nil {
		o.tel.CycleErrors.Inc()
	}

	backoff := o.opts.Interval
	for i := 0; i < streak && backoff < maxBackoff; i++ {
		backoff *= 2
	}
	if backoff > maxBackoff {
		backoff = maxBackoff
	}
	o.plane.UpdateHealth(func(h *control.HealthState) {
		h.BackoffSec = backoff.Seconds()
	})
	log.Error().Err(cause).Int("failure_streak", streak).Dur("backoff", backoff).
		Msg("scan cycle failed")

	select {
	case <-ctx.Done():
	case <-time.After(backoff):
	}
}
