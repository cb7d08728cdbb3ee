package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	zlog "github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/marketscan/scanner/internal/bus"
	"github.com/marketscan/scanner/internal/cache"
	"github.com/marketscan/scanner/internal/config"
	"github.com/marketscan/scanner/internal/control"
	"github.com/marketscan/scanner/internal/httpapi"
	"github.com/marketscan/scanner/internal/manip"
	"github.com/marketscan/scanner/internal/market"
	"github.com/marketscan/scanner/internal/market/bybit"
	"github.com/marketscan/scanner/internal/persistence"
	"github.com/marketscan/scanner/internal/persistence/postgres"
	"github.com/marketscan/scanner/internal/rules"
	"github.com/marketscan/scanner/internal/scan"
	"github.com/marketscan/scanner/internal/scoring"
	"github.com/marketscan/scanner/internal/telemetry"
)

var rootCmd = &cobra.Command{
	Use:   "scanner",
	Short: "Real-time perpetual swap market scanner",
	Long: `scanner continuously samples perpetual swap symbols, computes
microstructure, momentum and manipulation-risk features, ranks symbols per
profile and broadcasts ranked frames to WebSocket, SSE and pub/sub
consumers.`,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scan loop and the HTTP API",
	RunE:  runServe,
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run exactly one scan cycle and print the ranking frame",
	RunE:  runScan,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(scanCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func setupLogging(format string) {
	zerolog.TimeFieldFormat = time.RFC3339
	if format == "console" {
		zlog.Logger = zlog.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

// components is everything one wired scanner instance owns.
type components struct {
	cfg          config.Config
	adapter      *market.Adapter
	orchestrator *scan.Orchestrator
	plane        *control.Plane
	frames       *bus.Broadcast
	engine       *rules.Engine
	registry     *prometheus.Registry
	closers      []func()
}

func (c *components) close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		c.closers[i]()
	}
}

func wire(ctx context.Context) (*components, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	setupLogging(cfg.LogFormat)

	raw, err := rawSource(cfg.Exchange)
	if err != nil {
		return nil, err
	}

	adapterCfg := market.DefaultAdapterConfig(cfg.Exchange)
	adapterCfg.Timeout = cfg.Adapter.Timeout
	adapterCfg.MaxFailures = cfg.Adapter.MaxFailures
	adapterCfg.Cooldown = cfg.Adapter.Cooldown
	adapterCfg.Concurrency = cfg.Scan.Concurrency
	adapterCfg.MarketsCacheTTL = cfg.Adapter.MarketsCacheTTL
	adapterCfg.RatePerSec = cfg.Adapter.RatePerSec
	adapter := market.NewAdapter(raw, adapterCfg)

	detector := manip.NewDetector(cfg.Scoring.NotionalTest)
	builder := scan.NewBuilder(adapter, detector, cfg.Exchange, cfg.Scoring.NotionalTest)

	registry := scoring.NewRegistry()
	scorer := scoring.NewScorer(registry, scoring.Gates{
		MinQvolUSDT:  cfg.Scoring.MinQvolUSDT,
		MaxSpreadBps: cfg.Scoring.MaxSpreadBps,
	})

	interval := cfg.Scan.Interval.Seconds()
	plane := control.NewPlane(
		cfg.Control.SLAWarnMultiplier*interval,
		cfg.Control.SLACriticalMultiplier*interval,
	)
	frames := bus.NewBroadcast()

	comp := &components{cfg: cfg, adapter: adapter, plane: plane, frames: frames}
	comp.closers = append(comp.closers, func() { frames.Close() }, func() { adapter.Close() })

	cch := cache.NewAuto(ctx, cfg.Persist.RedisAddr, cfg.Persist.CacheTTL)
	var transport rules.SignalTransport
	if rc, ok := cch.(*cache.RedisCache); ok {
		transport = rc
		comp.closers = append(comp.closers, func() { rc.Close() })
	}

	engine := rules.NewEngine(rules.EngineConfig{
		WebhookURL:    cfg.Persist.WebhookURL,
		PubSubChannel: cfg.Persist.PubSubChannel,
	}, transport)
	ruleDefs, err := config.LoadRules(cfg.Persist.RulesFile)
	if err != nil {
		return nil, err
	}
	for _, def := range ruleDefs {
		engine.Register(rules.Rule{Name: def.Name, Expression: def.Expression, Scope: def.Scope})
	}
	engine.Start(ctx)
	comp.engine = engine
	comp.closers = append(comp.closers, func() { engine.Close() })

	var store persistence.Store = persistence.NoopStore{}
	if cfg.Persist.PostgresDSN != "" {
		db, err := postgres.Connect(cfg.Persist.PostgresDSN)
		if err != nil {
			return nil, err
		}
		store = postgres.NewRepo(db, 5*time.Second)
		comp.closers = append(comp.closers, func() { db.Close() })
	}

	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(collectors.NewGoCollector())
	promRegistry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	tel := telemetry.New(promRegistry)
	comp.registry = promRegistry

	comp.orchestrator = scan.New(scan.Options{
		Exchange:     cfg.Exchange,
		Symbols:      cfg.Symbols,
		Interval:     cfg.Scan.Interval,
		Concurrency:  cfg.Scan.Concurrency,
		TopByQvol:    cfg.Scan.TopByQvol,
		TopN:         cfg.Scan.TopNDefault,
		Profile:      cfg.Scan.ProfileDefault,
		IncludeCarry: cfg.Scan.IncludeCarry,
	}, adapter, adapter, builder, scorer, plane, frames, engine, store, cch, tel)

	return comp, nil
}

func rawSource(exchange string) (market.MarketDataSource, error) {
	switch exchange {
	case "bybit":
		return bybit.NewClient(), nil
	default:
		return nil, fmt.Errorf("unsupported exchange %q", exchange)
	}
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comp, err := wire(ctx)
	if err != nil {
		return err
	}
	defer comp.close()

	server := httpapi.NewServer(comp.plane, comp.frames, comp.adapter,
		comp.cfg.Control.AdminAPIToken, comp.registry)
	httpServer := &http.Server{
		Addr:         comp.cfg.HTTP.Addr,
		Handler:      server.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0, // streaming endpoints manage their own deadlines
	}

	go func() {
		zlog.Info().Str("addr", comp.cfg.HTTP.Addr).Msg("http server listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			zlog.Error().Err(err).Msg("http server failed")
			cancel()
		}
	}()

	go comp.orchestrator.Run(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sig:
		zlog.Info().Str("signal", s.String()).Msg("shutting down")
	case <-ctx.Done():
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	return httpServer.Shutdown(shutdownCtx)
}

func runScan(cmd *cobra.Command, args []string) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	comp, err := wire(ctx)
	if err != nil {
		return err
	}
	defer comp.close()

	_, frame, report, err := comp.orchestrator.RunCycle(ctx, comp.cfg.Scan.ProfileDefault)
	if err != nil {
		return err
	}
	out := map[string]interface{}{"report": report, "frame": frame}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(encoded))
	return nil
}
