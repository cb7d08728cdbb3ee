package rules

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/marketscan/scanner/internal/domain"
)

// Rule is one registered user expression. Compiled is nil for rules that
// failed compilation; those stay registered but disabled.
type Rule struct {
	Name       string `json:"name" yaml:"name"`
	Expression string `json:"expression" yaml:"expression"`
	Scope      string `json:"scope" yaml:"scope"`

	compiled *Node
	disabled bool
}

// Signal is an emitted rule match, queued for delivery.
type Signal struct {
	RuleName  string          `json:"rule"`
	Symbol    string          `json:"symbol"`
	Payload   json.RawMessage `json:"payload"`
	EmittedAt time.Time       `json:"emitted_at"`
}

// SignalTransport is the pub/sub collaborator the publisher worker hands
// each signal to, typically Redis PUBLISH.
type SignalTransport interface {
	PublishSignal(ctx context.Context, channel string, payload []byte) error
}

// EngineConfig wires the delivery targets.
type EngineConfig struct {
	WebhookURL     string
	PubSubChannel  string
	WebhookTimeout time.Duration
}

// Engine evaluates registered rules against ranked items and delivers
// matches. One background worker drains the signal queue.
type Engine struct {
	cfg       EngineConfig
	transport SignalTransport
	client    *http.Client

	mu    sync.Mutex
	rules []*Rule

	qmu     sync.Mutex
	qcond   *sync.Cond
	queue   []Signal
	closed  bool
	started bool

	done chan struct{}
}

// NewEngine builds the engine; Start launches the delivery worker.
func NewEngine(cfg EngineConfig, transport SignalTransport) *Engine {
	if cfg.WebhookTimeout <= 0 {
		cfg.WebhookTimeout = 5 * time.Second
	}
	e := &Engine{
		cfg:       cfg,
		transport: transport,
		client:    &http.Client{Timeout: cfg.WebhookTimeout},
		done:      make(chan struct{}),
	}
	e.qcond = sync.NewCond(&e.qmu)
	return e
}

// Register compiles and stores a rule. Compile failures log a warning and
// register the rule disabled rather than rejecting the request.
func (e *Engine) Register(rule Rule) {
	compiled, err := Compile(rule.Expression)
	if err != nil {
		log.Warn().Str("rule", rule.Name).Str("expression", rule.Expression).
			Err(err).Msg("rule failed to compile, disabling")
		rule.disabled = true
	} else {
		rule.compiled = compiled
	}
	e.mu.Lock()
	e.rules = append(e.rules, &rule)
	e.mu.Unlock()
}

// Rules returns the registered rules with their enabled state.
func (e *Engine) Rules() []Rule {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Rule, len(e.rules))
	for i, r := range e.rules {
		out[i] = *r
	}
	return out
}

// envFor binds a ranked item's fields to the expression identifier set.
func envFor(item domain.RankedItem) Env {
	manip := 0.0
	if item.ManipScore != nil {
		manip = *item.ManipScore
	}
	return Env{
		"rank":                float64(item.Rank),
		"score":               item.Score,
		"liquidity_edge":      item.LiquidityEdge,
		"momentum_edge":       item.MomentumEdge,
		"volatility_edge":     item.VolatilityEdge,
		"microstructure_edge": item.MicrostructureEdge,
		"anomaly_residual":    item.AnomalyResidual,
		"manipulation_score":  manip,
	}
}

// PublishIfMatched evaluates every in-scope rule against the item and
// enqueues a signal per truthy result. Evaluation never blocks on delivery.
func (e *Engine) PublishIfMatched(item domain.RankedItem) int {
	e.mu.Lock()
	rules := make([]*Rule, len(e.rules))
	copy(rules, e.rules)
	e.mu.Unlock()

	env := envFor(item)
	matched := 0
	for _, rule := range rules {
		if rule.disabled || rule.compiled == nil {
			continue
		}
		if rule.Scope != "*" && rule.Scope != item.Symbol {
			continue
		}
		if !Truthy(Eval(rule.compiled, env)) {
			continue
		}
		payload, err := json.Marshal(item)
		if err != nil {
			log.Error().Str("rule", rule.Name).Str("symbol", item.Symbol).
				Err(err).Msg("failed to marshal signal payload")
			continue
		}
		e.enqueue(Signal{
			RuleName:  rule.Name,
			Symbol:    item.Symbol,
			Payload:   payload,
			EmittedAt: item.TS,
		})
		matched++
	}
	return matched
}

func (e *Engine) enqueue(sig Signal) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	if e.closed {
		return
	}
	e.queue = append(e.queue, sig)
	e.qcond.Signal()
}

// PendingSignals reports the queue depth, for health and tests.
func (e *Engine) PendingSignals() int {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	return len(e.queue)
}

// Start launches the single delivery worker. Call once.
func (e *Engine) Start(ctx context.Context) {
	e.qmu.Lock()
	e.started = true
	e.qmu.Unlock()
	go func() {
		defer close(e.done)
		for {
			sig, ok := e.dequeue()
			if !ok {
				return
			}
			e.deliver(ctx, sig)
		}
	}()
}

func (e *Engine) dequeue() (Signal, bool) {
	e.qmu.Lock()
	defer e.qmu.Unlock()
	for len(e.queue) == 0 && !e.closed {
		e.qcond.Wait()
	}
	if len(e.queue) == 0 {
		return Signal{}, false
	}
	sig := e.queue[0]
	e.queue = e.queue[1:]
	return sig, true
}

// deliver pushes one signal to pub/sub and the webhook. Both deliveries are
// best-effort: failures are logged and never retried here.
func (e *Engine) deliver(ctx context.Context, sig Signal) {
	body, err := json.Marshal(map[string]interface{}{
		"rule":    sig.RuleName,
		"symbol":  sig.Symbol,
		"payload": sig.Payload,
	})
	if err != nil {
		log.Error().Str("rule", sig.RuleName).Err(err).Msg("failed to encode signal")
		return
	}

	if e.transport != nil && e.cfg.PubSubChannel != "" {
		if err := e.transport.PublishSignal(ctx, e.cfg.PubSubChannel, body); err != nil {
			log.Error().Str("rule", sig.RuleName).Str("symbol", sig.Symbol).
				Str("operation", "pubsub_publish").Err(err).Msg("signal pub/sub delivery failed")
		}
	}

	if e.cfg.WebhookURL != "" {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.cfg.WebhookURL, bytes.NewReader(body))
		if err != nil {
			log.Error().Str("rule", sig.RuleName).Err(err).Msg("failed to build webhook request")
			return
		}
		req.Header.Set("Content-Type", "application/json")
		resp, err := e.client.Do(req)
		if err != nil {
			log.Error().Str("rule", sig.RuleName).Str("symbol", sig.Symbol).
				Str("operation", "webhook_post").Err(err).Msg("signal webhook delivery failed")
			return
		}
		resp.Body.Close()
		if resp.StatusCode >= 300 {
			log.Error().Str("rule", sig.RuleName).Str("symbol", sig.Symbol).
				Str("operation", "webhook_post").Int("status", resp.StatusCode).
				Msg("signal webhook rejected")
		}
	}
}

// Close stops accepting signals and waits for the worker to drain.
func (e *Engine) Close() {
	e.qmu.Lock()
	if e.closed {
		e.qmu.Unlock()
		return
	}
	e.closed = true
	started := e.started
	e.qcond.Broadcast()
	e.qmu.Unlock()
	if started {
		<-e.done
	}
}
