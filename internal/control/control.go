// Package control is the operator surface of the scanner: pause/resume, the
// force-scan event, the manual breaker override, the audit trail and the
// health snapshot the HTTP layer reads.
package control

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	auditLimit    = 200
	cycleWindow   = 120
	spreadHistory = 60
)

// BreakerClosed and BreakerOpen are the manual breaker states.
const (
	BreakerClosed = "closed"
	BreakerOpen   = "open"
)

// AuditEntry records one control-plane mutation.
type AuditEntry struct {
	TS     time.Time `json:"ts"`
	Action string    `json:"action"`
	Actor  string    `json:"actor"`
	Detail string    `json:"detail"`
}

// BreakerControl is the manual breaker override state.
type BreakerControl struct {
	ManualState string    `json:"manual_state"`
	LastReason  string    `json:"last_reason"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// SymbolLiveness is the per-symbol freshness view inside health.
type SymbolLiveness struct {
	LatencyMS        int64     `json:"latency_ms"`
	Stale            bool      `json:"stale"`
	LastSeen         time.Time `json:"last_seen"`
	VolatilityBucket string    `json:"volatility_bucket"`
}

// HealthState is the rolling operational record the orchestrator maintains.
// Mutations go through Plane.UpdateHealth which swaps a fresh copy in; every
// reader gets its own deep copy.
type HealthState struct {
	CycleDurationsMS []float64                 `json:"cycle_durations_ms"`
	LastSuccess      time.Time                 `json:"last_success"`
	LastError        string                    `json:"last_error"`
	FailureStreak    int                       `json:"failure_streak"`
	CycleCount       int64                     `json:"cycle_count"`
	BackoffSec       float64                   `json:"backoff_sec"`
	SLAWarnSec       float64                   `json:"sla_warn_sec"`
	SLACriticalSec   float64                   `json:"sla_critical_sec"`
	Symbols          map[string]SymbolLiveness `json:"symbols"`
	SpreadHistory    map[string][]float64      `json:"spread_history"`
}

func (h *HealthState) clone() *HealthState {
	cp := *h
	cp.CycleDurationsMS = append([]float64(nil), h.CycleDurationsMS...)
	cp.Symbols = make(map[string]SymbolLiveness, len(h.Symbols))
	for k, v := range h.Symbols {
		cp.Symbols[k] = v
	}
	cp.SpreadHistory = make(map[string][]float64, len(h.SpreadHistory))
	for k, v := range h.SpreadHistory {
		cp.SpreadHistory[k] = append([]float64(nil), v...)
	}
	return &cp
}

// PushCycleDuration appends to the bounded rolling window.
func (h *HealthState) PushCycleDuration(ms float64) {
	h.CycleDurationsMS = append(h.CycleDurationsMS, ms)
	if len(h.CycleDurationsMS) > cycleWindow {
		h.CycleDurationsMS = h.CycleDurationsMS[len(h.CycleDurationsMS)-cycleWindow:]
	}
}

// PushSpread appends to the per-symbol bounded spread history.
func (h *HealthState) PushSpread(symbol string, spreadBps float64) {
	hist := append(h.SpreadHistory[symbol], spreadBps)
	if len(hist) > spreadHistory {
		hist = hist[len(hist)-spreadHistory:]
	}
	h.SpreadHistory[symbol] = hist
}

// SLAStatus classifies the latest cycle duration against the thresholds.
func (h *HealthState) SLAStatus() string {
	if len(h.CycleDurationsMS) == 0 {
		return "ok"
	}
	last := h.CycleDurationsMS[len(h.CycleDurationsMS)-1] / 1000
	switch {
	case h.SLACriticalSec > 0 && last >= h.SLACriticalSec:
		return "critical"
	case h.SLAWarnSec > 0 && last >= h.SLAWarnSec:
		return "warn"
	default:
		return "ok"
	}
}

// ControlState is the deep-copied control snapshot handed to readers.
type ControlState struct {
	Paused  bool           `json:"paused"`
	Breaker BreakerControl `json:"breaker"`
	Audit   []AuditEntry   `json:"audit"`
}

// ForceScanResult is the structured answer to a force-scan request.
type ForceScanResult struct {
	Queued bool   `json:"queued"`
	Reason string `json:"reason,omitempty"`
}

// Plane owns pause/resume, the manual breaker, the audit trail and the
// health pointer. All operations return structured results, never errors.
type Plane struct {
	mu      sync.Mutex
	paused  bool
	gate    chan struct{}
	breaker BreakerControl
	audit   []AuditEntry

	force chan struct{}

	health atomic.Pointer[HealthState]
}

// NewPlane starts unpaused with the manual breaker closed.
func NewPlane(slaWarnSec, slaCriticalSec float64) *Plane {
	gate := make(chan struct{})
	close(gate)
	p := &Plane{
		gate:    gate,
		breaker: BreakerControl{ManualState: BreakerClosed},
		force:   make(chan struct{}, 1),
	}
	p.health.Store(&HealthState{
		SLAWarnSec:     slaWarnSec,
		SLACriticalSec: slaCriticalSec,
		Symbols:        map[string]SymbolLiveness{},
		SpreadHistory:  map[string][]float64{},
	})
	return p
}

func (p *Plane) record(action, actor, detail string) {
	entry := AuditEntry{TS: time.Now().UTC(), Action: action, Actor: actor, Detail: detail}
	p.audit = append(p.audit, entry)
	if len(p.audit) > auditLimit {
		p.audit = p.audit[len(p.audit)-auditLimit:]
	}
	log.Info().Str("action", action).Str("actor", actor).Str("detail", detail).Msg("control plane mutation")
}

// Pause closes the gate new cycles wait on. Idempotent.
func (p *Plane) Pause(actor, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		p.paused = true
		p.gate = make(chan struct{})
	}
	p.record("pause", actor, reason)
	return true
}

// Resume reopens the gate. Idempotent.
func (p *Plane) Resume(actor, reason string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.paused = false
		close(p.gate)
	}
	p.record("resume", actor, reason)
	return false
}

// Paused reports the pause flag.
func (p *Plane) Paused() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.paused
}

// Gate returns the channel the orchestrator waits on before each cycle.
// Receiving succeeds immediately while the plane is unpaused.
func (p *Plane) Gate() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.gate
}

// ForceScan queues an immediate cycle unless the plane is paused.
func (p *Plane) ForceScan(actor, reason string) ForceScanResult {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.paused {
		p.record("force_scan_rejected", actor, reason)
		return ForceScanResult{Queued: false, Reason: "paused"}
	}
	select {
	case p.force <- struct{}{}:
	default:
	}
	p.record("force_scan", actor, reason)
	return ForceScanResult{Queued: true}
}

// ForceEvent is the channel the orchestrator's post-cycle sleep selects on.
func (p *Plane) ForceEvent() <-chan struct{} { return p.force }

// SetManualBreaker flips the manual breaker. Unknown states are ignored and
// recorded. Idempotent.
func (p *Plane) SetManualBreaker(state, actor, reason string) BreakerControl {
	p.mu.Lock()
	defer p.mu.Unlock()
	if state == BreakerOpen || state == BreakerClosed {
		p.breaker = BreakerControl{ManualState: state, LastReason: reason, UpdatedAt: time.Now().UTC()}
	}
	p.record("set_breaker", actor, state+": "+reason)
	return p.breaker
}

// ManualBreakerOpen reports whether the override refuses cycles.
func (p *Plane) ManualBreakerOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.breaker.ManualState == BreakerOpen
}

// State deep-copies the control snapshot, audit capped to the last n
// entries (0 means all retained).
func (p *Plane) State(auditTail int) ControlState {
	p.mu.Lock()
	defer p.mu.Unlock()
	audit := p.audit
	if auditTail > 0 && len(audit) > auditTail {
		audit = audit[len(audit)-auditTail:]
	}
	return ControlState{
		Paused:  p.paused,
		Breaker: p.breaker,
		Audit:   append([]AuditEntry(nil), audit...),
	}
}

// UpdateHealth applies fn to a fresh copy of the health state and swaps it
// in atomically. Readers holding the old pointer stay consistent.
func (p *Plane) UpdateHealth(fn func(h *HealthState)) {
	for {
		current := p.health.Load()
		next := current.clone()
		fn(next)
		if p.health.CompareAndSwap(current, next) {
			return
		}
	}
}

// Health returns a deep copy of the current health state.
func (p *Plane) Health() *HealthState {
	return p.health.Load().clone()
}
