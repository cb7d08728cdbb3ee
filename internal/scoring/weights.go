package scoring

import (
	"fmt"
	"sync"
)

// Weights parameterizes one scoring profile. Every group is additive into
// the final score except Cost and the OFI, Volatility, Anomaly and Residual
// weights of Structure, which subtract.
type Weights struct {
	Liquidity LiquidityWeights `json:"liquidity" yaml:"liquidity"`
	Vol       VolWeights       `json:"vol" yaml:"vol"`
	Momentum  MomentumWeights  `json:"momentum" yaml:"momentum"`
	Cost      CostWeights      `json:"cost" yaml:"cost"`
	Carry     CarryWeights     `json:"carry" yaml:"carry"`
	Structure StructureWeights `json:"structure" yaml:"structure"`
	Edges     EdgeWeights      `json:"edges" yaml:"edges"`
}

type LiquidityWeights struct {
	Qvol  float64 `json:"qvol" yaml:"qvol"`
	Depth float64 `json:"depth" yaml:"depth"`
}

type VolWeights struct {
	ATR float64 `json:"atr" yaml:"atr"`
}

type MomentumWeights struct {
	Ret15 float64 `json:"ret_15" yaml:"ret_15"`
	Ret1  float64 `json:"ret_1" yaml:"ret_1"`
}

type CostWeights struct {
	Spread float64 `json:"spread" yaml:"spread"`
	Slip   float64 `json:"slip" yaml:"slip"`
}

type CarryWeights struct {
	Funding float64 `json:"funding" yaml:"funding"`
	Basis   float64 `json:"basis" yaml:"basis"`
}

type StructureWeights struct {
	VolumeZ    float64 `json:"volume_z" yaml:"volume_z"`
	OFI        float64 `json:"ofi" yaml:"ofi"`
	Volatility float64 `json:"volatility" yaml:"volatility"`
	Velocity   float64 `json:"velocity" yaml:"velocity"`
	Anomaly    float64 `json:"anomaly" yaml:"anomaly"`
	Residual   float64 `json:"residual" yaml:"residual"`
}

type EdgeWeights struct {
	Liquidity  float64 `json:"liquidity" yaml:"liquidity"`
	Momentum   float64 `json:"momentum" yaml:"momentum"`
	Volatility float64 `json:"volatility" yaml:"volatility"`
	Micro      float64 `json:"micro" yaml:"micro"`
}

// Built-in profile presets. Scalp leans on cost and liquidity, swing on
// momentum, news on volatility and short-horizon structure.
var defaultPresets = map[string]Weights{
	"scalp": {
		Liquidity: LiquidityWeights{Qvol: 1.2, Depth: 1.0},
		Vol:       VolWeights{ATR: 0.8},
		Momentum:  MomentumWeights{Ret15: 0.9, Ret1: 1.4},
		Cost:      CostWeights{Spread: 0.35, Slip: 0.25},
		Carry:     CarryWeights{Funding: 0.5, Basis: 0.3},
		Structure: StructureWeights{VolumeZ: 0.5, OFI: 1.2, Volatility: 0.4, Velocity: 0.6, Anomaly: 0.5, Residual: 0.4},
		Edges:     EdgeWeights{Liquidity: 0.8, Momentum: 0.5, Volatility: 0.3, Micro: 0.6},
	},
	"swing": {
		Liquidity: LiquidityWeights{Qvol: 0.8, Depth: 0.6},
		Vol:       VolWeights{ATR: 1.0},
		Momentum:  MomentumWeights{Ret15: 1.6, Ret1: 0.6},
		Cost:      CostWeights{Spread: 0.15, Slip: 0.10},
		Carry:     CarryWeights{Funding: 0.8, Basis: 0.5},
		Structure: StructureWeights{VolumeZ: 0.7, OFI: 0.8, Volatility: 0.3, Velocity: 0.4, Anomaly: 0.6, Residual: 0.5},
		Edges:     EdgeWeights{Liquidity: 0.5, Momentum: 0.9, Volatility: 0.4, Micro: 0.5},
	},
	"news": {
		Liquidity: LiquidityWeights{Qvol: 0.6, Depth: 0.5},
		Vol:       VolWeights{ATR: 1.5},
		Momentum:  MomentumWeights{Ret15: 1.2, Ret1: 1.2},
		Cost:      CostWeights{Spread: 0.20, Slip: 0.15},
		Carry:     CarryWeights{Funding: 0.3, Basis: 0.2},
		Structure: StructureWeights{VolumeZ: 1.0, OFI: 0.9, Volatility: 0.2, Velocity: 0.8, Anomaly: 0.7, Residual: 0.6},
		Edges:     EdgeWeights{Liquidity: 0.4, Momentum: 0.7, Volatility: 0.8, Micro: 0.5},
	},
}

// Registry holds the known profiles. Unknown profile names are an error,
// never a silent nil preset.
type Registry struct {
	mu      sync.RWMutex
	presets map[string]Weights
}

// NewRegistry starts from the built-in presets.
func NewRegistry() *Registry {
	presets := make(map[string]Weights, len(defaultPresets))
	for name, w := range defaultPresets {
		presets[name] = w
	}
	return &Registry{presets: presets}
}

// Register adds or replaces a profile preset.
func (r *Registry) Register(name string, w Weights) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.presets[name] = w
}

// Get resolves a profile by name.
func (r *Registry) Get(name string) (Weights, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.presets[name]
	if !ok {
		return Weights{}, fmt.Errorf("unknown scoring profile %q", name)
	}
	return w, nil
}

// Names lists registered profiles.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.presets))
	for name := range r.presets {
		names = append(names, name)
	}
	return names
}
