// Package strategy hosts the strategy runtime: a capability interface,
// a registry of enumerated built-ins, and the built-in strategies
// themselves. Strategies are pure over their bar input; they hold no
// portfolio state.
package strategy

import (
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// Input is one symbol's bar window for a cycle. Peer carries the bars of
// the strategy's declared peer symbol, nil unless one is configured.
type Input struct {
	Symbol string
	Bars   []types.Bar
	Peer   []types.Bar
}

// Frame is an analyzed input: the float series plus the indicator
// columns the strategy computed for it.
type Frame struct {
	Symbol string
	Series indicators.Series
	Peer   indicators.Series
	Ind    map[string][]float64
}

// LastBar returns the newest bar of the frame.
func (f Frame) LastBar() types.Bar {
	return f.Series.Bars[f.Series.Len()-1]
}

// Strategy is the capability interface every built-in implements.
// GenerateSignals emits at most one non-HOLD signal per symbol per cycle.
type Strategy interface {
	ID() string

	// Peer names the symbol whose bars must accompany Input, "" for none.
	Peer() string

	Analyze(in Input) (Frame, error)
	GenerateSignals(f Frame) []types.Signal
	ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal
	ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal
}

// Constructor builds a strategy from its config block and the global
// stop policies.
type Constructor func(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error)

// Enumerated strategy IDs. Config references outside this set fail at
// load.
const (
	IDEMACross       = "ema_cross"
	IDVWAP           = "vwap"
	IDVolumeBreakout = "volume_breakout"
	IDRSIDivergence  = "rsi_divergence"
	IDBollinger      = "bollinger"
	IDMomentum       = "momentum"
	IDORB            = "orb"
	IDPairs          = "pairs"
)

var registry = map[string]Constructor{
	IDEMACross:       newEMACross,
	IDVWAP:           newVWAP,
	IDVolumeBreakout: newVolumeBreakout,
	IDRSIDivergence:  newRSIDivergence,
	IDBollinger:      newBollinger,
	IDMomentum:       newMomentum,
	IDORB:            newORB,
	IDPairs:          newPairs,
}

// IDs returns the registered strategy IDs, sorted.
func IDs() []string {
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Build constructs the enabled strategies from config. Disabled blocks
// produce nothing; unknown IDs are a configuration error (Validate
// catches them earlier, this is the backstop).
func Build(cfgs []config.StrategyConfig, stops config.StopsConfig) ([]Strategy, error) {
	var out []Strategy
	for _, sc := range cfgs {
		if !sc.Enabled {
			continue
		}
		ctor, ok := registry[sc.ID]
		if !ok {
			return nil, fmt.Errorf("unknown strategy id %q", sc.ID)
		}
		s, err := ctor(sc, stops)
		if err != nil {
			return nil, fmt.Errorf("build strategy %s: %w", sc.ID, err)
		}
		out = append(out, s)
	}
	return out, nil
}
