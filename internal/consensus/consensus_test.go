package consensus

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/regime"
	"github.com/sagemont/trader/internal/strategy"
	"github.com/sagemont/trader/pkg/types"
)

func testProcessor(t *testing.T, minAgreement int, floor float64) *Processor {
	t.Helper()
	session, err := clock.NewSession("09:30", "16:00", "America/New_York", false)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	enh := NewEnhancer(session, zap.NewNop())
	return New(config.SignalsConfig{
		MinStrategiesAgreement: minAgreement,
		ConfidenceFloor:        floor,
	}, types.SizingRiskBased, enh, zap.NewNop())
}

// neutralCtx pins the timing factor at 1.0 (early afternoon) and leaves
// the other factors neutral by providing no bar windows.
func neutralCtx(reg regime.State) Context {
	ny, _ := time.LoadLocation("America/New_York")
	return Context{
		CycleID: "cycle-1",
		Regime:  reg,
		Bars:    map[string][]types.Bar{},
		Now:     time.Date(2025, 6, 2, 13, 0, 0, 0, ny),
	}
}

func sig(symbol, strategyID string, side types.Side, conf float64) types.Signal {
	px := decimal.NewFromInt(100)
	return types.Signal{
		Symbol: symbol, Side: side, Strength: types.StrengthModerate,
		StrategyID: strategyID, Confidence: conf,
		SuggestedEntry: px,
		SuggestedStop:  decimal.NewFromInt(98),
		SuggestedTake:  decimal.NewFromInt(104),
	}
}

func TestConsensusGate(t *testing.T) {
	p := testProcessor(t, 2, 0.55)
	reg := regime.State{
		Regime:         types.RegimeWeakTrendUp,
		Aggressiveness: 0.8,
		StrategyWeights: map[string]float64{
			strategy.IDEMACross:       1.0,
			strategy.IDVolumeBreakout: 1.0,
			strategy.IDVWAP:           1.0,
		},
	}
	intents := p.Process(neutralCtx(reg), []types.Signal{
		sig("AAPL", strategy.IDEMACross, types.SideLong, 0.7),
		sig("AAPL", strategy.IDVWAP, types.SideHold, 0),
		sig("AAPL", strategy.IDVolumeBreakout, types.SideLong, 0.6),
	})
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	in := intents[0]
	if in.Side != types.SideLong || in.Symbol != "AAPL" {
		t.Fatalf("intent = %s %s, want AAPL LONG", in.Symbol, in.Side)
	}
	if in.Confidence < 0.6 || in.Confidence > 0.7 {
		t.Fatalf("confidence = %v, want within [0.6, 0.7]", in.Confidence)
	}
	if len(in.Strategies) != 2 || in.Strategies[0] != strategy.IDEMACross {
		t.Fatalf("strategies = %v, want sorted contributors", in.Strategies)
	}
	if in.CycleID != "cycle-1" {
		t.Fatalf("cycleID = %q", in.CycleID)
	}
}

func TestBelowQuorumProducesNothing(t *testing.T) {
	p := testProcessor(t, 2, 0.55)
	intents := p.Process(neutralCtx(regime.State{Regime: types.RegimeRanging}), []types.Signal{
		sig("AAPL", strategy.IDEMACross, types.SideLong, 0.9),
	})
	if len(intents) != 0 {
		t.Fatalf("intents = %d, want 0 below quorum", len(intents))
	}
}

func TestSideTieHolds(t *testing.T) {
	p := testProcessor(t, 1, 0.55)
	intents := p.Process(neutralCtx(regime.State{Regime: types.RegimeRanging}), []types.Signal{
		sig("AAPL", strategy.IDEMACross, types.SideLong, 0.9),
		sig("AAPL", strategy.IDBollinger, types.SideShort, 0.9),
	})
	if len(intents) != 0 {
		t.Fatalf("intents = %d, want 0 on side tie", len(intents))
	}
}

func TestConfidenceExactlyAtFloorAccepted(t *testing.T) {
	p := testProcessor(t, 1, 0.55)
	reg := regime.State{
		Regime:          types.RegimeRanging,
		StrategyWeights: map[string]float64{strategy.IDBollinger: 1.0},
	}
	intents := p.Process(neutralCtx(reg), []types.Signal{
		sig("AAPL", strategy.IDBollinger, types.SideLong, 0.55),
	})
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1: floor is inclusive", len(intents))
	}

	intents = p.Process(neutralCtx(reg), []types.Signal{
		sig("AAPL", strategy.IDBollinger, types.SideLong, 0.54),
	})
	if len(intents) != 0 {
		t.Fatalf("intents = %d, want 0 strictly below floor", len(intents))
	}
}

func TestExitBypassesQuorumAndFloor(t *testing.T) {
	p := testProcessor(t, 3, 0.55)
	intents := p.Process(neutralCtx(regime.State{Regime: types.RegimeCrisis}), []types.Signal{
		sig("AAPL", strategy.IDEMACross, types.SideExitLong, 0.2),
	})
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1: exits pass through", len(intents))
	}
	if intents[0].Side != types.SideExitLong {
		t.Fatalf("side = %s, want EXIT_LONG", intents[0].Side)
	}
}

func TestConfiguredSizingMethodStamped(t *testing.T) {
	session, err := clock.NewSession("09:30", "16:00", "America/New_York", false)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	p := New(config.SignalsConfig{MinStrategiesAgreement: 1, ConfidenceFloor: 0.5},
		types.SizingKelly, NewEnhancer(session, zap.NewNop()), zap.NewNop())

	reg := regime.State{
		Regime:          types.RegimeRanging,
		StrategyWeights: map[string]float64{strategy.IDBollinger: 1.0},
	}
	intents := p.Process(neutralCtx(reg), []types.Signal{
		sig("AAPL", strategy.IDBollinger, types.SideLong, 0.9),
	})
	if len(intents) != 1 {
		t.Fatalf("intents = %d, want 1", len(intents))
	}
	if intents[0].Sizing != types.SizingKelly {
		t.Fatalf("sizing = %s, want kelly", intents[0].Sizing)
	}
}

func TestTimingFactorBands(t *testing.T) {
	session, err := clock.NewSession("09:30", "16:00", "America/New_York", false)
	if err != nil {
		t.Fatalf("session: %v", err)
	}
	e := NewEnhancer(session, zap.NewNop())
	ny := session.Loc

	at := func(h, m int) Context {
		return Context{Now: time.Date(2025, 6, 2, h, m, 0, 0, ny)}
	}
	if got := e.timingFactor(at(9, 45)); got != 0.90 {
		t.Fatalf("open factor = %v, want 0.90", got)
	}
	if got := e.timingFactor(at(11, 0)); got != 1.10 {
		t.Fatalf("mid-morning factor = %v, want 1.10", got)
	}
	if got := e.timingFactor(at(15, 30)); got != 0.85 {
		t.Fatalf("near-close factor = %v, want 0.85", got)
	}
	if got := e.timingFactor(at(13, 30)); got != 1.0 {
		t.Fatalf("afternoon factor = %v, want 1.0", got)
	}
}
