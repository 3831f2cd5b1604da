package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

func testKernel() *Kernel {
	return NewKernel(config.RiskConfig{
		MaxDrawdown:          0.20,
		MaxDailyLoss:         0.03,
		MaxConsecutiveLosses: 4,
		CoolDownPeriod:       time.Hour,
		MaxPortfolioHeat:     0.06,
		MaxPositionHeat:      0.02,
		MaxPortfolioExposure: 0.60,
		RiskPerTrade:         0.01,
	}, config.PositionLimits{
		MaxPositions:     8,
		MaxPositionValue: 2000,
	}, zap.NewNop())
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func position(symbol string, qty, price, stop float64) types.Position {
	return types.Position{
		Symbol: symbol, Side: types.SideLong,
		Qty: d(qty), AvgEntry: d(price), CurrentPrice: d(price), Stop: d(stop),
	}
}

func runningState(equity float64, positions ...types.Position) types.PortfolioState {
	return types.PortfolioState{
		Equity:         d(equity),
		PeakEquity:     d(equity),
		DayStartEquity: d(equity),
		OpenPositions:  positions,
		Halt:           types.HaltState{Phase: types.HaltRunning},
	}
}

var now = time.Date(2025, 6, 2, 15, 0, 0, 0, time.UTC)

func TestHeatSumsDistanceToStop(t *testing.T) {
	k := testKernel()
	// 100 shares, $3 to stop: 300 / 100000 equity = 0.003.
	st := runningState(100000, position("AAPL", 100, 150, 147))
	heat := k.PortfolioHeat(st)
	if !heat.Equal(d(0.003)) {
		t.Fatalf("heat = %s, want 0.003", heat)
	}
}

func TestStoplessPositionContributesPenalty(t *testing.T) {
	k := testKernel()
	p := position("AAPL", 100, 150, 0)
	p.Stop = decimal.Zero
	heat := k.PortfolioHeat(runningState(100000, p))
	if !heat.Equal(d(0.02)) {
		t.Fatalf("heat = %s, want maxPositionHeat penalty 0.02", heat)
	}
}

func TestNonPositivePriceSkippedInHeat(t *testing.T) {
	k := testKernel()
	p := position("AAPL", 100, 0, 147)
	p.CurrentPrice = decimal.Zero
	heat := k.PortfolioHeat(runningState(100000, p))
	if !heat.IsZero() {
		t.Fatalf("heat = %s, want 0 for skipped position", heat)
	}
}

func TestExposureDenialAtBoundary(t *testing.T) {
	k := testKernel()
	// 58000 exposure; +2000 = 60000 which equals the 60% cap exactly.
	st := runningState(100000, position("MSFT", 100, 580, 570))
	one := decimal.NewFromInt(1)

	dec := k.CanOpenNewPosition(st, "TSLA", d(2000), one, decimal.Zero, now)
	if !dec.Allowed {
		t.Fatalf("at the cap must be allowed, got %s: %s", dec.Reason, dec.Detail)
	}

	dec = k.CanOpenNewPosition(st, "TSLA", d(2000.01), one, decimal.Zero, now)
	if dec.Allowed || dec.Reason != ReasonPositionValue {
		// 2000.01 trips the per-position cap first.
		t.Fatalf("decision = %+v, want POSITION_VALUE_EXCEEDED", dec)
	}

	// Push exposure past the cap with a larger existing book instead.
	st = runningState(100000, position("MSFT", 100, 585, 570))
	dec = k.CanOpenNewPosition(st, "TSLA", d(2000), one, decimal.Zero, now)
	if dec.Allowed || dec.Reason != ReasonExposureExceeded {
		t.Fatalf("decision = %+v, want EXPOSURE_EXCEEDED", dec)
	}
}

func TestHaltedDeniesEntries(t *testing.T) {
	k := testKernel()
	st := runningState(100000)
	st.Halt = types.HaltState{Phase: types.HaltHalted, Reason: HaltMaxDrawdown}
	dec := k.CanOpenNewPosition(st, "AAPL", d(1000), decimal.NewFromInt(1), decimal.Zero, now)
	if dec.Allowed || dec.Reason != ReasonHalted {
		t.Fatalf("decision = %+v, want HALTED", dec)
	}
}

func TestMaxPositionsDenied(t *testing.T) {
	k := testKernel()
	var positions []types.Position
	for i := 0; i < 8; i++ {
		positions = append(positions, position("S", 1, 100, 99))
	}
	st := runningState(100000, positions...)
	dec := k.CanOpenNewPosition(st, "AAPL", d(1000), decimal.NewFromInt(1), decimal.Zero, now)
	if dec.Allowed || dec.Reason != ReasonMaxPositions {
		t.Fatalf("decision = %+v, want MAX_POSITIONS", dec)
	}
}

func TestHaltOnDrawdown(t *testing.T) {
	k := testKernel()
	st := runningState(96000)
	st.PeakEquity = d(120000) // drawdown exactly 20%
	h := k.ShouldHalt(st, now)
	if h.Phase != types.HaltHalted || h.Reason != HaltMaxDrawdown {
		t.Fatalf("halt = %+v, want HALTED/MAX_DRAWDOWN", h)
	}
}

func TestHaltOnDailyLoss(t *testing.T) {
	k := testKernel()
	st := runningState(97000)
	st.DayStartEquity = d(100000)
	st.RealizedDayPnL = d(-3000) // exactly -3%
	h := k.ShouldHalt(st, now)
	if h.Phase != types.HaltHalted || h.Reason != HaltDailyLoss {
		t.Fatalf("halt = %+v, want HALTED/DAILY_LOSS", h)
	}
}

func TestConsecutiveLossesCoolDown(t *testing.T) {
	k := testKernel()
	st := runningState(100000)
	st.ConsecutiveLosses = 4
	h := k.ShouldHalt(st, now)
	if h.Phase != types.HaltCoolDown {
		t.Fatalf("phase = %s, want COOL_DOWN", h.Phase)
	}
	if !h.Until.Equal(now.Add(time.Hour)) {
		t.Fatalf("until = %v, want now+1h", h.Until)
	}

	// Expired cooldown returns to RUNNING.
	st.Halt = h
	st.ConsecutiveLosses = 0
	h2 := k.ShouldHalt(st, now.Add(2*time.Hour))
	if h2.Phase != types.HaltRunning {
		t.Fatalf("phase = %s, want RUNNING after expiry", h2.Phase)
	}
}

func TestHaltedIsSticky(t *testing.T) {
	k := testKernel()
	st := runningState(100000) // healthy numbers
	st.Halt = types.HaltState{Phase: types.HaltHalted, Reason: HaltOperator}
	h := k.ShouldHalt(st, now)
	if h.Phase != types.HaltHalted {
		t.Fatalf("phase = %s, HALTED must persist until operator resume", h.Phase)
	}
}
