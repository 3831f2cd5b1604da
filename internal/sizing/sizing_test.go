package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

func testSizer() *Sizer {
	return New(config.RiskConfig{RiskPerTrade: 0.01},
		config.PositionLimits{
			MaxPositionValue:       20000,
			MaxPositionSizePercent: 0.10,
		}, zap.NewNop())
}

func d(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func baseRequest() Request {
	return Request{
		Method:         types.SizingRiskBased,
		Equity:         d(100000),
		Entry:          d(150),
		Stop:           d(147),
		Aggressiveness: 1.0,
		TierMult:       decimal.NewFromInt(1),
	}
}

func TestRiskBasedFormula(t *testing.T) {
	// 1% of 100000 = 1000 risk; $3 stop distance: 333 shares, clamped
	// by the 10% equity cap to 66.
	res := testSizer().Size(baseRequest())
	if res.Reason != "" {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if !res.Qty.Equal(decimal.NewFromInt(66)) {
		t.Fatalf("qty = %s, want 66 (10%% equity cap)", res.Qty)
	}
}

func TestRiskBasedUnclamped(t *testing.T) {
	req := baseRequest()
	req.Stop = d(120) // 1000 risk budget / 30 = 33 shares, under both caps
	res := testSizer().Size(req)
	if !res.Qty.Equal(decimal.NewFromInt(33)) {
		t.Fatalf("qty = %s, want 33", res.Qty)
	}
	if !res.Notional.Equal(decimal.NewFromInt(33 * 150)) {
		t.Fatalf("notional = %s, want 4950", res.Notional)
	}
}

func TestNoStopDistanceRejected(t *testing.T) {
	req := baseRequest()
	req.Stop = req.Entry
	res := testSizer().Size(req)
	if res.Reason != ReasonNoStop {
		t.Fatalf("reason = %q, want NO_STOP_DISTANCE", res.Reason)
	}
}

func TestTierMultiplierScalesDown(t *testing.T) {
	req := baseRequest()
	req.Stop = d(120)     // 33 base shares
	req.TierMult = d(0.4) // extreme tier
	res := testSizer().Size(req)
	if !res.Qty.Equal(decimal.NewFromInt(13)) { // floor(33*0.4)
		t.Fatalf("qty = %s, want 13", res.Qty)
	}
}

func TestKellyFractionCapped(t *testing.T) {
	req := baseRequest()
	req.Method = types.SizingKelly
	req.WinRate = 0.6
	req.Payoff = 2.0
	// kelly = 0.6 - 0.4/2 = 0.4; fraction capped at 0.25:
	// alloc = 0.25 * 0.4 * 100000 = 10000; / 150 = 66 shares.
	res := testSizer().Size(req)
	if res.Reason != "" {
		t.Fatalf("rejected: %s", res.Reason)
	}
	if !res.Qty.Equal(decimal.NewFromInt(66)) {
		t.Fatalf("qty = %s, want 66", res.Qty)
	}
}

func TestKellyNegativeEdgeRejected(t *testing.T) {
	req := baseRequest()
	req.Method = types.SizingKelly
	req.WinRate = 0.3
	req.Payoff = 1.0 // kelly = 0.3 - 0.7 < 0
	res := testSizer().Size(req)
	if res.Reason != ReasonNegativeEdge {
		t.Fatalf("reason = %q, want NEGATIVE_KELLY_EDGE", res.Reason)
	}
}

func TestVolAdjustedScalesRisk(t *testing.T) {
	req := baseRequest()
	req.Method = types.SizingVolAdjusted
	req.Stop = d(120) // base 33
	req.RealizedVol = 0.04
	req.TargetVol = 0.02 // halves the size
	res := testSizer().Size(req)
	if !res.Qty.Equal(decimal.NewFromInt(16)) { // floor(33*0.5)
		t.Fatalf("qty = %s, want 16", res.Qty)
	}
}

func TestFixedQty(t *testing.T) {
	req := baseRequest()
	req.Method = types.SizingFixed
	req.FixedQty = 25
	res := testSizer().Size(req)
	if !res.Qty.Equal(decimal.NewFromInt(25)) {
		t.Fatalf("qty = %s, want 25", res.Qty)
	}
}

func TestHeadroomRejection(t *testing.T) {
	req := baseRequest()
	req.Stop = d(120)
	req.Headroom = d(1000) // 33 shares x 150 = 4950 > 1000
	res := testSizer().Size(req)
	if res.Reason != ReasonNoHeadroom {
		t.Fatalf("reason = %q, want NO_EXPOSURE_HEADROOM", res.Reason)
	}
}

func TestZeroAggressivenessRejects(t *testing.T) {
	req := baseRequest()
	req.Aggressiveness = 0
	res := testSizer().Size(req)
	if res.Reason != ReasonZeroQty {
		t.Fatalf("reason = %q, want ZERO_QTY", res.Reason)
	}
}
