// Package sizing turns an approved intent into a share quantity using
// the configured method, then applies the value, percent-of-equity,
// tier, and exposure-headroom clamps.
package sizing

import (
	"math"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

// maxKellyFraction caps the fractional Kelly multiplier.
const maxKellyFraction = 0.25

// Rejection reasons.
const (
	ReasonZeroQty      = "ZERO_QTY"
	ReasonNoStop       = "NO_STOP_DISTANCE"
	ReasonNoPrice      = "NO_PRICE"
	ReasonNoHeadroom   = "NO_EXPOSURE_HEADROOM"
	ReasonNegativeEdge = "NEGATIVE_KELLY_EDGE"
)

// Request is everything one sizing call needs. WinRate and Payoff feed
// Kelly; RealizedVol and TargetVol feed the volatility adjustment.
type Request struct {
	Method         types.SizingMethod
	Equity         decimal.Decimal
	Entry          decimal.Decimal
	Stop           decimal.Decimal
	Aggressiveness float64
	TierMult       decimal.Decimal
	Headroom       decimal.Decimal // remaining portfolio exposure budget

	FixedQty    int64
	WinRate     float64
	Payoff      float64
	RealizedVol float64
	TargetVol   float64
}

// Result carries the sized quantity, zero with a reason on rejection.
type Result struct {
	Qty      decimal.Decimal
	Notional decimal.Decimal
	Method   types.SizingMethod
	Reason   string
}

// Sizer holds the sizing limits.
type Sizer struct {
	risk      config.RiskConfig
	positions config.PositionLimits
	log       *zap.Logger
}

// New builds a sizer.
func New(risk config.RiskConfig, positions config.PositionLimits, log *zap.Logger) *Sizer {
	return &Sizer{risk: risk, positions: positions, log: log.Named("sizing")}
}

// Size computes the quantity for the request.
func (s *Sizer) Size(req Request) Result {
	if !req.Entry.IsPositive() {
		return Result{Method: req.Method, Reason: ReasonNoPrice}
	}

	var qty decimal.Decimal
	switch req.Method {
	case types.SizingFixed:
		qty = decimal.NewFromInt(req.FixedQty)
	case types.SizingKelly:
		var reason string
		qty, reason = s.kellyQty(req)
		if reason != "" {
			return Result{Method: req.Method, Reason: reason}
		}
	case types.SizingVolAdjusted:
		base, reason := s.riskBasedQty(req)
		if reason != "" {
			return Result{Method: req.Method, Reason: reason}
		}
		scale := 1.0
		if req.RealizedVol > 0 && req.TargetVol > 0 {
			scale = math.Max(0.25, math.Min(2.0, req.TargetVol/req.RealizedVol))
		}
		qty = base.Mul(decimal.NewFromFloat(scale)).Floor()
	default: // risk-based
		var reason string
		qty, reason = s.riskBasedQty(req)
		if reason != "" {
			return Result{Method: req.Method, Reason: reason}
		}
	}

	qty = s.clamp(req, qty)
	if !qty.IsPositive() {
		return Result{Method: req.Method, Reason: ReasonZeroQty}
	}
	notional := qty.Mul(req.Entry)
	if req.Headroom.IsPositive() && notional.GreaterThan(req.Headroom) {
		return Result{Method: req.Method, Reason: ReasonNoHeadroom}
	}
	return Result{Qty: qty, Notional: notional, Method: req.Method}
}

// riskBasedQty is floor(riskPerTrade x equity x aggressiveness / stopDistance).
func (s *Sizer) riskBasedQty(req Request) (decimal.Decimal, string) {
	dist := req.Entry.Sub(req.Stop).Abs()
	if !dist.IsPositive() {
		return decimal.Zero, ReasonNoStop
	}
	budget := req.Equity.
		Mul(decimal.NewFromFloat(s.risk.RiskPerTrade)).
		Mul(decimal.NewFromFloat(req.Aggressiveness))
	return budget.Div(dist).Floor(), ""
}

// kellyQty is floor(fraction x kelly(winRate, payoff) x equity / entry)
// with fraction capped at 0.25. A non-positive edge rejects the trade.
func (s *Sizer) kellyQty(req Request) (decimal.Decimal, string) {
	if req.Payoff <= 0 {
		return decimal.Zero, ReasonNegativeEdge
	}
	kelly := req.WinRate - (1-req.WinRate)/req.Payoff
	if kelly <= 0 {
		return decimal.Zero, ReasonNegativeEdge
	}
	frac := math.Min(maxKellyFraction, maxKellyFraction*req.Aggressiveness)
	if req.Aggressiveness <= 0 {
		return decimal.Zero, ReasonZeroQty
	}
	alloc := req.Equity.Mul(decimal.NewFromFloat(frac * kelly))
	return alloc.Div(req.Entry).Floor(), ""
}

// clamp applies the per-position value cap, the percent-of-equity cap,
// and the tier multiplier, flooring to whole shares.
func (s *Sizer) clamp(req Request, qty decimal.Decimal) decimal.Decimal {
	if qty.IsNegative() {
		return decimal.Zero
	}
	maxByValue := decimal.NewFromFloat(s.positions.MaxPositionValue).Div(req.Entry).Floor()
	if qty.GreaterThan(maxByValue) {
		qty = maxByValue
	}
	if s.positions.MaxPositionSizePercent > 0 && req.Equity.IsPositive() {
		maxByPct := req.Equity.
			Mul(decimal.NewFromFloat(s.positions.MaxPositionSizePercent)).
			Div(req.Entry).Floor()
		if qty.GreaterThan(maxByPct) {
			qty = maxByPct
		}
	}
	if req.TierMult.IsPositive() && req.TierMult.LessThan(decimal.NewFromInt(1)) {
		qty = qty.Mul(req.TierMult).Floor()
	}
	return qty
}
