// Package risk is the pure risk kernel: it evaluates portfolio
// snapshots against the configured limits and returns typed decisions.
// Denials are values, never errors, so callers can assert the reason.
package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/pkg/types"
)

// Denial reason codes recorded in the audit journal.
const (
	ReasonHalted           = "HALTED"
	ReasonMaxPositions     = "MAX_POSITIONS"
	ReasonExposureExceeded = "EXPOSURE_EXCEEDED"
	ReasonHeatExceeded     = "HEAT_EXCEEDED"
	ReasonPositionValue    = "POSITION_VALUE_EXCEEDED"
	ReasonSectorExposure   = "SECTOR_EXPOSURE_EXCEEDED"
)

// Halt reasons.
const (
	HaltMaxDrawdown   = "MAX_DRAWDOWN"
	HaltDailyLoss     = "DAILY_LOSS"
	HaltAccountError  = "ACCOUNT_ERROR"
	HaltOperator      = "OPERATOR"
)

// Decision is the typed outcome of a risk predicate.
type Decision struct {
	Allowed bool
	Reason  string
	Detail  string
}

// Allow is the approving decision.
func Allow() Decision { return Decision{Allowed: true} }

// Deny builds a denial with its reason code and human detail.
func Deny(reason, detail string) Decision {
	return Decision{Reason: reason, Detail: detail}
}

// Kernel evaluates snapshots against the immutable per-run limits.
type Kernel struct {
	risk      config.RiskConfig
	positions config.PositionLimits
	log       *zap.Logger
}

// NewKernel builds a kernel over the configured limits.
func NewKernel(risk config.RiskConfig, positions config.PositionLimits, log *zap.Logger) *Kernel {
	return &Kernel{risk: risk, positions: positions, log: log.Named("risk")}
}

// MaxPositionValue is the conservative notional fallback when no live
// price is available for a new order.
func (k *Kernel) MaxPositionValue() decimal.Decimal {
	return decimal.NewFromFloat(k.positions.MaxPositionValue)
}

// PortfolioHeat sums distance-to-stop weighted by quantity over equity.
// Positions without a stop contribute maxPositionHeat so a missing stop
// never reads as reduced risk. Positions without a positive price are
// skipped with a warning, never priced by a constant.
func (k *Kernel) PortfolioHeat(p types.PortfolioState) decimal.Decimal {
	if !p.Equity.IsPositive() {
		return decimal.Zero
	}
	heat := decimal.Zero
	penalty := decimal.NewFromFloat(k.risk.MaxPositionHeat)
	for i := range p.OpenPositions {
		pos := &p.OpenPositions[i]
		if !pos.Stop.IsPositive() {
			heat = heat.Add(penalty)
			continue
		}
		if !pos.CurrentPrice.IsPositive() {
			k.log.Warn("position has no positive price, skipped in heat",
				zap.String("symbol", pos.Symbol))
			continue
		}
		risk := pos.CurrentPrice.Sub(pos.Stop).Abs().Mul(pos.Qty)
		heat = heat.Add(risk.Div(p.Equity))
	}
	return heat
}

// CanOpenNewPosition evaluates every gate for a prospective entry.
// estValue is the order's notional estimate; tierMult scales the
// per-position value cap for the symbol's tier. sectorExposure is the
// current exposure of the symbol's sector.
func (k *Kernel) CanOpenNewPosition(p types.PortfolioState, symbol string, estValue, tierMult, sectorExposure decimal.Decimal, now time.Time) Decision {
	if !p.Halt.Running(now) {
		return Deny(ReasonHalted, fmt.Sprintf("halt phase %s", p.Halt.Phase))
	}
	if len(p.OpenPositions) >= k.positions.MaxPositions {
		return Deny(ReasonMaxPositions,
			fmt.Sprintf("%d open of %d allowed", len(p.OpenPositions), k.positions.MaxPositions))
	}

	valueCap := k.MaxPositionValue().Mul(tierMult)
	if estValue.GreaterThan(valueCap) {
		return Deny(ReasonPositionValue,
			fmt.Sprintf("%s exceeds tier cap %s for %s", estValue, valueCap, symbol))
	}

	if p.Equity.IsPositive() {
		total := p.OpenExposure().Add(estValue)
		maxExposure := p.Equity.Mul(decimal.NewFromFloat(k.risk.MaxPortfolioExposure))
		if total.GreaterThan(maxExposure) {
			return Deny(ReasonExposureExceeded,
				fmt.Sprintf("%s + %s > %s", p.OpenExposure(), estValue, maxExposure))
		}

		if k.positions.MaxSectorExposure > 0 {
			sectorCap := p.Equity.Mul(decimal.NewFromFloat(k.positions.MaxSectorExposure))
			if sectorExposure.Add(estValue).GreaterThan(sectorCap) {
				return Deny(ReasonSectorExposure,
					fmt.Sprintf("sector %s + %s > %s", sectorExposure, estValue, sectorCap))
			}
		}
	}

	if heat := k.PortfolioHeat(p); heat.GreaterThan(decimal.NewFromFloat(k.risk.MaxPortfolioHeat)) {
		return Deny(ReasonHeatExceeded, fmt.Sprintf("heat %s", heat))
	}
	return Allow()
}

// ShouldHalt computes the next halt state from the snapshot. HALTED is
// sticky: only an operator resume leaves it. COOL_DOWN expires on its
// own back to RUNNING.
func (k *Kernel) ShouldHalt(p types.PortfolioState, now time.Time) types.HaltState {
	cur := p.Halt
	if cur.Phase == types.HaltHalted {
		return cur
	}

	if dd, _ := p.Drawdown().Float64(); dd >= k.risk.MaxDrawdown {
		return types.HaltState{Phase: types.HaltHalted, Reason: HaltMaxDrawdown}
	}
	if p.DayStartEquity.IsPositive() {
		loss, _ := p.RealizedDayPnL.Div(p.DayStartEquity).Float64()
		if loss <= -k.risk.MaxDailyLoss {
			return types.HaltState{Phase: types.HaltHalted, Reason: HaltDailyLoss}
		}
	}

	if cur.Phase == types.HaltCoolDown {
		if now.After(cur.Until) {
			return types.HaltState{Phase: types.HaltRunning}
		}
		return cur
	}
	if k.risk.MaxConsecutiveLosses > 0 && p.ConsecutiveLosses >= k.risk.MaxConsecutiveLosses {
		return types.HaltState{
			Phase: types.HaltCoolDown,
			Until: now.Add(k.risk.CoolDownPeriod),
		}
	}
	return types.HaltState{Phase: types.HaltRunning}
}

// Halt returns the operator/broker-forced halted state.
func Halt(reason string) types.HaltState {
	return types.HaltState{Phase: types.HaltHalted, Reason: reason}
}

// Resume returns the running state; only operators call it.
func Resume() types.HaltState {
	return types.HaltState{Phase: types.HaltRunning}
}
