package strategy

import (
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// param reads a tuning value from the strategy's param block with a
// default.
func param(cfg config.StrategyConfig, key string, def float64) float64 {
	if v, ok := cfg.Params[key]; ok {
		return v
	}
	return def
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}

// volumeOK applies the strategy's declared volume filter on the last bar.
func volumeOK(cfg config.StrategyConfig, s indicators.Series) bool {
	if !cfg.VolumeFilter {
		return true
	}
	vol := s.Volume[s.Len()-1]
	return vol >= cfg.MinVolume
}

// confirmed requires the predicate to hold on the last confirmationBars
// bars. confirmationBars <= 1 means only the last bar.
func confirmed(cfg config.StrategyConfig, n int, pred func(i int) bool) bool {
	bars := cfg.ConfirmationBars
	if bars < 1 {
		bars = 1
	}
	if bars > n {
		return false
	}
	for i := n - bars; i < n; i++ {
		if !pred(i) {
			return false
		}
	}
	return true
}

// strengthFromScore buckets a normalized 0..1 score.
func strengthFromScore(score float64) types.Strength {
	switch {
	case score >= 0.66:
		return types.StrengthStrong
	case score >= 0.33:
		return types.StrengthModerate
	}
	return types.StrengthWeak
}

// policyStop derives a protective stop from the configured policy: an
// ATR multiple below (above) entry for LONG (SHORT), or a fixed percent.
// Returns zero when the policy needs an undefined ATR.
func policyStop(side types.Side, entry decimal.Decimal, f Frame, policy config.StopPolicy) decimal.Decimal {
	var dist decimal.Decimal
	switch policy.Type {
	case "percent":
		dist = entry.Mul(decimal.NewFromFloat(policy.Percent))
	default: // atr
		atr := indicators.Last(f.Ind["atr"])
		if !indicators.Defined(atr) || atr <= 0 {
			return decimal.Zero
		}
		dist = decimal.NewFromFloat(atr * policy.ATRMultiplier)
	}
	if side == types.SideShort {
		return entry.Add(dist)
	}
	return entry.Sub(dist)
}

// policyTake mirrors the stop distance by the take/stop multiplier ratio
// for ATR policies, or applies a fixed percent.
func policyTake(side types.Side, entry, stop decimal.Decimal, stops config.StopsConfig) decimal.Decimal {
	var dist decimal.Decimal
	if stops.TakeProfit.Type == "percent" {
		dist = entry.Mul(decimal.NewFromFloat(stops.TakeProfit.Percent))
	} else {
		risk := entry.Sub(stop).Abs()
		if risk.IsZero() || stops.StopLoss.ATRMultiplier <= 0 {
			return decimal.Zero
		}
		ratio := stops.TakeProfit.ATRMultiplier / stops.StopLoss.ATRMultiplier
		dist = risk.Mul(decimal.NewFromFloat(ratio))
	}
	if side == types.SideShort {
		return entry.Sub(dist)
	}
	return entry.Add(dist)
}

// signalAt assembles a signal with stop/take attached from the policy.
func signalAt(s Strategy, f Frame, side types.Side, strength types.Strength, confidence float64, ts time.Time) types.Signal {
	entry := f.LastBar().Close
	stop := s.ComputeStop(side, entry, f)
	take := s.ComputeTake(side, entry, stop)
	return types.Signal{
		Symbol:         f.Symbol,
		Side:           side,
		Strength:       strength,
		StrategyID:     s.ID(),
		Confidence:     clamp01(confidence),
		SuggestedEntry: entry,
		SuggestedStop:  stop,
		SuggestedTake:  take,
		Timestamp:      ts,
	}
}

// hold is the explicit no-action signal.
func hold(id, symbol string, ts time.Time) types.Signal {
	return types.Signal{Symbol: symbol, Side: types.SideHold, Strength: types.StrengthWeak, StrategyID: id, Timestamp: ts}
}
