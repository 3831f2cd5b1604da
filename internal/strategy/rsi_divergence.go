package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// rsiDivergence looks for price/RSI divergences over a lookback window:
// price makes a lower low while RSI makes a higher low (bullish), or the
// mirror (bearish). Conservative mode tightens the RSI zone.
type rsiDivergence struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	rsiPeriod    int
	lookback     int
	minStrength  float64
	conservative bool
	atrPeriod    int
}

func newRSIDivergence(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &rsiDivergence{
		cfg:          cfg,
		stops:        stops,
		rsiPeriod:    int(param(cfg, "rsiPeriod", 14)),
		lookback:     int(param(cfg, "lookback", 20)),
		minStrength:  param(cfg, "minDivergenceStrength", 0.3),
		conservative: param(cfg, "conservative", 0) != 0,
		atrPeriod:    int(param(cfg, "atrPeriod", 14)),
	}
	if s.lookback < 4 {
		return nil, fmt.Errorf("lookback %d too small for divergence detection", s.lookback)
	}
	return s, nil
}

func (s *rsiDivergence) ID() string   { return IDRSIDivergence }
func (s *rsiDivergence) Peer() string { return "" }

func (s *rsiDivergence) Analyze(in Input) (Frame, error) {
	need := s.rsiPeriod + s.lookback + 1
	if len(in.Bars) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), need, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"rsi": indicators.RSI(series.Close, s.rsiPeriod),
			"atr": indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
		},
	}, nil
}

// divergence returns the normalized strength of a bullish (+) or bearish
// (-) divergence ending on the last bar, 0 when none.
func (s *rsiDivergence) divergence(f Frame) float64 {
	n := f.Series.Len()
	rsi := f.Ind["rsi"]
	low := f.Series.Low
	high := f.Series.High

	start := n - s.lookback
	// Prior extreme excludes the final two bars so the current pivot is
	// compared against an earlier one.
	lowIdx, highIdx := start, start
	for i := start; i < n-2; i++ {
		if low[i] < low[lowIdx] {
			lowIdx = i
		}
		if high[i] > high[highIdx] {
			highIdx = i
		}
	}
	last := n - 1
	if !indicators.Defined(rsi[last]) || !indicators.Defined(rsi[lowIdx]) || !indicators.Defined(rsi[highIdx]) {
		return 0
	}

	// Bullish: lower price low, higher RSI low.
	if low[last] < low[lowIdx] && rsi[last] > rsi[lowIdx] {
		return clamp01((rsi[last] - rsi[lowIdx]) / 20)
	}
	// Bearish: higher price high, lower RSI high.
	if high[last] > high[highIdx] && rsi[last] < rsi[highIdx] {
		return -clamp01((rsi[highIdx] - rsi[last]) / 20)
	}
	return 0
}

func (s *rsiDivergence) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	if !volumeOK(s.cfg, f.Series) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	rsi := indicators.Last(f.Ind["rsi"])
	if !indicators.Defined(rsi) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	div := s.divergence(f)
	strength := div
	if strength < 0 {
		strength = -strength
	}
	if strength < s.minStrength {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	bullZone, bearZone := 40.0, 60.0
	if s.conservative {
		bullZone, bearZone = 32.0, 68.0
	}
	if div > 0 && rsi < bullZone {
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(strength), 0.55+0.3*strength, ts)}
	}
	if div < 0 && rsi > bearZone {
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(strength), 0.55+0.3*strength, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func (s *rsiDivergence) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *rsiDivergence) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
