package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// emaCross goes LONG when the fast EMA crosses above the slow EMA with
// RSI, volume ratio, and trend-EMA gates; SHORT is the mirror. Strength
// scales with the EMA spread normalized by ATR.
type emaCross struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	fast, slow, trend int
	rsiPeriod         int
	rsiOverbought     float64
	rsiOversold       float64
	volRatioMin       float64
	volLookback       int
	atrPeriod         int
}

func newEMACross(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &emaCross{
		cfg:           cfg,
		stops:         stops,
		fast:          int(param(cfg, "fastPeriod", 9)),
		slow:          int(param(cfg, "slowPeriod", 21)),
		trend:         int(param(cfg, "trendPeriod", 50)),
		rsiPeriod:     int(param(cfg, "rsiPeriod", 14)),
		rsiOverbought: param(cfg, "rsiOverbought", 70),
		rsiOversold:   param(cfg, "rsiOversold", 30),
		volRatioMin:   param(cfg, "volumeRatioMin", 1.2),
		volLookback:   int(param(cfg, "volumeLookback", 20)),
		atrPeriod:     int(param(cfg, "atrPeriod", 14)),
	}
	if s.fast >= s.slow {
		return nil, fmt.Errorf("fastPeriod %d must be below slowPeriod %d", s.fast, s.slow)
	}
	return s, nil
}

func (s *emaCross) ID() string   { return IDEMACross }
func (s *emaCross) Peer() string { return "" }

func (s *emaCross) Analyze(in Input) (Frame, error) {
	if len(in.Bars) < s.trend+1 {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), s.trend+1, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"fast":     indicators.EMA(series.Close, s.fast),
			"slow":     indicators.EMA(series.Close, s.slow),
			"trend":    indicators.EMA(series.Close, s.trend),
			"rsi":      indicators.RSI(series.Close, s.rsiPeriod),
			"atr":      indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
			"volRatio": indicators.VolumeRatio(series.Volume, s.volLookback),
		},
	}, nil
}

func (s *emaCross) GenerateSignals(f Frame) []types.Signal {
	last := f.LastBar()
	ts := last.OpenTime

	if !volumeOK(s.cfg, f.Series) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	rsi := indicators.Last(f.Ind["rsi"])
	trend := indicators.Last(f.Ind["trend"])
	atr := indicators.Last(f.Ind["atr"])
	volRatio := indicators.Last(f.Ind["volRatio"])
	closePx := indicators.Last(f.Series.Close)
	if !indicators.Defined(rsi) || !indicators.Defined(trend) || !indicators.Defined(atr) || !indicators.Defined(volRatio) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	if volRatio < s.volRatioMin {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	spread := indicators.Last(f.Ind["fast"]) - indicators.Last(f.Ind["slow"])
	score := 0.0
	if atr > 0 {
		score = clamp01(math.Abs(spread) / atr)
	}

	if indicators.CrossedAbove(f.Ind["fast"], f.Ind["slow"]) && rsi < s.rsiOverbought && closePx > trend {
		conf := 0.55 + 0.3*score
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), conf, ts)}
	}
	if indicators.CrossedBelow(f.Ind["fast"], f.Ind["slow"]) && rsi > s.rsiOversold && closePx < trend {
		conf := 0.55 + 0.3*score
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), conf, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func (s *emaCross) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *emaCross) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
