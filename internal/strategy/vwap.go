package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// vwapStrategy trades around the session VWAP. Cross mode enters when
// price has just crossed above VWAP within a distance band; the
// mean-reversion variant fades stretched moves back toward VWAP.
type vwapStrategy struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	minDist       float64 // fraction of VWAP
	maxDist       float64
	rsiPeriod     int
	rsiOverbought float64
	rsiOversold   float64
	volRatioMin   float64
	volLookback   int
	atrPeriod     int
	meanReversion bool
}

func newVWAP(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &vwapStrategy{
		cfg:           cfg,
		stops:         stops,
		minDist:       param(cfg, "minDistPercent", 0.1) / 100,
		maxDist:       param(cfg, "maxDistPercent", 1.0) / 100,
		rsiPeriod:     int(param(cfg, "rsiPeriod", 14)),
		rsiOverbought: param(cfg, "rsiOverbought", 70),
		rsiOversold:   param(cfg, "rsiOversold", 30),
		volRatioMin:   param(cfg, "volumeRatioMin", 1.0),
		volLookback:   int(param(cfg, "volumeLookback", 20)),
		atrPeriod:     int(param(cfg, "atrPeriod", 14)),
		meanReversion: param(cfg, "meanReversion", 0) != 0,
	}
	if s.minDist >= s.maxDist {
		return nil, fmt.Errorf("minDistPercent must be below maxDistPercent")
	}
	return s, nil
}

func (s *vwapStrategy) ID() string   { return IDVWAP }
func (s *vwapStrategy) Peer() string { return "" }

func (s *vwapStrategy) Analyze(in Input) (Frame, error) {
	need := s.rsiPeriod + s.volLookback
	if len(in.Bars) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), need, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"vwap":     indicators.VWAP(series),
			"rsi":      indicators.RSI(series.Close, s.rsiPeriod),
			"atr":      indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
			"volRatio": indicators.VolumeRatio(series.Volume, s.volLookback),
		},
	}, nil
}

func (s *vwapStrategy) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	vwap := indicators.Last(f.Ind["vwap"])
	rsi := indicators.Last(f.Ind["rsi"])
	volRatio := indicators.Last(f.Ind["volRatio"])
	closePx := indicators.Last(f.Series.Close)

	if !volumeOK(s.cfg, f.Series) ||
		!indicators.Defined(vwap) || !indicators.Defined(rsi) || !indicators.Defined(volRatio) ||
		vwap <= 0 || volRatio < s.volRatioMin {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	dist := (closePx - vwap) / vwap

	if s.meanReversion {
		// Fade a stretch below VWAP when momentum is washed out.
		if dist < -s.minDist && dist > -s.maxDist && rsi < s.rsiOversold {
			score := clamp01(-dist / s.maxDist)
			return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.55+0.25*score, ts)}
		}
		if dist > s.minDist && dist < s.maxDist && rsi > s.rsiOverbought {
			score := clamp01(dist / s.maxDist)
			return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.55+0.25*score, ts)}
		}
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	if indicators.CrossedAbove(f.Series.Close, f.Ind["vwap"]) &&
		dist >= s.minDist && dist <= s.maxDist && rsi < s.rsiOverbought {
		score := clamp01(1 - dist/s.maxDist)
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	if indicators.CrossedBelow(f.Series.Close, f.Ind["vwap"]) &&
		dist <= -s.minDist && dist >= -s.maxDist && rsi > s.rsiOversold {
		score := clamp01(1 + dist/s.maxDist)
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func (s *vwapStrategy) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *vwapStrategy) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
