package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// bollinger fades closes outside the bands back toward the middle: LONG
// below the lower band with a washed-out RSI, SHORT above the upper band
// with an overheated RSI.
type bollinger struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	period        int
	sigma         float64
	rsiPeriod     int
	rsiOversold   float64
	rsiOverbought float64
	atrPeriod     int
}

func newBollinger(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &bollinger{
		cfg:           cfg,
		stops:         stops,
		period:        int(param(cfg, "period", 20)),
		sigma:         param(cfg, "sigma", 2.0),
		rsiPeriod:     int(param(cfg, "rsiPeriod", 14)),
		rsiOversold:   param(cfg, "rsiOversold", 30),
		rsiOverbought: param(cfg, "rsiOverbought", 70),
		atrPeriod:     int(param(cfg, "atrPeriod", 14)),
	}
	if s.sigma <= 0 {
		return nil, fmt.Errorf("sigma must be positive")
	}
	return s, nil
}

func (s *bollinger) ID() string   { return IDBollinger }
func (s *bollinger) Peer() string { return "" }

func (s *bollinger) Analyze(in Input) (Frame, error) {
	need := s.period + s.rsiPeriod
	if len(in.Bars) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), need, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	upper, middle, lower := indicators.BollingerBands(series.Close, s.period, s.sigma)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"upper":  upper,
			"middle": middle,
			"lower":  lower,
			"rsi":    indicators.RSI(series.Close, s.rsiPeriod),
			"atr":    indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
		},
	}, nil
}

func (s *bollinger) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	upper := indicators.Last(f.Ind["upper"])
	middle := indicators.Last(f.Ind["middle"])
	lower := indicators.Last(f.Ind["lower"])
	rsi := indicators.Last(f.Ind["rsi"])
	closePx := indicators.Last(f.Series.Close)

	if !volumeOK(s.cfg, f.Series) ||
		!indicators.Defined(upper) || !indicators.Defined(rsi) || middle <= 0 {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	width := upper - lower
	if width <= 0 {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	if closePx < lower && rsi < s.rsiOversold {
		score := clamp01((lower - closePx) / width)
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	if closePx > upper && rsi > s.rsiOverbought {
		score := clamp01((closePx - upper) / width)
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func (s *bollinger) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *bollinger) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
