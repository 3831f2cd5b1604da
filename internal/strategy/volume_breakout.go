package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// volumeBreakout enters when the close clears the prior N-bar high on
// heavy volume with positive momentum and a non-extreme RSI. The
// advanced variant additionally requires money flow confirmation.
type volumeBreakout struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	lookback     int
	volThreshold float64
	rsiPeriod    int
	rsiMax       float64
	rsiMin       float64
	rocPeriod    int
	atrPeriod    int
	advanced     bool
	cmfPeriod    int
	cmfThreshold float64
}

func newVolumeBreakout(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &volumeBreakout{
		cfg:          cfg,
		stops:        stops,
		lookback:     int(param(cfg, "lookback", 20)),
		volThreshold: param(cfg, "volumeThreshold", 2.0),
		rsiPeriod:    int(param(cfg, "rsiPeriod", 14)),
		rsiMax:       param(cfg, "rsiMax", 75),
		rsiMin:       param(cfg, "rsiMin", 25),
		rocPeriod:    int(param(cfg, "rocPeriod", 10)),
		atrPeriod:    int(param(cfg, "atrPeriod", 14)),
		advanced:     param(cfg, "advanced", 0) != 0,
		cmfPeriod:    int(param(cfg, "cmfPeriod", 20)),
		cmfThreshold: param(cfg, "cmfThreshold", 0.05),
	}
	if s.lookback < 2 {
		return nil, fmt.Errorf("lookback %d too small", s.lookback)
	}
	return s, nil
}

func (s *volumeBreakout) ID() string   { return IDVolumeBreakout }
func (s *volumeBreakout) Peer() string { return "" }

func (s *volumeBreakout) Analyze(in Input) (Frame, error) {
	need := s.lookback + s.cmfPeriod
	if len(in.Bars) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), need, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	donchianHi, donchianLo := indicators.Donchian(series.High, series.Low, s.lookback)
	f := Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"donchianHi": donchianHi,
			"donchianLo": donchianLo,
			"rsi":        indicators.RSI(series.Close, s.rsiPeriod),
			"roc":        indicators.ROC(series.Close, s.rocPeriod),
			"atr":        indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
			"volRatio":   indicators.VolumeRatio(series.Volume, s.lookback),
		},
	}
	if s.advanced {
		f.Ind["cmf"] = indicators.CMF(series, s.cmfPeriod)
	}
	return f, nil
}

func (s *volumeBreakout) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	hi := indicators.Last(f.Ind["donchianHi"])
	lo := indicators.Last(f.Ind["donchianLo"])
	rsi := indicators.Last(f.Ind["rsi"])
	roc := indicators.Last(f.Ind["roc"])
	volRatio := indicators.Last(f.Ind["volRatio"])
	closePx := indicators.Last(f.Series.Close)

	if !volumeOK(s.cfg, f.Series) ||
		!indicators.Defined(hi) || !indicators.Defined(rsi) ||
		!indicators.Defined(roc) || !indicators.Defined(volRatio) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	if volRatio < s.volThreshold {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	if s.advanced {
		cmf := indicators.Last(f.Ind["cmf"])
		if !indicators.Defined(cmf) {
			return []types.Signal{hold(s.ID(), f.Symbol, ts)}
		}
		if closePx > hi && cmf < s.cmfThreshold {
			return []types.Signal{hold(s.ID(), f.Symbol, ts)}
		}
		if closePx < lo && cmf > -s.cmfThreshold {
			return []types.Signal{hold(s.ID(), f.Symbol, ts)}
		}
	}

	score := clamp01((volRatio - s.volThreshold) / s.volThreshold)
	if closePx > hi && roc > 0 && rsi < s.rsiMax {
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.58+0.25*score, ts)}
	}
	if closePx < lo && roc < 0 && rsi > s.rsiMin {
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.58+0.25*score, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func (s *volumeBreakout) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *volumeBreakout) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
