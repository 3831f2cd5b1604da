package strategy

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// momentum rides rate-of-change bursts in the direction of the medium
// trend, with an RSI guard against chasing exhausted moves.
type momentum struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	rocPeriod    int
	rocThreshold float64 // percent
	smaPeriod    int
	rsiPeriod    int
	rsiMax       float64
	rsiMin       float64
	atrPeriod    int
}

func newMomentum(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &momentum{
		cfg:          cfg,
		stops:        stops,
		rocPeriod:    int(param(cfg, "rocPeriod", 12)),
		rocThreshold: param(cfg, "rocThreshold", 1.5),
		smaPeriod:    int(param(cfg, "smaPeriod", 30)),
		rsiPeriod:    int(param(cfg, "rsiPeriod", 14)),
		rsiMax:       param(cfg, "rsiMax", 75),
		rsiMin:       param(cfg, "rsiMin", 25),
		atrPeriod:    int(param(cfg, "atrPeriod", 14)),
	}
	if s.rocThreshold <= 0 {
		return nil, fmt.Errorf("rocThreshold must be positive")
	}
	return s, nil
}

func (s *momentum) ID() string   { return IDMomentum }
func (s *momentum) Peer() string { return "" }

func (s *momentum) Analyze(in Input) (Frame, error) {
	need := s.smaPeriod + s.rocPeriod
	if len(in.Bars) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), need, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"roc": indicators.ROC(series.Close, s.rocPeriod),
			"sma": indicators.SMA(series.Close, s.smaPeriod),
			"rsi": indicators.RSI(series.Close, s.rsiPeriod),
			"atr": indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
		},
	}, nil
}

func (s *momentum) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	roc := indicators.Last(f.Ind["roc"])
	sma := indicators.Last(f.Ind["sma"])
	rsi := indicators.Last(f.Ind["rsi"])
	closePx := indicators.Last(f.Series.Close)

	if !volumeOK(s.cfg, f.Series) ||
		!indicators.Defined(roc) || !indicators.Defined(sma) || !indicators.Defined(rsi) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	n := f.Series.Len()
	rocs := f.Ind["roc"]
	score := clamp01((abs(roc) - s.rocThreshold) / s.rocThreshold)

	longOK := confirmed(s.cfg, n, func(i int) bool {
		return indicators.Defined(rocs[i]) && rocs[i] > s.rocThreshold
	})
	if longOK && closePx > sma && rsi < s.rsiMax {
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	shortOK := confirmed(s.cfg, n, func(i int) bool {
		return indicators.Defined(rocs[i]) && rocs[i] < -s.rocThreshold
	})
	if shortOK && closePx < sma && rsi > s.rsiMin {
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func abs(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}

func (s *momentum) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *momentum) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
