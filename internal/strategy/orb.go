package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// orb trades the opening range breakout: the high/low of the first
// rangeBars bars of the current session define the range; a later close
// beyond it on expanded volume is the entry. Entries stop after
// maxEntryBar bars into the session.
type orb struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	rangeBars   int
	maxEntryBar int
	volRatioMin float64
	volLookback int
	atrPeriod   int
}

func newORB(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	s := &orb{
		cfg:         cfg,
		stops:       stops,
		rangeBars:   int(param(cfg, "rangeBars", 1)),
		maxEntryBar: int(param(cfg, "maxEntryBar", 6)),
		volRatioMin: param(cfg, "volumeRatioMin", 1.3),
		volLookback: int(param(cfg, "volumeLookback", 20)),
		atrPeriod:   int(param(cfg, "atrPeriod", 14)),
	}
	if s.rangeBars < 1 {
		return nil, fmt.Errorf("rangeBars must be >= 1")
	}
	if s.maxEntryBar <= s.rangeBars {
		return nil, fmt.Errorf("maxEntryBar %d must exceed rangeBars %d", s.maxEntryBar, s.rangeBars)
	}
	return s, nil
}

func (s *orb) ID() string   { return IDORB }
func (s *orb) Peer() string { return "" }

func (s *orb) Analyze(in Input) (Frame, error) {
	need := s.volLookback + s.maxEntryBar
	if len(in.Bars) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars, have %d", s.ID(), need, len(in.Bars))
	}
	series := indicators.NewSeries(in.Bars)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Ind: map[string][]float64{
			"atr":      indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
			"volRatio": indicators.VolumeRatio(series.Volume, s.volLookback),
		},
	}, nil
}

// sessionStart returns the index of the first bar sharing the last
// bar's calendar day, or -1 when the whole window is one day.
func sessionStart(bars []types.Bar) int {
	last := bars[len(bars)-1].OpenTime
	ly, lm, ld := last.Date()
	for i := len(bars) - 1; i >= 0; i-- {
		y, m, d := bars[i].OpenTime.Date()
		if y != ly || m != lm || d != ld {
			return i + 1
		}
	}
	return -1
}

func (s *orb) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	volRatio := indicators.Last(f.Ind["volRatio"])
	if !volumeOK(s.cfg, f.Series) || !indicators.Defined(volRatio) || volRatio < s.volRatioMin {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	start := sessionStart(f.Series.Bars)
	if start < 0 {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	n := f.Series.Len()
	barOfDay := n - 1 - start
	// The range must be complete and the entry window still open.
	if barOfDay < s.rangeBars || barOfDay >= s.maxEntryBar {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	rangeHi, rangeLo := math.Inf(-1), math.Inf(1)
	for i := start; i < start+s.rangeBars; i++ {
		rangeHi = math.Max(rangeHi, f.Series.High[i])
		rangeLo = math.Min(rangeLo, f.Series.Low[i])
	}
	width := rangeHi - rangeLo
	closePx := indicators.Last(f.Series.Close)

	if closePx > rangeHi {
		score := 0.5
		if width > 0 {
			score = clamp01((closePx - rangeHi) / width)
		}
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	if closePx < rangeLo {
		score := 0.5
		if width > 0 {
			score = clamp01((rangeLo - closePx) / width)
		}
		return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	return []types.Signal{hold(s.ID(), f.Symbol, ts)}
}

func (s *orb) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *orb) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
