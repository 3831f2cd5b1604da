package strategy

import (
	"fmt"
	"math"

	"github.com/shopspring/decimal"
	"gonum.org/v1/gonum/stat"

	"github.com/sagemont/trader/internal/config"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// pairs trades the z-score of the price ratio against a configured peer:
// LONG the symbol when the ratio is stretched below its rolling mean,
// SHORT when stretched above. Requires peer bars in the input.
type pairs struct {
	cfg   config.StrategyConfig
	stops config.StopsConfig

	lookback  int
	zEntry    float64
	zMax      float64
	atrPeriod int
}

func newPairs(cfg config.StrategyConfig, stops config.StopsConfig) (Strategy, error) {
	if cfg.Peer == "" {
		return nil, fmt.Errorf("pairs strategy requires a peer symbol")
	}
	s := &pairs{
		cfg:       cfg,
		stops:     stops,
		lookback:  int(param(cfg, "lookback", 40)),
		zEntry:    param(cfg, "zEntry", 2.0),
		zMax:      param(cfg, "zMax", 4.0),
		atrPeriod: int(param(cfg, "atrPeriod", 14)),
	}
	if s.zEntry <= 0 || s.zMax <= s.zEntry {
		return nil, fmt.Errorf("need 0 < zEntry < zMax, got %v / %v", s.zEntry, s.zMax)
	}
	return s, nil
}

func (s *pairs) ID() string   { return IDPairs }
func (s *pairs) Peer() string { return s.cfg.Peer }

func (s *pairs) Analyze(in Input) (Frame, error) {
	if len(in.Peer) == 0 {
		return Frame{}, fmt.Errorf("%s: no bars for peer %s", s.ID(), s.cfg.Peer)
	}
	need := s.lookback + 1
	if len(in.Bars) < need || len(in.Peer) < need {
		return Frame{}, fmt.Errorf("%s: need %d bars on both legs", s.ID(), need)
	}
	series := indicators.NewSeries(in.Bars)
	peer := indicators.NewSeries(in.Peer)
	return Frame{
		Symbol: in.Symbol,
		Series: series,
		Peer:   peer,
		Ind: map[string][]float64{
			"atr": indicators.ATR(series.High, series.Low, series.Close, s.atrPeriod),
		},
	}, nil
}

// zScore computes the current ratio z-score over the lookback window,
// aligning the two legs from their tails.
func (s *pairs) zScore(f Frame) (float64, bool) {
	n := f.Series.Len()
	m := f.Peer.Len()
	w := s.lookback
	if n < w || m < w {
		return 0, false
	}
	ratios := make([]float64, w)
	for i := 0; i < w; i++ {
		a := f.Series.Close[n-w+i]
		b := f.Peer.Close[m-w+i]
		if b == 0 {
			return 0, false
		}
		ratios[i] = a / b
	}
	mean, std := stat.MeanStdDev(ratios, nil)
	if std == 0 || math.IsNaN(std) {
		return 0, false
	}
	return (ratios[w-1] - mean) / std, true
}

func (s *pairs) GenerateSignals(f Frame) []types.Signal {
	ts := f.LastBar().OpenTime
	if !volumeOK(s.cfg, f.Series) {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	z, ok := s.zScore(f)
	if !ok {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}

	// Beyond zMax the relationship is assumed broken, not stretched.
	if math.Abs(z) < s.zEntry || math.Abs(z) > s.zMax {
		return []types.Signal{hold(s.ID(), f.Symbol, ts)}
	}
	score := clamp01((math.Abs(z) - s.zEntry) / (s.zMax - s.zEntry))
	if z < 0 {
		return []types.Signal{signalAt(s, f, types.SideLong, strengthFromScore(score), 0.55+0.25*score, ts)}
	}
	return []types.Signal{signalAt(s, f, types.SideShort, strengthFromScore(score), 0.55+0.25*score, ts)}
}

func (s *pairs) ComputeStop(side types.Side, entry decimal.Decimal, f Frame) decimal.Decimal {
	return policyStop(side, entry, f, s.stops.StopLoss)
}

func (s *pairs) ComputeTake(side types.Side, entry, stop decimal.Decimal) decimal.Decimal {
	return policyTake(side, entry, stop, s.stops)
}
