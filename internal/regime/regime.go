// Package regime classifies the market into one of seven regimes from
// index-proxy bars and derives per-strategy weights plus an overall
// aggressiveness scalar for the sizer.
package regime

import (
	"fmt"
	"sort"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/internal/strategy"
	"github.com/sagemont/trader/pkg/types"
)

// State is the detector's output for one cycle.
type State struct {
	Regime          types.Regime
	StrategyWeights map[string]float64 // strategyId -> [0,1]
	Aggressiveness  float64            // [0,1], 0 in CRISIS
}

// Detector classifies from proxy bars. Pure over its input; the engine
// feeds it one window per proxy per cycle.
type Detector struct {
	log *zap.Logger

	emaPeriod      int
	slopeLookback  int
	adxPeriod      int
	adxTrending    float64
	adxStrong      float64
	volPeriod      int
	volHighPct     float64
	volCrisisPct   float64
	crisisDrawdown float64
}

// NewDetector builds a detector with the standard thresholds.
func NewDetector(log *zap.Logger) *Detector {
	return &Detector{
		log:            log.Named("regime"),
		emaPeriod:      50,
		slopeLookback:  10,
		adxPeriod:      14,
		adxTrending:    22,
		adxStrong:      32,
		volPeriod:      20,
		volHighPct:     0.80,
		volCrisisPct:   0.97,
		crisisDrawdown: 0.12,
	}
}

// MinBars is the window length Classify needs per proxy.
func (d *Detector) MinBars() int {
	return d.emaPeriod + d.slopeLookback + 2*d.volPeriod
}

// severity orders regimes from most benign to most defensive; the
// classification across proxies takes the most defensive verdict.
var severity = map[types.Regime]int{
	types.RegimeStrongTrendUp:   0,
	types.RegimeWeakTrendUp:     1,
	types.RegimeRanging:         2,
	types.RegimeWeakTrendDown:   3,
	types.RegimeStrongTrendDown: 4,
	types.RegimeHighVolatility:  5,
	types.RegimeCrisis:          6,
}

// Classify folds per-proxy verdicts into one State. Proxies with too few
// bars are skipped with a warning; no usable proxy defaults to
// HIGH_VOLATILITY so sizing stays defensive rather than optimistic.
func (d *Detector) Classify(proxies map[string][]types.Bar) State {
	verdict := types.Regime("")
	for symbol, bars := range proxies {
		r, err := d.classifyOne(bars)
		if err != nil {
			d.log.Warn("proxy skipped", zap.String("proxy", symbol), zap.Error(err))
			continue
		}
		if verdict == "" || severity[r] > severity[verdict] {
			verdict = r
		}
	}
	if verdict == "" {
		d.log.Warn("no usable regime proxy, defaulting defensive")
		verdict = types.RegimeHighVolatility
	}
	return stateFor(verdict)
}

func (d *Detector) classifyOne(bars []types.Bar) (types.Regime, error) {
	if len(bars) < d.MinBars() {
		return "", fmt.Errorf("need %d bars, have %d", d.MinBars(), len(bars))
	}
	s := indicators.NewSeries(bars)

	// Proxy drawdown from the window high.
	peak := s.Close[0]
	for _, c := range s.Close {
		if c > peak {
			peak = c
		}
	}
	last := indicators.Last(s.Close)
	if peak > 0 && (peak-last)/peak >= d.crisisDrawdown {
		return types.RegimeCrisis, nil
	}

	// Realized volatility percentile over the window's own history.
	rv := indicators.RealizedVol(s.Close, d.volPeriod)
	current := indicators.Last(rv)
	history := make([]float64, 0, len(rv))
	for _, v := range rv {
		if indicators.Defined(v) {
			history = append(history, v)
		}
	}
	if indicators.Defined(current) && current > 0 && len(history) > 4 {
		sort.Float64s(history)
		if current >= stat.Quantile(d.volCrisisPct, stat.Empirical, history, nil) {
			return types.RegimeCrisis, nil
		}
		if current >= stat.Quantile(d.volHighPct, stat.Empirical, history, nil) {
			return types.RegimeHighVolatility, nil
		}
	}

	ema := indicators.EMA(s.Close, d.emaPeriod)
	n := len(ema)
	prior := ema[n-1-d.slopeLookback]
	slope := 0.0
	if indicators.Defined(prior) && prior > 0 {
		slope = (ema[n-1] - prior) / prior
	}

	adx := indicators.Last(indicators.ADX(s.High, s.Low, s.Close, d.adxPeriod))
	if !indicators.Defined(adx) || adx < d.adxTrending {
		return types.RegimeRanging, nil
	}
	strong := adx >= d.adxStrong
	switch {
	case slope > 0 && strong:
		return types.RegimeStrongTrendUp, nil
	case slope > 0:
		return types.RegimeWeakTrendUp, nil
	case slope < 0 && strong:
		return types.RegimeStrongTrendDown, nil
	case slope < 0:
		return types.RegimeWeakTrendDown, nil
	}
	return types.RegimeRanging, nil
}

// stateFor maps a regime to its strategy weights and aggressiveness.
// CRISIS zeroes everything: only exits trade.
func stateFor(r types.Regime) State {
	weights := func(vals map[string]float64) map[string]float64 {
		out := make(map[string]float64, len(vals))
		for id, w := range vals {
			out[id] = w
		}
		return out
	}
	switch r {
	case types.RegimeStrongTrendUp:
		return State{Regime: r, Aggressiveness: 1.0, StrategyWeights: weights(map[string]float64{
			strategy.IDEMACross: 1.0, strategy.IDMomentum: 1.0, strategy.IDVolumeBreakout: 0.9,
			strategy.IDORB: 0.8, strategy.IDVWAP: 0.7, strategy.IDPairs: 0.5,
			strategy.IDRSIDivergence: 0.4, strategy.IDBollinger: 0.3,
		})}
	case types.RegimeWeakTrendUp:
		return State{Regime: r, Aggressiveness: 0.8, StrategyWeights: weights(map[string]float64{
			strategy.IDEMACross: 0.9, strategy.IDMomentum: 0.8, strategy.IDVolumeBreakout: 0.8,
			strategy.IDORB: 0.7, strategy.IDVWAP: 0.8, strategy.IDPairs: 0.6,
			strategy.IDRSIDivergence: 0.5, strategy.IDBollinger: 0.5,
		})}
	case types.RegimeRanging:
		return State{Regime: r, Aggressiveness: 0.7, StrategyWeights: weights(map[string]float64{
			strategy.IDBollinger: 1.0, strategy.IDPairs: 1.0, strategy.IDVWAP: 0.9,
			strategy.IDRSIDivergence: 0.9, strategy.IDORB: 0.6, strategy.IDVolumeBreakout: 0.5,
			strategy.IDEMACross: 0.4, strategy.IDMomentum: 0.3,
		})}
	case types.RegimeWeakTrendDown:
		return State{Regime: r, Aggressiveness: 0.5, StrategyWeights: weights(map[string]float64{
			strategy.IDEMACross: 0.7, strategy.IDMomentum: 0.7, strategy.IDRSIDivergence: 0.7,
			strategy.IDVWAP: 0.6, strategy.IDBollinger: 0.6, strategy.IDPairs: 0.6,
			strategy.IDVolumeBreakout: 0.4, strategy.IDORB: 0.4,
		})}
	case types.RegimeStrongTrendDown:
		return State{Regime: r, Aggressiveness: 0.6, StrategyWeights: weights(map[string]float64{
			strategy.IDEMACross: 0.9, strategy.IDMomentum: 0.9, strategy.IDVolumeBreakout: 0.6,
			strategy.IDRSIDivergence: 0.5, strategy.IDVWAP: 0.5, strategy.IDPairs: 0.4,
			strategy.IDBollinger: 0.3, strategy.IDORB: 0.4,
		})}
	case types.RegimeHighVolatility:
		return State{Regime: r, Aggressiveness: 0.4, StrategyWeights: weights(map[string]float64{
			strategy.IDBollinger: 0.6, strategy.IDRSIDivergence: 0.6, strategy.IDPairs: 0.6,
			strategy.IDVWAP: 0.5, strategy.IDEMACross: 0.4, strategy.IDMomentum: 0.4,
			strategy.IDVolumeBreakout: 0.3, strategy.IDORB: 0.3,
		})}
	}
	// CRISIS
	return State{Regime: types.RegimeCrisis, Aggressiveness: 0, StrategyWeights: map[string]float64{}}
}
