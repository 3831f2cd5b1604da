package consensus

import (
	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/sagemont/trader/internal/clock"
	"github.com/sagemont/trader/internal/indicators"
	"github.com/sagemont/trader/pkg/types"
)

// Factors is the enhancer's bounded multiplier breakdown, kept separate
// so audit records can show each contribution.
type Factors struct {
	Volume      float64 // [0.85, 1.15]
	Correlation float64 // [0.88, 1.12]
	Confluence  float64 // [0.80, 1.20]
	Timing      float64 // [0.85, 1.15]
}

// Product is the combined confidence multiplier.
func (f Factors) Product() float64 {
	return f.Volume * f.Correlation * f.Confluence * f.Timing
}

// Enhancer scores intents by independent bounded factors: volume
// confirmation, market correlation, technical confluence from
// indicators the originating strategies did not use, and timing.
type Enhancer struct {
	session  clock.Session
	volFloor float64 // volume ratio the volume factor is neutral at
	corrLen  int
	log      *zap.Logger
}

// NewEnhancer builds the enhancer over the trading session.
func NewEnhancer(session clock.Session, log *zap.Logger) *Enhancer {
	return &Enhancer{
		session:  session,
		volFloor: 1.0,
		corrLen:  20,
		log:      log.Named("enhancer"),
	}
}

// Score computes all four factors for one intent.
func (e *Enhancer) Score(ctx Context, intent types.TradeIntent) Factors {
	bars := ctx.Bars[intent.Symbol]
	f := Factors{
		Volume:      e.volumeFactor(bars),
		Correlation: e.correlationFactor(intent.Side, bars, ctx.Proxy),
		Confluence:  e.confluenceFactor(intent.Side, bars),
		Timing:      e.timingFactor(ctx),
	}
	e.log.Debug("enhancer factors",
		zap.String("symbol", intent.Symbol),
		zap.Float64("volume", f.Volume),
		zap.Float64("correlation", f.Correlation),
		zap.Float64("confluence", f.Confluence),
		zap.Float64("timing", f.Timing))
	return f
}

func bound(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// volumeFactor rewards volume ratios above the neutral floor, up to
// plus or minus 15 percent.
func (e *Enhancer) volumeFactor(bars []types.Bar) float64 {
	if len(bars) < 21 {
		return 1.0
	}
	s := indicators.NewSeries(bars)
	ratio := indicators.Last(indicators.VolumeRatio(s.Volume, 20))
	if !indicators.Defined(ratio) {
		return 1.0
	}
	return bound(1+0.15*(ratio-e.volFloor)/e.volFloor, 0.85, 1.15)
}

// correlationFactor penalizes entries aligned with a strongly correlated
// proxy moving against them, up to plus or minus 12 percent.
func (e *Enhancer) correlationFactor(side types.Side, bars, proxy []types.Bar) float64 {
	n := e.corrLen + 1
	if len(bars) < n || len(proxy) < n {
		return 1.0
	}
	rs := tailReturns(bars, e.corrLen)
	rp := tailReturns(proxy, e.corrLen)
	corr := stat.Correlation(rs, rp, nil)
	if corr != corr { // NaN
		return 1.0
	}

	// Proxy direction over the same window.
	ps := indicators.NewSeries(proxy)
	first := ps.Close[len(ps.Close)-e.corrLen]
	last := indicators.Last(ps.Close)
	if first <= 0 {
		return 1.0
	}
	proxyMove := (last - first) / first

	dir := 1.0
	if proxyMove < 0 {
		dir = -1.0
	}
	sideSign := 1.0
	if side == types.SideShort {
		sideSign = -1.0
	}
	// Aligned proxy move helps, opposed hurts, scaled by correlation.
	return bound(1+0.12*corr*dir*sideSign, 0.88, 1.12)
}

func tailReturns(bars []types.Bar, n int) []float64 {
	s := indicators.NewSeries(bars)
	rets := indicators.Returns(s.Close)
	out := make([]float64, n)
	copy(out, rets[len(rets)-n:])
	for i, v := range out {
		if !indicators.Defined(v) {
			out[i] = 0
		}
	}
	return out
}

// confluenceFactor polls indicators outside the strategy set: MACD
// histogram, OBV slope, and the medium EMA slope. Agreement adds up to
// 20 percent, disagreement subtracts it.
func (e *Enhancer) confluenceFactor(side types.Side, bars []types.Bar) float64 {
	if len(bars) < 40 {
		return 1.0
	}
	s := indicators.NewSeries(bars)
	sideSign := 1.0
	if side == types.SideShort {
		sideSign = -1.0
	}

	score, votes := 0.0, 0.0

	_, _, hist := indicators.MACD(s.Close, 12, 26, 9)
	if h := indicators.Last(hist); indicators.Defined(h) && h != 0 {
		votes++
		if h*sideSign > 0 {
			score++
		} else {
			score--
		}
	}

	obv := indicators.OBV(s.Close, s.Volume)
	if len(obv) > 5 {
		slope := obv[len(obv)-1] - obv[len(obv)-6]
		if slope != 0 {
			votes++
			if slope*sideSign > 0 {
				score++
			} else {
				score--
			}
		}
	}

	ema := indicators.EMA(s.Close, 20)
	n := len(ema)
	if n > 5 && indicators.Defined(ema[n-1]) && indicators.Defined(ema[n-6]) {
		slope := ema[n-1] - ema[n-6]
		if slope != 0 {
			votes++
			if slope*sideSign > 0 {
				score++
			} else {
				score--
			}
		}
	}

	if votes == 0 {
		return 1.0
	}
	return bound(1+0.2*score/votes, 0.80, 1.20)
}

// timingFactor discounts the open's noise and late entries near the
// close; mid-morning entries get a small premium.
func (e *Enhancer) timingFactor(ctx Context) float64 {
	sinceOpen := e.session.MinutesSinceOpen(ctx.Now)
	toClose := e.session.MinutesToClose(ctx.Now)
	switch {
	case toClose <= 45:
		return 0.85
	case sinceOpen >= 0 && sinceOpen < 30:
		return 0.90
	case sinceOpen >= 30 && sinceOpen <= 180:
		return 1.10
	}
	return 1.0
}
