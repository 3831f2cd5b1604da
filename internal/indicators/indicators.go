// Package indicators provides pure, deterministic indicator functions over
// bar sequences. Every function returns a series aligned to its input;
// the undefined warmup region is math.NaN, never a silent zero.
package indicators

import (
	"math"

	"github.com/markcheno/go-talib"

	"github.com/sagemont/trader/pkg/types"
)

// Series carries the float64 views of a bar window used by indicator math.
type Series struct {
	Open   []float64
	High   []float64
	Low    []float64
	Close  []float64
	Volume []float64
	Bars   []types.Bar
}

// NewSeries extracts float views from bars. Decimal exactness is preserved
// in the bars themselves; indicator math runs on floats.
func NewSeries(bars []types.Bar) Series {
	s := Series{
		Open:   make([]float64, len(bars)),
		High:   make([]float64, len(bars)),
		Low:    make([]float64, len(bars)),
		Close:  make([]float64, len(bars)),
		Volume: make([]float64, len(bars)),
		Bars:   bars,
	}
	for i, b := range bars {
		s.Open[i], _ = b.Open.Float64()
		s.High[i], _ = b.High.Float64()
		s.Low[i], _ = b.Low.Float64()
		s.Close[i], _ = b.Close.Float64()
		s.Volume[i], _ = b.Volume.Float64()
	}
	return s
}

// Len returns the number of bars in the series.
func (s Series) Len() int { return len(s.Close) }

// markWarmup overwrites the leading n values with NaN. talib zero-fills
// its warmup region, which is indistinguishable from a real zero.
func markWarmup(vals []float64, n int) []float64 {
	if n > len(vals) {
		n = len(vals)
	}
	for i := 0; i < n; i++ {
		vals[i] = math.NaN()
	}
	return vals
}

// Defined reports whether v is a usable indicator value.
func Defined(v float64) bool { return !math.IsNaN(v) }

// EMA returns the n-period exponential moving average.
func EMA(close []float64, n int) []float64 {
	if len(close) < n {
		return markWarmup(make([]float64, len(close)), len(close))
	}
	return markWarmup(talib.Ema(close, n), n-1)
}

// SMA returns the n-period simple moving average.
func SMA(close []float64, n int) []float64 {
	if len(close) < n {
		return markWarmup(make([]float64, len(close)), len(close))
	}
	return markWarmup(talib.Sma(close, n), n-1)
}

// RSI returns the n-period relative strength index.
func RSI(close []float64, n int) []float64 {
	if len(close) <= n {
		return markWarmup(make([]float64, len(close)), len(close))
	}
	return markWarmup(talib.Rsi(close, n), n)
}

// MACD returns the MACD line, signal line, and histogram.
func MACD(close []float64, fast, slow, signal int) (macd, sig, hist []float64) {
	if len(close) < slow+signal {
		nan := markWarmup(make([]float64, len(close)), len(close))
		out := func() []float64 { c := make([]float64, len(nan)); copy(c, nan); return c }
		return out(), out(), out()
	}
	macd, sig, hist = talib.Macd(close, fast, slow, signal)
	warm := slow + signal - 2
	return markWarmup(macd, warm), markWarmup(sig, warm), markWarmup(hist, warm)
}

// BollingerBands returns the upper, middle, and lower bands using an
// SMA basis and sigma standard deviations.
func BollingerBands(close []float64, n int, sigma float64) (upper, middle, lower []float64) {
	if len(close) < n {
		nan := func() []float64 { return markWarmup(make([]float64, len(close)), len(close)) }
		return nan(), nan(), nan()
	}
	upper, middle, lower = talib.BBands(close, n, sigma, sigma, talib.SMA)
	return markWarmup(upper, n-1), markWarmup(middle, n-1), markWarmup(lower, n-1)
}

// ATR returns the n-period average true range.
func ATR(high, low, close []float64, n int) []float64 {
	if len(close) <= n {
		return markWarmup(make([]float64, len(close)), len(close))
	}
	return markWarmup(talib.Atr(high, low, close, n), n)
}

// ADX returns the n-period average directional index.
func ADX(high, low, close []float64, n int) []float64 {
	warm := 2 * n
	if len(close) <= warm {
		return markWarmup(make([]float64, len(close)), len(close))
	}
	return markWarmup(talib.Adx(high, low, close, n), warm-1)
}

// OBV returns on-balance volume.
func OBV(close, volume []float64) []float64 {
	if len(close) == 0 {
		return nil
	}
	return talib.Obv(close, volume)
}

// AD returns the accumulation/distribution line.
func AD(high, low, close, volume []float64) []float64 {
	if len(close) == 0 {
		return nil
	}
	return talib.Ad(high, low, close, volume)
}

// ROC returns the n-period rate of change in percent.
func ROC(close []float64, n int) []float64 {
	if len(close) <= n {
		return markWarmup(make([]float64, len(close)), len(close))
	}
	return markWarmup(talib.Roc(close, n), n)
}

// VWAP returns the session-reset volume-weighted average price. The
// accumulation restarts whenever a bar opens on a new calendar day in
// the bar's own location. Bars with zero cumulative volume yield NaN.
func VWAP(s Series) []float64 {
	out := make([]float64, s.Len())
	var cumPV, cumV float64
	for i, b := range s.Bars {
		if i > 0 && !sameSession(s.Bars[i-1], b) {
			cumPV, cumV = 0, 0
		}
		typical := (s.High[i] + s.Low[i] + s.Close[i]) / 3
		cumPV += typical * s.Volume[i]
		cumV += s.Volume[i]
		if cumV <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = cumPV / cumV
	}
	return out
}

func sameSession(a, b types.Bar) bool {
	ay, am, ad := a.OpenTime.Date()
	by, bm, bd := b.OpenTime.Date()
	return ay == by && am == bm && ad == bd
}

// CMF returns the n-period Chaikin money flow.
func CMF(s Series, n int) []float64 {
	out := make([]float64, s.Len())
	mfv := make([]float64, s.Len())
	for i := range s.Bars {
		rng := s.High[i] - s.Low[i]
		if rng <= 0 {
			mfv[i] = 0
		} else {
			mult := ((s.Close[i] - s.Low[i]) - (s.High[i] - s.Close[i])) / rng
			mfv[i] = mult * s.Volume[i]
		}
	}
	var sumMFV, sumVol float64
	for i := range out {
		sumMFV += mfv[i]
		sumVol += s.Volume[i]
		if i >= n {
			sumMFV -= mfv[i-n]
			sumVol -= s.Volume[i-n]
		}
		if i < n-1 || sumVol <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sumMFV / sumVol
	}
	return out
}

// Donchian returns the highest high and lowest low of the prior n bars,
// excluding the current bar so breakouts compare close against it.
func Donchian(high, low []float64, n int) (hi, lo []float64) {
	hi = make([]float64, len(high))
	lo = make([]float64, len(low))
	for i := range high {
		if i < n {
			hi[i], lo[i] = math.NaN(), math.NaN()
			continue
		}
		h, l := math.Inf(-1), math.Inf(1)
		for j := i - n; j < i; j++ {
			h = math.Max(h, high[j])
			l = math.Min(l, low[j])
		}
		hi[i], lo[i] = h, l
	}
	return hi, lo
}

// VolumeMean returns the n-period rolling mean of volume.
func VolumeMean(volume []float64, n int) []float64 {
	out := make([]float64, len(volume))
	var sum float64
	for i := range volume {
		sum += volume[i]
		if i >= n {
			sum -= volume[i-n]
		}
		if i < n-1 {
			out[i] = math.NaN()
			continue
		}
		out[i] = sum / float64(n)
	}
	return out
}

// VolumeRatio returns current volume over its n-period rolling mean,
// excluding the current bar from the mean.
func VolumeRatio(volume []float64, n int) []float64 {
	out := make([]float64, len(volume))
	for i := range volume {
		if i < n {
			out[i] = math.NaN()
			continue
		}
		var sum float64
		for j := i - n; j < i; j++ {
			sum += volume[j]
		}
		mean := sum / float64(n)
		if mean <= 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = volume[i] / mean
	}
	return out
}

// Returns computes simple bar-over-bar returns; index 0 is NaN.
func Returns(close []float64) []float64 {
	out := make([]float64, len(close))
	for i := range close {
		if i == 0 || close[i-1] == 0 {
			out[i] = math.NaN()
			continue
		}
		out[i] = close[i]/close[i-1] - 1
	}
	return out
}

// RealizedVol returns the rolling n-period standard deviation of returns.
func RealizedVol(close []float64, n int) []float64 {
	rets := Returns(close)
	out := make([]float64, len(close))
	for i := range out {
		if i < n {
			out[i] = math.NaN()
			continue
		}
		var sum, sumSq float64
		for j := i - n + 1; j <= i; j++ {
			sum += rets[j]
			sumSq += rets[j] * rets[j]
		}
		mean := sum / float64(n)
		variance := sumSq/float64(n) - mean*mean
		if variance < 0 {
			variance = 0
		}
		out[i] = math.Sqrt(variance)
	}
	return out
}

// Last returns the final value of a series, NaN for an empty series.
func Last(vals []float64) float64 {
	if len(vals) == 0 {
		return math.NaN()
	}
	return vals[len(vals)-1]
}

// CrossedAbove reports whether a crossed above b on the final bar.
func CrossedAbove(a, b []float64) bool {
	n := len(a)
	if n < 2 || len(b) != n {
		return false
	}
	if !Defined(a[n-2]) || !Defined(b[n-2]) || !Defined(a[n-1]) || !Defined(b[n-1]) {
		return false
	}
	return a[n-2] <= b[n-2] && a[n-1] > b[n-1]
}

// CrossedBelow reports whether a crossed below b on the final bar.
func CrossedBelow(a, b []float64) bool {
	n := len(a)
	if n < 2 || len(b) != n {
		return false
	}
	if !Defined(a[n-2]) || !Defined(b[n-2]) || !Defined(a[n-1]) || !Defined(b[n-1]) {
		return false
	}
	return a[n-2] >= b[n-2] && a[n-1] < b[n-1]
}
