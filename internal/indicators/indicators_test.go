package indicators

import (
	"math"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/sagemont/trader/pkg/types"
)

func barAt(t time.Time, o, h, l, c, v float64) types.Bar {
	return types.Bar{
		Symbol:    "TEST",
		Timeframe: types.Timeframe30m,
		OpenTime:  t,
		Open:      decimal.NewFromFloat(o),
		High:      decimal.NewFromFloat(h),
		Low:       decimal.NewFromFloat(l),
		Close:     decimal.NewFromFloat(c),
		Volume:    decimal.NewFromFloat(v),
	}
}

func flatBars(n int, price, vol float64) []types.Bar {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, n)
	for i := range bars {
		bars[i] = barAt(start.Add(time.Duration(i)*30*time.Minute), price, price, price, price, vol)
	}
	return bars
}

func TestSMAWarmupIsNaN(t *testing.T) {
	s := NewSeries(flatBars(10, 100, 1000))
	sma := SMA(s.Close, 5)
	for i := 0; i < 4; i++ {
		if !math.IsNaN(sma[i]) {
			t.Fatalf("warmup index %d = %v, want NaN", i, sma[i])
		}
	}
	for i := 4; i < 10; i++ {
		if sma[i] != 100 {
			t.Fatalf("sma[%d] = %v, want 100", i, sma[i])
		}
	}
}

func TestShortInputAllNaN(t *testing.T) {
	s := NewSeries(flatBars(3, 100, 1000))
	for _, vals := range [][]float64{
		EMA(s.Close, 10), RSI(s.Close, 14), ROC(s.Close, 10),
		ATR(s.High, s.Low, s.Close, 14),
	} {
		for i, v := range vals {
			if !math.IsNaN(v) {
				t.Fatalf("index %d = %v, want NaN for short input", i, v)
			}
		}
	}
}

func TestVWAPSessionReset(t *testing.T) {
	day1 := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	day2 := time.Date(2025, 6, 3, 14, 0, 0, 0, time.UTC)
	bars := []types.Bar{
		barAt(day1, 100, 100, 100, 100, 1000),
		barAt(day1.Add(30*time.Minute), 200, 200, 200, 200, 1000),
		barAt(day2, 50, 50, 50, 50, 1000),
	}
	vwap := VWAP(NewSeries(bars))
	if vwap[1] != 150 {
		t.Fatalf("vwap[1] = %v, want 150", vwap[1])
	}
	// New calendar day restarts accumulation.
	if vwap[2] != 50 {
		t.Fatalf("vwap[2] = %v, want 50 after session reset", vwap[2])
	}
}

func TestVolumeRatioExcludesCurrentBar(t *testing.T) {
	bars := flatBars(6, 100, 1000)
	bars[5].Volume = decimal.NewFromInt(3000)
	ratio := VolumeRatio(NewSeries(bars).Volume, 5)
	if ratio[5] != 3 {
		t.Fatalf("ratio[5] = %v, want 3", ratio[5])
	}
}

func TestDonchianExcludesCurrentBar(t *testing.T) {
	bars := flatBars(6, 100, 1000)
	bars[5] = barAt(bars[5].OpenTime, 100, 120, 100, 120, 1000)
	s := NewSeries(bars)
	hi, lo := Donchian(s.High, s.Low, 5)
	if hi[5] != 100 {
		t.Fatalf("donchian high = %v, want 100 (current bar excluded)", hi[5])
	}
	if lo[5] != 100 {
		t.Fatalf("donchian low = %v, want 100", lo[5])
	}
}

func TestCrossedAbove(t *testing.T) {
	a := []float64{1, 3}
	b := []float64{2, 2}
	if !CrossedAbove(a, b) {
		t.Fatal("expected cross above")
	}
	if CrossedAbove(b, a) {
		t.Fatal("did not expect cross above")
	}
	if CrossedAbove([]float64{math.NaN(), 3}, b) {
		t.Fatal("NaN prior bar must not report a cross")
	}
}

func TestCMFBounded(t *testing.T) {
	start := time.Date(2025, 6, 2, 14, 0, 0, 0, time.UTC)
	bars := make([]types.Bar, 30)
	for i := range bars {
		p := 100 + float64(i%5)
		bars[i] = barAt(start.Add(time.Duration(i)*30*time.Minute), p, p+1, p-1, p+0.5, 1000)
	}
	cmf := CMF(NewSeries(bars), 20)
	last := Last(cmf)
	if math.IsNaN(last) || last < -1 || last > 1 {
		t.Fatalf("cmf = %v, want defined value in [-1,1]", last)
	}
}

func TestRealizedVolFlatIsZero(t *testing.T) {
	s := NewSeries(flatBars(30, 100, 1000))
	rv := RealizedVol(s.Close, 20)
	if last := Last(rv); last != 0 {
		t.Fatalf("realized vol of flat series = %v, want 0", last)
	}
}
