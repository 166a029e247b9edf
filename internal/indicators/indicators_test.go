package indicators

import (
	"math"
	"testing"
	"time"

	"tidepredator/internal/model"
)

func approxEqual(a, b, tol float64) bool {
	return math.Abs(a-b) <= tol
}

func TestEMAFlatSeriesEqualsPrice(t *testing.T) {
	closes := make([]float64, 40)
	for i := range closes {
		closes[i] = 100.0
	}
	got := EMA(closes, 9)
	if !approxEqual(got, 100.0, 1e-9) {
		t.Fatalf("EMA of flat series = %v, want 100", got)
	}
}

func TestEMAShortSeriesReturnsZero(t *testing.T) {
	if got := EMA([]float64{1, 2, 3}, 9); got != 0 {
		t.Fatalf("EMA with insufficient data = %v, want 0", got)
	}
}

func TestRSIAllGainsIs100(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = float64(i + 1)
	}
	got := RSI(closes, 14)
	if got != 100.0 {
		t.Fatalf("RSI all gains = %v, want 100", got)
	}
}

func TestRSIFlatIs50(t *testing.T) {
	closes := make([]float64, 20)
	for i := range closes {
		closes[i] = 50.0
	}
	got := RSI(closes, 14)
	if got != 50.0 {
		t.Fatalf("RSI flat series = %v, want 50", got)
	}
}

func TestZoneBoundaries(t *testing.T) {
	cases := []struct {
		v    float64
		want model.Zone
	}{
		{29.9, model.Z1},
		{30, model.Z2},
		{44.9, model.Z2},
		{45, model.Z3},
		{55, model.Z3},
		{55.1, model.Z4},
		{70, model.Z4},
		{70.1, model.Z5},
	}
	for _, c := range cases {
		if got := Zone(c.v); got != c.want {
			t.Errorf("Zone(%v) = %v, want %v", c.v, got, c.want)
		}
	}
}

func TestWickRatios(t *testing.T) {
	c := model.Candle{Open: 100, Close: 105, High: 110, Low: 95}
	upper, lower := WickRatios(c)
	// range 15: upper = (110-105)/15 = 1/3, lower = (100-95)/15 = 1/3
	if !approxEqual(upper, 1.0/3.0, 1e-6) {
		t.Errorf("upper wick = %v, want 1/3", upper)
	}
	if !approxEqual(lower, 1.0/3.0, 1e-6) {
		t.Errorf("lower wick = %v, want 1/3", lower)
	}
}

func TestWickRatiosZeroRangeClamped(t *testing.T) {
	c := model.Candle{Open: 100, Close: 100, High: 100, Low: 100}
	upper, lower := WickRatios(c)
	if upper != 0 || lower != 0 {
		t.Fatalf("zero-range candle wick ratios = (%v, %v), want (0, 0)", upper, lower)
	}
}

func TestVolumeMA(t *testing.T) {
	candles := make([]model.Candle, 20)
	for i := range candles {
		candles[i] = model.Candle{Volume: float64(i + 1)}
	}
	got := VolumeMA(candles, 20)
	want := 10.5 // mean of 1..20
	if !approxEqual(got, want, 1e-9) {
		t.Fatalf("VolumeMA = %v, want %v", got, want)
	}
}

func TestStochasticBounds(t *testing.T) {
	now := time.Now()
	candles := make([]model.Candle, 20)
	for i := range candles {
		price := float64(100 + i)
		candles[i] = model.Candle{
			OpenTime: now.Add(time.Duration(i) * time.Minute),
			Open:     price, Close: price, High: price + 1, Low: price - 1,
		}
	}
	k, d := Stochastic(candles, 14, 3)
	if k < 0 || k > 100 || d < 0 || d > 100 {
		t.Fatalf("stochastic out of bounds: k=%v d=%v", k, d)
	}
}
