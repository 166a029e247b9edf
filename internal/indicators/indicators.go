// Package indicators computes the pure technical-analysis functions
// the Scorer consumes: EMA, RSI, EMA-of-RSI, stochastic %K/%D and
// SlowD, volume MA and candle wick ratios. Every function is a pure
// transform over a candle slice — no network or clock dependency.
package indicators

import "tidepredator/internal/model"

// EMA computes the exponential moving average over period, seeded
// with the simple average of the first `period` closes (span-based
// smoothing, matching the teacher's calculateEMA).
func EMA(closes []float64, period int) float64 {
	if len(closes) < period || period <= 0 {
		return 0
	}
	k := 2.0 / float64(period+1)
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += closes[i]
	}
	ema := sum / float64(period)
	for i := period; i < len(closes); i++ {
		ema = closes[i]*k + ema*(1-k)
	}
	return ema
}

// EMASeries returns the EMA value at every index from `period-1`
// onward, so callers can evaluate crosses and slopes over the tail.
func EMASeries(closes []float64, period int) []float64 {
	if len(closes) < period || period <= 0 {
		return nil
	}
	k := 2.0 / float64(period+1)
	out := make([]float64, len(closes))
	sum := 0.0
	for i := 0; i < period; i++ {
		sum += closes[i]
	}
	ema := sum / float64(period)
	out[period-1] = ema
	for i := period; i < len(closes); i++ {
		ema = closes[i]*k + ema*(1-k)
		out[i] = ema
	}
	return out
}

// RSI computes the Wilder-style first-average RSI over the last
// `period` changes in closes, matching the teacher's calculateRSI.
func RSI(closes []float64, period int) float64 {
	if len(closes) < period+1 {
		return 50.0
	}
	start := len(closes) - period - 1
	var gains, losses float64
	for i := start + 1; i <= start+period; i++ {
		change := closes[i] - closes[i-1]
		if change > 0 {
			gains += change
		} else {
			losses -= change
		}
	}
	avgGain := gains / float64(period)
	avgLoss := losses / float64(period)
	if avgLoss == 0 {
		if avgGain == 0 {
			return 50.0
		}
		return 100.0
	}
	rs := avgGain / avgLoss
	return 100 - (100 / (1 + rs))
}

// RSISeries computes a rolling RSI at every index from `period` onward.
func RSISeries(closes []float64, period int) []float64 {
	if len(closes) < period+1 {
		return nil
	}
	out := make([]float64, len(closes))
	for i := period; i < len(closes); i++ {
		out[i] = RSI(closes[:i+1], period)
	}
	return out
}

// EMAOfRSI computes EMA(RSI, emaPeriod) from a close series.
func EMAOfRSI(closes []float64, rsiPeriod, emaPeriod int) float64 {
	rsiSeries := RSISeries(closes, rsiPeriod)
	if rsiSeries == nil {
		return 50.0
	}
	tail := rsiSeries[rsiPeriod:]
	if len(tail) < emaPeriod {
		return 50.0
	}
	return EMA(tail, emaPeriod)
}

// Stochastic computes %K (window) and %D (smooth-period mean of %K)
// for the final bar of the series.
func Stochastic(candles []model.Candle, window, smooth int) (k, d float64) {
	if len(candles) < window+smooth-1 {
		return 50.0, 50.0
	}
	kValues := make([]float64, 0, smooth)
	for offset := smooth - 1; offset >= 0; offset-- {
		end := len(candles) - offset
		start := end - window
		if start < 0 {
			continue
		}
		win := candles[start:end]
		hi, lo := win[0].High, win[0].Low
		for _, c := range win {
			if c.High > hi {
				hi = c.High
			}
			if c.Low < lo {
				lo = c.Low
			}
		}
		close := win[len(win)-1].Close
		if hi == lo {
			kValues = append(kValues, 50.0)
			continue
		}
		kValues = append(kValues, 100*(close-lo)/(hi-lo))
	}
	k = kValues[len(kValues)-1]
	sum := 0.0
	for _, v := range kValues {
		sum += v
	}
	d = sum / float64(len(kValues))
	return k, d
}

// SlowD is the 3-period rolling mean of %D, evaluated by computing %D
// at the last three closed bars.
func SlowD(candles []model.Candle, window, smooth int) float64 {
	const slowPeriod = 3
	if len(candles) < window+smooth+slowPeriod {
		return 50.0
	}
	sum := 0.0
	for i := 0; i < slowPeriod; i++ {
		upto := len(candles) - slowPeriod + 1 + i
		_, d := Stochastic(candles[:upto], window, smooth)
		sum += d
	}
	return sum / float64(slowPeriod)
}

// VolumeMA computes the mean of the last `period` closed volumes.
func VolumeMA(candles []model.Candle, period int) float64 {
	if len(candles) < period {
		return 0
	}
	tail := candles[len(candles)-period:]
	sum := 0.0
	for _, c := range tail {
		sum += c.Volume
	}
	return sum / float64(period)
}

// WickRatios returns the upper and lower wick ratios of a candle,
// clamped to >= 0.
func WickRatios(c model.Candle) (upper, lower float64) {
	rng := c.High - c.Low
	if rng <= 0 {
		return 0, 0
	}
	bodyTop := c.Open
	if c.Close > bodyTop {
		bodyTop = c.Close
	}
	bodyBottom := c.Open
	if c.Close < bodyBottom {
		bodyBottom = c.Close
	}
	upper = (c.High - bodyTop) / rng
	lower = (bodyBottom - c.Low) / rng
	if upper < 0 {
		upper = 0
	}
	if lower < 0 {
		lower = 0
	}
	return upper, lower
}

// Closes extracts the close-price series from a candle slice.
func Closes(candles []model.Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}

// Zone discretizes RSI (or Stoch %D) into Z1..Z5 using the spec's
// fixed thresholds: <30, [30,45), [45,55], (55,70], >70.
func Zone(value float64) model.Zone {
	switch {
	case value < 30:
		return model.Z1
	case value < 45:
		return model.Z2
	case value <= 55:
		return model.Z3
	case value <= 70:
		return model.Z4
	default:
		return model.Z5
	}
}

// StochZone discretizes Stoch %D into S1..S5 using cutoffs 20/40/60/80.
// The zone names reuse model.Zone (S1==Z1 etc.) since both are five
// ordered bands; callers label them RSI-zone vs Stoch-zone by context.
func StochZone(value float64) model.Zone {
	switch {
	case value < 20:
		return model.Z1
	case value < 40:
		return model.Z2
	case value <= 60:
		return model.Z3
	case value <= 80:
		return model.Z4
	default:
		return model.Z5
	}
}
