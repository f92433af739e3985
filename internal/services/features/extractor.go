package features

import "math"

// LogReturns computes r_t = ln(p_t / p_{t-1}). Non-positive prices yield a zero return.
func LogReturns(prices []float64) []float64 {
	if len(prices) < 2 {
		return nil
	}
	out := make([]float64, 0, len(prices)-1)
	for i := 1; i < len(prices); i++ {
		prev, cur := prices[i-1], prices[i]
		if prev <= 0 || cur <= 0 {
			out = append(out, 0)
			continue
		}
		out = append(out, math.Log(cur/prev))
	}
	return out
}

// LogReturn is the single-step version of LogReturns; ok is false when either price is unusable.
func LogReturn(prev, cur float64) (float64, bool) {
	if prev <= 0 || cur <= 0 {
		return 0, false
	}
	return math.Log(cur / prev), true
}

// MeanStd returns the sample mean and standard deviation.
func MeanStd(xs []float64) (mean, std float64) {
	n := float64(len(xs))
	if n == 0 {
		return 0, 0
	}
	sum := 0.0
	for _, x := range xs {
		sum += x
	}
	mean = sum / n
	if n < 2 {
		return mean, 0
	}
	ss := 0.0
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / (n - 1))
}

// RealizedVolatility computes annualized realized volatility over the last window returns.
func RealizedVolatility(logReturns []float64, window int, periodsPerYear float64) float64 {
	if window <= 1 || len(logReturns) < window {
		return 0
	}
	_, std := MeanStd(logReturns[len(logReturns)-window:])
	return std * math.Sqrt(periodsPerYear)
}

// Momentum scores the cumulative return of the last window steps against
// the dispersion of single-step returns, squashed into (-1, 1).
func Momentum(prices []float64, window int) float64 {
	if window < 2 || len(prices) < window+1 {
		return 0
	}
	rets := LogReturns(prices[len(prices)-window-1:])
	cum := 0.0
	for _, r := range rets {
		cum += r
	}
	_, std := MeanStd(rets)
	if std == 0 || math.IsNaN(std) {
		return 0
	}
	z := cum / (std * math.Sqrt(float64(len(rets))))
	return math.Tanh(z / 2)
}

// NormalQuantile returns z such that P(Z <= z) = p for a standard normal.
func NormalQuantile(p float64) float64 {
	if p <= 0 {
		return math.Inf(-1)
	}
	if p >= 1 {
		return math.Inf(1)
	}
	return math.Sqrt2 * math.Erfinv(2*p-1)
}

// Clamp bounds x to [lo, hi]; NaN maps to lo.
func Clamp(x, lo, hi float64) float64 {
	if math.IsNaN(x) || x < lo {
		return lo
	}
	if x > hi {
		return hi
	}
	return x
}
