package algorithm

import (
	"errors"
	"math"
	"sort"

	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

func lastN(xs []float64, n int) []float64 {
	if n <= 0 || n >= len(xs) {
		return xs
	}
	return xs[len(xs)-n:]
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	return stat.Mean(xs, nil)
}

// median averages the two middle values for even lengths.
func median(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	mid := len(sorted) / 2
	if len(sorted)%2 == 1 {
		return sorted[mid]
	}
	return (sorted[mid-1] + sorted[mid]) / 2
}

// mad is the median absolute deviation.
func mad(xs []float64) float64 {
	m := median(xs)
	dev := make([]float64, len(xs))
	for i, x := range xs {
		dev[i] = math.Abs(m - x)
	}
	return median(dev)
}

// iqr is the interquartile range using the nearest-rank quartiles
// round(0.25*(n+1)) and round(0.75*(n+1)).
func iqr(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)
	n := float64(len(sorted) + 1)
	q1 := clampIndex(int(math.Round(0.25*n))-1, len(sorted))
	q3 := clampIndex(int(math.Round(0.75*n))-1, len(sorted))
	return sorted[q3] - sorted[q1]
}

func clampIndex(i, n int) int {
	if i < 0 {
		return 0
	}
	if i >= n {
		return n - 1
	}
	return i
}

// tricubeWeights returns n weights for a local regression anchored at the
// newest point. The two oldest points share the weight of the third.
func tricubeWeights(n int) []float64 {
	if n < 3 {
		w := make([]float64, n)
		for i := range w {
			w[i] = 1
		}
		return w
	}
	top := float64(n - 1)
	weights := make([]float64, 0, n)
	for i := 2; i < n; i++ {
		weights = append(weights, math.Pow(1-math.Pow((top-float64(i))/top, 3), 3))
	}
	return append([]float64{weights[0], weights[0]}, weights...)
}

// tricubeBisquareWeights down-weights outliers by their residual.
func tricubeBisquareWeights(residuals []float64) []float64 {
	n := len(residuals)
	base := tricubeWeights(n)
	if n < 3 {
		return base
	}
	abs := make([]float64, n)
	for i, r := range residuals {
		abs[i] = math.Abs(r)
	}
	s6 := 6 * median(abs)
	weights := make([]float64, 0, n)
	for i := 2; i < n; i++ {
		w := base[i]
		if s6 > 0 {
			u := residuals[i] / s6
			if math.Abs(u) >= 1 {
				w = 0
			} else {
				w *= math.Pow(1-u*u, 2)
			}
		}
		weights = append(weights, w)
	}
	return append([]float64{weights[0], weights[0]}, weights...)
}

// weightedLinearFit solves min Σ (w_i * (y_i - (a + b*x_i)))² with x_i = 1..n
// and returns (a, b).
func weightedLinearFit(y, w []float64) (float64, float64, bool) {
	n := len(y)
	if n < 2 {
		return 0, 0, false
	}
	design := mat.NewDense(n, 2, nil)
	target := mat.NewVecDense(n, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, w[i])
		design.Set(i, 1, w[i]*float64(i+1))
		target.SetVec(i, w[i]*y[i])
	}
	var beta mat.VecDense
	if err := beta.SolveVec(design, target); err != nil {
		// An ill-conditioned system still yields a usable estimate.
		var cond mat.Condition
		if !errors.As(err, &cond) {
			return 0, 0, false
		}
	}
	return beta.AtVec(0), beta.AtVec(1), true
}

func loessEstimates(y []float64) (float64, float64, bool) {
	return weightedLinearFit(y, tricubeWeights(len(y)))
}

func loessRobustEstimates(y []float64) (float64, float64, bool) {
	a, b, ok := loessEstimates(y)
	if !ok {
		return 0, 0, false
	}
	residuals := make([]float64, len(y))
	for i, v := range y {
		residuals[i] = v - (a + b*float64(i+1))
	}
	if floats.Max(absAll(residuals)) == 0 {
		return a, b, true
	}
	return weightedLinearFit(y, tricubeBisquareWeights(residuals))
}

func absAll(xs []float64) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = math.Abs(x)
	}
	return out
}
