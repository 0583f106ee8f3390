package stats

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// QQPoint pairs a standard-normal quantile with the matching order statistic
type QQPoint struct {
	Theoretical float64 `json:"theoretical"`
	Sample      float64 `json:"sample"`
}

// QQNormal returns normal QQ points using Blom plotting positions
// (i - 3/8) / (n + 1/4). Input must already be finite.
func QQNormal(values []float64) []QQPoint {
	n := len(values)
	if n == 0 {
		return nil
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	points := make([]QQPoint, n)
	for i, v := range sorted {
		p := (float64(i+1) - 0.375) / (float64(n) + 0.25)
		points[i] = QQPoint{Theoretical: distuv.UnitNormal.Quantile(p), Sample: v}
	}
	return points
}

// KSNormal is the one-sample Kolmogorov-Smirnov statistic against N(0, 1)
// together with its asymptotic p-value.
func KSNormal(values []float64) (d, pValue float64) {
	n := len(values)
	if n == 0 {
		return 0, math.NaN()
	}
	sorted := make([]float64, n)
	copy(sorted, values)
	sort.Float64s(sorted)

	fn := float64(n)
	for i, v := range sorted {
		cdf := distuv.UnitNormal.CDF(v)
		d = math.Max(d, math.Max(float64(i+1)/fn-cdf, cdf-float64(i)/fn))
	}
	return d, kolmogorovQ((math.Sqrt(fn) + 0.12 + 0.11/math.Sqrt(fn)) * d)
}

// kolmogorovQ is the Kolmogorov survival function Q(λ) = 2 Σ (-1)^(k-1) exp(-2k²λ²).
func kolmogorovQ(lambda float64) float64 {
	if lambda < 1e-3 {
		return 1
	}
	var sum, sign float64 = 0, 1
	for k := 1; k <= 100; k++ {
		term := sign * math.Exp(-2*float64(k*k)*lambda*lambda)
		sum += term
		if math.Abs(term) < 1e-12 {
			break
		}
		sign = -sign
	}
	return math.Max(0, math.Min(1, 2*sum))
}
