package stats

import "math"

// Finite returns the finite entries of values and how many were dropped.
// Extreme CDF evaluations yield ±Inf or NaN residuals; those are expected and
// must be removed before any aggregate statistic or QQ comparison.
func Finite(values []float64) (kept []float64, dropped int) {
	kept = make([]float64, 0, len(values))
	for _, v := range values {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			dropped++
			continue
		}
		kept = append(kept, v)
	}
	return kept, dropped
}

// ZeroProportion is the share of values equal to zero. Non-detections carry
// the zero sentinel, so this is also the non-detection rate of a Ct vector.
func ZeroProportion(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	zeros := 0
	for _, v := range values {
		if v == 0 {
			zeros++
		}
	}
	return float64(zeros) / float64(len(values))
}

// EmpiricalPValue is the two-sided Monte Carlo p-value of observed against a
// reference sample: 2 * min(P(ref <= obs), P(ref >= obs)), with the +1
// correction so it is never exactly zero.
func EmpiricalPValue(observed float64, reference []float64) float64 {
	if len(reference) == 0 {
		return math.NaN()
	}
	var le, ge int
	for _, r := range reference {
		if r <= observed {
			le++
		}
		if r >= observed {
			ge++
		}
	}
	n := float64(len(reference))
	lower := (float64(le) + 1) / (n + 1)
	upper := (float64(ge) + 1) / (n + 1)
	return math.Min(1, 2*math.Min(lower, upper))
}
