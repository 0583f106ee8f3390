package regression

import "math"

// EstimateNB2Size is the method-of-moments estimate of the NB2 size k from
// Var(y) = mu + mu^2 / k, bounded to [1e-3, 1e6]. Data without excess
// variance get the upper bound, i.e. effectively Poisson.
func EstimateNB2Size(y, mu []float64) float64 {
	var num, den float64
	for i := range y {
		r := y[i] - mu[i]
		num += mu[i] * mu[i]
		den += r*r - mu[i]
	}
	if den <= 0 || num == 0 {
		return maxSize
	}
	return math.Min(math.Max(num/den, minSize), maxSize)
}

const (
	minSize = 1e-3
	maxSize = 1e6
)
