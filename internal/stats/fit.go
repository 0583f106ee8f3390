package stats

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// RSquared is the share of variance in actual explained by predicted
func RSquared(actual, predicted []float64) float64 {
	if len(actual) != len(predicted) || len(actual) < 2 {
		return 0
	}
	mean := stat.Mean(actual, nil)
	var ssRes, ssTot float64
	for i, a := range actual {
		r := a - predicted[i]
		d := a - mean
		ssRes += r * r
		ssTot += d * d
	}
	if ssTot == 0 {
		return 0
	}
	return 1 - ssRes/ssTot
}

// RMSE calculates the root mean squared error between predicted and actual values
func RMSE(actual, predicted []float64) float64 {
	if len(actual) != len(predicted) || len(actual) == 0 {
		return 0
	}

	var sumSquaredError float64
	for i := range actual {
		e := actual[i] - predicted[i]
		sumSquaredError += e * e
	}

	return math.Sqrt(sumSquaredError / float64(len(actual)))
}
