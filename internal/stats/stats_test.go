package stats

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jengzang/edna-backend-go/internal/rng"
)

func TestSummarize(t *testing.T) {
	s := Summarize([]float64{5, 1, 4, 2, 3})
	assert.Equal(t, 5, s.N)
	assert.Equal(t, 3.0, s.Mean)
	assert.Equal(t, 1.0, s.Min)
	assert.Equal(t, 5.0, s.Max)
	assert.Equal(t, 2.0, s.Q1)
	assert.Equal(t, 3.0, s.Median)
	assert.Equal(t, 4.0, s.Q3)
	assert.InDelta(t, math.Sqrt(2.5), s.StdDev, 1e-12)
	assert.InDelta(t, 0, s.Skewness, 1e-12)

	assert.Equal(t, Summary{}, Summarize(nil))
	assert.Equal(t, 0.0, Summarize([]float64{7}).StdDev)
}

func TestQuantileInterpolates(t *testing.T) {
	v := []float64{10, 0, 20}
	assert.Equal(t, 5.0, Quantile(v, 0.25))
	assert.Equal(t, 0.0, Quantile(v, -1))
	assert.Equal(t, 20.0, Quantile(v, 2))
	assert.Equal(t, []float64{0, 10, 20}, Quantiles(v, []float64{0, 0.5, 1}))
	// input is not reordered
	assert.Equal(t, []float64{10, 0, 20}, v)
}

func TestFinite(t *testing.T) {
	kept, dropped := Finite([]float64{1, math.Inf(1), math.NaN(), -2, math.Inf(-1)})
	assert.Equal(t, []float64{1, -2}, kept)
	assert.Equal(t, 3, dropped)
}

func TestZeroProportion(t *testing.T) {
	assert.Equal(t, 0.5, ZeroProportion([]float64{0, 31.2, 0, 29.8}))
	assert.Equal(t, 0.0, ZeroProportion(nil))
}

func TestEmpiricalPValue(t *testing.T) {
	ref := make([]float64, 99)
	for i := range ref {
		ref[i] = float64(i)
	}
	// far outside the reference on either side
	assert.InDelta(t, 0.02, EmpiricalPValue(-5, ref), 1e-12)
	assert.InDelta(t, 0.02, EmpiricalPValue(500, ref), 1e-12)
	// centre of the reference distribution
	assert.Equal(t, 1.0, EmpiricalPValue(49, ref))
}

func TestFitMeasures(t *testing.T) {
	actual := []float64{1, 2, 3, 4}
	assert.Equal(t, 1.0, RSquared(actual, actual))
	assert.Equal(t, 0.0, RMSE(actual, actual))
	assert.InDelta(t, 1.0, RMSE(actual, []float64{2, 3, 4, 5}), 1e-12)
	assert.Equal(t, 0.0, RSquared(actual, []float64{1}))
}

func TestQQNormal(t *testing.T) {
	qq := QQNormal([]float64{3, -1, 0})
	require.Len(t, qq, 3)
	assert.Equal(t, -1.0, qq[0].Sample)
	assert.Equal(t, 3.0, qq[2].Sample)
	assert.Less(t, qq[0].Theoretical, 0.0)
	assert.InDelta(t, 0, qq[1].Theoretical, 1e-12)
	assert.InDelta(t, -qq[0].Theoretical, qq[2].Theoretical, 1e-12)
}

func TestKSNormal(t *testing.T) {
	r := rng.New(7)
	normal := make([]float64, 2000)
	shifted := make([]float64, 2000)
	for i := range normal {
		normal[i] = distuv.Normal{Mu: 0, Sigma: 1, Src: r}.Rand()
		shifted[i] = normal[i] + 0.5
	}

	_, p := KSNormal(normal)
	assert.Greater(t, p, 0.01)

	d, p := KSNormal(shifted)
	assert.Greater(t, d, 0.15)
	assert.Less(t, p, 1e-6)

	assert.Equal(t, 1.0, kolmogorovQ(0))
	assert.InDelta(t, 0.27, kolmogorovQ(1.0), 0.005)
}
