package field

import (
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/edna-backend-go/internal/rng"
)

func gridPoints(n int) []r2.Point {
	pts := make([]r2.Point, 0, n*n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			pts = append(pts, r2.Point{X: float64(i) / float64(n-1), Y: float64(j) / float64(n-1)})
		}
	}
	return pts
}

func TestBesselK1KnownValues(t *testing.T) {
	// Abramowitz & Stegun table 9.8
	assert.InDelta(t, 0.6019072, besselK1(1), 1e-6)
	assert.InDelta(t, 0.1398659, besselK1(2), 1e-6)
	assert.InDelta(t, 0.0040446, besselK1(5), 1e-6)
	assert.InDelta(t, 0.5651591, besselI1(1), 1e-6)
}

func TestMaternCorrelation(t *testing.T) {
	m := Matern{Range: 0.4, Sigma: 0.8}
	assert.Equal(t, 1.0, m.Correlation(0))
	assert.InDelta(t, 1.0, m.Correlation(1e-9), 1e-6)
	// sqrt(8) K1(sqrt(8)) at d = range
	assert.InDelta(t, 0.1399, m.Correlation(0.4), 1e-3)
	assert.Less(t, m.Correlation(0.8), m.Correlation(0.4))
	assert.InDelta(t, 0.64, m.Covariance(0), 1e-12)

	assert.Error(t, Matern{Range: 0, Sigma: 1}.Validate())
	assert.Error(t, Matern{Range: 1, Sigma: -1}.Validate())
	assert.NoError(t, m.Validate())
}

func TestSamplerReproducesCovariance(t *testing.T) {
	pts := []r2.Point{{X: 0, Y: 0}, {X: 0.1, Y: 0}, {X: 0.9, Y: 0.9}}
	m := Matern{Range: 0.4, Sigma: 1}
	s, err := NewSampler(m.CovarianceMatrix(pts, 0))
	require.NoError(t, err)
	assert.Equal(t, 3, s.Dim())

	r := rng.New(7)
	const n = 20000
	a := make([]float64, n)
	b := make([]float64, n)
	c := make([]float64, n)
	for i := 0; i < n; i++ {
		d := s.Draw(r)
		a[i], b[i], c[i] = d[0], d[1], d[2]
	}
	assert.InDelta(t, 1.0, stat.Variance(a, nil), 0.05)
	assert.InDelta(t, m.Correlation(0.1), stat.Correlation(a, b, nil), 0.03)
	assert.InDelta(t, 0, stat.Correlation(a, c, nil), 0.03)
}

func TestSamplerJittersSingularCovariance(t *testing.T) {
	// duplicated point makes the covariance singular
	pts := []r2.Point{{X: 0, Y: 0}, {X: 0, Y: 0}, {X: 0.5, Y: 0.5}}
	_, err := NewSampler(Matern{Range: 0.4, Sigma: 1}.CovarianceMatrix(pts, 0))
	assert.NoError(t, err)
}

func TestKrigingInterpolatesWithoutNugget(t *testing.T) {
	support := []r2.Point{{X: 0, Y: 0}, {X: 0.5, Y: 0}, {X: 0, Y: 0.5}}
	values := []float64{1, -0.5, 0.25}
	k, err := NewKriging(support, values, Matern{Range: 0.4, Sigma: 1}, 0)
	require.NoError(t, err)

	got := k.Predict(support)
	for i := range values {
		assert.InDelta(t, values[i], got[i], 1e-6)
	}

	far := k.Predict([]r2.Point{{X: 50, Y: 50}})
	assert.InDelta(t, 0, far[0], 1e-9)

	mean, cov, err := k.Conditional([]r2.Point{{X: 0, Y: 0}, {X: 50, Y: 50}})
	require.NoError(t, err)
	assert.InDelta(t, 1, mean[0], 1e-6)
	assert.InDelta(t, 0, cov.At(0, 0), 1e-6)
	assert.InDelta(t, 1, cov.At(1, 1), 1e-6)
}

func TestKrigingRejectsMismatch(t *testing.T) {
	_, err := NewKriging([]r2.Point{{}}, nil, Matern{Range: 1, Sigma: 1}, 0)
	assert.Error(t, err)
	_, err = NewKriging(nil, nil, Matern{Range: 1, Sigma: 1}, 0)
	assert.Error(t, err)
}

func TestVariogramRecoversSimulatedField(t *testing.T) {
	pts := gridPoints(18)
	truth := Matern{Range: 0.4, Sigma: 0.8}
	s, err := NewSampler(truth.CovarianceMatrix(pts, 0))
	require.NoError(t, err)

	// average the empirical variogram over replicates so the test is not at
	// the mercy of a single realization
	r := rng.New(123)
	const reps = 20
	var pooled []Bin
	for k := 0; k < reps; k++ {
		bins := EmpiricalVariogram(pts, s.Draw(r), 12, 0.7)
		if pooled == nil {
			pooled = bins
			continue
		}
		for i := range pooled {
			pooled[i].Gamma += bins[i].Gamma
		}
	}
	for i := range pooled {
		pooled[i].Gamma /= reps
	}

	fit, err := FitVariogram(pooled, Priors{RangeMin: 0.05, RangeMax: 2, SigmaMax: 5})
	require.NoError(t, err)
	assert.InDelta(t, 0.8, fit.Matern.Sigma, 0.25)
	assert.InDelta(t, 0.4, fit.Matern.Range, 0.2)
	assert.Less(t, fit.Nugget, 0.1)
}

func TestFitVariogramRespectsSigmaMax(t *testing.T) {
	bins := []Bin{{Distance: 0.1, Gamma: 2, Pairs: 10}, {Distance: 0.5, Gamma: 4, Pairs: 10}, {Distance: 1, Gamma: 4, Pairs: 10}}
	fit, err := FitVariogram(bins, Priors{SigmaMax: 1})
	require.NoError(t, err)
	assert.LessOrEqual(t, fit.Matern.Sigma, 1.0+1e-12)

	_, err = FitVariogram(nil, Priors{})
	assert.ErrorIs(t, err, ErrEmptyVariogram)
}

func TestSimulateEpsilon(t *testing.T) {
	pts := gridPoints(4)
	s, err := NewSampler(Matern{Range: 0.5, Sigma: 1}.CovarianceMatrix(pts, 0))
	require.NoError(t, err)

	off, err := SimulateEpsilon(s, 3, TemporalOff, 0, rng.New(1))
	require.NoError(t, err)
	assert.Nil(t, off)

	iid, err := SimulateEpsilon(s, 3, TemporalIID, 0, rng.New(1))
	require.NoError(t, err)
	require.Len(t, iid, 3)
	assert.Len(t, iid[0], len(pts))

	ar, err := SimulateEpsilon(s, 3, TemporalAR1, 0.999, rng.New(1))
	require.NoError(t, err)
	// strong persistence keeps consecutive fields close
	for i := range pts {
		assert.Less(t, math.Abs(ar[1][i]-ar[0][i]), 1.0)
	}

	_, err = SimulateEpsilon(s, 3, TemporalAR1, 1, rng.New(1))
	assert.Error(t, err)

	_, err = ParseTemporal("weekly")
	assert.Error(t, err)
	mode, err := ParseTemporal("")
	require.NoError(t, err)
	assert.Equal(t, TemporalOff, mode)
}
