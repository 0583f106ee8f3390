// Package field simulates and estimates stationary Gaussian random fields
// with Matérn (nu = 1) covariance.
package field

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/jengzang/edna-backend-go/internal/spatial"
)

// Matern is a Matérn covariance with smoothness 1. Range is the distance at
// which correlation drops to about 0.13 (kappa = sqrt(8) / Range).
type Matern struct {
	Range float64 `json:"range"`
	Sigma float64 `json:"sigma"`
}

// Validate checks that the parameters describe a proper covariance
func (m Matern) Validate() error {
	if !(m.Range > 0) || math.IsInf(m.Range, 0) {
		return fmt.Errorf("matern range must be positive and finite, got %v", m.Range)
	}
	if m.Sigma < 0 || math.IsNaN(m.Sigma) || math.IsInf(m.Sigma, 0) {
		return fmt.Errorf("matern sigma must be non-negative and finite, got %v", m.Sigma)
	}
	return nil
}

// Kappa is the inverse length scale
func (m Matern) Kappa() float64 {
	return math.Sqrt(8) / m.Range
}

// Correlation at distance d
func (m Matern) Correlation(d float64) float64 {
	if d <= 0 {
		return 1
	}
	x := m.Kappa() * d
	if x > 700 {
		return 0
	}
	return x * besselK1(x)
}

// Covariance at distance d
func (m Matern) Covariance(d float64) float64 {
	return m.Sigma * m.Sigma * m.Correlation(d)
}

// CovarianceMatrix builds the covariance between points, adding nugget to the diagonal
func (m Matern) CovarianceMatrix(points []r2.Point, nugget float64) *mat.SymDense {
	n := len(points)
	c := mat.NewSymDense(n, nil)
	s2 := m.Sigma * m.Sigma
	for i := 0; i < n; i++ {
		c.SetSym(i, i, s2+nugget)
		for j := i + 1; j < n; j++ {
			c.SetSym(i, j, m.Covariance(spatial.Distance(points[i], points[j])))
		}
	}
	return c
}

// CrossCovariance builds the len(rows) x len(cols) covariance between two point sets
func (m Matern) CrossCovariance(rows, cols []r2.Point) *mat.Dense {
	c := mat.NewDense(len(rows), len(cols), nil)
	for i, p := range rows {
		for j, q := range cols {
			c.Set(i, j, m.Covariance(spatial.Distance(p, q)))
		}
	}
	return c
}

// besselI1 is the modified Bessel function of the first kind, order one
// (polynomial approximation, |error| < 1e-7).
func besselI1(x float64) float64 {
	ax := math.Abs(x)
	var ans float64
	if ax < 3.75 {
		y := (x / 3.75) * (x / 3.75)
		ans = ax * (0.5 + y*(0.87890594+y*(0.51498869+y*(0.15084934+
			y*(0.2658733e-1+y*(0.301532e-2+y*0.32411e-3))))))
	} else {
		y := 3.75 / ax
		ans = 0.2282967e-1 + y*(-0.2895312e-1+y*(0.1787654e-1-y*0.420059e-2))
		ans = 0.39894228 + y*(-0.3988024e-1+y*(-0.362018e-2+
			y*(0.163801e-2+y*(-0.1031555e-1+y*ans))))
		ans *= math.Exp(ax) / math.Sqrt(ax)
	}
	if x < 0 {
		return -ans
	}
	return ans
}

// besselK1 is the modified Bessel function of the second kind, order one, for x > 0
func besselK1(x float64) float64 {
	if x <= 2 {
		y := x * x / 4
		return math.Log(x/2)*besselI1(x) + (1/x)*(1+y*(0.15443144+
			y*(-0.67278579+y*(-0.18156897+y*(-0.1919402e-1+
				y*(-0.110404e-2+y*(-0.4686e-4)))))))
	}
	y := 2 / x
	return math.Exp(-x) / math.Sqrt(x) * (1.25331414 + y*(0.23498619+
		y*(-0.3655620e-1+y*(0.1504268e-1+y*(-0.780353e-2+
			y*(0.325614e-2+y*(-0.68245e-3)))))))
}
