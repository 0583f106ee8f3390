package field

import (
	"fmt"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"
)

// Kriging is simple (known zero mean) kriging of a Matérn field observed with
// a nugget at a set of support points.
type Kriging struct {
	cov     Matern
	nugget  float64
	support []r2.Point
	chol    mat.Cholesky
	alpha   *mat.VecDense
}

// NewKriging conditions the field on values observed at support
func NewKriging(support []r2.Point, values []float64, cov Matern, nugget float64) (*Kriging, error) {
	if len(support) != len(values) {
		return nil, fmt.Errorf("kriging: %d support points but %d values", len(support), len(values))
	}
	if len(support) == 0 {
		return nil, fmt.Errorf("kriging: no support points")
	}
	if err := cov.Validate(); err != nil {
		return nil, fmt.Errorf("kriging: %w", err)
	}

	k := &Kriging{cov: cov, nugget: nugget, support: support}
	if err := factorize(&k.chol, cov.CovarianceMatrix(support, nugget)); err != nil {
		return nil, fmt.Errorf("kriging: %w", err)
	}
	k.alpha = mat.NewVecDense(len(values), nil)
	if err := k.chol.SolveVecTo(k.alpha, mat.NewVecDense(len(values), append([]float64(nil), values...))); err != nil {
		return nil, fmt.Errorf("kriging solve: %w", err)
	}
	return k, nil
}

// Predict returns the conditional mean of the field at targets
func (k *Kriging) Predict(targets []r2.Point) []float64 {
	if len(targets) == 0 {
		return nil
	}
	cross := k.cov.CrossCovariance(targets, k.support)
	var mean mat.VecDense
	mean.MulVec(cross, k.alpha)
	return append([]float64(nil), mean.RawVector().Data...)
}

// Conditional returns the conditional mean and covariance of the noise-free
// field at targets.
func (k *Kriging) Conditional(targets []r2.Point) ([]float64, *mat.SymDense, error) {
	n := len(targets)
	if n == 0 {
		return nil, mat.NewSymDense(0, nil), nil
	}
	cross := k.cov.CrossCovariance(targets, k.support)

	var mean mat.VecDense
	mean.MulVec(cross, k.alpha)

	// K^-1 C_st
	var solved mat.Dense
	if err := k.chol.SolveTo(&solved, cross.T()); err != nil {
		return nil, nil, fmt.Errorf("kriging conditional solve: %w", err)
	}
	var reduction mat.Dense
	reduction.Mul(cross, &solved)

	prior := k.cov.CovarianceMatrix(targets, 0)
	cond := mat.NewSymDense(n, nil)
	for i := 0; i < n; i++ {
		for j := i; j < n; j++ {
			v := prior.At(i, j) - (reduction.At(i, j)+reduction.At(j, i))/2
			if i == j && v < 0 {
				v = 0
			}
			cond.SetSym(i, j, v)
		}
	}
	return append([]float64(nil), mean.RawVector().Data...), cond, nil
}
