package field

import (
	"errors"
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
)

// ErrNotPositiveDefinite is returned when a covariance cannot be factorized
// even after jitter is added to its diagonal.
var ErrNotPositiveDefinite = errors.New("covariance is not positive definite")

// Sampler draws zero-mean Gaussian vectors with a fixed covariance.
// The factorization is computed once; Draw is safe for concurrent use as
// long as each caller passes its own generator.
type Sampler struct {
	lower mat.TriDense
	n     int
}

// NewSampler factorizes cov, adding diagonal jitter when it is numerically singular
func NewSampler(cov mat.Symmetric) (*Sampler, error) {
	var chol mat.Cholesky
	if err := factorize(&chol, cov); err != nil {
		return nil, err
	}
	s := &Sampler{n: cov.SymmetricDim()}
	chol.LTo(&s.lower)
	return s, nil
}

// Dim is the length of each draw
func (s *Sampler) Dim() int { return s.n }

// Draw returns one realization L z with z standard normal
func (s *Sampler) Draw(r *rand.Rand) []float64 {
	z := mat.NewVecDense(s.n, nil)
	for i := 0; i < s.n; i++ {
		z.SetVec(i, r.NormFloat64())
	}
	var out mat.VecDense
	out.MulVec(&s.lower, z)
	return out.RawVector().Data
}

func factorize(chol *mat.Cholesky, cov mat.Symmetric) error {
	if chol.Factorize(cov) {
		return nil
	}
	n := cov.SymmetricDim()
	var trace float64
	for i := 0; i < n; i++ {
		trace += cov.At(i, i)
	}
	if n == 0 || trace <= 0 {
		return ErrNotPositiveDefinite
	}
	jitter := 1e-10 * trace / float64(n)
	work := mat.NewSymDense(n, nil)
	for attempt := 0; attempt < 8; attempt++ {
		work.CopySym(cov)
		for i := 0; i < n; i++ {
			work.SetSym(i, i, work.At(i, i)+jitter)
		}
		if chol.Factorize(work) {
			return nil
		}
		jitter *= 10
	}
	return ErrNotPositiveDefinite
}
