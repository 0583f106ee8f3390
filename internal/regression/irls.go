package regression

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// ErrSingular is returned when the weighted normal equations cannot be solved
var ErrSingular = errors.New("regression: normal equations are singular")

// Prior is a Gaussian prior N(Mean, Precision^-1) on the coefficients
type Prior struct {
	Mean      []float64
	Precision mat.Symmetric
}

// Options tune a fit. Zero values select the defaults.
type Options struct {
	MaxIter int
	Tol     float64
	Offset  []float64
	Weights []float64
	Prior   *Prior
	// Dispersion fixes the Gaussian dispersion; zero estimates it from the residuals
	Dispersion float64
}

// Result of a GLM fit
type Result struct {
	Coef       []float64
	Cov        *mat.SymDense
	Dispersion float64
	Deviance   float64
	Iterations int
	Converged  bool
}

// StdErrors are the square roots of the covariance diagonal
func (r *Result) StdErrors() []float64 {
	se := make([]float64, len(r.Coef))
	for i := range se {
		se[i] = math.Sqrt(math.Max(r.Cov.At(i, i), 0))
	}
	return se
}

// Fit estimates coefficients of y ~ family(linkinv(X b + offset)).
// With a prior the result is the posterior mode and Cov its Laplace covariance.
// Non-convergence is reported through Result.Converged, not as an error.
func Fit(x mat.Matrix, y []float64, family Family, opts Options) (*Result, error) {
	n, p := x.Dims()
	if n != len(y) {
		return nil, fmt.Errorf("regression: %d rows but %d responses", n, len(y))
	}
	if n == 0 || p == 0 {
		return nil, fmt.Errorf("regression: empty design")
	}
	if opts.Offset != nil && len(opts.Offset) != n {
		return nil, fmt.Errorf("regression: offset length %d, want %d", len(opts.Offset), n)
	}
	if opts.Weights != nil && len(opts.Weights) != n {
		return nil, fmt.Errorf("regression: weights length %d, want %d", len(opts.Weights), n)
	}
	if opts.Prior != nil {
		if len(opts.Prior.Mean) != p || opts.Prior.Precision.SymmetricDim() != p {
			return nil, fmt.Errorf("regression: prior dimension does not match %d coefficients", p)
		}
	}
	if opts.MaxIter <= 0 {
		opts.MaxIter = 50
	}
	if opts.Tol <= 0 {
		opts.Tol = 1e-8
	}
	_, gaussian := family.(Gaussian)

	offset := func(i int) float64 {
		if opts.Offset == nil {
			return 0
		}
		return opts.Offset[i]
	}
	weight := func(i int) float64 {
		if opts.Weights == nil {
			return 1
		}
		return opts.Weights[i]
	}

	beta := mat.NewVecDense(p, nil)
	if opts.Prior != nil {
		beta = mat.NewVecDense(p, append([]float64(nil), opts.Prior.Mean...))
	} else {
		beta.SetVec(0, initialIntercept(y, family))
	}

	dispersion := opts.Dispersion
	if dispersion <= 0 {
		dispersion = 1
	}

	eta := make([]float64, n)
	w := make([]float64, n)
	z := make([]float64, n)
	var info mat.SymDense

	// objective is the penalized deviance dev/dispersion + (b-m)'P(b-m),
	// twice the negative log posterior up to a constant
	objective := func(b *mat.VecDense, disp float64) (obj, dev, rss float64) {
		linearPredictor(x, b, eta)
		for i := 0; i < n; i++ {
			mu := family.LinkInv(eta[i] + offset(i))
			dev += weight(i) * family.UnitDeviance(y[i], mu)
			rss += weight(i) * (y[i] - mu) * (y[i] - mu)
		}
		return dev/disp + penalty(opts.Prior, b), dev, rss
	}

	res := &Result{}
	obj, dev, _ := objective(beta, dispersion)
	res.Deviance = dev

	for iter := 1; iter <= opts.MaxIter; iter++ {
		res.Iterations = iter
		linearPredictor(x, beta, eta)
		for i := 0; i < n; i++ {
			eta[i] += offset(i)
			mu := family.LinkInv(eta[i])
			d := family.MuEta(eta[i])
			w[i] = weight(i) * d * d / family.Variance(mu) / dispersion
			z[i] = eta[i] - offset(i) + (y[i]-mu)/d
		}

		next, err := solveWeighted(x, w, z, opts.Prior, &info)
		if err != nil {
			return nil, err
		}

		// halve the step until the objective does not increase
		nextObj, nextDev, nextRSS := objective(next, dispersion)
		halvings := 0
		for !(nextObj <= obj+objSlack*(math.Abs(obj)+1)) && halvings < maxHalvings {
			next.AddVec(beta, next)
			next.ScaleVec(0.5, next)
			nextObj, nextDev, nextRSS = objective(next, dispersion)
			halvings++
		}
		if !(nextObj <= obj+objSlack*(math.Abs(obj)+1)) {
			break
		}

		var step float64
		for j := 0; j < p; j++ {
			step = math.Max(step, math.Abs(next.AtVec(j)-beta.AtVec(j)))
		}
		decrease := (obj - nextObj) / (math.Abs(nextObj) + 0.1)
		beta = next
		res.Deviance = nextDev
		obj = nextObj

		if gaussian && opts.Dispersion <= 0 {
			df := float64(n - p)
			if df < 1 {
				df = 1
			}
			dispersion = math.Max(nextRSS/df, epsilon)
			obj, _, _ = objective(beta, dispersion)
		}

		if decrease < opts.Tol || step < opts.Tol {
			res.Converged = true
			break
		}
	}

	// refresh the information at the final estimate
	linearPredictor(x, beta, eta)
	for i := 0; i < n; i++ {
		eta[i] += offset(i)
		d := family.MuEta(eta[i])
		w[i] = weight(i) * d * d / family.Variance(family.LinkInv(eta[i])) / dispersion
	}
	if _, err := solveWeighted(x, w, z, opts.Prior, &info); err != nil {
		return nil, err
	}
	var chol mat.Cholesky
	if !chol.Factorize(&info) {
		return nil, ErrSingular
	}
	cov := mat.NewSymDense(p, nil)
	if err := chol.InverseTo(cov); err != nil {
		return nil, fmt.Errorf("regression: invert information: %w", err)
	}

	res.Coef = append([]float64(nil), beta.RawVector().Data...)
	res.Cov = cov
	res.Dispersion = dispersion
	return res, nil
}

// solveWeighted solves (X'WX + P) b = X'Wz + P m and leaves X'WX + P in info
func solveWeighted(x mat.Matrix, w, z []float64, prior *Prior, info *mat.SymDense) (*mat.VecDense, error) {
	n, p := x.Dims()
	info.Reset()
	info.ReuseAsSym(p)
	rhs := mat.NewVecDense(p, nil)
	for i := 0; i < n; i++ {
		if w[i] == 0 {
			continue
		}
		for a := 0; a < p; a++ {
			xa := x.At(i, a)
			rhs.SetVec(a, rhs.AtVec(a)+w[i]*xa*z[i])
			for b := a; b < p; b++ {
				info.SetSym(a, b, info.At(a, b)+w[i]*xa*x.At(i, b))
			}
		}
	}
	if prior != nil {
		m := mat.NewVecDense(p, prior.Mean)
		var pm mat.VecDense
		pm.MulVec(prior.Precision, m)
		rhs.AddVec(rhs, &pm)
		for a := 0; a < p; a++ {
			for b := a; b < p; b++ {
				info.SetSym(a, b, info.At(a, b)+prior.Precision.At(a, b))
			}
		}
	}

	var chol mat.Cholesky
	if !chol.Factorize(info) {
		return nil, ErrSingular
	}
	beta := mat.NewVecDense(p, nil)
	if err := chol.SolveVecTo(beta, rhs); err != nil {
		return nil, fmt.Errorf("regression: %w", err)
	}
	for i := 0; i < p; i++ {
		if math.IsNaN(beta.AtVec(i)) || math.IsInf(beta.AtVec(i), 0) {
			return nil, ErrSingular
		}
	}
	return beta, nil
}

// penalty is (b-m)'P(b-m), zero without a prior
func penalty(prior *Prior, b *mat.VecDense) float64 {
	if prior == nil {
		return 0
	}
	p := b.Len()
	d := mat.NewVecDense(p, nil)
	d.SubVec(b, mat.NewVecDense(p, prior.Mean))
	return mat.Inner(d, prior.Precision, d)
}

const (
	maxHalvings = 60
	// relative slack absorbing rounding when comparing objectives
	objSlack = 1e-12
)

func linearPredictor(x mat.Matrix, beta *mat.VecDense, out []float64) {
	n, p := x.Dims()
	for i := 0; i < n; i++ {
		var s float64
		for j := 0; j < p; j++ {
			s += x.At(i, j) * beta.AtVec(j)
		}
		out[i] = s
	}
}

func initialIntercept(y []float64, family Family) float64 {
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(len(y))
	switch family.(type) {
	case Binomial:
		mean = math.Min(math.Max(mean, 0.01), 0.99)
		return Logit(mean)
	case Poisson, NegBinomial2:
		return math.Log(math.Max(mean, 0.01))
	}
	return mean
}
