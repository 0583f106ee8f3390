package reference

import (
	"context"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"

	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/regression"
)

// nb2SizeRounds alternates the NB2 size estimate with the mean fit
const nb2SizeRounds = 3

// glmState is the current intercept-only fit of a response family
type glmState struct {
	family regression.Family
	res    *regression.Result
	iters  int
}

// fitGLM fits an intercept plus optional spatial field for the response
// families. The field is estimated from IRLS working residuals and enters the
// next intercept fit as an offset.
func (e *Engine) fitGLM(ctx context.Context, in engine.FitInput, family engine.Family, fit *engine.Fit) error {
	n := len(in.Observations)
	y := make([]float64, n)
	points := make([]r2.Point, n)
	for i, o := range in.Observations {
		y[i] = o.Response
		points[i] = o.Point()
	}
	design := mat.NewDense(n, 1, nil)
	for i := 0; i < n; i++ {
		design.Set(i, 0, 1)
	}

	offset := make([]float64, n)
	st, err := e.fitIntercept(design, y, family, offset)
	if err != nil {
		return err
	}
	iters := st.iters

	var ff fieldFit
	var resid []float64
	if in.Spatial {
		for round := 1; round <= e.opts.Rounds; round++ {
			if err := checkContext(ctx, "latent field"); err != nil {
				return err
			}
			b0 := st.res.Coef[0]
			resid = make([]float64, n)
			var workingVar float64
			for i := range y {
				eta := b0 + offset[i]
				mu := st.family.LinkInv(eta)
				d := st.family.MuEta(eta)
				resid[i] = offset[i] + (y[i]-mu)/d
				workingVar += st.family.Variance(mu) / (d * d)
			}
			workingVar /= float64(n)
			if family == engine.FamilyGaussian {
				workingVar *= st.res.Dispersion
			}

			ff, err = e.fitField(points, resid, in.Priors, workingVar)
			if err != nil {
				return err
			}
			k, err := field.NewKriging(points, resid, ff.matern, ff.nugget)
			if err != nil {
				return fmt.Errorf("krige latent field: %w", err)
			}
			offset = k.Predict(points)

			st, err = e.fitIntercept(design, y, family, offset)
			if err != nil {
				return err
			}
			iters += st.iters
			e.log.Debug("glm round",
				zap.Int("round", round),
				zap.String("family", string(family)),
				zap.Float64("b0", st.res.Coef[0]),
				zap.Float64("range", ff.matern.Range),
				zap.Float64("sigma", ff.matern.Sigma),
				zap.Float64("nugget", ff.nugget))
		}
		support := make([]int, n)
		for i := range support {
			support[i] = i
		}
		fit.Field = &engine.FieldEstimate{
			Range:   ff.matern.Range,
			Sigma:   ff.matern.Sigma,
			Nugget:  ff.nugget,
			Omega:   offset,
			Support: support,
			Values:  resid,
		}
	}

	b0 := st.res.Coef[0]
	b0Var := st.res.Cov.At(0, 0)
	fit.Iterations = iters
	fit.Latent = make([]float64, n)
	for i := range fit.Latent {
		fit.Latent[i] = b0 + offset[i]
	}
	fit.Coefficients = []engine.Coefficient{
		{Name: engine.InterceptName, Estimate: b0, StdError: math.Sqrt(b0Var)},
	}
	fit.CoefficientCov = [][]float64{{b0Var}}

	switch f := st.family.(type) {
	case regression.Gaussian:
		fit.Dispersion = math.Sqrt(st.res.Dispersion)
	case regression.NegBinomial2:
		fit.Dispersion = f.Size
	default:
		fit.Dispersion = 1
	}
	return nil
}

// fitIntercept fits the intercept-only model under offset. NB2 starts from a
// Poisson fit and alternates size and mean estimates.
func (e *Engine) fitIntercept(design mat.Matrix, y []float64, family engine.Family, offset []float64) (glmState, error) {
	var rf regression.Family
	switch family {
	case engine.FamilyGaussian:
		rf = regression.Gaussian{}
	case engine.FamilyPoisson, engine.FamilyNB2:
		rf = regression.Poisson{}
	case engine.FamilyBinomial:
		rf = regression.Binomial{}
	default:
		return glmState{}, fmt.Errorf("family %s has no intercept model", family)
	}

	st := glmState{family: rf}
	fitOnce := func() error {
		res, err := regression.Fit(design, y, st.family, regression.Options{MaxIter: e.opts.MaxIter, Offset: offset})
		if err != nil {
			return fmt.Errorf("%s intercept: %w", st.family.Name(), err)
		}
		st.iters += res.Iterations
		if !res.Converged {
			return e.notConverged(st.family.Name()+" intercept", res.Iterations, "")
		}
		st.res = res
		return nil
	}

	if err := fitOnce(); err != nil {
		return st, err
	}
	if family != engine.FamilyNB2 {
		return st, nil
	}
	for i := 0; i < nb2SizeRounds; i++ {
		mu := make([]float64, len(y))
		for j := range mu {
			mu[j] = st.family.LinkInv(st.res.Coef[0] + offset[j])
		}
		st.family = regression.NegBinomial2{Size: regression.EstimateNB2Size(y, mu)}
		if err := fitOnce(); err != nil {
			return st, err
		}
	}
	return st, nil
}
