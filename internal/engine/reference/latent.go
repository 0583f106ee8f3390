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
	"github.com/jengzang/edna-backend-go/internal/stats"
)

// fitStandardCurve runs the calibrated hurdle model: plate curves from the
// standards, then the latent surface from inverted field-sample Ct values.
func (e *Engine) fitStandardCurve(ctx context.Context, in engine.FitInput, fit *engine.Fit) error {
	plates := groupStandards(in.Standards)
	ct, det, sigma, iters, err := e.fitPlateCurves(ctx, plates)
	if err != nil {
		return err
	}
	fit.Iterations = iters
	fit.Dispersion = sigma

	fit.Plates = make([]engine.PlateEffect, len(plates))
	for i, p := range plates {
		fit.Plates[i] = engine.PlateEffect{
			Plate:        p.id,
			CtIntercept:  ct.coef[i][0],
			CtSlope:      ct.coef[i][1],
			DetIntercept: det.coef[i][0],
			DetSlope:     det.coef[i][1],
			CtCov:        ct.cov[i],
			DetCov:       det.cov[i],
		}
	}
	fit.Population = &engine.Population{
		CtMean: ct.mean, CtCov: ct.popCov,
		DetMean: det.mean, DetCov: det.popCov,
	}

	if err := checkContext(ctx, "latent field"); err != nil {
		return err
	}

	// invert each detected sample's Ct through its plate curve
	idx := fit.PlateIndex()
	var support []int
	var values []float64
	var measurementVar float64
	for i, o := range in.Observations {
		if !o.Detected {
			continue
		}
		p := fit.Plates[idx[o.PlateID]]
		if math.Abs(p.CtSlope) < minSlope {
			continue
		}
		support = append(support, i)
		values = append(values, (o.Ct-p.CtIntercept)/p.CtSlope)
		measurementVar += (sigma / p.CtSlope) * (sigma / p.CtSlope)
	}
	if len(support) < 2 {
		ce := &engine.ConfigError{}
		ce.Add("observations", "need at least 2 detected observations to estimate the latent surface, got %d", len(support))
		return ce
	}
	measurementVar /= float64(len(support))

	b0 := stats.Mean(values)
	b0Var := stats.Variance(values) / float64(len(values))

	omega := make([]float64, len(in.Observations))
	if in.Spatial {
		points := make([]r2.Point, len(support))
		for i, idx := range support {
			points[i] = in.Observations[idx].Point()
		}
		var ff fieldFit
		for round := 1; round <= e.opts.Rounds; round++ {
			if err := checkContext(ctx, "latent field"); err != nil {
				return err
			}
			resid := make([]float64, len(values))
			for i, v := range values {
				resid[i] = v - b0
			}
			ff, err = e.fitField(points, resid, in.Priors, measurementVar)
			if err != nil {
				return err
			}
			b0, b0Var, err = glsIntercept(points, values, ff)
			if err != nil {
				return err
			}
			e.log.Debug("latent round",
				zap.Int("round", round),
				zap.Float64("b0", b0),
				zap.Float64("range", ff.matern.Range),
				zap.Float64("sigma", ff.matern.Sigma),
				zap.Float64("nugget", ff.nugget))
		}

		resid := make([]float64, len(values))
		for i, v := range values {
			resid[i] = v - b0
		}
		k, err := field.NewKriging(points, resid, ff.matern, ff.nugget)
		if err != nil {
			return fmt.Errorf("krige latent field: %w", err)
		}
		all := make([]r2.Point, len(in.Observations))
		for i, o := range in.Observations {
			all[i] = o.Point()
		}
		omega = k.Predict(all)
		fit.Field = &engine.FieldEstimate{
			Range:   ff.matern.Range,
			Sigma:   ff.matern.Sigma,
			Nugget:  ff.nugget,
			Omega:   omega,
			Support: support,
			Values:  resid,
		}
	}

	fit.Latent = make([]float64, len(in.Observations))
	for i := range fit.Latent {
		fit.Latent[i] = b0 + omega[i]
	}

	nPlates := float64(len(plates))
	fit.Coefficients = []engine.Coefficient{
		{Name: engine.InterceptName, Estimate: b0, StdError: math.Sqrt(b0Var)},
		{Name: engine.CoefCtIntercept, Estimate: ct.mean[0], StdError: math.Sqrt(ct.popCov[0][0] / nPlates)},
		{Name: engine.CoefCtSlope, Estimate: ct.mean[1], StdError: math.Sqrt(ct.popCov[1][1] / nPlates)},
		{Name: engine.CoefDetIntercept, Estimate: det.mean[0], StdError: math.Sqrt(det.popCov[0][0] / nPlates)},
		{Name: engine.CoefDetSlope, Estimate: det.mean[1], StdError: math.Sqrt(det.popCov[1][1] / nPlates)},
	}
	fit.CoefficientCov = [][]float64{
		{b0Var, 0, 0, 0, 0},
		{0, ct.popCov[0][0] / nPlates, ct.popCov[0][1] / nPlates, 0, 0},
		{0, ct.popCov[1][0] / nPlates, ct.popCov[1][1] / nPlates, 0, 0},
		{0, 0, 0, det.popCov[0][0] / nPlates, det.popCov[0][1] / nPlates},
		{0, 0, 0, det.popCov[1][0] / nPlates, det.popCov[1][1] / nPlates},
	}
	return nil
}

// fieldFit is a fitted Matérn field plus nugget
type fieldFit struct {
	matern field.Matern
	nugget float64
}

// fitField fits the variogram of resid, flooring the nugget at the known
// measurement variance.
func (e *Engine) fitField(points []r2.Point, resid []float64, priors field.Priors, nuggetFloor float64) (fieldFit, error) {
	bins := field.EmpiricalVariogram(points, resid, e.opts.VariogramBins, 0)
	vf, err := field.FitVariogram(bins, priors)
	if err != nil {
		return fieldFit{}, e.notConverged("variogram", 0, err.Error())
	}
	ff := fieldFit{matern: vf.Matern, nugget: math.Max(vf.Nugget, nuggetFloor)}
	if ff.matern.Sigma == 0 && ff.nugget == 0 {
		return fieldFit{}, e.notConverged("variogram", 0, "residuals have no variance")
	}
	return ff, nil
}

// glsIntercept is the generalized least squares mean of values under the field covariance
func glsIntercept(points []r2.Point, values []float64, ff fieldFit) (float64, float64, error) {
	cov := ff.matern.CovarianceMatrix(points, ff.nugget)
	var chol mat.Cholesky
	if !chol.Factorize(cov) {
		return 0, 0, fmt.Errorf("field covariance: %w", field.ErrNotPositiveDefinite)
	}
	n := len(values)
	ones := make([]float64, n)
	for i := range ones {
		ones[i] = 1
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, mat.NewVecDense(n, ones)); err != nil {
		return 0, 0, fmt.Errorf("gls solve: %w", err)
	}
	denom := mat.Sum(&w)
	if denom <= 0 {
		return 0, 0, fmt.Errorf("gls: non-positive information")
	}
	num := mat.Dot(&w, mat.NewVecDense(n, values))
	return num / denom, 1 / denom, nil
}

const minSlope = 1e-8
