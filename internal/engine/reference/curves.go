package reference

import (
	"context"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/regression"
)

// plateData holds one plate's standards split by regression
type plateData struct {
	id string
	// detected standards only, for the Ct curve
	ctX, ctY []float64
	// all standards, for the detection curve
	detX, detY []float64
}

func groupStandards(standards []models.StandardRecord) []*plateData {
	var order []*plateData
	byID := make(map[string]*plateData)
	for _, s := range standards {
		p, ok := byID[s.PlateID]
		if !ok {
			p = &plateData{id: s.PlateID}
			byID[s.PlateID] = p
			order = append(order, p)
		}
		p.detX = append(p.detX, s.LogConc)
		if s.Detected {
			p.detY = append(p.detY, 1)
			p.ctX = append(p.ctX, s.LogConc)
			p.ctY = append(p.ctY, s.Ct)
		} else {
			p.detY = append(p.detY, 0)
		}
	}
	return order
}

// curveDesign is the [1, x] design matrix of a standard curve
func curveDesign(x []float64) *mat.Dense {
	d := mat.NewDense(len(x), 2, nil)
	for i, v := range x {
		d.Set(i, 0, 1)
		d.Set(i, 1, v)
	}
	return d
}

// curveSet is the estimate of one regression across all plates
type curveSet struct {
	coef   [][2]float64
	cov    [][2][2]float64
	mean   [2]float64
	popCov [2][2]float64
}

// fitPlateCurves estimates both regressions per plate by shrinkage IRLS.
// Round one shrinks weakly toward the pooled fit; the spread of those
// estimates becomes the prior for round two.
func (e *Engine) fitPlateCurves(ctx context.Context, plates []*plateData) (ct, det curveSet, sigma float64, iters int, err error) {
	var allCtX, allCtY, allDetX, allDetY []float64
	for _, p := range plates {
		allCtX = append(allCtX, p.ctX...)
		allCtY = append(allCtY, p.ctY...)
		allDetX = append(allDetX, p.detX...)
		allDetY = append(allDetY, p.detY...)
	}
	if len(allCtY) < 3 {
		ce := &engine.ConfigError{}
		ce.Add("standards", "need at least 3 detected standards to fit a curve, got %d", len(allCtY))
		return ct, det, 0, 0, ce
	}

	pooledCt, err := regression.Fit(curveDesign(allCtX), allCtY, regression.Gaussian{}, regression.Options{MaxIter: e.opts.MaxIter})
	if err != nil {
		return ct, det, 0, 0, fmt.Errorf("pooled ct curve: %w", err)
	}
	if !pooledCt.Converged {
		return ct, det, 0, 0, e.notConverged("pooled ct curve", pooledCt.Iterations, "")
	}
	pooledDet, err := regression.Fit(curveDesign(allDetX), allDetY, regression.Binomial{}, regression.Options{MaxIter: e.opts.MaxIter})
	if err != nil {
		return ct, det, 0, 0, fmt.Errorf("pooled detection curve: %w", err)
	}
	if !pooledDet.Converged {
		return ct, det, 0, 0, e.notConverged("pooled detection curve", pooledDet.Iterations, "")
	}
	iters = pooledCt.Iterations + pooledDet.Iterations

	weak := mat.NewSymDense(2, []float64{weakPrecision, 0, 0, weakPrecision})
	ctPrior := &regression.Prior{Mean: pooledCt.Coef, Precision: weak}
	detPrior := &regression.Prior{Mean: pooledDet.Coef, Precision: weak}
	dispersion := 0.0

	for round := 1; round <= 2; round++ {
		if err := checkContext(ctx, "plate curves"); err != nil {
			return ct, det, 0, 0, err
		}
		final := round == 2

		var n int
		ct, n, err = e.fitCurveSet(plates, true, ctPrior, dispersion, final)
		if err != nil {
			return ct, det, 0, 0, err
		}
		iters += n
		det, n, err = e.fitCurveSet(plates, false, detPrior, 0, final)
		if err != nil {
			return ct, det, 0, 0, err
		}
		iters += n

		if round == 1 {
			dispersion = withinPlateVariance(plates, ct, pooledCt.Dispersion)
			ctPrior, err = populationPrior(ct)
			if err != nil {
				return ct, det, 0, 0, err
			}
			detPrior, err = populationPrior(det)
			if err != nil {
				return ct, det, 0, 0, err
			}
		}
		e.log.Debug("plate curves",
			zap.Int("round", round),
			zap.Float64("ct_intercept_mean", ct.mean[0]),
			zap.Float64("ct_slope_mean", ct.mean[1]),
			zap.Float64("det_intercept_mean", det.mean[0]),
			zap.Float64("det_slope_mean", det.mean[1]))
	}
	return ct, det, math.Sqrt(dispersion), iters, nil
}

// fitCurveSet fits one regression on every plate and summarizes the population
func (e *Engine) fitCurveSet(plates []*plateData, ctCurve bool, prior *regression.Prior, dispersion float64, final bool) (curveSet, int, error) {
	set := curveSet{
		coef: make([][2]float64, len(plates)),
		cov:  make([][2][2]float64, len(plates)),
	}
	iters := 0
	for i, p := range plates {
		x, y := p.detX, p.detY
		var family regression.Family = regression.Binomial{}
		name := "detection"
		if ctCurve {
			x, y = p.ctX, p.ctY
			family = regression.Gaussian{}
			name = "ct"
		}

		if len(y) == 0 {
			// nothing observed on this plate: the posterior is the prior
			set.coef[i] = [2]float64{prior.Mean[0], prior.Mean[1]}
			set.cov[i] = inverse2(prior.Precision)
			continue
		}

		res, err := regression.Fit(curveDesign(x), y, family, regression.Options{
			MaxIter:    e.opts.MaxIter,
			Prior:      prior,
			Dispersion: dispersion,
		})
		if err != nil {
			return set, iters, fmt.Errorf("plate %s %s curve: %w", p.id, name, err)
		}
		iters += res.Iterations
		if final && !res.Converged {
			return set, iters, e.notConverged(fmt.Sprintf("plate %s %s curve", p.id, name), res.Iterations, "")
		}
		set.coef[i] = [2]float64{res.Coef[0], res.Coef[1]}
		set.cov[i] = [2][2]float64{
			{res.Cov.At(0, 0), res.Cov.At(0, 1)},
			{res.Cov.At(1, 0), res.Cov.At(1, 1)},
		}
	}

	set.mean, set.popCov = populationMoments(set)
	return set, iters, nil
}

// populationMoments is the mean and covariance of plate estimates. With fewer
// than three plates the average estimation covariance stands in for the spread.
func populationMoments(set curveSet) ([2]float64, [2][2]float64) {
	n := len(set.coef)
	var mean [2]float64
	if n == 0 {
		return mean, [2][2]float64{}
	}
	data := mat.NewDense(n, 2, nil)
	for i, c := range set.coef {
		data.Set(i, 0, c[0])
		data.Set(i, 1, c[1])
	}
	mean[0] = stat.Mean(mat.Col(nil, 0, data), nil)
	mean[1] = stat.Mean(mat.Col(nil, 1, data), nil)

	var cov [2][2]float64
	if n >= 3 {
		var sc mat.SymDense
		stat.CovarianceMatrix(&sc, data, nil)
		cov = [2][2]float64{{sc.At(0, 0), sc.At(0, 1)}, {sc.At(1, 0), sc.At(1, 1)}}
	} else {
		for _, c := range set.cov {
			for a := 0; a < 2; a++ {
				for b := 0; b < 2; b++ {
					cov[a][b] += c[a][b] / float64(n)
				}
			}
		}
	}
	return mean, cov
}

// populationPrior turns population moments into a Gaussian prior
func populationPrior(set curveSet) (*regression.Prior, error) {
	cov := set.popCov
	for a := 0; a < 2; a++ {
		cov[a][a] = math.Max(cov[a][a], minPopulationVariance)
	}
	sym := mat.NewSymDense(2, []float64{cov[0][0], cov[0][1], cov[1][0], cov[1][1]})
	var chol mat.Cholesky
	if !chol.Factorize(sym) {
		// drop the correlation rather than fail on a near-singular estimate
		sym.SetSym(0, 1, 0)
		if !chol.Factorize(sym) {
			return nil, fmt.Errorf("population covariance is not positive definite")
		}
	}
	precision := mat.NewSymDense(2, nil)
	if err := chol.InverseTo(precision); err != nil {
		return nil, fmt.Errorf("invert population covariance: %w", err)
	}
	return &regression.Prior{Mean: []float64{set.mean[0], set.mean[1]}, Precision: precision}, nil
}

// withinPlateVariance pools Ct residual variance around each plate's own curve
func withinPlateVariance(plates []*plateData, ct curveSet, fallback float64) float64 {
	var rss float64
	var n, p int
	for i, pl := range plates {
		if len(pl.ctY) == 0 {
			continue
		}
		p += 2
		for j, x := range pl.ctX {
			r := pl.ctY[j] - ct.coef[i][0] - ct.coef[i][1]*x
			rss += r * r
			n++
		}
	}
	if n-p <= 0 {
		return fallback
	}
	return math.Max(rss/float64(n-p), 1e-12)
}

func inverse2(s mat.Symmetric) [2][2]float64 {
	a, b, d := s.At(0, 0), s.At(0, 1), s.At(1, 1)
	det := a*d - b*b
	if det == 0 {
		return [2][2]float64{}
	}
	return [2][2]float64{{d / det, -b / det}, {-b / det, a / det}}
}

const (
	weakPrecision         = 1e-2
	minPopulationVariance = 1e-8
)
