package residuals

import (
	"context"
	"fmt"
	"math/rand/v2"
	"runtime"

	"github.com/golang/geo/r2"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/rng"
)

// Result holds the residuals of one Compute call. Matrix is n x Draws:
// quantile residuals per posterior draw for MCMC, simulated responses for
// Simulation and Joint. It is exported as CSV, not JSON.
type Result struct {
	Mode     ModeSpec  `json:"mode"`
	Seed     uint64    `json:"seed"`
	Observed []float64 `json:"observed"`
	// Residuals is the quantile residual vector, or the scaled (uniform)
	// residuals of a simulation
	Residuals []float64  `json:"residuals"`
	Matrix    *mat.Dense `json:"-"`
	Summary   Summary    `json:"summary"`
}

// Options tune Compute
type Options struct {
	// Parallelism bounds concurrent draws; zero uses GOMAXPROCS
	Parallelism int
}

// Compute produces the residuals of fit under mode. Results depend only on
// (fit, mode, seed); draw d always uses stream d of seed.
func Compute(ctx context.Context, fit *engine.Fit, mode Mode, seed uint64) (*Result, error) {
	return ComputeWithOptions(ctx, fit, mode, seed, Options{})
}

// ComputeWithOptions is Compute with explicit tuning
func ComputeWithOptions(ctx context.Context, fit *engine.Fit, mode Mode, seed uint64, opts Options) (*Result, error) {
	if fit == nil {
		return nil, fmt.Errorf("residuals: nil fit")
	}
	if mode == nil {
		return nil, fmt.Errorf("residuals: nil mode")
	}
	if _, isQuantile := mode.(QuantileMode); !isQuantile && mode.DrawCount() < 1 {
		return nil, fmt.Errorf("residuals: mode %s needs draws >= 1", mode.Name())
	}
	m, err := newModel(fit)
	if err != nil {
		return nil, err
	}
	fitted := params{latent: append([]float64(nil), fit.Latent...), plates: fit.PlateEffects()}
	res := &Result{Mode: Spec(mode), Seed: seed, Observed: append([]float64(nil), m.y...)}

	switch md := mode.(type) {
	case QuantileMode:
		res.Residuals = m.quantile(fitted, rng.New(seed))
	case MCMCMode:
		draw, err := posteriorDraw(fit, fitted)
		if err != nil {
			return nil, err
		}
		res.Matrix, err = runDraws(ctx, m.n(), md.Draws, seed, opts, func(r *rand.Rand) []float64 {
			return m.quantile(draw(r), r)
		})
		if err != nil {
			return nil, err
		}
		res.Residuals = flatten(res.Matrix)
	case SimulationMode:
		res.Matrix, err = runDraws(ctx, m.n(), md.Draws, seed, opts, func(r *rand.Rand) []float64 {
			return m.simulate(fitted, r)
		})
		if err != nil {
			return nil, err
		}
		res.Residuals = ScaledResiduals(res.Matrix, m.y, rng.Derive(seed, uint64(md.Draws)))
	case JointMode:
		draw, err := jointDraw(fit, fitted, md)
		if err != nil {
			return nil, err
		}
		res.Matrix, err = runDraws(ctx, m.n(), md.Draws, seed, opts, func(r *rand.Rand) []float64 {
			return m.simulate(draw(r), r)
		})
		if err != nil {
			return nil, err
		}
		res.Residuals = ScaledResiduals(res.Matrix, m.y, rng.Derive(seed, uint64(md.Draws)))
	default:
		return nil, fmt.Errorf("residuals: unsupported mode %T", mode)
	}

	res.Summary = summarize(res, mode)
	return res, nil
}

// runDraws evaluates one column per draw with bounded parallelism
func runDraws(ctx context.Context, rows, draws int, seed uint64, opts Options, column func(*rand.Rand) []float64) (*mat.Dense, error) {
	limit := opts.Parallelism
	if limit <= 0 {
		limit = runtime.GOMAXPROCS(0)
	}
	cols := make([][]float64, draws)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for d := 0; d < draws; d++ {
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			cols[d] = column(rng.Derive(seed, uint64(d)))
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, fmt.Errorf("residual draws: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("residual draws: %w", err)
	}

	out := mat.NewDense(rows, draws, nil)
	for d, col := range cols {
		out.SetCol(d, col)
	}
	return out, nil
}

// posteriorDraw samples the field from its kriging conditional and the plate
// curves from their estimation covariance
func posteriorDraw(fit *engine.Fit, fitted params) (func(*rand.Rand) params, error) {
	b0, _ := fit.FixedEffect(engine.InterceptName)

	var mean []float64
	var sampler *field.Sampler
	if fit.Field != nil {
		k, err := fit.Kriging()
		if err != nil {
			return nil, fmt.Errorf("posterior field: %w", err)
		}
		var cov *mat.SymDense
		mean, cov, err = k.Conditional(points(fit))
		if err != nil {
			return nil, fmt.Errorf("posterior field: %w", err)
		}
		if sampler, err = field.NewSampler(cov); err != nil {
			return nil, fmt.Errorf("posterior field: %w", err)
		}
	}

	return func(r *rand.Rand) params {
		p := params{latent: append([]float64(nil), fitted.latent...), plates: fit.PlateEffects()}
		if sampler != nil {
			w := sampler.Draw(r)
			for i := range p.latent {
				p.latent[i] = b0 + mean[i] + w[i]
			}
		}
		for i := range p.plates {
			pl := &p.plates[i]
			pl.CtIntercept, pl.CtSlope = drawPair(pl.CtIntercept, pl.CtSlope, pl.CtCov, r)
			pl.DetIntercept, pl.DetSlope = drawPair(pl.DetIntercept, pl.DetSlope, pl.DetCov, r)
		}
		return p
	}, nil
}

// drawPair samples an (intercept, slope) pair; a degenerate covariance keeps the estimate
func drawPair(a, b float64, cov [2][2]float64, r *rand.Rand) (float64, float64) {
	sym := mat.NewSymDense(2, []float64{cov[0][0], cov[0][1], cov[1][0], cov[1][1]})
	n, ok := distmv.NewNormal([]float64{a, b}, sym, r)
	if !ok {
		return a, b
	}
	x := n.Rand(nil)
	return x[0], x[1]
}

// jointDraw redraws the fixed effects and the field as requested. Plate
// curves shift with their population means.
func jointDraw(fit *engine.Fit, fitted params, md JointMode) (func(*rand.Rand) params, error) {
	coefs := fit.FixedEffects()
	est := make([]float64, len(coefs))
	for i, c := range coefs {
		est[i] = c.Estimate
	}
	cov := fit.FixedCov()
	if md.FixedEffects && len(est) > 0 {
		if _, ok := distmv.NewNormal(est, cov, nil); !ok {
			return nil, fmt.Errorf("residuals: fixed-effect covariance is not positive definite")
		}
	}

	b0, _ := fit.FixedEffect(engine.InterceptName)
	var sampler *field.Sampler
	if md.RandomFields && fit.Field != nil {
		var err error
		sampler, err = field.NewSampler(fit.Field.Matern().CovarianceMatrix(points(fit), 0))
		if err != nil {
			return nil, fmt.Errorf("residuals: unconditional field: %w", err)
		}
	}

	return func(r *rand.Rand) params {
		p := params{latent: make([]float64, len(fitted.latent)), plates: fit.PlateEffects()}
		shift := make(map[string]float64, len(coefs))
		if md.FixedEffects && len(est) > 0 {
			n, _ := distmv.NewNormal(est, cov, r)
			beta := n.Rand(nil)
			for i, c := range coefs {
				shift[c.Name] = beta[i] - c.Estimate
			}
		}
		if sampler != nil {
			w := sampler.Draw(r)
			for i := range p.latent {
				p.latent[i] = b0 + shift[engine.InterceptName] + w[i]
			}
		} else {
			for i, v := range fitted.latent {
				p.latent[i] = v + shift[engine.InterceptName]
			}
		}
		for i := range p.plates {
			pl := &p.plates[i]
			pl.CtIntercept += shift[engine.CoefCtIntercept]
			pl.CtSlope += shift[engine.CoefCtSlope]
			pl.DetIntercept += shift[engine.CoefDetIntercept]
			pl.DetSlope += shift[engine.CoefDetSlope]
		}
		return p
	}, nil
}

func points(fit *engine.Fit) []r2.Point {
	pts := make([]r2.Point, len(fit.Observations))
	for i, o := range fit.Observations {
		pts[i] = o.Point()
	}
	return pts
}

func flatten(m *mat.Dense) []float64 {
	r, c := m.Dims()
	out := make([]float64, 0, r*c)
	for j := 0; j < c; j++ {
		out = append(out, mat.Col(nil, j, m)...)
	}
	return out
}
