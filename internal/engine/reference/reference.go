// Package reference is the in-process fitting engine: a two-stage estimator
// built from shrinkage IRLS plate curves, curve inversion, a variogram fit and
// simple kriging. It is not a Laplace-approximation engine and does not
// maximize the joint marginal likelihood.
package reference

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/field"
)

// Name identifies this engine in persisted fits
const Name = "reference"

// Options tune the estimator. Zero values select the defaults.
type Options struct {
	// MaxIter bounds every IRLS fit
	MaxIter int
	// Rounds of the alternating intercept / field estimation
	Rounds int
	// VariogramBins is the number of lag classes
	VariogramBins int
	Logger        *zap.Logger
}

// Engine implements engine.Engine
type Engine struct {
	opts Options
	log  *zap.Logger
}

// New creates a reference engine
func New(opts Options) *Engine {
	if opts.MaxIter <= 0 {
		opts.MaxIter = 50
	}
	if opts.Rounds <= 0 {
		opts.Rounds = 2
	}
	if opts.VariogramBins <= 0 {
		opts.VariogramBins = 15
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{opts: opts, log: log.Named("reference")}
}

// Name implements engine.Engine
func (e *Engine) Name() string { return Name }

// Fit implements engine.Engine
func (e *Engine) Fit(ctx context.Context, in engine.FitInput) (*engine.Fit, error) {
	if err := engine.Validate(in); err != nil {
		return nil, err
	}
	if mode, _ := field.ParseTemporal(in.Spatiotemporal); mode != field.TemporalOff {
		ce := &engine.ConfigError{}
		ce.Add("spatiotemporal", "the reference engine fits spatial fields only; use an external engine for %s", mode)
		return nil, ce
	}
	family, _ := engine.ParseFamily(string(in.Family))

	fit := &engine.Fit{
		ID:           uuid.NewString(),
		Engine:       Name,
		Family:       family,
		Spatial:      in.Spatial,
		Observations: in.Observations,
		Standards:    in.Standards,
		Mesh:         in.Mesh,
	}

	var err error
	if family == engine.FamilyStandardCurve {
		err = e.fitStandardCurve(ctx, in, fit)
	} else {
		err = e.fitGLM(ctx, in, family, fit)
	}
	if err != nil {
		return nil, err
	}
	fit.Converged = true

	e.log.Debug("fit complete",
		zap.String("fit_id", fit.ID),
		zap.String("family", string(family)),
		zap.Int("iterations", fit.Iterations),
		zap.Bool("spatial", fit.Spatial))
	return fit, nil
}

func (e *Engine) notConverged(stage string, iterations int, reason string) error {
	return &engine.ConvergenceError{Engine: Name, Stage: stage, Iterations: iterations, Reason: reason}
}

func checkContext(ctx context.Context, stage string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%s: %w", stage, err)
	}
	return nil
}
