// Package diagnostics registers the residual_diagnostics analyzer, which
// computes residuals of a stored fit and compares simulated statistics with
// the observed data.
package diagnostics

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/analysis"
	"github.com/jengzang/edna-backend-go/internal/analysis/fitting"
	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/residuals"
)

// DefaultDraws is used when a simulation-based mode gives no draw count
const DefaultDraws = 250

// Params are the task parameters
type Params struct {
	FitID string `json:"fit_id"`
	residuals.ModeSpec
	// Seed zero selects the seed of the synthesis run behind the fit
	Seed uint64 `json:"seed"`
	// Export writes the n x draws matrix as a CSV artifact
	Export *bool `json:"export,omitempty"`
}

// Report is the persisted digest of a residual run
type Report struct {
	Summary residuals.Summary  `json:"summary"`
	QQ      residuals.QQResult `json:"qq"`
}

// Result is stored as the task result summary
type Result struct {
	ResidualID  string             `json:"residual_id"`
	FitID       string             `json:"fit_id"`
	Mode        residuals.ModeSpec `json:"mode"`
	Seed        uint64             `json:"seed"`
	Summary     residuals.Summary  `json:"summary"`
	ArtifactKey string             `json:"artifact_key,omitempty"`
}

// Analyzer implements analysis.Analyzer
type Analyzer struct {
	*analysis.BaseAnalyzer
}

// New creates the diagnostics analyzer
func New(deps analysis.Dependencies) *Analyzer {
	return &Analyzer{BaseAnalyzer: analysis.NewBaseAnalyzer(deps, models.SkillDiagnostics)}
}

func init() {
	analysis.RegisterAnalyzer(models.SkillDiagnostics, func(deps analysis.Dependencies) analysis.Analyzer {
		return New(deps)
	})
}

func defaultParams() Params {
	return Params{ModeSpec: residuals.ModeSpec{Mode: residuals.SimulationMode{}.Name(), Draws: DefaultDraws}}
}

// ValidateParams implements analysis.ParamValidator
func (a *Analyzer) ValidateParams(raw json.RawMessage, chained bool) error {
	p := defaultParams()
	if err := analysis.DecodeParams(raw, &p); err != nil {
		return err
	}
	_, err := a.validate(p, chained)
	return err
}

func (a *Analyzer) validate(p Params, chained bool) (residuals.Mode, error) {
	if p.FitID == "" && !chained {
		return nil, fmt.Errorf("%w: fit_id is required", analysis.ErrInvalidParams)
	}
	mode, err := p.ModeSpec.Parse()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", analysis.ErrInvalidParams, err)
	}
	if a.Deps.MaxDraws > 0 && mode.DrawCount() > a.Deps.MaxDraws {
		return nil, fmt.Errorf("%w: draws %d exceed the limit of %d", analysis.ErrInvalidParams, mode.DrawCount(), a.Deps.MaxDraws)
	}
	return mode, nil
}

// Analyze implements analysis.Analyzer
func (a *Analyzer) Analyze(ctx context.Context, task *models.AnalysisTask) (any, error) {
	p := defaultParams()
	if err := analysis.TaskParams(task, &p); err != nil {
		return nil, err
	}
	mode, err := a.validate(p, false)
	if err != nil {
		return nil, err
	}

	var (
		rec *models.FitRecord
		fit *engine.Fit
		res *residuals.Result
	)
	run := &models.ResidualRun{
		ID:     uuid.NewString(),
		FitID:  p.FitID,
		TaskID: task.ID,
		Mode:   mode.Name(),
		Draws:  mode.DrawCount(),
	}

	stages := []analysis.Stage{
		{Name: "load", Run: func(ctx context.Context) error {
			rec, fit, err = fitting.Load(a.Deps.Fits, p.FitID)
			if errors.Is(err, repository.ErrNotFound) {
				return fmt.Errorf("%w: fit %s not found", analysis.ErrInvalidParams, p.FitID)
			}
			if err != nil {
				return err
			}
			run.Seed = p.Seed
			if run.Seed == 0 {
				run.Seed, err = a.runSeed(rec.RunID)
			}
			return err
		}},
		{Name: "residuals", Run: func(ctx context.Context) error {
			res, err = residuals.ComputeWithOptions(ctx, fit, mode, run.Seed, a.Deps.ResidualOptions)
			if err != nil {
				return err
			}
			a.Deps.Metrics.AddResidualDraws(mode.Name(), mode.DrawCount())
			return nil
		}},
	}
	if (p.Export == nil || *p.Export) && a.Deps.Artifacts != nil {
		stages = append(stages, analysis.Stage{Name: "export", Run: func(ctx context.Context) error {
			if res.Matrix == nil {
				return nil
			}
			info, err := artifact.ExportMatrix(ctx, a.Deps.Artifacts, run.ID, res.Matrix)
			if err != nil {
				return err
			}
			run.ArtifactKey = info.Key
			return nil
		}})
	}
	stages = append(stages, analysis.Stage{Name: "persist", Run: func(ctx context.Context) error {
		summaryJSON, err := json.Marshal(Report{Summary: res.Summary, QQ: res.QQ()})
		if err != nil {
			return fmt.Errorf("encode residual summary: %w", err)
		}
		run.SummaryJSON = string(summaryJSON)
		run.Rows = len(res.Observed)
		run.Cols = 1
		if res.Matrix != nil {
			run.Rows, run.Cols = res.Matrix.Dims()
		}
		return a.Deps.Residuals.Create(run)
	}})

	if err := a.RunStages(ctx, task.ID, stages...); err != nil {
		return nil, err
	}

	fields := []zap.Field{
		zap.Int64("task_id", task.ID),
		zap.String("residual_id", run.ID),
		zap.String("mode", run.Mode),
		zap.Int("draws", run.Draws),
		zap.Float64("ks_p", res.Summary.KS.PValue),
	}
	if zp := res.Summary.ZeroProportion; zp != nil {
		fields = append(fields, zap.Float64("zero_p", zp.PValue))
	}
	a.Log.Info("residual diagnostics stored", fields...)

	return &Result{
		ResidualID:  run.ID,
		FitID:       p.FitID,
		Mode:        residuals.Spec(mode),
		Seed:        run.Seed,
		Summary:     res.Summary,
		ArtifactKey: run.ArtifactKey,
	}, nil
}

func (a *Analyzer) runSeed(runID string) (uint64, error) {
	run, err := a.Deps.Runs.GetByID(runID)
	if errors.Is(err, repository.ErrNotFound) {
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	return run.Seed, nil
}
