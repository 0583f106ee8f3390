// Package fitting registers the edna_fit analyzer, which fits a model to a
// stored synthesis run through the configured engine.
package fitting

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/analysis"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/spatial"
)

// Params are the task parameters
type Params struct {
	RunID  string `json:"run_id"`
	Engine string `json:"engine,omitempty"`
	// Family defaults to the family the run was synthesized with
	Family         string       `json:"family,omitempty"`
	Spatial        *bool        `json:"spatial,omitempty"`
	Spatiotemporal string       `json:"spatiotemporal,omitempty"`
	Priors         field.Priors `json:"priors"`
}

// Result is stored as the task result summary
type Result struct {
	FitID   string         `json:"fit_id"`
	RunID   string         `json:"run_id"`
	Summary engine.Summary `json:"summary"`
}

// Analyzer implements analysis.Analyzer
type Analyzer struct {
	*analysis.BaseAnalyzer
}

// New creates the fit analyzer
func New(deps analysis.Dependencies) *Analyzer {
	return &Analyzer{BaseAnalyzer: analysis.NewBaseAnalyzer(deps, models.SkillFit)}
}

func init() {
	analysis.RegisterAnalyzer(models.SkillFit, func(deps analysis.Dependencies) analysis.Analyzer {
		return New(deps)
	})
}

// ValidateParams implements analysis.ParamValidator
func (a *Analyzer) ValidateParams(raw json.RawMessage, chained bool) error {
	var p Params
	if err := analysis.DecodeParams(raw, &p); err != nil {
		return err
	}
	return a.validate(p, chained)
}

func (a *Analyzer) validate(p Params, chained bool) error {
	if p.RunID == "" && !chained {
		return fmt.Errorf("%w: run_id is required", analysis.ErrInvalidParams)
	}
	if p.Family != "" {
		if _, err := engine.ParseFamily(p.Family); err != nil {
			return fmt.Errorf("%w: %v", analysis.ErrInvalidParams, err)
		}
	}
	if _, err := field.ParseTemporal(p.Spatiotemporal); err != nil {
		return fmt.Errorf("%w: %v", analysis.ErrInvalidParams, err)
	}
	if _, err := a.Deps.Engine(p.Engine); err != nil {
		return err
	}
	return nil
}

// Input loads a stored run as an engine input
func Input(runs *repository.RunRepository, p Params) (engine.FitInput, error) {
	run, err := runs.GetByID(p.RunID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return engine.FitInput{}, fmt.Errorf("%w: run %s not found", analysis.ErrInvalidParams, p.RunID)
		}
		return engine.FitInput{}, err
	}
	family := p.Family
	if family == "" {
		family = run.Family
	}
	fam, err := engine.ParseFamily(family)
	if err != nil {
		return engine.FitInput{}, fmt.Errorf("%w: %v", analysis.ErrInvalidParams, err)
	}

	in := engine.FitInput{
		Family:         fam,
		Spatial:        p.Spatial == nil || *p.Spatial,
		Spatiotemporal: p.Spatiotemporal,
		Priors:         p.Priors,
	}
	if in.Standards, err = runs.AllStandards(run.ID); err != nil {
		return engine.FitInput{}, err
	}
	if in.Observations, err = runs.AllObservations(run.ID); err != nil {
		return engine.FitInput{}, err
	}
	if run.MeshJSON != "" {
		in.Mesh = &spatial.Mesh{}
		if err := json.Unmarshal([]byte(run.MeshJSON), in.Mesh); err != nil {
			return engine.FitInput{}, fmt.Errorf("decode mesh of run %s: %w", run.ID, err)
		}
	}
	return in, nil
}

// Analyze implements analysis.Analyzer
func (a *Analyzer) Analyze(ctx context.Context, task *models.AnalysisTask) (any, error) {
	var p Params
	if err := analysis.TaskParams(task, &p); err != nil {
		return nil, err
	}
	if err := a.validate(p, false); err != nil {
		return nil, err
	}
	eng, err := a.Deps.Engine(p.Engine)
	if err != nil {
		return nil, err
	}

	var (
		in  engine.FitInput
		fit *engine.Fit
	)
	err = a.RunStages(ctx, task.ID,
		analysis.Stage{Name: "load", Run: func(ctx context.Context) error {
			in, err = Input(a.Deps.Runs, p)
			return err
		}},
		analysis.Stage{Name: "fit", Run: func(ctx context.Context) error {
			fit, err = eng.Fit(ctx, in)
			return err
		}},
		analysis.Stage{Name: "persist", Run: func(ctx context.Context) error {
			return Store(a.Deps.Fits, fit, p.RunID, task.ID)
		}},
	)
	if err != nil {
		return nil, err
	}

	summary := fit.Summarize()
	a.Log.Info("fit stored",
		zap.Int64("task_id", task.ID),
		zap.String("fit_id", fit.ID),
		zap.String("engine", fit.Engine),
		zap.String("family", string(fit.Family)),
		zap.Int("iterations", fit.Iterations))
	return &Result{FitID: fit.ID, RunID: p.RunID, Summary: summary}, nil
}

// Store persists fit as a record of runID
func Store(fits *repository.FitRepository, fit *engine.Fit, runID string, taskID int64) error {
	fitJSON, err := json.Marshal(fit)
	if err != nil {
		return fmt.Errorf("encode fit: %w", err)
	}
	summaryJSON, err := json.Marshal(fit.Summarize())
	if err != nil {
		return fmt.Errorf("encode fit summary: %w", err)
	}
	return fits.Create(&models.FitRecord{
		ID:          fit.ID,
		RunID:       runID,
		TaskID:      taskID,
		Engine:      fit.Engine,
		Family:      string(fit.Family),
		Converged:   fit.Converged,
		SummaryJSON: string(summaryJSON),
		FitJSON:     string(fitJSON),
	})
}

// Load decodes a stored fit
func Load(fits *repository.FitRepository, id string) (*models.FitRecord, *engine.Fit, error) {
	rec, err := fits.GetByID(id)
	if err != nil {
		return nil, nil, err
	}
	fit := &engine.Fit{}
	if err := json.Unmarshal([]byte(rec.FitJSON), fit); err != nil {
		return nil, nil, fmt.Errorf("decode fit %s: %w", id, err)
	}
	return rec, fit, nil
}
