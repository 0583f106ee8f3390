// Package synthesis registers the edna_synthesis analyzer, which generates a
// calibration table and a field-sample table and stores them as a run.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/analysis"
	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/models"
	gen "github.com/jengzang/edna-backend-go/internal/synthesis"
)

// Params are the task parameters. Config fields override the service
// defaults one by one.
type Params struct {
	gen.Config
	// Export writes the standards and observations as CSV artifacts
	Export bool `json:"export"`
}

// Result is stored as the task result summary
type Result struct {
	RunID         string          `json:"run_id"`
	Seed          uint64          `json:"seed"`
	Family        string          `json:"family"`
	Plates        int             `json:"plates"`
	Standards     int             `json:"standards"`
	Observations  int             `json:"observations"`
	DetectedShare float64         `json:"detected_share"`
	MeshVertices  int             `json:"mesh_vertices,omitempty"`
	Artifacts     []artifact.Info `json:"artifacts,omitempty"`
}

// Analyzer implements analysis.Analyzer
type Analyzer struct {
	*analysis.BaseAnalyzer
}

// New creates the synthesis analyzer
func New(deps analysis.Dependencies) *Analyzer {
	return &Analyzer{BaseAnalyzer: analysis.NewBaseAnalyzer(deps, models.SkillSynthesis)}
}

func init() {
	analysis.RegisterAnalyzer(models.SkillSynthesis, func(deps analysis.Dependencies) analysis.Analyzer {
		return New(deps)
	})
}

// params merges raw over the configured defaults
func (a *Analyzer) params(raw json.RawMessage) (Params, error) {
	p := Params{Config: a.Deps.Synthesis}
	p.Concentrations = slices.Clone(p.Concentrations)
	if err := analysis.DecodeParams(raw, &p); err != nil {
		return Params{}, err
	}
	return p, nil
}

// ValidateParams implements analysis.ParamValidator
func (a *Analyzer) ValidateParams(raw json.RawMessage, _ bool) error {
	p, err := a.params(raw)
	if err != nil {
		return err
	}
	return p.Config.Validate()
}

// Analyze implements analysis.Analyzer
func (a *Analyzer) Analyze(ctx context.Context, task *models.AnalysisTask) (any, error) {
	p, err := a.params(json.RawMessage(task.ParamsJSON))
	if err != nil {
		return nil, err
	}

	var ds *gen.Dataset
	run := &models.SynthesisRun{
		ID:     uuid.NewString(),
		TaskID: task.ID,
		Seed:   p.Seed,
		Family: p.Family,
	}
	if run.Family == "" {
		run.Family = "delta_standard_curve"
	}
	res := &Result{RunID: run.ID, Seed: p.Seed, Family: run.Family}

	stages := []analysis.Stage{
		{Name: "synthesize", Run: func(ctx context.Context) error {
			ds, err = gen.Run(p.Config)
			return err
		}},
		{Name: "persist", Run: func(ctx context.Context) error {
			cfgJSON, err := json.Marshal(p.Config)
			if err != nil {
				return fmt.Errorf("encode config: %w", err)
			}
			run.ConfigJSON = string(cfgJSON)
			if ds.Mesh != nil {
				meshJSON, err := json.Marshal(ds.Mesh)
				if err != nil {
					return fmt.Errorf("encode mesh: %w", err)
				}
				run.MeshJSON = string(meshJSON)
				res.MeshVertices = len(ds.Mesh.Vertices)
			}
			return a.Deps.Runs.CreateDataset(run, ds.Plates, ds.Standards, ds.Observations)
		}},
	}
	if p.Export && a.Deps.Artifacts != nil {
		stages = append(stages, analysis.Stage{Name: "export", Run: func(ctx context.Context) error {
			infos, err := artifact.ExportRun(ctx, a.Deps.Artifacts, run.ID, ds.Standards, ds.Observations)
			res.Artifacts = infos
			return err
		}})
	}
	if err := a.RunStages(ctx, task.ID, stages...); err != nil {
		return nil, err
	}

	res.Plates, res.Standards, res.Observations = len(ds.Plates), len(ds.Standards), len(ds.Observations)
	res.DetectedShare = detectedShare(ds)
	a.Log.Info("synthesis run stored",
		zap.Int64("task_id", task.ID),
		zap.String("run_id", run.ID),
		zap.Int("standards", res.Standards),
		zap.Int("observations", res.Observations))
	return res, nil
}

func detectedShare(ds *gen.Dataset) float64 {
	total, detected := 0, 0
	for _, s := range ds.Standards {
		total++
		if s.Detected {
			detected++
		}
	}
	for _, o := range ds.Observations {
		if o.PlateID == "" {
			continue
		}
		total++
		if o.Detected {
			detected++
		}
	}
	if total == 0 {
		return 0
	}
	return float64(detected) / float64(total)
}
