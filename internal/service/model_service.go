package service

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/jengzang/edna-backend-go/internal/analysis/diagnostics"
	"github.com/jengzang/edna-backend-go/internal/analysis/fitting"
	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
)

// ModelService serves fitted models and their diagnostics
type ModelService struct {
	fits      *repository.FitRepository
	residuals *repository.ResidualRepository
	artifacts artifact.Store
}

// NewModelService creates a new model service
func NewModelService(fits *repository.FitRepository, residuals *repository.ResidualRepository, artifacts artifact.Store) *ModelService {
	return &ModelService{fits: fits, residuals: residuals, artifacts: artifacts}
}

// FitDetail is a stored fit with its decoded summary
type FitDetail struct {
	*models.FitRecord
	Summary   engine.Summary        `json:"summary"`
	Residuals []*models.ResidualRun `json:"residual_runs"`
}

// RandomEffects lists the per-plate estimates of a fit
type RandomEffects struct {
	FitID      string               `json:"fit_id"`
	Population *engine.Population   `json:"population,omitempty"`
	Plates     []engine.PlateEffect `json:"plates"`
}

// ResidualDetail is a stored diagnostics run with its decoded report
type ResidualDetail struct {
	*models.ResidualRun
	Report diagnostics.Report `json:"report"`
}

// GetFit returns a fit summary
func (s *ModelService) GetFit(id string) (*FitDetail, error) {
	rec, err := s.fits.GetByID(id)
	if err != nil {
		return nil, err
	}
	detail := &FitDetail{FitRecord: rec}
	if err := json.Unmarshal([]byte(rec.SummaryJSON), &detail.Summary); err != nil {
		return nil, fmt.Errorf("decode summary of fit %s: %w", id, err)
	}
	if detail.Residuals, err = s.residuals.ListByFit(id); err != nil {
		return nil, err
	}
	return detail, nil
}

// GetRandomEffects returns the plate effects of a fit
func (s *ModelService) GetRandomEffects(id string) (*RandomEffects, error) {
	_, fit, err := fitting.Load(s.fits, id)
	if err != nil {
		return nil, err
	}
	return &RandomEffects{FitID: id, Population: fit.Population, Plates: fit.PlateEffects()}, nil
}

// GetReport returns the per-standard report of a fit
func (s *ModelService) GetReport(id string) ([]engine.ReportRow, error) {
	_, fit, err := fitting.Load(s.fits, id)
	if err != nil {
		return nil, err
	}
	return fit.Report(), nil
}

// GetResidualRun returns a diagnostics run
func (s *ModelService) GetResidualRun(id string) (*ResidualDetail, error) {
	rr, err := s.residuals.GetByID(id)
	if err != nil {
		return nil, err
	}
	detail := &ResidualDetail{ResidualRun: rr}
	if rr.SummaryJSON != "" {
		if err := json.Unmarshal([]byte(rr.SummaryJSON), &detail.Report); err != nil {
			return nil, fmt.Errorf("decode report of residual run %s: %w", id, err)
		}
	}
	return detail, nil
}

// OpenResidualMatrix streams the CSV matrix of a diagnostics run. The caller
// closes the reader.
func (s *ModelService) OpenResidualMatrix(ctx context.Context, id string) (artifact.Info, io.ReadCloser, error) {
	rr, err := s.residuals.GetByID(id)
	if err != nil {
		return artifact.Info{}, nil, err
	}
	if rr.ArtifactKey == "" || s.artifacts == nil {
		return artifact.Info{}, nil, fmt.Errorf("residual run %s has no exported matrix: %w", id, artifact.ErrNotFound)
	}
	return s.artifacts.Get(ctx, rr.ArtifactKey)
}
