package service

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/synthesis"
)

// DatasetService serves synthesis runs and their records
type DatasetService struct {
	runs      *repository.RunRepository
	fits      *repository.FitRepository
	artifacts artifact.Store
}

// NewDatasetService creates a new dataset service
func NewDatasetService(runs *repository.RunRepository, fits *repository.FitRepository, artifacts artifact.Store) *DatasetService {
	return &DatasetService{runs: runs, fits: fits, artifacts: artifacts}
}

// RunDetail is a run with its decoded configuration and fits
type RunDetail struct {
	*models.SynthesisRun
	Config *synthesis.Config   `json:"config,omitempty"`
	Fits   []*models.FitRecord `json:"fits"`
}

// ListRuns returns runs newest first
func (s *DatasetService) ListRuns(limit, offset int) ([]*models.SynthesisRun, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.runs.List(limit, offset)
}

// GetRun returns one run with its fits
func (s *DatasetService) GetRun(id string) (*RunDetail, error) {
	run, err := s.runs.GetByID(id)
	if err != nil {
		return nil, err
	}
	detail := &RunDetail{SynthesisRun: run}
	if run.ConfigJSON != "" {
		cfg := &synthesis.Config{}
		if err := json.Unmarshal([]byte(run.ConfigJSON), cfg); err != nil {
			return nil, fmt.Errorf("decode config of run %s: %w", id, err)
		}
		detail.Config = cfg
	}
	if detail.Fits, err = s.fits.ListByRun(id); err != nil {
		return nil, err
	}
	return detail, nil
}

// ListPlates returns the true plate coefficients of a run
func (s *DatasetService) ListPlates(runID string) ([]models.Plate, error) {
	if _, err := s.runs.GetByID(runID); err != nil {
		return nil, err
	}
	return s.runs.ListPlates(runID)
}

// ListStandards returns one page of a run's calibration records
func (s *DatasetService) ListStandards(runID string, filter models.RecordFilter) (*models.PagedResult[models.StandardRecord], error) {
	if _, err := s.runs.GetByID(runID); err != nil {
		return nil, err
	}
	return s.runs.ListStandards(runID, filter)
}

// ListObservations returns one page of a run's field samples
func (s *DatasetService) ListObservations(runID string, filter models.RecordFilter) (*models.PagedResult[models.ObservationRecord], error) {
	if _, err := s.runs.GetByID(runID); err != nil {
		return nil, err
	}
	return s.runs.ListObservations(runID, filter)
}

// ExportRun writes a run's tables to the artifact store
func (s *DatasetService) ExportRun(ctx context.Context, runID string) ([]artifact.Info, error) {
	if s.artifacts == nil {
		return nil, fmt.Errorf("no artifact store configured")
	}
	if _, err := s.runs.GetByID(runID); err != nil {
		return nil, err
	}
	standards, err := s.runs.AllStandards(runID)
	if err != nil {
		return nil, err
	}
	observations, err := s.runs.AllObservations(runID)
	if err != nil {
		return nil, err
	}
	return artifact.ExportRun(ctx, s.artifacts, runID, standards, observations)
}

// DeleteRun removes a run, its fits and their diagnostics
func (s *DatasetService) DeleteRun(id string) error {
	return s.runs.Delete(id)
}
