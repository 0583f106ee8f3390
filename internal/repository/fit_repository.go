package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jengzang/edna-backend-go/internal/models"
)

// FitRepository stores fitted models
type FitRepository struct {
	db *sql.DB
}

// NewFitRepository creates a new fit repository
func NewFitRepository(db *sql.DB) *FitRepository {
	return &FitRepository{db: db}
}

// Create stores a fit
func (r *FitRepository) Create(fit *models.FitRecord) error {
	_, err := r.db.Exec(`
		INSERT INTO fits (id, run_id, task_id, engine, family, converged, summary_json, fit_json)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		fit.ID, fit.RunID, fit.TaskID, fit.Engine, fit.Family, boolToInt(fit.Converged), fit.SummaryJSON, fit.FitJSON)
	if err != nil {
		return fmt.Errorf("failed to create fit: %w", err)
	}
	return nil
}

// GetByID retrieves a fit including its serialized model
func (r *FitRepository) GetByID(id string) (*models.FitRecord, error) {
	f := &models.FitRecord{}
	err := r.db.QueryRow(`
		SELECT id, run_id, task_id, engine, family, converged, summary_json, fit_json, created_at
		FROM fits WHERE id = ?`, id).Scan(
		&f.ID, &f.RunID, &f.TaskID, &f.Engine, &f.Family, &f.Converged, &f.SummaryJSON, &f.FitJSON, &f.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("fit %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fit: %w", err)
	}
	return f, nil
}

// ListByRun returns the fits of a run without their serialized models
func (r *FitRepository) ListByRun(runID string) ([]*models.FitRecord, error) {
	rows, err := r.db.Query(`
		SELECT id, run_id, task_id, engine, family, converged, summary_json, created_at
		FROM fits WHERE run_id = ? ORDER BY created_at, id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list fits: %w", err)
	}
	defer rows.Close()

	fits := []*models.FitRecord{}
	for rows.Next() {
		f := &models.FitRecord{}
		if err := rows.Scan(&f.ID, &f.RunID, &f.TaskID, &f.Engine, &f.Family, &f.Converged, &f.SummaryJSON, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan fit: %w", err)
		}
		fits = append(fits, f)
	}
	return fits, rows.Err()
}
