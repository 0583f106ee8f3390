package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jengzang/edna-backend-go/internal/models"
)

// ResidualRepository stores diagnostics runs
type ResidualRepository struct {
	db *sql.DB
}

// NewResidualRepository creates a new residual repository
func NewResidualRepository(db *sql.DB) *ResidualRepository {
	return &ResidualRepository{db: db}
}

const residualColumns = `id, fit_id, task_id, mode, draws, seed, rows, cols, summary_json, artifact_key, created_at`

func scanResidualRun(s rowScanner) (*models.ResidualRun, error) {
	rr := &models.ResidualRun{}
	var seed int64
	err := s.Scan(&rr.ID, &rr.FitID, &rr.TaskID, &rr.Mode, &rr.Draws, &seed, &rr.Rows, &rr.Cols,
		&rr.SummaryJSON, &rr.ArtifactKey, &rr.CreatedAt)
	rr.Seed = uint64(seed)
	return rr, err
}

// Create stores a diagnostics run
func (r *ResidualRepository) Create(rr *models.ResidualRun) error {
	_, err := r.db.Exec(`
		INSERT INTO residual_runs (id, fit_id, task_id, mode, draws, seed, rows, cols, summary_json, artifact_key)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rr.ID, rr.FitID, rr.TaskID, rr.Mode, rr.Draws, int64(rr.Seed), rr.Rows, rr.Cols, rr.SummaryJSON, rr.ArtifactKey)
	if err != nil {
		return fmt.Errorf("failed to create residual run: %w", err)
	}
	return nil
}

// GetByID retrieves a diagnostics run
func (r *ResidualRepository) GetByID(id string) (*models.ResidualRun, error) {
	rr, err := scanResidualRun(r.db.QueryRow(`SELECT `+residualColumns+` FROM residual_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("residual run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get residual run: %w", err)
	}
	return rr, nil
}

// ListByFit returns the diagnostics runs of a fit
func (r *ResidualRepository) ListByFit(fitID string) ([]*models.ResidualRun, error) {
	rows, err := r.db.Query(`SELECT `+residualColumns+` FROM residual_runs WHERE fit_id = ? ORDER BY created_at, id`, fitID)
	if err != nil {
		return nil, fmt.Errorf("failed to list residual runs: %w", err)
	}
	defer rows.Close()

	out := []*models.ResidualRun{}
	for rows.Next() {
		rr, err := scanResidualRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan residual run: %w", err)
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}
