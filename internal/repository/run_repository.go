package repository

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/jengzang/edna-backend-go/internal/database"
	"github.com/jengzang/edna-backend-go/internal/models"
)

// RunRepository stores synthesis runs and their plates, standards and observations
type RunRepository struct {
	db *sql.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sql.DB) *RunRepository {
	return &RunRepository{db: db}
}

var (
	plateColumns       = []string{"run_id", "plate_id", "ct_intercept", "ct_slope", "det_intercept", "det_slope"}
	standardColumns    = []string{"run_id", "plate_id", "known_conc", "log_conc", "replicate", "ct", "detected", "detection_draw", "detection_prob"}
	observationColumns = []string{"run_id", "idx", "x", "y", "time", "log_density", "omega", "epsilon", "plate_id", "ct", "detected", "detection_draw", "detection_prob", "response"}
)

// CreateDataset stores a run with all of its records in one transaction
func (r *RunRepository) CreateDataset(run *models.SynthesisRun, plates []models.Plate, standards []models.StandardRecord, observations []models.ObservationRecord) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO synthesis_runs (id, task_id, seed, config_json, plates, standards, observations, family, mesh_json)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			run.ID, run.TaskID, int64(run.Seed), run.ConfigJSON, len(plates), len(standards), len(observations), run.Family, run.MeshJSON)
		if err != nil {
			return fmt.Errorf("failed to create synthesis run: %w", err)
		}

		rows := make([][]any, len(plates))
		for i, p := range plates {
			rows[i] = []any{run.ID, p.ID, p.CtIntercept, p.CtSlope, p.DetIntercept, p.DetSlope}
		}
		if err := batchInsert(tx, "plates", plateColumns, rows); err != nil {
			return err
		}

		rows = make([][]any, len(standards))
		for i, s := range standards {
			rows[i] = []any{run.ID, s.PlateID, s.KnownConc, s.LogConc, s.Replicate, s.Ct, boolToInt(s.Detected), s.DetectionDraw, s.DetectionProb}
		}
		if err := batchInsert(tx, "standards", standardColumns, rows); err != nil {
			return err
		}

		rows = make([][]any, len(observations))
		for i, o := range observations {
			rows[i] = []any{run.ID, o.Index, o.X, o.Y, o.Time, o.LogDensity, o.Omega, o.Epsilon, o.PlateID, o.Ct, boolToInt(o.Detected), o.DetectionDraw, o.DetectionProb, o.Response}
		}
		if err := batchInsert(tx, "observations", observationColumns, rows); err != nil {
			return err
		}

		run.Plates, run.Standards, run.Observations = len(plates), len(standards), len(observations)
		return nil
	})
}

const runColumns = `id, task_id, seed, config_json, plates, standards, observations, family, mesh_json, created_at`

func scanRun(s rowScanner) (*models.SynthesisRun, error) {
	run := &models.SynthesisRun{}
	var seed int64
	err := s.Scan(&run.ID, &run.TaskID, &seed, &run.ConfigJSON, &run.Plates, &run.Standards,
		&run.Observations, &run.Family, &run.MeshJSON, &run.CreatedAt)
	run.Seed = uint64(seed)
	return run, err
}

// GetByID retrieves a synthesis run
func (r *RunRepository) GetByID(id string) (*models.SynthesisRun, error) {
	run, err := scanRun(r.db.QueryRow(`SELECT `+runColumns+` FROM synthesis_runs WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("synthesis run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get synthesis run: %w", err)
	}
	return run, nil
}

// List returns runs newest first
func (r *RunRepository) List(limit, offset int) ([]*models.SynthesisRun, error) {
	rows, err := r.db.Query(`SELECT `+runColumns+` FROM synthesis_runs ORDER BY created_at DESC, id LIMIT ? OFFSET ?`, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list synthesis runs: %w", err)
	}
	defer rows.Close()

	runs := []*models.SynthesisRun{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan synthesis run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// ListPlates returns the plates of a run
func (r *RunRepository) ListPlates(runID string) ([]models.Plate, error) {
	rows, err := r.db.Query(`
		SELECT run_id, plate_id, ct_intercept, ct_slope, det_intercept, det_slope
		FROM plates WHERE run_id = ? ORDER BY plate_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to list plates: %w", err)
	}
	defer rows.Close()

	plates := []models.Plate{}
	for rows.Next() {
		var p models.Plate
		if err := rows.Scan(&p.RunID, &p.ID, &p.CtIntercept, &p.CtSlope, &p.DetIntercept, &p.DetSlope); err != nil {
			return nil, fmt.Errorf("failed to scan plate: %w", err)
		}
		plates = append(plates, p)
	}
	return plates, rows.Err()
}

// recordWhere builds the shared filter clause of standards and observations
func recordWhere(runID string, filter models.RecordFilter) (string, []any) {
	where := " WHERE run_id = ?"
	args := []any{runID}
	if filter.PlateID != "" {
		where += " AND plate_id = ?"
		args = append(args, filter.PlateID)
	}
	if filter.Detected != nil {
		where += " AND detected = ?"
		args = append(args, boolToInt(*filter.Detected))
	}
	return where, args
}

// ListStandards returns one page of a run's standards
func (r *RunRepository) ListStandards(runID string, filter models.RecordFilter) (*models.PagedResult[models.StandardRecord], error) {
	filter.Normalize()
	where, args := recordWhere(runID, filter)

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM standards`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count standards: %w", err)
	}
	items, err := r.queryStandards(where+" ORDER BY id LIMIT ? OFFSET ?", append(args, filter.PageSize, filter.Offset())...)
	if err != nil {
		return nil, err
	}
	return &models.PagedResult[models.StandardRecord]{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// AllStandards returns every standard of a run in insertion order
func (r *RunRepository) AllStandards(runID string) ([]models.StandardRecord, error) {
	return r.queryStandards(" WHERE run_id = ? ORDER BY id", runID)
}

func (r *RunRepository) queryStandards(clause string, args ...any) ([]models.StandardRecord, error) {
	rows, err := r.db.Query(`
		SELECT run_id, plate_id, known_conc, log_conc, replicate, ct, detected, detection_draw, detection_prob
		FROM standards`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query standards: %w", err)
	}
	defer rows.Close()

	out := []models.StandardRecord{}
	for rows.Next() {
		var s models.StandardRecord
		if err := rows.Scan(&s.RunID, &s.PlateID, &s.KnownConc, &s.LogConc, &s.Replicate, &s.Ct,
			&s.Detected, &s.DetectionDraw, &s.DetectionProb); err != nil {
			return nil, fmt.Errorf("failed to scan standard: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListObservations returns one page of a run's observations
func (r *RunRepository) ListObservations(runID string, filter models.RecordFilter) (*models.PagedResult[models.ObservationRecord], error) {
	filter.Normalize()
	where, args := recordWhere(runID, filter)

	var total int
	if err := r.db.QueryRow(`SELECT COUNT(*) FROM observations`+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("failed to count observations: %w", err)
	}
	items, err := r.queryObservations(where+" ORDER BY idx LIMIT ? OFFSET ?", append(args, filter.PageSize, filter.Offset())...)
	if err != nil {
		return nil, err
	}
	return &models.PagedResult[models.ObservationRecord]{Items: items, Total: total, Page: filter.Page, PageSize: filter.PageSize}, nil
}

// AllObservations returns every observation of a run by index
func (r *RunRepository) AllObservations(runID string) ([]models.ObservationRecord, error) {
	return r.queryObservations(" WHERE run_id = ? ORDER BY idx", runID)
}

func (r *RunRepository) queryObservations(clause string, args ...any) ([]models.ObservationRecord, error) {
	rows, err := r.db.Query(`
		SELECT run_id, idx, x, y, time, log_density, omega, epsilon, plate_id, ct, detected,
			detection_draw, detection_prob, response
		FROM observations`+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}
	defer rows.Close()

	out := []models.ObservationRecord{}
	for rows.Next() {
		var o models.ObservationRecord
		if err := rows.Scan(&o.RunID, &o.Index, &o.X, &o.Y, &o.Time, &o.LogDensity, &o.Omega, &o.Epsilon,
			&o.PlateID, &o.Ct, &o.Detected, &o.DetectionDraw, &o.DetectionProb, &o.Response); err != nil {
			return nil, fmt.Errorf("failed to scan observation: %w", err)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

// Delete removes a run and everything derived from it
func (r *RunRepository) Delete(id string) error {
	return database.Transaction(r.db, func(tx *sql.Tx) error {
		stmts := []string{
			`DELETE FROM residual_runs WHERE fit_id IN (SELECT id FROM fits WHERE run_id = ?)`,
			`DELETE FROM fits WHERE run_id = ?`,
			`DELETE FROM observations WHERE run_id = ?`,
			`DELETE FROM standards WHERE run_id = ?`,
			`DELETE FROM plates WHERE run_id = ?`,
		}
		for _, s := range stmts {
			if _, err := tx.Exec(s, id); err != nil {
				return fmt.Errorf("failed to delete run data: %w", err)
			}
		}
		res, err := tx.Exec(`DELETE FROM synthesis_runs WHERE id = ?`, id)
		if err != nil {
			return fmt.Errorf("failed to delete synthesis run: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return fmt.Errorf("synthesis run %s: %w", id, ErrNotFound)
		}
		return nil
	})
}
