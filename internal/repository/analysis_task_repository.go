package repository

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jengzang/edna-backend-go/internal/models"
)

// AnalysisTaskRepository handles database operations for analysis tasks
type AnalysisTaskRepository struct {
	db *sql.DB
}

// NewAnalysisTaskRepository creates a new analysis task repository
func NewAnalysisTaskRepository(db *sql.DB) *AnalysisTaskRepository {
	return &AnalysisTaskRepository{db: db}
}

const taskColumns = `id, skill_name, status, progress_percent, params_json, total_items,
	processed_items, failed_items, start_time, end_time, result_summary, error_message,
	error_kind, depends_on_task_id, created_by, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(s rowScanner) (*models.AnalysisTask, error) {
	task := &models.AnalysisTask{}
	err := s.Scan(
		&task.ID,
		&task.SkillName,
		&task.Status,
		&task.ProgressPercent,
		&task.ParamsJSON,
		&task.TotalItems,
		&task.ProcessedItems,
		&task.FailedItems,
		&task.StartTime,
		&task.EndTime,
		&task.ResultSummary,
		&task.ErrorMessage,
		&task.ErrorKind,
		&task.DependsOnTaskID,
		&task.CreatedBy,
		&task.CreatedAt,
		&task.UpdatedAt,
	)
	return task, err
}

// Create creates a new analysis task
func (r *AnalysisTaskRepository) Create(task *models.AnalysisTask) error {
	if task.Status == "" {
		task.Status = models.TaskStatusPending
	}
	query := `
		INSERT INTO analysis_tasks (
			skill_name, status, progress_percent, params_json, total_items,
			processed_items, failed_items, depends_on_task_id, created_by
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`
	result, err := r.db.Exec(query,
		task.SkillName,
		task.Status,
		task.ProgressPercent,
		task.ParamsJSON,
		task.TotalItems,
		task.ProcessedItems,
		task.FailedItems,
		task.DependsOnTaskID,
		task.CreatedBy,
	)
	if err != nil {
		return fmt.Errorf("failed to create analysis task: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return fmt.Errorf("failed to get last insert id: %w", err)
	}
	task.ID = id
	return nil
}

// GetByID retrieves an analysis task by ID
func (r *AnalysisTaskRepository) GetByID(id int64) (*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE id = ?`
	task, err := scanTask(r.db.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("analysis task %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get analysis task: %w", err)
	}
	return task, nil
}

// List retrieves analysis tasks with optional filters, newest first
func (r *AnalysisTaskRepository) List(skillName string, status string, limit int, offset int) ([]*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE 1=1`

	args := []any{}
	if skillName != "" {
		query += " AND skill_name = ?"
		args = append(args, skillName)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY id DESC LIMIT ? OFFSET ?"
	args = append(args, limit, offset)

	rows, err := r.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list analysis tasks: %w", err)
	}
	defer rows.Close()

	tasks := []*models.AnalysisTask{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateProgress updates the progress of an analysis task
func (r *AnalysisTaskRepository) UpdateProgress(id int64, processed, total, failed int) error {
	percent := 0
	if total > 0 {
		percent = processed * 100 / total
	}
	query := `
		UPDATE analysis_tasks
		SET processed_items = ?, total_items = ?, failed_items = ?, progress_percent = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ?
	`
	if _, err := r.db.Exec(query, processed, total, failed, percent, id); err != nil {
		return fmt.Errorf("failed to update task progress: %w", err)
	}
	return nil
}

// MarkAsRunning marks a pending task as running. It reports false when the
// task was no longer pending, e.g. cancelled before it started.
func (r *AnalysisTaskRepository) MarkAsRunning(id int64) (bool, error) {
	query := `
		UPDATE analysis_tasks
		SET status = ?, start_time = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`
	res, err := r.db.Exec(query, models.TaskStatusRunning, time.Now().Unix(), id, models.TaskStatusPending)
	if err != nil {
		return false, fmt.Errorf("failed to mark task as running: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark task as running: %w", err)
	}
	return n == 1, nil
}

// MarkAsCompleted marks a task as completed with result summary
func (r *AnalysisTaskRepository) MarkAsCompleted(id int64, resultSummary string) error {
	query := `
		UPDATE analysis_tasks
		SET status = ?, end_time = ?, result_summary = ?,
			progress_percent = 100, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?
	`
	if _, err := r.db.Exec(query, models.TaskStatusCompleted, time.Now().Unix(), resultSummary, id, models.TaskStatusRunning); err != nil {
		return fmt.Errorf("failed to mark task as completed: %w", err)
	}
	return nil
}

// MarkAsFailed marks a task as failed with an error kind and message
func (r *AnalysisTaskRepository) MarkAsFailed(id int64, kind, errorMessage string) error {
	query := `
		UPDATE analysis_tasks
		SET status = ?, end_time = ?, error_kind = ?, error_message = ?,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
	`
	if _, err := r.db.Exec(query, models.TaskStatusFailed, time.Now().Unix(), kind, errorMessage, id,
		models.TaskStatusPending, models.TaskStatusRunning); err != nil {
		return fmt.Errorf("failed to mark task as failed: %w", err)
	}
	return nil
}

// MarkAsCancelled cancels a task that has not finished. It reports whether
// the task was still pending or running.
func (r *AnalysisTaskRepository) MarkAsCancelled(id int64) (bool, error) {
	query := `
		UPDATE analysis_tasks
		SET status = ?, end_time = ?, error_kind = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status IN (?, ?)
	`
	res, err := r.db.Exec(query, models.TaskStatusCancelled, time.Now().Unix(), models.ErrorKindCancelled, id,
		models.TaskStatusPending, models.TaskStatusRunning)
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to cancel task: %w", err)
	}
	return n == 1, nil
}

// ListDependents returns pending tasks waiting on id
func (r *AnalysisTaskRepository) ListDependents(id int64) ([]*models.AnalysisTask, error) {
	query := `SELECT ` + taskColumns + ` FROM analysis_tasks WHERE depends_on_task_id = ? AND status = ? ORDER BY id`
	rows, err := r.db.Query(query, id, models.TaskStatusPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list dependent tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*models.AnalysisTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan analysis task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// UpdateParams replaces the parameters of a pending task
func (r *AnalysisTaskRepository) UpdateParams(id int64, paramsJSON string) error {
	query := `UPDATE analysis_tasks SET params_json = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?`
	if _, err := r.db.Exec(query, paramsJSON, id); err != nil {
		return fmt.Errorf("failed to update task params: %w", err)
	}
	return nil
}
