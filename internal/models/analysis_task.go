package models

import "time"

// AnalysisTask represents one pipeline stage run by a registered analyzer
type AnalysisTask struct {
	ID int64 `json:"id"`

	// Task identification
	SkillName string `json:"skill_name"` // edna_synthesis, edna_fit, residual_diagnostics

	// Status
	Status          string `json:"status"` // pending, running, completed, failed, cancelled
	ProgressPercent int    `json:"progress_percent"`

	// Input parameters
	ParamsJSON string `json:"params_json,omitempty"`

	// Execution info
	TotalItems     int   `json:"total_items,omitempty"`
	ProcessedItems int   `json:"processed_items"`
	FailedItems    int   `json:"failed_items"`
	StartTime      int64 `json:"start_time,omitempty"` // Unix timestamp
	EndTime        int64 `json:"end_time,omitempty"`   // Unix timestamp

	// Results
	ResultSummary string `json:"result_summary,omitempty"` // JSON object with summary statistics
	ErrorMessage  string `json:"error_message,omitempty"`
	ErrorKind     string `json:"error_kind,omitempty"` // config, convergence, internal

	// Pipeline chaining
	DependsOnTaskID int64 `json:"depends_on_task_id,omitempty"`

	// Metadata
	CreatedBy string    `json:"created_by,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Skill names
const (
	SkillSynthesis   = "edna_synthesis"
	SkillFit         = "edna_fit"
	SkillDiagnostics = "residual_diagnostics"
)

// TaskStatus constants
const (
	TaskStatusPending   = "pending"
	TaskStatusRunning   = "running"
	TaskStatusCompleted = "completed"
	TaskStatusFailed    = "failed"
	TaskStatusCancelled = "cancelled"
)

// Error kinds recorded on failed tasks
const (
	ErrorKindConfig      = "config"
	ErrorKindConvergence = "convergence"
	ErrorKindInternal    = "internal"
	ErrorKindCancelled   = "cancelled"
)
