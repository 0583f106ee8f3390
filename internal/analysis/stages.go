package analysis

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"
)

// Stage is one named step of an analyzer
type Stage struct {
	Name string
	Run  func(ctx context.Context) error
}

// RunStages executes stages in order, checking ctx between them and
// recording progress after each one.
func (a *BaseAnalyzer) RunStages(ctx context.Context, taskID int64, stages ...Stage) error {
	total := len(stages)
	for i, st := range stages {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		start := time.Now()
		if err := st.Run(ctx); err != nil {
			return fmt.Errorf("%s: %w", st.Name, err)
		}
		a.Log.Debug("stage done",
			zap.Int64("task_id", taskID),
			zap.String("stage", st.Name),
			zap.Duration("elapsed", time.Since(start)))

		if err := a.UpdateTaskProgress(taskID, i+1, total); err != nil {
			return fmt.Errorf("failed to update progress: %w", err)
		}
	}
	return nil
}
