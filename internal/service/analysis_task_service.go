package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/analysis"
	"github.com/jengzang/edna-backend-go/internal/metrics"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
)

var (
	// ErrInvalidTask marks requests rejected before a task is stored
	ErrInvalidTask = errors.New("invalid task")
	// ErrTaskFinished is returned when cancelling a task that already ended
	ErrTaskFinished = errors.New("task already finished")
)

// chainKeys are copied from a task's result into the params of its dependents
var chainKeys = []string{"run_id", "fit_id"}

// AnalysisTaskService handles analysis task business logic
type AnalysisTaskService struct {
	repo    *repository.AnalysisTaskRepository
	deps    analysis.Dependencies
	log     *zap.Logger
	metrics *metrics.Metrics

	baseCtx context.Context
	stop    context.CancelFunc
	wg      sync.WaitGroup

	mu      sync.Mutex
	running map[int64]context.CancelFunc
}

// NewAnalysisTaskService creates a new analysis task service
func NewAnalysisTaskService(repo *repository.AnalysisTaskRepository, deps analysis.Dependencies) *AnalysisTaskService {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	ctx, stop := context.WithCancel(context.Background())
	return &AnalysisTaskService{
		repo:    repo,
		deps:    deps,
		log:     log.Named("tasks"),
		metrics: deps.Metrics,
		baseCtx: ctx,
		stop:    stop,
		running: make(map[int64]context.CancelFunc),
	}
}

// CreateTask validates and stores a task, then runs it in the background
func (s *AnalysisTaskService) CreateTask(skillName string, params json.RawMessage, createdBy string) (*models.AnalysisTask, error) {
	task, err := s.create(skillName, params, createdBy, 0)
	if err != nil {
		return nil, err
	}
	s.start(task.ID)
	return task, nil
}

// SubmitTask validates and stores a task without starting it
func (s *AnalysisTaskService) SubmitTask(skillName string, params json.RawMessage, createdBy string) (*models.AnalysisTask, error) {
	return s.create(skillName, params, createdBy, 0)
}

func (s *AnalysisTaskService) validate(skillName string, params json.RawMessage, chained bool) error {
	analyzer := analysis.GetAnalyzer(skillName, s.deps)
	if analyzer == nil {
		return fmt.Errorf("%w: unknown skill %q", ErrInvalidTask, skillName)
	}
	if v, ok := analyzer.(analysis.ParamValidator); ok {
		if err := v.ValidateParams(params, chained); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidTask, err)
		}
	}
	return nil
}

func (s *AnalysisTaskService) create(skillName string, params json.RawMessage, createdBy string, dependsOn int64) (*models.AnalysisTask, error) {
	if err := s.validate(skillName, params, dependsOn != 0); err != nil {
		return nil, err
	}
	task := &models.AnalysisTask{
		SkillName:       skillName,
		Status:          models.TaskStatusPending,
		ParamsJSON:      string(params),
		DependsOnTaskID: dependsOn,
		CreatedBy:       createdBy,
	}
	if err := s.repo.Create(task); err != nil {
		return nil, fmt.Errorf("failed to create task: %w", err)
	}
	return task, nil
}

// start runs a task and its dependents on a background goroutine
func (s *AnalysisTaskService) start(id int64) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.RunTask(s.baseCtx, id); err != nil {
			s.log.Warn("analysis task failed", zap.Int64("task_id", id), zap.Error(err))
		}
	}()
}

// RunTask executes a pending task and then, on success, the tasks chained
// after it. The error is the first failure in the chain.
func (s *AnalysisTaskService) RunTask(ctx context.Context, id int64) error {
	task, err := s.repo.GetByID(id)
	if err != nil {
		return err
	}
	result, err := s.execute(ctx, task)
	if err != nil {
		s.abandonDependents(task.ID, fmt.Sprintf("upstream task %d did not complete: %v", task.ID, err))
		return err
	}
	if result == nil {
		return nil
	}

	dependents, err := s.repo.ListDependents(task.ID)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		params, err := chainParams(dep.ParamsJSON, result)
		if err != nil {
			_ = s.repo.MarkAsFailed(dep.ID, models.ErrorKindInternal, err.Error())
			return err
		}
		if err := s.repo.UpdateParams(dep.ID, params); err != nil {
			return err
		}
		if err := s.RunTask(ctx, dep.ID); err != nil {
			return err
		}
	}
	return nil
}

// execute runs one task. A nil result with a nil error means the task was
// no longer pending.
func (s *AnalysisTaskService) execute(ctx context.Context, task *models.AnalysisTask) (map[string]any, error) {
	log := s.log.With(zap.Int64("task_id", task.ID), zap.String("skill", task.SkillName))

	ok, err := s.repo.MarkAsRunning(task.ID)
	if err != nil {
		return nil, err
	}
	if !ok {
		log.Info("task is no longer pending, skipping")
		return nil, nil
	}

	analyzer := analysis.GetAnalyzer(task.SkillName, s.deps)
	if analyzer == nil {
		err := fmt.Errorf("unknown skill: %s", task.SkillName)
		_ = s.repo.MarkAsFailed(task.ID, models.ErrorKindConfig, err.Error())
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.running[task.ID] = cancel
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		delete(s.running, task.ID)
		s.mu.Unlock()
		cancel()
	}()

	log.Info("executing analysis task")
	start := time.Now()
	out, err := analyzer.Analyze(ctx, task)
	elapsed := time.Since(start)
	if err != nil {
		kind := analysis.ErrorKind(err)
		status := models.TaskStatusFailed
		if kind == models.ErrorKindCancelled {
			status = models.TaskStatusCancelled
		}
		if ferr := s.repo.MarkAsFailed(task.ID, kind, err.Error()); ferr != nil {
			log.Error("failed to record task failure", zap.Error(ferr))
		}
		s.metrics.ObserveTask(task.SkillName, status, elapsed)
		log.Warn("analysis task did not complete", zap.String("error_kind", kind), zap.Error(err))
		return nil, err
	}

	summary, err := json.Marshal(out)
	if err != nil {
		_ = s.repo.MarkAsFailed(task.ID, models.ErrorKindInternal, err.Error())
		return nil, fmt.Errorf("encode result summary: %w", err)
	}
	if err := s.repo.MarkAsCompleted(task.ID, string(summary)); err != nil {
		return nil, err
	}
	s.metrics.ObserveTask(task.SkillName, models.TaskStatusCompleted, elapsed)
	log.Info("analysis task completed", zap.Duration("elapsed", elapsed))

	result := map[string]any{}
	if err := json.Unmarshal(summary, &result); err != nil {
		return nil, fmt.Errorf("decode result summary: %w", err)
	}
	return result, nil
}

// chainParams copies upstream references into a dependent's params, keeping
// any the dependent already sets.
func chainParams(paramsJSON string, upstream map[string]any) (string, error) {
	params := map[string]any{}
	if paramsJSON != "" {
		if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
			return "", fmt.Errorf("decode dependent params: %w", err)
		}
	}
	for _, key := range chainKeys {
		v, ok := upstream[key]
		if !ok {
			continue
		}
		if cur, set := params[key]; !set || cur == "" {
			params[key] = v
		}
	}
	out, err := json.Marshal(params)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

// abandonDependents fails every pending task chained after id
func (s *AnalysisTaskService) abandonDependents(id int64, reason string) {
	dependents, err := s.repo.ListDependents(id)
	if err != nil {
		s.log.Error("failed to list dependent tasks", zap.Int64("task_id", id), zap.Error(err))
		return
	}
	for _, dep := range dependents {
		if err := s.repo.MarkAsFailed(dep.ID, models.ErrorKindCancelled, reason); err != nil {
			s.log.Error("failed to abandon dependent task", zap.Int64("task_id", dep.ID), zap.Error(err))
		}
		s.abandonDependents(dep.ID, reason)
	}
}

// GetTask retrieves a task by ID
func (s *AnalysisTaskService) GetTask(id int64) (*models.AnalysisTask, error) {
	return s.repo.GetByID(id)
}

// ListTasks retrieves all tasks with optional filters
func (s *AnalysisTaskService) ListTasks(skillName string, status string, limit int, offset int) ([]*models.AnalysisTask, error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	return s.repo.List(skillName, status, limit, offset)
}

// CancelTask cancels a pending or running task and everything chained after it
func (s *AnalysisTaskService) CancelTask(id int64) error {
	task, err := s.repo.GetByID(id)
	if err != nil {
		return err
	}
	ok, err := s.repo.MarkAsCancelled(id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w (status: %s)", ErrTaskFinished, task.Status)
	}

	s.mu.Lock()
	cancel := s.running[id]
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	dependents, err := s.repo.ListDependents(id)
	if err != nil {
		return err
	}
	for _, dep := range dependents {
		if err := s.CancelTask(dep.ID); err != nil && !errors.Is(err, ErrTaskFinished) {
			return err
		}
	}
	return nil
}

// PipelineRequest holds the params of each stage of a synthesis -> fit ->
// diagnostics chain. The fit receives the run ID and the diagnostics the fit
// ID from their upstream results.
type PipelineRequest struct {
	Synthesis   json.RawMessage `json:"synthesis"`
	Fit         json.RawMessage `json:"fit"`
	Diagnostics json.RawMessage `json:"diagnostics"`
}

// CreatePipeline stores the three chained tasks and starts the chain in the
// background.
func (s *AnalysisTaskService) CreatePipeline(req PipelineRequest, createdBy string) ([]*models.AnalysisTask, error) {
	tasks, err := s.createPipeline(req, createdBy)
	if err != nil {
		return nil, err
	}
	s.start(tasks[0].ID)
	return tasks, nil
}

// RunPipeline stores the chain and runs it to completion on the caller's
// goroutine. The returned tasks reflect their final state.
func (s *AnalysisTaskService) RunPipeline(ctx context.Context, req PipelineRequest, createdBy string) ([]*models.AnalysisTask, error) {
	tasks, err := s.createPipeline(req, createdBy)
	if err != nil {
		return nil, err
	}
	runErr := s.RunTask(ctx, tasks[0].ID)
	for i, t := range tasks {
		if fresh, err := s.repo.GetByID(t.ID); err == nil {
			tasks[i] = fresh
		}
	}
	return tasks, runErr
}

func (s *AnalysisTaskService) createPipeline(req PipelineRequest, createdBy string) ([]*models.AnalysisTask, error) {
	stages := []struct {
		skill  string
		params json.RawMessage
	}{
		{models.SkillSynthesis, req.Synthesis},
		{models.SkillFit, req.Fit},
		{models.SkillDiagnostics, req.Diagnostics},
	}
	for i, st := range stages {
		if err := s.validate(st.skill, st.params, i > 0); err != nil {
			return nil, err
		}
	}

	tasks := make([]*models.AnalysisTask, 0, len(stages))
	var parent int64
	for _, st := range stages {
		task, err := s.create(st.skill, st.params, createdBy, parent)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, task)
		parent = task.ID
	}
	return tasks, nil
}

// Wait blocks until every background task has returned
func (s *AnalysisTaskService) Wait() {
	s.wg.Wait()
}

// Close cancels background tasks and waits for them
func (s *AnalysisTaskService) Close() {
	s.stop()
	s.wg.Wait()
}
