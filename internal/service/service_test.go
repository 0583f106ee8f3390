package service

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/analysis"
	_ "github.com/jengzang/edna-backend-go/internal/analysis/synthesis"
	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/database"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/engine/reference"
	"github.com/jengzang/edna-backend-go/internal/metrics"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/residuals"
	"github.com/jengzang/edna-backend-go/internal/synthesis"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// blockingEngine waits for cancellation
type blockingEngine struct {
	started chan struct{}
}

func (blockingEngine) Name() string { return "blocking" }

func (e blockingEngine) Fit(ctx context.Context, in engine.FitInput) (*engine.Fit, error) {
	close(e.started)
	<-ctx.Done()
	return nil, ctx.Err()
}

type fixture struct {
	db       *sql.DB
	deps     analysis.Dependencies
	tasks    *AnalysisTaskService
	datasets *DatasetService
	models   *ModelService
	blocking blockingEngine
}

func smallSynthesis() synthesis.Config {
	cfg := synthesis.DefaultConfig()
	cfg.Plates = 12
	cfg.Field.Locations = 150
	cfg.Field.MeshCutoff = 0.15
	return cfg
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)

	f := &fixture{db: db, blocking: blockingEngine{started: make(chan struct{})}}
	store := artifact.NewMemory()
	f.deps = analysis.Dependencies{
		DB:        db,
		Tasks:     repository.NewAnalysisTaskRepository(db),
		Runs:      repository.NewRunRepository(db),
		Fits:      repository.NewFitRepository(db),
		Residuals: repository.NewResidualRepository(db),
		Artifacts: store,
		Engines: map[string]engine.Engine{
			reference.Name: reference.New(reference.Options{}),
			"blocking":     f.blocking,
		},
		DefaultEngine:   reference.Name,
		Synthesis:       smallSynthesis(),
		ResidualOptions: residuals.Options{Parallelism: 2},
		MaxDraws:        1000,
		Metrics:         metrics.New(),
		Logger:          zap.NewNop(),
	}
	f.tasks = NewAnalysisTaskService(f.deps.Tasks, f.deps)
	f.datasets = NewDatasetService(f.deps.Runs, f.deps.Fits, store)
	f.models = NewModelService(f.deps.Fits, f.deps.Residuals, store)
	t.Cleanup(func() {
		f.tasks.Close()
		db.Close()
	})
	return f
}

func raw(t *testing.T, v any) json.RawMessage {
	t.Helper()
	b, err := json.Marshal(v)
	require.NoError(t, err)
	return b
}

func result(t *testing.T, task *models.AnalysisTask) map[string]any {
	t.Helper()
	out := map[string]any{}
	require.NoError(t, json.Unmarshal([]byte(task.ResultSummary), &out))
	return out
}

func (f *fixture) synthesize(t *testing.T) string {
	t.Helper()
	task, err := f.tasks.SubmitTask(models.SkillSynthesis, raw(t, map[string]any{"seed": 5}), "test")
	require.NoError(t, err)
	require.NoError(t, f.tasks.RunTask(context.Background(), task.ID))
	task, err = f.tasks.GetTask(task.ID)
	require.NoError(t, err)
	require.Equal(t, models.TaskStatusCompleted, task.Status, task.ErrorMessage)
	return result(t, task)["run_id"].(string)
}

func TestPipelineRunsInBackground(t *testing.T) {
	f := newFixture(t)

	tasks, err := f.tasks.CreatePipeline(PipelineRequest{
		Diagnostics: raw(t, map[string]any{"mode": "simulation", "draws": 30}),
	}, "alice")
	require.NoError(t, err)
	require.Len(t, tasks, 3)
	assert.Equal(t, tasks[0].ID, tasks[1].DependsOnTaskID)
	assert.Equal(t, tasks[1].ID, tasks[2].DependsOnTaskID)

	f.tasks.Wait()

	var final []*models.AnalysisTask
	for _, task := range tasks {
		got, err := f.tasks.GetTask(task.ID)
		require.NoError(t, err)
		require.Equal(t, models.TaskStatusCompleted, got.Status, got.ErrorMessage)
		assert.Equal(t, 100, got.ProgressPercent)
		assert.Equal(t, "alice", got.CreatedBy)
		final = append(final, got)
	}

	runID := result(t, final[0])["run_id"].(string)
	fitID := result(t, final[1])["fit_id"].(string)
	residualID := result(t, final[2])["residual_id"].(string)
	assert.Contains(t, final[1].ParamsJSON, runID)
	assert.Contains(t, final[2].ParamsJSON, fitID)

	run, err := f.datasets.GetRun(runID)
	require.NoError(t, err)
	assert.Equal(t, 12*18*3, run.Standards)
	assert.Equal(t, 150, run.Observations)
	require.Len(t, run.Fits, 1)
	assert.Equal(t, fitID, run.Fits[0].ID)
	require.NotNil(t, run.Config)
	assert.Equal(t, uint64(123), run.Config.Seed)

	fit, err := f.models.GetFit(fitID)
	require.NoError(t, err)
	assert.True(t, fit.Summary.Converged)
	require.Len(t, fit.Residuals, 1)

	effects, err := f.models.GetRandomEffects(fitID)
	require.NoError(t, err)
	assert.Len(t, effects.Plates, 12)

	report, err := f.models.GetReport(fitID)
	require.NoError(t, err)
	assert.Len(t, report, 12*18*3)

	rr, err := f.models.GetResidualRun(residualID)
	require.NoError(t, err)
	assert.Equal(t, "simulation", rr.Mode)
	assert.Equal(t, 150, rr.Rows)
	assert.Equal(t, 30, rr.Cols)
	require.NotNil(t, rr.Report.Summary.ZeroProportion)

	info, body, err := f.models.OpenResidualMatrix(context.Background(), residualID)
	require.NoError(t, err)
	defer body.Close()
	assert.Equal(t, artifact.MatrixKey(residualID), info.Key)
}

func TestCreateTaskValidation(t *testing.T) {
	f := newFixture(t)

	_, err := f.tasks.CreateTask("trip_construction", nil, "x")
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = f.tasks.CreateTask(models.SkillFit, raw(t, map[string]any{}), "x")
	assert.ErrorIs(t, err, ErrInvalidTask, "run_id is required")

	_, err = f.tasks.CreateTask(models.SkillFit, raw(t, map[string]any{"run_id": "r", "engine": "laplace"}), "x")
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = f.tasks.CreateTask(models.SkillSynthesis, raw(t, map[string]any{"plates": 0}), "x")
	assert.ErrorIs(t, err, ErrInvalidTask)

	_, err = f.tasks.CreateTask(models.SkillDiagnostics, raw(t, map[string]any{"fit_id": "f", "draws": 5000}), "x")
	assert.ErrorIs(t, err, ErrInvalidTask, "draws above the limit")

	_, err = f.tasks.CreateTask(models.SkillSynthesis, json.RawMessage(`{"plates":`), "x")
	assert.ErrorIs(t, err, ErrInvalidTask)

	tasks, err := f.tasks.ListTasks("", "", 0, 0)
	require.NoError(t, err)
	assert.Empty(t, tasks, "rejected tasks are not stored")
}

func TestFitConfigErrorAbandonsChain(t *testing.T) {
	f := newFixture(t)

	tasks, err := f.tasks.RunPipeline(context.Background(), PipelineRequest{
		Fit: raw(t, map[string]any{"spatiotemporal": "ar1"}),
	}, "test")
	require.Error(t, err)
	assert.True(t, engine.IsConfig(err))

	require.Len(t, tasks, 3)
	assert.Equal(t, models.TaskStatusCompleted, tasks[0].Status)
	assert.Equal(t, models.TaskStatusFailed, tasks[1].Status)
	assert.Equal(t, models.ErrorKindConfig, tasks[1].ErrorKind)
	assert.Equal(t, models.TaskStatusFailed, tasks[2].Status)
	assert.Equal(t, models.ErrorKindCancelled, tasks[2].ErrorKind)
}

func TestCancelRunningTask(t *testing.T) {
	f := newFixture(t)
	runID := f.synthesize(t)

	task, err := f.tasks.CreateTask(models.SkillFit, raw(t, map[string]any{"run_id": runID, "engine": "blocking"}), "test")
	require.NoError(t, err)

	select {
	case <-f.blocking.started:
	case <-time.After(10 * time.Second):
		t.Fatal("fit did not start")
	}
	require.NoError(t, f.tasks.CancelTask(task.ID))
	f.tasks.Wait()

	got, err := f.tasks.GetTask(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)
	assert.Equal(t, models.ErrorKindCancelled, got.ErrorKind)

	err = f.tasks.CancelTask(task.ID)
	assert.ErrorIs(t, err, ErrTaskFinished)

	err = f.tasks.CancelTask(9999)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCancelPendingChain(t *testing.T) {
	f := newFixture(t)

	syn, err := f.tasks.SubmitTask(models.SkillSynthesis, nil, "test")
	require.NoError(t, err)
	fit, err := f.tasks.create(models.SkillFit, nil, "test", syn.ID)
	require.NoError(t, err)

	require.NoError(t, f.tasks.CancelTask(syn.ID))
	got, err := f.tasks.GetTask(fit.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusCancelled, got.Status)

	// a cancelled task is skipped when run
	require.NoError(t, f.tasks.RunTask(context.Background(), syn.ID))
}

func TestChainParamsKeepsExplicitReferences(t *testing.T) {
	out, err := chainParams(`{"run_id":"mine","mode":"joint"}`, map[string]any{"run_id": "up", "fit_id": "f1"})
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &m))
	assert.Equal(t, "mine", m["run_id"])
	assert.Equal(t, "f1", m["fit_id"])
	assert.Equal(t, "joint", m["mode"])

	_, err = chainParams(`not json`, nil)
	assert.Error(t, err)
}

func TestDatasetServiceNotFound(t *testing.T) {
	f := newFixture(t)
	_, err := f.datasets.GetRun("missing")
	assert.True(t, errors.Is(err, repository.ErrNotFound))
	_, err = f.datasets.ListStandards("missing", models.RecordFilter{})
	assert.ErrorIs(t, err, repository.ErrNotFound)
	_, err = f.models.GetFit("missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestDatasetServiceExport(t *testing.T) {
	f := newFixture(t)
	runID := f.synthesize(t)

	infos, err := f.datasets.ExportRun(context.Background(), runID)
	require.NoError(t, err)
	require.Len(t, infos, 2)
	assert.Equal(t, artifact.StandardsKey(runID), infos[0].Key)

	detected := true
	page, err := f.datasets.ListObservations(runID, models.RecordFilter{Detected: &detected, PageSize: 10})
	require.NoError(t, err)
	assert.LessOrEqual(t, len(page.Items), 10)
	for _, o := range page.Items {
		assert.True(t, o.Detected)
		assert.NotZero(t, o.Ct)
	}

	require.NoError(t, f.datasets.DeleteRun(runID))
	_, err = f.datasets.GetRun(runID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}
