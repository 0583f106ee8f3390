package repository

import (
	"database/sql"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/database"
	"github.com/jengzang/edna-backend-go/internal/models"
)

func openDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := database.Open(database.Config{Path: ":memory:"}, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func seedRun(t *testing.T, repo *RunRepository, id string) {
	t.Helper()
	plates := []models.Plate{
		{ID: "A1", CtIntercept: 38, CtSlope: -1.4, DetIntercept: 2, DetSlope: 0.8},
		{ID: "B2", CtIntercept: 37.5, CtSlope: -1.5, DetIntercept: 1.8, DetSlope: 0.7},
	}
	var standards []models.StandardRecord
	for i := 0; i < 6; i++ {
		s := models.StandardRecord{PlateID: plates[i%2].ID, KnownConc: float64(i + 1), Replicate: i / 2, Detected: i != 0}
		if s.Detected {
			s.Ct = 30 + float64(i)
		}
		standards = append(standards, s)
	}
	obs := []models.ObservationRecord{
		{Index: 0, X: 0.1, Y: 0.2, PlateID: "A1", Ct: 36, Detected: true},
		{Index: 1, X: 0.5, Y: 0.7, PlateID: "B2"},
	}
	run := &models.SynthesisRun{ID: id, Seed: 1<<63 + 5, Family: "delta_standard_curve", MeshJSON: `{"vertices":[]}`}
	require.NoError(t, repo.CreateDataset(run, plates, standards, obs))
	assert.Equal(t, 6, run.Standards)
}

func TestRunRepositoryRoundTrip(t *testing.T) {
	repo := NewRunRepository(openDB(t))
	seedRun(t, repo, "run-1")

	run, err := repo.GetByID("run-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(1<<63+5), run.Seed)
	assert.Equal(t, 2, run.Plates)
	assert.Equal(t, 2, run.Observations)
	assert.Equal(t, `{"vertices":[]}`, run.MeshJSON)

	plates, err := repo.ListPlates("run-1")
	require.NoError(t, err)
	require.Len(t, plates, 2)
	assert.Equal(t, "A1", plates[0].ID)

	all, err := repo.AllStandards("run-1")
	require.NoError(t, err)
	require.Len(t, all, 6)
	assert.False(t, all[0].Detected)
	assert.Zero(t, all[0].Ct)
	assert.True(t, all[1].Detected)

	obs, err := repo.AllObservations("run-1")
	require.NoError(t, err)
	require.Len(t, obs, 2)
	assert.Equal(t, 0.7, obs[1].Y)
}

func TestListStandardsFiltersAndPages(t *testing.T) {
	repo := NewRunRepository(openDB(t))
	seedRun(t, repo, "run-1")

	detected := true
	page, err := repo.ListStandards("run-1", models.RecordFilter{PlateID: "A1", Detected: &detected, PageSize: 1, Page: 2})
	require.NoError(t, err)
	assert.Equal(t, 2, page.Total)
	require.Len(t, page.Items, 1)
	assert.Equal(t, "A1", page.Items[0].PlateID)

	obs, err := repo.ListObservations("run-1", models.RecordFilter{PlateID: "B2"})
	require.NoError(t, err)
	assert.Equal(t, 1, obs.Total)
	assert.Equal(t, 100, obs.PageSize)
}

func TestNotFound(t *testing.T) {
	db := openDB(t)
	_, err := NewRunRepository(db).GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = NewFitRepository(db).GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = NewResidualRepository(db).GetByID("missing")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = NewAnalysisTaskRepository(db).GetByID(42)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, NewRunRepository(db).Delete("missing"), ErrNotFound)
}

func TestFitsAndResidualsCascadeOnRunDelete(t *testing.T) {
	db := openDB(t)
	runs := NewRunRepository(db)
	fits := NewFitRepository(db)
	residuals := NewResidualRepository(db)
	seedRun(t, runs, "run-1")

	require.NoError(t, fits.Create(&models.FitRecord{ID: "fit-1", RunID: "run-1", Engine: "reference", Family: "poisson", Converged: true, FitJSON: "{}"}))
	require.NoError(t, residuals.Create(&models.ResidualRun{ID: "res-1", FitID: "fit-1", Mode: "simulation", Draws: 10, Seed: 9, Rows: 2, Cols: 10}))

	f, err := fits.GetByID("fit-1")
	require.NoError(t, err)
	assert.True(t, f.Converged)
	assert.Equal(t, "{}", f.FitJSON)

	list, err := fits.ListByRun("run-1")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Empty(t, list[0].FitJSON)

	rr, err := residuals.ListByFit("fit-1")
	require.NoError(t, err)
	require.Len(t, rr, 1)
	assert.Equal(t, uint64(9), rr[0].Seed)

	require.NoError(t, runs.Delete("run-1"))
	_, err = residuals.GetByID("res-1")
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = fits.GetByID("fit-1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTaskLifecycle(t *testing.T) {
	repo := NewAnalysisTaskRepository(openDB(t))

	task := &models.AnalysisTask{SkillName: models.SkillFit, ParamsJSON: `{"run_id":"r"}`, CreatedBy: "alice"}
	require.NoError(t, repo.Create(task))
	require.NotZero(t, task.ID)

	child := &models.AnalysisTask{SkillName: models.SkillDiagnostics, DependsOnTaskID: task.ID}
	require.NoError(t, repo.Create(child))
	deps, err := repo.ListDependents(task.ID)
	require.NoError(t, err)
	require.Len(t, deps, 1)
	assert.Equal(t, child.ID, deps[0].ID)

	ok, err := repo.MarkAsRunning(task.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.MarkAsRunning(task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.UpdateProgress(task.ID, 1, 4, 0))
	got, err := repo.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.ProgressPercent)

	require.NoError(t, repo.MarkAsFailed(task.ID, models.ErrorKindConvergence, "did not converge"))
	got, err = repo.GetByID(task.ID)
	require.NoError(t, err)
	assert.Equal(t, models.TaskStatusFailed, got.Status)
	assert.Equal(t, models.ErrorKindConvergence, got.ErrorKind)

	ok, err = repo.MarkAsCancelled(child.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	tasks, err := repo.List(models.SkillDiagnostics, "", 10, 0)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, models.TaskStatusCancelled, tasks[0].Status)
}

func TestBatchInsertChunks(t *testing.T) {
	db := openDB(t)
	_, err := db.Exec(`CREATE TABLE wide (a INTEGER, b INTEGER)`)
	require.NoError(t, err)

	rows := make([][]any, maxParams) // two columns -> two statements
	for i := range rows {
		rows[i] = []any{i, i * 2}
	}
	require.NoError(t, batchInsert(db, "wide", []string{"a", "b"}, rows))
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM wide`).Scan(&n))
	assert.Equal(t, maxParams, n)
}
