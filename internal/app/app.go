// Package app wires configuration, storage, engines and services into a
// runnable backend shared by the server and the CLI.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/analysis"
	"github.com/jengzang/edna-backend-go/internal/api"
	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/config"
	"github.com/jengzang/edna-backend-go/internal/database"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/engine/external"
	"github.com/jengzang/edna-backend-go/internal/engine/reference"
	"github.com/jengzang/edna-backend-go/internal/metrics"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/residuals"
	"github.com/jengzang/edna-backend-go/internal/service"

	// register analyzers
	_ "github.com/jengzang/edna-backend-go/internal/analysis/diagnostics"
	_ "github.com/jengzang/edna-backend-go/internal/analysis/fitting"
	_ "github.com/jengzang/edna-backend-go/internal/analysis/synthesis"
)

// App owns every long-lived component
type App struct {
	Config    *config.Config
	DB        *sql.DB
	Artifacts artifact.Store
	Metrics   *metrics.Metrics
	Log       *zap.Logger

	Tasks    *service.AnalysisTaskService
	Datasets *service.DatasetService
	Models   *service.ModelService
}

// New opens storage and builds the services described by cfg
func New(ctx context.Context, cfg *config.Config, log *zap.Logger) (*App, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if needsDir(cfg.DBPath) {
		if err := os.MkdirAll(filepath.Dir(cfg.DBPath), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}
	db, err := database.Open(database.Config{Path: cfg.DBPath}, log.Named("database"))
	if err != nil {
		return nil, err
	}

	store, err := artifact.Open(ctx, cfg.Artifacts)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("open artifact store: %w", err)
	}

	engines, err := Engines(cfg.Fit, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	m := metrics.New()
	tasksRepo := repository.NewAnalysisTaskRepository(db)
	runs := repository.NewRunRepository(db)
	fits := repository.NewFitRepository(db)
	resids := repository.NewResidualRepository(db)

	deps := analysis.Dependencies{
		DB:              db,
		Tasks:           tasksRepo,
		Runs:            runs,
		Fits:            fits,
		Residuals:       resids,
		Artifacts:       store,
		Engines:         engines,
		DefaultEngine:   cfg.Fit.Engine,
		Synthesis:       cfg.Synthesis,
		ResidualOptions: residuals.Options{Parallelism: cfg.Residuals.Parallelism},
		MaxDraws:        cfg.Residuals.MaxDraws,
		Metrics:         m,
		Logger:          log,
	}

	log.Info("backend ready",
		zap.String("engine", cfg.Fit.Engine),
		zap.String("artifacts", string(store.Driver())),
		zap.Strings("skills", analysis.Skills()))

	return &App{
		Config:    cfg,
		DB:        db,
		Artifacts: store,
		Metrics:   m,
		Log:       log,
		Tasks:     service.NewAnalysisTaskService(tasksRepo, deps),
		Datasets:  service.NewDatasetService(runs, fits, store),
		Models:    service.NewModelService(fits, resids, store),
	}, nil
}

// Engines builds the reference engine and, when a command is configured,
// the external one.
func Engines(cfg config.FitConfig, log *zap.Logger) (map[string]engine.Engine, error) {
	engines := map[string]engine.Engine{
		reference.Name: reference.New(reference.Options{
			MaxIter:       cfg.MaxIter,
			Rounds:        cfg.Rounds,
			VariogramBins: cfg.VariogramBins,
			Logger:        log,
		}),
	}
	if cfg.Command != "" {
		ext, err := external.New(cfg.Command, external.Options{Logger: log})
		if err != nil {
			return nil, err
		}
		engines[external.Name] = ext
	}
	return engines, nil
}

// Router builds the HTTP handler
func (a *App) Router(ctx context.Context) *gin.Engine {
	return api.SetupRouter(ctx, a.Config, api.Services{
		Tasks:    a.Tasks,
		Datasets: a.Datasets,
		Models:   a.Models,
	}, a.Metrics, a.Log.Named("http"))
}

// Close stops background tasks and closes the database
func (a *App) Close() error {
	a.Tasks.Close()
	return a.DB.Close()
}

// needsDir reports whether path is a plain file path inside a directory
func needsDir(path string) bool {
	return path != ":memory:" && !strings.HasPrefix(path, "file:") && filepath.Dir(path) != "."
}
