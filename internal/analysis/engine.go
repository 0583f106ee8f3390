package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/artifact"
	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/metrics"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/repository"
	"github.com/jengzang/edna-backend-go/internal/residuals"
	"github.com/jengzang/edna-backend-go/internal/synthesis"
)

// Analyzer is the interface that all pipeline stages must implement
type Analyzer interface {
	// Analyze runs the task and returns the result summary stored on completion
	Analyze(ctx context.Context, task *models.AnalysisTask) (any, error)

	// GetName returns the skill name of the analyzer
	GetName() string
}

// ParamValidator is implemented by analyzers that can reject parameters
// before a task is created. Chained tasks receive their upstream reference
// (run or fit ID) only when the upstream task completes.
type ParamValidator interface {
	ValidateParams(raw json.RawMessage, chained bool) error
}

// ErrInvalidParams wraps every parameter decoding or validation failure
var ErrInvalidParams = errors.New("invalid task params")

// Dependencies are shared by every analyzer
type Dependencies struct {
	DB        *sql.DB
	Tasks     *repository.AnalysisTaskRepository
	Runs      *repository.RunRepository
	Fits      *repository.FitRepository
	Residuals *repository.ResidualRepository
	Artifacts artifact.Store

	// Engines by name; DefaultEngine is used when a task does not pick one
	Engines       map[string]engine.Engine
	DefaultEngine string

	// Synthesis holds the defaults task params are merged over
	Synthesis       synthesis.Config
	ResidualOptions residuals.Options
	MaxDraws        int

	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Engine resolves a fitting engine by name; empty selects the default
func (d Dependencies) Engine(name string) (engine.Engine, error) {
	if name == "" {
		name = d.DefaultEngine
	}
	e, ok := d.Engines[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown engine %q", ErrInvalidParams, name)
	}
	return e, nil
}

// BaseAnalyzer provides common functionality for all analyzers
type BaseAnalyzer struct {
	Deps Dependencies
	Name string
	Log  *zap.Logger
}

// NewBaseAnalyzer creates a new base analyzer
func NewBaseAnalyzer(deps Dependencies, name string) *BaseAnalyzer {
	log := deps.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &BaseAnalyzer{
		Deps: deps,
		Name: name,
		Log:  log.Named(name),
	}
}

// GetName returns the analyzer name
func (a *BaseAnalyzer) GetName() string {
	return a.Name
}

// UpdateTaskProgress records how many of total steps are done
func (a *BaseAnalyzer) UpdateTaskProgress(taskID int64, processed, total int) error {
	if a.Deps.Tasks == nil {
		return nil
	}
	return a.Deps.Tasks.UpdateProgress(taskID, processed, total, 0)
}

// DecodeParams unmarshals raw into v. Fields absent from raw keep the
// values already in v, so callers pre-fill defaults.
func DecodeParams(raw json.RawMessage, v any) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidParams, err)
	}
	return nil
}

// TaskParams decodes the parameters stored on a task
func TaskParams(task *models.AnalysisTask, v any) error {
	return DecodeParams(json.RawMessage(task.ParamsJSON), v)
}

// ErrorKind classifies an analyzer failure for the task record
func ErrorKind(err error) string {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindCancelled
	case engine.IsConvergence(err):
		return models.ErrorKindConvergence
	case engine.IsConfig(err), errors.Is(err, ErrInvalidParams), errors.Is(err, synthesis.ErrInvalidConfig):
		return models.ErrorKindConfig
	}
	return models.ErrorKindInternal
}

// AnalyzerFactory is a function that creates an analyzer instance
type AnalyzerFactory func(deps Dependencies) Analyzer

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AnalyzerFactory)
)

// RegisterAnalyzer registers an analyzer factory for a skill name. Sub-packages
// call it from init.
func RegisterAnalyzer(skillName string, factory AnalyzerFactory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[skillName] = factory
}

// GetAnalyzer retrieves an analyzer instance for a skill name
func GetAnalyzer(skillName string, deps Dependencies) Analyzer {
	registryMu.RLock()
	factory, ok := registry[skillName]
	registryMu.RUnlock()
	if !ok {
		return nil
	}
	return factory(deps)
}

// IsRegistered reports whether a skill has an analyzer
func IsRegistered(skillName string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[skillName]
	return ok
}

// Skills lists the registered skill names
func Skills() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	out := make([]string, 0, len(registry))
	for name := range registry {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
