// Package external runs a model fitting program out of process. The program
// is invoked as `<command...> <input.json> <output.json>`: it reads a
// FitInput and writes a Fit.
package external

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jengzang/edna-backend-go/internal/engine"
)

// Name identifies fits produced by this engine unless the program names itself
const Name = "external"

// ErrNoCommand is returned when no program is configured
var ErrNoCommand = errors.New("external engine: no command configured")

// Options configure the subprocess
type Options struct {
	// Env is the subprocess environment; nil inherits the current one
	Env []string
	// Dir is the working directory of the subprocess
	Dir string
	// TempDir holds the exchange files; empty uses os.TempDir
	TempDir string
	Logger  *zap.Logger
}

// Engine implements engine.Engine over a subprocess
type Engine struct {
	command []string
	opts    Options
	log     *zap.Logger
}

// New creates an engine running command, e.g. "Rscript fit.R"
func New(command string, opts Options) (*Engine, error) {
	args := strings.Fields(command)
	if len(args) == 0 {
		return nil, ErrNoCommand
	}
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{command: args, opts: opts, log: log.Named("external")}, nil
}

// Name implements engine.Engine
func (e *Engine) Name() string { return Name }

// output is the program's reply: a Fit, optionally with input problems
type output struct {
	engine.Fit
	Problems []engine.Problem `json:"problems,omitempty"`
}

// Fit implements engine.Engine
func (e *Engine) Fit(ctx context.Context, in engine.FitInput) (*engine.Fit, error) {
	if err := engine.Validate(in); err != nil {
		return nil, err
	}

	dir, err := os.MkdirTemp(e.opts.TempDir, "edna-fit-")
	if err != nil {
		return nil, fmt.Errorf("create exchange dir: %w", err)
	}
	defer os.RemoveAll(dir)

	inPath := filepath.Join(dir, "input.json")
	outPath := filepath.Join(dir, "output.json")
	payload, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("encode fit input: %w", err)
	}
	if err := os.WriteFile(inPath, payload, 0o600); err != nil {
		return nil, fmt.Errorf("write fit input: %w", err)
	}

	args := append(append([]string(nil), e.command[1:]...), inPath, outPath)
	cmd := exec.CommandContext(ctx, e.command[0], args...)
	cmd.Env = e.opts.Env
	cmd.Dir = e.opts.Dir

	start := time.Now()
	out, err := cmd.CombinedOutput()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("external engine: %w", ctxErr)
		}
		return nil, fmt.Errorf("external engine %s failed: %w, output: %s", e.command[0], err, strings.TrimSpace(string(out)))
	}
	e.log.Debug("subprocess finished",
		zap.String("command", e.command[0]),
		zap.Duration("elapsed", time.Since(start)),
		zap.Int("output_bytes", len(out)))

	raw, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read fit output: %w, output: %s", err, strings.TrimSpace(string(out)))
	}
	var reply output
	if err := json.Unmarshal(raw, &reply); err != nil {
		return nil, fmt.Errorf("decode fit output: %w", err)
	}
	if len(reply.Problems) > 0 {
		return nil, &engine.ConfigError{Problems: reply.Problems}
	}

	fit := &reply.Fit
	if fit.Engine == "" {
		fit.Engine = Name
	}
	if !fit.Converged {
		return nil, &engine.ConvergenceError{
			Engine:     fit.Engine,
			Stage:      "external",
			Iterations: fit.Iterations,
			Reason:     fit.Message,
		}
	}
	if fit.ID == "" {
		fit.ID = uuid.NewString()
	}
	if fit.Family == "" {
		fit.Family, _ = engine.ParseFamily(string(in.Family))
	}
	fit.Spatial = fit.Spatial || in.Spatial
	// programs usually echo only estimates; carry the data over
	if fit.Observations == nil {
		fit.Observations = in.Observations
	}
	if fit.Standards == nil {
		fit.Standards = in.Standards
	}
	if fit.Mesh == nil {
		fit.Mesh = in.Mesh
	}
	if len(fit.Latent) != len(fit.Observations) {
		latent, err := fit.Predict(fit.Observations)
		if err != nil {
			return nil, fmt.Errorf("external fit: %w", err)
		}
		fit.Latent = latent
	}
	return fit, nil
}
