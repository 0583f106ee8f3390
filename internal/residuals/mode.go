// Package residuals computes model-checking residuals and simulation-based
// diagnostics for a fitted model. Every computation is a pure function of the
// fit, the mode and a seed.
package residuals

import (
	"fmt"
	"strings"
)

// Mode selects how residuals are produced. The set of modes is closed.
type Mode interface {
	Name() string
	// DrawCount is the number of matrix columns the mode produces; zero for
	// a single residual vector.
	DrawCount() int
	mode()
}

// QuantileMode computes randomized-quantile residuals at the fitted values
type QuantileMode struct{}

// MCMCMode computes quantile residuals for posterior draws of the random
// effects with fixed effects held at their estimates
type MCMCMode struct {
	Draws int
}

// SimulationMode simulates replicate responses with every effect at its fitted value
type SimulationMode struct {
	Draws int
}

// JointMode simulates replicate responses, optionally redrawing the fixed
// effects from their sampling distribution and the spatial field from its
// fitted covariance. The two sources are drawn independently.
type JointMode struct {
	Draws        int
	FixedEffects bool
	RandomFields bool
}

func (QuantileMode) Name() string   { return "quantile" }
func (MCMCMode) Name() string       { return "mcmc" }
func (SimulationMode) Name() string { return "simulation" }
func (JointMode) Name() string      { return "joint" }

func (QuantileMode) DrawCount() int     { return 0 }
func (m MCMCMode) DrawCount() int       { return m.Draws }
func (m SimulationMode) DrawCount() int { return m.Draws }
func (m JointMode) DrawCount() int      { return m.Draws }

func (QuantileMode) mode()   {}
func (MCMCMode) mode()       {}
func (SimulationMode) mode() {}
func (JointMode) mode()      {}

// ModeSpec is the serializable form of a Mode
type ModeSpec struct {
	Mode         string `json:"mode" yaml:"mode"`
	Draws        int    `json:"draws" yaml:"draws"`
	FixedEffects bool   `json:"fixed_effects" yaml:"fixed_effects"`
	RandomFields bool   `json:"random_fields" yaml:"random_fields"`
}

// Parse builds the Mode described by s
func (s ModeSpec) Parse() (Mode, error) {
	name := strings.ToLower(strings.TrimSpace(s.Mode))
	if name != "" && name != "quantile" && s.Draws < 1 {
		return nil, fmt.Errorf("mode %s needs draws >= 1, got %d", name, s.Draws)
	}
	switch name {
	case "", "quantile":
		return QuantileMode{}, nil
	case "mcmc":
		return MCMCMode{Draws: s.Draws}, nil
	case "simulation":
		return SimulationMode{Draws: s.Draws}, nil
	case "joint":
		return JointMode{Draws: s.Draws, FixedEffects: s.FixedEffects, RandomFields: s.RandomFields}, nil
	}
	return nil, fmt.Errorf("unknown residual mode %q", s.Mode)
}

// Spec is the inverse of ModeSpec.Parse
func Spec(m Mode) ModeSpec {
	s := ModeSpec{Mode: m.Name(), Draws: m.DrawCount()}
	if j, ok := m.(JointMode); ok {
		s.FixedEffects, s.RandomFields = j.FixedEffects, j.RandomFields
	}
	return s
}
