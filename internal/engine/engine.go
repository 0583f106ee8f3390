// Package engine defines the contract between the pipeline and a model
// fitting engine: what goes in, what a fitted model exposes, and how failures
// are classified.
package engine

import (
	"context"
	"fmt"

	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/spatial"
)

// Family names the observation model
type Family string

const (
	// FamilyStandardCurve is the Ct hurdle: logistic detection, then Gaussian Ct
	// through the plate standard curve.
	FamilyStandardCurve Family = "delta_standard_curve"
	FamilyGaussian      Family = "gaussian"
	FamilyPoisson       Family = "poisson"
	FamilyNB2           Family = "nbinom2"
	FamilyBinomial      Family = "binomial"
)

// ParseFamily validates a family name; empty selects the standard curve
func ParseFamily(s string) (Family, error) {
	switch f := Family(s); f {
	case "":
		return FamilyStandardCurve, nil
	case FamilyStandardCurve, FamilyGaussian, FamilyPoisson, FamilyNB2, FamilyBinomial:
		return f, nil
	}
	return "", fmt.Errorf("unknown family %q", s)
}

// Discrete reports whether responses are counts or binary outcomes
func (f Family) Discrete() bool {
	return f == FamilyPoisson || f == FamilyNB2 || f == FamilyBinomial
}

// FitInput is everything an engine receives. JSON field names are the wire
// format for out-of-process engines.
type FitInput struct {
	Observations   []models.ObservationRecord `json:"observations"`
	Standards      []models.StandardRecord    `json:"standards,omitempty"`
	Mesh           *spatial.Mesh              `json:"mesh,omitempty"`
	Family         Family                     `json:"family"`
	Spatial        bool                       `json:"spatial"`
	Spatiotemporal string                     `json:"spatiotemporal,omitempty"`
	Priors         field.Priors               `json:"priors"`
}

// Engine fits a model. Implementations validate their input with Validate
// and return *ConfigError or *ConvergenceError for the two expected failure kinds.
type Engine interface {
	Name() string
	Fit(ctx context.Context, in FitInput) (*Fit, error)
}
