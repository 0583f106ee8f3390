// Package synthesis generates paired calibration and field-sample datasets
// from a known hierarchical standard-curve model.
package synthesis

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"

	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/spatial"
)

// ErrInvalidConfig wraps every configuration problem reported by Validate
var ErrInvalidConfig = errors.New("invalid synthesis config")

// Population is a bivariate normal over an (intercept, slope) pair
type Population struct {
	Mean [2]float64    `json:"mean" yaml:"mean"`
	Cov  [2][2]float64 `json:"cov" yaml:"cov"`
}

// Domain is the sampling rectangle. With Geographic set the bounds are
// longitude (X) and latitude (Y) in degrees and locations are produced in km.
type Domain struct {
	MinX       float64 `json:"min_x" yaml:"min_x"`
	MinY       float64 `json:"min_y" yaml:"min_y"`
	MaxX       float64 `json:"max_x" yaml:"max_x"`
	MaxY       float64 `json:"max_y" yaml:"max_y"`
	Geographic bool    `json:"geographic,omitempty" yaml:"geographic"`
}

// Rect returns the planar sampling rectangle
func (d Domain) Rect() (r2.Rect, error) {
	if d.Geographic {
		rect, _, err := spatial.GeoRect(d.MinY, d.MinX, d.MaxY, d.MaxX)
		return rect, err
	}
	return r2.RectFromPoints(r2.Point{X: d.MinX, Y: d.MinY}, r2.Point{X: d.MaxX, Y: d.MaxY}), nil
}

// FieldConfig describes the latent log-density surface of the field samples
type FieldConfig struct {
	Locations  int     `json:"locations" yaml:"locations"`
	Domain     Domain  `json:"domain" yaml:"domain"`
	B0         float64 `json:"b0" yaml:"b0"`
	Range      float64 `json:"range" yaml:"range"`
	SigmaO     float64 `json:"sigma_o" yaml:"sigma_o"`
	TimeSteps  int     `json:"time_steps" yaml:"time_steps"`
	Temporal   string  `json:"spatiotemporal" yaml:"spatiotemporal"`
	SigmaE     float64 `json:"sigma_e" yaml:"sigma_e"`
	Rho        float64 `json:"rho" yaml:"rho"`
	MeshCutoff float64 `json:"mesh_cutoff" yaml:"mesh_cutoff"`
	MeshOffset float64 `json:"mesh_offset" yaml:"mesh_offset"`
}

// Config holds every input of a synthesis run
type Config struct {
	Seed           uint64      `json:"seed" yaml:"seed"`
	Concentrations []float64   `json:"concentrations" yaml:"concentrations"`
	Replicates     int         `json:"replicates" yaml:"replicates"`
	Plates         int         `json:"plates" yaml:"plates"`
	NoiseSD        float64     `json:"noise_sd" yaml:"noise_sd"`
	CtPopulation   Population  `json:"ct_population" yaml:"ct_population"`
	DetPopulation  Population  `json:"det_population" yaml:"det_population"`
	Field          FieldConfig `json:"field" yaml:"field"`
	// Family selects the field-sample response: "" or delta_standard_curve
	// for Ct, poisson or nbinom2 for counts.
	Family string  `json:"family,omitempty" yaml:"family"`
	Size   float64 `json:"size,omitempty" yaml:"size"`
}

// DefaultConcentrations returns 18 log-spaced values from 1e-3 to 1e3
func DefaultConcentrations() []float64 {
	out := make([]float64, 18)
	for k := range out {
		out[k] = math.Pow(10, -3+6*float64(k)/17)
	}
	return out
}

// DefaultConfig is the reference scenario
func DefaultConfig() Config {
	return Config{
		Seed:           123,
		Concentrations: DefaultConcentrations(),
		Replicates:     3,
		Plates:         50,
		NoiseSD:        0.01,
		CtPopulation: Population{
			Mean: [2]float64{38.0, -1.45},
			Cov:  [2][2]float64{{0.5, 0.02}, {0.02, 0.01}},
		},
		DetPopulation: Population{
			Mean: [2]float64{2.0, 0.8},
			Cov:  [2][2]float64{{0.25, 0}, {0, 0.04}},
		},
		Field: FieldConfig{
			Locations:  500,
			Domain:     Domain{MaxX: 1, MaxY: 1},
			B0:         1.0,
			Range:      0.4,
			SigmaO:     0.8,
			TimeSteps:  1,
			Temporal:   string(field.TemporalOff),
			MeshCutoff: 0.1,
			MeshOffset: 0.1,
		},
	}
}

// Validate reports the first configuration problem
func (c Config) Validate() error {
	bad := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}
	if !c.countFamily() {
		if len(c.Concentrations) == 0 {
			return bad("at least one concentration is required")
		}
		for i, v := range c.Concentrations {
			if !(v > 0) || math.IsInf(v, 0) {
				return bad("concentration %d must be positive and finite, got %v", i, v)
			}
		}
		if c.Replicates <= 0 {
			return bad("replicates must be positive, got %d", c.Replicates)
		}
		if c.Plates <= 0 {
			return bad("plates must be positive, got %d", c.Plates)
		}
		if c.NoiseSD < 0 || math.IsNaN(c.NoiseSD) {
			return bad("noise_sd must be non-negative, got %v", c.NoiseSD)
		}
	}
	switch c.Family {
	case "", "delta_standard_curve", "poisson":
	case "nbinom2":
		if !(c.Size > 0) {
			return bad("nbinom2 needs a positive size, got %v", c.Size)
		}
	default:
		return bad("unknown family %q", c.Family)
	}

	f := c.Field
	if f.Locations < 0 {
		return bad("locations must be non-negative, got %d", f.Locations)
	}
	if f.Locations == 0 {
		return nil
	}
	rect, err := f.Domain.Rect()
	if err != nil {
		return bad("domain: %v", err)
	}
	if rect.IsEmpty() || f.Domain.MaxX <= f.Domain.MinX || f.Domain.MaxY <= f.Domain.MinY {
		return bad("domain must have positive width and height")
	}
	if f.SigmaO < 0 {
		return bad("sigma_o must be non-negative, got %v", f.SigmaO)
	}
	if f.SigmaO > 0 && !(f.Range > 0) {
		return bad("range must be positive, got %v", f.Range)
	}
	if !(f.MeshCutoff > 0) {
		return bad("mesh_cutoff must be positive, got %v", f.MeshCutoff)
	}
	mode, err := field.ParseTemporal(f.Temporal)
	if err != nil {
		return bad("%v", err)
	}
	if mode != field.TemporalOff {
		if f.TimeSteps <= 0 {
			return bad("time_steps must be positive for spatiotemporal fields")
		}
		if !(f.Range > 0) {
			return bad("range must be positive, got %v", f.Range)
		}
		if !(f.SigmaE > 0) {
			return bad("sigma_e must be positive for spatiotemporal fields")
		}
		if mode == field.TemporalAR1 && (f.Rho <= -1 || f.Rho >= 1) {
			return bad("ar1 rho must lie in (-1, 1), got %v", f.Rho)
		}
	}
	return nil
}

func (c Config) countFamily() bool {
	return c.Family == "poisson" || c.Family == "nbinom2"
}
