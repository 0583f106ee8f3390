package engine

import (
	"errors"
	"fmt"
	"math"
	"testing"

	"github.com/golang/geo/r2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/spatial"
)

func validInput(t *testing.T) FitInput {
	t.Helper()
	mesh, err := spatial.BuildMesh(r2.RectFromPoints(r2.Point{}, r2.Point{X: 1, Y: 1}), 0.25, 0.1)
	require.NoError(t, err)
	return FitInput{
		Family:  FamilyStandardCurve,
		Spatial: true,
		Mesh:    mesh,
		Standards: []models.StandardRecord{
			{PlateID: "A1", KnownConc: 0.01, LogConc: -4.6, Replicate: 1, Ct: 44.7, Detected: true},
			{PlateID: "A1", KnownConc: 10, LogConc: 2.3, Replicate: 1, Ct: 34.7, Detected: true},
			{PlateID: "B7", KnownConc: 0.001, LogConc: -6.9, Replicate: 1},
		},
		Observations: []models.ObservationRecord{
			{X: 0.2, Y: 0.3, PlateID: "A1", Ct: 36, Detected: true},
			{X: 0.8, Y: 0.9, PlateID: "B7"},
		},
	}
}

func problems(t *testing.T, err error) []Problem {
	t.Helper()
	var ce *ConfigError
	require.True(t, errors.As(err, &ce), "want *ConfigError, got %v", err)
	return ce.Problems
}

func hasProblem(ps []Problem, field string) bool {
	for _, p := range ps {
		if p.Field == field {
			return true
		}
	}
	return false
}

func TestValidateAcceptsWellFormedInput(t *testing.T) {
	assert.NoError(t, Validate(validInput(t)))
}

func TestValidateCalibrationProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FitInput)
		field  string
	}{
		{"missing plate", func(in *FitInput) { in.Standards[0].PlateID = "" }, "plate"},
		{"missing concentration", func(in *FitInput) { in.Standards[1].KnownConc = 0 }, "known_conc_ul"},
		{"negative concentration", func(in *FitInput) { in.Standards[1].KnownConc = -3 }, "known_conc_ul"},
		{"unknown plate", func(in *FitInput) { in.Observations[1].PlateID = "Z9" }, "plate"},
		{"ct on non-detected sample", func(in *FitInput) { in.Observations[0].Detected = false; in.Observations[0].Ct = 40 }, "ct"},
		{"ct on non-detected standard", func(in *FitInput) { in.Standards[0].Detected = false }, "ct"},
		{"non-finite sample ct", func(in *FitInput) { in.Observations[0].Ct = math.Inf(1) }, "ct"},
		{"no standards", func(in *FitInput) { in.Standards = nil }, "standards"},
		{"no observations", func(in *FitInput) { in.Observations = nil }, "observations"},
		{"bad family", func(in *FitInput) { in.Family = "tweedie" }, "family"},
		{"bad spatiotemporal", func(in *FitInput) { in.Spatiotemporal = "weekly" }, "spatiotemporal"},
		{"inverted priors", func(in *FitInput) { in.Priors.RangeMin, in.Priors.RangeMax = 2, 1 }, "priors"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(t)
			tt.mutate(&in)
			ps := problems(t, Validate(in))
			assert.True(t, hasProblem(ps, tt.field), "problems: %+v", ps)
		})
	}
}

func TestValidateMeshProblems(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*FitInput)
	}{
		{"missing mesh", func(in *FitInput) { in.Mesh = nil }},
		{"too few vertices", func(in *FitInput) { in.Mesh = &spatial.Mesh{Vertices: []r2.Point{{}, {X: 1}}} }},
		{"no triangles", func(in *FitInput) { in.Mesh.Triangles = nil }},
		{"degenerate", func(in *FitInput) {
			in.Mesh = &spatial.Mesh{Vertices: []r2.Point{{}, {X: 1}, {X: 2}}, Triangles: [][3]int{{0, 1, 2}}}
		}},
		{"outside hull", func(in *FitInput) { in.Observations[0].X = 5 }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := validInput(t)
			tt.mutate(&in)
			assert.True(t, hasProblem(problems(t, Validate(in)), "mesh"))
		})
	}
}

func TestValidateSkipsMeshWhenNonSpatial(t *testing.T) {
	in := validInput(t)
	in.Spatial = false
	in.Mesh = nil
	assert.NoError(t, Validate(in))
}

func TestValidateCountResponses(t *testing.T) {
	in := FitInput{
		Family: FamilyPoisson,
		Observations: []models.ObservationRecord{
			{Response: 3}, {Response: 0}, {Response: 1.5}, {Response: -1},
		},
	}
	ps := problems(t, Validate(in))
	assert.Len(t, ps, 2)

	in.Family = FamilyBinomial
	in.Observations = []models.ObservationRecord{{Response: 1}, {Response: 2}}
	assert.Len(t, problems(t, Validate(in)), 1)

	// count families do not need a calibration table or plates
	in.Observations = []models.ObservationRecord{{Response: 1}, {Response: 0}}
	assert.NoError(t, Validate(in))
}

func TestValidateCapsProblemList(t *testing.T) {
	in := validInput(t)
	for i := 0; i < 100; i++ {
		in.Standards = append(in.Standards, models.StandardRecord{})
	}
	assert.Len(t, problems(t, Validate(in)), maxProblems)
}

func TestErrorKindsAreDistinct(t *testing.T) {
	cfg := fmt.Errorf("fit: %w", &ConfigError{Problems: []Problem{{Field: "plate", Reason: "missing"}}})
	conv := fmt.Errorf("fit: %w", &ConvergenceError{Engine: "reference", Stage: "plate A1", Iterations: 50})

	assert.True(t, IsConfig(cfg))
	assert.False(t, IsConvergence(cfg))
	assert.True(t, IsConvergence(conv))
	assert.False(t, IsConfig(conv))
	assert.Contains(t, conv.Error(), "after 50 iterations")
	assert.Contains(t, cfg.Error(), "plate: missing")
}

func TestParseFamily(t *testing.T) {
	f, err := ParseFamily("")
	require.NoError(t, err)
	assert.Equal(t, FamilyStandardCurve, f)
	f, err = ParseFamily("nbinom2")
	require.NoError(t, err)
	assert.True(t, f.Discrete())
	assert.False(t, FamilyGaussian.Discrete())
}
