package synthesis

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/edna-backend-go/internal/rng"
	"github.com/jengzang/edna-backend-go/internal/stats"
)

func TestDefaultScenarioSizes(t *testing.T) {
	ds, err := Run(DefaultConfig())
	require.NoError(t, err)

	assert.Len(t, ds.Plates, 50)
	assert.Len(t, ds.Standards, 18*3*50)
	assert.Len(t, ds.Observations, 500)
	require.NotNil(t, ds.Mesh)
	assert.NoError(t, ds.Mesh.Validate())
}

func TestDefaultConcentrationsSpanSixDecades(t *testing.T) {
	c := DefaultConcentrations()
	require.Len(t, c, 18)
	assert.InDelta(t, 1e-3, c[0], 1e-15)
	assert.InDelta(t, 1e3, c[17], 1e-9)
}

func TestSentinelIffDetectionDrawFails(t *testing.T) {
	ds, err := Run(DefaultConfig())
	require.NoError(t, err)

	var detected, missed int
	for _, s := range ds.Standards {
		if s.DetectionDraw < s.DetectionProb {
			detected++
			assert.True(t, s.Detected)
			assert.NotZero(t, s.Ct)
		} else {
			missed++
			assert.False(t, s.Detected)
			assert.Zero(t, s.Ct)
		}
	}
	for _, o := range ds.Observations {
		assert.Equal(t, o.DetectionDraw < o.DetectionProb, o.Detected)
		assert.Equal(t, !o.Detected, o.Ct == 0)
	}
	// both outcomes occur across six decades of concentration
	assert.Positive(t, detected)
	assert.Positive(t, missed)
}

func TestRunIsDeterministicPerSeed(t *testing.T) {
	a, err := Run(DefaultConfig())
	require.NoError(t, err)
	b, err := Run(DefaultConfig())
	require.NoError(t, err)
	assert.Equal(t, a.Standards, b.Standards)
	assert.Equal(t, a.Observations, b.Observations)

	cfg := DefaultConfig()
	cfg.Seed = 124
	c, err := Run(cfg)
	require.NoError(t, err)
	assert.NotEqual(t, a.Plates, c.Plates)
	assert.NotEqual(t, a.Standards, c.Standards)
}

func TestStandardsAreUniquePerPlateConcentrationReplicate(t *testing.T) {
	ds, err := Run(DefaultConfig())
	require.NoError(t, err)

	type key struct {
		plate string
		conc  float64
		rep   int
	}
	seen := map[key]bool{}
	for _, s := range ds.Standards {
		k := key{s.PlateID, s.KnownConc, s.Replicate}
		assert.False(t, seen[k], "duplicate %v", k)
		seen[k] = true
	}
}

func TestPlateIDsUniqueUnderCrowding(t *testing.T) {
	ids := plateIDs(2000, rng.New(1))
	seen := map[string]bool{}
	for _, id := range ids {
		assert.Regexp(t, `^[A-Z][0-9]+$`, id)
		assert.False(t, seen[id])
		seen[id] = true
	}
}

func TestStandardCurveFollowsPlateCoefficients(t *testing.T) {
	ds, err := Run(DefaultConfig())
	require.NoError(t, err)
	plates := map[string]float64{}
	slopes := map[string]float64{}
	for _, p := range ds.Plates {
		plates[p.ID] = p.CtIntercept
		slopes[p.ID] = p.CtSlope
	}
	for _, s := range ds.Standards {
		if !s.Detected {
			continue
		}
		want := plates[s.PlateID] + slopes[s.PlateID]*math.Log(s.KnownConc)
		assert.InDelta(t, want, s.Ct, 0.06)
	}
}

func TestObservationFieldHasConfiguredScale(t *testing.T) {
	ds, err := Run(DefaultConfig())
	require.NoError(t, err)
	omega := make([]float64, len(ds.Observations))
	for i, o := range ds.Observations {
		omega[i] = o.Omega
		assert.InDelta(t, 1.0+o.Omega, o.LogDensity, 1e-12)
		assert.GreaterOrEqual(t, o.X, 0.0)
		assert.LessOrEqual(t, o.X, 1.0)
	}
	sd := stats.StdDev(omega)
	assert.Greater(t, sd, 0.3)
	assert.Less(t, sd, 1.5)
}

func TestInvalidConfig(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero concentration", func(c *Config) { c.Concentrations[3] = 0 }},
		{"negative concentration", func(c *Config) { c.Concentrations[0] = -1 }},
		{"infinite concentration", func(c *Config) { c.Concentrations[0] = math.Inf(1) }},
		{"no replicates", func(c *Config) { c.Replicates = 0 }},
		{"no plates", func(c *Config) { c.Plates = 0 }},
		{"bad covariance", func(c *Config) { c.CtPopulation.Cov = [2][2]float64{{1, 2}, {2, 1}} }},
		{"unknown family", func(c *Config) { c.Family = "tweedie" }},
		{"nbinom2 without size", func(c *Config) { c.Family = "nbinom2" }},
		{"flat domain", func(c *Config) { c.Field.Domain.MaxY = 0 }},
		{"latitude past pole", func(c *Config) {
			c.Field.Domain = Domain{MinX: 9, MinY: 44, MaxX: 11, MaxY: 95, Geographic: true}
		}},
		{"longitude past antimeridian", func(c *Config) {
			c.Field.Domain = Domain{MinX: 170, MinY: 44, MaxX: 185, MaxY: 46, Geographic: true}
		}},
		{"ar1 rho", func(c *Config) {
			c.Field.Temporal = "ar1"
			c.Field.TimeSteps = 3
			c.Field.SigmaE = 0.2
			c.Field.Rho = 1.5
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := Run(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalidConfig), "got %v", err)
		})
	}
}

func TestSpatiotemporalObservations(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Field.Locations = 120
	cfg.Field.Temporal = "ar1"
	cfg.Field.TimeSteps = 4
	cfg.Field.SigmaE = 0.3
	cfg.Field.Rho = 0.6
	ds, err := Run(cfg)
	require.NoError(t, err)

	times := map[int]bool{}
	for _, o := range ds.Observations {
		times[o.Time] = true
		assert.InDelta(t, cfg.Field.B0+o.Omega+o.Epsilon, o.LogDensity, 1e-12)
		assert.Less(t, o.Time, 4)
	}
	assert.Greater(t, len(times), 1)
}

func TestSynthesizeCounts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Family = "nbinom2"
	cfg.Size = 0.5
	cfg.Field.SigmaO = 0
	cfg.Field.Locations = 4000

	ds, err := Run(cfg)
	require.NoError(t, err)
	assert.Empty(t, ds.Standards)
	require.Len(t, ds.Observations, 4000)

	y := make([]float64, len(ds.Observations))
	for i, o := range ds.Observations {
		y[i] = o.Response
		assert.Equal(t, o.Response > 0, o.Detected)
	}
	// NB2 zero probability (k / (k + mu))^k with mu = e
	want := math.Pow(0.5/(0.5+math.E), 0.5)
	assert.InDelta(t, want, stats.ZeroProportion(y), 0.03)
	assert.InDelta(t, math.E, stats.Mean(y), 0.35)
}
