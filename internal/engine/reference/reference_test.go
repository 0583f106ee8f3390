package reference

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/synthesis"
)

func inputFor(t *testing.T, cfg synthesis.Config, family engine.Family, spatial bool) engine.FitInput {
	t.Helper()
	ds, err := synthesis.Run(cfg)
	require.NoError(t, err)
	return engine.FitInput{
		Observations: ds.Observations,
		Standards:    ds.Standards,
		Mesh:         ds.Mesh,
		Family:       family,
		Spatial:      spatial,
	}
}

func TestStandardCurveRoundTrip(t *testing.T) {
	in := inputFor(t, synthesis.DefaultConfig(), engine.FamilyStandardCurve, true)

	fit, err := New(Options{}).Fit(context.Background(), in)
	require.NoError(t, err)
	assert.True(t, fit.Converged)
	assert.Equal(t, Name, fit.Engine)
	assert.NotEmpty(t, fit.ID)

	require.NotNil(t, fit.Population)
	assert.InDelta(t, 38.0, fit.Population.CtMean[0], 0.75)
	assert.InDelta(t, -1.45, fit.Population.CtMean[1], 0.15)
	assert.InDelta(t, 0.01, fit.Dispersion, 0.005)

	require.Len(t, fit.Plates, 50)
	require.Len(t, fit.Coefficients, 5)
	assert.Equal(t, engine.InterceptName, fit.Coefficients[0].Name)
	b0, ok := fit.FixedEffect(engine.InterceptName)
	require.True(t, ok)
	assert.InDelta(t, 1.0, b0, 1.0)

	r, c := fit.FixedCov().Dims()
	assert.Equal(t, 5, r)
	assert.Equal(t, 5, c)

	require.NotNil(t, fit.Field)
	assert.Positive(t, fit.Field.Range)
	assert.Len(t, fit.Latent, len(in.Observations))
	assert.Greater(t, fit.CurveR2(), 0.99)
	assert.Less(t, fit.CurveRMSE(), 0.5)
}

func TestPlateCurvesTrackTruePlates(t *testing.T) {
	cfg := synthesis.DefaultConfig()
	ds, err := synthesis.Run(cfg)
	require.NoError(t, err)

	fit, err := New(Options{}).Fit(context.Background(), engine.FitInput{
		Observations: ds.Observations,
		Standards:    ds.Standards,
		Family:       engine.FamilyStandardCurve,
	})
	require.NoError(t, err)
	assert.Nil(t, fit.Field)

	idx := fit.PlateIndex()
	for _, p := range ds.Plates {
		i, ok := idx[p.ID]
		require.True(t, ok, p.ID)
		assert.InDelta(t, p.CtIntercept, fit.Plates[i].CtIntercept, 0.05)
		assert.InDelta(t, p.CtSlope, fit.Plates[i].CtSlope, 0.02)
	}
}

func TestRejectsSpatiotemporal(t *testing.T) {
	in := inputFor(t, synthesis.DefaultConfig(), engine.FamilyStandardCurve, true)
	in.Spatiotemporal = "ar1"

	_, err := New(Options{}).Fit(context.Background(), in)
	require.Error(t, err)
	assert.True(t, engine.IsConfig(err))
}

func TestRejectsMissingCalibration(t *testing.T) {
	in := inputFor(t, synthesis.DefaultConfig(), engine.FamilyStandardCurve, false)
	in.Standards = nil

	_, err := New(Options{}).Fit(context.Background(), in)
	require.Error(t, err)
	assert.True(t, engine.IsConfig(err))
}

func TestCancelledContext(t *testing.T) {
	in := inputFor(t, synthesis.DefaultConfig(), engine.FamilyStandardCurve, true)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := New(Options{}).Fit(ctx, in)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func countConfig(family string) synthesis.Config {
	cfg := synthesis.DefaultConfig()
	cfg.Family = family
	cfg.Size = 0.5
	cfg.Field.SigmaO = 0
	cfg.Field.Locations = 2000
	return cfg
}

func TestPoissonInterceptRecovered(t *testing.T) {
	in := inputFor(t, countConfig("poisson"), engine.FamilyPoisson, false)

	fit, err := New(Options{}).Fit(context.Background(), in)
	require.NoError(t, err)
	b0, _ := fit.FixedEffect(engine.InterceptName)
	assert.InDelta(t, 1.0, b0, 0.1)
	assert.Equal(t, 1.0, fit.Dispersion)
	assert.Len(t, fit.Coefficients, 1)
}

func TestNB2SizeRecovered(t *testing.T) {
	in := inputFor(t, countConfig("nbinom2"), engine.FamilyNB2, false)

	fit, err := New(Options{}).Fit(context.Background(), in)
	require.NoError(t, err)
	b0, _ := fit.FixedEffect(engine.InterceptName)
	assert.InDelta(t, 1.0, b0, 0.15)
	assert.InDelta(t, 0.5, fit.Dispersion, 0.2)
}

func TestSpatialPoissonField(t *testing.T) {
	cfg := synthesis.DefaultConfig()
	cfg.Family = "poisson"
	in := inputFor(t, cfg, engine.FamilyPoisson, true)

	fit, err := New(Options{}).Fit(context.Background(), in)
	require.NoError(t, err)
	require.NotNil(t, fit.Field)
	assert.Len(t, fit.Field.Omega, len(in.Observations))
	assert.Positive(t, fit.Field.Sigma+fit.Field.Nugget)
}
