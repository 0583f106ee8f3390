package synthesis

import (
	"fmt"
	"math"
	"math/rand/v2"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/regression"
	"github.com/jengzang/edna-backend-go/internal/rng"
	"github.com/jengzang/edna-backend-go/internal/spatial"
)

// Dataset is the complete output of one synthesis run
type Dataset struct {
	Plates       []models.Plate
	Standards    []models.StandardRecord
	Observations []models.ObservationRecord
	Mesh         *spatial.Mesh
}

// Independent streams per stage so that changing one stage's size does not
// perturb the draws of another.
const (
	streamPlates uint64 = iota
	streamStandards
	streamField
	streamObservations
)

// Run synthesizes a full dataset from cfg.Seed
func Run(cfg Config) (*Dataset, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	ds := &Dataset{}

	if cfg.Field.Locations > 0 {
		rect, err := cfg.Field.Domain.Rect()
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
		}
		mesh, err := spatial.BuildMesh(rect, cfg.Field.MeshCutoff, cfg.Field.MeshOffset)
		if err != nil {
			return nil, fmt.Errorf("build mesh: %w", err)
		}
		ds.Mesh = mesh
	}

	if cfg.countFamily() {
		obs, err := SynthesizeCounts(cfg, ds.Mesh, rng.Derive(cfg.Seed, streamObservations))
		if err != nil {
			return nil, err
		}
		ds.Observations = obs
		return ds, nil
	}

	plates, err := DrawPlates(cfg.Plates, cfg.CtPopulation, cfg.DetPopulation, rng.Derive(cfg.Seed, streamPlates))
	if err != nil {
		return nil, err
	}
	ds.Plates = plates

	ds.Standards, err = SynthesizeStandards(cfg, plates, rng.Derive(cfg.Seed, streamStandards))
	if err != nil {
		return nil, err
	}
	if cfg.Field.Locations > 0 {
		ds.Observations, err = SynthesizeObservations(cfg, ds.Mesh, plates, rng.Derive(cfg.Seed, streamObservations))
		if err != nil {
			return nil, err
		}
	}
	return ds, nil
}

// SynthesizeStandards produces one record per concentration x replicate x plate
func SynthesizeStandards(cfg Config, plates []models.Plate, r *rand.Rand) ([]models.StandardRecord, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(plates) == 0 {
		return nil, fmt.Errorf("%w: no plates", ErrInvalidConfig)
	}

	out := make([]models.StandardRecord, 0, len(plates)*len(cfg.Concentrations)*cfg.Replicates)
	for _, p := range plates {
		for _, conc := range cfg.Concentrations {
			lc := math.Log(conc)
			for rep := 1; rep <= cfg.Replicates; rep++ {
				ct, detected, u, prob := measure(p, lc, cfg.NoiseSD, r)
				out = append(out, models.StandardRecord{
					PlateID:       p.ID,
					KnownConc:     conc,
					LogConc:       lc,
					Replicate:     rep,
					Ct:            ct,
					Detected:      detected,
					DetectionDraw: u,
					DetectionProb: prob,
				})
			}
		}
	}
	return out, nil
}

// SynthesizeObservations simulates the latent field at uniform random
// locations and applies the plate curves with the latent log density in
// place of log concentration.
func SynthesizeObservations(cfg Config, mesh *spatial.Mesh, plates []models.Plate, r *rand.Rand) ([]models.ObservationRecord, error) {
	if len(plates) == 0 {
		return nil, fmt.Errorf("%w: no plates", ErrInvalidConfig)
	}
	obs, err := simulateLatent(cfg, mesh, r)
	if err != nil {
		return nil, err
	}
	for i := range obs {
		p := plates[r.IntN(len(plates))]
		ct, detected, u, prob := measure(p, obs[i].LogDensity, cfg.NoiseSD, r)
		obs[i].PlateID = p.ID
		obs[i].Ct = ct
		obs[i].Detected = detected
		obs[i].DetectionDraw = u
		obs[i].DetectionProb = prob
		obs[i].Response = ct
	}
	return obs, nil
}

// SynthesizeCounts draws Poisson or NB2 counts with log mean equal to the latent log density
func SynthesizeCounts(cfg Config, mesh *spatial.Mesh, r *rand.Rand) ([]models.ObservationRecord, error) {
	if !cfg.countFamily() {
		return nil, fmt.Errorf("%w: family %q is not a count family", ErrInvalidConfig, cfg.Family)
	}
	obs, err := simulateLatent(cfg, mesh, r)
	if err != nil {
		return nil, err
	}
	for i := range obs {
		mu := math.Exp(obs[i].LogDensity)
		if cfg.Family == "nbinom2" {
			mu = distuv.Gamma{Alpha: cfg.Size, Beta: cfg.Size / mu, Src: r}.Rand()
		}
		y := distuv.Poisson{Lambda: mu, Src: r}.Rand()
		obs[i].Response = y
		obs[i].Detected = y > 0
	}
	return obs, nil
}

// measure applies one plate's two regressions at covariate x
func measure(p models.Plate, x, noiseSD float64, r *rand.Rand) (ct float64, detected bool, u, prob float64) {
	mu := p.CtIntercept + p.CtSlope*x
	ct = mu + r.NormFloat64()*noiseSD
	prob = regression.Logistic(p.DetIntercept + p.DetSlope*x)
	u = r.Float64()
	detected = u < prob
	if !detected {
		ct = 0
	}
	return ct, detected, u, prob
}

// simulateLatent places locations and evaluates B0 + omega + epsilon at each
func simulateLatent(cfg Config, mesh *spatial.Mesh, r *rand.Rand) ([]models.ObservationRecord, error) {
	fc := cfg.Field
	if mesh == nil {
		return nil, fmt.Errorf("%w: observations need a mesh", ErrInvalidConfig)
	}
	rect, err := fc.Domain.Rect()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	points := make([]r2.Point, fc.Locations)
	obs := make([]models.ObservationRecord, fc.Locations)
	steps := fc.TimeSteps
	if steps <= 0 {
		steps = 1
	}
	for i := range points {
		points[i] = r2.Point{
			X: rect.X.Lo + r.Float64()*rect.X.Length(),
			Y: rect.Y.Lo + r.Float64()*rect.Y.Length(),
		}
		obs[i] = models.ObservationRecord{Index: i, X: points[i].X, Y: points[i].Y}
		if steps > 1 {
			obs[i].Time = r.IntN(steps)
		}
	}

	proj, err := mesh.Projector(points)
	if err != nil {
		return nil, fmt.Errorf("project locations: %w", err)
	}

	omega := make([]float64, len(points))
	if fc.SigmaO > 0 {
		s, err := field.NewSampler(field.Matern{Range: fc.Range, Sigma: fc.SigmaO}.CovarianceMatrix(mesh.Vertices, 0))
		if err != nil {
			return nil, fmt.Errorf("spatial field: %w", err)
		}
		omega = proj.Apply(s.Draw(r))
	}

	mode, _ := field.ParseTemporal(fc.Temporal)
	var eps [][]float64
	if mode != field.TemporalOff {
		s, err := field.NewSampler(field.Matern{Range: fc.Range, Sigma: fc.SigmaE}.CovarianceMatrix(mesh.Vertices, 0))
		if err != nil {
			return nil, fmt.Errorf("spatiotemporal field: %w", err)
		}
		vertexFields, err := field.SimulateEpsilon(s, steps, mode, fc.Rho, r)
		if err != nil {
			return nil, err
		}
		eps = make([][]float64, steps)
		for t, vf := range vertexFields {
			eps[t] = proj.Apply(vf)
		}
	}

	for i := range obs {
		obs[i].Omega = omega[i]
		if eps != nil {
			obs[i].Epsilon = eps[obs[i].Time][i]
		}
		obs[i].LogDensity = fc.B0 + obs[i].Omega + obs[i].Epsilon
	}
	return obs, nil
}
