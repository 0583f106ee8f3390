package engine

import (
	"fmt"

	"github.com/golang/geo/r2"
	"gonum.org/v1/gonum/mat"

	"github.com/jengzang/edna-backend-go/internal/field"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/spatial"
	"github.com/jengzang/edna-backend-go/internal/stats"
)

// Coefficient is one fixed effect
type Coefficient struct {
	Name     string  `json:"name"`
	Estimate float64 `json:"estimate"`
	StdError float64 `json:"std_error"`
}

// Plate coefficient names
const (
	CoefCtIntercept  = "ct_intercept"
	CoefCtSlope      = "ct_slope"
	CoefDetIntercept = "det_intercept"
	CoefDetSlope     = "det_slope"
)

// InterceptName is the latent field intercept B0
const InterceptName = "b0"

// PlateEffect holds the estimated curves of one plate and the covariance of
// each (intercept, slope) pair.
type PlateEffect struct {
	Plate        string        `json:"plate"`
	CtIntercept  float64       `json:"ct_intercept"`
	CtSlope      float64       `json:"ct_slope"`
	DetIntercept float64       `json:"det_intercept"`
	DetSlope     float64       `json:"det_slope"`
	CtCov        [2][2]float64 `json:"ct_cov"`
	DetCov       [2][2]float64 `json:"det_cov"`
}

// Named returns the four coefficients keyed by name
func (p PlateEffect) Named() map[string]float64 {
	return map[string]float64{
		CoefCtIntercept:  p.CtIntercept,
		CoefCtSlope:      p.CtSlope,
		CoefDetIntercept: p.DetIntercept,
		CoefDetSlope:     p.DetSlope,
	}
}

// Population is the estimated distribution of plate coefficients
type Population struct {
	CtMean  [2]float64    `json:"ct_mean"`
	CtCov   [2][2]float64 `json:"ct_cov"`
	DetMean [2]float64    `json:"det_mean"`
	DetCov  [2][2]float64 `json:"det_cov"`
}

// FieldEstimate describes the fitted spatial field. Support indexes the
// observations the field was conditioned on and Values holds the link-scale
// field data at those observations.
type FieldEstimate struct {
	Range   float64   `json:"range"`
	Sigma   float64   `json:"sigma"`
	Nugget  float64   `json:"nugget"`
	Omega   []float64 `json:"omega"`
	Support []int     `json:"support"`
	Values  []float64 `json:"values"`
}

// Matern returns the fitted covariance
func (f *FieldEstimate) Matern() field.Matern {
	return field.Matern{Range: f.Range, Sigma: f.Sigma}
}

// ReportRow is the per-standard derived output. CalibratedLogConc is nil for
// non-detected records, whose Ct carries no concentration information.
type ReportRow struct {
	Plate             string   `json:"plate"`
	KnownConc         float64  `json:"known_conc_ul"`
	Replicate         int      `json:"replicate"`
	Detected          bool     `json:"detected"`
	PredictedCt       float64  `json:"predicted_ct"`
	PredictedLogit    float64  `json:"predicted_logit"`
	CalibratedLogConc *float64 `json:"calibrated_log_conc"`
}

// Fit is an immutable fitted model. Accessors return copies.
type Fit struct {
	ID             string                     `json:"id"`
	Engine         string                     `json:"engine"`
	Family         Family                     `json:"family"`
	Spatial        bool                       `json:"spatial"`
	Coefficients   []Coefficient              `json:"coefficients"`
	CoefficientCov [][]float64                `json:"coefficient_cov"`
	Dispersion     float64                    `json:"dispersion"`
	Population     *Population                `json:"population,omitempty"`
	Plates         []PlateEffect              `json:"plates,omitempty"`
	Field          *FieldEstimate             `json:"field,omitempty"`
	Latent         []float64                  `json:"latent"`
	Observations   []models.ObservationRecord `json:"observations"`
	Standards      []models.StandardRecord    `json:"standards,omitempty"`
	Mesh           *spatial.Mesh              `json:"mesh,omitempty"`
	Converged      bool                       `json:"converged"`
	Iterations     int                        `json:"iterations"`
	Message        string                     `json:"message,omitempty"`
}

// FixedEffects returns the fixed-effect estimates with standard errors
func (f *Fit) FixedEffects() []Coefficient {
	return append([]Coefficient(nil), f.Coefficients...)
}

// FixedEffect looks up one fixed effect by name
func (f *Fit) FixedEffect(name string) (float64, bool) {
	for _, c := range f.Coefficients {
		if c.Name == name {
			return c.Estimate, true
		}
	}
	return 0, false
}

// FixedCov returns the fixed-effect covariance as a symmetric matrix
func (f *Fit) FixedCov() *mat.SymDense {
	n := len(f.Coefficients)
	cov := mat.NewSymDense(n, nil)
	for i := 0; i < n && i < len(f.CoefficientCov); i++ {
		for j := i; j < n && j < len(f.CoefficientCov[i]); j++ {
			cov.SetSym(i, j, f.CoefficientCov[i][j])
		}
	}
	return cov
}

// PlateEffects returns the per-plate random effects
func (f *Fit) PlateEffects() []PlateEffect {
	return append([]PlateEffect(nil), f.Plates...)
}

// PlateIndex maps plate IDs to positions in PlateEffects
func (f *Fit) PlateIndex() map[string]int {
	idx := make(map[string]int, len(f.Plates))
	for i, p := range f.Plates {
		idx[p.Plate] = i
	}
	return idx
}

// Report derives predicted Ct, detection logit and calibrated log
// concentration for every standards record.
func (f *Fit) Report() []ReportRow {
	idx := f.PlateIndex()
	rows := make([]ReportRow, 0, len(f.Standards))
	for _, s := range f.Standards {
		i, ok := idx[s.PlateID]
		if !ok {
			continue
		}
		p := f.Plates[i]
		row := ReportRow{
			Plate:          s.PlateID,
			KnownConc:      s.KnownConc,
			Replicate:      s.Replicate,
			Detected:       s.Detected,
			PredictedCt:    p.CtIntercept + p.CtSlope*s.LogConc,
			PredictedLogit: p.DetIntercept + p.DetSlope*s.LogConc,
		}
		if s.Detected && p.CtSlope != 0 {
			v := (s.Ct - p.CtIntercept) / p.CtSlope
			row.CalibratedLogConc = &v
		}
		rows = append(rows, row)
	}
	return rows
}

// Kriging rebuilds the field predictor from the stored support data
func (f *Fit) Kriging() (*field.Kriging, error) {
	if f.Field == nil {
		return nil, fmt.Errorf("fit has no spatial field")
	}
	if len(f.Field.Support) != len(f.Field.Values) {
		return nil, fmt.Errorf("field support has %d points but %d values", len(f.Field.Support), len(f.Field.Values))
	}
	pts := make([]r2.Point, len(f.Field.Support))
	for i, idx := range f.Field.Support {
		if idx < 0 || idx >= len(f.Observations) {
			return nil, fmt.Errorf("field support index %d out of range", idx)
		}
		pts[i] = f.Observations[idx].Point()
	}
	return field.NewKriging(pts, f.Field.Values, f.Field.Matern(), f.Field.Nugget)
}

// Predict returns the latent (link-scale) estimate at each given observation:
// the intercept plus the kriged field at its location.
func (f *Fit) Predict(obs []models.ObservationRecord) ([]float64, error) {
	b0, _ := f.FixedEffect(InterceptName)
	out := make([]float64, len(obs))
	for i := range out {
		out[i] = b0
	}
	if f.Field == nil || len(obs) == 0 {
		return out, nil
	}
	k, err := f.Kriging()
	if err != nil {
		return nil, err
	}
	pts := make([]r2.Point, len(obs))
	for i, o := range obs {
		pts[i] = o.Point()
	}
	for i, w := range k.Predict(pts) {
		out[i] += w
	}
	return out, nil
}

// Summary is the compact description stored alongside a persisted fit
type Summary struct {
	ID           string        `json:"id"`
	Engine       string        `json:"engine"`
	Family       Family        `json:"family"`
	Converged    bool          `json:"converged"`
	Iterations   int           `json:"iterations"`
	Coefficients []Coefficient `json:"coefficients"`
	Dispersion   float64       `json:"dispersion"`
	Population   *Population   `json:"population,omitempty"`
	Plates       int           `json:"plates"`
	Range        float64       `json:"range,omitempty"`
	Sigma        float64       `json:"sigma,omitempty"`
	Nugget       float64       `json:"nugget,omitempty"`
	CurveR2      float64       `json:"curve_r2,omitempty"`
	CurveRMSE    float64       `json:"curve_rmse,omitempty"`
}

// curveResiduals pairs the Ct of every detected standard with its plate curve
func (f *Fit) curveResiduals() (actual, predicted []float64) {
	idx := f.PlateIndex()
	for _, s := range f.Standards {
		i, ok := idx[s.PlateID]
		if !ok || !s.Detected {
			continue
		}
		actual = append(actual, s.Ct)
		predicted = append(predicted, f.Plates[i].CtIntercept+f.Plates[i].CtSlope*s.LogConc)
	}
	return actual, predicted
}

// CurveR2 is the share of Ct variance among detected standards explained by
// the plate curves.
func (f *Fit) CurveR2() float64 {
	return stats.RSquared(f.curveResiduals())
}

// CurveRMSE is the root mean squared Ct error of the plate curves
func (f *Fit) CurveRMSE() float64 {
	return stats.RMSE(f.curveResiduals())
}

// Summarize builds the Summary of f
func (f *Fit) Summarize() Summary {
	s := Summary{
		ID:           f.ID,
		Engine:       f.Engine,
		Family:       f.Family,
		Converged:    f.Converged,
		Iterations:   f.Iterations,
		Coefficients: f.FixedEffects(),
		Dispersion:   f.Dispersion,
		Population:   f.Population,
		Plates:       len(f.Plates),
		CurveR2:      f.CurveR2(),
		CurveRMSE:    f.CurveRMSE(),
	}
	if f.Field != nil {
		s.Range, s.Sigma, s.Nugget = f.Field.Range, f.Field.Sigma, f.Field.Nugget
	}
	return s
}
