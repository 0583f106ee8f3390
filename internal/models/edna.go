package models

import (
	"time"

	"github.com/golang/geo/r2"
)

// SynthesisRun is one execution of the synthesizers
type SynthesisRun struct {
	ID           string    `json:"id"`
	TaskID       int64     `json:"task_id,omitempty"`
	Seed         uint64    `json:"seed"`
	ConfigJSON   string    `json:"config_json,omitempty"`
	Plates       int       `json:"plates"`
	Standards    int       `json:"standards"`
	Observations int       `json:"observations"`
	Family       string    `json:"family"`
	MeshJSON     string    `json:"-"`
	CreatedAt    time.Time `json:"created_at"`
}

// Plate holds the coefficients of one assay batch. Ct mean is
// CtIntercept + CtSlope * x and detection logit is DetIntercept + DetSlope * x,
// where x is log concentration (standards) or latent log density (field samples).
type Plate struct {
	RunID        string  `json:"run_id,omitempty"`
	ID           string  `json:"plate"`
	CtIntercept  float64 `json:"ct_intercept"`
	CtSlope      float64 `json:"ct_slope"`
	DetIntercept float64 `json:"det_intercept"`
	DetSlope     float64 `json:"det_slope"`
}

// StandardRecord is one calibration measurement. Ct is 0 exactly when Detected is false.
type StandardRecord struct {
	RunID         string  `json:"run_id,omitempty"`
	PlateID       string  `json:"plate"`
	KnownConc     float64 `json:"known_conc_ul"`
	LogConc       float64 `json:"log_conc"`
	Replicate     int     `json:"replicate"`
	Ct            float64 `json:"ct"`
	Detected      bool    `json:"detected"`
	DetectionDraw float64 `json:"detection_draw,omitempty"`
	DetectionProb float64 `json:"detection_prob,omitempty"`
}

// ObservationRecord is one field sample. For the standard-curve family the
// response is Ct (0 when not detected); count families use Response.
type ObservationRecord struct {
	RunID         string  `json:"run_id,omitempty"`
	Index         int     `json:"index"`
	X             float64 `json:"x"`
	Y             float64 `json:"y"`
	Time          int     `json:"time"`
	LogDensity    float64 `json:"log_density"`
	Omega         float64 `json:"omega"`
	Epsilon       float64 `json:"epsilon"`
	PlateID       string  `json:"plate,omitempty"`
	Ct            float64 `json:"ct"`
	Detected      bool    `json:"detected"`
	DetectionDraw float64 `json:"detection_draw,omitempty"`
	DetectionProb float64 `json:"detection_prob,omitempty"`
	Response      float64 `json:"response"`
}

// Point is the sample location
func (o ObservationRecord) Point() r2.Point {
	return r2.Point{X: o.X, Y: o.Y}
}

// FitRecord is a persisted fitted model
type FitRecord struct {
	ID          string    `json:"id"`
	RunID       string    `json:"run_id"`
	TaskID      int64     `json:"task_id,omitempty"`
	Engine      string    `json:"engine"`
	Family      string    `json:"family"`
	Converged   bool      `json:"converged"`
	SummaryJSON string    `json:"summary_json,omitempty"`
	FitJSON     string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// ResidualRun is a persisted diagnostics result. The residual matrix itself
// lives in the artifact store under ArtifactKey.
type ResidualRun struct {
	ID          string    `json:"id"`
	FitID       string    `json:"fit_id"`
	TaskID      int64     `json:"task_id,omitempty"`
	Mode        string    `json:"mode"`
	Draws       int       `json:"draws"`
	Seed        uint64    `json:"seed"`
	Rows        int       `json:"rows"`
	Cols        int       `json:"cols"`
	SummaryJSON string    `json:"summary_json,omitempty"`
	ArtifactKey string    `json:"artifact_key,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}
