package engine

import (
	"math"

	"github.com/jengzang/edna-backend-go/internal/field"
)

const maxProblems = 20

// Validate checks a FitInput before any fitting work starts
func Validate(in FitInput) error {
	ce := &ConfigError{}
	add := func(field, format string, args ...any) {
		if len(ce.Problems) < maxProblems {
			ce.Add(field, format, args...)
		}
	}

	family, err := ParseFamily(string(in.Family))
	if err != nil {
		add("family", "%v", err)
	}
	if _, err := field.ParseTemporal(in.Spatiotemporal); err != nil {
		add("spatiotemporal", "%v", err)
	}
	if len(in.Observations) == 0 {
		add("observations", "at least one observation is required")
	}

	if family == FamilyStandardCurve {
		validateCalibration(in, add)
	} else if family != "" {
		validateResponses(in, family, add)
	}

	if in.Spatial || in.Mesh != nil {
		validateMesh(in, add)
	}
	p := in.Priors
	if p.RangeMin < 0 || p.RangeMax < 0 || p.SigmaMax < 0 {
		add("priors", "bounds must be non-negative")
	}
	if p.RangeMax > 0 && p.RangeMin > p.RangeMax {
		add("priors", "range_min %v exceeds range_max %v", p.RangeMin, p.RangeMax)
	}
	return ce.OrNil()
}

func validateCalibration(in FitInput, add func(string, string, ...any)) {
	if len(in.Standards) == 0 {
		add("standards", "a calibration table is required for %s", FamilyStandardCurve)
		return
	}
	plates := make(map[string]bool)
	for i, s := range in.Standards {
		if s.PlateID == "" {
			add("plate", "missing in standards row %d", i)
		} else {
			plates[s.PlateID] = true
		}
		switch {
		case s.KnownConc == 0:
			add("known_conc_ul", "missing in standards row %d", i)
		case !(s.KnownConc > 0) || math.IsInf(s.KnownConc, 0):
			add("known_conc_ul", "must be positive and finite, got %v in standards row %d", s.KnownConc, i)
		}
		if s.Detected && (math.IsNaN(s.Ct) || math.IsInf(s.Ct, 0)) {
			add("ct", "detected standards row %d has a non-finite ct", i)
		}
		if !s.Detected && s.Ct != 0 {
			add("ct", "non-detected standards row %d must carry ct 0, got %v", i, s.Ct)
		}
	}
	for i, o := range in.Observations {
		if o.PlateID == "" {
			add("plate", "missing in observations row %d", i)
			continue
		}
		if !plates[o.PlateID] {
			add("plate", "observation row %d references plate %q absent from the calibration table", i, o.PlateID)
		}
		if o.Detected && (math.IsNaN(o.Ct) || math.IsInf(o.Ct, 0)) {
			add("ct", "detected observations row %d has a non-finite ct", i)
		}
		if !o.Detected && o.Ct != 0 {
			add("ct", "non-detected observations row %d must carry ct 0, got %v", i, o.Ct)
		}
	}
}

func validateResponses(in FitInput, family Family, add func(string, string, ...any)) {
	for i, o := range in.Observations {
		y := o.Response
		if math.IsNaN(y) || math.IsInf(y, 0) {
			add("response", "non-finite in observations row %d", i)
			continue
		}
		switch family {
		case FamilyPoisson, FamilyNB2:
			if y < 0 || y != math.Trunc(y) {
				add("response", "row %d must be a non-negative count, got %v", i, y)
			}
		case FamilyBinomial:
			if y != 0 && y != 1 {
				add("response", "row %d must be 0 or 1, got %v", i, y)
			}
		}
	}
}

func validateMesh(in FitInput, add func(string, string, ...any)) {
	if in.Mesh == nil {
		add("mesh", "a mesh is required for spatial fits")
		return
	}
	if err := in.Mesh.Validate(); err != nil {
		add("mesh", "%v", err)
		return
	}
	for i, o := range in.Observations {
		if _, _, ok := in.Mesh.Locate(o.Point()); !ok {
			add("mesh", "observation row %d at (%.4g, %.4g) lies outside the mesh", i, o.X, o.Y)
		}
	}
}
