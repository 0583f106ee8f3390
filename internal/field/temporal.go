package field

import (
	"fmt"
	"math"
	"math/rand/v2"
)

// Temporal selects how the per-time field epsilon(s, t) evolves
type Temporal string

const (
	TemporalOff Temporal = "off"
	TemporalIID Temporal = "iid"
	TemporalAR1 Temporal = "ar1"
)

// ParseTemporal validates a temporal mode name; empty means off
func ParseTemporal(s string) (Temporal, error) {
	switch Temporal(s) {
	case "", TemporalOff:
		return TemporalOff, nil
	case TemporalIID, TemporalAR1:
		return Temporal(s), nil
	}
	return "", fmt.Errorf("unknown spatiotemporal mode %q (want off, iid or ar1)", s)
}

// SimulateEpsilon draws one field per time step from sampler. For ar1 the
// fields follow e_t = rho e_{t-1} + sqrt(1 - rho^2) z_t, which keeps the
// marginal variance equal to the sampler's. Off returns nil.
func SimulateEpsilon(s *Sampler, steps int, mode Temporal, rho float64, r *rand.Rand) ([][]float64, error) {
	if mode == TemporalOff || mode == "" {
		return nil, nil
	}
	if steps <= 0 {
		return nil, fmt.Errorf("spatiotemporal field needs at least one time step")
	}
	if mode == TemporalAR1 && (rho <= -1 || rho >= 1 || math.IsNaN(rho)) {
		return nil, fmt.Errorf("ar1 rho must lie in (-1, 1), got %v", rho)
	}

	out := make([][]float64, steps)
	for t := 0; t < steps; t++ {
		z := s.Draw(r)
		if mode == TemporalAR1 && t > 0 {
			scale := math.Sqrt(1 - rho*rho)
			for i := range z {
				z[i] = rho*out[t-1][i] + scale*z[i]
			}
		}
		out[t] = z
	}
	return out, nil
}
