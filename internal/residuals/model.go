package residuals

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/mathext"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jengzang/edna-backend-go/internal/engine"
	"github.com/jengzang/edna-backend-go/internal/models"
	"github.com/jengzang/edna-backend-go/internal/regression"
)

// model is the observation model of a fit, detached from the Fit so draws
// never touch it
type model struct {
	family engine.Family
	link   regression.Family
	// dispersion is the Ct or Gaussian sd, or the NB2 size
	dispersion float64
	// plateOf indexes plates per observation, -1 when absent
	plateOf []int
	y       []float64
	// detected gates the hurdle family; y is 0 wherever it is false
	detected []bool
}

// params are the effects a response is evaluated at
type params struct {
	latent []float64
	plates []engine.PlateEffect
}

func newModel(fit *engine.Fit) (*model, error) {
	m := &model{family: fit.Family, dispersion: fit.Dispersion}
	switch fit.Family {
	case engine.FamilyStandardCurve, engine.FamilyGaussian:
		m.link = regression.Gaussian{}
	case engine.FamilyPoisson:
		m.link = regression.Poisson{}
	case engine.FamilyNB2:
		m.link = regression.NegBinomial2{Size: fit.Dispersion}
	case engine.FamilyBinomial:
		m.link = regression.Binomial{}
	default:
		return nil, fmt.Errorf("residuals: unsupported family %q", fit.Family)
	}
	if len(fit.Latent) != len(fit.Observations) {
		return nil, fmt.Errorf("residuals: fit has %d latent values for %d observations", len(fit.Latent), len(fit.Observations))
	}
	if (fit.Family == engine.FamilyStandardCurve || fit.Family == engine.FamilyGaussian || fit.Family == engine.FamilyNB2) && !(m.dispersion > 0) {
		return nil, fmt.Errorf("residuals: %s fit needs a positive dispersion, got %v", fit.Family, fit.Dispersion)
	}

	idx := fit.PlateIndex()
	m.plateOf = make([]int, len(fit.Observations))
	m.y = observedResponse(fit.Family, fit.Observations)
	m.detected = make([]bool, len(fit.Observations))
	for i, o := range fit.Observations {
		m.detected[i] = o.Detected
		m.plateOf[i] = -1
		if p, ok := idx[o.PlateID]; ok {
			m.plateOf[i] = p
		}
		if fit.Family == engine.FamilyStandardCurve && m.plateOf[i] < 0 {
			return nil, fmt.Errorf("residuals: observation %d references unknown plate %q", i, o.PlateID)
		}
	}
	return m, nil
}

// observedResponse is Ct for the hurdle family, 0 whenever the sample was not
// detected whatever its Ct column holds, and the response column otherwise
func observedResponse(family engine.Family, obs []models.ObservationRecord) []float64 {
	y := make([]float64, len(obs))
	for i, o := range obs {
		if family == engine.FamilyStandardCurve {
			if o.Detected {
				y[i] = o.Ct
			}
		} else {
			y[i] = o.Response
		}
	}
	return y
}

func (m *model) n() int { return len(m.y) }

// curve returns the detection probability and Ct mean of observation i
func (m *model) curve(p params, i int) (prob, mu float64) {
	pl := p.plates[m.plateOf[i]]
	eta := p.latent[i]
	return regression.Logistic(pl.DetIntercept + pl.DetSlope*eta), pl.CtIntercept + pl.CtSlope*eta
}

// simulate draws one replicate response vector
func (m *model) simulate(p params, r *rand.Rand) []float64 {
	out := make([]float64, m.n())
	for i := range out {
		switch m.family {
		case engine.FamilyStandardCurve:
			prob, mu := m.curve(p, i)
			if r.Float64() < prob {
				out[i] = mu + m.dispersion*r.NormFloat64()
			}
		case engine.FamilyGaussian:
			out[i] = p.latent[i] + m.dispersion*r.NormFloat64()
		case engine.FamilyPoisson:
			out[i] = distuv.Poisson{Lambda: m.link.LinkInv(p.latent[i]), Src: r}.Rand()
		case engine.FamilyNB2:
			mu := m.link.LinkInv(p.latent[i])
			lambda := distuv.Gamma{Alpha: m.dispersion, Beta: m.dispersion / mu, Src: r}.Rand()
			out[i] = distuv.Poisson{Lambda: lambda, Src: r}.Rand()
		case engine.FamilyBinomial:
			if r.Float64() < m.link.LinkInv(p.latent[i]) {
				out[i] = 1
			}
		}
	}
	return out
}

// quantile returns randomized-quantile residuals of the observed response
func (m *model) quantile(p params, r *rand.Rand) []float64 {
	out := make([]float64, m.n())
	for i, y := range m.y {
		var u float64
		switch m.family {
		case engine.FamilyStandardCurve:
			prob, mu := m.curve(p, i)
			if !m.detected[i] {
				u = r.Float64() * (1 - prob)
			} else {
				u = 1 - prob + prob*distuv.UnitNormal.CDF((y-mu)/m.dispersion)
			}
		case engine.FamilyGaussian:
			out[i] = (y - p.latent[i]) / m.dispersion
			continue
		default:
			lo, hi := m.discreteCDF(p.latent[i], y)
			u = lo + r.Float64()*(hi-lo)
		}
		out[i] = distuv.UnitNormal.Quantile(u)
	}
	return out
}

// discreteCDF returns F(y-1) and F(y) for the count and binary families
func (m *model) discreteCDF(eta, y float64) (lo, hi float64) {
	mu := m.link.LinkInv(eta)
	cdf := func(k float64) float64 {
		if k < 0 {
			return 0
		}
		switch m.family {
		case engine.FamilyPoisson:
			return distuv.Poisson{Lambda: mu}.CDF(k)
		case engine.FamilyNB2:
			size := m.dispersion
			return mathext.RegIncBeta(size, math.Floor(k)+1, size/(size+mu))
		default:
			if k >= 1 {
				return 1
			}
			return 1 - mu
		}
	}
	return cdf(y - 1), cdf(y)
}
