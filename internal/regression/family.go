// Package regression fits generalized linear models by iteratively
// reweighted least squares, optionally with a Gaussian prior on the
// coefficients.
package regression

import (
	"math"
)

// Family couples a response distribution with its canonical link
type Family interface {
	Name() string
	// LinkInv maps the linear predictor to the mean
	LinkInv(eta float64) float64
	// MuEta is d mu / d eta
	MuEta(eta float64) float64
	Variance(mu float64) float64
	// UnitDeviance is the deviance contribution of one observation
	UnitDeviance(y, mu float64) float64
}

// Gaussian response with identity link
type Gaussian struct{}

func (Gaussian) Name() string                       { return "gaussian" }
func (Gaussian) LinkInv(eta float64) float64        { return eta }
func (Gaussian) MuEta(float64) float64              { return 1 }
func (Gaussian) Variance(float64) float64           { return 1 }
func (Gaussian) UnitDeviance(y, mu float64) float64 { return (y - mu) * (y - mu) }

// Binomial (Bernoulli) response with logit link
type Binomial struct{}

func (Binomial) Name() string { return "binomial" }

func (Binomial) LinkInv(eta float64) float64 { return Logistic(eta) }

func (Binomial) MuEta(eta float64) float64 {
	p := Logistic(eta)
	return math.Max(p*(1-p), epsilon)
}

func (Binomial) Variance(mu float64) float64 { return math.Max(mu*(1-mu), epsilon) }

func (Binomial) UnitDeviance(y, mu float64) float64 {
	// clamp far below epsilon so the deviance keeps falling as fitted
	// probabilities move away from a wrong extreme
	var d float64
	if y > 0 {
		d -= 2 * y * math.Log(math.Max(mu, tinyProb))
	}
	if y < 1 {
		d -= 2 * (1 - y) * math.Log(math.Max(1-mu, tinyProb))
	}
	return d
}

// Poisson response with log link
type Poisson struct{}

func (Poisson) Name() string                { return "poisson" }
func (Poisson) LinkInv(eta float64) float64 { return math.Exp(clampEta(eta)) }
func (Poisson) MuEta(eta float64) float64   { return math.Exp(clampEta(eta)) }
func (Poisson) Variance(mu float64) float64 { return math.Max(mu, epsilon) }

func (Poisson) UnitDeviance(y, mu float64) float64 {
	if y == 0 {
		return 2 * mu
	}
	return 2 * (y*math.Log(y/mu) - (y - mu))
}

// NegBinomial2 is the negative binomial with Var = mu + mu^2 / Size and log link
type NegBinomial2 struct {
	Size float64
}

func (NegBinomial2) Name() string                { return "nbinom2" }
func (NegBinomial2) LinkInv(eta float64) float64 { return math.Exp(clampEta(eta)) }
func (NegBinomial2) MuEta(eta float64) float64   { return math.Exp(clampEta(eta)) }

func (f NegBinomial2) Variance(mu float64) float64 {
	return math.Max(mu+mu*mu/f.Size, epsilon)
}

func (f NegBinomial2) UnitDeviance(y, mu float64) float64 {
	k := f.Size
	d := 2 * (y + k) * math.Log((mu+k)/(y+k))
	if y > 0 {
		d += 2 * y * math.Log(y/mu)
	}
	return d
}

// Logistic is the inverse logit
func Logistic(x float64) float64 {
	if x >= 0 {
		return 1 / (1 + math.Exp(-x))
	}
	e := math.Exp(x)
	return e / (1 + e)
}

// Logit is log(p / (1 - p))
func Logit(p float64) float64 {
	return math.Log(p / (1 - p))
}

func clampEta(eta float64) float64 {
	return math.Min(math.Max(eta, -30), 30)
}

const (
	epsilon  = 1e-10
	tinyProb = 1e-300
)
