package field

import (
	"errors"
	"math"

	"github.com/golang/geo/r2"

	"github.com/jengzang/edna-backend-go/internal/spatial"
)

// Priors bound the field parameters searched by FitVariogram. Zero values
// are replaced by bounds derived from the data extent.
type Priors struct {
	RangeMin float64 `json:"range_min,omitempty" yaml:"range_min"`
	RangeMax float64 `json:"range_max,omitempty" yaml:"range_max"`
	SigmaMax float64 `json:"sigma_max,omitempty" yaml:"sigma_max"`
}

// Bin is one lag class of an empirical semivariogram
type Bin struct {
	Distance float64 `json:"distance"`
	Gamma    float64 `json:"gamma"`
	Pairs    int     `json:"pairs"`
}

// ErrEmptyVariogram is returned when no lag class holds any pair
var ErrEmptyVariogram = errors.New("variogram has no populated bins")

// EmpiricalVariogram computes the classical (Matheron) estimator over nBins
// equal-width lag classes up to maxDist. maxDist <= 0 uses half the largest
// pairwise distance.
func EmpiricalVariogram(points []r2.Point, values []float64, nBins int, maxDist float64) []Bin {
	n := len(points)
	if n < 2 || n != len(values) || nBins <= 0 {
		return nil
	}
	if maxDist <= 0 {
		maxDist = spatial.BoundingBox(points).Size().Norm() / 2
	}
	if maxDist <= 0 {
		return nil
	}

	width := maxDist / float64(nBins)
	sums := make([]float64, nBins)
	dists := make([]float64, nBins)
	counts := make([]int, nBins)
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			d := spatial.Distance(points[i], points[j])
			if d >= maxDist {
				continue
			}
			b := int(d / width)
			if b >= nBins {
				b = nBins - 1
			}
			diff := values[i] - values[j]
			sums[b] += diff * diff / 2
			dists[b] += d
			counts[b]++
		}
	}

	bins := make([]Bin, 0, nBins)
	for b := 0; b < nBins; b++ {
		if counts[b] == 0 {
			continue
		}
		bins = append(bins, Bin{
			Distance: dists[b] / float64(counts[b]),
			Gamma:    sums[b] / float64(counts[b]),
			Pairs:    counts[b],
		})
	}
	return bins
}

// VariogramFit is the outcome of FitVariogram
type VariogramFit struct {
	Matern Matern  `json:"matern"`
	Nugget float64 `json:"nugget"`
	SSE    float64 `json:"sse"`
}

// FitVariogram fits gamma(h) = nugget + sigma^2 (1 - rho(h)) by weighted least
// squares. Range is searched on a log grid within the prior bounds; for each
// candidate the nugget and partial sill are solved in closed form subject to
// non-negativity and SigmaMax.
func FitVariogram(bins []Bin, priors Priors) (VariogramFit, error) {
	if len(bins) == 0 {
		return VariogramFit{}, ErrEmptyVariogram
	}
	maxLag := 0.0
	for _, b := range bins {
		maxLag = math.Max(maxLag, b.Distance)
	}
	lo, hi := priors.RangeMin, priors.RangeMax
	if lo <= 0 {
		lo = maxLag / 50
	}
	if hi <= lo {
		hi = math.Max(4*maxLag, 2*lo)
	}

	best := VariogramFit{SSE: math.Inf(1)}
	const steps = 60
	for s := 0; s <= steps; s++ {
		r := lo * math.Pow(hi/lo, float64(s)/steps)
		cand := fitSill(bins, Matern{Range: r}, priors.SigmaMax)
		if cand.SSE < best.SSE {
			best = cand
		}
	}
	return best, nil
}

// fitSill solves the 2-parameter weighted least squares for a fixed range
func fitSill(bins []Bin, m Matern, sigmaMax float64) VariogramFit {
	var sw, sx, sxx, sy, sxy float64
	xs := make([]float64, len(bins))
	for i, b := range bins {
		w := float64(b.Pairs)
		x := 1 - m.Correlation(b.Distance)
		xs[i] = x
		sw += w
		sx += w * x
		sxx += w * x * x
		sy += w * b.Gamma
		sxy += w * x * b.Gamma
	}

	var nugget, sill float64
	det := sw*sxx - sx*sx
	if math.Abs(det) > 1e-12 {
		sill = (sw*sxy - sx*sy) / det
		nugget = (sy - sill*sx) / sw
	}
	if nugget < 0 || math.Abs(det) <= 1e-12 {
		nugget = 0
		if sxx > 0 {
			sill = sxy / sxx
		}
	}
	if sill < 0 {
		sill = 0
		nugget = sy / sw
	}
	if sigmaMax > 0 && sill > sigmaMax*sigmaMax {
		sill = sigmaMax * sigmaMax
		nugget = math.Max(0, (sy-sill*sx)/sw)
	}

	var sse float64
	for i, b := range bins {
		r := b.Gamma - nugget - sill*xs[i]
		sse += float64(b.Pairs) * r * r
	}
	m.Sigma = math.Sqrt(sill)
	return VariogramFit{Matern: m, Nugget: nugget, SSE: sse}
}
