package residuals

import (
	"math/rand/v2"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/jengzang/edna-backend-go/internal/stats"
)

// Comparison sets an observed statistic against its simulated distribution
type Comparison struct {
	Observed      float64 `json:"observed"`
	SimulatedMean float64 `json:"simulated_mean"`
	Lower         float64 `json:"q025"`
	Upper         float64 `json:"q975"`
	PValue        float64 `json:"p_value"`
}

// Normality is a one-sample KS test against N(0, 1)
type Normality struct {
	D      float64 `json:"d"`
	PValue float64 `json:"p_value"`
}

// QQResult is a normal QQ comparison with its KS statistic
type QQResult struct {
	Points []stats.QQPoint `json:"points"`
	Normality
}

// Summary is the persisted digest of a Result
type Summary struct {
	Rows  int `json:"rows"`
	Draws int `json:"draws"`
	// Residuals describes the finite entries of Result.Residuals
	Residuals stats.Summary `json:"residuals"`
	Dropped   int           `json:"dropped"`
	// KS tests normality of quantile residuals, or of the normal scores of
	// scaled residuals
	KS             Normality   `json:"ks"`
	ZeroProportion *Comparison `json:"zero_proportion,omitempty"`
}

// ZeroProportions returns the share of zeros in each column of sim
func ZeroProportions(sim mat.Matrix) []float64 {
	_, c := sim.Dims()
	out := make([]float64, c)
	for j := range out {
		out[j] = stats.ZeroProportion(mat.Col(nil, j, sim))
	}
	return out
}

// CompareStatistic summarizes simulated values of a statistic and the
// two-sided empirical p-value of the observed one
func CompareStatistic(observed float64, simulated []float64) Comparison {
	q := stats.Quantiles(simulated, []float64{0.025, 0.975})
	return Comparison{
		Observed:      observed,
		SimulatedMean: stats.Mean(simulated),
		Lower:         q[0],
		Upper:         q[1],
		PValue:        stats.EmpiricalPValue(observed, simulated),
	}
}

// ScaledResiduals are simulation-based uniform residuals: the position of
// each observation within its simulated distribution, randomized over ties.
// Under a correct model they are U(0, 1).
func ScaledResiduals(sim mat.Matrix, observed []float64, r *rand.Rand) []float64 {
	rows, draws := sim.Dims()
	out := make([]float64, rows)
	for i := 0; i < rows && i < len(observed); i++ {
		var below, ties int
		for d := 0; d < draws; d++ {
			v := sim.At(i, d)
			switch {
			case v < observed[i]:
				below++
			case v == observed[i]:
				ties++
			}
		}
		out[i] = (float64(below) + r.Float64()*float64(ties+1)) / float64(draws+1)
	}
	return out
}

// QQ returns normal QQ points of the finite values and their KS statistic
func QQ(values []float64) QQResult {
	kept, _ := stats.Finite(values)
	out := QQResult{Points: stats.QQNormal(kept)}
	if len(kept) > 0 {
		out.D, out.PValue = stats.KSNormal(kept)
	}
	return out
}

// QQ is the normal QQ comparison of the result's residuals on the normal scale
func (r *Result) QQ() QQResult {
	return QQ(r.normalScores())
}

func (r *Result) normalScores() []float64 {
	if r.Mode.Mode != (SimulationMode{}).Name() && r.Mode.Mode != (JointMode{}).Name() {
		return r.Residuals
	}
	out := make([]float64, len(r.Residuals))
	for i, u := range r.Residuals {
		out[i] = distuv.UnitNormal.Quantile(u)
	}
	return out
}

func summarize(r *Result, mode Mode) Summary {
	s := Summary{Rows: len(r.Observed), Draws: mode.DrawCount()}
	kept, dropped := stats.Finite(r.Residuals)
	s.Residuals = stats.Summarize(kept)
	s.Dropped = dropped

	if scores, _ := stats.Finite(r.normalScores()); len(scores) > 0 {
		s.KS.D, s.KS.PValue = stats.KSNormal(scores)
	}

	switch mode.(type) {
	case SimulationMode, JointMode:
		c := CompareStatistic(stats.ZeroProportion(r.Observed), ZeroProportions(r.Matrix))
		s.ZeroProportion = &c
	}
	return s
}
