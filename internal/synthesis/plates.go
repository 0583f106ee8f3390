package synthesis

import (
	"fmt"
	"math/rand/v2"
	"strconv"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/jengzang/edna-backend-go/internal/models"
)

// Normal returns the population as a gonum multivariate normal drawing from r
func (p Population) Normal(r *rand.Rand) (*distmv.Normal, error) {
	cov := mat.NewSymDense(2, []float64{p.Cov[0][0], p.Cov[0][1], p.Cov[1][0], p.Cov[1][1]})
	n, ok := distmv.NewNormal(p.Mean[:], cov, r)
	if !ok {
		return nil, fmt.Errorf("%w: population covariance is not positive definite", ErrInvalidConfig)
	}
	return n, nil
}

// DrawPlates draws n plates with unique random letter+number identifiers.
// Each plate gets one Ct pair and one detection pair from the populations.
func DrawPlates(n int, ct, det Population, r *rand.Rand) ([]models.Plate, error) {
	ctDist, err := ct.Normal(r)
	if err != nil {
		return nil, err
	}
	detDist, err := det.Normal(r)
	if err != nil {
		return nil, err
	}

	ids := plateIDs(n, r)
	plates := make([]models.Plate, n)
	for i := range plates {
		c := ctDist.Rand(nil)
		d := detDist.Rand(nil)
		plates[i] = models.Plate{
			ID:           ids[i],
			CtIntercept:  c[0],
			CtSlope:      c[1],
			DetIntercept: d[0],
			DetSlope:     d[1],
		}
	}
	return plates, nil
}

// plateIDs draws identifiers like "K417". A collision is re-drawn, never
// merged, so n distinct plates always get n distinct names.
func plateIDs(n int, r *rand.Rand) []string {
	seen := make(map[string]bool, n)
	ids := make([]string, 0, n)
	digits := 2
	for len(ids) < n {
		// widen the number once the namespace gets crowded
		for capacity(digits) < 4*n {
			digits++
		}
		id := string(rune('A'+r.IntN(26))) + strconv.Itoa(r.IntN(pow10(digits)))
		if seen[id] {
			continue
		}
		seen[id] = true
		ids = append(ids, id)
	}
	return ids
}

func capacity(digits int) int { return 26 * pow10(digits) }

func pow10(k int) int {
	v := 1
	for i := 0; i < k; i++ {
		v *= 10
	}
	return v
}
