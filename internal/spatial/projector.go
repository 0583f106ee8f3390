package spatial

import "gonum.org/v1/gonum/mat"

type projectorRow struct {
	vertices [3]int
	weights  [3]float64
}

// Projector maps vertex values to point values. Each row holds at most three
// non-zero weights, one per vertex of the enclosing triangle.
type Projector struct {
	rows     []projectorRow
	vertices int
}

// Rows is the number of projected points
func (p *Projector) Rows() int { return len(p.rows) }

// Apply interpolates vertex values at every projected point
func (p *Projector) Apply(vertexValues []float64) []float64 {
	out := make([]float64, len(p.rows))
	for i, r := range p.rows {
		for k := 0; k < 3; k++ {
			out[i] += r.weights[k] * vertexValues[r.vertices[k]]
		}
	}
	return out
}

// Dense materializes the projector as an n x vertices matrix
func (p *Projector) Dense() *mat.Dense {
	a := mat.NewDense(len(p.rows), p.vertices, nil)
	for i, r := range p.rows {
		for k := 0; k < 3; k++ {
			a.Set(i, r.vertices[k], a.At(i, r.vertices[k])+r.weights[k])
		}
	}
	return a
}
