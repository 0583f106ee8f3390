package spatial

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r2"
)

// Mesh validation errors
var (
	ErrTooFewVertices     = errors.New("mesh needs at least 3 vertices")
	ErrNoTriangles        = errors.New("mesh has no triangles")
	ErrVertexIndex        = errors.New("triangle references unknown vertex")
	ErrDegenerateTriangle = errors.New("mesh contains a degenerate triangle")
	ErrOutsideMesh        = errors.New("point lies outside the mesh")
)

// Mesh is a planar triangulation of the spatial domain. The random field is
// represented by its values at the vertices and interpolated linearly inside
// each triangle.
type Mesh struct {
	Vertices  []r2.Point
	Triangles [][3]int
}

// meshWire is the JSON layout shared with out-of-process engines
type meshWire struct {
	Vertices  [][2]float64 `json:"vertices"`
	Triangles [][3]int     `json:"triangles"`
}

// MarshalJSON encodes vertices as [x, y] pairs
func (m *Mesh) MarshalJSON() ([]byte, error) {
	w := meshWire{Vertices: make([][2]float64, len(m.Vertices)), Triangles: m.Triangles}
	for i, v := range m.Vertices {
		w.Vertices[i] = [2]float64{v.X, v.Y}
	}
	if w.Triangles == nil {
		w.Triangles = [][3]int{}
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes the [x, y] pair layout
func (m *Mesh) UnmarshalJSON(data []byte) error {
	var w meshWire
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	m.Vertices = make([]r2.Point, len(w.Vertices))
	for i, v := range w.Vertices {
		m.Vertices[i] = r2.Point{X: v[0], Y: v[1]}
	}
	m.Triangles = w.Triangles
	return nil
}

// BuildMesh triangulates domain expanded by offset on every side with a
// regular grid of spacing cutoff. Each grid cell is split into two triangles.
func BuildMesh(domain r2.Rect, cutoff, offset float64) (*Mesh, error) {
	if domain.IsEmpty() {
		return nil, fmt.Errorf("empty mesh domain")
	}
	if cutoff <= 0 || math.IsNaN(cutoff) {
		return nil, fmt.Errorf("mesh cutoff must be positive, got %v", cutoff)
	}
	if offset < 0 {
		return nil, fmt.Errorf("mesh offset must be non-negative, got %v", offset)
	}

	outer := domain.ExpandedByMargin(offset)
	size := outer.Size()
	nx := int(math.Ceil(size.X/cutoff-1e-9)) + 1
	ny := int(math.Ceil(size.Y/cutoff-1e-9)) + 1
	if nx < 2 {
		nx = 2
	}
	if ny < 2 {
		ny = 2
	}
	dx := size.X / float64(nx-1)
	dy := size.Y / float64(ny-1)

	m := &Mesh{
		Vertices:  make([]r2.Point, 0, nx*ny),
		Triangles: make([][3]int, 0, 2*(nx-1)*(ny-1)),
	}
	for j := 0; j < ny; j++ {
		for i := 0; i < nx; i++ {
			m.Vertices = append(m.Vertices, r2.Point{
				X: outer.X.Lo + float64(i)*dx,
				Y: outer.Y.Lo + float64(j)*dy,
			})
		}
	}
	for j := 0; j < ny-1; j++ {
		for i := 0; i < nx-1; i++ {
			v00 := j*nx + i
			v10 := v00 + 1
			v01 := v00 + nx
			v11 := v01 + 1
			m.Triangles = append(m.Triangles, [3]int{v00, v10, v11}, [3]int{v00, v11, v01})
		}
	}
	return m, nil
}

// Validate checks the mesh structure
func (m *Mesh) Validate() error {
	if m == nil || len(m.Vertices) < 3 {
		return ErrTooFewVertices
	}
	if len(m.Triangles) == 0 {
		return ErrNoTriangles
	}
	for t, tri := range m.Triangles {
		for _, v := range tri {
			if v < 0 || v >= len(m.Vertices) {
				return fmt.Errorf("triangle %d: %w", t, ErrVertexIndex)
			}
		}
		a, b, c := m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]]
		if math.Abs(TriangleArea(a, b, c)) < degenerateArea {
			return fmt.Errorf("triangle %d: %w", t, ErrDegenerateTriangle)
		}
	}
	return nil
}

// Bounds returns the bounding rectangle of the mesh vertices
func (m *Mesh) Bounds() r2.Rect {
	return BoundingBox(m.Vertices)
}

// Locate finds the triangle containing p and the barycentric weights of p within it
func (m *Mesh) Locate(p r2.Point) (int, [3]float64, bool) {
	for t, tri := range m.Triangles {
		w, ok := Barycentric(p, m.Vertices[tri[0]], m.Vertices[tri[1]], m.Vertices[tri[2]])
		if !ok {
			continue
		}
		if w[0] >= -locateTolerance && w[1] >= -locateTolerance && w[2] >= -locateTolerance {
			return t, w, true
		}
	}
	return -1, [3]float64{}, false
}

// Projector builds the sparse interpolation matrix from mesh vertices to points.
// It fails with ErrOutsideMesh when any point is not covered by a triangle.
func (m *Mesh) Projector(points []r2.Point) (*Projector, error) {
	p := &Projector{rows: make([]projectorRow, len(points)), vertices: len(m.Vertices)}
	for i, pt := range points {
		t, w, ok := m.Locate(pt)
		if !ok {
			return nil, fmt.Errorf("point %d (%.4g, %.4g): %w", i, pt.X, pt.Y, ErrOutsideMesh)
		}
		p.rows[i] = projectorRow{vertices: m.Triangles[t], weights: w}
	}
	return p, nil
}

const locateTolerance = 1e-9
