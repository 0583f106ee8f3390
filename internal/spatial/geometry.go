package spatial

import (
	"math"

	"github.com/golang/geo/r2"
)

// Distance is the Euclidean distance between two planar points
func Distance(a, b r2.Point) float64 {
	return a.Sub(b).Norm()
}

// TriangleArea returns the signed area of triangle abc (positive when counter-clockwise)
func TriangleArea(a, b, c r2.Point) float64 {
	return b.Sub(a).Cross(c.Sub(a)) / 2
}

// Barycentric returns the barycentric weights of p with respect to triangle abc.
// Weights sum to one; all are non-negative iff p lies inside or on the triangle.
func Barycentric(p, a, b, c r2.Point) ([3]float64, bool) {
	area := TriangleArea(a, b, c)
	if math.Abs(area) < degenerateArea {
		return [3]float64{}, false
	}
	wa := TriangleArea(p, b, c) / area
	wb := TriangleArea(a, p, c) / area
	return [3]float64{wa, wb, 1 - wa - wb}, true
}

// BoundingBox calculates the bounding rectangle of a set of points
func BoundingBox(points []r2.Point) r2.Rect {
	if len(points) == 0 {
		return r2.EmptyRect()
	}
	return r2.RectFromPoints(points...)
}

const degenerateArea = 1e-12
