package spatial

import (
	"fmt"
	"math"

	"github.com/golang/geo/r2"
	"github.com/golang/geo/s2"
)

// HaversineDistance calculates the great-circle distance between two points in kilometers
func HaversineDistance(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}

// LocalProjection maps geographic coordinates onto a planar km grid centred
// on an origin. East is +X, north is +Y. Distances along each axis are
// great-circle distances, so the grid is accurate for survey-sized domains.
type LocalProjection struct {
	Origin s2.LatLng
}

// NewLocalProjection creates a projection centred on (lat, lon) in degrees
func NewLocalProjection(lat, lon float64) LocalProjection {
	return LocalProjection{Origin: s2.LatLngFromDegrees(lat, lon)}
}

// Project converts (lat, lon) in degrees to planar km
func (p LocalProjection) Project(lat, lon float64) r2.Point {
	oLat := p.Origin.Lat.Degrees()
	oLon := p.Origin.Lng.Degrees()

	x := HaversineDistance(lat, oLon, lat, lon)
	if lon < oLon {
		x = -x
	}
	y := HaversineDistance(oLat, oLon, lat, oLon)
	if lat < oLat {
		y = -y
	}
	return r2.Point{X: x, Y: y}
}

// GeoRect converts a lat/lon box into a planar km rectangle around its centre.
// Corners must be valid coordinates with min strictly below max.
func GeoRect(minLat, minLon, maxLat, maxLon float64) (r2.Rect, LocalProjection, error) {
	for _, c := range [][2]float64{{minLat, minLon}, {maxLat, maxLon}} {
		if ll := s2.LatLngFromDegrees(c[0], c[1]); !ll.IsValid() || math.IsNaN(c[0]) || math.IsNaN(c[1]) {
			return r2.EmptyRect(), LocalProjection{}, fmt.Errorf("spatial: invalid coordinate (lat %v, lon %v)", c[0], c[1])
		}
	}
	if !(minLat < maxLat) || !(minLon < maxLon) {
		return r2.EmptyRect(), LocalProjection{}, fmt.Errorf("spatial: empty geographic box lat [%v, %v] lon [%v, %v]", minLat, maxLat, minLon, maxLon)
	}
	proj := NewLocalProjection((minLat+maxLat)/2, (minLon+maxLon)/2)
	// Measure the east-west extent on the parallel nearest the equator, where it is widest.
	lat := minLat
	if math.Abs(maxLat) < math.Abs(minLat) {
		lat = maxLat
	}
	sw := proj.Project(minLat, minLon)
	ne := proj.Project(maxLat, maxLon)
	halfWidth := HaversineDistance(lat, minLon, lat, maxLon) / 2
	return r2.RectFromPoints(
		r2.Point{X: -halfWidth, Y: sw.Y},
		r2.Point{X: halfWidth, Y: ne.Y},
	), proj, nil
}

// Constants
const (
	EarthRadiusKm = 6371.0 // Earth's mean radius in kilometers
)
