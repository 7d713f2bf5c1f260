// Package geo provides the pure geographic primitives the map session is
// built on: great-circle distance, bounding boxes and their persisted string
// form, and epsilon comparisons for coordinates that arrive from a map
// surface with floating-point jitter.
package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/golang/geo/s2"
)

const (
	// EarthRadiusKm is the Earth's mean radius in kilometers.
	EarthRadiusKm = 6371.0

	// DefaultEpsilon is the coordinate tolerance used when deciding whether
	// two viewports or centers are "the same". Roughly one meter at the
	// equator, well below anything a settled map gesture produces.
	DefaultEpsilon = 1e-5
)

// Point is a location in degrees.
type Point struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// BBox is an axis-aligned bounding rectangle [west, south, east, north]
// in longitude/latitude degrees. Invariant: west <= east, south <= north.
type BBox [4]float64

// West, South, East, North name the BBox components.
func (b BBox) West() float64  { return b[0] }
func (b BBox) South() float64 { return b[1] }
func (b BBox) East() float64  { return b[2] }
func (b BBox) North() float64 { return b[3] }

// DistanceKm computes the great-circle distance between two points in
// kilometers using the haversine formula (via s2 spherical angles).
func DistanceKm(lat1, lon1, lat2, lon2 float64) float64 {
	p1 := s2.LatLngFromDegrees(lat1, lon1)
	p2 := s2.LatLngFromDegrees(lat2, lon2)
	return p1.Distance(p2).Radians() * EarthRadiusKm
}

// Equals reports whether every coordinate of b and other differs by less
// than epsilon.
func (b BBox) Equals(other BBox, epsilon float64) bool {
	for i := range b {
		if diff := b[i] - other[i]; diff >= epsilon || diff <= -epsilon {
			return false
		}
	}
	return true
}

// Center returns the midpoint of the box.
func (b BBox) Center() Point {
	return Point{
		Lat: (b[1] + b[3]) / 2,
		Lon: (b[0] + b[2]) / 2,
	}
}

// CenterEquals reports whether two centers differ by less than epsilon in
// both coordinates.
func CenterEquals(a, b Point, epsilon float64) bool {
	dLat := a.Lat - b.Lat
	dLon := a.Lon - b.Lon
	return dLat < epsilon && dLat > -epsilon && dLon < epsilon && dLon > -epsilon
}

// ParseBBox parses the persisted "west,south,east,north" form. Any wrong
// arity or non-numeric token yields ok=false rather than a partial value;
// malformed persisted state is treated as absent, never surfaced.
func ParseBBox(value string) (BBox, bool) {
	if value == "" {
		return BBox{}, false
	}
	parts := strings.Split(value, ",")
	if len(parts) != 4 {
		return BBox{}, false
	}
	var b BBox
	for i, part := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(part), 64)
		if err != nil {
			return BBox{}, false
		}
		b[i] = f
	}
	return b, true
}

// Format renders a box in the persisted form with six decimal places.
// Parsing the result and formatting it again is the identity.
func (b BBox) Format() string {
	return fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", b[0], b[1], b[2], b[3])
}
