// Package geo wraps the orb primitives the pipeline needs: great-circle
// distance, polygon centroid and containment, and the detour waypoint used to
// steer routes around a hazard.
package geo

import (
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geo"
	"github.com/paulmach/orb/planar"
)

// DetourOffsetDegrees is how far the detour waypoint is pushed from the
// origin/destination midpoint, away from the hazard centroid.
const DetourOffsetDegrees = 0.5

// HaversineKm is the great-circle distance between two lon/lat points.
func HaversineKm(a, b orb.Point) float64 {
	return geo.DistanceHaversine(a, b) / 1000.0
}

// ValidPoint reports whether p is a usable lon/lat coordinate.
func ValidPoint(p orb.Point) bool {
	lon, lat := p.Lon(), p.Lat()
	if math.IsNaN(lon) || math.IsNaN(lat) {
		return false
	}
	return lon >= -180 && lon <= 180 && lat >= -90 && lat <= 90
}

// Centroid returns the area centroid of a polygon. ok is false for empty or
// degenerate polygons.
func Centroid(zone orb.Polygon) (orb.Point, bool) {
	if len(zone) == 0 || len(zone[0]) < 3 {
		return orb.Point{}, false
	}
	c, area := planar.CentroidArea(zone)
	if area == 0 || !ValidPoint(c) {
		return orb.Point{}, false
	}
	return c, true
}

// Contains reports whether pt lies inside zone (holes excluded).
func Contains(zone orb.Polygon, pt orb.Point) bool {
	if len(zone) == 0 {
		return false
	}
	return planar.PolygonContains(zone, pt)
}

// DetourWaypoint returns a point offset from the origin/destination midpoint
// in the direction away from the zone centroid.
func DetourWaypoint(origin, dest orb.Point, zone orb.Polygon) (orb.Point, bool) {
	c, ok := Centroid(zone)
	if !ok {
		return orb.Point{}, false
	}
	midLon := (origin.Lon() + dest.Lon()) / 2
	midLat := (origin.Lat() + dest.Lat()) / 2
	dx := midLon - c.Lon()
	dy := midLat - c.Lat()
	norm := math.Hypot(dx, dy)
	if norm == 0 {
		norm = 1
	}
	return orb.Point{
		midLon + DetourOffsetDegrees*dx/norm,
		midLat + DetourOffsetDegrees*dy/norm,
	}, true
}
