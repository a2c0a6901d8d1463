package geo

import (
	"math"

	"github.com/driftlabs/driftsync/internal/domain"
)

const earthRadiusMeters = 6_371_000

// HaversineMeters is the great-circle distance between two coordinates.
func HaversineMeters(a, b domain.LatLng) float64 {
	lat1 := a.Lat * math.Pi / 180
	lat2 := b.Lat * math.Pi / 180
	dLat := (b.Lat - a.Lat) * math.Pi / 180
	dLng := (b.Lng - a.Lng) * math.Pi / 180

	h := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1)*math.Cos(lat2)*math.Sin(dLng/2)*math.Sin(dLng/2)
	return 2 * earthRadiusMeters * math.Asin(math.Sqrt(h))
}

// ZoneContains reports whether the point is inside the zone: within the
// radius for circular zones, within the ring for polygonal ones.
func ZoneContains(z *domain.GeofenceZone, p domain.LatLng) bool {
	switch z.Kind {
	case domain.ZonePolygon:
		return pointInPolygon(p, z.Vertices)
	default:
		return HaversineMeters(z.Center, p) <= z.RadiusMeters
	}
}

// pointInPolygon is the even-odd ray-casting test. Good enough for zone-size
// polygons where coordinates can be treated as planar.
func pointInPolygon(p domain.LatLng, ring []domain.LatLng) bool {
	if len(ring) < 3 {
		return false
	}
	inside := false
	j := len(ring) - 1
	for i := 0; i < len(ring); i++ {
		vi, vj := ring[i], ring[j]
		if (vi.Lat > p.Lat) != (vj.Lat > p.Lat) &&
			p.Lng < (vj.Lng-vi.Lng)*(p.Lat-vi.Lat)/(vj.Lat-vi.Lat)+vi.Lng {
			inside = !inside
		}
		j = i
	}
	return inside
}

// DistanceToRouteMeters is the distance from p to the nearest point of the
// route polyline.
func DistanceToRouteMeters(p domain.LatLng, route []domain.LatLng) float64 {
	if len(route) == 0 {
		return math.Inf(1)
	}
	if len(route) == 1 {
		return HaversineMeters(p, route[0])
	}
	min := math.Inf(1)
	for i := 0; i+1 < len(route); i++ {
		if d := distanceToSegmentMeters(p, route[i], route[i+1]); d < min {
			min = d
		}
	}
	return min
}

// distanceToSegmentMeters projects p onto the segment a-b using a local
// equirectangular approximation, accurate at route-deviation scales.
func distanceToSegmentMeters(p, a, b domain.LatLng) float64 {
	coslat := math.Cos(p.Lat * math.Pi / 180)
	ax, ay := (a.Lng-p.Lng)*coslat, a.Lat-p.Lat
	bx, by := (b.Lng-p.Lng)*coslat, b.Lat-p.Lat

	dx, dy := bx-ax, by-ay
	lenSq := dx*dx + dy*dy
	t := 0.0
	if lenSq > 0 {
		t = -(ax*dx + ay*dy) / lenSq
		t = math.Max(0, math.Min(1, t))
	}
	cx, cy := ax+t*dx, ay+t*dy
	deg := math.Sqrt(cx*cx + cy*cy)
	return deg * math.Pi / 180 * earthRadiusMeters
}
