package zones

import (
	"github.com/example/ride-dispatch/internal/geo"
	"github.com/example/ride-dispatch/internal/models"
)

// Contains reports whether c lies inside z's geometry.
func Contains(z models.ServiceZone, c models.Coordinate) bool {
	switch z.Shape {
	case models.ShapeCircle:
		return z.RadiusMeters > 0 && geo.Distance(z.Center, c) <= z.RadiusMeters
	case models.ShapePolygon:
		return pointInPolygon(c, z.Boundary)
	}
	return false
}

// pointInPolygon is an even-odd ray cast treating longitude as x and
// latitude as y. Points on an edge may land either side.
func pointInPolygon(c models.Coordinate, ring []models.Coordinate) bool {
	n := len(ring)
	if n < 3 {
		return false
	}
	inside := false
	for i, j := 0, n-1; i < n; j, i = i, i+1 {
		a, b := ring[i], ring[j]
		if (a.Lat > c.Lat) != (b.Lat > c.Lat) {
			x := (b.Lon-a.Lon)*(c.Lat-a.Lat)/(b.Lat-a.Lat) + a.Lon
			if c.Lon < x {
				inside = !inside
			}
		}
	}
	return inside
}
