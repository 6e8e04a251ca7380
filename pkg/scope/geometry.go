package scope

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"
)

// Centroid returns the area-weighted centroid of a geometry. Degenerate
// geometries (empty, zero area) fall back to the bound center so every
// feature still gets a representative point.
func Centroid(g orb.Geometry) orb.Point {
	if g == nil {
		return orb.Point{}
	}
	center, area := planar.CentroidArea(g)
	if area == 0 {
		return g.Bound().Center()
	}
	return center
}

// Contains reports whether a point lies inside a polygonal geometry.
func Contains(g orb.Geometry, p orb.Point) bool {
	switch geom := g.(type) {
	case orb.Polygon:
		return planar.PolygonContains(geom, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(geom, p)
	default:
		return false
	}
}

// asMultiPolygon normalizes a decoded geometry to a MultiPolygon.
func asMultiPolygon(g orb.Geometry) (orb.MultiPolygon, error) {
	switch geom := g.(type) {
	case orb.Polygon:
		return orb.MultiPolygon{geom}, nil
	case orb.MultiPolygon:
		return geom, nil
	case orb.Collection:
		var mp orb.MultiPolygon
		for _, member := range geom {
			sub, err := asMultiPolygon(member)
			if err != nil {
				return nil, err
			}
			mp = append(mp, sub...)
		}
		return mp, nil
	default:
		return nil, fmt.Errorf("unexpected geometry type %T", g)
	}
}

// MergeMultiPolygons concatenates polygon collections. The members are
// disjoint administrative boundaries, so concatenation is a valid union.
func MergeMultiPolygons(parts ...orb.MultiPolygon) orb.MultiPolygon {
	var merged orb.MultiPolygon
	for _, part := range parts {
		merged = append(merged, part...)
	}
	return merged
}
