package geo

import "github.com/paulmach/orb"

// repairIfInvalid checks polygon/multipolygon rings for self-intersection
// and, if found, repairs by replacing the offending ring with the convex
// hull of its points. This is a documented substitution for a proper
// zero-width-buffer repair: orb carries no buffer operation, and a convex
// hull is guaranteed simple, so it is the cheapest repair that preserves
// "a point once inside is still inside" for the vast majority of hand-drawn
// airspace boundaries (which are already near-convex). Points, multipoints
// and LineStrings of at least two points pass through unchanged; a shorter
// LineString or any other geometry type is rejected (ok=false).
func repairIfInvalid(g orb.Geometry) (orb.Geometry, bool) {
	switch geom := g.(type) {
	case orb.Polygon:
		return repairPolygon(geom), true
	case orb.MultiPolygon:
		out := make(orb.MultiPolygon, len(geom))
		for i, poly := range geom {
			out[i] = repairPolygon(poly)
		}
		return out, true
	case orb.LineString:
		if len(geom) < 2 {
			return nil, false
		}
		return geom, true
	case orb.Point, orb.MultiPoint:
		return geom, true
	default:
		return nil, false
	}
}

func repairPolygon(poly orb.Polygon) orb.Polygon {
	out := make(orb.Polygon, len(poly))
	for i, ring := range poly {
		if ringSelfIntersects(ring) {
			out[i] = convexHull(ring)
		} else {
			out[i] = ring
		}
	}
	return out
}

// ringSelfIntersects brute-force checks every pair of non-adjacent edges
// for intersection. O(n^2) but airspace boundary rings are small (tens to
// low hundreds of vertices), so this runs once at startup and is never on
// a hot path.
func ringSelfIntersects(ring orb.Ring) bool {
	n := len(ring)
	if n > 1 && ring[0] == ring[n-1] {
		n-- // the closing vertex repeats the first; count each edge once
	}
	if n < 4 {
		return false
	}
	for i := 0; i < n; i++ {
		a1, a2 := ring[i], ring[(i+1)%n]
		for j := i + 1; j < n; j++ {
			if (j+1)%n == i || j == (i+1)%n {
				continue
			}
			b1, b2 := ring[j], ring[(j+1)%n]
			if segmentsIntersect(a1, a2, b1, b2) {
				return true
			}
		}
	}
	return false
}

// convexHull computes the hull of ring's points via the monotone chain
// algorithm, returning a closed ring (first point repeated as last).
func convexHull(ring orb.Ring) orb.Ring {
	pts := uniqueSortedPoints(ring)
	if len(pts) < 3 {
		return ring
	}

	lower := make([]orb.Point, 0, len(pts))
	for _, p := range pts {
		for len(lower) >= 2 && cross(lower[len(lower)-2], lower[len(lower)-1], p) <= 0 {
			lower = lower[:len(lower)-1]
		}
		lower = append(lower, p)
	}

	upper := make([]orb.Point, 0, len(pts))
	for i := len(pts) - 1; i >= 0; i-- {
		p := pts[i]
		for len(upper) >= 2 && cross(upper[len(upper)-2], upper[len(upper)-1], p) <= 0 {
			upper = upper[:len(upper)-1]
		}
		upper = append(upper, p)
	}

	hull := append(lower[:len(lower)-1], upper[:len(upper)-1]...)
	hull = append(hull, hull[0])
	return orb.Ring(hull)
}

func uniqueSortedPoints(ring orb.Ring) []orb.Point {
	seen := make(map[orb.Point]bool, len(ring))
	pts := make([]orb.Point, 0, len(ring))
	for _, p := range ring {
		if !seen[p] {
			seen[p] = true
			pts = append(pts, p)
		}
	}
	for i := 1; i < len(pts); i++ {
		for j := i; j > 0 && less(pts[j], pts[j-1]); j-- {
			pts[j], pts[j-1] = pts[j-1], pts[j]
		}
	}
	return pts
}

func less(a, b orb.Point) bool {
	if a[0] != b[0] {
		return a[0] < b[0]
	}
	return a[1] < b[1]
}

func cross(o, a, b orb.Point) float64 {
	return (a[0]-o[0])*(b[1]-o[1]) - (a[1]-o[1])*(b[0]-o[0])
}
