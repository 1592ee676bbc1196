package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// Contains reports whether point p lies inside or on the boundary of
// feature f's geometry: polygon/multipolygon containment, within-tolerance
// proximity for line features, and exact coordinate equality for point and
// multipoint features. Any other geometry type never contains p.
func Contains(f Feature, p orb.Point) bool {
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		return polygonContains(g, p)
	case orb.MultiPolygon:
		for _, poly := range g {
			if polygonContains(poly, p) {
				return true
			}
		}
		return false
	case orb.LineString:
		return distanceToLineString(g, p) <= f.Tolerance
	case orb.Point:
		return p == g
	case orb.MultiPoint:
		for _, q := range g {
			if p == q {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// polygonContains implements boundary-inclusive point-in-polygon: a point
// exactly on an edge counts as contained, per the specification's
// "contains-or-touches" boundary rule. The first ring is the outer
// boundary; subsequent rings are holes.
func polygonContains(poly orb.Polygon, p orb.Point) bool {
	if len(poly) == 0 {
		return false
	}
	if !ringContainsOrTouches(poly[0], p) {
		return false
	}
	for _, hole := range poly[1:] {
		if ringContainsOrTouches(hole, p) && !onRingBoundary(hole, p) {
			return false
		}
	}
	return true
}

func ringContainsOrTouches(ring orb.Ring, p orb.Point) bool {
	if onRingBoundary(ring, p) {
		return true
	}
	return windingNumberNonZero(ring, p)
}

func onRingBoundary(ring orb.Ring, p orb.Point) bool {
	n := len(ring)
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if onSegment(a, b, p) {
			return true
		}
	}
	return false
}

const epsilon = 1e-12

func onSegment(a, b, p orb.Point) bool {
	cross := (b[0]-a[0])*(p[1]-a[1]) - (b[1]-a[1])*(p[0]-a[0])
	if math.Abs(cross) > epsilon {
		return false
	}
	if p[0] < math.Min(a[0], b[0])-epsilon || p[0] > math.Max(a[0], b[0])+epsilon {
		return false
	}
	if p[1] < math.Min(a[1], b[1])-epsilon || p[1] > math.Max(a[1], b[1])+epsilon {
		return false
	}
	return true
}

// windingNumberNonZero is the standard winding-number point-in-polygon test,
// robust for both convex and concave rings (unlike parity/ray-casting, it
// does not need special-casing for rays through vertices).
func windingNumberNonZero(ring orb.Ring, p orb.Point) bool {
	wn := 0
	n := len(ring)
	for i := 0; i < n; i++ {
		a := ring[i]
		b := ring[(i+1)%n]
		if a[1] <= p[1] {
			if b[1] > p[1] && isLeft(a, b, p) > 0 {
				wn++
			}
		} else {
			if b[1] <= p[1] && isLeft(a, b, p) < 0 {
				wn--
			}
		}
	}
	return wn != 0
}

func isLeft(a, b, p orb.Point) float64 {
	return (b[0]-a[0])*(p[1]-a[1]) - (p[0]-a[0])*(b[1]-a[1])
}

func distanceToLineString(ls orb.LineString, p orb.Point) float64 {
	best := math.Inf(1)
	for i := 0; i+1 < len(ls); i++ {
		d := distanceToSegment(ls[i], ls[i+1], p)
		if d < best {
			best = d
		}
	}
	return best
}

func distanceToSegment(a, b, p orb.Point) float64 {
	vx, vy := b[0]-a[0], b[1]-a[1]
	wx, wy := p[0]-a[0], p[1]-a[1]
	segLenSq := vx*vx + vy*vy
	if segLenSq == 0 {
		return math.Hypot(wx, wy)
	}
	t := (wx*vx + wy*vy) / segLenSq
	if t < 0 {
		t = 0
	} else if t > 1 {
		t = 1
	}
	cx, cy := a[0]+t*vx, a[1]+t*vy
	return math.Hypot(p[0]-cx, p[1]-cy)
}

// SegmentIntersects reports whether the segment (from,to) crosses or
// touches feature f's geometry. A tangent segment that merely shares an
// edge with a polygon boundary counts as intersecting, matching the
// specification's boundary rule.
func SegmentIntersects(f Feature, from, to orb.Point) bool {
	switch g := f.Geometry.(type) {
	case orb.Polygon:
		return segmentCrossesPolygon(g, from, to)
	case orb.MultiPolygon:
		for _, poly := range g {
			if segmentCrossesPolygon(poly, from, to) {
				return true
			}
		}
		return false
	case orb.LineString:
		for i := 0; i+1 < len(g); i++ {
			if segmentsIntersect(from, to, g[i], g[i+1]) {
				return true
			}
		}
		return false
	default:
		return Contains(f, from) || Contains(f, to)
	}
}

func segmentCrossesPolygon(poly orb.Polygon, from, to orb.Point) bool {
	if polygonContains(poly, from) || polygonContains(poly, to) {
		return true
	}
	for _, ring := range poly {
		n := len(ring)
		for i := 0; i < n; i++ {
			a := ring[i]
			b := ring[(i+1)%n]
			if segmentsIntersect(from, to, a, b) {
				return true
			}
		}
	}
	return false
}

// segmentsIntersect is the standard orientation-based segment intersection
// test, including the collinear-overlap (tangent/shared-edge) case.
func segmentsIntersect(p1, p2, p3, p4 orb.Point) bool {
	d1 := direction(p3, p4, p1)
	d2 := direction(p3, p4, p2)
	d3 := direction(p1, p2, p3)
	d4 := direction(p1, p2, p4)

	if ((d1 > 0 && d2 < 0) || (d1 < 0 && d2 > 0)) &&
		((d3 > 0 && d4 < 0) || (d3 < 0 && d4 > 0)) {
		return true
	}
	if d1 == 0 && onSegment(p3, p4, p1) {
		return true
	}
	if d2 == 0 && onSegment(p3, p4, p2) {
		return true
	}
	if d3 == 0 && onSegment(p1, p2, p3) {
		return true
	}
	if d4 == 0 && onSegment(p1, p2, p4) {
		return true
	}
	return false
}

func direction(a, b, c orb.Point) float64 {
	return (c[0]-a[0])*(b[1]-a[1]) - (b[0]-a[0])*(c[1]-a[1])
}

func boundOf(g orb.Geometry) orb.Bound {
	switch geom := g.(type) {
	case orb.Polygon:
		return ringsBound(geom...)
	case orb.MultiPolygon:
		var b orb.Bound
		first := true
		for _, poly := range geom {
			pb := ringsBound(poly...)
			if first {
				b, first = pb, false
			} else {
				b = b.Union(pb)
			}
		}
		return b
	case orb.LineString:
		return pointsBound(geom)
	case orb.Point:
		return orb.Bound{Min: geom, Max: geom}
	case orb.MultiPoint:
		return pointsBound(orb.LineString(geom))
	default:
		return orb.Bound{}
	}
}

func ringsBound(rings ...orb.Ring) orb.Bound {
	var b orb.Bound
	first := true
	for _, r := range rings {
		rb := pointsBound(orb.LineString(r))
		if first {
			b, first = rb, false
		} else {
			b = b.Union(rb)
		}
	}
	return b
}

func pointsBound(pts orb.LineString) orb.Bound {
	if len(pts) == 0 {
		return orb.Bound{}
	}
	b := orb.Bound{Min: pts[0], Max: pts[0]}
	for _, p := range pts[1:] {
		if p[0] < b.Min[0] {
			b.Min[0] = p[0]
		}
		if p[1] < b.Min[1] {
			b.Min[1] = p[1]
		}
		if p[0] > b.Max[0] {
			b.Max[0] = p[0]
		}
		if p[1] > b.Max[1] {
			b.Max[1] = p[1]
		}
	}
	return b
}
