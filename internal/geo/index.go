package geo

import (
	"math"

	"github.com/paulmach/orb"
)

// cellSizeDegrees sizes the grid coarsely enough that any DC-area feature
// (SFRA is roughly a 30NM-radius circle, under half a degree) spans only a
// handful of cells, keeping candidates() cheap without needing an actual
// R-tree (orb has no polygon R-tree, only a point quadtree, which does not
// fit polygon features — see design notes for this substitution).
const cellSizeDegrees = 0.25

type cellKey struct{ x, y int }

// gridIndex buckets features by the grid cells their bounding box
// overlaps, standing in for an R-tree over feature envelopes.
type gridIndex struct {
	cells map[cellKey][]Feature
}

func buildGridIndex(features []Feature) *gridIndex {
	idx := &gridIndex{cells: make(map[cellKey][]Feature)}
	for _, f := range features {
		for _, k := range cellsForBound(f.Bound) {
			idx.cells[k] = append(idx.cells[k], f)
		}
	}
	return idx
}

func cellsForBound(b orb.Bound) []cellKey {
	minX := int(math.Floor(b.Min[0] / cellSizeDegrees))
	maxX := int(math.Floor(b.Max[0] / cellSizeDegrees))
	minY := int(math.Floor(b.Min[1] / cellSizeDegrees))
	maxY := int(math.Floor(b.Max[1] / cellSizeDegrees))

	var keys []cellKey
	for x := minX; x <= maxX; x++ {
		for y := minY; y <= maxY; y++ {
			keys = append(keys, cellKey{x, y})
		}
	}
	return keys
}

// candidates returns the deduplicated set of features whose bounding cell
// covers p. Callers still run an exact predicate (Contains/SegmentIntersects)
// against the result; this is a pre-filter, not a final answer.
func (idx *gridIndex) candidates(p orb.Point) []Feature {
	key := cellKey{
		x: int(math.Floor(p[0] / cellSizeDegrees)),
		y: int(math.Floor(p[1] / cellSizeDegrees)),
	}
	bucket := idx.cells[key]
	if len(bucket) == 0 {
		return nil
	}

	seen := make(map[string]bool, len(bucket))
	out := make([]Feature, 0, len(bucket))
	for _, f := range bucket {
		if seen[f.Name] {
			continue
		}
		seen[f.Name] = true
		out = append(out, f)
	}
	return out
}
