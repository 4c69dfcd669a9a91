package registry

import (
	"github.com/dhconnelly/rtreego"
	"github.com/paulmach/orb"
)

// coverageIndex answers "which regional operations touch this extent" in
// O(log n) instead of scanning the whole catalog. Global operations are not
// indexed; callers append them separately.
type coverageIndex struct {
	rtree *rtreego.Rtree
}

// coverageEntry wraps one operation's coverage extent for R-tree storage.
type coverageEntry struct {
	seq    int
	bounds orb.Bound
}

// R-tree rectangles must have non-zero extent; point-like coverage gets a
// small epsilon (~11 m at the equator).
const coverageEpsilon = 0.0001

// Bounds implements rtreego.Spatial.
func (e *coverageEntry) Bounds() rtreego.Rect {
	point := rtreego.Point{e.bounds.Min[0], e.bounds.Min[1]}
	lonLength := e.bounds.Max[0] - e.bounds.Min[0]
	latLength := e.bounds.Max[1] - e.bounds.Min[1]
	if lonLength < coverageEpsilon {
		lonLength = coverageEpsilon
	}
	if latLength < coverageEpsilon {
		latLength = coverageEpsilon
	}
	rect, _ := rtreego.NewRect(point, []float64{lonLength, latLength})
	return rect
}

func newCoverageIndex() *coverageIndex {
	return &coverageIndex{rtree: rtreego.NewTree(2, 25, 50)}
}

func (c *coverageIndex) add(seq int, bounds orb.Bound) {
	c.rtree.Insert(&coverageEntry{seq: seq, bounds: bounds})
}

// intersecting returns the registration sequence numbers of indexed
// operations whose coverage intersects b.
func (c *coverageIndex) intersecting(b orb.Bound) []int {
	point := rtreego.Point{b.Min[0], b.Min[1]}
	lonLength := b.Max[0] - b.Min[0]
	latLength := b.Max[1] - b.Min[1]
	if lonLength < coverageEpsilon {
		lonLength = coverageEpsilon
	}
	if latLength < coverageEpsilon {
		latLength = coverageEpsilon
	}
	rect, err := rtreego.NewRect(point, []float64{lonLength, latLength})
	if err != nil {
		return nil
	}
	spatials := c.rtree.SearchIntersect(rect)
	seqs := make([]int, 0, len(spatials))
	for _, s := range spatials {
		seqs = append(seqs, s.(*coverageEntry).seq)
	}
	return seqs
}
