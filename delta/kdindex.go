package delta

import (
	"math"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// indexedPoint is a k-d tree entry carrying the target index it came from.
type indexedPoint struct {
	coords [3]float64
	index  int
}

// Compare implements kdtree.Comparable.
func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coords[d] - q.coords[d]
}

// Dims implements kdtree.Comparable.
func (p indexedPoint) Dims() int { return 3 }

// Distance returns the squared Euclidean distance, which is what the tree's
// pruning expects.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	dx := p.coords[0] - q.coords[0]
	dy := p.coords[1] - q.coords[1]
	dz := p.coords[2] - q.coords[2]
	return dx*dx + dy*dy + dz*dz
}

// indexedPoints implements kdtree.Interface.
type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable { return p[i] }
func (p indexedPoints) Len() int                       { return len(p) }
func (p indexedPoints) Slice(start, end int) kdtree.Interface {
	return p[start:end]
}
func (p indexedPoints) Pivot(d kdtree.Dim) int {
	return plane{points: p, dim: d}.Pivot()
}

// plane sorts a point slice along one dimension for median partitioning.
type plane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p plane) Less(i, j int) bool {
	a, b := p.points[i], p.points[j]
	if a.coords[p.dim] != b.coords[p.dim] {
		return a.coords[p.dim] < b.coords[p.dim]
	}
	return a.index < b.index
}
func (p plane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
func (p plane) Slice(start, end int) kdtree.SortSlicer {
	return plane{points: p.points[start:end], dim: p.dim}
}
func (p plane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }
func (p plane) Len() int      { return len(p.points) }

// spatialIndex answers single nearest-neighbour queries over a fixed set of
// positions. It is read-only after construction and safe for concurrent use.
type spatialIndex struct {
	tree *kdtree.Tree
	size int
}

// newSpatialIndex builds an index over positions. Non-finite coordinates are
// indexed as 0.
func newSpatialIndex(positions []Vec3) *spatialIndex {
	pts := make(indexedPoints, len(positions))
	for i, p := range positions {
		pts[i] = indexedPoint{coords: finiteCoords(p), index: i}
	}
	return &spatialIndex{
		tree: kdtree.New(pts, false),
		size: len(positions),
	}
}

// Nearest returns the index of the closest indexed position to q and the
// Euclidean distance. Among equidistant candidates the lowest index wins.
func (s *spatialIndex) Nearest(q Vec3) (int, float64) {
	query := indexedPoint{coords: finiteCoords(q), index: -1}
	best, dist := s.tree.Nearest(query)
	if best == nil {
		return -1, math.Inf(1)
	}
	bestIdx := best.(indexedPoint).index

	// Collect everything at exactly the best distance to make the choice
	// independent of tree layout.
	keep := kdtree.NewDistKeeper(dist)
	s.tree.NearestSet(keep, query)
	for _, c := range keep.Heap {
		if c.Comparable == nil || c.Dist != dist {
			continue
		}
		if idx := c.Comparable.(indexedPoint).index; idx < bestIdx {
			bestIdx = idx
		}
	}
	return bestIdx, math.Sqrt(dist)
}

func finiteCoords(v Vec3) [3]float64 {
	var out [3]float64
	for i, c := range v {
		f := float64(c)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			f = 0
		}
		out[i] = f
	}
	return out
}
