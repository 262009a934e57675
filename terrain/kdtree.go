package terrain

import (
	"sort"

	"gonum.org/v1/gonum/spatial/kdtree"
)

// SpatialIndex answers k-nearest-neighbor queries over a fixed point set.
// Results are ordered by ascending distance with ties broken by the order
// the points were given to Build.
type SpatialIndex interface {
	Build(points []Point)
	Query(q Point, k int) ([]Point, error)
	Len() int
}

// KDIndex is a SpatialIndex backed by a gonum k-d tree. Dims selects planar
// (2) or full 3D (3) distance.
type KDIndex struct {
	dims int
	n    int
	tree *kdtree.Tree
}

// NewKDIndex returns an empty index over the first dims coordinates.
func NewKDIndex(dims int) *KDIndex {
	if dims < 1 || dims > 3 {
		dims = 3
	}
	return &KDIndex{dims: dims}
}

// NewKDIndex2D indexes the (x, y) projection.
func NewKDIndex2D(points []Point) *KDIndex {
	idx := NewKDIndex(2)
	idx.Build(points)
	return idx
}

// NewKDIndex3D indexes full 3D coordinates.
func NewKDIndex3D(points []Point) *KDIndex {
	idx := NewKDIndex(3)
	idx.Build(points)
	return idx
}

// Build replaces the indexed set. The points slice is not retained.
func (k *KDIndex) Build(points []Point) {
	k.n = len(points)
	if len(points) == 0 {
		k.tree = nil
		return
	}
	set := make(indexedPoints, len(points))
	for i, p := range points {
		set[i] = indexedPoint{coord: [3]float64{p.X, p.Y, p.Z}, dims: k.dims, idx: i}
	}
	k.tree = kdtree.New(set, false)
}

// Len returns the number of indexed points.
func (k *KDIndex) Len() int {
	return k.n
}

// Query returns the k nearest points to q.
func (k *KDIndex) Query(q Point, n int) ([]Point, error) {
	if n < 1 {
		return nil, ErrInvalidK
	}
	if n > k.n || k.tree == nil {
		return nil, insufficient(n, k.n)
	}
	query := indexedPoint{coord: [3]float64{q.X, q.Y, q.Z}, dims: k.dims, idx: -1}

	nk := kdtree.NewNKeeper(n)
	k.tree.NearestSet(nk, query)
	found := collect(nk.Heap)
	if len(found) < n {
		return nil, insufficient(n, len(found))
	}

	// The n-keeper settles ties at the cut-off by traversal order. Pull every
	// point at or inside the cut-off distance so ties resolve by insertion.
	cutoff := found[len(found)-1].dist
	dk := kdtree.NewDistKeeper(cutoff)
	k.tree.NearestSet(dk, query)
	if all := collect(dk.Heap); len(all) >= n {
		found = all
	}

	out := make([]Point, n)
	for i := 0; i < n; i++ {
		c := found[i].point.coord
		out[i] = Point{X: c[0], Y: c[1], Z: c[2]}
	}
	return out, nil
}

type neighbor struct {
	point indexedPoint
	dist  float64
}

// collect drops the keeper sentinel and sorts by distance, then insertion.
func collect(h kdtree.Heap) []neighbor {
	out := make([]neighbor, 0, len(h))
	for _, cd := range h {
		if cd.Comparable == nil {
			continue
		}
		out = append(out, neighbor{point: cd.Comparable.(indexedPoint), dist: cd.Dist})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].dist != out[j].dist {
			return out[i].dist < out[j].dist
		}
		return out[i].point.idx < out[j].point.idx
	})
	return out
}

// indexedPoint remembers the insertion index alongside full coordinates so
// a planar index can still return heights.
type indexedPoint struct {
	coord [3]float64
	dims  int
	idx   int
}

func (p indexedPoint) Compare(c kdtree.Comparable, d kdtree.Dim) float64 {
	q := c.(indexedPoint)
	return p.coord[d] - q.coord[d]
}

func (p indexedPoint) Dims() int { return p.dims }

// Distance returns the squared Euclidean distance over the indexed dims.
func (p indexedPoint) Distance(c kdtree.Comparable) float64 {
	q := c.(indexedPoint)
	var sum float64
	for i := 0; i < p.dims; i++ {
		d := p.coord[i] - q.coord[i]
		sum += d * d
	}
	return sum
}

type indexedPoints []indexedPoint

func (p indexedPoints) Index(i int) kdtree.Comparable         { return p[i] }
func (p indexedPoints) Len() int                              { return len(p) }
func (p indexedPoints) Pivot(d kdtree.Dim) int                { return indexedPlane{points: p, dim: d}.Pivot() }
func (p indexedPoints) Slice(start, end int) kdtree.Interface { return p[start:end] }

// indexedPlane orders points along one dimension for median partitioning.
type indexedPlane struct {
	points indexedPoints
	dim    kdtree.Dim
}

func (p indexedPlane) Len() int { return len(p.points) }

func (p indexedPlane) Less(i, j int) bool {
	a, b := p.points[i], p.points[j]
	if a.coord[p.dim] != b.coord[p.dim] {
		return a.coord[p.dim] < b.coord[p.dim]
	}
	return a.idx < b.idx
}

func (p indexedPlane) Swap(i, j int) { p.points[i], p.points[j] = p.points[j], p.points[i] }

func (p indexedPlane) Slice(start, end int) kdtree.SortSlicer {
	p.points = p.points[start:end]
	return p
}

func (p indexedPlane) Pivot() int { return kdtree.Partition(p, kdtree.MedianOfMedians(p)) }
