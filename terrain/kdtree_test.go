package terrain

import (
	"errors"
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomPoints(rng *rand.Rand, n int) []Point {
	pts := make([]Point, n)
	for i := range pts {
		pts[i] = Point{X: rng.Float64() * 10, Y: rng.Float64() * 10, Z: rng.Float64() * 2}
	}
	return pts
}

// bruteForceKNN returns the k nearest points by squared distance over dims
// coordinates, ties broken by insertion index.
func bruteForceKNN(points []Point, q Point, k, dims int) []Point {
	type cand struct {
		p   Point
		d   float64
		idx int
	}
	cands := make([]cand, len(points))
	for i, p := range points {
		dx, dy, dz := p.X-q.X, p.Y-q.Y, p.Z-q.Z
		d := dx*dx + dy*dy
		if dims == 3 {
			d += dz * dz
		}
		cands[i] = cand{p: p, d: d, idx: i}
	}
	sort.Slice(cands, func(i, j int) bool {
		if cands[i].d != cands[j].d {
			return cands[i].d < cands[j].d
		}
		return cands[i].idx < cands[j].idx
	})
	out := make([]Point, k)
	for i := range out {
		out[i] = cands[i].p
	}
	return out
}

func TestKDIndexMatchesBruteForce(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	points := randomPoints(rng, 300)

	idx2 := NewKDIndex2D(points)
	idx3 := NewKDIndex3D(points)
	require.Equal(t, len(points), idx2.Len())

	for trial := 0; trial < 50; trial++ {
		q := Point{X: rng.Float64()*12 - 1, Y: rng.Float64()*12 - 1, Z: rng.Float64()}
		for _, k := range []int{1, 3, 10} {
			got2, err := idx2.Query(q, k)
			require.NoError(t, err)
			if diff := cmp.Diff(bruteForceKNN(points, q, k, 2), got2); diff != "" {
				t.Fatalf("2D query %+v k=%d mismatch (-want +got):\n%s", q, k, diff)
			}

			got3, err := idx3.Query(q, k)
			require.NoError(t, err)
			if diff := cmp.Diff(bruteForceKNN(points, q, k, 3), got3); diff != "" {
				t.Fatalf("3D query %+v k=%d mismatch (-want +got):\n%s", q, k, diff)
			}
		}
	}
}

func TestKDIndexTiesResolveByInsertion(t *testing.T) {
	// Four points at equal planar distance from the origin, inserted in a
	// scrambled order; heights tag the insertion index.
	points := []Point{
		{X: 0, Y: -1, Z: 0},
		{X: 1, Y: 0, Z: 1},
		{X: -1, Y: 0, Z: 2},
		{X: 0, Y: 1, Z: 3},
	}
	idx := NewKDIndex2D(points)

	for k := 1; k <= 4; k++ {
		got, err := idx.Query(Point{}, k)
		require.NoError(t, err)
		require.Len(t, got, k)
		for i, p := range got {
			assert.Equal(t, float64(i), p.Z, "k=%d position %d", k, i)
		}
	}
}

func TestKDIndexPlanarIgnoresHeight(t *testing.T) {
	points := []Point{
		{X: 0, Y: 0, Z: 100},
		{X: 2, Y: 0, Z: 0},
	}
	q := Point{X: 0.5, Y: 0, Z: 0}

	got2, err := NewKDIndex2D(points).Query(q, 1)
	require.NoError(t, err)
	assert.Equal(t, points[0], got2[0])

	got3, err := NewKDIndex3D(points).Query(q, 1)
	require.NoError(t, err)
	assert.Equal(t, points[1], got3[0])
}

func TestKDIndexErrors(t *testing.T) {
	points := []Point{{X: 0}, {X: 1}}
	idx := NewKDIndex3D(points)

	_, err := idx.Query(Point{}, 3)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInsufficientPoints))
	var ipe *InsufficientPointsError
	require.True(t, errors.As(err, &ipe))
	assert.Equal(t, 3, ipe.Requested)
	assert.Equal(t, 2, ipe.Available)

	_, err = idx.Query(Point{}, 0)
	assert.True(t, errors.Is(err, ErrInvalidK))

	_, err = NewKDIndex2D(nil).Query(Point{}, 1)
	assert.True(t, errors.Is(err, ErrInsufficientPoints))
}

func TestKDIndexRebuild(t *testing.T) {
	idx := NewKDIndex(3)
	idx.Build([]Point{{X: 5}})
	idx.Build([]Point{{X: 1}, {X: 2}})
	assert.Equal(t, 2, idx.Len())

	got, err := idx.Query(Point{X: 5}, 1)
	require.NoError(t, err)
	assert.Equal(t, Point{X: 2}, got[0])
}
