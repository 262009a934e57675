package terrain

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gridPatch samples height(x, y) on the integer grid [0, n) x [0, n).
func gridPatch(n int, height func(x, y float64) float64) *Patch {
	p := NewPatch(Identity())
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			x, y := float64(i), float64(j)
			p.AddPoint(Point{X: x, Y: y, Z: height(x, y)})
		}
	}
	return p
}

func TestAlignmentResidualNearestHeight(t *testing.T) {
	target := gridPatch(5, func(x, y float64) float64 { return 1 })

	r := NewAlignmentResidual(target, Point{X: 2.1, Y: 1.8, Z: 1.5}, Orientation{}, "")
	v, err := r.Evaluate(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, v, epsilon)

	ev, err := r.Evaluation(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, ev.NearestZ, epsilon)
	assert.InDelta(t, 1.0, ev.InterpolatedZ, epsilon)
	assert.True(t, pointsClose(Point{X: 2.1, Y: 1.8, Z: 1.5}, ev.Transformed))
}

func TestAlignmentResidualInterpolatedHeight(t *testing.T) {
	// On the plane z = x the interpolated height is exact everywhere.
	target := gridPatch(5, func(x, y float64) float64 { return x })
	src := Point{X: 2.25, Y: 3.4, Z: 2.25}
	r := NewAlignmentResidual(target, src, Orientation{}, ResidualInterpolatedHeight)

	v, err := r.Evaluate(0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, v, epsilon)

	v, err = r.Evaluate(0.5, -0.3)
	require.NoError(t, err)
	assert.InDelta(t, -0.5, v, epsilon)

	ev, err := r.Evaluation(0.5, -0.3)
	require.NoError(t, err)
	assert.InDelta(t, 2.75, ev.InterpolatedZ, epsilon)
	assert.True(t, pointsClose(Point{X: 2.75, Y: 3.1, Z: 2.25}, ev.Transformed))
}

func TestAlignmentResidualAppliesOrientation(t *testing.T) {
	target := gridPatch(4, func(x, y float64) float64 { return y })
	r := NewAlignmentResidual(target, Point{X: 2, Y: 0, Z: 2}, Orientation{Yaw: math.Pi / 2}, ResidualInterpolatedHeight)

	ev, err := r.Evaluation(1, 0)
	require.NoError(t, err)
	assert.True(t, pointsClose(Point{X: 1, Y: 2, Z: 2}, ev.Transformed), "got %+v", ev.Transformed)
	assert.InDelta(t, 0, ev.Value, epsilon)
}

func TestAlignmentResidualInsufficientNeighbors(t *testing.T) {
	target := NewPatch(Identity(), Point{X: 0}, Point{X: 1})
	r := NewAlignmentResidual(target, Point{}, Orientation{}, ResidualNearestHeight)

	_, err := r.Evaluate(0, 0)
	assert.ErrorIs(t, err, ErrInsufficientPoints)
}

func TestPlaneHeight(t *testing.T) {
	p1 := Point{X: 0, Y: 0, Z: 1}
	p2 := Point{X: 1, Y: 0, Z: 3}
	p3 := Point{X: 0, Y: 1, Z: 0}

	// z = 1 + 2x - y
	assert.InDelta(t, 1+2*0.5-0.25, planeHeight(p1, p2, p3, Point{X: 0.5, Y: 0.25}), epsilon)
	assert.InDelta(t, 1+2*3+4, planeHeight(p1, p2, p3, Point{X: 3, Y: -4}), epsilon)

	// Collinear neighbors fall back to the nearest height.
	c3 := Point{X: 2, Y: 0, Z: 9}
	assert.Equal(t, 1.0, planeHeight(p1, p2, c3, Point{X: 0.5, Y: 0.5}))
}
