package terrain

import (
	"errors"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const epsilon = 1e-9

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < epsilon
}

func transformsEqual(a, b Transform) bool {
	for i := range a {
		if !almostEqual(a[i], b[i]) {
			return false
		}
	}
	return true
}

func pointsClose(a, b Point) bool {
	return almostEqual(a.X, b.X) && almostEqual(a.Y, b.Y) && almostEqual(a.Z, b.Z)
}

func TestTransformApply(t *testing.T) {
	tests := []struct {
		name      string
		transform Transform
		point     Point
		want      Point
	}{
		{
			name:      "identity",
			transform: Identity(),
			point:     Point{X: 1, Y: 2, Z: 3},
			want:      Point{X: 1, Y: 2, Z: 3},
		},
		{
			name:      "translation",
			transform: Translation(1, -2, 0.5),
			point:     Point{X: 1, Y: 1, Z: 1},
			want:      Point{X: 2, Y: -1, Z: 1.5},
		},
		{
			name:      "yaw 90 degrees",
			transform: FromRPYTranslation(Orientation{Yaw: math.Pi / 2}, 0, 0, 0),
			point:     Point{X: 1, Y: 0, Z: 2},
			want:      Point{X: 0, Y: 1, Z: 2},
		},
		{
			name:      "roll 90 degrees",
			transform: FromRPYTranslation(Orientation{Roll: math.Pi / 2}, 0, 0, 0),
			point:     Point{X: 0, Y: 1, Z: 0},
			want:      Point{X: 0, Y: 0, Z: 1},
		},
		{
			name:      "pitch 90 degrees",
			transform: FromRPYTranslation(Orientation{Pitch: math.Pi / 2}, 0, 0, 0),
			point:     Point{X: 1, Y: 0, Z: 0},
			want:      Point{X: 0, Y: 0, Z: -1},
		},
		{
			name:      "yaw then translate",
			transform: FromRPYTranslation(Orientation{Yaw: math.Pi}, 1, 1, 0),
			point:     Point{X: 1, Y: 0, Z: 0},
			want:      Point{X: 0, Y: 1, Z: 0},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.transform.Apply(tt.point)
			if !pointsClose(got, tt.want) {
				t.Errorf("Apply() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestTransformInverse(t *testing.T) {
	tr := FromRPYTranslation(Orientation{Roll: 0.1, Pitch: -0.2, Yaw: 0.7}, 3, -4, 1.5)

	inv, err := tr.Inverse()
	require.NoError(t, err)
	assert.True(t, transformsEqual(tr.Mul(inv), Identity()), "t * inv(t) should be identity")
	assert.True(t, transformsEqual(inv.Mul(tr), Identity()), "inv(t) * t should be identity")
}

func TestTransformInverseSingular(t *testing.T) {
	var zero Transform
	_, err := zero.Inverse()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrSingularPose))
}

func TestTransformRelative(t *testing.T) {
	a := FromRPYTranslation(Orientation{Yaw: 0.3}, 1, 2, 0)
	b := FromRPYTranslation(Orientation{Yaw: 0.5}, -1, 0, 0.25)

	rel, err := a.Relative(b)
	require.NoError(t, err)

	// A point in b's frame lands at the same shared position via either path.
	p := Point{X: 0.5, Y: -1, Z: 2}
	direct := b.Apply(p)
	viaA := a.Apply(rel.Apply(p))
	assert.True(t, pointsClose(direct, viaA), "got %+v, want %+v", viaA, direct)

	assert.InDelta(t, 0.2, rel.Orientation().Yaw, epsilon)
}

func TestOrientationRoundTrip(t *testing.T) {
	tests := []Orientation{
		{},
		{Roll: 0.1},
		{Pitch: -0.4},
		{Yaw: 2.5},
		{Roll: -0.3, Pitch: 0.2, Yaw: 1.1},
	}

	for _, o := range tests {
		got := FromRPYTranslation(o, 0, 0, 0).Orientation()
		assert.InDelta(t, o.Roll, got.Roll, epsilon, "roll of %+v", o)
		assert.InDelta(t, o.Pitch, got.Pitch, epsilon, "pitch of %+v", o)
		assert.InDelta(t, o.Yaw, got.Yaw, epsilon, "yaw of %+v", o)
	}
}

func TestTransformIsRigid(t *testing.T) {
	assert.True(t, Identity().IsRigid())
	assert.True(t, FromRPYTranslation(Orientation{Roll: 1, Pitch: 0.5, Yaw: -2}, 10, 20, 30).IsRigid())

	scaled := Identity()
	scaled[0], scaled[5], scaled[10] = 2, 2, 2
	assert.False(t, scaled.IsRigid())

	projective := Identity()
	projective[12] = 1
	assert.False(t, projective.IsRigid())
}

func TestTranslationPart(t *testing.T) {
	x, y, z := FromRPYTranslation(Orientation{Yaw: 1}, 4, 5, 6).TranslationPart()
	assert.Equal(t, 4.0, x)
	assert.Equal(t, 5.0, y)
	assert.Equal(t, 6.0, z)
}
