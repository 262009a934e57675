package terrain

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// RigidTolerance is the tolerance used when checking that a transform is a
// proper rigid motion.
const RigidTolerance = 0.01

// Transform is a 4x4 homogeneous matrix stored row-major.
// Composition is matrix multiplication: t.Mul(o) applies o first, then t.
type Transform [16]float64

// Orientation holds fixed roll, pitch and yaw angles in radians.
// The rotation they describe is Rz(yaw) * Ry(pitch) * Rx(roll).
type Orientation struct {
	Roll  float64 `json:"roll" yaml:"roll"`
	Pitch float64 `json:"pitch" yaml:"pitch"`
	Yaw   float64 `json:"yaw" yaml:"yaw"`
}

// Identity returns the identity transform.
func Identity() Transform {
	return Transform{
		1, 0, 0, 0,
		0, 1, 0, 0,
		0, 0, 1, 0,
		0, 0, 0, 1,
	}
}

// Translation returns a translation-only transform.
func Translation(tx, ty, tz float64) Transform {
	t := Identity()
	t[3], t[7], t[11] = tx, ty, tz
	return t
}

// FromRPYTranslation builds a rigid transform from roll/pitch/yaw and a
// translation.
func FromRPYTranslation(o Orientation, tx, ty, tz float64) Transform {
	a, b := math.Cos(o.Yaw), math.Sin(o.Yaw)
	c, d := math.Cos(o.Pitch), math.Sin(o.Pitch)
	e, f := math.Cos(o.Roll), math.Sin(o.Roll)
	de, df := d*e, d*f

	return Transform{
		a * c, a*df - b*e, b*f + a*de, tx,
		b * c, a*e + b*df, b*de - a*f, ty,
		-d, c * f, c * e, tz,
		0, 0, 0, 1,
	}
}

// At returns the element at row r, column c.
func (t Transform) At(r, c int) float64 {
	return t[r*4+c]
}

// Mul returns t * o.
func (t Transform) Mul(o Transform) Transform {
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			var sum float64
			for k := 0; k < 4; k++ {
				sum += t[r*4+k] * o[k*4+c]
			}
			out[r*4+c] = sum
		}
	}
	return out
}

// Inverse returns the matrix inverse of t.
func (t Transform) Inverse() (Transform, error) {
	src := t
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(4, 4, src[:])); err != nil {
		return Identity(), fmt.Errorf("%w: %v", ErrSingularPose, err)
	}
	var out Transform
	for r := 0; r < 4; r++ {
		for c := 0; c < 4; c++ {
			out[r*4+c] = inv.At(r, c)
		}
	}
	return out, nil
}

// Relative returns inverse(t) * other, the transform taking coordinates in
// other's frame into t's frame.
func (t Transform) Relative(other Transform) (Transform, error) {
	inv, err := t.Inverse()
	if err != nil {
		return Identity(), err
	}
	return inv.Mul(other), nil
}

// Apply transforms a point treated as homogeneous (x, y, z, 1).
func (t Transform) Apply(p Point) Point {
	return Point{
		X: t[0]*p.X + t[1]*p.Y + t[2]*p.Z + t[3],
		Y: t[4]*p.X + t[5]*p.Y + t[6]*p.Z + t[7],
		Z: t[8]*p.X + t[9]*p.Y + t[10]*p.Z + t[11],
	}
}

// ApplyAll transforms every point.
func (t Transform) ApplyAll(points []Point) []Point {
	out := make([]Point, len(points))
	for i, p := range points {
		out[i] = t.Apply(p)
	}
	return out
}

// TranslationPart returns the translation column.
func (t Transform) TranslationPart() (x, y, z float64) {
	return t[3], t[7], t[11]
}

// Orientation extracts roll/pitch/yaw from the rotation block.
func (t Transform) Orientation() Orientation {
	sp := -t[8]
	if sp > 1 {
		sp = 1
	} else if sp < -1 {
		sp = -1
	}
	return Orientation{
		Roll:  math.Atan2(t[9], t[10]),
		Pitch: math.Asin(sp),
		Yaw:   math.Atan2(t[4], t[0]),
	}
}

// IsRigid reports whether the rotation block has determinant close to one
// and the last row is [0 0 0 1].
func (t Transform) IsRigid() bool {
	det := t[0]*(t[5]*t[10]-t[6]*t[9]) - t[1]*(t[4]*t[10]-t[6]*t[8]) + t[2]*(t[4]*t[9]-t[5]*t[8])
	if math.Abs(det-1.0) > RigidTolerance {
		return false
	}
	return t[12] == 0 && t[13] == 0 && t[14] == 0 && math.Abs(t[15]-1.0) <= 0.001
}
