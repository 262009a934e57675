package terrain

import (
	"fmt"
	"math"
)

// planeNeighbors is the number of planar neighbors spanning the local
// interpolation plane.
const planeNeighbors = 3

// collinearEpsilon is the smallest plane normal z-component treated as a
// proper plane. Below it the neighbors are collinear in (x, y).
const collinearEpsilon = 1e-12

// AlignmentResidual measures how far one moving point sits from the target
// surface under a candidate planar translation. It holds a non-owning
// reference to the target patch, which must outlive it and must not be
// mutated while residuals are evaluated.
type AlignmentResidual struct {
	target      *Patch
	point       Point
	orientation Orientation
	mode        ResidualMode
}

// ResidualEvaluation is the full outcome of one residual evaluation.
type ResidualEvaluation struct {
	Transformed   Point   // source point after the candidate transform
	InterpolatedZ float64 // height of the 3-neighbor plane at Transformed's (x, y)
	NearestZ      float64 // height of the nearest 3D neighbor
	Value         float64 // scalar handed to the solver
}

// NewAlignmentResidual binds a source point to a target patch.
func NewAlignmentResidual(target *Patch, point Point, orientation Orientation, mode ResidualMode) *AlignmentResidual {
	if mode == "" {
		mode = ResidualNearestHeight
	}
	return &AlignmentResidual{
		target:      target,
		point:       point,
		orientation: orientation,
		mode:        mode,
	}
}

// Point returns the source point.
func (r *AlignmentResidual) Point() Point {
	return r.point
}

// Evaluate returns the residual value at (tx, ty).
func (r *AlignmentResidual) Evaluate(tx, ty float64) (float64, error) {
	ev, err := r.Evaluation(tx, ty)
	if err != nil {
		return 0, err
	}
	return ev.Value, nil
}

// Evaluation computes the residual together with its intermediate heights.
//
// In ResidualNearestHeight mode the value is the squared vertical offset to
// the nearest 3D neighbor and the plane height is diagnostic only. In
// ResidualInterpolatedHeight mode the value is |z| - |plane z|.
func (r *AlignmentResidual) Evaluation(tx, ty float64) (ResidualEvaluation, error) {
	T := FromRPYTranslation(r.orientation, tx, ty, 0)
	pt := T.Apply(r.point)

	nn, err := r.target.KNN2D(pt, planeNeighbors)
	if err != nil {
		return ResidualEvaluation{}, fmt.Errorf("planar neighbors: %w", err)
	}
	nn3, err := r.target.KNN(pt, 1)
	if err != nil {
		return ResidualEvaluation{}, fmt.Errorf("nearest neighbor: %w", err)
	}

	ev := ResidualEvaluation{
		Transformed:   pt,
		InterpolatedZ: planeHeight(nn[0], nn[1], nn[2], pt),
		NearestZ:      nn3[0].Z,
	}
	switch r.mode {
	case ResidualInterpolatedHeight:
		ev.Value = math.Abs(pt.Z) - math.Abs(ev.InterpolatedZ)
	default:
		dz := math.Abs(pt.Z - ev.NearestZ)
		ev.Value = dz * dz
	}
	return ev, nil
}

// planeHeight evaluates the plane through p1, p2, p3 at q's (x, y). When the
// three points are collinear in (x, y) it falls back to p1's height.
func planeHeight(p1, p2, p3, q Point) float64 {
	a := (p2.Y-p1.Y)*(p3.Z-p1.Z) - (p3.Y-p1.Y)*(p2.Z-p1.Z)
	b := (p2.Z-p1.Z)*(p3.X-p1.X) - (p3.Z-p1.Z)*(p2.X-p1.X)
	c := (p2.X-p1.X)*(p3.Y-p1.Y) - (p3.X-p1.X)*(p2.Y-p1.Y)
	if math.Abs(c) < collinearEpsilon {
		return p1.Z
	}
	d := -(a*p1.X + b*p1.Y + c*p1.Z)
	return -(a*q.X + b*q.Y + d) / c
}
