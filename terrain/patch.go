package terrain

import (
	"fmt"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// OutlierSigma is the number of standard deviations above the mean past
// which MeanStd discards a height.
const OutlierSigma = 3.0

// Patch is a localized set of surface samples with its own pose in a shared
// reference frame. It maintains planar and 3D k-d tree indices over its
// points; any mutation invalidates them and the next query rebuilds them.
//
// A Patch is safe for concurrent use, but a patch serving as the fixed side
// of an in-flight alignment must not be mutated until that alignment returns.
type Patch struct {
	mu      sync.RWMutex
	points  []Point
	pose    Transform
	index2d SpatialIndex
	index3d SpatialIndex
}

// NewPatch creates a patch with the given pose and initial points.
func NewPatch(pose Transform, points ...Point) *Patch {
	p := &Patch{pose: pose}
	if len(points) > 0 {
		p.points = make([]Point, len(points))
		copy(p.points, points)
	}
	return p
}

// Len returns the number of points.
func (p *Patch) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.points)
}

// Points returns a copy of the points in insertion order.
func (p *Patch) Points() []Point {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]Point, len(p.points))
	copy(out, p.points)
	return out
}

// Pose returns the patch pose.
func (p *Patch) Pose() Transform {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.pose
}

// SetPose replaces the pose. Points stay in local coordinates, so the
// indices remain valid.
func (p *Patch) SetPose(pose Transform) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pose = pose
}

// Add merges other into p. Other's points are mapped through
// inverse(p.pose) * other.pose and appended; p's pose and other are left
// untouched.
func (p *Patch) Add(other *Patch) error {
	if other == nil {
		return nil
	}
	// Snapshot other first so self-merges cannot deadlock.
	otherPose := other.Pose()
	otherPoints := other.Points()

	p.mu.Lock()
	defer p.mu.Unlock()

	rel, err := p.pose.Relative(otherPose)
	if err != nil {
		return fmt.Errorf("merging patch: %w", err)
	}
	p.points = append(p.points, rel.ApplyAll(otherPoints)...)
	p.invalidate()
	return nil
}

// AddPoint appends a point given in local coordinates.
func (p *Patch) AddPoint(pt Point) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = append(p.points, pt)
	p.invalidate()
}

// AddPoints appends points given in local coordinates.
func (p *Patch) AddPoints(pts []Point) {
	if len(pts) == 0 {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.points = append(p.points, pts...)
	p.invalidate()
}

// invalidate drops both indices. Callers hold the write lock.
func (p *Patch) invalidate() {
	p.index2d = nil
	p.index3d = nil
}

// BuildIndex builds the spatial indices now instead of on the first query.
func (p *Patch) BuildIndex() {
	p.indices()
}

// indices returns current indices, rebuilding them if a mutation dropped
// them. The returned indices are immutable.
func (p *Patch) indices() (SpatialIndex, SpatialIndex) {
	p.mu.RLock()
	i2, i3 := p.index2d, p.index3d
	p.mu.RUnlock()
	if i2 != nil && i3 != nil {
		return i2, i3
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.index2d == nil || p.index3d == nil {
		p.index2d = NewKDIndex2D(p.points)
		p.index3d = NewKDIndex3D(p.points)
	}
	return p.index2d, p.index3d
}

// KNN2D returns the k points whose (x, y) projection is nearest to q's,
// ordered by ascending planar distance.
func (p *Patch) KNN2D(q Point, k int) ([]Point, error) {
	i2, _ := p.indices()
	return i2.Query(q, k)
}

// KNN returns the k points nearest to q in 3D, ordered by ascending distance.
func (p *Patch) KNN(q Point, k int) ([]Point, error) {
	_, i3 := p.indices()
	return i3.Query(q, k)
}

// Centroid returns the arithmetic mean of all points.
func (p *Patch) Centroid() (Point, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return centroid(p.points)
}

func centroid(points []Point) (Point, error) {
	if len(points) == 0 {
		return Point{}, ErrEmptyPatch
	}
	var c Point
	for _, pt := range points {
		c.X += pt.X
		c.Y += pt.Y
		c.Z += pt.Z
	}
	n := float64(len(points))
	return Point{X: c.X / n, Y: c.Y / n, Z: c.Z / n}, nil
}

// MeanStd returns the mean and standard deviation of the point heights after
// discarding heights more than OutlierSigma deviations above the first-pass
// mean. Only high outliers are discarded.
func (p *Patch) MeanStd() (mean, stddev float64, err error) {
	p.mu.RLock()
	zs := heights(p.points)
	p.mu.RUnlock()

	if len(zs) == 0 {
		return 0, 0, ErrEmptyPatch
	}
	kept := trimHigh(zs)
	mean, stddev = meanStd(kept)
	return mean, stddev, nil
}

// TrimZOutliers returns a new patch with the same pose holding only the
// points MeanStd keeps in its second pass.
func (p *Patch) TrimZOutliers() (*Patch, error) {
	p.mu.RLock()
	pose := p.pose
	points := make([]Point, len(p.points))
	copy(points, p.points)
	p.mu.RUnlock()

	if len(points) == 0 {
		return nil, ErrEmptyPatch
	}
	mean, stddev := meanStd(heights(points))
	kept := make([]Point, 0, len(points))
	for _, pt := range points {
		if pt.Z-mean <= OutlierSigma*stddev {
			kept = append(kept, pt)
		}
	}
	return NewPatch(pose, kept...), nil
}

// FitLine fits a line through the points with DefaultLineFitConfig and
// returns the standard deviation of the inlier distances to it.
func (p *Patch) FitLine() (float64, error) {
	fit, err := p.FitLineWith(NewRANSACLineFitter(DefaultLineFitConfig()))
	if err != nil {
		return 0, err
	}
	return fit.ResidualStdDev, nil
}

// FitLineWith runs the given fitter at its configured threshold.
func (p *Patch) FitLineWith(f *RANSACLineFitter) (LineFit, error) {
	return f.Fit(p.Points(), f.Config.Threshold)
}

func heights(points []Point) []float64 {
	zs := make([]float64, len(points))
	for i, pt := range points {
		zs[i] = pt.Z
	}
	return zs
}

func trimHigh(zs []float64) []float64 {
	mean, stddev := meanStd(zs)
	kept := make([]float64, 0, len(zs))
	for _, z := range zs {
		if z-mean <= OutlierSigma*stddev {
			kept = append(kept, z)
		}
	}
	return kept
}

// meanStd is stat.MeanStdDev with a zero deviation for a single sample
// instead of NaN.
func meanStd(xs []float64) (float64, float64) {
	switch len(xs) {
	case 0:
		return 0, 0
	case 1:
		return xs[0], 0
	}
	return stat.MeanStdDev(xs, nil)
}
