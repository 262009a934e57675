package terrain

import (
	"fmt"
	"math"
	"math/rand"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// lineSampleSize is the number of points that define a candidate line.
const lineSampleSize = 2

// RobustLineFit fits a 3D line while tolerating outliers.
type RobustLineFit interface {
	Fit(points []Point, threshold float64) (LineFit, error)
}

// LineFit is the refined line and the spread of its inliers.
type LineFit struct {
	Origin         Point   // a point on the line (inlier centroid)
	Direction      Point   // unit direction
	Inliers        []int   // indices of consensus inliers
	ResidualStdDev float64 // standard deviation of inlier distances to the refined line
	Iterations     int     // samples drawn
}

// Distance returns the distance from p to the line.
func (l LineFit) Distance(p Point) float64 {
	return distanceToLine(p, l.Origin, l.Direction)
}

// DefaultLineFitConfig returns the defaults used for cross-track straightness
// checks. Distances are in patch units.
func DefaultLineFitConfig() LineFitConfig {
	return LineFitConfig{
		Threshold:     1.5,
		MaxIterations: 1000,
		MinInliers:    lineSampleSize,
		Probability:   0.99,
		Seed:          1,
	}
}

// RANSACLineFitter implements RobustLineFit with random sample consensus.
// Each Fit call seeds its own generator from Config.Seed, so repeated fits of
// the same points give the same line.
type RANSACLineFitter struct {
	Config LineFitConfig
}

// NewRANSACLineFitter returns a fitter, filling unset fields from defaults.
func NewRANSACLineFitter(config LineFitConfig) *RANSACLineFitter {
	def := DefaultLineFitConfig()
	if config.Threshold <= 0 {
		config.Threshold = def.Threshold
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = def.MaxIterations
	}
	if config.MinInliers < lineSampleSize {
		config.MinInliers = lineSampleSize
	}
	if config.Probability <= 0 || config.Probability >= 1 {
		config.Probability = def.Probability
	}
	return &RANSACLineFitter{Config: config}
}

// Fit runs RANSAC over points with the given inlier threshold, refines the
// best model on its inliers and reports the inlier spread.
func (f *RANSACLineFitter) Fit(points []Point, threshold float64) (LineFit, error) {
	n := len(points)
	if n < lineSampleSize {
		return LineFit{}, insufficient(lineSampleSize, n)
	}
	rng := rand.New(rand.NewSource(f.Config.Seed))

	var (
		bestInliers []int
		iterations  int
	)
	budget := f.Config.MaxIterations
	for iterations < budget {
		iterations++

		i := rng.Intn(n)
		j := rng.Intn(n - 1)
		if j >= i {
			j++
		}
		dir := points[j].Sub(points[i])
		length := dir.Norm()
		if length < 1e-12 {
			continue
		}
		dir = Point{X: dir.X / length, Y: dir.Y / length, Z: dir.Z / length}

		inliers := make([]int, 0, len(bestInliers))
		for k, p := range points {
			if distanceToLine(p, points[i], dir) <= threshold {
				inliers = append(inliers, k)
			}
		}
		if len(inliers) <= len(bestInliers) {
			continue
		}
		bestInliers = inliers

		// Shrink the budget once the inlier ratio makes success likely.
		w := float64(len(inliers)) / float64(n)
		pNoOutliers := 1 - w*w
		if pNoOutliers <= 0 {
			break
		}
		needed := math.Log(1-f.Config.Probability) / math.Log(pNoOutliers)
		if needed < float64(budget) {
			budget = int(math.Ceil(needed))
		}
	}

	if len(bestInliers) < f.Config.MinInliers {
		return LineFit{Iterations: iterations}, fmt.Errorf("%w: best consensus %d, need %d",
			ErrModelFitFailed, len(bestInliers), f.Config.MinInliers)
	}

	origin, dir, err := principalAxis(points, bestInliers)
	if err != nil {
		return LineFit{Iterations: iterations}, err
	}

	dists := make([]float64, len(bestInliers))
	for k, idx := range bestInliers {
		dists[k] = distanceToLine(points[idx], origin, dir)
	}
	_, sd := meanStd(dists)

	return LineFit{
		Origin:         origin,
		Direction:      dir,
		Inliers:        bestInliers,
		ResidualStdDev: sd,
		Iterations:     iterations,
	}, nil
}

// principalAxis returns the centroid of the selected points and the
// eigenvector of their covariance with the largest eigenvalue.
func principalAxis(points []Point, idx []int) (Point, Point, error) {
	data := mat.NewDense(len(idx), 3, nil)
	sel := make([]Point, len(idx))
	for r, i := range idx {
		p := points[i]
		sel[r] = p
		data.SetRow(r, []float64{p.X, p.Y, p.Z})
	}
	origin, err := centroid(sel)
	if err != nil {
		return Point{}, Point{}, err
	}

	var cov mat.SymDense
	stat.CovarianceMatrix(&cov, data, nil)

	var eig mat.EigenSym
	if ok := eig.Factorize(&cov, true); !ok {
		return Point{}, Point{}, fmt.Errorf("%w: eigen decomposition failed", ErrModelFitFailed)
	}
	var vecs mat.Dense
	eig.VectorsTo(&vecs)

	// Eigenvalues come back ascending.
	dir := Point{X: vecs.At(0, 2), Y: vecs.At(1, 2), Z: vecs.At(2, 2)}
	length := dir.Norm()
	if length == 0 {
		return Point{}, Point{}, fmt.Errorf("%w: degenerate inlier set", ErrModelFitFailed)
	}
	return origin, Point{X: dir.X / length, Y: dir.Y / length, Z: dir.Z / length}, nil
}

// distanceToLine assumes dir has unit length.
func distanceToLine(p, origin, dir Point) float64 {
	v := p.Sub(origin)
	cx := v.Y*dir.Z - v.Z*dir.Y
	cy := v.Z*dir.X - v.X*dir.Z
	cz := v.X*dir.Y - v.Y*dir.X
	return math.Sqrt(cx*cx + cy*cy + cz*cz)
}
