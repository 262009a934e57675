package terrain

import (
	"fmt"
	"log"
	"runtime"
	"sync"

	"golang.org/x/sync/errgroup"
)

// AdjusterState is the lifecycle stage of an Adjuster.
type AdjusterState int

const (
	StateIdle AdjusterState = iota
	StateBuilding
	StateSolving
	StateSolved
)

func (s AdjusterState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateBuilding:
		return "building"
	case StateSolving:
		return "solving"
	case StateSolved:
		return "solved"
	default:
		return fmt.Sprintf("AdjusterState(%d)", int(s))
	}
}

// DefaultAdjusterConfig returns the adjuster defaults.
func DefaultAdjusterConfig() AdjusterConfig {
	return AdjusterConfig{
		BoundHalfWidth: 2.0,
		Residual:       ResidualNearestHeight,
		Workers:        runtime.NumCPU(),
		Solver:         DefaultSolverConfig(),
	}
}

// AdjustResult is the planar correction estimated for a moving patch.
type AdjustResult struct {
	Transform   Transform     `json:"transform"`
	Tx          float64       `json:"tx"`
	Ty          float64       `json:"ty"`
	Orientation Orientation   `json:"orientation"`
	Converged   bool          `json:"converged"`
	Summary     SolverSummary `json:"summary"`
}

// Err returns ErrSolverNonConvergence when the solver ran out of iterations.
// The estimate itself is still usable.
func (r AdjustResult) Err() error {
	if r.Converged {
		return nil
	}
	return fmt.Errorf("%w: %s after %d iterations", ErrSolverNonConvergence,
		r.Summary.Termination, r.Summary.Iterations)
}

// Adjuster estimates the planar translation that best aligns a moving patch
// onto a fixed patch. One mutex guards the retained problem, so concurrent
// Adjust and Reset calls serialize.
type Adjuster struct {
	mu      sync.Mutex
	config  AdjusterConfig
	solver  LeastSquaresSolver
	state   AdjusterState
	problem *alignmentProblem
}

// NewAdjuster creates an Adjuster using the bounded Levenberg-Marquardt solver.
func NewAdjuster(config AdjusterConfig) *Adjuster {
	return NewAdjusterWithSolver(config, NewLevenbergMarquardt())
}

// NewAdjusterWithSolver creates an Adjuster with a custom solver.
func NewAdjusterWithSolver(config AdjusterConfig, solver LeastSquaresSolver) *Adjuster {
	if config.Workers < 1 {
		config.Workers = 1
	}
	if config.Residual == "" {
		config.Residual = ResidualNearestHeight
	}
	return &Adjuster{config: config, solver: solver}
}

// State returns the current lifecycle stage.
func (a *Adjuster) State() AdjusterState {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// ResidualCount returns the number of residuals in the retained problem.
func (a *Adjuster) ResidualCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.problem == nil {
		return 0
	}
	return len(a.problem.residuals)
}

// Reset discards the retained problem and returns to StateIdle.
func (a *Adjuster) Reset() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.problem = nil
	a.state = StateIdle
}

// Adjust estimates (tx, ty) moving the moving patch onto the fixed patch.
// With bounded set, both components stay within BoundHalfWidth. The
// highPrecision flag selects the Precise solver tier over Fast.
//
// A solve that exhausts its iterations still returns its best estimate with
// a nil error; see AdjustResult.Err. On error the adjuster returns to
// StateIdle.
func (a *Adjuster) Adjust(fixed, moving *Patch, bounded, highPrecision bool) (AdjustResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.problem = nil
	a.state = StateIdle

	if fixed == nil || moving == nil || fixed.Len() == 0 || moving.Len() == 0 {
		return AdjustResult{}, ErrEmptyPatch
	}
	if n := fixed.Len(); n < planeNeighbors {
		return AdjustResult{}, fmt.Errorf("fixed patch: %w", insufficient(planeNeighbors, n))
	}

	a.state = StateBuilding
	relative, err := fixed.Pose().Relative(moving.Pose())
	if err != nil {
		a.state = StateIdle
		return AdjustResult{}, fmt.Errorf("relative pose: %w", err)
	}
	orientation := relative.Orientation()
	if a.config.Orientation != nil {
		orientation = *a.config.Orientation
	}

	fixed.BuildIndex()
	problem := newAlignmentProblem(fixed, moving.Points(), orientation, a.config.Residual, a.config.Workers)
	a.problem = problem

	settings := a.config.Solver.Fast
	if highPrecision {
		settings = a.config.Solver.Precise
	}
	var bounds *Bounds
	if bounded {
		bounds = SymmetricBounds(2, a.config.BoundHalfWidth)
	}

	if a.config.Verbose {
		log.Printf("[ADJUST] solving %d residuals (bounded=%v, precise=%v, rpy=%.4f/%.4f/%.4f)",
			len(problem.residuals), bounded, highPrecision,
			orientation.Roll, orientation.Pitch, orientation.Yaw)
	}

	a.state = StateSolving
	summary, err := a.solver.Minimize(problem, []float64{0, 0}, bounds, settings)
	if err != nil {
		a.problem = nil
		a.state = StateIdle
		return AdjustResult{}, fmt.Errorf("solve: %w", err)
	}
	a.state = StateSolved

	tx, ty := summary.X[0], summary.X[1]
	if a.config.Verbose {
		log.Printf("[ADJUST] %s after %d iterations: t=(%.6f, %.6f) cost %.6g -> %.6g",
			summary.Termination, summary.Iterations, tx, ty, summary.InitialCost, summary.FinalCost)
	}

	return AdjustResult{
		Transform:   FromRPYTranslation(orientation, tx, ty, 0),
		Tx:          tx,
		Ty:          ty,
		Orientation: orientation,
		Converged:   summary.Converged,
		Summary:     summary,
	}, nil
}

// alignmentProblem holds one residual per moving point, all sharing (tx, ty).
type alignmentProblem struct {
	residuals []*AlignmentResidual
	workers   int
}

func newAlignmentProblem(target *Patch, points []Point, orientation Orientation, mode ResidualMode, workers int) *alignmentProblem {
	residuals := make([]*AlignmentResidual, len(points))
	for i, pt := range points {
		residuals[i] = NewAlignmentResidual(target, pt, orientation, mode)
	}
	return &alignmentProblem{residuals: residuals, workers: workers}
}

func (p *alignmentProblem) NumResiduals() int  { return len(p.residuals) }
func (p *alignmentProblem) NumParameters() int { return 2 }

// Evaluate fills dst in contiguous chunks, one goroutine per chunk. Each
// slot is written by exactly one goroutine.
func (p *alignmentProblem) Evaluate(dst, x []float64) error {
	tx, ty := x[0], x[1]
	n := len(p.residuals)
	chunk := (n + p.workers - 1) / p.workers

	var g errgroup.Group
	g.SetLimit(p.workers)
	for start := 0; start < n; start += chunk {
		end := min(start+chunk, n)
		g.Go(func() error {
			for i := start; i < end; i++ {
				v, err := p.residuals[i].Evaluate(tx, ty)
				if err != nil {
					return fmt.Errorf("residual %d: %w", i, err)
				}
				dst[i] = v
			}
			return nil
		})
	}
	return g.Wait()
}
