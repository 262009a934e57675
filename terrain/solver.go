package terrain

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
)

// ResidualSet is a vector-valued function whose squared norm a solver
// minimizes.
type ResidualSet interface {
	NumResiduals() int
	NumParameters() int
	// Evaluate writes the residuals at x into dst.
	Evaluate(dst, x []float64) error
}

// Bounds is a box constraint on the parameters. Nil slices leave a side open.
type Bounds struct {
	Lower []float64
	Upper []float64
}

// SymmetricBounds returns the box [-halfWidth, halfWidth] in n dimensions.
func SymmetricBounds(n int, halfWidth float64) *Bounds {
	b := &Bounds{Lower: make([]float64, n), Upper: make([]float64, n)}
	for i := 0; i < n; i++ {
		b.Lower[i] = -halfWidth
		b.Upper[i] = halfWidth
	}
	return b
}

// Contains reports whether x lies inside the box.
func (b *Bounds) Contains(x []float64) bool {
	if b == nil {
		return true
	}
	for i, v := range x {
		if b.Lower != nil && v < b.Lower[i] {
			return false
		}
		if b.Upper != nil && v > b.Upper[i] {
			return false
		}
	}
	return true
}

func (b *Bounds) project(x []float64) {
	if b == nil {
		return
	}
	for i := range x {
		if b.Lower != nil && x[i] < b.Lower[i] {
			x[i] = b.Lower[i]
		}
		if b.Upper != nil && x[i] > b.Upper[i] {
			x[i] = b.Upper[i]
		}
	}
}

// Termination explains why a solver run stopped.
type Termination string

const (
	TerminationZeroCost           Termination = "zero cost"
	TerminationFunctionTolerance  Termination = "function tolerance"
	TerminationGradientTolerance  Termination = "gradient tolerance"
	TerminationParameterTolerance Termination = "parameter tolerance"
	TerminationMaxIterations      Termination = "max iterations"
	TerminationDampingOverflow    Termination = "damping overflow"
)

// SolverSummary reports the outcome of a solver run. X is always the best
// point found, converged or not.
type SolverSummary struct {
	X           []float64   `json:"x"`
	InitialCost float64     `json:"initialCost"`
	FinalCost   float64     `json:"finalCost"`
	Iterations  int         `json:"iterations"`
	Converged   bool        `json:"converged"`
	Termination Termination `json:"termination"`
}

// LeastSquaresSolver minimizes half the squared norm of a residual set.
type LeastSquaresSolver interface {
	Minimize(problem ResidualSet, x0 []float64, bounds *Bounds, settings SolverSettings) (SolverSummary, error)
}

// DefaultSolverConfig returns the fast and precise tiers.
func DefaultSolverConfig() SolverConfig {
	return SolverConfig{
		Fast: SolverSettings{
			MaxIterations:      10,
			FunctionTolerance:  1e-4,
			GradientTolerance:  1e-6,
			ParameterTolerance: 1e-6,
			JacobianStep:       1e-6,
		},
		Precise: SolverSettings{
			MaxIterations:      100,
			FunctionTolerance:  1e-10,
			GradientTolerance:  1e-12,
			ParameterTolerance: 1e-10,
			JacobianStep:       1e-6,
		},
	}
}

// ResidualFunc adapts a plain function to a ResidualSet.
type ResidualFunc struct {
	Residuals  int
	Parameters int
	Func       func(dst, x []float64) error
}

func (f ResidualFunc) NumResiduals() int  { return f.Residuals }
func (f ResidualFunc) NumParameters() int { return f.Parameters }
func (f ResidualFunc) Evaluate(dst, x []float64) error {
	return f.Func(dst, x)
}

// LevenbergMarquardt is a bounded Levenberg-Marquardt solver with a
// central-difference Jacobian. Trial points are projected onto the bounds.
type LevenbergMarquardt struct {
	InitialDamping float64
	MinDamping     float64
	MaxDamping     float64
}

// NewLevenbergMarquardt returns a solver with the usual damping schedule.
func NewLevenbergMarquardt() *LevenbergMarquardt {
	return &LevenbergMarquardt{
		InitialDamping: 1e-3,
		MinDamping:     1e-12,
		MaxDamping:     1e32,
	}
}

// minCurvature keeps the Marquardt scaling positive for parameters the
// residuals do not currently depend on.
const minCurvature = 1e-12

// lmRun is the mutable state of one Minimize call.
type lmRun struct {
	problem  ResidualSet
	bounds   *Bounds
	settings SolverSettings
	summary  SolverSummary

	x, r   []float64
	xn, rn []float64
	cost   float64
	lambda float64
}

// Minimize runs the solver from x0.
func (lm *LevenbergMarquardt) Minimize(problem ResidualSet, x0 []float64, bounds *Bounds, settings SolverSettings) (SolverSummary, error) {
	n := problem.NumParameters()
	m := problem.NumResiduals()
	if len(x0) != n {
		return SolverSummary{}, fmt.Errorf("initial point has %d parameters, problem has %d", len(x0), n)
	}

	run := &lmRun{
		problem:  problem,
		bounds:   bounds,
		settings: settings,
		x:        make([]float64, n),
		r:        make([]float64, m),
		xn:       make([]float64, n),
		rn:       make([]float64, m),
		lambda:   lm.InitialDamping,
	}
	copy(run.x, x0)
	bounds.project(run.x)
	run.summary.X = run.x

	if m == 0 {
		run.summary.Converged = true
		run.summary.Termination = TerminationZeroCost
		return run.summary, nil
	}
	if err := problem.Evaluate(run.r, run.x); err != nil {
		return run.summary, err
	}
	run.cost = halfSquaredNorm(run.r)
	run.summary.InitialCost = run.cost
	run.summary.FinalCost = run.cost

	var evalErr error
	f := func(y, xs []float64) {
		if err := problem.Evaluate(y, xs); err != nil && evalErr == nil {
			evalErr = err
		}
	}
	jacobian := &fd.JacobianSettings{Formula: fd.Central, Step: settings.JacobianStep}
	if jacobian.Step <= 0 {
		jacobian.Step = 1e-6
	}

	J := mat.NewDense(m, n, nil)
	g := mat.NewVecDense(n, nil)
	for {
		if run.cost == 0 {
			run.summary.Converged = true
			run.summary.Termination = TerminationZeroCost
			break
		}

		fd.Jacobian(J, f, run.x, jacobian)
		if evalErr != nil {
			return run.summary, evalErr
		}
		g.MulVec(J.T(), mat.NewVecDense(m, run.r))
		if mat.Norm(g, math.Inf(1)) <= settings.GradientTolerance {
			run.summary.Converged = true
			run.summary.Termination = TerminationGradientTolerance
			break
		}

		if run.summary.Iterations >= settings.MaxIterations {
			run.summary.Termination = TerminationMaxIterations
			break
		}
		run.summary.Iterations++

		var jtj mat.SymDense
		jtj.SymOuterK(1, J.T())
		done, err := lm.step(run, &jtj, g)
		if err != nil {
			return run.summary, err
		}
		if done {
			break
		}
	}

	run.summary.FinalCost = run.cost
	return run.summary, nil
}

// step raises the damping until a trial point lowers the cost, then moves
// there. It reports whether the run should stop.
func (lm *LevenbergMarquardt) step(run *lmRun, jtj *mat.SymDense, g *mat.VecDense) (bool, error) {
	n := len(run.x)
	a := mat.NewSymDense(n, nil)
	var delta mat.VecDense
	for {
		a.CopySym(jtj)
		for i := 0; i < n; i++ {
			d := math.Max(jtj.At(i, i), minCurvature)
			a.SetSym(i, i, jtj.At(i, i)+run.lambda*d)
		}

		var chol mat.Cholesky
		if ok := chol.Factorize(a); !ok {
			if !lm.raise(run) {
				return true, nil
			}
			continue
		}
		if err := chol.SolveVecTo(&delta, g); err != nil {
			var cond mat.Condition
			if !errors.As(err, &cond) {
				return true, err
			}
		}

		for i := 0; i < n; i++ {
			run.xn[i] = run.x[i] - delta.AtVec(i)
		}
		run.bounds.project(run.xn)

		tol := run.settings.ParameterTolerance
		if floats.Distance(run.xn, run.x, 2) <= tol*(floats.Norm(run.x, 2)+tol) {
			run.summary.Converged = true
			run.summary.Termination = TerminationParameterTolerance
			return true, nil
		}

		if err := run.problem.Evaluate(run.rn, run.xn); err != nil {
			return true, err
		}
		cost := halfSquaredNorm(run.rn)
		if cost < run.cost {
			decrease := (run.cost - cost) / run.cost
			copy(run.x, run.xn)
			copy(run.r, run.rn)
			run.cost = cost
			run.lambda = math.Max(run.lambda/10, lm.MinDamping)
			if decrease <= run.settings.FunctionTolerance {
				run.summary.Converged = true
				run.summary.Termination = TerminationFunctionTolerance
				return true, nil
			}
			return false, nil
		}

		if !lm.raise(run) {
			return true, nil
		}
	}
}

// raise increases the damping and records an overflow when it passes the
// ceiling.
func (lm *LevenbergMarquardt) raise(run *lmRun) bool {
	run.lambda *= 10
	if run.lambda > lm.MaxDamping {
		run.summary.Termination = TerminationDampingOverflow
		return false
	}
	return true
}

func halfSquaredNorm(r []float64) float64 {
	return 0.5 * floats.Dot(r, r)
}
