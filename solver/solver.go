// Package solver provides the optimization drivers that consume a bundle
// problem's residual blocks and refine its parameters in place. The problem
// only defines the objective structure; everything about termination and
// step policy lives here.
package solver

import (
	"context"
	"fmt"
	"runtime"

	"github.com/sfmkit/bundleadjust/bundle"
)

// LinearSolverType selects how the damped normal equations are solved each
// iteration.
type LinearSolverType int

const (
	// DenseSchur eliminates the point blocks first via their 3x3
	// block-diagonal structure, then solves the reduced camera system. The
	// default; profitable whenever points outnumber cameras.
	DenseSchur LinearSolverType = iota
	// DenseNormal solves the full damped system in one factorization.
	DenseNormal
)

// Options configures a driver. The zero value is not usable; start from
// DefaultOptions.
type Options struct {
	MaxIterations      int
	FunctionTolerance  float64
	ParameterTolerance float64
	GradientTolerance  float64
	// InitialLambda is the starting Levenberg-Marquardt damping factor,
	// scaled by the diagonal of the normal equations.
	InitialLambda float64
	LinearSolver  LinearSolverType
	// NumThreads bounds the parallel fan-out of residual and Jacobian
	// evaluation. Parameter storage is read-only during an evaluation round,
	// so blocks need no synchronization.
	NumThreads int
	// Progress promotes the per-iteration log line from debug to info.
	Progress bool
}

// DefaultOptions returns the options used when none are supplied.
func DefaultOptions() *Options {
	return &Options{
		MaxIterations:      50,
		FunctionTolerance:  1e-9,
		ParameterTolerance: 1e-10,
		GradientTolerance:  1e-12,
		InitialLambda:      1e-4,
		LinearSolver:       DenseSchur,
		NumThreads:         runtime.GOMAXPROCS(0),
	}
}

// TerminationReason reports why a solve stopped.
type TerminationReason int

const (
	// Converged means a tolerance was met.
	Converged TerminationReason = iota
	// MaxIterations means the iteration budget ran out first.
	MaxIterations
	// Failure means the solver could not make progress: a singular system
	// that damping never cured, or no decreasing step before the damping
	// limit.
	Failure
)

func (t TerminationReason) String() string {
	switch t {
	case Converged:
		return "converged"
	case MaxIterations:
		return "max iterations"
	case Failure:
		return "failure"
	default:
		return "unknown"
	}
}

// Summary reports the outcome of a solve. Costs are half the sum of squared
// reprojection residuals. Iterations counts outer driver iterations and is
// zero for drivers without that notion; Evaluations counts full passes over
// the residual blocks.
type Summary struct {
	InitialCost float64
	FinalCost   float64
	Iterations  int
	Evaluations int
	Termination TerminationReason
	Message     string
}

func (s *Summary) String() string {
	return fmt.Sprintf("bundle adjustment: initial cost %.6e, final cost %.6e, iterations %d, evaluations %d, termination %s (%s)",
		s.InitialCost, s.FinalCost, s.Iterations, s.Evaluations, s.Termination, s.Message)
}

// Solver refines a problem's parameters in place, writing only through the
// problem's parameter handles and only between evaluation rounds.
type Solver interface {
	Solve(ctx context.Context, prob *bundle.Problem) (*Summary, error)
}
