package solver

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"

	"github.com/sfmkit/bundleadjust/bundle"
)

const (
	maxLambda = 1e32
	minLambda = 1e-12
)

// LevenbergMarquardt is the default driver: damped Gauss-Newton over the
// problem's residual blocks, with the normal equations solved per Options.
type LevenbergMarquardt struct {
	opts   *Options
	logger golog.Logger
}

var _ Solver = (*LevenbergMarquardt)(nil)

// NewLevenbergMarquardt creates a driver. A nil opts selects DefaultOptions.
func NewLevenbergMarquardt(logger golog.Logger, opts *Options) *LevenbergMarquardt {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &LevenbergMarquardt{opts: opts, logger: logger}
}

// Solve refines the problem's parameters in place until a tolerance is met,
// the iteration budget runs out, or damping can no longer produce a
// decreasing step. Residual evaluation may see transient, numerically poor
// parameter values; such candidate steps are rejected, never fatal.
func (l *LevenbergMarquardt) Solve(ctx context.Context, prob *bundle.Problem) (*Summary, error) {
	if err := prob.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}

	e := newEvaluator(prob, l.opts.NumThreads)
	params := prob.Parameters()
	snapshot := make([]float64, len(params))
	grad := make([]float64, len(params))

	cost := e.residualsAndJacobians()
	if !isFinite(cost) {
		return nil, errors.New("initial parameters produce a non-finite cost")
	}

	summary := &Summary{
		InitialCost: cost,
		FinalCost:   cost,
		Termination: MaxIterations,
		Message:     "iteration budget exhausted",
	}
	converged := func(msg string) {
		summary.Termination = Converged
		summary.Message = msg
	}

	logw := l.logger.Debugw
	if l.opts.Progress {
		logw = l.logger.Infow
	}

	lambda := l.opts.InitialLambda
	done := false
	for iter := 1; iter <= l.opts.MaxIterations && !done; iter++ {
		select {
		case <-ctx.Done():
			summary.Termination = Failure
			summary.Message = "canceled"
			summary.FinalCost = cost
			summary.Evaluations = e.evaluations
			return summary, ctx.Err()
		default:
		}
		summary.Iterations = iter

		e.assemble()
		e.gradient(grad)
		if floats.Norm(grad, math.Inf(1)) <= l.opts.GradientTolerance {
			converged("gradient tolerance reached")
			break
		}

		accepted := false
		stepNorm := 0.0
		for lambda <= maxLambda {
			delta, err := l.linearStep(e, lambda)
			if err != nil {
				// singular even with damping; damp harder
				lambda *= 10
				continue
			}
			stepNorm = floats.Norm(delta, 2)

			copy(snapshot, params)
			floats.Add(params, delta)
			newCost := e.residuals()
			if isFinite(newCost) && newCost < cost {
				e.accept()
				change := cost - newCost
				cost = newCost
				lambda = math.Max(lambda/10, minLambda)
				accepted = true
				// tolerances are judged on accepted steps only, so a
				// Converged summary always carries a cost decrease
				if stepNorm <= l.opts.ParameterTolerance*(floats.Norm(params, 2)+l.opts.ParameterTolerance) {
					converged("parameter tolerance reached")
					done = true
				} else if change <= l.opts.FunctionTolerance*cost {
					converged("function tolerance reached")
					done = true
				}
				break
			}
			copy(params, snapshot)
			lambda *= 10
		}

		logw("iteration complete",
			"iteration", iter,
			"cost", cost,
			"lambda", lambda,
			"stepNorm", stepNorm,
			"accepted", accepted,
		)

		if !accepted && !done {
			summary.Termination = Failure
			summary.Message = "no decreasing step within the damping limit"
			break
		}
		if accepted && !done {
			// refresh Jacobians at the accepted parameters
			cost = e.residualsAndJacobians()
		}
	}

	summary.FinalCost = cost
	summary.Evaluations = e.evaluations
	return summary, nil
}

func (l *LevenbergMarquardt) linearStep(e *evaluator, lambda float64) ([]float64, error) {
	switch l.opts.LinearSolver {
	case DenseNormal:
		return solveDense(e, lambda)
	default:
		return solveSchur(e, lambda)
	}
}
