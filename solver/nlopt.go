package solver

import (
	"context"
	"math"

	"github.com/edaniels/golog"
	"github.com/go-nlopt/nlopt"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"github.com/sfmkit/bundleadjust/bundle"
)

// SLSQP line searches cost several evaluations per outer step, so the
// evaluation budget is the iteration budget scaled up.
const nloptEvalsPerIter = 80

// NLopt is an alternative driver minimizing the summed squared cost with
// nlopt's gradient-based SLSQP. It ignores the problem's block sparsity, so
// the Levenberg-Marquardt driver should be preferred; this one exists for
// callers that want nlopt's stopping criteria or plan to add bound
// constraints.
type NLopt struct {
	opts   *Options
	logger golog.Logger
}

var _ Solver = (*NLopt)(nil)

type optimizeReturn struct {
	solution []float64
	score    float64
	err      error
}

// NewNLopt creates the driver. A nil opts selects DefaultOptions.
func NewNLopt(logger golog.Logger, opts *Options) *NLopt {
	if opts == nil {
		opts = DefaultOptions()
	}
	return &NLopt{opts: opts, logger: logger}
}

// Solve runs SLSQP over the full parameter vector and writes the refined
// values back through the problem's storage.
func (s *NLopt) Solve(ctx context.Context, prob *bundle.Problem) (*Summary, error) {
	if err := prob.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid problem")
	}

	e := newEvaluator(prob, s.opts.NumThreads)
	params := prob.Parameters()

	initialCost := e.residuals()
	if !isFinite(initialCost) {
		return nil, errors.New("initial parameters produce a non-finite cost")
	}

	opt, err := nlopt.NewNLopt(nlopt.LD_SLSQP, uint(len(params)))
	if err != nil {
		return nil, errors.Wrap(err, "nlopt creation error")
	}
	defer opt.Destroy()

	grad := make([]float64, len(params))
	// The gradient slice is meant to be mutated in place. Parameter storage
	// is written here, between block evaluations, never during one.
	objective := func(x, gradient []float64) float64 {
		copy(params, x)
		var cost float64
		if len(gradient) > 0 {
			cost = e.residualsAndJacobians()
			e.assemble()
			e.gradient(grad)
			copy(gradient, grad)
		} else {
			cost = e.residuals()
		}
		if !isFinite(cost) {
			// steer the line search away from degenerate geometry
			for i := range gradient {
				gradient[i] = 0
			}
			return math.MaxFloat64
		}
		return cost
	}

	err = multierr.Combine(
		opt.SetMinObjective(objective),
		opt.SetMaxEval(s.opts.MaxIterations*nloptEvalsPerIter),
		opt.SetFtolRel(s.opts.FunctionTolerance),
		opt.SetXtolRel(s.opts.ParameterTolerance),
	)
	if err != nil {
		return nil, errors.Wrap(err, "nlopt configuration error")
	}

	seed := append([]float64(nil), params...)
	solveChan := make(chan *optimizeReturn, 1)
	goutils.PanicCapturingGo(func() {
		solution, score, optErr := opt.Optimize(seed)
		solveChan <- &optimizeReturn{solution, score, optErr}
	})

	var result *optimizeReturn
	select {
	case <-ctx.Done():
		stopErr := opt.ForceStop()
		if stopErr != nil {
			s.logger.Errorw("nlopt force stop error", "error", stopErr)
		}
		result = <-solveChan
		summary := &Summary{
			InitialCost: initialCost,
			FinalCost:   e.residuals(),
			Evaluations: e.evaluations,
			Termination: Failure,
			Message:     "canceled",
		}
		return summary, ctx.Err()
	case result = <-solveChan:
	}

	// nlopt does not expose an outer iteration count, so only evaluations
	// are reported
	summary := &Summary{InitialCost: initialCost}
	if result.err != nil {
		summary.FinalCost = e.residuals()
		summary.Evaluations = e.evaluations
		summary.Termination = Failure
		summary.Message = result.err.Error()
		return summary, errors.Wrap(result.err, "nlopt could not refine the problem")
	}
	copy(params, result.solution)
	summary.FinalCost = e.residuals()
	summary.Evaluations = e.evaluations
	summary.Termination = Converged
	summary.Message = "nlopt stopping criterion met"
	s.logger.Debugw("nlopt solve complete", "evaluations", e.evaluations, "score", result.score)
	return summary, nil
}
