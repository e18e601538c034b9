package solver

import (
	"math"

	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/diff/fd"
	"gonum.org/v1/gonum/mat"

	"github.com/sfmkit/bundleadjust/bundle"
)

const packedSize = bundle.CameraBlockSize + bundle.PointBlockSize

// Jacobianer is an optional extension of bundle.CostFunction for costs that
// carry an analytic Jacobian. dst is ResidualDim x 10, camera columns first.
// Costs without it are differentiated by central finite differences.
type Jacobianer interface {
	Jacobian(camera, point []float64, dst *mat.Dense)
}

// blockEval holds the per-block scratch state for one residual block. Each
// block writes only its own state, which is what makes the evaluation round
// an unsynchronized parallel map.
type blockEval struct {
	block bundle.ResidualBlock
	// packed is the camera block followed by the point block; finite
	// differencing perturbs this copy, never the problem's storage.
	packed  []float64
	res     []float64
	candRes []float64
	jac     *mat.Dense
}

func (ev *blockEval) pack() {
	copy(ev.packed[:bundle.CameraBlockSize], ev.block.Camera)
	copy(ev.packed[bundle.CameraBlockSize:], ev.block.Point)
}

func (ev *blockEval) residual(dst []float64) {
	ev.pack()
	ev.block.Cost.Evaluate(ev.packed[:bundle.CameraBlockSize], ev.packed[bundle.CameraBlockSize:], dst)
}

func (ev *blockEval) residualAndJacobian() {
	ev.residual(ev.res)
	if j, ok := ev.block.Cost.(Jacobianer); ok {
		j.Jacobian(ev.packed[:bundle.CameraBlockSize], ev.packed[bundle.CameraBlockSize:], ev.jac)
		return
	}
	fd.Jacobian(ev.jac, func(y, x []float64) {
		ev.block.Cost.Evaluate(x[:bundle.CameraBlockSize], x[bundle.CameraBlockSize:], y)
	}, ev.packed, &fd.JacobianSettings{Formula: fd.Central})
}

// evaluator owns the residual blocks of one problem plus the accumulated
// normal-equation pieces. The camera-camera and point-point Hessian blocks
// are block diagonal (each observation touches exactly one camera and one
// point); only the camera-point coupling is dense.
type evaluator struct {
	evals      []*blockEval
	numCameras int
	numPoints  int
	nc         int // camera parameter count, 7 * numCameras
	np         int // point parameter count, 3 * numPoints
	threads    int

	// evaluations counts full passes over the residual blocks
	evaluations int

	hcc []float64 // per-camera 7x7 blocks, row major
	hpp []float64 // per-point 3x3 blocks, row major
	hcp []float64 // dense nc x np coupling, row major
	gc  []float64
	gp  []float64
}

func newEvaluator(prob *bundle.Problem, threads int) *evaluator {
	if threads < 1 {
		threads = 1
	}
	blocks := prob.ResidualBlocks()
	evals := make([]*blockEval, 0, len(blocks))
	for _, b := range blocks {
		evals = append(evals, &blockEval{
			block:   b,
			packed:  make([]float64, packedSize),
			res:     make([]float64, bundle.ResidualDim),
			candRes: make([]float64, bundle.ResidualDim),
			jac:     mat.NewDense(bundle.ResidualDim, packedSize, nil),
		})
	}
	nc := bundle.CameraBlockSize * prob.NumCameras()
	np := bundle.PointBlockSize * prob.NumPoints()
	return &evaluator{
		evals:      evals,
		numCameras: prob.NumCameras(),
		numPoints:  prob.NumPoints(),
		nc:         nc,
		np:         np,
		threads:    threads,
		hcc:        make([]float64, 49*prob.NumCameras()),
		hpp:        make([]float64, 9*prob.NumPoints()),
		hcp:        make([]float64, nc*np),
		gc:         make([]float64, nc),
		gp:         make([]float64, np),
	}
}

// parallelMap fans fn out over the blocks in contiguous chunks bounded by the
// thread budget. Parameter storage is read-only for the duration.
func (e *evaluator) parallelMap(fn func(ev *blockEval)) {
	var group errgroup.Group
	chunk := (len(e.evals) + e.threads - 1) / e.threads
	for start := 0; start < len(e.evals); start += chunk {
		end := start + chunk
		if end > len(e.evals) {
			end = len(e.evals)
		}
		part := e.evals[start:end]
		group.Go(func() error {
			for _, ev := range part {
				fn(ev)
			}
			return nil
		})
	}
	group.Wait() //nolint:errcheck // workers never return an error
}

// cost sums half the squared residuals in res. A non-finite block residual
// makes the whole cost non-finite, which callers treat as a rejected state.
func (e *evaluator) cost(candidate bool) float64 {
	total := 0.0
	for _, ev := range e.evals {
		r := ev.res
		if candidate {
			r = ev.candRes
		}
		total += 0.5 * (r[0]*r[0] + r[1]*r[1])
	}
	return total
}

// residuals evaluates all blocks at the current parameter values into the
// candidate scratch and returns the cost.
func (e *evaluator) residuals() float64 {
	e.evaluations++
	e.parallelMap(func(ev *blockEval) { ev.residual(ev.candRes) })
	return e.cost(true)
}

// residualsAndJacobians evaluates residuals and Jacobians at the current
// parameter values and returns the cost.
func (e *evaluator) residualsAndJacobians() float64 {
	e.evaluations++
	e.parallelMap(func(ev *blockEval) { ev.residualAndJacobian() })
	return e.cost(false)
}

// accept promotes the candidate residuals to current.
func (e *evaluator) accept() {
	for _, ev := range e.evals {
		copy(ev.res, ev.candRes)
	}
}

// assemble accumulates J'J and J'r from the per-block residuals and
// Jacobians into the block-structured normal-equation storage.
func (e *evaluator) assemble() {
	zero(e.hcc)
	zero(e.hpp)
	zero(e.hcp)
	zero(e.gc)
	zero(e.gp)
	for _, ev := range e.evals {
		ci := ev.block.CameraIndex
		pi := ev.block.PointIndex
		jac := ev.jac
		for r := 0; r < bundle.ResidualDim; r++ {
			res := ev.res[r]
			for a := 0; a < bundle.CameraBlockSize; a++ {
				ja := jac.At(r, a)
				e.gc[7*ci+a] += ja * res
				for b := 0; b < bundle.CameraBlockSize; b++ {
					e.hcc[49*ci+7*a+b] += ja * jac.At(r, b)
				}
				for b := 0; b < bundle.PointBlockSize; b++ {
					e.hcp[(7*ci+a)*e.np+3*pi+b] += ja * jac.At(r, 7+b)
				}
			}
			for a := 0; a < bundle.PointBlockSize; a++ {
				jp := jac.At(r, 7+a)
				e.gp[3*pi+a] += jp * res
				for b := 0; b < bundle.PointBlockSize; b++ {
					e.hpp[9*pi+3*a+b] += jp * jac.At(r, 7+b)
				}
			}
		}
	}
}

// gradient writes the full J'r gradient, cameras first, into dst.
func (e *evaluator) gradient(dst []float64) {
	copy(dst[:e.nc], e.gc)
	copy(dst[e.nc:], e.gp)
}

func zero(s []float64) {
	for i := range s {
		s[i] = 0
	}
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
