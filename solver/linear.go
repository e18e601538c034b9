package solver

import (
	"math"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"github.com/sfmkit/bundleadjust/bundle"
)

// dampTerm keeps Marquardt scaling well defined on a zero diagonal entry.
func dampTerm(diag float64) float64 {
	return math.Max(diag, 1e-12)
}

// solveSchur computes the damped Gauss-Newton step by eliminating the point
// blocks first: the point-point Hessian is block diagonal with 3x3 blocks, so
// its inverse is cheap, and the reduced camera system is all that needs a
// real factorization. This is the camera/point bipartite sparsity that makes
// bundle adjustment tractable.
func solveSchur(e *evaluator, lambda float64) ([]float64, error) {
	nc, np := e.nc, e.np

	// invert the damped 3x3 point blocks
	dinv := make([]float64, 9*e.numPoints)
	var blk [9]float64
	for j := 0; j < e.numPoints; j++ {
		copy(blk[:], e.hpp[9*j:9*j+9])
		for d := 0; d < bundle.PointBlockSize; d++ {
			blk[4*d] += lambda * dampTerm(blk[4*d])
		}
		var inv mat.Dense
		if err := inv.Inverse(mat.NewDense(3, 3, blk[:])); err != nil {
			return nil, errors.Wrapf(err, "point block %d singular", j)
		}
		for r := 0; r < 3; r++ {
			for c := 0; c < 3; c++ {
				dinv[9*j+3*r+c] = inv.At(r, c)
			}
		}
	}

	// Y = Hcp * inv(Hpp), built per point block
	w := mat.NewDense(nc, np, e.hcp)
	y := mat.NewDense(nc, np, nil)
	for j := 0; j < e.numPoints; j++ {
		yj := y.Slice(0, nc, 3*j, 3*j+3).(*mat.Dense)
		yj.Mul(w.Slice(0, nc, 3*j, 3*j+3), mat.NewDense(3, 3, dinv[9*j:9*j+9]))
	}

	// reduced camera system: S = damped(Hcc) - Y * Hcp'
	outer := mat.NewDense(nc, nc, nil)
	outer.Mul(y, w.T())
	reduced := mat.NewSymDense(nc, nil)
	for r := 0; r < nc; r++ {
		cam := r / bundle.CameraBlockSize
		for c := r; c < nc; c++ {
			v := -outer.At(r, c)
			if c/bundle.CameraBlockSize == cam {
				v += e.hcc[49*cam+7*(r%7)+(c%7)]
			}
			if r == c {
				v += lambda * dampTerm(e.hcc[49*cam+8*(r%7)])
			}
			reduced.SetSym(r, c, v)
		}
	}

	// rhs = -gc + Y * gp
	ygp := mat.NewVecDense(nc, nil)
	ygp.MulVec(y, mat.NewVecDense(np, e.gp))
	rhs := mat.NewVecDense(nc, nil)
	for r := 0; r < nc; r++ {
		rhs.SetVec(r, -e.gc[r]+ygp.AtVec(r))
	}

	deltaCam := mat.NewVecDense(nc, nil)
	if err := solveSym(deltaCam, reduced, rhs); err != nil {
		return nil, err
	}

	// back-substitute the point updates:
	// delta_p = inv(Hpp) * (-gp - Hcp' * delta_c), per point block
	delta := make([]float64, nc+np)
	for r := 0; r < nc; r++ {
		delta[r] = deltaCam.AtVec(r)
	}
	rhs3 := mat.NewVecDense(3, nil)
	dp := mat.NewVecDense(3, nil)
	for j := 0; j < e.numPoints; j++ {
		rhs3.MulVec(w.Slice(0, nc, 3*j, 3*j+3).T(), deltaCam)
		for d := 0; d < 3; d++ {
			rhs3.SetVec(d, -e.gp[3*j+d]-rhs3.AtVec(d))
		}
		dp.MulVec(mat.NewDense(3, 3, dinv[9*j:9*j+9]), rhs3)
		for d := 0; d < 3; d++ {
			delta[nc+3*j+d] = dp.AtVec(d)
		}
	}
	return delta, nil
}

// solveDense solves the full damped system in one factorization, points and
// cameras together. Slower than Schur elimination but a useful cross-check.
func solveDense(e *evaluator, lambda float64) ([]float64, error) {
	nc, np := e.nc, e.np
	n := nc + np

	full := mat.NewSymDense(n, nil)
	for i := 0; i < e.numCameras; i++ {
		for a := 0; a < bundle.CameraBlockSize; a++ {
			for b := a; b < bundle.CameraBlockSize; b++ {
				full.SetSym(7*i+a, 7*i+b, e.hcc[49*i+7*a+b])
			}
		}
	}
	for j := 0; j < e.numPoints; j++ {
		for a := 0; a < bundle.PointBlockSize; a++ {
			for b := a; b < bundle.PointBlockSize; b++ {
				full.SetSym(nc+3*j+a, nc+3*j+b, e.hpp[9*j+3*a+b])
			}
		}
	}
	for r := 0; r < nc; r++ {
		for c := 0; c < np; c++ {
			if v := e.hcp[r*np+c]; v != 0 {
				full.SetSym(r, nc+c, v)
			}
		}
	}
	for d := 0; d < n; d++ {
		full.SetSym(d, d, full.At(d, d)+lambda*dampTerm(full.At(d, d)))
	}

	rhs := mat.NewVecDense(n, nil)
	for r := 0; r < nc; r++ {
		rhs.SetVec(r, -e.gc[r])
	}
	for r := 0; r < np; r++ {
		rhs.SetVec(nc+r, -e.gp[r])
	}

	deltaVec := mat.NewVecDense(n, nil)
	if err := solveSym(deltaVec, full, rhs); err != nil {
		return nil, err
	}
	delta := make([]float64, n)
	for r := 0; r < n; r++ {
		delta[r] = deltaVec.AtVec(r)
	}
	return delta, nil
}

// solveSym solves a*x = b for a symmetric a, preferring Cholesky and falling
// back to LU when damping has not yet made the system positive definite.
func solveSym(dst *mat.VecDense, a *mat.SymDense, b *mat.VecDense) error {
	var chol mat.Cholesky
	if chol.Factorize(a) {
		if err := chol.SolveVecTo(dst, b); err == nil {
			return nil
		}
	}
	var lu mat.LU
	lu.Factorize(a)
	if err := lu.SolveVecTo(dst, false, b); err != nil {
		return errors.Wrap(err, "normal equations singular")
	}
	return nil
}
