// Package bundle formulates bundle adjustment problems: it owns the camera
// and point parameter storage, the observation list, and the reprojection
// residual that ties them together. Solving is left to the solver package.
package bundle

import (
	"github.com/golang/geo/r3"

	"github.com/sfmkit/bundleadjust/spatialmath"
)

// A camera is stored as a contiguous block of 7 scalars:
// [0:3] axis-angle rotation (R3 form), [3:6] translation, [6] focal length.
// The principal point is not part of the block; observations are pre-centered
// so the pinhole model sits at the image-plane origin.
const (
	// CameraBlockSize is the number of scalars in one camera parameter block.
	CameraBlockSize = 7
	// PointBlockSize is the number of scalars in one point parameter block.
	PointBlockSize = 3
)

// Project maps a 3D point through a camera block to its predicted image
// location: rotate, translate, divide by depth, scale by focal length.
// Pure function of its inputs. A point at or behind the optical center
// divides by a zero or negative depth; the resulting Inf/NaN is deliberate
// and left for the solver to reject.
func Project(camera, point []float64) (x, y float64) {
	p := spatialmath.AngleAxisRotatePoint(
		r3.Vector{X: camera[0], Y: camera[1], Z: camera[2]},
		r3.Vector{X: point[0], Y: point[1], Z: point[2]},
	)
	p = p.Add(r3.Vector{X: camera[3], Y: camera[4], Z: camera[5]})

	xp := p.X / p.Z
	yp := p.Y / p.Z

	focal := camera[6]
	return focal * xp, focal * yp
}

// PackCamera writes a pose estimate into dst as a camera parameter block.
func PackCamera(dst []float64, rot *spatialmath.RotationMatrix, t r3.Vector, focal float64) {
	aa := spatialmath.MatrixToAngleAxis(rot)
	dst[0], dst[1], dst[2] = aa.X, aa.Y, aa.Z
	dst[3], dst[4], dst[5] = t.X, t.Y, t.Z
	dst[6] = focal
}

// UnpackCamera is the inverse of PackCamera, used to read a refined pose back
// out of a camera block.
func UnpackCamera(camera []float64) (rot *spatialmath.RotationMatrix, t r3.Vector, focal float64) {
	aa := spatialmath.R3ToR4(r3.Vector{X: camera[0], Y: camera[1], Z: camera[2]})
	return aa.RotationMatrix(), r3.Vector{X: camera[3], Y: camera[4], Z: camera[5]}, camera[6]
}

// CenterObservation subtracts the principal point from a raw pixel
// coordinate. Dataset loading glue applies this before AddObservation so the
// residual model can assume a centered pinhole.
func CenterObservation(x, y, ppx, ppy float64) (float64, float64) {
	return x - ppx, y - ppy
}
