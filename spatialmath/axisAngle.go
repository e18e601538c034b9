// Package spatialmath defines the rotation representations used to
// parameterize cameras: axis angles, rotation matrices, and the quaternions
// every conversion is routed through.
package spatialmath

import (
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/num/quat"
)

// An orientation can be expressed by specifying an axis, i.e. a line from the
// origin to a point on the unit sphere, represented by (rx, ry, rz), and a
// rotation around that axis, theta. These four numbers can be used as-is (R4),
// or they can be converted to R3, where theta is multiplied by each of the
// unit sphere components to give a vector whose length is theta and whose
// direction is the original axis. The R3 form is what a camera block stores.

// R4AA represents an R4 axis angle.
type R4AA struct {
	Theta float64
	RX    float64
	RY    float64
	RZ    float64
}

// NewR4AA creates an empty R4AA struct, representing no rotation.
func NewR4AA() *R4AA {
	return &R4AA{Theta: 0, RX: 0, RY: 0, RZ: 1}
}

// Normalize scales the x, y, and z components of a R4 axis angle to be on the unit sphere.
func (r4 *R4AA) Normalize() {
	norm := math.Sqrt(r4.RX*r4.RX + r4.RY*r4.RY + r4.RZ*r4.RZ)
	if norm == 0.0 { // prevent division by 0
		panic("cannot normalize R4AA, divide by zero")
	}
	r4.RX /= norm
	r4.RY /= norm
	r4.RZ /= norm
}

// ToR3 converts an R4 angle axis to R3.
func (r4 *R4AA) ToR3() r3.Vector {
	return r3.Vector{X: r4.RX * r4.Theta, Y: r4.RY * r4.Theta, Z: r4.RZ * r4.Theta}
}

// ToQuat converts an R4 axis angle to a unit quaternion.
func (r4 *R4AA) ToQuat() quat.Number {
	if r4.Theta == 0 {
		return quat.Number{Real: 1}
	}
	sinA := math.Sin(r4.Theta / 2)
	r4.Normalize()
	return quat.Number{
		Real: math.Cos(r4.Theta / 2),
		Imag: r4.RX * sinA,
		Jmag: r4.RY * sinA,
		Kmag: r4.RZ * sinA,
	}
}

// RotationMatrix returns the rotation matrix representation.
func (r4 *R4AA) RotationMatrix() *RotationMatrix {
	return QuatToRotationMatrix(r4.ToQuat())
}

// R3ToR4 converts an R3 angle axis to R4. The zero vector maps to the
// identity rotation.
func R3ToR4(aa r3.Vector) *R4AA {
	theta := aa.Norm()
	if theta == 0 {
		return NewR4AA()
	}
	return &R4AA{theta, aa.X / theta, aa.Y / theta, aa.Z / theta}
}

// QuatToR4AA converts a unit quaternion to an R4 axis angle in the same way
// the C++ Eigen library does. Building the angle from the imaginary norm
// keeps the conversion finite for quaternions whose real part carries
// rounding past 1, which matrices that are orthonormal only to within
// floating error produce.
// https://eigen.tuxfamily.org/dox/AngleAxis_8h_source.html
func QuatToR4AA(q quat.Number) *R4AA {
	denom := math.Sqrt(q.Imag*q.Imag + q.Jmag*q.Jmag + q.Kmag*q.Kmag)
	angle := 2 * math.Atan2(denom, math.Abs(q.Real))
	if q.Real < 0 {
		angle *= -1
	}
	if denom < 1e-10 {
		// angle is near zero and the axis arbitrary
		return &R4AA{angle, 0, 0, 1}
	}
	return &R4AA{angle, q.Imag / denom, q.Jmag / denom, q.Kmag / denom}
}

// AngleAxisRotatePoint rotates p by the rotation encoded in the R3 axis angle
// aa, using the Rodrigues formula. Near theta = 0 the first-order expansion
// R ~ I + hat(aa) is used instead; both branches agree to first order, so the
// function stays smooth across the switch.
func AngleAxisRotatePoint(aa, p r3.Vector) r3.Vector {
	theta2 := aa.Norm2()
	if theta2 <= 1e-24 {
		return p.Add(aa.Cross(p))
	}
	theta := math.Sqrt(theta2)
	axis := aa.Mul(1 / theta)
	cosTheta := math.Cos(theta)
	sinTheta := math.Sin(theta)
	return p.Mul(cosTheta).
		Add(axis.Cross(p).Mul(sinTheta)).
		Add(axis.Mul(axis.Dot(p) * (1 - cosTheta)))
}
