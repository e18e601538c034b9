package spatialmath

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"
)

func TestR4AAQuatRoundTrip(t *testing.T) {
	aa := &R4AA{math.Pi / 3, 0, 1, 0}
	back := QuatToR4AA(aa.ToQuat())
	test.That(t, back.Theta, test.ShouldAlmostEqual, aa.Theta)
	test.That(t, back.RX, test.ShouldAlmostEqual, aa.RX)
	test.That(t, back.RY, test.ShouldAlmostEqual, aa.RY)
	test.That(t, back.RZ, test.ShouldAlmostEqual, aa.RZ)
}

func TestR3R4Conversions(t *testing.T) {
	r4 := R3ToR4(r3.Vector{X: 0, Y: 0, Z: math.Pi / 2})
	test.That(t, r4.Theta, test.ShouldAlmostEqual, math.Pi/2)
	test.That(t, r4.RZ, test.ShouldAlmostEqual, 1)
	round := r4.ToR3()
	test.That(t, round.Z, test.ShouldAlmostEqual, math.Pi/2)

	zero := R3ToR4(r3.Vector{})
	test.That(t, zero.Theta, test.ShouldEqual, 0.)
}

func TestAngleAxisRotatePoint(t *testing.T) {
	p := r3.Vector{X: 1, Y: 2, Z: 3}

	// zero vector is the identity rotation
	same := AngleAxisRotatePoint(r3.Vector{}, p)
	test.That(t, same.X, test.ShouldEqual, p.X)
	test.That(t, same.Y, test.ShouldEqual, p.Y)
	test.That(t, same.Z, test.ShouldEqual, p.Z)

	// quarter turn about z maps x onto y
	got := AngleAxisRotatePoint(r3.Vector{X: 0, Y: 0, Z: math.Pi / 2}, r3.Vector{X: 1, Y: 0, Z: 0})
	test.That(t, got.X, test.ShouldAlmostEqual, 0)
	test.That(t, got.Y, test.ShouldAlmostEqual, 1)
	test.That(t, got.Z, test.ShouldAlmostEqual, 0)

	// half turn about x negates y and z
	got = AngleAxisRotatePoint(r3.Vector{X: math.Pi, Y: 0, Z: 0}, p)
	test.That(t, got.X, test.ShouldAlmostEqual, 1)
	test.That(t, got.Y, test.ShouldAlmostEqual, -2)
	test.That(t, got.Z, test.ShouldAlmostEqual, -3)
}

func TestRotatePointMatchesMatrix(t *testing.T) {
	// an arbitrary rotation applied both ways must agree
	aa := &R4AA{1.2, 1, 2, -1}
	aa.Normalize()
	rm := aa.RotationMatrix()
	p := r3.Vector{X: 0.3, Y: -1.7, Z: 2.2}
	viaMatrix := rm.Mul(p)
	viaRodrigues := AngleAxisRotatePoint(aa.ToR3(), p)
	test.That(t, viaRodrigues.X, test.ShouldAlmostEqual, viaMatrix.X)
	test.That(t, viaRodrigues.Y, test.ShouldAlmostEqual, viaMatrix.Y)
	test.That(t, viaRodrigues.Z, test.ShouldAlmostEqual, viaMatrix.Z)
}
