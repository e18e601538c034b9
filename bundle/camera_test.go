package bundle

import (
	"math"
	"testing"

	"github.com/golang/geo/r3"
	"go.viam.com/test"

	"github.com/sfmkit/bundleadjust/spatialmath"
)

func TestProjectPinhole(t *testing.T) {
	// identity rotation, zero translation, focal f: projection is (f*x/z, f*y/z)
	camera := []float64{0, 0, 0, 0, 0, 0, 500}
	point := []float64{0.2, -0.4, 2}
	x, y := Project(camera, point)
	test.That(t, x, test.ShouldAlmostEqual, 500*0.2/2)
	test.That(t, y, test.ShouldAlmostEqual, 500*-0.4/2)
}

func TestProjectDeterministic(t *testing.T) {
	camera := []float64{0.1, -0.2, 0.3, 1, 2, 5, 800}
	point := []float64{0.4, 0.5, 0.6}
	x1, y1 := Project(camera, point)
	x2, y2 := Project(camera, point)
	test.That(t, x1, test.ShouldEqual, x2)
	test.That(t, y1, test.ShouldEqual, y2)
}

func TestProjectDegenerateDepth(t *testing.T) {
	// a point at the optical center has zero depth; the result is non-finite
	// rather than a panic
	camera := []float64{0, 0, 0, 0, 0, 0, 500}
	point := []float64{1, 1, 0}
	x, y := Project(camera, point)
	test.That(t, math.IsInf(x, 0) || math.IsNaN(x), test.ShouldBeTrue)
	test.That(t, math.IsInf(y, 0) || math.IsNaN(y), test.ShouldBeTrue)
}

func TestPackUnpackCamera(t *testing.T) {
	aa := &spatialmath.R4AA{Theta: 0.9, RX: 0, RY: 1, RZ: 0}
	rot := aa.RotationMatrix()
	trans := r3.Vector{X: 1, Y: -2, Z: 4}

	block := make([]float64, CameraBlockSize)
	PackCamera(block, rot, trans, 950)
	gotRot, gotTrans, gotFocal := UnpackCamera(block)
	test.That(t, gotTrans, test.ShouldResemble, trans)
	test.That(t, gotFocal, test.ShouldEqual, 950.)
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			test.That(t, gotRot.At(r, c), test.ShouldAlmostEqual, rot.At(r, c))
		}
	}
}

func TestCenterObservation(t *testing.T) {
	x, y := CenterObservation(612, 431, 500, 500)
	test.That(t, x, test.ShouldEqual, 112.)
	test.That(t, y, test.ShouldEqual, -69.)
}
