package bundle

import (
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"

	"github.com/sfmkit/bundleadjust/spatialmath"
)

var (
	errCameraIndex = errors.New("camera index out of range")
	errPointIndex  = errors.New("point index out of range")
)

// Observation records one sighting of a point by a camera. Coordinates are
// pre-centered (principal point already subtracted). Immutable once recorded.
type Observation struct {
	Camera int
	Point  int
	X      float64
	Y      float64
}

// Problem owns the parameter storage for a bundle adjustment run: one
// contiguous arena holding all camera blocks followed by all point blocks,
// plus the observation list. The arena is allocated once at construction and
// never reallocated, so the sub-slices handed out by CameraParams and
// PointParams stay valid, and writes through them stay visible, for the life
// of the problem. That aliasing is the contract the solver relies on.
type Problem struct {
	numCameras int
	numPoints  int

	params       []float64
	camerasSet   []bool
	pointsSet    []bool
	observations []Observation
}

// NewProblem creates a problem with a fixed number of camera and point
// blocks. The counts cannot change afterwards.
func NewProblem(numCameras, numPoints int) (*Problem, error) {
	if numCameras <= 0 || numPoints <= 0 {
		return nil, errors.Errorf("problem needs at least one camera and one point, got %d cameras and %d points",
			numCameras, numPoints)
	}
	return &Problem{
		numCameras: numCameras,
		numPoints:  numPoints,
		params:     make([]float64, CameraBlockSize*numCameras+PointBlockSize*numPoints),
		camerasSet: make([]bool, numCameras),
		pointsSet:  make([]bool, numPoints),
	}, nil
}

// NumCameras returns the number of camera blocks.
func (p *Problem) NumCameras() int { return p.numCameras }

// NumPoints returns the number of point blocks.
func (p *Problem) NumPoints() int { return p.numPoints }

// NumObservations returns the number of recorded observations.
func (p *Problem) NumObservations() int { return len(p.observations) }

// SetCamera seeds camera i from an external pose estimate, converting the
// rotation matrix to the packed axis-angle form.
func (p *Problem) SetCamera(i int, rot *spatialmath.RotationMatrix, t r3.Vector, focal float64) error {
	if i < 0 || i >= p.numCameras {
		return errors.Wrapf(errCameraIndex, "camera %d of %d", i, p.numCameras)
	}
	PackCamera(p.CameraParams(i), rot, t, focal)
	p.camerasSet[i] = true
	return nil
}

// SetPoint seeds point i from an initial 3D position estimate.
func (p *Problem) SetPoint(i int, pt r3.Vector) error {
	if i < 0 || i >= p.numPoints {
		return errors.Wrapf(errPointIndex, "point %d of %d", i, p.numPoints)
	}
	block := p.PointParams(i)
	block[0], block[1], block[2] = pt.X, pt.Y, pt.Z
	p.pointsSet[i] = true
	return nil
}

// AddObservation records that camera cameraIndex saw point pointIndex at the
// centered image location (x, y). Out-of-range indices are rejected here,
// at construction time, rather than surfacing as corrupted parameter reads
// mid-solve.
func (p *Problem) AddObservation(cameraIndex, pointIndex int, x, y float64) error {
	if cameraIndex < 0 || cameraIndex >= p.numCameras {
		return errors.Wrapf(errCameraIndex, "observation %d references camera %d of %d",
			len(p.observations), cameraIndex, p.numCameras)
	}
	if pointIndex < 0 || pointIndex >= p.numPoints {
		return errors.Wrapf(errPointIndex, "observation %d references point %d of %d",
			len(p.observations), pointIndex, p.numPoints)
	}
	p.observations = append(p.observations, Observation{cameraIndex, pointIndex, x, y})
	return nil
}

// Observations returns the recorded observation list. Callers must not
// modify it.
func (p *Problem) Observations() []Observation { return p.observations }

// CameraParams returns the mutable 7-scalar block for camera i. The slice
// aliases the problem's backing storage: writes through it are immediately
// visible to subsequent residual evaluations.
func (p *Problem) CameraParams(i int) []float64 {
	start := CameraBlockSize * i
	return p.params[start : start+CameraBlockSize : start+CameraBlockSize]
}

// PointParams returns the mutable 3-scalar block for point i, aliasing the
// backing storage the same way CameraParams does.
func (p *Problem) PointParams(i int) []float64 {
	start := CameraBlockSize*p.numCameras + PointBlockSize*i
	return p.params[start : start+PointBlockSize : start+PointBlockSize]
}

// Parameters returns the full parameter arena, cameras first then points.
// The solver uses it to snapshot and restore state between iterations;
// everything else should go through the per-block accessors.
func (p *Problem) Parameters() []float64 { return p.params }

// Camera reads the refined pose back out of camera block i.
func (p *Problem) Camera(i int) (rot *spatialmath.RotationMatrix, t r3.Vector, focal float64) {
	return UnpackCamera(p.CameraParams(i))
}

// Point reads the refined position of point i.
func (p *Problem) Point(i int) r3.Vector {
	block := p.PointParams(i)
	return r3.Vector{X: block[0], Y: block[1], Z: block[2]}
}

// Validate checks that every parameter block was seeded and that the problem
// has observations to minimize. All structural problems are reported
// together.
func (p *Problem) Validate() error {
	var err error
	for i, set := range p.camerasSet {
		if !set {
			err = multierr.Append(err, errors.Errorf("camera %d was never initialized", i))
		}
	}
	for i, set := range p.pointsSet {
		if !set {
			err = multierr.Append(err, errors.Errorf("point %d was never initialized", i))
		}
	}
	if len(p.observations) == 0 {
		err = multierr.Append(err, errors.New("problem has no observations"))
	}
	return err
}

// ResidualBlocks materializes one residual block per observation, each
// referencing the live camera and point handles for that observation. This is
// the objective structure handed to a solver; the blocks alias the same
// storage the accessors do.
func (p *Problem) ResidualBlocks() []ResidualBlock {
	blocks := make([]ResidualBlock, 0, len(p.observations))
	for _, o := range p.observations {
		blocks = append(blocks, ResidualBlock{
			Cost:        &ReprojectionError{ObservedX: o.X, ObservedY: o.Y},
			Camera:      p.CameraParams(o.Camera),
			Point:       p.PointParams(o.Point),
			CameraIndex: o.Camera,
			PointIndex:  o.Point,
		})
	}
	return blocks
}
