package bundle

// ResidualDim is the dimension of one reprojection residual.
const ResidualDim = 2

// CostFunction evaluates residuals for one camera/point pair at the current
// parameter values. Implementations must be pure: no mutation of camera or
// point, no logging, no branching on parameter values, so that numeric
// differentiation over the inputs is well defined.
type CostFunction interface {
	Evaluate(camera, point, residuals []float64)
}

// ResidualBlock is one atomic unit of the objective: a cost function plus the
// parameter-block handles and fixed observed data it depends on. Camera and
// Point alias the owning problem's storage.
type ResidualBlock struct {
	Cost        CostFunction
	Camera      []float64
	Point       []float64
	CameraIndex int
	PointIndex  int
}

// ReprojectionError is the pinhole reprojection residual: the difference
// between where the camera block predicts the point and where it was
// observed. The observed location is fixed at construction; squared-error
// minimization of the raw 2-vector is the only loss applied.
type ReprojectionError struct {
	ObservedX float64
	ObservedY float64
}

// Evaluate writes the 2-vector residual. Degenerate geometry (zero or
// negative depth) propagates as non-finite or extreme values rather than an
// error; solvers are expected to reject such steps.
func (e *ReprojectionError) Evaluate(camera, point, residuals []float64) {
	predictedX, predictedY := Project(camera, point)
	residuals[0] = predictedX - e.ObservedX
	residuals[1] = predictedY - e.ObservedY
}
