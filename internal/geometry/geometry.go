// Package geometry derives the per-shot stereo geometry of the two lenses from their
// reported intrinsics, distortion and pose.
//
// All functions are pure; matrices are freshly allocated on every call.
package geometry

import (
	"errors"
	"fmt"
	"math"

	"github.com/golang/geo/r3"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/num/quat"

	"github.com/ayusman/duolens/internal/calib"
)

var (
	// ErrMissingCalibration is returned when a lens did not report the metadata rectification needs.
	ErrMissingCalibration = errors.New("calibration unavailable")
	// ErrDegenerate is returned when the reported geometry cannot drive rectification.
	ErrDegenerate = errors.New("degenerate lens geometry")
)

// maxCondition is the largest rotation condition number accepted before the pose is
// treated as degenerate.
const maxCondition = 1e6

// minBaseline is the shortest relative translation that still defines a stereo pair.
const minBaseline = 1e-9

// Camera is a lens' camera matrix and distortion vector in engine order.
type Camera struct {
	Matrix     *mat.Dense
	Distortion [5]float64
}

// Pose is a lens' orientation and position.
type Pose struct {
	Rotation    quat.Number
	Translation r3.Vector
}

// Extrinsics is the relative rotation and translation between the two lenses.
type Extrinsics struct {
	R *mat.Dense
	T r3.Vector
}

// CameraMatrix builds the 3x3 pinhole matrix from f_x, f_y, c_x, c_y, s.
func CameraMatrix(intr [5]float64) *mat.Dense {
	fx, fy, cx, cy, s := intr[0], intr[1], intr[2], intr[3], intr[4]
	return mat.NewDense(3, 3, []float64{
		fx, s, cx,
		0, fy, cy,
		0, 0, 1,
	})
}

// distortionOrder maps engine position to platform position: the platform reports
// k1, k2, k3, p1, p2 while the engine expects k1, k2, p1, p2, k3.
var distortionOrder = [5]int{0, 1, 3, 4, 2}

// DistortionVector reorders platform distortion coefficients into engine order.
func DistortionVector(d [5]float64) [5]float64 {
	var out [5]float64
	for i, src := range distortionOrder {
		out[i] = d[src]
	}
	return out
}

// RotationFromQuaternion converts a unit quaternion to a rotation matrix.
func RotationFromQuaternion(q quat.Number) *mat.Dense {
	x, y, z, w := q.Imag, q.Jmag, q.Kmag, q.Real
	return mat.NewDense(3, 3, []float64{
		1 - 2*y*y - 2*z*z, 2*x*y - 2*z*w, 2*x*z + 2*y*w,
		2*x*y + 2*z*w, 1 - 2*x*x - 2*z*z, 2*y*z - 2*x*w,
		2*x*z - 2*y*w, 2*y*z + 2*x*w, 1 - 2*x*x - 2*y*y,
	})
}

// RelativePose computes the rotation and translation taking lens a into lens b.
//
// T[i] is the negated dot product of row i of R_a with a's translation, and
// R = inv(R_b)·R_a with the inverse taken through SVD.
func RelativePose(a, b Pose) (Extrinsics, error) {
	ra := RotationFromQuaternion(a.Rotation)
	rb := RotationFromQuaternion(b.Rotation)

	inv, err := pseudoInverse(rb)
	if err != nil {
		return Extrinsics{}, err
	}

	var r mat.Dense
	r.Mul(inv, ra)

	ta := []float64{a.Translation.X, a.Translation.Y, a.Translation.Z}
	var t [3]float64
	for i := 0; i < 3; i++ {
		t[i] = -floats.Dot(ra.RawRowView(i), ta)
	}

	return Extrinsics{R: &r, T: r3.Vector{X: t[0], Y: t[1], Z: t[2]}}, nil
}

// pseudoInverse returns V·Σ⁺·Uᵀ, failing on singular or ill-conditioned input.
func pseudoInverse(m *mat.Dense) (*mat.Dense, error) {
	var svd mat.SVD
	if ok := svd.Factorize(m, mat.SVDFull); !ok {
		return nil, fmt.Errorf("%w: rotation SVD did not converge", ErrDegenerate)
	}
	if c := svd.Cond(); math.IsInf(c, 0) || math.IsNaN(c) || c > maxCondition {
		return nil, fmt.Errorf("%w: rotation condition number %g", ErrDegenerate, c)
	}

	var u, v mat.Dense
	svd.UTo(&u)
	svd.VTo(&v)
	values := svd.Values(nil)

	r, _ := m.Dims()
	sigma := mat.NewDense(r, r, nil)
	for i, s := range values {
		sigma.Set(i, i, 1/s)
	}

	var tmp, out mat.Dense
	tmp.Mul(&v, sigma)
	out.Mul(&tmp, u.T())
	return &out, nil
}

// PoseFromCalibration extracts a normalized pose from lens metadata.
func PoseFromCalibration(c calib.Calibration) (Pose, error) {
	if !c.HasPose() {
		return Pose{}, fmt.Errorf("%w: %s lens has no pose", ErrMissingCalibration, c.Lens)
	}
	if !finite(c.Rotation) || !finite(c.Translation) {
		return Pose{}, fmt.Errorf("%w: %s lens pose is not finite", ErrDegenerate, c.Lens)
	}
	q := quat.Number{Real: c.Rotation[3], Imag: c.Rotation[0], Jmag: c.Rotation[1], Kmag: c.Rotation[2]}
	n := quat.Abs(q)
	if n == 0 || math.IsNaN(n) {
		return Pose{}, fmt.Errorf("%w: %s lens has a zero rotation quaternion", ErrDegenerate, c.Lens)
	}
	return Pose{
		Rotation:    quat.Scale(1/n, q),
		Translation: r3.Vector{X: c.Translation[0], Y: c.Translation[1], Z: c.Translation[2]},
	}, nil
}

// CameraFromCalibration builds the camera matrix and engine-order distortion of a lens.
func CameraFromCalibration(c calib.Calibration) (Camera, error) {
	if !c.HasIntrinsics() || !c.HasDistortion() {
		return Camera{}, fmt.Errorf("%w: %s lens has no intrinsics or distortion", ErrMissingCalibration, c.Lens)
	}
	if !finite(c.Intrinsics) || !finite(c.Distortion) {
		return Camera{}, fmt.Errorf("%w: %s lens intrinsics or distortion are not finite", ErrDegenerate, c.Lens)
	}
	var intr, dist [5]float64
	copy(intr[:], c.Intrinsics)
	copy(dist[:], c.Distortion)
	if intr[0] <= 0 || intr[1] <= 0 {
		return Camera{}, fmt.Errorf("%w: %s lens focal length %g/%g", ErrDegenerate, c.Lens, intr[0], intr[1])
	}
	return Camera{Matrix: CameraMatrix(intr), Distortion: DistortionVector(dist)}, nil
}

func finite(v []float64) bool {
	for _, x := range v {
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return false
		}
	}
	return true
}
