package geometry

import (
	"fmt"

	"github.com/ayusman/duolens/internal/calib"
)

// Availability tells the depth estimator which path a shot takes.
type Availability int

const (
	// CalibrationUnavailable selects the unrectified path.
	CalibrationUnavailable Availability = iota
	// CalibrationAvailable selects the rectified path.
	CalibrationAvailable
)

func (a Availability) String() string {
	if a == CalibrationAvailable {
		return "rectified"
	}
	return "unrectified"
}

// Geometry is the per-shot stereo geometry, decided once before depth estimation.
// When Availability is CalibrationUnavailable, Reason says why and the other fields are zero.
type Geometry struct {
	Availability Availability
	Normal       Camera
	Wide         Camera
	Extrinsics   Extrinsics
	Reason       error
}

// Available reports whether the rectified path can be taken.
func (g Geometry) Available() bool {
	return g.Availability == CalibrationAvailable
}

// Unavailable returns a geometry selecting the unrectified path.
func Unavailable(reason error) Geometry {
	return Geometry{Availability: CalibrationUnavailable, Reason: reason}
}

// Resolve derives the stereo geometry of a shot. Missing metadata or a degenerate pose
// yields CalibrationUnavailable; the reason wraps ErrMissingCalibration or ErrDegenerate.
func Resolve(normal, wide calib.Calibration) Geometry {
	nc, err := CameraFromCalibration(normal)
	if err != nil {
		return Unavailable(err)
	}
	wc, err := CameraFromCalibration(wide)
	if err != nil {
		return Unavailable(err)
	}

	np, err := PoseFromCalibration(normal)
	if err != nil {
		return Unavailable(err)
	}
	wp, err := PoseFromCalibration(wide)
	if err != nil {
		return Unavailable(err)
	}

	ext, err := RelativePose(np, wp)
	if err != nil {
		return Unavailable(err)
	}
	// NaN fails every comparison.
	if norm := ext.T.Norm(); !(norm >= minBaseline) {
		return Unavailable(fmt.Errorf("%w: baseline %g", ErrDegenerate, norm))
	}

	return Geometry{
		Availability: CalibrationAvailable,
		Normal:       nc,
		Wide:         wc,
		Extrinsics:   ext,
	}
}
