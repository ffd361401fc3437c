// Package stereo implements the stereo vision engine used by depth estimation:
// rectification transforms, undistort/rectify remap tables, bidirectional
// semi-global disparity matching and confidence-weighted edge-aware filtering.
package stereo

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/ayusman/duolens/internal/geometry"
)

var (
	// ErrSizeMismatch is returned when paired images do not share dimensions.
	ErrSizeMismatch = errors.New("stereo images differ in size")
	// ErrInvalidParams is returned for matcher parameters outside the supported range.
	ErrInvalidParams = errors.New("invalid matcher parameters")
)

// Side selects the reference view of a matcher.
type Side int

const (
	// Left matches reference pixel x against the other view at x-d and reports +d.
	Left Side = iota
	// Right matches reference pixel x against the other view at x+d and reports -d.
	Right
)

func (s Side) String() string {
	if s == Right {
		return "right"
	}
	return "left"
}

// Mode selects how matching costs are aggregated.
type Mode int

const (
	// ModeHH4 aggregates costs along four scanline paths.
	ModeHH4 Mode = iota
	// ModeBlock uses plain block costs without path aggregation.
	ModeBlock
)

// ParseMode parses "hh4" or "block".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "hh4", "":
		return ModeHH4, nil
	case "block":
		return ModeBlock, nil
	}
	return 0, fmt.Errorf("%w: unknown mode %q", ErrInvalidParams, s)
}

func (m Mode) String() string {
	if m == ModeBlock {
		return "block"
	}
	return "hh4"
}

// Params configures a disparity matcher.
type Params struct {
	MinDisparity      int
	NumDisparities    int
	BlockSize         int
	P1                int
	P2                int
	Disp12MaxDiff     int
	PreFilterCap      int
	UniquenessRatio   int
	SpeckleWindowSize int
	SpeckleRange      int
	Mode              Mode
}

// MaxBlockSize bounds the matching window so block costs fit 16 bits.
const MaxBlockSize = 11

// Validate checks p against the matcher's limits.
func (p Params) Validate() error {
	switch {
	case p.NumDisparities <= 0 || p.NumDisparities%16 != 0:
		return fmt.Errorf("%w: num disparities %d must be a positive multiple of 16", ErrInvalidParams, p.NumDisparities)
	case p.BlockSize < 1 || p.BlockSize%2 == 0 || p.BlockSize > MaxBlockSize:
		return fmt.Errorf("%w: block size %d must be odd and in [1, %d]", ErrInvalidParams, p.BlockSize, MaxBlockSize)
	case p.PreFilterCap < 1 || p.PreFilterCap > 63:
		return fmt.Errorf("%w: prefilter cap %d must be in [1, 63]", ErrInvalidParams, p.PreFilterCap)
	case p.P1 < 0 || p.P2 < 0:
		return fmt.Errorf("%w: smoothness penalties must be non-negative", ErrInvalidParams)
	case p.UniquenessRatio < 0 || p.UniquenessRatio >= 100:
		return fmt.Errorf("%w: uniqueness ratio %d must be in [0, 100)", ErrInvalidParams, p.UniquenessRatio)
	}
	return nil
}

// Rectification holds the rectifying rotations, projections and reprojection matrix
// of a lens pair, plus the valid region of each rectified view.
type Rectification struct {
	R1, R2 *mat.Dense
	P1, P2 *mat.Dense
	Q      *mat.Dense
	ROI1   image.Rectangle
	ROI2   image.Rectangle
}

// Maps is a pair of remap tables. Close releases both.
type Maps struct {
	X gocv.Mat
	Y gocv.Mat
}

// Close releases the remap tables.
func (m *Maps) Close() error {
	if err := m.X.Close(); err != nil {
		return err
	}
	return m.Y.Close()
}

// Engine is the stereo vision engine contract.
type Engine interface {
	// Rectify computes rectifying transforms for a calibrated pair of the given image size.
	Rectify(normal, wide geometry.Camera, size image.Point, ext geometry.Extrinsics) (*Rectification, error)

	// UndistortRectifyMap builds remap tables for one lens.
	UndistortRectifyMap(cam geometry.Camera, r, p *mat.Dense, size image.Point) (*Maps, error)

	// Remap resamples src through maps. The caller owns the returned Mat.
	Remap(src gocv.Mat, maps *Maps) (gocv.Mat, error)

	// ComputeDisparity matches ref against other and returns a CV_32FC1 disparity map
	// in pixels with NaN marking invalid pixels.
	ComputeDisparity(ref, other gocv.Mat, params Params, side Side) (gocv.Mat, error)

	// FilterDisparity smooths primary guided by guide, weighting each pixel by its
	// left-right agreement with secondary. Pixels outside roi are left invalid.
	FilterDisparity(primary, secondary, guide gocv.Mat, roi image.Rectangle, lambda, sigma float64) (gocv.Mat, error)
}

type engine struct {
	logger *zap.SugaredLogger
}

// NewEngine returns the default engine.
func NewEngine(logger *zap.SugaredLogger) Engine {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &engine{logger: logger}
}

func (e *engine) ComputeDisparity(ref, other gocv.Mat, params Params, side Side) (gocv.Mat, error) {
	if err := params.Validate(); err != nil {
		return gocv.NewMat(), err
	}

	a, err := grayGrid(ref)
	if err != nil {
		return gocv.NewMat(), err
	}
	b, err := grayGrid(other)
	if err != nil {
		return gocv.NewMat(), err
	}
	if a.w != b.w || a.h != b.h {
		return gocv.NewMat(), fmt.Errorf("%w: %dx%d vs %dx%d", ErrSizeMismatch, a.w, a.h, b.w, b.h)
	}

	disp := newMatcher(params, side).match(a, b)
	if params.SpeckleWindowSize > 0 {
		removed := filterSpeckles(disp, params.SpeckleWindowSize, float32(params.SpeckleRange))
		e.logger.Debugw("speckles removed", "side", side, "pixels", removed)
	}
	return disp.toMat()
}

func (e *engine) FilterDisparity(primary, secondary, guide gocv.Mat, roi image.Rectangle, lambda, sigma float64) (gocv.Mat, error) {
	d, err := floatGrid(primary)
	if err != nil {
		return gocv.NewMat(), err
	}
	s, err := floatGrid(secondary)
	if err != nil {
		return gocv.NewMat(), err
	}
	g, err := grayGrid(guide)
	if err != nil {
		return gocv.NewMat(), err
	}
	if d.w != s.w || d.h != s.h || d.w != g.w || d.h != g.h {
		return gocv.NewMat(), fmt.Errorf("%w: filter inputs", ErrSizeMismatch)
	}
	if sigma <= 0 {
		return gocv.NewMat(), fmt.Errorf("%w: sigma %g must be positive", ErrInvalidParams, sigma)
	}

	roi = roi.Intersect(image.Rect(0, 0, d.w, d.h))
	if roi.Empty() {
		roi = image.Rect(0, 0, d.w, d.h)
	}
	return filterWLS(d, s, g, roi, lambda, sigma).toMat()
}
