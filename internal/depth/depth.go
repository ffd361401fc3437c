// Package depth estimates a normalized disparity image from a normal/wide frame pair.
//
// A shot takes one of two paths, decided by its geometry before any work starts:
// the rectified path undistorts and rectifies both views through the engine, the
// unrectified path matches the raw frames. Both then move into the working frame
// (downscaled, turned clockwise), run a left and a right matcher and filter the
// primary map with the secondary one.
package depth

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/geometry"
	"github.com/ayusman/duolens/internal/stereo"
	"github.com/ayusman/duolens/internal/xform"
)

// ErrEmptyFrame is returned when either view carries no pixels.
var ErrEmptyFrame = errors.New("empty frame")

// Config holds the estimator settings that are not matcher parameters.
type Config struct {
	// DownscaleFactor scales both views before matching.
	DownscaleFactor float64
	// InvertMatcher makes the right matcher's map the primary one.
	InvertMatcher bool
	// Lambda and Sigma tune the edge-aware filter.
	Lambda float64
	Sigma  float64
}

// Estimator runs depth estimation for one shot at a time.
type Estimator struct {
	engine stereo.Engine
	params stereo.Params
	cfg    Config
	sink   artifact.Sink
	logger *zap.SugaredLogger
}

// New creates an Estimator. A nil sink discards stage images.
func New(engine stereo.Engine, params stereo.Params, cfg Config, sink artifact.Sink, logger *zap.SugaredLogger) *Estimator {
	if sink == nil {
		sink = artifact.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Estimator{engine: engine, params: params, cfg: cfg, sink: sink, logger: logger}
}

// WorkingFrame is the frame disparity is computed in.
func WorkingFrame(origin image.Point, factor float64) xform.Frame {
	return xform.NewFrame(origin, xform.Scale(factor), xform.Rotate90())
}

// Estimate computes the filtered, normalized disparity of a shot. normal and wide are
// single-channel sensor-frame images; the result lives in the working frame of normal
// and the caller owns it.
func (e *Estimator) Estimate(shotID string, normal, wide gocv.Mat, geo geometry.Geometry) (xform.Image, error) {
	if normal.Empty() || wide.Empty() {
		return xform.Image{}, ErrEmptyFrame
	}

	origin := image.Pt(normal.Cols(), normal.Rows())
	frame := WorkingFrame(origin, e.cfg.DownscaleFactor)

	var (
		n, w gocv.Mat
		roi  image.Rectangle
		err  error
	)
	if geo.Available() {
		n, w, roi, err = e.rectified(shotID, normal, wide, geo)
		if errors.Is(err, geometry.ErrDegenerate) {
			e.logger.Warnw("rectification degenerate, matching unrectified frames", "shot", shotID, "error", err)
			geo = geometry.Unavailable(err)
		} else if err != nil {
			return xform.Image{}, err
		}
	}
	if !geo.Available() {
		e.logger.Debugw("unrectified path", "shot", shotID, "reason", geo.Reason)
		n, w, err = e.unrectified(normal, wide)
		if err != nil {
			return xform.Image{}, err
		}
		roi = image.Rectangle{Max: origin}
	}
	defer n.Close()
	defer w.Close()

	nw, err := frame.Apply(n, gocv.InterpolationLinear)
	if err != nil {
		return xform.Image{}, fmt.Errorf("normal view to working frame: %w", err)
	}
	defer nw.Close()
	ww, err := frame.Apply(w, gocv.InterpolationLinear)
	if err != nil {
		return xform.Image{}, fmt.Errorf("wide view to working frame: %w", err)
	}
	defer ww.Close()

	left, err := e.engine.ComputeDisparity(nw, ww, e.params, stereo.Left)
	if err != nil {
		return xform.Image{}, fmt.Errorf("left disparity: %w", err)
	}
	defer left.Close()
	right, err := e.engine.ComputeDisparity(ww, nw, e.params, stereo.Right)
	if err != nil {
		return xform.Image{}, fmt.Errorf("right disparity: %w", err)
	}
	defer right.Close()

	if err := e.publishNormalized(shotID, artifact.StageDisparity, left); err != nil {
		return xform.Image{}, err
	}
	if err := e.publishNormalized(shotID, artifact.StageDisparitySecondary, right); err != nil {
		return xform.Image{}, err
	}

	primary, secondary := left, right
	if e.cfg.InvertMatcher {
		primary, secondary = right, left
	}

	filtered, err := e.engine.FilterDisparity(primary, secondary, nw, frame.MapRect(roi), e.cfg.Lambda, e.cfg.Sigma)
	if err != nil {
		return xform.Image{}, fmt.Errorf("filter disparity: %w", err)
	}
	defer filtered.Close()

	out, err := stereo.NormalizeDisparity(filtered)
	if err != nil {
		return xform.Image{}, fmt.Errorf("normalize filtered disparity: %w", err)
	}
	img, err := xform.NewImage(out, frame)
	if err != nil {
		out.Close()
		return xform.Image{}, err
	}
	e.sink.Publish(shotID, artifact.StageDisparityFiltered, img.Mat)

	e.logger.Debugw("depth estimated",
		"shot", shotID,
		"path", geo.Availability,
		"frame", frame,
		"inverted", e.cfg.InvertMatcher,
	)
	return img, nil
}

// rectified undistorts and rectifies both views into the normal view's size.
func (e *Estimator) rectified(shotID string, normal, wide gocv.Mat, geo geometry.Geometry) (gocv.Mat, gocv.Mat, image.Rectangle, error) {
	size := image.Pt(normal.Cols(), normal.Rows())

	rect, err := e.engine.Rectify(geo.Normal, geo.Wide, size, geo.Extrinsics)
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, image.Rectangle{}, fmt.Errorf("rectify: %w", err)
	}

	nmaps, err := e.engine.UndistortRectifyMap(geo.Normal, rect.R1, rect.P1, size)
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, image.Rectangle{}, fmt.Errorf("normal remap tables: %w", err)
	}
	defer nmaps.Close()
	wmaps, err := e.engine.UndistortRectifyMap(geo.Wide, rect.R2, rect.P2, size)
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, image.Rectangle{}, fmt.Errorf("wide remap tables: %w", err)
	}
	defer wmaps.Close()

	n, err := e.engine.Remap(normal, nmaps)
	if err != nil {
		return gocv.Mat{}, gocv.Mat{}, image.Rectangle{}, fmt.Errorf("remap normal: %w", err)
	}
	w, err := e.engine.Remap(wide, wmaps)
	if err != nil {
		n.Close()
		return gocv.Mat{}, gocv.Mat{}, image.Rectangle{}, fmt.Errorf("remap wide: %w", err)
	}

	roi := rect.ROI1.Intersect(rect.ROI2)
	if roi.Empty() {
		n.Close()
		w.Close()
		return gocv.Mat{}, gocv.Mat{}, image.Rectangle{}, fmt.Errorf("%w: rectified views do not overlap", geometry.ErrDegenerate)
	}

	e.sink.Publish(shotID, artifact.StageRectifiedNormal, n)
	e.sink.Publish(shotID, artifact.StageRectifiedWide, w)
	return n, w, roi, nil
}

// unrectified returns copies of the raw views, the wide one resized to the normal size.
func (e *Estimator) unrectified(normal, wide gocv.Mat) (gocv.Mat, gocv.Mat, error) {
	n := normal.Clone()
	if wide.Cols() == normal.Cols() && wide.Rows() == normal.Rows() {
		return n, wide.Clone(), nil
	}

	w := gocv.NewMat()
	if err := gocv.Resize(wide, &w, image.Pt(normal.Cols(), normal.Rows()), 0, 0, gocv.InterpolationLinear); err != nil {
		n.Close()
		w.Close()
		return gocv.Mat{}, gocv.Mat{}, fmt.Errorf("failed to resize wide view: %w", err)
	}
	return n, w, nil
}

func (e *Estimator) publishNormalized(shotID, stage string, disp gocv.Mat) error {
	m, err := stereo.NormalizeDisparity(disp)
	if err != nil {
		return fmt.Errorf("normalize %s: %w", stage, err)
	}
	defer m.Close()
	e.sink.Publish(shotID, stage, m)
	return nil
}
