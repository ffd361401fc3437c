// Package mask turns a normalized disparity image into the hard foreground mask used
// for compositing, optionally protecting a detected face.
package mask

import (
	"fmt"
	"image"
	"image/color"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/xform"
)

// DefaultThreshold is the disparity value from which a pixel counts as foreground.
const DefaultThreshold = 128

// Config configures a Builder.
type Config struct {
	// Threshold: disparity >= Threshold becomes foreground.
	Threshold int
	// FaceProtection forces the face region into the foreground.
	FaceProtection bool
}

// Builder builds hard masks.
type Builder struct {
	cfg    Config
	sink   artifact.Sink
	logger *zap.SugaredLogger
}

// New creates a Builder. A nil sink discards stage images.
func New(cfg Config, sink artifact.Sink, logger *zap.SugaredLogger) *Builder {
	if sink == nil {
		sink = artifact.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Builder{cfg: cfg, sink: sink, logger: logger}
}

// CompositingFrame extends the working frame with the horizontal flip the compositor
// works in.
func CompositingFrame(working xform.Frame) xform.Frame {
	return working.Then(xform.FlipHorizontal())
}

// Build thresholds disparity and aligns the result to the compositing frame. When face
// protection is enabled and hasFace is set, face (in the origin frame) is unioned into
// the mask. The caller owns the returned image.
func (b *Builder) Build(shotID string, disparity xform.Image, face image.Rectangle, hasFace bool) (xform.Image, error) {
	if disparity.Mat.Empty() {
		return xform.Image{}, fmt.Errorf("empty disparity image")
	}

	hard := gocv.NewMat()
	defer hard.Close()
	gocv.Threshold(disparity.Mat, &hard, float32(b.cfg.Threshold)-0.5, 255, gocv.ThresholdBinary)
	if hard.Empty() {
		return xform.Image{}, fmt.Errorf("failed to threshold disparity")
	}

	target := CompositingFrame(disparity.Frame)
	out, err := xform.Align(xform.Image{Mat: hard, Frame: disparity.Frame}, target, gocv.InterpolationNearestNeighbor)
	if err != nil {
		return xform.Image{}, fmt.Errorf("align mask: %w", err)
	}

	if b.cfg.FaceProtection && hasFace {
		if err := protectFace(out, face); err != nil {
			out.Close()
			return xform.Image{}, err
		}
		b.logger.Debugw("face protected", "shot", shotID, "face", face, "mapped", target.MapRect(face))
	}

	b.sink.Publish(shotID, artifact.StageHardMask, out.Mat)
	return out, nil
}

// protectFace unions the face rectangle, carried through the mask's frame chain, into mask.
func protectFace(mask xform.Image, face image.Rectangle) error {
	origin := mask.Frame.Origin
	face = face.Intersect(image.Rectangle{Max: origin})
	if face.Empty() {
		return nil
	}

	canvas := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), origin.Y, origin.X, gocv.MatTypeCV8UC1)
	defer canvas.Close()
	if err := gocv.Rectangle(&canvas, face, color.RGBA{R: 255, G: 255, B: 255, A: 255}, -1); err != nil {
		return fmt.Errorf("draw face: %w", err)
	}

	overlay, err := mask.Frame.Apply(canvas, gocv.InterpolationNearestNeighbor)
	if err != nil {
		return fmt.Errorf("map face overlay: %w", err)
	}
	defer overlay.Close()

	if err := gocv.BitwiseOr(mask.Mat, overlay, &mask.Mat); err != nil {
		return fmt.Errorf("union face: %w", err)
	}
	return nil
}
