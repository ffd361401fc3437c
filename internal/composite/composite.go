// Package composite renders the final bokeh image: a stylized, blurred background
// with the foreground pasted back through the hard mask.
package composite

import (
	"errors"
	"fmt"
	"image"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/xform"
)

// ErrRotation is returned for a required rotation that is not a multiple of 90 degrees.
var ErrRotation = errors.New("unsupported rotation")

// Style selects the background treatment.
type Style int

const (
	// Sepia tints the background.
	Sepia Style = iota
	// Mono renders the background in grayscale.
	Mono
)

func (s Style) String() string {
	if s == Mono {
		return "mono"
	}
	return "sepia"
}

// sepiaKernel is the sepia color matrix in BGR order.
var sepiaKernel = []float32{
	0.131, 0.534, 0.272,
	0.168, 0.686, 0.349,
	0.189, 0.769, 0.393,
}

// Config configures a Compositor.
type Config struct {
	Style Style
	// BlurRadius is the Gaussian blur radius in pixels; the kernel is 2r+1 wide.
	BlurRadius int
	// Rotation is the device's required clockwise rotation: 0, 90, 180 or 270.
	Rotation int
}

// Compositor combines a color frame and a mask into the output image.
type Compositor struct {
	cfg    Config
	sink   artifact.Sink
	logger *zap.SugaredLogger
}

// New creates a Compositor. A nil sink discards stage images.
func New(cfg Config, sink artifact.Sink, logger *zap.SugaredLogger) *Compositor {
	if sink == nil {
		sink = artifact.Nop{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Compositor{cfg: cfg, sink: sink, logger: logger}
}

// Compose carries color, an origin-sized BGR image, into the mask's frame, pastes the
// masked foreground over the stylized background and returns the result at the origin
// size with the required rotation applied. The caller owns the returned Mat.
func (c *Compositor) Compose(shotID string, color gocv.Mat, mask xform.Image) (gocv.Mat, error) {
	work, err := mask.Frame.Apply(color, gocv.InterpolationLinear)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("color to compositing frame: %w", err)
	}
	defer work.Close()
	if work.Rows() != mask.Mat.Rows() || work.Cols() != mask.Mat.Cols() {
		return gocv.NewMat(), fmt.Errorf("%w: mask %dx%d, frame %s", xform.ErrFrameMismatch, mask.Mat.Cols(), mask.Mat.Rows(), mask.Frame)
	}

	canvas, err := c.background(work)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer canvas.Close()
	c.sink.Publish(shotID, artifact.StageBackground, canvas)

	if err := work.CopyToWithMask(&canvas, mask.Mat); err != nil {
		return gocv.NewMat(), fmt.Errorf("paste subject: %w", err)
	}
	c.sink.Publish(shotID, artifact.StageMaskedColour, canvas)

	restored, err := mask.Frame.Invert(canvas, gocv.InterpolationLinear)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("restore composite: %w", err)
	}
	defer restored.Close()

	out, err := c.rotate(restored)
	if err != nil {
		return gocv.NewMat(), err
	}
	c.sink.Publish(shotID, artifact.StageFinal, out)

	c.logger.Debugw("composited", "shot", shotID, "style", c.cfg.Style, "blur", c.cfg.BlurRadius, "rotation", c.cfg.Rotation)
	return out, nil
}

// Portrait renders a single-lens shot: the face region stays sharp on the stylized,
// blurred background. Without a face the whole frame is stylized.
func (c *Compositor) Portrait(shotID string, color gocv.Mat, face image.Rectangle, hasFace bool) (gocv.Mat, error) {
	if color.Empty() {
		return gocv.NewMat(), fmt.Errorf("empty portrait frame")
	}

	canvas, err := c.background(color)
	if err != nil {
		return gocv.NewMat(), err
	}
	defer canvas.Close()
	c.sink.Publish(shotID, artifact.StagePortraitBackground, canvas)

	face = face.Intersect(image.Rect(0, 0, color.Cols(), color.Rows()))
	if hasFace && !face.Empty() {
		src := color.Region(face)
		dst := canvas.Region(face)
		err := src.CopyTo(&dst)
		src.Close()
		dst.Close()
		if err != nil {
			return gocv.NewMat(), fmt.Errorf("paste face: %w", err)
		}
		c.sink.Publish(shotID, artifact.StagePortraitFace, canvas)
	}

	out, err := c.rotate(canvas)
	if err != nil {
		return gocv.NewMat(), err
	}
	c.sink.Publish(shotID, artifact.StageFinal, out)
	return out, nil
}

// background returns the stylized, blurred copy of src.
func (c *Compositor) background(src gocv.Mat) (gocv.Mat, error) {
	styled := gocv.NewMat()
	var err error
	switch c.cfg.Style {
	case Mono:
		gray := gocv.NewMat()
		if err = gocv.CvtColor(src, &gray, gocv.ColorBGRToGray); err == nil {
			err = gocv.CvtColor(gray, &styled, gocv.ColorGrayToBGR)
		}
		gray.Close()
	default:
		kernel := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV32FC1)
		for i, v := range sepiaKernel {
			kernel.SetFloatAt(i/3, i%3, v)
		}
		err = gocv.Transform(src, &styled, kernel)
		kernel.Close()
	}
	if err != nil {
		styled.Close()
		return gocv.NewMat(), fmt.Errorf("failed to stylize background: %w", err)
	}

	if c.cfg.BlurRadius <= 0 {
		return styled, nil
	}
	k := 2*c.cfg.BlurRadius + 1
	blurred := gocv.NewMat()
	err = gocv.GaussianBlur(styled, &blurred, image.Pt(k, k), 0, 0, gocv.BorderDefault)
	styled.Close()
	if err != nil {
		blurred.Close()
		return gocv.NewMat(), fmt.Errorf("failed to blur background: %w", err)
	}
	return blurred, nil
}

func (c *Compositor) rotate(src gocv.Mat) (gocv.Mat, error) {
	var code gocv.RotateFlag
	switch c.cfg.Rotation {
	case 0:
		return src.Clone(), nil
	case 90:
		code = gocv.Rotate90Clockwise
	case 180:
		code = gocv.Rotate180Clockwise
	case 270:
		code = gocv.Rotate90CounterClockwise
	default:
		return gocv.NewMat(), fmt.Errorf("%w: %d", ErrRotation, c.cfg.Rotation)
	}

	out := gocv.NewMat()
	if err := gocv.Rotate(src, &out, code); err != nil {
		out.Close()
		return gocv.NewMat(), fmt.Errorf("failed to rotate by %d: %w", c.cfg.Rotation, err)
	}
	return out, nil
}
