package xform

import (
	"fmt"

	"gocv.io/x/gocv"
)

// Image is a Mat tagged with the frame it lives in.
type Image struct {
	Mat   gocv.Mat
	Frame Frame
}

// NewImage tags m with frame f after checking its dimensions.
func NewImage(m gocv.Mat, f Frame) (Image, error) {
	if got := matSize(m); got != f.Size() {
		return Image{}, fmt.Errorf("%w: got %v, frame %s", ErrFrameMismatch, got, f)
	}
	return Image{Mat: m, Frame: f}, nil
}

// Close releases the underlying Mat.
func (i Image) Close() error {
	return i.Mat.Close()
}

// Restore carries the image back to its origin frame.
func (i Image) Restore(interp gocv.InterpolationFlags) (gocv.Mat, error) {
	return i.Frame.Invert(i.Mat, interp)
}

// Align returns a copy of img expressed in the target frame. When the target chain
// extends img's chain only the extra ops are applied; otherwise img is restored to
// its origin first. The caller owns the returned image.
func Align(img Image, target Frame, interp gocv.InterpolationFlags) (Image, error) {
	if img.Frame.Equal(target) {
		return Image{Mat: img.Mat.Clone(), Frame: target}, nil
	}
	if img.Frame.Origin != target.Origin {
		return Image{}, fmt.Errorf("%w: origin %v vs %v", ErrFrameMismatch, img.Frame.Origin, target.Origin)
	}

	if target.hasPrefix(img.Frame) {
		rest := target.Ops[len(img.Frame.Ops):]
		sizes := target.sizes()[len(img.Frame.Ops)+1:]
		m, err := run(img.Mat, rest, sizes, interp)
		if err != nil {
			return Image{}, err
		}
		return Image{Mat: m, Frame: target}, nil
	}

	origin, err := img.Restore(interp)
	if err != nil {
		return Image{}, err
	}
	defer origin.Close()

	m, err := target.Apply(origin, interp)
	if err != nil {
		return Image{}, err
	}
	return Image{Mat: m, Frame: target}, nil
}
