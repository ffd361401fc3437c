// Package xform tracks the chain of scale, rotation and flip operations that carries an image
// from the original sensor frame into a working frame, so that the chain can be inverted exactly.
package xform

import (
	"errors"
	"fmt"
	"image"
	"math"
	"strings"

	"gocv.io/x/gocv"
)

// ErrFrameMismatch is returned when an image does not have the dimensions its frame implies.
var ErrFrameMismatch = errors.New("image does not match its frame")

// Kind is the type of a single frame operation.
type Kind int

const (
	KindScale Kind = iota
	KindRotate90
	KindFlipHorizontal
)

// Op is one step of a frame chain.
type Op struct {
	Kind   Kind
	Factor float64
}

// Scale resizes by factor f on both axes.
func Scale(f float64) Op { return Op{Kind: KindScale, Factor: f} }

// Rotate90 rotates 90 degrees clockwise.
func Rotate90() Op { return Op{Kind: KindRotate90} }

// FlipHorizontal mirrors around the vertical axis.
func FlipHorizontal() Op { return Op{Kind: KindFlipHorizontal} }

func (o Op) String() string {
	switch o.Kind {
	case KindScale:
		return fmt.Sprintf("scale(%g)", o.Factor)
	case KindRotate90:
		return "rotate90"
	case KindFlipHorizontal:
		return "flipH"
	}
	return "unknown"
}

// next returns the image size after applying o to an image of size sz.
func (o Op) next(sz image.Point) image.Point {
	switch o.Kind {
	case KindScale:
		return image.Pt(scaled(sz.X, o.Factor), scaled(sz.Y, o.Factor))
	case KindRotate90:
		return image.Pt(sz.Y, sz.X)
	}
	return sz
}

func scaled(n int, f float64) int {
	v := int(math.Round(float64(n) * f))
	if v < 1 {
		return 1
	}
	return v
}

// Frame is an origin size plus the ordered operations applied to it.
// The zero Frame is the identity on an unknown origin.
type Frame struct {
	Origin image.Point
	Ops    []Op
}

// NewFrame returns a frame rooted at an image of the given size.
func NewFrame(origin image.Point, ops ...Op) Frame {
	return Frame{Origin: origin, Ops: append([]Op(nil), ops...)}
}

// Then returns a new frame with ops appended.
func (f Frame) Then(ops ...Op) Frame {
	out := make([]Op, 0, len(f.Ops)+len(ops))
	out = append(out, f.Ops...)
	out = append(out, ops...)
	return Frame{Origin: f.Origin, Ops: out}
}

// Equal reports whether f and g describe the same frame.
func (f Frame) Equal(g Frame) bool {
	if f.Origin != g.Origin || len(f.Ops) != len(g.Ops) {
		return false
	}
	for i := range f.Ops {
		if f.Ops[i] != g.Ops[i] {
			return false
		}
	}
	return true
}

// hasPrefix reports whether f's chain starts with all of g's ops.
func (f Frame) hasPrefix(g Frame) bool {
	if f.Origin != g.Origin || len(g.Ops) > len(f.Ops) {
		return false
	}
	for i := range g.Ops {
		if f.Ops[i] != g.Ops[i] {
			return false
		}
	}
	return true
}

// sizes returns the image size before each op and, last, the final size.
func (f Frame) sizes() []image.Point {
	out := make([]image.Point, 0, len(f.Ops)+1)
	sz := f.Origin
	out = append(out, sz)
	for _, op := range f.Ops {
		sz = op.next(sz)
		out = append(out, sz)
	}
	return out
}

// Size returns the dimensions of an image living in f.
func (f Frame) Size() image.Point {
	s := f.sizes()
	return s[len(s)-1]
}

func (f Frame) String() string {
	parts := make([]string, len(f.Ops))
	for i, op := range f.Ops {
		parts[i] = op.String()
	}
	return fmt.Sprintf("%dx%d[%s]", f.Origin.X, f.Origin.Y, strings.Join(parts, " "))
}

// Apply carries src, which must have the origin size, through the chain.
// The caller owns the returned Mat.
func (f Frame) Apply(src gocv.Mat, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	if got := matSize(src); got != f.Origin {
		return gocv.NewMat(), fmt.Errorf("%w: got %v, want origin %v", ErrFrameMismatch, got, f.Origin)
	}
	return run(src, f.Ops, f.sizes()[1:], interp)
}

// Invert carries src, which must have the frame's final size, back to the origin.
// The caller owns the returned Mat.
func (f Frame) Invert(src gocv.Mat, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	sizes := f.sizes()
	if got := matSize(src); got != sizes[len(sizes)-1] {
		return gocv.NewMat(), fmt.Errorf("%w: got %v, want %v", ErrFrameMismatch, got, sizes[len(sizes)-1])
	}

	inverse := make([]Op, 0, len(f.Ops))
	targets := make([]image.Point, 0, len(f.Ops))
	for i := len(f.Ops) - 1; i >= 0; i-- {
		inverse = append(inverse, f.Ops[i])
		targets = append(targets, sizes[i])
	}
	return runInverse(src, inverse, targets, interp)
}

// MapRect maps a rectangle in origin coordinates into the frame.
func (f Frame) MapRect(r image.Rectangle) image.Rectangle {
	sz := f.Origin
	for _, op := range f.Ops {
		switch op.Kind {
		case KindScale:
			r = image.Rect(
				int(math.Round(float64(r.Min.X)*op.Factor)), int(math.Round(float64(r.Min.Y)*op.Factor)),
				int(math.Round(float64(r.Max.X)*op.Factor)), int(math.Round(float64(r.Max.Y)*op.Factor)),
			)
		case KindRotate90:
			r = image.Rect(sz.Y-r.Max.Y, r.Min.X, sz.Y-r.Min.Y, r.Max.X)
		case KindFlipHorizontal:
			r = image.Rect(sz.X-r.Max.X, r.Min.Y, sz.X-r.Min.X, r.Max.Y)
		}
		sz = op.next(sz)
	}
	return r.Canon()
}

func run(src gocv.Mat, ops []Op, targets []image.Point, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	cur := src.Clone()
	for i, op := range ops {
		next := gocv.NewMat()
		var err error
		switch op.Kind {
		case KindScale:
			err = gocv.Resize(cur, &next, targets[i], 0, 0, interp)
		case KindRotate90:
			err = gocv.Rotate(cur, &next, gocv.Rotate90Clockwise)
		case KindFlipHorizontal:
			err = gocv.Flip(cur, &next, 1)
		}
		cur.Close()
		if err != nil {
			next.Close()
			return gocv.NewMat(), fmt.Errorf("failed to apply %s: %w", op, err)
		}
		cur = next
	}
	return cur, nil
}

func runInverse(src gocv.Mat, ops []Op, targets []image.Point, interp gocv.InterpolationFlags) (gocv.Mat, error) {
	cur := src.Clone()
	for i, op := range ops {
		next := gocv.NewMat()
		var err error
		switch op.Kind {
		case KindScale:
			err = gocv.Resize(cur, &next, targets[i], 0, 0, interp)
		case KindRotate90:
			err = gocv.Rotate(cur, &next, gocv.Rotate90CounterClockwise)
		case KindFlipHorizontal:
			err = gocv.Flip(cur, &next, 1)
		}
		cur.Close()
		if err != nil {
			next.Close()
			return gocv.NewMat(), fmt.Errorf("failed to invert %s: %w", op, err)
		}
		cur = next
	}
	return cur, nil
}

func matSize(m gocv.Mat) image.Point {
	return image.Pt(m.Cols(), m.Rows())
}
