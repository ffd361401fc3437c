package stereo

import (
	"encoding/binary"
	"fmt"
	"math"

	"gocv.io/x/gocv"
)

// grid is a row-major 8-bit single channel image.
type grid struct {
	w, h int
	pix  []uint8
}

// atClamped reads with replicated borders.
func (g *grid) atClamped(x, y int) int {
	return int(g.pix[clamp(y, 0, g.h-1)*g.w+clamp(x, 0, g.w-1)])
}

// fgrid is a row-major float32 disparity map; NaN marks invalid pixels.
type fgrid struct {
	w, h int
	v    []float32
}

func newFgrid(w, h int) *fgrid {
	return &fgrid{w: w, h: h, v: make([]float32, w*h)}
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

func invalid() float32 {
	return float32(math.NaN())
}

func isInvalid(v float32) bool {
	return v != v
}

// grayGrid copies an 8-bit gray (or BGR, converted) Mat into a grid.
func grayGrid(m gocv.Mat) (*grid, error) {
	if m.Empty() {
		return nil, fmt.Errorf("empty image")
	}
	switch m.Type() {
	case gocv.MatTypeCV8UC1:
		return &grid{w: m.Cols(), h: m.Rows(), pix: m.ToBytes()}, nil
	case gocv.MatTypeCV8UC3:
		gray := gocv.NewMat()
		defer gray.Close()
		if err := gocv.CvtColor(m, &gray, gocv.ColorBGRToGray); err != nil {
			return nil, fmt.Errorf("gray conversion: %w", err)
		}
		return &grid{w: gray.Cols(), h: gray.Rows(), pix: gray.ToBytes()}, nil
	}
	return nil, fmt.Errorf("unsupported image type %v", m.Type())
}

// floatGrid copies a CV_32FC1 Mat into an fgrid.
func floatGrid(m gocv.Mat) (*fgrid, error) {
	if m.Type() != gocv.MatTypeCV32FC1 {
		return nil, fmt.Errorf("disparity must be CV_32FC1, got %v", m.Type())
	}
	raw := m.ToBytes()
	g := newFgrid(m.Cols(), m.Rows())
	if len(raw) != 4*len(g.v) {
		return nil, fmt.Errorf("disparity buffer has %d bytes, want %d", len(raw), 4*len(g.v))
	}
	for i := range g.v {
		g.v[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return g, nil
}

// toMat returns a CV_32FC1 Mat owning a copy of g.
func (g *fgrid) toMat() (gocv.Mat, error) {
	raw := make([]byte, 4*len(g.v))
	for i, v := range g.v {
		binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
	}
	return matFromBytes(g.h, g.w, gocv.MatTypeCV32FC1, raw)
}

// toMat returns a CV_8UC1 Mat owning a copy of g.
func (g *grid) toMat() (gocv.Mat, error) {
	return matFromBytes(g.h, g.w, gocv.MatTypeCV8UC1, g.pix)
}

// matFromBytes clones so the Mat does not reference Go memory.
func matFromBytes(rows, cols int, mt gocv.MatType, raw []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(rows, cols, mt, raw)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("failed to wrap buffer: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}

// NormalizeDisparity stretches the valid values of a CV_32FC1 disparity map to [0, 255];
// invalid pixels become 0. A constant map becomes all zeros.
func NormalizeDisparity(m gocv.Mat) (gocv.Mat, error) {
	g, err := floatGrid(m)
	if err != nil {
		return gocv.NewMat(), err
	}

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range g.v {
		if isInvalid(v) {
			continue
		}
		lo = min(lo, v)
		hi = max(hi, v)
	}

	out := &grid{w: g.w, h: g.h, pix: make([]uint8, len(g.v))}
	if hi > lo {
		scale := 255 / float64(hi-lo)
		for i, v := range g.v {
			if isInvalid(v) {
				continue
			}
			out.pix[i] = uint8(math.Round(float64(v-lo) * scale))
		}
	}
	return out.toMat()
}
