// Package testdata renders synthetic stereo shots and calibration metadata for tests.
package testdata

import (
	"fmt"
	"image"
	"math/rand"

	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/calib"
)

// textureBlock is the edge of the square cells of the random texture. It keeps the
// texture intact through a 0.5 downscale.
const textureBlock = 4

// SensorSize is the default sensor frame of the synthetic shots.
var SensorSize = image.Pt(200, 160)

// Foreground is the near region of the default synthetic shot, in the sensor frame.
var Foreground = image.Rect(60, 50, 140, 110)

// Shift is the default foreground displacement between the two views, in sensor pixels.
const Shift = 8

type texture struct {
	cols  int
	cells []uint8
}

func newTexture(size image.Point, rng *rand.Rand) texture {
	cols := size.X/textureBlock + 1
	rows := size.Y/textureBlock + 1
	cells := make([]uint8, cols*rows)
	for i := range cells {
		cells[i] = uint8(rng.Intn(256))
	}
	return texture{cols: cols, cells: cells}
}

func (t texture) at(x, y int) uint8 {
	return t.cells[(y/textureBlock)*t.cols+x/textureBlock]
}

// StereoPair renders a textured BGR pair in the sensor frame. Pixels inside fg appear
// shift rows lower in the wide view; once both views are turned clockwise into the
// working frame this is a horizontal disparity of shift, while the background has none.
// The caller owns both Mats.
func StereoPair(size image.Point, fg image.Rectangle, shift int, seed int64) (gocv.Mat, gocv.Mat, error) {
	rng := rand.New(rand.NewSource(seed))
	bg := newTexture(size, rng)
	near := newTexture(size, rng)

	normal := make([]byte, size.X*size.Y*3)
	wide := make([]byte, size.X*size.Y*3)
	for y := 0; y < size.Y; y++ {
		for x := 0; x < size.X; x++ {
			i := (y*size.X + x) * 3

			n := bg.at(x, y)
			if image.Pt(x, y).In(fg) {
				n = near.at(x, y)
			}
			w := bg.at(x, y)
			if image.Pt(x, y-shift).In(fg) {
				w = near.at(x, y-shift)
			}

			normal[i], normal[i+1], normal[i+2] = n, n, n
			wide[i], wide[i+1], wide[i+2] = w, w, w
		}
	}

	nm, err := matFromBGR(size, normal)
	if err != nil {
		return gocv.NewMat(), gocv.NewMat(), err
	}
	wm, err := matFromBGR(size, wide)
	if err != nil {
		nm.Close()
		return gocv.NewMat(), gocv.NewMat(), err
	}
	return nm, wm, nil
}

// DefaultStereoPair renders the default synthetic shot.
func DefaultStereoPair() (gocv.Mat, gocv.Mat, error) {
	return StereoPair(SensorSize, Foreground, Shift, 1)
}

// Solid returns a BGR image filled with one color.
func Solid(size image.Point, b, g, r float64) gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(b, g, r, 0), size.Y, size.X, gocv.MatTypeCV8UC3)
}

// EncodeJPEG encodes img for upload tests.
func EncodeJPEG(img gocv.Mat) ([]byte, error) {
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		return nil, fmt.Errorf("encode fixture: %w", err)
	}
	defer buf.Close()
	return append([]byte(nil), buf.GetBytes()...), nil
}

func matFromBGR(size image.Point, data []byte) (gocv.Mat, error) {
	view, err := gocv.NewMatFromBytes(size.Y, size.X, gocv.MatTypeCV8UC3, data)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("wrap fixture: %w", err)
	}
	defer view.Close()
	return view.Clone(), nil
}

// Calibration returns complete metadata for a lens of the default sensor with the
// given focal length and horizontal position.
func Calibration(lens calib.LensID, focal, tx float64) calib.Calibration {
	return calib.Calibration{
		Lens:        lens,
		Intrinsics:  []float64{focal, focal, float64(SensorSize.X-1) / 2, float64(SensorSize.Y-1) / 2, 0},
		Distortion:  []float64{0, 0, 0, 0, 0},
		Rotation:    []float64{0, 0, 0, 1},
		Translation: []float64{tx, 0, 0},
	}
}

// Rig returns a complete calibration for both lenses with a 12 mm horizontal baseline.
func Rig() *calib.Rig {
	return &calib.Rig{
		Normal: Calibration(calib.Normal, 220, 0.012),
		Wide:   Calibration(calib.Wide, 200, 0),
	}
}

// PlainRig returns metadata without intrinsics, distortion or pose, as reported by
// platforms too old to expose them.
func PlainRig() *calib.Rig {
	return &calib.Rig{
		Normal: calib.Calibration{Lens: calib.Normal},
		Wide:   calib.Calibration{Lens: calib.Wide},
	}
}

// RigYAML is Rig in calibration file form.
const RigYAML = `normal:
  intrinsics: [220, 220, 99.5, 79.5, 0]
  distortion: [0, 0, 0, 0, 0]
  pose_rotation: [0, 0, 0, 1]
  pose_translation: [0.012, 0, 0]
  face: {x: 80, y: 60, width: 30, height: 30}
wide:
  intrinsics: [200, 200, 99.5, 79.5, 0]
  distortion: [0, 0, 0, 0, 0]
  pose_rotation: [0, 0, 0, 1]
  pose_translation: [0, 0, 0]
`
