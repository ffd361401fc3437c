package stereo

import (
	"fmt"
	"image"
	"image/color"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/ayusman/duolens/internal/geometry"
)

func (e *engine) UndistortRectifyMap(cam geometry.Camera, r, p *mat.Dense, size image.Point) (*Maps, error) {
	k := denseToMat(cam.Matrix)
	defer k.Close()
	d := rowToMat(cam.Distortion[:])
	defer d.Close()
	rm := denseToMat(r)
	defer rm.Close()
	pm := denseToMat(p)
	defer pm.Close()

	maps := &Maps{X: gocv.NewMat(), Y: gocv.NewMat()}
	if err := gocv.InitUndistortRectifyMap(k, d, rm, pm, size, int(gocv.MatTypeCV32FC1), maps.X, maps.Y); err != nil {
		maps.Close()
		return nil, fmt.Errorf("failed to build remap tables for %v: %w", size, err)
	}
	return maps, nil
}

func (e *engine) Remap(src gocv.Mat, maps *Maps) (gocv.Mat, error) {
	dst := gocv.NewMat()
	if err := gocv.Remap(src, &dst, &maps.X, &maps.Y, gocv.InterpolationLinear, gocv.BorderConstant, color.RGBA{}); err != nil {
		dst.Close()
		return gocv.NewMat(), fmt.Errorf("remap: %w", err)
	}
	return dst, nil
}

// denseToMat copies a gonum matrix into a CV_64FC1 Mat.
func denseToMat(m mat.Matrix) gocv.Mat {
	rows, cols := m.Dims()
	out := gocv.NewMatWithSize(rows, cols, gocv.MatTypeCV64FC1)
	for i := 0; i < rows; i++ {
		for j := 0; j < cols; j++ {
			out.SetDoubleAt(i, j, m.At(i, j))
		}
	}
	return out
}

func rowToMat(v []float64) gocv.Mat {
	return denseToMat(mat.NewDense(1, len(v), append([]float64(nil), v...)))
}
