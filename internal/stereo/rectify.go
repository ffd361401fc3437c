package stereo

import (
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
	"gonum.org/v1/gonum/mat"

	"github.com/ayusman/duolens/internal/geometry"
)

// roiSamples is the number of points taken along each image edge when locating the
// valid region of a rectified view.
const roiSamples = 9

// Rectify runs OpenCV's Bouguet rectification with zero disparity at infinity: both
// rectified views share one focal length and principal point.
func (e *engine) Rectify(normal, wide geometry.Camera, size image.Point, ext geometry.Extrinsics) (*Rectification, error) {
	if size.X <= 0 || size.Y <= 0 {
		return nil, fmt.Errorf("%w: image size %v", ErrInvalidParams, size)
	}
	if ext.T.Norm() < 1e-12 {
		return nil, fmt.Errorf("%w: zero baseline", geometry.ErrDegenerate)
	}

	k1 := denseToMat(normal.Matrix)
	defer k1.Close()
	d1 := rowToMat(normal.Distortion[:])
	defer d1.Close()
	k2 := denseToMat(wide.Matrix)
	defer k2.Close()
	d2 := rowToMat(wide.Distortion[:])
	defer d2.Close()
	r := denseToMat(ext.R)
	defer r.Close()
	t := denseToMat(mat.NewVecDense(3, []float64{ext.T.X, ext.T.Y, ext.T.Z}))
	defer t.Close()

	r1, r2 := gocv.NewMat(), gocv.NewMat()
	defer r1.Close()
	defer r2.Close()
	p1, p2 := gocv.NewMat(), gocv.NewMat()
	defer p1.Close()
	defer p2.Close()
	q := gocv.NewMat()
	defer q.Close()

	if err := gocv.StereoRectify(k1, d1, k2, d2, size, r, t, &r1, &r2, &p1, &p2, &q, gocv.CalibFlagPinholeZeroDisparity); err != nil {
		return nil, fmt.Errorf("stereo rectify: %w", err)
	}

	rect := &Rectification{
		R1: matToDense(r1),
		R2: matToDense(r2),
		P1: matToDense(p1),
		P2: matToDense(p2),
		Q:  matToDense(q),
	}
	for _, m := range []*mat.Dense{rect.R1, rect.R2, rect.P1, rect.P2, rect.Q} {
		if !finiteDense(m) {
			return nil, fmt.Errorf("%w: rectification is not finite", geometry.ErrDegenerate)
		}
	}

	var err error
	if rect.ROI1, err = validROI(k1, d1, r1, p1, size); err != nil {
		return nil, fmt.Errorf("normal valid region: %w", err)
	}
	if rect.ROI2, err = validROI(k2, d2, r2, p2, size); err != nil {
		return nil, fmt.Errorf("wide valid region: %w", err)
	}

	e.logger.Debugw("rectified",
		"focal", rect.P1.At(0, 0),
		"cx", rect.P1.At(0, 2),
		"cy", rect.P1.At(1, 2),
		"p2", []float64{rect.P2.At(0, 3), rect.P2.At(1, 3)},
		"roi1", rect.ROI1,
		"roi2", rect.ROI2,
	)
	return rect, nil
}

// validROI maps points along the source image border into the rectified view and
// returns the largest axis-aligned rectangle inside them, clipped to the image.
func validROI(k, d, r, p gocv.Mat, size image.Point) (image.Rectangle, error) {
	w, h := float64(size.X-1), float64(size.Y-1)
	n := 4 * roiSamples

	src := gocv.NewMatWithSize(n, 1, gocv.MatTypeCV64FC2)
	defer src.Close()
	for i := 0; i < roiSamples; i++ {
		f := float64(i) / float64(roiSamples-1)
		for j, pt := range [4][2]float64{
			{0, f * h}, // left
			{w, f * h}, // right
			{f * w, 0}, // top
			{f * w, h}, // bottom
		} {
			row := j*roiSamples + i
			src.SetDoubleAt(row, 0, pt[0])
			src.SetDoubleAt(row, 1, pt[1])
		}
	}

	dst := gocv.NewMat()
	defer dst.Close()
	if err := gocv.UndistortPoints(src, &dst, k, d, r, p); err != nil {
		return image.Rectangle{}, fmt.Errorf("undistort border: %w", err)
	}

	left, top := math.Inf(-1), math.Inf(-1)
	right, bottom := math.Inf(1), math.Inf(1)
	for i := 0; i < roiSamples; i++ {
		left = math.Max(left, dst.GetDoubleAt(i, 0))
		right = math.Min(right, dst.GetDoubleAt(roiSamples+i, 0))
		top = math.Max(top, dst.GetDoubleAt(2*roiSamples+i, 1))
		bottom = math.Min(bottom, dst.GetDoubleAt(3*roiSamples+i, 1))
	}

	const eps = 1e-6
	roi := image.Rect(
		int(math.Ceil(left-eps)), int(math.Ceil(top-eps)),
		int(math.Floor(right+eps))+1, int(math.Floor(bottom+eps))+1,
	)
	return roi.Intersect(image.Rect(0, 0, size.X, size.Y)), nil
}

// matToDense copies a single-channel CV_64F Mat into a gonum matrix.
func matToDense(m gocv.Mat) *mat.Dense {
	out := mat.NewDense(m.Rows(), m.Cols(), nil)
	for i := 0; i < m.Rows(); i++ {
		for j := 0; j < m.Cols(); j++ {
			out.Set(i, j, m.GetDoubleAt(i, j))
		}
	}
	return out
}

func finiteDense(m *mat.Dense) bool {
	r, c := m.Dims()
	for i := 0; i < r; i++ {
		for j := 0; j < c; j++ {
			if v := m.At(i, j); math.IsNaN(v) || math.IsInf(v, 0) {
				return false
			}
		}
	}
	return true
}
