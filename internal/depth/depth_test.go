package depth

import (
	"errors"
	"image"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/config"
	"github.com/ayusman/duolens/internal/geometry"
	"github.com/ayusman/duolens/internal/stereo"
	"github.com/ayusman/duolens/testdata"
)

type stageRecorder struct {
	mu     sync.Mutex
	stages []string
}

func (r *stageRecorder) Publish(shotID, stage string, img gocv.Mat) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stages = append(r.stages, stage)
}

func (r *stageRecorder) has(stage string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stages {
		if s == stage {
			return true
		}
	}
	return false
}

func testParams() stereo.Params {
	return stereo.Params{
		NumDisparities: 16,
		BlockSize:      5,
		P1:             200,
		P2:             800,
		Disp12MaxDiff:  -1,
		PreFilterCap:   31,
		Mode:           stereo.ModeHH4,
	}
}

func testConfig() Config {
	return Config{DownscaleFactor: 0.5, Lambda: 8000, Sigma: 1.5}
}

func grayPair(t *testing.T) (gocv.Mat, gocv.Mat) {
	t.Helper()
	normal, wide, err := testdata.DefaultStereoPair()
	if err != nil {
		t.Fatalf("DefaultStereoPair() error = %v", err)
	}
	defer normal.Close()
	defer wide.Close()

	ng, wg := gocv.NewMat(), gocv.NewMat()
	gocv.CvtColor(normal, &ng, gocv.ColorBGRToGray)
	gocv.CvtColor(wide, &wg, gocv.ColorBGRToGray)
	return ng, wg
}

func meanIn(m gocv.Mat, r image.Rectangle) float64 {
	var sum float64
	for y := r.Min.Y; y < r.Max.Y; y++ {
		for x := r.Min.X; x < r.Max.X; x++ {
			sum += float64(m.GetUCharAt(y, x))
		}
	}
	return sum / float64(r.Dx()*r.Dy())
}

func TestWorkingFrame(t *testing.T) {
	f := WorkingFrame(image.Pt(200, 160), 0.5)
	if got, want := f.Size(), image.Pt(80, 100); got != want {
		t.Errorf("Size() = %v, want %v", got, want)
	}
}

func TestEstimate_UnrectifiedSeparatesForeground(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping depth estimation in short mode")
	}

	normal, wide := grayPair(t)
	defer normal.Close()
	defer wide.Close()

	rec := &stageRecorder{}
	logger := zaptest.NewLogger(t).Sugar()
	est := New(stereo.NewEngine(logger), testParams(), testConfig(), rec, logger)

	img, err := est.Estimate("shot", normal, wide, geometry.Unavailable(geometry.ErrMissingCalibration))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	defer img.Close()

	if !img.Frame.Equal(WorkingFrame(testdata.SensorSize, 0.5)) {
		t.Fatalf("frame = %s, want working frame", img.Frame)
	}
	if img.Mat.Type() != gocv.MatTypeCV8UC1 {
		t.Fatalf("type = %v, want CV_8UC1", img.Mat.Type())
	}

	// Sensor foreground (60,50)-(140,110) lands at x 25..55, y 30..70 in the working frame.
	fg := meanIn(img.Mat, image.Rect(32, 38, 48, 62))
	bg := meanIn(img.Mat, image.Rect(32, 4, 48, 20))
	if fg-bg < 30 {
		t.Errorf("foreground mean %.1f should clearly exceed background mean %.1f", fg, bg)
	}

	for _, stage := range []string{artifact.StageDisparity, artifact.StageDisparitySecondary, artifact.StageDisparityFiltered} {
		if !rec.has(stage) {
			t.Errorf("stage %s not published", stage)
		}
	}
	if rec.has(artifact.StageRectifiedNormal) {
		t.Error("unrectified path should not publish rectified stages")
	}
}

func TestEstimate_RectifiedPath(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping depth estimation in short mode")
	}

	normal, wide := grayPair(t)
	defer normal.Close()
	defer wide.Close()

	rig := testdata.Rig()
	geo := geometry.Resolve(rig.Normal, rig.Wide)
	if !geo.Available() {
		t.Fatalf("Resolve() = %v, want rectified", geo.Reason)
	}

	rec := &stageRecorder{}
	logger := zaptest.NewLogger(t).Sugar()
	est := New(stereo.NewEngine(logger), testParams(), testConfig(), rec, logger)

	img, err := est.Estimate("shot", normal, wide, geo)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	defer img.Close()

	if got, want := image.Pt(img.Mat.Cols(), img.Mat.Rows()), image.Pt(80, 100); got != want {
		t.Errorf("size = %v, want %v", got, want)
	}
	for _, stage := range []string{artifact.StageRectifiedNormal, artifact.StageRectifiedWide} {
		if !rec.has(stage) {
			t.Errorf("stage %s not published", stage)
		}
	}
}

// disjointEngine rectifies normally but reports valid regions that do not overlap.
type disjointEngine struct {
	stereo.Engine
}

func (d disjointEngine) Rectify(normal, wide geometry.Camera, size image.Point, ext geometry.Extrinsics) (*stereo.Rectification, error) {
	rect, err := d.Engine.Rectify(normal, wide, size, ext)
	if err != nil {
		return nil, err
	}
	rect.ROI1 = image.Rect(0, 0, size.X/2, size.Y)
	rect.ROI2 = image.Rect(size.X/2, 0, size.X, size.Y)
	return rect, nil
}

func TestEstimate_DisjointValidRegionsFallBack(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping depth estimation in short mode")
	}

	normal, wide := grayPair(t)
	defer normal.Close()
	defer wide.Close()

	rig := testdata.Rig()
	geo := geometry.Resolve(rig.Normal, rig.Wide)

	rec := &stageRecorder{}
	logger := zaptest.NewLogger(t).Sugar()
	est := New(disjointEngine{Engine: stereo.NewEngine(logger)}, testParams(), testConfig(), rec, logger)

	img, err := est.Estimate("shot", normal, wide, geo)
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	defer img.Close()

	if rec.has(artifact.StageRectifiedNormal) || rec.has(artifact.StageRectifiedWide) {
		t.Error("rectified stages published for views that do not overlap")
	}
	if !rec.has(artifact.StageDisparityFiltered) {
		t.Error("unrectified fallback produced no filtered disparity")
	}
}

func TestEstimate_ResizesWideView(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping depth estimation in short mode")
	}

	normal, wide := grayPair(t)
	defer normal.Close()
	defer wide.Close()

	larger := gocv.NewMat()
	defer larger.Close()
	gocv.Resize(wide, &larger, image.Pt(300, 240), 0, 0, gocv.InterpolationLinear)

	est := New(stereo.NewEngine(nil), testParams(), testConfig(), nil, nil)
	img, err := est.Estimate("shot", normal, larger, geometry.Unavailable(geometry.ErrMissingCalibration))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	defer img.Close()

	if got := img.Frame.Origin; got != testdata.SensorSize {
		t.Errorf("origin = %v, want normal size %v", got, testdata.SensorSize)
	}
}

type failingEngine struct {
	stereo.Engine
	err error
}

func (f failingEngine) ComputeDisparity(ref, other gocv.Mat, params stereo.Params, side stereo.Side) (gocv.Mat, error) {
	return gocv.NewMat(), f.err
}

func TestEstimate_EngineFailure(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping gocv test in short mode")
	}

	normal := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), 40, 40, gocv.MatTypeCV8UC1)
	defer normal.Close()
	wide := normal.Clone()
	defer wide.Close()

	boom := errors.New("matcher exploded")
	est := New(failingEngine{Engine: stereo.NewEngine(nil), err: boom}, testParams(), testConfig(), nil, nil)

	_, err := est.Estimate("shot", normal, wide, geometry.Unavailable(geometry.ErrMissingCalibration))
	if !errors.Is(err, boom) {
		t.Errorf("Estimate() error = %v, want %v", err, boom)
	}
}

func TestEstimate_EmptyFrame(t *testing.T) {
	empty := gocv.NewMat()
	defer empty.Close()

	est := New(stereo.NewEngine(nil), testParams(), testConfig(), nil, nil)
	if _, err := est.Estimate("shot", empty, empty, geometry.Geometry{}); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("Estimate() error = %v, want ErrEmptyFrame", err)
	}
}

func TestEstimate_DefaultConfigDetectsShift(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping full-size depth estimation in short mode")
	}

	size := image.Pt(640, 480)
	fg := image.Rect(200, 120, 440, 300)
	normal, wide, err := testdata.StereoPair(size, fg, 8, 7)
	if err != nil {
		t.Fatalf("StereoPair() error = %v", err)
	}
	defer normal.Close()
	defer wide.Close()

	ng, wg := gocv.NewMat(), gocv.NewMat()
	defer ng.Close()
	defer wg.Close()
	gocv.CvtColor(normal, &ng, gocv.ColorBGRToGray)
	gocv.CvtColor(wide, &wg, gocv.ColorBGRToGray)

	cfg := config.DefaultConfig()
	params, err := cfg.Disparity.Params()
	if err != nil {
		t.Fatalf("Params() error = %v", err)
	}
	est := New(stereo.NewEngine(nil), params, Config{
		DownscaleFactor: cfg.Pipeline.DownscaleFactor,
		Lambda:          cfg.Disparity.WLSLambda,
		Sigma:           cfg.Disparity.WLSSigma,
	}, nil, nil)

	img, err := est.Estimate("shot", ng, wg, geometry.Unavailable(geometry.ErrMissingCalibration))
	if err != nil {
		t.Fatalf("Estimate() error = %v", err)
	}
	defer img.Close()

	// The shifted region maps to x 90..180, y 100..220 of the 240x320 working frame.
	shifted := meanIn(img.Mat, image.Rect(105, 120, 165, 200))
	still := meanIn(img.Mat, image.Rect(105, 20, 165, 80))
	if shifted-still < 30 {
		t.Errorf("shifted region mean %.1f should clearly exceed unshifted mean %.1f", shifted, still)
	}
}
