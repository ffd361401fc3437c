// Package pipeline runs a captured shot through geometry, depth, mask and
// compositing, applying the failure policy of each stage.
package pipeline

import (
	"errors"
	"fmt"
	"image"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/capture"
	"github.com/ayusman/duolens/internal/composite"
	"github.com/ayusman/duolens/internal/config"
	"github.com/ayusman/duolens/internal/depth"
	"github.com/ayusman/duolens/internal/detector"
	"github.com/ayusman/duolens/internal/geometry"
	"github.com/ayusman/duolens/internal/mask"
	"github.com/ayusman/duolens/internal/stereo"
)

// ErrShotFailed matches every *ShotError.
var ErrShotFailed = errors.New("shot failed")

// ShotError reports the stage at which a shot failed.
type ShotError struct {
	ShotID string
	Stage  string
	Err    error
}

func (e *ShotError) Error() string {
	return fmt.Sprintf("shot %s failed at %s: %v", e.ShotID, e.Stage, e.Err)
}

func (e *ShotError) Unwrap() error { return e.Err }

// Is makes errors.Is(err, ErrShotFailed) hold for any ShotError.
func (e *ShotError) Is(target error) bool { return target == ErrShotFailed }

// Status is the outcome of processing a shot.
type Status int

const (
	StatusCompleted Status = iota
	StatusIncomplete
	StatusFailed
	StatusCalibration
	StatusPortrait
)

func (s Status) String() string {
	switch s {
	case StatusCompleted:
		return "completed"
	case StatusIncomplete:
		return "incomplete"
	case StatusFailed:
		return "failed"
	case StatusCalibration:
		return "calibration"
	case StatusPortrait:
		return "portrait"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Result is the output of a shot. The caller owns both Mats and must Close the result.
type Result struct {
	ShotID string
	Status Status
	// Image is the composite in sensor resolution and display orientation, or a
	// placeholder when the shot did not complete.
	Image gocv.Mat
	// Fallback holds the unprocessed normal frame when processing failed.
	Fallback gocv.Mat
	// Path is the depth path the shot took.
	Path     geometry.Availability
	Duration time.Duration
}

// Close releases the result images.
func (r *Result) Close() {
	r.Image.Close()
	r.Fallback.Close()
}

// PlaceholderSize is the edge of the placeholder image.
const PlaceholderSize = 100

// Placeholder returns the black image standing in for a shot without output.
func Placeholder() gocv.Mat {
	return gocv.NewMatWithSizeFromScalar(gocv.NewScalar(0, 0, 0, 0), PlaceholderSize, PlaceholderSize, gocv.MatTypeCV8UC3)
}

// Sinks are the stage image destinations. Either may be nil.
type Sinks struct {
	// Dir receives stage images when save-intermediate is on, and the raw shots in
	// calibration mode.
	Dir artifact.Sink
	// Board receives stage images when show-intermediate is on.
	Board artifact.Sink
}

// Pipeline processes shots one at a time.
type Pipeline struct {
	engine   stereo.Engine
	detector detector.Detector
	sinks    Sinks
	logger   *zap.SugaredLogger

	mu  sync.RWMutex
	cfg config.Config
}

// New creates a Pipeline. det may be nil when no face detector is available.
func New(cfg *config.Config, engine stereo.Engine, det detector.Detector, sinks Sinks, logger *zap.SugaredLogger) (*Pipeline, error) {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	if engine == nil {
		engine = stereo.NewEngine(logger)
	}
	p := &Pipeline{engine: engine, detector: det, sinks: sinks, logger: logger}
	if err := p.Configure(cfg); err != nil {
		return nil, err
	}
	return p, nil
}

// Configure replaces the settings used by following shots.
func (p *Pipeline) Configure(cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.cfg = *cfg
	return nil
}

func (p *Pipeline) config() config.Config {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cfg
}

// sink assembles the stage sinks enabled by cfg.
func (p *Pipeline) sink(cfg config.Config) artifact.Sink {
	var sinks artifact.Multi
	if cfg.Pipeline.SaveIntermediate && p.sinks.Dir != nil {
		sinks = append(sinks, p.sinks.Dir)
	}
	if cfg.Pipeline.ShowIntermediate && p.sinks.Board != nil {
		sinks = append(sinks, p.sinks.Board)
	}
	if len(sinks) == 0 {
		return artifact.Nop{}
	}
	return sinks
}

// Process runs shot through the pipeline. It never closes the shot.
//
// A shot missing a frame yields StatusIncomplete and no error. A failing stage yields
// StatusFailed with a placeholder image, the normal frame as fallback and a *ShotError.
func (p *Pipeline) Process(shot *capture.Shot) (*Result, error) {
	start := time.Now()
	cfg := p.config()

	if shot == nil {
		return incomplete(""), nil
	}
	sink := p.sink(cfg)

	var (
		res *Result
		err error
	)
	if shot.TwoLens {
		res, err = p.processPair(shot, cfg, sink)
	} else {
		res, err = p.processPortrait(shot, cfg, sink)
	}
	res.Duration = time.Since(start)

	if err != nil {
		p.logger.Errorw("shot failed", "shot", shot.ID, "error", err, "duration", res.Duration)
	} else {
		p.logger.Infow("shot processed", "shot", shot.ID, "status", res.Status, "path", res.Path, "duration", res.Duration)
	}
	return res, err
}

func (p *Pipeline) processPair(shot *capture.Shot, cfg config.Config, sink artifact.Sink) (*Result, error) {
	if !usable(shot.Normal) || !usable(shot.Wide) {
		p.logger.Warnw("shot is missing a frame", "shot", shot.ID)
		return incomplete(shot.ID), nil
	}
	normal, wide := shot.Normal, shot.Wide

	if cfg.Pipeline.CalibrationMode {
		calibSink := p.sinks.Dir
		if calibSink == nil {
			calibSink = sink
		}
		calibSink.Publish(shot.ID, artifact.StageNormalCalibration, normal.Image)
		calibSink.Publish(shot.ID, artifact.StageWideCalibration, wide.Image)
		return &Result{ShotID: shot.ID, Status: StatusCalibration, Image: normal.Image.Clone(), Fallback: gocv.NewMat()}, nil
	}

	sink.Publish(shot.ID, artifact.StageNormalShot, normal.Image)
	sink.Publish(shot.ID, artifact.StageWideShot, wide.Image)

	face, hasFace := p.face(shot.ID, normal)

	ng, err := gray(normal.Image)
	if err != nil {
		return p.fail(shot.ID, "grayscale", normal, err)
	}
	defer ng.Close()
	wg, err := gray(wide.Image)
	if err != nil {
		return p.fail(shot.ID, "grayscale", normal, err)
	}
	defer wg.Close()

	geo := geometry.Resolve(normal.Calibration, wide.Calibration)
	if !geo.Available() {
		p.logger.Infow("calibration unavailable, matching unrectified frames", "shot", shot.ID, "reason", geo.Reason)
	}

	params, err := cfg.Disparity.Params()
	if err != nil {
		return p.fail(shot.ID, "depth", normal, err)
	}
	est := depth.New(p.engine, params, depth.Config{
		DownscaleFactor: cfg.Pipeline.DownscaleFactor,
		InvertMatcher:   cfg.Disparity.InvertMatcher,
		Lambda:          cfg.Disparity.WLSLambda,
		Sigma:           cfg.Disparity.WLSSigma,
	}, sink, p.logger)

	disparity, err := est.Estimate(shot.ID, ng, wg, geo)
	if err != nil {
		return p.fail(shot.ID, "depth", normal, err)
	}
	defer disparity.Close()

	builder := mask.New(mask.Config{
		Threshold:      cfg.Pipeline.MaskThreshold,
		FaceProtection: cfg.Pipeline.FaceProtection,
	}, sink, p.logger)
	m, err := builder.Build(shot.ID, disparity, face, hasFace)
	if err != nil {
		return p.fail(shot.ID, "mask", normal, err)
	}
	defer m.Close()

	out, err := p.compositor(cfg, sink).Compose(shot.ID, normal.Image, m)
	if err != nil {
		return p.fail(shot.ID, "composite", normal, err)
	}

	return &Result{ShotID: shot.ID, Status: StatusCompleted, Image: out, Fallback: gocv.NewMat(), Path: geo.Availability}, nil
}

// processPortrait renders a single-lens shot from its wide frame.
func (p *Pipeline) processPortrait(shot *capture.Shot, cfg config.Config, sink artifact.Sink) (*Result, error) {
	if !usable(shot.Wide) {
		return incomplete(shot.ID), nil
	}
	sink.Publish(shot.ID, artifact.StageWideShot, shot.Wide.Image)

	face, hasFace := p.face(shot.ID, shot.Wide)
	out, err := p.compositor(cfg, sink).Portrait(shot.ID, shot.Wide.Image, face, hasFace)
	if err != nil {
		return p.fail(shot.ID, "portrait", shot.Wide, err)
	}
	return &Result{ShotID: shot.ID, Status: StatusPortrait, Image: out, Fallback: gocv.NewMat()}, nil
}

func (p *Pipeline) compositor(cfg config.Config, sink artifact.Sink) *composite.Compositor {
	style := composite.Mono
	if cfg.Pipeline.Sepia {
		style = composite.Sepia
	}
	return composite.New(composite.Config{
		Style:      style,
		BlurRadius: cfg.Pipeline.BlurRadius,
		Rotation:   normalizeRotation(cfg.Pipeline.RequiredRotation),
	}, sink, p.logger)
}

// face returns the face reported with the frame, or asks the detector.
// Detector failures mean no face.
func (p *Pipeline) face(shotID string, frame *capture.Frame) (image.Rectangle, bool) {
	if r, ok := frame.Calibration.FaceBounds(); ok {
		return r, true
	}
	if p.detector == nil {
		return image.Rectangle{}, false
	}

	face, err := p.detector.Detect(&frame.Image)
	if err != nil {
		p.logger.Warnw("face detection failed", "shot", shotID, "lens", frame.Lens, "error", err)
		return image.Rectangle{}, false
	}
	if face.Found {
		p.logger.Debugw("face detected", "shot", shotID, "lens", frame.Lens, "bounds", face.Bounds)
	}
	return face.Bounds, face.Found
}

func (p *Pipeline) fail(shotID, stage string, fallback *capture.Frame, err error) (*Result, error) {
	return &Result{
		ShotID:   shotID,
		Status:   StatusFailed,
		Image:    Placeholder(),
		Fallback: fallback.Image.Clone(),
	}, &ShotError{ShotID: shotID, Stage: stage, Err: err}
}

func incomplete(shotID string) *Result {
	return &Result{ShotID: shotID, Status: StatusIncomplete, Image: Placeholder(), Fallback: gocv.NewMat()}
}

func usable(f *capture.Frame) bool {
	return f != nil && !f.Image.Empty()
}

func gray(src gocv.Mat) (gocv.Mat, error) {
	if src.Channels() == 1 {
		return src.Clone(), nil
	}
	dst := gocv.NewMat()
	if err := gocv.CvtColor(src, &dst, gocv.ColorBGRToGray); err != nil {
		dst.Close()
		return gocv.NewMat(), fmt.Errorf("failed to convert %d-channel image to gray: %w", src.Channels(), err)
	}
	return dst, nil
}

// normalizeRotation maps any multiple of 90 degrees into [0, 360).
func normalizeRotation(deg int) int {
	return ((deg % 360) + 360) % 360
}
