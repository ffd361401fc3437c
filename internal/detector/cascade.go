package detector

import (
	"errors"
	"fmt"
	"image"
	"sync"

	"gocv.io/x/gocv"
)

// ErrNoCascade is returned when no cascade file is configured.
var ErrNoCascade = errors.New("no cascade file configured")

// CascadeDetector implements Detector with an OpenCV Haar cascade classifier.
type CascadeDetector struct {
	config     Config
	classifier gocv.CascadeClassifier
	mu         sync.Mutex
}

// NewCascadeDetector loads the configured cascade file.
func NewCascadeDetector(config Config) (*CascadeDetector, error) {
	if config.CascadeFile == "" {
		return nil, ErrNoCascade
	}
	if config.ScaleFactor <= 1 {
		config.ScaleFactor = DefaultConfig().ScaleFactor
	}

	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(config.CascadeFile) {
		classifier.Close()
		return nil, fmt.Errorf("load cascade %s", config.CascadeFile)
	}

	return &CascadeDetector{
		config:     config,
		classifier: classifier,
	}, nil
}

// Detect finds faces in frame and returns the largest one.
func (d *CascadeDetector) Detect(frame *gocv.Mat) (Face, error) {
	if frame == nil || frame.Empty() {
		return Face{}, fmt.Errorf("detect: empty frame")
	}

	gray := gocv.NewMat()
	defer gray.Close()
	var err error
	if frame.Channels() == 1 {
		err = frame.CopyTo(&gray)
	} else {
		err = gocv.CvtColor(*frame, &gray, gocv.ColorBGRToGray)
	}
	if err != nil {
		return Face{}, fmt.Errorf("detect: gray frame: %w", err)
	}
	if err := gocv.EqualizeHist(gray, &gray); err != nil {
		return Face{}, fmt.Errorf("detect: equalize: %w", err)
	}

	minSize := image.Pt(d.config.MinFaceSize, d.config.MinFaceSize)

	d.mu.Lock()
	rects := d.classifier.DetectMultiScaleWithParams(gray, d.config.ScaleFactor, d.config.MinNeighbors, 0, minSize, image.Point{})
	d.mu.Unlock()

	best, ok := largest(rects)
	if !ok {
		return Face{}, nil
	}
	return Face{Found: true, Bounds: best}, nil
}

// Close releases the classifier.
func (d *CascadeDetector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.classifier.Close()
}
