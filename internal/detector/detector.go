package detector

import (
	"image"

	"gocv.io/x/gocv"
)

// Face is the result of a face detection.
type Face struct {
	// Found is false when no face was detected; Bounds is then empty.
	Found bool
	// Bounds is the face rectangle in the analyzed frame's own coordinates.
	Bounds image.Rectangle
}

// Detector defines the interface for face detection implementations.
type Detector interface {
	// Detect analyzes a frame and returns the most prominent face.
	// A frame without faces is not an error.
	Detect(frame *gocv.Mat) (Face, error)

	// Close releases any resources held by the detector.
	Close() error
}

// Config holds configuration options for face detection.
type Config struct {
	// CascadeFile is the path of a Haar cascade XML file.
	CascadeFile string

	// MinFaceSize is the smallest face edge in pixels (default: 40).
	MinFaceSize int

	// ScaleFactor is the image pyramid step (default: 1.1).
	ScaleFactor float64

	// MinNeighbors is the number of overlapping detections a face needs (default: 4).
	MinNeighbors int
}

// DefaultConfig returns a Config with sensible default values.
func DefaultConfig() Config {
	return Config{
		MinFaceSize:  40,
		ScaleFactor:  1.1,
		MinNeighbors: 4,
	}
}

// largest returns the rectangle with the biggest area.
func largest(rects []image.Rectangle) (image.Rectangle, bool) {
	var best image.Rectangle
	found := false
	for _, r := range rects {
		if r.Empty() {
			continue
		}
		if !found || r.Dx()*r.Dy() > best.Dx()*best.Dy() {
			best = r
			found = true
		}
	}
	return best, found
}
