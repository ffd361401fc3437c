// Package artifact publishes the intermediate images of a shot, either to disk
// (save-intermediate) or to an in-memory preview board (show-intermediate).
// Publishing never fails the shot: errors are logged and dropped.
package artifact

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Stage names, in pipeline order.
const (
	StageNormalShot         = "NormalShot"
	StageWideShot           = "WideShot"
	StageNormalCalibration  = "NormalCalibration"
	StageWideCalibration    = "WideCalibration"
	StageRectifiedNormal    = "RectifiedNormalShot"
	StageRectifiedWide      = "RectifiedWideShot"
	StageDisparity          = "DisparityMap"
	StageDisparitySecondary = "DisparityMap2"
	StageDisparityFiltered  = "DisparityMapFilteredNormalized"
	StageHardMask           = "HardMask"
	StageMaskedColour       = "NicelyMaskedColour"
	StageBackground         = "Background"
	StageFinal              = "FinalImage"
	StagePortraitFace       = "PortraitFace"
	StagePortraitBackground = "PortraitBackground"
)

// Sink receives stage images. Implementations must not retain img.
type Sink interface {
	Publish(shotID, stage string, img gocv.Mat)
}

// Nop discards everything.
type Nop struct{}

// Publish does nothing.
func (Nop) Publish(string, string, gocv.Mat) {}

// Multi fans out to several sinks.
type Multi []Sink

// Publish forwards to every sink.
func (m Multi) Publish(shotID, stage string, img gocv.Mat) {
	for _, s := range m {
		s.Publish(shotID, stage, img)
	}
}

// DirSink writes stage images as JPEG files under dir/<shotID>/NN_<stage>.jpg.
type DirSink struct {
	dir    string
	logger *zap.SugaredLogger
	mu     sync.Mutex
	seq    map[string]int
}

// NewDirSink creates a DirSink rooted at dir.
func NewDirSink(dir string, logger *zap.SugaredLogger) *DirSink {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &DirSink{dir: dir, logger: logger, seq: make(map[string]int)}
}

// Publish writes img; failures are logged.
func (s *DirSink) Publish(shotID, stage string, img gocv.Mat) {
	if img.Empty() {
		s.logger.Warnw("skipping empty stage image", "shot", shotID, "stage", stage)
		return
	}

	s.mu.Lock()
	s.seq[shotID]++
	n := s.seq[shotID]
	s.mu.Unlock()

	dir := filepath.Join(s.dir, shotID)
	if err := os.MkdirAll(dir, 0755); err != nil {
		s.logger.Warnw("failed to create intermediate directory", "dir", dir, "error", err)
		return
	}

	path := filepath.Join(dir, fmt.Sprintf("%02d_%s.jpg", n, stage))
	if ok := gocv.IMWrite(path, img); !ok {
		s.logger.Warnw("failed to write intermediate image", "path", path)
		return
	}
	s.logger.Debugw("saved intermediate image", "path", path)
}

// Forget drops the sequence counter of a finished shot.
func (s *DirSink) Forget(shotID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.seq, shotID)
}

// Board keeps the latest JPEG of every stage for previewing.
type Board struct {
	logger *zap.SugaredLogger
	mu     sync.RWMutex
	shotID string
	stages map[string][]byte
	order  []string
}

// NewBoard creates an empty Board.
func NewBoard(logger *zap.SugaredLogger) *Board {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Board{logger: logger, stages: make(map[string][]byte)}
}

// Publish encodes img as JPEG. A new shot id clears the previous shot's stages.
func (b *Board) Publish(shotID, stage string, img gocv.Mat) {
	if img.Empty() {
		return
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, img)
	if err != nil {
		b.logger.Warnw("failed to encode stage preview", "stage", stage, "error", err)
		return
	}
	defer buf.Close()
	data := append([]byte(nil), buf.GetBytes()...)

	b.mu.Lock()
	defer b.mu.Unlock()
	if shotID != b.shotID {
		b.shotID = shotID
		b.stages = make(map[string][]byte)
		b.order = b.order[:0]
	}
	if _, ok := b.stages[stage]; !ok {
		b.order = append(b.order, stage)
	}
	b.stages[stage] = data
}

// Get returns the latest JPEG for a stage.
func (b *Board) Get(stage string) ([]byte, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.stages[stage]
	return data, ok
}

// Stages returns the shot id on display and its stage names in publish order.
func (b *Board) Stages() (string, []string) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shotID, append([]string(nil), b.order...)
}
