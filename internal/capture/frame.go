package capture

import (
	"sync"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/calib"
)

// Frame is one lens exposure with its metadata. It owns Image.
type Frame struct {
	// ShotID ties the frame to a shot; empty means the rendezvous' current shot.
	ShotID      string
	Lens        calib.LensID
	Image       gocv.Mat
	Timestamp   time.Time
	Width       int
	Height      int
	Calibration calib.Calibration

	once sync.Once
}

// NewFrame wraps img, taking ownership of it.
func NewFrame(lens calib.LensID, img gocv.Mat, cal calib.Calibration) *Frame {
	cal.Lens = lens
	return &Frame{
		Lens:        lens,
		Image:       img,
		Timestamp:   time.Now(),
		Width:       img.Cols(),
		Height:      img.Rows(),
		Calibration: cal,
	}
}

// Close releases the image. Only the first call has an effect.
func (f *Frame) Close() error {
	var err error
	f.once.Do(func() {
		err = f.Image.Close()
	})
	return err
}
