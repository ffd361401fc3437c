package capture

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ayusman/duolens/internal/calib"
)

// Rig captures a shot from the normal and wide cameras, one goroutine per lens,
// and delivers the frames to a Rendezvous.
type Rig struct {
	cameras     map[calib.LensID]Camera
	calibration *calib.Rig
	rendezvous  *Rendezvous
	logger      *zap.SugaredLogger
}

// NewRig creates a Rig. cal may be nil when no calibration file is available.
func NewRig(normal, wide Camera, cal *calib.Rig, rv *Rendezvous, logger *zap.SugaredLogger) *Rig {
	if cal == nil {
		cal = &calib.Rig{}
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Rig{
		cameras:     map[calib.LensID]Camera{calib.Normal: normal, calib.Wide: wide},
		calibration: cal,
		rendezvous:  rv,
		logger:      logger,
	}
}

// Open opens both cameras.
func (r *Rig) Open() error {
	for lens, cam := range r.cameras {
		if err := cam.Open(); err != nil {
			return fmt.Errorf("open %s camera: %w", lens, err)
		}
	}
	return nil
}

// Close closes both cameras.
func (r *Rig) Close() error {
	var errs []error
	for _, cam := range r.cameras {
		errs = append(errs, cam.Close())
	}
	return errors.Join(errs...)
}

// Shoot starts a shot and captures every lens it needs concurrently. It returns the
// shot id once all captures were delivered, or the first capture error.
func (r *Rig) Shoot(ctx context.Context, twoLens bool) (string, error) {
	id, err := r.rendezvous.Begin(twoLens)
	if err != nil {
		return "", err
	}

	lenses := []calib.LensID{calib.Wide}
	if twoLens {
		lenses = append(lenses, calib.Normal)
	}

	var wg sync.WaitGroup
	errs := make(chan error, len(lenses))
	for _, lens := range lenses {
		wg.Add(1)
		go func(lens calib.LensID) {
			defer wg.Done()
			if err := r.capture(ctx, id, lens); err != nil {
				errs <- err
			}
		}(lens)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		r.rendezvous.Abort(id)
		return id, ctx.Err()
	}

	close(errs)
	if err, ok := <-errs; ok {
		r.rendezvous.Abort(id)
		return id, err
	}
	return id, nil
}

func (r *Rig) capture(ctx context.Context, id string, lens calib.LensID) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	mat, err := r.cameras[lens].ReadFrame()
	if err != nil {
		return fmt.Errorf("capture %s: %w", lens, err)
	}

	frame := NewFrame(lens, *mat, r.calibration.For(lens))
	frame.ShotID = id
	r.logger.Debugw("frame captured", "shot", id, "lens", lens, "width", frame.Width, "height", frame.Height)
	r.rendezvous.Deliver(frame)
	return nil
}
