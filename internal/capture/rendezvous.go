package capture

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ayusman/duolens/internal/calib"
)

// ErrBusy is returned by Begin while another shot is collecting frames or in flight.
var ErrBusy = errors.New("another shot is in progress")

// ShotPair is the rendezvous state of the shot being captured.
type ShotPair struct {
	ID         string
	TwoLens    bool
	NormalDone bool
	WideDone   bool
	Normal     *Frame
	Wide       *Frame
	Started    time.Time
}

// ready reports whether every frame the shot needs has been delivered.
func (p *ShotPair) ready() bool {
	if !p.TwoLens {
		return p.WideDone && p.Wide != nil
	}
	return p.NormalDone && p.WideDone && p.Normal != nil && p.Wide != nil
}

func (p *ShotPair) close() {
	if p.Normal != nil {
		p.Normal.Close()
		p.Normal = nil
	}
	if p.Wide != nil {
		p.Wide.Close()
		p.Wide = nil
	}
}

// Shot is a completed pair handed to the pipeline. It owns its frames; Close
// releases them and frees the rendezvous for the next shot.
type Shot struct {
	ID      string
	TwoLens bool
	Normal  *Frame
	Wide    *Frame
	Started time.Time

	release func()
	once    sync.Once
}

// Close releases both frames and the in-flight slot. Only the first call has an effect.
func (s *Shot) Close() {
	s.once.Do(func() {
		if s.Normal != nil {
			s.Normal.Close()
		}
		if s.Wide != nil {
			s.Wide.Close()
		}
		if s.release != nil {
			s.release()
		}
	})
}

// Trigger receives completed shots. It must not run the pipeline on the calling goroutine.
type Trigger func(*Shot)

// Rendezvous collects the frames of a shot from the two lens streams and triggers
// exactly once when the shot is complete.
type Rendezvous struct {
	mu       sync.Mutex
	pair     *ShotPair
	inFlight bool
	trigger  Trigger
	logger   *zap.SugaredLogger
}

// NewRendezvous creates a Rendezvous that hands completed shots to trigger.
func NewRendezvous(trigger Trigger, logger *zap.SugaredLogger) *Rendezvous {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Rendezvous{trigger: trigger, logger: logger}
}

// Begin starts a new shot and returns its id. It fails with ErrBusy while another
// shot is collecting frames or being processed.
func (r *Rendezvous) Begin(twoLens bool) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	switch {
	case r.pair != nil:
		r.logger.Warnw("dropping shot, another is collecting frames", "shot", r.pair.ID,
			"normal_done", r.pair.NormalDone, "wide_done", r.pair.WideDone)
		return "", ErrBusy
	case r.inFlight:
		r.logger.Warnw("dropping shot, pipeline busy")
		return "", ErrBusy
	}

	r.pair = &ShotPair{
		ID:      uuid.New().String(),
		TwoLens: twoLens,
		Started: time.Now(),
	}
	r.logger.Debugw("shot started", "shot", r.pair.ID, "two_lens", twoLens)
	return r.pair.ID, nil
}

// Abort discards the collecting shot id and closes its frames. It reports whether
// that shot was still collecting.
func (r *Rendezvous) Abort(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pair == nil || r.pair.ID != id {
		return false
	}
	r.logger.Warnw("shot aborted", "shot", id,
		"normal_done", r.pair.NormalDone, "wide_done", r.pair.WideDone)
	r.pair.close()
	r.pair = nil
	return true
}

// CaptureCompleted marks the lens of the current shot as done.
func (r *Rendezvous) CaptureCompleted(lens calib.LensID) {
	r.mu.Lock()
	shot := r.update(nil, lens, true)
	r.mu.Unlock()
	r.fire(shot)
}

// FrameArrived records a frame in its lens slot. The rendezvous takes ownership of
// frame: stale frames and replaced frames are closed.
func (r *Rendezvous) FrameArrived(frame *Frame) {
	r.mu.Lock()
	shot := r.update(frame, frame.Lens, false)
	r.mu.Unlock()
	r.fire(shot)
}

// Deliver records frame and marks its lens as done.
func (r *Rendezvous) Deliver(frame *Frame) {
	r.mu.Lock()
	shot := r.update(frame, frame.Lens, true)
	r.mu.Unlock()
	r.fire(shot)
}

// Pair returns a snapshot of the shot being captured.
func (r *Rendezvous) Pair() (ShotPair, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.pair == nil {
		return ShotPair{}, false
	}
	return *r.pair, true
}

// Busy reports whether a shot is collecting frames or being processed.
func (r *Rendezvous) Busy() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.pair != nil || r.inFlight
}

// update applies one delivery under the lock and returns the shot to fire, if any.
func (r *Rendezvous) update(frame *Frame, lens calib.LensID, done bool) *Shot {
	p := r.pair
	if p == nil || (frame != nil && frame.ShotID != "" && frame.ShotID != p.ID) {
		if frame != nil {
			r.logger.Warnw("dropping stale frame", "lens", lens, "shot", frame.ShotID)
			frame.Close()
		}
		return nil
	}

	if frame != nil {
		switch {
		case lens == calib.Normal && !p.TwoLens:
			// Single-lens shots only use the wide frame.
			frame.Close()
		case lens == calib.Normal:
			if p.Normal != nil {
				p.Normal.Close()
			}
			p.Normal = frame
		default:
			if p.Wide != nil {
				p.Wide.Close()
			}
			p.Wide = frame
		}
	}
	if done {
		if lens == calib.Normal {
			p.NormalDone = true
		} else {
			p.WideDone = true
		}
	}

	if !p.ready() {
		return nil
	}

	r.pair = nil
	r.inFlight = true
	return &Shot{
		ID:      p.ID,
		TwoLens: p.TwoLens,
		Normal:  p.Normal,
		Wide:    p.Wide,
		Started: p.Started,
		release: r.release,
	}
}

func (r *Rendezvous) fire(shot *Shot) {
	if shot == nil {
		return
	}
	r.logger.Infow("shot complete", "shot", shot.ID, "two_lens", shot.TwoLens)
	if r.trigger == nil {
		shot.Close()
		return
	}
	r.trigger(shot)
}

func (r *Rendezvous) release() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inFlight = false
}
