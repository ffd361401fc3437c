package capture

import (
	"context"
	"errors"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/calib"
)

type shotCollector struct {
	mu    sync.Mutex
	shots []*Shot
}

func (c *shotCollector) trigger(s *Shot) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.shots = append(c.shots, s)
}

func (c *shotCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.shots)
}

func (c *shotCollector) last() *Shot {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.shots) == 0 {
		return nil
	}
	return c.shots[len(c.shots)-1]
}

func testFrame(lens calib.LensID) *Frame {
	return NewFrame(lens, gocv.NewMat(), calib.Calibration{})
}

func newTestRendezvous(t *testing.T) (*Rendezvous, *shotCollector) {
	c := &shotCollector{}
	return NewRendezvous(c.trigger, zaptest.NewLogger(t).Sugar()), c
}

func begin(t *testing.T, r *Rendezvous, twoLens bool) string {
	t.Helper()
	id, err := r.Begin(twoLens)
	if err != nil {
		t.Fatalf("Begin() error = %v", err)
	}
	return id
}

func TestRendezvous_SameLensTwiceNeverTriggers(t *testing.T) {
	r, c := newTestRendezvous(t)
	begin(t, r, true)

	r.Deliver(testFrame(calib.Normal))
	r.Deliver(testFrame(calib.Normal))

	if c.count() != 0 {
		t.Fatalf("trigger fired %d times, want 0", c.count())
	}
	pair, ok := r.Pair()
	if !ok || !pair.NormalDone || pair.WideDone {
		t.Errorf("Pair() = %+v, %v", pair, ok)
	}
}

func TestRendezvous_BothLensesTriggerOnce(t *testing.T) {
	r, c := newTestRendezvous(t)
	id := begin(t, r, true)

	r.Deliver(testFrame(calib.Normal))
	r.Deliver(testFrame(calib.Wide))

	if c.count() != 1 {
		t.Fatalf("trigger fired %d times, want 1", c.count())
	}
	shot := c.last()
	if shot.ID != id || shot.Normal == nil || shot.Wide == nil {
		t.Errorf("shot = %+v, want both frames of %s", shot, id)
	}
	if !r.Busy() {
		t.Error("Busy() = false while shot is in flight")
	}

	// Late deliveries after the pair fired must not re-trigger.
	r.Deliver(testFrame(calib.Wide))
	r.CaptureCompleted(calib.Normal)
	if c.count() != 1 {
		t.Errorf("trigger fired %d times after completion, want 1", c.count())
	}

	shot.Close()
	shot.Close()
	if r.Busy() {
		t.Error("Busy() = true after Close()")
	}
}

func TestRendezvous_DoneFlagAndFrameSeparately(t *testing.T) {
	r, c := newTestRendezvous(t)
	begin(t, r, true)

	r.CaptureCompleted(calib.Normal)
	r.CaptureCompleted(calib.Wide)
	if c.count() != 0 {
		t.Fatal("done flags without frames must not trigger")
	}

	r.FrameArrived(testFrame(calib.Wide))
	if c.count() != 0 {
		t.Fatal("one frame must not trigger")
	}
	r.FrameArrived(testFrame(calib.Normal))
	if c.count() != 1 {
		t.Fatalf("trigger fired %d times, want 1", c.count())
	}
	c.last().Close()
}

func TestRendezvous_BeginWhileBusy(t *testing.T) {
	r, c := newTestRendezvous(t)

	begin(t, r, true)
	r.Deliver(testFrame(calib.Normal))
	r.Deliver(testFrame(calib.Wide))
	first := c.last()

	if _, err := r.Begin(true); !errors.Is(err, ErrBusy) {
		t.Fatalf("Begin() while in flight error = %v, want ErrBusy", err)
	}
	if !r.Busy() {
		t.Error("Busy() = false while a shot is in flight")
	}

	first.Close()

	id := begin(t, r, true)
	r.Deliver(testFrame(calib.Wide))
	r.Deliver(testFrame(calib.Normal))
	if c.count() != 2 || c.last().ID != id {
		t.Fatalf("trigger fired %d times, want 2 after release", c.count())
	}
	c.last().Close()
}

func TestRendezvous_StaleFrames(t *testing.T) {
	r, c := newTestRendezvous(t)

	// No active pair.
	r.Deliver(testFrame(calib.Wide))

	begin(t, r, true)
	stale := testFrame(calib.Normal)
	stale.ShotID = "some-older-shot"
	r.Deliver(stale)

	pair, _ := r.Pair()
	if pair.NormalDone || pair.Normal != nil {
		t.Errorf("stale frame recorded: %+v", pair)
	}
	if c.count() != 0 {
		t.Errorf("trigger fired %d times, want 0", c.count())
	}
}

func TestRendezvous_SingleLens(t *testing.T) {
	r, c := newTestRendezvous(t)
	begin(t, r, false)

	r.Deliver(testFrame(calib.Normal))
	if c.count() != 0 {
		t.Fatal("normal frame must not trigger a single-lens shot")
	}

	r.Deliver(testFrame(calib.Wide))
	if c.count() != 1 {
		t.Fatalf("trigger fired %d times, want 1", c.count())
	}
	shot := c.last()
	if shot.TwoLens || shot.Normal != nil || shot.Wide == nil {
		t.Errorf("shot = %+v, want wide frame only", shot)
	}
	shot.Close()
}

func TestRendezvous_BeginKeepsCollectingPair(t *testing.T) {
	r, c := newTestRendezvous(t)

	first := begin(t, r, true)
	r.Deliver(testFrame(calib.Normal))

	if id, err := r.Begin(true); !errors.Is(err, ErrBusy) || id != "" {
		t.Fatalf("Begin() while collecting = %q, %v, want ErrBusy", id, err)
	}

	wide := testFrame(calib.Wide)
	wide.ShotID = first
	r.Deliver(wide)
	if c.count() != 1 || c.last().ID != first {
		t.Fatalf("trigger fired %d times, want the first shot to complete", c.count())
	}
	c.last().Close()
}

func TestRendezvous_ConcurrentBegin(t *testing.T) {
	r, _ := newTestRendezvous(t)

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		ids  []string
		busy int
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			id, err := r.Begin(true)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				ids = append(ids, id)
			case errors.Is(err, ErrBusy):
				busy++
			}
		}()
	}
	wg.Wait()

	if len(ids) != 1 || busy != 7 {
		t.Fatalf("Begin() accepted %d shots and rejected %d, want 1 and 7", len(ids), busy)
	}
	if pair, ok := r.Pair(); !ok || pair.ID != ids[0] {
		t.Errorf("Pair() = %+v, want the accepted shot %s", pair, ids[0])
	}
}

func TestRendezvous_Abort(t *testing.T) {
	r, c := newTestRendezvous(t)

	id := begin(t, r, true)
	r.Deliver(testFrame(calib.Normal))

	if r.Abort("another-shot") {
		t.Error("Abort() of an unknown shot = true, want false")
	}
	if !r.Abort(id) {
		t.Fatal("Abort() of the collecting shot = false, want true")
	}
	if r.Busy() {
		t.Error("Busy() = true after Abort()")
	}

	late := testFrame(calib.Wide)
	late.ShotID = id
	r.Deliver(late)
	if c.count() != 0 {
		t.Error("a frame of an aborted shot must not trigger")
	}

	begin(t, r, false)
	r.Deliver(testFrame(calib.Wide))
	if c.count() != 1 {
		t.Fatalf("trigger fired %d times, want 1 after abort", c.count())
	}
	c.last().Close()
}

func TestRendezvous_ConcurrentDeliveryTriggersExactlyOnce(t *testing.T) {
	r, c := newTestRendezvous(t)

	for i := 0; i < 200; i++ {
		begin(t, r, true)

		var wg sync.WaitGroup
		for _, lens := range []calib.LensID{calib.Normal, calib.Wide} {
			wg.Add(1)
			go func(lens calib.LensID) {
				defer wg.Done()
				r.Deliver(testFrame(lens))
			}(lens)
		}
		wg.Wait()

		if c.count() != i+1 {
			t.Fatalf("iteration %d: trigger fired %d times, want %d", i, c.count(), i+1)
		}
		c.last().Close()
	}
}

func TestRendezvous_NilTriggerReleases(t *testing.T) {
	r := NewRendezvous(nil, nil)
	begin(t, r, true)
	r.Deliver(testFrame(calib.Normal))
	r.Deliver(testFrame(calib.Wide))
	if r.Busy() {
		t.Error("shot without a trigger should be released immediately")
	}
}

func TestRig_Shoot(t *testing.T) {
	normal := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer normal.Close()
	wide := gocv.NewMatWithSize(48, 64, gocv.MatTypeCV8UC3)
	defer wide.Close()

	nc := NewMockCamera([]*gocv.Mat{&normal}, true)
	wc := NewMockCamera([]*gocv.Mat{&wide}, true)

	r, c := newTestRendezvous(t)
	rig := NewRig(nc, wc, &calib.Rig{Normal: calib.Calibration{Intrinsics: []float64{1, 1, 0, 0, 0}}}, r, nil)
	if err := rig.Open(); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer rig.Close()

	id, err := rig.Shoot(context.Background(), true)
	if err != nil {
		t.Fatalf("Shoot() error = %v", err)
	}
	if c.count() != 1 {
		t.Fatalf("trigger fired %d times, want 1", c.count())
	}

	shot := c.last()
	defer shot.Close()
	if shot.ID != id {
		t.Errorf("shot id = %s, want %s", shot.ID, id)
	}
	if shot.Normal.Lens != calib.Normal || shot.Normal.Calibration.Lens != calib.Normal {
		t.Errorf("normal frame lens = %v", shot.Normal.Lens)
	}
	if !shot.Normal.Calibration.HasIntrinsics() {
		t.Error("normal frame should carry the rig calibration")
	}
	if shot.Wide.Width != 64 || shot.Wide.Height != 48 {
		t.Errorf("wide frame = %dx%d, want 64x48", shot.Wide.Width, shot.Wide.Height)
	}
}

func TestRig_ShootCameraError(t *testing.T) {
	r, c := newTestRendezvous(t)
	nc := NewMockCamera(nil, false)
	wc := NewMockCamera(nil, false)
	rig := NewRig(nc, wc, nil, r, nil)

	// Cameras never opened.
	if _, err := rig.Shoot(context.Background(), true); err == nil {
		t.Error("Shoot() should fail with closed cameras")
	}
	if c.count() != 0 {
		t.Errorf("trigger fired %d times, want 0", c.count())
	}
	if r.Busy() {
		t.Error("a failed shot must not keep the rendezvous busy")
	}
}

func TestRig_ShootWhileBusy(t *testing.T) {
	r, _ := newTestRendezvous(t)
	begin(t, r, false)

	rig := NewRig(NewMockCamera(nil, false), NewMockCamera(nil, false), nil, r, nil)
	if _, err := rig.Shoot(context.Background(), true); !errors.Is(err, ErrBusy) {
		t.Errorf("Shoot() error = %v, want ErrBusy", err)
	}
}

func TestRig_ShootCanceled(t *testing.T) {
	r, _ := newTestRendezvous(t)
	rig := NewRig(NewMockCamera(nil, false), NewMockCamera(nil, false), nil, r, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := rig.Shoot(ctx, true); err == nil {
		t.Error("Shoot() should fail with a canceled context")
	}
	if r.Busy() {
		t.Error("a canceled shot must not keep the rendezvous busy")
	}
}
