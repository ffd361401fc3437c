// Package app wires capture, the shot pipeline, persistence, plugins and event
// subscribers into the running application.
package app

import (
	"errors"
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/artifact"
	"github.com/ayusman/duolens/internal/calib"
	"github.com/ayusman/duolens/internal/capture"
	"github.com/ayusman/duolens/internal/config"
	"github.com/ayusman/duolens/internal/detector"
	"github.com/ayusman/duolens/internal/pipeline"
	"github.com/ayusman/duolens/internal/plugin"
	"github.com/ayusman/duolens/internal/stereo"
	"github.com/ayusman/duolens/internal/store"
)

var (
	// ErrBusy is returned when a shot is submitted while another is in progress.
	ErrBusy = errors.New("a shot is already in progress")
	// ErrNotRunning is returned when a shot is submitted before Start.
	ErrNotRunning = errors.New("application is not running")
)

// Config holds the collaborators of the application.
type Config struct {
	Config *config.Config
	Store  *store.Store
	// Detector is optional; without it only calibration-reported faces are protected.
	Detector detector.Detector
	// Engine is optional and defaults to the built-in stereo engine.
	Engine stereo.Engine
	Logger *zap.SugaredLogger
}

// App runs one pipeline worker fed by the capture rendezvous.
type App struct {
	store      *store.Store
	detector   detector.Detector
	pipeline   *pipeline.Pipeline
	rendezvous *capture.Rendezvous
	board      *artifact.Board
	dirSink    *artifact.DirSink
	pluginMgr  *plugin.Manager
	plugins    *plugin.Dispatcher
	events     *eventBus
	logger     *zap.SugaredLogger

	mu      sync.RWMutex
	cfg     *config.Config
	shots   chan *capture.Shot
	stopCh  chan struct{}
	running bool
	wg      sync.WaitGroup
	notify  sync.WaitGroup
}

// New creates an App. Settings persisted in the store override cfg.Config.
func New(cfg Config) (*App, error) {
	if cfg.Store == nil {
		return nil, errors.New("app requires a store")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	base := cfg.Config
	if base == nil {
		base = config.DefaultConfig()
	}

	settings := *base
	if err := applyOverrides(&settings, cfg.Store, logger); err != nil {
		return nil, err
	}

	a := &App{
		store:     cfg.Store,
		detector:  cfg.Detector,
		board:     artifact.NewBoard(logger.Named("board")),
		dirSink:   artifact.NewDirSink(settings.Storage.Path(settings.Storage.IntermediateDir), logger.Named("artifacts")),
		pluginMgr: plugin.NewManager(settings.Storage.Path(settings.Storage.PluginDir)),
		events:    newEventBus(),
		logger:    logger,
		cfg:       &settings,
		shots:     make(chan *capture.Shot, 1),
	}
	a.plugins = plugin.NewDispatcher(a.pluginMgr, plugin.NewExecutor(settings.Storage.PluginTimeoutMs), logger.Named("plugins"))

	p, err := pipeline.New(&settings, cfg.Engine, cfg.Detector, pipeline.Sinks{Dir: a.dirSink, Board: a.board}, logger.Named("pipeline"))
	if err != nil {
		return nil, err
	}
	a.pipeline = p
	a.rendezvous = capture.NewRendezvous(a.enqueue, logger.Named("rendezvous"))

	return a, nil
}

// applyOverrides layers the persisted settings onto cfg. Overrides that no longer
// apply are logged and skipped.
func applyOverrides(cfg *config.Config, s *store.Store, logger *zap.SugaredLogger) error {
	overrides, err := s.Settings().All()
	if err != nil {
		return fmt.Errorf("failed to load settings: %w", err)
	}
	for key, value := range overrides {
		if err := cfg.Set(key, value); err != nil {
			logger.Warnw("ignoring persisted setting", "key", key, "value", value, "error", err)
		}
	}
	return nil
}

// DiscoverPlugins scans the plugin directory and loads available plugins.
func (a *App) DiscoverPlugins() error {
	if err := a.pluginMgr.Discover(); err != nil {
		return err
	}
	a.logger.Infow("plugins discovered", "dir", a.pluginMgr.PluginDir(), "count", len(a.pluginMgr.List()))
	return nil
}

// Start launches the pipeline worker.
func (a *App) Start() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.running {
		return nil
	}

	cfg := a.cfg
	for _, dir := range []string{cfg.Storage.Path(cfg.Storage.OutputDir), cfg.Storage.Path(cfg.Storage.IntermediateDir)} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}

	a.stopCh = make(chan struct{})
	a.running = true
	a.wg.Add(1)
	go a.runWorker(a.stopCh)

	a.logger.Info("shot worker started")
	return nil
}

// Stop halts the worker, waits for running plugins and releases queued shots.
func (a *App) Stop() {
	a.mu.Lock()
	if !a.running {
		a.mu.Unlock()
		return
	}
	close(a.stopCh)
	a.running = false
	a.mu.Unlock()

	a.wg.Wait()
	a.notify.Wait()

	for {
		select {
		case shot := <-a.shots:
			a.logger.Warnw("discarding queued shot", "shot", shot.ID)
			shot.Close()
		default:
			if a.detector != nil {
				if err := a.detector.Close(); err != nil {
					a.logger.Warnw("error closing detector", "error", err)
				}
			}
			a.logger.Info("shot worker stopped")
			return
		}
	}
}

// Running reports whether the worker is started.
func (a *App) Running() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.running
}

// enqueue is the rendezvous trigger. It never blocks the capture goroutine.
func (a *App) enqueue(shot *capture.Shot) {
	select {
	case a.shots <- shot:
	default:
		a.logger.Warnw("shot queue full, dropping shot", "shot", shot.ID)
		shot.Close()
	}
}

// Begin starts a shot and records it as pending. It fails with ErrBusy while another
// shot is collecting frames or being processed.
func (a *App) Begin(twoLens bool) (string, error) {
	id, err := a.rendezvous.Begin(twoLens)
	if errors.Is(err, capture.ErrBusy) {
		return "", ErrBusy
	} else if err != nil {
		return "", err
	}
	if err := a.store.Shots().Create(&store.Shot{ID: id, TwoLens: twoLens}); err != nil {
		a.rendezvous.Abort(id)
		return "", fmt.Errorf("failed to record shot: %w", err)
	}
	a.events.publish(Event{Type: EventShotStarted, ShotID: id, Status: store.ShotPending})
	return id, nil
}

// Deliver hands a captured frame to the rendezvous, which takes ownership of it.
func (a *App) Deliver(frame *capture.Frame) {
	a.rendezvous.Deliver(frame)
}

// Submit starts a shot from already decoded images and delivers them. It takes
// ownership of both Mats; wide may be empty for a single-lens shot from normal.
func (a *App) Submit(normal, wide gocv.Mat, rig *calib.Rig) (string, error) {
	if !a.Running() {
		normal.Close()
		wide.Close()
		return "", ErrNotRunning
	}
	if rig == nil {
		rig = &calib.Rig{}
	}

	twoLens := !wide.Empty()
	if !twoLens {
		// A single image is processed as the wide view.
		wide.Close()
		normal, wide = gocv.NewMat(), normal
	}

	id, err := a.Begin(twoLens)
	if err != nil {
		normal.Close()
		wide.Close()
		return id, err
	}

	if twoLens {
		nf := capture.NewFrame(calib.Normal, normal, rig.For(calib.Normal))
		nf.ShotID = id
		a.Deliver(nf)
	} else {
		normal.Close()
	}
	wf := capture.NewFrame(calib.Wide, wide, rig.For(calib.Wide))
	wf.ShotID = id
	a.Deliver(wf)
	return id, nil
}

// Rendezvous returns the rendezvous for capture rigs.
func (a *App) Rendezvous() *capture.Rendezvous {
	return a.rendezvous
}

// Board returns the stage preview board.
func (a *App) Board() *artifact.Board {
	return a.board
}

// Store returns the shot store.
func (a *App) Store() *store.Store {
	return a.store
}

// PluginManager returns the plugin manager.
func (a *App) PluginManager() *plugin.Manager {
	return a.pluginMgr
}

// Config returns a copy of the active configuration.
func (a *App) Config() config.Config {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return *a.cfg
}

// Settings returns every setting with its active value.
func (a *App) Settings() map[string]string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.cfg.Settings()
}

// UpdateSetting validates and persists one setting. Pipeline and disparity settings
// apply to the next shot; the others apply after a restart, which the returned
// bool reports as false.
func (a *App) UpdateSetting(key, value string) (bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	next := *a.cfg
	if err := next.Set(key, value); err != nil {
		return false, err
	}
	if err := a.store.Settings().Set(key, value); err != nil {
		return false, fmt.Errorf("failed to persist setting: %w", err)
	}

	if !config.RuntimeKey(key) {
		a.logger.Infow("setting stored, restart to apply", "key", key, "value", value)
		return false, nil
	}
	if err := a.pipeline.Configure(&next); err != nil {
		return false, err
	}
	a.cfg = &next
	a.logger.Infow("setting updated", "key", key, "value", value)
	return true, nil
}

// Subscribe registers fn for shot events and returns a function removing it.
// fn runs on the worker goroutine and must not block.
func (a *App) Subscribe(fn func(Event)) func() {
	return a.events.subscribe(fn)
}
