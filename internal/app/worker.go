package app

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"time"

	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/capture"
	"github.com/ayusman/duolens/internal/pipeline"
	"github.com/ayusman/duolens/internal/plugin"
	"github.com/ayusman/duolens/internal/store"
)

// runWorker processes shots one at a time until stop is closed.
func (a *App) runWorker(stop <-chan struct{}) {
	defer a.wg.Done()

	for {
		select {
		case <-stop:
			return
		case shot := <-a.shots:
			a.process(shot)
		}
	}
}

// process runs one shot and records its outcome. Failures to save outputs, update
// the store or run plugins are logged and do not affect the shot's status.
func (a *App) process(shot *capture.Shot) {
	defer shot.Close()
	defer a.dirSink.Forget(shot.ID)

	a.markProcessing(shot)

	res, err := a.pipeline.Process(shot)
	defer res.Close()
	// The result owns its images; free the rendezvous before the outcome is announced.
	shot.Close()

	record := &store.Shot{
		ID:       shot.ID,
		Status:   res.Status.String(),
		Duration: res.Duration,
	}
	if res.Status == pipeline.StatusCompleted {
		record.Path = res.Path.String()
	}
	event := Event{Type: EventShotCompleted, ShotID: shot.ID, Status: record.Status, Path: record.Path, DurationMs: res.Duration.Milliseconds()}

	if err != nil {
		record.Error = err.Error()
		event.Type = EventShotFailed
		event.Error = record.Error
	}

	record.OutputPath = a.saveOutput(shot.ID, res)
	event.OutputPath = record.OutputPath

	if err := a.store.Shots().Complete(record); err != nil {
		a.logger.Warnw("failed to record shot outcome", "shot", shot.ID, "error", err)
	}
	a.events.publish(event)
	a.notifyPlugins(event)
}

func (a *App) markProcessing(shot *capture.Shot) {
	shots := a.store.Shots()
	err := shots.SetStatus(shot.ID, store.ShotProcessing)
	if errors.Is(err, store.ErrNotFound) {
		// Shots begun directly on the rendezvous by a capture rig have no record yet.
		err = shots.Create(&store.Shot{ID: shot.ID, Status: store.ShotProcessing, TwoLens: shot.TwoLens})
	}
	if err != nil {
		a.logger.Warnw("failed to record shot", "shot", shot.ID, "error", err)
	}
}

// saveOutput writes the composite, or the unprocessed normal frame of a failed shot,
// to the output directory and returns its path.
func (a *App) saveOutput(shotID string, res *pipeline.Result) string {
	img := res.Image
	name := shotID + ".jpg"
	switch res.Status {
	case pipeline.StatusIncomplete:
		return ""
	case pipeline.StatusFailed:
		if res.Fallback.Empty() {
			return ""
		}
		img = res.Fallback
		name = shotID + "_original.jpg"
	}

	cfg := a.Config()
	dir := cfg.Storage.Path(cfg.Storage.OutputDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		a.logger.Warnw("failed to create output dir", "dir", dir, "error", err)
		return ""
	}
	path := filepath.Join(dir, name)
	if ok := gocv.IMWrite(path, img); !ok {
		a.logger.Warnw("failed to write shot output", "shot", shotID, "path", path)
		return ""
	}
	return path
}

// notifyPlugins runs the plugins off the worker goroutine so the next shot is not held up.
func (a *App) notifyPlugins(e Event) {
	if e.Type != EventShotCompleted && e.Type != EventShotFailed {
		return
	}
	timeout := time.Duration(a.Config().Storage.PluginTimeoutMs) * time.Millisecond

	a.notify.Add(1)
	go func() {
		defer a.notify.Done()

		// Each plugin gets its own executor timeout; this bounds the whole fan-out.
		ctx, cancel := context.WithTimeout(context.Background(), timeout*time.Duration(len(a.pluginMgr.List())+1))
		defer cancel()

		req := plugin.Request{
			Event:      e.Type,
			ShotID:     e.ShotID,
			Status:     e.Status,
			OutputPath: e.OutputPath,
			Error:      e.Error,
		}
		if err := a.plugins.Notify(ctx, req); err != nil {
			a.logger.Warnw("plugin run failed", "shot", e.ShotID, "event", e.Type, "error", err)
		}
	}()
}
