package plugin

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"
)

// Dispatcher sends shot events to every subscribed plugin in turn.
type Dispatcher struct {
	manager  *Manager
	executor *Executor
	logger   *zap.SugaredLogger
}

// NewDispatcher creates a Dispatcher over the plugins known to manager.
func NewDispatcher(manager *Manager, executor *Executor, logger *zap.SugaredLogger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Dispatcher{manager: manager, executor: executor, logger: logger}
}

// Notify runs the subscribers of req.Event. A failing plugin does not stop the
// others; all failures are returned joined.
func (d *Dispatcher) Notify(ctx context.Context, req Request) error {
	var errs []error
	for _, p := range d.manager.Subscribers(req.Event) {
		r := req
		resp, err := d.executor.Execute(ctx, p, &r)
		if err == nil && !resp.Success {
			err = errors.New(resp.Error)
			if resp.Error == "" {
				err = errors.New("plugin reported failure")
			}
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("plugin %s: %w", p.Manifest.Name, err))
			continue
		}
		d.logger.Debugw("plugin handled event", "plugin", p.Manifest.Name, "event", req.Event, "shot", req.ShotID)
	}
	return errors.Join(errs...)
}
