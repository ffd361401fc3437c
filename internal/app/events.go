package app

import (
	"context"
	"sync"

	"github.com/ayusman/duolens/internal/plugin"
	"github.com/ayusman/duolens/internal/store"
)

// Event types published to subscribers.
const (
	EventShotStarted   = "shot.started"
	EventShotCompleted = plugin.EventShotCompleted
	EventShotFailed    = plugin.EventShotFailed
)

// Event describes a change in a shot's lifecycle.
type Event struct {
	Type       string `json:"type"`
	ShotID     string `json:"shot_id"`
	Status     string `json:"status"`
	Path       string `json:"path,omitempty"`
	OutputPath string `json:"output_path,omitempty"`
	Error      string `json:"error,omitempty"`
	DurationMs int64  `json:"duration_ms,omitempty"`
}

type eventBus struct {
	mu     sync.RWMutex
	nextID int
	subs   map[int]func(Event)
}

func newEventBus() *eventBus {
	return &eventBus{subs: make(map[int]func(Event))}
}

func (b *eventBus) subscribe(fn func(Event)) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := b.nextID
	b.nextID++
	b.subs[id] = fn

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		delete(b.subs, id)
	}
}

func (b *eventBus) publish(e Event) {
	b.mu.RLock()
	subs := make([]func(Event), 0, len(b.subs))
	for _, fn := range b.subs {
		subs = append(subs, fn)
	}
	b.mu.RUnlock()

	for _, fn := range subs {
		fn(e)
	}
}

// Await blocks until the shot finished processing and returns its final event.
func (a *App) Await(ctx context.Context, shotID string) (Event, error) {
	done := make(chan Event, 1)
	unsubscribe := a.Subscribe(func(e Event) {
		if e.ShotID != shotID || e.Type == EventShotStarted {
			return
		}
		select {
		case done <- e:
		default:
		}
	})
	defer unsubscribe()

	// The shot may have finished before the subscription.
	if rec, err := a.store.Shots().GetByID(shotID); err == nil && finished(rec) {
		return recordEvent(rec), nil
	}

	select {
	case e := <-done:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

func finished(rec *store.Shot) bool {
	return rec.Status != store.ShotPending && rec.Status != store.ShotProcessing
}

func recordEvent(rec *store.Shot) Event {
	e := Event{
		Type:       EventShotCompleted,
		ShotID:     rec.ID,
		Status:     rec.Status,
		Path:       rec.Path,
		OutputPath: rec.OutputPath,
		Error:      rec.Error,
		DurationMs: rec.Duration.Milliseconds(),
	}
	if rec.Error != "" {
		e.Type = EventShotFailed
	}
	return e
}
