// Package plugin discovers external post-shot plugins and runs them with a JSON
// event on stdin.
package plugin

import "encoding/json"

// Events sent to plugins.
const (
	EventShotCompleted = "shot.completed"
	EventShotFailed    = "shot.failed"
)

// ManifestFile is the manifest name looked up in each plugin directory.
const ManifestFile = "plugin.json"

// Manifest describes a plugin's metadata and the events it handles.
type Manifest struct {
	Name        string `json:"name"`
	Version     string `json:"version"`
	Description string `json:"description"`
	Executable  string `json:"executable"`
	// Events lists the events the plugin subscribes to. Empty means every event.
	Events []string `json:"events"`
	// Config is passed through to the plugin with every request.
	Config json.RawMessage `json:"config,omitempty"`
}

// Request is the event sent to a plugin.
type Request struct {
	Event      string          `json:"event"`
	ShotID     string          `json:"shot_id"`
	Status     string          `json:"status"`
	OutputPath string          `json:"output_path,omitempty"`
	Error      string          `json:"error,omitempty"`
	Config     json.RawMessage `json:"config,omitempty"`
}

// Response is the reply a plugin writes to stdout.
type Response struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Plugin represents a discovered plugin with its manifest and location.
type Plugin struct {
	Manifest   Manifest
	Path       string
	Executable string
}

// Handles reports whether the plugin subscribes to event.
func (p *Plugin) Handles(event string) bool {
	if len(p.Manifest.Events) == 0 {
		return true
	}
	for _, e := range p.Manifest.Events {
		if e == event {
			return true
		}
	}
	return false
}
