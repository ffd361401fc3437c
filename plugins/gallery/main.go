// Package main provides a gallery plugin that collects finished shots.
// Each completed shot is copied into the gallery directory next to a thumbnail.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"
)

// Request represents the event from the plugin executor.
type Request struct {
	Event      string          `json:"event"`
	ShotID     string          `json:"shot_id"`
	Status     string          `json:"status"`
	OutputPath string          `json:"output_path"`
	Config     json.RawMessage `json:"config"`
}

// Response represents the output to the plugin executor.
type Response struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// Config is the gallery section of the manifest.
type Config struct {
	Dir        string `json:"dir"`
	ThumbWidth int    `json:"thumb_width"`
}

func main() {
	var req Request
	if err := json.NewDecoder(os.Stdin).Decode(&req); err != nil {
		writeErrorResponse(fmt.Sprintf("failed to decode request: %v", err))
		return
	}

	if req.Event != "shot.completed" {
		writeSuccessResponse()
		return
	}

	cfg := Config{Dir: "gallery", ThumbWidth: 320}
	if len(req.Config) > 0 {
		if err := json.Unmarshal(req.Config, &cfg); err != nil {
			writeErrorResponse(fmt.Sprintf("failed to parse config: %v", err))
			return
		}
	}

	if err := collect(req, cfg); err != nil {
		writeErrorResponse(fmt.Sprintf("shot %s: %v", req.ShotID, err))
		return
	}
	writeSuccessResponse()
}

// collect copies the shot output and writes its thumbnail.
func collect(req Request, cfg Config) error {
	if req.ShotID == "" || req.OutputPath == "" {
		return fmt.Errorf("shot id and output path are required")
	}
	if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
		return err
	}

	if cfg.ThumbWidth <= 0 {
		cfg.ThumbWidth = 320
	}

	dst := filepath.Join(cfg.Dir, req.ShotID+filepath.Ext(req.OutputPath))
	if err := copyFile(req.OutputPath, dst); err != nil {
		return err
	}

	img, err := imaging.Open(req.OutputPath)
	if err != nil {
		return fmt.Errorf("failed to open output: %w", err)
	}
	thumb := imaging.Resize(img, cfg.ThumbWidth, 0, imaging.Lanczos)
	return imaging.Save(thumb, filepath.Join(cfg.Dir, req.ShotID+"_thumb.jpg"), imaging.JPEGQuality(85))
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}

// writeErrorResponse writes an error response to stdout.
func writeErrorResponse(errMsg string) {
	json.NewEncoder(os.Stdout).Encode(Response{Success: false, Error: errMsg})
}

// writeSuccessResponse writes a success response to stdout.
func writeSuccessResponse() {
	json.NewEncoder(os.Stdout).Encode(Response{Success: true})
}
