package server

import (
	"bytes"
	"fmt"
	"net/http"
	"time"

	"github.com/ayusman/duolens/internal/artifact"
)

const streamInterval = 200 * time.Millisecond

// StageSource provides the latest encoded preview of a stage.
type StageSource interface {
	Get(stage string) ([]byte, bool)
}

// StreamHandler serves a stage preview as MJPEG, emitting a part whenever the
// stage changes. The stage is chosen with ?stage= and defaults to the final image.
type StreamHandler struct {
	board    StageSource
	interval time.Duration
}

// NewStreamHandler creates a new StreamHandler reading from board.
func NewStreamHandler(board StageSource) *StreamHandler {
	return &StreamHandler{board: board, interval: streamInterval}
}

// ServeHTTP streams MJPEG frames to connected clients.
func (h *StreamHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stage := r.URL.Query().Get("stage")
	if stage == "" {
		stage = artifact.StageFinal
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	var last []byte
	for {
		if data, ok := h.board.Get(stage); ok && !bytes.Equal(data, last) {
			if err := writePart(w, data); err != nil {
				return
			}
			last = data
		}

		select {
		case <-r.Context().Done():
			return
		case <-ticker.C:
		}
	}
}

func writePart(w http.ResponseWriter, data []byte) error {
	if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(data)); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	if _, err := fmt.Fprint(w, "\r\n"); err != nil {
		return err
	}
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	return nil
}
