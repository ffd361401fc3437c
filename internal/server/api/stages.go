package api

import (
	"net/http"
	"strings"

	"github.com/ayusman/duolens/internal/artifact"
)

// StageHandler serves the stage images of the latest shot from the preview board.
// Expected paths: /api/stages and /api/stages/{name}
type StageHandler struct {
	board *artifact.Board
}

// NewStageHandler creates a new StageHandler.
func NewStageHandler(board *artifact.Board) *StageHandler {
	return &StageHandler{board: board}
}

type listStagesResponse struct {
	ShotID string   `json:"shot_id"`
	Stages []string `json:"stages"`
}

// ServeHTTP implements the http.Handler interface.
func (h *StageHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	name := strings.TrimPrefix(strings.TrimPrefix(r.URL.Path, "/api/stages"), "/")
	if name == "" {
		shotID, stages := h.board.Stages()
		if stages == nil {
			stages = []string{}
		}
		writeJSON(w, http.StatusOK, listStagesResponse{ShotID: shotID, Stages: stages})
		return
	}

	data, ok := h.board.Get(name)
	if !ok {
		writeError(w, http.StatusNotFound, "Stage not found")
		return
	}
	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Write(data)
}
