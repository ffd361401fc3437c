package api

import (
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/disintegration/imaging"
	"gocv.io/x/gocv"

	"github.com/ayusman/duolens/internal/app"
	"github.com/ayusman/duolens/internal/calib"
	"github.com/ayusman/duolens/internal/store"
)

// maxUploadSize bounds the multipart form kept in memory.
const maxUploadSize = 64 << 20

// ShotSubmitter starts shots from uploaded images.
type ShotSubmitter interface {
	Submit(normal, wide gocv.Mat, rig *calib.Rig) (string, error)
}

// ShotHandler handles HTTP requests for shot resources.
type ShotHandler struct {
	store     *store.Store
	submitter ShotSubmitter
}

// NewShotHandler creates a new ShotHandler.
func NewShotHandler(s *store.Store, submitter ShotSubmitter) *ShotHandler {
	return &ShotHandler{store: s, submitter: submitter}
}

type shotResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	Path        string `json:"path,omitempty"`
	Error       string `json:"error,omitempty"`
	HasImage    bool   `json:"has_image"`
	TwoLens     bool   `json:"two_lens"`
	CreatedAt   string `json:"created_at"`
	CompletedAt string `json:"completed_at,omitempty"`
	DurationMs  int64  `json:"duration_ms"`
}

type listShotsResponse struct {
	Shots []shotResponse `json:"shots"`
}

type submitResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func toShotResponse(sh *store.Shot) shotResponse {
	return shotResponse{
		ID:          sh.ID,
		Status:      sh.Status,
		Path:        sh.Path,
		Error:       sh.Error,
		HasImage:    sh.OutputPath != "",
		TwoLens:     sh.TwoLens,
		CreatedAt:   formatTime(sh.CreatedAt),
		CompletedAt: formatTime(sh.CompletedAt),
		DurationMs:  sh.Duration.Milliseconds(),
	}
}

// ServeHTTP routes /api/shots, /api/shots/{id} and /api/shots/{id}/image.
func (h *ShotHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/shots")
	path = strings.TrimPrefix(path, "/")

	if path == "" {
		switch r.Method {
		case http.MethodGet:
			h.list(w, r)
		case http.MethodPost:
			h.create(w, r)
		default:
			http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		}
		return
	}

	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(path, "/")
	switch {
	case len(parts) == 1:
		h.get(w, r, parts[0])
	case len(parts) == 2 && parts[1] == "image":
		h.image(w, r, parts[0])
	default:
		writeError(w, http.StatusNotFound, "Not found")
	}
}

// list handles GET /api/shots?limit=N.
func (h *ShotHandler) list(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	shots, err := h.store.Shots().List(limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list shots")
		return
	}

	response := listShotsResponse{Shots: make([]shotResponse, 0, len(shots))}
	for _, sh := range shots {
		response.Shots = append(response.Shots, toShotResponse(sh))
	}
	writeJSON(w, http.StatusOK, response)
}

// get handles GET /api/shots/{id}.
func (h *ShotHandler) get(w http.ResponseWriter, r *http.Request, id string) {
	sh, ok := h.lookup(w, id)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, toShotResponse(sh))
}

// image handles GET /api/shots/{id}/image?width=N. A width scales the image down
// keeping its aspect ratio.
func (h *ShotHandler) image(w http.ResponseWriter, r *http.Request, id string) {
	sh, ok := h.lookup(w, id)
	if !ok {
		return
	}
	if sh.OutputPath == "" {
		writeError(w, http.StatusNotFound, "Shot has no image")
		return
	}

	width := 0
	if v := r.URL.Query().Get("width"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid width")
			return
		}
		width = n
	}

	if width == 0 {
		w.Header().Set("Content-Type", "image/jpeg")
		http.ServeFile(w, r, sh.OutputPath)
		return
	}

	img, err := imaging.Open(sh.OutputPath)
	if err != nil {
		writeError(w, http.StatusNotFound, "Shot image unavailable")
		return
	}
	if img.Bounds().Dx() > width {
		img = imaging.Resize(img, width, 0, imaging.Lanczos)
	}

	w.Header().Set("Content-Type", "image/jpeg")
	if err := imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(85)); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to encode image")
	}
}

// create handles POST /api/shots. The multipart form carries the "normal" and
// optional "wide" images and an optional "calibration" YAML file. A shot without
// a wide image is a single-lens shot.
func (h *ShotHandler) create(w http.ResponseWriter, r *http.Request) {
	if h.submitter == nil {
		writeError(w, http.StatusServiceUnavailable, "Shot processing unavailable")
		return
	}
	if err := r.ParseMultipartForm(maxUploadSize); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid multipart form")
		return
	}

	normal, err := decodeUpload(r.MultipartForm, "normal")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if normal.Empty() {
		normal.Close()
		writeError(w, http.StatusBadRequest, "normal image is required")
		return
	}

	wide, err := decodeUpload(r.MultipartForm, "wide")
	if err != nil {
		normal.Close()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rig, err := parseCalibration(r.MultipartForm)
	if err != nil {
		normal.Close()
		wide.Close()
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id, err := h.submitter.Submit(normal, wide, rig)
	switch {
	case errors.Is(err, app.ErrBusy):
		writeError(w, http.StatusConflict, err.Error())
		return
	case errors.Is(err, app.ErrNotRunning):
		writeError(w, http.StatusServiceUnavailable, err.Error())
		return
	case err != nil:
		writeError(w, http.StatusInternalServerError, "Failed to submit shot")
		return
	}

	writeJSON(w, http.StatusAccepted, submitResponse{ID: id, Status: store.ShotPending})
}

func (h *ShotHandler) lookup(w http.ResponseWriter, id string) (*store.Shot, bool) {
	sh, err := h.store.Shots().GetByID(id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			writeError(w, http.StatusNotFound, "Shot not found")
			return nil, false
		}
		writeError(w, http.StatusInternalServerError, "Failed to get shot")
		return nil, false
	}
	return sh, true
}

// decodeUpload decodes the image in field as a BGR Mat, applying the EXIF
// orientation. A missing field yields an empty Mat.
func decodeUpload(form *multipart.Form, field string) (gocv.Mat, error) {
	files := form.File[field]
	if len(files) == 0 {
		return gocv.NewMat(), nil
	}

	f, err := files[0].Open()
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%s: %w", field, err)
	}
	defer f.Close()

	img, err := imaging.Decode(f, imaging.AutoOrientation(true))
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%s: invalid image: %w", field, err)
	}
	mat, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return gocv.NewMat(), fmt.Errorf("%s: %w", field, err)
	}
	return mat, nil
}

func parseCalibration(form *multipart.Form) (*calib.Rig, error) {
	files := form.File["calibration"]
	if len(files) == 0 {
		return nil, nil
	}

	f, err := files[0].Open()
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	rig, err := calib.ParseRig(data)
	if err != nil {
		return nil, fmt.Errorf("calibration: %w", err)
	}
	return rig, nil
}
