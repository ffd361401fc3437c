package server

import (
	"bytes"
	"context"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/disintegration/imaging"
	"go.uber.org/zap/zaptest"

	"github.com/ayusman/duolens/internal/app"
	"github.com/ayusman/duolens/internal/config"
	"github.com/ayusman/duolens/internal/store"
	"github.com/ayusman/duolens/testdata"
)

func newTestApp(t *testing.T) *app.App {
	t.Helper()

	cfg := config.DefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	cfg.Disparity.NumDisparities = 16
	cfg.Disparity.PreFilterCap = 31
	cfg.Pipeline.BlurRadius = 3
	cfg.Pipeline.ShowIntermediate = true

	s, err := store.New(filepath.Join(cfg.Storage.DataDir, "test.db"))
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	t.Cleanup(func() { s.Close() })

	a, err := app.New(app.Config{Config: cfg, Store: s, Logger: zaptest.NewLogger(t).Sugar()})
	if err != nil {
		t.Fatalf("app.New() error = %v", err)
	}
	if err := a.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	t.Cleanup(a.Stop)
	return a
}

// pairUpload builds a multipart body carrying the default stereo pair.
func pairUpload(t *testing.T) (*bytes.Buffer, string) {
	t.Helper()
	normal, wide, err := testdata.DefaultStereoPair()
	if err != nil {
		t.Fatalf("DefaultStereoPair() error = %v", err)
	}
	defer normal.Close()
	defer wide.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	for _, part := range []struct {
		field  string
		encode func() ([]byte, error)
	}{
		{"normal", func() ([]byte, error) { return testdata.EncodeJPEG(normal) }},
		{"wide", func() ([]byte, error) { return testdata.EncodeJPEG(wide) }},
	} {
		data, err := part.encode()
		if err != nil {
			t.Fatalf("EncodeJPEG() error = %v", err)
		}
		fw, err := mw.CreateFormFile(part.field, part.field+".jpg")
		if err != nil {
			t.Fatalf("CreateFormFile() error = %v", err)
		}
		fw.Write(data)
	}
	if err := mw.Close(); err != nil {
		t.Fatalf("multipart close error = %v", err)
	}
	return &body, mw.FormDataContentType()
}

func TestAPI_ShotWorkflow(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping shot workflow in short mode")
	}

	a := newTestApp(t)
	srv := New(Config{App: a, Logger: zaptest.NewLogger(t).Sugar()})
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	client := ts.Client()

	// 1. Upload a pair
	body, contentType := pairUpload(t)
	resp, err := client.Post(ts.URL+"/api/shots", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/shots error = %v", err)
	}
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("POST status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}

	var created struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	if created.ID == "" || created.Status != store.ShotPending {
		t.Fatalf("created = %+v, want a pending shot", created)
	}

	// 2. Wait for the worker
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()
	event, err := a.Await(ctx, created.ID)
	if err != nil {
		t.Fatalf("Await() error = %v", err)
	}
	if event.Status != "completed" {
		t.Fatalf("event = %+v, want completed", event)
	}

	// 3. Get the shot
	resp, _ = client.Get(ts.URL + "/api/shots/" + created.ID)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /api/shots/%s status = %d, want %d", created.ID, resp.StatusCode, http.StatusOK)
	}
	var shot struct {
		Status   string `json:"status"`
		Path     string `json:"path"`
		HasImage bool   `json:"has_image"`
		TwoLens  bool   `json:"two_lens"`
	}
	json.NewDecoder(resp.Body).Decode(&shot)
	resp.Body.Close()

	if shot.Status != "completed" || shot.Path != "unrectified" || !shot.HasImage || !shot.TwoLens {
		t.Errorf("shot = %+v", shot)
	}

	// 4. Fetch a thumbnail of the result
	resp, _ = client.Get(ts.URL + "/api/shots/" + created.ID + "/image?width=100")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET image status = %d, want %d", resp.StatusCode, http.StatusOK)
	}
	img, err := imaging.Decode(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("image decode error = %v", err)
	}
	if img.Bounds().Dx() != 100 {
		t.Errorf("thumbnail width = %d, want 100", img.Bounds().Dx())
	}

	// 5. The board shows the shot's stages
	resp, _ = client.Get(ts.URL + "/api/stages")
	var stages struct {
		ShotID string   `json:"shot_id"`
		Stages []string `json:"stages"`
	}
	json.NewDecoder(resp.Body).Decode(&stages)
	resp.Body.Close()

	if stages.ShotID != created.ID || len(stages.Stages) == 0 {
		t.Errorf("stages = %+v, want stages of %s", stages, created.ID)
	}
}

func TestAPI_EventsOverWebSocket(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping shot workflow in short mode")
	}

	a := newTestApp(t)
	srv := New(Config{App: a})
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	conn := dialEvents(t, srv.events, ts.URL+"/api/events")

	body, contentType := pairUpload(t)
	resp, err := ts.Client().Post(ts.URL+"/api/shots", contentType, body)
	if err != nil {
		t.Fatalf("POST /api/shots error = %v", err)
	}
	var created struct {
		ID string `json:"id"`
	}
	json.NewDecoder(resp.Body).Decode(&created)
	resp.Body.Close()

	started := readEvent(t, conn)
	if started.Type != app.EventShotStarted || started.ShotID != created.ID {
		t.Errorf("first event = %+v, want shot.started for %s", started, created.ID)
	}

	conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("ReadMessage() error = %v", err)
	}
	var done app.Event
	json.Unmarshal(data, &done)
	if done.Type != app.EventShotCompleted || done.ShotID != created.ID {
		t.Errorf("final event = %+v, want shot.completed for %s", done, created.ID)
	}
	if !strings.HasSuffix(done.OutputPath, created.ID+".jpg") {
		t.Errorf("output path = %q", done.OutputPath)
	}
}

func TestAPI_SettingsRoundTrip(t *testing.T) {
	a := newTestApp(t)
	srv := New(Config{App: a})
	defer srv.Close()
	ts := httptest.NewServer(srv)
	defer ts.Close()

	req, _ := http.NewRequest(http.MethodPut, ts.URL+"/api/settings",
		strings.NewReader(`{"key":"pipeline.blur_radius","value":"9"}`))
	resp, err := ts.Client().Do(req)
	if err != nil {
		t.Fatalf("PUT /api/settings error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("PUT status = %d, want %d", resp.StatusCode, http.StatusOK)
	}

	resp, _ = ts.Client().Get(ts.URL + "/api/settings")
	var listed struct {
		Settings map[string]string `json:"settings"`
	}
	json.NewDecoder(resp.Body).Decode(&listed)
	resp.Body.Close()

	if listed.Settings["pipeline.blur_radius"] != "9" {
		t.Errorf("blur_radius = %q, want 9", listed.Settings["pipeline.blur_radius"])
	}
}
