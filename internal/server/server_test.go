package server

import (
	"context"
	"encoding/json"
	"image/png"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"depthview-go/internal/config"
	"depthview-go/internal/output"
	"depthview-go/internal/pipeline"
	"depthview-go/internal/types"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	p, err := pipeline.New(types.DefaultClip(), 1, false, nil, zap.NewNop(), nil)
	if err != nil {
		t.Fatalf("pipeline.New: %v", err)
	}
	return &Server{
		clients: make(map[*websocket.Conn]*sync.Mutex),
		cfg:     config.AppConfig{Port: 9999, Endpoint: "tcp://localhost:31002"},
		pipe:    p,
		log:     zap.NewNop(),
	}
}

func publish(t *testing.T, p *pipeline.Pipeline, samples []float32, width, height int) {
	t.Helper()
	frames := make(chan types.DepthFrame, 1)
	frames <- types.DepthFrame{
		FrameID: 5,
		Width:   width,
		Height:  height,
		Samples: map[types.DepthMode][]float32{types.ModeRaw: samples},
	}
	close(frames)
	p.Run(context.Background(), frames)
	if p.Latest() == nil {
		t.Fatal("publish helper failed to publish")
	}
}

func TestHandleConfig(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.handleConfig(rec, httptest.NewRequest("GET", "/config", nil))

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["port"].(float64) != 9999 {
		t.Fatalf("unexpected port: %v", payload["port"])
	}
	if payload["clip_max"].(float64) != 5 {
		t.Fatalf("unexpected clip_max: %v", payload["clip_max"])
	}
	if payload["mode"].(string) != "raw" {
		t.Fatalf("unexpected mode: %v", payload["mode"])
	}
}

func TestFramePNGBeforeFirstPublish(t *testing.T) {
	srv := testServer(t)

	rec := httptest.NewRecorder()
	srv.handleFramePNG(rec, httptest.NewRequest("GET", "/frame.png", nil))

	if rec.Code != 204 {
		t.Fatalf("expected 204 before first publish, got %d", rec.Code)
	}
}

func TestFramePNGServesLatest(t *testing.T) {
	srv := testServer(t)
	publish(t, srv.pipe, []float32{1.0, 3.0}, 2, 1)

	rec := httptest.NewRecorder()
	srv.handleFramePNG(rec, httptest.NewRequest("GET", "/frame.png", nil))

	if rec.Code != 200 {
		t.Fatalf("unexpected status: %d", rec.Code)
	}
	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 2 || img.Bounds().Dy() != 1 {
		t.Fatalf("unexpected dimensions %v", img.Bounds())
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if uint8(r>>8) != 204 {
		t.Fatalf("unexpected near pixel %d", r>>8)
	}
	r, _, _, _ = img.At(1, 0).RGBA()
	if uint8(r>>8) != 102 {
		t.Fatalf("unexpected far pixel %d", r>>8)
	}
}

func TestFramePNGRotateClockwise(t *testing.T) {
	srv := testServer(t)
	publish(t, srv.pipe, []float32{1.0, 3.0}, 2, 1)

	rec := httptest.NewRecorder()
	srv.handleFramePNG(rec, httptest.NewRequest("GET", "/frame.png?rotate=90", nil))

	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 1 || img.Bounds().Dy() != 2 {
		t.Fatalf("rotate did not transpose dimensions: %v", img.Bounds())
	}
	r, _, _, _ := img.At(0, 0).RGBA()
	if uint8(r>>8) != 204 {
		t.Fatalf("unexpected rotated top pixel %d", r>>8)
	}
	r, _, _, _ = img.At(0, 1).RGBA()
	if uint8(r>>8) != 102 {
		t.Fatalf("unexpected rotated bottom pixel %d", r>>8)
	}
}

func TestFramePNGScaling(t *testing.T) {
	srv := testServer(t)
	publish(t, srv.pipe, []float32{1.0, 3.0}, 2, 1)

	rec := httptest.NewRecorder()
	srv.handleFramePNG(rec, httptest.NewRequest("GET", "/frame.png?width=4", nil))

	img, err := png.Decode(rec.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if img.Bounds().Dx() != 4 {
		t.Fatalf("unexpected scaled width %d", img.Bounds().Dx())
	}
}

func TestFramePNGRejectsBadRotate(t *testing.T) {
	srv := testServer(t)
	publish(t, srv.pipe, []float32{1.0}, 1, 1)

	rec := httptest.NewRecorder()
	srv.handleFramePNG(rec, httptest.NewRequest("GET", "/frame.png?rotate=45", nil))
	if rec.Code != 400 {
		t.Fatalf("expected 400 for bad rotate, got %d", rec.Code)
	}
}

func TestHandleExport(t *testing.T) {
	srv := testServer(t)
	srv.exportFn = func() (string, error) { return "export/some.png", nil }

	rec := httptest.NewRecorder()
	srv.handleExport(rec, httptest.NewRequest("POST", "/export", nil))
	if rec.Code != 409 {
		t.Fatalf("expected 409 with no image, got %d", rec.Code)
	}

	publish(t, srv.pipe, []float32{2.0}, 1, 1)
	rec = httptest.NewRecorder()
	srv.handleExport(rec, httptest.NewRequest("POST", "/export", nil))
	if rec.Code != 200 {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["path"] != "export/some.png" {
		t.Fatalf("unexpected path %v", payload["path"])
	}
}

func TestHandleExportPermissionDenied(t *testing.T) {
	srv := testServer(t)
	publish(t, srv.pipe, []float32{2.0}, 1, 1)
	srv.exportFn = func() (string, error) {
		return "", output.ErrPersistenceDenied
	}

	rec := httptest.NewRecorder()
	srv.handleExport(rec, httptest.NewRequest("POST", "/export", nil))
	if rec.Code != 403 {
		t.Fatalf("expected 403 for denied export, got %d", rec.Code)
	}
}

func TestHandleExportRejectsGet(t *testing.T) {
	srv := testServer(t)
	rec := httptest.NewRecorder()
	srv.handleExport(rec, httptest.NewRequest("GET", "/export", nil))
	if rec.Code != 405 {
		t.Fatalf("expected 405, got %d", rec.Code)
	}
}

func TestHandleStatus(t *testing.T) {
	srv := testServer(t)
	srv.statusFn = func() map[string]any {
		return map[string]any{"sensor": "idle"}
	}
	publish(t, srv.pipe, []float32{2.0}, 1, 1)

	rec := httptest.NewRecorder()
	srv.handleStatus(rec, httptest.NewRequest("GET", "/status", nil))

	var payload map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if payload["sensor"] != "idle" {
		t.Fatalf("unexpected sensor state: %v", payload["sensor"])
	}
	if payload["ws_clients"].(float64) != 0 {
		t.Fatalf("unexpected ws_clients: %v", payload["ws_clients"])
	}
	if payload["last_frame_id"].(float64) != 5 {
		t.Fatalf("unexpected last_frame_id: %v", payload["last_frame_id"])
	}
}
