package api

import (
	"bytes"
	"context"
	"encoding/json"
	"image/png"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	_ "github.com/video-system/go-webcam/pkg/backend/mock"
	"github.com/video-system/go-webcam/pkg/capture"
	"github.com/video-system/go-webcam/pkg/format"
)

const testConfig = `
features:
  backends: [mock]
  threaded: true
  serialization: true
drivers:
  mock:
    devices: "1"
    interval: 2ms
cameras:
  - id: cam0
    driver: mock
    index: 0
    auto_start: false
`

func newTestServer(t *testing.T) (*Server, *capture.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	cfg, err := capture.ParseConfig([]byte(testConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	m, err := capture.NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	t.Cleanup(m.Stop)
	return NewServer(ServerConfig{Manager: m, DriverParams: cfg.Drivers}), m
}

func do(t *testing.T, s *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestHealth(t *testing.T) {
	s, _ := newTestServer(t)
	w := do(t, s, http.MethodGet, "/health", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["status"] != "healthy" {
		t.Errorf("body = %v", resp)
	}
}

func TestDevices(t *testing.T) {
	s, _ := newTestServer(t)

	w := do(t, s, http.MethodGet, "/api/v1/drivers/mock/devices", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Devices []struct {
			Name   string `json:"name"`
			Driver string `json:"driver"`
		} `json:"devices"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Devices) != 1 || resp.Devices[0].Driver != "mock" {
		t.Errorf("devices = %+v", resp.Devices)
	}

	if w := do(t, s, http.MethodGet, "/api/v1/drivers/v4l2/devices", nil); w.Code != http.StatusNotFound {
		t.Errorf("disabled driver: status = %d", w.Code)
	}
}

func TestCameraLifecycle(t *testing.T) {
	s, m := newTestServer(t)

	if w := do(t, s, http.MethodGet, "/api/v1/cameras/nope", nil); w.Code != http.StatusNotFound {
		t.Errorf("unknown camera: status = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/cameras/cam0/snapshot", nil); w.Code != http.StatusConflict {
		t.Errorf("snapshot before start: status = %d", w.Code)
	}

	w := do(t, s, http.MethodPost, "/api/v1/cameras/cam0/start", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("start: status = %d: %s", w.Code, w.Body)
	}
	var st struct {
		State  string `json:"state"`
		Format string `json:"format"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &st); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if st.State != "running" || st.Format == "" {
		t.Errorf("status after start = %+v", st)
	}
	if w := do(t, s, http.MethodPost, "/api/v1/cameras/cam0/start", nil); w.Code != http.StatusConflict {
		t.Errorf("second start: status = %d", w.Code)
	}

	ctrl, _ := m.Get("cam0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, err := ctrl.PollFrame(ctx); err != nil {
		t.Fatalf("PollFrame: %v", err)
	}

	w = do(t, s, http.MethodGet, "/api/v1/cameras/cam0/snapshot", nil)
	if w.Code != http.StatusOK || w.Header().Get("Content-Type") != "image/png" {
		t.Fatalf("snapshot: status = %d, type %q", w.Code, w.Header().Get("Content-Type"))
	}
	img, err := png.Decode(w.Body)
	if err != nil {
		t.Fatalf("decode png: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 640 || b.Dy() != 480 {
		t.Errorf("snapshot size = %v", b)
	}

	w = do(t, s, http.MethodGet, "/api/v1/cameras/cam0/formats", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("formats: status = %d", w.Code)
	}
	var fr struct {
		Formats []json.RawMessage `json:"formats"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &fr); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(fr.Formats) != 4 {
		t.Errorf("formats = %d, want 4", len(fr.Formats))
	}

	if w := do(t, s, http.MethodPost, "/api/v1/cameras/cam0/stop", nil); w.Code != http.StatusOK {
		t.Fatalf("stop: status = %d", w.Code)
	}
	if ctrl.State() != capture.Idle {
		t.Errorf("state after stop = %s", ctrl.State())
	}
}

func TestNegotiate(t *testing.T) {
	s, _ := newTestServer(t)

	body, err := json.Marshal(negotiateRequest{
		Request: format.AbsoluteHighestResolution(),
		Formats: []format.CameraFormat{
			format.NewCameraFormat(640, 480, 30, format.YUYV),
			format.NewCameraFormat(1920, 1080, 30, format.MJPG),
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	w := do(t, s, http.MethodPost, "/api/v1/negotiate", body)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", w.Code, w.Body)
	}
	var resp struct {
		Format format.CameraFormat `json:"format"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if want := format.NewCameraFormat(1920, 1080, 30, format.MJPG); !resp.Format.Equal(want) {
		t.Errorf("negotiated %s, want %s", resp.Format, want)
	}

	body, _ = json.Marshal(negotiateRequest{
		Request: format.Exact(format.NewCameraFormat(320, 240, 15, format.GREY)),
		Formats: []format.CameraFormat{format.NewCameraFormat(640, 480, 30, format.YUYV)},
	})
	if w := do(t, s, http.MethodPost, "/api/v1/negotiate", body); w.Code != http.StatusUnprocessableEntity {
		t.Errorf("no match: status = %d", w.Code)
	}
}

func TestFrameHistory(t *testing.T) {
	s, m := newTestServer(t)
	if w := do(t, s, http.MethodPost, "/api/v1/cameras/cam0/start", nil); w.Code != http.StatusOK {
		t.Fatalf("start: status = %d: %s", w.Code, w.Body)
	}
	ctrl, _ := m.Get("cam0")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for i := 0; i < 3; i++ {
		if _, err := ctrl.PollFrame(ctx); err != nil {
			t.Fatalf("PollFrame: %v", err)
		}
	}
	if err := ctrl.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	type listing struct {
		Frames []struct {
			Sequence uint64 `json:"sequence"`
			Format   string `json:"format"`
			Bytes    int    `json:"bytes"`
		} `json:"frames"`
		Buffer struct {
			FrameCount int `json:"frame_count"`
		} `json:"buffer"`
	}

	w := do(t, s, http.MethodGet, "/api/v1/cameras/cam0/frames", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("frames: status = %d: %s", w.Code, w.Body)
	}
	var all listing
	if err := json.Unmarshal(w.Body.Bytes(), &all); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(all.Frames) < 3 || len(all.Frames) != all.Buffer.FrameCount {
		t.Fatalf("frames = %d, buffer count %d", len(all.Frames), all.Buffer.FrameCount)
	}
	for i := 1; i < len(all.Frames); i++ {
		if all.Frames[i].Sequence <= all.Frames[i-1].Sequence {
			t.Fatalf("sequences not increasing at %d", i)
		}
	}

	w = do(t, s, http.MethodGet, "/api/v1/cameras/cam0/frames?since=1m", nil)
	var recent listing
	if err := json.Unmarshal(w.Body.Bytes(), &recent); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(recent.Frames) != len(all.Frames) {
		t.Errorf("since=1m listed %d of %d frames", len(recent.Frames), len(all.Frames))
	}
	if w := do(t, s, http.MethodGet, "/api/v1/cameras/cam0/frames?since=soon", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad since: status = %d", w.Code)
	}

	newest := all.Frames[len(all.Frames)-1]
	w = do(t, s, http.MethodGet, "/api/v1/cameras/cam0/frames/"+strconv.FormatUint(newest.Sequence, 10)+"?raw=1", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("frame by seq: status = %d", w.Code)
	}
	if w.Body.Len() != newest.Bytes || w.Header().Get("X-Frame-Format") != newest.Format {
		t.Errorf("frame body %d bytes format %q, want %d %q", w.Body.Len(), w.Header().Get("X-Frame-Format"), newest.Bytes, newest.Format)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/cameras/cam0/frames/0", nil); w.Code != http.StatusNotFound {
		t.Errorf("evicted frame: status = %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/api/v1/cameras/cam0/frames/latest", nil); w.Code != http.StatusBadRequest {
		t.Errorf("bad seq: status = %d", w.Code)
	}
}
