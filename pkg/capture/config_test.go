package capture

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/format"
)

const sampleConfig = `
log:
  level: debug
features:
  backends: [mock]
  threaded: true
api:
  enabled: true
  port: ${WEBCAM_TEST_PORT}
drivers:
  mock:
    devices: "2"
    interval: 2ms
cameras:
  - id: front
    driver: mock
    index: 0
    format:
      type: closest
      format:
        resolution: 1280x720
        frame_rate: 60
        fourcc: MJPG
    capture:
      policy: block
      timeout_policy: fail
      read_timeout: 500ms
      max_age: 250ms
  - id: back
    driver: mock
    index: mock1
    format: absolute_highest_resolution
    auto_start: false
`

func TestLoadConfig(t *testing.T) {
	t.Setenv("WEBCAM_TEST_PORT", "9090")
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.API.Port != 9090 {
		t.Errorf("api port = %d, env not expanded", cfg.API.Port)
	}
	if cfg.Log.Level != "debug" {
		t.Errorf("log level = %q", cfg.Log.Level)
	}
	if len(cfg.Cameras) != 2 {
		t.Fatalf("cameras = %d", len(cfg.Cameras))
	}

	front := cfg.Cameras[0]
	if front.Format.Kind() != format.RequestClosest {
		t.Errorf("front format kind = %s", front.Format.Kind())
	}
	if want := format.NewCameraFormat(1280, 720, 60, format.MJPG); !front.Format.Format().Equal(want) {
		t.Errorf("front format = %s, want %s", front.Format.Format(), want)
	}
	if n, ok := front.Index.AsIndex(); !ok || n != 0 {
		t.Errorf("front index = %s", front.Index)
	}
	if front.Capture.Policy != Block || front.Capture.TimeoutPolicy != TimeoutFail {
		t.Errorf("front capture = %+v", front.Capture)
	}
	if front.Capture.ReadTimeout != 500*time.Millisecond {
		t.Errorf("read timeout = %s", front.Capture.ReadTimeout)
	}
	if opts := cfg.ControllerOptions(front); opts.MaxAge != 250*time.Millisecond {
		t.Errorf("max age = %s", opts.MaxAge)
	}
	if front.Capture.Buffer != 4 || front.Capture.History != 30 {
		t.Errorf("defaults not applied: %+v", front.Capture)
	}

	back := cfg.Cameras[1]
	if s, ok := back.Index.AsString(); !ok || s != "mock1" {
		t.Errorf("back index = %s", back.Index)
	}
	if back.Format.Kind() != format.RequestAbsoluteHighestResolution {
		t.Errorf("back format kind = %s", back.Format.Kind())
	}
	if back.ShouldStart() || !front.ShouldStart() {
		t.Error("auto_start not honoured")
	}
	if back.Capture.Policy != DropOldest {
		t.Errorf("default policy = %s", back.Capture.Policy)
	}

	opts := cfg.DriverOptions(front, backend.Options{})
	if opts.Param("devices", "") != "2" {
		t.Errorf("driver params = %v", opts.Params)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"duplicate id", "cameras:\n  - {id: a, driver: mock}\n  - {id: a, driver: mock}\n"},
		{"driver not enabled", "features: {backends: [v4l2], threaded: true}\ncameras:\n  - {id: a, driver: mock}\n"},
		{"threaded off", "features: {threaded: false}\ncameras:\n  - {id: a, driver: mock}\n"},
		{"bad policy", "cameras:\n  - {id: a, driver: mock, capture: {policy: sometimes}}\n"},
		{"bad port", "api: {enabled: true, port: 70000}\n"},
		{"negative max age", "cameras:\n  - {id: a, driver: mock, capture: {max_age: -1s}}\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParseConfig([]byte(tt.yaml)); err == nil {
				t.Errorf("config accepted:\n%s", tt.yaml)
			}
		})
	}

	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("empty config: %v", err)
	}
	if !cfg.Features.Threaded || cfg.API.Port != 8080 {
		t.Errorf("defaults = %+v", cfg)
	}
}

func TestManager(t *testing.T) {
	t.Setenv("WEBCAM_TEST_PORT", "8081")
	cfg, err := ParseConfig([]byte(sampleConfig))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	m, err := NewManager(cfg, nil)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer m.Stop()

	if got := m.List(); len(got) != 2 || got[0] != "back" || got[1] != "front" {
		t.Fatalf("List = %v", got)
	}
	front, ok := m.Get("front")
	if !ok {
		t.Fatal("front missing")
	}
	if _, err := front.PollFrame(ctx); err != nil {
		t.Fatalf("front PollFrame: %v", err)
	}
	back, _ := m.Get("back")
	if back.State() != Idle {
		t.Errorf("back started without auto_start")
	}
	if !m.Running() {
		t.Error("Running = false")
	}

	if err := m.StartCamera(ctx, "back"); err != nil {
		t.Fatalf("StartCamera back: %v", err)
	}
	st, err := m.Status("back")
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.State != Running || st.Driver != backend.Mock || st.Format == "" {
		t.Errorf("back status = %+v", st)
	}
	if err := m.StopCamera("back"); err != nil {
		t.Fatalf("StopCamera: %v", err)
	}
	if err := m.StopCamera("side"); err == nil {
		t.Error("StopCamera on unknown id succeeded")
	}

	statuses := m.Statuses()
	if len(statuses) != 2 || statuses[1].CameraID != "front" || statuses[1].State != Running {
		t.Errorf("statuses = %+v", statuses)
	}
}
