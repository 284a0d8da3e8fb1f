package backend

import (
	"context"
	"errors"
	"testing"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
)

func TestSessionLifecycle(t *testing.T) {
	claims := NewClaims()
	s := &Session{Key: "test:/dev/video0", Claims: claims}
	f := format.NewCameraFormat(640, 480, 30, format.YUYV)

	if err := s.Stream(); !errors.Is(err, camerr.InvalidState) {
		t.Fatalf("Stream on closed session: err = %v, want InvalidState", err)
	}
	if err := s.Halt(); !errors.Is(err, camerr.InvalidState) {
		t.Fatalf("Halt on closed session: err = %v, want InvalidState", err)
	}

	if err := s.Begin(f); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !claims.Held(s.Key) {
		t.Fatal("device not claimed after Begin")
	}
	if err := s.Begin(f); !errors.Is(err, camerr.InvalidState) {
		t.Fatalf("second Begin: err = %v, want InvalidState", err)
	}
	if err := s.Stream(); err != nil {
		t.Fatalf("Stream: %v", err)
	}
	if s.State() != Streaming || !s.Format().Equal(f) {
		t.Fatalf("state %s format %s", s.State(), s.Format())
	}

	if prev := s.End(); prev != Streaming {
		t.Errorf("End returned %s, want streaming", prev)
	}
	if claims.Held(s.Key) {
		t.Error("claim leaked after End")
	}
	if prev := s.End(); prev != Closed {
		t.Errorf("second End returned %s, want closed", prev)
	}
}

func TestClaimsBusy(t *testing.T) {
	claims := NewClaims()
	a := &Session{Key: "test:cam", Claims: claims}
	b := &Session{Key: "test:cam", Claims: claims}
	f := format.NewCameraFormat(640, 480, 30, format.YUYV)

	if err := a.Begin(f); err != nil {
		t.Fatalf("Begin a: %v", err)
	}
	if err := b.Begin(f); !errors.Is(err, camerr.DeviceBusy) {
		t.Fatalf("Begin b: err = %v, want DeviceBusy", err)
	}
	if b.State() != Closed {
		t.Fatalf("failed Begin changed state to %s", b.State())
	}
	a.End()
	if err := b.Begin(f); err != nil {
		t.Fatalf("Begin b after release: %v", err)
	}
	b.End()
	if claims.Count() != 0 {
		t.Errorf("claims left: %d", claims.Count())
	}
}

type stubDriver struct{ name string }

func (d stubDriver) Name() string { return d.name }
func (d stubDriver) Query(ctx context.Context) ([]Device, error) {
	return []Device{{Index: format.Index(0), Name: "stub", Driver: d.name}}, nil
}
func (d stubDriver) Backend(index format.CameraIndex) (Backend, error) {
	return nil, camerr.New(camerr.DeviceNotFound, "backend", "stub")
}

func TestRegistryAndNative(t *testing.T) {
	Register("stub-test", func(opts Options) (Driver, error) { return stubDriver{name: "stub-test"}, nil })

	devs, err := QueryDevices(context.Background(), "stub-test", Options{})
	if err != nil {
		t.Fatalf("QueryDevices: %v", err)
	}
	if len(devs) != 1 || devs[0].Driver != "stub-test" {
		t.Errorf("devices = %v", devs)
	}

	if _, err := New("no-such-driver", Options{}); !errors.Is(err, camerr.DeviceNotFound) {
		t.Errorf("unknown driver: err = %v, want DeviceNotFound", err)
	}

	if got := nativeFor("plan9"); got != "" {
		t.Errorf("nativeFor(plan9) = %q", got)
	}
	Register(FFmpeg, func(opts Options) (Driver, error) { return stubDriver{name: FFmpeg}, nil })
	if got := nativeFor("darwin"); got != FFmpeg && got != OpenCV {
		t.Errorf("nativeFor(darwin) = %q", got)
	}
}

func TestControlKindFromName(t *testing.T) {
	tests := map[string]ControlKind{
		"Brightness":                      ControlBrightness,
		"White Balance Temperature":       ControlWhiteBalance,
		"White Balance Temperature, Auto": ControlWhiteBalance,
		"Backlight Compensation":          ControlBacklightComp,
		"Exposure (Absolute)":             ControlExposure,
		"Focus, Auto":                     ControlFocus,
		"Power Line Frequency":            ControlOther,
	}
	for name, want := range tests {
		if got := ControlKindFromName(name); got != want {
			t.Errorf("%q = %s, want %s", name, got, want)
		}
	}
}
