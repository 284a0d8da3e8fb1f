package mock

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
)

func TestRegistered(t *testing.T) {
	devs, err := backend.QueryDevices(context.Background(), backend.Mock, backend.Options{Params: map[string]string{"devices": "3"}})
	if err != nil {
		t.Fatalf("QueryDevices: %v", err)
	}
	if len(devs) != 3 || devs[2].Misc != "mock2" {
		t.Fatalf("devices = %v", devs)
	}
	if _, err := backend.New(backend.Mock, backend.Options{Params: map[string]string{"interval": "soon"}}); err == nil {
		t.Error("bad interval accepted")
	}
}

func TestBackendLookup(t *testing.T) {
	d := NewDriver(backend.Options{}, Spec{Name: "a"}, Spec{Name: "b"})
	b, err := d.Backend(format.Named("mock1"))
	if err != nil {
		t.Fatalf("Backend(mock1): %v", err)
	}
	if b.Info().Name != "b" {
		t.Errorf("name = %q", b.Info().Name)
	}
	if _, err := d.Backend(format.Index(2)); !errors.Is(err, camerr.DeviceNotFound) {
		t.Errorf("Backend(2): err = %v, want DeviceNotFound", err)
	}
}

func TestLifecycle(t *testing.T) {
	ctx := context.Background()
	claims := backend.NewClaims()
	d := NewDriver(backend.Options{Claims: claims}, Spec{Name: "cam"})
	b, _ := d.Backend(format.Index(0))
	cam := b.(*Camera)

	if _, err := cam.ReadFrame(ctx, time.Second); !errors.Is(err, camerr.InvalidState) {
		t.Fatalf("read before open: err = %v", err)
	}
	if err := cam.Open(ctx, format.NewCameraFormat(800, 600, 30, format.YUYV)); !errors.Is(err, camerr.UnsupportedFormat) {
		t.Fatalf("open unsupported: err = %v", err)
	}

	f := format.NewCameraFormat(320, 240, 15, format.GREY)
	if err := cam.Open(ctx, f); err != nil {
		t.Fatalf("Open: %v", err)
	}
	other, _ := d.Backend(format.Index(0))
	if err := other.Open(ctx, f); !errors.Is(err, camerr.DeviceBusy) {
		t.Fatalf("second open: err = %v, want DeviceBusy", err)
	}
	if err := cam.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}

	raw, err := cam.ReadFrame(ctx, time.Second)
	if err != nil {
		t.Fatalf("ReadFrame: %v", err)
	}
	if raw.Sequence != 1 || len(raw.Data) != 320*240 || !raw.Format.Equal(f) {
		t.Errorf("frame = %s, %d bytes", raw, len(raw.Data))
	}

	cam.InjectReadError(camerr.New(camerr.Timeout, "read frame", ""))
	if _, err := cam.ReadFrame(ctx, time.Second); !errors.Is(err, camerr.Timeout) {
		t.Errorf("injected: err = %v", err)
	}
	cam.Unplug()
	if _, err := cam.ReadFrame(ctx, time.Second); !errors.Is(err, camerr.StreamStopped) {
		t.Errorf("unplugged: err = %v", err)
	}

	if err := cam.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := cam.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	st := cam.Stats()
	if st.Opens != 1 || st.Closes != 1 || st.StreamStops != 1 {
		t.Errorf("stats = %+v", st)
	}
	if claims.Count() != 0 {
		t.Errorf("claims held after close: %d", claims.Count())
	}
}

func TestReadTimeout(t *testing.T) {
	ctx := context.Background()
	d := NewDriver(backend.Options{Claims: backend.NewClaims()}, Spec{Name: "slow", Interval: time.Second})
	b, _ := d.Backend(format.Index(0))
	if err := b.Open(ctx, DefaultFormats()[0]); err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()
	if err := b.StartStream(ctx); err != nil {
		t.Fatalf("StartStream: %v", err)
	}
	if _, err := b.ReadFrame(ctx, 10*time.Millisecond); !errors.Is(err, camerr.Timeout) {
		t.Fatalf("err = %v, want Timeout", err)
	}
}
