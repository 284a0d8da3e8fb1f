package v4l2

import (
	"errors"
	"math"
	"testing"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
)

func TestExpandSizesDiscrete(t *testing.T) {
	got := expandSizes([]sizeRange{
		{MinWidth: 640, MaxWidth: 640, MinHeight: 480, MaxHeight: 480},
		{MinWidth: 1280, MaxWidth: 1280, MinHeight: 720, MaxHeight: 720},
		{MinWidth: 640, MaxWidth: 640, MinHeight: 480, MaxHeight: 480},
	})
	want := []format.Resolution{{Width: 640, Height: 480}, {Width: 1280, Height: 720}}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("size %d = %s, want %s", i, got[i], want[i])
		}
	}
}

func TestExpandSizesStepwise(t *testing.T) {
	got := expandSizes([]sizeRange{{
		MinWidth: 320, MaxWidth: 1280, StepWidth: 64,
		MinHeight: 240, MaxHeight: 720, StepHeight: 8,
	}})
	if got[0] != (format.Resolution{Width: 1280, Height: 720}) {
		t.Errorf("first size = %s, want the maximum", got[0])
	}
	has := func(w, h uint32) bool {
		for _, r := range got {
			if r.Width == w && r.Height == h {
				return true
			}
		}
		return false
	}
	if !has(640, 480) || !has(320, 240) {
		t.Errorf("common sizes missing from %v", got)
	}
	if has(1920, 1080) {
		t.Error("size above maximum offered")
	}
	if has(352, 288) {
		t.Error("352 is off the 64 pixel width step from 320")
	}
}

func TestExpandRates(t *testing.T) {
	discrete := expandRates([]intervalRange{
		{MinNum: 1, MaxNum: 1, MinDen: 15, MaxDen: 15},
		{MinNum: 1, MaxNum: 1, MinDen: 30, MaxDen: 30},
		{MinNum: 1001, MaxNum: 1001, MinDen: 30000, MaxDen: 30000},
	})
	want := []format.FrameRate{format.FPS(30), {Num: 30000, Den: 1001}, format.FPS(15)}
	if len(discrete) != len(want) {
		t.Fatalf("got %v, want %v", discrete, want)
	}
	for i := range want {
		if !discrete[i].Equal(want[i]) {
			t.Errorf("rate %d = %s, want %s", i, discrete[i], want[i])
		}
	}

	// Continuous 1/30 s to 1/5 s.
	cont := expandRates([]intervalRange{{MinNum: 1, MinDen: 30, MaxNum: 1, MaxDen: 5, StepNum: 1, StepDen: 1}})
	if !cont[0].Equal(format.FPS(30)) || !cont[len(cont)-1].Equal(format.FPS(5)) {
		t.Errorf("continuous bounds = %v", cont)
	}
	for _, r := range cont {
		if r.Cmp(format.FPS(30)) > 0 || r.Cmp(format.FPS(5)) < 0 {
			t.Errorf("rate %s outside range", r)
		}
	}
}

func TestSortTags(t *testing.T) {
	tags := []format.FourCC{format.GREY, format.MJPG, format.NV12, format.YUYV}
	sortTags(tags)
	want := []format.FourCC{format.YUYV, format.MJPG, format.NV12, format.GREY}
	for i := range want {
		if tags[i] != want[i] {
			t.Errorf("tag %d = %s, want %s", i, tags[i], want[i])
		}
	}
}

func TestDevicePath(t *testing.T) {
	tests := []struct {
		index format.CameraIndex
		want  string
	}{
		{format.Index(0), "/dev/video0"},
		{format.Index(12), "/dev/video12"},
		{format.Named("/dev/v4l/by-id/usb-cam"), "/dev/v4l/by-id/usb-cam"},
		{format.Named("video3"), "/dev/video3"},
	}
	for _, tt := range tests {
		if got := devicePath(tt.index); got != tt.want {
			t.Errorf("devicePath(%s) = %q, want %q", tt.index, got, tt.want)
		}
	}
	if nodeNumber("/dev/video7") != 7 || nodeNumber("/dev/video-meta") != -1 {
		t.Error("nodeNumber")
	}
}

func TestControlValueRange(t *testing.T) {
	tests := []struct {
		value int64
		want  int32
		ok    bool
	}{
		{0, 0, true},
		{-5, -5, true},
		{math.MaxInt32, math.MaxInt32, true},
		{math.MinInt32, math.MinInt32, true},
		{math.MaxInt32 + 1, 0, false},
		{math.MinInt32 - 1, 0, false},
		{1 << 40, 0, false},
	}
	for _, tt := range tests {
		got, err := controlValue("/dev/video0", 0x00980900, tt.value)
		if !tt.ok {
			if !errors.Is(err, camerr.InvalidArgument) {
				t.Errorf("controlValue(%d): err = %v, want InvalidArgument", tt.value, err)
			}
			continue
		}
		if err != nil || got != tt.want {
			t.Errorf("controlValue(%d) = %d, %v; want %d", tt.value, got, err, tt.want)
		}
	}
}
