package format

import (
	"encoding/json"
	"testing"

	"gopkg.in/yaml.v3"
)

func TestFrameRateParse(t *testing.T) {
	tests := []struct {
		in   string
		want FrameRate
		ok   bool
	}{
		{"30", FPS(30), true},
		{"30fps", FPS(30), true},
		{"30000/1001", FrameRate{30000, 1001}, true},
		{"60/2", FPS(30), true},
		{"0", FrameRate{}, false},
		{"29.97", FrameRate{}, false},
		{"1/0", FrameRate{}, false},
	}
	for _, tt := range tests {
		got, err := ParseFrameRate(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseFrameRate(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && got != tt.want {
			t.Errorf("ParseFrameRate(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestRateFromFloat(t *testing.T) {
	if got := RateFromFloat(29.97); got != (FrameRate{30000, 1001}) {
		t.Errorf("29.97 -> %v", got)
	}
	if got := RateFromFloat(30); got != FPS(30) {
		t.Errorf("30 -> %v", got)
	}
	if got := RateFromFloat(0); got.Valid() {
		t.Errorf("0 -> %v, want invalid", got)
	}
}

func TestFourCCUint32(t *testing.T) {
	// V4L2_PIX_FMT_YUYV
	const v4l2YUYV = 0x56595559
	if got := FourCCFromUint32(v4l2YUYV); got != YUYV {
		t.Errorf("FourCCFromUint32 = %q, want YUYV", got)
	}
	if YUYV.Uint32() != v4l2YUYV {
		t.Errorf("Uint32 = %#x", YUYV.Uint32())
	}
	if f := MustFourCC("Y16"); f.String() != "Y16" || f[3] != ' ' {
		t.Errorf("padded fourcc = %q", f[:])
	}
}

func TestCameraIndexYAML(t *testing.T) {
	var doc struct {
		A CameraIndex `yaml:"a"`
		B CameraIndex `yaml:"b"`
		C CameraIndex `yaml:"c"`
	}
	src := "a: 2\nb: usb-0000:00:14.0-1\nc: \"0\"\n"
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.A != Index(2) {
		t.Errorf("a = %v, want Index(2)", doc.A)
	}
	if doc.B != Named("usb-0000:00:14.0-1") {
		t.Errorf("b = %v", doc.B)
	}
	if doc.C != Named("0") || doc.C == Index(0) {
		t.Errorf("quoted 0 must stay a string index, got %#v", doc.C)
	}

	out, err := yaml.Marshal(doc)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	var back struct {
		A CameraIndex `yaml:"a"`
		B CameraIndex `yaml:"b"`
		C CameraIndex `yaml:"c"`
	}
	if err := yaml.Unmarshal(out, &back); err != nil {
		t.Fatalf("Unmarshal round trip: %v\n%s", err, out)
	}
	if back != doc {
		t.Errorf("round trip changed indexes: %+v -> %+v", doc, back)
	}
}

func TestRequestedFormatYAML(t *testing.T) {
	src := `
a:
  type: closest
  format:
    resolution: 1280x720
    frame_rate: 30
    fourcc: MJPG
b: absolute_highest_frame_rate
c:
  type: highest_frame_rate
  resolution:
    width: 640
    height: 480
`
	var doc struct {
		A RequestedFormat `yaml:"a"`
		B RequestedFormat `yaml:"b"`
		C RequestedFormat `yaml:"c"`
	}
	if err := yaml.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if doc.A.Kind() != RequestClosest || !doc.A.Format().Equal(NewCameraFormat(1280, 720, 30, MJPG)) {
		t.Errorf("a = %s", doc.A)
	}
	if doc.B.Kind() != RequestAbsoluteHighestFrameRate {
		t.Errorf("b = %s", doc.B)
	}
	if doc.C.Kind() != RequestHighestFrameRate || doc.C.Resolution() != (Resolution{640, 480}) {
		t.Errorf("c = %s", doc.C)
	}

	var bad RequestedFormat
	if err := yaml.Unmarshal([]byte("type: exact\n"), &bad); err == nil {
		t.Error("exact without a format should fail")
	}
}

func TestRequestedFormatJSON(t *testing.T) {
	in := HighestResolution(FrameRate{30000, 1001})
	b, err := json.Marshal(in)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	if string(b) != `{"type":"highest_resolution","frame_rate":"30000/1001"}` {
		t.Errorf("json = %s", b)
	}
	var out RequestedFormat
	if err := json.Unmarshal(b, &out); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	if out != in {
		t.Errorf("got %s, want %s", out, in)
	}
}
