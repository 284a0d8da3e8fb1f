package codec

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"testing"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

func raw(w, h uint32, tag format.FourCC, data []byte) frame.RawFrame {
	return frame.RawFrame{Format: format.NewCameraFormat(w, h, 30, tag), Data: data}
}

func TestDecodeYUYV(t *testing.T) {
	// Two pixels: black and white, neutral chroma.
	data := []byte{16, 128, 235, 128}
	img, err := Decode(raw(2, 1, format.YUYV, data), frame.RGB)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []byte{0, 0, 0, 255, 255, 255}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("pix = %v, want %v", img.Pix, want)
	}
}

func TestDecodeUYVYMatchesYUYV(t *testing.T) {
	yuyv := []byte{81, 90, 145, 240, 41, 240, 210, 16}
	uyvy := []byte{90, 81, 240, 145, 240, 41, 16, 210}
	a, err := Decode(raw(4, 1, format.YUYV, yuyv), frame.RGB)
	if err != nil {
		t.Fatalf("Decode YUYV: %v", err)
	}
	b, err := Decode(raw(4, 1, format.UYVYApple, uyvy), frame.RGB)
	if err != nil {
		t.Fatalf("Decode 2vuy: %v", err)
	}
	if !bytes.Equal(a.Pix, b.Pix) {
		t.Errorf("YUYV %v != UYVY %v", a.Pix, b.Pix)
	}
}

func TestDecodeShortBuffer(t *testing.T) {
	for _, tag := range Default.Tags() {
		if c, _ := Lookup(tag); c.Packing == Compressed {
			continue
		}
		f := raw(640, 480, tag, make([]byte, 100))
		_, err := Decode(f, frame.RGB)
		if !errors.Is(err, camerr.MalformedBuffer) {
			t.Errorf("%s: err = %v, want MalformedBuffer", tag, err)
		}
	}
}

func TestDecodeOffByOne(t *testing.T) {
	f := raw(4, 2, format.RGB3, make([]byte, 4*2*3-1))
	if _, err := Decode(f, frame.RGB); !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("err = %v, want MalformedBuffer", err)
	}
}

func TestDecodeEmptyMJPEG(t *testing.T) {
	if _, err := Decode(raw(640, 480, format.MJPG, nil), frame.RGB); !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("err = %v, want MalformedBuffer", err)
	}
	if _, err := Decode(raw(640, 480, format.MJPG, []byte("not a jpeg")), frame.RGB); !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("garbage: err = %v, want MalformedBuffer", err)
	}
}

func TestDecodeUnknownTag(t *testing.T) {
	_, err := Decode(raw(2, 2, format.MustFourCC("BA81"), make([]byte, 4)), frame.RGB)
	if !errors.Is(err, camerr.UnsupportedPixelFormat) {
		t.Errorf("err = %v, want UnsupportedPixelFormat", err)
	}
}

func TestDecodeOddWidthYUYV(t *testing.T) {
	_, err := Decode(raw(3, 1, format.YUYV, make([]byte, 8)), frame.RGB)
	if !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("err = %v, want MalformedBuffer", err)
	}
}

func TestDecodeStride(t *testing.T) {
	// 2x2 BGR with rows padded to 8 bytes.
	data := []byte{
		1, 2, 3, 4, 5, 6, 0xee, 0xee,
		7, 8, 9, 10, 11, 12,
	}
	f := raw(2, 2, format.BGR3, data)
	f.Stride = 8
	img, err := Decode(f, frame.RGB)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	want := []byte{3, 2, 1, 6, 5, 4, 9, 8, 7, 12, 11, 10}
	if !bytes.Equal(img.Pix, want) {
		t.Errorf("pix = %v, want %v", img.Pix, want)
	}

	f.Stride = 4
	if _, err := Decode(f, frame.RGB); !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("short stride: err = %v, want MalformedBuffer", err)
	}
}

func TestDecodeDoesNotMutateInput(t *testing.T) {
	data := []byte{10, 20, 30, 40, 50, 60}
	orig := append([]byte(nil), data...)
	img, err := Decode(raw(2, 1, format.RGB3, data), frame.RGBA)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	img.Pix[0] = 99
	if !bytes.Equal(data, orig) {
		t.Errorf("input mutated: %v", data)
	}
	if want := []byte{10, 20, 30, 255, 40, 50, 60, 255}; !bytes.Equal(img.Pix[1:], want[1:]) {
		t.Errorf("rgba = %v", img.Pix)
	}
}

func TestDecodePlanarGray(t *testing.T) {
	const w, h = 4, 4
	data := bytes.Repeat([]byte{128}, w*h*3/2)
	for _, tag := range []format.FourCC{format.NV12, format.NV12Apple, format.NV21, format.I420, format.YU12} {
		img, err := Decode(raw(w, h, tag, data), frame.RGB)
		if err != nil {
			t.Fatalf("Decode %s: %v", tag, err)
		}
		if img.Width != w || img.Height != h {
			t.Fatalf("%s decoded to %dx%d", tag, img.Width, img.Height)
		}
		for i, v := range img.Pix {
			if v != 128 {
				t.Fatalf("%s pix[%d] = %d, want 128", tag, i, v)
			}
		}
	}
}

func TestDecodeHugeResolution(t *testing.T) {
	const max = ^uint32(0)
	tags := []format.FourCC{format.GREY, format.YUYV, format.RGBA, format.NV12, format.I420}
	for _, tag := range tags {
		_, err := Decode(raw(max-1, max, tag, make([]byte, 16)), frame.RGB)
		if !errors.Is(err, camerr.MalformedBuffer) {
			t.Errorf("%s %dx%d: err = %v, want MalformedBuffer", tag, max-1, max, err)
		}
	}

	f := raw(2, max, format.GREY, make([]byte, 16))
	f.Stride = int(^uint(0) >> 1)
	if _, err := Decode(f, frame.RGB); !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("huge stride: err = %v, want MalformedBuffer", err)
	}
}

func TestDecodeMJPEG(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 16, 8))
	for i := range src.Pix {
		src.Pix[i] = 0xff
	}
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, src, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	img, err := Decode(raw(16, 8, format.MJPG, buf.Bytes()), frame.Luma)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if img.Layout != frame.Luma || len(img.Pix) != 16*8 {
		t.Fatalf("layout %s len %d", img.Layout, len(img.Pix))
	}
	if img.Pix[0] < 250 {
		t.Errorf("white decoded to %d", img.Pix[0])
	}

	if _, err := Decode(raw(32, 8, format.MJPG, buf.Bytes()), frame.RGB); !errors.Is(err, camerr.MalformedBuffer) {
		t.Errorf("size mismatch: err = %v, want MalformedBuffer", err)
	}
}

func TestRegisterCustomCodec(t *testing.T) {
	r := NewRegistry()
	tag := format.MustFourCC("Y16")
	err := r.Register(tag, Codec{
		Packing:      Packed,
		BitsPerPixel: 16,
		Kernel: func(data []byte, stride int, res format.Resolution) (*frame.Image, error) {
			img := frame.NewImage(int(res.Width), int(res.Height), frame.Luma)
			for y := 0; y < img.Height; y++ {
				for x := 0; x < img.Width; x++ {
					img.Pix[y*img.Width+x] = data[y*stride+x*2+1]
				}
			}
			return img, nil
		},
	})
	if err != nil {
		t.Fatalf("Register: %v", err)
	}

	img, err := r.Decode(raw(2, 1, tag, []byte{0x00, 0x10, 0xff, 0x80}), frame.RGB)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if want := []byte{0x10, 0x10, 0x10, 0x80, 0x80, 0x80}; !bytes.Equal(img.Pix, want) {
		t.Errorf("pix = %v, want %v", img.Pix, want)
	}
	if Supported(tag) {
		t.Error("custom codec leaked into Default")
	}
}

func TestImageToImage(t *testing.T) {
	img, err := Decode(raw(1, 1, format.RGB3, []byte{200, 100, 50}), frame.RGB)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	got := img.ToImage().At(0, 0)
	if c := color.RGBAModel.Convert(got).(color.RGBA); c != (color.RGBA{200, 100, 50, 255}) {
		t.Errorf("At = %v", c)
	}
}
