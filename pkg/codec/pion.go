package codec

import (
	"image"
	"image/color"

	mdframe "github.com/pion/mediadevices/pkg/frame"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

// Only some of the mediadevices format constants are typed.
var (
	pionNV12  mdframe.Format = mdframe.FormatNV12
	pionNV21  mdframe.Format = mdframe.FormatNV21
	pionI420  mdframe.Format = mdframe.FormatI420
	pionMJPEG mdframe.Format = mdframe.FormatMJPEG
)

// pionKernel adapts a mediadevices decoder. Planar input is trimmed to the
// exact plane size first since those decoders index from the buffer length.
func pionKernel(f mdframe.Format) Kernel {
	dec, decErr := mdframe.NewDecoder(f)
	return func(data []byte, _ int, res format.Resolution) (*frame.Image, error) {
		if decErr != nil {
			return nil, camerr.E(camerr.UnsupportedPixelFormat, "decode", decErr)
		}
		w, h := int(res.Width), int(res.Height)
		if f != pionMJPEG {
			size := w*h + 2*((w+1)/2)*((h+1)/2)
			data = data[:size]
		}

		img, release, err := dec.Decode(data, w, h)
		if err != nil {
			return nil, camerr.E(camerr.MalformedBuffer, "decode", err)
		}
		if release != nil {
			defer release()
		}
		if b := img.Bounds(); b.Dx() != w || b.Dy() != h {
			return nil, camerr.New(camerr.MalformedBuffer, "decode", "%s decoded to %dx%d, declared %s", f, b.Dx(), b.Dy(), res)
		}
		return fromDecoded(img), nil
	}
}

// fromDecoded copies a decoder result into an RGB image, with a fast path for
// the YCbCr images every YUV and JPEG decoder returns.
func fromDecoded(src image.Image) *frame.Image {
	ycc, ok := src.(*image.YCbCr)
	if !ok {
		return frame.FromImage(src, frame.RGB)
	}
	b := ycc.Rect
	out := frame.NewImage(b.Dx(), b.Dy(), frame.RGB)
	o := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			yi, ci := ycc.YOffset(x, y), ycc.COffset(x, y)
			out.Pix[o], out.Pix[o+1], out.Pix[o+2] = color.YCbCrToRGB(ycc.Y[yi], ycc.Cb[ci], ycc.Cr[ci])
			o += 3
		}
	}
	return out
}
