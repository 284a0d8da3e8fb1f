package codec

import (
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

// builtin is the static tag table. Aliases share a codec.
var builtin = map[format.FourCC]Codec{
	format.YUYV:      {Name: "YUYV", Packing: Packed, BitsPerPixel: 16, PixelAlign: 2, Kernel: yuyvKernel(0, 1, 2, 3)},
	format.UYVY:      {Name: "UYVY", Packing: Packed, BitsPerPixel: 16, PixelAlign: 2, Kernel: yuyvKernel(1, 0, 3, 2)},
	format.UYVYApple: {Name: "UYVY", Packing: Packed, BitsPerPixel: 16, PixelAlign: 2, Kernel: yuyvKernel(1, 0, 3, 2)},
	format.UYVYLower: {Name: "UYVY", Packing: Packed, BitsPerPixel: 16, PixelAlign: 2, Kernel: yuyvKernel(1, 0, 3, 2)},

	format.RGB3: {Name: "RGB24", Packing: Packed, BitsPerPixel: 24, Kernel: rgbKernel(0, 1, 2)},
	format.BGR3: {Name: "BGR24", Packing: Packed, BitsPerPixel: 24, Kernel: rgbKernel(2, 1, 0)},
	format.RGBA: {Name: "RGBA", Packing: Packed, BitsPerPixel: 32, Kernel: rgbaKernel},
	format.GREY: {Name: "GREY", Packing: Packed, BitsPerPixel: 8, Kernel: lumaKernel},
	format.GRAY: {Name: "GREY", Packing: Packed, BitsPerPixel: 8, Kernel: lumaKernel},

	format.NV12:      {Name: "NV12", Packing: Planar420, PixelAlign: 2, Kernel: pionKernel(pionNV12)},
	format.NV12Apple: {Name: "NV12", Packing: Planar420, PixelAlign: 2, Kernel: pionKernel(pionNV12)},
	format.NV21:      {Name: "NV21", Packing: Planar420, PixelAlign: 2, Kernel: pionKernel(pionNV21)},
	format.I420:      {Name: "I420", Packing: Planar420, PixelAlign: 2, Kernel: pionKernel(pionI420)},
	format.YU12:      {Name: "I420", Packing: Planar420, PixelAlign: 2, Kernel: pionKernel(pionI420)},
	format.MJPG:      {Name: "MJPEG", Packing: Compressed, Kernel: pionKernel(pionMJPEG)},
}

func clamp(v int32) byte {
	switch {
	case v < 0:
		return 0
	case v > 255:
		return 255
	}
	return byte(v)
}

// yuvToRGB is the fixed-point BT.601 studio-swing conversion.
func yuvToRGB(y, u, v byte) (byte, byte, byte) {
	c := (int32(y) - 16) * 298
	d := int32(u) - 128
	e := int32(v) - 128
	r := clamp((c + 409*e + 128) >> 8)
	g := clamp((c - 100*d - 208*e + 128) >> 8)
	b := clamp((c + 516*d + 128) >> 8)
	return r, g, b
}

// yuyvKernel decodes packed 4:2:2 macropixels; the offsets locate
// Y0, U, Y1 and V inside each 4-byte group.
func yuyvKernel(y0, u, y1, v int) Kernel {
	return func(data []byte, stride int, res format.Resolution) (*frame.Image, error) {
		w, h := int(res.Width), int(res.Height)
		img := frame.NewImage(w, h, frame.RGB)
		o := 0
		for row := 0; row < h; row++ {
			line := data[row*stride : row*stride+w*2]
			for x := 0; x+3 < len(line); x += 4 {
				cu, cv := line[x+u], line[x+v]
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = yuvToRGB(line[x+y0], cu, cv)
				img.Pix[o+3], img.Pix[o+4], img.Pix[o+5] = yuvToRGB(line[x+y1], cu, cv)
				o += 6
			}
		}
		return img, nil
	}
}

func rgbKernel(r, g, b int) Kernel {
	return func(data []byte, stride int, res format.Resolution) (*frame.Image, error) {
		w, h := int(res.Width), int(res.Height)
		img := frame.NewImage(w, h, frame.RGB)
		o := 0
		for row := 0; row < h; row++ {
			line := data[row*stride : row*stride+w*3]
			for x := 0; x < len(line); x += 3 {
				img.Pix[o], img.Pix[o+1], img.Pix[o+2] = line[x+r], line[x+g], line[x+b]
				o += 3
			}
		}
		return img, nil
	}
}

func rgbaKernel(data []byte, stride int, res format.Resolution) (*frame.Image, error) {
	return copyRows(data, stride, res, frame.RGBA), nil
}

func lumaKernel(data []byte, stride int, res format.Resolution) (*frame.Image, error) {
	return copyRows(data, stride, res, frame.Luma), nil
}

func copyRows(data []byte, stride int, res format.Resolution, layout frame.Layout) *frame.Image {
	img := frame.NewImage(int(res.Width), int(res.Height), layout)
	row := img.Stride()
	for y := 0; y < img.Height; y++ {
		copy(img.Pix[y*row:(y+1)*row], data[y*stride:y*stride+row])
	}
	return img
}
