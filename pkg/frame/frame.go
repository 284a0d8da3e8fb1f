// Package frame defines captured and decoded frame buffers.
package frame

import (
	"fmt"
	"image"
	"image/color"
	"time"

	"github.com/video-system/go-webcam/pkg/format"
)

// RawFrame is one captured buffer in the encoding named by Format.FourCC.
// Data is never modified after capture; consumers that share a frame share
// it read-only and decoding always copies.
type RawFrame struct {
	Format    format.CameraFormat
	Data      []byte
	Stride    int // bytes per row of the first plane, 0 for tightly packed
	Sequence  uint64
	Timestamp time.Time
}

// Len returns the buffer length.
func (f RawFrame) Len() int {
	return len(f.Data)
}

func (f RawFrame) String() string {
	return fmt.Sprintf("frame #%d %s (%d bytes)", f.Sequence, f.Format, len(f.Data))
}

// Layout is the channel layout of a decoded image.
type Layout int

const (
	RGB Layout = iota
	RGBA
	Luma
)

// Channels returns bytes per pixel.
func (l Layout) Channels() int {
	switch l {
	case RGBA:
		return 4
	case Luma:
		return 1
	}
	return 3
}

func (l Layout) String() string {
	switch l {
	case RGBA:
		return "rgba"
	case Luma:
		return "luma"
	}
	return "rgb"
}

// ParseLayout accepts "rgb", "rgba" and "luma".
func ParseLayout(s string) (Layout, error) {
	switch s {
	case "", "rgb":
		return RGB, nil
	case "rgba":
		return RGBA, nil
	case "luma", "gray":
		return Luma, nil
	}
	return RGB, fmt.Errorf("unknown layout %q", s)
}

// Image is a decoded, tightly packed pixel buffer. Only codecs create them.
type Image struct {
	Width  int
	Height int
	Layout Layout
	Pix    []byte
}

// NewImage allocates a zeroed image.
func NewImage(width, height int, layout Layout) *Image {
	return &Image{
		Width:  width,
		Height: height,
		Layout: layout,
		Pix:    make([]byte, width*height*layout.Channels()),
	}
}

// Stride returns bytes per row.
func (m *Image) Stride() int {
	return m.Width * m.Layout.Channels()
}

// Convert returns the image in another layout, copying. Luma uses the
// BT.601 weights.
func (m *Image) Convert(to Layout) *Image {
	out := NewImage(m.Width, m.Height, to)
	if m.Layout == to {
		copy(out.Pix, m.Pix)
		return out
	}
	n := m.Width * m.Height
	src, dst := m.Layout.Channels(), to.Channels()
	for i := 0; i < n; i++ {
		var r, g, b byte
		if m.Layout == Luma {
			r = m.Pix[i]
			g, b = r, r
		} else {
			r, g, b = m.Pix[i*src], m.Pix[i*src+1], m.Pix[i*src+2]
		}
		switch to {
		case Luma:
			out.Pix[i] = byte((19595*uint32(r) + 38470*uint32(g) + 7471*uint32(b) + 1<<15) >> 16)
		default:
			out.Pix[i*dst], out.Pix[i*dst+1], out.Pix[i*dst+2] = r, g, b
			if to == RGBA {
				out.Pix[i*dst+3] = 0xff
			}
		}
	}
	return out
}

// ToImage converts to a standard library image: *image.Gray for Luma and
// *image.RGBA otherwise.
func (m *Image) ToImage() image.Image {
	rect := image.Rect(0, 0, m.Width, m.Height)
	switch m.Layout {
	case Luma:
		g := image.NewGray(rect)
		copy(g.Pix, m.Pix)
		return g
	case RGBA:
		rgba := image.NewRGBA(rect)
		copy(rgba.Pix, m.Pix)
		return rgba
	}
	return &image.RGBA{Pix: m.Convert(RGBA).Pix, Stride: m.Width * 4, Rect: rect}
}

// FromImage copies any image.Image into a packed buffer.
func FromImage(src image.Image, layout Layout) *Image {
	b := src.Bounds()
	out := NewImage(b.Dx(), b.Dy(), layout)
	ch := layout.Channels()
	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			c := color.NRGBAModel.Convert(src.At(x, y)).(color.NRGBA)
			switch layout {
			case Luma:
				out.Pix[i] = color.GrayModel.Convert(c).(color.Gray).Y
			case RGBA:
				out.Pix[i], out.Pix[i+1], out.Pix[i+2], out.Pix[i+3] = c.R, c.G, c.B, c.A
			default:
				out.Pix[i], out.Pix[i+1], out.Pix[i+2] = c.R, c.G, c.B
			}
			i += ch
		}
	}
	return out
}
