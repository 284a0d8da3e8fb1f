// Package codec decodes raw frames into packed color buffers.
//
// Every pixel format is described by a Codec: its memory layout, used to
// validate a buffer before decoding, and a Kernel that performs the
// conversion. Tags without a registered Codec fail with
// UnsupportedPixelFormat; nothing is guessed.
package codec

import (
	"errors"
	"fmt"
	"math"
	"math/bits"
	"sort"
	"sync"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

// Packing describes how a format lays out bytes.
type Packing int

const (
	// Packed formats store whole pixels per row, optionally padded to Stride.
	Packed Packing = iota
	// Planar420 formats store a full luma plane followed by quarter-size
	// chroma. Rows must be tightly packed.
	Planar420
	// Compressed formats have data-dependent size.
	Compressed
)

// Kernel converts a validated buffer. stride is always set (never 0) for
// packed formats. Kernels must not retain or modify data.
type Kernel func(data []byte, stride int, res format.Resolution) (*frame.Image, error)

// Codec describes one pixel format.
type Codec struct {
	Name         string
	Packing      Packing
	BitsPerPixel int // packed formats only
	PixelAlign   int // width must be a multiple of this, 0 or 1 for none
	Kernel       Kernel
}

// Layout returns the tight row size and minimum buffer length for res. ok is
// false when either does not fit in an int.
func (c Codec) Layout(res format.Resolution) (row, size int, ok bool) {
	r, sz, ok := c.layout(res)
	if !ok {
		return 0, 0, false
	}
	return int(r), int(sz), true
}

func (c Codec) layout(res format.Resolution) (row, size uint64, ok bool) {
	w, h := uint64(res.Width), uint64(res.Height)
	switch c.Packing {
	case Packed:
		n, ok1 := mul(w, uint64(c.BitsPerPixel))
		row = n / 8
		total, ok2 := mul(row, h)
		return row, total, ok1 && ok2
	case Planar420:
		cw, ch := (w+1)/2, (h+1)/2
		luma, ok1 := mul(w, h)
		chroma, ok2 := mul(2*cw, ch)
		total, ok3 := add(luma, chroma)
		return w, total, ok1 && ok2 && ok3
	}
	return 0, 1, true
}

func mul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0 && lo <= math.MaxInt
}

func add(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0 && sum <= math.MaxInt
}

// validate checks data against res and returns the effective stride.
func (c Codec) validate(data []byte, stride int, res format.Resolution) (int, error) {
	if !res.Valid() {
		return 0, camerr.New(camerr.MalformedBuffer, "decode", "invalid resolution %s", res)
	}
	if c.PixelAlign > 1 && int(res.Width)%c.PixelAlign != 0 {
		return 0, camerr.New(camerr.MalformedBuffer, "decode", "%s width %d not a multiple of %d", c.Name, res.Width, c.PixelAlign)
	}
	if stride < 0 {
		return 0, camerr.New(camerr.MalformedBuffer, "decode", "negative stride %d", stride)
	}
	row, size, ok := c.layout(res)
	if !ok {
		return 0, camerr.New(camerr.MalformedBuffer, "decode", "%s %s is too large", c.Name, res)
	}
	switch c.Packing {
	case Compressed:
		if len(data) == 0 {
			return 0, camerr.New(camerr.MalformedBuffer, "decode", "empty %s buffer", c.Name)
		}
		return 0, nil
	case Planar420:
		if stride != 0 && uint64(stride) != row {
			return 0, camerr.New(camerr.MalformedBuffer, "decode", "%s stride %d unsupported, need %d", c.Name, stride, row)
		}
		stride = int(row)
	default:
		st := uint64(stride)
		if st == 0 {
			st = row
		}
		if st < row {
			return 0, camerr.New(camerr.MalformedBuffer, "decode", "%s stride %d shorter than row %d", c.Name, stride, row)
		}
		body, ok1 := mul(st, uint64(res.Height)-1)
		total, ok2 := add(body, row)
		if !ok1 || !ok2 {
			return 0, camerr.New(camerr.MalformedBuffer, "decode", "%s %s with stride %d is too large", c.Name, res, st)
		}
		size = total
		stride = int(st)
	}
	if uint64(len(data)) < size {
		return 0, camerr.New(camerr.MalformedBuffer, "decode", "%s %s needs %d bytes, got %d", c.Name, res, size, len(data))
	}
	return stride, nil
}

// Registry maps pixel format tags to codecs. It is safe for concurrent use.
type Registry struct {
	mu     sync.RWMutex
	codecs map[format.FourCC]Codec
}

// NewRegistry returns a registry holding the builtin codecs.
func NewRegistry() *Registry {
	r := &Registry{codecs: make(map[format.FourCC]Codec, len(builtin))}
	for tag, c := range builtin {
		r.codecs[tag] = c
	}
	return r
}

// Register adds or replaces the codec for tag.
func (r *Registry) Register(tag format.FourCC, c Codec) error {
	if c.Kernel == nil {
		return fmt.Errorf("register %s: nil kernel", tag)
	}
	if c.Packing == Packed && c.BitsPerPixel <= 0 {
		return fmt.Errorf("register %s: packed codec needs bits per pixel", tag)
	}
	if c.Name == "" {
		c.Name = tag.String()
	}
	r.mu.Lock()
	r.codecs[tag] = c
	r.mu.Unlock()
	return nil
}

// Lookup returns the codec for tag.
func (r *Registry) Lookup(tag format.FourCC) (Codec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.codecs[tag]
	return c, ok
}

// Tags lists registered tags in lexical order.
func (r *Registry) Tags() []format.FourCC {
	r.mu.RLock()
	tags := make([]format.FourCC, 0, len(r.codecs))
	for tag := range r.codecs {
		tags = append(tags, tag)
	}
	r.mu.RUnlock()
	sort.Slice(tags, func(i, j int) bool { return tags[i].String() < tags[j].String() })
	return tags
}

// Decode converts raw into a freshly allocated image of the given layout.
func (r *Registry) Decode(raw frame.RawFrame, layout frame.Layout) (*frame.Image, error) {
	tag := raw.Format.FourCC
	c, ok := r.Lookup(tag)
	if !ok {
		return nil, camerr.New(camerr.UnsupportedPixelFormat, "decode", "no decoder for %q", tag.String())
	}
	stride, err := c.validate(raw.Data, raw.Stride, raw.Format.Resolution)
	if err != nil {
		return nil, err
	}
	img, err := c.Kernel(raw.Data, stride, raw.Format.Resolution)
	if err != nil {
		var ce *camerr.Error
		if errors.As(err, &ce) {
			return nil, err
		}
		return nil, camerr.E(camerr.MalformedBuffer, "decode", err)
	}
	if img.Layout != layout {
		img = img.Convert(layout)
	}
	return img, nil
}

// Default is the process-wide registry used by the package functions.
var Default = NewRegistry()

// Register adds a codec to Default.
func Register(tag format.FourCC, c Codec) error {
	return Default.Register(tag, c)
}

// Lookup finds a codec in Default.
func Lookup(tag format.FourCC) (Codec, bool) {
	return Default.Lookup(tag)
}

// Decode decodes with Default.
func Decode(raw frame.RawFrame, layout frame.Layout) (*frame.Image, error) {
	return Default.Decode(raw, layout)
}

// Supported reports whether Default can decode tag.
func Supported(tag format.FourCC) bool {
	_, ok := Default.Lookup(tag)
	return ok
}
