// Package format holds the device-independent capture data model and the
// format negotiator.
package format

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Resolution is a frame size in pixels.
type Resolution struct {
	Width  uint32 `json:"width" yaml:"width"`
	Height uint32 `json:"height" yaml:"height"`
}

// Pixels returns the pixel count.
func (r Resolution) Pixels() uint64 {
	return uint64(r.Width) * uint64(r.Height)
}

// Valid reports whether both dimensions are positive.
func (r Resolution) Valid() bool {
	return r.Width > 0 && r.Height > 0
}

func (r Resolution) String() string {
	return fmt.Sprintf("%dx%d", r.Width, r.Height)
}

// ParseResolution parses "WxH".
func ParseResolution(s string) (Resolution, error) {
	w, h, ok := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !ok {
		return Resolution{}, fmt.Errorf("invalid resolution %q", s)
	}
	wv, err := strconv.ParseUint(w, 10, 32)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution width %q: %w", s, err)
	}
	hv, err := strconv.ParseUint(h, 10, 32)
	if err != nil {
		return Resolution{}, fmt.Errorf("invalid resolution height %q: %w", s, err)
	}
	r := Resolution{Width: uint32(wv), Height: uint32(hv)}
	if !r.Valid() {
		return Resolution{}, fmt.Errorf("invalid resolution %q: dimensions must be positive", s)
	}
	return r, nil
}

func (r Resolution) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Resolution) UnmarshalText(b []byte) error {
	v, err := ParseResolution(string(b))
	if err != nil {
		return err
	}
	*r = v
	return nil
}

// FrameRate is a rational frames-per-second value. Comparisons are exact.
type FrameRate struct {
	Num uint32
	Den uint32
}

// FPS returns an integral frame rate.
func FPS(n uint32) FrameRate {
	return FrameRate{Num: n, Den: 1}
}

// NewFrameRate returns num/den reduced to lowest terms.
func NewFrameRate(num, den uint32) FrameRate {
	if den == 0 {
		return FrameRate{}
	}
	g := gcd(num, den)
	if g == 0 {
		return FrameRate{Num: 0, Den: 1}
	}
	return FrameRate{Num: num / g, Den: den / g}
}

// FromInterval converts a frame interval in seconds (num/den) to a rate.
func FromInterval(num, den uint32) FrameRate {
	return NewFrameRate(den, num)
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// Valid reports whether the rate is positive.
func (f FrameRate) Valid() bool {
	return f.Num > 0 && f.Den > 0
}

// Float returns the rate as a float64, for display and metrics.
func (f FrameRate) Float() float64 {
	if f.Den == 0 {
		return 0
	}
	return float64(f.Num) / float64(f.Den)
}

// Cmp compares two rates exactly: -1, 0 or +1.
func (f FrameRate) Cmp(o FrameRate) int {
	a := uint64(f.Num) * uint64(o.Den)
	b := uint64(o.Num) * uint64(f.Den)
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

// Equal reports rational equality, so 60/2 equals 30/1.
func (f FrameRate) Equal(o FrameRate) bool {
	return f.Cmp(o) == 0
}

func (f FrameRate) String() string {
	if f.Den == 1 {
		return strconv.FormatUint(uint64(f.Num), 10)
	}
	return fmt.Sprintf("%d/%d", f.Num, f.Den)
}

// ParseFrameRate parses "30" or "30000/1001".
func ParseFrameRate(s string) (FrameRate, error) {
	s = strings.TrimSpace(strings.TrimSuffix(strings.TrimSpace(s), "fps"))
	num, den, frac := strings.Cut(s, "/")
	n, err := strconv.ParseUint(num, 10, 32)
	if err != nil {
		return FrameRate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
	}
	d := uint64(1)
	if frac {
		d, err = strconv.ParseUint(den, 10, 32)
		if err != nil {
			return FrameRate{}, fmt.Errorf("invalid frame rate %q: %w", s, err)
		}
	}
	r := NewFrameRate(uint32(n), uint32(d))
	if !r.Valid() {
		return FrameRate{}, fmt.Errorf("invalid frame rate %q: must be positive", s)
	}
	return r, nil
}

// RateFromFloat approximates a float rate, as reported by APIs that only
// expose doubles. Common NTSC rates map to their exact fractions.
func RateFromFloat(v float64) FrameRate {
	if v <= 0 || math.IsNaN(v) || math.IsInf(v, 0) {
		return FrameRate{}
	}
	for _, n := range []uint32{24000, 30000, 60000} {
		r := FrameRate{Num: n, Den: 1001}
		if math.Abs(r.Float()-v) < 0.005 {
			return r
		}
	}
	if math.Abs(v-math.Round(v)) < 0.001 {
		return FPS(uint32(math.Round(v)))
	}
	return NewFrameRate(uint32(math.Round(v*1000)), 1000)
}

func (f FrameRate) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FrameRate) UnmarshalText(b []byte) error {
	v, err := ParseFrameRate(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}

// CameraFormat is a concrete capture format.
type CameraFormat struct {
	Resolution Resolution `json:"resolution" yaml:"resolution"`
	FrameRate  FrameRate  `json:"frame_rate" yaml:"frame_rate"`
	FourCC     FourCC     `json:"fourcc" yaml:"fourcc"`
}

// NewCameraFormat builds a format from plain values.
func NewCameraFormat(width, height, fps uint32, tag FourCC) CameraFormat {
	return CameraFormat{
		Resolution: Resolution{Width: width, Height: height},
		FrameRate:  FPS(fps),
		FourCC:     tag,
	}
}

// Width is shorthand for Resolution.Width.
func (c CameraFormat) Width() uint32 { return c.Resolution.Width }

// Height is shorthand for Resolution.Height.
func (c CameraFormat) Height() uint32 { return c.Resolution.Height }

// Equal reports an exact match of resolution, rate and tag.
func (c CameraFormat) Equal(o CameraFormat) bool {
	return c.Resolution == o.Resolution && c.FrameRate.Equal(o.FrameRate) && c.FourCC == o.FourCC
}

// Compare orders formats by pixel count, then frame rate.
func (c CameraFormat) Compare(o CameraFormat) int {
	a, b := c.Resolution.Pixels(), o.Resolution.Pixels()
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return c.FrameRate.Cmp(o.FrameRate)
}

func (c CameraFormat) String() string {
	return fmt.Sprintf("%s@%sfps %s", c.Resolution, c.FrameRate, c.FourCC)
}
