package format

import (
	"fmt"
	"strings"
)

// FourCC is a four-character code identifying a raw pixel encoding.
// The negotiator only compares tags; pkg/codec interprets them.
type FourCC [4]byte

// Known pixel format tags.
var (
	MJPG = FourCC{'M', 'J', 'P', 'G'} // Motion JPEG
	YUYV = FourCC{'Y', 'U', 'Y', 'V'} // packed YUV 4:2:2
	UYVY = FourCC{'U', 'Y', 'V', 'Y'} // packed YUV 4:2:2, chroma first
	NV12 = FourCC{'N', 'V', '1', '2'} // Y plane + interleaved UV
	NV21 = FourCC{'N', 'V', '2', '1'} // Y plane + interleaved VU
	I420 = FourCC{'I', '4', '2', '0'} // planar YUV 4:2:0
	YU12 = FourCC{'Y', 'U', '1', '2'} // V4L2 name for I420
	RGB3 = FourCC{'R', 'G', 'B', '3'} // packed 24-bit RGB
	BGR3 = FourCC{'B', 'G', 'R', '3'} // packed 24-bit BGR
	RGBA = FourCC{'R', 'G', 'B', 'A'} // packed 32-bit RGBA
	GREY = FourCC{'G', 'R', 'E', 'Y'} // 8-bit luma
	GRAY = FourCC{'G', 'R', 'A', 'Y'} // 8-bit luma, alternate spelling

	// macOS CoreVideo spellings
	UYVYApple = FourCC{'2', 'v', 'u', 'y'}
	UYVYLower = FourCC{'u', 'y', 'v', 'y'}
	NV12Apple = FourCC{'4', '2', '0', 'v'}
)

// ParseFourCC parses a four character tag. Shorter tags are space padded,
// matching how V4L2 names formats such as "Y16 ".
func ParseFourCC(s string) (FourCC, error) {
	if len(s) == 0 || len(s) > 4 {
		return FourCC{}, fmt.Errorf("invalid fourcc %q", s)
	}
	var f FourCC
	copy(f[:], s+strings.Repeat(" ", 4-len(s)))
	return f, nil
}

// MustFourCC is ParseFourCC for constants.
func MustFourCC(s string) FourCC {
	f, err := ParseFourCC(s)
	if err != nil {
		panic(err)
	}
	return f
}

// FourCCFromUint32 decodes the little-endian packing used by V4L2.
func FourCCFromUint32(v uint32) FourCC {
	return FourCC{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)}
}

// Uint32 returns the little-endian packing used by V4L2.
func (f FourCC) Uint32() uint32 {
	return uint32(f[0]) | uint32(f[1])<<8 | uint32(f[2])<<16 | uint32(f[3])<<24
}

// IsZero reports whether no tag is set.
func (f FourCC) IsZero() bool {
	return f == FourCC{}
}

func (f FourCC) String() string {
	if f.IsZero() {
		return ""
	}
	return strings.TrimRight(string(f[:]), " ")
}

func (f FourCC) MarshalText() ([]byte, error) {
	return []byte(f.String()), nil
}

func (f *FourCC) UnmarshalText(b []byte) error {
	if len(b) == 0 {
		*f = FourCC{}
		return nil
	}
	v, err := ParseFourCC(string(b))
	if err != nil {
		return err
	}
	*f = v
	return nil
}
