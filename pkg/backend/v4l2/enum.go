// Package v4l2 captures from Video4Linux2 devices through
// github.com/blackjack/webcam. The driver registers itself on linux only.
//
// Device indices follow the kernel numbering: index N is /dev/videoN.
package v4l2

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
)

// commonSizes are offered for devices that report stepwise or continuous
// frame sizes.
var commonSizes = []format.Resolution{
	{Width: 3840, Height: 2160},
	{Width: 2560, Height: 1440},
	{Width: 1920, Height: 1080},
	{Width: 1600, Height: 1200},
	{Width: 1280, Height: 960},
	{Width: 1280, Height: 720},
	{Width: 1024, Height: 768},
	{Width: 800, Height: 600},
	{Width: 640, Height: 480},
	{Width: 640, Height: 360},
	{Width: 352, Height: 288},
	{Width: 320, Height: 240},
	{Width: 176, Height: 144},
	{Width: 160, Height: 120},
}

// sizeRange is a V4L2 frame size entry. Discrete sizes have Min == Max.
type sizeRange struct {
	MinWidth, MaxWidth, StepWidth    uint32
	MinHeight, MaxHeight, StepHeight uint32
}

func (r sizeRange) contains(res format.Resolution) bool {
	fits := func(v, lo, hi, step uint32) bool {
		if v < lo || v > hi {
			return false
		}
		return step <= 1 || (v-lo)%step == 0
	}
	return fits(res.Width, r.MinWidth, r.MaxWidth, r.StepWidth) &&
		fits(res.Height, r.MinHeight, r.MaxHeight, r.StepHeight)
}

// expandSizes turns frame size entries into concrete resolutions in
// enumeration order.
func expandSizes(ranges []sizeRange) []format.Resolution {
	var out []format.Resolution
	seen := make(map[format.Resolution]bool)
	add := func(res format.Resolution) {
		if res.Valid() && !seen[res] {
			seen[res] = true
			out = append(out, res)
		}
	}
	for _, r := range ranges {
		if r.MinWidth == r.MaxWidth && r.MinHeight == r.MaxHeight {
			add(format.Resolution{Width: r.MaxWidth, Height: r.MaxHeight})
			continue
		}
		add(format.Resolution{Width: r.MaxWidth, Height: r.MaxHeight})
		for _, c := range commonSizes {
			if r.contains(c) {
				add(c)
			}
		}
	}
	return out
}

// intervalRange is a V4L2 frame interval entry in seconds per frame.
// Discrete intervals have Min == Max.
type intervalRange struct {
	MinNum, MaxNum, StepNum uint32
	MinDen, MaxDen, StepDen uint32
}

// commonRates are offered for continuous interval ranges.
var commonRates = []uint32{120, 60, 50, 30, 25, 24, 20, 15, 10, 5}

// expandRates turns frame interval entries into frame rates, highest first.
// The shortest interval is the highest rate.
func expandRates(ranges []intervalRange) []format.FrameRate {
	var out []format.FrameRate
	add := func(r format.FrameRate) {
		if !r.Valid() {
			return
		}
		for _, o := range out {
			if o.Equal(r) {
				return
			}
		}
		out = append(out, r)
	}
	for _, r := range ranges {
		// Min and Max are whole intervals, not per-component bounds.
		fastest := format.FromInterval(r.MinNum, r.MinDen)
		slowest := format.FromInterval(r.MaxNum, r.MaxDen)
		add(fastest)
		if fastest.Equal(slowest) {
			continue
		}
		for _, fps := range commonRates {
			c := format.FPS(fps)
			if c.Cmp(fastest) < 0 && c.Cmp(slowest) > 0 {
				add(c)
			}
		}
		add(slowest)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Cmp(out[j]) > 0 })
	return out
}

// tagOrder ranks pixel formats for listing; uncompressed YUYV usually
// matches the driver default.
func tagOrder(tag format.FourCC) int {
	switch tag {
	case format.YUYV:
		return 0
	case format.MJPG:
		return 1
	case format.NV12, format.I420, format.YU12:
		return 2
	}
	return 3
}

// sortTags orders pixel formats deterministically.
func sortTags(tags []format.FourCC) {
	sort.Slice(tags, func(i, j int) bool {
		oi, oj := tagOrder(tags[i]), tagOrder(tags[j])
		if oi != oj {
			return oi < oj
		}
		return tags[i].Uint32() < tags[j].Uint32()
	})
}

// devicePath maps an index to its device node.
func devicePath(index format.CameraIndex) string {
	if n, ok := index.AsIndex(); ok {
		return "/dev/video" + strconv.FormatUint(uint64(n), 10)
	}
	s, _ := index.AsString()
	if strings.HasPrefix(s, "/") {
		return s
	}
	return "/dev/" + s
}

// nodeNumber extracts N from /dev/videoN, or -1.
func nodeNumber(path string) int {
	n, err := strconv.Atoi(strings.TrimPrefix(path, "/dev/video"))
	if err != nil || n < 0 {
		return -1
	}
	return n
}

// controlValue narrows value to the 32 bits VIDIOC_S_CTRL carries.
func controlValue(device string, id uint32, value int64) (int32, error) {
	if value < math.MinInt32 || value > math.MaxInt32 {
		return 0, camerr.New(camerr.InvalidArgument, "set control", "value %d for control %#x does not fit in 32 bits", value, id).WithDevice(device)
	}
	return int32(value), nil
}
