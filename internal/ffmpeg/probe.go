package ffmpeg

import (
	"bufio"
	"regexp"
	"strconv"
	"strings"

	"github.com/video-system/go-webcam/pkg/format"
)

// pixFmts maps ffmpeg pixel format / codec names to FourCC tags. The first
// name for a tag is the one passed back to ffmpeg.
var pixFmts = []struct {
	name string
	tag  format.FourCC
}{
	{"yuyv422", format.YUYV},
	{"uyvy422", format.UYVY},
	{"nv12", format.NV12},
	{"nv21", format.NV21},
	{"yuv420p", format.I420},
	{"rgb24", format.RGB3},
	{"bgr24", format.BGR3},
	{"rgba", format.RGBA},
	{"gray", format.GREY},
	{"mjpeg", format.MJPG},
}

// TagForPixFmt returns the FourCC for an ffmpeg pixel format name.
func TagForPixFmt(name string) (format.FourCC, bool) {
	for _, p := range pixFmts {
		if p.name == name {
			return p.tag, true
		}
	}
	return format.FourCC{}, false
}

// PixFmtForTag returns the ffmpeg name for a FourCC, resolving aliases.
func PixFmtForTag(tag format.FourCC) (string, bool) {
	switch tag {
	case format.UYVYApple, format.UYVYLower:
		tag = format.UYVY
	case format.NV12Apple:
		tag = format.NV12
	case format.YU12:
		tag = format.I420
	case format.GRAY:
		tag = format.GREY
	}
	for _, p := range pixFmts {
		if p.tag == tag {
			return p.name, true
		}
	}
	return "", false
}

// DeviceEntry is one parsed line of a device listing.
type DeviceEntry struct {
	ID   string // what ffmpeg expects after -i
	Name string
}

var (
	logPrefix   = regexp.MustCompile(`^\[[^\]]+\]\s?`)
	avfDevice   = regexp.MustCompile(`^\[(\d+)\]\s+(.+)$`)
	v4l2Source  = regexp.MustCompile(`^\s*\*?\s*(/dev/\S+)\s+\[(.*)\]\s*$`)
	dshowDevice = regexp.MustCompile(`^\s*"(.+)"(?:\s+\((video|audio|none)\))?\s*$`)
)

// stripPrefix removes the "[avfoundation @ 0x...]" log context.
func stripPrefix(line string) string {
	return logPrefix.ReplaceAllString(strings.TrimRight(line, "\r"), "")
}

// ParseDeviceList extracts video devices from ListInputDevices output.
func ParseDeviceList(input, output string) []DeviceEntry {
	var devices []DeviceEntry
	scanner := bufio.NewScanner(strings.NewReader(output))

	switch input {
	case InputAVFoundation:
		inVideo := false
		for scanner.Scan() {
			line := stripPrefix(scanner.Text())
			switch {
			case strings.Contains(line, "video devices:"):
				inVideo = true
			case strings.Contains(line, "audio devices:"):
				inVideo = false
			case inVideo:
				if m := avfDevice.FindStringSubmatch(line); m != nil {
					devices = append(devices, DeviceEntry{ID: m[1], Name: m[2]})
				}
			}
		}

	case InputV4L2:
		for scanner.Scan() {
			if m := v4l2Source.FindStringSubmatch(scanner.Text()); m != nil {
				devices = append(devices, DeviceEntry{ID: m[1], Name: m[2]})
			}
		}

	case InputDShow:
		// Newer builds tag each device "(video)"; older ones group them
		// under a "DirectShow video devices" header.
		section := ""
		for scanner.Scan() {
			line := stripPrefix(scanner.Text())
			switch {
			case strings.Contains(line, "DirectShow video devices"):
				section = "video"
				continue
			case strings.Contains(line, "DirectShow audio devices"):
				section = "audio"
				continue
			case strings.Contains(line, "Alternative name"):
				continue
			}
			m := dshowDevice.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			kind := m[2]
			if kind == "" {
				kind = section
			}
			if kind == "video" {
				devices = append(devices, DeviceEntry{ID: m[1], Name: m[1]})
			}
		}
	}
	return devices
}

var (
	v4l2Formats = regexp.MustCompile(`^(Raw|Compressed)\s*:\s*(\S+)\s*:\s*(.*)\s:\s(.*)$`)
	avfMode     = regexp.MustCompile(`^\s*(\d+)x(\d+)@\[([^\]]*)\]fps`)
	dshowOption = regexp.MustCompile(`(pixel_format|vcodec)=(\S+)\s+min s=(\d+)x(\d+) fps=([\d.]+)\s+max s=(\d+)x(\d+) fps=([\d.]+)`)
)

// ParseFormats extracts the formats a device advertises. V4L2 listings carry
// no frame rates; defaultRate is used for them.
func ParseFormats(input, output string, defaultRate format.FrameRate) []format.CameraFormat {
	var formats []format.CameraFormat
	seen := make(map[format.CameraFormat]bool)
	add := func(f format.CameraFormat) {
		if !f.Resolution.Valid() || !f.FrameRate.Valid() || seen[f] {
			return
		}
		seen[f] = true
		formats = append(formats, f)
	}

	scanner := bufio.NewScanner(strings.NewReader(output))
	for scanner.Scan() {
		line := stripPrefix(scanner.Text())
		switch input {
		case InputV4L2:
			m := v4l2Formats.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			tag, ok := TagForPixFmt(m[2])
			if !ok {
				continue
			}
			for _, size := range strings.Fields(m[4]) {
				res, err := format.ParseResolution(size)
				if err != nil {
					continue
				}
				add(format.CameraFormat{Resolution: res, FrameRate: defaultRate, FourCC: tag})
			}

		case InputAVFoundation:
			m := avfMode.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			res := parseSize(m[1], m[2])
			for _, r := range strings.Fields(m[3]) {
				v, err := strconv.ParseFloat(r, 64)
				if err != nil {
					continue
				}
				add(format.CameraFormat{Resolution: res, FrameRate: format.RateFromFloat(v), FourCC: format.UYVY})
			}

		case InputDShow:
			m := dshowOption.FindStringSubmatch(line)
			if m == nil {
				continue
			}
			tag, ok := TagForPixFmt(m[2])
			if !ok {
				continue
			}
			minRes, maxRes := parseSize(m[3], m[4]), parseSize(m[6], m[7])
			for _, fps := range []string{m[8], m[5]} {
				v, err := strconv.ParseFloat(fps, 64)
				if err != nil {
					continue
				}
				add(format.CameraFormat{Resolution: maxRes, FrameRate: format.RateFromFloat(v), FourCC: tag})
				if minRes != maxRes {
					add(format.CameraFormat{Resolution: minRes, FrameRate: format.RateFromFloat(v), FourCC: tag})
				}
			}
		}
	}
	return formats
}

func parseSize(w, h string) format.Resolution {
	wv, _ := strconv.ParseUint(w, 10, 32)
	hv, _ := strconv.ParseUint(h, 10, 32)
	return format.Resolution{Width: uint32(wv), Height: uint32(hv)}
}
