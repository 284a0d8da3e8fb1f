package backend

import "runtime"

// Auto selects the native driver.
const Auto = "auto"

// Driver names used by the bundled implementations.
const (
	V4L2   = "v4l2"
	FFmpeg = "ffmpeg"
	OpenCV = "opencv"
	Mock   = "mock"
)

// preference lists, per GOOS, drivers in the order Native tries them.
var preference = map[string][]string{
	"linux":   {V4L2, OpenCV, FFmpeg},
	"darwin":  {OpenCV, FFmpeg},
	"windows": {OpenCV, FFmpeg},
}

// Native returns the preferred registered driver for the running platform,
// or "" when none is registered.
func Native() string {
	return nativeFor(runtime.GOOS)
}

func nativeFor(goos string) string {
	for _, name := range preference[goos] {
		if _, ok := Get(name); ok {
			return name
		}
	}
	return ""
}
