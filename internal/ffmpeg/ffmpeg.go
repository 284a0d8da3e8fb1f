package ffmpeg

import (
	"context"
	"fmt"
	"os/exec"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/video-system/go-webcam/pkg/camerr"
)

// FFmpeg runs one ffmpeg binary.
type FFmpeg struct {
	binaryPath string
}

// installDirs are searched after PATH, in order.
var installDirs = map[string][]string{
	"darwin":  {"/opt/homebrew/bin", "/usr/local/bin"},
	"linux":   {"/usr/bin", "/usr/local/bin", "/snap/bin"},
	"windows": {`C:\ffmpeg\bin`, `C:\Program Files\ffmpeg\bin`},
}

// New returns a wrapper for the ffmpeg at path. An empty path searches PATH
// and then installDirs for the running OS.
func New(path string) (*FFmpeg, error) {
	candidates := []string{path}
	if path == "" {
		candidates = []string{"ffmpeg"}
		for _, dir := range installDirs[runtime.GOOS] {
			candidates = append(candidates, filepath.Join(dir, "ffmpeg"))
		}
	}
	for _, c := range candidates {
		// LookPath checks the executable bit and adds .exe on windows.
		if resolved, err := exec.LookPath(c); err == nil {
			return &FFmpeg{binaryPath: resolved}, nil
		}
	}
	return nil, camerr.New(camerr.DeviceNotFound, "find ffmpeg", "not executable at %s", strings.Join(candidates, ", "))
}

// Path returns the binary in use.
func (f *FFmpeg) Path() string {
	return f.binaryPath
}

// InputDevices returns the demuxing devices this ffmpeg build has, as
// listed by "ffmpeg -devices". Names with aliases appear once per alias.
func (f *FFmpeg) InputDevices(ctx context.Context) ([]string, error) {
	out, err := f.probe(ctx, "-devices")
	if err != nil {
		return nil, err
	}
	return parseInputDevices(out), nil
}

// CheckInput fails unless this ffmpeg build can capture from input.
func (f *FFmpeg) CheckInput(ctx context.Context, input string) error {
	devices, err := f.InputDevices(ctx)
	if err != nil {
		return err
	}
	if slices.Contains(devices, input) {
		return nil
	}
	return camerr.New(camerr.DeviceNotFound, "check input", "%s has no %s input device", f.binaryPath, input)
}

// parseInputDevices reads the table printed by -devices:
//
//	D. = Demuxing supported
//	--
//	D  avfoundation    AVFoundation input device
//	DE video4linux2,v4l2 Video4Linux2 output device
func parseInputDevices(out string) []string {
	var names []string
	table := false
	for _, line := range strings.Split(out, "\n") {
		fields := strings.Fields(line)
		if !table {
			table = len(fields) == 1 && fields[0] == "--"
			continue
		}
		if len(fields) < 2 || strings.Trim(fields[0], "DE.") != "" || !strings.Contains(fields[0], "D") {
			continue
		}
		names = append(names, strings.Split(fields[1], ",")...)
	}
	return names
}

// Input device formats understood by the driver.
const (
	InputV4L2         = "v4l2"
	InputAVFoundation = "avfoundation"
	InputDShow        = "dshow"
)

// DefaultInput returns the capture input format for the running OS.
func DefaultInput() string {
	switch runtime.GOOS {
	case "darwin":
		return InputAVFoundation
	case "windows":
		return InputDShow
	}
	return InputV4L2
}

// probe runs ffmpeg for its diagnostic output. Listing commands exit
// non-zero by design, so only a failure to start is an error.
func (f *FFmpeg) probe(ctx context.Context, args ...string) (string, error) {
	args = append([]string{"-hide_banner"}, args...)
	cmd := exec.CommandContext(ctx, f.binaryPath, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if _, ok := err.(*exec.ExitError); !ok {
			return "", fmt.Errorf("run ffmpeg: %w", err)
		}
	}
	return string(output), nil
}

// ListInputDevices returns the raw device listing for an input format.
func (f *FFmpeg) ListInputDevices(ctx context.Context, input string) (string, error) {
	switch input {
	case InputAVFoundation:
		return f.probe(ctx, "-f", "avfoundation", "-list_devices", "true", "-i", "")
	case InputV4L2:
		return f.probe(ctx, "-sources", "v4l2")
	case InputDShow:
		return f.probe(ctx, "-f", "dshow", "-list_devices", "true", "-i", "dummy")
	}
	return "", fmt.Errorf("unsupported input format: %s", input)
}

// ListDeviceFormats returns the raw mode listing of one device.
func (f *FFmpeg) ListDeviceFormats(ctx context.Context, input, device string) (string, error) {
	switch input {
	case InputV4L2:
		return f.probe(ctx, "-f", "v4l2", "-list_formats", "all", "-i", device)
	case InputAVFoundation:
		// An impossible size makes avfoundation print the supported modes.
		return f.probe(ctx, "-f", "avfoundation", "-video_size", "1x1", "-i", device+":none")
	case InputDShow:
		return f.probe(ctx, "-f", "dshow", "-list_options", "true", "-i", "video="+device)
	}
	return "", fmt.Errorf("unsupported input format: %s", input)
}
