package backend

import (
	"context"
	"strings"
)

// ControlKind names well-known camera controls across platforms.
type ControlKind int

const (
	ControlOther ControlKind = iota
	ControlBrightness
	ControlContrast
	ControlHue
	ControlSaturation
	ControlSharpness
	ControlGamma
	ControlWhiteBalance
	ControlBacklightComp
	ControlGain
	ControlPan
	ControlTilt
	ControlZoom
	ControlExposure
	ControlIris
	ControlFocus
)

var controlNames = map[ControlKind]string{
	ControlOther:         "other",
	ControlBrightness:    "brightness",
	ControlContrast:      "contrast",
	ControlHue:           "hue",
	ControlSaturation:    "saturation",
	ControlSharpness:     "sharpness",
	ControlGamma:         "gamma",
	ControlWhiteBalance:  "white_balance",
	ControlBacklightComp: "backlight_compensation",
	ControlGain:          "gain",
	ControlPan:           "pan",
	ControlTilt:          "tilt",
	ControlZoom:          "zoom",
	ControlExposure:      "exposure",
	ControlIris:          "iris",
	ControlFocus:         "focus",
}

func (k ControlKind) String() string {
	return controlNames[k]
}

func (k ControlKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// ControlKindFromName classifies a driver control label such as
// "White Balance Temperature" or "Focus, Auto".
func ControlKindFromName(name string) ControlKind {
	n := strings.ToLower(name)
	switch {
	case strings.Contains(n, "white balance"):
		return ControlWhiteBalance
	case strings.Contains(n, "backlight"):
		return ControlBacklightComp
	case strings.Contains(n, "brightness"):
		return ControlBrightness
	case strings.Contains(n, "contrast"):
		return ControlContrast
	case strings.Contains(n, "saturation"):
		return ControlSaturation
	case strings.Contains(n, "sharpness"):
		return ControlSharpness
	case strings.Contains(n, "gamma"):
		return ControlGamma
	case strings.Contains(n, "hue"):
		return ControlHue
	case strings.Contains(n, "gain"):
		return ControlGain
	case strings.Contains(n, "pan"):
		return ControlPan
	case strings.Contains(n, "tilt"):
		return ControlTilt
	case strings.Contains(n, "zoom"):
		return ControlZoom
	case strings.Contains(n, "exposure"):
		return ControlExposure
	case strings.Contains(n, "iris"):
		return ControlIris
	case strings.Contains(n, "focus"):
		return ControlFocus
	}
	return ControlOther
}

// Control is one adjustable device setting.
type Control struct {
	ID      uint32      `json:"id"`
	Kind    ControlKind `json:"kind"`
	Name    string      `json:"name"`
	Min     int64       `json:"min"`
	Max     int64       `json:"max"`
	Step    int64       `json:"step,omitempty"`
	Default int64       `json:"default"`
	Value   int64       `json:"value"`
}

// Controllable is implemented by backends that expose camera controls.
// Controls are available while the device is open.
type Controllable interface {
	Controls(ctx context.Context) ([]Control, error)
	SetControl(ctx context.Context, id uint32, value int64) error
}
