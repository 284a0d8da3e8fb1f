package format

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// RequestKind selects a negotiation policy.
type RequestKind int

const (
	// RequestNone takes the backend default format.
	RequestNone RequestKind = iota
	RequestExact
	RequestClosest
	RequestAbsoluteHighestResolution
	RequestAbsoluteHighestFrameRate
	RequestHighestResolution
	RequestHighestFrameRate
)

var requestNames = []string{
	RequestNone:                      "none",
	RequestExact:                     "exact",
	RequestClosest:                   "closest",
	RequestAbsoluteHighestResolution: "absolute_highest_resolution",
	RequestAbsoluteHighestFrameRate:  "absolute_highest_frame_rate",
	RequestHighestResolution:         "highest_resolution",
	RequestHighestFrameRate:          "highest_frame_rate",
}

func (k RequestKind) String() string {
	if int(k) >= 0 && int(k) < len(requestNames) {
		return requestNames[k]
	}
	return fmt.Sprintf("request(%d)", int(k))
}

// ParseRequestKind accepts the snake_case names, case-insensitively.
func ParseRequestKind(s string) (RequestKind, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return RequestNone, nil
	}
	for i, name := range requestNames {
		if name == s {
			return RequestKind(i), nil
		}
	}
	return RequestNone, fmt.Errorf("unknown requested format type %q", s)
}

// RequestedFormat is a format policy, resolved against a device's format
// list by Negotiate. Use the constructors; the zero value is None.
type RequestedFormat struct {
	kind       RequestKind
	format     CameraFormat
	resolution Resolution
	rate       FrameRate
}

func Exact(f CameraFormat) RequestedFormat {
	return RequestedFormat{kind: RequestExact, format: f}
}

func Closest(f CameraFormat) RequestedFormat {
	return RequestedFormat{kind: RequestClosest, format: f}
}

func AbsoluteHighestResolution() RequestedFormat {
	return RequestedFormat{kind: RequestAbsoluteHighestResolution}
}

func AbsoluteHighestFrameRate() RequestedFormat {
	return RequestedFormat{kind: RequestAbsoluteHighestFrameRate}
}

// HighestResolution fixes the frame rate and maximizes resolution.
func HighestResolution(rate FrameRate) RequestedFormat {
	return RequestedFormat{kind: RequestHighestResolution, rate: rate}
}

// HighestFrameRate fixes the resolution and maximizes frame rate.
func HighestFrameRate(res Resolution) RequestedFormat {
	return RequestedFormat{kind: RequestHighestFrameRate, resolution: res}
}

func None() RequestedFormat {
	return RequestedFormat{}
}

func (r RequestedFormat) Kind() RequestKind { return r.kind }

// Format is the target of Exact and Closest.
func (r RequestedFormat) Format() CameraFormat { return r.format }

// Resolution is the fixed resolution of HighestFrameRate.
func (r RequestedFormat) Resolution() Resolution { return r.resolution }

// FrameRate is the fixed rate of HighestResolution.
func (r RequestedFormat) FrameRate() FrameRate { return r.rate }

func (r RequestedFormat) String() string {
	switch r.kind {
	case RequestExact, RequestClosest:
		return fmt.Sprintf("%s(%s)", r.kind, r.format)
	case RequestHighestResolution:
		return fmt.Sprintf("%s(%sfps)", r.kind, r.rate)
	case RequestHighestFrameRate:
		return fmt.Sprintf("%s(%s)", r.kind, r.resolution)
	}
	return r.kind.String()
}

// requestedDoc is the wire shape shared by JSON and YAML.
type requestedDoc struct {
	Type       string        `json:"type" yaml:"type"`
	Format     *CameraFormat `json:"format,omitempty" yaml:"format,omitempty"`
	Resolution *Resolution   `json:"resolution,omitempty" yaml:"resolution,omitempty"`
	FrameRate  *FrameRate    `json:"frame_rate,omitempty" yaml:"frame_rate,omitempty"`
}

func (r RequestedFormat) doc() requestedDoc {
	d := requestedDoc{Type: r.kind.String()}
	switch r.kind {
	case RequestExact, RequestClosest:
		f := r.format
		d.Format = &f
	case RequestHighestResolution:
		rate := r.rate
		d.FrameRate = &rate
	case RequestHighestFrameRate:
		res := r.resolution
		d.Resolution = &res
	}
	return d
}

func (r *RequestedFormat) fromDoc(d requestedDoc) error {
	kind, err := ParseRequestKind(d.Type)
	if err != nil {
		return err
	}
	out := RequestedFormat{kind: kind}
	switch kind {
	case RequestExact, RequestClosest:
		if d.Format == nil {
			return fmt.Errorf("requested format %s needs a format", kind)
		}
		out.format = *d.Format
	case RequestHighestResolution:
		if d.FrameRate == nil || !d.FrameRate.Valid() {
			return fmt.Errorf("requested format %s needs a frame_rate", kind)
		}
		out.rate = *d.FrameRate
	case RequestHighestFrameRate:
		if d.Resolution == nil || !d.Resolution.Valid() {
			return fmt.Errorf("requested format %s needs a resolution", kind)
		}
		out.resolution = *d.Resolution
	}
	*r = out
	return nil
}

func (r RequestedFormat) MarshalJSON() ([]byte, error) {
	return json.Marshal(r.doc())
}

func (r *RequestedFormat) UnmarshalJSON(b []byte) error {
	var d requestedDoc
	if err := json.Unmarshal(b, &d); err != nil {
		return err
	}
	return r.fromDoc(d)
}

func (r RequestedFormat) MarshalYAML() (interface{}, error) {
	return r.doc(), nil
}

// UnmarshalYAML also accepts a bare policy name, e.g. `format: absolute_highest_resolution`.
func (r *RequestedFormat) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind == yaml.ScalarNode {
		return r.fromDoc(requestedDoc{Type: node.Value})
	}
	var d requestedDoc
	if err := node.Decode(&d); err != nil {
		return err
	}
	return r.fromDoc(d)
}
