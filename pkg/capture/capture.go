package capture

import (
	"fmt"

	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
	"github.com/video-system/go-webcam/pkg/ringbuffer"
)

// State is the controller lifecycle state.
type State int

const (
	Idle State = iota
	Running
	Errored // transient: consumers are being notified of a terminal error
)

func (s State) String() string {
	switch s {
	case Running:
		return "running"
	case Errored:
		return "errored"
	}
	return "idle"
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Policy decides what happens when a consumer channel is full.
type Policy int

const (
	// DropOldest discards the oldest queued frame to make room. The capture
	// loop never waits on a consumer.
	DropOldest Policy = iota
	// Block waits for the consumer. A stalled consumer stalls capture and
	// the device may drop frames instead.
	Block
)

func (p Policy) String() string {
	if p == Block {
		return "block"
	}
	return "drop_oldest"
}

func (p Policy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *Policy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "drop_oldest", "":
		*p = DropOldest
	case "block":
		*p = Block
	default:
		return fmt.Errorf("unknown backpressure policy %q", b)
	}
	return nil
}

// TimeoutPolicy decides whether a read timeout ends the run.
type TimeoutPolicy int

const (
	// TimeoutContinue counts the timeout and keeps reading.
	TimeoutContinue TimeoutPolicy = iota
	// TimeoutFail treats a timeout as terminal.
	TimeoutFail
)

func (p TimeoutPolicy) String() string {
	if p == TimeoutFail {
		return "fail"
	}
	return "continue"
}

func (p TimeoutPolicy) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

func (p *TimeoutPolicy) UnmarshalText(b []byte) error {
	switch string(b) {
	case "continue", "":
		*p = TimeoutContinue
	case "fail":
		*p = TimeoutFail
	default:
		return fmt.Errorf("unknown timeout policy %q", b)
	}
	return nil
}

// Frame is one delivery. The last delivery of a run that ended on a device
// failure carries only Err.
type Frame struct {
	Raw   frame.RawFrame
	Image *frame.Image // set when AutoRGB is on
	Err   error
}

// Stats describes a controller.
type Stats struct {
	State        State                   `json:"state"`
	RunID        string                  `json:"run_id,omitempty"`
	Format       string                  `json:"format,omitempty"`
	Delivered    uint64                  `json:"delivered"`
	Dropped      uint64                  `json:"dropped"`
	Timeouts     uint64                  `json:"timeouts"`
	DecodeErrors uint64                  `json:"decode_errors"`
	Subscribers  int                     `json:"subscribers"`
	Runs         int                     `json:"runs"`
	LastError    string                  `json:"last_error,omitempty"`
	History      ringbuffer.BufferStatus `json:"history"`
}

// CameraStatus is the per-camera view reported by the Manager.
type CameraStatus struct {
	CameraID  string                 `json:"camera_id"`
	Driver    string                 `json:"driver"`
	Index     format.CameraIndex     `json:"index"`
	Requested format.RequestedFormat `json:"requested"`
	Stats
}
