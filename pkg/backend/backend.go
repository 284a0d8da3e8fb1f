// Package backend defines the contract every platform capture driver
// implements, plus the driver registry used to select one at configuration
// time.
package backend

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

// Backend is one device handle. Implementations are not required to be safe
// for concurrent use; ownership is exclusive to a camera or controller.
//
// Lifecycle: Open -> StartStream -> ReadFrame... -> StopStream -> Close.
// Calls outside that order fail with camerr.InvalidState. Close is
// idempotent and stops a running stream first.
type Backend interface {
	// Info describes the device.
	Info() Device

	// ListFormats enumerates supported formats, default first. It may be
	// called in any state.
	ListFormats(ctx context.Context) ([]format.CameraFormat, error)

	// Open claims the device in format f. Fails with DeviceBusy,
	// DeviceNotFound or UnsupportedFormat.
	Open(ctx context.Context, f format.CameraFormat) error

	// StartStream begins frame delivery.
	StartStream(ctx context.Context) error

	// ReadFrame blocks until a frame arrives or timeout elapses. Fails with
	// Timeout, StreamStopped or DeviceError.
	ReadFrame(ctx context.Context, timeout time.Duration) (frame.RawFrame, error)

	// StopStream ends frame delivery and discards queued frames.
	StopStream() error

	// Close releases the device.
	Close() error
}

// Driver enumerates devices of one platform API and creates backends.
type Driver interface {
	Name() string
	Query(ctx context.Context) ([]Device, error)
	// Backend returns an unopened handle, or DeviceNotFound.
	Backend(index format.CameraIndex) (Backend, error)
}

// Device describes an enumerated camera.
type Device struct {
	Index       format.CameraIndex `json:"index" yaml:"index"`
	Name        string             `json:"name" yaml:"name"`
	Description string             `json:"description,omitempty" yaml:"description,omitempty"`
	Misc        string             `json:"misc,omitempty" yaml:"misc,omitempty"` // device path or bus info
	Driver      string             `json:"driver" yaml:"driver"`
}

func (d Device) String() string {
	return fmt.Sprintf("%s [%s] %s", d.Index, d.Driver, d.Name)
}

// Options configure a driver factory.
type Options struct {
	Logger *zap.Logger
	// Params holds driver specific settings, e.g. the ffmpeg binary path.
	Params map[string]string
	// Claims overrides the process-wide claim table, mostly for tests.
	Claims *Claims
}

// Param returns a driver parameter or def.
func (o Options) Param(key, def string) string {
	if v, ok := o.Params[key]; ok && v != "" {
		return v
	}
	return def
}

// Log returns the configured logger or a no-op logger.
func (o Options) Log() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

// ClaimTable returns the configured claims or Default.
func (o Options) ClaimTable() *Claims {
	if o.Claims == nil {
		return DefaultClaims
	}
	return o.Claims
}

// Factory creates a driver.
type Factory func(opts Options) (Driver, error)

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a driver available by name. Drivers call it from init.
func Register(name string, factory Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[name] = factory
}

// Get returns a registered driver factory.
func Get(name string) (Factory, bool) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	f, ok := registry[name]
	return f, ok
}

// Names lists registered drivers.
func Names() []string {
	registryMu.RLock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	registryMu.RUnlock()
	sort.Strings(names)
	return names
}

// New creates a driver by name; "auto" or "" selects the native driver.
func New(name string, opts Options) (Driver, error) {
	if name == "" || name == Auto {
		name = Native()
		if name == "" {
			return nil, camerr.New(camerr.DeviceNotFound, "select driver", "no native driver registered")
		}
	}
	factory, ok := Get(name)
	if !ok {
		return nil, camerr.New(camerr.DeviceNotFound, "select driver", "unknown driver %q (registered: %v)", name, Names())
	}
	drv, err := factory(opts)
	if err != nil {
		return nil, fmt.Errorf("create driver %s: %w", name, err)
	}
	return drv, nil
}

// QueryDevices lists the devices of the named driver.
func QueryDevices(ctx context.Context, name string, opts Options) ([]Device, error) {
	drv, err := New(name, opts)
	if err != nil {
		return nil, err
	}
	return drv.Query(ctx)
}

// Supports reports whether f is one of formats.
func Supports(formats []format.CameraFormat, f format.CameraFormat) bool {
	for _, c := range formats {
		if c.Equal(f) {
			return true
		}
	}
	return false
}
