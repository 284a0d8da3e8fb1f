// Package camera provides the synchronous capture facade: one device, one
// negotiated format, frames pulled on the caller's goroutine.
package camera

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/codec"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

// DefaultReadTimeout bounds a single Frame call.
const DefaultReadTimeout = 5 * time.Second

type options struct {
	logger  *zap.Logger
	params  map[string]string
	claims  *backend.Claims
	timeout time.Duration
	codecs  *codec.Registry
}

// Option configures a Camera.
type Option func(*options)

// WithLogger sets the logger for the camera and its driver.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithParams passes driver parameters, e.g. {"binary": "/opt/ffmpeg"}.
func WithParams(p map[string]string) Option {
	return func(o *options) { o.params = p }
}

// WithClaims uses a private claim table instead of the process-wide one.
func WithClaims(c *backend.Claims) Option {
	return func(o *options) { o.claims = c }
}

// WithReadTimeout bounds each Frame call. Zero waits on ctx only.
func WithReadTimeout(d time.Duration) Option {
	return func(o *options) { o.timeout = d }
}

// WithCodecs decodes with r instead of codec.Default.
func WithCodecs(r *codec.Registry) Option {
	return func(o *options) { o.codecs = r }
}

func buildOptions(opts []Option) options {
	o := options{timeout: DefaultReadTimeout}
	for _, fn := range opts {
		fn(&o)
	}
	if o.logger == nil {
		o.logger = zap.NewNop()
	}
	if o.codecs == nil {
		o.codecs = codec.Default
	}
	return o
}

// Camera owns one backend handle. It is safe for concurrent use, but calls
// are serialized.
type Camera struct {
	id     string
	driver backend.Driver
	opts   options
	log    *zap.Logger

	mu        sync.Mutex
	b         backend.Backend
	index     format.CameraIndex
	requested format.RequestedFormat
	current   format.CameraFormat
	opened    bool
	streaming bool
	detached  bool
}

// New returns an unopened camera on the named driver ("auto" or "" for the
// platform default).
func New(driver string, opts ...Option) (*Camera, error) {
	o := buildOptions(opts)
	drv, err := backend.New(driver, backend.Options{Logger: o.logger, Params: o.params, Claims: o.claims})
	if err != nil {
		return nil, err
	}
	return newCamera(drv, o), nil
}

// NewWithDriver returns an unopened camera on an existing driver.
func NewWithDriver(drv backend.Driver, opts ...Option) *Camera {
	return newCamera(drv, buildOptions(opts))
}

func newCamera(drv backend.Driver, o options) *Camera {
	id := uuid.NewString()
	return &Camera{
		id:     id,
		driver: drv,
		opts:   o,
		log:    o.logger.With(zap.String("camera", id), zap.String("driver", drv.Name())),
	}
}

// Open creates a camera and opens index with the negotiated format.
func Open(ctx context.Context, driver string, index format.CameraIndex, requested format.RequestedFormat, opts ...Option) (*Camera, error) {
	c, err := New(driver, opts...)
	if err != nil {
		return nil, err
	}
	if err := c.OpenWith(ctx, index, requested); err != nil {
		return nil, err
	}
	return c, nil
}

// ID identifies this camera instance in logs.
func (c *Camera) ID() string { return c.id }

func (c *Camera) usable(op string) error {
	if c.detached {
		return camerr.New(camerr.InvalidState, op, "camera detached")
	}
	return nil
}

func (c *Camera) requireOpen(op string) error {
	if err := c.usable(op); err != nil {
		return err
	}
	if !c.opened {
		return camerr.New(camerr.InvalidState, op, "camera not open")
	}
	return nil
}

// OpenWith resolves index, negotiates requested against the device's
// formats and opens it.
func (c *Camera) OpenWith(ctx context.Context, index format.CameraIndex, requested format.RequestedFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.usable("open"); err != nil {
		return err
	}
	if c.opened {
		return camerr.New(camerr.InvalidState, "open", "camera already open")
	}

	b, err := c.driver.Backend(index)
	if err != nil {
		return err
	}
	f, err := negotiate(ctx, b, requested)
	if err != nil {
		return err
	}
	if err := b.Open(ctx, f); err != nil {
		return err
	}

	c.b = b
	c.index = index
	c.requested = requested
	c.current = f
	c.opened = true
	c.streaming = false
	c.log.Info("camera opened",
		zap.Stringer("index", index),
		zap.Stringer("requested", requested),
		zap.Stringer("format", f))
	return nil
}

func negotiate(ctx context.Context, b backend.Backend, requested format.RequestedFormat) (format.CameraFormat, error) {
	formats, err := b.ListFormats(ctx)
	if err != nil {
		return format.CameraFormat{}, err
	}
	return format.Negotiate(requested, formats)
}

// Frame returns the next frame, starting the stream on first use.
func (c *Camera) Frame(ctx context.Context) (frame.RawFrame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpen("frame"); err != nil {
		return frame.RawFrame{}, err
	}
	if !c.streaming {
		if err := c.b.StartStream(ctx); err != nil {
			return frame.RawFrame{}, err
		}
		c.streaming = true
	}
	return c.b.ReadFrame(ctx, c.opts.timeout)
}

// DecodedFrame captures one frame and decodes it into layout.
func (c *Camera) DecodedFrame(ctx context.Context, layout frame.Layout) (*frame.Image, error) {
	raw, err := c.Frame(ctx)
	if err != nil {
		return nil, err
	}
	return c.opts.codecs.Decode(raw, layout)
}

// SetFormat renegotiates and reopens the device. Frames queued under the
// old format are discarded with the old stream. If the new format cannot be
// opened the previous one is restored; if that also fails the camera is
// left closed.
func (c *Camera) SetFormat(ctx context.Context, requested format.RequestedFormat) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpen("set format"); err != nil {
		return err
	}

	f, err := negotiate(ctx, c.b, requested)
	if err != nil {
		return err
	}
	if f.Equal(c.current) {
		c.requested = requested
		return nil
	}

	wasStreaming := c.streaming
	if err := c.b.Close(); err != nil {
		c.log.Warn("close for format change", zap.Error(err))
	}
	c.streaming = false

	if err := c.b.Open(ctx, f); err != nil {
		c.log.Warn("format change failed, restoring",
			zap.Stringer("format", f), zap.Stringer("previous", c.current), zap.Error(err))
		if rerr := c.reopen(ctx, c.current, wasStreaming); rerr != nil {
			c.opened = false
			return fmt.Errorf("set format: %w (restore: %v)", err, rerr)
		}
		return err
	}

	prev := c.current
	c.current = f
	c.requested = requested
	if wasStreaming {
		if err := c.b.StartStream(ctx); err != nil {
			return err
		}
		c.streaming = true
	}
	c.log.Info("format changed", zap.Stringer("from", prev), zap.Stringer("to", f))
	return nil
}

func (c *Camera) reopen(ctx context.Context, f format.CameraFormat, stream bool) error {
	if err := c.b.Open(ctx, f); err != nil {
		return err
	}
	if stream {
		if err := c.b.StartStream(ctx); err != nil {
			c.b.Close()
			return err
		}
		c.streaming = true
	}
	return nil
}

// Format returns the negotiated format, zero when closed.
func (c *Camera) Format() format.CameraFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return format.CameraFormat{}
	}
	return c.current
}

// Requested returns the intent the current format was negotiated from.
func (c *Camera) Requested() format.RequestedFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requested
}

// Formats lists the device's formats.
func (c *Camera) Formats(ctx context.Context) ([]format.CameraFormat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpen("list formats"); err != nil {
		return nil, err
	}
	return c.b.ListFormats(ctx)
}

// Info describes the open device.
func (c *Camera) Info() (backend.Device, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpen("info"); err != nil {
		return backend.Device{}, err
	}
	return c.b.Info(), nil
}

func (c *Camera) controllable(op string) (backend.Controllable, error) {
	if err := c.requireOpen(op); err != nil {
		return nil, err
	}
	ctl, ok := c.b.(backend.Controllable)
	if !ok {
		return nil, camerr.New(camerr.DeviceError, op, "driver %s has no controls", c.driver.Name())
	}
	return ctl, nil
}

// Controls lists adjustable device settings.
func (c *Camera) Controls(ctx context.Context) ([]backend.Control, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctl, err := c.controllable("controls")
	if err != nil {
		return nil, err
	}
	return ctl.Controls(ctx)
}

// SetControl changes one device setting.
func (c *Camera) SetControl(ctx context.Context, id uint32, value int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	ctl, err := c.controllable("set control")
	if err != nil {
		return err
	}
	return ctl.SetControl(ctx, id, value)
}

// Close stops streaming and releases the device. Closing a closed camera
// does nothing.
func (c *Camera) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.opened {
		return nil
	}
	err := c.b.Close()
	c.opened = false
	c.streaming = false
	c.log.Info("camera closed")
	return err
}

// Detach closes the device and hands its backend to the caller, typically
// a capture.Controller. The camera is unusable afterwards.
func (c *Camera) Detach() (backend.Backend, format.RequestedFormat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.requireOpen("detach"); err != nil {
		return nil, format.RequestedFormat{}, err
	}
	if err := c.b.Close(); err != nil {
		return nil, format.RequestedFormat{}, err
	}
	b := c.b
	c.b = nil
	c.opened = false
	c.streaming = false
	c.detached = true

	// Pin the negotiated format so the new owner opens the same mode.
	c.log.Debug("camera detached")
	return b, format.Exact(c.current), nil
}
