package ffmpeg

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

func init() {
	backend.Register(backend.FFmpeg, func(opts backend.Options) (backend.Driver, error) {
		return NewDriver(opts)
	})
}

// Driver captures through an ffmpeg child process. It works wherever ffmpeg
// has a device input: v4l2, avfoundation or dshow.
//
// Params: "binary" (ffmpeg path), "input" (device input, default per OS),
// "framerate" (rate assumed for v4l2 listings, default 30).
type Driver struct {
	ff    *FFmpeg
	input string
	rate  format.FrameRate
	opts  backend.Options
}

// NewDriver locates ffmpeg and returns a driver.
func NewDriver(opts backend.Options) (*Driver, error) {
	ff, err := New(opts.Param("binary", ""))
	if err != nil {
		return nil, err
	}
	input := opts.Param("input", DefaultInput())
	switch input {
	case InputV4L2, InputAVFoundation, InputDShow:
	default:
		return nil, fmt.Errorf("unsupported input format: %s", input)
	}
	rate, err := format.ParseFrameRate(opts.Param("framerate", "30"))
	if err != nil {
		return nil, fmt.Errorf("ffmpeg framerate param: %w", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ff.CheckInput(ctx, input); err != nil {
		return nil, err
	}
	return &Driver{ff: ff, input: input, rate: rate, opts: opts}, nil
}

func (d *Driver) Name() string { return backend.FFmpeg }

// Input returns the ffmpeg device input in use.
func (d *Driver) Input() string { return d.input }

func (d *Driver) Query(ctx context.Context) ([]backend.Device, error) {
	out, err := d.ff.ListInputDevices(ctx, d.input)
	if err != nil {
		return nil, camerr.Wrap("query devices", err)
	}
	entries := ParseDeviceList(d.input, out)
	devs := make([]backend.Device, len(entries))
	for i, e := range entries {
		devs[i] = d.device(i, e)
	}
	return devs, nil
}

func (d *Driver) device(i int, e DeviceEntry) backend.Device {
	return backend.Device{
		Index:       format.Index(uint32(i)),
		Name:        e.Name,
		Description: "ffmpeg " + d.input,
		Misc:        e.ID,
		Driver:      backend.FFmpeg,
	}
}

// Backend resolves index against the current device listing. A named index
// matches a device ID or name; for v4l2 a /dev path is accepted as is.
func (d *Driver) Backend(index format.CameraIndex) (backend.Backend, error) {
	if s, ok := index.AsString(); ok && d.input == InputV4L2 && strings.HasPrefix(s, "/dev/") {
		return d.camera(backend.Device{Index: index, Name: s, Misc: s, Driver: backend.FFmpeg}), nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	devs, err := d.Query(ctx)
	if err != nil {
		return nil, err
	}

	if n, ok := index.AsIndex(); ok {
		if int(n) < len(devs) {
			return d.camera(devs[n]), nil
		}
	} else {
		s, _ := index.AsString()
		for _, dev := range devs {
			if dev.Misc == s || dev.Name == s {
				return d.camera(dev), nil
			}
		}
	}
	return nil, camerr.New(camerr.DeviceNotFound, "backend", "no ffmpeg %s device %s", d.input, index)
}

func (d *Driver) camera(info backend.Device) *Camera {
	return &Camera{
		ff:    d.ff,
		input: d.input,
		rate:  d.rate,
		info:  info,
		log:   d.opts.Log().With(zap.String("driver", backend.FFmpeg), zap.String("device", info.Misc)),
		sess:  backend.Session{Key: d.input + ":" + info.Misc, Claims: d.opts.Claims},
	}
}

// Camera is one ffmpeg-backed device.
type Camera struct {
	ff    *FFmpeg
	input string
	rate  format.FrameRate
	info  backend.Device
	log   *zap.Logger

	sess backend.Session

	mu      sync.Mutex
	formats []format.CameraFormat
	stream  *Stream
	seq     uint64
}

func (c *Camera) Info() backend.Device { return c.info }

func (c *Camera) ListFormats(ctx context.Context) ([]format.CameraFormat, error) {
	c.mu.Lock()
	cached := c.formats
	c.mu.Unlock()
	if cached != nil {
		return append([]format.CameraFormat(nil), cached...), nil
	}

	out, err := c.ff.ListDeviceFormats(ctx, c.input, c.info.Misc)
	if err != nil {
		return nil, camerr.E(camerr.DeviceError, "list formats", err).WithDevice(c.info.Misc)
	}
	formats := ParseFormats(c.input, out, c.rate)
	if len(formats) == 0 {
		if strings.Contains(out, "No such file") || strings.Contains(out, "Could not find") {
			return nil, camerr.New(camerr.DeviceNotFound, "list formats", "%s", lastLine(out)).WithDevice(c.info.Misc)
		}
		return nil, camerr.New(camerr.DeviceError, "list formats", "no formats reported").WithDevice(c.info.Misc)
	}

	c.mu.Lock()
	c.formats = formats
	c.mu.Unlock()
	return append([]format.CameraFormat(nil), formats...), nil
}

func (c *Camera) Open(ctx context.Context, f format.CameraFormat) error {
	formats, err := c.ListFormats(ctx)
	if err != nil {
		return err
	}
	if !backend.Supports(formats, f) {
		return camerr.New(camerr.UnsupportedFormat, "open", "%s", f).WithDevice(c.info.Misc)
	}
	if err := c.sess.Begin(f); err != nil {
		return err
	}
	c.log.Debug("device opened", zap.Stringer("format", f))
	return nil
}

// StartStream launches ffmpeg. The process lives until StopStream, not ctx.
func (c *Camera) StartStream(ctx context.Context) error {
	if err := c.sess.Check("start stream", backend.Opened); err != nil {
		return err
	}
	cfg := StreamConfig{Input: c.input, Device: c.info.Misc, Format: c.sess.Format()}
	s, err := c.ff.StartStream(context.Background(), cfg, c.log)
	if err != nil {
		return camerr.Wrap("start stream", err)
	}
	c.mu.Lock()
	c.stream = s
	c.mu.Unlock()
	if err := c.sess.Stream(); err != nil {
		c.stop()
		return err
	}
	return nil
}

func (c *Camera) ReadFrame(ctx context.Context, timeout time.Duration) (frame.RawFrame, error) {
	if err := c.sess.Check("read frame", backend.Streaming); err != nil {
		return frame.RawFrame{}, err
	}
	c.mu.Lock()
	s := c.stream
	c.mu.Unlock()

	data, at, err := s.Next(ctx, timeout)
	if err != nil {
		if e, ok := err.(*camerr.Error); ok {
			return frame.RawFrame{}, e.WithDevice(c.info.Misc)
		}
		return frame.RawFrame{}, err
	}

	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.mu.Unlock()
	return frame.RawFrame{
		Format:    c.sess.Format(),
		Data:      data,
		Sequence:  seq,
		Timestamp: at,
	}, nil
}

func (c *Camera) StopStream() error {
	if err := c.sess.Halt(); err != nil {
		return err
	}
	return c.stop()
}

func (c *Camera) stop() error {
	c.mu.Lock()
	s := c.stream
	c.stream = nil
	c.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Stop(); err != nil {
		return camerr.Wrap("stop stream", err)
	}
	return nil
}

// Close reaps any running ffmpeg before releasing the device claim, so a
// reopen never races the old process for the device.
func (c *Camera) Close() error {
	if err := c.stop(); err != nil {
		c.log.Warn("stop on close", zap.Error(err))
	}
	if prev := c.sess.End(); prev != backend.Closed {
		c.log.Debug("device closed")
	}
	return nil
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return stripPrefix(s)
}
