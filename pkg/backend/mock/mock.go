// Package mock provides a synthetic capture driver. It serves a moving test
// pattern in any of the formats the codec package understands and supports
// fault injection, which makes it the reference driver for tests.
package mock

import (
	"bytes"
	"context"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"strconv"
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
	backend.Register(backend.Mock, func(opts backend.Options) (backend.Driver, error) {
		n, err := strconv.Atoi(opts.Param("devices", "1"))
		if err != nil || n < 0 {
			return nil, fmt.Errorf("mock devices param: %q", opts.Param("devices", ""))
		}
		interval, err := time.ParseDuration(opts.Param("interval", "33ms"))
		if err != nil {
			return nil, fmt.Errorf("mock interval param: %w", err)
		}
		specs := make([]Spec, n)
		for i := range specs {
			specs[i] = Spec{Name: fmt.Sprintf("Test Pattern %d", i), Interval: interval}
		}
		return NewDriver(opts, specs...), nil
	})
}

// DefaultFormats is what a Spec without formats advertises, default first.
func DefaultFormats() []format.CameraFormat {
	return []format.CameraFormat{
		format.NewCameraFormat(640, 480, 30, format.YUYV),
		format.NewCameraFormat(1280, 720, 30, format.YUYV),
		format.NewCameraFormat(1280, 720, 60, format.MJPG),
		format.NewCameraFormat(320, 240, 15, format.GREY),
	}
}

// Spec describes one synthetic device.
type Spec struct {
	Name     string
	Formats  []format.CameraFormat
	Interval time.Duration // delay before each frame, 0 for immediate
	Controls []backend.Control
}

// Driver serves synthetic devices.
type Driver struct {
	opts  backend.Options
	specs []Spec
}

// NewDriver returns a driver with the given devices, addressed by position
// or by the name "mock<N>".
func NewDriver(opts backend.Options, specs ...Spec) *Driver {
	return &Driver{opts: opts, specs: specs}
}

func (d *Driver) Name() string { return backend.Mock }

func (d *Driver) Query(ctx context.Context) ([]backend.Device, error) {
	devs := make([]backend.Device, len(d.specs))
	for i := range d.specs {
		devs[i] = d.device(i)
	}
	return devs, nil
}

func (d *Driver) device(i int) backend.Device {
	return backend.Device{
		Index:       format.Index(uint32(i)),
		Name:        d.specs[i].Name,
		Description: "synthetic test pattern",
		Misc:        fmt.Sprintf("mock%d", i),
		Driver:      backend.Mock,
	}
}

func (d *Driver) Backend(index format.CameraIndex) (backend.Backend, error) {
	i := -1
	if n, ok := index.AsIndex(); ok {
		i = int(n)
	} else if s, _ := index.AsString(); strings.HasPrefix(s, "mock") {
		if n, err := strconv.Atoi(strings.TrimPrefix(s, "mock")); err == nil {
			i = n
		}
	}
	if i < 0 || i >= len(d.specs) {
		return nil, camerr.New(camerr.DeviceNotFound, "backend", "no mock device %s", index)
	}
	return NewCamera(d.device(i), d.specs[i], d.opts), nil
}

// Stats counts lifecycle calls that reached the device.
type Stats struct {
	Opens        int
	Closes       int
	StreamStarts int
	StreamStops  int
	Frames       uint64
}

// Camera is a synthetic backend.
type Camera struct {
	info     backend.Device
	formats  []format.CameraFormat
	interval time.Duration
	log      *zap.Logger

	sess backend.Session

	mu        sync.Mutex
	seq       uint64
	stats     Stats
	faults    []error
	unplugged bool
	openErr   error
	controls  []backend.Control
}

// NewCamera creates a standalone synthetic backend.
func NewCamera(info backend.Device, spec Spec, opts backend.Options) *Camera {
	formats := spec.Formats
	if len(formats) == 0 {
		formats = DefaultFormats()
	}
	controls := spec.Controls
	if controls == nil {
		controls = []backend.Control{
			{ID: 1, Kind: backend.ControlBrightness, Name: "Brightness", Min: 0, Max: 255, Step: 1, Default: 128, Value: 128},
			{ID: 2, Kind: backend.ControlContrast, Name: "Contrast", Min: 0, Max: 100, Step: 1, Default: 50, Value: 50},
		}
	}
	if info.Misc == "" {
		info.Misc = info.Name
	}
	return &Camera{
		info:     info,
		formats:  append([]format.CameraFormat(nil), formats...),
		interval: spec.Interval,
		log:      opts.Log().With(zap.String("device", info.Misc)),
		sess:     backend.Session{Key: "mock:" + info.Misc, Claims: opts.Claims},
		controls: append([]backend.Control(nil), controls...),
	}
}

func (c *Camera) Info() backend.Device { return c.info }

func (c *Camera) ListFormats(ctx context.Context) ([]format.CameraFormat, error) {
	return append([]format.CameraFormat(nil), c.formats...), nil
}

func (c *Camera) Open(ctx context.Context, f format.CameraFormat) error {
	if !backend.Supports(c.formats, f) {
		return camerr.New(camerr.UnsupportedFormat, "open", "%s", f).WithDevice(c.info.Misc)
	}
	c.mu.Lock()
	openErr := c.openErr
	c.mu.Unlock()
	if openErr != nil {
		return camerr.Wrap("open", openErr)
	}
	if err := c.sess.Begin(f); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.Opens++
	c.seq = 0
	c.unplugged = false
	c.mu.Unlock()
	c.log.Debug("mock device opened", zap.Stringer("format", f))
	return nil
}

func (c *Camera) StartStream(ctx context.Context) error {
	if err := c.sess.Stream(); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.StreamStarts++
	c.mu.Unlock()
	return nil
}

func (c *Camera) ReadFrame(ctx context.Context, timeout time.Duration) (frame.RawFrame, error) {
	if err := c.sess.Check("read frame", backend.Streaming); err != nil {
		return frame.RawFrame{}, err
	}

	c.mu.Lock()
	if len(c.faults) > 0 {
		err := c.faults[0]
		c.faults = c.faults[1:]
		c.mu.Unlock()
		return frame.RawFrame{}, err
	}
	if c.unplugged {
		c.mu.Unlock()
		return frame.RawFrame{}, camerr.New(camerr.StreamStopped, "read frame", "device unplugged").WithDevice(c.info.Misc)
	}
	c.mu.Unlock()

	if c.interval > 0 {
		wait := c.interval
		if timeout > 0 && timeout < wait {
			wait = timeout
		}
		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return frame.RawFrame{}, camerr.E(camerr.Timeout, "read frame", ctx.Err())
		case <-t.C:
		}
		if wait < c.interval {
			return frame.RawFrame{}, camerr.New(camerr.Timeout, "read frame", "no frame within %s", timeout).WithDevice(c.info.Misc)
		}
	}

	f := c.sess.Format()
	c.mu.Lock()
	c.seq++
	seq := c.seq
	c.stats.Frames++
	c.mu.Unlock()

	data, err := pattern(f, seq)
	if err != nil {
		return frame.RawFrame{}, camerr.Wrap("read frame", err)
	}
	return frame.RawFrame{
		Format:    f,
		Data:      data,
		Sequence:  seq,
		Timestamp: time.Now(),
	}, nil
}

func (c *Camera) StopStream() error {
	if err := c.sess.Halt(); err != nil {
		return err
	}
	c.mu.Lock()
	c.stats.StreamStops++
	c.mu.Unlock()
	return nil
}

func (c *Camera) Close() error {
	prev := c.sess.End()
	if prev == backend.Closed {
		return nil
	}
	c.mu.Lock()
	if prev == backend.Streaming {
		c.stats.StreamStops++
	}
	c.stats.Closes++
	c.mu.Unlock()
	c.log.Debug("mock device closed")
	return nil
}

func (c *Camera) Controls(ctx context.Context) ([]backend.Control, error) {
	if c.sess.State() == backend.Closed {
		return nil, camerr.New(camerr.InvalidState, "controls", "device not open").WithDevice(c.info.Misc)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]backend.Control(nil), c.controls...), nil
}

func (c *Camera) SetControl(ctx context.Context, id uint32, value int64) error {
	if c.sess.State() == backend.Closed {
		return camerr.New(camerr.InvalidState, "set control", "device not open").WithDevice(c.info.Misc)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := range c.controls {
		if c.controls[i].ID != id {
			continue
		}
		ctl := &c.controls[i]
		if value < ctl.Min || value > ctl.Max {
			return camerr.New(camerr.InvalidArgument, "set control", "%s value %d outside [%d, %d]", ctl.Name, value, ctl.Min, ctl.Max).WithDevice(c.info.Misc)
		}
		ctl.Value = value
		return nil
	}
	return fmt.Errorf("set control: unknown control %d", id)
}

// State exposes the session state for tests.
func (c *Camera) State() backend.State { return c.sess.State() }

// Stats returns lifecycle counters.
func (c *Camera) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}

// InjectReadError queues errors returned by the next ReadFrame calls.
func (c *Camera) InjectReadError(errs ...error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.faults = append(c.faults, errs...)
}

// Unplug makes every further read fail with StreamStopped until reopened.
func (c *Camera) Unplug() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.unplugged = true
}

// FailOpen makes Open fail with err; nil clears it.
func (c *Camera) FailOpen(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.openErr = err
}

// pattern renders a frame of moving vertical bars in f's encoding.
func pattern(f format.CameraFormat, seq uint64) ([]byte, error) {
	w, h := int(f.Width()), int(f.Height())
	shade := func(x int) byte { return byte((x*4 + int(seq)*8) & 0xff) }

	switch f.FourCC {
	case format.YUYV:
		buf := make([]byte, w*h*2)
		for y := 0; y < h; y++ {
			row := buf[y*w*2:]
			for x := 0; x+1 < w; x += 2 {
				row[x*2], row[x*2+1], row[x*2+2], row[x*2+3] = shade(x), 128, shade(x+1), 128
			}
		}
		return buf, nil
	case format.GREY, format.GRAY:
		buf := make([]byte, w*h)
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				buf[y*w+x] = shade(x)
			}
		}
		return buf, nil
	case format.RGB3, format.BGR3:
		buf := make([]byte, w*h*3)
		for i := 0; i < w*h; i++ {
			v := shade(i % w)
			buf[i*3], buf[i*3+1], buf[i*3+2] = v, v, v
		}
		return buf, nil
	case format.MJPG:
		img := image.NewGray(image.Rect(0, 0, w, h))
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				img.SetGray(x, y, color.Gray{Y: shade(x)})
			}
		}
		var buf bytes.Buffer
		if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: 80}); err != nil {
			return nil, err
		}
		return buf.Bytes(), nil
	}
	return nil, fmt.Errorf("mock cannot render %s", f.FourCC)
}
