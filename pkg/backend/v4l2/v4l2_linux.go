//go:build linux

package v4l2

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/blackjack/webcam"
	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

func init() {
	backend.Register(backend.V4L2, func(opts backend.Options) (backend.Driver, error) {
		return &Driver{opts: opts}, nil
	})
}

// Driver enumerates /dev/video* nodes.
type Driver struct {
	opts backend.Options
}

func (d *Driver) Name() string { return backend.V4L2 }

// Query lists capture nodes. Metadata nodes that advertise no pixel
// formats are skipped.
func (d *Driver) Query(ctx context.Context) ([]backend.Device, error) {
	paths, err := filepath.Glob("/dev/video*")
	if err != nil {
		return nil, camerr.Wrap("query devices", err)
	}
	sort.Slice(paths, func(i, j int) bool { return nodeNumber(paths[i]) < nodeNumber(paths[j]) })

	var devs []backend.Device
	for _, path := range paths {
		if err := ctx.Err(); err != nil {
			return devs, err
		}
		n := nodeNumber(path)
		if n < 0 {
			continue
		}
		dev, err := describe(path, format.Index(uint32(n)))
		if err != nil {
			d.opts.Log().Debug("skip video node", zap.String("path", path), zap.Error(err))
			continue
		}
		devs = append(devs, dev)
	}
	return devs, nil
}

func describe(path string, index format.CameraIndex) (backend.Device, error) {
	cam, err := webcam.Open(path)
	if err != nil {
		return backend.Device{}, err
	}
	defer cam.Close()
	if len(cam.GetSupportedFormats()) == 0 {
		return backend.Device{}, errors.New("no capture formats")
	}
	name, err := cam.GetName()
	if err != nil {
		name = filepath.Base(path)
	}
	bus, _ := cam.GetBusInfo()
	return backend.Device{
		Index:       index,
		Name:        name,
		Description: bus,
		Misc:        path,
		Driver:      backend.V4L2,
	}, nil
}

func (d *Driver) Backend(index format.CameraIndex) (backend.Backend, error) {
	path := devicePath(index)
	if _, err := os.Stat(path); err != nil {
		return nil, camerr.E(camerr.DeviceNotFound, "backend", err).WithDevice(path)
	}
	return &Camera{
		path: path,
		info: backend.Device{Index: index, Name: filepath.Base(path), Misc: path, Driver: backend.V4L2},
		log:  d.opts.Log().With(zap.String("driver", backend.V4L2), zap.String("device", path)),
		sess: backend.Session{Key: "v4l2:" + path, Claims: d.opts.Claims},
	}, nil
}

// Camera is one V4L2 device node.
type Camera struct {
	path string
	info backend.Device
	log  *zap.Logger

	sess backend.Session

	mu  sync.Mutex
	cam *webcam.Webcam
	seq uint64
}

func (c *Camera) Info() backend.Device {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cam != nil {
		if name, err := c.cam.GetName(); err == nil {
			c.info.Name = name
		}
	}
	return c.info
}

// handle returns the open device or a temporary one for probing. The
// release func closes only temporary handles.
func (c *Camera) handle() (*webcam.Webcam, func(), error) {
	c.mu.Lock()
	cam := c.cam
	c.mu.Unlock()
	if cam != nil {
		return cam, func() {}, nil
	}
	cam, err := webcam.Open(c.path)
	if err != nil {
		return nil, nil, openError(c.path, err)
	}
	return cam, func() { cam.Close() }, nil
}

func openError(path string, err error) error {
	switch {
	case errors.Is(err, os.ErrNotExist), errors.Is(err, syscall.ENOENT), errors.Is(err, syscall.ENODEV):
		return camerr.E(camerr.DeviceNotFound, "open", err).WithDevice(path)
	case errors.Is(err, syscall.EBUSY):
		return camerr.E(camerr.DeviceBusy, "open", err).WithDevice(path)
	}
	return camerr.E(camerr.DeviceError, "open", err).WithDevice(path)
}

func (c *Camera) ListFormats(ctx context.Context) ([]format.CameraFormat, error) {
	cam, release, err := c.handle()
	if err != nil {
		return nil, err
	}
	defer release()
	return enumerate(cam), nil
}

func enumerate(cam *webcam.Webcam) []format.CameraFormat {
	supported := cam.GetSupportedFormats()
	pix := make(map[format.FourCC]webcam.PixelFormat, len(supported))
	tags := make([]format.FourCC, 0, len(supported))
	for pf := range supported {
		tag := format.FourCCFromUint32(uint32(pf))
		pix[tag] = pf
		tags = append(tags, tag)
	}
	sortTags(tags)

	var formats []format.CameraFormat
	for _, tag := range tags {
		pf := pix[tag]
		var sizes []sizeRange
		for _, fs := range cam.GetSupportedFrameSizes(pf) {
			sizes = append(sizes, sizeRange{
				MinWidth: fs.MinWidth, MaxWidth: fs.MaxWidth, StepWidth: fs.StepWidth,
				MinHeight: fs.MinHeight, MaxHeight: fs.MaxHeight, StepHeight: fs.StepHeight,
			})
		}
		for _, res := range expandSizes(sizes) {
			var intervals []intervalRange
			for _, fr := range cam.GetSupportedFramerates(pf, res.Width, res.Height) {
				intervals = append(intervals, intervalRange{
					MinNum: fr.MinNumerator, MaxNum: fr.MaxNumerator, StepNum: fr.StepNumerator,
					MinDen: fr.MinDenominator, MaxDen: fr.MaxDenominator, StepDen: fr.StepDenominator,
				})
			}
			rates := expandRates(intervals)
			if len(rates) == 0 {
				// Drivers without interval enumeration still stream at
				// their own pace.
				rates = []format.FrameRate{format.FPS(30)}
			}
			for _, rate := range rates {
				formats = append(formats, format.CameraFormat{Resolution: res, FrameRate: rate, FourCC: tag})
			}
		}
	}
	return formats
}

func (c *Camera) Open(ctx context.Context, f format.CameraFormat) error {
	if err := c.sess.Begin(f); err != nil {
		return err
	}
	cam, err := webcam.Open(c.path)
	if err != nil {
		c.sess.Abort()
		return openError(c.path, err)
	}
	if !backend.Supports(enumerate(cam), f) {
		cam.Close()
		c.sess.Abort()
		return camerr.New(camerr.UnsupportedFormat, "open", "%s", f).WithDevice(c.path)
	}

	pf := webcam.PixelFormat(f.FourCC.Uint32())
	got, w, h, err := cam.SetImageFormat(pf, f.Width(), f.Height())
	if err != nil {
		cam.Close()
		c.sess.Abort()
		return camerr.E(camerr.UnsupportedFormat, "open", err).WithDevice(c.path)
	}
	if got != pf || w != f.Width() || h != f.Height() {
		cam.Close()
		c.sess.Abort()
		return camerr.New(camerr.UnsupportedFormat, "open", "driver chose %s %dx%d", format.FourCCFromUint32(uint32(got)), w, h).WithDevice(c.path)
	}
	if err := cam.SetFramerate(float32(f.FrameRate.Float())); err != nil {
		// Many UVC devices reject S_PARM and stream at the mode's rate.
		c.log.Debug("set framerate", zap.Error(err))
	}
	if err := cam.SetBufferCount(4); err != nil {
		c.log.Debug("set buffer count", zap.Error(err))
	}

	c.mu.Lock()
	c.cam = cam
	c.seq = 0
	c.mu.Unlock()
	c.log.Debug("device opened", zap.Stringer("format", f))
	return nil
}

func (c *Camera) device() *webcam.Webcam {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cam
}

func (c *Camera) StartStream(ctx context.Context) error {
	if err := c.sess.Check("start stream", backend.Opened); err != nil {
		return err
	}
	if err := c.device().StartStreaming(); err != nil {
		return camerr.E(camerr.DeviceError, "start stream", err).WithDevice(c.path)
	}
	return c.sess.Stream()
}

// ReadFrame waits in one second slices so that ctx and sub-second
// timeouts are honoured between driver polls.
func (c *Camera) ReadFrame(ctx context.Context, timeout time.Duration) (frame.RawFrame, error) {
	if err := c.sess.Check("read frame", backend.Streaming); err != nil {
		return frame.RawFrame{}, err
	}
	cam := c.device()

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	for {
		err := cam.WaitForFrame(1)
		var te *webcam.Timeout
		switch {
		case err == nil:
		case errors.As(err, &te):
			if ctx.Err() != nil {
				return frame.RawFrame{}, camerr.E(camerr.Timeout, "read frame", ctx.Err()).WithDevice(c.path)
			}
			if !deadline.IsZero() && time.Now().After(deadline) {
				return frame.RawFrame{}, camerr.New(camerr.Timeout, "read frame", "no frame within %s", timeout).WithDevice(c.path)
			}
			continue
		default:
			return frame.RawFrame{}, c.readError(err)
		}

		data, err := cam.ReadFrame()
		if err != nil {
			return frame.RawFrame{}, c.readError(err)
		}
		if len(data) == 0 {
			// Spurious wakeup.
			continue
		}

		// ReadFrame hands back the mmap buffer, which the driver reuses.
		buf := make([]byte, len(data))
		copy(buf, data)

		c.mu.Lock()
		c.seq++
		seq := c.seq
		c.mu.Unlock()
		return frame.RawFrame{
			Format:    c.sess.Format(),
			Data:      buf,
			Sequence:  seq,
			Timestamp: time.Now(),
		}, nil
	}
}

func (c *Camera) readError(err error) error {
	if errors.Is(err, syscall.ENODEV) || errors.Is(err, syscall.EIO) {
		return camerr.E(camerr.StreamStopped, "read frame", err).WithDevice(c.path)
	}
	return camerr.E(camerr.DeviceError, "read frame", err).WithDevice(c.path)
}

func (c *Camera) StopStream() error {
	if err := c.sess.Halt(); err != nil {
		return err
	}
	if err := c.device().StopStreaming(); err != nil {
		return camerr.E(camerr.DeviceError, "stop stream", err).WithDevice(c.path)
	}
	return nil
}

func (c *Camera) Close() error {
	prev := c.sess.End()
	if prev == backend.Closed {
		return nil
	}
	c.mu.Lock()
	cam := c.cam
	c.cam = nil
	c.mu.Unlock()
	if cam == nil {
		return nil
	}
	if prev == backend.Streaming {
		if err := cam.StopStreaming(); err != nil {
			c.log.Warn("stop on close", zap.Error(err))
		}
	}
	if err := cam.Close(); err != nil {
		return camerr.E(camerr.DeviceError, "close", err).WithDevice(c.path)
	}
	c.log.Debug("device closed")
	return nil
}

func (c *Camera) Controls(ctx context.Context) ([]backend.Control, error) {
	cam := c.device()
	if cam == nil {
		return nil, camerr.New(camerr.InvalidState, "controls", "device not open").WithDevice(c.path)
	}
	var controls []backend.Control
	for id, ctl := range cam.GetControls() {
		value, err := cam.GetControl(id)
		if err != nil {
			// Write-only and inactive controls fail G_CTRL.
			continue
		}
		controls = append(controls, backend.Control{
			ID:    uint32(id),
			Kind:  backend.ControlKindFromName(ctl.Name),
			Name:  ctl.Name,
			Min:   int64(ctl.Min),
			Max:   int64(ctl.Max),
			Value: int64(value),
		})
	}
	sort.Slice(controls, func(i, j int) bool { return controls[i].ID < controls[j].ID })
	return controls, nil
}

func (c *Camera) SetControl(ctx context.Context, id uint32, value int64) error {
	cam := c.device()
	if cam == nil {
		return camerr.New(camerr.InvalidState, "set control", "device not open").WithDevice(c.path)
	}
	v, err := controlValue(c.path, id, value)
	if err != nil {
		return err
	}
	if err := cam.SetControl(webcam.ControlID(id), v); err != nil {
		return camerr.E(camerr.DeviceError, "set control", err).WithDevice(c.path)
	}
	return nil
}
