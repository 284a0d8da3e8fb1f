//go:build gocv

package opencv

import (
	"context"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

func init() {
	backend.Register(backend.OpenCV, func(opts backend.Options) (backend.Driver, error) {
		n, err := strconv.Atoi(opts.Param("probe", "4"))
		if err != nil || n < 1 {
			n = 4
		}
		return &Driver{opts: opts, probe: n}, nil
	})
}

// candidates are the sizes tried when probing a device, largest first.
var candidates = []format.Resolution{
	{Width: 1920, Height: 1080},
	{Width: 1280, Height: 720},
	{Width: 800, Height: 600},
	{Width: 640, Height: 480},
	{Width: 320, Height: 240},
}

// Driver enumerates OpenCV device indices.
type Driver struct {
	opts  backend.Options
	probe int // indices tried by Query
}

func (d *Driver) Name() string { return backend.OpenCV }

// Query opens indices 0..probe-1 and reports the ones that respond.
// OpenCV has no enumeration API.
func (d *Driver) Query(ctx context.Context) ([]backend.Device, error) {
	var devs []backend.Device
	for i := 0; i < d.probe; i++ {
		if err := ctx.Err(); err != nil {
			return devs, err
		}
		vc, err := gocv.OpenVideoCaptureWithAPI(i, gocv.VideoCaptureAny)
		if err != nil {
			continue
		}
		opened := vc.IsOpened()
		vc.Close()
		if !opened {
			continue
		}
		devs = append(devs, describe(format.Index(uint32(i))))
	}
	return devs, nil
}

func describe(index format.CameraIndex) backend.Device {
	return backend.Device{
		Index:       index,
		Name:        "OpenCV camera " + index.String(),
		Description: "opencv videocapture",
		Misc:        index.String(),
		Driver:      backend.OpenCV,
	}
}

func (d *Driver) Backend(index format.CameraIndex) (backend.Backend, error) {
	return &Camera{
		index: index,
		info:  describe(index),
		log:   d.opts.Log().With(zap.String("driver", backend.OpenCV), zap.String("device", index.String())),
		sess:  backend.Session{Key: "opencv:" + index.String(), Claims: d.opts.Claims},
	}, nil
}

// device returns what OpenVideoCapture expects: an int or a path.
func device(index format.CameraIndex) interface{} {
	if n, ok := index.AsIndex(); ok {
		return int(n)
	}
	s, _ := index.AsString()
	return s
}

type readResult struct {
	data []byte
	err  error
}

// Camera is one OpenCV capture.
type Camera struct {
	index format.CameraIndex
	info  backend.Device
	log   *zap.Logger

	sess backend.Session

	mu      sync.Mutex
	vc      *gocv.VideoCapture
	formats []format.CameraFormat
	pending chan readResult // in-flight Read, survives a timeout
	seq     uint64
}

func (c *Camera) Info() backend.Device { return c.info }

func (c *Camera) open() (*gocv.VideoCapture, error) {
	vc, err := gocv.OpenVideoCaptureWithAPI(device(c.index), gocv.VideoCaptureAny)
	if err != nil {
		return nil, camerr.E(camerr.DeviceNotFound, "open", err).WithDevice(c.info.Misc)
	}
	if !vc.IsOpened() {
		vc.Close()
		return nil, camerr.New(camerr.DeviceNotFound, "open", "capture did not open").WithDevice(c.info.Misc)
	}
	return vc, nil
}

// ListFormats probes candidate sizes and records what the device settles
// on. The result is cached since probing reconfigures the device.
func (c *Camera) ListFormats(ctx context.Context) ([]format.CameraFormat, error) {
	c.mu.Lock()
	if c.formats != nil {
		defer c.mu.Unlock()
		return append([]format.CameraFormat(nil), c.formats...), nil
	}
	vc := c.vc
	c.mu.Unlock()

	if vc == nil {
		var err error
		if vc, err = c.open(); err != nil {
			return nil, err
		}
		defer vc.Close()
	}

	formats := probe(vc)
	if len(formats) == 0 {
		return nil, camerr.New(camerr.DeviceError, "list formats", "device accepted no size").WithDevice(c.info.Misc)
	}
	c.mu.Lock()
	c.formats = formats
	c.mu.Unlock()
	return append([]format.CameraFormat(nil), formats...), nil
}

func probe(vc *gocv.VideoCapture) []format.CameraFormat {
	defW := vc.Get(gocv.VideoCaptureFrameWidth)
	defH := vc.Get(gocv.VideoCaptureFrameHeight)
	def := current(vc)

	var formats []format.CameraFormat
	seen := make(map[format.CameraFormat]bool)
	add := func(f format.CameraFormat) {
		if f.Resolution.Valid() && !seen[f] {
			seen[f] = true
			formats = append(formats, f)
		}
	}
	add(def)
	for _, res := range candidates {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(res.Width))
		vc.Set(gocv.VideoCaptureFrameHeight, float64(res.Height))
		add(current(vc))
	}
	vc.Set(gocv.VideoCaptureFrameWidth, defW)
	vc.Set(gocv.VideoCaptureFrameHeight, defH)
	return formats
}

func current(vc *gocv.VideoCapture) format.CameraFormat {
	rate := format.RateFromFloat(vc.Get(gocv.VideoCaptureFPS))
	if !rate.Valid() {
		rate = format.FPS(30)
	}
	return format.CameraFormat{
		Resolution: format.Resolution{
			Width:  uint32(vc.Get(gocv.VideoCaptureFrameWidth)),
			Height: uint32(vc.Get(gocv.VideoCaptureFrameHeight)),
		},
		FrameRate: rate,
		FourCC:    format.BGR3,
	}
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
	vc, err := c.open()
	if err != nil {
		c.sess.Abort()
		return err
	}
	vc.Set(gocv.VideoCaptureFrameWidth, float64(f.Width()))
	vc.Set(gocv.VideoCaptureFrameHeight, float64(f.Height()))
	vc.Set(gocv.VideoCaptureFPS, f.FrameRate.Float())
	if got := current(vc); got.Resolution != f.Resolution {
		vc.Close()
		c.sess.Abort()
		return camerr.New(camerr.UnsupportedFormat, "open", "device chose %s", got.Resolution).WithDevice(c.info.Misc)
	}

	c.mu.Lock()
	c.vc = vc
	c.seq = 0
	c.mu.Unlock()
	c.log.Debug("device opened", zap.Stringer("format", f))
	return nil
}

// StartStream is bookkeeping only; VideoCapture streams from open.
func (c *Camera) StartStream(ctx context.Context) error {
	return c.sess.Stream()
}

func (c *Camera) ReadFrame(ctx context.Context, timeout time.Duration) (frame.RawFrame, error) {
	if err := c.sess.Check("read frame", backend.Streaming); err != nil {
		return frame.RawFrame{}, err
	}
	f := c.sess.Format()

	c.mu.Lock()
	if c.pending == nil {
		c.pending = make(chan readResult, 1)
		go read(c.vc, f, c.pending)
	}
	pending := c.pending
	c.mu.Unlock()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var res readResult
	select {
	case res = <-pending:
	case <-timer:
		return frame.RawFrame{}, camerr.New(camerr.Timeout, "read frame", "no frame within %s", timeout).WithDevice(c.info.Misc)
	case <-ctx.Done():
		return frame.RawFrame{}, camerr.E(camerr.Timeout, "read frame", ctx.Err()).WithDevice(c.info.Misc)
	}

	c.mu.Lock()
	c.pending = nil
	c.seq++
	seq := c.seq
	c.mu.Unlock()

	if res.err != nil {
		return frame.RawFrame{}, res.err
	}
	return frame.RawFrame{
		Format:    f,
		Data:      res.data,
		Sequence:  seq,
		Timestamp: time.Now(),
	}, nil
}

func read(vc *gocv.VideoCapture, f format.CameraFormat, out chan<- readResult) {
	mat := gocv.NewMat()
	defer mat.Close()
	if !vc.Read(&mat) || mat.Empty() {
		out <- readResult{err: camerr.New(camerr.StreamStopped, "read frame", "capture returned no frame")}
		return
	}
	if uint32(mat.Cols()) != f.Width() || uint32(mat.Rows()) != f.Height() {
		out <- readResult{err: camerr.New(camerr.DeviceError, "read frame", "frame is %dx%d", mat.Cols(), mat.Rows())}
		return
	}
	out <- readResult{data: mat.ToBytes()}
}

func (c *Camera) StopStream() error {
	if err := c.sess.Halt(); err != nil {
		return err
	}
	c.drain()
	return nil
}

// drain waits for an in-flight read so the capture is idle.
func (c *Camera) drain() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()
	if pending != nil {
		<-pending
	}
}

func (c *Camera) Close() error {
	prev := c.sess.End()
	if prev == backend.Closed {
		return nil
	}
	c.drain()
	c.mu.Lock()
	vc := c.vc
	c.vc = nil
	c.mu.Unlock()
	if vc != nil {
		if err := vc.Close(); err != nil {
			return camerr.E(camerr.DeviceError, "close", err).WithDevice(c.info.Misc)
		}
	}
	c.log.Debug("device closed")
	return nil
}

// properties maps control kinds to VideoCapture properties. IDs are the
// property numbers.
var properties = []struct {
	kind backend.ControlKind
	prop gocv.VideoCaptureProperties
}{
	{backend.ControlBrightness, gocv.VideoCaptureBrightness},
	{backend.ControlContrast, gocv.VideoCaptureContrast},
	{backend.ControlSaturation, gocv.VideoCaptureSaturation},
	{backend.ControlHue, gocv.VideoCaptureHue},
	{backend.ControlGain, gocv.VideoCaptureGain},
	{backend.ControlExposure, gocv.VideoCaptureExposure},
	{backend.ControlSharpness, gocv.VideoCaptureSharpness},
	{backend.ControlGamma, gocv.VideoCaptureGamma},
	{backend.ControlZoom, gocv.VideoCaptureZoom},
	{backend.ControlFocus, gocv.VideoCaptureFocus},
}

// Controls reports properties the backend answers for. OpenCV exposes no
// ranges, so Min and Max are left zero.
func (c *Camera) Controls(ctx context.Context) ([]backend.Control, error) {
	c.mu.Lock()
	vc := c.vc
	c.mu.Unlock()
	if vc == nil {
		return nil, camerr.New(camerr.InvalidState, "controls", "device not open").WithDevice(c.info.Misc)
	}
	var controls []backend.Control
	for _, p := range properties {
		v := vc.Get(p.prop)
		if v == -1 {
			continue
		}
		controls = append(controls, backend.Control{
			ID:    uint32(p.prop),
			Kind:  p.kind,
			Name:  p.kind.String(),
			Value: int64(v),
		})
	}
	return controls, nil
}

func (c *Camera) SetControl(ctx context.Context, id uint32, value int64) error {
	c.mu.Lock()
	vc := c.vc
	c.mu.Unlock()
	if vc == nil {
		return camerr.New(camerr.InvalidState, "set control", "device not open").WithDevice(c.info.Misc)
	}
	for _, p := range properties {
		if uint32(p.prop) == id {
			vc.Set(p.prop, float64(value))
			return nil
		}
	}
	return camerr.New(camerr.DeviceError, "set control", "unknown control %d", id).WithDevice(c.info.Misc)
}
