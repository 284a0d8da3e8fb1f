package capture

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camera"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/codec"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
	"github.com/video-system/go-webcam/pkg/ringbuffer"
)

// Options configures a Controller.
type Options struct {
	ID            string        // camera identifier for logs and status
	Policy        Policy        // backpressure on full consumer channels
	Buffer        int           // consumer channel capacity (default 4)
	ReadTimeout   time.Duration // per read (default 2s)
	TimeoutPolicy TimeoutPolicy
	AutoRGB       bool          // decode every frame to RGB before delivery
	History       int           // frames kept for LastFrame and stats (default 30)
	MaxAge        time.Duration // history frames older than this are dropped, 0 keeps all

	Logger *zap.Logger
	Codecs *codec.Registry
}

func (o *Options) defaults() {
	if o.Buffer <= 0 {
		o.Buffer = 4
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 2 * time.Second
	}
	if o.History <= 0 {
		o.History = 30
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	if o.Codecs == nil {
		o.Codecs = codec.Default
	}
}

// Subscription is a bounded frame channel that lives for one run.
type Subscription struct {
	ID string
	C  <-chan Frame

	c    chan Frame
	done chan struct{}
	once sync.Once
}

func newSubscription(size int) *Subscription {
	c := make(chan Frame, size)
	return &Subscription{ID: uuid.NewString(), C: c, c: c, done: make(chan struct{})}
}

// Close stops delivery. C is closed by the controller shortly after.
func (s *Subscription) Close() {
	s.once.Do(func() { close(s.done) })
}

func (s *Subscription) closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// offer queues f, evicting the oldest entry when full. It reports whether
// a frame was dropped. Only the controller loop sends, so after an
// eviction the send cannot block.
func (s *Subscription) offer(f Frame) bool {
	select {
	case s.c <- f:
		return false
	default:
	}
	select {
	case <-s.c:
	default:
	}
	select {
	case s.c <- f:
	default:
	}
	return true
}

// wait queues f, blocking until there is room, the subscription closes or
// stop fires.
func (s *Subscription) wait(f Frame, stop <-chan struct{}) {
	select {
	case s.c <- f:
	case <-s.done:
	case <-stop:
	}
}

// Controller runs a capture loop on its own goroutine and fans frames out
// to subscribers and a callback.
//
// State machine: Idle -Start-> Running -Stop-> Idle, and Running -> Errored
// -> Idle when the backend fails. The backend is always closed when a run
// ends.
type Controller struct {
	b         backend.Backend
	requested format.RequestedFormat
	opts      Options
	log       *zap.Logger
	history   *ringbuffer.Buffer

	mu        sync.Mutex
	state     State
	current   format.CameraFormat
	formats   []format.CameraFormat // cached at the last Start
	runID     string
	runs      int
	stop      chan struct{}
	done      chan struct{}
	subs      map[string]*Subscription
	callback  func(Frame)
	cbSub     *Subscription
	onError   []func(error)
	lastErr   error
	notify    chan struct{} // closed and replaced on every frame
	delivered uint64
	dropped   uint64
	timeouts  uint64
	decodeErr uint64
}

// NewController takes ownership of b, which must be closed. Each Start
// negotiates requested against the device's formats.
func NewController(b backend.Backend, requested format.RequestedFormat, opts Options) *Controller {
	opts.defaults()
	log := opts.Logger
	if opts.ID != "" {
		log = log.With(zap.String("camera", opts.ID))
	}
	c := &Controller{
		b:         b,
		requested: requested,
		opts:      opts,
		log:       log,
		history:   ringbuffer.New(ringbuffer.Config{Capacity: opts.History, MaxAge: opts.MaxAge, CameraID: opts.ID}),
		subs:      make(map[string]*Subscription),
		notify:    make(chan struct{}),
	}
	// PollFrame waiters wake once the frame is in the history.
	c.history.OnFrame(func(frame.RawFrame) { c.wake() })
	return c
}

func (c *Controller) wake() {
	c.mu.Lock()
	close(c.notify)
	c.notify = make(chan struct{})
	c.mu.Unlock()
}

// FromCamera moves the backend out of cam into a new controller.
func FromCamera(cam *camera.Camera, opts Options) (*Controller, error) {
	b, requested, err := cam.Detach()
	if err != nil {
		return nil, err
	}
	return NewController(b, requested, opts), nil
}

// Backend returns the owned backend.
func (c *Controller) Backend() backend.Backend { return c.b }

// State returns the lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Format returns the format of the current run, zero when idle.
func (c *Controller) Format() format.CameraFormat {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Formats lists the device formats. While running it returns the list
// negotiated against, since the backend belongs to the loop.
func (c *Controller) Formats(ctx context.Context) ([]format.CameraFormat, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle && c.formats != nil {
		return append([]format.CameraFormat(nil), c.formats...), nil
	}
	formats, err := c.b.ListFormats(ctx)
	if err != nil {
		return nil, err
	}
	c.formats = formats
	return append([]format.CameraFormat(nil), formats...), nil
}

// Requested returns the format policy applied at Start.
func (c *Controller) Requested() format.RequestedFormat { return c.requested }

// Err returns the error that ended the last run, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastErr
}

// Start opens the device, starts streaming and launches the loop. ctx
// bounds the open only; the run lasts until Stop or a terminal error.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Idle {
		return camerr.New(camerr.InvalidState, "start", "controller is %s", c.state)
	}

	formats, err := c.b.ListFormats(ctx)
	if err != nil {
		return err
	}
	c.formats = formats
	f, err := format.Negotiate(c.requested, formats)
	if err != nil {
		return err
	}
	if err := c.b.Open(ctx, f); err != nil {
		return err
	}
	if err := c.b.StartStream(ctx); err != nil {
		c.b.Close()
		return err
	}

	c.state = Running
	c.current = f
	c.runID = uuid.NewString()
	c.runs++
	c.lastErr = nil
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.delivered, c.dropped, c.timeouts, c.decodeErr = 0, 0, 0, 0
	c.history.Reset()
	if c.callback != nil {
		c.startCallbackLocked(c.callback)
	}

	c.log.Info("capture started", zap.String("run", c.runID), zap.Stringer("format", f))
	go c.loop(c.stop, c.done)
	return nil
}

// Stop ends the run after the in-progress read and waits for the device to
// close. Stopping an idle controller does nothing.
func (c *Controller) Stop() error {
	c.mu.Lock()
	if c.state == Idle {
		c.mu.Unlock()
		return nil
	}
	stop, done := c.stop, c.done
	select {
	case <-stop:
	default:
		close(stop)
	}
	c.mu.Unlock()

	<-done
	return nil
}

// Wait blocks until the current run ends.
func (c *Controller) Wait() {
	c.mu.Lock()
	done := c.done
	c.mu.Unlock()
	if done != nil {
		<-done
	}
}

func (c *Controller) loop(stop, done chan struct{}) {
	var terminal error
	defer func() {
		c.finish(terminal)
		close(done)
	}()

	for {
		select {
		case <-stop:
			return
		default:
		}

		raw, err := c.b.ReadFrame(context.Background(), c.opts.ReadTimeout)
		if err != nil {
			if errors.Is(err, camerr.Timeout) && c.opts.TimeoutPolicy == TimeoutContinue {
				c.mu.Lock()
				c.timeouts++
				c.mu.Unlock()
				continue
			}
			select {
			case <-stop:
				return
			default:
			}
			terminal = err
			return
		}

		out := Frame{Raw: raw}
		if c.opts.AutoRGB {
			img, err := c.opts.Codecs.Decode(raw, frame.RGB)
			if err != nil {
				c.mu.Lock()
				c.decodeErr++
				c.mu.Unlock()
				c.log.Debug("decode failed", zap.Uint64("seq", raw.Sequence), zap.Error(err))
				continue
			}
			out.Image = img
		}
		c.history.Add(raw)
		c.deliver(out, stop)
	}
}

func (c *Controller) deliver(f Frame, stop <-chan struct{}) {
	c.mu.Lock()
	subs := make([]*Subscription, 0, len(c.subs))
	for id, s := range c.subs {
		if s.closed() {
			delete(c.subs, id)
			close(s.c)
			continue
		}
		subs = append(subs, s)
	}
	c.delivered++
	c.mu.Unlock()

	var dropped uint64
	for _, s := range subs {
		if c.opts.Policy == Block {
			s.wait(f, stop)
		} else if s.offer(f) {
			dropped++
		}
	}
	if dropped > 0 {
		c.mu.Lock()
		c.dropped += dropped
		c.mu.Unlock()
	}
}

// finish tears down a run: notify consumers of a terminal error, close the
// device, close every channel, return to Idle.
func (c *Controller) finish(terminal error) {
	c.mu.Lock()
	if terminal != nil {
		c.state = Errored
		c.lastErr = terminal
	}
	subs := make([]*Subscription, 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	handlers := append([]func(error){}, c.onError...)
	c.mu.Unlock()

	if terminal != nil {
		c.log.Warn("capture failed", zap.Error(terminal))
		for _, s := range subs {
			if !s.closed() {
				s.offer(Frame{Err: terminal})
			}
		}
		for _, fn := range handlers {
			fn(terminal)
		}
	}

	if err := c.b.Close(); err != nil {
		c.log.Warn("close device", zap.Error(err))
	}

	c.mu.Lock()
	for id, s := range c.subs {
		delete(c.subs, id)
		close(s.c)
	}
	c.cbSub = nil
	c.state = Idle
	c.current = format.CameraFormat{}
	close(c.notify)
	c.notify = make(chan struct{})
	runID := c.runID
	c.mu.Unlock()
	c.log.Info("capture stopped", zap.String("run", runID))
}

// Subscribe returns a channel of frames for the current run. The channel
// closes when the run ends; after a device failure the last value carries
// the error.
func (c *Controller) Subscribe() (*Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return nil, camerr.New(camerr.InvalidState, "subscribe", "controller is %s", c.state)
	}
	s := newSubscription(c.opts.Buffer)
	c.subs[s.ID] = s
	return s, nil
}

// SetCallback installs fn to be called for every frame, on a goroutine
// owned by the controller. It persists across runs; nil removes it.
func (c *Controller) SetCallback(fn func(Frame)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.callback = fn
	if c.cbSub != nil {
		c.cbSub.Close()
		c.cbSub = nil
	}
	if fn != nil && c.state == Running {
		c.startCallbackLocked(fn)
	}
}

func (c *Controller) startCallbackLocked(fn func(Frame)) {
	s := newSubscription(c.opts.Buffer)
	c.subs[s.ID] = s
	c.cbSub = s
	go func() {
		for f := range s.c {
			if f.Err != nil || s.closed() {
				continue
			}
			fn(f)
		}
	}()
}

// OnError registers fn to be called with the error that ends a run. fn
// runs on the capture goroutine and must not call Stop.
func (c *Controller) OnError(fn func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onError = append(c.onError, fn)
}

// LastFrame returns the most recent frame of the current or last run.
func (c *Controller) LastFrame() (frame.RawFrame, bool) {
	return c.history.Latest()
}

// PollFrame waits for the next frame captured after the call.
func (c *Controller) PollFrame(ctx context.Context) (frame.RawFrame, error) {
	c.mu.Lock()
	if c.state != Running {
		c.mu.Unlock()
		return frame.RawFrame{}, camerr.New(camerr.InvalidState, "poll frame", "controller is %s", c.state)
	}
	notify := c.notify
	c.mu.Unlock()

	select {
	case <-notify:
	case <-ctx.Done():
		return frame.RawFrame{}, camerr.E(camerr.Timeout, "poll frame", ctx.Err())
	}

	c.mu.Lock()
	state, lastErr := c.state, c.lastErr
	c.mu.Unlock()
	if state != Running {
		if lastErr != nil {
			return frame.RawFrame{}, lastErr
		}
		return frame.RawFrame{}, camerr.New(camerr.StreamStopped, "poll frame", "capture stopped")
	}
	f, ok := c.history.Latest()
	if !ok {
		return frame.RawFrame{}, camerr.New(camerr.StreamStopped, "poll frame", "no frame")
	}
	return f, nil
}

// History exposes the frame history.
func (c *Controller) History() *ringbuffer.Buffer { return c.history }

// Stats returns counters for the current or last run.
func (c *Controller) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := Stats{
		State:        c.state,
		RunID:        c.runID,
		Delivered:    c.delivered,
		Dropped:      c.dropped,
		Timeouts:     c.timeouts,
		DecodeErrors: c.decodeErr,
		Subscribers:  len(c.subs),
		Runs:         c.runs,
		History:      c.history.GetStatus(),
	}
	if c.state != Idle {
		st.Format = c.current.String()
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}
