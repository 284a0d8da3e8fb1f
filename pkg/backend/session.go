package backend

import (
	"sync"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
)

// State is the lifecycle state of a capture session.
type State int

const (
	Closed State = iota
	Opened
	Streaming
)

func (s State) String() string {
	switch s {
	case Opened:
		return "opened"
	case Streaming:
		return "streaming"
	}
	return "closed"
}

// Session tracks the state of one device handle and holds its claim while
// open. Drivers embed it so that every implementation rejects out-of-order
// calls the same way.
type Session struct {
	Key    string  // claim key, unique per physical device
	Claims *Claims // nil means DefaultClaims

	mu     sync.Mutex
	state  State
	format format.CameraFormat
}

func (s *Session) claims() *Claims {
	if s.Claims == nil {
		return DefaultClaims
	}
	return s.Claims
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Format returns the format passed to Begin.
func (s *Session) Format() format.CameraFormat {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.format
}

// Check fails with InvalidState unless the session is in want.
func (s *Session) Check(op string, want State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != want {
		return camerr.New(camerr.InvalidState, op, "session is %s, need %s", s.state, want).WithDevice(s.Key)
	}
	return nil
}

// Begin moves Closed -> Opened and claims the device. Drivers call Abort if
// the native open then fails.
func (s *Session) Begin(f format.CameraFormat) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != Closed {
		return camerr.New(camerr.InvalidState, "open", "session is %s", s.state).WithDevice(s.Key)
	}
	if err := s.claims().Acquire(s.Key); err != nil {
		return err
	}
	s.state = Opened
	s.format = f
	return nil
}

// Abort undoes Begin.
func (s *Session) Abort() {
	s.End()
}

// Stream moves Opened -> Streaming.
func (s *Session) Stream() error {
	return s.transition("start stream", Opened, Streaming)
}

// Halt moves Streaming -> Opened.
func (s *Session) Halt() error {
	return s.transition("stop stream", Streaming, Opened)
}

func (s *Session) transition(op string, from, to State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != from {
		return camerr.New(camerr.InvalidState, op, "session is %s, need %s", s.state, from).WithDevice(s.Key)
	}
	s.state = to
	return nil
}

// End closes the session and releases the claim. It returns the state the
// session was in, so callers can tear down a running stream; ending a
// closed session does nothing.
func (s *Session) End() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.state
	if prev != Closed {
		s.claims().Release(s.Key)
		s.state = Closed
		s.format = format.CameraFormat{}
	}
	return prev
}

// Claims records which physical devices are open in this process.
type Claims struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewClaims returns an empty claim table.
func NewClaims() *Claims {
	return &Claims{held: make(map[string]struct{})}
}

// DefaultClaims is shared by every driver unless Options.Claims is set.
var DefaultClaims = NewClaims()

// Acquire claims key or fails with DeviceBusy.
func (c *Claims) Acquire(key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.held[key]; ok {
		return camerr.New(camerr.DeviceBusy, "open", "already claimed").WithDevice(key)
	}
	c.held[key] = struct{}{}
	return nil
}

// Release drops a claim. Releasing an unclaimed key is a no-op.
func (c *Claims) Release(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.held, key)
}

// Held reports whether key is claimed.
func (c *Claims) Held(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.held[key]
	return ok
}

// Count returns the number of held claims.
func (c *Claims) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.held)
}
