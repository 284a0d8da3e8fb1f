// Package api serves the HTTP control API: device discovery, per-camera
// status, start/stop, and snapshots.
package api

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/png"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/backend"
	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/capture"
	"github.com/video-system/go-webcam/pkg/codec"
	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

// CameraManager is the subset of capture.Manager the API drives.
type CameraManager interface {
	Get(id string) (*capture.Controller, bool)
	Status(id string) (capture.CameraStatus, error)
	Statuses() []capture.CameraStatus
	StartCamera(ctx context.Context, id string) error
	StopCamera(id string) error
	Features() capture.Features
}

// ServerConfig holds API server configuration
type ServerConfig struct {
	Host    string
	Port    int
	Manager CameraManager
	Logger  *zap.Logger
	// DriverParams are passed to drivers created for device queries.
	DriverParams map[string]map[string]string
}

// Server is the HTTP API server
type Server struct {
	cfg    ServerConfig
	log    *zap.Logger
	engine *gin.Engine
	server *http.Server
}

// ErrorResponse is the body of every failed request.
type ErrorResponse struct {
	Error     string    `json:"error"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// NewServer creates a new API server
func NewServer(cfg ServerConfig) *Server {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	s := &Server{cfg: cfg, log: cfg.Logger}

	r := gin.New()
	r.Use(gin.Recovery(), s.requestLogger())

	r.GET("/health", s.handleHealth)
	v1 := r.Group("/api/v1")
	{
		v1.GET("/drivers", s.handleDrivers)
		v1.GET("/drivers/:driver/devices", s.handleDevices)
		v1.GET("/cameras", s.handleCameras)
		v1.GET("/cameras/:id", s.handleCamera)
		v1.POST("/cameras/:id/start", s.handleStart)
		v1.POST("/cameras/:id/stop", s.handleStop)
		v1.GET("/cameras/:id/formats", s.handleFormats)
		v1.GET("/cameras/:id/snapshot", s.handleSnapshot)
		v1.GET("/cameras/:id/frames", s.handleFrames)
		v1.GET("/cameras/:id/frames/:seq", s.handleFrame)
		v1.POST("/negotiate", s.handleNegotiate)
	}
	s.engine = r

	s.server = &http.Server{
		Addr:    fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler: r,
	}
	return s
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.engine }

// Start serves until Stop. It returns nil after a clean shutdown.
func (s *Server) Start() error {
	s.log.Info("API server starting", zap.String("addr", s.server.Addr))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("serve api: %w", err)
	}
	return nil
}

// Stop stops the API server
func (s *Server) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		s.log.Warn("API server shutdown", zap.Error(err))
	}
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		s.log.Debug("request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	code := "internal"
	var ce *camerr.Error
	if errors.As(err, &ce) {
		code = strings.ReplaceAll(ce.Kind.String(), " ", "_")
		switch ce.Kind {
		case camerr.DeviceNotFound:
			status = http.StatusNotFound
		case camerr.InvalidArgument:
			status = http.StatusBadRequest
		case camerr.DeviceBusy, camerr.InvalidState:
			status = http.StatusConflict
		case camerr.UnsupportedFormat, camerr.NoMatchingFormat, camerr.UnsupportedPixelFormat:
			status = http.StatusUnprocessableEntity
		case camerr.Timeout:
			status = http.StatusGatewayTimeout
		case camerr.StreamStopped:
			status = http.StatusServiceUnavailable
		}
	}
	c.JSON(status, ErrorResponse{Error: code, Message: err.Error(), Timestamp: time.Now()})
}

func (s *Server) controller(c *gin.Context) (*capture.Controller, bool) {
	id := c.Param("id")
	ctrl, ok := s.cfg.Manager.Get(id)
	if !ok {
		s.fail(c, camerr.New(camerr.DeviceNotFound, "camera", "no camera %q", id))
		return nil, false
	}
	return ctrl, true
}

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"service":   "go-webcam",
		"timestamp": time.Now(),
	})
}

type driverInfo struct {
	Name    string `json:"name"`
	Native  bool   `json:"native"`
	Enabled bool   `json:"enabled"`
}

func (s *Server) handleDrivers(c *gin.Context) {
	features := s.cfg.Manager.Features()
	native := backend.Native()
	var out []driverInfo
	for _, name := range backend.Names() {
		out = append(out, driverInfo{Name: name, Native: name == native, Enabled: features.Enabled(name)})
	}
	c.JSON(http.StatusOK, gin.H{"drivers": out})
}

func (s *Server) handleDevices(c *gin.Context) {
	name := c.Param("driver")
	if !s.cfg.Manager.Features().Enabled(name) {
		s.fail(c, camerr.New(camerr.DeviceNotFound, "query devices", "driver %q is not enabled", name))
		return
	}
	opts := backend.Options{Logger: s.log, Params: s.cfg.DriverParams[name]}
	devices, err := backend.QueryDevices(c.Request.Context(), name, opts)
	if err != nil {
		s.fail(c, err)
		return
	}
	if devices == nil {
		devices = []backend.Device{}
	}
	c.JSON(http.StatusOK, gin.H{"devices": devices})
}

func (s *Server) handleCameras(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"cameras": s.cfg.Manager.Statuses()})
}

func (s *Server) handleCamera(c *gin.Context) {
	st, err := s.cfg.Manager.Status(c.Param("id"))
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) handleStart(c *gin.Context) {
	id := c.Param("id")
	// The run outlives the request.
	if err := s.cfg.Manager.StartCamera(context.Background(), id); err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("camera started via API", zap.String("camera", id))
	s.handleCamera(c)
}

func (s *Server) handleStop(c *gin.Context) {
	id := c.Param("id")
	if err := s.cfg.Manager.StopCamera(id); err != nil {
		s.fail(c, err)
		return
	}
	s.log.Info("camera stopped via API", zap.String("camera", id))
	s.handleCamera(c)
}

func (s *Server) handleFormats(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	formats, err := ctrl.Formats(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"formats":   formats,
		"requested": ctrl.Requested(),
		"current":   ctrl.Format(),
	})
}

// handleSnapshot returns the newest frame.
func (s *Server) handleSnapshot(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	f, ok := ctrl.LastFrame()
	if !ok {
		s.fail(c, camerr.New(camerr.InvalidState, "snapshot", "no frame captured yet"))
		return
	}
	s.writeFrame(c, f)
}

// writeFrame renders f as PNG, or as the undecoded bytes with ?raw=1.
func (s *Server) writeFrame(c *gin.Context, f frame.RawFrame) {
	c.Header("X-Frame-Sequence", fmt.Sprint(f.Sequence))
	c.Header("X-Frame-Format", f.Format.String())

	if c.Query("raw") != "" {
		c.Data(http.StatusOK, "application/octet-stream", f.Data)
		return
	}
	img, err := codec.Decode(f, frame.RGBA)
	if err != nil {
		s.fail(c, err)
		return
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img.ToImage()); err != nil {
		s.fail(c, fmt.Errorf("encode png: %w", err))
		return
	}
	c.Data(http.StatusOK, "image/png", buf.Bytes())
}

type frameInfo struct {
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Format    string    `json:"format"`
	Bytes     int       `json:"bytes"`
}

// handleFrames lists the buffered history, oldest first. With
// ?since=<duration> only frames captured that recently are listed.
func (s *Server) handleFrames(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	history := ctrl.History()

	var frames []frame.RawFrame
	if since := c.Query("since"); since != "" {
		d, err := time.ParseDuration(since)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: fmt.Sprintf("invalid since %q", since), Timestamp: time.Now()})
			return
		}
		now := time.Now()
		frames = history.FramesInRange(now.Add(-d), now)
	} else {
		frames = history.Frames()
	}

	out := make([]frameInfo, len(frames))
	for i, f := range frames {
		out[i] = frameInfo{Sequence: f.Sequence, Timestamp: f.Timestamp, Format: f.Format.String(), Bytes: f.Len()}
	}
	c.JSON(http.StatusOK, gin.H{"frames": out, "buffer": history.GetStatus()})
}

// handleFrame returns one buffered frame by sequence number.
func (s *Server) handleFrame(c *gin.Context) {
	ctrl, ok := s.controller(c)
	if !ok {
		return
	}
	seq, err := strconv.ParseUint(c.Param("seq"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: fmt.Sprintf("invalid sequence %q", c.Param("seq")), Timestamp: time.Now()})
		return
	}
	f, ok := ctrl.History().Get(seq)
	if !ok {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "not_found", Message: fmt.Sprintf("frame %d is not buffered", seq), Timestamp: time.Now()})
		return
	}
	s.writeFrame(c, f)
}

type negotiateRequest struct {
	Request format.RequestedFormat `json:"request"`
	Formats []format.CameraFormat  `json:"formats"`
}

// handleNegotiate resolves a format request against a supplied list. It
// needs the serialization feature.
func (s *Server) handleNegotiate(c *gin.Context) {
	if !s.cfg.Manager.Features().Serialization {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "disabled", Message: "serialization feature is off", Timestamp: time.Now()})
		return
	}
	var req negotiateRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "bad_request", Message: err.Error(), Timestamp: time.Now()})
		return
	}
	f, err := format.Negotiate(req.Request, req.Formats)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"format": f})
}
