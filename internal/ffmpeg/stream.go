package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/video-system/go-webcam/pkg/camerr"
	"github.com/video-system/go-webcam/pkg/format"
)

// StreamConfig holds configuration for a raw capture process
type StreamConfig struct {
	Input  string // v4l2, avfoundation, dshow
	Device string // device path, index or name
	Format format.CameraFormat

	// Queue is how many frames are buffered ahead of the reader. Older
	// frames are dropped when it is full.
	Queue int
}

// buildArgs builds FFmpeg arguments that copy the device's native encoding
// to stdout without conversion.
func (cfg StreamConfig) buildArgs() ([]string, error) {
	pix, ok := PixFmtForTag(cfg.Format.FourCC)
	if !ok {
		return nil, fmt.Errorf("no ffmpeg pixel format for %s", cfg.Format.FourCC)
	}
	mjpeg := pix == "mjpeg"

	args := []string{"-hide_banner", "-loglevel", "error", "-f", cfg.Input}

	switch cfg.Input {
	case InputV4L2:
		args = append(args, "-input_format", pix)
	case InputDShow:
		if mjpeg {
			args = append(args, "-vcodec", "mjpeg")
		} else {
			args = append(args, "-pixel_format", pix)
		}
	case InputAVFoundation:
		args = append(args, "-pixel_format", pix)
	default:
		return nil, fmt.Errorf("unsupported input format: %s", cfg.Input)
	}

	args = append(args,
		"-video_size", cfg.Format.Resolution.String(),
		"-framerate", cfg.Format.FrameRate.String(),
	)

	device := cfg.Device
	switch cfg.Input {
	case InputAVFoundation:
		device += ":none"
	case InputDShow:
		device = "video=" + device
	}
	args = append(args, "-i", device)

	if mjpeg {
		args = append(args, "-c:v", "copy", "-f", "mjpeg", "pipe:1")
	} else {
		args = append(args, "-c:v", "rawvideo", "-pix_fmt", pix, "-f", "rawvideo", "pipe:1")
	}
	return args, nil
}

// frameSize returns the byte size of one raw frame, 0 for MJPEG.
func frameSize(f format.CameraFormat) int {
	w, h := int(f.Width()), int(f.Height())
	switch f.FourCC {
	case format.MJPG:
		return 0
	case format.YUYV, format.UYVY, format.UYVYApple, format.UYVYLower:
		return w * h * 2
	case format.NV12, format.NV21, format.I420, format.YU12, format.NV12Apple:
		return w*h + 2*((w+1)/2)*((h+1)/2)
	case format.RGB3, format.BGR3:
		return w * h * 3
	case format.RGBA:
		return w * h * 4
	case format.GREY, format.GRAY:
		return w * h
	}
	return -1
}

type captured struct {
	data []byte
	at   time.Time
}

// Stream is a running capture process delivering frames from stdout.
type Stream struct {
	cmd    *exec.Cmd
	log    *zap.Logger
	frames chan captured
	done   chan struct{} // stdout reader finished
	logged chan struct{} // stderr reader finished

	stopOnce sync.Once
	stopErr  error

	mu      sync.Mutex
	err     error  // why the reader stopped
	lastErr string // last ffmpeg error line
}

// StartStream starts an FFmpeg capture process for cfg.
func (f *FFmpeg) StartStream(ctx context.Context, cfg StreamConfig, log *zap.Logger) (*Stream, error) {
	size := frameSize(cfg.Format)
	if size < 0 {
		return nil, fmt.Errorf("no frame size for %s", cfg.Format.FourCC)
	}
	args, err := cfg.buildArgs()
	if err != nil {
		return nil, err
	}
	if cfg.Queue <= 0 {
		cfg.Queue = 2
	}
	if log == nil {
		log = zap.NewNop()
	}

	s, err := startProcess(exec.CommandContext(ctx, f.binaryPath, args...), size, cfg.Queue, log)
	if err != nil {
		return nil, err
	}
	log.Debug("ffmpeg capture started", zap.Strings("args", args))
	return s, nil
}

// startProcess runs cmd and reads frames of size bytes from its stdout, or
// concatenated JPEGs when size is 0.
func startProcess(cmd *exec.Cmd, size, queue int, log *zap.Logger) (*Stream, error) {
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("get stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("get stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start ffmpeg: %w", err)
	}

	s := &Stream{
		cmd:    cmd,
		log:    log,
		frames: make(chan captured, queue),
		done:   make(chan struct{}),
		logged: make(chan struct{}),
	}
	go s.monitorOutput(bufio.NewScanner(stderr))
	go s.readFrames(bufio.NewReaderSize(stdout, 1<<20), size)
	return s, nil
}

// monitorOutput keeps the last error line for StreamStopped messages.
func (s *Stream) monitorOutput(scanner *bufio.Scanner) {
	defer close(s.logged)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.log.Warn("ffmpeg", zap.String("line", line))
		s.mu.Lock()
		s.lastErr = line
		s.mu.Unlock()
	}
}

func (s *Stream) readFrames(r *bufio.Reader, size int) {
	defer close(s.done)
	for {
		var data []byte
		var err error
		if size == 0 {
			data, err = readJPEG(r)
		} else {
			data = make([]byte, size)
			_, err = io.ReadFull(r, data)
		}
		if err != nil {
			s.mu.Lock()
			s.err = err
			s.mu.Unlock()
			return
		}
		s.push(captured{data: data, at: time.Now()})
	}
}

// push enqueues a frame, evicting the oldest when the queue is full. Only
// readFrames sends, so the retry always succeeds.
func (s *Stream) push(c captured) {
	select {
	case s.frames <- c:
		return
	default:
	}
	select {
	case <-s.frames:
	default:
	}
	s.frames <- c
}

// Next returns the next frame, waiting at most timeout.
func (s *Stream) Next(ctx context.Context, timeout time.Duration) ([]byte, time.Time, error) {
	select {
	case c := <-s.frames:
		return c.data, c.at, nil
	default:
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}
	select {
	case c := <-s.frames:
		return c.data, c.at, nil
	case <-s.done:
		// Drain anything read before the process ended.
		select {
		case c := <-s.frames:
			return c.data, c.at, nil
		default:
		}
		return nil, time.Time{}, s.stopped()
	case <-timer:
		return nil, time.Time{}, camerr.New(camerr.Timeout, "read frame", "no frame within %s", timeout)
	case <-ctx.Done():
		return nil, time.Time{}, camerr.E(camerr.Timeout, "read frame", ctx.Err())
	}
}

func (s *Stream) stopped() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	detail := s.lastErr
	if detail == "" && s.err != nil {
		detail = s.err.Error()
	}
	return camerr.New(camerr.StreamStopped, "read frame", "ffmpeg exited: %s", detail)
}

// Stop interrupts ffmpeg, killing it after five seconds, and reaps it once
// both output readers have hit EOF. Wait closes the pipes, so it must not
// run while they are still being read. Stop is safe to call more than once.
func (s *Stream) Stop() error {
	s.stopOnce.Do(func() { s.stopErr = s.stop(5 * time.Second) })
	return s.stopErr
}

func (s *Stream) stop(grace time.Duration) error {
	if s.cmd == nil || s.cmd.Process == nil {
		return nil
	}
	s.cmd.Process.Signal(os.Interrupt)
	if !s.drained(grace) {
		s.log.Warn("ffmpeg ignored interrupt, killing", zap.Duration("grace", grace))
		s.cmd.Process.Kill()
		<-s.done
		<-s.logged
	}

	err := s.cmd.Wait()
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return err
	}
	return nil
}

// drained waits up to timeout for both readers to finish.
func (s *Stream) drained(timeout time.Duration) bool {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for _, ch := range []chan struct{}{s.done, s.logged} {
		select {
		case <-ch:
		case <-timer.C:
			return false
		}
	}
	return true
}

var (
	jpegSOI = []byte{0xff, 0xd8}
	jpegEOI = []byte{0xff, 0xd9}
)

// readJPEG returns the next complete JPEG image from a concatenated stream.
func readJPEG(r *bufio.Reader) ([]byte, error) {
	// Skip to the start-of-image marker.
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b != 0xff {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == jpegSOI[1] {
			r.ReadByte()
			break
		}
	}

	var buf bytes.Buffer
	buf.Write(jpegSOI)
	for {
		chunk, err := r.ReadSlice(0xff)
		buf.Write(chunk)
		if err != nil && !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
		if err != nil {
			continue
		}
		next, err := r.Peek(1)
		if err != nil {
			return nil, err
		}
		if next[0] == jpegEOI[1] {
			r.ReadByte()
			buf.WriteByte(jpegEOI[1])
			return buf.Bytes(), nil
		}
	}
}
