// Package ringbuffer keeps a bounded history of captured frames. Capture
// controllers use it for last-frame polling and delivery statistics.
package ringbuffer

import (
	"sync"
	"time"

	"github.com/video-system/go-webcam/pkg/frame"
)

// Config holds ring buffer configuration
type Config struct {
	Capacity int           // Frames kept (e.g. 30)
	MaxAge   time.Duration // Frames older than this are dropped, 0 keeps all
	CameraID string        // Camera identifier for status
}

// Buffer is a fixed-capacity ring of frames, oldest overwritten first.
type Buffer struct {
	cfg Config

	mu      sync.RWMutex
	entries []frame.RawFrame
	head    int // index of the oldest entry
	count   int
	total   uint64 // frames ever added
	skipped uint64 // sequence numbers never seen
	lastSeq uint64

	onFrame func(frame.RawFrame)
}

// New creates a new ring buffer. Capacity below one is raised to one.
func New(cfg Config) *Buffer {
	if cfg.Capacity < 1 {
		cfg.Capacity = 1
	}
	return &Buffer{
		cfg:     cfg,
		entries: make([]frame.RawFrame, cfg.Capacity),
	}
}

// OnFrame sets a callback invoked after each Add.
func (b *Buffer) OnFrame(fn func(frame.RawFrame)) {
	b.mu.Lock()
	b.onFrame = fn
	b.mu.Unlock()
}

// Add appends a frame, evicting the oldest when full. Frame data is kept
// by reference and must not be modified afterwards.
func (b *Buffer) Add(f frame.RawFrame) {
	b.mu.Lock()

	if b.total > 0 && f.Sequence > b.lastSeq+1 {
		b.skipped += f.Sequence - b.lastSeq - 1
	}
	if f.Sequence > b.lastSeq || b.total == 0 {
		b.lastSeq = f.Sequence
	}
	b.total++

	if b.count < len(b.entries) {
		b.entries[(b.head+b.count)%len(b.entries)] = f
		b.count++
	} else {
		b.entries[b.head] = f
		b.head = (b.head + 1) % len(b.entries)
	}
	b.pruneLocked(time.Now())
	fn := b.onFrame

	b.mu.Unlock()

	if fn != nil {
		fn(f)
	}
}

// pruneLocked drops frames older than MaxAge, always keeping the newest.
func (b *Buffer) pruneLocked(now time.Time) {
	if b.cfg.MaxAge <= 0 {
		return
	}
	cutoff := now.Add(-b.cfg.MaxAge)
	for b.count > 1 && b.entries[b.head].Timestamp.Before(cutoff) {
		b.entries[b.head] = frame.RawFrame{}
		b.head = (b.head + 1) % len(b.entries)
		b.count--
	}
}

func (b *Buffer) at(i int) frame.RawFrame {
	return b.entries[(b.head+i)%len(b.entries)]
}

// Latest returns the newest frame.
func (b *Buffer) Latest() (frame.RawFrame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.count == 0 {
		return frame.RawFrame{}, false
	}
	return b.at(b.count - 1), true
}

// Get returns a buffered frame by sequence number.
func (b *Buffer) Get(seq uint64) (frame.RawFrame, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for i := 0; i < b.count; i++ {
		if f := b.at(i); f.Sequence == seq {
			return f, true
		}
	}
	return frame.RawFrame{}, false
}

// Frames returns the buffered frames, oldest first.
func (b *Buffer) Frames() []frame.RawFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]frame.RawFrame, b.count)
	for i := range out {
		out[i] = b.at(i)
	}
	return out
}

// FramesInRange returns frames captured within [start, end).
func (b *Buffer) FramesInRange(start, end time.Time) []frame.RawFrame {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var result []frame.RawFrame
	for i := 0; i < b.count; i++ {
		f := b.at(i)
		if !f.Timestamp.Before(start) && f.Timestamp.Before(end) {
			result = append(result, f)
		}
	}
	return result
}

// Reset empties the buffer and its counters.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.entries {
		b.entries[i] = frame.RawFrame{}
	}
	b.head, b.count = 0, 0
	b.total, b.skipped, b.lastSeq = 0, 0, 0
}

// GetStatus returns the current buffer status
func (b *Buffer) GetStatus() BufferStatus {
	b.mu.RLock()
	defer b.mu.RUnlock()

	status := BufferStatus{
		Health:      float64(b.count) / float64(len(b.entries)),
		FrameCount:  b.count,
		TotalFrames: b.total,
		Skipped:     b.skipped,
		CameraID:    b.cfg.CameraID,
	}
	if b.count == 0 {
		return status
	}

	oldest, newest := b.at(0), b.at(b.count-1)
	status.FirstSeq = oldest.Sequence
	status.LastSeq = newest.Sequence
	status.OldestTime = oldest.Timestamp.UnixMilli()
	status.NewestTime = newest.Timestamp.UnixMilli()
	for i := 0; i < b.count; i++ {
		status.Bytes += int64(b.at(i).Len())
	}
	if span := newest.Timestamp.Sub(oldest.Timestamp); b.count > 1 && span > 0 {
		status.FPS = float64(b.count-1) / span.Seconds()
	}
	return status
}

// BufferStatus represents the buffer status
type BufferStatus struct {
	Health      float64 `json:"health"` // fill ratio
	OldestTime  int64   `json:"oldest_time"`
	NewestTime  int64   `json:"newest_time"`
	FrameCount  int     `json:"frame_count"`
	TotalFrames uint64  `json:"total_frames"`
	Skipped     uint64  `json:"skipped"`
	FirstSeq    uint64  `json:"first_seq"`
	LastSeq     uint64  `json:"last_seq"`
	Bytes       int64   `json:"bytes"`
	FPS         float64 `json:"fps"`
	CameraID    string  `json:"camera_id"`
}
