package ringbuffer

import (
	"testing"
	"time"

	"github.com/video-system/go-webcam/pkg/format"
	"github.com/video-system/go-webcam/pkg/frame"
)

func testFrame(seq uint64, at time.Time) frame.RawFrame {
	return frame.RawFrame{
		Format:    format.NewCameraFormat(2, 2, 30, format.GREY),
		Data:      []byte{byte(seq), 0, 0, 0},
		Sequence:  seq,
		Timestamp: at,
	}
}

func TestBufferWraps(t *testing.T) {
	b := New(Config{Capacity: 3, CameraID: "cam"})
	if _, ok := b.Latest(); ok {
		t.Fatal("Latest on empty buffer")
	}

	base := time.Now()
	for seq := uint64(1); seq <= 5; seq++ {
		b.Add(testFrame(seq, base.Add(time.Duration(seq)*100*time.Millisecond)))
	}

	frames := b.Frames()
	if len(frames) != 3 {
		t.Fatalf("frames = %d, want 3", len(frames))
	}
	for i, want := range []uint64{3, 4, 5} {
		if frames[i].Sequence != want {
			t.Errorf("frame %d seq = %d, want %d", i, frames[i].Sequence, want)
		}
	}
	if f, ok := b.Latest(); !ok || f.Sequence != 5 {
		t.Errorf("Latest = %d, %v", f.Sequence, ok)
	}
	if _, ok := b.Get(2); ok {
		t.Error("evicted frame still returned")
	}
	if f, ok := b.Get(4); !ok || f.Data[0] != 4 {
		t.Error("Get(4) failed")
	}

	st := b.GetStatus()
	if st.FirstSeq != 3 || st.LastSeq != 5 || st.TotalFrames != 5 || st.Health != 1 {
		t.Errorf("status = %+v", st)
	}
	if st.FPS < 9 || st.FPS > 11 {
		t.Errorf("fps = %.2f, want 10", st.FPS)
	}
	if st.Bytes != 12 || st.CameraID != "cam" {
		t.Errorf("status = %+v", st)
	}
}

func TestBufferSkipped(t *testing.T) {
	b := New(Config{Capacity: 10})
	now := time.Now()
	for _, seq := range []uint64{1, 2, 6, 7, 20} {
		b.Add(testFrame(seq, now))
	}
	if got := b.GetStatus().Skipped; got != 3+12 {
		t.Errorf("skipped = %d, want 15", got)
	}
	b.Reset()
	if st := b.GetStatus(); st.FrameCount != 0 || st.Skipped != 0 || st.TotalFrames != 0 {
		t.Errorf("status after reset = %+v", st)
	}
}

func TestBufferMaxAge(t *testing.T) {
	b := New(Config{Capacity: 10, MaxAge: time.Second})
	now := time.Now()
	b.Add(testFrame(1, now.Add(-5*time.Second)))
	b.Add(testFrame(2, now.Add(-3*time.Second)))
	b.Add(testFrame(3, now))

	frames := b.Frames()
	if len(frames) != 1 || frames[0].Sequence != 3 {
		t.Fatalf("frames after pruning = %v", frames)
	}

	in := b.FramesInRange(now.Add(-time.Millisecond), now.Add(time.Millisecond))
	if len(in) != 1 {
		t.Errorf("FramesInRange = %d frames", len(in))
	}
}

func TestBufferOnFrame(t *testing.T) {
	b := New(Config{Capacity: 2})
	var got []uint64
	b.OnFrame(func(f frame.RawFrame) { got = append(got, f.Sequence) })
	b.Add(testFrame(1, time.Now()))
	b.Add(testFrame(2, time.Now()))
	if len(got) != 2 || got[1] != 2 {
		t.Errorf("callbacks = %v", got)
	}
}
