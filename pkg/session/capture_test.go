package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/audio/mock"
)

// collector gathers frames handed to onFrameReady.
type collector struct {
	mu     sync.Mutex
	frames []audio.EncodedPayload
}

func (c *collector) add(p audio.EncodedPayload) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.frames = append(c.frames, p)
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.frames)
}

func (c *collector) all() []audio.EncodedPayload {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]audio.EncodedPayload(nil), c.frames...)
}

func TestCapture_ForwardsEncodedFrames(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := NewCapture(mic, WithFrameSize(4), WithCaptureLogger(quietLogger()))
	var got collector
	if err := c.Start(context.Background(), got.add); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	call := mic.OpenCalls[0]
	if call.FrameSize != 4 || call.Format.SampleRate != audio.CaptureSampleRate || call.Format.Channels != 1 {
		t.Errorf("Open(%+v, %d), want 16000 Hz mono frames of 4", call.Format, call.FrameSize)
	}

	stream := mic.Stream()
	stream.Push([]float32{0, 0.5, -0.5, 1})
	stream.Push([]float32{0.25, 0.25, 0.25, 0.25})
	eventually(t, "two frames", func() bool { return got.len() == 2 })

	frames := got.all()
	samples, err := audio.DecodeFrame(frames[0].Data)
	if err != nil {
		t.Fatalf("DecodeFrame: %v", err)
	}
	if len(samples) != 4 || samples[1] != 0.5 || samples[2] != -0.5 {
		t.Errorf("first frame decodes to %v", samples)
	}
	if frames[0].MIMEType != "audio/pcm;rate=16000" {
		t.Errorf("MIME = %q, want audio/pcm;rate=16000", frames[0].MIMEType)
	}
}

func TestCapture_StopIsIdempotent(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := NewCapture(mic, WithCaptureLogger(quietLogger()))
	var got collector
	if err := c.Start(context.Background(), got.add); err != nil {
		t.Fatalf("Start: %v", err)
	}

	for i := range 3 {
		if err := c.Stop(); err != nil {
			t.Fatalf("Stop #%d: %v", i+1, err)
		}
	}
	stream := mic.Stream()
	if stream.CloseCount() != 1 {
		t.Errorf("stream closed %d times, want 1", stream.CloseCount())
	}
	select {
	case <-c.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if stream.Push(tone(audio.FrameSize, 0.1)) {
		t.Error("stream still accepts frames after Stop")
	}
	if got.len() != 0 {
		t.Errorf("onFrameReady called %d times after Stop", got.len())
	}
	if c.Err() != nil {
		t.Errorf("Err = %v after clean stop", c.Err())
	}
}

func TestCapture_StopBeforeStart(t *testing.T) {
	t.Parallel()
	c := NewCapture(&mock.Microphone{})
	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
}

func TestCapture_StartTwice(t *testing.T) {
	t.Parallel()
	c := NewCapture(&mock.Microphone{}, WithCaptureLogger(quietLogger()))
	if err := c.Start(context.Background(), func(audio.EncodedPayload) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })
	if err := c.Start(context.Background(), func(audio.EncodedPayload) {}); err == nil {
		t.Error("second Start succeeded, want error")
	}
}

func TestCapture_OpenErrors(t *testing.T) {
	t.Parallel()

	t.Run("denied", func(t *testing.T) {
		t.Parallel()
		mic := &mock.Microphone{OpenErr: audio.ErrPermissionDenied}
		c := NewCapture(mic)
		err := c.Start(context.Background(), func(audio.EncodedPayload) {})
		if !errors.Is(err, ErrPermission) {
			t.Errorf("err = %v, want ErrPermission", err)
		}
		if !errors.Is(err, audio.ErrPermissionDenied) {
			t.Errorf("err = %v does not wrap the device error", err)
		}
		select {
		case <-c.Done():
		default:
			t.Error("Done not closed after failed Start")
		}
	})

	t.Run("timeout", func(t *testing.T) {
		t.Parallel()
		mic := &mock.Microphone{Block: true}
		c := NewCapture(mic)
		ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
		defer cancel()
		if err := c.Start(ctx, func(audio.EncodedPayload) {}); !errors.Is(err, ErrTimeout) {
			t.Errorf("err = %v, want ErrTimeout", err)
		}
	})

	t.Run("cancelled", func(t *testing.T) {
		t.Parallel()
		mic := &mock.Microphone{Block: true}
		c := NewCapture(mic)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := c.Start(ctx, func(audio.EncodedPayload) {})
		if !errors.Is(err, context.Canceled) || errors.Is(err, ErrPermission) {
			t.Errorf("err = %v, want bare context.Canceled", err)
		}
	})
}

func TestCapture_DeviceFailure(t *testing.T) {
	t.Parallel()

	mic := &mock.Microphone{}
	c := NewCapture(mic, WithCaptureLogger(quietLogger()))
	if err := c.Start(context.Background(), func(audio.EncodedPayload) {}); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { _ = c.Stop() })

	boom := errors.New("device unplugged")
	mic.Stream().Fail(boom)

	select {
	case <-c.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("Done not closed after device failure")
	}
	if !errors.Is(c.Err(), boom) {
		t.Errorf("Err = %v, want %v", c.Err(), boom)
	}
}
