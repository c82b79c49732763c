package portaudio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlive/pkg/audio"
)

const defaultFrameBuffer = 32

// MicOption is a functional option for [NewMicrophone].
type MicOption func(*Microphone)

// WithFrameBuffer sets how many frames may wait for the consumer before new
// frames are dropped. Defaults to 32.
func WithFrameBuffer(n int) MicOption {
	return func(m *Microphone) {
		if n > 0 {
			m.buffer = n
		}
	}
}

// WithMicLogger sets the logger used for device warnings.
func WithMicLogger(l *slog.Logger) MicOption {
	return func(m *Microphone) {
		if l != nil {
			m.log = l
		}
	}
}

// Microphone captures from the system default input device.
type Microphone struct {
	buffer int
	log    *slog.Logger
}

// NewMicrophone returns a [Microphone] for the default input device.
func NewMicrophone(opts ...MicOption) *Microphone {
	m := &Microphone{buffer: defaultFrameBuffer, log: slog.Default()}
	for _, o := range opts {
		o(m)
	}
	return m
}

// Open implements [audio.Microphone]. The stream is opened at f.SampleRate
// when the device supports it; otherwise at the device's default rate with
// frames resampled to f.SampleRate. Any failure to claim the device wraps
// [audio.ErrPermissionDenied].
func (m *Microphone) Open(ctx context.Context, f audio.Format, frameSize int) (audio.CaptureStream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SampleRate <= 0 || frameSize <= 0 {
		return nil, fmt.Errorf("portaudio: invalid capture format %s, frame size %d", f, frameSize)
	}
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}

	cs := &captureStream{
		frames:    make(chan audio.Frame, m.buffer),
		rate:      f.SampleRate,
		frameSize: frameSize,
		log:       m.log,
	}

	stream, devRate, err := openInput(f.SampleRate, frameSize, cs.onSamples)
	if err != nil {
		release() //nolint:errcheck
		return nil, fmt.Errorf("%w: %w", audio.ErrPermissionDenied, err)
	}
	cs.devRate = devRate
	cs.stream = stream

	if err := stream.Start(); err != nil {
		stream.Close() //nolint:errcheck
		release()      //nolint:errcheck
		return nil, fmt.Errorf("%w: start input stream: %w", audio.ErrPermissionDenied, err)
	}

	// The permission prompt may have been abandoned while the device opened.
	if err := ctx.Err(); err != nil {
		cs.Close() //nolint:errcheck
		return nil, err
	}
	return cs, nil
}

// openInput opens a mono input stream at rate, falling back to the device's
// default rate when rate is rejected.
func openInput(rate, frameSize int, cb func([]float32)) (*pa.Stream, int, error) {
	stream, err := pa.OpenDefaultStream(1, 0, float64(rate), frameSize, cb)
	if err == nil {
		return stream, rate, nil
	}
	dev, derr := pa.DefaultInputDevice()
	if derr != nil {
		return nil, 0, errors.Join(err, derr)
	}
	devRate := int(dev.DefaultSampleRate)
	if devRate <= 0 || devRate == rate {
		return nil, 0, err
	}
	perBuf := frameSize * devRate / rate
	stream, ferr := pa.OpenDefaultStream(1, 0, float64(devRate), perBuf, cb)
	if ferr != nil {
		return nil, 0, errors.Join(err, ferr)
	}
	return stream, devRate, nil
}

// captureStream implements [audio.CaptureStream].
type captureStream struct {
	stream    *pa.Stream
	frames    chan audio.Frame
	rate      int
	devRate   int
	frameSize int
	log       *slog.Logger

	mu       sync.Mutex
	pending  []float32
	captured int
	closed   bool

	dropOnce  sync.Once
	closeOnce sync.Once
	closeErr  error
}

// onSamples runs on the PortAudio callback thread. It never blocks: when the
// consumer falls behind, frames are dropped.
func (s *captureStream) onSamples(in []float32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}

	samples := in
	if s.devRate != s.rate {
		samples = audio.ResampleFloat32(in, s.devRate, s.rate)
	}
	s.pending = append(s.pending, samples...)

	for len(s.pending) >= s.frameSize {
		buf := make([]float32, s.frameSize)
		copy(buf, s.pending)
		s.pending = s.pending[s.frameSize:]

		f := audio.Frame{
			Samples:    buf,
			SampleRate: s.rate,
			Timestamp:  audio.SamplesDuration(s.captured, s.rate),
		}
		s.captured += s.frameSize

		select {
		case s.frames <- f:
		default:
			s.dropOnce.Do(func() {
				s.log.Warn("portaudio: capture consumer too slow, dropping frames")
			})
		}
	}
	// Keep the backing array from growing without bound.
	if len(s.pending) == 0 {
		s.pending = s.pending[:0:0]
	}
}

func (s *captureStream) Frames() <-chan audio.Frame { return s.frames }

func (s *captureStream) Err() error { return nil }

// Close stops the device, releases it and closes Frames.
func (s *captureStream) Close() error {
	s.closeOnce.Do(func() {
		var errs []error
		if err := s.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop input stream: %w", err))
		}
		if err := s.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close input stream: %w", err))
		}
		if err := release(); err != nil {
			errs = append(errs, err)
		}

		s.mu.Lock()
		s.closed = true
		close(s.frames)
		s.mu.Unlock()

		s.closeErr = errors.Join(errs...)
	})
	return s.closeErr
}

var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*captureStream)(nil)
)
