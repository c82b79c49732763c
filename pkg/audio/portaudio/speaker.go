package portaudio

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	pa "github.com/gordonklaus/portaudio"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// defaultRenderChunk is the number of samples rendered per output callback
// (20 ms at 24 kHz).
const defaultRenderChunk = 480

// SpeakerOption is a functional option for [NewSpeaker].
type SpeakerOption func(*Speaker)

// WithRenderChunk sets the number of samples PortAudio requests per output
// callback. Smaller values lower latency at the cost of more callbacks.
func WithRenderChunk(n int) SpeakerOption {
	return func(s *Speaker) {
		if n > 0 {
			s.chunk = n
		}
	}
}

// Speaker plays to the system default output device.
type Speaker struct {
	chunk int
}

// NewSpeaker returns a [Speaker] for the default output device.
func NewSpeaker(opts ...SpeakerOption) *Speaker {
	s := &Speaker{chunk: defaultRenderChunk}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Open implements [audio.Speaker]. The returned device's clock starts at zero
// and advances with every sample rendered.
func (s *Speaker) Open(ctx context.Context, f audio.Format) (audio.OutputDevice, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if f.SampleRate <= 0 {
		return nil, fmt.Errorf("portaudio: invalid output format %s", f)
	}
	if err := acquire(); err != nil {
		return nil, err
	}

	d := &outputDevice{renderer: newRenderer(f.SampleRate)}
	stream, err := pa.OpenDefaultStream(0, 1, float64(f.SampleRate), s.chunk, d.render)
	if err != nil {
		release() //nolint:errcheck
		return nil, fmt.Errorf("portaudio: open output stream: %w", err)
	}
	if err := stream.Start(); err != nil {
		stream.Close() //nolint:errcheck
		release()      //nolint:errcheck
		return nil, fmt.Errorf("portaudio: start output stream: %w", err)
	}
	d.stream = stream
	return d, nil
}

// outputDevice implements [audio.OutputDevice] on a PortAudio stream.
type outputDevice struct {
	*renderer
	stream *pa.Stream

	closeOnce sync.Once
	closeErr  error
}

func (d *outputDevice) Close() error {
	d.closeOnce.Do(func() {
		d.renderer.close()
		var errs []error
		if err := d.stream.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: stop output stream: %w", err))
		}
		if err := d.stream.Close(); err != nil {
			errs = append(errs, fmt.Errorf("portaudio: close output stream: %w", err))
		}
		if err := release(); err != nil {
			errs = append(errs, err)
		}
		d.closeErr = errors.Join(errs...)
	})
	return d.closeErr
}

// ─── renderer ────────────────────────────────────────────────────────────────

// renderer is the hardware-independent half of the output device: a sample
// clock plus a timeline of scheduled buffers that the output callback mixes
// into each render window.
type renderer struct {
	rate int

	mu       sync.Mutex
	rendered int64
	pending  timeline
	active   []scheduled
	seq      uint64
	closed   bool

	// The end of the last queued buffer, as the caller computes it and as a
	// sample index. A buffer queued at exactly nextAt continues at nextSample
	// so rounding in time conversions never opens a gap or an overlap.
	nextAt     time.Duration
	nextSample int64
	chained    bool
}

func newRenderer(rate int) *renderer {
	return &renderer{rate: rate}
}

// Now returns rendered samples converted to time.
func (r *renderer) Now() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sampleTime(r.rendered)
}

// Play queues buf to start at device time at. Start times that have already
// been rendered begin with the next render window.
func (r *renderer) Play(buf audio.Buffer, at time.Duration) error {
	samples := buf.Samples
	if buf.SampleRate > 0 && buf.SampleRate != r.rate {
		samples = audio.ResampleFloat32(samples, buf.SampleRate, r.rate)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return audio.ErrDeviceClosed
	}
	if len(samples) == 0 {
		return nil
	}
	start := r.sampleAt(at)
	if r.chained && at == r.nextAt {
		start = r.nextSample
	}
	if start < r.rendered {
		start = r.rendered
	}
	rate := buf.SampleRate
	if rate <= 0 {
		rate = r.rate
	}
	r.nextAt = at + audio.SamplesDuration(len(buf.Samples), rate)
	r.nextSample = start + int64(len(samples))
	r.chained = true
	r.seq++
	heap.Push(&r.pending, scheduled{samples: samples, start: start, seq: r.seq})
	return nil
}

// render fills out with the mix of every buffer overlapping the window
// [rendered, rendered+len(out)) and advances the clock. Called from the
// PortAudio callback thread.
func (r *renderer) render(out []float32) {
	clear(out)

	r.mu.Lock()
	defer r.mu.Unlock()

	winStart := r.rendered
	winEnd := winStart + int64(len(out))
	r.rendered = winEnd
	if r.closed {
		return
	}

	for r.pending.Len() > 0 && r.pending[0].start < winEnd {
		r.active = append(r.active, heap.Pop(&r.pending).(scheduled))
	}

	kept := r.active[:0]
	for _, s := range r.active {
		from := max(s.start, winStart)
		to := min(s.end(), winEnd)
		for d := from; d < to; d++ {
			out[d-winStart] += s.samples[d-s.start]
		}
		if s.end() > winEnd {
			kept = append(kept, s)
		}
	}
	clear(r.active[len(kept):])
	r.active = kept

	for i, v := range out {
		out[i] = max(-1, min(1, v))
	}
}

func (r *renderer) close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.pending = nil
	r.active = nil
	r.chained = false
}

// sampleAt converts a device time to the nearest sample index.
func (r *renderer) sampleAt(t time.Duration) int64 {
	if t <= 0 {
		return 0
	}
	return (int64(t)*int64(r.rate) + int64(time.Second)/2) / int64(time.Second)
}

func (r *renderer) sampleTime(n int64) time.Duration {
	return time.Duration(n * int64(time.Second) / int64(r.rate))
}

var (
	_ audio.Speaker      = (*Speaker)(nil)
	_ audio.OutputDevice = (*outputDevice)(nil)
)
