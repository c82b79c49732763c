// Package mock provides in-memory implementations of the [audio.Microphone],
// [audio.CaptureStream], [audio.Speaker] and [audio.OutputDevice] interfaces
// for use in unit tests.
//
// All mocks are safe for concurrent use. They record every call so that tests
// can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// Typical usage:
//
//	mic := &mock.Microphone{}
//	spk := &mock.Speaker{}
//	// ... start a session with mic and spk ...
//	mic.Stream().Push(make([]float32, 4096))
//	spk.Device().Advance(100 * time.Millisecond)
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// ─── Microphone ──────────────────────────────────────────────────────────────

// OpenCall records the arguments of a single [Microphone.Open] invocation.
type OpenCall struct {
	Format    audio.Format
	FrameSize int
}

// Microphone is a mock implementation of [audio.Microphone].
type Microphone struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// Block makes Open wait until its context is done, simulating a
	// permission prompt nobody answers. The context error is returned.
	Block bool

	// Buffer is the capacity of the frame channel of opened streams.
	// Defaults to 16.
	Buffer int

	// OpenCalls records all Open invocations.
	OpenCalls []OpenCall

	stream *CaptureStream
}

// Open implements [audio.Microphone].
func (m *Microphone) Open(ctx context.Context, f audio.Format, frameSize int) (audio.CaptureStream, error) {
	m.mu.Lock()
	m.OpenCalls = append(m.OpenCalls, OpenCall{Format: f, FrameSize: frameSize})
	block, openErr := m.Block, m.OpenErr
	m.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if openErr != nil {
		return nil, openErr
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	n := m.Buffer
	if n <= 0 {
		n = 16
	}
	m.stream = NewCaptureStream(f.SampleRate, n)
	return m.stream, nil
}

// Stream returns the most recently opened stream, or nil.
func (m *Microphone) Stream() *CaptureStream {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stream
}

// OpenCount returns how many times Open was called.
func (m *Microphone) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.OpenCalls)
}

// ─── CaptureStream ───────────────────────────────────────────────────────────

// CaptureStream is a mock [audio.CaptureStream] fed by [CaptureStream.Push].
type CaptureStream struct {
	mu         sync.Mutex
	frames     chan audio.Frame
	rate       int
	closed     bool
	closeCount int
	err        error
	pushed     int
}

// NewCaptureStream returns an open stream whose frame channel holds up to
// buffer frames.
func NewCaptureStream(rate, buffer int) *CaptureStream {
	return &CaptureStream{frames: make(chan audio.Frame, buffer), rate: rate}
}

// Push delivers samples as the next frame. It reports false when the stream
// is closed or the buffer is full, mirroring a device that never blocks.
func (s *CaptureStream) Push(samples []float32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	f := audio.Frame{
		Samples:    samples,
		SampleRate: s.rate,
		Timestamp:  audio.SamplesDuration(s.pushed, s.rate),
	}
	select {
	case s.frames <- f:
		s.pushed += len(samples)
		return true
	default:
		return false
	}
}

// Fail closes the stream with err, as a device that disappeared would.
func (s *CaptureStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.frames)
}

// Frames implements [audio.CaptureStream].
func (s *CaptureStream) Frames() <-chan audio.Frame { return s.frames }

// Err implements [audio.CaptureStream].
func (s *CaptureStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// Close implements [audio.CaptureStream].
func (s *CaptureStream) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeCount++
	if !s.closed {
		s.closed = true
		close(s.frames)
	}
	return nil
}

// CloseCount returns how many times Close was called.
func (s *CaptureStream) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Closed reports whether the stream has been closed.
func (s *CaptureStream) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// ─── Speaker ─────────────────────────────────────────────────────────────────

// Speaker is a mock implementation of [audio.Speaker].
type Speaker struct {
	mu sync.Mutex

	// OpenErr is returned by Open when non-nil.
	OpenErr error

	// PlayErr is copied into every opened device as its PlayErr.
	PlayErr error

	// OpenCalls records the format of every Open invocation.
	OpenCalls []audio.Format

	device *OutputDevice
}

// Open implements [audio.Speaker].
func (s *Speaker) Open(_ context.Context, f audio.Format) (audio.OutputDevice, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.OpenCalls = append(s.OpenCalls, f)
	if s.OpenErr != nil {
		return nil, s.OpenErr
	}
	s.device = &OutputDevice{PlayErr: s.PlayErr}
	return s.device, nil
}

// Device returns the most recently opened device, or nil.
func (s *Speaker) Device() *OutputDevice {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// ─── OutputDevice ────────────────────────────────────────────────────────────

// PlayCall records one [OutputDevice.Play] invocation.
type PlayCall struct {
	Buffer audio.Buffer
	At     time.Duration
}

// OutputDevice is a mock [audio.OutputDevice] with a manual clock. The clock
// only moves when the test calls [OutputDevice.SetNow] or
// [OutputDevice.Advance].
type OutputDevice struct {
	mu sync.Mutex

	// PlayErr is returned by Play when non-nil. The call is still recorded.
	PlayErr error

	// CloseErr is returned by Close.
	CloseErr error

	now        time.Duration
	plays      []PlayCall
	closed     bool
	closeCount int
	played     chan struct{}
}

// SetNow moves the device clock to t.
func (d *OutputDevice) SetNow(t time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now = t
}

// Advance moves the device clock forward by dt.
func (d *OutputDevice) Advance(dt time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.now += dt
}

// Now implements [audio.OutputDevice].
func (d *OutputDevice) Now() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.now
}

// Play implements [audio.OutputDevice].
func (d *OutputDevice) Play(buf audio.Buffer, at time.Duration) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return audio.ErrDeviceClosed
	}
	d.plays = append(d.plays, PlayCall{Buffer: buf, At: at})
	if d.played != nil {
		select {
		case d.played <- struct{}{}:
		default:
		}
	}
	return d.PlayErr
}

// Played returns a channel that receives a value after each Play call.
// Notifications are dropped when nobody is receiving.
func (d *OutputDevice) Played() <-chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.played == nil {
		d.played = make(chan struct{}, 64)
	}
	return d.played
}

// Plays returns a copy of every recorded Play call in order.
func (d *OutputDevice) Plays() []PlayCall {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]PlayCall, len(d.plays))
	copy(out, d.plays)
	return out
}

// Close implements [audio.OutputDevice].
func (d *OutputDevice) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeCount++
	d.closed = true
	return d.CloseErr
}

// CloseCount returns how many times Close was called.
func (d *OutputDevice) CloseCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.closeCount
}

// Compile-time interface assertions.
var (
	_ audio.Microphone    = (*Microphone)(nil)
	_ audio.CaptureStream = (*CaptureStream)(nil)
	_ audio.Speaker       = (*Speaker)(nil)
	_ audio.OutputDevice  = (*OutputDevice)(nil)
)
