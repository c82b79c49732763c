package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// CaptureOption configures a [Capture].
type CaptureOption func(*Capture)

// WithFrameSize sets the number of samples per captured frame.
func WithFrameSize(n int) CaptureOption {
	return func(c *Capture) {
		if n > 0 {
			c.frameSize = n
		}
	}
}

// WithCaptureRate sets the microphone sample rate requested from the device.
func WithCaptureRate(rate int) CaptureOption {
	return func(c *Capture) {
		if rate > 0 {
			c.rate = rate
		}
	}
}

// WithCaptureLogger sets the logger.
func WithCaptureLogger(l *slog.Logger) CaptureOption {
	return func(c *Capture) {
		if l != nil {
			c.log = l
		}
	}
}

// Capture turns microphone frames into encoded payloads. A Capture is
// single-use: Start it once, Stop it once the session ends.
type Capture struct {
	mic       audio.Microphone
	frameSize int
	rate      int
	log       *slog.Logger

	mu      sync.Mutex
	started bool
	stream  audio.CaptureStream
	done    chan struct{}
	err     error

	stopped  atomic.Bool
	stopOnce sync.Once
	stopErr  error
}

// NewCapture returns a capture pipeline reading from mic.
func NewCapture(mic audio.Microphone, opts ...CaptureOption) *Capture {
	c := &Capture{
		mic:       mic,
		frameSize: audio.FrameSize,
		rate:      audio.CaptureSampleRate,
		log:       slog.Default(),
		done:      make(chan struct{}),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Start claims the microphone and begins forwarding frames to onFrameReady
// from a dedicated goroutine. The device callback only hands frames to a
// buffered stream, so a slow onFrameReady never stalls capture.
//
// Errors wrap [ErrPermission], or [ErrTimeout] when ctx hit its deadline
// first. A cancelled ctx is returned as is.
func (c *Capture) Start(ctx context.Context, onFrameReady func(audio.EncodedPayload)) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return errors.New("session: capture already started")
	}
	c.started = true
	c.mu.Unlock()

	stream, err := c.mic.Open(ctx, audio.Format{SampleRate: c.rate, Channels: 1}, c.frameSize)
	if err != nil {
		close(c.done)
		switch {
		case errors.Is(err, context.DeadlineExceeded):
			return fmt.Errorf("%w: microphone permission: %w", ErrTimeout, err)
		case errors.Is(err, context.Canceled):
			return err
		default:
			return fmt.Errorf("%w: %w", ErrPermission, err)
		}
	}

	c.mu.Lock()
	c.stream = stream
	c.mu.Unlock()

	// Stop may already have run while Open was pending.
	if c.stopped.Load() {
		_ = stream.Close()
		close(c.done)
		return context.Canceled
	}

	go c.forward(stream, onFrameReady)
	c.log.Debug("session: capture started", "rate", c.rate, "frame_size", c.frameSize)
	return nil
}

func (c *Capture) forward(stream audio.CaptureStream, onFrameReady func(audio.EncodedPayload)) {
	defer close(c.done)
	for f := range stream.Frames() {
		if c.stopped.Load() {
			continue
		}
		rate := f.SampleRate
		if rate <= 0 {
			rate = c.rate
		}
		onFrameReady(audio.EncodeFrameRate(f.Samples, rate))
	}
	if err := stream.Err(); err != nil && !c.stopped.Load() {
		c.mu.Lock()
		c.err = err
		c.mu.Unlock()
		c.log.Warn("session: capture stream failed", "err", err)
	}
}

// Stop disconnects the capture graph and releases the microphone claim.
// After Stop returns onFrameReady is not called again. Safe to call more
// than once and before Start.
func (c *Capture) Stop() error {
	c.stopOnce.Do(func() {
		c.stopped.Store(true)

		c.mu.Lock()
		stream, started := c.stream, c.started
		c.mu.Unlock()

		if stream != nil {
			c.stopErr = stream.Close()
		}
		if started && stream != nil {
			<-c.done
		}
	})
	return c.stopErr
}

// Done is closed once the capture goroutine has exited, either after Stop or
// because the device stream ended.
func (c *Capture) Done() <-chan struct{} { return c.done }

// Err returns the device failure that ended capture, or nil.
func (c *Capture) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}
