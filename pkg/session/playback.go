package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
)

var (
	// ErrEmptyFrame is returned by [Scheduler.Schedule] for a payload with no
	// samples. Nothing is played and the cursor does not move.
	ErrEmptyFrame = errors.New("session: empty audio frame")

	// ErrLatencyCap is returned by [Scheduler.Schedule] when the frame would
	// start further ahead of the output clock than the configured maximum.
	ErrLatencyCap = errors.New("session: playback queue exceeds latency cap")
)

// DefaultMaxQueuedLatency bounds how much audio may be queued ahead of the
// output clock before further frames are dropped.
const DefaultMaxQueuedLatency = 10 * time.Second

// Placement describes where a frame landed on the output timeline.
type Placement struct {
	// Start is the device time the frame begins playing.
	Start time.Duration

	// Duration is the playback length of the frame.
	Duration time.Duration

	// Queued is the audio that was scheduled ahead of this frame, i.e.
	// Start minus the clock reading at scheduling time.
	Queued time.Duration
}

// End returns the device time at which the frame finishes playing.
func (p Placement) End() time.Duration { return p.Start + p.Duration }

// SchedulerOption configures a [Scheduler].
type SchedulerOption func(*Scheduler)

// WithPlaybackRate sets the sample rate inbound audio is tagged with. It is
// fixed for the session regardless of what the payload MIME type claims.
func WithPlaybackRate(rate int) SchedulerOption {
	return func(s *Scheduler) {
		if rate > 0 {
			s.rate = rate
		}
	}
}

// WithMaxQueuedLatency caps how far ahead of the clock a frame may be
// scheduled. Zero disables the cap.
func WithMaxQueuedLatency(d time.Duration) SchedulerOption {
	return func(s *Scheduler) {
		if d >= 0 {
			s.maxLatency = d
		}
	}
}

// WithSchedulerMetrics sets the metrics the scheduler records to.
func WithSchedulerMetrics(m *observe.Metrics) SchedulerOption {
	return func(s *Scheduler) {
		if m != nil {
			s.metrics = m
		}
	}
}

// WithSchedulerLogger sets the logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		if l != nil {
			s.log = l
		}
	}
}

// Scheduler places decoded frames back to back on an output device so that
// consecutive frames play without gaps or overlap. It keeps a single cursor,
// the device time at which the previously scheduled frame ends, and starts
// each new frame at max(now, cursor).
//
// All methods are safe for concurrent use; Schedule calls are serialised.
type Scheduler struct {
	out        audio.OutputDevice
	rate       int
	maxLatency time.Duration
	metrics    *observe.Metrics
	log        *slog.Logger

	mu   sync.Mutex
	next time.Duration

	mimeWarn sync.Once
}

// NewScheduler returns a scheduler that plays onto out.
func NewScheduler(out audio.OutputDevice, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		out:        out,
		rate:       audio.PlaybackSampleRate,
		maxLatency: DefaultMaxQueuedLatency,
		log:        slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.metrics == nil {
		s.metrics = observe.DefaultMetrics()
	}
	return s
}

// Schedule decodes p and queues it on the output device directly after the
// previously scheduled frame, or immediately when the device clock has
// already passed that point.
//
// A decode failure returns the [*audio.DecodeError] and leaves the cursor
// untouched, as do [ErrEmptyFrame], [ErrLatencyCap] and device errors.
func (s *Scheduler) Schedule(p audio.EncodedPayload) (Placement, error) {
	ctx := context.Background()

	samples, err := audio.DecodeFrame(p.Data)
	if err != nil {
		s.metrics.DecodeErrors.Add(ctx, 1)
		s.metrics.RecordFrameDropped(ctx, observe.DropDecode)
		return Placement{}, err
	}
	if len(samples) == 0 {
		return Placement{}, ErrEmptyFrame
	}
	if rate, ok := audio.ParseMIMERate(p.MIMEType); ok && rate != s.rate {
		s.mimeWarn.Do(func() {
			s.log.Warn("session: inbound audio rate differs from playback rate",
				"mime", p.MIMEType, "playback_rate", s.rate)
		})
	}
	buf := audio.Buffer{Samples: samples, SampleRate: s.rate}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.out.Now()
	start := max(now, s.next)
	queued := start - now
	if s.maxLatency > 0 && queued > s.maxLatency {
		s.metrics.RecordFrameDropped(ctx, observe.DropLatencyCap)
		return Placement{}, fmt.Errorf("%w: %s queued", ErrLatencyCap, queued)
	}
	if err := s.out.Play(buf, start); err != nil {
		return Placement{}, fmt.Errorf("session: play: %w", err)
	}

	d := buf.Duration()
	s.next = start + d
	s.metrics.PlaybackLatency.Record(ctx, queued.Seconds())
	return Placement{Start: start, Duration: d, Queued: queued}, nil
}

// Run schedules frames in arrival order until frames is closed, ctx is done
// or the output device is closed. Undecodable, empty and over-cap frames are
// logged and skipped.
func (s *Scheduler) Run(ctx context.Context, frames <-chan audio.EncodedPayload) {
	var capped int
	for {
		select {
		case <-ctx.Done():
			return
		case p, ok := <-frames:
			if !ok {
				return
			}
			// A stop may race with a ready frame; never schedule after it.
			if ctx.Err() != nil {
				return
			}
			s.metrics.FramesReceived.Add(ctx, 1)

			_, err := s.Schedule(p)
			var de *audio.DecodeError
			switch {
			case err == nil:
				capped = 0
			case errors.As(err, &de):
				s.log.Warn("session: dropping undecodable audio frame", "len", de.Len, "err", de.Err)
			case errors.Is(err, ErrEmptyFrame):
				s.log.Debug("session: skipping empty audio frame")
			case errors.Is(err, ErrLatencyCap):
				if capped == 0 {
					s.log.Warn("session: playback falling behind, dropping frames", "err", err)
				}
				capped++
			case errors.Is(err, audio.ErrDeviceClosed):
				s.log.Debug("session: output device closed, playback stopped")
				return
			default:
				s.log.Warn("session: schedule failed", "err", err)
			}
		}
	}
}

// Cursor returns the device time at which the last scheduled frame ends.
func (s *Scheduler) Cursor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next
}

// Reset rewinds the cursor to zero, e.g. when the output device is replaced.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = 0
}
