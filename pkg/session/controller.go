// Package session runs one realtime voice conversation at a time: it captures
// microphone audio, streams it to a speech-to-speech provider and schedules
// the synthesised replies for gapless playback.
//
// The [Controller] owns the lifecycle. Its state machine is
//
//	Idle → Connecting → Active → Closing → Idle
//	             ↘          ↘
//	               Errored  →  Idle
//
// Every resource acquired for a session (microphone claim, transport
// connection, output device) is released on every exit path.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// DefaultPendingFrames is the capacity of the queue between the capture
// callback and the transport sender.
const DefaultPendingFrames = 64

// Config holds the dependencies and tunables of a [Controller].
type Config struct {
	// Provider opens transport sessions. Required.
	Provider s2s.Provider

	// Microphone is claimed for the lifetime of each session. Required.
	Microphone audio.Microphone

	// Speaker opens the per-session output device. Required.
	Speaker audio.Speaker

	// Session is passed to Provider.Connect for every session.
	Session s2s.SessionConfig

	// FrameSize is the number of samples per captured frame.
	// Default: [audio.FrameSize].
	FrameSize int

	// CaptureRate is the microphone sample rate. Default: 16000.
	CaptureRate int

	// PlaybackRate is the rate inbound audio is played at. Default: 24000.
	PlaybackRate int

	// PermissionTimeout bounds the microphone permission request. Zero waits
	// indefinitely.
	PermissionTimeout time.Duration

	// ConnectTimeout bounds the transport handshake up to the service's
	// setup acknowledgement. Zero waits indefinitely.
	ConnectTimeout time.Duration

	// MaxQueuedLatency caps how much audio may be queued ahead of the output
	// clock. Zero disables the cap.
	MaxQueuedLatency time.Duration

	// PendingFrames is the capacity of the captured-frame queue. Frames
	// captured while it is full are dropped. Default: [DefaultPendingFrames].
	PendingFrames int

	// OnStateChange, if set, receives every state transition in order. It is
	// called synchronously and must not call Start or Stop.
	OnStateChange func(StateChange)

	// OnTranscript, if set, receives transcripts from the provider.
	OnTranscript func(s2s.Transcript)

	// Metrics receives session metrics. Default: [observe.DefaultMetrics].
	Metrics *observe.Metrics

	// Logger is the base logger. Default: [slog.Default].
	Logger *slog.Logger
}

// Info describes the current session.
type Info struct {
	// SessionID is the unique identifier of the live session.
	SessionID string `json:"session_id,omitempty"`

	// Provider is the name of the provider serving the session.
	Provider string `json:"provider,omitempty"`

	// StartedAt is when the session became active.
	StartedAt time.Time `json:"started_at,omitzero"`

	// State is the controller state at the time of the call.
	State State `json:"state"`
}

// Controller coordinates capture, transport and playback for one session at
// a time. All exported methods are safe for concurrent use.
type Controller struct {
	log     *slog.Logger
	metrics *observe.Metrics

	onState      func(StateChange)
	onTranscript func(s2s.Transcript)

	// emitMu serialises transitions so OnStateChange sees them in order.
	emitMu sync.Mutex

	mu       sync.Mutex
	cfg      Config // guarded by mu; replaced by Reconfigure
	state    State
	err      error
	live     *live
	starting *pendingStart
}

// pendingStart lets Stop abort a Start that is still connecting.
type pendingStart struct {
	cancel context.CancelCauseFunc
	done   chan struct{}
}

// New validates cfg, applies defaults and returns an idle controller.
func New(cfg Config) (*Controller, error) {
	var errs []error
	if cfg.Provider == nil {
		errs = append(errs, errors.New("session: provider is required"))
	}
	if cfg.Microphone == nil {
		errs = append(errs, errors.New("session: microphone is required"))
	}
	if cfg.Speaker == nil {
		errs = append(errs, errors.New("session: speaker is required"))
	}
	if err := validateTunables(cfg); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return nil, err
	}

	applyDefaults(&cfg)
	c := &Controller{
		cfg:          cfg,
		log:          cfg.Logger,
		metrics:      cfg.Metrics,
		onState:      cfg.OnStateChange,
		onTranscript: cfg.OnTranscript,
	}
	if c.log == nil {
		c.log = slog.Default()
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	return c, nil
}

// Reconfigure applies fn to a copy of the configuration. The result is used
// from the next Start; a live session keeps the settings it was opened
// with. Dependencies, callbacks, metrics and logger cannot be replaced and
// are restored after fn runs.
func (c *Controller) Reconfigure(fn func(*Config)) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := c.cfg
	fn(&next)
	next.Provider = c.cfg.Provider
	next.Microphone = c.cfg.Microphone
	next.Speaker = c.cfg.Speaker
	next.OnStateChange = c.cfg.OnStateChange
	next.OnTranscript = c.cfg.OnTranscript
	next.Metrics = c.cfg.Metrics
	next.Logger = c.cfg.Logger
	if err := validateTunables(next); err != nil {
		return err
	}
	applyDefaults(&next)
	c.cfg = next
	return nil
}

func validateTunables(cfg Config) error {
	if cfg.PermissionTimeout < 0 || cfg.ConnectTimeout < 0 || cfg.MaxQueuedLatency < 0 {
		return errors.New("session: timeouts must not be negative")
	}
	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.FrameSize <= 0 {
		cfg.FrameSize = audio.FrameSize
	}
	if cfg.CaptureRate <= 0 {
		cfg.CaptureRate = audio.CaptureSampleRate
	}
	if cfg.PlaybackRate <= 0 {
		cfg.PlaybackRate = audio.PlaybackSampleRate
	}
	if cfg.PendingFrames <= 0 {
		cfg.PendingFrames = DefaultPendingFrames
	}
}

// live is the state of one running session.
type live struct {
	cfg       Config
	id        string
	provider  string
	startedAt time.Time
	log       *slog.Logger
	metrics   *observe.Metrics

	capture *Capture
	handle  s2s.SessionHandle
	out     audio.OutputDevice
	sched   *Scheduler

	pending  chan audio.EncodedPayload
	dropWarn sync.Once

	cancel context.CancelFunc
	tasks  sync.WaitGroup

	stop     chan struct{}
	stopOnce sync.Once
	finished chan struct{}
}

// enqueue is the capture callback. It never blocks.
func (l *live) enqueue(p audio.EncodedPayload) {
	select {
	case l.pending <- p:
	default:
		l.metrics.RecordFrameDropped(context.Background(), observe.DropQueueFull)
		l.dropWarn.Do(func() {
			l.log.Warn("session: capture queue full, dropping frames")
		})
	}
}

// release stops capture, closes the transport and the output device. Every
// step is attempted; failures are joined.
func (l *live) release() error {
	var errs []error
	if err := l.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	if err := l.closeDevices(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// closeDevices closes whichever of the transport and output device were
// acquired.
func (l *live) closeDevices() error {
	var errs []error
	if l.handle != nil {
		if err := l.handle.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close transport: %w", err))
		}
	}
	if l.out != nil {
		if err := l.out.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close output device: %w", err))
		}
	}
	return errors.Join(errs...)
}

// ── Start ───────────────────────────────────────────────────────────────────────

// Start opens the microphone, the output device and the transport
// concurrently and returns once all three are ready and the service has
// acknowledged the session. If any of them fails the others are released,
// the controller passes through Errored back to Idle and the classified
// error is returned.
//
// Start returns [ErrAlreadyActive] unless the controller is idle. Without
// configured timeouts a hung permission prompt or handshake keeps the
// controller in Connecting until ctx is cancelled or Stop is called, in
// which case Start returns [ErrStartCanceled].
func (c *Controller) Start(ctx context.Context) (err error) {
	id := uuid.NewString()
	ctx, cancelStart := context.WithCancelCause(ctx)
	defer cancelStart(nil)
	pending := &pendingStart{cancel: cancelStart, done: make(chan struct{})}
	defer close(pending.done)

	if !c.begin(id, pending) {
		return ErrAlreadyActive
	}

	c.mu.Lock()
	cfg := c.cfg
	c.mu.Unlock()

	began := time.Now()
	// The chain name until the transport reports which provider serves it.
	providerName := cfg.Provider.Name()
	ctx, span := observe.StartSpan(ctx, "session.start", trace.WithAttributes(
		attribute.String("session.id", id),
		attribute.String("session.provider", providerName),
	))
	defer func() { observe.EndSpan(span, err) }()

	log := c.log.With("session_id", id, "provider", providerName)
	l := &live{
		cfg:      cfg,
		id:       id,
		provider: providerName,
		log:      log,
		metrics:  c.metrics,
		pending:  make(chan audio.EncodedPayload, cfg.PendingFrames),
		stop:     make(chan struct{}),
		finished: make(chan struct{}),
	}
	l.capture = NewCapture(l.cfg.Microphone,
		WithFrameSize(l.cfg.FrameSize),
		WithCaptureRate(l.cfg.CaptureRate),
		WithCaptureLogger(log),
	)

	if err := c.acquire(ctx, l); err != nil {
		return c.abortStart(ctx, l, err)
	}
	if l.provider != providerName {
		l.log = c.log.With("session_id", id, "provider", l.provider)
		span.SetAttributes(attribute.String("session.provider", l.provider))
	}

	// Publishing the session and retiring the pending start happen together
	// so that Stop always finds one of them.
	l.startedAt = time.Now()
	c.mu.Lock()
	c.starting = nil
	canceled := errors.Is(context.Cause(ctx), ErrStartCanceled)
	if !canceled {
		c.live = l
	}
	c.mu.Unlock()
	if canceled {
		return c.abortStart(ctx, l, ErrStartCanceled)
	}
	log = l.log

	sctx, cancel := context.WithCancel(context.Background())
	l.cancel = cancel
	l.sched = NewScheduler(l.out,
		WithPlaybackRate(l.cfg.PlaybackRate),
		WithMaxQueuedLatency(l.cfg.MaxQueuedLatency),
		WithSchedulerMetrics(c.metrics),
		WithSchedulerLogger(log),
	)

	c.metrics.ConnectDuration.Record(ctx, time.Since(began).Seconds())
	c.metrics.ActiveSessions.Add(ctx, 1)
	c.transition(id, StateActive, nil)
	log.Info("session: live", "connect_time", time.Since(began))

	l.tasks.Add(3)
	go func() {
		defer l.tasks.Done()
		c.sendLoop(sctx, l)
	}()
	go func() {
		defer l.tasks.Done()
		l.sched.Run(sctx, l.handle.Audio())
	}()
	go func() {
		defer l.tasks.Done()
		c.transcriptLoop(sctx, l)
	}()
	go c.supervise(l)

	return nil
}

// abortStart releases whatever a failed start acquired and passes the
// controller through Errored back to Idle. It returns the classified error.
func (c *Controller) abortStart(ctx context.Context, l *live, err error) error {
	if errors.Is(context.Cause(ctx), ErrStartCanceled) {
		err = ErrStartCanceled
	}
	c.mu.Lock()
	c.starting = nil
	c.mu.Unlock()

	if rerr := l.release(); rerr != nil {
		l.log.Warn("session: release after failed start", "err", rerr)
	}
	c.metrics.RecordSessionError(ctx, errorKind(err))
	l.log.Error("session: start failed", "err", err)
	c.transition(l.id, StateErrored, err)
	c.transition(l.id, StateIdle, nil)
	return err
}

// acquire claims the microphone, the output device and the transport
// concurrently. Resources obtained before a failure are left in l for the
// caller to release.
func (c *Controller) acquire(ctx context.Context, l *live) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		pctx, cancel := withTimeout(gctx, l.cfg.PermissionTimeout)
		defer cancel()
		return l.capture.Start(pctx, l.enqueue)
	})

	g.Go(func() error {
		out, err := l.cfg.Speaker.Open(gctx, audio.Format{SampleRate: l.cfg.PlaybackRate, Channels: 1})
		if err != nil {
			if cerr := gctx.Err(); cerr != nil {
				return cerr
			}
			return fmt.Errorf("%w: %w", ErrOutputDevice, err)
		}
		l.out = out
		return nil
	})

	g.Go(func() error {
		cctx, cancel := withTimeout(gctx, l.cfg.ConnectTimeout)
		defer cancel()

		err := c.openTransport(cctx, l)
		status := "ok"
		if err != nil {
			status = "error"
		}
		c.metrics.RecordProviderRequest(ctx, l.provider, status)
		return err
	})

	return g.Wait()
}

// openTransport connects and waits for the service to acknowledge setup.
func (c *Controller) openTransport(ctx context.Context, l *live) error {
	h, err := l.cfg.Provider.Connect(ctx, l.cfg.Session)
	if err != nil {
		return connectError(ctx, err)
	}
	l.handle = h
	l.provider = s2s.ServedBy(h, l.provider)

	select {
	case <-h.Opened():
		return nil
	case <-h.Done():
		cause := h.Err()
		if cause == nil {
			cause = errors.New("closed before setup completed")
		}
		return fmt.Errorf("%w: %w", ErrTransportOpen, cause)
	case <-ctx.Done():
		return connectError(ctx, ctx.Err())
	}
}

// connectError classifies a failed transport open. ctx is the context the
// attempt ran under.
func connectError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return fmt.Errorf("%w: transport handshake: %w", ErrTimeout, err)
	case ctx.Err() != nil:
		return ctx.Err()
	default:
		return fmt.Errorf("%w: %w", ErrTransportOpen, err)
	}
}

// withTimeout derives a context bounded by d, or merely cancellable when d
// is zero.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d > 0 {
		return context.WithTimeout(ctx, d)
	}
	return context.WithCancel(ctx)
}

// ── Session tasks ─────────────────────────────────────────────────────────────

// sendLoop forwards captured frames to the transport in capture order. It
// sends nothing once ctx is cancelled.
func (c *Controller) sendLoop(ctx context.Context, l *live) {
	for {
		select {
		case <-ctx.Done():
			return
		case p := <-l.pending:
			if ctx.Err() != nil {
				return
			}
			err := l.handle.Send(p)
			switch {
			case err == nil:
				c.metrics.FramesSent.Add(ctx, 1)
			case errors.Is(err, s2s.ErrSendQueueFull):
				c.metrics.RecordFrameDropped(ctx, observe.DropQueueFull)
			case errors.Is(err, s2s.ErrSessionClosed):
				c.metrics.RecordFrameDropped(ctx, observe.DropClosed)
				return
			default:
				l.log.Warn("session: send failed", "err", err)
			}
		}
	}
}

// transcriptLoop drains the transcript channel so the transport never blocks
// on it, forwarding each transcript to OnTranscript.
func (c *Controller) transcriptLoop(ctx context.Context, l *live) {
	ch := l.handle.Transcripts()
	for {
		select {
		case <-ctx.Done():
			return
		case t, ok := <-ch:
			if !ok {
				return
			}
			if c.onTranscript != nil {
				c.onTranscript(t)
			}
		}
	}
}

// supervise waits for a stop request, the end of the transport or the end
// of capture, then tears the session down and returns to Idle.
func (c *Controller) supervise(l *live) {
	var cause error
	select {
	case <-l.stop:
		l.log.Info("session: stop requested")
	case <-l.handle.Done():
		if err := l.handle.Err(); err != nil {
			cause = fmt.Errorf("%w: %w", ErrTransportRuntime, err)
		} else {
			l.log.Info("session: transport closed by remote")
		}
	case <-l.capture.Done():
		if err := l.capture.Err(); err != nil {
			cause = fmt.Errorf("%w: microphone lost: %w", ErrPermission, err)
		}
	}

	ctx := context.Background()
	if cause != nil {
		c.metrics.RecordSessionError(ctx, errorKind(cause))
		c.metrics.RecordProviderError(ctx, l.provider, errorKind(cause))
		l.log.Error("session: failed", "err", cause)
		c.transition(l.id, StateErrored, cause, StateActive)
	} else {
		c.transition(l.id, StateClosing, nil, StateActive)
	}

	if err := c.teardown(l); err != nil {
		l.log.Warn("session: teardown", "err", err)
	}
	c.metrics.ActiveSessions.Add(ctx, -1)
	c.metrics.SessionDuration.Record(ctx, time.Since(l.startedAt).Seconds())

	c.mu.Lock()
	c.live = nil
	c.mu.Unlock()
	c.transition(l.id, StateIdle, nil)
	l.log.Info("session: ended", "duration", time.Since(l.startedAt))
	close(l.finished)
}

// teardown cancels the session tasks and releases every resource. Capture is
// stopped first so no new frames are produced, and the tasks are joined
// before the transport and output device close so no send or schedule
// happens after it returns.
func (c *Controller) teardown(l *live) error {
	l.cancel()
	var errs []error
	if err := l.capture.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stop capture: %w", err))
	}
	l.tasks.Wait()

	if err := l.closeDevices(); err != nil {
		errs = append(errs, err)
	}
	l.sched.Reset()
	return errors.Join(errs...)
}

// ── Stop and accessors ──────────────────────────────────────────────────────────

// Stop ends the session and waits until teardown has completed or ctx is
// done. A start that is still connecting is aborted and its Start call
// returns [ErrStartCanceled]. Stop is a no-op when the controller is idle and
// safe to call more than once; only the first call triggers a teardown.
func (c *Controller) Stop(ctx context.Context) error {
	for {
		c.mu.Lock()
		l, p := c.live, c.starting
		c.mu.Unlock()

		switch {
		case l != nil:
			l.stopOnce.Do(func() { close(l.stop) })
			select {
			case <-l.finished:
				return nil
			case <-ctx.Done():
				return fmt.Errorf("session: stop: %w", ctx.Err())
			}
		case p != nil:
			p.cancel(ErrStartCanceled)
			select {
			case <-p.done:
				// The start may have gone live just before the cancel.
			case <-ctx.Done():
				return fmt.Errorf("session: stop: %w", ctx.Err())
			}
		default:
			return nil
		}
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Err returns the error that ended the most recent session or start
// attempt, or nil. It is cleared when a new session starts connecting.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Info returns metadata about the active session. Only State is set when no
// session is active.
func (c *Controller) Info() Info {
	c.mu.Lock()
	defer c.mu.Unlock()
	info := Info{State: c.state}
	if l := c.live; l != nil {
		info.SessionID = l.id
		info.Provider = l.provider
		info.StartedAt = l.startedAt
	}
	return info
}

// begin moves an idle controller to Connecting and registers p so that Stop
// can abort the attempt.
func (c *Controller) begin(id string, p *pendingStart) bool {
	return c.move(id, StateConnecting, nil, func() { c.starting = p }, StateIdle)
}

// transition moves the controller to state to and notifies OnStateChange.
// When from is non-empty the move only happens if the current state is one
// of them; the result reports whether it happened.
func (c *Controller) transition(id string, to State, err error, from ...State) bool {
	return c.move(id, to, err, nil, from...)
}

// move implements transition. onMove, if set, runs under mu together with
// the state change.
func (c *Controller) move(id string, to State, err error, onMove func(), from ...State) bool {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()

	c.mu.Lock()
	prev := c.state
	if len(from) > 0 && !slices.Contains(from, prev) {
		c.mu.Unlock()
		return false
	}
	c.state = to
	switch {
	case to == StateConnecting:
		c.err = nil
	case err != nil:
		c.err = err
	}
	if onMove != nil {
		onMove()
	}
	c.mu.Unlock()

	c.log.Debug("session: state", "session_id", id, "from", prev.String(), "to", to.String())
	if c.onState != nil {
		c.onState(StateChange{
			SessionID: id,
			From:      prev,
			To:        to,
			Err:       err,
			At:        time.Now(),
		})
	}
	return true
}
