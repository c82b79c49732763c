package resilience

import (
	"context"
	"errors"
	"strings"

	"github.com/MrWong99/voxlive/internal/observe"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// S2SFallback implements [s2s.Provider] with failover across several
// speech-to-speech backends. Only Connect is covered: once a session is
// handed out, a runtime failure ends that session and is not retried.
type S2SFallback struct {
	group   *FallbackGroup[s2s.Provider]
	metrics *observe.Metrics
}

var (
	_ s2s.Provider   = (*S2SFallback)(nil)
	_ s2s.Attributed = (*servedHandle)(nil)
)

// NewS2SFallback creates an [S2SFallback] with primary as the preferred
// backend. Connect failures are recorded on metrics when it is non-nil.
func NewS2SFallback(primary s2s.Provider, cfg FallbackConfig, metrics *observe.Metrics) *S2SFallback {
	return &S2SFallback{
		group:   NewFallbackGroup(primary, primary.Name(), cfg),
		metrics: metrics,
	}
}

// AddFallback registers p to be tried after the previously added providers.
func (f *S2SFallback) AddFallback(p s2s.Provider) {
	f.group.AddFallback(p.Name(), p)
}

// Name lists the backends in failover order, e.g. "gemini-live,genai".
func (f *S2SFallback) Name() string {
	return strings.Join(f.group.Names(), ",")
}

// errClosedBeforeSetup is the failure recorded for a backend that closed the
// connection cleanly before acknowledging the session setup.
var errClosedBeforeSetup = errors.New("closed before setup completed")

// Connect opens a session on the first healthy backend. Unlike a single
// provider it waits for the backend to acknowledge the session setup, so a
// backend that accepts the connection and then rejects the setup (bad key,
// unknown model) counts against its breaker and the next backend is tried.
// ctx bounds the whole handshake.
//
// The returned handle implements [s2s.Attributed] and reports the backend
// that serves the session.
func (f *S2SFallback) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	h, name, err := ExecuteWithResult(ctx, f.group, func(p s2s.Provider) (s2s.SessionHandle, error) {
		h, err := f.open(ctx, p, cfg)
		if err != nil && ctx.Err() == nil && f.metrics != nil {
			f.metrics.RecordProviderError(ctx, p.Name(), "connect")
		}
		return h, err
	})
	if err != nil {
		return nil, err
	}
	return &servedHandle{SessionHandle: h, provider: name}, nil
}

// open connects to p and waits until the session is open. A handle that
// ends or outlives ctx before opening is closed.
func (f *S2SFallback) open(ctx context.Context, p s2s.Provider, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	h, err := p.Connect(ctx, cfg)
	if err != nil {
		return nil, err
	}
	select {
	case <-h.Opened():
		return h, nil
	case <-h.Done():
		cause := h.Err()
		if cause == nil {
			cause = errClosedBeforeSetup
		}
		_ = h.Close()
		return nil, cause
	case <-ctx.Done():
		_ = h.Close()
		return nil, ctx.Err()
	}
}

// servedHandle tags a session with the backend that opened it.
type servedHandle struct {
	s2s.SessionHandle
	provider string
}

func (h *servedHandle) ProviderName() string { return h.provider }

// Available returns [ErrCircuitOpen] when every backend's breaker is open,
// meaning the next Connect would fail without dialling.
func (f *S2SFallback) Available() error {
	for _, name := range f.group.Names() {
		if f.group.Breaker(name).State() != StateOpen {
			return nil
		}
	}
	return ErrCircuitOpen
}
