// Package mock provides test doubles for the s2s package interfaces.
//
// Use Provider to verify Connect calls and hand out scripted sessions. Use
// Session to play the remote service: acknowledge setup with Open, push
// inbound audio with Deliver, and end the connection with Fail or
// CloseRemote. Frames passed to Send are recorded once the session is open,
// in the order a real transport would transmit them.
//
// Example:
//
//	p := &mock.Provider{}
//	handle, _ := p.Connect(ctx, cfg)
//	sess := p.LastSession()
//	sess.Open()
//	sess.Deliver(audio.EncodeFrameRate(samples, 24000))
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/voxlive/pkg/audio"
	"github.com/MrWong99/voxlive/pkg/provider/s2s"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Cfg is the SessionConfig passed to Connect.
	Cfg s2s.SessionConfig
}

// Provider is a mock implementation of s2s.Provider.
type Provider struct {
	mu sync.Mutex

	// ProviderName is returned by Name. Defaults to "mock".
	ProviderName string

	// Session is returned by Connect when non-nil. Otherwise every Connect
	// creates a fresh Session.
	Session *Session

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// Block makes Connect wait until its context is done and return the
	// context error, simulating an unreachable service.
	Block bool

	// OnConnect, if set, runs after a successful Connect with the new session.
	// Tests use it to script the remote side, e.g. calling Open.
	OnConnect func(*Session)

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	sessions []*Session
}

// Connect records the call and returns a scripted session.
func (p *Provider) Connect(ctx context.Context, cfg s2s.SessionConfig) (s2s.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Cfg: cfg})
	block, connectErr := p.Block, p.ConnectErr
	p.mu.Unlock()

	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if connectErr != nil {
		return nil, connectErr
	}

	p.mu.Lock()
	sess := p.Session
	if sess == nil {
		sess = NewSession(cfg.SendBuffer)
	}
	p.sessions = append(p.sessions, sess)
	hook := p.OnConnect
	p.mu.Unlock()

	if hook != nil {
		hook(sess)
	}
	return sess, nil
}

// Name implements s2s.Provider.
func (p *Provider) Name() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ProviderName == "" {
		return "mock"
	}
	return p.ProviderName
}

// LastSession returns the session handed out by the most recent successful
// Connect, or nil.
func (p *Provider) LastSession() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.sessions) == 0 {
		return nil
	}
	return p.sessions[len(p.sessions)-1]
}

// ConnectCount returns the number of Connect calls.
func (p *Provider) ConnectCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.ConnectCalls)
}

// ─── Session ─────────────────────────────────────────────────────────────────

// Session is a scripted s2s.SessionHandle.
type Session struct {
	*s2s.SessionBase

	audioCh     chan audio.EncodedPayload
	transcripts chan s2s.Transcript

	ctx    context.Context
	cancel context.CancelFunc
	writer sync.WaitGroup

	// deliverMu serialises inbound deliveries with closing the channels.
	deliverMu sync.Mutex
	ended     bool

	mu         sync.Mutex
	sent       []audio.EncodedPayload
	sentCh     chan struct{}
	closeCount int
}

// NewSession returns a connecting session whose send queue holds sendBuffer
// frames (see [s2s.NewSessionBase]).
func NewSession(sendBuffer int) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Session{
		SessionBase: s2s.NewSessionBase(sendBuffer),
		audioCh:     make(chan audio.EncodedPayload, 64),
		transcripts: make(chan s2s.Transcript, 16),
		ctx:         ctx,
		cancel:      cancel,
		sentCh:      make(chan struct{}, 1),
	}
	s.writer.Add(1)
	go s.writeLoop()
	return s
}

// writeLoop records queued frames once the session is open, mimicking the
// single writer of a real transport.
func (s *Session) writeLoop() {
	defer s.writer.Done()
	select {
	case <-s.Opened():
	case <-s.ctx.Done():
		return
	}
	for {
		select {
		case <-s.ctx.Done():
			return
		case p := <-s.Outbox():
			s.mu.Lock()
			s.sent = append(s.sent, p)
			s.mu.Unlock()
			select {
			case s.sentCh <- struct{}{}:
			default:
			}
		}
	}
}

// Open simulates the service acknowledging setup.
func (s *Session) Open() { s.MarkOpen() }

// Deliver pushes an inbound audio payload. It reports false when the session
// has ended.
func (s *Session) Deliver(p audio.EncodedPayload) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.audioCh <- p:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// DeliverTranscript pushes an inbound transcript. It reports false when the
// session has ended.
func (s *Session) DeliverTranscript(t s2s.Transcript) bool {
	s.deliverMu.Lock()
	defer s.deliverMu.Unlock()
	if s.ended {
		return false
	}
	select {
	case s.transcripts <- t:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// Fail ends the session with err, as a dropped connection would.
func (s *Session) Fail(err error) {
	s.SessionBase.Fail(err)
	s.end()
}

// CloseRemote ends the session cleanly from the service side.
func (s *Session) CloseRemote() { s.end() }

// end stops the writer, closes the inbound channels and closes Done. Only
// the first call has an effect.
func (s *Session) end() {
	s.cancel()
	s.writer.Wait()

	s.deliverMu.Lock()
	if s.ended {
		s.deliverMu.Unlock()
		return
	}
	s.ended = true
	close(s.audioCh)
	close(s.transcripts)
	s.deliverMu.Unlock()

	s.Finish()
}

// Audio implements s2s.SessionHandle.
func (s *Session) Audio() <-chan audio.EncodedPayload { return s.audioCh }

// Transcripts implements s2s.SessionHandle.
func (s *Session) Transcripts() <-chan s2s.Transcript { return s.transcripts }

// Close implements s2s.SessionHandle. It counts every call.
func (s *Session) Close() error {
	s.mu.Lock()
	s.closeCount++
	s.mu.Unlock()

	s.BeginClose()
	s.end()
	return nil
}

// CloseCount returns how many times Close was called.
func (s *Session) CloseCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closeCount
}

// Sent returns a copy of every transmitted frame in order.
func (s *Session) Sent() []audio.EncodedPayload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]audio.EncodedPayload(nil), s.sent...)
}

// WaitSent blocks until at least n frames were transmitted or timeout
// elapses, and returns the frames transmitted so far.
func (s *Session) WaitSent(n int, timeout time.Duration) []audio.EncodedPayload {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if got := s.Sent(); len(got) >= n {
			return got
		}
		select {
		case <-s.sentCh:
		case <-deadline.C:
			return s.Sent()
		}
	}
}

var (
	_ s2s.Provider      = (*Provider)(nil)
	_ s2s.SessionHandle = (*Session)(nil)
)
