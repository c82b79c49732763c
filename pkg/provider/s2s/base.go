package s2s

import (
	"sync"

	"github.com/MrWong99/voxlive/pkg/audio"
)

// SessionBase carries the lifecycle bookkeeping every [SessionHandle]
// implementation needs: the outbound queue, the Opened and Done signals, the
// connection state and the terminal error. Implementations embed it and
// drive it from their read and write loops.
//
// The zero value is not usable; create one with [NewSessionBase].
type SessionBase struct {
	outbox chan audio.EncodedPayload
	opened chan struct{}
	done   chan struct{}

	mu      sync.Mutex
	state   ConnectionState
	err     error
	closing bool
}

// NewSessionBase returns a base in [StateConnecting] whose outbound queue
// holds sendBuffer frames (or [DefaultSendBuffer] when sendBuffer <= 0).
func NewSessionBase(sendBuffer int) *SessionBase {
	if sendBuffer <= 0 {
		sendBuffer = DefaultSendBuffer
	}
	return &SessionBase{
		outbox: make(chan audio.EncodedPayload, sendBuffer),
		opened: make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Send implements the queueing half of [SessionHandle.Send].
func (b *SessionBase) Send(p audio.EncodedPayload) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing || b.state.Terminal() {
		return ErrSessionClosed
	}
	select {
	case b.outbox <- p:
		return nil
	default:
		return ErrSendQueueFull
	}
}

// Outbox returns the queue of frames awaiting transmission. A single writer
// goroutine must consume it.
func (b *SessionBase) Outbox() <-chan audio.EncodedPayload { return b.outbox }

// Opened implements [SessionHandle.Opened].
func (b *SessionBase) Opened() <-chan struct{} { return b.opened }

// Done implements [SessionHandle.Done].
func (b *SessionBase) Done() <-chan struct{} { return b.done }

// Err implements [SessionHandle.Err].
func (b *SessionBase) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// State implements [SessionHandle.State].
func (b *SessionBase) State() ConnectionState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// MarkOpen moves the session from connecting to open and closes Opened. It
// reports false when the session was not connecting.
func (b *SessionBase) MarkOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != StateConnecting || b.closing {
		return false
	}
	b.state = StateOpen
	close(b.opened)
	return true
}

// BeginClose records a local close request. It reports true only for the
// first call, which the caller uses to make Close idempotent. After
// BeginClose, Send fails and [SessionBase.Fail] is ignored.
func (b *SessionBase) BeginClose() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closing {
		return false
	}
	b.closing = true
	return true
}

// Closing reports whether [SessionBase.BeginClose] has been called.
func (b *SessionBase) Closing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// Fail records err as the cause of the session's end and moves it to
// [StateErrored]. Only the first failure is kept. Failures observed after a
// local close or after the session has ended are ignored, since they are the
// expected result of tearing the connection down. Fail reports whether err
// was recorded.
func (b *SessionBase) Fail(err error) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err == nil || b.closing || b.state.Terminal() {
		return false
	}
	b.err = err
	b.state = StateErrored
	return true
}

// Finish ends the session: the state becomes [StateClosed] unless a failure
// was recorded, and Done is closed. Only the first call has an effect.
func (b *SessionBase) Finish() {
	b.mu.Lock()
	defer b.mu.Unlock()
	select {
	case <-b.done:
		return
	default:
	}
	if b.state != StateErrored {
		b.state = StateClosed
	}
	close(b.done)
}
