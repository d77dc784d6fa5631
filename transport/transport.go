// Package transport defines the byte level link to one wheel and the registry of backends that
// implement it.
//
// A Transport moves already encrypted frames. It stuffs outgoing frames for the air and delivers
// incoming frames destuffed and whole, but never encrypts, decrypts or retries.
package transport

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// Mode is how a backend delivers inbound frames.
type Mode int

const (
	// ModeNotify backends push frames as the wheel emits them.
	ModeNotify Mode = iota
	// ModePoll backends only yield frames when the caller asks.
	ModePoll
)

func (m Mode) String() string {
	if m == ModeNotify {
		return "notify"
	}
	return "poll"
}

// FrameHandler receives one destuffed frame. It is called from the backend's receive goroutine
// and must not block.
type FrameHandler func(frame []byte)

// Transport is an asynchronous byte link to a single wheel. Callers must not issue concurrent
// Sends.
type Transport interface {
	// Connect opens the link and discovers the command and status channels.
	Connect(ctx context.Context, address string) error
	// Send writes one frame.
	Send(ctx context.Context, frame []byte) error
	// Receive waits up to timeout for the next inbound frame. It returns ErrReceiveTimeout when
	// none arrived.
	Receive(ctx context.Context, timeout time.Duration) ([]byte, error)
	// Subscribe routes every later inbound frame to handler instead of Receive. Poll backends
	// return ErrNotifyUnsupported.
	Subscribe(handler FrameHandler) error
	// Disconnect closes the link. It is safe to call on a closed link.
	Disconnect(ctx context.Context) error
	// Disconnected is closed when the current link goes down for any reason.
	Disconnected() <-chan struct{}
	Mode() Mode
}

var (
	// ErrReceiveTimeout is returned by Receive when no frame arrived in time.
	ErrReceiveTimeout = errors.New("no frame received before timeout")
	// ErrNotifyUnsupported is returned by Subscribe on poll only backends.
	ErrNotifyUnsupported = errors.New("transport does not push frames")
)

// Signal is a resettable "link down" notification.
type Signal struct {
	mu     sync.Mutex
	ch     chan struct{}
	closed bool
}

// NewSignal returns a Signal that has already fired, matching a link that was never opened.
func NewSignal() *Signal {
	s := &Signal{ch: make(chan struct{})}
	s.Fire()
	return s
}

// Arm replaces a fired signal with a fresh one for a new link.
func (s *Signal) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		s.ch = make(chan struct{})
		s.closed = false
	}
}

// Fire closes the current channel. It reports whether this call closed it.
func (s *Signal) Fire() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	close(s.ch)
	s.closed = true
	return true
}

// Done returns the channel for the current link.
func (s *Signal) Done() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ch
}

// Fired reports whether the current link is down.
func (s *Signal) Fired() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
