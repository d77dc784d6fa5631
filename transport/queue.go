package transport

import (
	"context"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/atomic"

	"github.com/wheelctl/m25/wire"
)

// DefaultQueueCapacity bounds the frames buffered for Receive.
const DefaultQueueCapacity = 16

// FrameQueue reassembles frames from raw stream or notification bytes and hands them to either
// a subscribed handler or a bounded queue drained by Receive. Backends share it so every one of
// them treats fragmentation, noise and overflow alike.
type FrameQueue struct {
	mu       sync.Mutex
	deframer wire.Deframer
	handler  FrameHandler

	frames   chan []byte
	overflow atomic.Int64
	clock    clock.Clock
}

// NewFrameQueue returns a queue holding at most capacity frames.
func NewFrameQueue(capacity int, clk clock.Clock) *FrameQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	if clk == nil {
		clk = clock.New()
	}
	return &FrameQueue{frames: make(chan []byte, capacity), clock: clk}
}

// Feed consumes raw bytes as they came off the link.
func (q *FrameQueue) Feed(p []byte) {
	q.mu.Lock()
	frames := q.deframer.Write(p)
	handler := q.handler
	q.mu.Unlock()

	for _, frame := range frames {
		if handler != nil {
			handler(frame)
			continue
		}
		select {
		case q.frames <- frame:
		default:
			q.overflow.Inc()
		}
	}
}

// SetHandler routes later frames to handler. A nil handler restores queueing.
func (q *FrameQueue) SetHandler(handler FrameHandler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handler = handler
}

// Receive waits for the next queued frame.
func (q *FrameQueue) Receive(ctx context.Context, timeout time.Duration) ([]byte, error) {
	select {
	case frame := <-q.frames:
		return frame, nil
	default:
	}
	if timeout <= 0 {
		return nil, ErrReceiveTimeout
	}

	timer := q.clock.Timer(timeout)
	defer timer.Stop()
	select {
	case frame := <-q.frames:
		return frame, nil
	case <-timer.C:
		return nil, ErrReceiveTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reset drops partial and queued frames and removes the handler, ready for a new link.
func (q *FrameQueue) Reset() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.deframer.Reset()
	q.handler = nil
	for {
		select {
		case <-q.frames:
		default:
			return
		}
	}
}

// Dropped counts frames lost to overflow plus malformed candidates discarded while
// reassembling.
func (q *FrameQueue) Dropped() int64 {
	q.mu.Lock()
	malformed := q.deframer.Dropped()
	q.mu.Unlock()
	return q.overflow.Load() + int64(malformed)
}
