// Package stream provides the bounded producer/consumer channel a source
// adapter's Generate call feeds into, giving backpressure for free: a slow
// destination stalls the channel, which stalls Throttle-gated Generate
// calls upstream, without any explicit rate coordination between the two
// sides.
package stream

import (
	"context"
	"fmt"
	"sync"

	"github.com/evalgo/airweave-sync/entity"
)

// Envelope carries one entity plus the error, if any, its production hit.
// Errors flow through the same channel as data so a single reader can
// observe both without a second error channel racing the close of the
// first.
type Envelope struct {
	Entity entity.Entity
	Err    error
}

// Stream is a bounded, single-producer, multi-consumer channel of
// entities. Send blocks when the buffer is full, providing backpressure.
type Stream struct {
	ch     chan Envelope
	closed chan struct{}
	once   sync.Once
}

// New creates a stream with the given buffer size. A size of 0 makes Send
// synchronous with Recv, matching the reference queue's blocking dequeue
// behavior at the cost of throughput.
func New(bufferSize int) *Stream {
	return &Stream{
		ch:     make(chan Envelope, bufferSize),
		closed: make(chan struct{}),
	}
}

// Send pushes an entity onto the stream, blocking until a consumer makes
// room or ctx is canceled.
func (s *Stream) Send(ctx context.Context, e entity.Entity) error {
	select {
	case <-s.closed:
		return fmt.Errorf("stream: send on closed stream")
	default:
	}
	select {
	case s.ch <- Envelope{Entity: e}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("stream: send canceled: %w", ctx.Err())
	case <-s.closed:
		return fmt.Errorf("stream: send on closed stream")
	}
}

// SendError pushes a production error onto the stream so the consumer can
// decide whether to abort the whole sync job or skip the offending entity.
func (s *Stream) SendError(ctx context.Context, err error) error {
	select {
	case <-s.closed:
		return fmt.Errorf("stream: send on closed stream")
	default:
	}
	select {
	case s.ch <- Envelope{Err: err}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.closed:
		return fmt.Errorf("stream: send on closed stream")
	}
}

// Close signals no more entities will be sent. Safe to call more than
// once.
func (s *Stream) Close() {
	s.once.Do(func() {
		close(s.ch)
		close(s.closed)
	})
}

// Recv returns the receive-only channel consumers range over. The channel
// closes once Close has been called and every buffered envelope has been
// drained.
func (s *Stream) Recv() <-chan Envelope {
	return s.ch
}
