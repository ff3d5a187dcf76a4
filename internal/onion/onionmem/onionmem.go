// Package onionmem provides an in-process onion.Stream pair: two ends of a
// bidirectional framed pipe, used by tests and by same-process clients. The
// real circuit transport terminates in the same Stream shape.
package onionmem

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/orionmesh/relay/internal/onion"
)

// frameDepth bounds each direction's in-flight frame queue.
const frameDepth = 64

var ErrStreamFull = errors.New("onionmem: outbound frame queue full")

type end struct {
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once *sync.Once
}

// Pipe returns two connected streams: frames written on one are read on the
// other. Closing either end closes both directions.
func Pipe() (a, b onion.Stream) {
	ab := make(chan []byte, frameDepth)
	ba := make(chan []byte, frameDepth)
	done := make(chan struct{})
	once := &sync.Once{}
	return &end{in: ba, out: ab, done: done, once: once},
		&end{in: ab, out: ba, done: done, once: once}
}

// ReadFrame blocks until a frame arrives, the context is cancelled, or the
// pipe is closed.
func (e *end) ReadFrame(ctx context.Context) ([]byte, error) {
	select {
	case frame := <-e.in:
		return frame, nil
	case <-e.done:
		// Drain frames queued before the close.
		select {
		case frame := <-e.in:
			return frame, nil
		default:
			return nil, io.EOF
		}
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// WriteFrame queues one frame for the other end, failing rather than
// blocking when the queue is full.
func (e *end) WriteFrame(frame []byte) error {
	buf := append([]byte(nil), frame...)
	select {
	case <-e.done:
		return io.ErrClosedPipe
	default:
	}
	select {
	case e.out <- buf:
		return nil
	default:
		return ErrStreamFull
	}
}

// Close tears the pipe down for both ends.
func (e *end) Close() error {
	e.once.Do(func() { close(e.done) })
	return nil
}
