// Package transport moves AMQP frames over a byte stream.
package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/israelio/amqp10-go-client/internal/frame"
)

// ErrClosed is returned once the peer or the local side closed the stream
var ErrClosed = errors.New("transport closed")

// noWaitPoll bounds a non-blocking read. A deadline already in the past
// would fail the read before any buffered bytes are looked at.
const noWaitPoll = time.Millisecond

type waitMode uint8

const (
	waitNone waitMode = iota
	waitForever
	waitDeadline
)

// Wait selects how long a read may block
type Wait struct {
	mode    waitMode
	timeout time.Duration
}

var (
	// NoWait returns immediately when no frame is available
	NoWait = Wait{mode: waitNone}
	// WaitForever blocks until a frame arrives or the stream closes
	WaitForever = Wait{mode: waitForever}
)

// WaitFor blocks for at most d. A non-positive d is NoWait.
func WaitFor(d time.Duration) Wait {
	if d <= 0 {
		return NoWait
	}
	return Wait{mode: waitDeadline, timeout: d}
}

// IsNone reports whether the policy never blocks
func (w Wait) IsNone() bool {
	return w.mode == waitNone
}

// Forever reports whether the policy blocks without a deadline
func (w Wait) Forever() bool {
	return w.mode == waitForever
}

// Timeout returns the bounded wait, if any
func (w Wait) Timeout() (time.Duration, bool) {
	return w.timeout, w.mode == waitDeadline
}

// Deadline returns the absolute deadline for the policy starting at now.
// The second result is false for WaitForever.
func (w Wait) Deadline(now time.Time) (time.Time, bool) {
	switch w.mode {
	case waitNone:
		return now.Add(noWaitPoll), true
	case waitDeadline:
		return now.Add(w.timeout), true
	default:
		return time.Time{}, false
	}
}

func (w Wait) String() string {
	switch w.mode {
	case waitNone:
		return "no-wait"
	case waitForever:
		return "forever"
	default:
		return fmt.Sprintf("wait(%s)", w.timeout)
	}
}

// Transport is the framed byte stream a connection drives. Implementations
// are used from a single goroutine at a time.
type Transport interface {
	// Connect establishes the underlying stream
	Connect(ctx context.Context) error
	// Negotiate runs any pre-AMQP exchange (TLS or SASL layers)
	Negotiate(ctx context.Context) error
	// SendFrame writes one frame
	SendFrame(ctx context.Context, f *frame.Frame) error
	// ReceiveFrame reads one frame. It returns (nil, nil) when the wait
	// elapses without a complete frame, and an error wrapping ErrClosed once
	// the stream is gone.
	ReceiveFrame(ctx context.Context, wait Wait) (*frame.Frame, error)
	// ReceiveFrameBatch reads up to n frames. Only the first read honours
	// wait; the rest do not block.
	ReceiveFrameBatch(ctx context.Context, n int, wait Wait) ([]*frame.Frame, error)
	// SetMaxFrameSize applies negotiated frame limits
	SetMaxFrameSize(incoming, outgoing uint32)
	// Close releases the stream. It is safe to call more than once.
	Close() error
}

// Negotiator performs an exchange on the raw connection before AMQP framing
// starts, such as SASL authentication
type Negotiator interface {
	Negotiate(ctx context.Context, conn net.Conn) error
}

// NegotiatorFunc adapts a function to Negotiator
type NegotiatorFunc func(ctx context.Context, conn net.Conn) error

// Negotiate implements Negotiator
func (f NegotiatorFunc) Negotiate(ctx context.Context, conn net.Conn) error {
	return f(ctx, conn)
}
