package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/internal/frame"
)

// DefaultDialTimeout bounds a single dial attempt
const DefaultDialTimeout = 30 * time.Second

// TCP is a Transport over a TCP or TLS stream
type TCP struct {
	addr        string
	tlsConfig   *tls.Config
	dialTimeout time.Duration
	retries     uint64
	negotiator  Negotiator
	logger      *zap.Logger

	conn      net.Conn
	reader    *frame.Reader
	writer    *frame.Writer
	closeOnce sync.Once
	closeErr  error
}

// TCPOption configures a TCP transport
type TCPOption func(*TCP)

// WithTLS wraps the stream in TLS
func WithTLS(cfg *tls.Config) TCPOption {
	return func(t *TCP) {
		t.tlsConfig = cfg
	}
}

// WithDialTimeout bounds each dial attempt
func WithDialTimeout(d time.Duration) TCPOption {
	return func(t *TCP) {
		t.dialTimeout = d
	}
}

// WithDialRetries retries failed dials with exponential backoff
func WithDialRetries(n uint64) TCPOption {
	return func(t *TCP) {
		t.retries = n
	}
}

// WithNegotiator runs n after connecting and before AMQP framing
func WithNegotiator(n Negotiator) TCPOption {
	return func(t *TCP) {
		t.negotiator = n
	}
}

// WithLogger sets the transport logger
func WithLogger(l *zap.Logger) TCPOption {
	return func(t *TCP) {
		t.logger = l
	}
}

// NewTCP creates an unconnected transport for addr (host:port)
func NewTCP(addr string, opts ...TCPOption) *TCP {
	t := &TCP{
		addr:        addr,
		dialTimeout: DefaultDialTimeout,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// NewConnTransport wraps an already established connection
func NewConnTransport(conn net.Conn, opts ...TCPOption) *TCP {
	t := NewTCP(conn.RemoteAddr().String(), opts...)
	t.attach(conn)
	return t
}

func (t *TCP) attach(conn net.Conn) {
	t.conn = conn
	t.reader = frame.NewReader(conn, 0)
	t.writer = frame.NewWriter(conn, 0)
}

// Connect dials the peer, retrying with exponential backoff when configured
func (t *TCP) Connect(ctx context.Context) error {
	if t.conn != nil {
		return nil
	}

	dial := func() (net.Conn, error) {
		d := &net.Dialer{Timeout: t.dialTimeout}
		if t.tlsConfig != nil {
			td := &tls.Dialer{NetDialer: d, Config: t.tlsConfig}
			return td.DialContext(ctx, "tcp", t.addr)
		}
		return d.DialContext(ctx, "tcp", t.addr)
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(backoff.NewExponentialBackOff(), t.retries), ctx)
	notify := func(err error, next time.Duration) {
		t.logger.Warn("dial failed, retrying",
			zap.String("addr", t.addr), zap.Duration("backoff", next), zap.Error(err))
	}

	conn, err := backoff.RetryNotifyWithData[net.Conn](dial, policy, notify)
	if err != nil {
		return fmt.Errorf("dial %s: %w", t.addr, err)
	}

	t.attach(conn)
	t.logger.Debug("transport connected", zap.String("addr", t.addr), zap.Bool("tls", t.tlsConfig != nil))
	return nil
}

// Negotiate runs the configured negotiator, if any
func (t *TCP) Negotiate(ctx context.Context) error {
	if t.conn == nil {
		return fmt.Errorf("negotiate: %w", ErrClosed)
	}
	if t.negotiator == nil {
		return nil
	}
	if err := t.negotiator.Negotiate(ctx, t.conn); err != nil {
		return fmt.Errorf("negotiate: %w", err)
	}
	return nil
}

// SendFrame writes one frame
func (t *TCP) SendFrame(ctx context.Context, f *frame.Frame) error {
	if t.conn == nil {
		return fmt.Errorf("send %s: %w", f.Kind(), ErrClosed)
	}

	deadline, _ := ctx.Deadline()
	if err := t.conn.SetWriteDeadline(deadline); err != nil {
		return t.classify(err)
	}
	if err := t.writer.WriteFrame(f); err != nil {
		if errors.Is(err, frame.ErrFrameTooLarge) {
			return err
		}
		return t.classify(err)
	}
	return nil
}

// ReceiveFrame reads one frame within the wait policy
func (t *TCP) ReceiveFrame(ctx context.Context, wait Wait) (*frame.Frame, error) {
	if t.conn == nil {
		return nil, fmt.Errorf("receive: %w", ErrClosed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	deadline, bounded := wait.Deadline(time.Now())
	if ctxDeadline, ok := ctx.Deadline(); ok && (!bounded || ctxDeadline.Before(deadline)) {
		deadline, bounded = ctxDeadline, true
	}
	if !bounded {
		deadline = time.Time{}
	}
	if err := t.conn.SetReadDeadline(deadline); err != nil {
		return nil, t.classify(err)
	}

	// Cancelling ctx interrupts a blocked read by moving the deadline.
	stop := context.AfterFunc(ctx, func() {
		_ = t.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	f, err := t.reader.ReadFrame()
	if err == nil {
		return f, nil
	}

	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, nil
	}
	if errors.Is(err, frame.ErrMalformedFrame) || errors.Is(err, frame.ErrFrameTooLarge) {
		return nil, err
	}
	return nil, t.classify(err)
}

// ReceiveFrameBatch reads up to n frames
func (t *TCP) ReceiveFrameBatch(ctx context.Context, n int, wait Wait) ([]*frame.Frame, error) {
	return receiveBatch(ctx, t, n, wait)
}

func receiveBatch(ctx context.Context, t Transport, n int, wait Wait) ([]*frame.Frame, error) {
	if n <= 0 {
		n = 1
	}

	var frames []*frame.Frame
	for len(frames) < n {
		f, err := t.ReceiveFrame(ctx, wait)
		if err != nil {
			return frames, err
		}
		if f == nil {
			break
		}
		frames = append(frames, f)
		wait = NoWait
	}
	return frames, nil
}

// SetMaxFrameSize applies negotiated frame limits
func (t *TCP) SetMaxFrameSize(incoming, outgoing uint32) {
	if t.reader != nil {
		t.reader.SetMaxFrameSize(incoming)
	}
	if t.writer != nil {
		t.writer.SetMaxFrameSize(outgoing)
	}
}

// Close closes the stream
func (t *TCP) Close() error {
	t.closeOnce.Do(func() {
		if t.conn != nil {
			t.closeErr = t.conn.Close()
			t.logger.Debug("transport closed", zap.String("addr", t.addr))
		}
	})
	return t.closeErr
}

func (t *TCP) classify(err error) error {
	return fmt.Errorf("%w: %v", ErrClosed, err)
}
