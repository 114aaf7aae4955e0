package amqp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
	"github.com/israelio/amqp10-go-client/internal/transport"
	"github.com/israelio/amqp10-go-client/internal/util"
)

// Connection is an AMQP 1.0 connection. It is driven by its caller: frames
// are only read inside Open, Close, Listen and the other waiting calls, so a
// Connection and everything it owns must be used from one goroutine at a
// time. State getters are safe to call from anywhere.
type Connection struct {
	cfg          connectionConfig
	endpoint     *Endpoint
	logger       *zap.Logger
	metrics      MetricsCollector
	errorHandler ErrorHandler
	clock        clock.Clock
	transport    Transport

	state atomic.Int32

	// Negotiated
	remoteOpen             *frame.Open
	remoteIdleSendInterval time.Duration
	remoteErr              *Error

	lastFrameSent     time.Time
	lastFrameReceived time.Time

	// Sessions live in one arena; the channel tables map to arena ids
	sessions      map[uint32]*Session
	nextSessionID uint32
	outgoing      map[uint16]uint32
	incoming      map[uint16]uint32
	channels      *util.IntAllocator
}

// NewConnection creates a connection to the endpoint URI. The endpoint may
// be empty when a transport is supplied with WithTransport.
func NewConnection(endpoint string, opts ...Option) (*Connection, error) {
	cfg := defaultConnectionConfig()

	var ep *Endpoint
	if endpoint != "" {
		var err error
		if ep, err = ParseEndpoint(endpoint); err != nil {
			return nil, err
		}
		cfg.hostname = ep.Host
		cfg.tlsConfig = ep.TLS
		if ep.MaxFrameSize != 0 {
			cfg.maxFrameSize = ep.MaxFrameSize
		}
		if ep.ChannelMax != 0 {
			cfg.channelMax = ep.ChannelMax
		}
		if ep.IdleTimeout != 0 {
			cfg.idleTimeout = ep.IdleTimeout
		}
	}

	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid connection configuration: %w", err)
	}
	if ep == nil && cfg.transport == nil {
		return nil, errors.New("invalid connection configuration: no endpoint or transport")
	}

	if cfg.containerID == "" {
		cfg.containerID = uuid.NewString()
	}
	if cfg.logger == nil {
		cfg.logger = zap.NewNop()
	}
	if cfg.metrics == nil {
		cfg.metrics = NewNoOpMetricsCollector()
	}
	if cfg.clock == nil {
		cfg.clock = clock.New()
	}

	logger := cfg.logger.With(zap.String("container_id", cfg.containerID))
	if cfg.errorHandler == nil {
		cfg.errorHandler = &DefaultErrorHandler{Logger: logger}
	}

	t := cfg.transport
	if t == nil {
		tcpOpts := []transport.TCPOption{
			transport.WithDialRetries(cfg.dialRetries),
			transport.WithDialTimeout(cfg.dialTimeout),
			transport.WithLogger(logger.Named("transport")),
		}
		if cfg.tlsConfig != nil {
			tcpOpts = append(tcpOpts, transport.WithTLS(cfg.tlsConfig))
		}
		if cfg.negotiator != nil {
			tcpOpts = append(tcpOpts, transport.WithNegotiator(cfg.negotiator))
		}
		t = transport.NewTCP(ep.Addr(), tcpOpts...)
	}

	c := &Connection{
		cfg:          cfg,
		endpoint:     ep,
		logger:       logger,
		metrics:      cfg.metrics,
		errorHandler: cfg.errorHandler,
		clock:        cfg.clock,
		transport:    t,
		sessions:     make(map[uint32]*Session),
		outgoing:     make(map[uint16]uint32),
		incoming:     make(map[uint16]uint32),
		channels:     util.NewIntAllocator(1, int(cfg.channelMax)-1),
	}
	return c, nil
}

// GetState returns the current connection state
func (c *Connection) GetState() ConnectionState {
	return ConnectionState(c.state.Load())
}

// IsClosed returns whether the connection reached its terminal state
func (c *Connection) IsClosed() bool {
	return c.GetState() == StateEnd
}

// ContainerID returns the local container id
func (c *Connection) ContainerID() string {
	return c.cfg.containerID
}

// RemoteContainerID returns the peer's container id once its Open arrived
func (c *Connection) RemoteContainerID() string {
	if c.remoteOpen == nil {
		return ""
	}
	return c.remoteOpen.ContainerID
}

// RemoteProperties returns the connection properties sent by the peer
func (c *Connection) RemoteProperties() Fields {
	if c.remoteOpen == nil {
		return nil
	}
	return c.remoteOpen.Properties
}

// RemoteOfferedCapabilities returns the capabilities offered by the peer
func (c *Connection) RemoteOfferedCapabilities() []Symbol {
	if c.remoteOpen == nil {
		return nil
	}
	return c.remoteOpen.OfferedCapabilities
}

// RemoteMaxFrameSize returns the peer's max frame size, 0 before Open
func (c *Connection) RemoteMaxFrameSize() uint32 {
	if c.remoteOpen == nil {
		return 0
	}
	return c.remoteOpen.MaxFrameSize
}

// RemoteChannelMax returns the peer's highest channel number, 0 before Open
func (c *Connection) RemoteChannelMax() uint16 {
	if c.remoteOpen == nil {
		return 0
	}
	return c.remoteOpen.ChannelMax
}

// RemoteIdleTimeout returns the idle timeout advertised by the peer
func (c *Connection) RemoteIdleTimeout() time.Duration {
	if c.remoteOpen == nil {
		return 0
	}
	return c.remoteOpen.IdleTimeout
}

// RemoteError returns the error carried by the peer's Close, if any
func (c *Connection) RemoteError() *Error {
	return c.remoteErr
}

func (c *Connection) setState(s ConnectionState) {
	prev := ConnectionState(c.state.Swap(int32(s)))
	if prev == s {
		return
	}
	c.logger.Info("connection state changed", zap.Stringer("from", prev), zap.Stringer("to", s))
	if s == StateOpened {
		c.metrics.ConnectionOpened()
	}
	for _, l := range c.cfg.listeners {
		l.OnConnectionStateChanged(c, prev, s)
	}
}

func (c *Connection) canRead() bool {
	switch c.GetState() {
	case StateUnconnected, StateCloseReceived, StateEnd:
		return false
	}
	return true
}

func (c *Connection) canWrite() bool {
	switch c.GetState() {
	case StateUnconnected, StateOpenClosePipe, StateClosePipe, StateDiscarding, StateCloseSent, StateEnd:
		return false
	}
	return true
}

// openSent reports whether our Open is on the wire, so a Close may follow
func (c *Connection) openSent() bool {
	switch c.GetState() {
	case StateOpenPipe, StateOpenSent, StateOpenReceived, StateOpened, StateCloseReceived:
		return true
	}
	return false
}

func (c *Connection) closing() bool {
	switch c.GetState() {
	case StateOpenClosePipe, StateClosePipe, StateCloseReceived, StateCloseSent, StateDiscarding, StateEnd:
		return true
	}
	return false
}

// outgoingMaxFrameSize is the largest frame this side may send
func (c *Connection) outgoingMaxFrameSize() uint32 {
	limit := c.cfg.maxFrameSize
	if c.remoteOpen != nil && c.remoteOpen.MaxFrameSize < limit {
		limit = c.remoteOpen.MaxFrameSize
	}
	return limit
}

// Open connects the transport, exchanges protocol headers and sends Open.
// With a wait other than NoWait it returns once the peer's Open arrived.
func (c *Connection) Open(ctx context.Context, wait Wait) error {
	if st := c.GetState(); st != StateUnconnected {
		return fmt.Errorf("amqp: open called in state %s", st)
	}
	if err := c.connect(ctx); err != nil {
		return err
	}

	if err := c.sendFrame(ctx, 0, &frame.AMQPHeader); err != nil {
		c.disconnect()
		return fmt.Errorf("send protocol header: %w", err)
	}
	c.setState(StateHeaderSent)

	if !c.cfg.allowPipelinedOpen {
		if err := c.awaitHeader(ctx, wait); err != nil {
			return err
		}
	}

	if err := c.sendOpen(ctx); err != nil {
		c.disconnect()
		return fmt.Errorf("send open: %w", err)
	}
	switch c.GetState() {
	case StateHeaderExchanged:
		c.setState(StateOpenSent)
	case StateHeaderSent:
		c.setState(StateOpenPipe)
	}

	if wait.IsNone() {
		return nil
	}
	return c.waitForState(ctx, wait, "open", func() bool {
		return c.GetState() == StateOpened
	})
}

func (c *Connection) connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	if err := c.transport.Negotiate(ctx); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	}
	c.transport.SetMaxFrameSize(c.cfg.maxFrameSize, c.cfg.maxFrameSize)
	c.setState(StateStart)
	return nil
}

// awaitHeader reads the peer's protocol header before Open is sent
func (c *Connection) awaitHeader(ctx context.Context, wait Wait) error {
	if wait.IsNone() {
		wait = WaitForever
	}
	f, err := c.transport.ReceiveFrame(ctx, wait)
	if err != nil {
		c.disconnect()
		return fmt.Errorf("read protocol header: %w", err)
	}
	if f == nil {
		c.disconnect()
		return fmt.Errorf("read protocol header: %w", context.DeadlineExceeded)
	}
	if err := c.processIncomingFrame(ctx, f); err != nil {
		return err
	}
	if c.GetState() != StateHeaderExchanged {
		c.disconnect()
		return fmt.Errorf("%w: expected protocol header, got %s", ErrHeaderMismatch, f.Kind())
	}
	return nil
}

func (c *Connection) sendOpen(ctx context.Context) error {
	return c.sendFrame(ctx, 0, &frame.Open{
		ContainerID:         c.cfg.containerID,
		Hostname:            c.cfg.hostname,
		MaxFrameSize:        c.cfg.maxFrameSize,
		ChannelMax:          c.cfg.channelMax,
		IdleTimeout:         c.cfg.idleTimeout,
		OutgoingLocales:     c.cfg.outgoingLocales,
		IncomingLocales:     c.cfg.incomingLocales,
		OfferedCapabilities: c.cfg.offeredCapabilities,
		DesiredCapabilities: c.cfg.desiredCapabilities,
		Properties:          c.cfg.properties,
	})
}

// Close sends Close with the optional error and releases the transport.
// With a wait other than NoWait the peer's Close is awaited first.
func (c *Connection) Close(ctx context.Context, amqpErr *Error, wait Wait) error {
	switch c.GetState() {
	case StateEnd, StateCloseSent:
		return nil
	case StateUnconnected:
		c.setState(StateEnd)
		return nil
	}

	switch {
	case c.openSent() && c.canWrite():
		if err := c.sendFrame(ctx, 0, &frame.Close{Error: amqpErr.wire()}); err != nil {
			c.logger.Debug("close not sent", zap.Error(err))
		}
		switch c.GetState() {
		case StateOpenPipe:
			c.setState(StateOpenClosePipe)
		case StateOpenSent:
			c.setState(StateClosePipe)
		case StateEnd:
		default:
			if amqpErr != nil {
				c.setState(StateDiscarding)
			} else {
				c.setState(StateCloseSent)
			}
		}
	case !c.closing():
		// Open not sent yet, nothing to close gracefully
		c.disconnect()
		return nil
	}

	var waitErr error
	if !wait.IsNone() {
		waitErr = c.waitForState(ctx, wait, "close", func() bool {
			return c.GetState() == StateEnd
		})
	}
	c.disconnect()
	return waitErr
}

// disconnect releases the transport and moves to END. Every session and link
// still alive is terminated.
func (c *Connection) disconnect() {
	if c.GetState() == StateEnd {
		return
	}
	c.setState(StateEnd)
	if err := c.transport.Close(); err != nil {
		c.logger.Debug("transport close failed", zap.Error(err))
	}
	c.metrics.ConnectionClosed()

	cause := ErrConnectionClosed
	if c.remoteErr != nil {
		cause = fmt.Errorf("%w: %w", ErrConnectionClosed, c.remoteErr)
	}
	for _, s := range c.orderedSessions() {
		s.terminate(cause)
		c.releaseSession(s)
	}
}

// Listen reads one frame, or up to batch frames, dispatches them and runs
// the periodic checks: session housekeeping, the local idle timeout and the
// keepalive towards the peer.
func (c *Connection) Listen(ctx context.Context, wait Wait, batch int) error {
	if !c.canRead() {
		switch st := c.GetState(); st {
		case StateUnconnected:
			return ErrNotOpen
		case StateEnd:
			return ErrConnectionClosed
		default:
			return fmt.Errorf("listen in state %s: %w", st, ErrConnectionClosed)
		}
	}

	var (
		frames []*frame.Frame
		err    error
	)
	if batch > 1 {
		frames, err = c.transport.ReceiveFrameBatch(ctx, batch, wait)
	} else {
		var f *frame.Frame
		f, err = c.transport.ReceiveFrame(ctx, wait)
		if f != nil {
			frames = []*frame.Frame{f}
		}
	}

	for _, f := range frames {
		if perr := c.processIncomingFrame(ctx, f); perr != nil {
			return perr
		}
		if c.GetState() == StateEnd {
			if c.remoteErr != nil {
				return fmt.Errorf("%w: %w", ErrConnectionClosed, c.remoteErr)
			}
			return nil
		}
	}
	if err != nil {
		return c.readFailed(ctx, err)
	}

	if c.closing() {
		return nil
	}
	return c.housekeeping(ctx)
}

func (c *Connection) readFailed(ctx context.Context, err error) error {
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	case errors.Is(err, transport.ErrClosed):
		c.logger.Warn("transport closed", zap.Error(err))
		c.disconnect()
		return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
	default:
		return c.violation(ctx, protocol.ErrCondFramingError, "%v", err)
	}
}

func (c *Connection) housekeeping(ctx context.Context) error {
	now := c.clock.Now()
	for _, s := range c.orderedSessions() {
		if err := s.evaluateStatus(ctx, now); err != nil {
			return err
		}
	}

	if c.localTimedOut(now) {
		c.logger.Info("idle timeout elapsed, closing connection",
			zap.Duration("idle_timeout", c.cfg.idleTimeout),
			zap.Duration("since_last_frame", now.Sub(c.lastFrameReceived)))
		return c.Close(ctx, nil, NoWait)
	}
	return c.keepAlive(ctx, now)
}

func (c *Connection) localTimedOut(now time.Time) bool {
	if c.cfg.idleTimeout <= 0 || c.lastFrameReceived.IsZero() {
		return false
	}
	return now.Sub(c.lastFrameReceived) > c.cfg.idleTimeout
}

func (c *Connection) keepAlive(ctx context.Context, now time.Time) error {
	if c.remoteIdleSendInterval <= 0 || c.lastFrameSent.IsZero() || !c.canWrite() {
		return nil
	}
	if now.Sub(c.lastFrameSent) < c.remoteIdleSendInterval {
		return nil
	}
	if err := c.sendFrame(ctx, 0, nil); err != nil {
		return err
	}
	c.metrics.HeartbeatSent()
	return nil
}

// waitForState listens in idle-wait-time slices until reached holds, the
// wait elapses or ctx is done. State is left as the last frame made it.
func (c *Connection) waitForState(ctx context.Context, wait Wait, what string, reached func() bool) error {
	deadline, bounded := wait.Deadline(c.clock.Now())
	for !reached() {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
		if c.GetState() == StateEnd {
			return fmt.Errorf("waiting for %s: %w", what, ErrConnectionClosed)
		}

		poll := c.cfg.idleWaitTime
		if bounded {
			remaining := deadline.Sub(c.clock.Now())
			if remaining <= 0 {
				return fmt.Errorf("waiting for %s: %w", what, context.DeadlineExceeded)
			}
			poll = min(poll, remaining)
		}

		if err := c.Listen(ctx, WaitFor(poll), 0); err != nil {
			if reached() {
				return nil
			}
			return fmt.Errorf("waiting for %s: %w", what, err)
		}
	}
	return nil
}

// sendFrame writes a frame if the state allows writing. A nil body sends
// an empty frame.
func (c *Connection) sendFrame(ctx context.Context, channel uint16, body frame.Performative) error {
	if !c.canWrite() {
		return fmt.Errorf("cannot send %s in state %s: %w", kindOf(body), c.GetState(), ErrConnectionClosed)
	}

	var f *frame.Frame
	if h, ok := body.(*frame.ProtocolHeader); ok {
		f = frame.NewHeaderFrame(*h)
	} else {
		f = frame.NewFrame(channel, body)
	}

	if err := c.transport.SendFrame(ctx, f); err != nil {
		if errors.Is(err, transport.ErrClosed) {
			c.logger.Warn("transport closed while sending", zap.Stringer("kind", f.Kind()), zap.Error(err))
			c.disconnect()
			return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
		}
		return err
	}

	c.lastFrameSent = c.clock.Now()
	c.metrics.FrameSent()
	c.logger.Debug("frame sent", zap.Uint16("channel", channel), zap.Stringer("kind", f.Kind()))
	return nil
}

// sendSessionFrame writes a frame on behalf of a session
func (c *Connection) sendSessionFrame(ctx context.Context, channel uint16, body frame.Performative) error {
	st := c.GetState()
	switch st {
	case StateOpenPipe, StateOpenSent:
		if !c.cfg.allowPipelinedOpen {
			return fmt.Errorf("cannot send %s before the connection is opened: %w", kindOf(body), ErrNotOpen)
		}
	case StateOpened:
	default:
		return fmt.Errorf("cannot send %s in state %s: %w", kindOf(body), st, ErrNotOpen)
	}
	return c.sendFrame(ctx, channel, body)
}

func kindOf(body frame.Performative) frame.Kind {
	if body == nil {
		return frame.KindEmpty
	}
	return body.Kind()
}

// violation handles a fatal protocol error: Close is sent with the error
// condition when possible and the connection ends
func (c *Connection) violation(ctx context.Context, cond Symbol, format string, args ...any) error {
	perr := &ProtocolError{Condition: cond, Reason: fmt.Sprintf(format, args...)}
	c.logger.Error("protocol violation",
		zap.String("condition", string(cond)),
		zap.String("reason", perr.Reason),
		zap.Stringer("state", c.GetState()))
	c.metrics.ProtocolViolation()
	c.errorHandler.HandleConnectionError(c, perr)

	if c.openSent() && c.canWrite() {
		if err := c.sendFrame(ctx, 0, &frame.Close{Error: perr.wire()}); err == nil {
			c.setState(StateDiscarding)
		}
	}
	c.disconnect()
	return perr
}

func (c *Connection) processIncomingFrame(ctx context.Context, f *frame.Frame) error {
	c.lastFrameReceived = c.clock.Now()
	c.metrics.FrameReceived()
	c.logger.Debug("frame received", zap.Uint16("channel", f.Channel), zap.Stringer("kind", f.Kind()))

	switch body := f.Body.(type) {
	case nil:
		return nil
	case *frame.ProtocolHeader:
		return c.incomingHeader(ctx, body)
	case *frame.Open:
		return c.incomingOpen(ctx, f.Channel, body)
	case *frame.Close:
		return c.incomingClose(ctx, f.Channel, body)
	}

	switch st := c.GetState(); st {
	case StateOpened:
	case StateOpenClosePipe, StateClosePipe, StateCloseSent, StateDiscarding:
		c.logger.Debug("frame discarded while closing", zap.Stringer("kind", f.Kind()), zap.Stringer("state", st))
		return nil
	default:
		return c.violation(ctx, protocol.ErrCondIllegalState, "%s received in state %s", f.Kind(), st)
	}

	switch body := f.Body.(type) {
	case *frame.Begin:
		return c.incomingBegin(ctx, f.Channel, body)
	case *frame.End:
		return c.incomingEnd(ctx, f.Channel, body)
	}

	s := c.sessionByIncoming(f.Channel)
	if s == nil {
		c.logger.Warn("frame received for unknown channel", zap.Uint16("channel", f.Channel), zap.Stringer("kind", f.Kind()))
		return nil
	}
	return s.processIncomingFrame(ctx, f.Body)
}

func (c *Connection) incomingHeader(ctx context.Context, h *frame.ProtocolHeader) error {
	if *h != frame.AMQPHeader {
		c.logger.Error("protocol header mismatch", zap.Stringer("header", h))
		c.metrics.ProtocolViolation()
		c.disconnect()
		return fmt.Errorf("%w: peer sent %s", ErrHeaderMismatch, h)
	}

	switch st := c.GetState(); st {
	case StateStart:
		c.setState(StateHeaderReceived)
	case StateHeaderSent:
		c.setState(StateHeaderExchanged)
	case StateOpenPipe:
		c.setState(StateOpenSent)
	case StateOpenClosePipe:
		c.setState(StateClosePipe)
	default:
		return c.violation(ctx, protocol.ErrCondIllegalState, "protocol header received in state %s", st)
	}
	return nil
}

func (c *Connection) incomingOpen(ctx context.Context, channel uint16, open *frame.Open) error {
	if channel != 0 {
		return c.violation(ctx, protocol.ErrCondNotAllowed, "open received on channel %d", channel)
	}
	st := c.GetState()
	switch st {
	case StateOpenSent, StateHeaderExchanged, StateClosePipe:
	default:
		return c.violation(ctx, protocol.ErrCondIllegalState, "open received in state %s", st)
	}
	if open.MaxFrameSize < protocol.MinMaxFrameSize {
		return c.violation(ctx, protocol.ErrCondFrameSizeTooSmall,
			"peer max frame size %d below %d", open.MaxFrameSize, protocol.MinMaxFrameSize)
	}

	c.remoteOpen = open
	c.remoteIdleSendInterval = time.Duration(float64(open.IdleTimeout) * c.cfg.emptyFrameSendRatio)
	c.transport.SetMaxFrameSize(c.cfg.maxFrameSize, c.outgoingMaxFrameSize())
	c.logger.Info("open received",
		zap.String("remote_container_id", open.ContainerID),
		zap.Uint32("max_frame_size", open.MaxFrameSize),
		zap.Uint16("channel_max", open.ChannelMax),
		zap.Duration("idle_timeout", open.IdleTimeout))

	switch st {
	case StateOpenSent:
		c.setState(StateOpened)
	case StateHeaderExchanged:
		c.setState(StateOpenReceived)
		if err := c.sendOpen(ctx); err != nil {
			return err
		}
		c.setState(StateOpened)
	case StateClosePipe:
		c.setState(StateCloseSent)
	}
	return nil
}

func (c *Connection) incomingClose(ctx context.Context, channel uint16, cl *frame.Close) error {
	if channel != 0 {
		return c.violation(ctx, protocol.ErrCondNotAllowed, "close received on channel %d", channel)
	}
	if cl.Error != nil {
		c.remoteErr = remoteError(cl.Error)
		c.logger.Warn("connection closed by peer", zap.Error(c.remoteErr))
		c.errorHandler.HandleConnectionError(c, c.remoteErr)
	}

	switch c.GetState() {
	case StateHeaderReceived, StateHeaderExchanged, StateOpenReceived, StateCloseSent, StateDiscarding:
		c.disconnect()
		return nil
	}

	c.setState(StateCloseReceived)
	if err := c.sendFrame(ctx, 0, &frame.Close{}); err != nil {
		c.logger.Debug("close reply not sent", zap.Error(err))
	}
	c.disconnect()
	return nil
}

func (c *Connection) incomingBegin(ctx context.Context, channel uint16, begin *frame.Begin) error {
	if _, taken := c.incoming[channel]; taken {
		return c.violation(ctx, protocol.ErrCondNotAllowed, "begin received on channel %d already in use", channel)
	}

	if begin.RemoteChannel != nil {
		if id, ok := c.outgoing[*begin.RemoteChannel]; ok {
			s := c.sessions[id]
			if !s.remoteMapped {
				c.incoming[channel] = id
				return s.incomingBegin(ctx, channel, begin)
			}
		}
	}

	// The peer started this session
	ch, err := c.allocateChannel()
	if err != nil {
		return c.violation(ctx, protocol.ErrCondResourceLimitExceeded, "no channel for session begun by peer: %v", err)
	}
	s := c.newSession(uint16(ch), defaultSessionConfig())
	c.incoming[channel] = s.id
	return s.incomingBegin(ctx, channel, begin)
}

func (c *Connection) incomingEnd(ctx context.Context, channel uint16, end *frame.End) error {
	s := c.sessionByIncoming(channel)
	if s == nil {
		c.logger.Warn("end received for unknown channel", zap.Uint16("channel", channel))
		return nil
	}
	return s.incomingEnd(ctx, end)
}

// CreateSession allocates a channel and sends Begin. The session is mapped
// once the peer's Begin arrives; see Session.WaitMapped.
func (c *Connection) CreateSession(ctx context.Context, opts ...SessionOption) (*Session, error) {
	switch st := c.GetState(); st {
	case StateOpenPipe, StateOpenSent:
		if !c.cfg.allowPipelinedOpen {
			return nil, fmt.Errorf("create session in state %s: %w", st, ErrNotOpen)
		}
	case StateOpened:
	default:
		return nil, fmt.Errorf("create session in state %s: %w", st, ErrNotOpen)
	}

	cfg := defaultSessionConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ch, err := c.allocateChannel()
	if err != nil {
		return nil, err
	}
	s := c.newSession(uint16(ch), cfg)
	if err := s.begin(ctx); err != nil {
		c.releaseSession(s)
		return nil, err
	}
	return s, nil
}

// allocateChannel takes the lowest free channel within both sides' limits
func (c *Connection) allocateChannel() (int, error) {
	limit := int(c.cfg.channelMax) - 1
	if c.remoteOpen != nil && int(c.remoteOpen.ChannelMax) < limit {
		limit = int(c.remoteOpen.ChannelMax)
	}

	ch, ok := c.channels.Allocate()
	if ok && ch > limit {
		c.channels.Free(ch)
		ok = false
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d channels in use", ErrChannelMax, c.channels.Allocated())
	}
	return ch, nil
}

func (c *Connection) newSession(channel uint16, cfg sessionConfig) *Session {
	c.nextSessionID++
	s := newSession(c, c.nextSessionID, channel, cfg)
	c.sessions[s.id] = s
	c.outgoing[channel] = s.id
	return s
}

// releaseSession drops the session from the arena and both channel tables
func (c *Connection) releaseSession(s *Session) {
	delete(c.sessions, s.id)
	if id, ok := c.outgoing[s.channel]; ok && id == s.id {
		delete(c.outgoing, s.channel)
		c.channels.Free(int(s.channel))
	}
	if s.remoteMapped {
		if id, ok := c.incoming[s.remoteChannel]; ok && id == s.id {
			delete(c.incoming, s.remoteChannel)
		}
	}
}

func (c *Connection) sessionByIncoming(channel uint16) *Session {
	id, ok := c.incoming[channel]
	if !ok {
		return nil
	}
	return c.sessions[id]
}

func (c *Connection) orderedSessions() []*Session {
	out := make([]*Session, 0, len(c.sessions))
	for _, s := range c.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}
