package amqp

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
	"github.com/israelio/amqp10-go-client/internal/util"
)

// Session is a flow-controlled channel on a Connection carrying links
type Session struct {
	id     uint32
	conn   *Connection
	cfg    sessionConfig
	logger *zap.Logger

	state         atomic.Int32
	channel       uint16
	remoteChannel uint16
	remoteMapped  bool
	ended         bool
	remoteErr     *Error

	// Transfer windows, counted in transfer frames
	nextOutgoingID       uint32
	remoteIncomingWindow uint32
	remoteOutgoingWindow uint32
	nextIncomingID       uint32
	incomingWindow       uint32
	nextDeliveryID       uint32
	remoteHandleMax      uint32

	handles       *util.IntAllocator
	links         map[string]*Link
	outputHandles map[uint32]*Link
	inputHandles  map[uint32]*Link

	// Deliveries waiting for the peer's incoming window
	pending []*outgoingDelivery

	// Unsettled deliveries by delivery id, for routing dispositions
	outgoingUnsettled map[uint32]*Link
	incomingUnsettled map[uint32]*Link
}

func newSession(c *Connection, id uint32, channel uint16, cfg sessionConfig) *Session {
	return &Session{
		id:                id,
		conn:              c,
		cfg:               cfg,
		logger:            c.logger.With(zap.Uint16("channel", channel)),
		channel:           channel,
		incomingWindow:    cfg.incomingWindow,
		remoteHandleMax:   protocol.DefaultHandleMax,
		handles:           util.NewIntAllocator(0, int(cfg.handleMax)),
		links:             make(map[string]*Link),
		outputHandles:     make(map[uint32]*Link),
		inputHandles:      make(map[uint32]*Link),
		outgoingUnsettled: make(map[uint32]*Link),
		incomingUnsettled: make(map[uint32]*Link),
	}
}

// GetState returns the current session state
func (s *Session) GetState() SessionState {
	return SessionState(s.state.Load())
}

// IsEnded reports whether the End exchange completed or the connection went
// away
func (s *Session) IsEnded() bool {
	return s.ended
}

// Channel returns the locally assigned channel
func (s *Session) Channel() uint16 {
	return s.channel
}

// RemoteChannel returns the channel assigned by the peer, if known
func (s *Session) RemoteChannel() (uint16, bool) {
	return s.remoteChannel, s.remoteMapped
}

// Connection returns the owning connection
func (s *Session) Connection() *Connection {
	return s.conn
}

// RemoteError returns the error carried by the peer's End, if any
func (s *Session) RemoteError() *Error {
	return s.remoteErr
}

// IncomingWindow returns how many more transfers the peer may send
func (s *Session) IncomingWindow() uint32 {
	return s.incomingWindow
}

// RemoteIncomingWindow returns how many more transfers this side may send
func (s *Session) RemoteIncomingWindow() uint32 {
	return s.remoteIncomingWindow
}

func (s *Session) setState(st SessionState) {
	prev := SessionState(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.logger.Info("session state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	if st == SessionMapped {
		s.conn.metrics.SessionBegun()
	}
	for _, l := range s.cfg.listeners {
		l.OnSessionStateChanged(s, prev, st)
	}
}

// writable reports whether frames other than End may still be sent
func (s *Session) writable() bool {
	switch s.GetState() {
	case SessionBeginSent, SessionBeginReceived, SessionMapped:
		return true
	case SessionUnmapped:
		return !s.ended
	}
	return false
}

// sendFrame writes a frame on the session's channel. Once End is sent or
// received only End may follow.
func (s *Session) sendFrame(ctx context.Context, body frame.Performative) error {
	if _, end := body.(*frame.End); !end && !s.writable() {
		return fmt.Errorf("%s in session state %s: %w", body.Kind(), s.GetState(), ErrSessionNotMapped)
	}
	return s.conn.sendSessionFrame(ctx, s.channel, body)
}

func (s *Session) begin(ctx context.Context) error {
	if err := s.sendFrame(ctx, s.beginFrame()); err != nil {
		return err
	}
	s.setState(SessionBeginSent)
	return nil
}

func (s *Session) beginFrame() *frame.Begin {
	b := &frame.Begin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.cfg.outgoingWindow,
		HandleMax:      s.cfg.handleMax,
	}
	if s.remoteMapped {
		ch := s.remoteChannel
		b.RemoteChannel = &ch
	}
	return b
}

// WaitMapped listens until the peer's Begin arrived
func (s *Session) WaitMapped(ctx context.Context, wait Wait) error {
	err := s.conn.waitForState(ctx, wait, "session begin", func() bool {
		return s.GetState() == SessionMapped || s.ended
	})
	if err != nil {
		return err
	}
	if s.ended {
		return fmt.Errorf("session ended before it was mapped: %w", ErrSessionNotMapped)
	}
	return nil
}

// End sends End with the optional error. With a wait other than NoWait the
// peer's End is awaited.
func (s *Session) End(ctx context.Context, amqpErr *Error, wait Wait) error {
	switch st := s.GetState(); st {
	case SessionBeginSent, SessionBeginReceived, SessionMapped:
		if err := s.sendFrame(ctx, &frame.End{Error: amqpErr.wire()}); err != nil {
			return err
		}
		if amqpErr != nil {
			s.setState(SessionDiscarding)
		} else {
			s.setState(SessionEndSent)
		}
	case SessionUnmapped:
		return nil
	}

	if wait.IsNone() {
		return nil
	}
	return s.conn.waitForState(ctx, wait, "session end", func() bool {
		return s.ended
	})
}

// fail ends the session with an error condition
func (s *Session) fail(ctx context.Context, cond Symbol, format string, args ...any) error {
	e := NewError(cond, fmt.Sprintf(format, args...))
	s.logger.Error("ending session on error", zap.Error(e))
	s.conn.errorHandler.HandleSessionError(s, e)
	return s.End(ctx, e, NoWait)
}

func (s *Session) incomingBegin(ctx context.Context, channel uint16, b *frame.Begin) error {
	s.remoteChannel = channel
	s.remoteMapped = true
	s.nextIncomingID = b.NextOutgoingID
	s.remoteIncomingWindow = b.IncomingWindow
	s.remoteOutgoingWindow = b.OutgoingWindow
	s.remoteHandleMax = b.HandleMax

	switch s.GetState() {
	case SessionBeginSent:
		s.setState(SessionMapped)
	case SessionUnmapped:
		s.setState(SessionBeginReceived)
		if err := s.sendFrame(ctx, s.beginFrame()); err != nil {
			return err
		}
		s.setState(SessionMapped)
	}
	return s.flush(ctx)
}

func (s *Session) incomingEnd(ctx context.Context, end *frame.End) error {
	cause := ErrLinkDetached
	if end.Error != nil {
		s.remoteErr = remoteError(end.Error)
		s.logger.Warn("session ended by peer", zap.Error(s.remoteErr))
		s.conn.errorHandler.HandleSessionError(s, s.remoteErr)
		cause = fmt.Errorf("%w: %w", ErrLinkDetached, s.remoteErr)
	}

	var err error
	switch s.GetState() {
	case SessionEndSent, SessionDiscarding:
	default:
		s.setState(SessionEndReceived)
		err = s.sendFrame(ctx, &frame.End{})
	}
	s.terminate(cause)
	s.conn.releaseSession(s)
	return err
}

// terminate ends every link and moves the session to its final state
func (s *Session) terminate(cause error) {
	if s.ended {
		return
	}
	s.ended = true
	for _, l := range s.orderedLinks() {
		l.finish(LinkDetached, cause)
	}
	s.pending = nil
	s.setState(SessionUnmapped)
	s.conn.metrics.SessionEnded()
}

func (s *Session) processIncomingFrame(ctx context.Context, body frame.Performative) error {
	switch st := s.GetState(); st {
	case SessionMapped, SessionEndSent:
	default:
		s.logger.Debug("frame discarded", zap.Stringer("kind", body.Kind()), zap.Stringer("state", st))
		return nil
	}

	var err error
	switch b := body.(type) {
	case *frame.Attach:
		err = s.incomingAttach(ctx, b)
	case *frame.Flow:
		err = s.incomingFlow(ctx, b)
	case *frame.Transfer:
		err = s.incomingTransfer(ctx, b)
	case *frame.Disposition:
		err = s.incomingDisposition(ctx, b)
	case *frame.Detach:
		err = s.incomingDetach(ctx, b)
	default:
		s.logger.Warn("unexpected frame for session", zap.Stringer("kind", body.Kind()))
	}

	// after our End the peer's frames are still applied but not answered
	if err != nil && !s.writable() && errors.Is(err, ErrSessionNotMapped) {
		s.logger.Debug("reply dropped after end", zap.Stringer("kind", body.Kind()), zap.Error(err))
		return nil
	}
	return err
}

func (s *Session) incomingAttach(ctx context.Context, a *frame.Attach) error {
	if _, used := s.inputHandles[a.Handle]; used {
		return s.fail(ctx, protocol.ErrCondHandleInUse, "handle %d already attached", a.Handle)
	}

	l, ok := s.links[a.Name]
	if !ok {
		var err error
		if l, err = s.acceptLink(a); err != nil {
			return s.fail(ctx, protocol.ErrCondResourceLimitExceeded, "cannot accept link %q: %v", a.Name, err)
		}
	}
	s.inputHandles[a.Handle] = l
	return l.incomingAttach(ctx, a)
}

// acceptLink creates the local endpoint of a link attached by the peer
func (s *Session) acceptLink(a *frame.Attach) (*Link, error) {
	h, err := s.allocateHandle()
	if err != nil {
		return nil, err
	}

	role := RoleSender
	if a.Role == RoleSender {
		role = RoleReceiver
	}
	cfg := defaultLinkConfig()
	cfg.name = a.Name
	cfg.receiverSettleMode = a.ReceiverSettleMode
	cfg.senderSettleMode = a.SenderSettleMode

	l := newLink(s, a.Name, role, h, cfg)
	l.source = a.Source
	l.target = a.Target
	s.links[l.name] = l
	s.outputHandles[h] = l
	s.logger.Info("link attached by peer", zap.String("link", a.Name), zap.Stringer("role", role))
	return l, nil
}

func (s *Session) incomingFlow(ctx context.Context, f *frame.Flow) error {
	// The peer's window is anchored at its next-incoming-id, or at our
	// initial outgoing id when that is still unknown to it
	var nextIncoming uint32
	if f.NextIncomingID != nil {
		nextIncoming = *f.NextIncomingID
	}
	inFlight := s.nextOutgoingID - nextIncoming
	if inFlight >= f.IncomingWindow {
		s.remoteIncomingWindow = 0
	} else {
		s.remoteIncomingWindow = f.IncomingWindow - inFlight
	}
	s.remoteOutgoingWindow = f.OutgoingWindow

	if f.Handle != nil {
		l, ok := s.inputHandles[*f.Handle]
		if !ok {
			return s.fail(ctx, protocol.ErrCondUnattachedHandle, "flow for unattached handle %d", *f.Handle)
		}
		if err := l.incomingFlow(ctx, f); err != nil {
			return err
		}
	} else if f.Echo {
		if err := s.sendFrame(ctx, s.flowFrame()); err != nil {
			return err
		}
	}
	return s.flush(ctx)
}

func (s *Session) incomingTransfer(ctx context.Context, t *frame.Transfer) error {
	if s.incomingWindow == 0 {
		return s.fail(ctx, protocol.ErrCondWindowViolation, "transfer received with the incoming window closed")
	}
	s.nextIncomingID++
	s.incomingWindow--
	if s.remoteOutgoingWindow > 0 {
		s.remoteOutgoingWindow--
	}

	l, ok := s.inputHandles[t.Handle]
	if !ok {
		return s.fail(ctx, protocol.ErrCondUnattachedHandle, "transfer for unattached handle %d", t.Handle)
	}
	return l.incomingTransfer(ctx, t)
}

func (s *Session) incomingDisposition(ctx context.Context, d *frame.Disposition) error {
	// A disposition from the receiving side settles our outgoing deliveries
	table := s.outgoingUnsettled
	if d.Role == RoleSender {
		table = s.incomingUnsettled
	}
	for _, id := range idsInRange(table, d.First, d.LastID()) {
		if err := table[id].incomingDisposition(ctx, id, d); err != nil {
			return err
		}
	}
	return nil
}

// idsInRange returns the ids of table within [first, last] in serial order
func idsInRange(table map[uint32]*Link, first, last uint32) []uint32 {
	span := last - first
	var ids []uint32
	for id := range table {
		if id-first <= span {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i]-first < ids[j]-first })
	return ids
}

func (s *Session) incomingDetach(ctx context.Context, d *frame.Detach) error {
	l, ok := s.inputHandles[d.Handle]
	if !ok {
		s.logger.Warn("detach received for unattached handle", zap.Uint32("handle", d.Handle))
		return nil
	}
	return l.incomingDetach(ctx, d)
}

func (s *Session) flowFrame() *frame.Flow {
	f := &frame.Flow{
		IncomingWindow: s.incomingWindow,
		NextOutgoingID: s.nextOutgoingID,
		OutgoingWindow: s.cfg.outgoingWindow,
	}
	if s.remoteMapped {
		next := s.nextIncomingID
		f.NextIncomingID = &next
	}
	return f
}

// evaluateStatus re-issues the incoming window once half of it is used and
// lets each link run its own checks
func (s *Session) evaluateStatus(ctx context.Context, now time.Time) error {
	if s.GetState() != SessionMapped {
		return nil
	}
	if s.cfg.incomingWindow > 0 && s.incomingWindow <= s.cfg.incomingWindow/2 {
		s.incomingWindow = s.cfg.incomingWindow
		if err := s.sendFrame(ctx, s.flowFrame()); err != nil {
			return err
		}
	}
	for _, l := range s.orderedLinks() {
		if err := l.evaluateStatus(ctx, now); err != nil {
			return err
		}
	}
	return nil
}

// CreateSenderLink attaches a sending link to the target address
func (s *Session) CreateSenderLink(ctx context.Context, target string, opts ...LinkOption) (*Sender, error) {
	l, err := s.createLink(ctx, RoleSender, target, nil, opts)
	if err != nil {
		return nil, err
	}
	return &Sender{Link: l}, nil
}

// CreateReceiverLink attaches a receiving link to the source address.
// handler runs for every complete message, inside Listen.
func (s *Session) CreateReceiverLink(ctx context.Context, source string, handler MessageHandler, opts ...LinkOption) (*Receiver, error) {
	l, err := s.createLink(ctx, RoleReceiver, source, handler, opts)
	if err != nil {
		return nil, err
	}
	return &Receiver{Link: l}, nil
}

func (s *Session) createLink(ctx context.Context, role Role, address string, handler MessageHandler, opts []LinkOption) (*Link, error) {
	switch st := s.GetState(); st {
	case SessionBeginSent, SessionMapped:
	default:
		return nil, fmt.Errorf("create link in state %s: %w", st, ErrSessionNotMapped)
	}

	cfg := defaultLinkConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.name == "" {
		cfg.name = fmt.Sprintf("%s-%s", role, uuid.NewString())
	}
	if _, dup := s.links[cfg.name]; dup {
		return nil, fmt.Errorf("amqp: link %q already exists on channel %d", cfg.name, s.channel)
	}

	h, err := s.allocateHandle()
	if err != nil {
		return nil, err
	}

	l := newLink(s, cfg.name, role, h, cfg)
	l.handler = handler
	l.source = cfg.source
	l.target = cfg.target
	if role == RoleSender {
		if l.target == nil {
			l.target = &Target{}
		}
		if l.target.Address == "" {
			l.target.Address = address
		}
		if l.source == nil {
			l.source = &Source{}
		}
	} else {
		if l.source == nil {
			l.source = &Source{}
		}
		if l.source.Address == "" {
			l.source.Address = address
		}
		if l.target == nil {
			l.target = &Target{}
		}
	}

	s.links[l.name] = l
	s.outputHandles[h] = l
	if err := l.sendAttach(ctx); err != nil {
		s.releaseLink(l)
		return nil, err
	}
	l.setState(LinkAttachSent)
	return l, nil
}

// allocateHandle takes the lowest free handle within both sides' limits
func (s *Session) allocateHandle() (uint32, error) {
	limit := min(s.cfg.handleMax, s.remoteHandleMax)
	h, ok := s.handles.Allocate()
	if ok && uint64(h) > uint64(limit) {
		s.handles.Free(h)
		ok = false
	}
	if !ok {
		return 0, fmt.Errorf("%w: %d links attached", ErrHandleMax, s.handles.Allocated())
	}
	return uint32(h), nil
}

// releaseLink drops the link from the handle tables
func (s *Session) releaseLink(l *Link) {
	if cur, ok := s.outputHandles[l.handle]; ok && cur == l {
		delete(s.outputHandles, l.handle)
		s.handles.Free(int(l.handle))
	}
	if l.remoteAttached {
		if cur, ok := s.inputHandles[l.remoteHandle]; ok && cur == l {
			delete(s.inputHandles, l.remoteHandle)
		}
	}
	if cur, ok := s.links[l.name]; ok && cur == l {
		delete(s.links, l.name)
	}
	// the handle may be reused at once, so nothing queued for it goes out
	kept := s.pending[:0]
	for _, d := range s.pending {
		if d.link != l {
			kept = append(kept, d)
		}
	}
	s.pending = kept
	for id, owner := range s.outgoingUnsettled {
		if owner == l {
			delete(s.outgoingUnsettled, id)
		}
	}
	for id, owner := range s.incomingUnsettled {
		if owner == l {
			delete(s.incomingUnsettled, id)
		}
	}
}

func (s *Session) orderedLinks() []*Link {
	out := make([]*Link, 0, len(s.links))
	for _, l := range s.links {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].handle < out[j].handle })
	return out
}

// enqueue queues a delivery behind the peer's incoming window and sends as
// much as the window allows
func (s *Session) enqueue(ctx context.Context, d *outgoingDelivery) error {
	s.pending = append(s.pending, d)
	return s.flush(ctx)
}

func (s *Session) windowFull() bool {
	return s.remoteIncomingWindow == 0 && uint32(len(s.pending)) >= s.cfg.outgoingWindow
}

// flush sends queued transfer frames while the peer's window is open
func (s *Session) flush(ctx context.Context) error {
	if !s.writable() {
		return nil
	}
	for len(s.pending) > 0 {
		d := s.pending[0]
		if d.done {
			// a withdrawn delivery still uses its id and credit, so the
			// peer is told with an aborted transfer
			if d.sent < len(d.frames) {
				if s.remoteIncomingWindow == 0 {
					return nil
				}
				if err := s.sendTransfer(ctx, d.abortFrame()); err != nil {
					return err
				}
			}
			s.pending = s.pending[1:]
			continue
		}

		for d.sent < len(d.frames) {
			if s.remoteIncomingWindow == 0 {
				return nil
			}
			if err := s.sendTransfer(ctx, d.frames[d.sent]); err != nil {
				return err
			}
			d.sent++
		}
		s.pending = s.pending[1:]
		d.link.transferSent(d)
	}
	return nil
}

func (s *Session) sendTransfer(ctx context.Context, t *frame.Transfer) error {
	if err := s.sendFrame(ctx, t); err != nil {
		return err
	}
	s.nextOutgoingID++
	s.remoteIncomingWindow--
	return nil
}
