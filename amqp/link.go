package amqp

import (
	"context"
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
)

// Link is a unidirectional route within a Session. Sender and Receiver wrap
// it with the operations of each role.
type Link struct {
	session *Session
	cfg     linkConfig
	logger  *zap.Logger

	name   string
	role   Role
	state  atomic.Int32
	closed bool

	handle         uint32
	remoteHandle   uint32
	remoteAttached bool
	remoteAttach   *frame.Attach
	localErr       *Error
	remoteErr      *Error

	source *Source
	target *Target

	senderSettleMode     SenderSettleMode
	receiverSettleMode   ReceiverSettleMode
	remoteMaxMessageSize uint64

	// Flow control, per the sender's delivery count
	deliveryCount uint32
	linkCredit    uint32
	available     uint32
	drain         bool

	// Sender side: deliveries not yet completed, by delivery id
	deliveries map[uint32]*outgoingDelivery

	// Receiver side
	handler MessageHandler
	current *incomingDelivery
}

func newLink(s *Session, name string, role Role, handle uint32, cfg linkConfig) *Link {
	return &Link{
		session:            s,
		cfg:                cfg,
		logger:             s.logger.With(zap.String("link", name), zap.Uint32("handle", handle)),
		name:               name,
		role:               role,
		handle:             handle,
		senderSettleMode:   cfg.senderSettleMode,
		receiverSettleMode: cfg.receiverSettleMode,
		deliveries:         make(map[uint32]*outgoingDelivery),
	}
}

// Name returns the link name
func (l *Link) Name() string {
	return l.name
}

// Role returns whether this endpoint sends or receives
func (l *Link) Role() Role {
	return l.role
}

// Handle returns the local handle
func (l *Link) Handle() uint32 {
	return l.handle
}

// Session returns the owning session
func (l *Link) Session() *Session {
	return l.session
}

// GetState returns the current link state
func (l *Link) GetState() LinkState {
	return LinkState(l.state.Load())
}

// IsClosed reports whether the link reached a final state
func (l *Link) IsClosed() bool {
	return l.closed
}

// Credit returns the current link credit
func (l *Link) Credit() uint32 {
	return l.linkCredit
}

// DeliveryCount returns the sender's delivery count as known here
func (l *Link) DeliveryCount() uint32 {
	return l.deliveryCount
}

// Available returns the backlog last reported by the sending peer
func (l *Link) Available() uint32 {
	return l.available
}

// Unsettled returns the number of deliveries awaiting an outcome
func (l *Link) Unsettled() int {
	return len(l.deliveries)
}

// Source returns the local source terminus
func (l *Link) Source() *Source {
	return l.source
}

// Target returns the local target terminus
func (l *Link) Target() *Target {
	return l.target
}

// RemoteSource returns the source the peer attached with. A nil source on a
// receiving link means the peer refused it.
func (l *Link) RemoteSource() *Source {
	if l.remoteAttach == nil {
		return nil
	}
	return l.remoteAttach.Source
}

// RemoteTarget returns the target the peer attached with
func (l *Link) RemoteTarget() *Target {
	if l.remoteAttach == nil {
		return nil
	}
	return l.remoteAttach.Target
}

// RemoteError returns the error carried by the peer's Detach, if any
func (l *Link) RemoteError() *Error {
	return l.remoteErr
}

func (l *Link) setState(st LinkState) {
	prev := LinkState(l.state.Swap(int32(st)))
	if prev == st {
		return
	}
	l.logger.Info("link state changed", zap.Stringer("from", prev), zap.Stringer("to", st))
	if st == LinkAttached {
		l.session.conn.metrics.LinkAttached()
	}
	for _, lis := range l.cfg.listeners {
		lis.OnLinkStateChanged(l, prev, st)
	}
}

func (l *Link) sendAttach(ctx context.Context) error {
	a := &frame.Attach{
		Name:               l.name,
		Handle:             l.handle,
		Role:               l.role,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		MaxMessageSize:     l.cfg.maxMessageSize,
		Properties:         l.cfg.properties,
	}
	if l.role == RoleSender {
		dc := l.deliveryCount
		a.InitialDeliveryCount = &dc
	}
	return l.session.sendFrame(ctx, a)
}

// WaitAttached listens until the peer's Attach arrived
func (l *Link) WaitAttached(ctx context.Context, wait Wait) error {
	err := l.session.conn.waitForState(ctx, wait, "link attach", func() bool {
		return l.GetState() == LinkAttached || l.closed
	})
	if err != nil {
		return err
	}
	if l.closed {
		if l.remoteErr != nil {
			return fmt.Errorf("%w: %w", ErrLinkDetached, l.remoteErr)
		}
		return ErrLinkDetached
	}
	return nil
}

// Detach closes the link with the optional error. With a wait other than
// NoWait the peer's Detach is awaited.
func (l *Link) Detach(ctx context.Context, amqpErr *Error, wait Wait) error {
	switch l.GetState() {
	case LinkAttachSent, LinkAttachReceived, LinkAttached:
		d := &frame.Detach{Handle: l.handle, Closed: true, Error: amqpErr.wire()}
		if err := l.session.sendFrame(ctx, d); err != nil {
			return err
		}
		l.localErr = amqpErr
		l.setState(LinkDetachSent)
	case LinkDetachSent:
	default:
		return nil
	}

	if wait.IsNone() {
		return nil
	}
	return l.session.conn.waitForState(ctx, wait, "link detach", func() bool {
		return l.closed
	})
}

// fail detaches the link with an error condition
func (l *Link) fail(ctx context.Context, cond Symbol, format string, args ...any) error {
	e := NewError(cond, fmt.Sprintf(format, args...))
	l.logger.Error("detaching link on error", zap.Error(e))
	l.session.conn.errorHandler.HandleLinkError(l, e)
	return l.Detach(ctx, e, NoWait)
}

// finish moves the link to its final state and fails whatever is in flight
func (l *Link) finish(st LinkState, cause error) {
	if l.closed {
		return
	}
	l.closed = true
	l.current = nil
	for _, d := range l.orderedDeliveries() {
		l.complete(d, NotDelivered, nil, cause)
	}
	l.setState(st)
	l.session.conn.metrics.LinkDetached()
	l.session.releaseLink(l)
}

func (l *Link) incomingAttach(ctx context.Context, a *frame.Attach) error {
	l.remoteHandle = a.Handle
	l.remoteAttached = true
	l.remoteAttach = a

	// Each side decides its own settle mode
	if l.role == RoleSender {
		l.receiverSettleMode = a.ReceiverSettleMode
		l.remoteMaxMessageSize = a.MaxMessageSize
	} else {
		l.senderSettleMode = a.SenderSettleMode
		if a.InitialDeliveryCount != nil {
			l.deliveryCount = *a.InitialDeliveryCount
		}
	}

	switch l.GetState() {
	case LinkAttachSent:
		l.setState(LinkAttached)
	case LinkDetached:
		l.setState(LinkAttachReceived)
		if err := l.sendAttach(ctx); err != nil {
			return err
		}
		l.setState(LinkAttached)
	default:
		return nil
	}

	if l.role == RoleReceiver {
		return l.issueCredit(ctx)
	}
	return nil
}

func (l *Link) incomingDetach(ctx context.Context, d *frame.Detach) error {
	cause := ErrLinkDetached
	if d.Error != nil {
		l.remoteErr = remoteError(d.Error)
		l.logger.Warn("link detached by peer", zap.Error(l.remoteErr))
		l.session.conn.errorHandler.HandleLinkError(l, l.remoteErr)
		cause = fmt.Errorf("%w: %w", ErrLinkDetached, l.remoteErr)
	}

	var err error
	if l.GetState() != LinkDetachSent {
		l.setState(LinkDetachReceived)
		err = l.session.sendFrame(ctx, &frame.Detach{Handle: l.handle, Closed: d.Closed})
	}

	final := LinkDetached
	if l.remoteErr != nil || l.localErr != nil {
		final = LinkError
	}
	l.finish(final, cause)
	return err
}

func (l *Link) flowFrame(echo bool) *frame.Flow {
	f := l.session.flowFrame()
	h, dc, credit := l.handle, l.deliveryCount, l.linkCredit
	f.Handle = &h
	f.DeliveryCount = &dc
	f.LinkCredit = &credit
	if l.role == RoleSender {
		avail := uint32(0)
		for _, d := range l.deliveries {
			if d.sent < len(d.frames) {
				avail++
			}
		}
		f.Available = &avail
	}
	f.Drain = l.drain
	f.Echo = echo
	return f
}

// issueCredit grants the configured credit to the sending peer
func (l *Link) issueCredit(ctx context.Context) error {
	l.linkCredit = l.cfg.credit
	return l.session.sendFrame(ctx, l.flowFrame(false))
}

func (l *Link) incomingFlow(ctx context.Context, f *frame.Flow) error {
	if l.role == RoleSender {
		if f.LinkCredit != nil {
			remoteCount := l.deliveryCount
			if f.DeliveryCount != nil {
				remoteCount = *f.DeliveryCount
			}
			// deliveries the receiver had not counted when it granted credit
			inFlight := l.deliveryCount - remoteCount
			if inFlight >= *f.LinkCredit {
				l.linkCredit = 0
			} else {
				l.linkCredit = *f.LinkCredit - inFlight
			}
		}
		l.drain = f.Drain
		if f.Drain {
			l.deliveryCount += l.linkCredit
			l.linkCredit = 0
			return l.session.sendFrame(ctx, l.flowFrame(false))
		}
	} else {
		if f.DeliveryCount != nil {
			// a sender ahead of our count used credit without transfers,
			// as it does when draining
			advanced := *f.DeliveryCount - l.deliveryCount
			if int32(advanced) > 0 {
				l.deliveryCount = *f.DeliveryCount
				if advanced >= l.linkCredit {
					l.linkCredit = 0
				} else {
					l.linkCredit -= advanced
				}
			}
			if l.drain && l.linkCredit == 0 {
				l.drain = false
			}
		}
		if f.Available != nil {
			l.available = *f.Available
		}
	}

	if f.Echo {
		return l.session.sendFrame(ctx, l.flowFrame(false))
	}
	return nil
}

func (l *Link) sendDisposition(ctx context.Context, id uint32, settled bool, state DeliveryState) error {
	return l.session.sendFrame(ctx, &frame.Disposition{
		Role:    l.role,
		First:   id,
		Settled: settled,
		State:   state,
	})
}

func (l *Link) incomingDisposition(ctx context.Context, id uint32, d *frame.Disposition) error {
	if l.role == RoleReceiver {
		if d.Settled {
			delete(l.session.incomingUnsettled, id)
			l.session.conn.metrics.DeliverySettled(Settled)
		}
		return nil
	}

	od, ok := l.deliveries[id]
	if !ok {
		return nil
	}
	switch {
	case d.Settled:
		l.complete(od, DispositionReceived, d.State, nil)
	case d.State != nil && frame.IsTerminal(d.State):
		// the receiver settles second and waits for us
		if err := l.sendDisposition(ctx, id, true, d.State); err != nil {
			return err
		}
		l.complete(od, DispositionReceived, d.State, nil)
	default:
		od.state = d.State
	}
	return nil
}

// complete finishes a delivery and runs its callback exactly once
func (l *Link) complete(d *outgoingDelivery, reason SettleReason, state DeliveryState, err error) {
	if d.done {
		return
	}
	d.done = true
	delete(l.deliveries, d.id)
	if owner, ok := l.session.outgoingUnsettled[d.id]; ok && owner == l {
		delete(l.session.outgoingUnsettled, d.id)
	}

	l.session.conn.metrics.DeliverySettled(reason)
	if err != nil && reason == Timeout {
		l.session.conn.errorHandler.HandleDeliveryError(l, d.id, err)
	}
	if d.onComplete != nil {
		d.onComplete(reason, state, err)
	}
}

// transferSent is called once every frame of d is on the wire
func (l *Link) transferSent(d *outgoingDelivery) {
	if d.settled {
		l.complete(d, Settled, nil, nil)
	}
}

func (l *Link) orderedDeliveries() []*outgoingDelivery {
	out := make([]*outgoingDelivery, 0, len(l.deliveries))
	for _, d := range l.deliveries {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].id < out[j].id })
	return out
}

func (l *Link) evaluateStatus(ctx context.Context, now time.Time) error {
	if l.role == RoleSender {
		for _, d := range l.orderedDeliveries() {
			if d.expired(now) {
				l.logger.Warn("delivery timed out", zap.Uint32("delivery_id", d.id))
				l.complete(d, Timeout, nil, ErrDeliveryTimeout)
			}
		}
		return nil
	}

	if l.GetState() != LinkAttached || l.drain || l.cfg.credit == 0 {
		return nil
	}
	if l.linkCredit <= l.cfg.credit/2 {
		return l.issueCredit(ctx)
	}
	return nil
}

func (l *Link) incomingTransfer(ctx context.Context, t *frame.Transfer) error {
	if l.role != RoleReceiver {
		return l.fail(ctx, protocol.ErrCondNotAllowed, "transfer received on a sending link")
	}
	if l.GetState() != LinkAttached {
		l.logger.Debug("transfer discarded", zap.Stringer("state", l.GetState()))
		return nil
	}

	d := l.current
	if d == nil {
		if t.DeliveryID == nil {
			return l.fail(ctx, protocol.ErrCondNotAllowed, "first transfer of a delivery has no delivery id")
		}
		if l.linkCredit == 0 {
			return l.fail(ctx, protocol.ErrCondTransferLimitExceeded, "transfer received without link credit")
		}
		l.linkCredit--
		l.deliveryCount++

		d = &incomingDelivery{id: *t.DeliveryID, tag: t.DeliveryTag}
		if t.MessageFormat != nil {
			d.format = *t.MessageFormat
		}
		l.current = d
	} else if t.DeliveryID != nil && *t.DeliveryID != d.id {
		l.current = nil
		return l.fail(ctx, protocol.ErrCondNotAllowed, "delivery %d started before delivery %d completed", *t.DeliveryID, d.id)
	}

	if t.Aborted {
		l.current = nil
		l.logger.Debug("delivery aborted by sender", zap.Uint32("delivery_id", d.id))
		return nil
	}

	d.settled = d.settled || t.Settled
	d.payload = append(d.payload, t.Payload...)
	if l.cfg.maxMessageSize > 0 && uint64(len(d.payload)) > l.cfg.maxMessageSize {
		l.current = nil
		return l.fail(ctx, protocol.ErrCondMessageSizeExceeded,
			"delivery %d exceeds %d bytes", d.id, l.cfg.maxMessageSize)
	}
	if t.More {
		return nil
	}
	l.current = nil
	return l.deliver(ctx, d)
}

// deliver hands a complete message to the handler and settles it per the
// receiver settle mode
func (l *Link) deliver(ctx context.Context, d *incomingDelivery) error {
	metrics := l.session.conn.metrics
	metrics.TransferReceived()

	msg := &Message{Payload: d.payload, Format: d.format, DeliveryTag: d.tag, Settled: d.settled}
	var state DeliveryState
	if l.handler != nil {
		state = l.handler(msg)
	}
	if state == nil {
		state = &Accepted{}
	}

	if d.settled {
		metrics.DeliverySettled(Settled)
		return nil
	}
	if l.receiverSettleMode == ReceiverSettleModeSecond {
		l.session.incomingUnsettled[d.id] = l
		return l.sendDisposition(ctx, d.id, false, state)
	}
	metrics.DeliverySettled(Settled)
	return l.sendDisposition(ctx, d.id, true, state)
}
