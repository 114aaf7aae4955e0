package amqp

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/israelio/amqp10-go-client/internal/frame"
)

// Sender is the sending end of a link
type Sender struct {
	*Link
}

// Send queues msg as one delivery, split into as many transfer frames as the
// negotiated frame size requires. onComplete runs once with the outcome; a
// positive timeout completes the delivery with Timeout when no outcome
// arrived in time. Send needs link credit granted by the receiver.
func (s *Sender) Send(ctx context.Context, msg *Message, onComplete SendCompleteFunc, timeout time.Duration) error {
	l := s.Link
	if st := l.GetState(); st != LinkAttached {
		return fmt.Errorf("send in state %s: %w", st, ErrLinkNotAttached)
	}
	if !l.session.writable() {
		return fmt.Errorf("send in session state %s: %w", l.session.GetState(), ErrSessionNotMapped)
	}
	if l.linkCredit == 0 {
		return ErrNoCredit
	}
	if l.remoteMaxMessageSize > 0 && uint64(len(msg.Payload)) > l.remoteMaxMessageSize {
		return fmt.Errorf("amqp: message of %d bytes exceeds the peer limit of %d", len(msg.Payload), l.remoteMaxMessageSize)
	}
	sess := l.session
	if sess.windowFull() {
		return fmt.Errorf("%w: %d transfers queued", ErrSessionWindow, len(sess.pending))
	}

	settled := l.senderSettleMode == SenderSettleModeSettled ||
		(l.senderSettleMode == SenderSettleModeMixed && msg.Settled)
	tag := msg.DeliveryTag
	if len(tag) == 0 {
		id := uuid.New()
		tag = id[:]
	}

	id := sess.nextDeliveryID
	frames, err := l.transferFrames(id, tag, msg, settled)
	if err != nil {
		return err
	}
	d := &outgoingDelivery{
		link:       l,
		id:         id,
		tag:        tag,
		frames:     frames,
		settled:    settled,
		onComplete: onComplete,
	}
	if timeout > 0 {
		d.deadline = sess.conn.clock.Now().Add(timeout)
	}

	sess.nextDeliveryID++
	l.linkCredit--
	l.deliveryCount++
	l.deliveries[id] = d
	if !settled {
		sess.outgoingUnsettled[id] = l
	}
	sess.conn.metrics.TransferSent()
	return sess.enqueue(ctx, d)
}

// Cancel withdraws the delivery with the given tag if it has not been sent in
// full. Its callback runs with Cancelled and the peer receives an aborted
// transfer. It reports whether a delivery was withdrawn.
func (s *Sender) Cancel(ctx context.Context, tag []byte) (bool, error) {
	l := s.Link
	for _, d := range l.orderedDeliveries() {
		if !bytes.Equal(d.tag, tag) || d.sent == len(d.frames) {
			continue
		}
		l.complete(d, Cancelled, nil, nil)
		return true, l.session.flush(ctx)
	}
	return false, nil
}

// transferFrames splits the payload so that no frame exceeds the peer's
// max frame size. Only the first frame carries the delivery id and tag.
func (l *Link) transferFrames(id uint32, tag []byte, msg *Message, settled bool) ([]*frame.Transfer, error) {
	format := msg.Format
	first := &frame.Transfer{
		Handle:        l.handle,
		DeliveryID:    &id,
		DeliveryTag:   tag,
		MessageFormat: &format,
		Settled:       settled,
		More:          true,
	}
	overhead, err := frame.TransferOverhead(first)
	if err != nil {
		return nil, fmt.Errorf("encode transfer: %w", err)
	}
	chunk := int(l.session.conn.outgoingMaxFrameSize()) - overhead
	if chunk <= 0 {
		return nil, fmt.Errorf("amqp: max frame size %d leaves no room for payload", l.session.conn.outgoingMaxFrameSize())
	}

	payload := msg.Payload
	frames := []*frame.Transfer{first}
	t := first
	for {
		n := min(chunk, len(payload))
		t.Payload = payload[:n]
		payload = payload[n:]
		t.More = len(payload) > 0
		if !t.More {
			return frames, nil
		}
		t = &frame.Transfer{Handle: l.handle}
		frames = append(frames, t)
	}
}
