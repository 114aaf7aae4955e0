package amqp

import (
	"fmt"
	"time"

	"github.com/israelio/amqp10-go-client/internal/frame"
)

// SettleReason tells a send callback how its delivery ended
type SettleReason uint8

const (
	// DispositionReceived means the peer reported an outcome
	DispositionReceived SettleReason = iota
	// Settled means the delivery was sent pre-settled
	Settled
	// NotDelivered means the link, session or connection went away first
	NotDelivered
	// Timeout means no outcome arrived before the send timeout
	Timeout
	// Cancelled means the delivery was withdrawn locally
	Cancelled

	settleReasonCount
)

func (r SettleReason) String() string {
	switch r {
	case DispositionReceived:
		return "disposition_received"
	case Settled:
		return "settled"
	case NotDelivered:
		return "not_delivered"
	case Timeout:
		return "timeout"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("SettleReason(%d)", uint8(r))
	}
}

// SendCompleteFunc is called once per delivery. state is the outcome sent
// by the peer when reason is DispositionReceived.
type SendCompleteFunc func(reason SettleReason, state DeliveryState, err error)

// MessageHandler processes a complete incoming message and returns the
// outcome to settle it with. A nil outcome accepts the message.
type MessageHandler func(msg *Message) DeliveryState

type outgoingDelivery struct {
	link       *Link
	id         uint32
	tag        []byte
	frames     []*frame.Transfer
	sent       int
	settled    bool
	deadline   time.Time
	state      DeliveryState
	onComplete SendCompleteFunc
	done       bool
}

func (d *outgoingDelivery) expired(now time.Time) bool {
	return !d.deadline.IsZero() && !now.Before(d.deadline)
}

// abortFrame ends the delivery without completing it. Before its first frame
// went out the abort carries the delivery id.
func (d *outgoingDelivery) abortFrame() *frame.Transfer {
	if d.sent == 0 {
		first := *d.frames[0]
		first.Payload = nil
		first.More = false
		first.Aborted = true
		return &first
	}
	return &frame.Transfer{Handle: d.link.handle, Aborted: true}
}

type incomingDelivery struct {
	id      uint32
	tag     []byte
	format  uint32
	settled bool
	payload []byte
}
