package amqp

import (
	"context"
	"fmt"
)

// Receiver is the receiving end of a link. Messages are handed to the
// handler given at creation while the connection is listening.
type Receiver struct {
	*Link
}

// SetCredit changes the credit kept granted to the sender and issues it now
func (r *Receiver) SetCredit(ctx context.Context, credit uint32) error {
	if st := r.GetState(); st != LinkAttached {
		return fmt.Errorf("set credit in state %s: %w", st, ErrLinkNotAttached)
	}
	if !r.session.writable() {
		return fmt.Errorf("set credit in session state %s: %w", r.session.GetState(), ErrSessionNotMapped)
	}
	r.cfg.credit = credit
	return r.issueCredit(ctx)
}

// Drain asks the sender to use up or give back its outstanding credit. Credit
// is not topped up again until the sender answers.
func (r *Receiver) Drain(ctx context.Context) error {
	if st := r.GetState(); st != LinkAttached {
		return fmt.Errorf("drain in state %s: %w", st, ErrLinkNotAttached)
	}
	if !r.session.writable() {
		return fmt.Errorf("drain in session state %s: %w", r.session.GetState(), ErrSessionNotMapped)
	}
	r.drain = true
	return r.session.sendFrame(ctx, r.flowFrame(false))
}

// Settle sends the final outcome for a delivery received in
// ReceiverSettleModeSecond once the sender confirmed it
func (r *Receiver) Settle(ctx context.Context, deliveryID uint32, state DeliveryState) error {
	owner, ok := r.session.incomingUnsettled[deliveryID]
	if !ok || owner != r.Link {
		return fmt.Errorf("amqp: delivery %d is not awaiting settlement on link %q", deliveryID, r.name)
	}
	delete(r.session.incomingUnsettled, deliveryID)
	r.session.conn.metrics.DeliverySettled(Settled)
	return r.sendDisposition(ctx, deliveryID, true, state)
}
