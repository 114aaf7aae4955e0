package amqp

import (
	"time"

	"github.com/israelio/amqp10-go-client/internal/frame"
	"github.com/israelio/amqp10-go-client/internal/protocol"
	"github.com/israelio/amqp10-go-client/internal/transport"
)

// Symbol is an AMQP symbolic value
type Symbol = protocol.Symbol

// Fields is an AMQP map keyed by symbols
type Fields = protocol.Fields

// Transport is the framed byte stream a Connection runs over
type Transport = transport.Transport

// Wait selects how long a blocking call may wait for frames
type Wait = transport.Wait

// Wait policies
var (
	NoWait      = transport.NoWait
	WaitForever = transport.WaitForever
)

// WaitFor returns a policy that waits up to d. Zero or negative means NoWait.
func WaitFor(d time.Duration) Wait {
	return transport.WaitFor(d)
}

// Source and Target describe the terminus of a link
type (
	Source = frame.Source
	Target = frame.Target
)

// Link roles
type Role = frame.Role

const (
	RoleSender   = frame.RoleSender
	RoleReceiver = frame.RoleReceiver
)

// Settlement modes
type (
	SenderSettleMode   = frame.SenderSettleMode
	ReceiverSettleMode = frame.ReceiverSettleMode
)

const (
	SenderSettleModeUnsettled = frame.SenderSettleModeUnsettled
	SenderSettleModeSettled   = frame.SenderSettleModeSettled
	SenderSettleModeMixed     = frame.SenderSettleModeMixed

	ReceiverSettleModeFirst  = frame.ReceiverSettleModeFirst
	ReceiverSettleModeSecond = frame.ReceiverSettleModeSecond
)

// Delivery states
type (
	DeliveryState = frame.DeliveryState
	Received      = frame.Received
	Accepted      = frame.Accepted
	Rejected      = frame.Rejected
	Released      = frame.Released
	Modified      = frame.Modified
)
